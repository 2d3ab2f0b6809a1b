package dcserver

import (
	"context"
	"fmt"
	"net/http"

	"github.com/function61/drivecopy/pkg/dcutils"
	"github.com/function61/gokit/ezhttp"
	"github.com/function61/gokit/osutil"
	"github.com/function61/gokit/retry"
	"github.com/spf13/cobra"
)

// talks to a running controller
type client struct {
	baseURL    string
	httpClient *http.Client
}

func newClient(listenAddr string) *client {
	return &client{
		baseURL:    dcutils.BaseURL(listenAddr),
		httpClient: dcutils.HTTPClient(listenAddr),
	}
}

// server refusals are not retried, only failures to reach it
func (c *client) RequestCopy(ctx context.Context, input CopyRequestInput) (*JobOutput, error) {
	job := &JobOutput{}
	refused := error(nil)

	attempt := func(ctx context.Context) error {
		res, err := ezhttp.Post(
			ctx,
			c.baseURL+"/api/copy",
			ezhttp.Client(c.httpClient),
			ezhttp.SendJson(&input),
			ezhttp.RespondsJson(job, false))
		if err != nil && res != nil {
			refused = err
			return nil
		}

		return err
	}

	if err := retry.Retry(ctx, attempt, retry.DefaultBackoff(), func(err error) {}); err != nil {
		return nil, err
	}

	if refused != nil {
		return nil, refused
	}

	return job, nil
}

func CopyEntrypoint() *cobra.Command {
	confPath := defaultConfigFile
	destination := ""
	kind := "user"

	cmd := &cobra.Command{
		Use:   "copy [virtualDrive]",
		Short: "Asks the controller to copy a virtual drive's data to a spare",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			scf, err := readServerConfigFile(confPath)
			osutil.ExitIfError(err)

			if destination != "" && kind == "user" {
				kind = "user-to"
			}

			ctx, cancel := cliContext()
			defer cancel()

			job, err := newClient(scf.listenAddr()).RequestCopy(ctx, CopyRequestInput{
				VirtualDrive: args[0],
				Kind:         kind,
				Destination:  destination,
			})
			osutil.ExitIfError(err)

			fmt.Printf("job %s: %s -> %s (%s)\n", job.ID, job.Source, job.Destination, job.Phase)
		},
	}

	cmd.Flags().StringVarP(&confPath, "config", "c", confPath, "Path to config file")
	cmd.Flags().StringVarP(&destination, "to", "", destination, "Destination drive (default: pick a spare)")
	cmd.Flags().StringVarP(&kind, "kind", "", kind, "user | user-to | proactive")

	return cmd
}
