// The drive copy controller: engine wiring, REST API and peer transport
package dcserver

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/function61/drivecopy/pkg/dcdb"
	"github.com/function61/drivecopy/pkg/logtee"
	"github.com/function61/gokit/logex"
	"github.com/function61/gokit/osutil"
	"github.com/spf13/cobra"
)

func Entrypoint() *cobra.Command {
	confPath := defaultConfigFile

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Starts the controller",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			logTail := logtee.NewTail[string](50)

			// writes to upstream all end up in the sink, but logTail.Snapshot() only
			// returns the last "capacity" lines
			rootLogger := logex.StandardLoggerTo(logtee.TailTo(os.Stderr, logTail))

			ctx := osutil.CancelOnInterruptOrTerminate(logex.Prefix("main", rootLogger))

			osutil.ExitIfError(runServer(ctx, confPath, rootLogger, logTail))
		},
	}

	cmd.PersistentFlags().StringVarP(&confPath, "config", "c", confPath, "Path to config file")

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Shows virtual drives, copy jobs and owners (server must be stopped)",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			osutil.ExitIfError(withStore(confPath, func(scf *ServerConfigFile, store *dcdb.Store) error {
				return printStatus(os.Stdout, scf, store, time.Now())
			}))
		},
	})

	cmd.AddCommand(configEntrypoint(&confPath))

	return cmd
}

func configEntrypoint(confPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Edits sparing config (server must be stopped)",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set-timeout [seconds]",
		Short: "Sets operation confirmation timeout",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			seconds, err := strconv.Atoi(args[0])
			osutil.ExitIfError(err)

			osutil.ExitIfError(updateSparingConfig(*confPath, func(conf *dcdb.SparingConfig) {
				conf.OperationTimeout = dcdb.ClampOperationTimeout(time.Duration(seconds) * time.Second)
			}))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set-confirmation [true|false]",
		Short: "Enables or disables operation confirmation deadlines",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			enabled, err := strconv.ParseBool(args[0])
			osutil.ExitIfError(err)

			osutil.ExitIfError(updateSparingConfig(*confPath, func(conf *dcdb.SparingConfig) {
				conf.ConfirmationEnabled = enabled
			}))
		},
	})

	return cmd
}

func updateSparingConfig(confPath string, modify func(conf *dcdb.SparingConfig)) error {
	return withStore(confPath, func(_ *ServerConfigFile, store *dcdb.Store) error {
		return store.Update(func(tx *dcdb.Tx) error {
			conf, err := tx.Read().SparingConfig()
			if err != nil {
				return err
			}

			modify(&conf)

			fmt.Printf(
				"operation timeout %s, confirmation enabled %v\n",
				conf.OperationTimeout,
				conf.ConfirmationEnabled)

			return tx.SaveSparingConfig(conf)
		})
	})
}

// offline access to a controller's database. bbolt locks the file, so this fails while the
// server runs
func withStore(confPath string, fn func(scf *ServerConfigFile, store *dcdb.Store) error) error {
	scf, err := readServerConfigFile(confPath)
	if err != nil {
		return err
	}

	db, err := dcdb.Open(scf.DbLocation)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := dcdb.Bootstrap(db, scf.Topology(), logex.Discard); err != nil {
		return err
	}

	return fn(scf, dcdb.NewStore(db))
}

// the CLI's contexts. long enough for a copy request to get past the scheduler queue
func cliContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 15*time.Second)
}
