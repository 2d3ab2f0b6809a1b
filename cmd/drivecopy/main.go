package main

import (
	"os"

	"github.com/function61/drivecopy/pkg/dcserver"
	"github.com/function61/gokit/dynversion"
	"github.com/function61/gokit/osutil"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     os.Args[0],
		Short:   "Drive copy / sparing controller for redundant block storage",
		Version: dynversion.Version,
		// hide the default "completion" subcommand from polluting UX (it can still be used). https://github.com/spf13/cobra/issues/1507
		CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
	}

	rootCmd.AddCommand(dcserver.Entrypoint())
	rootCmd.AddCommand(dcserver.CopyEntrypoint())

	osutil.ExitIfError(rootCmd.Execute())
}
