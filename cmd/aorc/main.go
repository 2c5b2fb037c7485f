// Command aorc mirrors the AORC regional precipitation archives into durable
// storage, builds hourly national composites from the mirrors, and exports the
// provenance of both.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "aorc",
		Short: "Mirror AORC precipitation archives and build hourly national composites.",
		Long: `Mirror AORC precipitation archives and build hourly national composites.

Configuration is read from the environment (SOURCE_BASE_URL, STORE_URL,
CATALOG_PATH, GRID_CONFIG, ...). Every command serves /healthz, /readyz,
/metrics and /runs/last on HTTP_ADDR while it runs and prints its run
summary as JSON on stdout.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		mirrorCommand(),
		compositeCommand(),
		provenanceCommand(),
		maskCommand(),
	)
	return root
}
