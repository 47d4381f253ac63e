package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/arena"
	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/nodestore"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Long:  `Display version information for arenactl including the storage layout and compiled-in backends.`,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "arenactl version %s\n", rootCmd.Version)
		fmt.Fprintf(out, "Default layout: %s\n", arena.DefaultLayout)
		fmt.Fprintf(out, "Backends: %v\n", nodestore.AvailableBackends())
		fmt.Fprintf(out, "Go version: %s\n", runtime.Version())
		fmt.Fprintf(out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
