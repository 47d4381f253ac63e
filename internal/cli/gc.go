package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/arena"
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Collect garbage",
	Long: `Delete every stored node that is neither a GC root nor reachable from one.
Databases written with layout v2 keep no reference counts and refuse to collect.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withSession(ctx, func(s *session) error {
			return s.backend(func(b *arena.StorageBackend) error {
				res, err := b.GC(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "scanned %d, deleted %d in %s\n",
					res.Scanned, res.Deleted, res.Duration)
				return nil
			})
		})
	},
}

func init() {
	rootCmd.AddCommand(gcCmd)
}
