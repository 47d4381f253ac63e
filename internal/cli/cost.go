package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/midnightntwrk/midnight-ledger-sub005/internal/log"
	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/arena"
	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/delta"
)

var (
	costFrom    string
	costGCLimit int
	costSave    bool
)

var costCmd = &cobra.Command{
	Use:   "cost <root>...",
	Short: "Compute write and delete costs of moving to new roots",
	Long: `Report the nodes and bytes that would be written and deleted if the charged
state moved to the given roots. Without --from nothing is charged yet.
--from names a stored charged-key map. With --save the updated map is
persisted as a GC root, the previous one is released, and its key printed.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roots := make([]arena.Key, len(args))
		for i, s := range args {
			k, err := parseKey(s)
			if err != nil {
				return err
			}
			roots[i] = k
		}
		ctx := cmd.Context()
		return withSession(ctx, func(s *session) error {
			a := s.storage.Arena()
			var (
				res  delta.Results
				prev *arena.Sp[delta.RcMap]
				err  error
			)
			if costFrom == "" {
				res, err = delta.InitialCosts(a, roots)
			} else {
				var from arena.Key
				if from, err = parseKey(costFrom); err != nil {
					return err
				}
				if prev, err = arena.Get[delta.RcMap](a, from); err != nil {
					return fmt.Errorf("failed to load charged keys %s: %w", from.Short(), err)
				}
				res, err = delta.IncrementalCosts(prev.MustGet(), roots, costGCLimit)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Written: %d nodes, %d bytes\n", res.NodesWritten, res.BytesWritten)
			fmt.Fprintf(out, "Deleted: %d nodes, %d bytes\n", res.NodesDeleted, res.BytesDeleted)

			charged := arena.Alloc(a, res.Charged)
			fmt.Fprintf(out, "Charged: %s\n", charged.Key())
			if !costSave {
				return nil
			}
			if err := charged.Persist(); err != nil {
				return err
			}
			if prev != nil && prev.Key() != charged.Key() {
				if err := prev.Unpersist(); err != nil {
					return err
				}
			}
			log.Component("cli").WithField("key", charged.Key().Short()).Info("charged keys saved")
			return s.storage.Flush(ctx)
		})
	},
}

func init() {
	costCmd.Flags().StringVar(&costFrom, "from", "", "key of the current charged-key map")
	costCmd.Flags().IntVar(&costGCLimit, "gc-limit", 1000, "maximum number of unreferenced nodes to collect")
	costCmd.Flags().BoolVar(&costSave, "save", false, "persist the updated charged-key map")
	rootCmd.AddCommand(costCmd)
}
