package cli

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/arena"
	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/arenakey"
)

var rootsCmd = &cobra.Command{
	Use:   "roots",
	Short: "List GC roots",
	Long:  `List every GC root of the database with its root count, ordered by key.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withSession(ctx, func(s *session) error {
			roots, err := sortedRoots(ctx, s)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, r := range roots {
				fmt.Fprintf(out, "%s %d\n", r.key, r.count)
			}
			if len(roots) == 0 {
				fmt.Fprintln(out, "no roots")
			}
			return nil
		})
	},
}

var unpersistCmd = &cobra.Command{
	Use:   "unpersist <key>...",
	Short: "Remove one GC root mark from each key",
	Long: `Decrement the root count of every given key. A node whose root count and
reference count both reach zero becomes garbage and is removed by the next gc.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keys := make([]arenakey.Key, len(args))
		for i, a := range args {
			k, err := parseKey(a)
			if err != nil {
				return err
			}
			keys[i] = k
		}
		ctx := cmd.Context()
		return withSession(ctx, func(s *session) error {
			return s.backend(func(b *arena.StorageBackend) error {
				for _, k := range keys {
					if err := b.Unpersist(ctx, k); err != nil {
						return err
					}
					n, err := b.GetRootCount(ctx, k)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s %d\n", k, n)
				}
				return nil
			})
		})
	},
}

type rootEntry struct {
	key   arenakey.Key
	count uint32
}

func sortedRoots(ctx context.Context, s *session) ([]rootEntry, error) {
	var out []rootEntry
	err := s.backend(func(b *arena.StorageBackend) error {
		roots, err := b.GetRoots(ctx)
		if err != nil {
			return err
		}
		for k, n := range roots {
			out = append(out, rootEntry{key: k, count: n})
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].key.Less(out[j].key) })
	return out, err
}

func init() {
	rootCmd.AddCommand(rootsCmd)
	rootCmd.AddCommand(unpersistCmd)
}
