package cli

import (
	"fmt"
	"io"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/arena"
)

var statsPreFetch string

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database and cache statistics",
	Long: `Show the size of the database, its GC roots and the backend cache counters.
With --prefetch the DAG below the given key is loaded first, down to
storage.prefetch_depth. Collected metrics are listed when metrics are enabled.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withSession(ctx, func(s *session) error {
			out := cmd.OutOrStdout()
			db := s.storage.DB()
			size, err := db.Size(ctx)
			if err != nil {
				return err
			}
			roots, err := sortedRoots(ctx, s)
			if err != nil {
				return err
			}

			var stats arena.Stats
			err = s.backend(func(b *arena.StorageBackend) error {
				if statsPreFetch != "" {
					k, err := parseKey(statsPreFetch)
					if err != nil {
						return err
					}
					if err := b.PreFetch(ctx, k, cfg.Storage.PreFetchDepth, false); err != nil {
						return err
					}
				}
				stats = b.GetStats()
				return nil
			})
			if err != nil {
				return err
			}

			fmt.Fprintf(out, "Database: %s\n", db.ID())
			fmt.Fprintf(out, "Layout: %s\n", s.storage.Options().Layout)
			fmt.Fprintf(out, "Nodes: %d\n", size)
			fmt.Fprintf(out, "Roots: %d\n", len(roots))
			fmt.Fprintf(out, "Cache hits: %d\n", stats.CacheHits)
			fmt.Fprintf(out, "Cache misses: %d\n", stats.CacheMisses)
			fmt.Fprintf(out, "Read cache: %d nodes\n", stats.ReadCacheLen)
			fmt.Fprintf(out, "Write cache: %d nodes, %d bytes\n", stats.WriteCacheLen, stats.WriteCacheBytes)
			fmt.Fprintf(out, "Live inserts: %d\n", stats.LiveInserts)

			if s.registry != nil {
				return writeMetrics(out, s.registry)
			}
			return nil
		})
	},
}

// writeMetrics prints one line per sample. Histograms report their sample
// count.
func writeMetrics(out io.Writer, reg *prometheus.Registry) error {
	families, err := reg.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	sort.Slice(families, func(i, j int) bool { return families[i].GetName() < families[j].GetName() })
	fmt.Fprintln(out, "Metrics:")
	for _, f := range families {
		for _, m := range f.GetMetric() {
			var v float64
			switch {
			case m.GetCounter() != nil:
				v = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				v = m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				v = float64(m.GetHistogram().GetSampleCount())
			}
			fmt.Fprintf(out, "  %s %g\n", f.GetName(), v)
		}
	}
	return nil
}

func init() {
	statsCmd.Flags().StringVar(&statsPreFetch, "prefetch", "", "key to prefetch before reporting")
	rootCmd.AddCommand(statsCmd)
}
