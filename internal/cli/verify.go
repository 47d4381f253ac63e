package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/midnightntwrk/midnight-ledger-sub005/internal/log"
	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/arena"
	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/nodestore"
)

var (
	verifyStopOnFirst bool
	verifyMaxCorrupt  int
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check stored nodes",
	Long: `Check that every stored node is filed under the hash of its content, that all
of its children are stored and, for layout v1, that its reference count matches
the number of stored parents.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withSession(ctx, func(s *session) error {
			opts := nodestore.DefaultVerifyOptions()
			opts.StopOnFirstError = verifyStopOnFirst
			opts.MaxCorruptNodes = verifyMaxCorrupt
			opts.CheckRefCounts = s.storage.Options().Layout == arena.LayoutV1
			opts.ProgressCallback = func(n int64) {
				log.Component("cli").WithField("verified", n).Info("verification progress")
			}

			res, err := nodestore.Verify(ctx, s.storage.DB(), opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, res.String())
			for _, k := range res.CorruptKeys {
				fmt.Fprintf(out, "  corrupt: %s\n", k)
			}
			if !res.IsValid() {
				return fmt.Errorf("%d corrupt nodes", res.CorruptNodes)
			}
			return nil
		})
	},
}

func init() {
	verifyCmd.Flags().BoolVar(&verifyStopOnFirst, "stop-on-first", false, "stop at the first corrupt node")
	verifyCmd.Flags().IntVar(&verifyMaxCorrupt, "max-corrupt", 100, "maximum number of corrupt keys to list")
	rootCmd.AddCommand(verifyCmd)
}
