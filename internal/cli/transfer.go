package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/midnightntwrk/midnight-ledger-sub005/internal/log"
	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/arena"
	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/collections"
)

var (
	exportOutput string
	exportLimit  int
	importInput  string
)

var exportCmd = &cobra.Command{
	Use:   "export <key>",
	Short: "Write a state value in wire format",
	Long: `Serialize the state value stored under key, with every node below it, to
the output file (stdout when --output is "-").`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := parseKey(args[0])
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		return withSession(ctx, func(s *session) error {
			sp := arena.GetLazy[collections.StateValue](s.storage.Arena(), key)
			v, err := sp.Get()
			if err != nil {
				return fmt.Errorf("failed to load state value %s: %w", key.Short(), err)
			}
			data, err := arena.SerializeBounded(sp, exportLimit)
			if err != nil {
				return err
			}
			log.Component("cli").WithField("key", key.Short()).WithField("kind", v.Kind()).
				WithField("bytes", len(data)).Info("state value exported")
			return writeOutput(cmd, exportOutput, data)
		})
	},
}

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Read a state value in wire format and persist it",
	Long: `Decode a serialized state value, store its nodes and mark it as a GC root.
The key of the imported value is printed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readInput(cmd, importInput)
		if err != nil {
			return err
		}
		tag, err := arena.ParseWireTag(data)
		if err != nil {
			return err
		}
		if want := arena.TagOf[collections.StateValue](); tag != want {
			return fmt.Errorf("%w: input holds %q, expected %q", arena.ErrUnknownTag, tag, want)
		}

		ctx := cmd.Context()
		return withSession(ctx, func(s *session) error {
			sp, err := arena.Deserialize[collections.StateValue](s.storage.Arena(), data)
			if err != nil {
				return err
			}
			if err := sp.Persist(); err != nil {
				return err
			}
			if err := s.storage.Flush(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sp.Key())
			return nil
		})
	},
}

func writeOutput(cmd *cobra.Command, path string, data []byte) error {
	if path == "-" {
		_, err := cmd.OutOrStdout().Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

func init() {
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "-", "output file, - for stdout")
	exportCmd.Flags().IntVar(&exportLimit, "limit", 0, "fail if node data exceeds this many bytes, 0 for no limit")
	importCmd.Flags().StringVarP(&importInput, "input", "i", "-", "input file, - for stdin")
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}
