package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/arena"
	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/collections"
	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/nodestore"
)

// setup writes a config for a bolt database in a fresh directory.
func setup(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	conf := filepath.Join(dir, "arena.toml")
	content := fmt.Sprintf(`
[db]
backend = "bolt"
path = %q

[log]
level = "warn"

[metrics]
enabled = true
namespace = "arenactl"
`, filepath.Join(dir, "db"))
	require.NoError(t, os.WriteFile(conf, []byte(content), 0644))
	return conf
}

func run(t *testing.T, conf string, args ...string) (string, error) {
	t.Helper()
	exportOutput, exportLimit, importInput, statsPreFetch = "-", 0, "-", ""
	costFrom, costGCLimit, costSave = "", 1000, false
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--conf", conf}, args...))
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

// serializedState builds a small state value outside the database.
func serializedState(t *testing.T) []byte {
	t.Helper()
	s, err := arena.NewStorage(context.Background(), nodestore.NewMemoryDB())
	require.NoError(t, err)
	a := s.Arena()

	c, err := collections.NewCell(a, []byte("balance"))
	require.NoError(t, err)
	arr, err := collections.ArrayOf(a, c, collections.Null())
	require.NoError(t, err)
	m, err := collections.NewHashMap[arena.Bytes, collections.StateValue](a).
		Insert(arena.Bytes("accounts"), collections.NewStateArray(arr))
	require.NoError(t, err)

	data, err := arena.Serialize(arena.Alloc(a, collections.NewStateMap(m)))
	require.NoError(t, err)
	return data
}

func TestImportExportLifecycle(t *testing.T) {
	conf := setup(t)
	data := serializedState(t)
	in := filepath.Join(t.TempDir(), "state.bin")
	require.NoError(t, os.WriteFile(in, data, 0644))

	out, err := run(t, conf, "import", "-i", in)
	require.NoError(t, err)
	key := strings.TrimSpace(out)
	require.Len(t, key, 64)

	out, err = run(t, conf, "roots")
	require.NoError(t, err)
	assert.Equal(t, key+" 1\n", out)

	t.Run("export reproduces the input", func(t *testing.T) {
		exported := filepath.Join(t.TempDir(), "out.bin")
		_, err := run(t, conf, "export", key, "-o", exported)
		require.NoError(t, err)
		got, err := os.ReadFile(exported)
		require.NoError(t, err)
		assert.Equal(t, data, got)

		_, err = run(t, conf, "export", key, "--limit", "4")
		assert.ErrorIs(t, err, arena.ErrSizeLimit)
	})

	t.Run("verify", func(t *testing.T) {
		out, err := run(t, conf, "verify")
		require.NoError(t, err)
		assert.Contains(t, out, "Verification Result: VALID")
	})

	t.Run("stats", func(t *testing.T) {
		out, err := run(t, conf, "stats", "--prefetch", key)
		require.NoError(t, err)
		assert.Contains(t, out, "Layout: v1")
		assert.Contains(t, out, "Roots: 1")
		assert.Contains(t, out, "Metrics:")
		assert.Contains(t, out, "arenactl_backend_read_cache_nodes")
	})

	t.Run("gc keeps rooted nodes", func(t *testing.T) {
		out, err := run(t, conf, "gc")
		require.NoError(t, err)
		assert.Contains(t, out, "deleted 0")
	})

	t.Run("unpersist then gc", func(t *testing.T) {
		out, err := run(t, conf, "unpersist", key)
		require.NoError(t, err)
		assert.Equal(t, key+" 0\n", out)

		out, err = run(t, conf, "gc")
		require.NoError(t, err)
		assert.NotContains(t, out, "deleted 0")

		out, err = run(t, conf, "roots")
		require.NoError(t, err)
		assert.Equal(t, "no roots\n", out)

		_, err = run(t, conf, "export", key)
		assert.Error(t, err)
		_, err = run(t, conf, "unpersist", key)
		assert.Error(t, err)
	})
}

func TestCost(t *testing.T) {
	conf := setup(t)
	in := filepath.Join(t.TempDir(), "state.bin")
	require.NoError(t, os.WriteFile(in, serializedState(t), 0644))
	out, err := run(t, conf, "import", "-i", in)
	require.NoError(t, err)
	key := strings.TrimSpace(out)

	out, err = run(t, conf, "cost", key)
	require.NoError(t, err)
	assert.NotContains(t, out, "Written: 0 nodes")
	assert.Contains(t, out, "Deleted: 0 nodes, 0 bytes")

	out, err = run(t, conf, "cost", key, "--save")
	require.NoError(t, err)
	var charged string
	for _, line := range strings.Split(out, "\n") {
		if rest, ok := strings.CutPrefix(line, "Charged: "); ok {
			charged = rest
		}
	}
	require.Len(t, charged, 64)

	out, err = run(t, conf, "roots")
	require.NoError(t, err)
	assert.Contains(t, out, charged+" 1\n")

	t.Run("charged roots cost nothing", func(t *testing.T) {
		out, err := run(t, conf, "cost", key, "--from", charged)
		require.NoError(t, err)
		assert.Contains(t, out, "Written: 0 nodes, 0 bytes")
		assert.Contains(t, out, "Deleted: 0 nodes, 0 bytes")
		assert.Contains(t, out, "Charged: "+charged)
	})

	t.Run("unknown map", func(t *testing.T) {
		_, err := run(t, conf, "cost", key, "--from", strings.Repeat("ab", 32))
		assert.Error(t, err)
	})

	t.Run("bad root", func(t *testing.T) {
		_, err := run(t, conf, "cost", "xyz")
		assert.Error(t, err)
	})
}

func TestImportRejectsOtherTypes(t *testing.T) {
	conf := setup(t)
	s, err := arena.NewStorage(context.Background(), nodestore.NewMemoryDB())
	require.NoError(t, err)
	data, err := arena.Serialize(arena.Alloc(s.Arena(), arena.U64(7)))
	require.NoError(t, err)
	in := filepath.Join(t.TempDir(), "u64.bin")
	require.NoError(t, os.WriteFile(in, data, 0644))

	_, err = run(t, conf, "import", "-i", in)
	assert.ErrorIs(t, err, arena.ErrUnknownTag)

	_, err = run(t, conf, "export", "not-hex")
	assert.Error(t, err)
}

func TestVersion(t *testing.T) {
	out, err := run(t, setup(t), "version")
	require.NoError(t, err)
	assert.Contains(t, out, "arenactl version "+rootCmd.Version)
	assert.Contains(t, out, "bolt")
}
