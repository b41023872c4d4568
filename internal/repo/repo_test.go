package repo

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rohankatakam/pijugo/internal/config"
	"github.com/rohankatakam/pijugo/internal/patch"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Store.InitialMapSize = 1 << 20
	cfg.Remote.CacheDSN = "" // keep tests hermetic: no RemoteCache unless a test opts in
	return cfg
}

// TestInitThenOpenRoundTrip checks a fresh Init produces a checkout
// Open can reopen with the same branch and id.
func TestInitThenOpenRoundTrip(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig()

	r, err := Init(root, cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, cfg.DefaultBranch, r.Branch())
	id := r.ID()
	require.NoError(t, r.Close())

	r2, err := Open(root, cfg, nil)
	require.NoError(t, err)
	defer r2.Close()
	assert.Equal(t, cfg.DefaultBranch, r2.Branch())
	assert.Equal(t, id, r2.ID())
}

// TestRecordThenOutputRoundTrip records a new file, then outputs the
// branch into a fresh directory and expects the same content back.
func TestRecordThenOutputRoundTrip(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig()

	r, err := Init(root, cfg, nil)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, os.WriteFile(filepath.Join(root, "greeting.txt"), []byte("hello world\n"), 0o644))

	hash, err := r.Record(patch.PatchHeader{Name: "add greeting"})
	require.NoError(t, err)
	assert.False(t, hash.IsNone())

	outDir := t.TempDir()
	require.NoError(t, r.Output(outDir))

	got, err := os.ReadFile(filepath.Join(outDir, "greeting.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", string(got))
}

// TestRecordTwiceWithNoChangesProducesNoPatch checks a second Record
// against an unchanged tree returns the none hash and writes no file.
func TestRecordTwiceWithNoChangesProducesNoPatch(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig()

	r, err := Init(root, cfg, nil)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("line\n"), 0o644))

	first, err := r.Record(patch.PatchHeader{Name: "add a"})
	require.NoError(t, err)
	require.False(t, first.IsNone())

	second, err := r.Record(patch.PatchHeader{Name: "no-op"})
	require.NoError(t, err)
	assert.True(t, second.IsNone())
}

// TestCreateAndDeleteBranch exercises branch bookkeeping, including
// the refusal to delete the checked-out branch.
func TestCreateAndDeleteBranch(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig()

	r, err := Init(root, cfg, nil)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.CreateBranch("feature"))
	names, err := r.Branches()
	require.NoError(t, err)
	assert.Contains(t, names, "feature")
	assert.Contains(t, names, cfg.DefaultBranch)

	err = r.DeleteBranch(cfg.DefaultBranch)
	assert.Error(t, err)

	require.NoError(t, r.DeleteBranch("feature"))
	names, err = r.Branches()
	require.NoError(t, err)
	assert.NotContains(t, names, "feature")
}

// TestUnrecordRevertsRecordedPatch checks that unrecording the only
// patch applying a file add removes the file on the next Output, and
// evicts the matching RemoteCache entry.
func TestUnrecordRevertsRecordedPatch(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig()
	cfg.Remote.CacheDSN = filepath.Join(t.TempDir(), "cache.db")

	r, err := Init(root, cfg, nil)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("line\n"), 0o644))
	hash, err := r.Record(patch.PatchHeader{Name: "add a"})
	require.NoError(t, err)
	require.False(t, hash.IsNone())

	cache, err := r.Cache()
	require.NoError(t, err)
	require.NotNil(t, cache)

	require.NoError(t, r.Unrecord(hash))

	outDir := t.TempDir()
	require.NoError(t, r.Output(outDir))
	_, err = os.Stat(filepath.Join(outDir, "a.txt"))
	assert.True(t, os.IsNotExist(err))
}
