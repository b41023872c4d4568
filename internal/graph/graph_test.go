package graph

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rohankatakam/pijugo/internal/ident"
	"github.com/rohankatakam/pijugo/internal/kv"
)

func openTestDB(t *testing.T) *kv.DB {
	t.Helper()
	dir := t.TempDir()
	db, err := kv.Open(filepath.Join(dir, "pristine"), 1<<20, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPutEdgeAndEdgesFromRespectsFlagCeiling(t *testing.T) {
	db := openTestDB(t)
	from := ident.Key{Patch: ident.PatchIdFromUint64(1), Line: ident.LineIdFromUint64(1)}
	pseudoEdge := ident.Edge{Flags: ident.Pseudo, Dest: ident.Key{Patch: ident.PatchIdFromUint64(2)}, IntroducedBy: ident.PatchIdFromUint64(1)}
	deletedEdge := ident.Edge{Flags: ident.Deleted, Dest: ident.Key{Patch: ident.PatchIdFromUint64(3)}, IntroducedBy: ident.PatchIdFromUint64(1)}

	err := db.Update(func(tx *kv.Tx) error {
		g := New(tx)
		if err := g.PutEdge("master", from, pseudoEdge); err != nil {
			return err
		}
		return g.PutEdge("master", from, deletedEdge)
	})
	require.NoError(t, err)

	err = db.View(func(tx *kv.Tx) error {
		g := New(tx)
		edges, err := g.EdgesFrom("master", from, ident.Pseudo|ident.Folder)
		require.NoError(t, err)
		assert.Len(t, edges, 1)
		assert.Equal(t, pseudoEdge, edges[0])

		all, err := g.AllEdgesFrom("master", from)
		require.NoError(t, err)
		assert.Len(t, all, 2)
		return nil
	})
	require.NoError(t, err)
}

func TestContentsRoundTrip(t *testing.T) {
	db := openTestDB(t)
	key := ident.Key{Patch: ident.PatchIdFromUint64(5), Line: ident.LineIdFromUint64(1)}

	err := db.Update(func(tx *kv.Tx) error {
		return New(tx).PutContents(key, []byte("hello"))
	})
	require.NoError(t, err)

	err = db.View(func(tx *kv.Tx) error {
		content, err := New(tx).GetContents(key)
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), content)
		return nil
	})
	require.NoError(t, err)
}

func TestNewInternalIsStableAndUnique(t *testing.T) {
	db := openTestDB(t)
	h1 := ident.Sha512Of([]byte("patch one"))
	h2 := ident.Sha512Of([]byte("patch two"))

	err := db.Update(func(tx *kv.Tx) error {
		g := New(tx)
		id1, err := g.NewInternal(h1)
		require.NoError(t, err)
		if err := g.RegisterPatch(h1, id1); err != nil {
			return err
		}
		id2, err := g.NewInternal(h2)
		require.NoError(t, err)
		assert.NotEqual(t, id1, id2)
		return g.RegisterPatch(h2, id2)
	})
	require.NoError(t, err)

	err = db.View(func(tx *kv.Tx) error {
		g := New(tx)
		id1, found, err := g.GetInternal(h1)
		require.NoError(t, err)
		require.True(t, found)

		gotHash, found, err := g.GetExternal(id1)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, h1, gotHash)
		return nil
	})
	require.NoError(t, err)
}

func TestCreateBranchRejectsDuplicate(t *testing.T) {
	db := openTestDB(t)
	err := db.Update(func(tx *kv.Tx) error {
		g := New(tx)
		if err := g.CreateBranch("master"); err != nil {
			return err
		}
		return g.CreateBranch("master")
	})
	require.Error(t, err)
}

func TestApplyRecordAndUnrecordRoundTrip(t *testing.T) {
	db := openTestDB(t)
	id := ident.PatchIdFromUint64(42)

	err := db.Update(func(tx *kv.Tx) error {
		g := New(tx)
		require.NoError(t, g.CreateBranch("master"))
		return g.RecordApplied("master", id, 1)
	})
	require.NoError(t, err)

	err = db.View(func(tx *kv.Tx) error {
		g := New(tx)
		applied, err := g.IsApplied("master", id)
		require.NoError(t, err)
		assert.True(t, applied)

		ids, err := g.AppliedPatches("master")
		require.NoError(t, err)
		assert.Equal(t, []ident.PatchId{id}, ids)
		return nil
	})
	require.NoError(t, err)

	err = db.Update(func(tx *kv.Tx) error {
		return New(tx).UnrecordApplied("master", id)
	})
	require.NoError(t, err)

	err = db.View(func(tx *kv.Tx) error {
		applied, err := New(tx).IsApplied("master", id)
		require.NoError(t, err)
		assert.False(t, applied)
		return nil
	})
	require.NoError(t, err)
}

func TestTreeAndRevTreeStayConsistent(t *testing.T) {
	db := openTestDB(t)
	fid := FileId{Parent: ident.RootInode, Basename: "README.md"}

	var inode ident.Inode
	err := db.Update(func(tx *kv.Tx) error {
		g := New(tx)
		var err error
		inode, err = g.NewInode()
		require.NoError(t, err)
		return g.PutTree(fid, inode)
	})
	require.NoError(t, err)

	err = db.View(func(tx *kv.Tx) error {
		g := New(tx)
		got, found, err := g.GetTree(fid)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, inode, got)

		revFid, found, err := g.GetRevTree(inode)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, fid, revFid)
		return nil
	})
	require.NoError(t, err)
}

func TestInodesAndRevInodesStayConsistent(t *testing.T) {
	db := openTestDB(t)
	key := ident.Key{Patch: ident.PatchIdFromUint64(9), Line: ident.LineIdFromUint64(1)}
	header := ident.FileHeader{Metadata: ident.NewFileMetadata(0644, false), Status: ident.FileOk, Key: key}

	var inode ident.Inode
	err := db.Update(func(tx *kv.Tx) error {
		g := New(tx)
		var err error
		inode, err = g.NewInode()
		require.NoError(t, err)
		return g.PutInodes(inode, header)
	})
	require.NoError(t, err)

	err = db.View(func(tx *kv.Tx) error {
		g := New(tx)
		got, found, err := g.GetInodes(inode)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, header, got)

		gotInode, found, err := g.GetRevInodes(key)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, inode, gotInode)
		return nil
	})
	require.NoError(t, err)
}

func TestRevDepTracksDependents(t *testing.T) {
	db := openTestDB(t)
	dependency := ident.PatchIdFromUint64(1)
	dependentA := ident.PatchIdFromUint64(2)
	dependentB := ident.PatchIdFromUint64(3)

	err := db.Update(func(tx *kv.Tx) error {
		g := New(tx)
		if err := g.AddRevDep(dependency, dependentA); err != nil {
			return err
		}
		return g.AddRevDep(dependency, dependentB)
	})
	require.NoError(t, err)

	err = db.View(func(tx *kv.Tx) error {
		g := New(tx)
		has, err := g.HasRevDeps(dependency)
		require.NoError(t, err)
		assert.True(t, has)

		deps, err := g.RevDeps(dependency)
		require.NoError(t, err)
		assert.ElementsMatch(t, []ident.PatchId{dependentA, dependentB}, deps)
		return nil
	})
	require.NoError(t, err)

	err = db.Update(func(tx *kv.Tx) error {
		return New(tx).DelRevDep(dependency, dependentA)
	})
	require.NoError(t, err)

	err = db.View(func(tx *kv.Tx) error {
		deps, err := New(tx).RevDeps(dependency)
		require.NoError(t, err)
		assert.Equal(t, []ident.PatchId{dependentB}, deps)
		return nil
	})
	require.NoError(t, err)
}
