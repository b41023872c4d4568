package unapply

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rohankatakam/pijugo/internal/apply"
	"github.com/rohankatakam/pijugo/internal/graph"
	"github.com/rohankatakam/pijugo/internal/ident"
	"github.com/rohankatakam/pijugo/internal/kv"
	"github.com/rohankatakam/pijugo/internal/patch"
)

func openTestDB(t *testing.T) *kv.DB {
	t.Helper()
	dir := t.TempDir()
	db, err := kv.Open(filepath.Join(dir, "pristine"), 1<<20, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func extKey(patchHash ident.Hash, hasHash bool, line uint64) patch.ExternalKey {
	return patch.ExternalKey{HasPatch: hasHash, Patch: patchHash, Line: ident.LineIdFromUint64(line)}
}

// TestUnapplyReversesNewNodes confirms that applying then unapplying a
// NewNodes patch leaves root with no outgoing edges and the node's
// content gone — the basic "unapply is the inverse of apply" property
// spec.md §8 requires of every patch.
func TestUnapplyReversesNewNodes(t *testing.T) {
	db := openTestDB(t)
	h := ident.Sha512Of([]byte("patch one"))
	p := &patch.Patch{
		Version: patch.FormatVersion,
		Changes: []patch.Change{{
			Kind:      patch.ChangeNewNodes,
			UpContext: []patch.ExternalKey{extKey(ident.NoneHash, true, 0)},
			Flag:      0,
			LineNum:   ident.LineIdFromUint64(1),
			Nodes:     [][]byte{[]byte("line one")},
		}},
	}

	var id ident.PatchId
	err := db.Update(func(tx *kv.Tx) error {
		g := graph.New(tx)
		require.NoError(t, g.CreateBranch("master"))
		var err error
		id, err = apply.Apply(tx, "master", h, p, 1)
		return err
	})
	require.NoError(t, err)

	err = db.View(func(tx *kv.Tx) error {
		g := graph.New(tx)
		edges, err := g.AllEdgesFrom("master", ident.RootKey)
		require.NoError(t, err)
		require.Len(t, edges, 1)
		return nil
	})
	require.NoError(t, err)

	err = db.Update(func(tx *kv.Tx) error {
		return Unapply(tx, "master", id, p)
	})
	require.NoError(t, err)

	err = db.View(func(tx *kv.Tx) error {
		g := graph.New(tx)
		edges, err := g.AllEdgesFrom("master", ident.RootKey)
		require.NoError(t, err)
		assert.Empty(t, edges)

		content, err := g.GetContents(ident.Key{Patch: id, Line: ident.LineIdFromUint64(1)})
		require.NoError(t, err)
		assert.Nil(t, content)
		return nil
	})
	require.NoError(t, err)
}

// TestUnrecordForgetsUnreferencedPatch confirms unrecord.rs's unrecord
// semantics: once a patch is unrecorded from the only branch that
// applied it, its internal/external bijection is forgotten outright.
func TestUnrecordForgetsUnreferencedPatch(t *testing.T) {
	db := openTestDB(t)
	h := ident.Sha512Of([]byte("patch one"))
	p := &patch.Patch{Version: patch.FormatVersion}

	var id ident.PatchId
	err := db.Update(func(tx *kv.Tx) error {
		g := graph.New(tx)
		require.NoError(t, g.CreateBranch("master"))
		var err error
		id, err = apply.Apply(tx, "master", h, p, 1)
		return err
	})
	require.NoError(t, err)

	var stillReferenced bool
	err = db.Update(func(tx *kv.Tx) error {
		var err error
		stillReferenced, err = Unrecord(tx, "master", id, h, p)
		return err
	})
	require.NoError(t, err)
	assert.False(t, stillReferenced)

	err = db.View(func(tx *kv.Tx) error {
		g := graph.New(tx)
		_, found, err := g.GetInternal(h)
		require.NoError(t, err)
		assert.False(t, found)
		return nil
	})
	require.NoError(t, err)
}

// TestUnrecordKeepsPatchReferencedByOtherBranch confirms a patch
// applied to two branches survives unrecording from one of them.
func TestUnrecordKeepsPatchReferencedByOtherBranch(t *testing.T) {
	db := openTestDB(t)
	h := ident.Sha512Of([]byte("patch shared"))
	p := &patch.Patch{Version: patch.FormatVersion}

	var id ident.PatchId
	err := db.Update(func(tx *kv.Tx) error {
		g := graph.New(tx)
		require.NoError(t, g.CreateBranch("master"))
		require.NoError(t, g.CreateBranch("feature"))
		var err error
		id, err = apply.Apply(tx, "master", h, p, 1)
		if err != nil {
			return err
		}
		_, err = apply.Apply(tx, "feature", h, p, 1)
		return err
	})
	require.NoError(t, err)

	var stillReferenced bool
	err = db.Update(func(tx *kv.Tx) error {
		var err error
		stillReferenced, err = Unrecord(tx, "master", id, h, p)
		return err
	})
	require.NoError(t, err)
	assert.True(t, stillReferenced)

	err = db.View(func(tx *kv.Tx) error {
		g := graph.New(tx)
		_, found, err := g.GetInternal(h)
		require.NoError(t, err)
		assert.True(t, found)
		return nil
	})
	require.NoError(t, err)
}
