package apply

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

// TestApplyInsertsAliveChainRootToTail records a single NewNodes patch
// adding two lines below root and confirms both the forward chain and
// its mandatory reverse halves land in the graph.
func TestApplyInsertsAliveChainRootToTail(t *testing.T) {
	db := openTestDB(t)
	h := ident.Sha512Of([]byte("patch one"))

	p := &patch.Patch{
		Version: patch.FormatVersion,
		Changes: []patch.Change{{
			Kind:      patch.ChangeNewNodes,
			UpContext: []patch.ExternalKey{extKey(ident.NoneHash, true, 0)},
			Flag:      0,
			LineNum:   ident.LineIdFromUint64(1),
			Nodes:     [][]byte{[]byte("line one"), []byte("line two")},
		}},
	}

	var id ident.PatchId
	err := db.Update(func(tx *kv.Tx) error {
		g := graph.New(tx)
		require.NoError(t, g.CreateBranch("master"))
		var err error
		id, err = Apply(tx, "master", h, p, 1)
		return err
	})
	require.NoError(t, err)

	err = db.View(func(tx *kv.Tx) error {
		g := graph.New(tx)
		root := ident.RootKey
		edges, err := g.AllEdgesFrom("master", root)
		require.NoError(t, err)
		require.Len(t, edges, 1)
		assert.Equal(t, ident.Key{Patch: id, Line: ident.LineIdFromUint64(1)}, edges[0].Dest)

		content, err := g.GetContents(edges[0].Dest)
		require.NoError(t, err)
		assert.Equal(t, []byte("line one"), content)
		return nil
	})
	require.NoError(t, err)
}

// TestApplyRejectsDoubleApplication confirms invariant/property 11: a
// patch already recorded as applied on a branch cannot be applied again.
func TestApplyRejectsDoubleApplication(t *testing.T) {
	db := openTestDB(t)
	h := ident.Sha512Of([]byte("patch one"))
	p := &patch.Patch{Version: patch.FormatVersion}

	err := db.Update(func(tx *kv.Tx) error {
		g := graph.New(tx)
		require.NoError(t, g.CreateBranch("master"))
		_, err := Apply(tx, "master", h, p, 1)
		require.NoError(t, err)
		_, err = Apply(tx, "master", h, p, 2)
		return err
	})
	require.Error(t, err)
}

// TestApplyRejectsMissingDependency confirms property 5: a patch whose
// declared dependency is not yet applied is refused.
func TestApplyRejectsMissingDependency(t *testing.T) {
	db := openTestDB(t)
	h := ident.Sha512Of([]byte("patch two"))
	dep := ident.Sha512Of([]byte("unapplied dependency"))
	p := &patch.Patch{Version: patch.FormatVersion, Dependencies: []ident.Hash{dep}}

	err := db.Update(func(tx *kv.Tx) error {
		g := graph.New(tx)
		require.NoError(t, g.CreateBranch("master"))
		_, err := Apply(tx, "master", h, p, 1)
		return err
	})
	require.Error(t, err)
}

// TestApplyForgetAliveEdgeBridgesAncestors builds a short chain
// root->a->b, then applies a Forget retracting the root->a edge, and
// checks that a pseudo edge now connects root to a directly — a still
// has its own edge to b, so this alone restores root's reachability to
// both lines (findAliveAncestors + forgetAliveEdges preserving
// alive-reachability per spec.md's alive-reachability invariant).
func TestApplyForgetAliveEdgeBridgesAncestors(t *testing.T) {
	db := openTestDB(t)
	h1 := ident.Sha512Of([]byte("patch chain"))

	buildChain := &patch.Patch{
		Version: patch.FormatVersion,
		Changes: []patch.Change{{
			Kind:      patch.ChangeNewNodes,
			UpContext: []patch.ExternalKey{extKey(ident.NoneHash, true, 0)},
			Flag:      0,
			LineNum:   ident.LineIdFromUint64(1),
			Nodes:     [][]byte{[]byte("a"), []byte("b")},
		}},
	}

	var id1 ident.PatchId
	err := db.Update(func(tx *kv.Tx) error {
		g := graph.New(tx)
		require.NoError(t, g.CreateBranch("master"))
		var err error
		id1, err = Apply(tx, "master", h1, buildChain, 1)
		return err
	})
	require.NoError(t, err)

	h1Key := extKey(h1, true, 1)
	h2 := ident.Sha512Of([]byte("patch forget"))
	forgetRootA := &patch.Patch{
		Version:      patch.FormatVersion,
		Dependencies: []ident.Hash{h1},
		Changes: []patch.Change{{
			Kind: patch.ChangeNewEdges,
			Op:   patch.EdgeOp{Kind: patch.EdgeOpForget, Previous: 0},
			Edges: []patch.NewEdge{{
				From: extKey(ident.NoneHash, true, 0),
				To:   h1Key,
			}},
		}},
	}

	err = db.Update(func(tx *kv.Tx) error {
		_, err := Apply(tx, "master", h2, forgetRootA, 2)
		return err
	})
	require.NoError(t, err)

	err = db.View(func(tx *kv.Tx) error {
		g := graph.New(tx)
		aKey := ident.Key{Patch: id1, Line: ident.LineIdFromUint64(1)}
		edges, err := g.AllEdgesFrom("master", ident.RootKey)
		require.NoError(t, err)
		var foundPseudoToA bool
		for _, e := range edges {
			if e.Dest == aKey && e.Flags.Contains(ident.Pseudo) {
				foundPseudoToA = true
			}
		}
		assert.True(t, foundPseudoToA, "expected a pseudo edge from root to the line that lost its parent edge")
		return nil
	})
	require.NoError(t, err)
}
