package record

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rohankatakam/pijugo/internal/apply"
	"github.com/rohankatakam/pijugo/internal/graph"
	"github.com/rohankatakam/pijugo/internal/ident"
	"github.com/rohankatakam/pijugo/internal/kv"
	"github.com/rohankatakam/pijugo/internal/patch"
	"github.com/rohankatakam/pijugo/internal/retrieve"
)

func openTestDB(t *testing.T) *kv.DB {
	t.Helper()
	dir := t.TempDir()
	db, err := kv.Open(filepath.Join(dir, "pristine"), 1<<20, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// TestRecordNewFileProducesAddition walks a working tree holding one
// untracked file and checks Record emits a FileAdd action plus an
// InodeAdd update for it.
func TestRecordNewFileProducesAddition(t *testing.T) {
	db := openTestDB(t)
	wd := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(wd, "hello.txt"), []byte("hi\n"), 0o644))

	var st *State
	err := db.Update(func(tx *kv.Tx) error {
		g := graph.New(tx)
		require.NoError(t, g.CreateBranch("master"))
		var err error
		st, err = Record(g, "master", wd)
		return err
	})
	require.NoError(t, err)

	require.Len(t, st.Updates, 1)
	assert.Equal(t, InodeAdd, st.Updates[0].Kind)

	var found bool
	for _, a := range st.Actions {
		if a.Kind == ActionFileAdd && a.Name == "hello.txt" {
			found = true
			assert.True(t, a.Change.UpContext[0].HasPatch)
			assert.True(t, a.Change.UpContext[0].Patch.IsNone())
		}
	}
	assert.True(t, found, "expected a FileAdd action for hello.txt")

	var sawContent bool
	for _, a := range st.Actions {
		if a.Kind == ActionChange && len(a.Change.Nodes) > 0 {
			sawContent = true
			assert.Equal(t, [][]byte{[]byte("hi\n")}, a.Change.Nodes)
		}
	}
	assert.True(t, sawContent, "expected a content NewNodes action for hello.txt")
}

// TestRecordUnchangedFileProducesNoActions applies a file addition
// patch, then records against the now-identical working tree and
// expects no further actions.
func TestRecordUnchangedFileProducesNoActions(t *testing.T) {
	db := openTestDB(t)
	wd := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(wd, "a.txt"), []byte("line\n"), 0o644))

	var st *State
	err := db.Update(func(tx *kv.Tx) error {
		g := graph.New(tx)
		require.NoError(t, g.CreateBranch("master"))
		var err error
		st, err = Record(g, "master", wd)
		return err
	})
	require.NoError(t, err)
	require.NotEmpty(t, st.Actions)

	h := ident.Sha512Of([]byte("patch one"))
	p := patch.Empty()
	p.Changes = actionsToChanges(st.Actions)

	var inode ident.Inode
	err = db.Update(func(tx *kv.Tx) error {
		g := graph.New(tx)
		pid, err := apply.Apply(tx, "master", h, p, 1)
		if err != nil {
			return err
		}
		for _, u := range st.Updates {
			meta := u.Meta
			key := ident.Key{Patch: pid, Line: u.Line}
			if err := g.PutInodes(u.Inode, ident.FileHeader{Metadata: meta, Status: ident.FileOk, Key: key}); err != nil {
				return err
			}
			inode = u.Inode
		}
		return nil
	})
	require.NoError(t, err)
	require.NotEqual(t, ident.Inode{}, inode)

	err = db.Update(func(tx *kv.Tx) error {
		g := graph.New(tx)
		st2, err := Record(g, "master", wd)
		if err != nil {
			return err
		}
		assert.Empty(t, st2.Actions)
		assert.Empty(t, st2.Updates)
		return nil
	})
	require.NoError(t, err)
}

// TestRecordModifiedFileProducesContentDiff changes the middle line of
// a tracked multi-line file and checks Record's content diff
// (localDiff's LCS path, merging adjacent delete/insert hunks) round-
// trips correctly: applying the emitted actions as a second patch and
// rendering the file's content chain back out reproduces the new
// content exactly.
func TestRecordModifiedFileProducesContentDiff(t *testing.T) {
	db := openTestDB(t)
	wd := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(wd, "a.txt"), []byte("one\ntwo\nthree\n"), 0o644))

	var st *State
	err := db.Update(func(tx *kv.Tx) error {
		g := graph.New(tx)
		require.NoError(t, g.CreateBranch("master"))
		var err error
		st, err = Record(g, "master", wd)
		return err
	})
	require.NoError(t, err)
	require.NotEmpty(t, st.Actions)

	h1 := ident.Sha512Of([]byte("patch one"))
	p1 := patch.Empty()
	p1.Changes = actionsToChanges(st.Actions)

	var key ident.Key
	err = db.Update(func(tx *kv.Tx) error {
		g := graph.New(tx)
		pid, err := apply.Apply(tx, "master", h1, p1, 1)
		if err != nil {
			return err
		}
		for _, u := range st.Updates {
			key = ident.Key{Patch: pid, Line: u.Line}
			if err := g.PutInodes(u.Inode, ident.FileHeader{Metadata: u.Meta, Status: ident.FileOk, Key: key}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	require.NotEqual(t, ident.Key{}, key)

	require.NoError(t, os.WriteFile(filepath.Join(wd, "a.txt"), []byte("one\nTWO\nthree\n"), 0o644))

	var st2 *State
	err = db.Update(func(tx *kv.Tx) error {
		g := graph.New(tx)
		var err error
		st2, err = Record(g, "master", wd)
		return err
	})
	require.NoError(t, err)
	require.NotEmpty(t, st2.Actions, "expected a content diff for the modified middle line")

	h2 := ident.Sha512Of([]byte("patch two"))
	p2 := patch.Empty()
	p2.Changes = actionsToChanges(st2.Actions)

	var out bytes.Buffer
	err = db.Update(func(tx *kv.Tx) error {
		g := graph.New(tx)
		if _, err := apply.Apply(tx, "master", h2, p2, 2); err != nil {
			return err
		}
		gr, err := retrieve.Retrieve(g, "master", key)
		if err != nil {
			return err
		}
		_, err = retrieve.OutputFile(g, retrieve.NewWriteBuffer(&out), gr)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "one\nTWO\nthree\n", out.String())
}

// TestRecordMovedFileEmitsFileMoveAction renames a tracked file in
// place (same inode, new tree basename) and marks it FileMoved, the
// way a `pijuctl mv` command would before the next Record; checks
// recordMovedFile emits an ActionFileMove carrying the new encoded
// name plus the folder-edge deletion half for the stale name.
func TestRecordMovedFileEmitsFileMoveAction(t *testing.T) {
	db := openTestDB(t)
	wd := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(wd, "a.txt"), []byte("line\n"), 0o644))

	var st *State
	err := db.Update(func(tx *kv.Tx) error {
		g := graph.New(tx)
		require.NoError(t, g.CreateBranch("master"))
		var err error
		st, err = Record(g, "master", wd)
		return err
	})
	require.NoError(t, err)

	h := ident.Sha512Of([]byte("patch one"))
	p := patch.Empty()
	p.Changes = actionsToChanges(st.Actions)

	var inode ident.Inode
	var meta ident.FileMetadata
	err = db.Update(func(tx *kv.Tx) error {
		g := graph.New(tx)
		pid, err := apply.Apply(tx, "master", h, p, 1)
		if err != nil {
			return err
		}
		for _, u := range st.Updates {
			meta = u.Meta
			key := ident.Key{Patch: pid, Line: u.Line}
			if err := g.PutInodes(u.Inode, ident.FileHeader{Metadata: meta, Status: ident.FileOk, Key: key}); err != nil {
				return err
			}
			inode = u.Inode
		}
		return nil
	})
	require.NoError(t, err)
	require.NotEqual(t, ident.Inode{}, inode)

	require.NoError(t, os.Rename(filepath.Join(wd, "a.txt"), filepath.Join(wd, "b.txt")))

	var st2 *State
	err = db.Update(func(tx *kv.Tx) error {
		g := graph.New(tx)
		require.NoError(t, g.DelTree(graph.FileId{Parent: ident.RootInode, Basename: "a.txt"}))
		require.NoError(t, g.PutTree(graph.FileId{Parent: ident.RootInode, Basename: "b.txt"}, inode))

		header, found, err := g.GetInodes(inode)
		require.NoError(t, err)
		require.True(t, found)
		header.Status = ident.FileMoved
		if err := g.PutInodes(inode, header); err != nil {
			return err
		}

		st2, err = Record(g, "master", wd)
		return err
	})
	require.NoError(t, err)

	var moved *Action
	for i := range st2.Actions {
		if st2.Actions[i].Kind == ActionFileMove {
			moved = &st2.Actions[i]
		}
	}
	require.NotNil(t, moved, "expected an ActionFileMove for the renamed file")
	assert.Equal(t, "b.txt", moved.Name)
	require.NotNil(t, moved.Replace)
	assert.Contains(t, string(moved.Replace.Inserted.Nodes[0]), "b.txt")
	assert.NotEmpty(t, moved.Replace.Deleted.Edges, "expected the stale name's folder edge in the deletion half")

	var movedUpdate *InodeUpdate
	for i := range st2.Updates {
		if st2.Updates[i].Kind == InodeMoved {
			movedUpdate = &st2.Updates[i]
		}
	}
	require.NotNil(t, movedUpdate, "expected an InodeMoved update for the renamed file")
	assert.Equal(t, inode, movedUpdate.Inode)
}

// TestRecordDeletedFileEmitsFileDelAction removes a tracked file from
// the working tree and checks recordDeletedFile emits an ActionFileDel
// deleting its folder-parent edge plus an InodeDeleted update.
func TestRecordDeletedFileEmitsFileDelAction(t *testing.T) {
	db := openTestDB(t)
	wd := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(wd, "a.txt"), []byte("line\n"), 0o644))

	var st *State
	err := db.Update(func(tx *kv.Tx) error {
		g := graph.New(tx)
		require.NoError(t, g.CreateBranch("master"))
		var err error
		st, err = Record(g, "master", wd)
		return err
	})
	require.NoError(t, err)

	h := ident.Sha512Of([]byte("patch one"))
	p := patch.Empty()
	p.Changes = actionsToChanges(st.Actions)

	var inode ident.Inode
	err = db.Update(func(tx *kv.Tx) error {
		g := graph.New(tx)
		pid, err := apply.Apply(tx, "master", h, p, 1)
		if err != nil {
			return err
		}
		for _, u := range st.Updates {
			key := ident.Key{Patch: pid, Line: u.Line}
			if err := g.PutInodes(u.Inode, ident.FileHeader{Metadata: u.Meta, Status: ident.FileOk, Key: key}); err != nil {
				return err
			}
			inode = u.Inode
		}
		return nil
	})
	require.NoError(t, err)
	require.NotEqual(t, ident.Inode{}, inode)

	require.NoError(t, os.Remove(filepath.Join(wd, "a.txt")))

	var st2 *State
	err = db.Update(func(tx *kv.Tx) error {
		g := graph.New(tx)
		var err error
		st2, err = Record(g, "master", wd)
		return err
	})
	require.NoError(t, err)

	var sawDel bool
	for _, a := range st2.Actions {
		if a.Kind == ActionFileDel {
			sawDel = true
		}
	}
	assert.True(t, sawDel, "expected an ActionFileDel for the removed file")

	var sawDeleted bool
	for _, u := range st2.Updates {
		if u.Kind == InodeDeleted && u.Inode == inode {
			sawDeleted = true
		}
	}
	assert.True(t, sawDeleted, "expected an InodeDeleted update for the removed file")
}

// actionsToChanges flattens a State's Actions into the Change slice a
// patch would carry, resolving Replace into its two halves — a test
// helper only, real patch assembly belongs to internal/repo.
func actionsToChanges(actions []Action) []patch.Change {
	var out []patch.Change
	for _, a := range actions {
		switch a.Kind {
		case ActionReplace:
			if a.Replace.Deleted.Kind == patch.ChangeNewEdges && len(a.Replace.Deleted.Edges) > 0 {
				out = append(out, a.Replace.Deleted)
			}
			out = append(out, a.Replace.Inserted)
		default:
			if a.Change.Kind == patch.ChangeNewNodes || len(a.Change.Edges) > 0 {
				out = append(out, a.Change)
			}
		}
		out = append(out, a.ConflictReordering...)
	}
	return out
}
