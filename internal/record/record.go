// Package record implements the C7 record/diff engine: walking the
// working tree against the stored graph to produce the Changes a
// future patch would need to apply, without mutating anything itself
// (spec.md §4.6).
//
// Grounded on original_source/libpijul/src/record.rs (working-tree
// walk, inode status classification, file addition/move/deletion) and
// original_source/libpijul/src/optimal_diff.rs (the line-level LCS
// diff and its LineBuffer sink). Record only reads the graph, tree and
// inodes tables and returns the Actions and InodeUpdates a caller
// should turn into a patch and apply; committing the resulting inode
// bookkeeping under a real PatchId is internal/repo's job, the same
// scope boundary apply.Apply already draws around patch construction
// vs. patch application.
package record

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/rohankatakam/pijugo/internal/graph"
	"github.com/rohankatakam/pijugo/internal/ident"
	"github.com/rohankatakam/pijugo/internal/patch"
	"github.com/rohankatakam/pijugo/internal/perr"
	"github.com/rohankatakam/pijugo/internal/retrieve"
)

// ActionKind tags the variant of Action.
type ActionKind int

const (
	ActionChange ActionKind = iota
	ActionReplace
	ActionFileAdd
	ActionFileMove
	ActionFileDel
)

// Action is one unit of recorded difference: a content Change plus
// enough working-tree context (File/Name) for a caller to report it,
// mirroring record.rs's Record enum (Change/Replace/FileAdd/FileMove/
// FileDel collapsed into one struct with a kind tag, Go has no sum type).
type Action struct {
	Kind ActionKind
	File string
	Name string

	Change  patch.Change   // ActionChange, ActionFileAdd, ActionFileMove (content half)
	Replace *ReplaceChange // ActionReplace only

	// ConflictReordering holds the extra NewEdges{New} changes a
	// deletion straddling a conflict marker requires (optimal_diff.rs's
	// "conflict ordering" case).
	ConflictReordering []patch.Change
}

// ReplaceChange pairs the delete and insert halves optimal_diff.rs
// merges into one Record::Replace when an addition directly follows a
// deletion at the same cursor position, avoiding a patch that conflicts
// with itself.
type ReplaceChange struct {
	Deleted patch.Change
	Inserted patch.Change
}

// InodeUpdateKind tags the variant of InodeUpdate.
type InodeUpdateKind int

const (
	InodeAdd InodeUpdateKind = iota
	InodeMoved
	InodeDeleted
)

// InodeUpdate is one pending change to the inodes table, resolved once
// the caller knows the real PatchId the recorded Actions were turned
// into (record.rs's InodeUpdate, minus the DB write: internal/repo
// applies these after internal/apply assigns that id).
type InodeUpdate struct {
	Kind InodeUpdateKind
	Inode ident.Inode
	Line  ident.LineId       // InodeAdd, InodeMoved: new blank-line anchor within the new patch
	Meta  ident.FileMetadata // InodeAdd, InodeMoved
}

// State accumulates the result of a Record walk.
type State struct {
	Actions      []Action
	Updates      []InodeUpdate
	lineNum      ident.LineId
}

// Record walks root (the working-tree directory bound to repository
// root) against branch's stored graph and tree, and returns every
// Action/InodeUpdate needed to bring the store in line with the
// working tree (record.rs's top-level record()).
func Record(g *graph.Graph, branch string, root string) (*State, error) {
	st := &State{lineNum: ident.LineIdFromUint64(1)}
	rootParent := patch.ExternalKey{HasPatch: true, Patch: ident.NoneHash, Line: ident.RootLineId}
	if err := recordChildren(g, branch, st, root, ident.RootInode, rootParent); err != nil {
		return nil, err
	}
	return st, nil
}

// recordChildren walks every tree entry under parentInode, auto-
// registering working-tree entries the tree table doesn't know about
// yet (record.rs has a separate "add" step that populates the tree
// table ahead of record(); this port folds that discovery in here
// since no standalone add command exists — see DESIGN.md).
func recordChildren(g *graph.Graph, branch string, st *State, dirPath string, parentInode ident.Inode, parentNode patch.ExternalKey) error {
	known, err := g.ChildrenOf(parentInode)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(known))
	for _, c := range known {
		seen[c.Basename] = true
	}

	entries, err := os.ReadDir(dirPath)
	if err != nil {
		if os.IsNotExist(err) {
			entries = nil
		} else {
			return perr.StorageError(err, "read directory "+dirPath)
		}
	}
	for _, e := range entries {
		name := e.Name()
		if seen[name] {
			continue
		}
		inode, err := g.NewInode()
		if err != nil {
			return err
		}
		if err := g.PutTree(graph.FileId{Parent: parentInode, Basename: name}, inode); err != nil {
			return err
		}
		known = append(known, graph.ChildEntry{Basename: name, Inode: inode})
	}

	for _, c := range known {
		if err := recordInode(g, branch, st, dirPath, c.Basename, c.Inode, parentNode); err != nil {
			return err
		}
	}
	return nil
}

// recordInode classifies inode's current status and dispatches to the
// matching handler; recursion into a directory's children happens
// regardless of that status, since a deletion doesn't cascade to
// children automatically — each child records its own deletion
// (record.rs's record_inode, same "recurse unconditionally" comment).
func recordInode(g *graph.Graph, branch string, st *State, parentPath, basename string, inode ident.Inode, parentNode patch.ExternalKey) error {
	realpath := filepath.Join(parentPath, basename)
	header, hasHeader := (*ident.FileHeader)(nil), false
	if h, found, err := g.GetInodes(inode); err != nil {
		return err
	} else if found {
		header = &h
		hasHeader = true
	}

	info, statErr := os.Lstat(realpath)
	exists := statErr == nil

	var childDirPath string
	var childParentNode patch.ExternalKey
	recurse := false

	switch {
	case !hasHeader:
		if !exists {
			// Neither tracked nor present: nothing to do.
			return nil
		}
		blankLine, isDir, err := recordFileAddition(g, st, inode, parentNode, realpath, basename)
		if err != nil {
			return err
		}
		if isDir {
			recurse = true
			childDirPath = realpath
			childParentNode = patch.ExternalKey{HasPatch: false, Line: blankLine}
		}

	case hasHeader && !exists:
		if err := recordDeletedFile(g, branch, st, header.Key, inode); err != nil {
			return err
		}
		recurse = header.Metadata.IsDir()
		childDirPath = realpath
		childParentNode = patch.ExternalKey{HasPatch: true, Patch: hashOfKeyPatch(g, header.Key), Line: header.Key.Line}

	case hasHeader && exists:
		newMeta := ident.NewFileMetadata(uint16(info.Mode().Perm()), info.IsDir())
		if header.Status == ident.FileMoved || newMeta != header.Metadata {
			if err := recordMovedFile(g, branch, st, parentNode, header.Key, realpath, basename, newMeta, header.Metadata); err != nil {
				return err
			}
		} else if !info.IsDir() {
			if err := recordModifiedFile(g, branch, st, header.Key, realpath); err != nil {
				return err
			}
		}
		recurse = info.IsDir()
		childDirPath = realpath
		childParentNode = patch.ExternalKey{HasPatch: true, Patch: hashOfKeyPatch(g, header.Key), Line: header.Key.Line}
	}

	if recurse {
		return recordChildren(g, branch, st, childDirPath, inode, childParentNode)
	}
	return nil
}

// hashOfKeyPatch externalizes k.Patch, folding RootPatchId to NoneHash;
// a lookup miss is swallowed to RootPatchId/NoneHash rather than
// surfaced here since every caller only uses the result to decide
// whether a grandparent changed, a best-effort comparison already
// documented as conservative in recordMovedFile.
func hashOfKeyPatch(g *graph.Graph, k ident.Key) ident.Hash {
	if k.Patch.IsRoot() {
		return ident.NoneHash
	}
	h, found, err := g.GetExternal(k.Patch)
	if err != nil || !found {
		return ident.NoneHash
	}
	return h
}

func externalKeyOf(g *graph.Graph, k ident.Key) (patch.ExternalKey, error) {
	if k.IsRoot() {
		return patch.ExternalKey{HasPatch: true, Patch: ident.NoneHash, Line: ident.RootLineId}, nil
	}
	h, found, err := g.GetExternal(k.Patch)
	if err != nil {
		return patch.ExternalKey{}, err
	}
	if !found {
		return patch.ExternalKey{}, perr.InternalHashNotFound(k.Patch)
	}
	return patch.ExternalKey{HasPatch: true, Patch: h, Line: k.Line}, nil
}

// isText applies record.rs's binary heuristic: no NUL byte in the
// first 8000 bytes.
func isText(data []byte) bool {
	n := len(data)
	if n > 8000 {
		n = 8000
	}
	for i := 0; i < n; i++ {
		if data[i] == 0 {
			return false
		}
	}
	return true
}

// splitLines splits on '\n', keeping the newline with the line it
// terminates; a final unterminated fragment is its own line.
func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' {
			lines = append(lines, data[start:i+1])
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}

// recordFileAddition emits the FOLDER_EDGE NewNodes pair (name,
// blank-line anchor) for a file the tree knows about but the graph
// doesn't yet, plus its content as NewNodes under the blank anchor.
// For a directory it returns the blank line's id and true, so callers
// can recurse using it as the new parent anchor; for a file it returns
// a zero LineId and false.
func recordFileAddition(g *graph.Graph, st *State, inode ident.Inode, parentNode patch.ExternalKey, realpath, basename string) (ident.LineId, bool, error) {
	nameLine := st.lineNum
	blankLine := st.lineNum.Add(1)
	st.lineNum = st.lineNum.Add(2)

	info, err := os.Lstat(realpath)
	if err != nil {
		return ident.LineId{}, false, perr.StorageError(err, "stat "+realpath)
	}
	meta := ident.NewFileMetadata(uint16(info.Mode().Perm()), info.IsDir())

	name := make([]byte, 0, 2+len(basename))
	name = append(name, meta.Encode()...)
	name = append(name, []byte(basename)...)

	st.Updates = append(st.Updates, InodeUpdate{Kind: InodeAdd, Inode: inode, Line: blankLine, Meta: meta})

	st.Actions = append(st.Actions, Action{
		Kind: ActionFileAdd,
		File: realpath,
		Name: basename,
		Change: patch.Change{
			Kind:      patch.ChangeNewNodes,
			UpContext: []patch.ExternalKey{parentNode},
			Flag:      ident.Folder,
			LineNum:   nameLine,
			Nodes:     [][]byte{name, {}},
		},
	})

	if info.IsDir() {
		return blankLine, true, nil
	}

	data, err := os.ReadFile(realpath)
	if err != nil {
		return ident.LineId{}, false, perr.StorageError(err, "read "+realpath)
	}
	var nodes [][]byte
	if isText(data) {
		nodes = splitLines(data)
	} else if len(data) > 0 {
		nodes = [][]byte{data}
	}
	if len(nodes) > 0 {
		st.Actions = append(st.Actions, Action{
			Kind: ActionChange,
			File: realpath,
			Change: patch.Change{
				Kind:      patch.ChangeNewNodes,
				UpContext: []patch.ExternalKey{{HasPatch: false, Line: blankLine}},
				LineNum:   st.lineNum,
				Nodes:     nodes,
			},
		})
		st.lineNum = st.lineNum.Add(uint64(len(nodes)))
	}
	return ident.LineId{}, false, nil
}

// iterateParents returns the edges out of key carrying exactly
// extra|Parent — record.rs's iterate_parents! macro, which a FOLDER_EDGE
// argument narrows to a node's folder-parent edges.
func iterateParents(g *graph.Graph, branch string, key ident.Key, extra ident.EdgeFlags) ([]ident.Edge, error) {
	edges, err := g.AllEdgesFrom(branch, key)
	if err != nil {
		return nil, err
	}
	want := extra | ident.Parent
	var out []ident.Edge
	for _, e := range edges {
		if e.Flags == want {
			out = append(out, e)
		}
	}
	return out, nil
}

// grandparentChanged decides whether parent's own folder-parent edge
// to grandparentDest still matches parentNode, the new parent this
// move is about to record. When parentNode names an already-applied
// patch we compare PatchIds directly; when it names a line freshly
// added within this same Record call (HasPatch=false) there is no
// patch id yet to compare against, so we conservatively report
// changed — record.rs's equivalent branch only ever fires at the
// working-tree root, where the comparison is exact (grandparent !=
// ROOT_KEY). The conservative case can at most re-record an edge that
// turns out to already match; it never loses an edge that changed.
func grandparentChanged(g *graph.Graph, parentNode patch.ExternalKey, grandparentDest ident.Key) (bool, error) {
	if !parentNode.HasPatch {
		return true, nil
	}
	if parentNode.Patch.IsNone() {
		return !grandparentDest.IsRoot(), nil
	}
	parentPatchID, found, err := g.GetInternal(parentNode.Patch)
	if err != nil {
		return false, err
	}
	if !found {
		return true, nil
	}
	return parentPatchID != grandparentDest.Patch, nil
}

// recordMovedFile emits the FileMove Record for a tracked file whose
// name, metadata or folder position changed: a deleting NewEdges{Map}
// over the folder edges that no longer hold plus an adding NewNodes
// for the new name, then a content diff if realpath isn't a directory.
func recordMovedFile(g *graph.Graph, branch string, st *State, parentNode patch.ExternalKey, currentKey ident.Key, realpath, basename string, newMeta, oldMeta ident.FileMetadata) error {
	name := make([]byte, 0, 2+len(basename))
	name = append(name, newMeta.Encode()...)
	name = append(name, []byte(basename)...)

	var deleted []patch.NewEdge
	parents, err := iterateParents(g, branch, currentKey, ident.Folder)
	if err != nil {
		return err
	}
	for _, parentEdge := range parents {
		prevName, err := g.GetContents(parentEdge.Dest)
		if err != nil {
			return err
		}
		nameChanged := newMeta != oldMeta
		if len(prevName) < 2 || !bytes.Equal(prevName[2:], name[2:]) {
			nameChanged = true
		}

		grandparents, err := iterateParents(g, branch, parentEdge.Dest, ident.Folder)
		if err != nil {
			return err
		}
		for _, gp := range grandparents {
			changed, err := grandparentChanged(g, parentNode, gp.Dest)
			if err != nil {
				return err
			}
			if !changed && !nameChanged {
				continue
			}
			fromExt, err := externalKeyOf(g, parentEdge.Dest)
			if err != nil {
				return err
			}
			toExt, err := externalKeyOf(g, gp.Dest)
			if err != nil {
				return err
			}
			introExt, found, err := g.GetExternal(gp.IntroducedBy)
			if err != nil {
				return err
			}
			deleted = append(deleted, patch.NewEdge{From: fromExt, To: toExt, HasIntroducedBy: found, IntroducedBy: introExt})
		}
	}

	var changeHalf patch.Change
	if len(deleted) > 0 {
		changeHalf = patch.Change{
			Kind:  patch.ChangeNewEdges,
			Op:    patch.EdgeOp{Kind: patch.EdgeOpMap, Previous: ident.Folder | ident.Parent, Flag: ident.Folder | ident.Parent | ident.Deleted},
			Edges: deleted,
		}
	}

	nameLine := st.lineNum
	st.lineNum = st.lineNum.Add(1)
	addition := patch.Change{
		Kind:      patch.ChangeNewNodes,
		UpContext: []patch.ExternalKey{parentNode},
		Flag:      ident.Folder,
		LineNum:   nameLine,
		Nodes:     [][]byte{name},
	}

	st.Actions = append(st.Actions, Action{
		Kind:   ActionFileMove,
		File:   realpath,
		Name:   basename,
		Change: addition,
		Replace: &ReplaceChange{Deleted: changeHalf, Inserted: addition},
	})

	inode, found, err := g.GetRevInodes(currentKey)
	if err != nil {
		return err
	}
	if found {
		st.Updates = append(st.Updates, InodeUpdate{Kind: InodeMoved, Inode: inode, Line: nameLine, Meta: newMeta})
	}

	info, err := os.Lstat(realpath)
	if err != nil {
		return perr.StorageError(err, "stat "+realpath)
	}
	if !info.IsDir() {
		return recordModifiedFile(g, branch, st, currentKey, realpath)
	}
	return nil
}

// recordDeletedFile walks currentKey's folder-parent edges to delete
// its directory entry, then recursively deletes every non-folder
// parent edge reachable within its own content subgraph — deletion
// does not cascade across the whole tree, only within the one file's
// content chain (record.rs's record_deleted_file).
func recordDeletedFile(g *graph.Graph, branch string, st *State, currentKey ident.Key, inode ident.Inode) error {
	edges, err := deleteEdges(g, branch, currentKey, ident.Folder|ident.Parent)
	if err != nil {
		return err
	}
	if len(edges) > 0 {
		st.Actions = append(st.Actions, Action{
			Kind: ActionFileDel,
			Change: patch.Change{
				Kind:  patch.ChangeNewEdges,
				Op:    patch.EdgeOp{Kind: patch.EdgeOpMap, Previous: ident.Folder | ident.Parent, Flag: ident.Folder | ident.Parent | ident.Deleted},
				Edges: edges,
			},
		})
	}
	st.Updates = append(st.Updates, InodeUpdate{Kind: InodeDeleted, Inode: inode})

	// currentKey's own folder-parent edge was just handled above; walk
	// only its content descendants, each losing its plain parent edge.
	seen := map[ident.Key]bool{currentKey: true}
	var walk func(k ident.Key) error
	walk = func(k ident.Key) error {
		if seen[k] {
			return nil
		}
		seen[k] = true
		es, err := deleteEdges(g, branch, k, ident.Parent)
		if err != nil {
			return err
		}
		if len(es) > 0 {
			st.Actions = append(st.Actions, Action{
				Kind: ActionFileDel,
				Change: patch.Change{
					Kind:  patch.ChangeNewEdges,
					Op:    patch.EdgeOp{Kind: patch.EdgeOpMap, Previous: ident.Parent, Flag: ident.Parent | ident.Deleted},
					Edges: es,
				},
			})
		}
		all, err := g.AllEdgesFrom(branch, k)
		if err != nil {
			return err
		}
		for _, e := range all {
			if !e.Flags.Contains(ident.Parent) {
				if err := walk(e.Dest); err != nil {
					return err
				}
			}
		}
		return nil
	}
	children, err := g.AllEdgesFrom(branch, currentKey)
	if err != nil {
		return err
	}
	for _, e := range children {
		if !e.Flags.Contains(ident.Parent) {
			if err := walk(e.Dest); err != nil {
				return err
			}
		}
	}
	return nil
}

// deleteEdges collects the NewEdge deletions for every non-pseudo
// outgoing edge of key whose flags fall in [flag, flag|Pseudo|Folder],
// mirroring optimal_diff.rs's delete_edges.
func deleteEdges(g *graph.Graph, branch string, key ident.Key, flag ident.EdgeFlags) ([]patch.NewEdge, error) {
	edges, err := g.AllEdgesFrom(branch, key)
	if err != nil {
		return nil, err
	}
	fromExt, err := externalKeyOf(g, key)
	if err != nil {
		return nil, err
	}
	maxFlag := flag | ident.Pseudo | ident.Folder
	var out []patch.NewEdge
	for _, e := range edges {
		if e.Flags < flag || e.Flags > maxFlag || e.Flags.Contains(ident.Pseudo) {
			continue
		}
		toExt, err := externalKeyOf(g, e.Dest)
		if err != nil {
			return nil, err
		}
		introExt, found, err := g.GetExternal(e.IntroducedBy)
		if err != nil {
			return nil, err
		}
		out = append(out, patch.NewEdge{From: fromExt, To: toExt, HasIntroducedBy: found, IntroducedBy: introExt})
	}
	return out, nil
}

// confirmZombie re-marks a line's still-alive incoming edges from
// PARENT|DELETED to plain PARENT, reviving a deleted-then-reinserted
// line (optimal_diff.rs's confirm_zombie).
func confirmZombie(g *graph.Graph, branch string, key ident.Key) (*patch.Change, error) {
	edges, err := deleteEdges(g, branch, key, ident.Parent|ident.Deleted)
	if err != nil {
		return nil, err
	}
	if len(edges) == 0 {
		return nil, nil
	}
	return &patch.Change{
		Kind:  patch.ChangeNewEdges,
		Op:    patch.EdgeOp{Kind: patch.EdgeOpMap, Previous: ident.Parent | ident.Deleted, Flag: ident.Parent},
		Edges: edges,
	}, nil
}

// recordModifiedFile diffs currentKey's retrieved content against
// realpath's contents, appending the resulting Actions.
func recordModifiedFile(g *graph.Graph, branch string, st *State, currentKey ident.Key, realpath string) error {
	data, err := os.ReadFile(realpath)
	if err != nil {
		return perr.StorageError(err, "read "+realpath)
	}
	var b [][]byte
	if isText(data) {
		b = splitLines(data)
	} else if len(data) > 0 {
		b = [][]byte{data}
	}
	return diff(g, branch, st, realpath, currentKey, b)
}

// diffSink implements retrieve.LineBuffer, recording the rendered
// stream's keys/content alongside the conflict-marker bookkeeping
// local_diff needs to resolve a deletion's up/down context across a
// conflict block (optimal_diff.rs's Diff struct).
type diffSink struct {
	g        *graph.Graph
	linesA   []ident.Key
	contentsA [][]byte

	conflictAncestors   map[int]int
	conflictDescendants map[int]int
	haveAncestor        bool
	currentAncestor     int
}

func newDiffSink(g *graph.Graph) *diffSink {
	return &diffSink{
		g:                   g,
		conflictAncestors:   map[int]int{},
		conflictDescendants: map[int]int{},
	}
}

func (d *diffSink) OutputLine(key ident.Key, content []byte) error {
	d.linesA = append(d.linesA, key)
	d.contentsA = append(d.contentsA, content)
	return nil
}

func (d *diffSink) outputMarker(s string) error {
	l := len(d.linesA)
	d.linesA = append(d.linesA, ident.RootKey)
	d.contentsA = append(d.contentsA, []byte(s))
	if d.haveAncestor {
		d.conflictAncestors[l] = d.currentAncestor
	}
	return nil
}

func (d *diffSink) BeginConflict() error {
	d.currentAncestor = len(d.linesA)
	d.haveAncestor = true
	return d.outputMarker(retrieve.StartMarker)
}

func (d *diffSink) ConflictNext() error { return d.outputMarker(retrieve.Separator) }

func (d *diffSink) EndConflict() error {
	if err := d.outputMarker(retrieve.EndMarker); err != nil {
		return err
	}
	d.conflictDescendants[d.currentAncestor] = len(d.linesA)
	return nil
}

// resolveUp substitutes a ROOT_KEY up-context sentinel at lineIndex
// for the real key of the conflict block it opens.
func (d *diffSink) resolveUp(lineIndex int, key ident.Key) ident.Key {
	if key != ident.RootKey {
		return key
	}
	if anc, ok := d.conflictAncestors[lineIndex]; ok {
		return d.linesA[anc]
	}
	return key
}

// resolveDown substitutes a ROOT_KEY down-context sentinel for the
// real key just past the conflict block, or reports it unresolved
// (the entry is dropped, matching optimal_diff.rs's filter(is_some)).
func (d *diffSink) resolveDown(lineIndex int, key ident.Key) (ident.Key, bool) {
	if key != ident.RootKey {
		return key, true
	}
	anc, ok := d.conflictAncestors[lineIndex]
	if !ok {
		return key, false
	}
	desc, ok := d.conflictDescendants[anc]
	if !ok || desc >= len(d.linesA) {
		return key, false
	}
	return d.linesA[desc], true
}

func (d *diffSink) addLines(lineIndex int, lineNum *ident.LineId, upContext ident.Key, downContext []ident.Key, lines [][]byte) (patch.Change, error) {
	up, err := externalKeyOf(d.g, d.resolveUp(lineIndex, upContext))
	if err != nil {
		return patch.Change{}, err
	}
	var down []patch.ExternalKey
	for _, k := range downContext {
		resolved, ok := d.resolveDown(lineIndex, k)
		if !ok {
			continue
		}
		ek, err := externalKeyOf(d.g, resolved)
		if err != nil {
			return patch.Change{}, err
		}
		down = append(down, ek)
	}
	nodes := make([][]byte, len(lines))
	copy(nodes, lines)
	ch := patch.Change{
		Kind:        patch.ChangeNewNodes,
		UpContext:   []patch.ExternalKey{up},
		DownContext: down,
		LineNum:     *lineNum,
		Nodes:       nodes,
	}
	*lineNum = lineNum.Add(uint64(len(lines)))
	return ch, nil
}

// deletion is the result of deleting the output range [i0,i1): the
// delete Change itself (nil if the range held no real content), plus
// any conflict-ordering edge a straddled conflict marker requires.
type deletion struct {
	del              *patch.Change
	conflictOrdering []patch.Change
}

func (d *diffSink) deleteLines(branch string, i0, i1 int) (deletion, error) {
	var edges []patch.NewEdge
	haveAncestor := false
	ancestor := 0
	for i := i0; i < i1; i++ {
		if d.linesA[i] == ident.RootKey {
			if anc, ok := d.conflictAncestors[i]; ok {
				ancestor = anc
				haveAncestor = true
			}
			continue
		}
		es, err := deleteEdges(d.g, branch, d.linesA[i], ident.Parent)
		if err != nil {
			return deletion{}, err
		}
		edges = append(edges, es...)
	}

	var ordering []patch.Change
	if haveAncestor && i0 > 0 && i1 < len(d.linesA) && i0 > ancestor {
		fromExt, err := externalKeyOf(d.g, d.linesA[i0-1])
		if err != nil {
			return deletion{}, err
		}
		toExt, err := externalKeyOf(d.g, d.linesA[i1])
		if err != nil {
			return deletion{}, err
		}
		ordering = append(ordering, patch.Change{
			Kind:  patch.ChangeNewEdges,
			Op:    patch.EdgeOp{Kind: patch.EdgeOpNew},
			Edges: []patch.NewEdge{{From: fromExt, To: toExt}},
		})
	}

	var del *patch.Change
	if len(edges) > 0 {
		del = &patch.Change{
			Kind:  patch.ChangeNewEdges,
			Op:    patch.EdgeOp{Kind: patch.EdgeOpMap, Previous: ident.Parent, Flag: ident.Parent | ident.Deleted},
			Edges: edges,
		}
	}
	return deletion{del: del, conflictOrdering: ordering}, nil
}

type pendingKind int

const (
	pendingNone pendingKind = iota
	pendingDeletion
	pendingAddition
)

type pendingHunk struct {
	kind pendingKind
	del  deletion
	add  patch.Change
}

func flattenMatrix(rows, cols int) []int { return make([]int, rows*cols) }

func matIdx(cols, i, j int) int { return i*cols + j }

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// diff runs retrieve.Retrieve+OutputFile over currentKey's content
// chain into a diffSink, then local-diffs the rendered stream against
// b, appending the resulting Actions to st (optimal_diff.rs's diff()).
func diff(g *graph.Graph, branch string, st *State, realpath string, currentKey ident.Key, b [][]byte) error {
	gr, err := retrieve.Retrieve(g, branch, currentKey)
	if err != nil {
		return err
	}
	sink := newDiffSink(g)
	var buf retrieve.LineBuffer = sink
	forward, err := retrieve.OutputFile(g, buf, gr)
	if err != nil {
		return err
	}
	if err := retrieve.RemoveRedundantEdges(g, branch, forward); err != nil {
		return err
	}
	return localDiff(g, branch, st, realpath, sink, b)
}

// localDiff is the two-pointer LCS walk of optimal_diff.rs's
// local_diff: strip equal leading/trailing runs, fill an LCS matrix
// over what's left, then walk both sequences merging adjacent
// delete/insert hunks into Replace actions.
func localDiff(g *graph.Graph, branch string, st *State, realpath string, d *diffSink, b [][]byte) error {
	a := d.contentsA
	n := len(a)
	m := len(b)

	leading := 0
	for leading < n-1 && leading < m && bytes.Equal(a[1+leading], b[leading]) {
		leading++
	}

	trailing := 0
	if leading < minInt(n-1, m) {
		aTail := a[leading+1:]
		bTail := b[leading+1:]
		for trailing < len(aTail) && trailing < len(bTail) &&
			bytes.Equal(aTail[len(aTail)-1-trailing], bTail[len(bTail)-1-trailing]) {
			trailing++
		}
	}
	trailing = minInt(trailing, minInt(n-leading, m-leading))

	rows := n - trailing - leading
	cols := m - trailing - leading
	var opt []int
	if rows > 0 && cols > 0 {
		opt = flattenMatrix(rows, cols)
		for i := rows - 1; i >= 0; i-- {
			for j := cols - 1; j >= 0; j-- {
				if bytes.Equal(a[leading+i], b[leading+j]) {
					opt[matIdx(cols, i, j)] = opt[matIdx(cols, i+1, j+1)] + 1
				} else {
					opt[matIdx(cols, i, j)] = maxInt(opt[matIdx(cols, i+1, j)], opt[matIdx(cols, i, j+1)])
				}
			}
		}
	}

	lineNum := st.lineNum
	defer func() { st.lineNum = lineNum }()

	var pending pendingHunk
	flush := func() error {
		switch pending.kind {
		case pendingDeletion:
			if pending.del.del != nil {
				st.Actions = append(st.Actions, Action{Kind: ActionChange, File: realpath, Change: *pending.del.del, ConflictReordering: pending.del.conflictOrdering})
			} else if len(pending.del.conflictOrdering) > 0 {
				st.Actions = append(st.Actions, Action{Kind: ActionChange, File: realpath, ConflictReordering: pending.del.conflictOrdering})
			}
		case pendingAddition:
			st.Actions = append(st.Actions, Action{Kind: ActionChange, File: realpath, Change: pending.add})
		}
		pending = pendingHunk{}
		return nil
	}
	replace := func(del deletion, add patch.Change) {
		st.Actions = append(st.Actions, Action{
			Kind: ActionReplace,
			File: realpath,
			Replace: &ReplaceChange{Deleted: derefChange(del.del), Inserted: add},
			ConflictReordering: del.conflictOrdering,
		})
		pending = pendingHunk{}
	}

	i, j := 1, 0
	oi := -1

	for i < n || j < m {
		withinMatrix := i-leading >= 0 && i-leading < rows && j-leading >= 0 && j-leading < cols
		equalHere := i < n && j < m && bytes.Equal(a[i], b[j])

		deleteNext := i < n && (j >= m || (i < n-trailing && (j >= m-trailing || !withinMatrix ||
			opt[matIdx(cols, i-leading, j-leading)] == opt[matIdx(cols, i-leading+1, j-leading)])))

		switch {
		case equalHere:
			if err := flush(); err != nil {
				return err
			}
			if d.linesA[i] != ident.RootKey {
				if ch, err := confirmZombie(g, branch, d.linesA[i]); err != nil {
					return err
				} else if ch != nil {
					st.Actions = append(st.Actions, Action{Kind: ActionChange, File: realpath, Change: *ch})
				}
			}
			oi = i
			i++
			j++

		case i < n && deleteNext:
			// delete a[i]
			del, err := d.deleteLines(branch, i, i+1)
			if err != nil {
				return err
			}
			if pending.kind == pendingAddition {
				replace(del, pending.add)
			} else {
				if pending.kind != pendingDeletion {
					pending = pendingHunk{kind: pendingDeletion}
				}
				pending.del.del = mergeDelete(pending.del.del, del.del)
				pending.del.conflictOrdering = append(pending.del.conflictOrdering, del.conflictOrdering...)
			}
			i++

		default:
			// insert b[j]
			var up ident.Key
			if oi >= 0 {
				up = d.linesA[oi]
			} else {
				up = d.linesA[leading]
			}
			var down []ident.Key
			if i < n {
				down = []ident.Key{d.linesA[i]}
			}
			ch, err := d.addLines(i, &lineNum, up, down, [][]byte{b[j]})
			if err != nil {
				return err
			}
			if pending.kind == pendingDeletion {
				replace(pending.del, ch)
			} else {
				if pending.kind != pendingAddition {
					pending = pendingHunk{kind: pendingAddition}
					pending.add = ch
				} else {
					pending.add.Nodes = append(pending.add.Nodes, ch.Nodes...)
					pending.add.DownContext = ch.DownContext
				}
			}
			j++
		}
	}
	return flush()
}

func derefChange(c *patch.Change) patch.Change {
	if c == nil {
		return patch.Change{}
	}
	return *c
}

// mergeDelete folds an additional deletion Change into an accumulating
// one, concatenating their edge lists (consecutive a[i] deletions share
// one NewEdges{Map} change, matching optimal_diff.rs's Pending::Deletion merge).
func mergeDelete(acc, next *patch.Change) *patch.Change {
	if next == nil {
		return acc
	}
	if acc == nil {
		c := *next
		return &c
	}
	acc.Edges = append(acc.Edges, next.Edges...)
	return acc
}
