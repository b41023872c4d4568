// Package apply implements the C4 apply engine: the single
// transaction-local algorithm that takes one already-validated Patch
// and mutates a branch's graph so its alive-reachable subgraph reflects
// the patch's effect, preserving every invariant in spec.md §3.2 (edge
// symmetry, alive-reachability, pseudo-edges as shortcuts, dependency
// closure).
//
// Grounded on original_source/libpijul/src/apply.rs: Apply dispatches
// each Change the same way apply_patch's inner loop does (NewEdges
// before NewNodes within a change, deleteOldEdges before addNewEdges,
// repairDeletedContexts after every change has been applied), and the
// helper functions below (isConnected, killPseudoEdgesDirection,
// findAliveAncestors, reconnectParentsChildren, forgetDeadEdges,
// forgetAliveEdges) keep apply.rs's names and call shape. Recursive DFS
// helpers (find_alive_ancestors_with_edges and friends) are converted
// to an explicit work-stack: nothing else in this codebase recurses
// over untrusted graph depth, and a store holding years of patches can
// make a call-stack walk here arbitrarily deep.
package apply

import (
	"github.com/rohankatakam/pijugo/internal/graph"
	"github.com/rohankatakam/pijugo/internal/ident"
	"github.com/rohankatakam/pijugo/internal/kv"
	patchpkg "github.com/rohankatakam/pijugo/internal/patch"
	"github.com/rohankatakam/pijugo/internal/perr"
)

// Apply registers hash/p as patch id on branch at the given timestamp
// and mutates branch's graph to reflect every change in p, in one kv
// transaction. It rejects a patch already applied to branch
// (AlreadyApplied) and a patch whose declared dependency is unknown or
// not applied to branch (MissingDependency); either error aborts the
// transaction.
func Apply(tx *kv.Tx, branch string, hash ident.Hash, p *patchpkg.Patch, timestamp uint64) (ident.PatchId, error) {
	g := graph.New(tx)

	id, found, err := g.GetInternal(hash)
	if err != nil {
		return ident.PatchId{}, err
	}
	if found {
		if applied, err := g.IsApplied(branch, id); err != nil {
			return ident.PatchId{}, err
		} else if applied {
			return ident.PatchId{}, perr.AlreadyApplied(id)
		}
	} else {
		id, err = g.NewInternal(hash)
		if err != nil {
			return ident.PatchId{}, err
		}
		if err := g.RegisterPatch(hash, id); err != nil {
			return ident.PatchId{}, err
		}
	}
	if err := g.RecordApplied(branch, id, timestamp); err != nil {
		return ident.PatchId{}, err
	}

	for _, depHash := range p.Dependencies {
		depID, found, err := g.GetInternal(depHash)
		if err != nil {
			return ident.PatchId{}, err
		}
		if !found {
			return ident.PatchId{}, perr.MissingDependency(id, depHash)
		}
		applied, err := g.IsApplied(branch, depID)
		if err != nil {
			return ident.PatchId{}, err
		}
		if !applied {
			return ident.PatchId{}, perr.MissingDependency(id, depHash)
		}
		if err := g.AddRevDep(depID, id); err != nil {
			return ident.PatchId{}, err
		}
	}

	a := &applier{g: g, branch: branch, patchID: id}
	for _, ch := range p.Changes {
		switch ch.Kind {
		case patchpkg.ChangeNewEdges:
			if err := a.applyNewEdges(ch); err != nil {
				return ident.PatchId{}, err
			}
		case patchpkg.ChangeNewNodes:
			if err := a.addNewNodes(ch); err != nil {
				return ident.PatchId{}, err
			}
		}
	}

	if err := a.repairDeletedContexts(p); err != nil {
		return ident.PatchId{}, err
	}

	return id, nil
}

// applier carries the state one call to Apply threads through every
// helper: the graph view, the branch being mutated and the internal id
// of the patch being applied (the value ExternalKey.HasPatch=false
// resolves to).
type applier struct {
	g       *graph.Graph
	branch  string
	patchID ident.PatchId
}

func (a *applier) internalKey(k patchpkg.ExternalKey) (ident.Key, error) {
	return patchpkg.InternalKey(a.g, k, a.patchID)
}

// isConnected reports whether any edge from "from" to "to" already
// exists, whatever its flags or introduced_by (apply.rs's is_connected).
func (a *applier) isConnected(from, to ident.Key) (bool, error) {
	edges, err := a.g.AllEdgesFrom(a.branch, from)
	if err != nil {
		return false, err
	}
	for _, e := range edges {
		if e.Dest == to {
			return true, nil
		}
	}
	return false, nil
}

// hasEdge reports whether from has an outgoing edge whose flags equal
// exactly want (apply.rs's has_edge).
func (a *applier) hasEdge(from ident.Key, want ident.EdgeFlags) (bool, error) {
	edges, err := a.g.EdgesFrom(a.branch, from, want)
	if err != nil {
		return false, err
	}
	for _, e := range edges {
		if e.Flags == want {
			return true, nil
		}
	}
	return false, nil
}

// isAlive reports whether k is reachable via a non-deleted PARENT
// edge (or PARENT|FOLDER), or is the root (apply.rs's is_alive).
func (a *applier) isAlive(k ident.Key) (bool, error) {
	if k.IsRoot() {
		return true, nil
	}
	alive, err := a.hasEdge(k, ident.Parent)
	if err != nil || alive {
		return alive, err
	}
	return a.hasEdge(k, ident.Parent|ident.Folder)
}

func (a *applier) putEdgePair(from ident.Key, e ident.Edge) error {
	if err := a.g.PutEdge(a.branch, from, e); err != nil {
		return err
	}
	return a.g.PutEdge(a.branch, e.Dest, e.Reverse(from))
}

func (a *applier) delEdgePair(from ident.Key, e ident.Edge) error {
	if err := a.g.DelEdge(a.branch, from, e); err != nil {
		return err
	}
	return a.g.DelEdge(a.branch, e.Dest, e.Reverse(from))
}

// killPseudoEdgesDirection deletes every pseudo edge between from and
// to (apply.rs's kill_pseudo_edges_to/from/direction collapsed into one
// helper since both directions are symmetric under Edge.Reverse).
func (a *applier) killPseudoEdgesDirection(from, to ident.Key) error {
	edges, err := a.g.EdgesFrom(a.branch, from, ident.Pseudo|ident.Folder|ident.Parent)
	if err != nil {
		return err
	}
	for _, e := range edges {
		if e.Dest == to && e.Flags.Contains(ident.Pseudo) {
			if err := a.delEdgePair(from, e); err != nil {
				return err
			}
		}
	}
	return nil
}

// killPseudoEdgesTo removes every pseudo edge pointing at to, in
// either direction, grounded on kill_pseudo_edges_to/from in apply.rs.
func (a *applier) killPseudoEdgesTo(to ident.Key) error {
	edges, err := a.g.AllEdgesFrom(a.branch, to)
	if err != nil {
		return err
	}
	for _, e := range edges {
		if e.Flags.Contains(ident.Pseudo) {
			if err := a.delEdgePair(to, e); err != nil {
				return err
			}
		}
	}
	return nil
}

// findAliveAncestors does an explicit-stack DFS through
// DELETED|PARENT edges until it reaches an alive (non-deleted parent)
// node, per apply.rs's find_alive_ancestors. RootKey is always treated
// as alive (invariant: the root vertex is always alive and needs no
// parent edge of its own). The walk stops at FOLDER edges, recording
// the file root it crossed, mirroring the Rust original's `file`
// out-parameter.
func (a *applier) findAliveAncestors(start ident.Key) (alive []ident.Key, crossedFile bool, err error) {
	visited := map[ident.Key]bool{}
	stack := []ident.Key{start}
	for len(stack) > 0 {
		k := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[k] {
			continue
		}
		visited[k] = true

		nodeAlive, err := a.isAlive(k)
		if err != nil {
			return nil, false, err
		}
		if nodeAlive {
			alive = append(alive, k)
			continue
		}

		parents, err := a.g.EdgesFrom(a.branch, k, ident.Deleted|ident.Parent|ident.Folder)
		if err != nil {
			return nil, false, err
		}
		for _, e := range parents {
			if !e.Flags.Contains(ident.Deleted|ident.Parent) || e.Flags.Contains(ident.Pseudo) {
				continue
			}
			if e.Flags.Contains(ident.Folder) {
				crossedFile = true
				continue
			}
			stack = append(stack, e.Dest)
		}
	}
	return alive, crossedFile, nil
}

// reconnectParentsChildren bridges alive parents of from to the
// pseudo/folder children of to with a pseudo edge, preserving
// alive-reachability when a Map/New turns from->to into a DELETED
// non-folder edge. The parent set is a single-hop scan, not the
// recursive ancestor walk findAliveAncestors performs: from itself if
// alive, plus any node one PARENT edge away from to whose destination
// is alive. apply.rs's add_new_edges collects parents exactly this
// way (apply.rs:216-229) and reserves the recursive
// find_alive_ancestors walk for forget_dead_edges/forget_alive_edges
// (apply.rs:340, 401) — using the recursive walk here would add
// pseudo edges across the whole dead-ancestor chain instead of one
// hop, changing which nodes end up in the same connected component
// (and therefore the same conflict block) at output time.
func (a *applier) reconnectParentsChildren(from, to ident.Key) error {
	var parents []ident.Key
	fromAlive, err := a.isAlive(from)
	if err != nil {
		return err
	}
	if fromAlive {
		parents = append(parents, from)
	}

	oneHop, err := a.g.EdgesFrom(a.branch, to, ident.Parent|ident.Folder|ident.Pseudo)
	if err != nil {
		return err
	}
	for _, e := range oneHop {
		if !e.Flags.Contains(ident.Parent) {
			continue
		}
		destAlive, err := a.isAlive(e.Dest)
		if err != nil {
			return err
		}
		if destAlive {
			parents = append(parents, e.Dest)
		}
	}

	children, err := a.g.EdgesFrom(a.branch, to, ident.Pseudo|ident.Folder)
	if err != nil {
		return err
	}
	for _, p := range parents {
		for _, c := range children {
			connected, err := a.isConnected(p, c.Dest)
			if err != nil {
				return err
			}
			if connected {
				continue
			}
			edge := ident.Edge{Flags: c.Flags | ident.Pseudo, Dest: c.Dest, IntroducedBy: a.patchID}
			if err := a.putEdgePair(p, edge); err != nil {
				return err
			}
		}
	}
	return nil
}

// applyNewEdges dispatches one NewEdges change: delete the previous
// edge for Map/Forget, then add (Map/New) or forget (Forget) the edge.
func (a *applier) applyNewEdges(ch patchpkg.Change) error {
	op := ch.Op
	for _, ne := range ch.Edges {
		from, err := a.internalKey(ne.From)
		if err != nil {
			return err
		}
		to, err := a.internalKey(ne.To)
		if err != nil {
			return err
		}
		introducer := a.patchID
		if ne.HasIntroducedBy {
			id, found, err := a.g.GetInternal(ne.IntroducedBy)
			if err != nil {
				return err
			}
			if found {
				introducer = id
			}
		}

		switch op.Kind {
		case patchpkg.EdgeOpMap:
			prev := ident.Edge{Flags: op.Previous, Dest: to, IntroducedBy: introducer}
			if err := a.deleteOldEdge(from, prev); err != nil {
				return err
			}
			if err := a.addNewEdge(from, to, op.Flag, a.patchID); err != nil {
				return err
			}
		case patchpkg.EdgeOpNew:
			if err := a.addNewEdge(from, to, op.Flag, a.patchID); err != nil {
				return err
			}
		case patchpkg.EdgeOpForget:
			prev := ident.Edge{Flags: op.Previous, Dest: to, IntroducedBy: introducer}
			if err := a.forgetEdge(from, prev); err != nil {
				return err
			}
		}
	}
	return nil
}

// deleteOldEdge removes the previous edge's exact flags, scanning for
// the matching destination (apply.rs's delete_old_edges).
func (a *applier) deleteOldEdge(from ident.Key, want ident.Edge) error {
	edges, err := a.g.AllEdgesFrom(a.branch, from)
	if err != nil {
		return err
	}
	for _, e := range edges {
		if e.Dest == want.Dest && e.Flags == want.Flags {
			return a.delEdgePair(from, e)
		}
	}
	return nil
}

// addNewEdge inserts the new edge pair with this patch as introducer,
// then reconnects alive reachability if the new edge deletes a
// non-folder line, and finally clears any now-redundant pseudo edges
// (apply.rs's add_new_edges followed by delete_old_pseudo_edges).
func (a *applier) addNewEdge(from, to ident.Key, flag ident.EdgeFlags, introducer ident.PatchId) error {
	e := ident.Edge{Flags: flag, Dest: to, IntroducedBy: introducer}
	if err := a.putEdgePair(from, e); err != nil {
		return err
	}
	if flag.Contains(ident.Deleted) && !flag.Contains(ident.Folder) {
		if err := a.reconnectParentsChildren(from, to); err != nil {
			return err
		}
	}
	return a.killPseudoEdgesDirection(from, to)
}

// forgetEdge removes the edge pair's record (it is no longer asserted
// by any patch) and then dispatches to forgetAliveEdges or
// forgetDeadEdges depending on whether the forgotten edge had been
// alive, per apply.rs's forget_edges.
func (a *applier) forgetEdge(from ident.Key, prev ident.Edge) error {
	if err := a.deleteOldEdge(from, prev); err != nil {
		return err
	}
	if prev.Flags.Contains(ident.Deleted) {
		return a.forgetDeadEdges(from, prev)
	}
	return a.forgetAliveEdges(from, prev)
}

// forgetDeadEdges bridges the alive children of to (and, if to itself
// is dead, its alive ancestors as well) with pseudo edges once the
// DELETED edge that used to justify their connectivity is forgotten,
// per apply.rs's forget_dead_edges.
func (a *applier) forgetDeadEdges(from ident.Key, prev ident.Edge) error {
	to := prev.Dest
	children, err := a.g.EdgesFrom(a.branch, to, ident.Pseudo|ident.Folder)
	if err != nil {
		return err
	}
	aliveDest, err := a.hasEdge(to, ident.Parent)
	if err != nil {
		return err
	}
	var ancestors []ident.Key
	if !aliveDest {
		ancestors, _, err = a.findAliveAncestors(to)
		if err != nil {
			return err
		}
	}
	for _, c := range children {
		e := ident.Edge{Flags: ident.Pseudo, Dest: c.Dest, IntroducedBy: a.patchID}
		if err := a.putEdgePair(from, e); err != nil {
			return err
		}
	}
	for _, anc := range ancestors {
		e := ident.Edge{Flags: ident.Pseudo, Dest: anc, IntroducedBy: a.patchID}
		if err := a.putEdgePair(from, e); err != nil {
			return err
		}
	}
	return nil
}

// forgetAliveEdges kills the pseudo shortcuts of an edge that was
// alive, then bridges from's alive ancestors directly to the forgotten
// edge's destination with a pseudo edge so reachability survives, per
// apply.rs's forget_alive_edges.
func (a *applier) forgetAliveEdges(from ident.Key, prev ident.Edge) error {
	if err := a.killPseudoEdgesTo(prev.Dest); err != nil {
		return err
	}
	ancestors, _, err := a.findAliveAncestors(from)
	if err != nil {
		return err
	}
	for _, anc := range ancestors {
		connected, err := a.isConnected(anc, prev.Dest)
		if err != nil {
			return err
		}
		if connected {
			continue
		}
		e := ident.Edge{Flags: ident.Pseudo, Dest: prev.Dest, IntroducedBy: a.patchID}
		if err := a.putEdgePair(anc, e); err != nil {
			return err
		}
	}
	return nil
}

// addNewNodes inserts a fresh chain of lines: the first line is
// connected to up_context with flag^PARENT (reversed direction, per
// the bidirectional edge invariant), consecutive lines are chained
// with flag on the way down and flag^PARENT on the way back, and the
// tail is connected to down_context, per apply.rs's add_new_nodes.
func (a *applier) addNewNodes(ch patchpkg.Change) error {
	v := ident.Key{Patch: a.patchID, Line: ch.LineNum}
	flag := ch.Flag

	for _, c := range ch.UpContext {
		dest, err := a.internalKey(c)
		if err != nil {
			return err
		}
		up := ident.Edge{Flags: flag.Toggle(ident.Parent), Dest: dest, IntroducedBy: a.patchID}
		if err := a.putEdgePair(v, up); err != nil {
			return err
		}
	}

	if len(ch.Nodes) > 0 {
		if err := a.g.PutContents(v, ch.Nodes[0]); err != nil {
			return err
		}
	}
	cur := v
	for i := 1; i < len(ch.Nodes); i++ {
		next := ident.Key{Patch: a.patchID, Line: cur.Line.Add(1)}
		down := ident.Edge{Flags: flag, Dest: next, IntroducedBy: a.patchID}
		if err := a.putEdgePair(cur, down); err != nil {
			return err
		}
		if err := a.g.PutContents(next, ch.Nodes[i]); err != nil {
			return err
		}
		cur = next
	}

	for _, c := range ch.DownContext {
		dest, err := a.internalKey(c)
		if err != nil {
			return err
		}
		down := ident.Edge{Flags: flag, Dest: dest, IntroducedBy: a.patchID}
		if err := a.putEdgePair(cur, down); err != nil {
			return err
		}
	}
	return nil
}

// repairDeletedContexts restores alive-reachability around every
// context this patch touched that turned out to be dead, marking the
// repair as a conflict the way apply.rs's repair_deleted_contexts does:
// a non-deleting change whose up/down context is dead gets the missing
// parts of the alive graph bridged in with pseudo edges; for a deleting
// change, every alive child and parent of its target gets the same
// treatment. Those neighbours are not filtered by whether their
// introducer is this patch or one of its declared dependencies.
func (a *applier) repairDeletedContexts(p *patchpkg.Patch) error {
	for _, ch := range p.Changes {
		switch ch.Kind {
		case patchpkg.ChangeNewNodes:
			for _, c := range ch.UpContext {
				k, err := a.internalKey(c)
				if err != nil {
					return err
				}
				if err := a.repairMissingUpContext(k); err != nil {
					return err
				}
			}
			for _, c := range ch.DownContext {
				k, err := a.internalKey(c)
				if err != nil {
					return err
				}
				if err := a.repairMissingDownContext(k); err != nil {
					return err
				}
			}
		case patchpkg.ChangeNewEdges:
			if err := a.repairEdgeChangeContexts(ch); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *applier) repairEdgeChangeContexts(ch patchpkg.Change) error {
	flag := ch.Op.Flag
	for _, e := range ch.Edges {
		from, err := a.internalKey(e.From)
		if err != nil {
			return err
		}
		to, err := a.internalKey(e.To)
		if err != nil {
			return err
		}
		upCtx, downCtx := from, to
		if flag.Contains(ident.Parent) {
			upCtx, downCtx = to, from
		}
		if !flag.Contains(ident.Deleted) {
			if err := a.repairMissingUpContext(upCtx); err != nil {
				return err
			}
			if err := a.repairMissingDownContext(downCtx); err != nil {
				return err
			}
			continue
		}

		dest := to
		if flag.Contains(ident.Parent) {
			dest = from
		}
		children, err := a.g.EdgesFrom(a.branch, dest, ident.Pseudo)
		if err != nil {
			return err
		}
		for _, c := range children {
			if err := a.repairMissingUpContext(c.Dest); err != nil {
				return err
			}
		}
		parents, err := a.g.EdgesFrom(a.branch, dest, ident.Parent|ident.Folder)
		if err != nil {
			return err
		}
		for _, pe := range parents {
			if pe.Flags == ident.Parent || pe.Flags == ident.Parent|ident.Folder {
				if err := a.repairMissingDownContext(pe.Dest); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// repairMissingUpContext bridges context's alive ancestors directly to
// it with pseudo edges if context itself is a dead parent, per
// apply.rs's repair_missing_up_context.
func (a *applier) repairMissingUpContext(context ident.Key) error {
	deleted, err := a.hasEdge(context, ident.Parent|ident.Deleted)
	if err != nil {
		return err
	}
	if !deleted {
		return nil
	}
	ancestors, _, err := a.findAliveAncestors(context)
	if err != nil {
		return err
	}
	for _, anc := range ancestors {
		connected, err := a.isConnected(anc, context)
		if err != nil {
			return err
		}
		if connected {
			continue
		}
		e := ident.Edge{Flags: ident.Pseudo, Dest: context, IntroducedBy: a.patchID}
		if err := a.putEdgePair(anc, e); err != nil {
			return err
		}
	}
	return nil
}

// repairMissingDownContext bridges context's alive descendants
// directly to it with pseudo edges if context itself is a dead child,
// per apply.rs's repair_missing_down_context.
func (a *applier) repairMissingDownContext(context ident.Key) error {
	deleted, err := a.hasEdge(context, ident.Parent|ident.Deleted)
	if err != nil {
		return err
	}
	if !deleted {
		return nil
	}
	descendants, err := a.findAliveDescendants(context)
	if err != nil {
		return err
	}
	for _, desc := range descendants {
		connected, err := a.isConnected(context, desc)
		if err != nil {
			return err
		}
		if connected {
			continue
		}
		e := ident.Edge{Flags: ident.Pseudo, Dest: desc, IntroducedBy: a.patchID}
		if err := a.putEdgePair(context, e); err != nil {
			return err
		}
	}
	return nil
}

// findAliveDescendants is findAliveAncestors' mirror image, walking
// forward (non-reversed) edges instead of PARENT edges, per apply.rs's
// find_alive_descendants_with_edges.
func (a *applier) findAliveDescendants(start ident.Key) ([]ident.Key, error) {
	visited := map[ident.Key]bool{}
	stack := []ident.Key{start}
	var alive []ident.Key
	for len(stack) > 0 {
		k := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[k] {
			continue
		}
		visited[k] = true

		isAlive, err := a.hasEdge(k, 0)
		if err != nil {
			return nil, err
		}
		if !isAlive {
			isAlive, err = a.hasEdge(k, ident.Folder)
			if err != nil {
				return nil, err
			}
		}
		if isAlive {
			alive = append(alive, k)
			continue
		}

		children, err := a.g.EdgesFrom(a.branch, k, ident.Deleted)
		if err != nil {
			return nil, err
		}
		for _, e := range children {
			if e.Flags.Contains(ident.Deleted) && !e.Flags.Contains(ident.Parent) {
				stack = append(stack, e.Dest)
			}
		}
	}
	return alive, nil
}
