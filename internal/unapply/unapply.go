// Package unapply implements the C5 unapply engine: the exact inverse
// of C4's graph mutation, plus the bookkeeping (inode Moved/Deleted
// classification, dependency/refcount maintenance) that lets a patch
// be fully forgotten once no branch applies it anymore.
//
// Grounded on original_source/libpijul/src/unrecord.rs, read in full.
// Unapply mirrors unrecord.rs's `unapply` change-by-change: revert each
// NewEdges (delete the edge this patch introduced, restore whatever it
// replaced), remove this patch's own context-repair pseudo edges, then
// reconnect the alive component wherever the revert could have broken
// it; revert each NewNodes by deleting its whole chain and reconnecting
// its down context. Unrecord mirrors unrecord.rs's `unrecord`: run
// Unapply, drop the apply-order record, and only once no branch
// applies the patch anymore, forget its internal/external bijection
// and revdep entries outright.
package unapply

import (
	"github.com/rohankatakam/pijugo/internal/graph"
	"github.com/rohankatakam/pijugo/internal/ident"
	"github.com/rohankatakam/pijugo/internal/kv"
	patchpkg "github.com/rohankatakam/pijugo/internal/patch"
)

type unapplier struct {
	g       *graph.Graph
	branch  string
	patchID ident.PatchId
}

// Unapply reverts p's effect on branch's graph without touching the
// patches/revpatches/internal/external/revdep bookkeeping — callers
// that want the full teardown should call Unrecord instead.
func Unapply(tx *kv.Tx, branch string, patchID ident.PatchId, p *patchpkg.Patch) error {
	u := &unapplier{g: graph.New(tx), branch: branch, patchID: patchID}

	var movedCandidates []ident.Key
	newNameTargets := map[ident.Key]bool{}

	for _, ch := range p.Changes {
		switch ch.Kind {
		case patchpkg.ChangeNewEdges:
			moved, names, err := u.revertNewEdges(ch)
			if err != nil {
				return err
			}
			movedCandidates = append(movedCandidates, moved...)
			for k := range names {
				newNameTargets[k] = true
			}
		case patchpkg.ChangeNewNodes:
			names, err := u.revertNewNodes(ch)
			if err != nil {
				return err
			}
			for k := range names {
				newNameTargets[k] = true
			}
		}
	}

	for _, key := range movedCandidates {
		inode, found, err := u.g.GetRevInodes(key)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		header, found, err := u.g.GetInodes(inode)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		if newNameTargets[key] {
			header.Status = ident.FileMoved
		} else {
			header.Status = ident.FileDeleted
		}
		if err := u.g.PutInodes(inode, header); err != nil {
			return err
		}
	}
	return nil
}

func (u *unapplier) internalKey(k patchpkg.ExternalKey) (ident.Key, error) {
	return patchpkg.InternalKey(u.g, k, u.patchID)
}

func (u *unapplier) isAlive(k ident.Key) (bool, error) {
	if k.IsRoot() {
		return true, nil
	}
	edges, err := u.g.EdgesFrom(u.branch, k, ident.Parent|ident.Folder)
	if err != nil {
		return false, err
	}
	for _, e := range edges {
		if e.Flags == ident.Parent || e.Flags == ident.Parent|ident.Folder {
			return true, nil
		}
	}
	return false, nil
}

func (u *unapplier) putEdgePair(from ident.Key, e ident.Edge) error {
	if err := u.g.PutEdge(u.branch, from, e); err != nil {
		return err
	}
	return u.g.PutEdge(u.branch, e.Dest, e.Reverse(from))
}

func (u *unapplier) delEdgePair(from ident.Key, e ident.Edge) error {
	if err := u.g.DelEdge(u.branch, from, e); err != nil {
		return err
	}
	return u.g.DelEdge(u.branch, e.Dest, e.Reverse(from))
}

// collectAliveAncestors is the unapply-side twin of the apply engine's
// findAliveAncestors, walking DELETED|PARENT edges with an explicit
// stack instead of unrecord.rs's recursive collect_alive_ancestors.
func (u *unapplier) collectAliveAncestors(start ident.Key) ([]ident.Key, error) {
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

		isAlive, err := u.isAlive(k)
		if err != nil {
			return nil, err
		}
		if isAlive {
			alive = append(alive, k)
			continue
		}
		edges, err := u.g.EdgesFrom(u.branch, k, ident.Parent|ident.Deleted|ident.Folder)
		if err != nil {
			return nil, err
		}
		for _, e := range edges {
			if e.Flags.Contains(ident.Parent | ident.Deleted) {
				stack = append(stack, e.Dest)
			}
		}
	}
	return alive, nil
}

// collectAliveDescendants mirrors collectAliveAncestors in the forward
// direction (unrecord.rs's collect_alive_descendants); firstKey=true
// excludes start itself even if it happens to already be alive, since
// callers always want strictly-downstream nodes.
func (u *unapplier) collectAliveDescendants(start ident.Key, firstKey bool) ([]ident.Key, error) {
	visited := map[ident.Key]bool{}
	type item struct {
		key   ident.Key
		first bool
	}
	stack := []item{{start, firstKey}}
	var alive []ident.Key
	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[it.key] {
			continue
		}
		visited[it.key] = true

		isAlive, err := u.isAlive(it.key)
		if err != nil {
			return nil, err
		}
		if isAlive && !it.first {
			alive = append(alive, it.key)
			continue
		}
		edges, err := u.g.EdgesFrom(u.branch, it.key, ident.Deleted|ident.Folder)
		if err != nil {
			return nil, err
		}
		for _, e := range edges {
			if e.Flags.Contains(ident.Deleted) {
				stack = append(stack, item{e.Dest, false})
			}
		}
	}
	return alive, nil
}

// reconnectBrokenDownContext bridges each c in targets to the alive
// ancestors of any dead parent reached through a PARENT|PSEUDO edge,
// per unrecord.rs's reconnect_broken_down_context.
func (u *unapplier) reconnectBrokenDownContext(targets []ident.Key) error {
	for _, c := range targets {
		parents, err := u.g.EdgesFrom(u.branch, c, ident.Parent|ident.Pseudo|ident.Folder)
		if err != nil {
			return err
		}
		var ancestors []ident.Key
		for _, e := range parents {
			if !e.Flags.Contains(ident.Parent | ident.Pseudo) {
				continue
			}
			alive, err := u.isAlive(e.Dest)
			if err != nil {
				return err
			}
			if !alive {
				more, err := u.collectAliveAncestors(e.Dest)
				if err != nil {
					return err
				}
				ancestors = append(ancestors, more...)
			}
		}
		for _, anc := range ancestors {
			e := ident.Edge{Flags: ident.Pseudo | ident.Parent, Dest: anc, IntroducedBy: u.patchID}
			if err := u.putEdgePair(c, e); err != nil {
				return err
			}
		}
	}
	return nil
}

// removeContextRepair deletes every pseudo edge this patch introduced
// to repair a missing up/down context, walking from key through chains
// of such edges (unrecord.rs's remove_up_context_repair /
// remove_down_context_repair, merged here since both are "delete every
// PSEUDO edge this patch introduced, reachable through more of the
// same" with only the required extra PARENT bit differing).
func (u *unapplier) removeContextRepair(key ident.Key, requireParent bool) error {
	visited := map[ident.Key]bool{}
	stack := []ident.Key{key}
	want := ident.Pseudo
	if requireParent {
		want |= ident.Parent
	}
	ceiling := want | ident.Folder
	for len(stack) > 0 {
		k := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[k] {
			continue
		}
		visited[k] = true

		edges, err := u.g.EdgesFrom(u.branch, k, ceiling)
		if err != nil {
			return err
		}
		for _, e := range edges {
			if !e.Flags.Contains(want) || e.IntroducedBy != u.patchID {
				continue
			}
			if err := u.delEdgePair(k, e); err != nil {
				return err
			}
			stack = append(stack, e.Dest)
		}
	}
	return nil
}

// revertNewEdges undoes one NewEdges change: delete the edge this
// patch asserted, restore whatever it replaced (Map/Forget), drop this
// patch's own context-repair edges, and reconnect the alive component
// wherever the revert could disconnect it.
func (u *unapplier) revertNewEdges(ch patchpkg.Change) (moved []ident.Key, newNames map[ident.Key]bool, err error) {
	newNames = map[ident.Key]bool{}
	op := ch.Op

	for _, ne := range ch.Edges {
		from, err := u.internalKey(ne.From)
		if err != nil {
			return nil, nil, err
		}
		to, err := u.internalKey(ne.To)
		if err != nil {
			return nil, nil, err
		}

		switch op.Kind {
		case patchpkg.EdgeOpMap, patchpkg.EdgeOpNew:
			del := ident.Edge{Flags: op.Flag, Dest: to, IntroducedBy: u.patchID}
			if err := u.delEdgePair(from, del); err != nil {
				return nil, nil, err
			}
		}
		switch op.Kind {
		case patchpkg.EdgeOpMap, patchpkg.EdgeOpForget:
			introducer := u.patchID
			if ne.HasIntroducedBy {
				if id, found, err := u.g.GetInternal(ne.IntroducedBy); err != nil {
					return nil, nil, err
				} else if found {
					introducer = id
				}
			}
			restore := ident.Edge{Flags: op.Previous, Dest: to, IntroducedBy: introducer}
			if err := u.putEdgePair(from, restore); err != nil {
				return nil, nil, err
			}
		}
	}

	flag := op.Flag
	if !flag.Contains(ident.Deleted) {
		for _, ne := range ch.Edges {
			key := ne.From
			if flag.Contains(ident.Parent) {
				key = ne.To
			}
			k, err := u.internalKey(key)
			if err != nil {
				return nil, nil, err
			}
			if err := u.removeContextRepair(k, true); err != nil {
				return nil, nil, err
			}
			if err := u.removeContextRepair(k, false); err != nil {
				return nil, nil, err
			}
		}
	}

	if op.Kind == patchpkg.EdgeOpNew {
		var sources []ident.Key
		for _, ne := range ch.Edges {
			key := ne.From
			if flag.Contains(ident.Parent) {
				key = ne.To
			}
			k, err := u.internalKey(key)
			if err != nil {
				return nil, nil, err
			}
			sources = append(sources, k)
		}
		if err := u.reconnectBrokenDownContext(sources); err != nil {
			return nil, nil, err
		}
	}

	needsReconnect := false
	isUpwards := false
	switch op.Kind {
	case patchpkg.EdgeOpMap:
		needsReconnect = op.Previous.Contains(ident.Deleted)
		isUpwards = op.Flag.Contains(ident.Parent)
	case patchpkg.EdgeOpNew:
		needsReconnect = true
		isUpwards = op.Flag.Contains(ident.Parent)
	}
	if needsReconnect {
		var targets []ident.Key
		for _, ne := range ch.Edges {
			key := ne.To
			if isUpwards {
				key = ne.From
			}
			k, err := u.internalKey(key)
			if err != nil {
				return nil, nil, err
			}
			targets = append(targets, k)
		}
		if err := u.reconnectBrokenDownContext(targets); err != nil {
			return nil, nil, err
		}
	}

	needsDescReconnect := false
	descUpwards := false
	switch op.Kind {
	case patchpkg.EdgeOpMap:
		needsDescReconnect = op.Flag.Contains(ident.Deleted)
		descUpwards = op.Flag.Contains(ident.Parent)
	case patchpkg.EdgeOpForget:
		needsDescReconnect = true
		descUpwards = op.Previous.Contains(ident.Parent)
	}
	if needsDescReconnect {
		for _, ne := range ch.Edges {
			key := ne.To
			if descUpwards {
				key = ne.From
			}
			source, err := u.internalKey(key)
			if err != nil {
				return nil, nil, err
			}
			descendants, err := u.collectAliveDescendants(source, true)
			if err != nil {
				return nil, nil, err
			}
			for _, desc := range descendants {
				e := ident.Edge{Flags: ident.Pseudo, Dest: desc, IntroducedBy: u.patchID}
				if err := u.putEdgePair(source, e); err != nil {
					return nil, nil, err
				}
			}
		}
	}

	deletesFile := false
	deletesUpwards := false
	switch op.Kind {
	case patchpkg.EdgeOpMap, patchpkg.EdgeOpNew:
		if flag.Contains(ident.Deleted | ident.Folder) {
			deletesFile, deletesUpwards = true, flag.Contains(ident.Parent)
		}
	case patchpkg.EdgeOpForget:
		if op.Previous.Contains(ident.Folder) && !op.Previous.Contains(ident.Deleted) {
			deletesFile, deletesUpwards = true, op.Previous.Contains(ident.Parent)
		}
	}
	if deletesFile {
		for _, ne := range ch.Edges {
			key := ne.To
			if deletesUpwards {
				key = ne.From
			}
			k, err := u.internalKey(key)
			if err != nil {
				return nil, nil, err
			}
			moved = append(moved, k)
		}
	}

	if flag.Contains(ident.Folder) && !flag.Contains(ident.Deleted) &&
		(op.Kind == patchpkg.EdgeOpMap || op.Kind == patchpkg.EdgeOpNew) {
		for _, ne := range ch.Edges {
			key := ne.To
			if flag.Contains(ident.Parent) {
				key = ne.From
			}
			k, err := u.internalKey(key)
			if err != nil {
				return nil, nil, err
			}
			if err := u.removeFileFromInodes(k); err != nil {
				return nil, nil, err
			}
			newNames[k] = true
		}
	}

	return moved, newNames, nil
}

func (u *unapplier) removeFileFromInodes(k ident.Key) error {
	inode, found, err := u.g.GetRevInodes(k)
	if err != nil || !found {
		return err
	}
	if err := u.g.DelInodes(inode); err != nil {
		return err
	}
	return nil
}

// revertNewNodes deletes an entire NewNodes chain this patch
// introduced (contents, every adjacent edge) and reconnects the alive
// graph around its down context, per unrecord.rs's NewNodes arm.
func (u *unapplier) revertNewNodes(ch patchpkg.Change) (map[ident.Key]bool, error) {
	newNames := map[ident.Key]bool{}

	for _, c := range ch.UpContext {
		k, err := u.internalKey(c)
		if err != nil {
			return nil, err
		}
		if err := u.removeContextRepair(k, true); err != nil {
			return nil, err
		}
	}
	for _, c := range ch.DownContext {
		k, err := u.internalKey(c)
		if err != nil {
			return nil, err
		}
		if err := u.removeContextRepair(k, false); err != nil {
			return nil, err
		}
	}

	k := ident.Key{Patch: u.patchID, Line: ch.LineNum}
	for i := 0; i < len(ch.Nodes); i++ {
		if err := u.g.DeleteContents(k); err != nil {
			return nil, err
		}
		for {
			edges, err := u.g.AllEdgesFrom(u.branch, k)
			if err != nil {
				return nil, err
			}
			if len(edges) == 0 {
				break
			}
			if err := u.delEdgePair(k, edges[0]); err != nil {
				return nil, err
			}
		}
		if ch.Flag.Contains(ident.Folder) {
			if err := u.removeFileFromInodes(k); err != nil {
				return nil, err
			}
			if i == len(ch.Nodes)-1 {
				for _, d := range ch.DownContext {
					dk, err := u.internalKey(d)
					if err != nil {
						return nil, err
					}
					newNames[dk] = true
				}
			}
		}
		k.Line = k.Line.Add(1)
	}

	var downContext []ident.Key
	for _, c := range ch.DownContext {
		dk, err := u.internalKey(c)
		if err != nil {
			return nil, err
		}
		downContext = append(downContext, dk)
	}
	if err := u.reconnectBrokenDownContext(downContext); err != nil {
		return nil, err
	}
	return newNames, nil
}

// Unrecord fully retracts a patch from branch: reverts its graph
// effect, drops its apply-order record, and — only once no branch
// still applies it — forgets its internal/external bijection and
// every revdep entry naming it, per unrecord.rs's unrecord. Returns
// true if another branch still references the patch.
func Unrecord(tx *kv.Tx, branch string, patchID ident.PatchId, hash ident.Hash, p *patchpkg.Patch) (stillReferenced bool, err error) {
	g := graph.New(tx)

	applied, err := g.IsApplied(branch, patchID)
	if err != nil {
		return false, err
	}
	if applied {
		if err := Unapply(tx, branch, patchID, p); err != nil {
			return false, err
		}
		if err := g.UnrecordApplied(branch, patchID); err != nil {
			return false, err
		}
		for _, depHash := range p.Dependencies {
			depID, found, err := g.GetInternal(depHash)
			if err != nil {
				return false, err
			}
			if !found {
				continue
			}
			otherBranchHasDep, err := anyBranchApplies(g, depID, branch)
			if err != nil {
				return false, err
			}
			if !otherBranchHasDep {
				if err := g.DelRevDep(depID, patchID); err != nil {
					return false, err
				}
			}
		}
	}

	anyBranchHasPatch, err := anyBranchApplies(g, patchID, "")
	if err != nil {
		return false, err
	}
	if anyBranchHasPatch {
		return true, nil
	}

	dependents, err := g.RevDeps(patchID)
	if err != nil {
		return false, err
	}
	for _, dependent := range dependents {
		if err := g.DelRevDep(patchID, dependent); err != nil {
			return false, err
		}
	}
	return false, g.ForgetPatch(hash, patchID)
}

// anyBranchApplies reports whether any branch other than excludeBranch
// (or any branch at all, if excludeBranch is "") still has id applied.
func anyBranchApplies(g *graph.Graph, id ident.PatchId, excludeBranch string) (bool, error) {
	branches, err := g.Branches()
	if err != nil {
		return false, err
	}
	for _, b := range branches {
		if b == excludeBranch {
			continue
		}
		applied, err := g.IsApplied(b, id)
		if err != nil {
			return false, err
		}
		if applied {
			return true, nil
		}
	}
	return false, nil
}
