// Package retrieve builds an in-memory snapshot of a branch and
// renders it to a byte stream, grounded on libpijul's graph.rs
// (Graph/Line/VertexId, the LineBuffer trait, the iterative Tarjan SCC
// pass, the SCC-order DFS that collects forward pseudo edges, and
// output_file's conflict-block emission).
//
// graph.rs keeps a recursive reference implementation of both tarjan()
// and dfs() commented out next to the iterative production versions it
// actually runs; this package ports the iterative versions directly,
// for the same reason the source gives them precedence: an explicit
// stack tolerates graph depths a recursive walk would blow out on in a
// long-lived repository.
package retrieve

import (
	"io"
	"sort"

	"github.com/rohankatakam/pijugo/internal/graph"
	"github.com/rohankatakam/pijugo/internal/ident"
)

// vertexID indexes into Graph.lines. Vertex 0 is the dummy sink every
// real vertex with no live children is wired to, so the whole graph
// shares one common descendant for Tarjan/DFS to anchor on.
type vertexID int

const dummyVertex vertexID = 0

// child is one outgoing adjacency slot. edge is nil for the synthetic
// link to the dummy sink (a childless vertex's only outgoing slot).
type child struct {
	edge *ident.Edge
	dest vertexID
}

// line is one graph vertex plus Tarjan/DFS scratch state.
type line struct {
	key    ident.Key
	zombie bool
	children []child

	visited, onStack bool
	index, lowlink   int
	scc              int
}

// Graph is the adjacency list Retrieve builds from a branch.
type Graph struct {
	lines []line
}

// ForwardEdge is a pseudo edge OutputFile found already pointing into a
// fully-rendered SCC. The caller removes these with RemoveRedundantEdges
// once rendering completes, so the same shortcut doesn't keep
// resurfacing on later outputs.
type ForwardEdge struct {
	Key  ident.Key
	Edge ident.Edge
}

// Retrieve walks branch by DFS from root, following every outgoing edge
// whose flag is at most Pseudo|Folder (i.e. every non-parent edge up to
// a pseudo folder shortcut). It appends a dummy sink vertex (index 0)
// and wires every childless vertex to it, so later SCC/DFS passes
// always have a common descendant. A vertex is a zombie iff its own
// adjacency list carries an edge with flags exactly Parent|Deleted or
// Parent|Deleted|Folder — the stored reverse half of some patch having
// deleted what used to be its parent edge.
//
// graph.rs pre-seeds its cache with ROOT_KEY aliased to the dummy
// vertex, because its retrieve is always called per-file starting at
// that file's own first line, with ROOT_KEY only ever reappearing as a
// down-context sentinel meaning "nothing more" — worth conflating with
// the sink. This port keeps a single unified tree rooted directly at
// ident.RootKey (apply attaches new file chains straight to it, as
// internal/apply does), so "nothing more" is already represented by a
// vertex simply having no real children; root is never reached a
// second time as a sentinel, and gets an ordinary vertex slot like any
// other key, including when root itself is the traversal start.
func Retrieve(g *graph.Graph, branch string, root ident.Key) (*Graph, error) {
	gr := &Graph{lines: []line{{key: ident.RootKey}}}

	cache := map[ident.Key]vertexID{}
	stack := []ident.Key{root}

	for len(stack) > 0 {
		key := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if _, seen := cache[key]; seen {
			continue
		}
		idx := vertexID(len(gr.lines))
		cache[key] = idx

		zombie, err := isZombie(g, branch, key)
		if err != nil {
			return nil, err
		}

		edges, err := g.EdgesFrom(branch, key, ident.Pseudo|ident.Folder)
		if err != nil {
			return nil, err
		}

		l := line{key: key, zombie: zombie}
		for i := range edges {
			e := edges[i]
			l.children = append(l.children, child{edge: &e, dest: dummyVertex})
			stack = append(stack, e.Dest)
		}
		if len(l.children) == 0 {
			l.children = append(l.children, child{edge: nil, dest: dummyVertex})
		}
		gr.lines = append(gr.lines, l)
	}

	for i := range gr.lines {
		for j := range gr.lines[i].children {
			c := &gr.lines[i].children[j]
			if c.edge != nil {
				if idx, ok := cache[c.edge.Dest]; ok {
					c.dest = idx
				}
			}
		}
	}
	return gr, nil
}

func isZombie(g *graph.Graph, branch string, key ident.Key) (bool, error) {
	edges, err := g.AllEdgesFrom(branch, key)
	if err != nil {
		return false, err
	}
	for _, e := range edges {
		if e.Flags == ident.Parent|ident.Deleted || e.Flags == ident.Parent|ident.Deleted|ident.Folder {
			return true, nil
		}
	}
	return false, nil
}

// tarjanFrame is one entry of tarjan's explicit call stack: the vertex,
// the child index it was suspended at, and whether this is the first
// time the vertex is being processed.
type tarjanFrame struct {
	v          vertexID
	childIdx   int
	firstVisit bool
}

// tarjan runs Tarjan's SCC algorithm with an explicit stack instead of
// recursion. SCCs come back in reverse topological order, same as the
// source.
func (gr *Graph) tarjan() [][]vertexID {
	if len(gr.lines) == 0 {
		return [][]vertexID{{0}}
	}

	callStack := []tarjanFrame{{v: 1, childIdx: 0, firstVisit: true}}
	index := 0
	var stack []vertexID
	var scc [][]vertexID

	for len(callStack) > 0 {
		f := callStack[len(callStack)-1]
		callStack = callStack[:len(callStack)-1]
		n := f.v

		if f.firstVisit {
			l := &gr.lines[n]
			l.index = index
			l.lowlink = index
			l.onStack = true
			l.visited = true
			stack = append(stack, n)
			index++
		} else {
			child := gr.lines[n].children[f.childIdx].dest
			if gr.lines[child].lowlink < gr.lines[n].lowlink {
				gr.lines[n].lowlink = gr.lines[child].lowlink
			}
		}

		callStackLen := len(callStack)
		for j := f.childIdx; j < len(gr.lines[n].children); j++ {
			child := gr.lines[n].children[j].dest
			if !gr.lines[child].visited {
				callStack = append(callStack, tarjanFrame{v: n, childIdx: j, firstVisit: false})
				callStack = append(callStack, tarjanFrame{v: child, childIdx: 0, firstVisit: true})
				break
			}
			if gr.lines[child].onStack && gr.lines[child].index < gr.lines[n].lowlink {
				gr.lines[n].lowlink = gr.lines[child].index
			}
		}
		if len(callStack) > callStackLen {
			continue
		}

		if gr.lines[n].index == gr.lines[n].lowlink {
			var v []vertexID
			for len(stack) > 0 {
				p := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				gr.lines[p].scc = len(scc)
				gr.lines[p].onStack = false
				v = append(v, p)
				if p == n {
					break
				}
			}
			scc = append(scc, v)
		}
	}
	return scc
}

// dfsState tracks each SCC's (first_visit, last_visit) pair.
type dfsState struct {
	firstVisit, lastVisit []int
	counter               int
}

func newDFSState(n int) *dfsState {
	return &dfsState{firstVisit: make([]int, n), lastVisit: make([]int, n), counter: 1}
}

func (d *dfsState) markDiscovered(scc int) {
	if d.firstVisit[scc] == 0 {
		d.firstVisit[scc] = d.counter
		d.counter++
	}
}

func (d *dfsState) markLastVisit(scc int) {
	d.lastVisit[scc] = d.counter
	d.counter++
}

// dfsFrame is one entry of dfs's explicit call stack.
type dfsFrame struct {
	scc         int
	forwardSCC  map[int]bool
	descendants []int
	resuming    bool
}

// dfs visits SCCs in decreasing-number order (i.e. topological order,
// since Tarjan numbered them in reverse), assigning first/last visit
// numbers, and collects every pseudo edge that turns out to be a
// forward edge into an already-fully-visited SCC.
func (gr *Graph) dfs(scc [][]vertexID, d *dfsState, forward *[]ForwardEdge) {
	callStack := []dfsFrame{{scc: len(scc) - 1, forwardSCC: map[int]bool{}}}

	for len(callStack) > 0 {
		f := callStack[len(callStack)-1]
		callStack = callStack[:len(callStack)-1]
		nSCC := f.scc
		forwardSCC := f.forwardSCC

		var descendants []int
		if f.resuming {
			descendants = f.descendants
		} else {
			d.markDiscovered(nSCC)
			for _, cousin := range scc[nSCC] {
				for _, c := range gr.lines[cousin].children {
					childComponent := gr.lines[c.dest].scc
					if childComponent < nSCC {
						descendants = append(descendants, childComponent)
					}
				}
			}
			sort.Ints(descendants)
		}

		recursiveCall := -1
		for len(descendants) > 0 {
			child := descendants[len(descendants)-1]
			descendants = descendants[:len(descendants)-1]

			if d.firstVisit[child] == 0 {
				recursiveCall = child
				break
			} else if d.lastVisit[child] != 0 && d.firstVisit[child] > d.firstVisit[nSCC] {
				forwardSCC[child] = true
				d.markLastVisit(child)
			} else {
				d.markLastVisit(child)
			}
		}

		if recursiveCall >= 0 {
			callStack = append(callStack, dfsFrame{scc: nSCC, forwardSCC: forwardSCC, descendants: descendants, resuming: true})
			callStack = append(callStack, dfsFrame{scc: recursiveCall, forwardSCC: map[int]bool{}})
			continue
		}

		d.markLastVisit(nSCC)
		for _, cousin := range scc[nSCC] {
			for _, c := range gr.lines[cousin].children {
				if c.edge == nil {
					continue
				}
				if forwardSCC[gr.lines[c.dest].scc] && c.edge.Flags.Contains(ident.Pseudo) {
					*forward = append(*forward, ForwardEdge{Key: gr.lines[cousin].key, Edge: *c.edge})
				}
			}
		}
	}
}

// notConflicting is true iff scc[n] is a lone, non-zombie vertex whose
// visit interval encloses the dummy sink's — i.e. it's a bridge in the
// SCC graph, not part of any conflict.
func (gr *Graph) notConflicting(d *dfsState, scc [][]vertexID, n int) bool {
	return len(scc[n]) == 1 &&
		d.firstVisit[n] <= d.firstVisit[0] &&
		d.lastVisit[n] >= d.lastVisit[0] &&
		!gr.lines[scc[n][0]].zombie
}

// LineBuffer is the sink OutputFile renders into, mirroring graph.rs's
// LineBuffer trait: plain content lines plus the three conflict
// markers.
type LineBuffer interface {
	OutputLine(key ident.Key, content []byte) error
	BeginConflict() error
	ConflictNext() error
	EndConflict() error
}

// Conflict markers are the only three fixed strings output and record
// exchange out-of-band from line content; conflict.rs (which graph.rs
// sources them from) isn't part of the retrieval pack, so these values
// are chosen rather than copied, following the usual git/diff3 triad.
const (
	StartMarker = ">>>>>>>\n"
	Separator   = "=======\n"
	EndMarker   = "<<<<<<<\n"
)

// WriteBuffer is a LineBuffer backed by a plain io.Writer, the default
// sink for materializing a branch straight into a working-tree file.
type WriteBuffer struct {
	w io.Writer
}

func NewWriteBuffer(w io.Writer) *WriteBuffer { return &WriteBuffer{w: w} }

func (b *WriteBuffer) OutputLine(_ ident.Key, content []byte) error {
	_, err := b.w.Write(content)
	return err
}

func (b *WriteBuffer) outputMarker(s string) error {
	_, err := b.w.Write([]byte(s))
	return err
}

func (b *WriteBuffer) BeginConflict() error { return b.outputMarker(StartMarker) }
func (b *WriteBuffer) ConflictNext() error  { return b.outputMarker(Separator) }
func (b *WriteBuffer) EndConflict() error   { return b.outputMarker(EndMarker) }

// OutputFile renders gr deterministically into buf: it runs Tarjan,
// runs dfs to get visit intervals and forward pseudo edges, then walks
// SCCs from the highest index down, emitting a conflict block (BFS
// outward over still-conflicting descendants, separated lazily by
// Separator) wherever an SCC fails notConflicting, and resuming
// non-conflict emission at the highest post-conflict SCC it found along
// the way.
func OutputFile(g *graph.Graph, buf LineBuffer, gr *Graph) ([]ForwardEdge, error) {
	scc := gr.tarjan()

	d := newDFSState(len(scc))
	var forward []ForwardEdge
	gr.dfs(scc, d, &forward)

	i := len(scc) - 1
	output := map[int]bool{}

	for {
		if gr.notConflicting(d, scc, i) {
			key := gr.lines[scc[i][0]].key
			if key != ident.RootKey {
				content, err := g.GetContents(key)
				if err != nil {
					return nil, err
				}
				if content != nil {
					if err := buf.OutputLine(key, content); err != nil {
						return nil, err
					}
				}
			}
			output[i] = true
			if i == 0 {
				break
			}
			i--
			continue
		}

		lastSideHadLines := false
		needsSeparator := false
		next := 0

		if err := buf.BeginConflict(); err != nil {
			return nil, err
		}

		for i != next {
			if lastSideHadLines {
				needsSeparator = true
			}
			lastSideHadLines = false

			if !output[i] {
				current := map[int]bool{i: true}
				for len(current) > 0 {
					ordered := make([]int, 0, len(current))
					for k := range current {
						ordered = append(ordered, k)
					}
					sort.Ints(ordered)

					children := map[int]bool{}
					for _, breadth := range ordered {
						output[breadth] = true
						for _, cousin := range scc[breadth] {
							key := gr.lines[cousin].key
							if key != ident.RootKey {
								content, err := g.GetContents(key)
								if err != nil {
									return nil, err
								}
								if content != nil {
									lastSideHadLines = true
									if needsSeparator {
										if err := buf.ConflictNext(); err != nil {
											return nil, err
										}
										needsSeparator = false
									}
									if err := buf.OutputLine(key, content); err != nil {
										return nil, err
									}
								}
							}

							for _, c := range gr.lines[cousin].children {
								childSCC := gr.lines[c.dest].scc
								if !gr.notConflicting(d, scc, childSCC) {
									if childSCC < gr.lines[cousin].scc {
										children[childSCC] = true
									}
								} else if childSCC > next {
									next = childSCC
								}
							}
						}
					}
					current = children
				}
			}

			if i == 0 {
				break
			}
			i--
		}

		if err := buf.EndConflict(); err != nil {
			return nil, err
		}

		if next == 0 {
			break
		}
		i = next
	}

	return forward, nil
}

// RemoveRedundantEdges deletes every forward pseudo edge OutputFile
// collected, plus its mandatory reverse half, so the same shortcuts
// don't keep resurfacing on the next output of this branch.
func RemoveRedundantEdges(g *graph.Graph, branch string, forward []ForwardEdge) error {
	for _, f := range forward {
		if err := g.DelEdge(branch, f.Key, f.Edge); err != nil {
			return err
		}
		reverse := ident.Edge{
			Flags:        f.Edge.Flags.Toggle(ident.Parent),
			Dest:         f.Key,
			IntroducedBy: f.Edge.IntroducedBy,
		}
		if err := g.DelEdge(branch, f.Edge.Dest, reverse); err != nil {
			return err
		}
	}
	return nil
}
