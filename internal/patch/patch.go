// Package patch implements the C8 patch envelope: the in-memory
// Change/NewEdge/EdgeOp data model a Patch is built from, dependency
// derivation, and the gzip-framed, content-addressed, length-prefixed
// on-disk encoding (spec.md §4.7/§4.8/§6.2).
//
// Grounded on original_source/libpijul/src/patch.rs: Patch/PatchHeader/
// Change/NewEdge/EdgeOp keep the same shape, size_upper_bound keeps the
// same heuristic, and Dependencies keeps the same three-part union
// (context hashes, "known patches" for deleting changes, introducer
// hashes) but is expressed as ordinary Go structs and a Dependencies
// method instead of Rust enums with derive(Serialize).
package patch

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/rohankatakam/pijugo/internal/graph"
	"github.com/rohankatakam/pijugo/internal/ident"
	"github.com/rohankatakam/pijugo/internal/kv"
	"github.com/rohankatakam/pijugo/internal/perr"
)

// FormatVersion is the patch encoding version this implementation
// reads and writes (spec.md §4.8 step 4).
const FormatVersion uint64 = 0

// ExternalKey is a graph Key whose patch half may refer to "this
// patch" (HasPatch=false, resolved at apply time to the applying
// patch's own id) rather than to an already-external hash — the Go
// analogue of Rust's Key<Option<Hash>>.
type ExternalKey struct {
	HasPatch bool
	Patch    ident.Hash
	Line     ident.LineId
}

// NewEdge is one entry of a NewEdges change, referring to its
// endpoints and introducer by external hash (spec.md §3.1).
type NewEdge struct {
	From            ExternalKey
	To              ExternalKey
	HasIntroducedBy bool
	IntroducedBy    ident.Hash
}

// EdgeOpKind tags the variant of EdgeOp.
type EdgeOpKind byte

const (
	EdgeOpMap EdgeOpKind = iota
	EdgeOpForget
	EdgeOpNew
)

// EdgeOp mirrors Rust's EdgeOp enum: Map carries both a previous and a
// new flag, Forget only a previous flag, New only a new flag.
type EdgeOp struct {
	Kind     EdgeOpKind
	Previous ident.EdgeFlags
	Flag     ident.EdgeFlags
}

// ChangeKind tags the variant of Change.
type ChangeKind byte

const (
	ChangeNewNodes ChangeKind = iota
	ChangeNewEdges
)

// Change is one of NewNodes (insert a line/chain) or NewEdges (map,
// forget, or create edges), per spec.md §3.1.
type Change struct {
	Kind ChangeKind

	// NewNodes fields.
	UpContext   []ExternalKey
	DownContext []ExternalKey
	Flag        ident.EdgeFlags
	LineNum     ident.LineId
	Nodes       [][]byte

	// NewEdges fields.
	Op    EdgeOp
	Edges []NewEdge
}

// PatchHeader carries the human-facing metadata of a patch.
type PatchHeader struct {
	Authors     []string
	Name        string
	Description string
	Timestamp   time.Time
}

// Patch is the full in-memory representation of a recorded change set.
type Patch struct {
	Version      uint64
	Header       PatchHeader
	Dependencies []ident.Hash
	Changes      []Change
}

// Empty returns a zero-value patch ready to be filled in by record.
func Empty() *Patch {
	return &Patch{Version: FormatVersion, Header: PatchHeader{Timestamp: time.Time{}}}
}

// SizeUpperBound estimates the store growth a full application of p
// may require: base overhead for 8 pages, plus content length and a
// fixed per-node/per-edge overhead (spec.md §4.8's heuristic, grounded
// on Patch::size_upper_bound in patch.rs).
func (p *Patch) SizeUpperBound() int64 {
	size := int64(1 << 15)
	for _, c := range p.Changes {
		switch c.Kind {
		case ChangeNewNodes:
			for _, n := range c.Nodes {
				size += int64(len(n))
			}
			size += int64(len(c.Nodes)) * 2048
		case ChangeNewEdges:
			size += int64(len(c.Edges)) * 2048
		}
	}
	return size
}

// internalHash resolves e to an internal PatchId: ROOT_PATCH_ID for
// the none hash, the applying patch's own id if e refers to "this
// patch", or a lookup in the internal/external bijection otherwise.
func internalHash(g *graph.Graph, hasHash bool, h ident.Hash, self ident.PatchId) (ident.PatchId, error) {
	if !hasHash {
		return self, nil
	}
	if h.IsNone() {
		return ident.RootPatchId, nil
	}
	id, found, err := g.GetInternal(h)
	if err != nil {
		return ident.PatchId{}, err
	}
	if !found {
		return ident.PatchId{}, perr.InternalHashNotFound(h)
	}
	return id, nil
}

// InternalKey resolves an ExternalKey to an internal graph Key,
// relative to the patch id self being applied.
func InternalKey(g *graph.Graph, key ExternalKey, self ident.PatchId) (ident.Key, error) {
	id, err := internalHash(g, key.HasPatch, key.Patch, self)
	if err != nil {
		return ident.Key{}, err
	}
	return ident.Key{Patch: id, Line: key.Line}, nil
}

// Dependencies computes the set of external hashes this set of
// changes requires already applied, per spec.md §4.7:
//   - every non-root hash in any up/down context, NewEdge endpoint or introducer;
//   - for deleting Map/New ops on the "from" side (DELETED|PARENT), the
//     patches of the nodes that from's non-parent edges (flags at most
//     PSEUDO) point to ("known patches");
//   - symmetrically for the "to" side when DELETED without PARENT.
func Dependencies(tx *kv.Tx, branch string, self ident.PatchId, changes []Change) ([]ident.Hash, error) {
	g := graph.New(tx)
	seen := make(map[ident.Hash]bool)
	var deps []ident.Hash
	add := func(h ident.Hash) {
		if h.IsNone() || seen[h] {
			return
		}
		seen[h] = true
		deps = append(deps, h)
	}
	addKeyHash := func(k ExternalKey) {
		if k.HasPatch {
			add(k.Patch)
		}
	}

	edgeContextDeps := func(key ident.Key) error {
		edges, err := g.EdgesFrom(branch, key, ident.Pseudo)
		if err != nil {
			return err
		}
		for _, e := range edges {
			ext, found, err := g.GetExternal(e.Dest.Patch)
			if err != nil {
				return err
			}
			if found {
				add(ext)
			}
		}
		return nil
	}

	for _, ch := range changes {
		switch ch.Kind {
		case ChangeNewNodes:
			for _, c := range ch.UpContext {
				addKeyHash(c)
			}
			for _, c := range ch.DownContext {
				addKeyHash(c)
			}
		case ChangeNewEdges:
			flag := ch.Op.Flag
			if ch.Op.Kind == EdgeOpForget {
				flag = ch.Op.Previous
			}
			for _, e := range ch.Edges {
				if e.From.HasPatch {
					add(e.From.Patch)
					if (ch.Op.Kind == EdgeOpMap || ch.Op.Kind == EdgeOpNew) &&
						flag.Contains(ident.Deleted|ident.Parent) {
						id, err := internalHash(g, true, e.From.Patch, self)
						if err != nil {
							return nil, err
						}
						if err := edgeContextDeps(ident.Key{Patch: id, Line: e.From.Line}); err != nil {
							return nil, err
						}
					}
				}
				if e.To.HasPatch {
					add(e.To.Patch)
					if (ch.Op.Kind == EdgeOpMap || ch.Op.Kind == EdgeOpNew) &&
						flag.Contains(ident.Deleted) && !flag.Contains(ident.Parent) {
						id, err := internalHash(g, true, e.To.Patch, self)
						if err != nil {
							return nil, err
						}
						if err := edgeContextDeps(ident.Key{Patch: id, Line: e.To.Line}); err != nil {
							return nil, err
						}
					}
				}
				if e.HasIntroducedBy {
					add(e.IntroducedBy)
				}
			}
		}
	}
	return deps, nil
}

// --- on-disk envelope (spec.md §4.8/§6.2) ---

// Save gzip-frames p with filename = base64url(hash), where hash is
// the SHA-512 of the encoded (uncompressed) body. Returns the hash so
// callers can name the file and register the patch.
func Save(w io.Writer, p *Patch) (ident.Hash, error) {
	body, err := Encode(p)
	if err != nil {
		return ident.Hash{}, err
	}
	hash := ident.Sha512Of(body)
	filename := base64.URLEncoding.EncodeToString(hash.Digest[:])

	gz, err := gzip.NewWriterLevel(w, gzip.BestCompression)
	if err != nil {
		return ident.Hash{}, perr.StorageError(err, "open gzip writer")
	}
	gz.Name = filename
	if _, err := gz.Write(body); err != nil {
		return ident.Hash{}, perr.StorageError(err, "write patch body")
	}
	if err := gz.Close(); err != nil {
		return ident.Hash{}, perr.StorageError(err, "close gzip writer")
	}
	return hash, nil
}

// Load decompresses a gzip-framed patch, verifying the embedded
// filename hash against the recomputed SHA-512 of the decompressed
// body (spec.md §4.8 steps 1-4).
func Load(r io.Reader) (ident.Hash, *Patch, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return ident.Hash{}, nil, perr.New(perr.KindFormat, "malformed gzip envelope").WithContext("cause", err.Error())
	}
	defer gz.Close()

	filenameHash, err := decodeFilenameHash(gz.Name)
	if err != nil {
		return ident.Hash{}, nil, err
	}

	body, err := io.ReadAll(gz)
	if err != nil {
		return ident.Hash{}, nil, perr.New(perr.KindFormat, "failed to decompress patch body").WithContext("cause", err.Error())
	}

	actual := ident.Sha512Of(body)
	if actual != filenameHash {
		return ident.Hash{}, nil, perr.WrongHash()
	}

	p, err := Decode(body)
	if err != nil {
		return ident.Hash{}, nil, err
	}
	if p.Version != FormatVersion {
		return ident.Hash{}, nil, perr.PatchVersionMismatch(p.Version, FormatVersion)
	}
	return actual, p, nil
}

func decodeFilenameHash(filename string) (ident.Hash, error) {
	raw, err := base64.URLEncoding.DecodeString(filename)
	if err != nil {
		return ident.Hash{}, perr.New(perr.KindFormat, "malformed patch filename").WithContext("cause", err.Error())
	}
	if len(raw) != ident.Sha512Size {
		return ident.Hash{}, perr.New(perr.KindFormat, "patch filename hash has wrong length")
	}
	var h ident.Hash
	h.Algorithm = ident.HashSha512
	copy(h.Digest[:], raw)
	return h, nil
}

// Encode writes the length-prefixed binary encoding of p.
func Encode(p *Patch) ([]byte, error) {
	var buf bytes.Buffer
	putUvarint(&buf, p.Version)
	encodeHeader(&buf, &p.Header)
	putUvarint(&buf, uint64(len(p.Dependencies)))
	for _, h := range p.Dependencies {
		encodeBytes(&buf, h.Encode())
	}
	putUvarint(&buf, uint64(len(p.Changes)))
	for _, c := range p.Changes {
		encodeChange(&buf, &c)
	}
	return buf.Bytes(), nil
}

// Decode parses the encoding Encode produces.
func Decode(data []byte) (*Patch, error) {
	r := bytes.NewReader(data)
	p := &Patch{}

	version, err := binary.ReadUvarint(byteReader{r})
	if err != nil {
		return nil, perr.New(perr.KindFormat, "truncated patch: version").WithContext("cause", err.Error())
	}
	p.Version = version

	header, err := decodeHeader(r)
	if err != nil {
		return nil, err
	}
	p.Header = header

	depCount, err := binary.ReadUvarint(byteReader{r})
	if err != nil {
		return nil, perr.New(perr.KindFormat, "truncated patch: dependency count")
	}
	for i := uint64(0); i < depCount; i++ {
		raw, err := decodeBytes(r)
		if err != nil {
			return nil, err
		}
		h, err := ident.DecodeHash(raw)
		if err != nil {
			return nil, perr.New(perr.KindFormat, "malformed dependency hash")
		}
		p.Dependencies = append(p.Dependencies, h)
	}

	changeCount, err := binary.ReadUvarint(byteReader{r})
	if err != nil {
		return nil, perr.New(perr.KindFormat, "truncated patch: change count")
	}
	for i := uint64(0); i < changeCount; i++ {
		c, err := decodeChange(r)
		if err != nil {
			return nil, err
		}
		p.Changes = append(p.Changes, *c)
	}
	return p, nil
}

type byteReader struct{ r *bytes.Reader }

func (b byteReader) ReadByte() (byte, error) { return b.r.ReadByte() }

func putUvarint(buf *bytes.Buffer, n uint64) {
	var tmp [binary.MaxVarintLen64]byte
	l := binary.PutUvarint(tmp[:], n)
	buf.Write(tmp[:l])
}

func encodeBytes(buf *bytes.Buffer, b []byte) {
	putUvarint(buf, uint64(len(b)))
	buf.Write(b)
}

func decodeBytes(r *bytes.Reader) ([]byte, error) {
	n, err := binary.ReadUvarint(byteReader{r})
	if err != nil {
		return nil, perr.New(perr.KindFormat, "truncated patch: length prefix")
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, perr.New(perr.KindFormat, "truncated patch: body")
	}
	return buf, nil
}

func encodeString(buf *bytes.Buffer, s string) { encodeBytes(buf, []byte(s)) }

func decodeString(r *bytes.Reader) (string, error) {
	b, err := decodeBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func encodeHeader(buf *bytes.Buffer, h *PatchHeader) {
	putUvarint(buf, uint64(len(h.Authors)))
	for _, a := range h.Authors {
		encodeString(buf, a)
	}
	encodeString(buf, h.Name)
	encodeString(buf, h.Description)
	ts, _ := h.Timestamp.UTC().MarshalBinary()
	encodeBytes(buf, ts)
}

func decodeHeader(r *bytes.Reader) (PatchHeader, error) {
	var h PatchHeader
	n, err := binary.ReadUvarint(byteReader{r})
	if err != nil {
		return h, perr.New(perr.KindFormat, "truncated patch: author count")
	}
	for i := uint64(0); i < n; i++ {
		a, err := decodeString(r)
		if err != nil {
			return h, err
		}
		h.Authors = append(h.Authors, a)
	}
	if h.Name, err = decodeString(r); err != nil {
		return h, err
	}
	if h.Description, err = decodeString(r); err != nil {
		return h, err
	}
	tsBytes, err := decodeBytes(r)
	if err != nil {
		return h, err
	}
	if err := h.Timestamp.UnmarshalBinary(tsBytes); err != nil {
		return h, perr.New(perr.KindFormat, "malformed patch timestamp")
	}
	return h, nil
}

func encodeExternalKey(buf *bytes.Buffer, k ExternalKey) {
	if k.HasPatch {
		buf.WriteByte(1)
		encodeBytes(buf, k.Patch.Encode())
	} else {
		buf.WriteByte(0)
	}
	buf.Write(k.Line.Bytes())
}

func decodeExternalKey(r *bytes.Reader) (ExternalKey, error) {
	var k ExternalKey
	tag, err := r.ReadByte()
	if err != nil {
		return k, perr.New(perr.KindFormat, "truncated patch: external key tag")
	}
	if tag == 1 {
		k.HasPatch = true
		raw, err := decodeBytes(r)
		if err != nil {
			return k, err
		}
		if k.Patch, err = ident.DecodeHash(raw); err != nil {
			return k, perr.New(perr.KindFormat, "malformed external key hash")
		}
	}
	lineBuf := make([]byte, ident.LineIdSize)
	if _, err := io.ReadFull(r, lineBuf); err != nil {
		return k, perr.New(perr.KindFormat, "truncated patch: external key line")
	}
	if k.Line, err = ident.LineIdFromBytes(lineBuf); err != nil {
		return k, err
	}
	return k, nil
}

func encodeChange(buf *bytes.Buffer, c *Change) {
	buf.WriteByte(byte(c.Kind))
	switch c.Kind {
	case ChangeNewNodes:
		putUvarint(buf, uint64(len(c.UpContext)))
		for _, k := range c.UpContext {
			encodeExternalKey(buf, k)
		}
		putUvarint(buf, uint64(len(c.DownContext)))
		for _, k := range c.DownContext {
			encodeExternalKey(buf, k)
		}
		buf.WriteByte(byte(c.Flag))
		buf.Write(c.LineNum.Bytes())
		putUvarint(buf, uint64(len(c.Nodes)))
		for _, n := range c.Nodes {
			encodeBytes(buf, n)
		}
	case ChangeNewEdges:
		buf.WriteByte(byte(c.Op.Kind))
		buf.WriteByte(byte(c.Op.Previous))
		buf.WriteByte(byte(c.Op.Flag))
		putUvarint(buf, uint64(len(c.Edges)))
		for _, e := range c.Edges {
			encodeExternalKey(buf, e.From)
			encodeExternalKey(buf, e.To)
			if e.HasIntroducedBy {
				buf.WriteByte(1)
				encodeBytes(buf, e.IntroducedBy.Encode())
			} else {
				buf.WriteByte(0)
			}
		}
	}
}

func decodeChange(r *bytes.Reader) (*Change, error) {
	kindByte, err := r.ReadByte()
	if err != nil {
		return nil, perr.New(perr.KindFormat, "truncated patch: change kind")
	}
	c := &Change{Kind: ChangeKind(kindByte)}
	switch c.Kind {
	case ChangeNewNodes:
		n, err := binary.ReadUvarint(byteReader{r})
		if err != nil {
			return nil, perr.New(perr.KindFormat, "truncated patch: up_context count")
		}
		for i := uint64(0); i < n; i++ {
			k, err := decodeExternalKey(r)
			if err != nil {
				return nil, err
			}
			c.UpContext = append(c.UpContext, k)
		}
		n, err = binary.ReadUvarint(byteReader{r})
		if err != nil {
			return nil, perr.New(perr.KindFormat, "truncated patch: down_context count")
		}
		for i := uint64(0); i < n; i++ {
			k, err := decodeExternalKey(r)
			if err != nil {
				return nil, err
			}
			c.DownContext = append(c.DownContext, k)
		}
		flagByte, err := r.ReadByte()
		if err != nil {
			return nil, perr.New(perr.KindFormat, "truncated patch: flag")
		}
		c.Flag = ident.EdgeFlags(flagByte)
		lineBuf := make([]byte, ident.LineIdSize)
		if _, err := io.ReadFull(r, lineBuf); err != nil {
			return nil, perr.New(perr.KindFormat, "truncated patch: line_num")
		}
		if c.LineNum, err = ident.LineIdFromBytes(lineBuf); err != nil {
			return nil, err
		}
		n, err = binary.ReadUvarint(byteReader{r})
		if err != nil {
			return nil, perr.New(perr.KindFormat, "truncated patch: node count")
		}
		for i := uint64(0); i < n; i++ {
			b, err := decodeBytes(r)
			if err != nil {
				return nil, err
			}
			c.Nodes = append(c.Nodes, b)
		}
	case ChangeNewEdges:
		opKind, err := r.ReadByte()
		if err != nil {
			return nil, perr.New(perr.KindFormat, "truncated patch: edge op kind")
		}
		prev, err := r.ReadByte()
		if err != nil {
			return nil, perr.New(perr.KindFormat, "truncated patch: edge op previous")
		}
		flag, err := r.ReadByte()
		if err != nil {
			return nil, perr.New(perr.KindFormat, "truncated patch: edge op flag")
		}
		c.Op = EdgeOp{Kind: EdgeOpKind(opKind), Previous: ident.EdgeFlags(prev), Flag: ident.EdgeFlags(flag)}
		n, err := binary.ReadUvarint(byteReader{r})
		if err != nil {
			return nil, perr.New(perr.KindFormat, "truncated patch: edge count")
		}
		for i := uint64(0); i < n; i++ {
			from, err := decodeExternalKey(r)
			if err != nil {
				return nil, err
			}
			to, err := decodeExternalKey(r)
			if err != nil {
				return nil, err
			}
			tag, err := r.ReadByte()
			if err != nil {
				return nil, perr.New(perr.KindFormat, "truncated patch: introduced_by tag")
			}
			e := NewEdge{From: from, To: to}
			if tag == 1 {
				raw, err := decodeBytes(r)
				if err != nil {
					return nil, err
				}
				if e.IntroducedBy, err = ident.DecodeHash(raw); err != nil {
					return nil, perr.New(perr.KindFormat, "malformed introduced_by hash")
				}
				e.HasIntroducedBy = true
			}
			c.Edges = append(c.Edges, e)
		}
	default:
		return nil, fmt.Errorf("patch: unknown change kind %d", kindByte)
	}
	return c, nil
}
