// Package ident implements the C2 identifier layer: fixed-width
// identifiers for patches, lines, graph keys, edges, inodes and file
// metadata, encoded so that byte-lexicographic order on the wire
// equals numeric order (spec.md §4.1).
//
// spec.md's prose calls the LineId/PatchId encoding "little-endian"
// while also requiring that byte order equal numeric order; those two
// claims only hold together under a big-endian byte layout, so this
// package encodes both with encoding/binary.BigEndian. See DESIGN.md
// for the full resolution of this ambiguity.
package ident

import (
	"bytes"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// PatchIdSize is the width in bytes of a PatchId.
const PatchIdSize = 8

// PatchId is an opaque, locally-unique 8-byte patch identifier.
type PatchId [PatchIdSize]byte

// RootPatchId denotes "before any patch" (spec.md §3.1).
var RootPatchId = PatchId{}

// PatchIdFromUint64 builds a PatchId from a counter, big-endian so
// sort order matches numeric order.
func PatchIdFromUint64(n uint64) PatchId {
	var p PatchId
	binary.BigEndian.PutUint64(p[:], n)
	return p
}

// Uint64 interprets the PatchId as the big-endian counter it was built from.
func (p PatchId) Uint64() uint64 { return binary.BigEndian.Uint64(p[:]) }

func (p PatchId) String() string { return hex.EncodeToString(p[:]) }

// IsRoot reports whether p is the distinguished root patch id.
func (p PatchId) IsRoot() bool { return p == RootPatchId }

// Bytes returns the raw 8-byte encoding.
func (p PatchId) Bytes() []byte { return p[:] }

// PatchIdFromBytes parses an 8-byte slice into a PatchId.
func PatchIdFromBytes(b []byte) (PatchId, error) {
	var p PatchId
	if len(b) != PatchIdSize {
		return p, fmt.Errorf("ident: patch id must be %d bytes, got %d", PatchIdSize, len(b))
	}
	copy(p[:], b)
	return p, nil
}

// HashAlgorithm tags the variant of Hash on the wire (spec.md §6.2).
type HashAlgorithm byte

const (
	HashNone   HashAlgorithm = 0
	HashSha512 HashAlgorithm = 1
)

// Sha512Size is the digest width of the Sha512 hash variant.
const Sha512Size = sha512.Size // 64

// Hash is the tagged union {None, Sha512(64 bytes)} identifying a
// patch across repositories (spec.md §3.1). The zero value is None.
type Hash struct {
	Algorithm HashAlgorithm
	Digest    [Sha512Size]byte
}

// NoneHash is the distinguished "no external identity" hash, which
// maps to RootPatchId.
var NoneHash = Hash{Algorithm: HashNone}

// Sha512Of computes the Sha512 variant hash of content.
func Sha512Of(content []byte) Hash {
	return Hash{Algorithm: HashSha512, Digest: sha512.Sum512(content)}
}

func (h Hash) IsNone() bool { return h.Algorithm == HashNone }

func (h Hash) String() string {
	if h.IsNone() {
		return "none"
	}
	return hex.EncodeToString(h.Digest[:])
}

// HashFromHex parses the hex digest String prints, the CLI-facing
// inverse of Hash.String.
func HashFromHex(s string) (Hash, error) {
	if s == "none" {
		return NoneHash, nil
	}
	digest, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("ident: malformed hash %q: %w", s, err)
	}
	if len(digest) != Sha512Size {
		return Hash{}, fmt.Errorf("ident: hash %q has wrong length %d, want %d", s, len(digest), Sha512Size)
	}
	var h Hash
	h.Algorithm = HashSha512
	copy(h.Digest[:], digest)
	return h, nil
}

// Encode writes the tag byte followed by the digest (absent for None).
func (h Hash) Encode() []byte {
	if h.IsNone() {
		return []byte{byte(HashNone)}
	}
	buf := make([]byte, 1+Sha512Size)
	buf[0] = byte(h.Algorithm)
	copy(buf[1:], h.Digest[:])
	return buf
}

// DecodeHash parses the tag+digest encoding Encode produces.
func DecodeHash(b []byte) (Hash, error) {
	if len(b) == 0 {
		return Hash{}, fmt.Errorf("ident: empty hash encoding")
	}
	switch HashAlgorithm(b[0]) {
	case HashNone:
		return NoneHash, nil
	case HashSha512:
		if len(b) != 1+Sha512Size {
			return Hash{}, fmt.Errorf("ident: sha512 hash must be %d bytes, got %d", 1+Sha512Size, len(b))
		}
		var h Hash
		h.Algorithm = HashSha512
		copy(h.Digest[:], b[1:])
		return h, nil
	default:
		return Hash{}, fmt.Errorf("ident: unknown hash algorithm tag %d", b[0])
	}
}

// LineIdSize is the width in bytes of a LineId.
const LineIdSize = 8

// LineId is an 8-byte counter, unique within a patch; 0 is the root line.
type LineId [LineIdSize]byte

// RootLineId is the root line within the root patch.
var RootLineId = LineId{}

func LineIdFromUint64(n uint64) LineId {
	var l LineId
	binary.BigEndian.PutUint64(l[:], n)
	return l
}

func (l LineId) Uint64() uint64 { return binary.BigEndian.Uint64(l[:]) }

func (l LineId) String() string { return hex.EncodeToString(l[:]) }

// Add returns l advanced by n, used to allocate consecutive ids within
// a NewNodes chain.
func (l LineId) Add(n uint64) LineId {
	return LineIdFromUint64(l.Uint64() + n)
}

func (l LineId) Bytes() []byte { return l[:] }

func LineIdFromBytes(b []byte) (LineId, error) {
	var l LineId
	if len(b) != LineIdSize {
		return l, fmt.Errorf("ident: line id must be %d bytes, got %d", LineIdSize, len(b))
	}
	copy(l[:], b)
	return l, nil
}

// KeySize is the encoded width of a Key.
const KeySize = PatchIdSize + LineIdSize

// Key identifies a graph vertex: the patch that introduced it plus a
// line id local to that patch.
type Key struct {
	Patch PatchId
	Line  LineId
}

// RootKey is the distinguished key that always exists and is always alive.
var RootKey = Key{Patch: RootPatchId, Line: RootLineId}

func (k Key) IsRoot() bool { return k == RootKey }

func (k Key) String() string { return k.Patch.String() + ":" + k.Line.String() }

// Less orders keys primarily by PatchId, then by LineId — the order
// the nodes table is range-scanned in (spec.md §4.2).
func (k Key) Less(other Key) bool {
	if c := bytes.Compare(k.Patch[:], other.Patch[:]); c != 0 {
		return c < 0
	}
	return bytes.Compare(k.Line[:], other.Line[:]) < 0
}

// Encode writes PatchId(8) ‖ LineId(8) (spec.md §6.2).
func (k Key) Encode() []byte {
	buf := make([]byte, KeySize)
	copy(buf[:PatchIdSize], k.Patch[:])
	copy(buf[PatchIdSize:], k.Line[:])
	return buf
}

func DecodeKey(b []byte) (Key, error) {
	if len(b) != KeySize {
		return Key{}, fmt.Errorf("ident: key must be %d bytes, got %d", KeySize, len(b))
	}
	var k Key
	copy(k.Patch[:], b[:PatchIdSize])
	copy(k.Line[:], b[PatchIdSize:])
	return k, nil
}

// EdgeFlags is a bitset over four independent bits (spec.md §3.1, confirmed
// against original_source/libpijul/src/backend.rs:244-250).
type EdgeFlags uint8

const (
	Pseudo  EdgeFlags = 1 << 0
	Folder  EdgeFlags = 1 << 1
	Parent  EdgeFlags = 1 << 2
	Deleted EdgeFlags = 1 << 3
)

// Contains reports whether f has every bit of other set.
func (f EdgeFlags) Contains(other EdgeFlags) bool { return f&other == other }

// Toggle flips the given bits and returns the result.
func (f EdgeFlags) Toggle(other EdgeFlags) EdgeFlags { return f ^ other }

func (f EdgeFlags) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	if f.Contains(Pseudo) {
		parts = append(parts, "pseudo")
	}
	if f.Contains(Folder) {
		parts = append(parts, "folder")
	}
	if f.Contains(Parent) {
		parts = append(parts, "parent")
	}
	if f.Contains(Deleted) {
		parts = append(parts, "deleted")
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += "|" + p
	}
	return out
}

// Edge is one directed half of a bidirectional edge pair (invariant 1).
type Edge struct {
	Flags        EdgeFlags
	Dest         Key
	IntroducedBy PatchId
}

// EdgeSize is the wire width of an Edge: EdgeFlags(1) ‖ Key(16) ‖ PatchId(8).
const EdgeSize = 1 + KeySize + PatchIdSize

func (e Edge) Encode() []byte {
	buf := make([]byte, EdgeSize)
	buf[0] = byte(e.Flags)
	copy(buf[1:1+KeySize], e.Dest.Encode())
	copy(buf[1+KeySize:], e.IntroducedBy[:])
	return buf
}

func DecodeEdge(b []byte) (Edge, error) {
	if len(b) != EdgeSize {
		return Edge{}, fmt.Errorf("ident: edge must be %d bytes, got %d", EdgeSize, len(b))
	}
	dest, err := DecodeKey(b[1 : 1+KeySize])
	if err != nil {
		return Edge{}, err
	}
	introducedBy, err := PatchIdFromBytes(b[1+KeySize:])
	if err != nil {
		return Edge{}, err
	}
	return Edge{Flags: EdgeFlags(b[0]), Dest: dest, IntroducedBy: introducedBy}, nil
}

// Reverse returns the mandatory other half of a stored edge pair:
// same flags with PARENT toggled, same introducer, pointing back at from.
func (e Edge) Reverse(from Key) Edge {
	return Edge{Flags: e.Flags.Toggle(Parent), Dest: from, IntroducedBy: e.IntroducedBy}
}

// InodeSize is the width in bytes of an Inode.
const InodeSize = 8

// Inode is an opaque identifier of a working-tree object.
type Inode [InodeSize]byte

var RootInode = Inode{}

func (i Inode) String() string { return hex.EncodeToString(i[:]) }

func (i Inode) Bytes() []byte { return i[:] }

func InodeFromBytes(b []byte) (Inode, error) {
	var i Inode
	if len(b) != InodeSize {
		return i, fmt.Errorf("ident: inode must be %d bytes, got %d", InodeSize, len(b))
	}
	copy(i[:], b)
	return i, nil
}

// DirFlag is the single bit in FileMetadata marking a directory
// (original_source/libpijul/src/backend.rs:649, DIR_BIT = 0x200).
const DirFlag = 0x200

// FileMetadata packs a 9-bit POSIX-ish permission and a 1-bit
// directory flag; big-endian on the wire, little-endian (native) in memory.
type FileMetadata uint16

func NewFileMetadata(permission uint16, isDir bool) FileMetadata {
	m := FileMetadata(permission & 0x1FF)
	if isDir {
		m |= DirFlag
	}
	return m
}

func (m FileMetadata) Permission() uint16 { return uint16(m) & 0x1FF }
func (m FileMetadata) IsDir() bool        { return uint16(m)&DirFlag != 0 }

// Encode writes the big-endian 2-byte wire form.
func (m FileMetadata) Encode() []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, uint16(m))
	return buf
}

func FileMetadataFromBytes(b []byte) (FileMetadata, error) {
	if len(b) != 2 {
		return 0, fmt.Errorf("ident: file metadata must be 2 bytes, got %d", len(b))
	}
	return FileMetadata(binary.BigEndian.Uint16(b)), nil
}

// FileStatus is the working-tree state associated with a FileHeader.
type FileStatus byte

const (
	FileOk      FileStatus = 0
	FileMoved   FileStatus = 1
	FileDeleted FileStatus = 2
)

func (s FileStatus) String() string {
	switch s {
	case FileOk:
		return "ok"
	case FileMoved:
		return "moved"
	case FileDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// FileHeader records an inode's metadata, working-tree status and the
// graph Key its name/content chain is rooted at (spec.md §3.1).
type FileHeader struct {
	Metadata FileMetadata
	Status   FileStatus
	Key      Key
}
