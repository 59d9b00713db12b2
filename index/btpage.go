// Package index implements the Index Spooler (C5), the BT Reader (C6)
// and the Merge Builder (C7). The on-disk B-tree page format is a
// fixed-size buffer with a packed header and a cell directory growing
// from the header, cells growing down from the page end, generalized
// to PostgreSQL-flavoured leaf cells (key + heap-tid) and internal
// cells (key + child block number), plus the btpo_next right-link and
// half-dead flag a real B-tree page carries that a from-scratch KV
// tree does not need.
package index

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/pgbulkload/loadercore/common"
)

// PageSize matches the heap page size; index pages and heap pages
// share one block addressing space within a relation's storage manager.
const PageSize = 8192

const (
	offType     = 0  // 1 byte: pageLeaf or pageInternal
	offFlags    = 1  // 1 byte: flagIgnore (half-dead)
	offLevel    = 2  // 2 bytes
	offNumCells = 4  // 2 bytes
	offBtpoNext = 6  // 4 bytes: right-sibling block number
	offFreePtr  = 10 // 2 bytes: cells grow down from here
	offVersion  = 12 // 1 byte

	HeaderSize     = 16
	cellDirEntrySz = 2

	pageLeaf     = 1
	pageInternal = 2

	flagIgnore = 0x01 // P_IGNORE: half-dead, skip during a read scan

	pageVersion = 1
)

var (
	ErrPageFull  = errors.New("index: page is full")
	ErrNoSuchKey = errors.New("index: cell index out of range")
)

// Page is one on-disk B-tree page: either a leaf (key, heap-tid, dead
// flag per cell) or an internal page (key, child block number per
// cell).
type Page struct {
	data [PageSize]byte
}

// NewLeafPage returns a freshly initialized, empty leaf page.
func NewLeafPage() *Page {
	p := &Page{}
	p.init(pageLeaf)
	return p
}

// NewInternalPage returns a freshly initialized, empty internal page
// at the given tree level (0 = just above leaves).
func NewInternalPage(level uint16) *Page {
	p := &Page{}
	p.init(pageInternal)
	p.setLevel(level)
	return p
}

func (p *Page) init(kind byte) {
	for i := range p.data {
		p.data[i] = 0
	}
	p.data[offType] = kind
	p.data[offVersion] = pageVersion
	binary.BigEndian.PutUint32(p.data[offBtpoNext:], common.InvalidBlockNumber)
	binary.BigEndian.PutUint16(p.data[offFreePtr:], PageSize)
}

// LoadPage wraps an existing PageSize-byte buffer read from disk.
func LoadPage(buf []byte) (*Page, error) {
	if len(buf) != PageSize {
		return nil, errors.Errorf("index: page buffer must be %d bytes, got %d", PageSize, len(buf))
	}
	p := &Page{}
	copy(p.data[:], buf)
	return p, nil
}

func (p *Page) Bytes() []byte { return p.data[:] }

func (p *Page) IsLeaf() bool     { return p.data[offType] == pageLeaf }
func (p *Page) IsIgnored() bool  { return p.data[offFlags]&flagIgnore != 0 }
func (p *Page) SetIgnored(v bool) {
	if v {
		p.data[offFlags] |= flagIgnore
	} else {
		p.data[offFlags] &^= flagIgnore
	}
}

func (p *Page) Level() uint16      { return binary.BigEndian.Uint16(p.data[offLevel:]) }
func (p *Page) setLevel(v uint16)  { binary.BigEndian.PutUint16(p.data[offLevel:], v) }

func (p *Page) NumCells() int {
	return int(binary.BigEndian.Uint16(p.data[offNumCells:]))
}
func (p *Page) setNumCells(n int) {
	binary.BigEndian.PutUint16(p.data[offNumCells:], uint16(n))
}

// BtpoNext is the right-sibling block number, or common.InvalidBlockNumber
// for the right-most page at this level.
func (p *Page) BtpoNext() uint32 { return binary.BigEndian.Uint32(p.data[offBtpoNext:]) }
func (p *Page) SetBtpoNext(block uint32) {
	binary.BigEndian.PutUint32(p.data[offBtpoNext:], block)
}

func (p *Page) freePtr() int { return int(binary.BigEndian.Uint16(p.data[offFreePtr:])) }
func (p *Page) setFreePtr(v int) {
	binary.BigEndian.PutUint16(p.data[offFreePtr:], uint16(v))
}

func (p *Page) dirOffset(i int) int { return HeaderSize + i*cellDirEntrySz }

func (p *Page) cellOffsetAt(i int) int {
	return int(binary.BigEndian.Uint16(p.data[p.dirOffset(i):]))
}

func (p *Page) lower() int { return HeaderSize + p.NumCells()*cellDirEntrySz }

func (p *Page) freeSpace() int {
	free := p.freePtr() - p.lower() - cellDirEntrySz
	if free < 0 {
		return 0
	}
	return free
}

func (p *Page) appendCell(cell []byte) (int, error) {
	if len(cell) > p.freeSpace() {
		return 0, ErrPageFull
	}
	newFree := p.freePtr() - len(cell)
	copy(p.data[newFree:newFree+len(cell)], cell)

	idx := p.NumCells()
	binary.BigEndian.PutUint16(p.data[p.dirOffset(idx):], uint16(newFree))
	p.setNumCells(idx + 1)
	p.setFreePtr(newFree)
	return idx, nil
}

// LeafEntry is one decoded leaf cell: the index key, the heap tuple it
// points at, and whether it has been marked dead by a prior vacuum.
// The BT Reader skips dead entries.
type LeafEntry struct {
	Key  []byte
	Tid  common.Ctid
	Dead bool
}

func encodeLeafCell(e LeafEntry) []byte {
	var deadByte byte
	if e.Dead {
		deadByte = 1
	}
	head := make([]byte, 1+10)
	head[0] = deadByte
	n := putUvarint(head[1:], uint64(len(e.Key)))
	buf := make([]byte, 1+n+len(e.Key)+6)
	buf[0] = deadByte
	copy(buf[1:1+n], head[1:1+n])
	copy(buf[1+n:], e.Key)
	tail := buf[1+n+len(e.Key):]
	binary.BigEndian.PutUint32(tail, e.Tid.BlockNumber)
	binary.BigEndian.PutUint16(tail[4:], e.Tid.OffsetNumber)
	return buf
}

// AppendLeaf appends a leaf cell in arrival order (the merge builder
// writes leaves strictly in increasing key order; this method never
// reorders). Returns the cell's 0-based index on this page.
func (p *Page) AppendLeaf(e LeafEntry) (int, error) {
	return p.appendCell(encodeLeafCell(e))
}

// ReadLeaf decodes the cell at 0-based index i.
func (p *Page) ReadLeaf(i int) (LeafEntry, error) {
	if i < 0 || i >= p.NumCells() {
		return LeafEntry{}, ErrNoSuchKey
	}
	off := p.cellOffsetAt(i)
	dead := p.data[off] == 1
	keyLen, n := uvarint(p.data[off+1:])
	if n <= 0 {
		return LeafEntry{}, errors.New("index: corrupt leaf cell length")
	}
	keyStart := off + 1 + n
	key := append([]byte(nil), p.data[keyStart:keyStart+int(keyLen)]...)
	tail := p.data[keyStart+int(keyLen):]
	tid := common.Ctid{
		BlockNumber:  binary.BigEndian.Uint32(tail),
		OffsetNumber: binary.BigEndian.Uint16(tail[4:]),
	}
	return LeafEntry{Key: key, Tid: tid, Dead: dead}, nil
}

// MarkDead flags the cell at index i dead in place, without touching
// cell ordering or length.
func (p *Page) MarkDead(i int) error {
	if i < 0 || i >= p.NumCells() {
		return ErrNoSuchKey
	}
	p.data[p.cellOffsetAt(i)] = 1
	return nil
}

func encodeInternalCell(key []byte, child uint32) []byte {
	head := make([]byte, 10)
	n := putUvarint(head, uint64(len(key)))
	buf := make([]byte, n+len(key)+4)
	copy(buf, head[:n])
	copy(buf[n:], key)
	binary.BigEndian.PutUint32(buf[n+len(key):], child)
	return buf
}

// AppendInternal appends an internal (downlink) cell: key, child block.
func (p *Page) AppendInternal(key []byte, child uint32) (int, error) {
	return p.appendCell(encodeInternalCell(key, child))
}

// ReadInternal decodes the downlink cell at 0-based index i.
func (p *Page) ReadInternal(i int) (key []byte, child uint32, err error) {
	if i < 0 || i >= p.NumCells() {
		return nil, 0, ErrNoSuchKey
	}
	off := p.cellOffsetAt(i)
	keyLen, n := uvarint(p.data[off:])
	if n <= 0 {
		return nil, 0, errors.New("index: corrupt internal cell length")
	}
	keyStart := off + n
	key = append([]byte(nil), p.data[keyStart:keyStart+int(keyLen)]...)
	child = binary.BigEndian.Uint32(p.data[keyStart+int(keyLen):])
	return key, child, nil
}

// FirstDataKey returns the index of the left-most downlink on an
// internal page (P_FIRSTDATAKEY: index 0, since this format never
// carries a "high key" sentinel cell).
func (p *Page) FirstDataKey() int {
	return 0
}

// MetaPage is the fixed block-0 layout every B-tree index file starts
// with.
type MetaPage struct {
	Magic     uint32
	Version   uint32
	Root      uint32
	Level     uint32
	FastRoot  uint32
	FastLevel uint32
}

// Magic and MetaVersion are the values BT Reader validates on open.
const (
	Magic       uint32 = 0x42547631 // "BTv1"
	MetaVersion uint32 = 1
)

const (
	metaOffMagic     = 0
	metaOffVersion   = 4
	metaOffRoot      = 8
	metaOffLevel     = 12
	metaOffFastRoot  = 16
	metaOffFastLevel = 20
)

// EncodeMeta renders a MetaPage as a full PageSize block.
func EncodeMeta(m MetaPage) []byte {
	buf := make([]byte, PageSize)
	binary.BigEndian.PutUint32(buf[metaOffMagic:], m.Magic)
	binary.BigEndian.PutUint32(buf[metaOffVersion:], m.Version)
	binary.BigEndian.PutUint32(buf[metaOffRoot:], m.Root)
	binary.BigEndian.PutUint32(buf[metaOffLevel:], m.Level)
	binary.BigEndian.PutUint32(buf[metaOffFastRoot:], m.FastRoot)
	binary.BigEndian.PutUint32(buf[metaOffFastLevel:], m.FastLevel)
	return buf
}

// DecodeMeta reads back a MetaPage, validating magic and version,
// fatal on mismatch (common.ErrCorruptIndex).
func DecodeMeta(buf []byte) (MetaPage, error) {
	if len(buf) != PageSize {
		return MetaPage{}, errors.Errorf("index: meta buffer must be %d bytes, got %d", PageSize, len(buf))
	}
	m := MetaPage{
		Magic:     binary.BigEndian.Uint32(buf[metaOffMagic:]),
		Version:   binary.BigEndian.Uint32(buf[metaOffVersion:]),
		Root:      binary.BigEndian.Uint32(buf[metaOffRoot:]),
		Level:     binary.BigEndian.Uint32(buf[metaOffLevel:]),
		FastRoot:  binary.BigEndian.Uint32(buf[metaOffFastRoot:]),
		FastLevel: binary.BigEndian.Uint32(buf[metaOffFastLevel:]),
	}
	if m.Magic != Magic || m.Version != MetaVersion {
		return MetaPage{}, common.ErrCorruptIndex
	}
	return m, nil
}
