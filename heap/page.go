// Package heap implements the direct-loader's page format (C1 Page
// Builder) and orchestration (C4 Direct Writer). The page layout is a
// fixed byte array with accessor methods over a packed header, but the
// body this header describes is a heap page, not a B-tree page: a
// growing line-pointer array from `lower`, tuples growing down from
// `upper`.
package heap

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/pgbulkload/loadercore/common"
)

const (
	// PageSize is the fixed page size this loader formats, kept as a
	// compile-time constant rather than a configurable value.
	PageSize = 8192

	// MaxAlign is the alignment boundary every item and the special
	// area boundary must respect.
	MaxAlign = 8

	// headerLSN..headerVersion are byte offsets within the page header.
	headerLSN      = 0  // 8 bytes
	headerChecksum = 8  // 2 bytes
	headerFlags    = 10 // 2 bytes
	headerLower    = 12 // 2 bytes
	headerUpper    = 14 // 2 bytes
	headerSpecial  = 16 // 2 bytes
	headerVersion  = 18 // 2 bytes (page-size-and-version, packed)

	// HeaderSize is the maxaligned size of the fixed header.
	HeaderSize = 24

	// ItemIDSize is the size of one line pointer: a 2-byte offset and
	// a 2-byte length, matching a minimal ItemIdData.
	ItemIDSize = 4

	// pageVersion is shifted left 8 bits and OR'd with PageSize to
	// form the packed page-size-and-version header field.
	pageVersion = 4

	// FlagHasFreeLines mirrors PD_HAS_FREE_LINES; the direct writer
	// never reuses offsets so it is never set by this component.
	FlagHasFreeLines = 0x0001
)

var (
	ErrPageFull     = common.ErrPageFull
	ErrItemNotFound = errors.New("heap: item not found")
)

// MaxAligned rounds n up to the next multiple of MaxAlign.
func MaxAligned(n int) int {
	return (n + MaxAlign - 1) &^ (MaxAlign - 1)
}

// Page is one fixed-size in-memory page buffer: a packed header, a
// line-pointer array growing from `lower`, and tuple bodies growing
// down from `upper`. Invariant: lower <= upper <= special <= PageSize.
type Page struct {
	data [PageSize]byte
}

// ItemID is one entry of the line-pointer array.
type ItemID struct {
	Offset uint16
	Length uint16
}

// NewPage returns a freshly page_init'd page with no special area.
func NewPage() *Page {
	p := &Page{}
	p.Init(0)
	return p
}

// Init zeroes the buffer and lays out an empty page whose special
// area is specialSize bytes.
func (p *Page) Init(specialSize int) {
	for i := range p.data {
		p.data[i] = 0
	}
	special := PageSize - MaxAligned(specialSize)
	binary.LittleEndian.PutUint16(p.data[headerLower:], HeaderSize)
	binary.LittleEndian.PutUint16(p.data[headerUpper:], uint16(special))
	binary.LittleEndian.PutUint16(p.data[headerSpecial:], uint16(special))
	binary.LittleEndian.PutUint16(p.data[headerVersion:], uint16(PageSize)|pageVersion<<8)
}

func (p *Page) lower() uint16   { return binary.LittleEndian.Uint16(p.data[headerLower:]) }
func (p *Page) upper() uint16   { return binary.LittleEndian.Uint16(p.data[headerUpper:]) }
func (p *Page) special() uint16 { return binary.LittleEndian.Uint16(p.data[headerSpecial:]) }

func (p *Page) setLower(v uint16) { binary.LittleEndian.PutUint16(p.data[headerLower:], v) }
func (p *Page) setUpper(v uint16) { binary.LittleEndian.PutUint16(p.data[headerUpper:], v) }

// LSN returns the page's current log sequence number.
func (p *Page) LSN() uint64 {
	return binary.LittleEndian.Uint64(p.data[headerLSN:])
}

// SetLSN stamps the page's LSN, used for the first-created-page WAL
// record and left at zero for every other page
// the direct writer creates.
func (p *Page) SetLSN(lsn uint64) {
	binary.LittleEndian.PutUint64(p.data[headerLSN:], lsn)
}

// SetChecksum stamps the page-level checksum. Computing the checksum
// itself is an external collaborator; this setter only
// stores whatever the caller computed.
func (p *Page) SetChecksum(c uint16) {
	binary.LittleEndian.PutUint16(p.data[headerChecksum:], c)
}

// NumLineItems returns the number of line pointers currently in use.
func (p *Page) NumLineItems() int {
	return (int(p.lower()) - HeaderSize) / ItemIDSize
}

// FreeSpace returns upper-lower minus room for one more line pointer,
// or zero if that would be negative.
func (p *Page) FreeSpace() int {
	free := int(p.upper()) - int(p.lower()) - ItemIDSize
	if free < 0 {
		return 0
	}
	return free
}

// AddItem appends a line pointer at `lower` and copies item ending at
// `upper`, returning its 1-based offset number. Tuples are inserted in
// arrival order; AddItem never reuses an offset.
func (p *Page) AddItem(item []byte) (uint16, error) {
	itemLen := MaxAligned(len(item))
	if itemLen > p.FreeSpace() {
		return 0, ErrPageFull
	}

	newUpper := int(p.upper()) - itemLen
	copy(p.data[newUpper:newUpper+len(item)], item)

	offsetNum := p.NumLineItems() + 1
	idOff := HeaderSize + (offsetNum-1)*ItemIDSize
	binary.LittleEndian.PutUint16(p.data[idOff:], uint16(newUpper))
	binary.LittleEndian.PutUint16(p.data[idOff+2:], uint16(len(item)))

	p.setUpper(uint16(newUpper))
	p.setLower(uint16(HeaderSize + offsetNum*ItemIDSize))

	return uint16(offsetNum), nil
}

// ItemAt returns the line pointer and item bytes for a 1-based offset.
func (p *Page) ItemAt(offsetNum uint16) (ItemID, []byte, error) {
	n := p.NumLineItems()
	if offsetNum == 0 || int(offsetNum) > n {
		return ItemID{}, nil, ErrItemNotFound
	}
	idOff := HeaderSize + (int(offsetNum)-1)*ItemIDSize
	id := ItemID{
		Offset: binary.LittleEndian.Uint16(p.data[idOff:]),
		Length: binary.LittleEndian.Uint16(p.data[idOff+2:]),
	}
	return id, p.data[id.Offset : id.Offset+id.Length], nil
}

// OverwriteItem replaces the bytes of an already-placed item in place,
// used by the writer to write the final ctid back into the tuple
// header after AddItem has chosen its slot.
func (p *Page) OverwriteItem(offsetNum uint16, item []byte) error {
	id, existing, err := p.ItemAt(offsetNum)
	if err != nil {
		return err
	}
	if len(item) != len(existing) {
		return errors.New("heap: replacement item must be the same length")
	}
	copy(p.data[id.Offset:id.Offset+id.Length], item)
	return nil
}

// Bytes returns the raw page buffer, ready to be written to a segment
// file or included in a WAL record.
func (p *Page) Bytes() []byte {
	return p.data[:]
}

// LoadPage wraps an existing PageSize-byte buffer (e.g. read back from
// disk by recovery) without copying semantics beyond what callers need.
func LoadPage(buf []byte) (*Page, error) {
	if len(buf) != PageSize {
		return nil, errors.Errorf("heap: page buffer must be %d bytes, got %d", PageSize, len(buf))
	}
	p := &Page{}
	copy(p.data[:], buf)
	return p, nil
}

// IsEmpty reports whether the page has never had an item added
// (lower is still at the freshly-initialized position).
func (p *Page) IsEmpty() bool {
	return p.NumLineItems() == 0
}

// IsHeaderSane checks the basic page-header invariants recovery uses
// to decide whether a block was ever formatted by this component at
// all: lower <= upper <= special <= PageSize,
// and the page-size-and-version field matches this build.
func (p *Page) IsHeaderSane() bool {
	lower, upper, special := p.lower(), p.upper(), p.special()
	if !(lower <= upper && upper <= special && int(special) <= PageSize) {
		return false
	}
	version := binary.LittleEndian.Uint16(p.data[headerVersion:])
	return version == uint16(PageSize)|pageVersion<<8
}
