package heap

import (
	"encoding/binary"

	"github.com/pgbulkload/loadercore/common"
)

// Infomask bits relevant to the loader. The full transactional bit
// vocabulary lives in the database's heap-access-method collaborator;
// only the bits the direct writer must itself establish are named here.
const (
	InfomaskXminCommitted = 1 << 0
	InfomaskXminInvalid   = 1 << 1
	InfomaskXmaxInvalid   = 1 << 2
	InfomaskCombocid      = 1 << 3
	// transactionalBits is every bit the writer clears before
	// stamping a freshly-loaded tuple.
	transactionalBits = InfomaskXminCommitted | InfomaskXminInvalid | InfomaskXmaxInvalid | InfomaskCombocid
)

// TupleHeaderSize is the fixed portion of a heap tuple header this loader
// writes: ctid(6) + infomask(2) + xmin(4) + xmax(4) + cmin(4) = 20,
// maxaligned to 24.
const TupleHeaderSize = 24

const (
	tupOffCtidBlock  = 0
	tupOffCtidOffset = 4
	tupOffInfomask   = 6
	tupOffXmin       = 8
	tupOffXmax       = 12
	tupOffCmin       = 16
)

// Tuple is a loader-staged heap tuple: the fixed MVCC header this
// component must stamp, followed by the caller-supplied payload bytes.
type Tuple struct {
	header  [TupleHeaderSize]byte
	Payload []byte
}

// NewTuple wraps a payload (already TOASTed if it needed to be) in a
// fresh, as-yet-unstamped tuple header.
func NewTuple(payload []byte) *Tuple {
	return &Tuple{Payload: payload}
}

// Len returns the tuple's total on-page length (header + payload).
func (t *Tuple) Len() int {
	return TupleHeaderSize + len(t.Payload)
}

// StampForLoad applies the tuple-header invariants required of every
// tuple the direct writer stages: xmax=0, infomask cleared of
// transactional bits then HEAP_XMAX_INVALID set, xmin/cmin from the
// load's transaction/command id. ctid is written by SetCtid once the
// tuple's final placement is known.
func (t *Tuple) StampForLoad(xid common.Xid, cid common.Cid) {
	binary.LittleEndian.PutUint32(t.header[tupOffXmax:], 0)
	mask := binary.LittleEndian.Uint16(t.header[tupOffInfomask:])
	mask &^= transactionalBits
	mask |= InfomaskXmaxInvalid
	binary.LittleEndian.PutUint16(t.header[tupOffInfomask:], mask)
	binary.LittleEndian.PutUint32(t.header[tupOffXmin:], uint32(xid))
	binary.LittleEndian.PutUint32(t.header[tupOffCmin:], uint32(cid))
}

// SetCtid writes the tuple's self-pointer into its own header. The
// caller must also write this pointer into the line-item body it was
// placed in (Page.OverwriteItem), since the two copies must agree.
func (t *Tuple) SetCtid(ctid common.Ctid) {
	binary.LittleEndian.PutUint32(t.header[tupOffCtidBlock:], ctid.BlockNumber)
	binary.LittleEndian.PutUint16(t.header[tupOffCtidOffset:], ctid.OffsetNumber)
}

// Ctid reads back the tuple's currently-stamped self-pointer.
func (t *Tuple) Ctid() common.Ctid {
	return common.Ctid{
		BlockNumber:  binary.LittleEndian.Uint32(t.header[tupOffCtidBlock:]),
		OffsetNumber: binary.LittleEndian.Uint16(t.header[tupOffCtidOffset:]),
	}
}

// Xmin returns the stamped inserting transaction id.
func (t *Tuple) Xmin() common.Xid {
	return common.Xid(binary.LittleEndian.Uint32(t.header[tupOffXmin:]))
}

// Bytes renders the tuple as it will be written into a page: header
// followed by payload.
func (t *Tuple) Bytes() []byte {
	buf := make([]byte, TupleHeaderSize+len(t.Payload))
	copy(buf, t.header[:])
	copy(buf[TupleHeaderSize:], t.Payload)
	return buf
}
