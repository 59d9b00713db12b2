package heap

import (
	"testing"

	"github.com/pgbulkload/loadercore/common"
)

func TestStampForLoadAndCtidRoundTrip(t *testing.T) {
	tup := NewTuple([]byte("payload"))
	tup.StampForLoad(common.Xid(42), common.Cid(7))

	if tup.Xmin() != 42 {
		t.Errorf("Xmin = %d, want 42", tup.Xmin())
	}

	ctid := common.Ctid{BlockNumber: 3, OffsetNumber: 2}
	tup.SetCtid(ctid)
	if got := tup.Ctid(); got != ctid {
		t.Errorf("Ctid() = %+v, want %+v", got, ctid)
	}

	bytes := tup.Bytes()
	if len(bytes) != tup.Len() {
		t.Errorf("Bytes() length = %d, want Len() = %d", len(bytes), tup.Len())
	}
}

func TestStampForLoadClearsTransactionalBits(t *testing.T) {
	tup := NewTuple(nil)
	tup.header[tupOffInfomask] = byte(InfomaskXminCommitted | InfomaskXminInvalid)
	tup.StampForLoad(1, 1)

	mask := uint16(tup.header[tupOffInfomask]) | uint16(tup.header[tupOffInfomask+1])<<8
	if mask&InfomaskXminCommitted != 0 || mask&InfomaskXminInvalid != 0 {
		t.Errorf("StampForLoad must clear prior transactional bits, got mask=%#x", mask)
	}
	if mask&InfomaskXmaxInvalid == 0 {
		t.Error("StampForLoad must set HEAP_XMAX_INVALID")
	}
}
