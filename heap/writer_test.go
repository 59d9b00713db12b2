package heap

import (
	"os"
	"testing"

	"github.com/pgbulkload/loadercore/common"
	"github.com/pgbulkload/loadercore/config"
	"github.com/pgbulkload/loadercore/metrics"
	"github.com/pgbulkload/loadercore/walrecord"
)

// fakeSegmentWriter is a small relsegSize-aware stand-in for
// segment.Writer, local to this test file so heap's tests never import
// a package that itself imports heap (package segment).
type fakeSegmentWriter struct {
	relsegSize int
	writes     [][]byte
	rotations  int
	closed     bool
}

func newFakeSegmentWriter(relsegSize int) *fakeSegmentWriter {
	return &fakeSegmentWriter{relsegSize: relsegSize}
}

func (f *fakeSegmentWriter) EnsureSegment(totalBlocksBeforeWrite int) error {
	if totalBlocksBeforeWrite%f.relsegSize == 0 && totalBlocksBeforeWrite > 0 {
		f.rotations++
	}
	return nil
}

func (f *fakeSegmentWriter) RoomInSegment(totalBlocksBeforeWrite int) int {
	return f.relsegSize - totalBlocksBeforeWrite%f.relsegSize
}

func (f *fakeSegmentWriter) WriteBlocks(buf []byte, nBlocks int) error {
	cp := append([]byte(nil), buf[:nBlocks*PageSize]...)
	f.writes = append(f.writes, cp)
	return nil
}

func (f *fakeSegmentWriter) Close() error {
	f.closed = true
	return nil
}

func (f *fakeSegmentWriter) totalBlocksWritten() int {
	n := 0
	for _, w := range f.writes {
		n += len(w) / PageSize
	}
	return n
}

type fakeWAL struct {
	inserted []walrecord.NewPageRecord
	flushed  []uint64
}

func (w *fakeWAL) InsertNewPage(rec walrecord.NewPageRecord) (uint64, error) {
	w.inserted = append(w.inserted, rec)
	return uint64(len(w.inserted)), nil
}

func (w *fakeWAL) Flush(lsn uint64) error {
	w.flushed = append(w.flushed, lsn)
	return nil
}

func newTestWriter(t *testing.T, seg *fakeSegmentWriter, wal walrecord.Inserter, blockCount uint32) *DirectWriter {
	t.Helper()
	dataDir := t.TempDir()
	w, err := Init(InitParams{
		DataDir: dataDir,
		Target: Target{
			Locator:     common.FileNodeLocator{Tablespace: 1, Database: 2, Relation: 3},
			RelationOid: 3,
			DatabaseOid: 2,
			BlockCount:  blockCount,
			Logged:      true,
			IsBaseTable: true,
		},
		Options: config.Default("t"),
		Xid:     100,
		Cid:     0,
		WAL:     wal,
		Metrics: metrics.NewLoader(),
		NewSegmentWriter: func(startBlock int) (SegmentWriter, error) {
			return seg, nil
		},
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	return w
}

func TestDirectWriterRejectsNonBaseTable(t *testing.T) {
	_, err := Init(InitParams{Target: Target{IsBaseTable: false}})
	if err != common.ErrNotABaseTable {
		t.Errorf("Init on non-base-table = %v, want ErrNotABaseTable", err)
	}
}

func TestDirectWriterEmptyLoadWritesNoPages(t *testing.T) {
	seg := newFakeSegmentWriter(1000)
	wal := &fakeWAL{}
	w := newTestWriter(t, seg, wal, 0)

	if err := w.Close(false); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(seg.writes) != 0 {
		t.Errorf("empty load wrote %d blocks, want 0", len(seg.writes))
	}
	if !seg.closed {
		t.Error("segment must be closed on a successful close")
	}
}

func TestDirectWriterSingleTupleEmitsFirstPageWAL(t *testing.T) {
	seg := newFakeSegmentWriter(1000)
	wal := &fakeWAL{}
	w := newTestWriter(t, seg, wal, 0)

	if err := w.Insert([]byte("one row")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := w.Close(false); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if seg.totalBlocksWritten() != 1 {
		t.Errorf("wrote %d blocks, want 1", seg.totalBlocksWritten())
	}
	if len(wal.inserted) != 1 {
		t.Fatalf("WAL records inserted = %d, want 1", len(wal.inserted))
	}
	if len(wal.flushed) != 1 {
		t.Errorf("WAL flushes = %d, want 1", len(wal.flushed))
	}
}

func TestDirectWriterCtidMatchesPlacement(t *testing.T) {
	seg := newFakeSegmentWriter(1000)
	wal := &fakeWAL{}
	w := newTestWriter(t, seg, wal, 5) // exist_cnt = 5

	if err := w.Insert([]byte("row")); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	page := w.ring.Current()
	_, raw, err := page.ItemAt(1)
	if err != nil {
		t.Fatalf("ItemAt: %v", err)
	}
	tup, err := func() (*Tuple, error) {
		tt := &Tuple{}
		copy(tt.header[:], raw[:TupleHeaderSize])
		tt.Payload = append([]byte(nil), raw[TupleHeaderSize:]...)
		return tt, nil
	}()
	if err != nil {
		t.Fatalf("decode tuple: %v", err)
	}
	got := tup.Ctid()
	want := common.Ctid{BlockNumber: 5, OffsetNumber: 1}
	if got != want {
		t.Errorf("placed tuple ctid = %+v, want %+v", got, want)
	}

	if err := w.Close(false); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestDirectWriterTupleTooLarge(t *testing.T) {
	seg := newFakeSegmentWriter(1000)
	w := newTestWriter(t, seg, &fakeWAL{}, 0)

	huge := make([]byte, MaxHeapTupleSize+1)
	err := w.Insert(huge)
	if err != common.ErrTupleTooLarge {
		t.Errorf("Insert(huge) = %v, want ErrTupleTooLarge", err)
	}
	if err := w.Close(true); err != nil {
		t.Fatalf("Close(onError=true): %v", err)
	}
}

func TestDirectWriterSegmentBoundarySplitsFlush(t *testing.T) {
	const relsegSize = 8
	seg := newFakeSegmentWriter(relsegSize)
	wal := &fakeWAL{}
	// Start 3 blocks before a segment boundary (RELSEG_SIZE - 3) so
	// inserting several rows crosses it mid-load.
	w := newTestWriter(t, seg, wal, relsegSize-3)

	for i := 0; i < 10; i++ {
		if err := w.Insert([]byte("row")); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
		if i < 9 {
			w.ring.Advance()
		}
	}
	if err := w.Close(false); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if seg.totalBlocksWritten() != 10 {
		t.Errorf("total blocks written = %d, want 10", seg.totalBlocksWritten())
	}
	if seg.rotations == 0 {
		t.Error("expected at least one segment rotation to be observed")
	}
}

func TestDirectWriterCloseOnErrorKeepsLSF(t *testing.T) {
	seg := newFakeSegmentWriter(1000)
	w := newTestWriter(t, seg, &fakeWAL{}, 0)
	lsfPath := w.ls.Path()

	if err := w.Close(true); err != nil {
		t.Fatalf("Close(onError=true): %v", err)
	}
	if _, err := os.Stat(lsfPath); err != nil {
		t.Errorf("LSF must remain on disk after an abnormal close: %v", err)
	}
}

func TestDirectWriterCloseTwiceIsSafe(t *testing.T) {
	seg := newFakeSegmentWriter(1000)
	w := newTestWriter(t, seg, &fakeWAL{}, 0)
	if err := w.Close(false); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := w.Close(false); err != nil {
		t.Fatalf("second Close must be a no-op, got: %v", err)
	}
}

func TestDirectWriterInsertAfterCloseFails(t *testing.T) {
	seg := newFakeSegmentWriter(1000)
	w := newTestWriter(t, seg, &fakeWAL{}, 0)
	if err := w.Close(false); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Insert([]byte("too late")); err != common.ErrClosed {
		t.Errorf("Insert after Close = %v, want ErrClosed", err)
	}
}
