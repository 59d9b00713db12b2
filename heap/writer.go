// Direct Writer (C4) orchestration: heap.DirectWriter owns a page-buffer
// ring and drives the init/insert/close/flush contract. It uses the lsf
// and walrecord packages directly, but depends only on small local
// interfaces for its segment and downstream-index collaborators, never
// on their concrete packages, so that segment (which already imports
// heap for PageSize) and index (which imports heap for Tuple) can both
// depend on this package without creating an import cycle.
package heap

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/pgbulkload/loadercore/common"
	"github.com/pgbulkload/loadercore/config"
	"github.com/pgbulkload/loadercore/lsf"
	"github.com/pgbulkload/loadercore/metrics"
	"github.com/pgbulkload/loadercore/walrecord"
)

// ToastTupleThreshold is the approximate ¼-page size past which a
// tuple is handed to TOAST before placement is attempted.
const ToastTupleThreshold = PageSize / 4

// MaxHeapTupleSize is the largest a maxaligned tuple (header + payload)
// may be and still fit on an otherwise-empty page.
const MaxHeapTupleSize = PageSize - HeaderSize - ItemIDSize

// Toaster is the database's TOAST subsystem, an external collaborator.
// ToastIfNeeded returns the payload to place, unchanged if it was
// already small enough.
type Toaster interface {
	ToastIfNeeded(payload []byte) ([]byte, error)
}

// Checksummer computes a page-level checksum once a page's final block
// number is known. Checksumming itself is an external collaborator; a
// nil Checksummer disables it.
type Checksummer interface {
	Checksum(page *Page, blockNumber uint32) uint16
}

// Spooler receives every successfully placed tuple so the Index
// Spooler (C5) can evaluate predicates and append index entries.
type Spooler interface {
	Spool(tuple *Tuple) error
}

// Merger runs the Merge Builder (C7) for one spool once the heap load
// has finished and is invoked, still under the exclusive lock, from
// close(on_error=false).
type Merger interface {
	Merge() error
}

// Locker is the exclusive relation lock the writer takes for the
// lifetime of the load. Acquiring/releasing a real lock is an external
// collaborator; a nil Locker is accepted for tests and for embeddings
// that already hold the lock by construction.
type Locker interface {
	LockExclusive() error
	Unlock() error
}

// SegmentWriter is the subset of segment.Writer the direct writer
// drives. Segment rotation bookkeeping (RelsegSize) stays entirely
// inside the implementation; the writer only asks it to ensure the
// right segment is open and how much room remains in it.
type SegmentWriter interface {
	EnsureSegment(totalBlocksBeforeWrite int) error
	RoomInSegment(totalBlocksBeforeWrite int) int
	WriteBlocks(buf []byte, nBlocks int) error
	Close() error
}

// Target identifies the relation being loaded into and the facts about
// it the writer needs at init time. Resolving a table name to these
// facts, and verifying insert privilege, is an external collaborator;
// IsBaseTable is the one check this component performs itself.
type Target struct {
	Locator     common.FileNodeLocator
	RelationOid uint32
	DatabaseOid uint32
	// BlockCount is the relation's block count at load start: exist_cnt.
	BlockCount uint32
	// Logged is false for unlogged/temp relations, which never receive
	// the first-page WAL record and are never subject to Recovery's
	// zero-fill pass.
	Logged bool
	// IsBaseTable gates DirectWriter.Init (common.ErrNotABaseTable).
	IsBaseTable bool
}

// InitParams is everything DirectWriter.Init needs: the target
// relation, validated options, the transaction/command ids to stamp,
// and every external collaborator.
type InitParams struct {
	DataDir string
	Target  Target
	Options config.Options

	Xid common.Xid
	Cid common.Cid

	// WAL is the first-page log_newpage collaborator;
	// nil is only valid for an unlogged Target.
	WAL walrecord.Inserter

	Toaster     Toaster
	Checksummer Checksummer
	Locker      Locker
	Spoolers    []Spooler
	Mergers     []Merger

	Metrics *metrics.Loader
	Logger  zerolog.Logger

	// NewSegmentWriter opens the segment family at the given starting
	// block. Accepting a factory rather than a concrete *segment.Writer
	// keeps this package's import graph acyclic.
	NewSegmentWriter func(startBlock int) (SegmentWriter, error)
}

// DirectWriter is the C4 Direct Writer: the only writer this core
// implements; WRITER=BUFFERED is an external collaborator.
type DirectWriter struct {
	dataDir string
	target  Target
	opts    config.Options
	xid     common.Xid
	cid     common.Cid

	wal         walrecord.Inserter
	toaster     Toaster
	checksummer Checksummer
	locker      Locker
	spoolers    []Spooler
	mergers     []Merger

	metrics *metrics.Loader
	logger  zerolog.Logger

	ls   *lsf.File
	seg  SegmentWriter
	ring *Ring

	closed bool
}

// Init locks, validates, creates the LSF, opens the starting segment,
// and readies an empty ring.
func Init(p InitParams) (*DirectWriter, error) {
	if !p.Target.IsBaseTable {
		return nil, common.ErrNotABaseTable
	}
	if err := p.Options.Validate(); err != nil {
		return nil, err
	}

	if p.Locker != nil {
		if err := p.Locker.LockExclusive(); err != nil {
			return nil, errors.Wrap(err, "heap: acquire exclusive lock")
		}
	}

	ls, err := lsf.Create(p.DataDir, p.Target.DatabaseOid, p.Target.RelationOid, p.Target.Locator, p.Target.BlockCount, p.Target.Logged)
	if err != nil {
		if p.Locker != nil {
			p.Locker.Unlock()
		}
		return nil, err
	}

	seg, err := p.NewSegmentWriter(int(p.Target.BlockCount))
	if err != nil {
		ls.CloseKeep()
		if p.Locker != nil {
			p.Locker.Unlock()
		}
		return nil, errors.Wrap(err, "heap: open starting segment")
	}

	return &DirectWriter{
		dataDir:     p.DataDir,
		target:      p.Target,
		opts:        p.Options,
		xid:         p.Xid,
		cid:         p.Cid,
		wal:         p.WAL,
		toaster:     p.Toaster,
		checksummer: p.Checksummer,
		locker:      p.Locker,
		spoolers:    p.Spoolers,
		mergers:     p.Mergers,
		metrics:     p.Metrics,
		logger:      p.Logger,
		ls:          ls,
		seg:         seg,
		ring:        NewRing(),
	}, nil
}

func (w *DirectWriter) fillfactorReserve() int {
	if w.opts.FillFactor >= 100 {
		return 0
	}
	return PageSize * (100 - w.opts.FillFactor) / 100
}

// Insert places one tuple into the ring, toasting and fillfactor-aware
// page rotation permitting, then hands it to every configured Spooler.
func (w *DirectWriter) Insert(payload []byte) error {
	if w.closed {
		return common.ErrClosed
	}

	if TupleHeaderSize+len(payload) > ToastTupleThreshold && w.toaster != nil {
		toasted, err := w.toaster.ToastIfNeeded(payload)
		if err != nil {
			return errors.Wrap(err, "heap: toast")
		}
		payload = toasted
	}

	aligned := MaxAligned(TupleHeaderSize + len(payload))
	if aligned > MaxHeapTupleSize {
		return common.ErrTupleTooLarge
	}

	if aligned+w.fillfactorReserve() > w.ring.Current().FreeSpace() {
		if err := w.advanceRing(); err != nil {
			return err
		}
	}

	tuple := NewTuple(payload)
	tuple.StampForLoad(w.xid, w.cid)

	page := w.ring.Current()
	offnum, err := page.AddItem(tuple.Bytes())
	if err != nil {
		return errors.Wrap(err, "heap: add item")
	}

	rec := w.ls.Record()
	blockNum := rec.ExistCnt + rec.CreateCnt + uint32(w.ring.Curblk)
	ctid := common.Ctid{BlockNumber: blockNum, OffsetNumber: offnum}
	tuple.SetCtid(ctid)
	if err := page.OverwriteItem(offnum, tuple.Bytes()); err != nil {
		return errors.Wrap(err, "heap: write back ctid")
	}

	if w.metrics != nil {
		w.metrics.TuplesInserted.Inc()
	}

	for _, sp := range w.spoolers {
		if err := sp.Spool(tuple); err != nil {
			return errors.Wrap(err, "heap: spool")
		}
	}
	return nil
}

// advanceRing advances curblk; if curblk==N it flushes first and
// resets to 0.
func (w *DirectWriter) advanceRing() error {
	if w.ring.Curblk+1 >= RingSize {
		if err := w.flush(); err != nil {
			return err
		}
		w.ring.Reset()
		return nil
	}
	w.ring.Advance()
	return nil
}

// flush runs the flush algorithm in full: first-page WAL emission, then
// a segmented write loop that updates the LSF strictly before each
// physical write.
func (w *DirectWriter) flush() error {
	num := w.ring.FullCount()
	if num == 0 {
		return nil
	}

	rec := w.ls.Record()
	if rec.CreateCnt == 0 && w.target.Logged && w.wal != nil {
		page := w.ring.PageAt(0)
		imageCopy := append([]byte(nil), page.Bytes()...)
		lsn, err := w.wal.InsertNewPage(walrecord.NewPageRecord{
			Locator: w.target.Locator,
			Fork:    common.ForkMain,
			Block:   rec.ExistCnt,
			Page:    imageCopy,
		})
		if err != nil {
			return errors.Wrap(err, "heap: wal insert")
		}
		page.SetLSN(lsn)
		if err := w.wal.Flush(lsn); err != nil {
			return errors.Wrap(err, "heap: wal flush")
		}
		if w.metrics != nil {
			w.metrics.WALFlushes.Inc()
		}
	}

	written := 0
	for written < num {
		total := int(rec.ExistCnt + rec.CreateCnt)

		if err := w.seg.EnsureSegment(total); err != nil {
			return errors.Wrap(err, "heap: ensure segment")
		}

		flushNum := num - written
		if room := w.seg.RoomInSegment(total); room < flushNum {
			flushNum = room
		}

		if w.checksummer != nil {
			for i := 0; i < flushNum; i++ {
				page := w.ring.PageAt(written + i)
				page.SetChecksum(w.checksummer.Checksum(page, uint32(total+i)))
			}
		}

		// LSF-before-data: this must durably return before WriteBlocks
		// is called.
		if err := w.ls.Advance(uint32(flushNum)); err != nil {
			return errors.Wrap(err, "heap: lsf advance")
		}
		if w.metrics != nil {
			w.metrics.LSFUpdates.Inc()
		}

		buf := make([]byte, flushNum*PageSize)
		for i := 0; i < flushNum; i++ {
			copy(buf[i*PageSize:(i+1)*PageSize], w.ring.PageAt(written+i).Bytes())
		}
		if err := w.seg.WriteBlocks(buf, flushNum); err != nil {
			return errors.Wrap(err, "heap: write blocks")
		}
		if w.metrics != nil {
			w.metrics.PagesWritten.Add(float64(flushNum))
		}

		rec = w.ls.Record()
		written += flushNum
	}

	return nil
}

// Close finishes the load. On error it leaves remaining buffers
// undiscarded (the caller throws the whole DirectWriter away) and
// keeps the LSF for Recovery; on success it flushes, closes and
// unlinks the LSF, then invokes every Merger while the exclusive lock
// is still held.
func (w *DirectWriter) Close(onError bool) error {
	if w.closed {
		return nil
	}
	w.closed = true

	if onError {
		err := w.ls.CloseKeep()
		if w.locker != nil {
			w.locker.Unlock()
		}
		return errors.Wrap(err, "heap: close lsf on abnormal exit")
	}

	if err := w.flush(); err != nil {
		return err
	}
	if err := w.seg.Close(); err != nil {
		w.logger.Warn().Err(err).Msg("segment close/fsync failed; recovery will repair")
	}
	if err := w.ls.CloseAndRemove(); err != nil {
		return errors.Wrap(err, "heap: close lsf")
	}

	for _, m := range w.mergers {
		if err := m.Merge(); err != nil {
			return errors.Wrap(err, "heap: merge build")
		}
	}

	if w.locker != nil {
		if err := w.locker.Unlock(); err != nil {
			return errors.Wrap(err, "heap: unlock")
		}
	}
	return nil
}

// DumpParams exposes the writer's capability set: `{ init, insert,
// close, dump_params }`.
func (w *DirectWriter) DumpParams() string {
	return w.opts.DumpParams()
}
