// Package walrecord models the one WAL primitive this core ever emits:
// log_newpage(locator, fork=MAIN, blocknum, page), plus a concrete
// file-backed WAL the loader can drive in tests and in a standalone
// deployment. Real WAL insertion/flush against the surrounding
// database's redo log is an external collaborator; Inserter is the
// seam at which that collaborator plugs in.
//
// The on-disk records follow a fixed file header and are
// length-prefixed and checksummed with xxh3 — "log only the new-page
// record the direct writer needs" rather than every page write a
// page-cache write-ahead log would capture. This package only appends
// records; it has no reader or replay.
package walrecord

import (
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/zeebo/xxh3"

	"github.com/pgbulkload/loadercore/common"
)

// NewPageRecord is the payload of a log_newpage WAL record: the
// relation's identity, the fork (always ForkMain for this loader), the
// block number of the page, and the full page image.
type NewPageRecord struct {
	Locator common.FileNodeLocator
	Fork    common.ForkNumber
	Block   uint32
	Page    []byte
}

// Inserter is the WAL insert+flush collaborator. InsertNewPage returns
// the LSN the record was assigned; Flush blocks until that LSN is
// durable. The direct writer must call Flush before any data page
// derived from this record reaches the segment file: WAL-before-data.
type Inserter interface {
	InsertNewPage(rec NewPageRecord) (lsn uint64, err error)
	Flush(lsn uint64) error
}

const (
	magic         = "PGBWAL1"
	headerSize    = 8
	recordHdrSize = 4 + 4 + 4 + 4 + 4 + 4 + 8 // locator(12)+fork(4)+block(4)+length(4)+checksum(8), see encode
)

// FileWAL is a minimal, physically-logged WAL sufficient to exercise
// the loader end to end without a full database redo-log stack.
type FileWAL struct {
	mu     sync.Mutex
	file   *os.File
	offset int64
}

// OpenFileWAL creates or reopens a WAL file at path.
func OpenFileWAL(path string) (*FileWAL, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "walrecord: open")
	}
	w := &FileWAL{file: f}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "walrecord: stat")
	}
	if stat.Size() == 0 {
		if _, err := f.WriteAt([]byte(magic), 0); err != nil {
			f.Close()
			return nil, errors.Wrap(err, "walrecord: write header")
		}
		w.offset = headerSize
	} else {
		end, err := f.Seek(0, io.SeekEnd)
		if err != nil {
			f.Close()
			return nil, errors.Wrap(err, "walrecord: seek")
		}
		w.offset = end
	}
	return w, nil
}

// encode lays out: tablespace(4) database(4) relation(4) fork(4)
// block(4) length(4) data(length) checksum(8).
func encode(rec NewPageRecord) []byte {
	size := recordHdrSize - 8 + len(rec.Page) + 8
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:], rec.Locator.Tablespace)
	binary.LittleEndian.PutUint32(buf[4:], rec.Locator.Database)
	binary.LittleEndian.PutUint32(buf[8:], rec.Locator.Relation)
	binary.LittleEndian.PutUint32(buf[12:], uint32(rec.Fork))
	binary.LittleEndian.PutUint32(buf[16:], rec.Block)
	binary.LittleEndian.PutUint32(buf[20:], uint32(len(rec.Page)))
	copy(buf[24:], rec.Page)
	sum := xxh3.Hash(buf[:24+len(rec.Page)])
	binary.LittleEndian.PutUint64(buf[24+len(rec.Page):], sum)
	return buf
}

// InsertNewPage appends the record to the WAL and returns its byte
// offset as a stand-in LSN: monotonically increasing, and comparable
// across records the way a real LSN is.
func (w *FileWAL) InsertNewPage(rec NewPageRecord) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	encoded := encode(rec)
	lsn := uint64(w.offset)
	if _, err := w.file.WriteAt(encoded, w.offset); err != nil {
		return 0, errors.Wrap(err, "walrecord: write")
	}
	w.offset += int64(len(encoded))
	return lsn, nil
}

// Flush fsyncs the WAL file. The lsn parameter is accepted for
// interface symmetry with a real group-commit WAL, where flushing to a
// given LSN may be satisfied by a concurrent flush past it; FileWAL
// has no concurrent writers to race against data it assigned, so every
// call simply fsyncs the whole file.
func (w *FileWAL) Flush(lsn uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return errors.Wrap(w.file.Sync(), "walrecord: fsync")
}

// Close fsyncs and closes the WAL file.
func (w *FileWAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Sync(); err != nil {
		return errors.Wrap(err, "walrecord: fsync on close")
	}
	return errors.Wrap(w.file.Close(), "walrecord: close")
}
