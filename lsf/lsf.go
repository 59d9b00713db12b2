// Package lsf implements the Load Status File (C3): a fixed-size,
// torn-write-safe crash recovery journal.
package lsf

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/pgbulkload/loadercore/common"
)

// RecordSize is the sector-aligned, torn-write-safe size of one LSF
// record: padded to 512 bytes so a single record write is atomic on
// commodity storage.
const RecordSize = 512

const (
	offRelationOid = 0  // 4 bytes
	offTablespace  = 4  // 4 bytes
	offDatabase    = 8  // 4 bytes
	offRelation    = 12 // 4 bytes
	offExistCnt    = 16 // 4 bytes
	offCreateCnt   = 20 // 4 bytes
	offLogged      = 24 // 1 byte
)

// Dir returns the well-known LSF directory under a cluster's data
// directory.
func Dir(dataDir string) string {
	return filepath.Join(dataDir, "pg_bulkload")
}

// Path returns the LSF's filename for one relation:
// <datadir>/pg_bulkload/<db-oid>.<rel-oid>.loadstatus
func Path(dataDir string, dbOid, relOid uint32) string {
	return filepath.Join(Dir(dataDir), fmt.Sprintf("%d.%d.loadstatus", dbOid, relOid))
}

// Record is the decoded content of one LSF.
type Record struct {
	RelationOid uint32
	Locator     common.FileNodeLocator
	ExistCnt    uint32
	CreateCnt   uint32
	// Logged marks whether this load's target ever receives the
	// first-page WAL record. Recovery only zero-fills a crashed load's
	// pages when Logged is true: the page-LSN=0 heuristic only holds
	// where the WAL-before-data guarantee applies in the first place.
	Logged bool
}

// TotalBlocks is exist_cnt + create_cnt: the total block count the LSF
// currently promises the writer may have produced on disk.
func (r Record) TotalBlocks() uint32 {
	return r.ExistCnt + r.CreateCnt
}

func (r Record) encode() []byte {
	buf := make([]byte, RecordSize)
	binary.LittleEndian.PutUint32(buf[offRelationOid:], r.RelationOid)
	binary.LittleEndian.PutUint32(buf[offTablespace:], r.Locator.Tablespace)
	binary.LittleEndian.PutUint32(buf[offDatabase:], r.Locator.Database)
	binary.LittleEndian.PutUint32(buf[offRelation:], r.Locator.Relation)
	binary.LittleEndian.PutUint32(buf[offExistCnt:], r.ExistCnt)
	binary.LittleEndian.PutUint32(buf[offCreateCnt:], r.CreateCnt)
	if r.Logged {
		buf[offLogged] = 1
	}
	return buf
}

func decode(buf []byte) Record {
	return Record{
		RelationOid: binary.LittleEndian.Uint32(buf[offRelationOid:]),
		Locator: common.FileNodeLocator{
			Tablespace: binary.LittleEndian.Uint32(buf[offTablespace:]),
			Database:   binary.LittleEndian.Uint32(buf[offDatabase:]),
			Relation:   binary.LittleEndian.Uint32(buf[offRelation:]),
		},
		ExistCnt:  binary.LittleEndian.Uint32(buf[offExistCnt:]),
		CreateCnt: binary.LittleEndian.Uint32(buf[offCreateCnt:]),
		Logged:    buf[offLogged] != 0,
	}
}

// File is a live, open LSF: exclusive creation is itself the
// mutual-exclusion signal.
type File struct {
	path   string
	file   *os.File
	record Record
}

// Create opens a brand-new LSF with O_CREAT|O_EXCL|0600. If one
// already exists for this relation, the load must abort and instruct
// the user to run recovery.
func Create(dataDir string, dbOid, relOid uint32, locator common.FileNodeLocator, existCnt uint32, logged bool) (*File, error) {
	if err := os.MkdirAll(Dir(dataDir), 0o700); err != nil {
		return nil, errors.Wrap(err, "lsf: create directory")
	}

	path := Path(dataDir, dbOid, relOid)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil, common.ErrLoadInProgress
		}
		return nil, errors.Wrap(err, "lsf: create")
	}

	lf := &File{
		path: path,
		file: f,
		record: Record{
			RelationOid: relOid,
			Locator:     locator,
			ExistCnt:    existCnt,
			CreateCnt:   0,
			Logged:      logged,
		},
	}
	if err := lf.rewrite(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return lf, nil
}

// Open reads back an existing LSF, used by recovery.
func Open(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "lsf: open")
	}
	buf := make([]byte, RecordSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "lsf: read")
	}
	return &File{path: path, file: f, record: decode(buf)}, nil
}

// rewrite rewrites the record from offset 0 and fsyncs before
// returning.
func (f *File) rewrite() error {
	if _, err := f.file.WriteAt(f.record.encode(), 0); err != nil {
		return errors.Wrap(err, "lsf: write")
	}
	return errors.Wrap(f.file.Sync(), "lsf: fsync")
}

// Advance increments create_cnt by delta, rewrites and fsyncs. The
// caller must call this, and it must durably return, strictly before
// the corresponding pages reach the segment file: the LSF-before-data
// ordering guarantee.
func (f *File) Advance(delta uint32) error {
	f.record.CreateCnt += delta
	return f.rewrite()
}

// Record returns the LSF's current in-memory view.
func (f *File) Record() Record {
	return f.record
}

// Path returns this LSF's filesystem path.
func (f *File) Path() string {
	return f.path
}

// CloseKeep closes the file handle without unlinking it: the abnormal
// close path, leaving the LSF for recovery to find.
func (f *File) CloseKeep() error {
	return errors.Wrap(f.file.Close(), "lsf: close")
}

// CloseAndRemove closes and unlinks the LSF: the only path by which an
// LSF disappears on a successful load.
func (f *File) CloseAndRemove() error {
	if err := f.file.Close(); err != nil {
		return errors.Wrap(err, "lsf: close")
	}
	return errors.Wrap(os.Remove(f.path), "lsf: unlink")
}
