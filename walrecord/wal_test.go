package walrecord

import (
	"path/filepath"
	"testing"

	"github.com/pgbulkload/loadercore/common"
)

func TestInsertNewPageAssignsIncreasingLSNs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	w, err := OpenFileWAL(path)
	if err != nil {
		t.Fatalf("OpenFileWAL: %v", err)
	}
	defer w.Close()

	rec := NewPageRecord{
		Locator: common.FileNodeLocator{Tablespace: 1, Database: 2, Relation: 3},
		Fork:    common.ForkMain,
		Block:   0,
		Page:    []byte("a page image"),
	}

	lsn1, err := w.InsertNewPage(rec)
	if err != nil {
		t.Fatalf("first InsertNewPage: %v", err)
	}
	rec.Block = 1
	lsn2, err := w.InsertNewPage(rec)
	if err != nil {
		t.Fatalf("second InsertNewPage: %v", err)
	}
	if lsn2 <= lsn1 {
		t.Errorf("second LSN %d must be greater than first LSN %d", lsn2, lsn1)
	}
}

func TestFlushFsyncsWithoutError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	w, err := OpenFileWAL(path)
	if err != nil {
		t.Fatalf("OpenFileWAL: %v", err)
	}
	defer w.Close()

	lsn, err := w.InsertNewPage(NewPageRecord{Page: []byte("x")})
	if err != nil {
		t.Fatalf("InsertNewPage: %v", err)
	}
	if err := w.Flush(lsn); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func TestOpenFileWALReopensExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	w1, err := OpenFileWAL(path)
	if err != nil {
		t.Fatalf("first OpenFileWAL: %v", err)
	}
	if _, err := w1.InsertNewPage(NewPageRecord{Page: []byte("first")}); err != nil {
		t.Fatalf("InsertNewPage: %v", err)
	}
	if err := w1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	w2, err := OpenFileWAL(path)
	if err != nil {
		t.Fatalf("second OpenFileWAL: %v", err)
	}
	defer w2.Close()

	lsn, err := w2.InsertNewPage(NewPageRecord{Page: []byte("second")})
	if err != nil {
		t.Fatalf("InsertNewPage on reopened WAL: %v", err)
	}
	if lsn == headerSize {
		t.Error("LSN assigned after reopening an existing WAL must not restart at the header offset")
	}
}
