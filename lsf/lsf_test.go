package lsf

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pgbulkload/loadercore/common"
)

func testLocator() common.FileNodeLocator {
	return common.FileNodeLocator{Tablespace: 1, Database: 2, Relation: 3}
}

func TestPathNaming(t *testing.T) {
	got := Path("/data", 2, 3)
	want := filepath.Join("/data", "pg_bulkload", "2.3.loadstatus")
	if got != want {
		t.Errorf("Path = %q, want %q", got, want)
	}
}

func TestCreateThenOpenRoundTrips(t *testing.T) {
	dir := t.TempDir()
	lf, err := Create(dir, 2, 3, testLocator(), 7, true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	rec := lf.Record()
	if rec.ExistCnt != 7 || rec.CreateCnt != 0 || !rec.Logged {
		t.Errorf("initial record = %+v, want ExistCnt=7 CreateCnt=0 Logged=true", rec)
	}
	path := lf.Path()
	if err := lf.CloseKeep(); err != nil {
		t.Fatalf("CloseKeep: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reopened.CloseKeep()

	if got := reopened.Record(); got != rec {
		t.Errorf("reopened record = %+v, want %+v", got, rec)
	}
}

func TestCreateCollisionReturnsLoadInProgress(t *testing.T) {
	dir := t.TempDir()
	lf, err := Create(dir, 2, 3, testLocator(), 0, false)
	if err != nil {
		t.Fatalf("first Create: %v", err)
	}
	defer lf.CloseKeep()

	_, err = Create(dir, 2, 3, testLocator(), 0, false)
	if err != common.ErrLoadInProgress {
		t.Errorf("second Create = %v, want ErrLoadInProgress", err)
	}
}

func TestAdvanceIncrementsCreateCntAndPersists(t *testing.T) {
	dir := t.TempDir()
	lf, err := Create(dir, 2, 3, testLocator(), 5, true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	path := lf.Path()

	if err := lf.Advance(4); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if got := lf.Record().CreateCnt; got != 4 {
		t.Errorf("CreateCnt after Advance(4) = %d, want 4", got)
	}
	if err := lf.Advance(2); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if got := lf.Record().CreateCnt; got != 6 {
		t.Errorf("CreateCnt after Advance(4),Advance(2) = %d, want 6", got)
	}
	if err := lf.CloseKeep(); err != nil {
		t.Fatalf("CloseKeep: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reopened.CloseKeep()
	if got := reopened.Record().CreateCnt; got != 6 {
		t.Errorf("CreateCnt after reopen = %d, want 6", got)
	}
	if got := reopened.Record().TotalBlocks(); got != 11 {
		t.Errorf("TotalBlocks after reopen = %d, want 11", got)
	}
}

func TestCloseAndRemoveUnlinksFile(t *testing.T) {
	dir := t.TempDir()
	lf, err := Create(dir, 2, 3, testLocator(), 0, true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	path := lf.Path()

	if err := lf.CloseAndRemove(); err != nil {
		t.Fatalf("CloseAndRemove: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("expected LSF to be unlinked, stat err = %v", err)
	}
}

func TestCloseKeepLeavesFileOnDisk(t *testing.T) {
	dir := t.TempDir()
	lf, err := Create(dir, 2, 3, testLocator(), 0, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	path := lf.Path()

	if err := lf.CloseKeep(); err != nil {
		t.Fatalf("CloseKeep: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected LSF to remain on disk after CloseKeep: %v", err)
	}
}
