package recovery

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pgbulkload/loadercore/common"
	commontestutil "github.com/pgbulkload/loadercore/common/testutil"
	"github.com/pgbulkload/loadercore/heap"
	"github.com/pgbulkload/loadercore/lsf"
	"github.com/pgbulkload/loadercore/metrics"
	"github.com/pgbulkload/loadercore/segment"
)

func writeSegmentWithPages(t *testing.T, dataDir string, locator common.FileNodeLocator, pages ...*heap.Page) {
	t.Helper()
	path := segment.Path(dataDir, locator, common.ForkMain, 0)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatalf("create relation directory: %v", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		t.Fatalf("create segment: %v", err)
	}
	defer f.Close()
	for i, p := range pages {
		if _, err := f.WriteAt(p.Bytes(), int64(i)*heap.PageSize); err != nil {
			t.Fatalf("write page %d: %v", i, err)
		}
	}
}

func readSegmentPage(t *testing.T, dataDir string, locator common.FileNodeLocator, block int) []byte {
	t.Helper()
	path := segment.Path(dataDir, locator, common.ForkMain, 0)
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open segment: %v", err)
	}
	defer f.Close()
	buf := make([]byte, heap.PageSize)
	if _, err := f.ReadAt(buf, int64(block)*heap.PageSize); err != nil {
		t.Fatalf("read block %d: %v", block, err)
	}
	return buf
}

func isAllZero(buf []byte) bool {
	for _, b := range buf {
		if b != 0 {
			return false
		}
	}
	return true
}

func TestRunZeroesUnprotectedBlocksAfterCrash(t *testing.T) {
	dataDir := commontestutil.ClusterDir(t)
	writeControlFile(t, dataDir, DBCrashed)

	locator := common.FileNodeLocator{Tablespace: 1, Database: 2, Relation: 3}

	unprotected := heap.NewPage()
	unprotected.AddItem([]byte("row"))
	// LSN left at zero: never reached the WAL.

	protected := heap.NewPage()
	protected.AddItem([]byte("row"))
	protected.SetLSN(99)

	writeSegmentWithPages(t, dataDir, locator, unprotected, protected)

	lf, err := lsf.Create(dataDir, 2, 3, locator, 0, true)
	if err != nil {
		t.Fatalf("lsf.Create: %v", err)
	}
	if err := lf.Advance(2); err != nil {
		t.Fatalf("lsf.Advance: %v", err)
	}
	if err := lf.CloseKeep(); err != nil {
		t.Fatalf("CloseKeep: %v", err)
	}

	m := metrics.NewLoader()
	job := &Job{DataDir: dataDir, Metrics: m}
	if err := job.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := readSegmentPage(t, dataDir, locator, 0); !isAllZero(got) {
		t.Error("block 0 (page-LSN=0, unprotected) must be zeroed")
	}
	if got := readSegmentPage(t, dataDir, locator, 1); isAllZero(got) {
		t.Error("block 1 (page-LSN=99, WAL-protected) must not be zeroed")
	}
	if got := testutil.ToFloat64(m.RecoveredPages); got != 1 {
		t.Errorf("RecoveredPages = %v, want 1", got)
	}

	if _, err := os.Stat(lsf.Path(dataDir, 2, 3)); !os.IsNotExist(err) {
		t.Errorf("expected the load status file to be removed, stat err = %v", err)
	}
}

func TestRunSkipsPageRecoveryOnCleanShutdown(t *testing.T) {
	dataDir := commontestutil.ClusterDir(t)
	writeControlFile(t, dataDir, DBShutdowned)

	locator := common.FileNodeLocator{Tablespace: 1, Database: 2, Relation: 3}
	unprotected := heap.NewPage()
	unprotected.AddItem([]byte("row"))
	writeSegmentWithPages(t, dataDir, locator, unprotected)

	lf, err := lsf.Create(dataDir, 2, 3, locator, 0, true)
	if err != nil {
		t.Fatalf("lsf.Create: %v", err)
	}
	if err := lf.Advance(1); err != nil {
		t.Fatalf("lsf.Advance: %v", err)
	}
	if err := lf.CloseKeep(); err != nil {
		t.Fatalf("CloseKeep: %v", err)
	}

	job := &Job{DataDir: dataDir, Metrics: metrics.NewLoader()}
	if err := job.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := readSegmentPage(t, dataDir, locator, 0); isAllZero(got) {
		t.Error("a clean shutdown must never trigger page zeroing")
	}
	if _, err := os.Stat(lsf.Path(dataDir, 2, 3)); !os.IsNotExist(err) {
		t.Errorf("the load status file must still be removed on a clean shutdown, stat err = %v", err)
	}
}

func TestRunSkipsUnloggedRelations(t *testing.T) {
	dataDir := commontestutil.ClusterDir(t)
	writeControlFile(t, dataDir, DBCrashed)

	locator := common.FileNodeLocator{Tablespace: 1, Database: 2, Relation: 3}
	unprotected := heap.NewPage()
	unprotected.AddItem([]byte("row"))
	writeSegmentWithPages(t, dataDir, locator, unprotected)

	lf, err := lsf.Create(dataDir, 2, 3, locator, 0, false) // Logged=false
	if err != nil {
		t.Fatalf("lsf.Create: %v", err)
	}
	if err := lf.Advance(1); err != nil {
		t.Fatalf("lsf.Advance: %v", err)
	}
	if err := lf.CloseKeep(); err != nil {
		t.Fatalf("CloseKeep: %v", err)
	}

	job := &Job{DataDir: dataDir, Metrics: metrics.NewLoader()}
	if err := job.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := readSegmentPage(t, dataDir, locator, 0); isAllZero(got) {
		t.Error("an unlogged relation's blocks must never be zero-filled by recovery")
	}
}

func TestRunWithNoOutstandingLoadStatusFiles(t *testing.T) {
	dataDir := commontestutil.ClusterDir(t)
	writeControlFile(t, dataDir, DBCrashed)

	job := &Job{DataDir: dataDir, Metrics: metrics.NewLoader()}
	if err := job.Run(); err != nil {
		t.Fatalf("Run with no LSFs present: %v", err)
	}
}
