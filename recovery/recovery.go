// Package recovery implements the crash-recovery entry point (C8):
// acquire the cluster lock, consult pg_control, and for every
// outstanding Load Status File zero-fill the loader-created pages a
// crashed run may have left in an inconsistent state, then remove the
// LSF. The segment walk ("open a segment, walk blocks, fsync on
// boundary crossings") and the per-block sanity check reuse the same
// segment/page primitives the direct writer itself uses.
package recovery

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/pgbulkload/loadercore/common"
	"github.com/pgbulkload/loadercore/heap"
	"github.com/pgbulkload/loadercore/lsf"
	"github.com/pgbulkload/loadercore/metrics"
	"github.com/pgbulkload/loadercore/segment"
)

// Job carries the one piece of external state recovery needs beyond
// the data directory itself: every entry point in this component is a
// pure function of (datadir, on-disk state), with no process-wide
// singletons.
type Job struct {
	DataDir string
	Shm     SharedMemoryChecker
	Metrics *metrics.Loader
	Logger  zerolog.Logger
}

// Run acquires the cluster lock, reads the control state, and recovers
// every outstanding load status file end to end.
func (j *Job) Run() error {
	lock, err := AcquireClusterLock(j.DataDir, j.Shm)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			j.Logger.Warn().Err(err).Msg("recovery: failed to release cluster lock")
		}
	}()

	state, err := ReadControlState(j.DataDir)
	if err != nil {
		return err
	}
	needsPageRecovery := !state.CleanShutdown()
	j.Logger.Info().
		Uint32("state", uint32(state)).
		Bool("needs_page_recovery", needsPageRecovery).
		Msg("recovery: read cluster control state")

	matches, err := filepath.Glob(filepath.Join(lsf.Dir(j.DataDir), "*.loadstatus"))
	if err != nil {
		return errors.Wrap(err, "recovery: enumerate load status files")
	}

	for _, path := range matches {
		if err := j.recoverOne(path, needsPageRecovery); err != nil {
			return errors.Wrapf(err, "recovery: %s", path)
		}
	}
	return nil
}

func (j *Job) recoverOne(path string, needsPageRecovery bool) error {
	lf, err := lsf.Open(path)
	if err != nil {
		return err
	}
	rec := lf.Record()

	// rec.Logged gates page recovery: the page-LSN=0 heuristic only
	// holds where WAL-before-data applied in the first place, so
	// unlogged/temp relations are skipped outright.
	if needsPageRecovery && rec.CreateCnt > 0 && rec.Logged {
		if err := zeroLoaderCreatedBlocks(j.DataDir, rec, j.Metrics, j.Logger); err != nil {
			lf.CloseKeep()
			return err
		}
	}

	if err := lf.CloseKeep(); err != nil {
		return err
	}
	j.Logger.Info().
		Str("relation", rec.Locator.String()).
		Uint32("exist_cnt", rec.ExistCnt).
		Uint32("create_cnt", rec.CreateCnt).
		Msg("recovery: removing load status file")
	return errors.Wrap(os.Remove(path), "recovery: unlink load status file")
}

// zeroLoaderCreatedBlocks walks [exist_cnt, exist_cnt+create_cnt),
// zeroing every block whose header is invalid or whose page-LSN is
// zero, fsyncing and reopening at every
// RELSEG_SIZE boundary crossing.
func zeroLoaderCreatedBlocks(dataDir string, rec lsf.Record, m *metrics.Loader, logger zerolog.Logger) error {
	start := rec.ExistCnt
	end := rec.ExistCnt + rec.CreateCnt

	var (
		file  *os.File
		index = -1
	)
	defer func() {
		if file != nil {
			file.Close()
		}
	}()

	zero := make([]byte, heap.PageSize)

	for block := start; block < end; block++ {
		segIndex := int(block / segment.RelsegSize)
		if segIndex != index {
			if file != nil {
				if err := file.Sync(); err != nil {
					return errors.Wrap(err, "recovery: fsync segment before boundary crossing")
				}
				if err := file.Close(); err != nil {
					return errors.Wrap(err, "recovery: close segment before boundary crossing")
				}
				file = nil
			}
			path := segment.Path(dataDir, rec.Locator, common.ForkMain, segIndex)
			f, err := os.OpenFile(path, os.O_RDWR, 0o600)
			if err != nil {
				if os.IsNotExist(err) {
					// Nothing was ever written to this segment; nothing to zero.
					file = nil
					index = segIndex
					continue
				}
				return errors.Wrapf(err, "recovery: open segment %s", path)
			}
			file = f
			index = segIndex
		}
		if file == nil {
			continue
		}

		offsetInSegment := int64(block%segment.RelsegSize) * heap.PageSize
		buf := make([]byte, heap.PageSize)
		n, err := file.ReadAt(buf, offsetInSegment)
		if err != nil && n != heap.PageSize {
			// A short/absent read means this block was never durably
			// written; there is nothing on disk to classify or zero.
			continue
		}

		page, err := heap.LoadPage(buf)
		if err != nil {
			return err
		}
		if !page.IsHeaderSane() || page.LSN() == 0 {
			if _, err := file.WriteAt(zero, offsetInSegment); err != nil {
				return errors.Wrapf(err, "recovery: zero block %d", block)
			}
			if m != nil {
				m.RecoveredPages.Inc()
			}
			logger.Debug().Uint32("block", block).Msg("recovery: zeroed loader-created block")
		}
	}

	if file != nil {
		if err := file.Sync(); err != nil {
			return errors.Wrap(err, "recovery: fsync final segment")
		}
		if err := file.Close(); err != nil {
			return errors.Wrap(err, "recovery: close final segment")
		}
		file = nil
	}
	return nil
}
