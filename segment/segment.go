// Package segment implements the Segment Writer (C2): opening,
// rotating, fsyncing and closing the fixed-size data-file segments
// that make up one relation's main fork. The file-handle ownership
// pattern (one live *os.File per writer, explicit close-then-reopen on
// rotation) follows a refcounted segment design,
// adapted from a content-addressed append-only log to PostgreSQL's
// fixed-size, index-addressed segment family.
package segment

import (
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/pgbulkload/loadercore/common"
	"github.com/pgbulkload/loadercore/heap"
)

// RelsegSize is the number of pages per segment file, the compile-time
// RELSEG_SIZE constant (typically 131072, i.e. 1GiB segments at an
// 8KiB page size).
const RelsegSize = 131072

// Path returns the deterministic filename for segment index of a
// relation fork: segment 0 has no suffix, segment k>0 uses ".k".
func Path(dir string, locator common.FileNodeLocator, fork common.ForkNumber, index int) string {
	name := locator.String()
	switch fork {
	case common.ForkFSM:
		name += "_fsm"
	case common.ForkVisibilityMap:
		name += "_vm"
	case common.ForkInit:
		name += "_init"
	}
	base := filepath.Join(dir, name)
	if index == 0 {
		return base
	}
	return base + "." + itoa(index)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// Writer manages the live file handle for one relation's segment
// family, rotating as the global block counter crosses RelsegSize
// boundaries.
type Writer struct {
	dir     string
	locator common.FileNodeLocator
	fork    common.ForkNumber
	logger  zerolog.Logger

	index int
	file  *os.File
}

// New opens (creating if necessary) the segment containing block
// startBlock, positioning the file for appends at that block.
func New(dir string, locator common.FileNodeLocator, fork common.ForkNumber, startBlock int, logger zerolog.Logger) (*Writer, error) {
	w := &Writer{dir: dir, locator: locator, fork: fork, logger: logger}
	if err := w.openSegment(startBlock / RelsegSize); err != nil {
		return nil, err
	}
	offsetInSegment := int64(startBlock%RelsegSize) * heap.PageSize
	if _, err := w.file.Seek(offsetInSegment, io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "segment: seek to starting block")
	}
	return w, nil
}

func (w *Writer) openSegment(index int) error {
	path := Path(w.dir, w.locator, w.fork, index)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return errors.Wrapf(err, "segment: create relation directory for %s", path)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return errors.Wrapf(err, "segment: open %s", path)
	}
	w.index = index
	w.file = f
	return nil
}

// EnsureSegment closes the current segment and opens the next one
// when totalBlocksBeforeWrite lands exactly on a RelsegSize boundary.
// It must be called before every write that could cross a boundary.
func (w *Writer) EnsureSegment(totalBlocksBeforeWrite int) error {
	wantIndex := totalBlocksBeforeWrite / RelsegSize
	if totalBlocksBeforeWrite%RelsegSize != 0 || wantIndex == w.index {
		return nil
	}
	if err := w.closeCurrent(); err != nil {
		return err
	}
	w.logger.Debug().Int("segment", wantIndex).Msg("rotating to next segment")
	return w.openSegment(wantIndex)
}

// RoomInSegment returns how many blocks can still be written to the
// segment that totalBlocksBeforeWrite falls in before the next
// RelsegSize boundary. The direct writer uses this to split one
// flush() call across a segment rotation without knowing RelsegSize
// itself.
func (w *Writer) RoomInSegment(totalBlocksBeforeWrite int) int {
	return RelsegSize - totalBlocksBeforeWrite%RelsegSize
}

func (w *Writer) closeCurrent() error {
	if err := w.file.Sync(); err != nil {
		return errors.Wrap(err, "segment: fsync before rotation")
	}
	return w.file.Close()
}

// WriteBlocks writes exactly nBlocks pages starting at the writer's
// current file position, retrying short writes on EINTR/EAGAIN and
// treating anything else as fatal.
func (w *Writer) WriteBlocks(buf []byte, nBlocks int) error {
	want := nBlocks * heap.PageSize
	if len(buf) < want {
		return errors.Errorf("segment: buffer too short: need %d bytes, have %d", want, len(buf))
	}
	data := buf[:want]
	for len(data) > 0 {
		n, err := w.file.Write(data)
		if n > 0 {
			data = data[n:]
		}
		if err != nil {
			if errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.EAGAIN) {
				continue
			}
			return errors.Wrap(err, "segment: write")
		}
	}
	return nil
}

// Close fsyncs then closes the current segment and returns any failure
// to the caller, which decides how to log it. The direct writer calls
// Close before it removes the LSF and logs a failure here as a
// WARNING rather than failing the load.
func (w *Writer) Close() error {
	if err := w.file.Sync(); err != nil {
		return errors.Wrap(err, "segment: fsync on close")
	}
	return errors.Wrap(w.file.Close(), "segment: close")
}
