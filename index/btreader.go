// BT Reader (C6): a read-only walker over an existing B-tree file,
// descending from the fast root to the left-most leaf and then
// iterating leaves in key order, skipping dead line pointers and
// half-dead pages. Grounded on the descent/iteration shape of the
// teacher's btree.Iterator, generalized to the fast-root/btpo_next
// on-disk linkage this format uses instead of in-memory child pointers.
package index

import (
	"os"

	"github.com/pkg/errors"

	"github.com/pgbulkload/loadercore/common"
)

// PageSource reads pages of one index file directly, bypassing the
// buffer cache, since the reindex discards the old file node once the
// merge is done.
type PageSource interface {
	ReadMeta() (MetaPage, error)
	ReadPage(block uint32) (*Page, error)
	Close() error
}

// FileSource is a PageSource backed by a plain *os.File, opened
// read-only and read at fixed PageSize offsets.
type FileSource struct {
	file *os.File
}

// OpenFileSource opens an index file for direct reading.
func OpenFileSource(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "index: open source")
	}
	return &FileSource{file: f}, nil
}

func (s *FileSource) ReadMeta() (MetaPage, error) {
	buf := make([]byte, PageSize)
	if _, err := s.file.ReadAt(buf, 0); err != nil {
		return MetaPage{}, errors.Wrap(err, "index: read meta")
	}
	return DecodeMeta(buf)
}

func (s *FileSource) ReadPage(block uint32) (*Page, error) {
	buf := make([]byte, PageSize)
	if _, err := s.file.ReadAt(buf, int64(block)*PageSize); err != nil {
		return nil, errors.Wrapf(err, "index: read page %d", block)
	}
	return LoadPage(buf)
}

func (s *FileSource) Close() error {
	return errors.Wrap(s.file.Close(), "index: close source")
}

// Reader is a BT Reader cursor: source, block, offset, and cached leaf.
type Reader struct {
	src   PageSource
	block uint32
	leaf  *Page
	offset int
	done  bool
}

// OpenReader reads the meta page, and if a root exists, descends from
// the fast root to the left-most non-ignored leaf.
func OpenReader(src PageSource) (*Reader, error) {
	meta, err := src.ReadMeta()
	if err != nil {
		return nil, err
	}
	r := &Reader{src: src, block: common.InvalidBlockNumber}
	if meta.Root == common.InvalidBlockNumber {
		r.done = true
		return r, nil
	}

	leaf, block, err := descendToLeaf(src, meta.FastRoot)
	if err != nil {
		return nil, err
	}
	if leaf == nil {
		r.done = true
		return r, nil
	}
	r.leaf = leaf
	r.block = block
	r.offset = -1
	return r, nil
}

// descendToLeaf walks down from start, at each internal page taking
// the left-most downlink (P_FIRSTDATAKEY), and walking right via
// btpo_next whenever the landed-on page turns out to be half-dead.
func descendToLeaf(src PageSource, start uint32) (*Page, uint32, error) {
	block := start
	for {
		page, err := src.ReadPage(block)
		if err != nil {
			return nil, 0, err
		}
		if page.IsIgnored() {
			next := page.BtpoNext()
			if next == common.InvalidBlockNumber {
				return nil, 0, nil
			}
			block = next
			continue
		}
		if page.IsLeaf() {
			return page, block, nil
		}
		idx := page.FirstDataKey()
		if idx >= page.NumCells() {
			return nil, 0, errors.New("index: internal page has no downlinks")
		}
		_, child, err := page.ReadInternal(idx)
		if err != nil {
			return nil, 0, err
		}
		block = child
	}
}

// Next returns the next live leaf entry in key order, or nil when the
// right-most leaf is exhausted).
func (r *Reader) Next() (*LeafEntry, error) {
	if r.done {
		return nil, nil
	}
	for {
		r.offset++
		if r.offset >= r.leaf.NumCells() {
			ok, err := r.advanceLeaf()
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, nil
			}
			continue
		}
		entry, err := r.leaf.ReadLeaf(r.offset)
		if err != nil {
			return nil, err
		}
		if entry.Dead {
			continue
		}
		return &entry, nil
	}
}

func (r *Reader) advanceLeaf() (bool, error) {
	next := r.leaf.BtpoNext()
	for next != common.InvalidBlockNumber {
		page, err := r.src.ReadPage(next)
		if err != nil {
			return false, err
		}
		r.leaf = page
		r.block = next
		r.offset = -1
		if !page.IsIgnored() {
			return true, nil
		}
		next = page.BtpoNext()
	}
	r.done = true
	return false, nil
}

// Exhausted reports whether the cursor has yielded everything.
func (r *Reader) Exhausted() bool {
	return r.done
}
