// Index Spooler (C5): wraps an external sort over index entries
// produced from the tuples the direct writer is placing. Entries
// accumulate in memory up to a budget, then spill as a
// zstd-compressed run; Finish() k-way-merges every run plus the final
// in-memory batch.
package index

import (
	"bufio"
	"container/heap"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/pgbulkload/loadercore/common"
	loaderheap "github.com/pgbulkload/loadercore/heap"
	"github.com/pgbulkload/loadercore/metrics"
)

// Entry is one spooled (index-tuple key, heap-tid) pair.
type Entry struct {
	Key []byte
	Tid common.Ctid
}

// Comparator compares two index keys the way the index's scan keys
// would (collations, SK_BT_DESC, SK_BT_NULLS_FIRST): an external
// collaborator.
type Comparator interface {
	Compare(a, b []byte) int
	// HasNull reports whether any key attribute packed into key is
	// NULL, used by the merge builder's tie-breaking rule.
	HasNull(key []byte) bool
}

// KeyExtractor evaluates one index's predicate (for partial indexes)
// and expression list against a heap tuple's payload, returning the
// encoded index key to spool. ok=false means the predicate did not
// hold and the tuple is skipped for this index. An external
// collaborator.
type KeyExtractor func(payload []byte) (key []byte, ok bool, err error)

// SpoolConfig configures one B-tree index's spool.
type SpoolConfig struct {
	Name           string
	Unique         bool
	MaxDupErrors   int
	Extractor      KeyExtractor
	Comparator     Comparator
	TempDir        string
	// FlushThreshold is the number of buffered entries that triggers a
	// spill to a new sort run.
	FlushThreshold int

	Metrics *metrics.Loader
	Logger  zerolog.Logger
}

// Spool accumulates index entries for one B-tree index and produces a
// single sorted stream on Finish.
type Spool struct {
	cfg    SpoolConfig
	buffer []Entry
	runs   []string
}

// NewSpool creates a spool. cfg.Unique is the index's own uniqueness;
// UniqueEnforced combines it with cfg.MaxDupErrors (unique-enforced ↔
// index.isunique ∧ max_dup_errors==0).
func NewSpool(cfg SpoolConfig) *Spool {
	if cfg.FlushThreshold <= 0 {
		cfg.FlushThreshold = 50000
	}
	return &Spool{cfg: cfg}
}

// Name returns the spooled index's name.
func (s *Spool) Name() string { return s.cfg.Name }

// UniqueEnforced reports whether this spool must enforce uniqueness
// during merge.
func (s *Spool) UniqueEnforced() bool {
	return s.cfg.Unique && s.cfg.MaxDupErrors == 0
}

// Spool implements heap.Spooler: evaluate this index's predicate and
// expressions against the tuple, and append the resulting entry if the
// predicate held.
func (s *Spool) Spool(tuple *loaderheap.Tuple) error {
	key, ok, err := s.cfg.Extractor(tuple.Payload)
	if err != nil {
		return errors.Wrap(err, "index: evaluate predicate/expression")
	}
	if !ok {
		return nil
	}
	s.buffer = append(s.buffer, Entry{Key: key, Tid: tuple.Ctid()})
	if len(s.buffer) >= s.cfg.FlushThreshold {
		return s.spill()
	}
	return nil
}

func (s *Spool) sortBuffer() {
	cmp := s.cfg.Comparator
	sort.SliceStable(s.buffer, func(i, j int) bool {
		return cmp.Compare(s.buffer[i].Key, s.buffer[j].Key) < 0
	})
}

func (s *Spool) spill() error {
	s.sortBuffer()

	dir := s.cfg.TempDir
	if dir == "" {
		dir = os.TempDir()
	}
	path := filepath.Join(dir, "pgbulkload-spool-"+uuid.NewString()+".run")

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return errors.Wrap(err, "index: create sort run")
	}
	zw, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return errors.Wrap(err, "index: open run compressor")
	}

	var written int64
	for _, e := range s.buffer {
		n, err := writeEntry(zw, e)
		if err != nil {
			zw.Close()
			f.Close()
			return errors.Wrap(err, "index: write sort run")
		}
		written += int64(n)
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return errors.Wrap(err, "index: close run compressor")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "index: close sort run")
	}

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.MergeSpillBytes.Add(float64(written))
	}
	s.runs = append(s.runs, path)
	s.buffer = s.buffer[:0]
	return nil
}

func writeEntry(w io.Writer, e Entry) (int, error) {
	head := make([]byte, 10)
	n := putUvarint(head, uint64(len(e.Key)))
	buf := make([]byte, n+len(e.Key)+6)
	copy(buf, head[:n])
	copy(buf[n:], e.Key)
	binary.BigEndian.PutUint32(buf[n+len(e.Key):], e.Tid.BlockNumber)
	binary.BigEndian.PutUint16(buf[n+len(e.Key)+4:], e.Tid.OffsetNumber)
	return w.Write(buf)
}

func readEntry(r *bufio.Reader) (Entry, error) {
	var raw []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return Entry{}, err
		}
		raw = append(raw, b)
		if b < 0x80 {
			break
		}
	}
	keyLen, n := uvarint(raw)
	if n <= 0 {
		return Entry{}, errVarintTrunc
	}
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return Entry{}, err
	}
	tail := make([]byte, 6)
	if _, err := io.ReadFull(r, tail); err != nil {
		return Entry{}, err
	}
	return Entry{
		Key: key,
		Tid: common.Ctid{
			BlockNumber:  binary.BigEndian.Uint32(tail),
			OffsetNumber: binary.BigEndian.Uint16(tail[4:]),
		},
	}, nil
}

// Iterator yields sorted Entry values one at a time; Next returns nil,
// nil at end of stream.
type Iterator interface {
	Next() (*Entry, error)
	Close() error
}

// memIterator iterates an in-memory sorted slice; used when a spool
// never grew large enough to spill.
type memIterator struct {
	entries []Entry
	pos     int
}

func (it *memIterator) Next() (*Entry, error) {
	if it.pos >= len(it.entries) {
		return nil, nil
	}
	e := it.entries[it.pos]
	it.pos++
	return &e, nil
}
func (it *memIterator) Close() error { return nil }

// runIterator streams one decompressed, varint-framed spill run.
type runIterator struct {
	file   *os.File
	zr     *zstd.Decoder
	reader *bufio.Reader
}

func openRunIterator(path string) (*runIterator, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "index: open sort run")
	}
	zr, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "index: open run decompressor")
	}
	return &runIterator{file: f, zr: zr, reader: bufio.NewReader(zr)}, nil
}

func (it *runIterator) Next() (*Entry, error) {
	e, err := readEntry(it.reader)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "index: read sort run")
	}
	return &e, nil
}

func (it *runIterator) Close() error {
	it.zr.Close()
	if err := it.file.Close(); err != nil {
		return errors.Wrap(err, "index: close sort run")
	}
	return os.Remove(it.file.Name())
}

// mergeHeapItem is one live iterator's current head, for the k-way
// merge's container/heap ordering. run is the source's position in
// spill order (0 for the first spilled run; Finish spills the final
// in-memory batch last, so it has the highest index) so that entries
// with equal keys pop in arrival order across run boundaries, matching
// the stable in-memory sort.
type mergeHeapItem struct {
	entry *Entry
	it    Iterator
	run   int
}

type mergeHeap struct {
	items []mergeHeapItem
	cmp   Comparator
}

func (h *mergeHeap) Len() int { return len(h.items) }
func (h *mergeHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if c := h.cmp.Compare(a.entry.Key, b.entry.Key); c != 0 {
		return c < 0
	}
	return a.run < b.run
}
func (h *mergeHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *mergeHeap) Push(x any)    { h.items = append(h.items, x.(mergeHeapItem)) }
func (h *mergeHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}

// kwayIterator merges several sorted iterators into one sorted stream
// via a min-heap of current heads, the standard external-sort merge
// phase.
type kwayIterator struct {
	h *mergeHeap
}

func newKwayIterator(cmp Comparator, its []Iterator) (*kwayIterator, error) {
	h := &mergeHeap{cmp: cmp}
	for run, it := range its {
		e, err := it.Next()
		if err != nil {
			return nil, err
		}
		if e != nil {
			h.items = append(h.items, mergeHeapItem{entry: e, it: it, run: run})
		}
	}
	heap.Init(h)
	return &kwayIterator{h: h}, nil
}

func (k *kwayIterator) Next() (*Entry, error) {
	if k.h.Len() == 0 {
		return nil, nil
	}
	top := heap.Pop(k.h).(mergeHeapItem)
	next, err := top.it.Next()
	if err != nil {
		return nil, err
	}
	if next != nil {
		heap.Push(k.h, mergeHeapItem{entry: next, it: top.it, run: top.run})
	}
	return top.entry, nil
}

func (k *kwayIterator) Close() error {
	var first error
	for _, item := range k.h.items {
		if err := item.it.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Finish sorts and returns every spooled entry as a single ordered
// Iterator, consumed exactly once by the Merge Builder.
func (s *Spool) Finish() (Iterator, error) {
	if len(s.runs) == 0 {
		s.sortBuffer()
		entries := s.buffer
		s.buffer = nil
		return &memIterator{entries: entries}, nil
	}

	if len(s.buffer) > 0 {
		if err := s.spill(); err != nil {
			return nil, err
		}
	}

	its := make([]Iterator, 0, len(s.runs))
	for _, path := range s.runs {
		it, err := openRunIterator(path)
		if err != nil {
			for _, o := range its {
				o.Close()
			}
			return nil, err
		}
		its = append(its, it)
	}
	return newKwayIterator(s.cfg.Comparator, its)
}
