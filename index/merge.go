// Merge Builder (C7): consumes the sorted spool and the BT Reader
// simultaneously and writes a brand-new B-tree file, enforcing the
// configured duplicate-key policy. The two-cursor loop is written as
// an explicit state machine (need_both / have_a_need_b / have_b_need_a
// / tied_same_key) rather than folded into a generic merge helper, and
// the level-building pass bulk-builds bottom-up: leaves first, then
// synthesize each parent level from the level below until one page
// remains.
package index

import (
	"io"
	"os"
	"strings"
	"unicode"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/pgbulkload/loadercore/common"
	"github.com/pgbulkload/loadercore/config"
	"github.com/pgbulkload/loadercore/metrics"
)

// VisibilityChecker answers whether the heap row a tid points at is
// visible under a dirty snapshot. An external collaborator: heap
// visibility tracking lives outside this module.
type VisibilityChecker func(tid common.Ctid) (visible bool, err error)

// NewFileNode asks the surrounding database to allocate a fresh
// relfilenode for the rebuilt index, discarding the old file on commit.
// An external collaborator.
type NewFileNode interface {
	AssignNewFileNode() (common.FileNodeLocator, error)
}

// SharedBufferFlusher flushes the old index's shared buffers so the BT
// Reader's direct reads see durable contents. An
// external collaborator.
type SharedBufferFlusher interface {
	FlushIndexBuffers(locator common.FileNodeLocator) error
}

// MergeConfig is everything one B-tree spool's Merge Builder needs.
type MergeConfig struct {
	Spool        *Spool
	Comparator   Comparator
	Policy       config.DuplicatePolicy
	MaxDupErrors int
	// Unique is whether the index is unique. When true, equal keys go
	// through visibility and duplicate-policy resolution (each resolved
	// collision counts against MaxDupErrors) and the bulk-load fast path
	// is not taken. Set explicitly so tests can drive the merge without a
	// live Spool.
	Unique bool

	OldLocator    common.FileNodeLocator
	OpenOldSource func() (PageSource, error)
	NewIndexPath  func(common.FileNodeLocator) string
	NewFileNode   NewFileNode
	Flusher       SharedBufferFlusher
	Visible       VisibilityChecker
	// DeleteHeapTuple deletes the heap tuple a duplicate resolution
	// rejected; an external collaborator (the database's own delete
	// path under the load's exclusive lock).
	DeleteHeapTuple func(common.Ctid) error
	Badfile         io.Writer
	Logged          bool

	Metrics *metrics.Loader
	Logger  zerolog.Logger
}

// MergeBuilder implements heap.Merger for one B-tree index.
type MergeBuilder struct {
	cfg MergeConfig

	dupOld int
	dupNew int
}

// NewMergeBuilder constructs a Merge Builder for one spooled index.
func NewMergeBuilder(cfg MergeConfig) *MergeBuilder {
	return &MergeBuilder{cfg: cfg}
}

// Merge sorts the spool, flushes the old index's buffers, opens a BT
// Reader on it, assigns a fresh file node, and either bulk-loads (fast
// path) or two-way merges into the new file.
func (m *MergeBuilder) Merge() error {
	spoolIt, err := m.cfg.Spool.Finish()
	if err != nil {
		return err
	}
	defer spoolIt.Close()

	if m.cfg.Flusher != nil {
		if err := m.cfg.Flusher.FlushIndexBuffers(m.cfg.OldLocator); err != nil {
			return errors.Wrap(err, "index: flush old index buffers")
		}
	}

	src, err := m.cfg.OpenOldSource()
	if err != nil {
		return err
	}
	defer src.Close()

	reader, err := OpenReader(src)
	if err != nil {
		return err
	}

	newLocator, err := m.cfg.NewFileNode.AssignNewFileNode()
	if err != nil {
		return errors.Wrap(err, "index: assign new file node")
	}
	sink, err := newFileSink(m.cfg.NewIndexPath(newLocator))
	if err != nil {
		return err
	}

	lb := newLeafBuilder(sink)
	pa := newPeekIter(spoolIt)

	if reader.Exhausted() && !m.cfg.Unique {
		if err := m.bulkLoad(lb, pa); err != nil {
			return err
		}
	} else {
		if err := m.twoWayMerge(lb, pa, reader); err != nil {
			return err
		}
	}

	leafRefs, err := lb.finish()
	if err != nil {
		return err
	}
	root, level, err := buildUpperLevels(sink, leafRefs)
	if err != nil {
		return err
	}

	meta := MetaPage{
		Magic: Magic, Version: MetaVersion,
		Root: root, Level: uint32(level),
		FastRoot: root, FastLevel: uint32(level),
	}
	if err := sink.writeMeta(meta); err != nil {
		return err
	}

	// The index was built outside shared buffers, so a later checkpoint
	// would not otherwise know to flush it.
	if m.cfg.Logged {
		if err := sink.sync(); err != nil {
			return errors.Wrap(err, "index: fsync new index file")
		}
	}
	return sink.close()
}

// bulkLoad is the fast path: the old index was empty and uniqueness
// need not be enforced, so the sorted spool is loaded directly with no
// merge.
func (m *MergeBuilder) bulkLoad(lb *leafBuilder, pa *peekIter) error {
	for {
		a, err := m.nextSpoolEntry(pa)
		if err != nil {
			return err
		}
		if a == nil {
			return nil
		}
		if err := lb.add(*a); err != nil {
			return err
		}
	}
}

// twoWayMerge exhaustively runs the need_both / have_a_need_b /
// have_b_need_a / tied_same_key state machine.
func (m *MergeBuilder) twoWayMerge(lb *leafBuilder, pa *peekIter, reader *Reader) error {
	pb := newPeekIter(&readerIterator{r: reader})

	a, err := m.nextSpoolEntry(pa)
	if err != nil {
		return err
	}
	b, err := pb.Advance()
	if err != nil {
		return err
	}

	for a != nil || b != nil {
		switch {
		case a == nil: // have_b_need_a
			if err := lb.add(*b); err != nil {
				return err
			}
			if b, err = pb.Advance(); err != nil {
				return err
			}

		case b == nil: // have_a_need_b
			if err := lb.add(*a); err != nil {
				return err
			}
			if a, err = m.nextSpoolEntry(pa); err != nil {
				return err
			}

		default: // need_both — compare
			switch cmp := m.cfg.Comparator.Compare(a.Key, b.Key); {
			case cmp < 0:
				if err := lb.add(*a); err != nil {
					return err
				}
				if a, err = m.nextSpoolEntry(pa); err != nil {
					return err
				}

			case cmp > 0:
				if err := lb.add(*b); err != nil {
					return err
				}
				if b, err = pb.Advance(); err != nil {
					return err
				}

			default: // tied_same_key
				hasNull := m.cfg.Comparator.HasNull(a.Key) || m.cfg.Comparator.HasNull(b.Key)
				if !m.cfg.Unique || hasNull {
					// ties stay in input order
					if err := lb.add(*a); err != nil {
						return err
					}
					if a, err = m.nextSpoolEntry(pa); err != nil {
						return err
					}
					continue
				}

				visibleA, err := m.visible(a.Tid)
				if err != nil {
					return err
				}
				if !visibleA {
					if a, err = m.nextSpoolEntry(pa); err != nil {
						return err
					}
					continue
				}
				visibleB, err := m.visible(b.Tid)
				if err != nil {
					return err
				}
				if !visibleB {
					if b, err = pb.Advance(); err != nil {
						return err
					}
					continue
				}

				if err := m.resolveCrossCollision(*a, *b); err != nil {
					return err
				}
				if err := m.checkBudget(); err != nil {
					return err
				}
				if m.cfg.Policy == config.KeepNew {
					b, err = pb.Advance()
				} else {
					a, err = m.nextSpoolEntry(pa)
				}
				if err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (m *MergeBuilder) visible(tid common.Ctid) (bool, error) {
	if m.cfg.Visible == nil {
		return true, nil
	}
	return m.cfg.Visible(tid)
}

// resolveCrossCollision resolves a real unique violation between the
// spool's entry (a, from this load) and the reader's entry (b,
// pre-existing), per the configured duplicate policy.
func (m *MergeBuilder) resolveCrossCollision(a, b Entry) error {
	switch m.cfg.Policy {
	case config.KeepNew:
		if err := m.deleteHeapTuple(b.Tid); err != nil {
			return errors.Wrap(err, "index: delete old heap tuple")
		}
		m.dupOld++
		return m.writeBadfile(b)
	default: // KeepOld
		if err := m.deleteHeapTuple(a.Tid); err != nil {
			return errors.Wrap(err, "index: delete new heap tuple")
		}
		m.dupNew++
		return m.writeBadfile(a)
	}
}

func (m *MergeBuilder) deleteHeapTuple(tid common.Ctid) error {
	if m.cfg.DeleteHeapTuple == nil {
		return nil
	}
	return m.cfg.DeleteHeapTuple(tid)
}

func (m *MergeBuilder) checkBudget() error {
	if m.cfg.MaxDupErrors == config.InfiniteDuplicateErrors {
		return nil
	}
	if m.dupOld+m.dupNew > m.cfg.MaxDupErrors {
		return common.ErrDuplicateBudgetExhausted
	}
	return nil
}

// nextSpoolEntry advances the spool cursor by one logical entry,
// first resolving any run of keys equal to the one it lands on
//: duplicates produced
// within this load never reach the a/b comparison at all.
func (m *MergeBuilder) nextSpoolEntry(pa *peekIter) (*Entry, error) {
	cur, err := pa.Advance()
	if err != nil || cur == nil || !m.cfg.Unique {
		return cur, err
	}
	for {
		nxt, err := pa.Peek()
		if err != nil {
			return nil, err
		}
		if nxt == nil {
			return cur, nil
		}
		if m.cfg.Comparator.Compare(cur.Key, nxt.Key) != 0 {
			return cur, nil
		}
		if m.cfg.Comparator.HasNull(cur.Key) || m.cfg.Comparator.HasNull(nxt.Key) {
			return cur, nil
		}
		dup, err := pa.Advance()
		if err != nil {
			return nil, err
		}
		winner, err := m.resolveSameLoadDuplicate(*cur, *dup)
		if err != nil {
			return nil, err
		}
		if err := m.checkBudget(); err != nil {
			return nil, err
		}
		cur = &winner
	}
}

// resolveSameLoadDuplicate resolves two spool entries with equal keys,
// both produced by the current load. older is the earlier arrival
// (stable-sort order); the duplicate policy decides which survives,
// exactly as it would for a spool/reader collision.
func (m *MergeBuilder) resolveSameLoadDuplicate(older, newer Entry) (Entry, error) {
	switch m.cfg.Policy {
	case config.KeepNew:
		if err := m.deleteHeapTuple(older.Tid); err != nil {
			return Entry{}, errors.Wrap(err, "index: delete superseded heap tuple")
		}
		m.dupOld++
		if err := m.writeBadfile(older); err != nil {
			return Entry{}, err
		}
		return newer, nil
	default:
		if err := m.deleteHeapTuple(newer.Tid); err != nil {
			return Entry{}, errors.Wrap(err, "index: delete superseded heap tuple")
		}
		m.dupNew++
		if err := m.writeBadfile(newer); err != nil {
			return Entry{}, err
		}
		return older, nil
	}
}

func (m *MergeBuilder) writeBadfile(e Entry) error {
	if m.cfg.Badfile == nil {
		return nil
	}
	line := formatBadfileLine([]string{m.cfg.OldLocator.String(), e.Tid.String()})
	_, err := io.WriteString(m.cfg.Badfile, line)
	return errors.Wrap(err, "index: write badfile")
}

// formatBadfileLine renders one comma-separated, selectively-quoted
// badfile record.
func formatBadfileLine(fields []string) string {
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = quoteBadfileField(f)
	}
	return strings.Join(quoted, ",") + "\n"
}

func quoteBadfileField(s string) string {
	needsQuote := s == ""
	for _, r := range s {
		switch r {
		case '"', '\\', '(', ')', ',':
			needsQuote = true
		default:
			if unicode.IsSpace(r) {
				needsQuote = true
			}
		}
	}
	if !needsQuote {
		return s
	}
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		if r == '"' || r == '\\' {
			b.WriteRune(r)
		}
		b.WriteRune(r)
	}
	b.WriteByte('"')
	return b.String()
}

// readerIterator adapts a BT Reader cursor to the Iterator interface
// the peek/advance helper below and the spool share.
type readerIterator struct {
	r *Reader
}

func (ri *readerIterator) Next() (*Entry, error) {
	le, err := ri.r.Next()
	if err != nil || le == nil {
		return nil, err
	}
	return &Entry{Key: le.Key, Tid: le.Tid}, nil
}
func (ri *readerIterator) Close() error { return nil }

// peekIter adds one-entry lookahead to an Iterator, letting the merge
// loop compare the next key before deciding to consume it.
type peekIter struct {
	it       Iterator
	buffered *Entry
	fetched  bool
}

func newPeekIter(it Iterator) *peekIter { return &peekIter{it: it} }

func (p *peekIter) Peek() (*Entry, error) {
	if !p.fetched {
		e, err := p.it.Next()
		if err != nil {
			return nil, err
		}
		p.buffered = e
		p.fetched = true
	}
	return p.buffered, nil
}

func (p *peekIter) Advance() (*Entry, error) {
	e, err := p.Peek()
	if err != nil {
		return nil, err
	}
	p.fetched = false
	p.buffered = nil
	return e, nil
}

// levelRef is one finished page's (minimum key, block number), fed
// into the level above during bulk build.
type levelRef struct {
	Key   []byte
	Block uint32
}

// leafBuilder accumulates entries into sequential, btpo_next-linked
// leaf pages.
type leafBuilder struct {
	sink         *fileSink
	pending      *Page
	pendingBlock uint32
	pendingFirst []byte
	refs         []levelRef
}

func newLeafBuilder(sink *fileSink) *leafBuilder {
	return &leafBuilder{
		sink:         sink,
		pending:      NewLeafPage(),
		pendingBlock: sink.allocate(),
	}
}

func (lb *leafBuilder) add(e Entry) error {
	idx, err := lb.pending.AppendLeaf(LeafEntry{Key: e.Key, Tid: e.Tid})
	if errors.Is(err, ErrPageFull) {
		lb.refs = append(lb.refs, levelRef{Key: lb.pendingFirst, Block: lb.pendingBlock})
		finished, finishedBlock := lb.pending, lb.pendingBlock
		lb.pending = NewLeafPage()
		lb.pendingBlock = lb.sink.allocate()
		lb.pendingFirst = nil
		finished.SetBtpoNext(lb.pendingBlock)
		if err := lb.sink.writePage(finishedBlock, finished); err != nil {
			return err
		}
		idx, err = lb.pending.AppendLeaf(LeafEntry{Key: e.Key, Tid: e.Tid})
		if err != nil {
			return err
		}
	} else if err != nil {
		return err
	}
	if idx == 0 {
		lb.pendingFirst = e.Key
	}
	return nil
}

// finish writes the final (possibly empty, for a wholly-empty index)
// leaf page and returns level-0's refs for the level above.
func (lb *leafBuilder) finish() ([]levelRef, error) {
	lb.refs = append(lb.refs, levelRef{Key: lb.pendingFirst, Block: lb.pendingBlock})
	lb.pending.SetBtpoNext(common.InvalidBlockNumber)
	if err := lb.sink.writePage(lb.pendingBlock, lb.pending); err != nil {
		return nil, err
	}
	return lb.refs, nil
}

// buildUpperLevels repeatedly synthesizes the level above from the
// level below until exactly one page remains: that page is the root,
// and since no empty levels were built above it, it is also the "fast
// root" (the highest level with a single child; this bulk build never
// creates emptier levels above it).
func buildUpperLevels(sink *fileSink, leafRefs []levelRef) (root uint32, level uint16, err error) {
	refs := leafRefs
	var lvl uint16
	for len(refs) > 1 {
		refs, err = buildOneLevel(sink, refs, lvl)
		if err != nil {
			return 0, 0, err
		}
		lvl++
	}
	return refs[0].Block, lvl, nil
}

func buildOneLevel(sink *fileSink, refs []levelRef, level uint16) ([]levelRef, error) {
	var out []levelRef
	pending := NewInternalPage(level)
	pendingBlock := sink.allocate()
	var pendingFirst []byte

	for _, ref := range refs {
		idx, err := pending.AppendInternal(ref.Key, ref.Block)
		if errors.Is(err, ErrPageFull) {
			out = append(out, levelRef{Key: pendingFirst, Block: pendingBlock})
			next := sink.allocate()
			pending.SetBtpoNext(next)
			if err := sink.writePage(pendingBlock, pending); err != nil {
				return nil, err
			}
			pending = NewInternalPage(level)
			pendingBlock = next
			pendingFirst = nil
			idx, err = pending.AppendInternal(ref.Key, ref.Block)
		}
		if err != nil {
			// A single downlink cell never exceeds a page; this can only
			// happen on corrupt input, which the caller has already
			// validated by construction.
			return nil, errors.Wrap(err, "index: internal page build")
		}
		if idx == 0 {
			pendingFirst = ref.Key
		}
	}
	pending.SetBtpoNext(common.InvalidBlockNumber)
	if err := sink.writePage(pendingBlock, pending); err != nil {
		return nil, err
	}
	out = append(out, levelRef{Key: pendingFirst, Block: pendingBlock})
	return out, nil
}

// fileSink is the destination file for a freshly built index: block 0
// reserved for the meta page, every subsequent block allocated
// sequentially.
type fileSink struct {
	file *os.File
	next uint32
}

func newFileSink(path string) (*fileSink, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "index: create new index file")
	}
	if _, err := f.WriteAt(make([]byte, PageSize), 0); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "index: reserve meta page")
	}
	return &fileSink{file: f, next: 1}, nil
}

func (s *fileSink) allocate() uint32 {
	b := s.next
	s.next++
	return b
}

func (s *fileSink) writePage(block uint32, p *Page) error {
	_, err := s.file.WriteAt(p.Bytes(), int64(block)*PageSize)
	return errors.Wrapf(err, "index: write page %d", block)
}

func (s *fileSink) writeMeta(m MetaPage) error {
	_, err := s.file.WriteAt(EncodeMeta(m), 0)
	return errors.Wrap(err, "index: write meta page")
}

func (s *fileSink) sync() error {
	return errors.Wrap(s.file.Sync(), "index: fsync new index file")
}

func (s *fileSink) close() error {
	return errors.Wrap(s.file.Close(), "index: close new index file")
}
