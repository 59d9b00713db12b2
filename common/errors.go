package common

import "errors"

// Sentinel errors shared across component boundaries. Callers compare
// against these with errors.Is even after a component has wrapped them
// with github.com/pkg/errors for provenance.
var (
	// ErrClosed is returned by any operation on a writer/reader/pager
	// that has already been closed.
	ErrClosed = errors.New("loader: component already closed")

	// ErrLoadInProgress is the fatal "pre-existing load" condition:
	// the LSF for this relation already exists.
	ErrLoadInProgress = errors.New("loader: a load status file already exists for this relation, run recovery first")

	// ErrTupleTooLarge is raised when a tuple's MAXALIGN'd length
	// exceeds MaxHeapTupleSize even after TOAST has had a chance.
	ErrTupleTooLarge = errors.New("loader: tuple too large to fit on any page")

	// ErrPageFull is returned by the page builder when an item does
	// not fit in the page's current free space.
	ErrPageFull = errors.New("loader: page has insufficient free space")

	// ErrDuplicateBudgetExhausted is the fatal outcome of exceeding
	// DUPLICATE_ERRORS during merge-build.
	ErrDuplicateBudgetExhausted = errors.New("loader: duplicate key errors exceeded configured budget")

	// ErrCorruptIndex covers a bad meta magic/version or an
	// unreadable leaf page encountered by the BT reader.
	ErrCorruptIndex = errors.New("loader: corrupt index file, REINDEX required")

	// ErrInterrupted is the sticky flag raised at the next tuple
	// boundary after SIGINT.
	ErrInterrupted = errors.New("loader: load interrupted by signal")

	// ErrClusterLocked is returned by recovery when postmaster.pid is
	// held by a live backend.
	ErrClusterLocked = errors.New("recovery: data directory is in use by a running server")

	// ErrNotABaseTable is raised by DirectWriter.Init when the target
	// is not a plain table the loader can bulk-write to.
	ErrNotABaseTable = errors.New("loader: target is not an ordinary table")
)
