// Package config models the loader's user-facing options.
// Parsing them out of a control file is an external collaborator; this
// package only owns the validated, in-memory value and its diagnostic
// dump.
package config

import (
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

// DuplicatePolicy chooses which side of a unique collision survives a
// merge-build.
type DuplicatePolicy int

const (
	// KeepNew deletes the pre-existing heap tuple and keeps the one
	// just loaded (ON_DUPLICATE_KEEP=NEW, the default).
	KeepNew DuplicatePolicy = iota
	// KeepOld deletes the newly loaded heap tuple and keeps the
	// pre-existing one (ON_DUPLICATE_KEEP=OLD).
	KeepOld
)

func (p DuplicatePolicy) String() string {
	if p == KeepOld {
		return "OLD"
	}
	return "NEW"
}

// WriterKind selects the insertion path. Only Direct is in scope here;
// Buffered is the normal tuple-insertion path and is an external
// collaborator.
type WriterKind int

const (
	Direct WriterKind = iota
	Buffered
)

func (k WriterKind) String() string {
	if k == Buffered {
		return "BUFFERED"
	}
	return "DIRECT"
}

// InfiniteDuplicateErrors is the DUPLICATE_ERRORS=INFINITE sentinel:
// never convert a per-tuple duplicate into a fatal error.
const InfiniteDuplicateErrors = -1

// Options is the validated configuration for one load.
// It is a plain value, not a process-wide singleton: every entry point
// in this module takes one explicitly rather than reaching for shared
// state.
type Options struct {
	// Table is the target relation name or oid string. Required.
	Table string

	OnDuplicateKeep  DuplicatePolicy
	DuplicateErrors  int // count, or InfiniteDuplicateErrors
	DuplicateBadfile string

	Truncate bool
	Writer   WriterKind

	// FillFactor is the relation's reserved free-space percentage
	// (1-100). DirectWriter reserves (100-FillFactor)% of every page
	// for future in-place updates, the "fillfactor reserve".
	FillFactor int
}

// Default returns the documented defaults for a freshly loaded table.
func Default(table string) Options {
	return Options{
		Table:           table,
		OnDuplicateKeep: KeepNew,
		DuplicateErrors: 0,
		Truncate:        false,
		Writer:          Direct,
		FillFactor:      100,
	}
}

// Validate enforces the configuration invariants: reported before any
// side effect, no partial state.
func (o Options) Validate() error {
	if o.Table == "" {
		return errors.New("config: TABLE is required")
	}
	if o.FillFactor < 1 || o.FillFactor > 100 {
		return errors.Errorf("config: FILLFACTOR must be in [1,100], got %d", o.FillFactor)
	}
	if o.DuplicateErrors < 0 && o.DuplicateErrors != InfiniteDuplicateErrors {
		return errors.Errorf("config: DUPLICATE_ERRORS must be >= 0 or INFINITE, got %d", o.DuplicateErrors)
	}
	return nil
}

// AllowsDuplicate reports whether seeing one more collision (bringing
// the running total to dupCount) is still within budget.
func (o Options) AllowsDuplicate(dupCount int) bool {
	if o.DuplicateErrors == InfiniteDuplicateErrors {
		return true
	}
	return dupCount <= o.DuplicateErrors
}

// dumpView is the JSON-friendly projection of Options; DuplicatePolicy
// and WriterKind stringify instead of dumping their raw int tag.
type dumpView struct {
	Table            string `json:"table"`
	OnDuplicateKeep  string `json:"on_duplicate_keep"`
	DuplicateErrors  int    `json:"duplicate_errors"`
	DuplicateBadfile string `json:"duplicate_badfile,omitempty"`
	Truncate         bool   `json:"truncate"`
	Writer           string `json:"writer"`
	FillFactor       int    `json:"fillfactor"`
}

// DumpParams renders the options as a single-line JSON diagnostic, one
// of the writer's capability-set operations (`{ init, insert, close,
// dump_params }`).
func (o Options) DumpParams() string {
	v := dumpView{
		Table:            o.Table,
		OnDuplicateKeep:  o.OnDuplicateKeep.String(),
		DuplicateErrors:  o.DuplicateErrors,
		DuplicateBadfile: o.DuplicateBadfile,
		Truncate:         o.Truncate,
		Writer:           o.Writer.String(),
		FillFactor:       o.FillFactor,
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
