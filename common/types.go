// Package common holds the small value types shared by every loader
// component: relation identity, tuple pointers, and transaction ids.
package common

import "fmt"

// Xid is a transaction id, matching the width the heap tuple header
// reserves for xmin/xmax.
type Xid uint32

// Cid is a command id, scoped to one transaction.
type Cid uint32

// ForkNumber discriminates the files that make up one relation. Only
// the main fork is ever touched by the direct writer or recovery.
type ForkNumber int

const (
	ForkMain ForkNumber = iota
	ForkFSM
	ForkVisibilityMap
	ForkInit
)

// FileNodeLocator identifies the physical storage of one relation fork,
// independent of its logical oid.
type FileNodeLocator struct {
	Tablespace uint32
	Database   uint32
	Relation   uint32
}

func (l FileNodeLocator) String() string {
	return fmt.Sprintf("%d/%d/%d", l.Tablespace, l.Database, l.Relation)
}

// Ctid is the self-pointer a heap tuple carries: the block it lives on
// and its 1-based offset within that block's line-pointer array.
type Ctid struct {
	BlockNumber  uint32
	OffsetNumber uint16
}

func (c Ctid) String() string {
	return fmt.Sprintf("(%d,%d)", c.BlockNumber, c.OffsetNumber)
}

// InvalidBlockNumber marks a not-yet-placed tuple or an exhausted cursor.
const InvalidBlockNumber uint32 = 0xFFFFFFFF

// InvalidOffsetNumber marks an absent line pointer.
const InvalidOffsetNumber uint16 = 0
