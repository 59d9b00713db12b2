// Command pgbulkload drives the direct-loader core end to end: a
// "load" demo that exercises C1-C7 against a scratch cluster
// directory, and a "recover" command that runs C8 against a real one.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/pgbulkload/loadercore/common"
	"github.com/pgbulkload/loadercore/config"
	"github.com/pgbulkload/loadercore/heap"
	"github.com/pgbulkload/loadercore/index"
	"github.com/pgbulkload/loadercore/metrics"
	"github.com/pgbulkload/loadercore/recovery"
	"github.com/pgbulkload/loadercore/segment"
	"github.com/pgbulkload/loadercore/walrecord"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()

	switch os.Args[1] {
	case "load":
		fs := flag.NewFlagSet("load", flag.ExitOnError)
		dataDir := fs.String("datadir", "", "cluster data directory (required)")
		rows := fs.Int("rows", 5, "number of sample rows to insert")
		fs.Parse(os.Args[2:])
		if *dataDir == "" {
			fmt.Fprintln(os.Stderr, "load: -datadir is required")
			os.Exit(1)
		}
		if err := runLoadDemo(*dataDir, *rows, logger); err != nil {
			logger.Fatal().Err(err).Msg("load failed")
		}
	case "recover":
		fs := flag.NewFlagSet("recover", flag.ExitOnError)
		dataDir := fs.String("datadir", "", "cluster data directory (required)")
		fs.Parse(os.Args[2:])
		if *dataDir == "" {
			fmt.Fprintln(os.Stderr, "recover: -datadir is required")
			os.Exit(1)
		}
		job := &recovery.Job{DataDir: *dataDir, Metrics: metrics.NewLoader(), Logger: logger}
		if err := job.Run(); err != nil {
			logger.Fatal().Err(err).Msg("recovery failed")
		}
		logger.Info().Msg("recovery complete")
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: pgbulkload load -datadir DIR [-rows N]")
	fmt.Fprintln(os.Stderr, "       pgbulkload recover -datadir DIR")
}

// runLoadDemo wires one DirectWriter with a file-backed WAL and one
// unique index spool, inserts *rows* sample tuples, and closes
// successfully, driving the merge builder against an initially-empty
// index.
func runLoadDemo(dataDir string, rows int, logger zerolog.Logger) error {
	if err := os.MkdirAll(filepath.Join(dataDir, "global"), 0o700); err != nil {
		return err
	}

	locator := common.FileNodeLocator{Tablespace: 1663, Database: 16384, Relation: 24576}
	m := metrics.NewLoader()

	wal, err := walrecord.OpenFileWAL(filepath.Join(dataDir, "demo.wal"))
	if err != nil {
		return err
	}
	defer wal.Close()

	cmp := byteComparator{}
	spool := index.NewSpool(index.SpoolConfig{
		Name:       "demo_pkey",
		Unique:     true,
		Extractor:  firstFieldKey,
		Comparator: cmp,
		TempDir:    dataDir,
		Metrics:    m,
		Logger:     logger,
	})

	oldIndexPath := filepath.Join(dataDir, "demo_pkey.empty")
	if err := writeEmptyIndexFile(oldIndexPath); err != nil {
		return err
	}
	newIndexLocator := common.FileNodeLocator{Tablespace: 1663, Database: 16384, Relation: 24577}
	merger := index.NewMergeBuilder(index.MergeConfig{
		Spool:      spool,
		Comparator: cmp,
		Policy:     config.KeepNew,
		Unique:     true,
		OldLocator: locator,
		OpenOldSource: func() (index.PageSource, error) {
			return index.OpenFileSource(oldIndexPath)
		},
		NewIndexPath: func(l common.FileNodeLocator) string {
			return filepath.Join(dataDir, fmt.Sprintf("%d.%d.%d.index", l.Tablespace, l.Database, l.Relation))
		},
		NewFileNode: newFileNodeFunc(func() (common.FileNodeLocator, error) {
			return newIndexLocator, nil
		}),
		Logged:  true,
		Metrics: m,
		Logger:  logger,
	})

	writer, err := heap.Init(heap.InitParams{
		DataDir: dataDir,
		Target: heap.Target{
			Locator:     locator,
			RelationOid: 24576,
			DatabaseOid: 16384,
			BlockCount:  0,
			Logged:      true,
			IsBaseTable: true,
		},
		Options: config.Default("demo_table"),
		Xid:     1000,
		Cid:     0,
		WAL:     wal,
		Spoolers: []heap.Spooler{spoolAdapter{spool}},
		Mergers:  []heap.Merger{merger},
		Metrics:  m,
		Logger:   logger,
		NewSegmentWriter: func(startBlock int) (heap.SegmentWriter, error) {
			return segment.New(dataDir, locator, common.ForkMain, startBlock, logger)
		},
	})
	if err != nil {
		return err
	}

	for i := 0; i < rows; i++ {
		payload := []byte(fmt.Sprintf("key%04d,value for row %d", i, i))
		if err := writer.Insert(payload); err != nil {
			if closeErr := writer.Close(true); closeErr != nil {
				logger.Error().Err(closeErr).Msg("close after insert failure also failed")
			}
			return err
		}
	}

	if err := writer.Close(false); err != nil {
		return err
	}

	logger.Info().Int("rows", rows).Str("params", writer.DumpParams()).Msg("load demo complete")
	return nil
}

// byteComparator treats keys as opaque byte strings, ordered and
// compared exactly as stored, with no NULL representation.
type byteComparator struct{}

func (byteComparator) Compare(a, b []byte) int { return bytes.Compare(a, b) }
func (byteComparator) HasNull(key []byte) bool { return false }

// firstFieldKey extracts the comma-separated first field of the demo
// payload as the index key.
func firstFieldKey(payload []byte) ([]byte, bool, error) {
	i := bytes.IndexByte(payload, ',')
	if i < 0 {
		return payload, true, nil
	}
	return payload[:i], true, nil
}

// spoolAdapter bridges heap.Spooler's *heap.Tuple to index.Spool's
// loadercore/heap-qualified signature; both names resolve to the same
// type, so this is a plain pass-through.
type spoolAdapter struct{ s *index.Spool }

func (a spoolAdapter) Spool(t *heap.Tuple) error { return a.s.Spool(t) }

// newFileNodeFunc adapts a plain function to index.NewFileNode.
type newFileNodeFunc func() (common.FileNodeLocator, error)

func (f newFileNodeFunc) AssignNewFileNode() (common.FileNodeLocator, error) { return f() }

// writeEmptyIndexFile lays down a one-page index file whose meta page
// has no root, the on-disk shape OpenReader expects for a
// brand-new/never-built index.
func writeEmptyIndexFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	meta := index.EncodeMeta(index.MetaPage{
		Magic:     index.Magic,
		Version:   index.MetaVersion,
		Root:      common.InvalidBlockNumber,
		Level:     0,
		FastRoot:  common.InvalidBlockNumber,
		FastLevel: 0,
	})
	_, err = f.Write(meta)
	return err
}
