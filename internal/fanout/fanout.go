// Package fanout writes one submission as a master row plus batches of detail
// rows that carry the master row's record identifier.
package fanout

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/concretelab/mixledger/internal/tablealias"
)

type Appender interface {
	AppendRows(ctx context.Context, table string, rows [][]string) error
}

// Entry is one item of a variable-length collection.
type Entry interface {
	// Blank reports whether every field is empty after trimming.
	Blank() bool
	// Cells are the entry's fields in detail-table column order.
	Cells() []string
}

type Collection struct {
	Logical tablealias.LogicalTable
	Entries []Entry
}

type Request struct {
	RecordID    string
	Mode        string
	MasterTable string
	MasterRow   []string
	// DetailTables holds the resolved concrete name per logical detail
	// table. Missing keys mean the table did not resolve.
	DetailTables map[tablealias.LogicalTable]string
	Collections  []Collection
}

type Status string

const (
	StatusWritten Status = "written"
	StatusEmpty   Status = "empty"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

type CollectionResult struct {
	Logical tablealias.LogicalTable
	Table   string
	Rows    int
	Status  Status
	Err     error
}

type Result struct {
	MasterTable string
	Collections []CollectionResult
}

func (r Result) Failed() []CollectionResult {
	return r.filter(StatusFailed)
}

func (r Result) Skipped() []CollectionResult {
	return r.filter(StatusSkipped)
}

func (r Result) filter(status Status) []CollectionResult {
	out := []CollectionResult{}
	for _, collection := range r.Collections {
		if collection.Status == status {
			out = append(out, collection)
		}
	}
	return out
}

// MasterAppendError means nothing was written: the master append is attempted
// first and no detail batch is issued when it fails.
type MasterAppendError struct {
	Table string
	Err   error
}

func (e *MasterAppendError) Error() string {
	return fmt.Sprintf("append master row to %q: %v", e.Table, e.Err)
}

func (e *MasterAppendError) Unwrap() error { return e.Err }

type Writer struct {
	store Appender
}

func NewWriter(store Appender) *Writer {
	return &Writer{store: store}
}

// Write appends the master row and then every non-empty collection to its
// resolved detail table. The returned error is non-nil only when the master
// append failed, in which case no detail batch was issued.
func (w *Writer) Write(ctx context.Context, req Request) (Result, error) {
	if err := w.WriteMaster(ctx, req); err != nil {
		return Result{MasterTable: req.MasterTable}, err
	}
	return w.WriteDetails(ctx, req), nil
}

func (w *Writer) WriteMaster(ctx context.Context, req Request) error {
	if err := w.store.AppendRows(ctx, req.MasterTable, [][]string{req.MasterRow}); err != nil {
		return &MasterAppendError{Table: req.MasterTable, Err: err}
	}
	return nil
}

// WriteDetails must only be called after WriteMaster succeeded. Batches run
// concurrently, one per collection, and a failed batch does not undo its
// siblings.
func (w *Writer) WriteDetails(ctx context.Context, req Request) Result {
	result := Result{
		MasterTable: req.MasterTable,
		Collections: make([]CollectionResult, len(req.Collections)),
	}
	var wg sync.WaitGroup
	for i, collection := range req.Collections {
		rows := DetailRows(req.RecordID, req.Mode, collection.Entries)
		table, resolved := req.DetailTables[collection.Logical]
		outcome := CollectionResult{Logical: collection.Logical, Table: table, Rows: len(rows)}
		switch {
		case len(rows) == 0:
			outcome.Status = StatusEmpty
		case !resolved:
			outcome.Status = StatusSkipped
		}
		if outcome.Status != "" {
			result.Collections[i] = outcome
			continue
		}
		wg.Add(1)
		go func(i int, outcome CollectionResult, rows [][]string) {
			defer wg.Done()
			if err := w.store.AppendRows(ctx, outcome.Table, rows); err != nil {
				outcome.Status = StatusFailed
				outcome.Err = err
			} else {
				outcome.Status = StatusWritten
			}
			result.Collections[i] = outcome
		}(i, outcome, rows)
	}
	wg.Wait()
	return result
}

// DetailRows drops blank entries and numbers the rest from 1 in their
// original order. Each row is recordID, mode, ordinal, then the entry cells.
func DetailRows(recordID, mode string, entries []Entry) [][]string {
	rows := [][]string{}
	ordinal := 0
	for _, entry := range entries {
		if entry == nil || entry.Blank() {
			continue
		}
		ordinal++
		row := append([]string{recordID, mode, strconv.Itoa(ordinal)}, entry.Cells()...)
		rows = append(rows, row)
	}
	return rows
}
