// Package allocator derives the next record identifier from the tail of a
// ledger's identifier column. There is no counter: two callers that read the
// same tail get the same answer, and serializing them is the caller's job.
package allocator

import (
	"context"
	"fmt"
	"strings"

	"github.com/concretelab/mixledger/internal/recordid"
)

// IdentifierColumn is column A of every master ledger.
const IdentifierColumn = 0

type ColumnReader interface {
	ReadColumn(ctx context.Context, table string, column int) ([]string, error)
}

// Tail describes the last decodable identifier of a column snapshot.
type Tail struct {
	Found bool
	ID    recordid.ID
	// Row is the snapshot index of the decoded cell, or 0 when nothing decoded.
	Row int
	// Skipped counts non-empty cells after Row that did not decode.
	Skipped int
}

// FindTail scans column from the end down to index 1. Index 0 is the header.
func FindTail(column []string, codec *recordid.Codec) Tail {
	tail := Tail{}
	for i := len(column) - 1; i >= 1; i-- {
		value := strings.TrimSpace(column[i])
		if value == "" {
			continue
		}
		id, ok := codec.Decode(value)
		if !ok {
			tail.Skipped++
			continue
		}
		tail.Found = true
		tail.ID = id
		tail.Row = i
		return tail
	}
	return tail
}

// Next is a pure function of the snapshot.
func Next(column []string, codec *recordid.Codec) recordid.ID {
	tail := FindTail(column, codec)
	if !tail.Found {
		return recordid.Bootstrap
	}
	return tail.ID.Increment()
}

type Allocation struct {
	ID   recordid.ID
	Text string
	Tail Tail
	// Rows is the snapshot length including the header.
	Rows int
}

// Allocate reads the identifier column of table and computes the next
// identifier. It performs no writes.
func Allocate(ctx context.Context, reader ColumnReader, table string, codec *recordid.Codec) (Allocation, error) {
	column, err := reader.ReadColumn(ctx, table, IdentifierColumn)
	if err != nil {
		return Allocation{}, fmt.Errorf("read identifier column of %q: %w", table, err)
	}
	tail := FindTail(column, codec)
	next := recordid.Bootstrap
	if tail.Found {
		next = tail.ID.Increment()
	}
	return Allocation{
		ID:   next,
		Text: codec.Encode(next),
		Tail: tail,
		Rows: len(column),
	}, nil
}
