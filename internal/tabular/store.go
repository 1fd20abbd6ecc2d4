// Package tabular is the backing-store contract for ledgers: named tables of
// string cells that can be listed, read one column at a time, appended to and
// created with a header row. Nothing else is assumed of a backend: there are
// no locks, no transactions and no conditional appends at this level.
package tabular

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrTableNotFound  = errors.New("table not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
	ErrClosed         = errors.New("store closed")
)

type Store interface {
	// Backend names the implementation, e.g. "memory" or "postgres".
	Backend() string
	ListTables(ctx context.Context) ([]string, error)
	// ReadColumn returns one cell per row, header at index 0. Rows shorter
	// than column yield "".
	ReadColumn(ctx context.Context, table string, column int) ([]string, error)
	// AppendRows appends rows, in order, after the last row of table.
	AppendRows(ctx context.Context, table string, rows [][]string) error
	// EnsureTable creates table with header if it does not exist, and writes
	// header into row 0 if the table exists but row 0 is missing or blank.
	// It is idempotent and safe to call concurrently.
	EnsureTable(ctx context.Context, table string, header []string) error
	Close() error
}

func validateTableName(table string) error {
	if strings.TrimSpace(table) == "" {
		return ErrInvalidInput
	}
	return nil
}

func validateColumn(column int) error {
	if column < 0 {
		return ErrInvalidInput
	}
	return nil
}

func cellAt(row []string, column int) string {
	if column < len(row) {
		return row[column]
	}
	return ""
}

func cloneRow(row []string) []string {
	out := make([]string, len(row))
	copy(out, row)
	return out
}

func cloneRows(rows [][]string) [][]string {
	out := make([][]string, 0, len(rows))
	for _, row := range rows {
		out = append(out, cloneRow(row))
	}
	return out
}

// headerIsEmpty reports whether a first row carries no visible content.
func headerIsEmpty(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// withHeader returns rows with header placed in row 0 when row 0 is missing
// or blank. Other rows are never touched.
func withHeader(rows [][]string, header []string) [][]string {
	if len(header) == 0 {
		return rows
	}
	if len(rows) == 0 {
		return [][]string{cloneRow(header)}
	}
	if headerIsEmpty(rows[0]) {
		rows[0] = cloneRow(header)
	}
	return rows
}
