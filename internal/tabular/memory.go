package tabular

import (
	"context"
	"sync"
)

type MemoryStore struct {
	mu     sync.RWMutex
	order  []string
	tables map[string][][]string
	closed bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tables: map[string][][]string{}}
}

func (s *MemoryStore) Backend() string { return "memory" }

func (s *MemoryStore) ListTables(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	names := make([]string, len(s.order))
	copy(names, s.order)
	return names, nil
}

func (s *MemoryStore) ReadColumn(ctx context.Context, table string, column int) ([]string, error) {
	if err := validateTableName(table); err != nil {
		return nil, err
	}
	if err := validateColumn(column); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	rows, ok := s.tables[table]
	if !ok {
		return nil, ErrTableNotFound
	}
	cells := make([]string, 0, len(rows))
	for _, row := range rows {
		cells = append(cells, cellAt(row, column))
	}
	return cells, nil
}

func (s *MemoryStore) AppendRows(ctx context.Context, table string, rows [][]string) error {
	if err := validateTableName(table); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	existing, ok := s.tables[table]
	if !ok {
		return ErrTableNotFound
	}
	s.tables[table] = append(existing, cloneRows(rows)...)
	return nil
}

func (s *MemoryStore) EnsureTable(ctx context.Context, table string, header []string) error {
	if err := validateTableName(table); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	rows, ok := s.tables[table]
	if !ok {
		s.order = append(s.order, table)
		s.tables[table] = [][]string{}
	}
	s.tables[table] = withHeader(rows, header)
	return nil
}

// Rows returns a copy of every row of table, header included.
func (s *MemoryStore) Rows(table string) [][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneRows(s.tables[table])
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
