package tabular

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FileStore keeps a whole workbook in one JSON file. Writers from several
// processes serialize on an advisory lock next to the file; readers use a
// parsed copy that is dropped whenever the file changes on disk.
type FileStore struct {
	path     string
	lockPath string
	logger   *slog.Logger

	mu      sync.Mutex
	cache   *workbook
	watcher *fsnotify.Watcher
	done    chan struct{}
	closed  bool
}

type workbook struct {
	Tables []workbookTable `json:"tables"`
}

type workbookTable struct {
	Name string     `json:"name"`
	Rows [][]string `json:"rows"`
}

func NewFileStore(path string) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	s := &FileStore{
		path:     path,
		lockPath: path + ".lock",
		logger:   slog.Default(),
		done:     make(chan struct{}),
	}
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		err = watcher.Add(filepath.Dir(path))
		if err != nil {
			_ = watcher.Close()
		}
	}
	if err != nil {
		s.logger.Warn("file store watcher unavailable, reading from disk on every call", "path", path, "error", err)
		return s, nil
	}
	s.watcher = watcher
	go s.watch()
	return s, nil
}

func (s *FileStore) Backend() string { return "file" }

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) watch() {
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				s.invalidate()
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("file store watcher error", "path", s.path, "error", err)
			s.invalidate()
		}
	}
}

func (s *FileStore) invalidate() {
	s.mu.Lock()
	s.cache = nil
	s.mu.Unlock()
}

func (s *FileStore) ListTables(ctx context.Context) ([]string, error) {
	book, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(book.Tables))
	for _, table := range book.Tables {
		names = append(names, table.Name)
	}
	return names, nil
}

func (s *FileStore) ReadColumn(ctx context.Context, table string, column int) ([]string, error) {
	if err := validateTableName(table); err != nil {
		return nil, err
	}
	if err := validateColumn(column); err != nil {
		return nil, err
	}
	book, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	found := book.table(table)
	if found == nil {
		return nil, ErrTableNotFound
	}
	cells := make([]string, 0, len(found.Rows))
	for _, row := range found.Rows {
		cells = append(cells, cellAt(row, column))
	}
	return cells, nil
}

func (s *FileStore) AppendRows(ctx context.Context, table string, rows [][]string) error {
	if err := validateTableName(table); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	return s.mutate(ctx, func(book *workbook) error {
		found := book.table(table)
		if found == nil {
			return ErrTableNotFound
		}
		found.Rows = append(found.Rows, cloneRows(rows)...)
		return nil
	})
}

func (s *FileStore) EnsureTable(ctx context.Context, table string, header []string) error {
	if err := validateTableName(table); err != nil {
		return err
	}
	return s.mutate(ctx, func(book *workbook) error {
		found := book.table(table)
		if found == nil {
			book.Tables = append(book.Tables, workbookTable{Name: table, Rows: [][]string{}})
			found = &book.Tables[len(book.Tables)-1]
		}
		found.Rows = withHeader(found.Rows, header)
		return nil
	})
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cache = nil
	close(s.done)
	watcher := s.watcher
	s.mu.Unlock()
	if watcher != nil {
		return watcher.Close()
	}
	return nil
}

func (s *FileStore) snapshot(ctx context.Context) (*workbook, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.cache != nil && s.watcher != nil {
		return s.cache, nil
	}
	book, err := s.load()
	if err != nil {
		return nil, err
	}
	s.cache = book
	return book, nil
}

// mutate runs fn against the on-disk workbook under the cross-process lock
// and persists the result. The cache is never used as the base of a write.
func (s *FileStore) mutate(ctx context.Context, fn func(*workbook) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	unlock, err := lockFile(ctx, s.lockPath)
	if err != nil {
		return err
	}
	defer func() {
		if unlockErr := unlock(); unlockErr != nil {
			s.logger.Warn("file store unlock failed", "path", s.lockPath, "error", unlockErr)
		}
	}()
	book, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(book); err != nil {
		return err
	}
	if err := s.save(book); err != nil {
		s.cache = nil
		return err
	}
	s.cache = book
	return nil
}

func (s *FileStore) load() (*workbook, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return &workbook{Tables: []workbookTable{}}, nil
	}
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return &workbook{Tables: []workbookTable{}}, nil
	}
	var book workbook
	if err := json.Unmarshal(data, &book); err != nil {
		return nil, err
	}
	if book.Tables == nil {
		book.Tables = []workbookTable{}
	}
	return &book, nil
}

func (s *FileStore) save(book *workbook) error {
	data, err := json.MarshalIndent(book, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (b *workbook) table(name string) *workbookTable {
	for i := range b.Tables {
		if b.Tables[i].Name == name {
			return &b.Tables[i]
		}
	}
	return nil
}
