package tabular

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

func NewSQLiteStore(path, tablePrefix string) (*SQLStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	store, err := newSQLStore(sqliteDialect, path, tablePrefix)
	if err != nil {
		return nil, err
	}
	store.configure = func(ctx context.Context, db *sql.DB) error {
		// One connection keeps writers from tripping over SQLITE_BUSY.
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
			return fmt.Errorf("configure sqlite: %w", err)
		}
		return nil
	}
	return store, nil
}
