package tabular

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	defaultSQLTablePrefix = "mixledger_"
	sqlOperationTimeout   = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type sqlDialect struct {
	backend  string
	driver   string
	idColumn string
	numbered bool
}

var (
	postgresDialect = sqlDialect{backend: "postgres", driver: "postgres", idColumn: "BIGSERIAL PRIMARY KEY", numbered: true}
	pgxDialect      = sqlDialect{backend: "pgx", driver: "pgx", idColumn: "BIGSERIAL PRIMARY KEY", numbered: true}
	sqliteDialect   = sqlDialect{backend: "sqlite", driver: "sqlite", idColumn: "INTEGER PRIMARY KEY AUTOINCREMENT"}
)

func (d sqlDialect) bind(n int) string {
	if d.numbered {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// SQLStore keeps every ledger table in two SQL tables: one row per ledger
// table holding its header, and one row per ledger row holding its cells as a
// JSON array. Ledger order is insertion order of the rows table. Row 0 of
// every column read is the header slot.
type SQLStore struct {
	dialect     sqlDialect
	dsn         string
	tablesTable string
	rowsTable   string
	openDB      sqlOpenFunc
	configure   func(ctx context.Context, db *sql.DB) error

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func newSQLStore(dialect sqlDialect, dsn, tablePrefix string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	tablePrefix = strings.TrimSpace(tablePrefix)
	if tablePrefix == "" {
		tablePrefix = defaultSQLTablePrefix
	}
	return &SQLStore{
		dialect:     dialect,
		dsn:         dsn,
		tablesTable: tablePrefix + "tables",
		rowsTable:   tablePrefix + "rows",
		openDB:      sql.Open,
	}, nil
}

// splitTablePrefix removes the table_prefix query parameter, which is ours
// and must not reach the driver.
func splitTablePrefix(dsn string) (string, string) {
	parsed, err := url.Parse(dsn)
	if err != nil || parsed.RawQuery == "" {
		return dsn, ""
	}
	query := parsed.Query()
	prefix := query.Get("table_prefix")
	if prefix == "" {
		return dsn, ""
	}
	query.Del("table_prefix")
	parsed.RawQuery = query.Encode()
	return parsed.String(), prefix
}

func (s *SQLStore) Backend() string { return s.dialect.backend }

func (s *SQLStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB(s.dialect.driver, s.dsn)
		if err != nil {
			s.initErr = fmt.Errorf("open %s: %w", s.dialect.backend, err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()

		if s.configure != nil {
			if err := s.configure(ctx, db); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		statements := []string{
			fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				name TEXT PRIMARY KEY,
				header TEXT NOT NULL
			)`, quoteIdentifier(s.tablesTable)),
			fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id %s,
				table_name TEXT NOT NULL,
				cells TEXT NOT NULL
			)`, quoteIdentifier(s.rowsTable), s.dialect.idColumn),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (table_name, id)`,
				quoteIdentifier(s.rowsTable+"_table_idx"), quoteIdentifier(s.rowsTable)),
		}
		for _, statement := range statements {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				s.initErr = fmt.Errorf("create %s schema: %w", s.dialect.backend, err)
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *SQLStore) ListTables(ctx context.Context) ([]string, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT name FROM %s ORDER BY name", quoteIdentifier(s.tablesTable))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLStore) ReadColumn(ctx context.Context, table string, column int) ([]string, error) {
	if err := validateTableName(table); err != nil {
		return nil, err
	}
	if err := validateColumn(column); err != nil {
		return nil, err
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	header, err := s.header(ctx, s.db, table)
	if err != nil {
		return nil, err
	}
	cells := []string{cellAt(header, column)}

	query := fmt.Sprintf("SELECT cells FROM %s WHERE table_name = %s ORDER BY id",
		quoteIdentifier(s.rowsTable), s.dialect.bind(1))
	rows, err := s.db.QueryContext(ctx, query, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		row, err := decodeCells(payload)
		if err != nil {
			return nil, err
		}
		cells = append(cells, cellAt(row, column))
	}
	return cells, rows.Err()
}

func (s *SQLStore) AppendRows(ctx context.Context, table string, rows [][]string) error {
	if err := validateTableName(table); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := s.header(ctx, tx, table); err != nil {
		return err
	}
	insert := fmt.Sprintf("INSERT INTO %s (table_name, cells) VALUES (%s, %s)",
		quoteIdentifier(s.rowsTable), s.dialect.bind(1), s.dialect.bind(2))
	for _, row := range rows {
		payload, err := json.Marshal(normalizeCells(row))
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, insert, table, string(payload)); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *SQLStore) EnsureTable(ctx context.Context, table string, header []string) error {
	if err := validateTableName(table); err != nil {
		return err
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	payload, err := json.Marshal(normalizeCells(header))
	if err != nil {
		return err
	}
	insert := fmt.Sprintf("INSERT INTO %s (name, header) VALUES (%s, %s) ON CONFLICT (name) DO NOTHING",
		quoteIdentifier(s.tablesTable), s.dialect.bind(1), s.dialect.bind(2))
	if _, err := s.db.ExecContext(ctx, insert, table, string(payload)); err != nil {
		return err
	}
	if len(header) == 0 {
		return nil
	}

	var current string
	query := fmt.Sprintf("SELECT header FROM %s WHERE name = %s", quoteIdentifier(s.tablesTable), s.dialect.bind(1))
	if err := s.db.QueryRowContext(ctx, query, table).Scan(&current); err != nil {
		return err
	}
	existing, err := decodeCells(current)
	if err != nil {
		return err
	}
	if !headerIsEmpty(existing) {
		return nil
	}
	// Compare-and-set on the old value so two provisioners cannot clobber
	// each other's header.
	update := fmt.Sprintf("UPDATE %s SET header = %s WHERE name = %s AND header = %s",
		quoteIdentifier(s.tablesTable), s.dialect.bind(1), s.dialect.bind(2), s.dialect.bind(3))
	_, err = s.db.ExecContext(ctx, update, string(payload), table, current)
	return err
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type sqlQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) header(ctx context.Context, q sqlQueryer, table string) ([]string, error) {
	query := fmt.Sprintf("SELECT header FROM %s WHERE name = %s", quoteIdentifier(s.tablesTable), s.dialect.bind(1))
	var payload string
	err := q.QueryRowContext(ctx, query, table).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTableNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeCells(payload)
}

func decodeCells(payload string) ([]string, error) {
	if strings.TrimSpace(payload) == "" {
		return []string{}, nil
	}
	var cells []string
	if err := json.Unmarshal([]byte(payload), &cells); err != nil {
		return nil, fmt.Errorf("decode row cells: %w", err)
	}
	return cells, nil
}

func normalizeCells(cells []string) []string {
	if cells == nil {
		return []string{}
	}
	return cells
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
