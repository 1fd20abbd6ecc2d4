package tabular

import (
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
)

// NewPostgresStore opens a postgres:// DSN through lib/pq.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	clean, prefix := splitTablePrefix(strings.TrimSpace(dsn))
	return newSQLStore(postgresDialect, clean, prefix)
}

// NewPgxStore opens a pgx:// DSN through the pgx database/sql driver. The
// scheme is rewritten to postgres:// before it reaches the driver.
func NewPgxStore(dsn string) (*SQLStore, error) {
	clean, prefix := splitTablePrefix(strings.TrimSpace(dsn))
	if rest, ok := strings.CutPrefix(clean, "pgx://"); ok {
		clean = "postgres://" + rest
	}
	return newSQLStore(pgxDialect, clean, prefix)
}
