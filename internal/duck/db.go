package duck

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/duckdb/duckdb-go/v2"
)

// DB hands out connections for read queries. The datasets are CSV files
// that DuckDB reads in place, so nothing here writes.
type DB interface {
	Conn(ctx context.Context) (Connection, error)
	Close() error
}

type Connection interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	Close() error
}

type duckDB struct {
	db *sql.DB
}

// NewDB opens a DuckDB database. An empty path opens an in-memory
// database.
func NewDB(ctx context.Context, dbPath string, log *slog.Logger) (*duckDB, error) {
	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	log.Debug("duck: opened database", "path", dbPath)
	return &duckDB{db: db}, nil
}

// Conn returns a dedicated connection. Callers must close it.
func (d *duckDB) Conn(ctx context.Context) (Connection, error) {
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open connection: %w", err)
	}
	return conn, nil
}

func (d *duckDB) Close() error {
	return d.db.Close()
}
