package tools

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/malbeclabs/concierge/internal/dataset"
	"github.com/malbeclabs/concierge/internal/duck"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testDB(t *testing.T) duck.DB {
	t.Helper()
	db, err := duck.NewDB(t.Context(), "", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testDatasets(t *testing.T) map[string]dataset.Dataset {
	t.Helper()
	datasets, err := dataset.Load("testdata")
	require.NoError(t, err)
	out := make(map[string]dataset.Dataset, len(datasets))
	for _, ds := range datasets {
		out[ds.Name] = ds
	}
	return out
}

func testDatasetList(t *testing.T) ([]dataset.Dataset, error) {
	t.Helper()
	return dataset.Load("testdata")
}

func profilesPath(t *testing.T) string {
	t.Helper()
	p, err := filepath.Abs(filepath.Join("testdata", "narrative_data.csv"))
	require.NoError(t, err)
	return p
}

// failingDB counts connection attempts and fails every query.
type failingDB struct {
	conns int
}

func (f *failingDB) Close() error { return nil }
func (f *failingDB) Conn(ctx context.Context) (duck.Connection, error) {
	f.conns++
	return &failingDBConn{}, nil
}

type failingDBConn struct{}

func (f *failingDBConn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return nil, errors.New("database error")
}
func (f *failingDBConn) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return &sql.Row{}
}
func (f *failingDBConn) Close() error { return nil }
