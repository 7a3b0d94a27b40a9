package sqlwire

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/concierge/internal/dataset"
	"github.com/malbeclabs/concierge/internal/duck"
)

const testCatalogue = `
datasets:
  - name: search_stores
    file: stores.csv
    table: stores.csv
    summary: Search store data with a SQL query.
    schema: |
      - id (TEXT): store id
      - name (TEXT): store name
      - floor (INTEGER): floor
`

const testStores = `id,name,floor
S001,Cafe Lumiere,1
S002,Bakery Sora,2
S003,Tea House Hana,2
S004,Book Nook,3
`

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testDatasets(t *testing.T) []dataset.Dataset {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stores.csv"), []byte(testStores), 0o644))
	datasets, err := dataset.Parse([]byte(testCatalogue), dir)
	require.NoError(t, err)
	return datasets
}

func getFreeListener(t *testing.T) net.Listener {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })
	return listener
}

// startServer runs a console and returns a DSN for it.
func startServer(t *testing.T, accounts map[string]string) string {
	t.Helper()
	db, err := duck.NewDB(context.Background(), "", testLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	listener := getFreeListener(t)
	srv, err := New(Config{
		Logger:          testLogger(t),
		DB:              db,
		Datasets:        testDatasets(t),
		Listener:        listener,
		MaxRows:         2,
		Accounts:        accounts,
		ShutdownTimeout: 5 * time.Second,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down in time")
		}
	})

	return fmt.Sprintf("postgres://user:password@%s/postgres?sslmode=disable", srv.Addr())
}

func connect(t *testing.T, dsn string) *pgx.Conn {
	t.Helper()
	ctx := context.Background()
	var conn *pgx.Conn
	require.Eventually(t, func() bool {
		c, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return false
		}
		conn = c
		return true
	}, 5*time.Second, 50*time.Millisecond)
	t.Cleanup(func() { conn.Close(ctx) })
	return conn
}

func TestSQLWire_Config_Validate(t *testing.T) {
	t.Parallel()

	cfg := Config{}
	require.ErrorContains(t, cfg.Validate(), "logger is required")
	cfg = Config{Logger: testLogger(t)}
	require.ErrorContains(t, cfg.Validate(), "database is required")
}

func TestSQLWire_ParseAccounts(t *testing.T) {
	t.Parallel()

	accounts, err := ParseAccounts(" alice:secret , bob:pa:ss,, ")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"alice": "secret", "bob": "pa:ss"}, accounts)

	accounts, err = ParseAccounts("")
	require.NoError(t, err)
	require.Empty(t, accounts)

	_, err = ParseAccounts("alice")
	require.ErrorContains(t, err, "expected username:password")
	_, err = ParseAccounts(":secret")
	require.ErrorContains(t, err, "username cannot be empty")
}

func TestSQLWire_Server(t *testing.T) {
	t.Parallel()

	t.Run("runs guarded queries against datasets", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		conn := connect(t, startServer(t, nil))

		rows, err := conn.Query(ctx, "SELECT id, name, floor FROM 'stores.csv' ORDER BY id")
		require.NoError(t, err)

		type store struct {
			id    string
			name  string
			floor int64
		}
		var got []store
		for rows.Next() {
			var s store
			require.NoError(t, rows.Scan(&s.id, &s.name, &s.floor))
			got = append(got, s)
		}
		require.NoError(t, rows.Err())

		// The row cap is 2.
		require.Equal(t, []store{
			{id: "S001", name: "Cafe Lumiere", floor: 1},
			{id: "S002", name: "Bakery Sora", floor: 2},
		}, got)
	})

	t.Run("rejects statements the guard refuses", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		conn := connect(t, startServer(t, nil))

		_, err := conn.Exec(ctx, "DELETE FROM 'stores.csv'")
		require.ErrorContains(t, err, "query rejected")

		_, err = conn.Exec(ctx, "SELECT 1; DROP TABLE x")
		require.ErrorContains(t, err, "multiple statements")

		// The connection stays usable.
		var one int32
		require.NoError(t, conn.QueryRow(ctx, "SELECT 1").Scan(&one))
		require.Equal(t, int32(1), one)
	})

	t.Run("answers pings and dataset listings", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		conn := connect(t, startServer(t, nil))

		var pong string
		require.NoError(t, conn.QueryRow(ctx, "-- ping").Scan(&pong))
		require.Equal(t, "pong", pong)

		var name, table, summary string
		require.NoError(t, conn.QueryRow(ctx, "SHOW DATASETS").Scan(&name, &table, &summary))
		require.Equal(t, "search_stores", name)
		require.Equal(t, "stores.csv", table)
	})

	t.Run("checks passwords when accounts are configured", func(t *testing.T) {
		t.Parallel()

		dsn := startServer(t, map[string]string{"user": "password"})
		conn := connect(t, dsn)
		require.NoError(t, conn.Ping(context.Background()))

		listenerAddr := dsn[len("postgres://user:password@"):]
		_, err := pgx.Connect(context.Background(), "postgres://user:wrong@"+listenerAddr)
		require.Error(t, err)
	})
}
