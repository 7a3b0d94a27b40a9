package sqlwire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	wire "github.com/jeroenrinzema/psql-wire"
	"github.com/jeroenrinzema/psql-wire/codes"
	pgerror "github.com/jeroenrinzema/psql-wire/errors"
	"github.com/jeroenrinzema/psql-wire/pkg/buffer"
	"github.com/jeroenrinzema/psql-wire/pkg/types"
	"github.com/lib/pq/oid"

	"github.com/malbeclabs/concierge/internal/duck"
	"github.com/malbeclabs/concierge/internal/guard"
	"github.com/malbeclabs/concierge/internal/metrics"
)

const metricsSource = "sqlwire"

// authStrategy accepts everyone when accounts is empty and otherwise asks
// for a cleartext password.
func authStrategy(log *slog.Logger, accounts map[string]string) wire.AuthStrategy {
	return func(ctx context.Context, writer *buffer.Writer, reader *buffer.Reader) (context.Context, error) {
		params := wire.ClientParameters(ctx)
		username := params[wire.ParamUsername]

		if len(accounts) == 0 {
			writer.Start(types.ServerAuth)
			writer.AddInt32(0) // authOK
			if err := writer.End(); err != nil {
				return ctx, err
			}
			log.Debug("sqlwire: authentication disabled, allowing connection", "username", username)
			return ctx, nil
		}

		writer.Start(types.ServerAuth)
		writer.AddInt32(3) // authClearTextPassword
		if err := writer.End(); err != nil {
			return ctx, err
		}

		t, _, err := reader.ReadTypedMsg()
		if err != nil {
			return ctx, err
		}
		if t != types.ClientPassword {
			return ctx, fmt.Errorf("unexpected password message type: %v", t)
		}
		password, err := reader.GetString()
		if err != nil {
			return ctx, err
		}

		expected, ok := accounts[username]
		if !ok || password != expected {
			log.Debug("sqlwire: authentication failed", "username", username)
			metrics.AuthFailuresTotal.WithLabelValues(metricsSource, "invalid_password").Inc()
			authErr := pgerror.WithCode(errors.New("invalid username/password"), codes.InvalidPassword)
			if err := wire.ErrorCode(writer, authErr); err != nil {
				return ctx, err
			}
			return ctx, authErr
		}

		log.Debug("sqlwire: authentication successful", "username", username)
		writer.Start(types.ServerAuth)
		writer.AddInt32(0)
		return ctx, writer.End()
	}
}

func (s *Server) queryHandler(ctx context.Context, query string) (wire.PreparedStatements, error) {
	s.log.Debug("sqlwire: incoming query", "query", query)

	trimmed := strings.TrimSpace(query)
	if trimmed == "" || trimmed == ";" {
		return wire.Prepared(wire.NewStatement(
			func(ctx context.Context, writer wire.DataWriter, _ []wire.Parameter) error {
				return writer.Complete("")
			},
			wire.WithColumns(wire.Columns{}),
		)), nil
	}

	normalized := strings.ToLower(strings.Join(strings.Fields(query), " "))
	if normalized == "-- ping" {
		return staticResult([]string{"pong"}, [][]any{{"pong"}}), nil
	}
	if isDatasetListing(normalized) {
		rows := make([][]any, 0, len(s.cfg.Datasets))
		for _, ds := range s.cfg.Datasets {
			rows = append(rows, []any{ds.Name, ds.Table, ds.Summary})
		}
		return staticResult([]string{"name", "table", "summary"}, rows), nil
	}

	if err := guard.Validate(query); err != nil {
		for _, rule := range guard.Rules(err) {
			metrics.GuardRejectionsTotal.WithLabelValues(metricsSource, rule).Inc()
		}
		s.log.Warn("sqlwire: rejected query", "error", err)
		return nil, pgerror.WithCode(err, codes.InsufficientPrivilege)
	}

	resolved := guard.EnforceRowCap(query, s.cfg.MaxRows)
	for _, ds := range s.cfg.Datasets {
		resolved = ds.Resolve(resolved)
	}

	start := time.Now()
	resp, err := duck.Query(ctx, s.cfg.DB, s.cfg.MaxRows, resolved)
	metrics.DatabaseQueryDuration.WithLabelValues(metricsSource).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DatabaseQueriesTotal.WithLabelValues(metricsSource, "error").Inc()
		return nil, fmt.Errorf("query execution failed: %w", err)
	}
	metrics.DatabaseQueriesTotal.WithLabelValues(metricsSource, "success").Inc()

	columns := make(wire.Columns, len(resp.Columns))
	for i, name := range resp.Columns {
		typ := oid.Oid(pgtype.TextOID)
		if i < len(resp.ColumnTypes) {
			typ = postgresOID(resp.ColumnTypes[i])
		}
		columns[i] = wire.Column{Name: name, Oid: typ}
	}

	return wire.Prepared(wire.NewStatement(
		func(ctx context.Context, writer wire.DataWriter, _ []wire.Parameter) error {
			for _, row := range resp.Rows {
				values := make([]any, len(columns))
				for i, col := range columns {
					v, err := encodeValue(row[col.Name], col.Oid)
					if err != nil {
						return fmt.Errorf("failed to encode value for column %s: %w", col.Name, err)
					}
					values[i] = v
				}
				if err := writer.Row(values); err != nil {
					return err
				}
			}
			return writer.Complete("SELECT")
		},
		wire.WithColumns(columns),
	)), nil
}

func staticResult(names []string, rows [][]any) wire.PreparedStatements {
	columns := make(wire.Columns, len(names))
	for i, name := range names {
		columns[i] = wire.Column{Name: name, Oid: pgtype.TextOID}
	}
	return wire.Prepared(wire.NewStatement(
		func(ctx context.Context, writer wire.DataWriter, _ []wire.Parameter) error {
			for _, row := range rows {
				if err := writer.Row(row); err != nil {
					return err
				}
			}
			return writer.Complete("SELECT")
		},
		wire.WithColumns(columns),
	))
}

// isDatasetListing matches "SHOW DATASETS" and the catalogue queries psql
// and GUI clients send to list tables.
func isDatasetListing(normalized string) bool {
	normalized = strings.TrimSuffix(normalized, ";")
	if normalized == "show datasets" || normalized == "show tables" {
		return true
	}
	return strings.Contains(normalized, "from information_schema.tables") ||
		strings.Contains(normalized, "from pg_catalog.pg_class")
}

var baseTypeOIDs = map[string]oid.Oid{
	"BOOLEAN":                  pgtype.BoolOID,
	"BOOL":                     pgtype.BoolOID,
	"TINYINT":                  pgtype.Int2OID,
	"UTINYINT":                 pgtype.Int2OID,
	"SMALLINT":                 pgtype.Int2OID,
	"INT2":                     pgtype.Int2OID,
	"USMALLINT":                pgtype.Int4OID,
	"INTEGER":                  pgtype.Int4OID,
	"INT":                      pgtype.Int4OID,
	"INT4":                     pgtype.Int4OID,
	"UINTEGER":                 pgtype.Int8OID,
	"BIGINT":                   pgtype.Int8OID,
	"INT8":                     pgtype.Int8OID,
	"UBIGINT":                  pgtype.NumericOID,
	"HUGEINT":                  pgtype.NumericOID,
	"UHUGEINT":                 pgtype.NumericOID,
	"DECIMAL":                  pgtype.NumericOID,
	"NUMERIC":                  pgtype.NumericOID,
	"REAL":                     pgtype.Float4OID,
	"FLOAT":                    pgtype.Float4OID,
	"FLOAT4":                   pgtype.Float4OID,
	"DOUBLE":                   pgtype.Float8OID,
	"FLOAT8":                   pgtype.Float8OID,
	"VARCHAR":                  pgtype.TextOID,
	"CHAR":                     pgtype.TextOID,
	"STRING":                   pgtype.TextOID,
	"TEXT":                     pgtype.TextOID,
	"DATE":                     pgtype.DateOID,
	"TIMESTAMP":                pgtype.TimestampOID,
	"DATETIME":                 pgtype.TimestampOID,
	"TIMESTAMPTZ":              pgtype.TimestamptzOID,
	"TIMESTAMP WITH TIME ZONE": pgtype.TimestamptzOID,
	"BLOB":                     pgtype.ByteaOID,
	"BYTEA":                    pgtype.ByteaOID,
	"UUID":                     pgtype.UUIDOID,
	"JSON":                     pgtype.JSONOID,
}

// postgresOID maps a DuckDB type name to the OID clients decode it as.
// Nested types travel as JSON; anything unknown, including TIME and
// INTERVAL, travels as text.
func postgresOID(duckType string) oid.Oid {
	name := strings.ToUpper(strings.TrimSpace(duckType))
	if strings.HasSuffix(name, "[]") || strings.HasSuffix(name, "]") {
		return pgtype.JSONOID
	}
	for _, prefix := range []string{"STRUCT", "MAP", "LIST", "UNION"} {
		if strings.HasPrefix(name, prefix) {
			return pgtype.JSONOID
		}
	}
	if i := strings.IndexByte(name, '('); i >= 0 {
		name = strings.TrimSpace(name[:i])
	}
	if typ, ok := baseTypeOIDs[name]; ok {
		return typ
	}
	return pgtype.TextOID
}

// encodeValue converts a scanned DuckDB value into something the wire
// encoder accepts for typ.
func encodeValue(val any, typ oid.Oid) (any, error) {
	if val == nil {
		return nil, nil
	}

	switch typ {
	case pgtype.BoolOID, pgtype.Int2OID, pgtype.Int4OID, pgtype.Int8OID,
		pgtype.Float4OID, pgtype.Float8OID,
		pgtype.TimestampOID, pgtype.TimestamptzOID:
		return val, nil
	case pgtype.DateOID:
		if s, ok := val.(string); ok {
			return time.Parse(time.DateOnly, s)
		}
		return val, nil
	case pgtype.NumericOID:
		switch v := val.(type) {
		case *big.Int:
			return v.String(), nil
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), nil
		default:
			return fmt.Sprint(val), nil
		}
	case pgtype.ByteaOID:
		switch v := val.(type) {
		case []byte:
			return v, nil
		case string:
			return []byte(v), nil
		default:
			return []byte(fmt.Sprint(val)), nil
		}
	case pgtype.UUIDOID:
		if s, ok := val.(string); ok && len(s) == 16 {
			id, err := uuid.FromBytes([]byte(s))
			if err != nil {
				return nil, err
			}
			return id.String(), nil
		}
		return fmt.Sprint(val), nil
	case pgtype.JSONOID:
		if s, ok := val.(string); ok {
			return s, nil
		}
		data, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	default:
		return formatText(val), nil
	}
}

func formatText(val any) string {
	if s, ok := val.(string); ok {
		return s
	}
	return fmt.Sprint(val)
}
