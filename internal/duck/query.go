package duck

import (
	"context"
	"fmt"
)

type QueryResponse struct {
	Columns     []string   `json:"columns"`
	ColumnTypes []string   `json:"-"`
	Rows        []QueryRow `json:"rows"`
	Count       int        `json:"count"`
	// Truncated is set when rows beyond the requested maximum were dropped.
	Truncated bool `json:"truncated,omitempty"`
}

type QueryRow map[string]any

// ExecutorError is returned when the engine rejects or fails a statement.
// Its message is the engine's own, unmodified.
type ExecutorError struct {
	Err error
}

func (e *ExecutorError) Error() string {
	return e.Err.Error()
}

func (e *ExecutorError) Unwrap() error {
	return e.Err
}

// Query runs sql on a fresh connection and collects at most maxRows rows.
// A maxRows of zero or less reads every row.
func Query(ctx context.Context, db DB, maxRows int, sql string, args ...any) (QueryResponse, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return QueryResponse{}, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	rows, err := conn.QueryContext(ctx, sql, args...)
	if err != nil {
		return QueryResponse{}, &ExecutorError{Err: err}
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return QueryResponse{}, fmt.Errorf("failed to get columns: %w", err)
	}
	columnTypes, err := rows.ColumnTypes()
	if err != nil {
		return QueryResponse{}, fmt.Errorf("failed to get column types: %w", err)
	}
	typeNames := make([]string, len(columnTypes))
	for i, ct := range columnTypes {
		typeNames[i] = ct.DatabaseTypeName()
	}

	resultRows := make([]QueryRow, 0)
	truncated := false
	for rows.Next() {
		if maxRows > 0 && len(resultRows) == maxRows {
			truncated = true
			break
		}

		values := make([]any, len(columns))
		valuePtrs := make([]any, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			return QueryResponse{}, fmt.Errorf("failed to scan row: %w", err)
		}

		row := make(QueryRow, len(columns))
		for i, col := range columns {
			row[col] = scalar(values[i], typeNames[i])
		}
		resultRows = append(resultRows, row)
	}

	if err := rows.Err(); err != nil {
		return QueryResponse{}, &ExecutorError{Err: err}
	}

	return QueryResponse{
		Columns:     columns,
		ColumnTypes: typeNames,
		Rows:        resultRows,
		Count:       len(resultRows),
		Truncated:   truncated,
	}, nil
}
