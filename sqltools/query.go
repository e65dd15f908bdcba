package sqltools

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"unicode/utf8"
)

// querier is the part of *sql.DB and *sql.Tx the tools use
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

var readKeywords = map[string]bool{
	"select":  true,
	"with":    true,
	"explain": true,
	"values":  true,
	"pragma":  true,
}

// isRead reports whether stmt starts with a keyword that only reads.
// PRAGMA counts as a read; the query_only pragma guards writes through it
// in read-only mode.
func isRead(stmt string) bool {
	stmt = stripLeadingComments(stmt)
	end := strings.IndexFunc(stmt, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z')
	})
	if end < 0 {
		end = len(stmt)
	}
	return readKeywords[strings.ToLower(stmt[:end])]
}

func stripLeadingComments(stmt string) string {
	for {
		stmt = strings.TrimSpace(stmt)
		switch {
		case strings.HasPrefix(stmt, "--"):
			i := strings.IndexByte(stmt, '\n')
			if i < 0 {
				return ""
			}
			stmt = stmt[i+1:]
		case strings.HasPrefix(stmt, "/*"):
			i := strings.Index(stmt, "*/")
			if i < 0 {
				return ""
			}
			stmt = stmt[i+2:]
		default:
			return stmt
		}
	}
}

// queryRows runs a read statement and returns every row as an object
func queryRows(ctx context.Context, q querier, stmt string, args []any) ([]map[string]any, error) {
	rows, err := q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("querying: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("reading columns: %w", err)
	}

	out := []map[string]any{}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = plain(values[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	return out, nil
}

// execResult is returned by statements that modify the database
type execResult struct {
	RowsAffected int64 `json:"rowsAffected"`
	LastInsertID int64 `json:"lastInsertId"`
}

func execStatement(ctx context.Context, q querier, stmt string, args []any) (execResult, error) {
	res, err := q.ExecContext(ctx, stmt, args...)
	if err != nil {
		return execResult{}, fmt.Errorf("executing: %w", err)
	}
	affected, _ := res.RowsAffected()
	lastID, _ := res.LastInsertId()
	return execResult{RowsAffected: affected, LastInsertID: lastID}, nil
}

// plain turns text stored as bytes into a string so it serializes as text
func plain(v any) any {
	if b, ok := v.([]byte); ok && utf8.Valid(b) {
		return string(b)
	}
	return v
}
