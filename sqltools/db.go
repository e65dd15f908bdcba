package sqltools

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// DBConfig describes the SQLite database behind the tools
type DBConfig struct {
	// Path is the database file. ":memory:" opens a private in-memory
	// database on a single connection.
	Path string

	// ReadOnly rejects write tools and sets the query_only pragma.
	ReadOnly bool

	// BusyTimeoutMs is how long a connection waits on a locked database.
	BusyTimeoutMs int

	// MaxOpenConns limits the connection pool. Zero keeps the driver default.
	MaxOpenConns int
}

// Open creates or opens the database described by cfg and verifies it
// answers.
func Open(ctx context.Context, cfg DBConfig) (*sql.DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	memory := cfg.Path == ":memory:"
	if !memory {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	switch {
	case memory:
		db.SetMaxOpenConns(1)
	case cfg.MaxOpenConns > 0:
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return db, nil
}

func dsn(cfg DBConfig) string {
	pragmas := []string{"foreign_keys(1)"}
	if cfg.BusyTimeoutMs > 0 {
		pragmas = append(pragmas, fmt.Sprintf("busy_timeout(%d)", cfg.BusyTimeoutMs))
	}
	if cfg.ReadOnly {
		pragmas = append(pragmas, "query_only(1)")
	}

	params := make([]string, 0, len(pragmas))
	for _, p := range pragmas {
		params = append(params, "_pragma="+p)
	}
	if cfg.Path == ":memory:" {
		return ":memory:?" + strings.Join(params, "&")
	}
	return "file:" + cfg.Path + "?" + strings.Join(params, "&")
}
