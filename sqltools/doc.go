// Package sqltools is a tool registry over a SQLite database (modernc.org/sqlite).
//
// It supplies the tools Code Mode scripts call as api.core.*, api.transaction.*
// and api.admin.*, the alias and positional parameter tables for them, and a
// Session that serves as the per-execution context. Transactions opened by a
// script belong to its Session and are rolled back when the Session closes
// without a commit.
package sqltools
