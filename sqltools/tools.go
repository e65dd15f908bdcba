package sqltools

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/isdmx/codemode/bindings"
	"github.com/isdmx/codemode/registry"
)

// Prefix is carried by every tool name
const Prefix = "sqlite_"

// Tool groups
const (
	GroupCore        = "core"
	GroupTransaction = "transaction"
	GroupAdmin       = "admin"
)

// Sentinel errors returned by tool handlers
var (
	ErrInvalidParams      = errors.New("invalid parameters")
	ErrReadOnly           = errors.New("database is read-only")
	ErrNotReadStatement   = errors.New("statement is not a read")
	ErrUnknownTransaction = errors.New("unknown transaction")
	ErrSessionClosed      = errors.New("session is closed")
)

// Provider serves the SQLite tools and creates per-execution Sessions
type Provider struct {
	logger   *zap.Logger
	db       *sql.DB
	readOnly bool
}

// NewProvider creates a Provider over db
func NewProvider(logger *zap.Logger, db *sql.DB, readOnly bool) *Provider {
	return &Provider{
		logger:   logger.With(zap.String("component", "sqltools")),
		db:       db,
		readOnly: readOnly,
	}
}

// Aliases returns the default alias table for the SQLite tools
func Aliases() map[string]map[string]string {
	return map[string]map[string]string{
		GroupCore: {
			"query":    "readQuery",
			"exec":     "writeQuery",
			"execute":  "writeQuery",
			"tables":   "listTables",
			"describe": "describeTable",
			"schema":   "describeTable",
		},
		GroupTransaction: {
			"start": "begin",
			"abort": "rollback",
			"end":   "commit",
		},
	}
}

// Params returns the positional parameter specs of the SQLite tools
func Params() map[string]bindings.ParamSpec {
	return map[string]bindings.ParamSpec{
		"core.readQuery":       {Keys: []string{"sql", "params"}},
		"core.writeQuery":      {Keys: []string{"sql", "params"}},
		"core.describeTable":   {Keys: []string{"table"}},
		"core.createTable":     {Keys: []string{"table", "columns", "ifNotExists"}},
		"core.dropTable":       {Keys: []string{"table", "ifExists"}},
		"core.insert":          {Keys: []string{"table", "rows"}},
		"transaction.execute":  {Keys: []string{"transactionId", "sql", "params"}},
		"transaction.commit":   {Keys: []string{"transactionId"}},
		"transaction.rollback": {Keys: []string{"transactionId"}},
	}
}

// BindingOptions returns bindings options wired for the SQLite tools
func BindingOptions() bindings.Options {
	return bindings.Options{
		ToolPrefix: Prefix,
		Aliases:    Aliases(),
		Params:     Params(),
	}
}

func schema(required []string, props map[string]any) mcp.ToolInputSchema {
	if props == nil {
		props = map[string]any{}
	}
	return mcp.ToolInputSchema{Type: "object", Properties: props, Required: required}
}

func prop(typ, description string) map[string]any {
	return map[string]any{"type": typ, "description": description}
}

var sqlArgsProp = map[string]any{
	"description": "Statement arguments: an array binds ?, an object binds :name",
}

// Registry builds the ordered tool registry
func (p *Provider) Registry() (*registry.Registry, error) {
	return registry.New(
		registry.Tool{
			Name:        Prefix + "read_query",
			Group:       GroupCore,
			Description: "Run a SELECT (or other read) statement and return rows as objects",
			InputSchema: schema([]string{"sql"}, map[string]any{"sql": prop("string", "SQL statement"), "params": sqlArgsProp}),
			Handler:     p.readQuery,
		},
		registry.Tool{
			Name:        Prefix + "write_query",
			Group:       GroupCore,
			Description: "Run an INSERT, UPDATE, DELETE or DDL statement",
			InputSchema: schema([]string{"sql"}, map[string]any{"sql": prop("string", "SQL statement"), "params": sqlArgsProp}),
			Handler:     p.writeQuery,
		},
		registry.Tool{
			Name:        Prefix + "list_tables",
			Group:       GroupCore,
			Description: "List user tables",
			InputSchema: schema(nil, nil),
			Handler:     p.listTables,
		},
		registry.Tool{
			Name:        Prefix + "describe_table",
			Group:       GroupCore,
			Description: "Describe the columns of a table",
			InputSchema: schema([]string{"table"}, map[string]any{"table": prop("string", "Table name")}),
			Handler:     p.describeTable,
		},
		registry.Tool{
			Name:        Prefix + "create_table",
			Group:       GroupCore,
			Description: "Create a table from column definitions",
			InputSchema: schema([]string{"table", "columns"}, map[string]any{
				"table":       prop("string", "Table name"),
				"columns":     prop("array", "Columns: [{name, type, primaryKey, notNull, unique, default}] or {name: type}"),
				"ifNotExists": prop("boolean", "Skip when the table exists"),
			}),
			Handler: p.createTable,
		},
		registry.Tool{
			Name:        Prefix + "drop_table",
			Group:       GroupCore,
			Description: "Drop a table",
			InputSchema: schema([]string{"table"}, map[string]any{
				"table":    prop("string", "Table name"),
				"ifExists": prop("boolean", "Ignore a missing table"),
			}),
			Handler: p.dropTable,
		},
		registry.Tool{
			Name:        Prefix + "insert",
			Group:       GroupCore,
			Description: "Insert one or more rows given as objects",
			InputSchema: schema([]string{"table", "rows"}, map[string]any{
				"table": prop("string", "Table name"),
				"rows":  prop("array", "Rows as objects keyed by column"),
			}),
			Handler: p.insert,
		},
		registry.Tool{
			Name:        Prefix + "transaction_begin",
			Group:       GroupTransaction,
			Description: "Begin a transaction; uncommitted transactions roll back when the script ends",
			InputSchema: schema(nil, nil),
			Handler:     p.begin,
		},
		registry.Tool{
			Name:        Prefix + "transaction_execute",
			Group:       GroupTransaction,
			Description: "Run a statement inside a transaction",
			InputSchema: schema([]string{"transactionId", "sql"}, map[string]any{
				"transactionId": prop("string", "Id returned by begin"),
				"sql":           prop("string", "SQL statement"),
				"params":        sqlArgsProp,
			}),
			Handler: p.txExecute,
		},
		registry.Tool{
			Name:        Prefix + "transaction_commit",
			Group:       GroupTransaction,
			Description: "Commit a transaction",
			InputSchema: schema([]string{"transactionId"}, map[string]any{"transactionId": prop("string", "Id returned by begin")}),
			Handler:     p.commit,
		},
		registry.Tool{
			Name:        Prefix + "transaction_rollback",
			Group:       GroupTransaction,
			Description: "Roll back a transaction",
			InputSchema: schema([]string{"transactionId"}, map[string]any{"transactionId": prop("string", "Id returned by begin")}),
			Handler:     p.rollback,
		},
		registry.Tool{
			Name:        Prefix + "admin_integrity_check",
			Group:       GroupAdmin,
			Description: "Run PRAGMA integrity_check",
			InputSchema: schema(nil, nil),
			Handler:     p.integrityCheck,
		},
		registry.Tool{
			Name:        Prefix + "admin_vacuum",
			Group:       GroupAdmin,
			Description: "Rebuild the database file",
			InputSchema: schema(nil, nil),
			Handler:     p.vacuum,
		},
	)
}

func (p *Provider) writable() error {
	if p.readOnly {
		return ErrReadOnly
	}
	return nil
}

func (p *Provider) readQuery(ctx context.Context, params any, _ registry.ExecutionContext) (any, error) {
	obj, err := object(params)
	if err != nil {
		return nil, err
	}
	stmt, err := stringParam(obj, "sql")
	if err != nil {
		return nil, err
	}
	if !isRead(stmt) {
		return nil, fmt.Errorf("%w: use writeQuery", ErrNotReadStatement)
	}
	args, err := bindArgs(obj)
	if err != nil {
		return nil, err
	}
	return queryRows(ctx, p.db, stmt, args)
}

func (p *Provider) writeQuery(ctx context.Context, params any, _ registry.ExecutionContext) (any, error) {
	if err := p.writable(); err != nil {
		return nil, err
	}
	obj, err := object(params)
	if err != nil {
		return nil, err
	}
	stmt, err := stringParam(obj, "sql")
	if err != nil {
		return nil, err
	}
	args, err := bindArgs(obj)
	if err != nil {
		return nil, err
	}
	return execStatement(ctx, p.db, stmt, args)
}

func (p *Provider) listTables(ctx context.Context, _ any, _ registry.ExecutionContext) (any, error) {
	rows, err := queryRows(ctx, p.db,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`, nil)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(rows))
	for _, row := range rows {
		if name, ok := row["name"].(string); ok {
			names = append(names, name)
		}
	}
	return names, nil
}

type columnInfo struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	NotNull    bool   `json:"notNull"`
	Default    any    `json:"default"`
	PrimaryKey bool   `json:"primaryKey"`
}

func (p *Provider) describeTable(ctx context.Context, params any, _ registry.ExecutionContext) (any, error) {
	obj, err := object(params)
	if err != nil {
		return nil, err
	}
	table, err := identParam(obj, "table")
	if err != nil {
		return nil, err
	}

	rows, err := queryRows(ctx, p.db, "PRAGMA table_info("+quoteIdent(table)+")", nil)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("table %s does not exist", table)
	}
	columns := make([]columnInfo, 0, len(rows))
	for _, row := range rows {
		name, _ := row["name"].(string)
		typ, _ := row["type"].(string)
		columns = append(columns, columnInfo{
			Name:       name,
			Type:       typ,
			NotNull:    truthy(row["notnull"]),
			Default:    row["dflt_value"],
			PrimaryKey: truthy(row["pk"]),
		})
	}
	return columns, nil
}

func truthy(v any) bool {
	switch n := v.(type) {
	case int64:
		return n != 0
	case float64:
		return n != 0
	case bool:
		return n
	default:
		return false
	}
}

type columnDef struct {
	name       string
	typ        string
	primaryKey bool
	notNull    bool
	unique     bool
	dflt       any
	hasDefault bool
}

func (p *Provider) createTable(ctx context.Context, params any, _ registry.ExecutionContext) (any, error) {
	if err := p.writable(); err != nil {
		return nil, err
	}
	obj, err := object(params)
	if err != nil {
		return nil, err
	}
	table, err := identParam(obj, "table")
	if err != nil {
		return nil, err
	}
	ifNotExists, err := boolParam(obj, "ifNotExists")
	if err != nil {
		return nil, err
	}
	defs, err := parseColumns(obj["columns"])
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteString("CREATE TABLE ")
	if ifNotExists {
		b.WriteString("IF NOT EXISTS ")
	}
	b.WriteString(quoteIdent(table))
	b.WriteString(" (")
	for i, def := range defs {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(quoteIdent(def.name) + " " + def.typ)
		if def.primaryKey {
			b.WriteString(" PRIMARY KEY")
		}
		if def.notNull {
			b.WriteString(" NOT NULL")
		}
		if def.unique {
			b.WriteString(" UNIQUE")
		}
		if def.hasDefault {
			literal, err := defaultLiteral(def.dflt)
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", def.name, err)
			}
			b.WriteString(" DEFAULT " + literal)
		}
	}
	b.WriteString(")")

	if _, err := execStatement(ctx, p.db, b.String(), nil); err != nil {
		return nil, err
	}
	return map[string]any{"table": table, "created": true}, nil
}

// parseColumns accepts [{name, type, ...}] or {name: type}
func parseColumns(v any) ([]columnDef, error) {
	var defs []columnDef
	switch cols := v.(type) {
	case []any:
		for i, c := range cols {
			spec, ok := c.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: columns[%d] must be an object", ErrInvalidParams, i)
			}
			name, err := identParam(spec, "name")
			if err != nil {
				return nil, fmt.Errorf("columns[%d]: %w", i, err)
			}
			typ, _ := spec["type"].(string)
			pk, _ := spec["primaryKey"].(bool)
			notNull, _ := spec["notNull"].(bool)
			unique, _ := spec["unique"].(bool)
			dflt, hasDefault := spec["default"]
			defs = append(defs, columnDef{name: name, typ: typ, primaryKey: pk, notNull: notNull, unique: unique, dflt: dflt, hasDefault: hasDefault})
		}
	case map[string]any:
		names := make([]string, 0, len(cols))
		for name := range cols {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if !identRe.MatchString(name) {
				return nil, fmt.Errorf("%w: column %q is not a valid identifier", ErrInvalidParams, name)
			}
			typ, ok := cols[name].(string)
			if !ok {
				return nil, fmt.Errorf("%w: column %s type must be a string", ErrInvalidParams, name)
			}
			defs = append(defs, columnDef{name: name, typ: typ})
		}
	default:
		return nil, fmt.Errorf("%w: columns is required", ErrInvalidParams)
	}

	if len(defs) == 0 {
		return nil, fmt.Errorf("%w: at least one column is required", ErrInvalidParams)
	}
	for i := range defs {
		if defs[i].typ == "" {
			defs[i].typ = "TEXT"
		}
		if !typeNameRe.MatchString(defs[i].typ) {
			return nil, fmt.Errorf("%w: column %s has invalid type %q", ErrInvalidParams, defs[i].name, defs[i].typ)
		}
	}
	return defs, nil
}

func defaultLiteral(v any) (string, error) {
	switch d := v.(type) {
	case nil:
		return "NULL", nil
	case bool:
		if d {
			return "1", nil
		}
		return "0", nil
	case float64:
		return fmt.Sprintf("%v", d), nil
	case string:
		return "'" + strings.ReplaceAll(d, "'", "''") + "'", nil
	default:
		return "", fmt.Errorf("%w: unsupported default %T", ErrInvalidParams, v)
	}
}

func (p *Provider) dropTable(ctx context.Context, params any, _ registry.ExecutionContext) (any, error) {
	if err := p.writable(); err != nil {
		return nil, err
	}
	obj, err := object(params)
	if err != nil {
		return nil, err
	}
	table, err := identParam(obj, "table")
	if err != nil {
		return nil, err
	}
	ifExists, err := boolParam(obj, "ifExists")
	if err != nil {
		return nil, err
	}

	stmt := "DROP TABLE "
	if ifExists {
		stmt += "IF EXISTS "
	}
	if _, err := execStatement(ctx, p.db, stmt+quoteIdent(table), nil); err != nil {
		return nil, err
	}
	return map[string]any{"table": table, "dropped": true}, nil
}

func (p *Provider) insert(ctx context.Context, params any, _ registry.ExecutionContext) (any, error) {
	if err := p.writable(); err != nil {
		return nil, err
	}
	obj, err := object(params)
	if err != nil {
		return nil, err
	}
	table, err := identParam(obj, "table")
	if err != nil {
		return nil, err
	}

	var rows []map[string]any
	switch v := obj["rows"].(type) {
	case map[string]any:
		rows = []map[string]any{v}
	case []any:
		for i, r := range v {
			row, ok := r.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: rows[%d] must be an object", ErrInvalidParams, i)
			}
			rows = append(rows, row)
		}
	default:
		return nil, fmt.Errorf("%w: rows is required", ErrInvalidParams)
	}
	if len(rows) == 0 {
		return map[string]any{"inserted": 0}, nil
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var inserted int64
	for i, row := range rows {
		stmt, args, err := insertStatement(table, row)
		if err != nil {
			return nil, fmt.Errorf("rows[%d]: %w", i, err)
		}
		res, err := execStatement(ctx, tx, stmt, args)
		if err != nil {
			return nil, fmt.Errorf("rows[%d]: %w", i, err)
		}
		inserted += res.RowsAffected
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing insert: %w", err)
	}
	return map[string]any{"inserted": inserted}, nil
}

func insertStatement(table string, row map[string]any) (string, []any, error) {
	if len(row) == 0 {
		return "", nil, fmt.Errorf("%w: row has no columns", ErrInvalidParams)
	}
	columns := make([]string, 0, len(row))
	for col := range row {
		if !identRe.MatchString(col) {
			return "", nil, fmt.Errorf("%w: column %q is not a valid identifier", ErrInvalidParams, col)
		}
		columns = append(columns, col)
	}
	sort.Strings(columns)

	quoted := make([]string, len(columns))
	args := make([]any, len(columns))
	for i, col := range columns {
		quoted[i] = quoteIdent(col)
		args[i] = row[col]
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", quoteIdent(table), strings.Join(quoted, ", "), placeholders)
	return stmt, args, nil
}

func (p *Provider) begin(ctx context.Context, _ any, ec registry.ExecutionContext) (any, error) {
	s, err := sessionOf(ec)
	if err != nil {
		return nil, err
	}
	id, err := s.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"transactionId": id}, nil
}

func (p *Provider) txExecute(ctx context.Context, params any, ec registry.ExecutionContext) (any, error) {
	s, err := sessionOf(ec)
	if err != nil {
		return nil, err
	}
	obj, err := object(params)
	if err != nil {
		return nil, err
	}
	id, err := stringParam(obj, "transactionId")
	if err != nil {
		return nil, err
	}
	stmt, err := stringParam(obj, "sql")
	if err != nil {
		return nil, err
	}
	args, err := bindArgs(obj)
	if err != nil {
		return nil, err
	}
	tx, err := s.Tx(id)
	if err != nil {
		return nil, err
	}

	if isRead(stmt) {
		return queryRows(ctx, tx, stmt, args)
	}
	if err := p.writable(); err != nil {
		return nil, err
	}
	return execStatement(ctx, tx, stmt, args)
}

func (p *Provider) commit(_ context.Context, params any, ec registry.ExecutionContext) (any, error) {
	return p.finishTx(params, ec, "committed", (*Session).Commit)
}

func (p *Provider) rollback(_ context.Context, params any, ec registry.ExecutionContext) (any, error) {
	return p.finishTx(params, ec, "rolled_back", (*Session).Rollback)
}

func (p *Provider) finishTx(params any, ec registry.ExecutionContext, status string, finish func(*Session, string) error) (any, error) {
	s, err := sessionOf(ec)
	if err != nil {
		return nil, err
	}
	obj, err := object(params)
	if err != nil {
		return nil, err
	}
	id, err := stringParam(obj, "transactionId")
	if err != nil {
		return nil, err
	}
	if err := finish(s, id); err != nil {
		return nil, err
	}
	return map[string]any{"transactionId": id, "status": status}, nil
}

func (p *Provider) integrityCheck(ctx context.Context, _ any, _ registry.ExecutionContext) (any, error) {
	rows, err := queryRows(ctx, p.db, "PRAGMA integrity_check", nil)
	if err != nil {
		return nil, err
	}
	messages := make([]string, 0, len(rows))
	for _, row := range rows {
		for _, v := range row {
			if s, ok := v.(string); ok {
				messages = append(messages, s)
			}
		}
	}
	ok := len(messages) == 1 && messages[0] == "ok"
	return map[string]any{"ok": ok, "messages": messages}, nil
}

func (p *Provider) vacuum(ctx context.Context, _ any, _ registry.ExecutionContext) (any, error) {
	if err := p.writable(); err != nil {
		return nil, err
	}
	if _, err := execStatement(ctx, p.db, "VACUUM", nil); err != nil {
		return nil, err
	}
	p.logger.Info("Database vacuumed")
	return map[string]any{"status": "ok"}, nil
}
