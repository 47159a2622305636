package signal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"  // SQLite driver ("sqlite").
	_ "github.com/go-sql-driver/mysql" // MySQL driver ("mysql").
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver ("pgx").
)

// Query limits.
const (
	defaultMaxRows    = 1000
	defaultTimeoutSec = 30
)

// Source drivers accepted in SourceConfig.Driver.
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite"
)

// blockedPrefixes are statement prefixes that write or change state.
var blockedPrefixes = []string{
	"INSERT", "UPDATE", "DELETE", "DROP", "ALTER", "CREATE",
	"TRUNCATE", "GRANT", "REVOKE", "COPY", "VACUUM", "REINDEX",
	"COMMENT", "LOCK", "SET ", "RESET", "BEGIN", "COMMIT",
	"ROLLBACK", "SAVEPOINT", "RELEASE", "PREPARE", "EXECUTE",
	"CALL", "REPLACE", "ATTACH", "DETACH", "PRAGMA", "LOAD",
}

// allowedPrefixes are the only statement prefixes a stored query may start with.
var allowedPrefixes = []string{"SELECT", "WITH", "SHOW", "EXPLAIN", "DESCRIBE"}

// SourceConfig describes one named external data source.
type SourceConfig struct {
	ID             string
	Driver         string // "postgres", "mysql" or "sqlite".
	DSN            string
	MaxRows        int // Default: 1000.
	TimeoutSeconds int // Default: 30.
}

func (c SourceConfig) driverName() (string, error) {
	switch c.Driver {
	case DriverPostgres, "pgx":
		return "pgx", nil
	case DriverMySQL:
		return "mysql", nil
	case DriverSQLite:
		return "sqlite", nil
	default:
		return "", fmt.Errorf("unsupported data source driver %q", c.Driver)
	}
}

func (c SourceConfig) maxRows() int {
	if c.MaxRows > 0 {
		return c.MaxRows
	}
	return defaultMaxRows
}

func (c SourceConfig) timeout() time.Duration {
	if c.TimeoutSeconds > 0 {
		return time.Duration(c.TimeoutSeconds) * time.Second
	}
	return defaultTimeoutSec * time.Second
}

// SQLExecutor runs read-only stored queries against named database/sql sources.
// Connections are opened lazily on first use.
type SQLExecutor struct {
	sources map[string]SourceConfig
	logger  *slog.Logger

	mu  sync.Mutex
	dbs map[string]*sql.DB
}

// NewSQLExecutor creates an executor for the given sources.
func NewSQLExecutor(sources []SourceConfig, logger *slog.Logger) *SQLExecutor {
	m := make(map[string]SourceConfig, len(sources))
	for _, s := range sources {
		m[s.ID] = s
	}
	return &SQLExecutor{sources: m, logger: logger, dbs: make(map[string]*sql.DB)}
}

// ExecuteQuery runs query on the source and returns at most MaxRows rows.
func (e *SQLExecutor) ExecuteQuery(ctx context.Context, sourceID, query string) (*QueryResult, error) {
	src, ok := e.sources[sourceID]
	if !ok {
		return nil, fmt.Errorf("unknown data source %q", sourceID)
	}
	if err := ValidateReadOnly(query); err != nil {
		return nil, err
	}

	db, err := e.conn(src)
	if err != nil {
		return nil, fmt.Errorf("data source %s: %w", sourceID, err)
	}

	queryCtx, cancel := context.WithTimeout(ctx, src.timeout())
	defer cancel()

	e.logger.DebugContext(ctx, "running stored query",
		slog.String("source_id", sourceID),
		slog.String("query_prefix", truncateQuery(query, 100)),
	)

	rows, err := db.QueryContext(queryCtx, query)
	if err != nil {
		return nil, fmt.Errorf("query execution: %w", err)
	}
	defer rows.Close()

	return collectRows(rows, src.maxRows())
}

// Ping checks connectivity to every configured source.
func (e *SQLExecutor) Ping(ctx context.Context) error {
	for id, src := range e.sources {
		db, err := e.conn(src)
		if err != nil {
			return fmt.Errorf("data source %s: %w", id, err)
		}
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("pinging data source %s: %w", id, err)
		}
	}
	return nil
}

// Close releases every opened connection pool.
func (e *SQLExecutor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var firstErr error
	for id, db := range e.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(e.dbs, id)
	}
	return firstErr
}

func (e *SQLExecutor) conn(src SourceConfig) (*sql.DB, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if db, ok := e.dbs[src.ID]; ok {
		return db, nil
	}
	if src.DSN == "" {
		return nil, fmt.Errorf("DSN not configured")
	}
	driver, err := src.driverName()
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, src.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Polled a few times a minute; a small pool is enough.
	db.SetMaxOpenConns(3)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)
	e.dbs[src.ID] = db
	return db, nil
}

// ValidateReadOnly rejects anything but a single read-only statement.
func ValidateReadOnly(query string) error {
	normalized := stripLeadingComments(strings.TrimSpace(query))
	if normalized == "" {
		return fmt.Errorf("query must not be empty")
	}
	upper := strings.ToUpper(normalized)

	for _, prefix := range blockedPrefixes {
		if strings.HasPrefix(upper, prefix) {
			return fmt.Errorf("query blocked: %s statements are not allowed", strings.TrimSpace(prefix))
		}
	}

	allowed := false
	for _, prefix := range allowedPrefixes {
		if strings.HasPrefix(upper, prefix) {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("query must start with one of: %s", strings.Join(allowedPrefixes, ", "))
	}

	if strings.Contains(strings.TrimRight(normalized, "; \t\n\r"), ";") {
		return fmt.Errorf("multiple statements not allowed")
	}
	return nil
}

func stripLeadingComments(s string) string {
	for {
		s = strings.TrimSpace(s)
		switch {
		case strings.HasPrefix(s, "--"):
			idx := strings.Index(s, "\n")
			if idx < 0 {
				return ""
			}
			s = s[idx+1:]
		case strings.HasPrefix(s, "/*"):
			idx := strings.Index(s, "*/")
			if idx < 0 {
				return ""
			}
			s = s[idx+2:]
		default:
			return s
		}
	}
}

func collectRows(rows *sql.Rows, maxRows int) (*QueryResult, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("getting columns: %w", err)
	}

	res := &QueryResult{Columns: cols}
	values := make([]any, len(cols))
	scanArgs := make([]any, len(cols))
	for i := range values {
		scanArgs[i] = &values[i]
	}

	for rows.Next() {
		if len(res.Rows) >= maxRows {
			break
		}
		if err := rows.Scan(scanArgs...); err != nil {
			return nil, fmt.Errorf("scanning row %d: %w", len(res.Rows), err)
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = normalizeValue(values[i])
		}
		res.Rows = append(res.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	return res, nil
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	default:
		return val
	}
}

func truncateQuery(q string, n int) string {
	q = strings.ReplaceAll(q, "\n", " ")
	if len(q) > n {
		return q[:n] + "..."
	}
	return q
}
