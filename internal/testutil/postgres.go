package testutil

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"net"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	// Register the pgx database/sql driver.
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/target/mmk-ledger/internal/migrate"
)

// TestingTB is the subset of testing.TB the helpers need.
type TestingTB interface {
	Helper()
	Skip(args ...any)
	Skipf(format string, args ...any)
	Fatal(args ...any)
	Fatalf(format string, args ...any)
	Logf(format string, args ...any)
}

// TestDBConfig locates the Postgres instance used by integration tests.
type TestDBConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
}

// DefaultTestDBConfig reads TEST_DB_* and falls back to the compose test profile (port 55432).
func DefaultTestDBConfig() TestDBConfig {
	return TestDBConfig{
		Host:     envOr("TEST_DB_HOST", "localhost"),
		Port:     envOr("TEST_DB_PORT", "55432"),
		User:     envOr("TEST_DB_USER", "ledger"),
		Password: envOr("TEST_DB_PASSWORD", "ledger"),
		DBName:   envOr("TEST_DB_NAME", "ledger"),
	}
}

// DSN builds a pgx URL. A non-empty schema is put first on the search_path.
func (c TestDBConfig) DSN(schema string) string {
	q := url.Values{}
	q.Set("sslmode", envOr("DB_SSL_MODE", "disable"))
	if schema != "" {
		q.Set("search_path", schema+",public")
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, c.Port),
		Path:     "/" + c.DBName,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// SkipIfNoTestDB skips t unless the test database answers a ping.
// TEST_REQUIRE_DB or TEST_REQUIRE_INFRA turn the skip into a failure.
func SkipIfNoTestDB(t TestingTB) {
	t.Helper()
	db, err := open(DefaultTestDBConfig().DSN(""), 2*time.Second)
	if err != nil {
		unavailable(t, requireDB(), "test database not available: %v", err)
		return
	}
	closeQuietly(t, "probe db", db)
}

// WithAutoDB hands fn a migrated database with an empty ledger. With
// TEST_DB_EPHEMERAL set each call gets its own schema, dropped afterwards;
// otherwise the shared database is truncated before and after fn.
func WithAutoDB(t TestingTB, fn func(*sql.DB)) {
	t.Helper()
	SkipIfNoTestDB(t)

	if envBool("TEST_DB_EPHEMERAL") {
		db, drop := ephemeralSchema(t)
		defer drop()
		fn(db)
		return
	}

	db, err := open(DefaultTestDBConfig().DSN(""), 5*time.Second)
	if err != nil {
		t.Fatal("open test database:", err)
	}
	defer closeQuietly(t, "test db", db)
	migrateOrFail(t, db)
	truncateLedger(t, db)
	defer truncateLedger(t, db)
	fn(db)
}

func ephemeralSchema(t TestingTB) (*sql.DB, func()) {
	t.Helper()
	cfg := DefaultTestDBConfig()
	admin, err := open(cfg.DSN(""), 5*time.Second)
	if err != nil {
		t.Fatal("open admin connection:", err)
	}

	schema := schemaName()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := admin.ExecContext(ctx, "CREATE SCHEMA "+schema); err != nil {
		closeQuietly(t, "admin db", admin)
		t.Fatalf("create schema %s: %v", schema, err)
	}
	t.Logf("using ephemeral schema %s", schema)

	drop := func() {
		dctx, dcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer dcancel()
		if _, err := admin.ExecContext(dctx, "DROP SCHEMA IF EXISTS "+schema+" CASCADE"); err != nil {
			t.Logf("drop schema %s: %v", schema, err)
		}
		closeQuietly(t, "admin db", admin)
	}

	db, err := open(cfg.DSN(schema), 10*time.Second)
	if err != nil {
		drop()
		t.Fatal("open schema connection:", err)
	}
	db.SetMaxOpenConns(10)
	return db, func() {
		closeQuietly(t, "schema db", db)
		drop()
	}
}

func migrateOrFail(t TestingTB, db *sql.DB) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := migrate.Run(ctx, db, migrate.Postgres); err != nil {
		t.Fatal("run migrations:", err)
	}
}

func truncateLedger(t TestingTB, db *sql.DB) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, "TRUNCATE ledger_records"); err != nil {
		t.Fatalf("truncate ledger_records: %v", err)
	}
}

func open(dsn string, pingTimeout time.Duration) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func schemaName() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "t_" + time.Now().UTC().Format("150405000000")
	}
	return "t_" + hex.EncodeToString(b)
}

// TestTime is the fixed clock reading used by repository tests.
func TestTime() time.Time {
	return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
}

// RecordState is a compact row of ledger_records for assertions and logs.
type RecordState struct {
	ID        string
	Status    string
	Attempts  int
	UpdatedBy string
	UpdatedAt time.Time
}

// InspectRecordStates returns every ledger record, oldest first.
func InspectRecordStates(t TestingTB, db *sql.DB) []RecordState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rows, err := db.QueryContext(ctx,
		`SELECT id, status, attempts, updated_by, updated_timestamp_utc
		 FROM ledger_records ORDER BY created_timestamp_utc, id`)
	if err != nil {
		t.Fatalf("query record states: %v", err)
	}
	defer closeQuietly(t, "record rows", rows)

	var out []RecordState
	for rows.Next() {
		var s RecordState
		if err := rows.Scan(&s.ID, &s.Status, &s.Attempts, &s.UpdatedBy, &s.UpdatedAt); err != nil {
			t.Fatalf("scan record state: %v", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("iterate record states: %v", err)
	}
	return out
}

// LogRecordStates dumps InspectRecordStates under a heading.
func LogRecordStates(t TestingTB, db *sql.DB, heading string) {
	t.Helper()
	states := InspectRecordStates(t, db)
	t.Logf("--- %s (%d records) ---", heading, len(states))
	for _, s := range states {
		t.Logf("%s status=%s attempts=%d by=%s at=%s",
			s.ID, s.Status, s.Attempts, s.UpdatedBy, s.UpdatedAt.Format(time.RFC3339Nano))
	}
}

// ConcurrentTestRunner starts functions together and collects their errors in order.
type ConcurrentTestRunner struct {
	t TestingTB
}

func NewConcurrentTestRunner(t TestingTB) *ConcurrentTestRunner {
	return &ConcurrentTestRunner{t: t}
}

// RunConcurrent releases every fn at once and waits for all of them.
func (r *ConcurrentTestRunner) RunConcurrent(fns ...func() error) []error {
	r.t.Helper()
	errs := make([]error, len(fns))
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i, fn := range fns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			errs[i] = fn()
		}()
	}
	close(start)
	wg.Wait()
	return errs
}

func (r *ConcurrentTestRunner) AssertNoErrors(errs []error) {
	r.t.Helper()
	for i, err := range errs {
		if err != nil {
			r.t.Fatalf("concurrent call %d: %v", i, err)
		}
	}
}

// StringPtr returns &s.
func StringPtr(s string) *string { return &s }

func unavailable(t TestingTB, required bool, format string, args ...any) {
	t.Helper()
	if required {
		t.Fatalf(format, args...)
	}
	t.Skipf(format, args...)
}

func closeQuietly(t TestingTB, name string, c interface{ Close() error }) {
	if err := c.Close(); err != nil {
		t.Logf("close %s: %v", name, err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "y":
		return true
	}
	return false
}

func requireDB() bool    { return envBool("TEST_REQUIRE_DB") || envBool("TEST_REQUIRE_INFRA") }
func requireRedis() bool { return envBool("TEST_REQUIRE_REDIS") || envBool("TEST_REQUIRE_INFRA") }
