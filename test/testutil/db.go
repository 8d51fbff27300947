package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"

	"github.com/xxxsen/glossary-ingest/internal/config"
	"github.com/xxxsen/glossary-ingest/internal/db"
)

// OpenTestDB connects to the PostgreSQL instance named by TEST_DB_HOST and
// skips the test when none is configured.
func OpenTestDB(t *testing.T) (*sqlx.DB, func()) {
	t.Helper()
	host := os.Getenv("TEST_DB_HOST")
	if host == "" {
		t.Skip("TEST_DB_HOST not set, skipping postgres test")
	}
	conn, err := db.Open(config.DatabaseConfig{
		Driver:   "postgres",
		Host:     host,
		Port:     5432,
		User:     "glossary",
		Password: "glossary_pass",
		DBName:   "glossary_test",
		SSLMode:  "disable",
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.ApplyMigrations(conn); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	for _, table := range []string{"term_embeddings", "term_fields", "terms", "term_fingerprints", "ingest_runs"} {
		if _, err := conn.Exec("DELETE FROM " + table); err != nil {
			t.Fatalf("clean %s: %v", table, err)
		}
	}
	return conn, func() {
		_ = conn.Close()
	}
}

// OpenSQLite creates a migrated SQLite database in a temp dir.
func OpenSQLite(t *testing.T) *sqlx.DB {
	t.Helper()
	conn, err := db.Open(config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "glossary.db"),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.ApplyMigrations(conn); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}
