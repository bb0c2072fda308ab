package testutil

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"testing"

	"github.com/xiaonanln/rcuvar/util/postgres"
)

var invalidDBNameChars = regexp.MustCompile(`[^a-z0-9_]`)

// sanitizeDBName turns a test name into a PostgreSQL database name: lower
// case, letters, digits and underscores only, at most 63 bytes.
func sanitizeDBName(testName string) string {
	name := invalidDBNameChars.ReplaceAllString(strings.ToLower(testName), "_")
	if name == "" || (name[0] >= '0' && name[0] <= '9') {
		name = "t_" + name
	}
	if len(name) > 63 {
		name = name[:63]
	}
	return name
}

// adminConfig points at the maintenance database of the test server.
// POSTGRES_HOST, POSTGRES_PORT, POSTGRES_USER and POSTGRES_PASSWORD override
// the local defaults.
func adminConfig() *postgres.Config {
	cfg := &postgres.Config{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "postgres",
		Database: "postgres",
		SSLMode:  "disable",
	}
	if v := os.Getenv("POSTGRES_HOST"); v != "" {
		cfg.Host = v
	}
	if v, err := strconv.Atoi(os.Getenv("POSTGRES_PORT")); err == nil && v > 0 {
		cfg.Port = v
	}
	if v := os.Getenv("POSTGRES_USER"); v != "" {
		cfg.User = v
	}
	if v := os.Getenv("POSTGRES_PASSWORD"); v != "" {
		cfg.Password = v
	}
	return cfg
}

// CreateTestDatabase creates a fresh database named after the test, applies
// the rcuvar schema and drops the database again on cleanup. The test is
// skipped when PostgreSQL is not reachable.
func CreateTestDatabase(t *testing.T) *postgres.DB {
	t.Helper()
	ctx := context.Background()
	dbName := sanitizeDBName(t.Name())

	admin := adminConfig()
	adminDB, err := postgres.NewDB(admin)
	if err != nil {
		t.Skipf("Skipping test - PostgreSQL not available: %v", err)
		return nil
	}
	if err := adminDB.Ping(ctx); err != nil {
		adminDB.Close()
		t.Skipf("Skipping test - PostgreSQL not available: %v", err)
		return nil
	}

	_, _ = adminDB.Connection().ExecContext(ctx, fmt.Sprintf("DROP DATABASE IF EXISTS %s WITH (FORCE)", dbName))
	_, err = adminDB.Connection().ExecContext(ctx, fmt.Sprintf("CREATE DATABASE %s", dbName))
	adminDB.Close()
	if err != nil {
		t.Skipf("Skipping test - failed to create database %s: %v", dbName, err)
		return nil
	}

	cfg := *admin
	cfg.Database = dbName
	db, err := postgres.NewDB(&cfg)
	if err != nil {
		t.Skipf("Skipping test - failed to connect to %s: %v", dbName, err)
		return nil
	}
	if err := db.InitSchema(ctx); err != nil {
		db.Close()
		t.Fatalf("InitSchema failed: %v", err)
	}

	t.Cleanup(func() {
		db.Close()

		cleanupDB, err := postgres.NewDB(admin)
		if err != nil {
			t.Logf("Warning: failed to connect for cleanup: %v", err)
			return
		}
		defer cleanupDB.Close()
		if _, err := cleanupDB.Connection().ExecContext(context.Background(),
			fmt.Sprintf("DROP DATABASE IF EXISTS %s WITH (FORCE)", dbName)); err != nil {
			t.Logf("Warning: failed to drop %s: %v", dbName, err)
		}
	})

	return db
}
