package main

import (
	"path/filepath"
	"testing"
)

func TestValidateMigrationPath(t *testing.T) {
	dir := "migrations"
	good := filepath.Join("migrations", "0001_policies.sql")
	if _, err := validateMigrationPath(dir, good); err != nil {
		t.Fatalf("valid path rejected: %v", err)
	}
	bad := filepath.Join("migrations", "..", "evil.sql")
	if _, err := validateMigrationPath(dir, bad); err == nil {
		t.Fatal("traversal path must be rejected")
	}
	outside := filepath.Join("other", "0001.sql")
	if _, err := validateMigrationPath(dir, outside); err == nil {
		t.Fatal("outside path must be rejected")
	}
}

func TestPendingMigrations(t *testing.T) {
	dir := "migrations"
	files := []string{
		filepath.Join(dir, "0002_events.sql"),
		filepath.Join(dir, "0001_policies.sql"),
		filepath.Join(dir, "0003_shares.sql"),
	}
	applied := map[string]bool{"0001_policies.sql": true}

	pending, err := pendingMigrations(dir, files, applied)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %v", pending)
	}
	// Lexical order regardless of glob order.
	if filepath.Base(pending[0]) != "0002_events.sql" || filepath.Base(pending[1]) != "0003_shares.sql" {
		t.Fatalf("order = %v", pending)
	}

	if _, err := pendingMigrations(dir, []string{filepath.Join(dir, "..", "evil.sql")}, nil); err == nil {
		t.Fatal("traversal file must fail the run")
	}
}
