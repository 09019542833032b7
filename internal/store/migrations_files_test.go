package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// The migration runner only picks up *.up.sql files; make sure the shipped
// migrations directory actually contains some and nothing is misnamed.
func TestMigrationFilesPresent(t *testing.T) {
	dir := filepath.Join("..", "..", "db", "migrations")
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}

	upCount := 0
	for _, entry := range entries {
		if entry.IsDir() {
			t.Errorf("unexpected directory in migrations: %s", entry.Name())
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".up.sql") {
			upCount++
			continue
		}
		t.Errorf("migration file with unexpected suffix: %s", name)
	}

	if upCount == 0 {
		t.Fatal("no .up.sql migrations found")
	}
}

func TestMigrationSchemaCoversCoreTables(t *testing.T) {
	contents, err := os.ReadFile(filepath.Join("..", "..", "db", "migrations", "0001_init.up.sql"))
	if err != nil {
		t.Fatalf("read initial migration: %v", err)
	}
	sql := string(contents)
	for _, table := range []string{"users", "comments", "notifications"} {
		if !strings.Contains(sql, table) {
			t.Errorf("initial migration missing table %s", table)
		}
	}
}
