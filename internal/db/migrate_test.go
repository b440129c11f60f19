package db

import (
	"strings"
	"testing"
	"testing/fstest"
)

func TestLoadMigrations_EmbeddedAreOrdered(t *testing.T) {
	migrations, err := loadMigrations(migrationsFS)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(migrations) < 2 {
		t.Fatalf("expected at least 2 migrations, got %d", len(migrations))
	}
	for i, m := range migrations {
		if m.Version != i+1 {
			t.Errorf("migration %s: version %d, want %d", m.Name, m.Version, i+1)
		}
		if strings.TrimSpace(m.UpSQL) == "" {
			t.Errorf("migration %s is empty", m.Name)
		}
	}
	if !strings.Contains(migrations[0].UpSQL, "CREATE TABLE IF NOT EXISTS escrows") {
		t.Error("first migration should create escrows")
	}
}

func TestLoadMigrations_SortsByVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"sql/010_c.sql": {Data: []byte("SELECT 3")},
		"sql/002_b.sql": {Data: []byte("SELECT 2")},
		"sql/001_a.sql": {Data: []byte("SELECT 1")},
	}
	migrations, err := loadMigrations(fsys)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	got := []int{migrations[0].Version, migrations[1].Version, migrations[2].Version}
	if got[0] != 1 || got[1] != 2 || got[2] != 10 {
		t.Errorf("order = %v", got)
	}
}

func TestLoadMigrations_RejectsBadNames(t *testing.T) {
	cases := map[string]fstest.MapFS{
		"no version": {"sql/init.sql": {Data: []byte("SELECT 1")}},
		"duplicate": {
			"sql/001_a.sql": {Data: []byte("SELECT 1")},
			"sql/01_b.sql":  {Data: []byte("SELECT 2")},
		},
	}
	for name, fsys := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := loadMigrations(fsys); err == nil {
				t.Error("expected error")
			}
		})
	}
}
