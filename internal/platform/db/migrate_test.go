package db

import (
	"strings"
	"testing"
	"testing/fstest"

	"github.com/ehr/fhirbundle/migrations"
)

func TestLoadMigrations(t *testing.T) {
	src := fstest.MapFS{
		"002_history.sql":   {Data: []byte("CREATE TABLE h (id INT);")},
		"001_resources.sql": {Data: []byte("CREATE TABLE r (id INT);")},
		"README.md":         {Data: []byte("not a migration")},
		"notes_draft.sql":   {Data: []byte("SELECT 1;")},
	}

	migrator := NewMigrator(nil, src)
	migs, err := migrator.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}

	if len(migs) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(migs))
	}
	if migs[0].Version != 1 || migs[0].Name != "001_resources.sql" {
		t.Errorf("expected 001_resources.sql first, got %d %s", migs[0].Version, migs[0].Name)
	}
	if migs[0].SQL != "CREATE TABLE r (id INT);" {
		t.Errorf("unexpected SQL content: %s", migs[0].SQL)
	}
	if migs[1].Version != 2 {
		t.Errorf("expected version 2, got %d", migs[1].Version)
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	src := fstest.MapFS{
		"001_a.sql": {Data: []byte("SELECT 1;")},
		"01_b.sql":  {Data: []byte("SELECT 2;")},
	}

	_, err := NewMigrator(nil, src).LoadMigrations()
	if err == nil {
		t.Fatal("expected duplicate version error")
	}
	if !strings.Contains(err.Error(), "duplicate migration version 1") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoadMigrations_Embedded(t *testing.T) {
	migs, err := NewMigrator(nil, migrations.FS).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migs) == 0 {
		t.Fatal("expected embedded migrations")
	}
	if !strings.Contains(migs[0].SQL, "CREATE TABLE IF NOT EXISTS resources") {
		t.Errorf("expected first migration to create the resources table")
	}
}
