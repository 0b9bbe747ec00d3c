package migrations

import (
	"strings"
	"testing"

	"github.com/ehr/triage/internal/platform/db"
)

func TestEmbeddedMigrationsLoad(t *testing.T) {
	migs, err := db.NewMigrator(nil, FS).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migs) < 2 {
		t.Fatalf("expected at least 2 embedded migrations, got %d", len(migs))
	}
	for i, m := range migs {
		if m.Version != i+1 {
			t.Errorf("migration %s: expected version %d, got %d", m.Name, i+1, m.Version)
		}
	}
}

func TestSchemaNamesBraceletConstraint(t *testing.T) {
	data, err := FS.ReadFile("001_triage.sql")
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}
	// The allocator recognises bracelet collisions by this constraint name.
	if !strings.Contains(string(data), "CONSTRAINT admission_bracelet_key UNIQUE (bracelet)") {
		t.Error("schema must declare admission_bracelet_key")
	}
}

func TestSeedColors(t *testing.T) {
	data, err := FS.ReadFile("002_seed_colors.sql")
	if err != nil {
		t.Fatalf("read seed: %v", err)
	}
	for _, code := range []string{"'RED'", "'ORANGE'", "'BLUE'", "'GREEN'", "'WHITE'"} {
		if !strings.Contains(string(data), code) {
			t.Errorf("seed missing color %s", code)
		}
	}
}
