package migrate

import "testing"

func TestManagerDefaults(t *testing.T) {
	m := NewManager(nil, "ops/migrations/sql", "ops/migrations/seeds")
	if m.migrationsTable != "elimu_schema_migrations" {
		t.Fatalf("unexpected migrations table %q", m.migrationsTable)
	}
	if m.seedsTable != "elimu_schema_seeds" {
		t.Fatalf("unexpected seeds table %q", m.seedsTable)
	}
}

func TestManagerTableOverrides(t *testing.T) {
	m := NewManager(nil, "sql", "seeds",
		WithMigrationsTable("custom_migrations"),
		WithSeedsTable("custom_seeds"))
	if m.migrationsTable != "custom_migrations" || m.seedsTable != "custom_seeds" {
		t.Fatalf("overrides not applied: %q %q", m.migrationsTable, m.seedsTable)
	}

	// Blank names keep the defaults.
	m = NewManager(nil, "sql", "seeds", WithMigrationsTable(""), WithSeedsTable(""))
	if m.migrationsTable != "elimu_schema_migrations" || m.seedsTable != "elimu_schema_seeds" {
		t.Fatalf("blank overrides should keep defaults: %q %q", m.migrationsTable, m.seedsTable)
	}
}
