package migrate

import (
	"testing"

	"rollout/internal/db"
)

func TestParseVersion(t *testing.T) {
	cases := []struct {
		name    string
		version int
		ok      bool
	}{
		{"001_init.sql", 1, true},
		{"012_add_indexes.sql", 12, true},
		{"init.sql", 0, false},
		{"x_init.sql", 0, false},
	}
	for _, c := range cases {
		v, err := parseVersion(c.name)
		if c.ok && (err != nil || v != c.version) {
			t.Fatalf("parseVersion(%s) = %d, %v; want %d", c.name, v, err, c.version)
		}
		if !c.ok && err == nil {
			t.Fatalf("parseVersion(%s) should fail", c.name)
		}
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	if err := Migrate(conn); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := Migrate(conn); err != nil {
		t.Fatalf("second run: %v", err)
	}
	var version int
	if err := conn.QueryRow(`SELECT version FROM schema_version`).Scan(&version); err != nil {
		t.Fatalf("read version: %v", err)
	}
	if version < 1 {
		t.Fatalf("schema_version = %d", version)
	}
	var n int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM projects`).Scan(&n); err != nil {
		t.Fatalf("projects table missing: %v", err)
	}
}
