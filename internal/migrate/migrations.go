package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
)

//go:embed sql/*.sql
var migrationsFS embed.FS

// A script is one embedded migration file. Filenames carry a numeric version
// prefix, e.g. 001_init.sql.
type script struct {
	version int
	name    string
	body    string
}

func parseVersion(name string) (int, error) {
	prefix, _, found := strings.Cut(name, "_")
	if !found {
		return 0, fmt.Errorf("migration %s: missing version prefix", name)
	}
	v, err := strconv.Atoi(prefix)
	if err != nil {
		return 0, fmt.Errorf("migration %s: bad version prefix: %w", name, err)
	}
	return v, nil
}

func loadScripts() ([]script, error) {
	entries, err := fs.ReadDir(migrationsFS, "sql")
	if err != nil {
		return nil, err
	}
	scripts := make([]script, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		v, err := parseVersion(entry.Name())
		if err != nil {
			return nil, err
		}
		body, err := migrationsFS.ReadFile("sql/" + entry.Name())
		if err != nil {
			return nil, err
		}
		scripts = append(scripts, script{version: v, name: entry.Name(), body: string(body)})
	}
	sort.Slice(scripts, func(i, j int) bool { return scripts[i].version < scripts[j].version })
	return scripts, nil
}

// Migrate brings the schema up to the newest embedded version. The applied
// version lives in schema_version; all pending scripts run in one
// transaction, so a failed upgrade leaves the previous schema intact.
func Migrate(db *sql.DB) error {
	scripts, err := loadScripts()
	if err != nil {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL);`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}
	var applied int
	switch err := tx.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&applied); err {
	case nil:
	case sql.ErrNoRows:
		if _, err := tx.Exec(`INSERT INTO schema_version(version) VALUES (0)`); err != nil {
			return fmt.Errorf("seed schema_version: %w", err)
		}
	default:
		return fmt.Errorf("read schema_version: %w", err)
	}

	for _, s := range scripts {
		if s.version <= applied {
			continue
		}
		if _, err := tx.Exec(s.body); err != nil {
			return fmt.Errorf("apply %s: %w", s.name, err)
		}
		if _, err := tx.Exec(`UPDATE schema_version SET version=?`, s.version); err != nil {
			return fmt.Errorf("record %s: %w", s.name, err)
		}
		applied = s.version
	}
	return tx.Commit()
}
