package jetsync

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
)

// MigrationFiles contains all SQL migration files embedded in the binary.
// Users can access these files programmatically to apply migrations using
// their preferred migration tool (goose, golang-migrate, atlas, etc.), or
// call ApplyMigrations for the simple sequential applier.
//
//go:embed migrations/*.sql
var MigrationFiles embed.FS

// ApplyMigrations executes every embedded migration file in lexical
// order. Statements use IF NOT EXISTS guards, so repeated application is
// safe.
func ApplyMigrations(db *sql.DB) error {
	entries, err := MigrationFiles.ReadDir("migrations")
	if err != nil {
		return NewErrorWithCause(ErrCodeDatabase, "failed to read embedded migrations", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		content, err := MigrationFiles.ReadFile("migrations/" + name)
		if err != nil {
			return NewErrorWithCause(ErrCodeDatabase, fmt.Sprintf("failed to read migration %s", name), err)
		}
		if _, err := db.Exec(string(content)); err != nil {
			return NewErrorWithCause(ErrCodeDatabase, fmt.Sprintf("failed to apply migration %s", name), err)
		}
	}
	return nil
}
