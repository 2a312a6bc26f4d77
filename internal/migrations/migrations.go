// Package migrations embeds the command bus's SQL schema and exposes the
// goose-driven apply/verify entry points used by every composition root.
package migrations

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed sql/*.sql
var FS embed.FS

// Apply runs every pending migration against db.
func Apply(db *sql.DB) error {
	goose.SetBaseFS(FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("op=migrations.Apply: %w", err)
	}
	if err := goose.Up(db, "sql"); err != nil {
		return fmt.Errorf("op=migrations.Apply: %w", err)
	}
	return nil
}

// RequireVersion refuses to let the caller proceed unless the applied schema
// version is at least required. The design treats partial application as
// unsupported: a worker or router must not start against a half-migrated
// database.
func RequireVersion(db *sql.DB, required int64) error {
	goose.SetBaseFS(FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("op=migrations.RequireVersion: %w", err)
	}
	current, err := goose.GetDBVersion(db)
	if err != nil {
		return fmt.Errorf("op=migrations.RequireVersion: %w", err)
	}
	if current < required {
		return fmt.Errorf("op=migrations.RequireVersion: schema version %d is below required version %d", current, required)
	}
	return nil
}
