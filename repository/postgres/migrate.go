package postgres

import (
	"database/sql"
	"embed"

	"github.com/pressly/goose/v3"
	"golang.org/x/xerrors"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies all pending schema migrations to the database behind db.
func Migrate(db *sql.DB) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return xerrors.Errorf("migrate: set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return xerrors.Errorf("migrate: %w", err)
	}
	return nil
}
