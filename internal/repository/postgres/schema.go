package postgres

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jmoiron/sqlx"
)

var (
	//go:embed schema/postgres.sql
	postgresSchema string

	//go:embed schema/sqlite.sql
	sqliteSchema string
)

// Schema returns the DDL for the given driver.
func Schema(driver string) (string, error) {
	switch {
	case isPostgresDriver(driver):
		return postgresSchema, nil
	case driver == DriverSQLite:
		return sqliteSchema, nil
	}
	return "", fmt.Errorf("no schema for driver %q", driver)
}

// ApplySchema creates the outbox, outbox_dlq and outbox_cursor tables if
// they do not exist. It is safe to run repeatedly.
func ApplySchema(ctx context.Context, db *sqlx.DB) error {
	ddl, err := Schema(db.DriverName())
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
