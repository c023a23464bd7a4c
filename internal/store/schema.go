package store

import (
	"context"
	_ "embed"
	"fmt"
)

// schemaSQL embeds schema.sql (the same DDL as migrations/0001_init.sql,
// which go:embed cannot reach from this package) so every binary can call
// InitSchema at startup instead of requiring an operator to run a
// separate migration tool first. Full schema evolution tooling (golang-
// migrate, goose, versioned migrations) is out of scope; this is just
// the minimal "create the tables if they are missing" helper.
//
//go:embed schema.sql
var schemaSQL string

// InitSchema applies the embedded DDL. Every statement is
// CREATE ... IF NOT EXISTS, so calling it from every role at startup is
// idempotent and safe under concurrent first-boot races.
func InitSchema(ctx context.Context, db *DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("store: init schema: %w", err)
	}
	return nil
}
