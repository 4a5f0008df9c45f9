package repository

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/lyzr/branchsync/common/db"
)

//go:embed schema.sql
var schema string

// Migrate applies the sync service schema
func Migrate(ctx context.Context, database *db.DB) error {
	if _, err := database.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply sync schema: %w", err)
	}
	return nil
}
