package repository

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/lyzr/branchsync/common/db"
)

//go:embed schema.sql
var schema string

// Migrate applies the branch schema
func Migrate(ctx context.Context, database *db.DB) error {
	if _, err := database.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply branch schema: %w", err)
	}
	return nil
}
