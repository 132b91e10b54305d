// Package schema owns the TimescaleDB DDL. The statements are embedded
// so the schema subcommand can bootstrap a database without shipping
// loose files.
package schema

import (
	"context"
	"embed"
	"fmt"
	"sort"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
)

//go:embed *.sql
var files embed.FS

// List returns the embedded DDL file names in apply order.
func List() ([]string, error) {
	entries, err := files.ReadDir(".")
	if err != nil {
		return nil, fmt.Errorf("read schema dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Apply executes every embedded DDL file in name order. Statements use
// IF NOT EXISTS forms throughout, so re-running against a provisioned
// database is safe.
func Apply(ctx context.Context, db *sqlx.DB, log zerolog.Logger) error {
	names, err := List()
	if err != nil {
		return err
	}
	for _, name := range names {
		ddl, err := files.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		if _, err := db.ExecContext(ctx, string(ddl)); err != nil {
			return fmt.Errorf("apply %s: %w", name, err)
		}
		log.Info().Str("file", name).Msg("schema applied")
	}
	return nil
}
