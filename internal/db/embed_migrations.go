package db

import "embed"

// MigrationFS embeds the SQL migrations for the collector schema. cmd/migrate
// applies them through the migrate runner.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
