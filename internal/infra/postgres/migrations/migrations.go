// Package migrations holds the Postgres schema as bun migrations. Each file
// registering a migration must be named {timestamp}_{name}.go.
package migrations

import (
	_ "embed"

	"github.com/uptrace/bun/migrate"
)

//go:embed 0001_create_battle_contents.sql
var createBattleContentsSQL string

//go:embed 0002_create_student_profiles.sql
var createStudentProfilesSQL string

var Migrations = migrate.NewMigrations()
