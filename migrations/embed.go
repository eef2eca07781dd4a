// Package migrations embeds the history schema into the binary.
package migrations

import (
	"embed"

	"github.com/nerrad567/cellcore/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

// Source returns the embedded migrations.
func Source() database.Source {
	return database.Source{FS: migrationsFS, Dir: "."}
}
