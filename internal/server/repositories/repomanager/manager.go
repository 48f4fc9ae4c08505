// Package repomanager wires repository constructors to a concrete storage
// backend and owns schema migrations.
package repomanager

import (
	"context"
	"database/sql"

	"github.com/newsplatform/tokencore/internal/server/repositories/identity"
	"github.com/newsplatform/tokencore/internal/server/repositories/tokens"
)

// RepositoryManager vends storage-backed repositories and exposes a schema
// migration hook.
type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Tokens(db *sql.DB) tokens.Store
	Identities(db *sql.DB) identity.Directory
}
