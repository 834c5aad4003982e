package postgres

import (
	"context"

	"github.com/jkaninda/cloudrelay/internal/credstore"
)

// Store implements credstore.Store backed by PostgreSQL.
type Store struct {
	*CredentialRepository
	pgDB *DB
}

var _ credstore.Store = (*Store)(nil)

// NewStore wraps an open DB as a credential store.
func NewStore(pgDB *DB, opts ...RepoOption) *Store {
	return &Store{
		CredentialRepository: NewCredentialRepository(pgDB.GormDB(), opts...),
		pgDB:                 pgDB,
	}
}

// Ping checks the connection pool.
func (s *Store) Ping(ctx context.Context) error {
	return s.pgDB.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.pgDB.Close()
}
