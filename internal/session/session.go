// Package session generates the opaque identifiers that scope one tenant's
// credential binding at the key broker.
package session

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/jkaninda/cloudrelay/internal/protocol"
)

// ID is an opaque session identifier. Identifiers generated by New are
// random version 4 UUIDs (122 bits of entropy) in canonical form; identifiers
// received from elsewhere only need to satisfy protocol.ValidateUserID.
type ID string

// New returns a fresh identifier. It reads from crypto/rand and panics only
// if the system random source fails.
func New() ID {
	return ID(uuid.New().String())
}

// Parse validates s as a session identifier.
func Parse(s string) (ID, error) {
	if err := protocol.ValidateUserID(s); err != nil {
		return "", err
	}
	return ID(s), nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(fmt.Sprintf("session: %v", err))
	}
	return id
}

// String implements fmt.Stringer.
func (id ID) String() string { return string(id) }

// IsGenerated reports whether id has the shape produced by New.
func (id ID) IsGenerated() bool {
	u, err := uuid.Parse(string(id))
	if err != nil {
		return false
	}
	return u.Version() == 4 && u.String() == string(id)
}
