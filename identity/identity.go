package identity

import (
	"context"
	"errors"
	"regexp"
)

var (
	// ErrNotFound indicates a handle that resolves to no known identity.
	ErrNotFound = errors.New("identity not found")
	// ErrInvalidAlias indicates an alias that does not match the anonymous
	// handle format.
	ErrInvalidAlias = errors.New("invalid alias format")
	// ErrExists indicates a registration conflict.
	ErrExists = errors.New("identity already registered")
)

// aliasPattern is the fixed anonymous handle format: the 888 prefix
// followed by seven digits.
var aliasPattern = regexp.MustCompile(`^888\d{7}$`)

// IsAlias reports whether handle is shaped like a public alias rather than
// a canonical identity.
func IsAlias(handle string) bool {
	return aliasPattern.MatchString(handle)
}

// Directory resolves handles to canonical identities and answers block-list
// queries. Implementations must be safe for concurrent use; the relay calls
// them synchronously on every submission and presence change.
type Directory interface {
	// Resolve maps a handle (canonical id or public alias) to its canonical
	// identity. Returns ErrNotFound for unknown handles.
	Resolve(ctx context.Context, handle string) (string, error)

	// BlockList returns the set of canonical identities blocked by id. The
	// returned set is a copy the caller may retain.
	BlockList(ctx context.Context, id string) (map[string]struct{}, error)

	// IsBlocked reports whether either identity blocks the other.
	IsBlocked(ctx context.Context, a, b string) (bool, error)
}
