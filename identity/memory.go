package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// record holds one identity's alias and block set.
type record struct {
	id      string
	alias   string
	blocked map[string]struct{}
}

// MemoryDirectory is an in-process Directory backed by maps. It serves as
// the reference implementation for tests and for deployments where account
// data lives with the relay.
type MemoryDirectory struct {
	mu      sync.RWMutex
	byID    map[string]*record
	byAlias map[string]string
}

// NewMemoryDirectory creates an empty in-memory directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		byID:    make(map[string]*record),
		byAlias: make(map[string]string),
	}
}

// Register adds an identity with an optional public alias. An empty alias
// registers the canonical id only.
func (d *MemoryDirectory) Register(id, alias string) error {
	if id == "" {
		return fmt.Errorf("empty canonical identity")
	}
	if alias != "" && !IsAlias(alias) {
		return fmt.Errorf("%w: %q", ErrInvalidAlias, alias)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.byID[id]; ok {
		return fmt.Errorf("%w: %s", ErrExists, id)
	}
	if alias != "" {
		if _, ok := d.byAlias[alias]; ok {
			return fmt.Errorf("%w: alias %s", ErrExists, alias)
		}
	}

	d.byID[id] = &record{id: id, alias: alias, blocked: make(map[string]struct{})}
	if alias != "" {
		d.byAlias[alias] = id
	}

	logrus.WithFields(logrus.Fields{
		"function": "Register",
		"identity": truncate(id),
		"hasAlias": alias != "",
	}).Debug("Identity registered")

	return nil
}

// EnsureRegistered registers an identity if it is not already known. Used
// by the server when a verified credential arrives for a first connection.
func (d *MemoryDirectory) EnsureRegistered(id, alias string) {
	if err := d.Register(id, alias); err != nil && !errors.Is(err, ErrExists) {
		logrus.WithFields(logrus.Fields{
			"function": "EnsureRegistered",
			"identity": truncate(id),
			"error":    err,
		}).Warn("Failed to register identity")
	}
}

// Block adds other to id's block set.
func (d *MemoryDirectory) Block(id, other string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rec.blocked[other] = struct{}{}
	return nil
}

// Unblock removes other from id's block set.
func (d *MemoryDirectory) Unblock(id, other string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(rec.blocked, other)
	return nil
}

// Resolve implements Directory.
func (d *MemoryDirectory) Resolve(_ context.Context, handle string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if IsAlias(handle) {
		if id, ok := d.byAlias[handle]; ok {
			return id, nil
		}
		return "", fmt.Errorf("%w: %s", ErrNotFound, handle)
	}
	if _, ok := d.byID[handle]; ok {
		return handle, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, handle)
}

// BlockList implements Directory.
func (d *MemoryDirectory) BlockList(_ context.Context, id string) (map[string]struct{}, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rec, ok := d.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	out := make(map[string]struct{}, len(rec.blocked))
	for b := range rec.blocked {
		out[b] = struct{}{}
	}
	return out, nil
}

// IsBlocked implements Directory. Unknown identities are treated as having
// empty block sets.
func (d *MemoryDirectory) IsBlocked(_ context.Context, a, b string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if rec, ok := d.byID[a]; ok {
		if _, blocked := rec.blocked[b]; blocked {
			return true, nil
		}
	}
	if rec, ok := d.byID[b]; ok {
		if _, blocked := rec.blocked[a]; blocked {
			return true, nil
		}
	}
	return false, nil
}

// truncate shortens identity values for logs.
func truncate(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
