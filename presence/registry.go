package presence

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/ephemrelay/transport"
)

// Status is an identity's reachability state.
type Status uint8

const (
	// StatusOffline means no live connection exists for the identity.
	StatusOffline Status = iota
	// StatusAway means at least one live connection exists but the client
	// marked itself inactive.
	StatusAway
	// StatusOnline means at least one live connection exists.
	StatusOnline
)

// String returns the wire form of the status.
func (s Status) String() string {
	switch s {
	case StatusOnline:
		return "online"
	case StatusAway:
		return "away"
	default:
		return "offline"
	}
}

// ParseStatus maps a wire status string to a Status.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "online":
		return StatusOnline, nil
	case "away":
		return StatusAway, nil
	case "offline":
		return StatusOffline, nil
	default:
		return StatusOffline, errors.New("unknown status: " + s)
	}
}

// Record is the public view of one identity's presence.
type Record struct {
	Identity   string
	Status     Status
	LastChange time.Time
}

// ChangeFunc observes committed status transitions. It is called outside
// any registry lock.
type ChangeFunc func(Record)

// entry is one identity's shard: its own lock, status and connections.
type entry struct {
	mu         sync.Mutex
	status     Status
	lastChange time.Time
	conns      map[string]transport.Conn
}

// Registry is the identity-sharded presence table. The outer lock guards
// only the shard map; all per-identity mutation serializes on the entry
// lock, so a disconnect can never race a reconnect for the same identity
// into a stale state.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	onChange ChangeFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// OnChange sets the observer for committed status transitions. Must be set
// before connections register.
func (r *Registry) OnChange(fn ChangeFunc) {
	r.onChange = fn
}

// shard returns the entry for identity, creating it on first sight.
func (r *Registry) shard(identity string) *entry {
	r.mu.RLock()
	e, ok := r.entries[identity]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok = r.entries[identity]; ok {
		return e
	}
	e = &entry{status: StatusOffline, conns: make(map[string]transport.Conn)}
	r.entries[identity] = e
	return e
}

// Register binds a connection to its identity. The first connection for an
// offline identity transitions it to online.
func (r *Registry) Register(identity string, c transport.Conn) Record {
	e := r.shard(identity)

	e.mu.Lock()
	e.conns[c.ID()] = c
	changed := false
	if e.status == StatusOffline {
		e.status = StatusOnline
		e.lastChange = time.Now().UTC()
		changed = true
	}
	rec := Record{Identity: identity, Status: e.status, LastChange: e.lastChange}
	e.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "Register",
		"identity":   shortID(identity),
		"connection": c.ID(),
		"status":     rec.Status.String(),
	}).Info("Connection registered")

	if changed {
		r.emit(rec)
	}
	return rec
}

// Deregister unbinds a connection. When the last connection for an
// identity goes away the identity deterministically becomes offline.
func (r *Registry) Deregister(identity string, connID string) Record {
	e := r.shard(identity)

	e.mu.Lock()
	delete(e.conns, connID)
	changed := false
	if len(e.conns) == 0 && e.status != StatusOffline {
		e.status = StatusOffline
		e.lastChange = time.Now().UTC()
		changed = true
	}
	rec := Record{Identity: identity, Status: e.status, LastChange: e.lastChange}
	e.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "Deregister",
		"identity":   shortID(identity),
		"connection": connID,
		"status":     rec.Status.String(),
	}).Info("Connection deregistered")

	if changed {
		r.emit(rec)
	}
	return rec
}

// SetStatus applies an explicit client-driven transition. Only online and
// away are client-settable, and only while at least one connection is
// live; offline is always derived from connection state.
func (r *Registry) SetStatus(identity string, status Status) (Record, bool) {
	e := r.shard(identity)

	e.mu.Lock()
	rec := Record{Identity: identity, Status: e.status, LastChange: e.lastChange}
	if status == StatusOffline || len(e.conns) == 0 || e.status == status {
		e.mu.Unlock()
		return rec, false
	}
	e.status = status
	e.lastChange = time.Now().UTC()
	rec = Record{Identity: identity, Status: e.status, LastChange: e.lastChange}
	e.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "SetStatus",
		"identity": shortID(identity),
		"status":   status.String(),
	}).Debug("Status changed")

	r.emit(rec)
	return rec, true
}

// Connections returns a snapshot of the identity's live connections.
func (r *Registry) Connections(identity string) []transport.Conn {
	r.mu.RLock()
	e, ok := r.entries[identity]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]transport.Conn, 0, len(e.conns))
	for _, c := range e.conns {
		out = append(out, c)
	}
	return out
}

// IsLive reports whether the identity has at least one live connection.
func (r *Registry) IsLive(identity string) bool {
	return len(r.Connections(identity)) > 0
}

// Lookup returns the identity's presence record. Identities never seen
// report offline with a zero change time.
func (r *Registry) Lookup(identity string) Record {
	r.mu.RLock()
	e, ok := r.entries[identity]
	r.mu.RUnlock()
	if !ok {
		return Record{Identity: identity, Status: StatusOffline}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return Record{Identity: identity, Status: e.status, LastChange: e.lastChange}
}

// Live returns the records of every identity with at least one live
// connection.
func (r *Registry) Live() []Record {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		r.mu.RLock()
		e := r.entries[id]
		r.mu.RUnlock()
		if e == nil {
			continue
		}
		e.mu.Lock()
		if len(e.conns) > 0 {
			out = append(out, Record{Identity: id, Status: e.status, LastChange: e.lastChange})
		}
		e.mu.Unlock()
	}
	return out
}

func (r *Registry) emit(rec Record) {
	if r.onChange != nil {
		r.onChange(rec)
	}
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
