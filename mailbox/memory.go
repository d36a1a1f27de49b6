package mailbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/ephemrelay/envelope"
)

// Memory is an in-process Mailbox backed by a message map and a
// per-recipient index.
type Memory struct {
	mu       sync.RWMutex
	messages map[string]*Record  // messageID -> record
	byTo     map[string][]string // recipient -> messageIDs
}

// NewMemory creates an empty in-memory mailbox.
func NewMemory() *Memory {
	return &Memory{
		messages: make(map[string]*Record),
		byTo:     make(map[string][]string),
	}
}

// Store implements Mailbox.
func (m *Memory) Store(ctx context.Context, env *envelope.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.messages[env.MessageID]; ok && existing.Envelope.To == env.To {
		return ErrAlreadyStored
	}

	rec := &Record{
		Envelope: *env,
		State:    StateQueued,
		StoredAt: time.Now().UTC(),
	}
	m.messages[env.MessageID] = rec
	m.byTo[env.To] = append(m.byTo[env.To], env.MessageID)

	logrus.WithFields(logrus.Fields{
		"function":  "Store",
		"messageID": env.MessageID,
		"to":        shortID(env.To),
	}).Debug("Envelope queued")

	return nil
}

// FetchUndelivered implements Mailbox.
func (m *Memory) FetchUndelivered(ctx context.Context, identity string, excludeSenders map[string]struct{}) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Record
	for _, id := range m.byTo[identity] {
		rec, ok := m.messages[id]
		if !ok || rec.State != StateQueued {
			continue
		}
		if _, excluded := excludeSenders[rec.Envelope.From]; excluded {
			continue
		}
		out = append(out, *rec)
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Envelope, out[j].Envelope
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Sequence < b.Sequence
	})

	return out, nil
}

// MarkDelivered implements Mailbox.
func (m *Memory) MarkDelivered(ctx context.Context, messageID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.messages[messageID]
	if !ok {
		return ErrNotFound
	}
	if rec.State != StateQueued {
		return nil
	}

	now := time.Now().UTC()
	rec.State = StateDelivered
	rec.DeliveredAt = &now
	return nil
}

// MarkRead implements Mailbox.
func (m *Memory) MarkRead(ctx context.Context, messageID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.messages[messageID]
	if !ok {
		return ErrNotFound
	}
	if rec.State == StateRead {
		return nil
	}

	now := time.Now().UTC()
	if rec.DeliveredAt == nil {
		rec.DeliveredAt = &now
	}
	rec.State = StateRead
	rec.ReadAt = &now
	return nil
}

// Delete implements Mailbox.
func (m *Memory) Delete(ctx context.Context, messageID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.messages[messageID]
	if !ok {
		return ErrNotFound
	}
	m.remove(messageID, rec.Envelope.To)
	return nil
}

// DeleteIfDeliveredBefore implements Mailbox.
func (m *Memory) DeleteIfDeliveredBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []string
	for id, rec := range m.messages {
		if rec.State == StateQueued || rec.DeliveredAt == nil {
			continue
		}
		if rec.DeliveredAt.Before(cutoff) {
			expired = append(expired, id)
		}
	}

	for _, id := range expired {
		m.remove(id, m.messages[id].Envelope.To)
	}

	if len(expired) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "DeleteIfDeliveredBefore",
			"count":    len(expired),
		}).Info("Swept delivered envelopes")
	}

	return len(expired), nil
}

// remove deletes a message from the map and its recipient index. Caller
// holds the lock.
func (m *Memory) remove(messageID, to string) {
	delete(m.messages, messageID)

	ids := m.byTo[to]
	for i, id := range ids {
		if id == messageID {
			m.byTo[to] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(m.byTo[to]) == 0 {
		delete(m.byTo, to)
	}
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
