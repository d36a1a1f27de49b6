package ephemrelay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/ephemrelay/envelope"
	"github.com/opd-ai/ephemrelay/identity"
	"github.com/opd-ai/ephemrelay/mailbox"
	"github.com/opd-ai/ephemrelay/presence"
	"github.com/opd-ai/ephemrelay/transport"
)

// deliveryRecord is the in-memory lifecycle entry for one message. The
// mailbox holds the durable queued state; this record exists so duplicate
// submissions and acknowledgments resolve without a storage round trip.
type deliveryRecord struct {
	from             string
	to               string
	state            DeliveryState
	expiresAfterRead int64
	updatedAt        time.Time
}

// tracker owns the message lifecycle map, the flush of queued envelopes on
// reconnect, acknowledgment handling, read-expiry timers and the retention
// sweep. All map access serializes on mu; mailbox and connection I/O happens
// outside it.
type tracker struct {
	box       mailbox.Mailbox
	directory identity.Directory
	registry  *presence.Registry
	timeout   time.Duration

	mu      sync.Mutex
	records map[string]*deliveryRecord
	timers  map[string]*time.Timer
}

func newTracker(box mailbox.Mailbox, directory identity.Directory, registry *presence.Registry, timeout time.Duration) *tracker {
	return &tracker{
		box:       box,
		directory: directory,
		registry:  registry,
		timeout:   timeout,
		records:   make(map[string]*deliveryRecord),
		timers:    make(map[string]*time.Timer),
	}
}

// priorState returns the recorded state of a message already submitted for
// the same recipient, so a duplicate submission replays its outcome instead
// of relaying twice.
func (t *tracker) priorState(messageID, recipient string) (DeliveryState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[messageID]
	if !ok || rec.to != recipient || rec.state == StateCreated {
		return StateCreated, false
	}
	return rec.state, true
}

// record commits the routing outcome of a freshly submitted envelope.
func (t *tracker) record(env *envelope.Envelope, state DeliveryState) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.records[env.MessageID] = &deliveryRecord{
		from:             env.From,
		to:               env.To,
		state:            state,
		expiresAfterRead: env.ExpiresAfterRead,
		updatedAt:        time.Now().UTC(),
	}
}

// flushQueued drains every queued envelope for the connection's identity, in
// stored order, before live traffic interleaves. A failed push stops the
// flush so ordering survives; the remainder stays queued for the next
// attempt.
func (t *tracker) flushQueued(conn transport.Conn) {
	to := conn.Identity()

	excluded, err := t.blockList(to)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "flushQueued",
			"error":    err,
		}).Warn("Block list unavailable, leaving queue untouched")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	recs, err := t.box.FetchUndelivered(ctx, to, excluded)
	cancel()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "flushQueued",
			"error":    err,
		}).Error("Failed to fetch queued messages")
		return
	}
	if len(recs) == 0 {
		return
	}

	flushed := 0
	for _, rec := range recs {
		env := rec.Envelope
		err := conn.Send(transport.Event{Type: transport.EventEnvelopeIncoming, Envelope: &env})
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "flushQueued",
				"connection": conn.ID(),
				"messageId":  env.MessageID,
				"error":      err,
			}).Warn("Queued push failed, stopping flush")
			break
		}

		if err := t.markDelivered(env.MessageID); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "flushQueued",
				"messageId": env.MessageID,
				"error":     err,
			}).Error("Failed to mark queued message delivered")
			break
		}
		t.transition(env.MessageID, env.From, to, StateDelivered, env.ExpiresAfterRead)
		flushed++
	}

	logrus.WithFields(logrus.Fields{
		"function":   "flushQueued",
		"connection": conn.ID(),
		"queued":     len(recs),
		"flushed":    flushed,
	}).Info("Queued messages flushed")
}

// onDeliveryAck moves a relayed or queued message to delivered. Acks from
// anyone but the recorded recipient are ignored.
func (t *tracker) onDeliveryAck(messageID, acker string) {
	t.mu.Lock()
	rec, ok := t.records[messageID]
	if ok && rec.to != acker {
		t.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function":  "onDeliveryAck",
			"messageId": messageID,
		}).Warn("Ignoring delivery ack from non-recipient")
		return
	}
	var wasQueued bool
	if ok {
		wasQueued = rec.state == StateQueued
		if rec.state == StateRelayed || rec.state == StateQueued {
			rec.state = StateDelivered
			rec.updatedAt = time.Now().UTC()
		}
	}
	t.mu.Unlock()

	// Without an in-memory record the message predates a restart and can
	// only be sitting in the mailbox.
	if !ok || wasQueued {
		if err := t.markDelivered(messageID); err != nil && !errors.Is(err, mailbox.ErrNotFound) {
			logrus.WithFields(logrus.Fields{
				"function":  "onDeliveryAck",
				"messageId": messageID,
				"error":     err,
			}).Error("Failed to persist delivery ack")
		}
	}
}

// onReadReceipt marks the message read, forwards the receipt to the
// sender's live connections and arms the read-expiry timer when the
// envelope asked for one.
func (t *tracker) onReadReceipt(messageID, reader string) {
	now := time.Now().UTC()

	t.mu.Lock()
	rec, ok := t.records[messageID]
	if ok && rec.to != reader {
		t.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function":  "onReadReceipt",
			"messageId": messageID,
		}).Warn("Ignoring read receipt from non-recipient")
		return
	}
	var sender string
	var expiry int64
	if ok {
		rec.state = StateRead
		rec.updatedAt = now
		sender = rec.from
		expiry = rec.expiresAfterRead
	}
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	err := t.box.MarkRead(ctx, messageID)
	cancel()
	if err != nil && !errors.Is(err, mailbox.ErrNotFound) {
		logrus.WithFields(logrus.Fields{
			"function":  "onReadReceipt",
			"messageId": messageID,
			"error":     err,
		}).Error("Failed to persist read receipt")
	}

	if sender != "" {
		receipt := transport.Event{
			Type:      transport.EventReadReceipt,
			MessageID: messageID,
			Identity:  reader,
			At:        now,
		}
		for _, c := range t.registry.Connections(sender) {
			if err := c.Send(receipt); err != nil {
				logrus.WithFields(logrus.Fields{
					"function":   "onReadReceipt",
					"connection": c.ID(),
					"error":      err,
				}).Warn("Read receipt push failed")
			}
		}
	}

	if expiry > 0 {
		t.armExpiry(messageID, time.Duration(expiry)*time.Second)
	}
}

// armExpiry schedules the post-read deletion of a message. Re-arming an
// existing timer resets it; read receipts are idempotent.
func (t *tracker) armExpiry(messageID string, after time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if timer, ok := t.timers[messageID]; ok {
		timer.Stop()
	}
	t.timers[messageID] = time.AfterFunc(after, func() { t.expire(messageID) })
}

// expire removes a read message once its ephemerality window lapses.
func (t *tracker) expire(messageID string) {
	t.mu.Lock()
	delete(t.records, messageID)
	delete(t.timers, messageID)
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	err := t.box.Delete(ctx, messageID)
	if err != nil && !errors.Is(err, mailbox.ErrNotFound) {
		logrus.WithFields(logrus.Fields{
			"function":  "expire",
			"messageId": messageID,
			"error":     err,
		}).Error("Failed to expire read message")
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":  "expire",
		"messageId": messageID,
	}).Debug("Read message expired")
}

// sweep removes delivered and read messages older than the retention
// window from the mailbox, and prunes matching in-memory records.
func (t *tracker) sweep(retention time.Duration) {
	cutoff := time.Now().UTC().Add(-retention)

	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	count, err := t.box.DeleteIfDeliveredBefore(ctx, cutoff)
	cancel()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sweep",
			"error":    err,
		}).Error("Retention sweep failed")
		return
	}

	t.mu.Lock()
	pruned := 0
	for id, rec := range t.records {
		if rec.state != StateDelivered && rec.state != StateRead {
			continue
		}
		if rec.updatedAt.Before(cutoff) {
			delete(t.records, id)
			pruned++
		}
	}
	t.mu.Unlock()

	if count > 0 || pruned > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "sweep",
			"deleted":  count,
			"pruned":   pruned,
		}).Info("Retention sweep completed")
	}
}

// stop cancels every armed expiry timer.
func (t *tracker) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
}

// transition upserts a record into the given state. flushQueued needs the
// upsert: after a restart the queued message exists only in the mailbox.
func (t *tracker) transition(messageID, from, to string, state DeliveryState, expiresAfterRead int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[messageID]
	if !ok {
		rec = &deliveryRecord{from: from, to: to, expiresAfterRead: expiresAfterRead}
		t.records[messageID] = rec
	}
	rec.state = state
	rec.updatedAt = time.Now().UTC()
}

func (t *tracker) markDelivered(messageID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	return t.box.MarkDelivered(ctx, messageID)
}

func (t *tracker) blockList(id string) (map[string]struct{}, error) {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	return t.directory.BlockList(ctx, id)
}
