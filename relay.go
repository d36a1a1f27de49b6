package ephemrelay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/ephemrelay/envelope"
	"github.com/opd-ai/ephemrelay/identity"
	"github.com/opd-ai/ephemrelay/mailbox"
	"github.com/opd-ai/ephemrelay/presence"
	"github.com/opd-ai/ephemrelay/transport"
)

const (
	defaultCollaboratorTimeout = 5 * time.Second
	defaultRetentionWindow     = time.Hour
	defaultSweepInterval       = 10 * time.Minute
)

// Error reasons carried on message_error signals.
const (
	reasonMalformed        = "malformed_envelope"
	reasonKeyMaterial      = "invalid_key_material"
	reasonUnresolvable     = "recipient_unresolvable"
	reasonDirectory        = "directory_unavailable"
	reasonBlockedRecipient = "recipient_blocked"
	reasonPersistence      = "persistence_failure"
)

// Options configures a Relay. Directory and Mailbox are required; the rest
// default to production values.
type Options struct {
	// Directory resolves handles and answers block-list queries.
	Directory identity.Directory
	// Mailbox durably queues envelopes for offline recipients.
	Mailbox mailbox.Mailbox

	// CollaboratorTimeout bounds each directory and mailbox call.
	// Defaults to 5s.
	CollaboratorTimeout time.Duration
	// RetentionWindow is how long delivered messages stay in the mailbox
	// before the sweep removes them. Defaults to one hour.
	RetentionWindow time.Duration
	// SweepInterval is how often the retention sweep runs. Defaults to ten
	// minutes.
	SweepInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.CollaboratorTimeout <= 0 {
		o.CollaboratorTimeout = defaultCollaboratorTimeout
	}
	if o.RetentionWindow <= 0 {
		o.RetentionWindow = defaultRetentionWindow
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = defaultSweepInterval
	}
	return o
}

// Relay is the routing core. It implements transport.Handler: the transport
// layer hands it authenticated connections and decoded events, and it
// routes every submitted envelope to a live connection or the mailbox,
// answering each submission with exactly one terminal signal.
type Relay struct {
	directory identity.Directory
	box       mailbox.Mailbox

	registry    *presence.Registry
	broadcaster *presence.Broadcaster
	tracker     *tracker

	timeout       time.Duration
	retention     time.Duration
	sweepInterval time.Duration

	// seq totally orders submissions so equal createdAt values cannot
	// scramble queued delivery order.
	seq atomic.Uint64

	// recipientLocks serializes routing per recipient, so a reconnect
	// flush and a concurrent submission cannot interleave out of order.
	lockMu         sync.Mutex
	recipientLocks map[string]*sync.Mutex

	runMu    sync.Mutex
	running  bool
	stopChan chan struct{}
}

// New creates a Relay wired to its directory and mailbox. The presence
// registry and broadcaster are created internally; call Start to launch
// the retention sweep.
func New(opts Options) (*Relay, error) {
	if opts.Directory == nil {
		return nil, errors.New("ephemrelay: Options.Directory is required")
	}
	if opts.Mailbox == nil {
		return nil, errors.New("ephemrelay: Options.Mailbox is required")
	}
	opts = opts.withDefaults()

	registry := presence.NewRegistry()
	broadcaster := presence.NewBroadcaster(registry, opts.Directory, opts.CollaboratorTimeout)
	registry.OnChange(broadcaster.HandleChange)

	return &Relay{
		directory:      opts.Directory,
		box:            opts.Mailbox,
		registry:       registry,
		broadcaster:    broadcaster,
		tracker:        newTracker(opts.Mailbox, opts.Directory, registry, opts.CollaboratorTimeout),
		timeout:        opts.CollaboratorTimeout,
		retention:      opts.RetentionWindow,
		sweepInterval:  opts.SweepInterval,
		recipientLocks: make(map[string]*sync.Mutex),
	}, nil
}

// Registry exposes the presence registry for status queries.
func (r *Relay) Registry() *presence.Registry {
	return r.registry
}

// Start launches the retention sweep. Safe to call once; subsequent calls
// are no-ops until Stop.
func (r *Relay) Start() {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.stopChan = make(chan struct{})
	go r.sweepLoop(r.stopChan)

	logrus.WithFields(logrus.Fields{
		"function":  "Start",
		"retention": r.retention.String(),
		"sweep":     r.sweepInterval.String(),
	}).Info("Relay started")
}

// Stop halts the retention sweep and cancels pending read-expiry timers.
func (r *Relay) Stop() {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if !r.running {
		return
	}
	r.running = false
	close(r.stopChan)
	r.tracker.stop()

	logrus.WithField("function", "Stop").Info("Relay stopped")
}

func (r *Relay) sweepLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.tracker.sweep(r.retention)
		case <-stop:
			return
		}
	}
}

// HandleConnect implements transport.Handler. Registration flips presence
// first, then the new connection catches up on who is live, then queued
// messages flush under the recipient lock so nothing submitted concurrently
// can jump ahead of the backlog.
func (r *Relay) HandleConnect(c transport.Conn) {
	// The whole sequence runs under the recipient lock: a submission that
	// would relay live to this connection blocks until the backlog drained.
	unlock := r.lockRecipient(c.Identity())
	defer unlock()

	r.registry.Register(c.Identity(), c)
	r.broadcaster.CatchUp(c)
	r.tracker.flushQueued(c)
}

// HandleDisconnect implements transport.Handler.
func (r *Relay) HandleDisconnect(c transport.Conn) {
	r.registry.Deregister(c.Identity(), c.ID())
}

// HandleEvent implements transport.Handler.
func (r *Relay) HandleEvent(c transport.Conn, ev transport.Event) {
	switch ev.Type {
	case transport.EventSubmitEnvelope:
		r.submit(c, ev.Envelope)
	case transport.EventSetStatus:
		status, err := presence.ParseStatus(ev.Status)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "HandleEvent",
				"connection": c.ID(),
				"status":     ev.Status,
			}).Warn("Ignoring unknown status")
			return
		}
		r.registry.SetStatus(c.Identity(), status)
	case transport.EventAckDelivery:
		r.tracker.onDeliveryAck(ev.MessageID, c.Identity())
	case transport.EventAckRead:
		r.tracker.onReadReceipt(ev.MessageID, c.Identity())
	default:
		logrus.WithFields(logrus.Fields{
			"function":   "HandleEvent",
			"connection": c.ID(),
			"event":      ev.Type.String(),
		}).Warn("Ignoring unexpected inbound event")
	}
}

// submit routes one envelope and answers the sender with its terminal
// signal. The signal send itself is best-effort; the routing outcome stands
// regardless.
func (r *Relay) submit(c transport.Conn, env *envelope.Envelope) {
	if env == nil {
		return
	}

	state, err := r.Deliver(c.Identity(), env)
	if sendErr := c.Send(r.outcome(env.MessageID, state, err)); sendErr != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "submit",
			"connection": c.ID(),
			"messageId":  env.MessageID,
			"error":      sendErr,
		}).Warn("Failed to send terminal signal")
	}
}

// Deliver routes env from sender: validate, resolve, apply the privacy
// filter, then relay to live connections or queue in the mailbox. It
// mutates env, stamping From, CreatedAt and Sequence. The returned state
// is StateRelayed or StateQueued on success; duplicate submissions return
// the first submission's state.
func (r *Relay) Deliver(sender string, env *envelope.Envelope) (DeliveryState, error) {
	now := time.Now().UTC()
	env.From = sender
	if env.CreatedAt.IsZero() {
		env.CreatedAt = now
	}

	if err := env.Validate(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "Deliver",
			"messageId": env.MessageID,
			"error":     err,
		}).Warn("Rejected invalid envelope")
		return StateCreated, err
	}

	recipient, err := r.resolve(env.To)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return StateCreated, fmt.Errorf("%w: %s", ErrRecipientUnresolvable, env.To)
		}
		return StateCreated, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}
	env.To = recipient

	if err := r.checkBlocks(sender, recipient); err != nil {
		return StateCreated, err
	}

	unlock := r.lockRecipient(recipient)
	defer unlock()

	if state, ok := r.tracker.priorState(env.MessageID, recipient); ok {
		logrus.WithFields(logrus.Fields{
			"function":  "Deliver",
			"messageId": env.MessageID,
			"state":     state.String(),
		}).Debug("Duplicate submission, replaying outcome")
		return state, nil
	}

	env.Sequence = r.seq.Add(1)

	if r.pushLive(env) {
		r.tracker.record(env, StateRelayed)
		return StateRelayed, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	err = r.box.Store(ctx, env)
	cancel()
	switch {
	case errors.Is(err, mailbox.ErrAlreadyStored):
		// Queued before a restart; the stored copy is the deliverable one.
	case err != nil:
		logrus.WithFields(logrus.Fields{
			"function":  "Deliver",
			"messageId": env.MessageID,
			"error":     err,
		}).Error("Mailbox store failed")
		return StateCreated, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	r.tracker.record(env, StateQueued)
	logrus.WithFields(logrus.Fields{
		"function":  "Deliver",
		"messageId": env.MessageID,
	}).Info("Envelope queued for offline recipient")
	return StateQueued, nil
}

// checkBlocks applies both directions of the privacy filter. A recipient
// block suppresses the message without the recipient ever learning of it;
// a sender block is reported back as the sender's own configuration error.
func (r *Relay) checkBlocks(sender, recipient string) error {
	recipientBlocks, err := r.blockList(recipient)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}
	if _, ok := recipientBlocks[sender]; ok {
		logrus.WithField("function", "checkBlocks").Info("Suppressed message to blocking recipient")
		return ErrBlockedByRecipient
	}

	senderBlocks, err := r.blockList(sender)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}
	if _, ok := senderBlocks[recipient]; ok {
		return ErrBlockedRecipient
	}
	return nil
}

// pushLive fans the envelope out to every live connection of the recipient.
// One successful push is delivery; a failed push to one device never blocks
// the others.
func (r *Relay) pushLive(env *envelope.Envelope) bool {
	conns := r.registry.Connections(env.To)
	if len(conns) == 0 {
		return false
	}

	delivered := false
	for _, c := range conns {
		err := c.Send(transport.Event{Type: transport.EventEnvelopeIncoming, Envelope: env})
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "pushLive",
				"connection": c.ID(),
				"messageId":  env.MessageID,
				"error":      err,
			}).Warn("Live push failed")
			continue
		}
		delivered = true
	}
	return delivered
}

// outcome maps a Deliver result to the single terminal signal owed to the
// sender.
func (r *Relay) outcome(messageID string, state DeliveryState, err error) transport.Event {
	now := time.Now().UTC()

	if err == nil {
		if state == StateQueued {
			return transport.Event{Type: transport.EventMessageStored, MessageID: messageID, At: now}
		}
		return transport.Event{Type: transport.EventMessageDelivered, MessageID: messageID, At: now}
	}

	if errors.Is(err, ErrBlockedByRecipient) {
		return transport.Event{Type: transport.EventMessageBlocked, MessageID: messageID, At: now}
	}

	reason := reasonDirectory
	retryable := true
	switch {
	case errors.Is(err, envelope.ErrKeyMaterial):
		reason, retryable = reasonKeyMaterial, false
	case errors.Is(err, envelope.ErrMalformed):
		reason, retryable = reasonMalformed, false
	case errors.Is(err, ErrRecipientUnresolvable):
		reason, retryable = reasonUnresolvable, false
	case errors.Is(err, ErrBlockedRecipient):
		reason, retryable = reasonBlockedRecipient, false
	case errors.Is(err, ErrPersistence):
		reason, retryable = reasonPersistence, true
	}

	return transport.Event{
		Type:      transport.EventMessageError,
		MessageID: messageID,
		Reason:    reason,
		Retryable: retryable,
		At:        now,
	}
}

// lockRecipient acquires the per-recipient routing lock and returns its
// release.
func (r *Relay) lockRecipient(id string) func() {
	r.lockMu.Lock()
	mu, ok := r.recipientLocks[id]
	if !ok {
		mu = &sync.Mutex{}
		r.recipientLocks[id] = mu
	}
	r.lockMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

func (r *Relay) resolve(handle string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	return r.directory.Resolve(ctx, handle)
}

func (r *Relay) blockList(id string) (map[string]struct{}, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	return r.directory.BlockList(ctx, id)
}
