package presence

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/ephemrelay/identity"
	"github.com/opd-ai/ephemrelay/transport"
)

// Broadcaster fans presence changes out to every live, non-blocked
// identity, and replays the current presence picture to newly connected
// clients.
type Broadcaster struct {
	registry  *Registry
	directory identity.Directory
	timeout   time.Duration
}

// NewBroadcaster wires a broadcaster to the registry it observes and the
// directory it consults for the privacy filter. timeout bounds each
// directory lookup.
func NewBroadcaster(registry *Registry, directory identity.Directory, timeout time.Duration) *Broadcaster {
	return &Broadcaster{registry: registry, directory: directory, timeout: timeout}
}

// HandleChange pushes rec to every other live identity unless either side
// blocks the other. A failed push to one connection never stops the
// fan-out to the rest.
func (b *Broadcaster) HandleChange(rec Record) {
	ev := transport.Event{
		Type:     transport.EventPresenceUpdate,
		Identity: rec.Identity,
		Status:   rec.Status.String(),
		At:       rec.LastChange,
	}

	for _, other := range b.registry.Live() {
		if other.Identity == rec.Identity {
			continue
		}
		if b.blocked(rec.Identity, other.Identity) {
			continue
		}
		for _, conn := range b.registry.Connections(other.Identity) {
			if err := conn.Send(ev); err != nil {
				logrus.WithFields(logrus.Fields{
					"function":   "HandleChange",
					"connection": conn.ID(),
					"error":      err,
				}).Warn("Presence push failed, continuing fan-out")
			}
		}
	}
}

// CatchUp sends the current status of every other live, non-blocked
// identity to a just-registered connection, so it does not have to wait
// for the next change event to learn who is reachable.
func (b *Broadcaster) CatchUp(conn transport.Conn) {
	self := conn.Identity()

	for _, other := range b.registry.Live() {
		if other.Identity == self {
			continue
		}
		if b.blocked(self, other.Identity) {
			continue
		}

		err := conn.Send(transport.Event{
			Type:     transport.EventPresenceUpdate,
			Identity: other.Identity,
			Status:   other.Status.String(),
			At:       other.LastChange,
		})
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "CatchUp",
				"connection": conn.ID(),
				"error":      err,
			}).Warn("Presence catch-up push failed")
			return
		}
	}
}

// blocked applies the bidirectional privacy filter. A directory failure
// suppresses the update: presence must never leak past an unverifiable
// block relationship.
func (b *Broadcaster) blocked(a, c string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	blocked, err := b.directory.IsBlocked(ctx, a, c)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "blocked",
			"error":    err,
		}).Warn("Block lookup failed, suppressing presence update")
		return true
	}
	return blocked
}
