package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/ephemrelay/envelope"
)

// EventType identifies a protocol event. The set is closed; Decode rejects
// anything outside it.
type EventType uint8

const (
	// EventUnknown is the zero value and never valid on the wire.
	EventUnknown EventType = iota

	// Inbound (client to relay).

	// EventSubmitEnvelope submits an encrypted envelope for relay.
	EventSubmitEnvelope
	// EventSetStatus is an explicit client-driven presence change.
	EventSetStatus
	// EventAckDelivery affirms receipt of a relayed envelope.
	EventAckDelivery
	// EventAckRead is a read receipt from the recipient.
	EventAckRead

	// Outbound (relay to client).

	// EventEnvelopeIncoming pushes an envelope to a recipient connection.
	EventEnvelopeIncoming
	// EventMessageDelivered tells the sender the envelope reached a live
	// connection.
	EventMessageDelivered
	// EventMessageStored tells the sender the envelope was durably queued.
	EventMessageStored
	// EventMessageBlocked tells the sender the recipient refused the message.
	EventMessageBlocked
	// EventMessageError reports a terminal or retryable submission failure.
	EventMessageError
	// EventPresenceUpdate pushes another identity's status change.
	EventPresenceUpdate
	// EventReadReceipt relays a read receipt back to the original sender.
	EventReadReceipt
)

// ErrUnknownEvent indicates a wire event outside the closed set.
var ErrUnknownEvent = errors.New("unknown event type")

// wire names, fixed by the protocol.
const (
	nameSubmitEnvelope   = "submit_envelope"
	nameSetStatus        = "set_status"
	nameAckDelivery      = "ack_delivery"
	nameAckRead          = "ack_read"
	nameEnvelopeIncoming = "envelope_incoming"
	nameMessageDelivered = "message_delivered"
	nameMessageStored    = "message_stored"
	nameMessageBlocked   = "message_blocked"
	nameMessageError     = "message_error"
	namePresenceUpdate   = "presence_update"
	nameReadReceipt      = "read_receipt"
)

// String returns the wire name of the event type.
func (t EventType) String() string {
	switch t {
	case EventSubmitEnvelope:
		return nameSubmitEnvelope
	case EventSetStatus:
		return nameSetStatus
	case EventAckDelivery:
		return nameAckDelivery
	case EventAckRead:
		return nameAckRead
	case EventEnvelopeIncoming:
		return nameEnvelopeIncoming
	case EventMessageDelivered:
		return nameMessageDelivered
	case EventMessageStored:
		return nameMessageStored
	case EventMessageBlocked:
		return nameMessageBlocked
	case EventMessageError:
		return nameMessageError
	case EventPresenceUpdate:
		return namePresenceUpdate
	case EventReadReceipt:
		return nameReadReceipt
	default:
		return "unknown"
	}
}

// Event is one protocol message in either direction. Only the fields
// relevant to Type are populated.
type Event struct {
	Type EventType

	// Envelope for EventSubmitEnvelope and EventEnvelopeIncoming.
	Envelope *envelope.Envelope

	// MessageID for acknowledgment and message_* signal events.
	MessageID string
	// Reason for EventMessageError.
	Reason string
	// Retryable marks an EventMessageError the client may safely resubmit.
	Retryable bool

	// Status for EventSetStatus and EventPresenceUpdate.
	Status string
	// Identity is the subject of EventPresenceUpdate or the reader of
	// EventReadReceipt.
	Identity string

	// At timestamps outbound signals and presence updates.
	At time.Time
}

// signalPayload is the wire body shared by acknowledgment and message_*
// events.
type signalPayload struct {
	MessageID string    `json:"messageId"`
	Reason    string    `json:"reason,omitempty"`
	Retryable bool      `json:"retryable,omitempty"`
	Identity  string    `json:"identity,omitempty"`
	Status    string    `json:"status,omitempty"`
	At        time.Time `json:"timestamp,omitempty"`
}

// wireEvent is the outer JSON frame.
type wireEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Encode serializes an event to its wire frame.
func Encode(ev Event) ([]byte, error) {
	var data interface{}

	switch ev.Type {
	case EventSubmitEnvelope, EventEnvelopeIncoming:
		if ev.Envelope == nil {
			return nil, fmt.Errorf("event %s requires an envelope", ev.Type)
		}
		data = ev.Envelope
	case EventSetStatus:
		data = signalPayload{Status: ev.Status}
	case EventAckDelivery, EventAckRead, EventMessageDelivered, EventMessageStored, EventMessageBlocked:
		data = signalPayload{MessageID: ev.MessageID, At: ev.At}
	case EventMessageError:
		data = signalPayload{MessageID: ev.MessageID, Reason: ev.Reason, Retryable: ev.Retryable, At: ev.At}
	case EventPresenceUpdate:
		data = signalPayload{Identity: ev.Identity, Status: ev.Status, At: ev.At}
	case EventReadReceipt:
		data = signalPayload{MessageID: ev.MessageID, Identity: ev.Identity, At: ev.At}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownEvent, ev.Type)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}
	return json.Marshal(wireEvent{Event: ev.Type.String(), Data: raw})
}

// Decode parses a wire frame into an Event, rejecting unknown event names.
func Decode(raw []byte) (Event, error) {
	var frame wireEvent
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Event{}, fmt.Errorf("malformed event frame: %w", err)
	}

	var ev Event
	switch frame.Event {
	case nameSubmitEnvelope, nameEnvelopeIncoming:
		var env envelope.Envelope
		if err := json.Unmarshal(frame.Data, &env); err != nil {
			return Event{}, fmt.Errorf("malformed envelope payload: %w", err)
		}
		ev.Envelope = &env
		if frame.Event == nameSubmitEnvelope {
			ev.Type = EventSubmitEnvelope
		} else {
			ev.Type = EventEnvelopeIncoming
		}
		return ev, nil
	case nameSetStatus, nameAckDelivery, nameAckRead, nameMessageDelivered,
		nameMessageStored, nameMessageBlocked, nameMessageError,
		namePresenceUpdate, nameReadReceipt:
		var p signalPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			return Event{}, fmt.Errorf("malformed event payload: %w", err)
		}
		ev.MessageID = p.MessageID
		ev.Reason = p.Reason
		ev.Retryable = p.Retryable
		ev.Identity = p.Identity
		ev.Status = p.Status
		ev.At = p.At
		ev.Type = typeForName(frame.Event)
		return ev, nil
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEvent, frame.Event)
	}
}

func typeForName(name string) EventType {
	switch name {
	case nameSetStatus:
		return EventSetStatus
	case nameAckDelivery:
		return EventAckDelivery
	case nameAckRead:
		return EventAckRead
	case nameMessageDelivered:
		return EventMessageDelivered
	case nameMessageStored:
		return EventMessageStored
	case nameMessageBlocked:
		return EventMessageBlocked
	case nameMessageError:
		return EventMessageError
	case namePresenceUpdate:
		return EventPresenceUpdate
	case nameReadReceipt:
		return EventReadReceipt
	default:
		return EventUnknown
	}
}
