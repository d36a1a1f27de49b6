package transport

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/ephemrelay/envelope"
)

func testEnvelope(t *testing.T) *envelope.Envelope {
	t.Helper()

	km, err := envelope.NewKeyMaterial("aabbccdd")
	require.NoError(t, err)
	env, err := envelope.Seal(km, "alice", "bob", []byte("hi"))
	require.NoError(t, err)
	env.MessageID = "msg-1"
	return env
}

func TestEncodeDecodeEnvelopeEvents(t *testing.T) {
	env := testEnvelope(t)

	for _, typ := range []EventType{EventSubmitEnvelope, EventEnvelopeIncoming} {
		raw, err := Encode(Event{Type: typ, Envelope: env})
		require.NoError(t, err)

		decoded, err := Decode(raw)
		require.NoError(t, err)
		assert.Equal(t, typ, decoded.Type)
		require.NotNil(t, decoded.Envelope)
		assert.Equal(t, env.MessageID, decoded.Envelope.MessageID)
		assert.Equal(t, env.Ciphertext, decoded.Envelope.Ciphertext)
		assert.Equal(t, env.KeyMaterial, decoded.Envelope.KeyMaterial)
	}
}

func TestEncodeDecodeSignalEvents(t *testing.T) {
	at := time.Now().UTC().Truncate(time.Second)

	tests := []Event{
		{Type: EventSetStatus, Status: "away"},
		{Type: EventAckDelivery, MessageID: "m1"},
		{Type: EventAckRead, MessageID: "m1"},
		{Type: EventMessageDelivered, MessageID: "m1", At: at},
		{Type: EventMessageStored, MessageID: "m1", At: at},
		{Type: EventMessageBlocked, MessageID: "m1", At: at},
		{Type: EventMessageError, MessageID: "m1", Reason: "persistence_failure", Retryable: true, At: at},
		{Type: EventPresenceUpdate, Identity: "bob", Status: "online", At: at},
		{Type: EventReadReceipt, MessageID: "m1", Identity: "bob", At: at},
	}

	for _, ev := range tests {
		t.Run(ev.Type.String(), func(t *testing.T) {
			raw, err := Encode(ev)
			require.NoError(t, err)

			decoded, err := Decode(raw)
			require.NoError(t, err)
			assert.Equal(t, ev.Type, decoded.Type)
			assert.Equal(t, ev.MessageID, decoded.MessageID)
			assert.Equal(t, ev.Reason, decoded.Reason)
			assert.Equal(t, ev.Retryable, decoded.Retryable)
			assert.Equal(t, ev.Identity, decoded.Identity)
			assert.Equal(t, ev.Status, decoded.Status)
		})
	}
}

func TestEncodeRejectsUnknownType(t *testing.T) {
	_, err := Encode(Event{Type: EventUnknown})
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

func TestEncodeRequiresEnvelope(t *testing.T) {
	_, err := Encode(Event{Type: EventSubmitEnvelope})
	assert.Error(t, err)
}

func TestDecodeRejectsUnknownEventName(t *testing.T) {
	raw, err := json.Marshal(map[string]interface{}{
		"event": "steal_messages",
		"data":  map[string]string{},
	})
	require.NoError(t, err)

	_, err = Decode(raw)
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

func TestDecodeRejectsMalformedFrame(t *testing.T) {
	_, err := Decode([]byte("{not json"))
	assert.Error(t, err)
}

func TestWireNamesAreStable(t *testing.T) {
	// The wire names are the protocol contract with clients.
	assert.Equal(t, "submit_envelope", EventSubmitEnvelope.String())
	assert.Equal(t, "envelope_incoming", EventEnvelopeIncoming.String())
	assert.Equal(t, "message_delivered", EventMessageDelivered.String())
	assert.Equal(t, "message_stored", EventMessageStored.String())
	assert.Equal(t, "message_blocked", EventMessageBlocked.String())
	assert.Equal(t, "message_error", EventMessageError.String())
	assert.Equal(t, "presence_update", EventPresenceUpdate.String())
	assert.Equal(t, "read_receipt", EventReadReceipt.String())
	assert.Equal(t, "set_status", EventSetStatus.String())
	assert.Equal(t, "ack_delivery", EventAckDelivery.String())
	assert.Equal(t, "ack_read", EventAckRead.String())
}
