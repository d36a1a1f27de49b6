package ephemrelay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opd-ai/ephemrelay/envelope"
	"github.com/opd-ai/ephemrelay/identity"
	"github.com/opd-ai/ephemrelay/mailbox"
	"github.com/opd-ai/ephemrelay/transport"
)

// mockConn records pushed events for assertions and can be told to fail.
type mockConn struct {
	id       string
	identity string
	alias    string

	mu     sync.Mutex
	events []transport.Event
	fail   error
	closed bool
}

func newMockConn(id, identity string) *mockConn {
	return &mockConn{id: id, identity: identity}
}

func (m *mockConn) ID() string       { return m.id }
func (m *mockConn) Identity() string { return m.identity }
func (m *mockConn) Alias() string    { return m.alias }

func (m *mockConn) Send(ev transport.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.events = append(m.events, ev)
	return nil
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockConn) sent() []transport.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]transport.Event, len(m.events))
	copy(out, m.events)
	return out
}

func (m *mockConn) sentOf(t transport.EventType) []transport.Event {
	var out []transport.Event
	for _, ev := range m.sent() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (m *mockConn) failWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

// flakyMailbox wraps a real mailbox and fails Store on demand.
type flakyMailbox struct {
	mailbox.Mailbox

	mu       sync.Mutex
	storeErr error
}

func (f *flakyMailbox) Store(ctx context.Context, env *envelope.Envelope) error {
	f.mu.Lock()
	err := f.storeErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Mailbox.Store(ctx, env)
}

func (f *flakyMailbox) failStores(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.storeErr = err
}

// newTestRelay wires a relay to an in-memory directory and mailbox with
// alice and bob pre-registered.
func newTestRelay(t *testing.T) (*Relay, *identity.MemoryDirectory, *mailbox.Memory) {
	t.Helper()

	dir := identity.NewMemoryDirectory()
	require.NoError(t, dir.Register("alice", ""))
	require.NoError(t, dir.Register("bob", "8881234567"))

	box := mailbox.NewMemory()
	relay, err := New(Options{
		Directory:           dir,
		Mailbox:             box,
		CollaboratorTimeout: time.Second,
	})
	require.NoError(t, err)
	return relay, dir, box
}

// sealEnvelope produces a valid envelope from alice's side of the pairing.
func sealEnvelope(t *testing.T, id, to string) *envelope.Envelope {
	t.Helper()

	km, err := envelope.NewKeyMaterial("aabbccddeeff00112233")
	require.NoError(t, err)
	env, err := envelope.Seal(km, "", to, []byte("hello "+id))
	require.NoError(t, err)
	env.MessageID = id
	return env
}
