package presence

import (
	"sync"

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

func (m *mockConn) failWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}
