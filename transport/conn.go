package transport

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// pongWait is the time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second
	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// maxMessageSize bounds inbound frames (hex-encoded ciphertext included).
	maxMessageSize = 4 * 1024 * 1024
	// sendBufferSize is the per-connection outbound queue depth.
	sendBufferSize = 256
)

// ErrConnClosed indicates a push to a connection whose transport is gone.
var ErrConnClosed = errors.New("connection closed")

// ErrSendBufferFull indicates a slow consumer; the push is dropped rather
// than blocking the caller.
var ErrSendBufferFull = errors.New("connection send buffer full")

// Conn is one live, authenticated session. The relay fans envelopes and
// presence updates out to every Conn registered for an identity.
type Conn interface {
	// ID is the server-assigned connection identifier, unique per session.
	ID() string
	// Identity is the canonical identity the session authenticated as.
	Identity() string
	// Alias is the identity's public alias, empty if it has none.
	Alias() string
	// Send queues an outbound event. It never blocks; a full buffer or a
	// closed connection returns an error and the event is dropped for this
	// connection only.
	Send(Event) error
	// Close tears the session down. Safe to call more than once.
	Close() error
}

// wsConn is the gorilla/websocket-backed Conn.
type wsConn struct {
	id       string
	identity string
	alias    string

	sock *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func newWSConn(id, identity, alias string, sock *websocket.Conn) *wsConn {
	return &wsConn{
		id:       id,
		identity: identity,
		alias:    alias,
		sock:     sock,
		send:     make(chan []byte, sendBufferSize),
		done:     make(chan struct{}),
	}
}

func (c *wsConn) ID() string       { return c.id }
func (c *wsConn) Identity() string { return c.identity }
func (c *wsConn) Alias() string    { return c.alias }

// Send implements Conn.
func (c *wsConn) Send(ev Event) error {
	raw, err := Encode(ev)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.send <- raw:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		logrus.WithFields(logrus.Fields{
			"function":   "Send",
			"connection": c.id,
			"event":      ev.Type.String(),
		}).Warn("Send buffer full, dropping event")
		return ErrSendBufferFull
	}
}

// Close implements Conn.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.sock.Close()
	})
	return nil
}

// readPump decodes inbound frames and dispatches them to the handler. It
// owns the socket's read side and triggers teardown on exit.
func (c *wsConn) readPump(s *Server) {
	defer func() {
		s.handler.HandleDisconnect(c)
		c.Close()
	}()

	c.sock.SetReadLimit(maxMessageSize)
	c.sock.SetReadDeadline(time.Now().Add(pongWait))
	c.sock.SetPongHandler(func(string) error {
		c.sock.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logrus.WithFields(logrus.Fields{
					"function":   "readPump",
					"connection": c.id,
					"error":      err,
				}).Debug("Connection read failed")
			}
			return
		}

		ev, err := Decode(raw)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "readPump",
				"connection": c.id,
				"error":      err,
			}).Warn("Dropping undecodable event")
			continue
		}

		s.handler.HandleEvent(c, ev)
	}
}

// writePump drains the send buffer onto the socket and keeps the session
// alive with pings. It owns the socket's write side.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case raw, ok := <-c.send:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.sock.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.sock.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
