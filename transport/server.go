package transport

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/ephemrelay/auth"
)

// Handler receives connection lifecycle and protocol events. The relay
// engine implements it.
type Handler interface {
	// HandleConnect is called once the session is authenticated and both
	// pumps are running.
	HandleConnect(Conn)
	// HandleDisconnect is called exactly once when the session ends.
	HandleDisconnect(Conn)
	// HandleEvent is called for every decoded inbound event.
	HandleEvent(Conn, Event)
}

// AuthenticatedFunc is an optional hook invoked with the verified
// credential before the connection is handed to the Handler.
type AuthenticatedFunc func(auth.Credential)

// Server upgrades HTTP requests to authenticated relay sessions.
type Server struct {
	verifier        auth.Verifier
	handler         Handler
	onAuthenticated AuthenticatedFunc
	upgrader        websocket.Upgrader
}

// NewServer creates a WebSocket server that verifies bearer credentials
// with verifier and dispatches sessions to handler.
func NewServer(verifier auth.Verifier, handler Handler, onAuthenticated AuthenticatedFunc) *Server {
	return &Server{
		verifier:        verifier,
		handler:         handler,
		onAuthenticated: onAuthenticated,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Clients connect from apps, not browsers on this origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP implements http.Handler for the /ws endpoint.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "credential required", http.StatusUnauthorized)
		return
	}

	cred, err := s.verifier.Verify(token)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ServeHTTP",
			"remote":   r.RemoteAddr,
			"error":    err,
		}).Warn("Rejected connection with invalid credential")
		http.Error(w, "invalid credential", http.StatusUnauthorized)
		return
	}

	if s.onAuthenticated != nil {
		s.onAuthenticated(cred)
	}

	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ServeHTTP",
			"remote":   r.RemoteAddr,
			"error":    err,
		}).Warn("WebSocket upgrade failed")
		return
	}

	conn := newWSConn(uuid.New().String(), cred.Identity, cred.Alias, sock)

	logrus.WithFields(logrus.Fields{
		"function":   "ServeHTTP",
		"connection": conn.ID(),
		"identity":   logIdentity(cred.Identity),
	}).Info("Connection established")

	// Register with the handler before the read pump starts so no inbound
	// event can observe an unregistered connection. Outbound pushes queue
	// into the send buffer until the write pump drains them.
	s.handler.HandleConnect(conn)

	go conn.writePump()
	go conn.readPump(s)
}

// bearerToken extracts the credential from the Authorization header or,
// for clients that cannot set headers on upgrade requests, from the token
// query parameter.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// logIdentity shortens identity values for logs.
func logIdentity(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
