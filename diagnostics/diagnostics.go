// Package diagnostics exposes a read-only websocket feed of transport and
// channel state snapshots, modeled on
// Hyper-Int-OrcaBot/sandbox/internal/ws.Upgrade's origin-checked upgrader
// and its per-connection read/write-JSON loop. It is wired in as an
// optional collaborator: nothing in spec.md §4 depends on it running.
package diagnostics

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Snapshot is one point-in-time view of transport-core occupancy, pushed to
// every connected client at Server's configured interval.
type Snapshot struct {
	Timestamp      time.Time `json:"timestamp"`
	CreditWindow   int       `json:"credit_window"`
	ACLBREDRInUse  int       `json:"acl_bredr_in_use"`
	ACLBREDRMax    int       `json:"acl_bredr_max"`
	ACLLEInUse     int       `json:"acl_le_in_use,omitempty"`
	ACLLEMax       int       `json:"acl_le_max,omitempty"`
	QueuedACL      int       `json:"queued_acl"`
	ActiveConns    int       `json:"active_connections"`
	Advertising    bool      `json:"advertising"`
	Scanning       bool      `json:"scanning"`
}

// SnapshotFunc produces the current Snapshot on demand.
type SnapshotFunc func() Snapshot

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || strings.HasPrefix(origin, "http://localhost")
	},
}

// Server pushes Snapshot values to every connected websocket client on a
// fixed interval.
type Server struct {
	log      *logrus.Entry
	interval time.Duration
	snap     SnapshotFunc

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewServer constructs a Server that samples snap every interval (default
// 1s if zero or negative).
func NewServer(snap SnapshotFunc, interval time.Duration, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Server{
		log:      log.WithField("component", "diagnostics"),
		interval: interval,
		snap:     snap,
		clients:  make(map[*websocket.Conn]struct{}),
	}
}

// ServeHTTP upgrades the connection and registers it for broadcast. It
// returns once the client disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	s.mu.Lock()
	s.clients[conn] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	// Drain and discard inbound frames; this feed is read-only upward, but
	// we still need to notice the client closing the socket.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Run broadcasts snapshots until stop is closed.
func (s *Server) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.broadcast(s.snap())
		}
	}
}

func (s *Server) broadcast(snap Snapshot) {
	buf, err := json.Marshal(snap)
	if err != nil {
		s.log.WithError(err).Warn("failed to marshal diagnostics snapshot")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		if err := conn.WriteMessage(websocket.TextMessage, buf); err != nil {
			s.log.WithError(err).Debug("dropping diagnostics client after write error")
			delete(s.clients, conn)
			conn.Close()
		}
	}
}
