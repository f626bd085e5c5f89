package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"blockworld-presence-server/domain"
	"blockworld-presence-server/metrics"
)

// DefaultSweepInterval is how often unresponsive sessions are evicted.
const DefaultSweepInterval = 30 * time.Second

// session is the per-connection state the hub owns: the room/clientId
// binding recorded at the last join, and the liveness flag driven by the
// sweeper and the transport pong callback.
type session struct {
	room     string
	clientID string
	bound    bool
	alive    bool
}

type Hub struct {
	log *slog.Logger

	mu       sync.RWMutex
	sessions map[domain.Connection]*session
}

func New(log *slog.Logger) *Hub {
	return &Hub{
		log:      log,
		sessions: make(map[domain.Connection]*session),
	}
}

func (h *Hub) Register(conn domain.Connection) {
	h.mu.Lock()
	h.sessions[conn] = &session{alive: true}
	count := len(h.sessions)
	h.mu.Unlock()

	metrics.ConnectionsOpened.Inc()
	h.log.Info("client connected", "sessionId", conn.ID(), "clients", count)
}

func (h *Hub) Unregister(conn domain.Connection) {
	h.mu.Lock()
	_, known := h.sessions[conn]
	delete(h.sessions, conn)
	count := len(h.sessions)
	h.mu.Unlock()

	if !known {
		return
	}
	metrics.ConnectionsClosed.Inc()
	h.log.Info("client disconnected", "sessionId", conn.ID(), "clients", count)
}

// Bind records the session's room membership. A later join overwrites the
// previous binding; relay scoping always uses the current one.
func (h *Hub) Bind(conn domain.Connection, room, clientID string) {
	h.mu.Lock()
	if s, ok := h.sessions[conn]; ok {
		s.room = room
		s.clientID = clientID
		s.bound = true
	}
	h.mu.Unlock()
}

func (h *Hub) Binding(conn domain.Connection) (room, clientID string, bound bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[conn]
	if !ok || !s.bound {
		return "", "", false
	}
	return s.room, s.clientID, true
}

// MarkAlive resets the liveness flag, canceling a pending eviction.
func (h *Hub) MarkAlive(conn domain.Connection) {
	h.mu.Lock()
	if s, ok := h.sessions[conn]; ok {
		s.alive = true
	}
	h.mu.Unlock()
}

// BroadcastAll sends data to every connected session. A failed send only
// skips that recipient; its read pump handles the actual teardown.
func (h *Hub) BroadcastAll(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.sessions {
		if err := conn.Send(data); err != nil {
			h.log.Debug("send failed", "sessionId", conn.ID(), "error", err)
		}
	}
}

// BroadcastRoom sends data to every session whose effective room matches.
// Sessions that never joined anywhere live in the global fallback room.
func (h *Hub) BroadcastRoom(room string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn, s := range h.sessions {
		if effectiveRoom(s) != room {
			continue
		}
		if err := conn.Send(data); err != nil {
			h.log.Debug("send failed", "sessionId", conn.ID(), "error", err)
		}
	}
}

func effectiveRoom(s *session) string {
	if s.bound && s.room != "" {
		return s.room
	}
	return domain.GlobalRoom
}

// Clients returns the number of live sessions.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// RunSweeper evicts sessions that fail to acknowledge a transport ping
// within one interval. Blocks until ctx is cancelled.
func (h *Hub) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

// sweep closes every session that did not pong since the previous tick,
// then arms the rest: alive is cleared and a transport ping goes out. The
// pong callback (MarkAlive) re-sets the flag before the next tick.
func (h *Hub) sweep() {
	var dead, probe []domain.Connection

	h.mu.Lock()
	for conn, s := range h.sessions {
		if !s.alive {
			dead = append(dead, conn)
			continue
		}
		s.alive = false
		probe = append(probe, conn)
	}
	h.mu.Unlock()

	for _, conn := range dead {
		metrics.Evictions.Inc()
		h.log.Info("evicting unresponsive client", "sessionId", conn.ID())
		// closing the transport unblocks the read pump, which runs the
		// same cleanup as an explicit leave
		_ = conn.Close()
	}
	for _, conn := range probe {
		if err := conn.Ping(); err != nil {
			h.log.Debug("ping failed", "sessionId", conn.ID(), "error", err)
		}
	}
}
