package protocol

import (
	"encoding/json"
	"log/slog"

	"blockworld-presence-server/domain"
	"blockworld-presence-server/metrics"
	"blockworld-presence-server/registry"
)

// Handler is the relay dispatcher: it decodes inbound frames and routes
// each event to its side effect. Membership lives in the registry, session
// bindings and fan-out in the broadcaster, and the count mirror is written
// through fire-and-forget.
type Handler struct {
	broadcaster domain.Broadcaster
	rooms       *registry.Registry
	store       domain.CountStore
	log         *slog.Logger
}

func NewHandler(b domain.Broadcaster, rooms *registry.Registry, store domain.CountStore, log *slog.Logger) *Handler {
	return &Handler{broadcaster: b, rooms: rooms, store: store, log: log}
}

func (h *Handler) Handle(conn domain.Connection, data []byte) {
	ev, ok := Decode(data)
	if !ok {
		metrics.FramesDropped.Inc()
		h.log.Debug("dropped frame", "sessionId", conn.ID())
		return
	}

	switch ev := ev.(type) {
	case domain.Join:
		metrics.Events.WithLabelValues("join").Inc()
		h.rooms.AddMember(ev.Room, ev.ClientID)
		h.broadcaster.Bind(conn, ev.Room, ev.ClientID)
		h.announceCount(ev.Room)

	case domain.Leave:
		metrics.Events.WithLabelValues("leave").Inc()
		// the binding stays; the session may join another room later
		h.rooms.RemoveMember(ev.Room, ev.ClientID)
		h.announceCount(ev.Room)

	case domain.Ping:
		metrics.Events.WithLabelValues("ping").Inc()
		if data, err := json.Marshal(domain.Pong{Type: "pong"}); err == nil {
			_ = conn.Send(data)
		}

	case domain.PresenceUpdate:
		metrics.Events.WithLabelValues("presence_update").Inc()
		room := h.resolveRoom(conn, ev.Room)
		out, err := json.Marshal(domain.PresenceRelay{
			Type:     "presence_update",
			ClientID: ev.ClientID,
			Presence: ev.Presence,
			Room:     room,
		})
		if err != nil {
			return
		}
		h.broadcaster.BroadcastRoom(room, out)

	case domain.Chat:
		metrics.Events.WithLabelValues("chat").Inc()
		room := h.resolveRoom(conn, ev.Room)
		username := ev.Username
		if username == "" {
			username = domain.DefaultUsername
		}
		out, err := json.Marshal(domain.ChatRelay{
			Type:     "chat",
			ClientID: ev.ClientID,
			Username: username,
			Message:  ev.Message,
			Room:     room,
		})
		if err != nil {
			return
		}
		h.broadcaster.BroadcastRoom(room, out)
	}
}

// Disconnect runs the cleanup path shared by socket close and sweeper
// eviction: the same effect as an explicit leave for whatever binding the
// session last held. A session that never joined is just unregistered.
func (h *Handler) Disconnect(conn domain.Connection) {
	room, clientID, bound := h.broadcaster.Binding(conn)
	h.broadcaster.Unregister(conn)
	if !bound {
		return
	}
	h.rooms.RemoveMember(room, clientID)
	h.announceCount(room)
}

// announceCount recomputes the room's count from the authoritative member
// set, mirrors it to the store without waiting, and broadcasts it to every
// connected session. The count broadcast is deliberately global while chat
// and presence relay stay room-scoped.
func (h *Handler) announceCount(room string) {
	count := h.rooms.Count(room)
	if h.store != nil {
		go h.store.PersistCount(room, count)
	}
	out, err := json.Marshal(domain.PresenceCount{Type: "presence_count", Room: room, Count: count})
	if err != nil {
		return
	}
	h.broadcaster.BroadcastAll(out)
}

// resolveRoom picks the relay scope: the sender's current binding wins,
// then the room named in the frame, then the global fallback.
func (h *Handler) resolveRoom(conn domain.Connection, eventRoom string) string {
	if room, _, ok := h.broadcaster.Binding(conn); ok && room != "" {
		return room
	}
	if eventRoom != "" {
		return eventRoom
	}
	return domain.GlobalRoom
}
