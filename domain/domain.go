package domain

import "encoding/json"

// GlobalRoom is the fallback room for sessions that never joined anywhere.
const GlobalRoom = "global"

// DefaultUsername is used when a chat frame carries no username.
const DefaultUsername = "Player"

// Event is a decoded inbound frame. Exactly one concrete type per wire
// message type; anything that fails validation never becomes an Event.
type Event interface {
	isEvent()
}

type Join struct {
	Room     string
	ClientID string
}

type Leave struct {
	Room     string
	ClientID string
}

type Ping struct{}

// PresenceUpdate carries an opaque presence blob. Room is optional on the
// wire; the dispatcher resolves the effective room from the session binding.
type PresenceUpdate struct {
	ClientID string
	Room     string
	Presence json.RawMessage
}

type Chat struct {
	ClientID string
	Username string
	Message  string
	Room     string
}

func (Join) isEvent()           {}
func (Leave) isEvent()          {}
func (Ping) isEvent()           {}
func (PresenceUpdate) isEvent() {}
func (Chat) isEvent()           {}

// Outbound frames.

type PresenceCount struct {
	Type  string `json:"type"`
	Room  string `json:"room"`
	Count int    `json:"count"`
}

type Pong struct {
	Type string `json:"type"`
}

type PresenceRelay struct {
	Type     string          `json:"type"`
	ClientID string          `json:"clientId"`
	Presence json.RawMessage `json:"presence"`
	Room     string          `json:"room"`
}

type ChatRelay struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
	Username string `json:"username"`
	Message  string `json:"message"`
	Room     string `json:"room"`
}

// Connection is one live client transport.
type Connection interface {
	ID() string
	Send(data []byte) error
	Ping() error
	Close() error
}

// Broadcaster tracks live sessions, their room bindings, and fans frames
// out to them. Send failures for individual recipients are swallowed.
type Broadcaster interface {
	Register(conn Connection)
	Unregister(conn Connection)
	Bind(conn Connection, room, clientID string)
	Binding(conn Connection) (room, clientID string, bound bool)
	MarkAlive(conn Connection)
	BroadcastAll(data []byte)
	BroadcastRoom(room string, data []byte)
}

// MessageHandler decodes and dispatches inbound frames.
type MessageHandler interface {
	Handle(conn Connection, data []byte)
	Disconnect(conn Connection)
}

// CountStore mirrors per-room member counts durably. Implementations are
// best-effort: they log and swallow their own failures.
type CountStore interface {
	PersistCount(room string, count int)
}
