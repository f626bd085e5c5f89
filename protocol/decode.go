package protocol

import (
	"bytes"
	"encoding/json"

	"blockworld-presence-server/domain"
)

// frame is the superset of all inbound wire fields. Which ones are
// required depends on type.
type frame struct {
	Type     string          `json:"type"`
	Room     string          `json:"room"`
	ClientID string          `json:"clientId"`
	Username string          `json:"username"`
	Message  string          `json:"message"`
	Presence json.RawMessage `json:"presence"`
}

var jsonNull = []byte("null")

// Decode turns a raw frame into a typed event. Unparseable JSON, a missing
// or unknown type, and missing required fields all yield (nil, false); the
// caller drops those without replying.
func Decode(raw []byte) (domain.Event, bool) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, false
	}

	switch f.Type {
	case "join":
		if f.Room == "" || f.ClientID == "" {
			return nil, false
		}
		return domain.Join{Room: f.Room, ClientID: f.ClientID}, true

	case "leave":
		if f.Room == "" || f.ClientID == "" {
			return nil, false
		}
		return domain.Leave{Room: f.Room, ClientID: f.ClientID}, true

	case "ping":
		return domain.Ping{}, true

	case "presence_update":
		if f.ClientID == "" || len(f.Presence) == 0 || bytes.Equal(f.Presence, jsonNull) {
			return nil, false
		}
		return domain.PresenceUpdate{ClientID: f.ClientID, Room: f.Room, Presence: f.Presence}, true

	case "chat":
		if f.ClientID == "" || f.Message == "" {
			return nil, false
		}
		return domain.Chat{ClientID: f.ClientID, Username: f.Username, Message: f.Message, Room: f.Room}, true
	}

	return nil, false
}
