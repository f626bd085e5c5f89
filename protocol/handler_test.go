package protocol

import (
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockworld-presence-server/domain"
	"blockworld-presence-server/registry"
)

type mockConn struct {
	id   string
	mu   sync.Mutex
	sent [][]byte
}

func (m *mockConn) ID() string { return m.id }

func (m *mockConn) Send(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, data)
	return nil
}

func (m *mockConn) Ping() error  { return nil }
func (m *mockConn) Close() error { return nil }

func (m *mockConn) getSent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent
}

type binding struct {
	room     string
	clientID string
}

type mockBroadcaster struct {
	mu           sync.Mutex
	bindings     map[domain.Connection]binding
	all          [][]byte
	scoped       map[string][][]byte
	unregistered []string
}

func newMockBroadcaster() *mockBroadcaster {
	return &mockBroadcaster{
		bindings: map[domain.Connection]binding{},
		scoped:   map[string][][]byte{},
	}
}

func (m *mockBroadcaster) Register(conn domain.Connection)  {}
func (m *mockBroadcaster) MarkAlive(conn domain.Connection) {}

func (m *mockBroadcaster) Unregister(conn domain.Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bindings, conn)
	m.unregistered = append(m.unregistered, conn.ID())
}

func (m *mockBroadcaster) Bind(conn domain.Connection, room, clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bindings[conn] = binding{room: room, clientID: clientID}
}

func (m *mockBroadcaster) Binding(conn domain.Connection) (string, string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bindings[conn]
	return b.room, b.clientID, ok
}

func (m *mockBroadcaster) BroadcastAll(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.all = append(m.all, data)
}

func (m *mockBroadcaster) BroadcastRoom(room string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scoped[room] = append(m.scoped[room], data)
}

func (m *mockBroadcaster) getAll() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.all
}

func (m *mockBroadcaster) getScoped(room string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scoped[room]
}

type countCall struct {
	room  string
	count int
}

type mockStore struct {
	mu    sync.Mutex
	calls []countCall
}

func (m *mockStore) PersistCount(room string, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, countCall{room: room, count: count})
}

func (m *mockStore) getCalls() []countCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]countCall(nil), m.calls...)
}

// stalledStore never completes a write; used to prove the relay path does
// not wait on persistence.
type stalledStore struct {
	block chan struct{}
}

func (s *stalledStore) PersistCount(string, int) { <-s.block }

func newTestHandler() (*Handler, *mockBroadcaster, *registry.Registry, *mockStore) {
	b := newMockBroadcaster()
	rooms := registry.New()
	st := &mockStore{}
	return NewHandler(b, rooms, st, slog.Default()), b, rooms, st
}

func decodeFrame(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestHandler_Join(t *testing.T) {
	h, b, rooms, st := newTestHandler()
	conn := &mockConn{id: "s1"}

	h.Handle(conn, []byte(`{"type":"join","room":"lobby","clientId":"x1"}`))

	assert.Equal(t, 1, rooms.Count("lobby"))

	room, clientID, bound := b.Binding(conn)
	require.True(t, bound)
	assert.Equal(t, "lobby", room)
	assert.Equal(t, "x1", clientID)

	all := b.getAll()
	require.Len(t, all, 1)
	frame := decodeFrame(t, all[0])
	assert.Equal(t, "presence_count", frame["type"])
	assert.Equal(t, "lobby", frame["room"])
	assert.Equal(t, float64(1), frame["count"])

	require.Eventually(t, func() bool {
		return len(st.getCalls()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, countCall{room: "lobby", count: 1}, st.getCalls()[0])
}

func TestHandler_JoinTwiceSameClient(t *testing.T) {
	h, b, rooms, _ := newTestHandler()
	conn := &mockConn{id: "s1"}

	h.Handle(conn, []byte(`{"type":"join","room":"lobby","clientId":"x1"}`))
	h.Handle(conn, []byte(`{"type":"join","room":"lobby","clientId":"x1"}`))

	assert.Equal(t, 1, rooms.Count("lobby"), "set semantics: re-join is a no-op")

	all := b.getAll()
	require.Len(t, all, 2)
	frame := decodeFrame(t, all[1])
	assert.Equal(t, float64(1), frame["count"], "count recomputed from the set, no drift")
}

func TestHandler_Leave(t *testing.T) {
	h, b, rooms, _ := newTestHandler()
	conn := &mockConn{id: "s1"}

	h.Handle(conn, []byte(`{"type":"join","room":"lobby","clientId":"x1"}`))
	h.Handle(conn, []byte(`{"type":"leave","room":"lobby","clientId":"x1"}`))

	assert.Equal(t, 0, rooms.Count("lobby"))

	all := b.getAll()
	require.Len(t, all, 2)
	frame := decodeFrame(t, all[1])
	assert.Equal(t, float64(0), frame["count"])

	// binding survives a leave; the next join overwrites it
	_, _, bound := b.Binding(conn)
	assert.True(t, bound)
}

func TestHandler_PingRepliesToSenderOnly(t *testing.T) {
	h, b, _, _ := newTestHandler()
	conn := &mockConn{id: "s1"}

	h.Handle(conn, []byte(`{"type":"ping"}`))

	sent := conn.getSent()
	require.Len(t, sent, 1)
	frame := decodeFrame(t, sent[0])
	assert.Equal(t, "pong", frame["type"])

	assert.Empty(t, b.getAll())
	assert.Empty(t, b.getScoped("global"))
}

func TestHandler_ChatScopedToBoundRoom(t *testing.T) {
	h, b, _, _ := newTestHandler()
	conn := &mockConn{id: "s1"}

	h.Handle(conn, []byte(`{"type":"join","room":"lobby","clientId":"x1"}`))
	h.Handle(conn, []byte(`{"type":"chat","clientId":"x1","username":"Amy","message":"hi"}`))

	scoped := b.getScoped("lobby")
	require.Len(t, scoped, 1)
	frame := decodeFrame(t, scoped[0])
	assert.Equal(t, "chat", frame["type"])
	assert.Equal(t, "x1", frame["clientId"])
	assert.Equal(t, "Amy", frame["username"])
	assert.Equal(t, "hi", frame["message"])
	assert.Equal(t, "lobby", frame["room"])

	assert.Empty(t, b.getScoped("global"))
}

func TestHandler_ChatRoomResolution(t *testing.T) {
	tests := []struct {
		name     string
		bindRoom string
		raw      string
		wantRoom string
	}{
		{
			name:     "binding wins over frame room",
			bindRoom: "lobby",
			raw:      `{"type":"chat","clientId":"x1","message":"hi","room":"arena"}`,
			wantRoom: "lobby",
		},
		{
			name:     "frame room when unbound",
			raw:      `{"type":"chat","clientId":"x1","message":"hi","room":"arena"}`,
			wantRoom: "arena",
		},
		{
			name:     "global fallback",
			raw:      `{"type":"chat","clientId":"x1","message":"hi"}`,
			wantRoom: "global",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, b, _, _ := newTestHandler()
			conn := &mockConn{id: "s1"}
			if tt.bindRoom != "" {
				b.Bind(conn, tt.bindRoom, "x1")
			}

			h.Handle(conn, []byte(tt.raw))

			require.Len(t, b.getScoped(tt.wantRoom), 1)
			frame := decodeFrame(t, b.getScoped(tt.wantRoom)[0])
			assert.Equal(t, tt.wantRoom, frame["room"])
		})
	}
}

func TestHandler_ChatDefaultUsername(t *testing.T) {
	h, b, _, _ := newTestHandler()
	conn := &mockConn{id: "s1"}

	h.Handle(conn, []byte(`{"type":"chat","clientId":"x1","message":"hi"}`))

	frame := decodeFrame(t, b.getScoped("global")[0])
	assert.Equal(t, "Player", frame["username"])
}

func TestHandler_PresenceUpdateRelay(t *testing.T) {
	h, b, _, _ := newTestHandler()
	conn := &mockConn{id: "s1"}
	b.Bind(conn, "lobby", "x1")

	h.Handle(conn, []byte(`{"type":"presence_update","clientId":"x1","presence":{"x":3,"map":"hills"}}`))

	scoped := b.getScoped("lobby")
	require.Len(t, scoped, 1)
	frame := decodeFrame(t, scoped[0])
	assert.Equal(t, "presence_update", frame["type"])
	assert.Equal(t, "x1", frame["clientId"])
	assert.Equal(t, "lobby", frame["room"])
	assert.Equal(t, map[string]any{"x": float64(3), "map": "hills"}, frame["presence"])
}

func TestHandler_MalformedFramesDropped(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "join missing fields", raw: `{"type":"join"}`},
		{name: "unknown type", raw: `{"type":"warp","room":"lobby"}`},
		{name: "garbage", raw: `{{{`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, b, rooms, st := newTestHandler()
			conn := &mockConn{id: "s1"}

			h.Handle(conn, []byte(tt.raw))

			assert.Empty(t, b.getAll())
			assert.Empty(t, conn.getSent())
			assert.Equal(t, 0, rooms.Rooms())
			assert.Empty(t, st.getCalls())
		})
	}
}

func TestHandler_DisconnectCleansUpBinding(t *testing.T) {
	h, b, rooms, _ := newTestHandler()
	conn := &mockConn{id: "s1"}

	h.Handle(conn, []byte(`{"type":"join","room":"lobby","clientId":"x1"}`))
	h.Disconnect(conn)

	assert.Equal(t, 0, rooms.Count("lobby"))
	assert.Equal(t, []string{"s1"}, b.unregistered)

	all := b.getAll()
	require.Len(t, all, 2)
	frame := decodeFrame(t, all[1])
	assert.Equal(t, "presence_count", frame["type"])
	assert.Equal(t, "lobby", frame["room"])
	assert.Equal(t, float64(0), frame["count"])
}

func TestHandler_DisconnectWithoutJoinIsNoop(t *testing.T) {
	h, b, rooms, st := newTestHandler()
	conn := &mockConn{id: "s1"}

	h.Disconnect(conn)

	assert.Empty(t, b.getAll())
	assert.Equal(t, 0, rooms.Rooms())
	assert.Empty(t, st.getCalls())
}

func TestHandler_BroadcastDoesNotWaitOnStore(t *testing.T) {
	b := newMockBroadcaster()
	rooms := registry.New()
	st := &stalledStore{block: make(chan struct{})}
	defer close(st.block)
	h := NewHandler(b, rooms, st, slog.Default())
	conn := &mockConn{id: "s1"}

	done := make(chan struct{})
	go func() {
		h.Handle(conn, []byte(`{"type":"join","room":"lobby","clientId":"x1"}`))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("join blocked on the presence store")
	}

	assert.Equal(t, 1, rooms.Count("lobby"))
	require.Len(t, b.getAll(), 1)
}

func TestHandler_NilStore(t *testing.T) {
	b := newMockBroadcaster()
	rooms := registry.New()
	h := NewHandler(b, rooms, nil, slog.Default())
	conn := &mockConn{id: "s1"}

	h.Handle(conn, []byte(`{"type":"join","room":"lobby","clientId":"x1"}`))

	require.Len(t, b.getAll(), 1)
}
