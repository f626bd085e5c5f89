package registry

import "sync"

// Registry is the authoritative in-memory room membership map. Rooms are
// created on first reference and never deleted; an empty room stays around
// as a zero-count entry. Counts are always computed from the member set.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]map[string]struct{}
}

func New() *Registry {
	return &Registry{rooms: make(map[string]map[string]struct{})}
}

// EnsureRoom creates the room if it does not exist yet.
func (r *Registry) EnsureRoom(name string) {
	r.mu.Lock()
	r.ensure(name)
	r.mu.Unlock()
}

func (r *Registry) ensure(name string) map[string]struct{} {
	members, ok := r.rooms[name]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[name] = members
	}
	return members
}

// AddMember inserts clientID into the room's member set. Re-adding an
// existing member is a no-op.
func (r *Registry) AddMember(room, clientID string) {
	r.mu.Lock()
	r.ensure(room)[clientID] = struct{}{}
	r.mu.Unlock()
}

// RemoveMember deletes clientID from the room's member set. Removing an
// absent member is a no-op. The room entry itself is kept.
func (r *Registry) RemoveMember(room, clientID string) {
	r.mu.Lock()
	delete(r.ensure(room), clientID)
	r.mu.Unlock()
}

// Count returns the member set cardinality, 0 for unknown rooms.
func (r *Registry) Count(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}

// Members returns a snapshot of the room's member ids.
func (r *Registry) Members(room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.rooms[room]))
	for id := range r.rooms[room] {
		out = append(out, id)
	}
	return out
}

// Rooms returns how many rooms have been referenced, empty ones included.
func (r *Registry) Rooms() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
