// Package room tracks which participants currently share a room.
//
// The registry owns no network I/O. Connection handlers register a Sender
// (their outbound queue) and hold an opaque Handle; the registry never keeps
// a reference back to the socket, which keeps teardown one-directional.
package room

import (
	"sync"

	"github.com/google/uuid"
)

// Sender is the outbound side of one participant's control channel.
//
// Enqueue must never block; a full queue reports false and the envelope is
// dropped for that recipient only.
type Sender interface {
	Enqueue(data []byte) bool
}

// Handle identifies a registered participant. The zero Handle is never
// issued and is safe to pass to Leave/ListOthers (treated as unknown).
type Handle struct {
	id uint64
}

// Info is the externally visible slice of a participant.
type Info struct {
	ID       string
	Nickname string
}

type participant struct {
	id       uint64
	publicID string
	room     string
	nickname string
	sender   Sender
}

// Registry maps room keys to their current participants in join order.
//
// All methods are safe for concurrent use; join/leave/broadcast appear
// atomic relative to each other under a single mutex.
type Registry struct {
	mu     sync.Mutex
	nextID uint64
	byID   map[uint64]*participant
	rooms  map[string][]*participant
}

func NewRegistry() *Registry {
	return &Registry{
		byID:  make(map[uint64]*participant),
		rooms: make(map[string][]*participant),
	}
}

// Join registers a participant in the named room, creating the room on first
// join. Re-joining from the same connection creates a new entry; nicknames
// are not deduplicated.
func (r *Registry) Join(room, nickname string, sender Sender) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	p := &participant{
		id:       r.nextID,
		publicID: uuid.NewString(),
		room:     room,
		nickname: nickname,
		sender:   sender,
	}
	r.byID[p.id] = p
	r.rooms[room] = append(r.rooms[room], p)
	return Handle{id: p.id}
}

// Leave removes the participant. Unknown handles are a no-op, never an
// error. The second return reports whether anything was removed.
func (r *Registry) Leave(h Handle) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.byID[h.id]
	if !ok {
		return Info{}, false
	}
	delete(r.byID, h.id)

	members := r.rooms[p.room]
	for i, member := range members {
		if member.id == p.id {
			members = append(members[:i], members[i+1:]...)
			break
		}
	}
	if len(members) == 0 {
		// Empty rooms are not kept around; they come back on the next join.
		delete(r.rooms, p.room)
	} else {
		r.rooms[p.room] = members
	}
	return Info{ID: p.publicID, Nickname: p.nickname}, true
}

// Broadcast enqueues data to every participant in the room except exclude,
// in join order. Broadcasting to an absent room is a no-op. It returns the
// number of participants the data was enqueued to.
func (r *Registry) Broadcast(room string, data []byte, exclude Handle) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	delivered := 0
	for _, p := range r.rooms[room] {
		if p.id == exclude.id {
			continue
		}
		if p.sender.Enqueue(data) {
			delivered++
		}
	}
	return delivered
}

// ListOthers returns the other participants in the room, in join order.
func (r *Registry) ListOthers(room string, exclude Handle) []Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Info
	for _, p := range r.rooms[room] {
		if p.id == exclude.id {
			continue
		}
		out = append(out, Info{ID: p.publicID, Nickname: p.nickname})
	}
	return out
}

// Lookup returns the registered info for a handle.
func (r *Registry) Lookup(h Handle) (Info, string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.byID[h.id]
	if !ok {
		return Info{}, "", false
	}
	return Info{ID: p.publicID, Nickname: p.nickname}, p.room, true
}

// RoomSize reports the current number of participants in the room.
func (r *Registry) RoomSize(room string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms[room])
}
