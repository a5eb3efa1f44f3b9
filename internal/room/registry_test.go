package room

import (
	"reflect"
	"testing"
)

type recordingSender struct {
	frames [][]byte
	full   bool
}

func (s *recordingSender) Enqueue(data []byte) bool {
	if s.full {
		return false
	}
	s.frames = append(s.frames, data)
	return true
}

func TestBroadcast_RoomScoped(t *testing.T) {
	r := NewRegistry()

	a := &recordingSender{}
	b := &recordingSender{}
	other := &recordingSender{}

	ha := r.Join("x", "alice", a)
	r.Join("x", "bob", b)
	r.Join("y", "carol", other)

	n := r.Broadcast("x", []byte("hello"), ha)
	if n != 1 {
		t.Fatalf("delivered=%d, want 1", n)
	}
	if len(a.frames) != 0 {
		t.Fatalf("sender received its own broadcast")
	}
	if len(b.frames) != 1 || string(b.frames[0]) != "hello" {
		t.Fatalf("room member frames=%q", b.frames)
	}
	if len(other.frames) != 0 {
		t.Fatalf("broadcast leaked into another room")
	}
}

func TestBroadcast_EmptyRoomIsNoop(t *testing.T) {
	r := NewRegistry()
	if n := r.Broadcast("nowhere", []byte("x"), Handle{}); n != 0 {
		t.Fatalf("delivered=%d, want 0", n)
	}
}

func TestBroadcast_JoinOrderPreserved(t *testing.T) {
	r := NewRegistry()

	first := &recordingSender{}
	second := &recordingSender{}
	r.Join("x", "first", first)
	r.Join("x", "second", second)

	r.Broadcast("x", []byte("one"), Handle{})
	r.Broadcast("x", []byte("two"), Handle{})

	want := [][]byte{[]byte("one"), []byte("two")}
	if !reflect.DeepEqual(first.frames, want) || !reflect.DeepEqual(second.frames, want) {
		t.Fatalf("frames=%q/%q, want %q", first.frames, second.frames, want)
	}
}

func TestBroadcast_FullQueueDropsForThatRecipientOnly(t *testing.T) {
	r := NewRegistry()

	slow := &recordingSender{full: true}
	fast := &recordingSender{}
	r.Join("x", "slow", slow)
	r.Join("x", "fast", fast)

	if n := r.Broadcast("x", []byte("hi"), Handle{}); n != 1 {
		t.Fatalf("delivered=%d, want 1", n)
	}
	if len(fast.frames) != 1 {
		t.Fatalf("fast recipient missed the broadcast")
	}
}

func TestLeave_UnknownHandleIsNoop(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Leave(Handle{}); ok {
		t.Fatalf("Leave on zero handle reported a removal")
	}

	h := r.Join("x", "alice", &recordingSender{})
	if info, ok := r.Leave(h); !ok || info.Nickname != "alice" {
		t.Fatalf("Leave=%v,%v", info, ok)
	}
	if _, ok := r.Leave(h); ok {
		t.Fatalf("second Leave on same handle reported a removal")
	}
}

func TestLeave_EmptyRoomIsDestroyed(t *testing.T) {
	r := NewRegistry()
	h := r.Join("x", "alice", &recordingSender{})
	r.Leave(h)

	if n := r.RoomSize("x"); n != 0 {
		t.Fatalf("RoomSize=%d after last leave", n)
	}
	if _, ok := r.rooms["x"]; ok {
		t.Fatalf("empty room retained in registry")
	}
}

func TestListOthers(t *testing.T) {
	r := NewRegistry()

	ha := r.Join("x", "alice", &recordingSender{})
	r.Join("x", "bob", &recordingSender{})
	r.Join("x", "carol", &recordingSender{})

	others := r.ListOthers("x", ha)
	if len(others) != 2 || others[0].Nickname != "bob" || others[1].Nickname != "carol" {
		t.Fatalf("ListOthers=%v", others)
	}
	if others[0].ID == others[1].ID || others[0].ID == "" {
		t.Fatalf("participant IDs not unique: %v", others)
	}
}

func TestJoin_SameNicknameNotDeduplicated(t *testing.T) {
	r := NewRegistry()
	r.Join("x", "alice", &recordingSender{})
	r.Join("x", "alice", &recordingSender{})
	if n := r.RoomSize("x"); n != 2 {
		t.Fatalf("RoomSize=%d, want 2", n)
	}
}
