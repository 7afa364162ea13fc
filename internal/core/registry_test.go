package core

import "testing"

func TestRegistryGetOrCreateIsIdempotent(t *testing.T) {
	reg := NewRegistry()
	r1 := reg.GetOrCreate("ABCD")
	r2 := reg.GetOrCreate("ABCD")
	if r1 != r2 {
		t.Fatal("expected GetOrCreate to return the same room for the same code")
	}
	if reg.RoomCount() != 1 {
		t.Fatalf("expected 1 room, got %d", reg.RoomCount())
	}
}

func TestRegistryGetMissing(t *testing.T) {
	reg := NewRegistry()
	if _, ok := reg.Get("NOPE"); ok {
		t.Fatal("expected Get to report missing room")
	}
}

func TestRegistryEagerReap(t *testing.T) {
	reg := NewRegistry()
	r := reg.GetOrCreate("ABCD")
	member, _, err := r.Join("u1", "alice", 8)
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	if _, emptied, ok := r.Leave("u1", member.Send); !ok || !emptied {
		t.Fatalf("expected leave to empty the room: ok=%v emptied=%v", ok, emptied)
	}
	reg.Reap("ABCD")

	if _, ok := reg.Get("ABCD"); ok {
		t.Fatal("expected room to be reaped once empty")
	}
	if reg.RoomCount() != 0 {
		t.Fatalf("expected 0 rooms after reap, got %d", reg.RoomCount())
	}
}

func TestRegistryReapSkipsNonEmptyRoom(t *testing.T) {
	reg := NewRegistry()
	r := reg.GetOrCreate("ABCD")
	if _, _, err := r.Join("u1", "alice", 8); err != nil {
		t.Fatalf("join: %v", err)
	}

	reg.Reap("ABCD")

	if _, ok := reg.Get("ABCD"); !ok {
		t.Fatal("expected room with members to survive Reap")
	}
}
