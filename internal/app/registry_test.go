package app

import (
	"context"
	"errors"
	"testing"

	"github.com/dkeye/voicehub/internal/domain"
)

func TestRegistryGetOrCreate(t *testing.T) {
	engine := newFakeEngine()
	reg := NewRegistry(engine)
	t.Cleanup(reg.Shutdown)
	ctx := context.Background()

	room1, err := reg.GetOrCreate(ctx, "lobby")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	room2, err := reg.GetOrCreate(ctx, "lobby")
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if room1 != room2 {
		t.Fatal("same room id must return the same instance")
	}
	if got, ok := reg.Get("lobby"); !ok || got != room1 {
		t.Fatal("Get disagrees with GetOrCreate")
	}
}

func TestRegistryInvalidRoomID(t *testing.T) {
	reg := NewRegistry(newFakeEngine())
	if _, err := reg.GetOrCreate(context.Background(), ""); !errors.Is(err, domain.ErrInvalidIdentity) {
		t.Fatalf("err = %v, want ErrInvalidIdentity", err)
	}
}

func TestRegistryEmptyRoomsPersist(t *testing.T) {
	engine := newFakeEngine()
	reg := NewRegistry(engine)
	t.Cleanup(reg.Shutdown)

	room, err := reg.GetOrCreate(context.Background(), "lobby")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	conn := &fakeConn{}
	mustJoin(t, room, "alice", "sid-a", conn)
	if err := room.Disconnect("alice", "sid-a"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	again, ok := reg.Get("lobby")
	if !ok || again != room {
		t.Fatal("empty room must survive its last member leaving")
	}

	infos := reg.List()
	if len(infos) != 1 || infos[0].ID != "lobby" || infos[0].UserCount != 0 {
		t.Fatalf("listing = %+v", infos)
	}
}

func TestRegistryStopRoom(t *testing.T) {
	engine := newFakeEngine()
	reg := NewRegistry(engine)
	t.Cleanup(reg.Shutdown)

	room, err := reg.GetOrCreate(context.Background(), "lobby")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	reg.StopRoom("lobby")

	if _, ok := reg.Get("lobby"); ok {
		t.Fatal("stopped room still listed")
	}
	if _, err := room.Join("alice", "sid-a", &fakeConn{}); !errors.Is(err, ErrRoomClosed) {
		t.Fatalf("join after stop err = %v, want ErrRoomClosed", err)
	}

	// A new room under the same id is a fresh instance.
	fresh, err := reg.GetOrCreate(context.Background(), "lobby")
	if err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if fresh == room {
		t.Fatal("recreated room must not be the stopped instance")
	}
}

func TestRegistryShutdown(t *testing.T) {
	engine := newFakeEngine()
	reg := NewRegistry(engine)

	if _, err := reg.GetOrCreate(context.Background(), "lobby"); err != nil {
		t.Fatalf("create: %v", err)
	}
	reg.Shutdown()

	if !engine.isClosed() {
		t.Fatal("shutdown must release the engine")
	}
	if got := reg.List(); len(got) != 0 {
		t.Fatalf("rooms after shutdown: %+v", got)
	}
}
