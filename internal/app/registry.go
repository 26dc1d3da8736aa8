package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicehub/internal/domain"
	"github.com/dkeye/voicehub/internal/media"
)

// Registry owns the set of active rooms and is the only component allowed to
// allocate routers from the shared media engine. Rooms are created lazily on
// first join and never evicted when they empty out; StopRoom is an explicit
// administrative action.
type Registry struct {
	engine media.Engine

	mu    sync.RWMutex
	rooms map[domain.RoomID]*Room
}

func NewRegistry(engine media.Engine) *Registry {
	return &Registry{
		engine: engine,
		rooms:  make(map[domain.RoomID]*Room),
	}
}

// GetOrCreate returns the room, allocating its router and starting its task
// loop on first use.
func (g *Registry) GetOrCreate(ctx context.Context, roomID domain.RoomID) (*Room, error) {
	if roomID == "" {
		return nil, domain.ErrInvalidIdentity
	}

	g.mu.RLock()
	room, ok := g.rooms[roomID]
	g.mu.RUnlock()
	if ok {
		return room, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if room, ok = g.rooms[roomID]; ok {
		return room, nil
	}
	router, err := g.engine.NewRouter(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrEngineFailure, err)
	}
	room = newRoom(roomID, router, log.With().Str("module", "app.room").Str("room", string(roomID)).Logger())
	g.rooms[roomID] = room
	go room.run()
	log.Info().Str("module", "app.registry").Str("room", string(roomID)).Msg("room created")
	return room, nil
}

func (g *Registry) Get(roomID domain.RoomID) (*Room, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	room, ok := g.rooms[roomID]
	return room, ok
}

// RoomInfo is a read-only view for admin listings.
type RoomInfo struct {
	ID        domain.RoomID `json:"id"`
	UserCount int           `json:"userCount"`
}

func (g *Registry) List() []RoomInfo {
	g.mu.RLock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, room := range g.rooms {
		rooms = append(rooms, room)
	}
	g.mu.RUnlock()

	out := make([]RoomInfo, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, RoomInfo{ID: room.ID(), UserCount: room.UserCount()})
	}
	return out
}

// StopRoom closes a room explicitly. Nothing calls this on empty rooms.
func (g *Registry) StopRoom(roomID domain.RoomID) {
	g.mu.Lock()
	room, ok := g.rooms[roomID]
	if ok {
		delete(g.rooms, roomID)
	}
	g.mu.Unlock()
	if ok {
		room.Stop()
		log.Info().Str("module", "app.registry").Str("room", string(roomID)).Msg("room stopped")
	}
}

// Shutdown stops every room, then releases the engine worker.
func (g *Registry) Shutdown() {
	g.mu.Lock()
	rooms := g.rooms
	g.rooms = make(map[domain.RoomID]*Room)
	g.mu.Unlock()

	for _, room := range rooms {
		room.Stop()
	}
	if err := g.engine.Close(); err != nil {
		log.Error().Err(err).Str("module", "app.registry").Msg("engine close")
	}
	log.Info().Str("module", "app.registry").Msg("registry shut down")
}
