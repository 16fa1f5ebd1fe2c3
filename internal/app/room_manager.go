package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// ErrRoomUnavailable is returned when no live room could be obtained.
var ErrRoomUnavailable = errors.New("room unavailable")

// RoomManager maps room ids to live rooms and creates each room at most once
// however many connections ask for it concurrently.
type RoomManager struct {
	engine core.Engine
	logger zerolog.Logger

	mu       sync.RWMutex
	rooms    map[domain.RoomID]*core.Room
	creating singleflight.Group
}

func NewRoomManager(engine core.Engine, logger zerolog.Logger) *RoomManager {
	return &RoomManager{
		engine: engine,
		logger: logger.With().Str("module", "app.rooms").Logger(),
		rooms:  make(map[domain.RoomID]*core.Room),
	}
}

func (m *RoomManager) Get(id domain.RoomID) (*core.Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, ok := m.rooms[id]
	return room, ok
}

// GetOrCreate returns the live room for id, creating it when absent.
func (m *RoomManager) GetOrCreate(ctx context.Context, id domain.RoomID) (*core.Room, error) {
	if room, ok := m.Get(id); ok && !room.Closed() {
		return room, nil
	}

	v, err, shared := m.creating.Do(string(id), func() (any, error) {
		if room, ok := m.Get(id); ok && !room.Closed() {
			return room, nil
		}
		router, err := m.engine.CreateRouter(context.WithoutCancel(ctx))
		if err != nil {
			return nil, fmt.Errorf("%w: create router for room %s: %w", ErrRoomUnavailable, id, err)
		}
		room := core.NewRoom(id, router, m.logger, m.roomClosed)

		m.mu.Lock()
		m.rooms[id] = room
		m.mu.Unlock()
		m.logger.Info().Str("room_id", string(id)).Str("call_id", router.ID()).Msg("room created")
		return room, nil
	})
	if err != nil {
		m.logger.Error().Err(err).Str("room_id", string(id)).Bool("shared", shared).Msg("room creation failed")
		return nil, err
	}
	return v.(*core.Room), nil
}

// roomClosed drops the entry only while it still points at room.
func (m *RoomManager) roomClosed(room *core.Room) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.rooms[room.ID()]; ok && cur == room {
		delete(m.rooms, room.ID())
		m.logger.Info().Str("room_id", string(room.ID())).Msg("room removed")
	}
}

func (m *RoomManager) Rooms() []*core.Room {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*core.Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		out = append(out, r)
	}
	return out
}

// List returns per-room stats ordered by room id.
func (m *RoomManager) List() []domain.RoomStats {
	rooms := m.Rooms()
	out := make([]domain.RoomStats, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, r.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}

// Close closes every room.
func (m *RoomManager) Close() {
	for _, r := range m.Rooms() {
		r.Close()
	}
}
