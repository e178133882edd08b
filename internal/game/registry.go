package game

import (
	"math/rand/v2"
	"strings"
	"sync"
	"time"
)

const codeLength = 6

// Room codes avoid 0/O and 1/I so they survive being read aloud.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Registry is the concurrency-safe code->Room map. It only guards the map
// itself; each room's fields are guarded by the room's own lock.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*Room
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]*Room)}
}

// Create generates an unused code, builds a room with the host as sole
// occupant and stores it.
func (reg *Registry) Create(hostID, hostName, gameMode string, maxPlayers int) *Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	code := randomCode()
	for _, taken := reg.rooms[code]; taken; _, taken = reg.rooms[code] {
		code = randomCode()
	}
	room := NewRoom(code, hostID, hostName, gameMode, maxPlayers)
	reg.rooms[code] = room
	return room
}

// Get looks a room up by code. Matching is case-insensitive.
func (reg *Registry) Get(code string) (*Room, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	room, ok := reg.rooms[strings.ToUpper(code)]
	return room, ok
}

// Delete removes the room and marks it closed so commands that raced the
// removal bail out. Idempotent.
func (reg *Registry) Delete(code string) {
	reg.mu.Lock()
	room, ok := reg.rooms[strings.ToUpper(code)]
	if ok {
		delete(reg.rooms, strings.ToUpper(code))
	}
	reg.mu.Unlock()

	if ok {
		room.mu.Lock()
		room.closed = true
		room.cancelTimer()
		room.mu.Unlock()
	}
}

// Count returns the number of live rooms.
func (reg *Registry) Count() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.rooms)
}

// SweepIdle deletes rooms that have sat empty for longer than maxAge and
// returns how many were removed. Rooms normally die the moment they empty;
// this is a leak backstop, not part of the lifecycle contract.
func (reg *Registry) SweepIdle(maxAge time.Duration) int {
	reg.mu.RLock()
	var stale []string
	now := time.Now()
	for code, room := range reg.rooms {
		room.mu.Lock()
		if len(room.players) == 0 && now.Sub(room.createdAt) > maxAge {
			stale = append(stale, code)
		}
		room.mu.Unlock()
	}
	reg.mu.RUnlock()

	for _, code := range stale {
		reg.Delete(code)
	}
	return len(stale)
}

func randomCode() string {
	var b strings.Builder
	b.Grow(codeLength)
	for i := 0; i < codeLength; i++ {
		b.WriteByte(codeAlphabet[rand.IntN(len(codeAlphabet))])
	}
	return b.String()
}
