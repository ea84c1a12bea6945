package main

import (
	"crypto/rand"
	"sync"
	"time"
)

// Room codes skip characters that read ambiguously when shared out loud or
// squinted at on a phone screen.
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// randomCode generates a crypto-random code of the given length.
func randomCode(length int) string {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		panic("crypto/rand failure: " + err.Error())
	}

	out := make([]byte, length)
	for i := range out {
		out[i] = codeAlphabet[int(buf[i])%len(codeAlphabet)]
	}

	return string(out)
}

// RoomRegistry is the process-wide table of live rooms, keyed by room code.
type RoomRegistry struct {
	mu    sync.Mutex
	rooms map[string]*Room
}

func newRegistry() *RoomRegistry {
	return &RoomRegistry{
		rooms: make(map[string]*Room),
	}
}

// create allocates an unused room code and stores a fresh lobby with the
// host as its sole member. Codes are regenerated until they don't collide
// with a live room.
func (reg *RoomRegistry) create(hostID, hostName, mode string) *Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	var id string
	for {
		id = randomCode(6)
		if _, exists := reg.rooms[id]; !exists {
			break
		}
	}

	room := newRoom(id, hostID, hostName, mode)
	room.addPlayer(hostID, hostName)
	reg.rooms[id] = room

	return room
}

func (reg *RoomRegistry) get(id string) (*Room, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	room, ok := reg.rooms[id]

	return room, ok
}

// delete removes a room. Used when its last member leaves or the reaper
// declares it idle.
func (reg *RoomRegistry) delete(id string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	delete(reg.rooms, id)
}

// reapIdle removes every room idle since before cutoff and returns them so
// the caller can notify any remaining listeners. Idleness is checked without
// the registry lock held; room operations take their own lock and may need
// to delete registry entries while holding it.
func (reg *RoomRegistry) reapIdle(cutoff time.Time) []*Room {
	reg.mu.Lock()
	candidates := make(map[string]*Room, len(reg.rooms))
	for id, room := range reg.rooms {
		candidates[id] = room
	}
	reg.mu.Unlock()

	var reaped []*Room
	for id, room := range candidates {
		if room.idleSince(cutoff) {
			reg.delete(id)
			reaped = append(reaped, room)
		}
	}

	return reaped
}
