package main

import (
	"cmp"
	"crypto/rand"
	mrand "math/rand"
	"slices"
	"sync"
	"time"

	"github.com/samber/lo"
)

// Room states.
const (
	stateLobby   = "lobby"
	statePlaying = "playing"
)

const choiceTruth = "truth"

// Player holds the data we store server-side for one room member.
type Player struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	JoinedAt int64  `json:"joinedAt"`
}

// Prompt records the most recently picked truth or dare.
type Prompt struct {
	By     string `json:"by"`
	Choice string `json:"choice"`
	Text   string `json:"text"`
	At     int64  `json:"at"`
}

// Confirmation marks one player as having vouched for the current prompt.
type Confirmation struct {
	Name string `json:"name"`
	At   int64  `json:"at"`
}

// Room holds one party: membership, turn order, the pending prompt and the
// confirmations gathered for it. Every operation runs under the room mutex,
// so mutations stay atomic per room and rooms never coordinate with each
// other. The gateway holds the mutex across mutate-and-queue, keeping
// broadcasts in the order operations were processed; the exported wrappers
// below take the lock themselves for direct callers.
type Room struct {
	mu sync.Mutex

	id             string
	createdAt      int64
	hostID         string
	hostName       string
	mode           string
	players        map[string]Player
	turnOrder      []string
	currentTurnIdx int
	state          string
	lastPrompt     *Prompt
	confirmations  map[string]Confirmation
	prompts        Prompts

	lastActive time.Time
}

// RoomSnapshot is the wire view of a room, broadcast after every mutation.
// The prompt pools are immutable server-side data and stay out of it.
type RoomSnapshot struct {
	ID             string                  `json:"id"`
	CreatedAt      int64                   `json:"createdAt"`
	HostID         string                  `json:"hostId"`
	HostName       string                  `json:"hostName"`
	Mode           string                  `json:"mode"`
	Players        map[string]Player       `json:"players"`
	TurnOrder      []string                `json:"turnOrder"`
	CurrentTurnIdx int                     `json:"currentTurnIdx"`
	State          string                  `json:"state"`
	LastPrompt     *Prompt                 `json:"lastPrompt"`
	Confirmations  map[string]Confirmation `json:"confirmations"`
}

// removal reports what a removePlayer call changed, so the caller can prune
// the room and phrase its notifications.
type removal struct {
	removed   bool
	empty     bool
	hostMoved bool
	newHost   string
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func newRoom(id, hostID, hostName, mode string) *Room {
	if hostName == "" {
		hostName = "Host"
	}
	if mode == "" {
		mode = modeFunny
	}

	return &Room{
		id:            id,
		createdAt:     nowMillis(),
		hostID:        hostID,
		hostName:      hostName,
		mode:          mode,
		players:       make(map[string]Player),
		confirmations: make(map[string]Confirmation),
		state:         stateLobby,
		prompts:       generatePrompts(mode),
		lastActive:    time.Now(),
	}
}

// addPlayer inserts or overwrites the member entry for this session. A blank
// name gets a generated placeholder.
func (r *Room) addPlayer(sessionID, name string) (Player, RoomSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.addPlayerLocked(sessionID, name), r.snapshotLocked()
}

// addPlayerLocked assumes r.mu is already held.
func (r *Room) addPlayerLocked(sessionID, name string) Player {
	r.lastActive = time.Now()

	if name == "" {
		name = "Player_" + randomCode(3)
	}

	p := Player{ID: sessionID, Name: name, JoinedAt: nowMillis()}
	r.players[sessionID] = p

	return p
}

// removePlayer deletes the member entry. Removing a non-member is a no-op.
// If the host leaves and members remain, hosting passes to the earliest
// joiner, ties broken by session id. An emptied room must be deleted by the
// caller.
func (r *Room) removePlayer(sessionID string) (removal, RoomSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.removePlayerLocked(sessionID), r.snapshotLocked()
}

// removePlayerLocked assumes r.mu is already held.
func (r *Room) removePlayerLocked(sessionID string) removal {
	r.lastActive = time.Now()

	if _, ok := r.players[sessionID]; !ok {
		return removal{}
	}
	delete(r.players, sessionID)

	out := removal{removed: true}

	if len(r.players) == 0 {
		out.empty = true
		return out
	}

	if r.hostID == sessionID {
		ids := lo.Keys(r.players)
		slices.SortFunc(ids, func(a, b string) int {
			if c := cmp.Compare(r.players[a].JoinedAt, r.players[b].JoinedAt); c != 0 {
				return c
			}
			return cmp.Compare(a, b)
		})

		r.hostID = ids[0]
		r.hostName = r.players[ids[0]].Name
		out.hostMoved = true
		out.newHost = r.hostName
	}

	return out
}

// startGame freezes the current member set into a shuffled turn order and
// moves the room to playing. Calling it again mid-game reshuffles and
// restarts from turn zero.
func (r *Room) startGame() (string, RoomSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.startGameLocked(), r.snapshotLocked()
}

// startGameLocked assumes r.mu is already held.
func (r *Room) startGameLocked() string {
	r.lastActive = time.Now()

	ids := lo.Keys(r.players)

	// Fisher-Yates shuffle using crypto/rand
	for i := len(ids) - 1; i > 0; i-- {
		var b [1]byte
		if _, err := rand.Read(b[:]); err != nil {
			continue
		}
		j := int(b[0]) % (i + 1)
		ids[i], ids[j] = ids[j], ids[i]
	}

	r.turnOrder = ids
	r.currentTurnIdx = 0
	r.state = statePlaying
	clear(r.confirmations)
	r.lastPrompt = nil

	return r.hostName
}

// pickPrompt draws a random prompt from the pool matching choice. Any choice
// other than exactly "truth" draws from the dares. Any member may pick, not
// just the current turn holder.
func (r *Room) pickPrompt(sessionID, choice string) (Prompt, RoomSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.pickPromptLocked(sessionID, choice), r.snapshotLocked()
}

// pickPromptLocked assumes r.mu is already held.
func (r *Room) pickPromptLocked(sessionID, choice string) Prompt {
	r.lastActive = time.Now()

	pool := r.prompts.Dares
	if choice == choiceTruth {
		pool = r.prompts.Truths
	}

	by := "unknown"
	if p, ok := r.players[sessionID]; ok {
		by = p.Name
	}

	prompt := Prompt{
		By:     by,
		Choice: choice,
		Text:   pool[mrand.Intn(len(pool))],
		At:     nowMillis(),
	}
	r.lastPrompt = &prompt
	clear(r.confirmations)

	return prompt
}

// confirm records this session's confirmation of the current prompt. Once
// all but one member have confirmed, the turn advances automatically. Rooms
// with a single member accumulate confirmations but never advance.
func (r *Room) confirm(sessionID string) (string, bool, RoomSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name, advanced := r.confirmLocked(sessionID)

	return name, advanced, r.snapshotLocked()
}

// confirmLocked assumes r.mu is already held.
func (r *Room) confirmLocked(sessionID string) (string, bool) {
	r.lastActive = time.Now()

	name := "anon"
	if p, ok := r.players[sessionID]; ok {
		name = p.Name
	}
	r.confirmations[sessionID] = Confirmation{Name: name, At: nowMillis()}

	needed := max(0, len(r.players)-1)
	advanced := false
	if len(r.confirmations) >= needed && needed > 0 {
		r.advanceLocked()
		advanced = true
	}

	return name, advanced
}

// forceNext advances the turn unconditionally. Meant for the host, allowed
// for any member.
func (r *Room) forceNext(sessionID string) (string, RoomSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.forceNextLocked(sessionID), r.snapshotLocked()
}

// forceNextLocked assumes r.mu is already held.
func (r *Room) forceNextLocked(sessionID string) string {
	r.lastActive = time.Now()

	name := "someone"
	if p, ok := r.players[sessionID]; ok {
		name = p.Name
	}
	r.advanceLocked()

	return name
}

func (r *Room) advanceLocked() {
	r.currentTurnIdx = (r.currentTurnIdx + 1) % max(1, len(r.turnOrder))
	clear(r.confirmations)
	r.lastPrompt = nil
}

func (r *Room) snapshot() RoomSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.snapshotLocked()
}

// snapshotLocked assumes r.mu is already held.
func (r *Room) snapshotLocked() RoomSnapshot {
	snap := RoomSnapshot{
		ID:             r.id,
		CreatedAt:      r.createdAt,
		HostID:         r.hostID,
		HostName:       r.hostName,
		Mode:           r.mode,
		Players:        make(map[string]Player, len(r.players)),
		TurnOrder:      slices.Clone(r.turnOrder),
		CurrentTurnIdx: r.currentTurnIdx,
		State:          r.state,
		Confirmations:  make(map[string]Confirmation, len(r.confirmations)),
	}

	for id, p := range r.players {
		snap.Players[id] = p
	}
	for id, c := range r.confirmations {
		snap.Confirmations[id] = c
	}
	if r.lastPrompt != nil {
		p := *r.lastPrompt
		snap.LastPrompt = &p
	}

	return snap
}

// idleSince reports whether the room has seen no activity since cutoff.
func (r *Room) idleSince(cutoff time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.lastActive.Before(cutoff)
}
