// Dareparty Truth or Dare
//
// Clients create or join a room by 6-character code, take turns picking a
// truth or a dare, and confirm each other's performances before the turn
// advances.
//
// Features:
// - Single WebSocket per browser session at /truthordare/ws
// - Rooms identified by short shareable codes, QR button included
// - Host role transfers when the host leaves; empty rooms are deleted
// - Turn order shuffled at game start, cycled by confirmation quorum
// - Confirmations are self-reported and trust-based, no enforcement
// - A session may sit in several rooms; disconnects sweep all of them
// - Idle rooms auto-reaped after a configurable timeout

package main

import (
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/samber/lo"
	"github.com/skip2/go-qrcode"
)

// Messages coming from clients
type clientMessage struct {
	Type   string `json:"type"` // "create_room", "join_room", "leave_room", "start_game", "pick_prompt", "confirm_did_it", "force_next", "get_room"
	Seq    int    `json:"seq,omitempty"`
	RoomID string `json:"roomId,omitempty"`
	Name   string `json:"name,omitempty"`
	Mode   string `json:"mode,omitempty"`
	Choice string `json:"choice,omitempty"`
}

// ackMessage answers exactly one request, matched by seq.
type ackMessage struct {
	Type   string        `json:"type"` // "ack"
	Seq    int           `json:"seq"`
	OK     bool          `json:"ok"`
	Error  string        `json:"error,omitempty"`
	RoomID string        `json:"roomId,omitempty"`
	Room   *RoomSnapshot `json:"room,omitempty"`
}

// roomEventMessage covers the targeted events: room_created and joined_room
// go to one session, room_closed to everyone still listening.
type roomEventMessage struct {
	Type   string        `json:"type"` // "room_created", "joined_room", "room_closed"
	RoomID string        `json:"roomId"`
	Room   *RoomSnapshot `json:"room,omitempty"`
}

// roomUpdateMessage carries the full snapshot after every mutation.
type roomUpdateMessage struct {
	Type string       `json:"type"` // "room_update"
	Room RoomSnapshot `json:"room"`
}

type logMessage struct {
	Type string `json:"type"` // "log"
	TS   int64  `json:"ts"`
	Text string `json:"text"`
}

type Client struct {
	conn      *websocket.Conn
	send      chan any
	sessionID string
	closed    bool // guarded by the gateway mutex
}

// Gateway binds websocket sessions to rooms: it dispatches requests to room
// operations and fans snapshots and log lines back out to every session in
// the room. Membership is a set per session, never a single reference.
//
// Mutating handlers hold the room mutex across the mutation and the fan-out,
// so each snapshot is queued before any later operation on the same room can
// queue its own. Lock order is always room mutex first, then the gateway or
// registry mutex, never the reverse.
type Gateway struct {
	cfg      *Config
	registry *RoomRegistry

	mu      sync.Mutex
	members map[string]map[*Client]bool // room id -> listening sessions
	joined  map[*Client]map[string]bool // session -> room ids
}

func newGateway(cfg *Config, registry *RoomRegistry) *Gateway {
	return &Gateway{
		cfg:      cfg,
		registry: registry,
		members:  make(map[string]map[*Client]bool),
		joined:   make(map[*Client]map[string]bool),
	}
}

func (gw *Gateway) subscribe(roomID string, c *Client) {
	gw.mu.Lock()
	defer gw.mu.Unlock()

	if gw.members[roomID] == nil {
		gw.members[roomID] = make(map[*Client]bool)
	}
	gw.members[roomID][c] = true

	if gw.joined[c] == nil {
		gw.joined[c] = make(map[string]bool)
	}
	gw.joined[c][roomID] = true
}

func (gw *Gateway) unsubscribe(roomID string, c *Client) {
	gw.mu.Lock()
	defer gw.mu.Unlock()

	if set := gw.members[roomID]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(gw.members, roomID)
		}
	}
	if rooms := gw.joined[c]; rooms != nil {
		delete(rooms, roomID)
	}
}

// sendLocked queues a message for one session, dropping the session entirely
// if its buffer is full. Assumes gw.mu is held.
func (gw *Gateway) sendLocked(c *Client, msg any) {
	if c.closed {
		return
	}

	select {
	case c.send <- msg:
	default:
		// Session is slow/full - drop it. Its write pump closes the
		// connection, which makes the read pump run the disconnect sweep.
		for roomID := range gw.joined[c] {
			if set := gw.members[roomID]; set != nil {
				delete(set, c)
				if len(set) == 0 {
					delete(gw.members, roomID)
				}
			}
		}
		c.closed = true
		close(c.send)
	}
}

func (gw *Gateway) sendTo(c *Client, msg any) {
	gw.mu.Lock()
	defer gw.mu.Unlock()

	gw.sendLocked(c, msg)
}

// broadcast queues msgs, in order, for every session listening to the room.
func (gw *Gateway) broadcast(roomID string, msgs ...any) {
	gw.mu.Lock()
	defer gw.mu.Unlock()

	for c := range gw.members[roomID] {
		for _, msg := range msgs {
			gw.sendLocked(c, msg)
		}
	}
}

// clearRoom drops all listener bookkeeping for a deleted room.
func (gw *Gateway) clearRoom(roomID string) {
	gw.mu.Lock()
	defer gw.mu.Unlock()

	for c := range gw.members[roomID] {
		if rooms := gw.joined[c]; rooms != nil {
			delete(rooms, roomID)
		}
	}
	delete(gw.members, roomID)
}

func (gw *Gateway) ack(c *Client, seq int, ack ackMessage) {
	ack.Type = "ack"
	ack.Seq = seq
	gw.sendTo(c, ack)
}

func logLine(text string) logMessage {
	return logMessage{Type: "log", TS: nowMillis(), Text: text}
}

func (gw *Gateway) dispatch(c *Client, msg clientMessage) {
	switch msg.Type {
	case "create_room":
		gw.createRoom(c, msg)
	case "join_room":
		gw.joinRoom(c, msg)
	case "leave_room":
		gw.leaveRoom(c, msg)
	case "start_game":
		gw.startGame(c, msg)
	case "pick_prompt":
		gw.pickPrompt(c, msg)
	case "confirm_did_it":
		gw.confirmDidIt(c, msg)
	case "force_next":
		gw.forceNext(c, msg)
	case "get_room":
		gw.getRoom(c, msg)
	default:
		// ignore unknown types
	}
}

func (gw *Gateway) createRoom(c *Client, msg clientMessage) {
	room := gw.registry.create(c.sessionID, msg.Name, msg.Mode)
	gw.subscribe(room.id, c)

	room.mu.Lock()
	snap := room.snapshotLocked()
	gw.sendTo(c, roomEventMessage{Type: "room_created", RoomID: room.id, Room: &snap})
	gw.broadcast(room.id, roomUpdateMessage{Type: "room_update", Room: snap})
	room.mu.Unlock()

	logf(gw.cfg, "GAMES: %q created room %s", snap.HostName, room.id)

	gw.ack(c, msg.Seq, ackMessage{OK: true, RoomID: room.id})
}

func (gw *Gateway) joinRoom(c *Client, msg clientMessage) {
	room, ok := gw.registry.get(msg.RoomID)
	if !ok {
		gw.ack(c, msg.Seq, ackMessage{OK: false, Error: "Room not found"})
		return
	}

	gw.subscribe(room.id, c)

	room.mu.Lock()
	p := room.addPlayerLocked(c.sessionID, msg.Name)
	snap := room.snapshotLocked()
	gw.broadcast(room.id,
		roomUpdateMessage{Type: "room_update", Room: snap},
		logLine(p.Name+" joined the party"),
	)
	gw.sendTo(c, roomEventMessage{Type: "joined_room", RoomID: room.id, Room: &snap})
	room.mu.Unlock()

	logf(gw.cfg, "GAMES: %q joined room %s", p.Name, room.id)

	gw.ack(c, msg.Seq, ackMessage{OK: true})
}

func (gw *Gateway) leaveRoom(c *Client, msg clientMessage) {
	room, ok := gw.registry.get(msg.RoomID)
	if !ok {
		gw.ack(c, msg.Seq, ackMessage{OK: false})
		return
	}

	gw.unsubscribe(room.id, c)

	room.mu.Lock()
	rem := room.removePlayerLocked(c.sessionID)
	if rem.empty {
		gw.registry.delete(room.id)
		gw.broadcast(room.id, roomEventMessage{Type: "room_closed", RoomID: room.id})
	} else if rem.removed {
		gw.broadcast(room.id, roomUpdateMessage{Type: "room_update", Room: room.snapshotLocked()})
	}
	room.mu.Unlock()

	if rem.empty {
		gw.clearRoom(room.id)
		logf(gw.cfg, "GAMES: Room %s closed", room.id)
	}

	gw.ack(c, msg.Seq, ackMessage{OK: true})
}

func (gw *Gateway) startGame(c *Client, msg clientMessage) {
	room, ok := gw.registry.get(msg.RoomID)
	if !ok {
		gw.ack(c, msg.Seq, ackMessage{OK: false})
		return
	}

	room.mu.Lock()
	host := room.startGameLocked()
	snap := room.snapshotLocked()
	gw.broadcast(room.id,
		roomUpdateMessage{Type: "room_update", Room: snap},
		logLine(host+" started the game"),
	)
	room.mu.Unlock()

	logf(gw.cfg, "GAMES: Game started in room %s with %d players", room.id, len(snap.TurnOrder))

	gw.ack(c, msg.Seq, ackMessage{OK: true})
}

func (gw *Gateway) pickPrompt(c *Client, msg clientMessage) {
	room, ok := gw.registry.get(msg.RoomID)
	if !ok {
		gw.ack(c, msg.Seq, ackMessage{OK: false})
		return
	}

	room.mu.Lock()
	prompt := room.pickPromptLocked(c.sessionID, msg.Choice)
	gw.broadcast(room.id,
		roomUpdateMessage{Type: "room_update", Room: room.snapshotLocked()},
		logLine(prompt.By+" picked "+strings.ToUpper(prompt.Choice)+" — "+prompt.Text),
	)
	room.mu.Unlock()

	gw.ack(c, msg.Seq, ackMessage{OK: true})
}

func (gw *Gateway) confirmDidIt(c *Client, msg clientMessage) {
	room, ok := gw.registry.get(msg.RoomID)
	if !ok {
		gw.ack(c, msg.Seq, ackMessage{OK: false})
		return
	}

	room.mu.Lock()
	name, advanced := room.confirmLocked(c.sessionID)
	msgs := []any{
		roomUpdateMessage{Type: "room_update", Room: room.snapshotLocked()},
		logLine(name + " confirmed"),
	}
	if advanced {
		msgs = append(msgs, logLine("All confirmed — moving to next"))
	}
	gw.broadcast(room.id, msgs...)
	room.mu.Unlock()

	gw.ack(c, msg.Seq, ackMessage{OK: true})
}

func (gw *Gateway) forceNext(c *Client, msg clientMessage) {
	room, ok := gw.registry.get(msg.RoomID)
	if !ok {
		gw.ack(c, msg.Seq, ackMessage{OK: false})
		return
	}

	room.mu.Lock()
	name := room.forceNextLocked(c.sessionID)
	gw.broadcast(room.id,
		roomUpdateMessage{Type: "room_update", Room: room.snapshotLocked()},
		logLine(name+" forced next"),
	)
	room.mu.Unlock()

	gw.ack(c, msg.Seq, ackMessage{OK: true})
}

func (gw *Gateway) getRoom(c *Client, msg clientMessage) {
	room, ok := gw.registry.get(msg.RoomID)
	if !ok {
		gw.ack(c, msg.Seq, ackMessage{OK: false})
		return
	}

	snap := room.snapshot()
	gw.ack(c, msg.Seq, ackMessage{OK: true, Room: &snap})
}

// disconnect sweeps every room this session belongs to, treating the drop as
// an implicit leave in each one.
func (gw *Gateway) disconnect(c *Client) {
	gw.mu.Lock()
	roomIDs := lo.Keys(gw.joined[c])
	delete(gw.joined, c)
	for _, roomID := range roomIDs {
		if set := gw.members[roomID]; set != nil {
			delete(set, c)
			if len(set) == 0 {
				delete(gw.members, roomID)
			}
		}
	}
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	gw.mu.Unlock()

	for _, roomID := range roomIDs {
		room, ok := gw.registry.get(roomID)
		if !ok {
			continue
		}

		room.mu.Lock()
		rem := room.removePlayerLocked(c.sessionID)
		if !rem.removed {
			room.mu.Unlock()
			continue
		}

		if rem.empty {
			gw.registry.delete(roomID)
			gw.broadcast(roomID, roomEventMessage{Type: "room_closed", RoomID: roomID})
			room.mu.Unlock()
			gw.clearRoom(roomID)
			logf(gw.cfg, "GAMES: Room %s closed", roomID)
			continue
		}

		msgs := []any{
			roomUpdateMessage{Type: "room_update", Room: room.snapshotLocked()},
			logLine("A player left"),
		}
		if rem.hostMoved {
			msgs = append(msgs, logLine("Host left — new host: "+rem.newHost))
		}
		gw.broadcast(roomID, msgs...)
		room.mu.Unlock()
	}

	logf(gw.cfg, "GAMES: Session %s disconnected", c.sessionID)
}

// reaperLoop periodically deletes rooms that have been idle longer than idle.
func (gw *Gateway) reaperLoop(idle time.Duration) {
	ticker := time.NewTicker(idle / 2)
	for range ticker.C {
		for _, room := range gw.registry.reapIdle(time.Now().Add(-idle)) {
			gw.broadcast(room.id, roomEventMessage{Type: "room_closed", RoomID: room.id})
			gw.clearRoom(room.id)
			logf(gw.cfg, "GAMES: Reaped idle room %s", room.id)
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func serveWS(cfg *Config, gw *Gateway) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		client := &Client{
			conn:      conn,
			send:      make(chan any, 8),
			sessionID: uuid.NewString(),
		}

		logf(cfg, "GAMES: Session %s connected from %s", client.sessionID, realIP(r))

		go client.writePump()
		client.readPump(gw)
	}
}

func (c *Client) readPump(gw *Gateway) {
	defer func() {
		gw.disconnect(c)
		_ = c.conn.Close()
	}()

	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		gw.dispatch(c, msg)
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// QR handler: generates a PNG QR code for joining a room, backed by go-qrcode.
func qrHandler(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		roomID := ps.ByName("roomid")
		if roomID == "" {
			http.Error(w, "missing room id", http.StatusBadRequest)
			return
		}

		// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}

		url := scheme + "://" + r.Host + cfg.prefix + "/truthordare?room=" + roomID

		const qrSize = 320 // mobile-friendly size
		png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
		if err != nil {
			http.Error(w, "qr generation failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
	}
}

// registerTruthOrDare sets up routes so that:
//   - $path          → HTML client
//   - $path/ws       → WebSocket, one per browser session
//   - $path/qr/:roomid → PNG QR code pointing at the room join URL
func registerTruthOrDare(cfg *Config, path string, mux *httprouter.Router) {
	registry := newRegistry()
	gw := newGateway(cfg, registry)

	if cfg.roomTimeout > 0 {
		go gw.reaperLoop(cfg.roomTimeout)
	}

	mux.GET(cfg.prefix+path, getIndexHandler(cfg))

	// Shared assets (no room id in route)
	mux.GET(cfg.prefix+"/assets/truthordare/app.css", getCssHandler(cfg))
	mux.GET(cfg.prefix+"/assets/truthordare/app.js", getJsHandler(cfg))

	mux.GET(cfg.prefix+path+"/ws", serveWS(cfg, gw))

	mux.GET(cfg.prefix+path+"/qr/:roomid", qrHandler(cfg))
}
