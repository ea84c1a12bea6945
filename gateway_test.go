package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wireMessage is a loose decoding of every server-to-client message shape.
type wireMessage struct {
	Type   string        `json:"type"`
	Seq    int           `json:"seq"`
	OK     bool          `json:"ok"`
	Error  string        `json:"error"`
	RoomID string        `json:"roomId"`
	Room   *RoomSnapshot `json:"room"`
	TS     int64         `json:"ts"`
	Text   string        `json:"text"`
}

func startTestServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()

	cfg := &Config{}
	mux := httprouter.New()
	registerTruthOrDare(cfg, "/truthordare", mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv, "ws" + strings.TrimPrefix(srv.URL, "http") + "/truthordare/ws"
}

func dialSession(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg clientMessage) {
	t.Helper()

	require.NoError(t, conn.WriteJSON(msg))
}

// readUntil scans inbound messages until match returns true, so assertions
// don't depend on exactly how many broadcasts precede the interesting one.
func readUntil(t *testing.T, conn *websocket.Conn, match func(wireMessage) bool) wireMessage {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var msg wireMessage
		require.NoError(t, conn.ReadJSON(&msg), "timed out waiting for message")
		if match(msg) {
			return msg
		}
	}
}

func awaitAck(t *testing.T, conn *websocket.Conn, seq int) wireMessage {
	t.Helper()

	return readUntil(t, conn, func(m wireMessage) bool {
		return m.Type == "ack" && m.Seq == seq
	})
}

func TestCreateRoomFlow(t *testing.T) {
	_, wsURL := startTestServer(t)
	ann := dialSession(t, wsURL)

	send(t, ann, clientMessage{Type: "create_room", Seq: 1, Name: "Ann", Mode: modeFunny})

	created := readUntil(t, ann, func(m wireMessage) bool { return m.Type == "room_created" })
	require.NotNil(t, created.Room)
	assert.Regexp(t, "^[A-HJ-KM-NP-Z2-9]{6}$", created.RoomID)
	assert.Equal(t, stateLobby, created.Room.State)
	assert.Equal(t, "Ann", created.Room.HostName)
	assert.Len(t, created.Room.Players, 1)

	ack := awaitAck(t, ann, 1)
	assert.True(t, ack.OK)
	assert.Equal(t, created.RoomID, ack.RoomID)
}

func TestJoinUnknownRoomIsRejected(t *testing.T) {
	_, wsURL := startTestServer(t)
	bob := dialSession(t, wsURL)

	send(t, bob, clientMessage{Type: "join_room", Seq: 3, RoomID: "ZZZZZZ", Name: "Bob"})

	ack := awaitAck(t, bob, 3)
	assert.False(t, ack.OK)
	assert.Equal(t, "Room not found", ack.Error)

	// and the failed join must not have created the room
	send(t, bob, clientMessage{Type: "get_room", Seq: 4, RoomID: "ZZZZZZ"})

	ack = awaitAck(t, bob, 4)
	assert.False(t, ack.OK)
	assert.Nil(t, ack.Room)
}

func TestFullGameScenario(t *testing.T) {
	_, wsURL := startTestServer(t)
	ann := dialSession(t, wsURL)
	bob := dialSession(t, wsURL)

	send(t, ann, clientMessage{Type: "create_room", Seq: 1, Name: "Ann", Mode: modeFunny})
	roomID := awaitAck(t, ann, 1).RoomID
	require.NotEmpty(t, roomID)

	send(t, bob, clientMessage{Type: "join_room", Seq: 1, RoomID: roomID, Name: "Bob"})
	joined := readUntil(t, bob, func(m wireMessage) bool { return m.Type == "joined_room" })
	require.NotNil(t, joined.Room)
	assert.Len(t, joined.Room.Players, 2)

	send(t, ann, clientMessage{Type: "start_game", Seq: 2, RoomID: roomID})
	playing := readUntil(t, ann, func(m wireMessage) bool {
		return m.Type == "room_update" && m.Room.State == statePlaying
	})
	assert.Len(t, playing.Room.TurnOrder, 2)
	assert.Equal(t, 0, playing.Room.CurrentTurnIdx)

	send(t, ann, clientMessage{Type: "pick_prompt", Seq: 3, RoomID: roomID, Choice: choiceTruth})
	picked := readUntil(t, bob, func(m wireMessage) bool {
		return m.Type == "room_update" && m.Room.LastPrompt != nil
	})
	assert.Equal(t, choiceTruth, picked.Room.LastPrompt.Choice)
	assert.Equal(t, "Ann", picked.Room.LastPrompt.By)
	assert.Empty(t, picked.Room.Confirmations)

	// total=2 means a single confirmation reaches quorum and advances
	send(t, bob, clientMessage{Type: "confirm_did_it", Seq: 2, RoomID: roomID})
	advanced := readUntil(t, ann, func(m wireMessage) bool {
		return m.Type == "room_update" && m.Room.CurrentTurnIdx == 1
	})
	assert.Nil(t, advanced.Room.LastPrompt)
	assert.Empty(t, advanced.Room.Confirmations)

	readUntil(t, bob, func(m wireMessage) bool {
		return m.Type == "log" && strings.HasPrefix(m.Text, "All confirmed")
	})
}

func TestLeaveLastPlayerDeletesRoom(t *testing.T) {
	_, wsURL := startTestServer(t)
	ann := dialSession(t, wsURL)

	send(t, ann, clientMessage{Type: "create_room", Seq: 1, Name: "Ann"})
	roomID := awaitAck(t, ann, 1).RoomID

	send(t, ann, clientMessage{Type: "leave_room", Seq: 2, RoomID: roomID})
	assert.True(t, awaitAck(t, ann, 2).OK)

	send(t, ann, clientMessage{Type: "get_room", Seq: 3, RoomID: roomID})
	assert.False(t, awaitAck(t, ann, 3).OK)
}

func TestDisconnectTransfersHostAndNotifies(t *testing.T) {
	_, wsURL := startTestServer(t)
	ann := dialSession(t, wsURL)
	bob := dialSession(t, wsURL)

	send(t, ann, clientMessage{Type: "create_room", Seq: 1, Name: "Ann"})
	roomID := awaitAck(t, ann, 1).RoomID

	send(t, bob, clientMessage{Type: "join_room", Seq: 1, RoomID: roomID, Name: "Bob"})
	require.True(t, awaitAck(t, bob, 1).OK)

	require.NoError(t, ann.Close())

	update := readUntil(t, bob, func(m wireMessage) bool {
		return m.Type == "room_update" && len(m.Room.Players) == 1
	})
	assert.Equal(t, "Bob", update.Room.HostName)

	readUntil(t, bob, func(m wireMessage) bool {
		return m.Type == "log" && strings.Contains(m.Text, "new host: Bob")
	})
}

func TestGetRoomReturnsSnapshot(t *testing.T) {
	_, wsURL := startTestServer(t)
	ann := dialSession(t, wsURL)

	send(t, ann, clientMessage{Type: "create_room", Seq: 1, Name: "Ann", Mode: modeRisky})
	roomID := awaitAck(t, ann, 1).RoomID

	send(t, ann, clientMessage{Type: "get_room", Seq: 2, RoomID: roomID})

	ack := awaitAck(t, ann, 2)
	require.True(t, ack.OK)
	require.NotNil(t, ack.Room)
	assert.Equal(t, roomID, ack.Room.ID)
	assert.Equal(t, modeRisky, ack.Room.Mode)
}

// Snapshots must reach listeners in the order the mutations happened, even
// when several sessions hammer the same room at once. With enough players
// the turn index never wraps, so the observed indices must count straight up.
func TestConcurrentForceNextBroadcastsSnapshotsInOrder(t *testing.T) {
	const (
		extraPlayers  = 39
		actorCount    = 4
		opsPerActor   = 7
		totalAdvances = actorCount * opsPerActor
	)

	reg := newRegistry()
	gw := newGateway(&Config{}, reg)

	room := reg.create("host", "Ann", modeFunny)
	for i := 0; i < extraPlayers; i++ {
		room.addPlayer(uuid.NewString(), "")
	}
	room.startGame()

	observer := &Client{send: make(chan any, 4*totalAdvances), sessionID: "observer"}
	gw.subscribe(room.id, observer)

	var wg sync.WaitGroup
	for a := 0; a < actorCount; a++ {
		actor := &Client{send: make(chan any, 2*opsPerActor), sessionID: uuid.NewString()}

		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < opsPerActor; i++ {
				gw.forceNext(actor, clientMessage{Type: "force_next", Seq: i, RoomID: room.id})
			}
		}()
	}
	wg.Wait()

	var indices []int
drain:
	for {
		select {
		case msg := <-observer.send:
			if update, ok := msg.(roomUpdateMessage); ok {
				indices = append(indices, update.Room.CurrentTurnIdx)
			}
		default:
			break drain
		}
	}

	require.Len(t, indices, totalAdvances)
	for i, idx := range indices {
		assert.Equal(t, i+1, idx, "update %d delivered out of order", i)
	}
}

// Asset references in the embedded client must stay relative so they resolve
// under whatever prefix the routes are registered at.
func TestClientAssetsResolveUnderPrefix(t *testing.T) {
	cfg := &Config{prefix: "/party"}
	mux := httprouter.New()
	registerTruthOrDare(cfg, "/truthordare", mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	page, err := http.Get(srv.URL + "/party/truthordare")
	require.NoError(t, err)
	defer page.Body.Close()
	require.Equal(t, http.StatusOK, page.StatusCode)

	body, err := io.ReadAll(page.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `href="assets/truthordare/app.css"`)
	assert.Contains(t, string(body), `src="assets/truthordare/app.js"`)
	assert.NotContains(t, string(body), `"/assets/`)

	for _, asset := range []string{"app.css", "app.js"} {
		resp, err := http.Get(srv.URL + "/party/assets/truthordare/" + asset)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, asset)
	}
}

func TestQRHandlerServesPNG(t *testing.T) {
	srv, _ := startTestServer(t)

	resp, err := http.Get(srv.URL + "/truthordare/qr/ABC234")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
}
