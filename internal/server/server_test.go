package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jamlabs/go-jamroom/internal/registry"
	"github.com/jamlabs/go-jamroom/internal/stats"
	"github.com/jamlabs/go-jamroom/internal/testutil"
	"github.com/jamlabs/go-jamroom/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type recordedLikes struct {
	mu     sync.Mutex
	deltas map[string]int
}

func (r *recordedLikes) NoteTrackLike(trackId string, delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deltas == nil {
		r.deltas = make(map[string]int)
	}
	r.deltas[trackId] += delta
}

func (r *recordedLikes) get(trackId string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deltas[trackId]
}

func newTestJamServer(t *testing.T) (*JamServer, *registry.Registry, *recordedLikes) {
	t.Helper()

	st := &stats.MockStatsUpdater{}
	st.On("Incr", mock.Anything).Return()
	st.On("Decr", mock.Anything).Return()

	reg := registry.NewRegistry(testutil.TestLogger(t), registry.NewMemStore())
	likes := &recordedLikes{}

	js, err := NewJamServer(testutil.TestLogger(t), reg, likes, st)
	require.NoError(t, err)

	go js.Run()
	t.Cleanup(js.Shutdown)

	return js, reg, likes
}

// dialTestClient connects a real websocket to the server, mirroring
// what the HTTP layer does after auth.
func dialTestClient(t *testing.T, js *JamServer, username string) *websocket.Conn {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}

		client := NewClient(username, "sess-"+username, conn, js, testutil.TestLogger(t))
		js.RegisterClient(client)
		go client.Write()
		go client.Read()
	}))
	t.Cleanup(srv.Close)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	return ws
}

func send(t *testing.T, ws *websocket.Conn, msg ClientMessage) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(msg))
}

// recv reads the next server message, failing the test on timeout.
func recv(t *testing.T, ws *websocket.Conn) ServerMessage {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))

	var msg ServerMessage
	require.NoError(t, ws.ReadJSON(&msg))
	return msg
}

func TestJoinAndRoomState(t *testing.T) {
	js, reg, _ := newTestJamServer(t)
	room, err := reg.CreateRoom("ROOM1", "alice", "")
	require.NoError(t, err)

	alice := dialTestClient(t, js, "alice")
	send(t, alice, ClientMessage{
		BaseMessage: BaseMessage{Id: 1},
		Join:        &Join{RoomId: room.Id, UserId: "u-alice"},
	})

	state := recv(t, alice)
	require.NotNil(t, state.RoomState, "join answers with the full snapshot")
	assert.Equal(t, 1, state.Id)
	assert.Equal(t, "u-alice", state.RoomState.Room.HostId, "first member becomes host")
	assert.Equal(t, "u-alice", state.RoomState.You.Id)
	assert.Equal(t, "alice", state.RoomState.You.Username, "authenticated name wins")

	t.Run("second join notifies the room", func(t *testing.T) {
		bob := dialTestClient(t, js, "bob")
		send(t, bob, ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			Join:        &Join{RoomId: room.Id, UserId: "u-bob"},
		})

		state := recv(t, bob)
		require.NotNil(t, state.RoomState)
		assert.Len(t, state.RoomState.Room.Users, 2)

		joined := recv(t, alice)
		require.NotNil(t, joined.UserJoined)
		assert.Equal(t, "u-bob", joined.UserJoined.User.Id)
	})

	t.Run("join of unknown room", func(t *testing.T) {
		carol := dialTestClient(t, js, "carol")
		send(t, carol, ClientMessage{
			BaseMessage: BaseMessage{Id: 2},
			Join:        &Join{RoomId: "NOPE", UserId: "u-carol"},
		})

		resp := recv(t, carol)
		require.NotNil(t, resp.Response)
		assert.Equal(t, http.StatusNotFound, resp.Response.ResponseCode)
	})
}

func TestPlaybackSync(t *testing.T) {
	js, reg, _ := newTestJamServer(t)
	room, _ := reg.CreateRoom("ROOM1", "alice", "")

	alice := dialTestClient(t, js, "alice")
	send(t, alice, ClientMessage{BaseMessage: BaseMessage{Id: 1}, Join: &Join{RoomId: room.Id, UserId: "u-alice"}})
	recv(t, alice)

	bob := dialTestClient(t, js, "bob")
	send(t, bob, ClientMessage{BaseMessage: BaseMessage{Id: 1}, Join: &Join{RoomId: room.Id, UserId: "u-bob"}})
	recv(t, bob)
	recv(t, alice) // user_joined

	t.Run("guest cannot control playback", func(t *testing.T) {
		send(t, bob, ClientMessage{
			BaseMessage: BaseMessage{Id: 2},
			Play:        &Play{RoomId: room.Id, TrackId: "t1"},
		})
		resp := recv(t, bob)
		require.NotNil(t, resp.Response)
		assert.Equal(t, http.StatusForbidden, resp.Response.ResponseCode)
	})

	t.Run("host play syncs everyone", func(t *testing.T) {
		pos := 10.0
		send(t, alice, ClientMessage{
			BaseMessage: BaseMessage{Id: 3},
			Play:        &Play{RoomId: room.Id, TrackId: "t1", Position: &pos},
		})

		ack := recv(t, alice)
		require.NotNil(t, ack.Response)
		assert.Equal(t, http.StatusOK, ack.Response.ResponseCode)

		syncA := recv(t, alice)
		require.NotNil(t, syncA.Sync, "sender also resynchronizes")
		assert.Equal(t, "t1", syncA.Sync.Playback.TrackId)
		assert.Equal(t, 10.0, syncA.Sync.Playback.Position)
		assert.True(t, syncA.Sync.Playback.Playing)
		assert.False(t, syncA.Sync.Playback.Timestamp.IsZero())

		syncB := recv(t, bob)
		require.NotNil(t, syncB.Sync)
		assert.Equal(t, syncA.Sync.Playback, syncB.Sync.Playback, "all clients share one snapshot")
	})

	t.Run("late joiner receives sync", func(t *testing.T) {
		carol := dialTestClient(t, js, "carol")
		send(t, carol, ClientMessage{BaseMessage: BaseMessage{Id: 1}, Join: &Join{RoomId: room.Id, UserId: "u-carol"}})

		state := recv(t, carol)
		require.NotNil(t, state.RoomState)

		sync := recv(t, carol)
		require.NotNil(t, sync.Sync, "a loaded track triggers a snapshot push")
		assert.Equal(t, "t1", sync.Sync.Playback.TrackId)

		recv(t, alice) // user_joined
		recv(t, bob)
	})

	t.Run("pause broadcast", func(t *testing.T) {
		send(t, alice, ClientMessage{
			BaseMessage: BaseMessage{Id: 4},
			Pause:       &Pause{RoomId: room.Id},
		})
		recv(t, alice) // ack
		sync := recv(t, alice)
		require.NotNil(t, sync.Sync)
		assert.False(t, sync.Sync.Playback.Playing)
		assert.Equal(t, "t1", sync.Sync.Playback.TrackId, "pause keeps the loaded track")
	})
}

func TestSyncBroadcastOrdering(t *testing.T) {
	js, reg, _ := newTestJamServer(t)
	room, _ := reg.CreateRoom("ROOM1", "alice", "")

	alice := dialTestClient(t, js, "alice")
	send(t, alice, ClientMessage{BaseMessage: BaseMessage{Id: 1}, Join: &Join{RoomId: room.Id, UserId: "u-alice"}})
	recv(t, alice)

	bob := dialTestClient(t, js, "bob")
	send(t, bob, ClientMessage{BaseMessage: BaseMessage{Id: 1}, Join: &Join{RoomId: room.Id, UserId: "u-bob"}})
	recv(t, bob)
	recv(t, alice) // user_joined

	send(t, alice, ClientMessage{
		BaseMessage: BaseMessage{Id: 2},
		Promote:     &Promote{RoomId: room.Id, UserId: "u-bob"},
	})
	recv(t, alice) // ack
	recv(t, alice) // cohost_updated
	recv(t, bob)

	carol := dialTestClient(t, js, "carol")
	send(t, carol, ClientMessage{BaseMessage: BaseMessage{Id: 1}, Join: &Join{RoomId: room.Id, UserId: "u-carol"}})
	recv(t, carol)

	// Host and co-host hammer seeks concurrently; every client must see
	// the snapshots in the order the registry accepted them.
	const seeks = 20
	writeSeeks := func(ws *websocket.Conn, base int) {
		for i := 0; i < seeks; i++ {
			pos := float64(base + i)
			err := ws.WriteJSON(ClientMessage{
				BaseMessage: BaseMessage{Id: 10 + i},
				Seek:        &Seek{RoomId: room.Id, Position: pos},
			})
			if err != nil {
				t.Error(err)
				return
			}
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); writeSeeks(alice, 1000) }()
	go func() { defer wg.Done(); writeSeeks(bob, 2000) }()
	wg.Wait()

	var last types.PlaybackState
	for i := 0; i < 2*seeks; i++ {
		msg := recv(t, carol)
		require.NotNil(t, msg.Sync)
		last = msg.Sync.Playback
	}

	snap, err := reg.GetRoom(room.Id)
	require.NoError(t, err)
	assert.Equal(t, snap.PlaybackState.Position, last.Position,
		"last delivered snapshot matches the authoritative state")
}

func TestQueueUpdate(t *testing.T) {
	js, reg, _ := newTestJamServer(t)
	room, _ := reg.CreateRoom("ROOM1", "alice", "")

	alice := dialTestClient(t, js, "alice")
	send(t, alice, ClientMessage{BaseMessage: BaseMessage{Id: 1}, Join: &Join{RoomId: room.Id, UserId: "u-alice"}})
	recv(t, alice)

	send(t, alice, ClientMessage{
		BaseMessage: BaseMessage{Id: 2},
		Queue: &QueueSet{RoomId: room.Id, Items: []types.Track{
			{Id: "t1", Title: "First"},
			{Id: "t2", Title: "Second"},
		}},
	})

	ack := recv(t, alice)
	require.NotNil(t, ack.Response)
	assert.Equal(t, http.StatusOK, ack.Response.ResponseCode)

	update := recv(t, alice)
	require.NotNil(t, update.QueueUpdated)
	assert.Len(t, update.QueueUpdated.Queue, 2)
}

func TestReactionsAndLikes(t *testing.T) {
	js, reg, likes := newTestJamServer(t)
	room, _ := reg.CreateRoom("ROOM1", "alice", "")

	alice := dialTestClient(t, js, "alice")
	send(t, alice, ClientMessage{BaseMessage: BaseMessage{Id: 1}, Join: &Join{RoomId: room.Id, UserId: "u-alice"}})
	recv(t, alice)

	send(t, alice, ClientMessage{
		BaseMessage: BaseMessage{Id: 2},
		React:       &React{RoomId: room.Id, TrackId: "t1", Kind: "like"},
	})
	recv(t, alice) // ack

	update := recv(t, alice)
	require.NotNil(t, update.Reactions)
	assert.Equal(t, 1, update.Reactions.Counts.Likes)

	assert.Eventually(t, func() bool {
		return likes.get("t1") == 1
	}, time.Second, 10*time.Millisecond, "like delta forwarded to the upload store")

	t.Run("removal reverses the delta", func(t *testing.T) {
		send(t, alice, ClientMessage{
			BaseMessage: BaseMessage{Id: 3},
			React:       &React{RoomId: room.Id, TrackId: "t1", Remove: true},
		})
		recv(t, alice) // ack
		update := recv(t, alice)
		require.NotNil(t, update.Reactions)
		assert.Zero(t, update.Reactions.Counts.Likes)

		assert.Eventually(t, func() bool {
			return likes.get("t1") == 0
		}, time.Second, 10*time.Millisecond)
	})
}

func TestLeaveAndHostFailover(t *testing.T) {
	js, reg, _ := newTestJamServer(t)
	room, _ := reg.CreateRoom("ROOM1", "alice", "")

	alice := dialTestClient(t, js, "alice")
	send(t, alice, ClientMessage{BaseMessage: BaseMessage{Id: 1}, Join: &Join{RoomId: room.Id, UserId: "u-alice"}})
	recv(t, alice)

	bob := dialTestClient(t, js, "bob")
	send(t, bob, ClientMessage{BaseMessage: BaseMessage{Id: 1}, Join: &Join{RoomId: room.Id, UserId: "u-bob"}})
	recv(t, bob)
	recv(t, alice) // user_joined

	send(t, alice, ClientMessage{BaseMessage: BaseMessage{Id: 2}, Leave: &Leave{RoomId: room.Id}})
	ack := recv(t, alice)
	require.NotNil(t, ack.Response)
	assert.Equal(t, http.StatusOK, ack.Response.ResponseCode)

	left := recv(t, bob)
	require.NotNil(t, left.UserLeft)
	assert.Equal(t, "u-alice", left.UserLeft.UserId)
	assert.Equal(t, "u-bob", left.UserLeft.NewHostId, "departing host hands over")

	t.Run("disconnect acts as leave", func(t *testing.T) {
		carol := dialTestClient(t, js, "carol")
		send(t, carol, ClientMessage{BaseMessage: BaseMessage{Id: 1}, Join: &Join{RoomId: room.Id, UserId: "u-carol"}})
		recv(t, carol)
		recv(t, bob) // user_joined

		carol.Close()

		left := recv(t, bob)
		require.NotNil(t, left.UserLeft)
		assert.Equal(t, "u-carol", left.UserLeft.UserId)
	})
}

func TestOperationsRequireMembership(t *testing.T) {
	js, reg, _ := newTestJamServer(t)
	room, _ := reg.CreateRoom("ROOM1", "alice", "")

	alice := dialTestClient(t, js, "alice")
	send(t, alice, ClientMessage{
		BaseMessage: BaseMessage{Id: 1},
		Play:        &Play{RoomId: room.Id, TrackId: "t1"},
	})

	resp := recv(t, alice)
	require.NotNil(t, resp.Response)
	assert.Equal(t, http.StatusForbidden, resp.Response.ResponseCode, "control before joining is rejected")
}

func TestGestureAndAvatarBroadcasts(t *testing.T) {
	js, reg, _ := newTestJamServer(t)
	room, _ := reg.CreateRoom("ROOM1", "alice", "")

	alice := dialTestClient(t, js, "alice")
	send(t, alice, ClientMessage{BaseMessage: BaseMessage{Id: 1}, Join: &Join{RoomId: room.Id, UserId: "u-alice"}})
	recv(t, alice)

	send(t, alice, ClientMessage{
		BaseMessage: BaseMessage{Id: 2},
		Avatar:      &Avatar{RoomId: room.Id, AvatarId: 4},
	})
	recv(t, alice) // ack
	update := recv(t, alice)
	require.NotNil(t, update.AvatarUpdated)
	assert.Equal(t, map[string]int{"u-alice": 4}, update.AvatarUpdated.Choices)

	send(t, alice, ClientMessage{
		BaseMessage: BaseMessage{Id: 3},
		Gesture:     &Gesture{RoomId: room.Id, Held: true},
	})
	gesture := recv(t, alice)
	require.NotNil(t, gesture.GestureState)
	assert.Equal(t, []string{"u-alice"}, gesture.GestureState.Holders)

	send(t, alice, ClientMessage{
		BaseMessage: BaseMessage{Id: 4},
		Gesture:     &Gesture{RoomId: room.Id, Held: false},
	})
	gesture = recv(t, alice)
	require.NotNil(t, gesture.GestureState)
	assert.Empty(t, gesture.GestureState.Holders)
}
