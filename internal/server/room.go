package server

import (
	"errors"

	"github.com/jamlabs/go-jamroom/internal/registry"
	"github.com/jamlabs/go-jamroom/internal/stats"
	"github.com/jamlabs/go-jamroom/types"
)

// dispatch routes one inbound message to its handler. Runs on the
// client's read goroutine; the registry serializes per-room state.
func (js *JamServer) dispatch(msg *ClientMessage) {
	switch {
	case msg.Join != nil:
		js.handleJoin(msg)
	case msg.Leave != nil:
		js.handleLeave(msg)
	case msg.Play != nil:
		js.handlePlay(msg)
	case msg.Pause != nil:
		js.handlePause(msg)
	case msg.Seek != nil:
		js.handleSeek(msg)
	case msg.Queue != nil:
		js.handleQueue(msg)
	case msg.Promote != nil:
		js.handlePromote(msg)
	case msg.Demote != nil:
		js.handleDemote(msg)
	case msg.Community != nil:
		js.handleCommunity(msg)
	case msg.React != nil:
		js.handleReact(msg)
	case msg.Avatar != nil:
		js.handleAvatar(msg)
	case msg.Gesture != nil:
		js.handleGesture(msg)
	case msg.Heartbeat != nil:
		js.handleHeartbeat(msg)
	default:
		msg.client.queueMessage(ErrInvalidMessage(msg.Id))
	}
}

// memberIds resolves the sender's joined room, rejecting messages that
// target a room the connection is not in.
func (js *JamServer) memberIds(msg *ClientMessage, roomId string) (string, string, bool) {
	joinedRoom, userId := msg.client.currentRoom()
	if joinedRoom == "" || joinedRoom != roomId {
		msg.client.queueMessage(ErrResponse(msg.Id, registry.ErrNotMember))
		return "", "", false
	}
	return joinedRoom, userId, true
}

func (js *JamServer) handleJoin(msg *ClientMessage) {
	join := msg.Join

	// One room per connection: joining a new room leaves the old one.
	if prevRoom, _ := msg.client.currentRoom(); prevRoom != "" && prevRoom != join.RoomId {
		js.leaveCurrentRoom(msg.client)
	}

	username := msg.client.username
	if username == "" {
		username = join.Username
	}

	order := js.roomOrder(join.RoomId)
	order.Lock()
	defer order.Unlock()

	result, err := js.registry.Join(join.RoomId, join.UserId, username, msg.client.sessionId)
	if err != nil {
		msg.client.queueMessage(ErrResponse(msg.Id, err))
		return
	}

	msg.client.setRoom(join.RoomId, join.UserId)
	js.subscribe(join.RoomId, msg.client)

	msg.client.queueMessage(&ServerMessage{
		BaseMessage: BaseMessage{Id: msg.Id, Timestamp: Now()},
		RoomState:   &RoomState{Room: result.Room, You: result.User},
	})

	if !result.Rejoined {
		js.broadcast(join.RoomId, &ServerMessage{
			BaseMessage: BaseMessage{Timestamp: Now()},
			UserJoined:  &UserJoined{RoomId: join.RoomId, User: result.User},
			SkipClient:  msg.client,
		})
	}

	// Late joiner: push a snapshot only when a track is loaded, so an
	// idle room costs nothing.
	if result.Room.PlaybackState.TrackId != "" {
		msg.client.queueMessage(&ServerMessage{
			BaseMessage: BaseMessage{Timestamp: Now()},
			Sync:        &Sync{RoomId: join.RoomId, Playback: result.Room.PlaybackState},
		})
		js.stats.Incr(stats.SyncBroadcasts)

		if counts, err := js.registry.ReactionCounts(join.RoomId, result.Room.PlaybackState.TrackId); err == nil &&
			(counts.Likes > 0 || counts.Dislikes > 0) {
			msg.client.queueMessage(&ServerMessage{
				BaseMessage: BaseMessage{Timestamp: Now()},
				Reactions: &Reactions{
					RoomId:  join.RoomId,
					TrackId: result.Room.PlaybackState.TrackId,
					Counts:  counts,
				},
			})
		}
	}
}

func (js *JamServer) handleLeave(msg *ClientMessage) {
	if _, _, ok := js.memberIds(msg, msg.Leave.RoomId); !ok {
		return
	}

	js.leaveCurrentRoom(msg.client)
	msg.client.queueMessage(NoErrOK(msg.Id))
}

// leaveCurrentRoom removes the client's registry membership and
// notifies the remaining members. No-op when not joined.
func (js *JamServer) leaveCurrentRoom(c *Client) {
	roomId, userId := c.currentRoom()
	if roomId == "" {
		return
	}

	order := js.roomOrder(roomId)
	order.Lock()
	defer order.Unlock()

	js.unsubscribe(roomId, c)
	c.clearRoom()

	result, err := js.registry.Leave(roomId, userId)
	if err != nil {
		if !errors.Is(err, registry.ErrRoomNotFound) && !errors.Is(err, registry.ErrNotMember) {
			js.log.Printf("leave room %q: %v", roomId, err)
		}
		return
	}

	if result.Emptied {
		return
	}

	js.broadcast(roomId, &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		UserLeft: &UserLeft{
			RoomId:    roomId,
			UserId:    userId,
			NewHostId: result.NewHostId,
		},
	})
}

// handleDisconnect treats a dropped connection as a leave.
func (js *JamServer) handleDisconnect(c *Client) {
	js.leaveCurrentRoom(c)
}

func (js *JamServer) applyPlayback(msg *ClientMessage, roomId string, update registry.PlaybackUpdate) {
	_, userId, ok := js.memberIds(msg, roomId)
	if !ok {
		return
	}

	// Mutation and fan-out share one critical section so concurrent
	// control actions broadcast in the order they were accepted.
	order := js.roomOrder(roomId)
	order.Lock()
	defer order.Unlock()

	playback, err := js.registry.SetPlayback(roomId, userId, update)
	if err != nil {
		msg.client.queueMessage(ErrResponse(msg.Id, err))
		return
	}

	msg.client.queueMessage(NoErrOK(msg.Id))

	// Everyone resynchronizes against the new snapshot, the sender
	// included, so all clients share the authoritative timestamp.
	js.broadcast(roomId, &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Sync:        &Sync{RoomId: roomId, Playback: playback},
	})
	js.stats.Incr(stats.SyncBroadcasts)
}

func (js *JamServer) handlePlay(msg *ClientMessage) {
	playing := true
	update := registry.PlaybackUpdate{Playing: &playing, Position: msg.Play.Position}
	if msg.Play.TrackId != "" {
		update.TrackId = &msg.Play.TrackId
	}
	js.applyPlayback(msg, msg.Play.RoomId, update)
}

func (js *JamServer) handlePause(msg *ClientMessage) {
	playing := false
	js.applyPlayback(msg, msg.Pause.RoomId, registry.PlaybackUpdate{
		Playing:  &playing,
		Position: msg.Pause.Position,
	})
}

func (js *JamServer) handleSeek(msg *ClientMessage) {
	js.applyPlayback(msg, msg.Seek.RoomId, registry.PlaybackUpdate{
		Position: &msg.Seek.Position,
	})
}

func (js *JamServer) handleQueue(msg *ClientMessage) {
	roomId, userId, ok := js.memberIds(msg, msg.Queue.RoomId)
	if !ok {
		return
	}

	order := js.roomOrder(roomId)
	order.Lock()
	defer order.Unlock()

	queue, err := js.registry.SetQueue(roomId, userId, msg.Queue.Items)
	if err != nil {
		msg.client.queueMessage(ErrResponse(msg.Id, err))
		return
	}

	msg.client.queueMessage(NoErrOK(msg.Id))
	js.broadcast(roomId, &ServerMessage{
		BaseMessage:  BaseMessage{Timestamp: Now()},
		QueueUpdated: &QueueUpdated{RoomId: roomId, Queue: queue},
	})
}

func (js *JamServer) handlePromote(msg *ClientMessage) {
	js.changeCoHosts(msg, msg.Promote.RoomId, msg.Promote.UserId, true)
}

func (js *JamServer) handleDemote(msg *ClientMessage) {
	js.changeCoHosts(msg, msg.Demote.RoomId, msg.Demote.UserId, false)
}

func (js *JamServer) changeCoHosts(msg *ClientMessage, roomId, targetId string, promote bool) {
	_, userId, ok := js.memberIds(msg, roomId)
	if !ok {
		return
	}

	order := js.roomOrder(roomId)
	order.Lock()
	defer order.Unlock()

	var room types.Room
	var err error
	if promote {
		room, err = js.registry.PromoteCoHost(roomId, userId, targetId)
	} else {
		room, err = js.registry.DemoteCoHost(roomId, userId, targetId)
	}
	if err != nil {
		msg.client.queueMessage(ErrResponse(msg.Id, err))
		return
	}

	msg.client.queueMessage(NoErrOK(msg.Id))
	js.broadcast(roomId, &ServerMessage{
		BaseMessage:   BaseMessage{Timestamp: Now()},
		CoHostUpdated: &CoHostUpdated{RoomId: roomId, CoHosts: room.CoHosts},
	})
}

func (js *JamServer) handleCommunity(msg *ClientMessage) {
	roomId, userId, ok := js.memberIds(msg, msg.Community.RoomId)
	if !ok {
		return
	}

	if _, err := js.registry.SetCommunity(roomId, userId, msg.Community.Community); err != nil {
		msg.client.queueMessage(ErrResponse(msg.Id, err))
		return
	}

	msg.client.queueMessage(NoErrOK(msg.Id))
}

func (js *JamServer) handleReact(msg *ClientMessage) {
	react := msg.React
	roomId, userId, ok := js.memberIds(msg, react.RoomId)
	if !ok {
		return
	}

	order := js.roomOrder(roomId)
	order.Lock()
	defer order.Unlock()

	var previous types.ReactionKind
	var counts types.ReactionCounts
	var err error
	var current types.ReactionKind

	if react.Remove {
		previous, counts, err = js.registry.RemoveReaction(roomId, react.TrackId, userId)
	} else {
		current = types.ReactionKind(react.Kind)
		previous, counts, err = js.registry.SetReaction(roomId, react.TrackId, userId, current)
	}
	if err != nil {
		msg.client.queueMessage(ErrResponse(msg.Id, err))
		return
	}

	msg.client.queueMessage(NoErrOK(msg.Id))
	js.broadcast(roomId, &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Reactions:   &Reactions{RoomId: roomId, TrackId: react.TrackId, Counts: counts},
	})

	if js.likes != nil {
		if delta := likeDelta(previous, current); delta != 0 {
			go js.likes.NoteTrackLike(react.TrackId, delta)
		}
	}
}

// likeDelta derives the net change in like count from a reaction
// transition.
func likeDelta(previous, current types.ReactionKind) int {
	wasLike := previous == types.ReactionLike
	isLike := current == types.ReactionLike

	switch {
	case isLike && !wasLike:
		return 1
	case !isLike && wasLike:
		return -1
	default:
		return 0
	}
}

func (js *JamServer) handleAvatar(msg *ClientMessage) {
	roomId, userId, ok := js.memberIds(msg, msg.Avatar.RoomId)
	if !ok {
		return
	}

	order := js.roomOrder(roomId)
	order.Lock()
	defer order.Unlock()

	choices, err := js.registry.SelectAvatar(roomId, userId, msg.Avatar.AvatarId)
	if err != nil {
		msg.client.queueMessage(ErrResponse(msg.Id, err))
		return
	}

	msg.client.queueMessage(NoErrOK(msg.Id))
	js.broadcast(roomId, &ServerMessage{
		BaseMessage:   BaseMessage{Timestamp: Now()},
		AvatarUpdated: &AvatarUpdated{RoomId: roomId, Choices: choices},
	})
}

func (js *JamServer) handleGesture(msg *ClientMessage) {
	roomId, userId, ok := js.memberIds(msg, msg.Gesture.RoomId)
	if !ok {
		return
	}

	order := js.roomOrder(roomId)
	order.Lock()
	defer order.Unlock()

	var holders []string
	var err error
	if msg.Gesture.Held {
		holders, err = js.registry.HoldGesture(roomId, userId)
	} else {
		holders, err = js.registry.ReleaseGesture(roomId, userId)
	}
	if err != nil {
		msg.client.queueMessage(ErrResponse(msg.Id, err))
		return
	}

	js.broadcast(roomId, &ServerMessage{
		BaseMessage:  BaseMessage{Timestamp: Now()},
		GestureState: &GestureState{RoomId: roomId, Holders: holders},
	})
}

func (js *JamServer) handleHeartbeat(msg *ClientMessage) {
	roomId, userId := msg.client.currentRoom()
	if roomId == "" || roomId != msg.Heartbeat.RoomId {
		return
	}

	js.registry.Heartbeat(roomId, userId, msg.Heartbeat.Position)
}
