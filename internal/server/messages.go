package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/jamlabs/go-jamroom/internal/registry"
	"github.com/jamlabs/go-jamroom/types"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is the inbound tagged union: exactly one operation
// field is set per message.
type ClientMessage struct {
	BaseMessage
	Join      *Join      `json:"join,omitempty"`
	Leave     *Leave     `json:"leave,omitempty"`
	Play      *Play      `json:"play,omitempty"`
	Pause     *Pause     `json:"pause,omitempty"`
	Seek      *Seek      `json:"seek,omitempty"`
	Queue     *QueueSet  `json:"queue,omitempty"`
	Promote   *Promote   `json:"promote,omitempty"`
	Demote    *Demote    `json:"demote,omitempty"`
	Community *Community `json:"community,omitempty"`
	React     *React     `json:"react,omitempty"`
	Avatar    *Avatar    `json:"avatar,omitempty"`
	Gesture   *Gesture   `json:"gesture,omitempty"`
	Heartbeat *Heartbeat `json:"heartbeat,omitempty"`
	client    *Client
}

type Join struct {
	RoomId   string `json:"room_id"`
	UserId   string `json:"user_id"`
	Username string `json:"username"`
}

type Leave struct {
	RoomId string `json:"room_id"`
}

// Play starts playback, optionally loading a track or jumping first.
type Play struct {
	RoomId   string   `json:"room_id"`
	TrackId  string   `json:"track_id,omitempty"`
	Position *float64 `json:"position,omitempty"`
}

type Pause struct {
	RoomId   string   `json:"room_id"`
	Position *float64 `json:"position,omitempty"`
}

type Seek struct {
	RoomId   string  `json:"room_id"`
	Position float64 `json:"position"`
}

// QueueSet replaces the room queue wholesale.
type QueueSet struct {
	RoomId string        `json:"room_id"`
	Items  []types.Track `json:"items"`
}

type Promote struct {
	RoomId string `json:"room_id"`
	UserId string `json:"user_id"`
}

type Demote struct {
	RoomId string `json:"room_id"`
	UserId string `json:"user_id"`
}

type Community struct {
	RoomId    string `json:"room_id"`
	Community string `json:"community"`
}

// React sets or clears the sender's reaction to a track.
type React struct {
	RoomId  string `json:"room_id"`
	TrackId string `json:"track_id"`
	Kind    string `json:"kind,omitempty"`
	Remove  bool   `json:"remove,omitempty"`
}

type Avatar struct {
	RoomId   string `json:"room_id"`
	AvatarId int    `json:"avatar_id"`
}

type Gesture struct {
	RoomId string `json:"room_id"`
	Held   bool   `json:"held"`
}

// Heartbeat carries the sender's advisory playback position.
type Heartbeat struct {
	RoomId   string  `json:"room_id"`
	Position float64 `json:"position"`
}

// ServerMessage is the outbound tagged union.
type ServerMessage struct {
	BaseMessage
	Response      *Response      `json:"response,omitempty"`
	RoomState     *RoomState     `json:"room_state,omitempty"`
	Sync          *Sync          `json:"sync,omitempty"`
	UserJoined    *UserJoined    `json:"user_joined,omitempty"`
	UserLeft      *UserLeft      `json:"user_left,omitempty"`
	QueueUpdated  *QueueUpdated  `json:"queue_updated,omitempty"`
	CoHostUpdated *CoHostUpdated `json:"cohost_updated,omitempty"`
	Reactions     *Reactions     `json:"reactions,omitempty"`
	AvatarUpdated *AvatarUpdated `json:"avatar_updated,omitempty"`
	GestureState  *GestureState  `json:"gesture_state,omitempty"`
	SkipClient    *Client        `json:"-"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
}

// RoomState is the full snapshot sent to a client on join.
type RoomState struct {
	Room types.Room `json:"room"`
	You  types.User `json:"you"`
}

// Sync is the authoritative playback snapshot. Receivers correct local
// drift against it; it is sent on every control action and to late
// joiners with a loaded track.
type Sync struct {
	RoomId   string              `json:"room_id"`
	Playback types.PlaybackState `json:"playback"`
}

type UserJoined struct {
	RoomId string     `json:"room_id"`
	User   types.User `json:"user"`
}

type UserLeft struct {
	RoomId    string `json:"room_id"`
	UserId    string `json:"user_id"`
	NewHostId string `json:"new_host_id,omitempty"`
}

type QueueUpdated struct {
	RoomId string        `json:"room_id"`
	Queue  []types.Track `json:"queue"`
}

type CoHostUpdated struct {
	RoomId  string   `json:"room_id"`
	CoHosts []string `json:"co_hosts"`
}

type Reactions struct {
	RoomId  string               `json:"room_id"`
	TrackId string               `json:"track_id"`
	Counts  types.ReactionCounts `json:"counts"`
}

type AvatarUpdated struct {
	RoomId  string         `json:"room_id"`
	Choices map[string]int `json:"choices"`
}

type GestureState struct {
	RoomId  string   `json:"room_id"`
	Holders []string `json:"holders"`
}

func NoErrOK(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusOK,
		},
	}
}

func ErrInvalidMessage(id int) *ServerMessage {
	msg := &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusBadRequest,
			Error:        "invalid message format",
		},
	}

	if id > 0 {
		msg.Id = id
	}
	return msg
}

// ErrResponse maps a room operation error onto a wire response.
func ErrResponse(id int, err error) *ServerMessage {
	code := http.StatusInternalServerError
	text := "internal server error"

	switch {
	case errors.Is(err, registry.ErrRoomNotFound):
		code, text = http.StatusNotFound, "room not found"
	case errors.Is(err, registry.ErrRoomExists):
		code, text = http.StatusConflict, "room already exists"
	case errors.Is(err, registry.ErrCodesExhausted):
		code, text = http.StatusServiceUnavailable, "no room codes available"
	case errors.Is(err, registry.ErrNotMember):
		code, text = http.StatusForbidden, "not a member of this room"
	case errors.Is(err, registry.ErrUnauthorized):
		code, text = http.StatusForbidden, "requires host or co-host"
	case errors.Is(err, registry.ErrInvalidRoomId),
		errors.Is(err, registry.ErrInvalidUserId),
		errors.Is(err, registry.ErrInvalidTrackId),
		errors.Is(err, registry.ErrInvalidReaction),
		errors.Is(err, registry.ErrInvalidAvatar),
		errors.Is(err, registry.ErrQueueTooLong):
		code, text = http.StatusBadRequest, err.Error()
	}

	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: code,
			Error:        text,
		},
	}
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
