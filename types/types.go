package types

import (
	"time"
)

// User is a room-scoped member. The id is client-generated and stable
// across reconnects; SessionId changes every time the transport
// connection is re-established.
type User struct {
	Id            string    `json:"id"`
	Username      string    `json:"username"`
	SessionId     string    `json:"-"`
	Position      float64   `json:"position"`
	JoinedAt      time.Time `json:"joined_at"`
	LastHeartbeat time.Time `json:"-"`
}

// Track is a queue stub: display metadata only, no audio.
type Track struct {
	Id     string `json:"id"`
	Title  string `json:"title"`
	Artist string `json:"artist"`
	Album  string `json:"album"`
}

// PlaybackState is the authoritative sync snapshot. Position is only
// meaningful relative to Timestamp and Playing.
type PlaybackState struct {
	TrackId   string    `json:"track_id,omitempty"`
	Position  float64   `json:"position"`
	Playing   bool      `json:"playing"`
	Timestamp time.Time `json:"timestamp"`
}

type ReactionKind string

const (
	ReactionLike    ReactionKind = "like"
	ReactionDislike ReactionKind = "dislike"
)

// ReactionCounts holds aggregate counts for one track, computed on read.
type ReactionCounts struct {
	Likes     int                     `json:"likes"`
	Dislikes  int                     `json:"dislikes"`
	Reactions map[string]ReactionKind `json:"reactions"`
}

type Room struct {
	Id             string         `json:"id"`
	HostId         string         `json:"host_id"`
	HostName       string         `json:"host_name"`
	Community      string         `json:"community,omitempty"`
	CoHosts        []string       `json:"co_hosts"`
	Users          []User         `json:"users"`
	Queue          []Track        `json:"queue"`
	PlaybackState  PlaybackState  `json:"playback_state"`
	AvatarChoices  map[string]int `json:"avatar_choices"`
	GestureHolders []string       `json:"gesture_holders"`
	CreatedAt      time.Time      `json:"created_at"`
}

// RoomSummary is the public listing shape: no member details.
type RoomSummary struct {
	Id           string      `json:"id"`
	HostName     string      `json:"host_name"`
	Community    string      `json:"community,omitempty"`
	UserCount    int         `json:"user_count"`
	CurrentTrack *NowPlaying `json:"current_track,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

type NowPlaying struct {
	Title   string `json:"title"`
	Artist  string `json:"artist"`
	Playing bool   `json:"playing"`
}

// UploadRecord is one entry in the metadata ledger, keyed
// "owner/filename".
type UploadRecord struct {
	UploadedAt time.Time `json:"uploadedAt"`
	Permanent  bool      `json:"permanent"`
	Likes      int       `json:"likes,omitempty"`
}

type Upload struct {
	Filename string `json:"filename"`
	Owner    string `json:"owner,omitempty"`
	UploadRecord
}
