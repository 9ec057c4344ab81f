package registry

import (
	"slices"
	"sync"
	"time"

	"github.com/jamlabs/go-jamroom/types"
)

// Room is the authoritative state for one listening session. All
// fields are guarded by mu; the registry locks a room for the full
// duration of every mutating operation.
type Room struct {
	mu sync.Mutex

	id        string
	hostId    string
	hostName  string
	community string
	coHosts   []string
	// users is kept in join order; host failover promotes the earliest
	// still-present member.
	users     []*member
	queue     []types.Track
	playback  types.PlaybackState
	reactions map[string]map[string]types.ReactionKind
	avatars   map[string]int
	gestures  map[string]struct{}
	createdAt time.Time
	// emptiedAt is set while the room has zero members and a grace
	// timer is pending. Zero otherwise.
	emptiedAt time.Time
	// deleted marks a room that has been removed from the store while a
	// concurrent operation may still hold a reference to it. Joins must
	// re-check it after locking.
	deleted bool
}

type member struct {
	id            string
	username      string
	sessionId     string
	position      float64
	joinedAt      time.Time
	lastHeartbeat time.Time
}

func newRoom(id, hostName, community string, now time.Time) *Room {
	return &Room{
		id:        id,
		hostName:  hostName,
		community: community,
		reactions: make(map[string]map[string]types.ReactionKind),
		avatars:   make(map[string]int),
		gestures:  make(map[string]struct{}),
		playback:  types.PlaybackState{Timestamp: now},
		createdAt: now,
	}
}

func (r *Room) findMember(userId string) *member {
	for _, u := range r.users {
		if u.id == userId {
			return u
		}
	}
	return nil
}

func (r *Room) isCoHost(userId string) bool {
	return slices.Contains(r.coHosts, userId)
}

// canControl reports whether userId holds playback/queue authority.
func (r *Room) canControl(userId string) bool {
	return userId != "" && (r.hostId == userId || r.isCoHost(userId))
}

// dropMember removes the user's membership together with all ephemeral
// per-user state: co-host slot, avatar selection and gesture hold.
func (r *Room) dropMember(userId string) {
	r.users = slices.DeleteFunc(r.users, func(u *member) bool {
		return u.id == userId
	})
	r.coHosts = slices.DeleteFunc(r.coHosts, func(id string) bool {
		return id == userId
	})
	delete(r.avatars, userId)
	delete(r.gestures, userId)
}

// ensureHost re-establishes the single-host invariant after any
// membership change: the host must be a member, and a non-empty room
// always has one. Returns the new host id if a promotion happened.
func (r *Room) ensureHost() string {
	if len(r.users) == 0 {
		return ""
	}

	if r.hostId != "" && r.findMember(r.hostId) != nil {
		return ""
	}

	r.hostId = r.users[0].id
	return r.hostId
}

func (r *Room) reactionCounts(trackId string) types.ReactionCounts {
	counts := types.ReactionCounts{Reactions: make(map[string]types.ReactionKind)}
	for userId, kind := range r.reactions[trackId] {
		counts.Reactions[userId] = kind
		switch kind {
		case types.ReactionLike:
			counts.Likes++
		case types.ReactionDislike:
			counts.Dislikes++
		}
	}
	return counts
}

// snapshot copies the room into its wire shape. Caller must hold mu.
func (r *Room) snapshot() types.Room {
	users := make([]types.User, len(r.users))
	for i, u := range r.users {
		users[i] = types.User{
			Id:            u.id,
			Username:      u.username,
			SessionId:     u.sessionId,
			Position:      u.position,
			JoinedAt:      u.joinedAt,
			LastHeartbeat: u.lastHeartbeat,
		}
	}

	avatars := make(map[string]int, len(r.avatars))
	for id, avatar := range r.avatars {
		avatars[id] = avatar
	}

	gestures := make([]string, 0, len(r.gestures))
	for id := range r.gestures {
		gestures = append(gestures, id)
	}
	slices.Sort(gestures)

	return types.Room{
		Id:             r.id,
		HostId:         r.hostId,
		HostName:       r.hostName,
		Community:      r.community,
		CoHosts:        slices.Clone(r.coHosts),
		Users:          users,
		Queue:          slices.Clone(r.queue),
		PlaybackState:  r.playback,
		AvatarChoices:  avatars,
		GestureHolders: gestures,
		CreatedAt:      r.createdAt,
	}
}

func (r *Room) summary() types.RoomSummary {
	s := types.RoomSummary{
		Id:        r.id,
		HostName:  r.hostName,
		Community: r.community,
		UserCount: len(r.users),
		CreatedAt: r.createdAt,
	}

	if r.playback.TrackId != "" {
		now := &types.NowPlaying{Playing: r.playback.Playing}
		for _, t := range r.queue {
			if t.Id == r.playback.TrackId {
				now.Title = t.Title
				now.Artist = t.Artist
				break
			}
		}
		s.CurrentTrack = now
	}

	return s
}
