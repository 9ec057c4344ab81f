package registry

import (
	"crypto/rand"
	"encoding/hex"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/jamlabs/go-jamroom/types"
)

const (
	// roomCodeBytes yields 8 hex chars, a wide enough keyspace that
	// collisions stay negligible at expected scale.
	roomCodeBytes    = 4
	roomCodeAttempts = 5

	// DefaultGracePeriod keeps an empty room alive so its queue and
	// playback state survive a brief full departure.
	DefaultGracePeriod = 5 * time.Minute
	// DefaultStaleTimeout is how long a member may go without a
	// heartbeat before the sweep removes them.
	DefaultStaleTimeout = 5 * time.Minute
	// SweepInterval is the cadence at which callers should run
	// SweepStale.
	SweepInterval = time.Minute

	// MaxQueueLen bounds a whole-queue replacement.
	MaxQueueLen = 100
	// NumAvatars is the size of the avatar set; valid ids are
	// 0..NumAvatars-1.
	NumAvatars = 9
)

// Registry owns all live rooms. Every mutating operation runs to
// completion under the target room's lock, so operations are atomic
// with respect to each other.
type Registry struct {
	log   *log.Logger
	store Store

	timersMu    sync.Mutex
	graceTimers map[string]*time.Timer

	gracePeriod  time.Duration
	staleTimeout time.Duration
	now          func() time.Time
}

func NewRegistry(logger *log.Logger, store Store) *Registry {
	return &Registry{
		log:          logger,
		store:        store,
		graceTimers:  make(map[string]*time.Timer),
		gracePeriod:  DefaultGracePeriod,
		staleTimeout: DefaultStaleTimeout,
		now:          time.Now,
	}
}

func generateRoomCode() (string, error) {
	buf := make([]byte, roomCodeBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(buf)), nil
}

// CreateRoom registers a new room. An empty roomId draws a random code,
// retrying a bounded number of times on collision; a caller-supplied
// code fails immediately with ErrRoomExists if taken.
func (reg *Registry) CreateRoom(roomId, hostName, community string) (types.Room, error) {
	hostName = sanitizeString(hostName, maxNameLen)
	if hostName == "" {
		hostName = "Host"
	}
	community = sanitizeString(community, maxCommunityLen)

	id := roomId
	if id == "" {
		for range roomCodeAttempts {
			candidate, err := generateRoomCode()
			if err != nil {
				return types.Room{}, err
			}
			if _, taken := reg.store.Get(candidate); !taken {
				id = candidate
				break
			}
		}
		if id == "" {
			return types.Room{}, ErrCodesExhausted
		}
	} else {
		if !validRoomId(id) {
			return types.Room{}, ErrInvalidRoomId
		}
		if _, taken := reg.store.Get(id); taken {
			return types.Room{}, ErrRoomExists
		}
	}

	room := newRoom(id, hostName, community, reg.now())
	reg.store.Put(room)
	reg.log.Printf("room created: %q", id)

	room.mu.Lock()
	defer room.mu.Unlock()
	return room.snapshot(), nil
}

func (reg *Registry) GetRoom(roomId string) (types.Room, error) {
	room, ok := reg.store.Get(roomId)
	if !ok {
		return types.Room{}, ErrRoomNotFound
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	return room.snapshot(), nil
}

// ListRooms returns public summaries of rooms with at least one member,
// optionally filtered by community tag.
func (reg *Registry) ListRooms(community string) []types.RoomSummary {
	summaries := []types.RoomSummary{}
	for _, room := range reg.store.All() {
		room.mu.Lock()
		if len(room.users) > 0 && (community == "" || room.community == community) {
			summaries = append(summaries, room.summary())
		}
		room.mu.Unlock()
	}
	return summaries
}

func (reg *Registry) RoomCount() int {
	return reg.store.Len()
}

type JoinResult struct {
	Room types.Room
	User types.User
	// Rejoined is true when the user was already a member and only the
	// transport session was refreshed.
	Rejoined bool
}

// Join adds the user to the room, or refreshes their session on
// reconnect. The first member becomes host. Any pending empty-room
// grace timer is cancelled.
func (reg *Registry) Join(roomId, userId, username, sessionId string) (JoinResult, error) {
	if !validUserId(userId) {
		return JoinResult{}, ErrInvalidUserId
	}

	username = sanitizeString(username, maxNameLen)
	if username == "" {
		username = "Anonymous"
	}

	room, ok := reg.store.Get(roomId)
	if !ok {
		return JoinResult{}, ErrRoomNotFound
	}

	reg.cancelGraceTimer(roomId)

	room.mu.Lock()
	defer room.mu.Unlock()

	// The grace timer may have fired between the lookup and the lock;
	// once expiry removed the room, a join can no longer revive it.
	if room.deleted {
		return JoinResult{}, ErrRoomNotFound
	}

	now := reg.now()
	room.emptiedAt = time.Time{}

	if existing := room.findMember(userId); existing != nil {
		// Reconnect: refresh session and heartbeat, keep the advisory
		// position and join order.
		existing.sessionId = sessionId
		existing.username = username
		existing.lastHeartbeat = now
		reg.log.Printf("user %q rejoined room %q", userId, roomId)
		return JoinResult{
			Room:     room.snapshot(),
			User:     memberSnapshot(existing),
			Rejoined: true,
		}, nil
	}

	u := &member{
		id:            userId,
		username:      username,
		sessionId:     sessionId,
		joinedAt:      now,
		lastHeartbeat: now,
	}
	room.users = append(room.users, u)
	if len(room.users) == 1 {
		room.hostId = userId
	}

	reg.log.Printf("user %q joined room %q", userId, roomId)
	return JoinResult{Room: room.snapshot(), User: memberSnapshot(u)}, nil
}

func memberSnapshot(u *member) types.User {
	return types.User{
		Id:            u.id,
		Username:      u.username,
		SessionId:     u.sessionId,
		Position:      u.position,
		JoinedAt:      u.joinedAt,
		LastHeartbeat: u.lastHeartbeat,
	}
}

type LeaveResult struct {
	// Room is the post-departure snapshot. Meaningless when Emptied.
	Room types.Room
	// NewHostId is set when the departing user was host and another
	// member was promoted.
	NewHostId string
	// Emptied is true when the room has no members left and entered
	// its grace period.
	Emptied bool
}

// Leave removes the user's membership. An emptied room is kept for the
// grace period rather than deleted; a departing host is replaced by the
// earliest still-present member.
func (reg *Registry) Leave(roomId, userId string) (LeaveResult, error) {
	room, ok := reg.store.Get(roomId)
	if !ok {
		return LeaveResult{}, ErrRoomNotFound
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if room.findMember(userId) == nil {
		return LeaveResult{}, ErrNotMember
	}

	wasHost := room.hostId == userId
	room.dropMember(userId)
	reg.log.Printf("user %q left room %q", userId, roomId)

	if len(room.users) == 0 {
		room.emptiedAt = reg.now()
		reg.startGraceTimer(roomId)
		return LeaveResult{Emptied: true}, nil
	}

	var newHost string
	if wasHost {
		newHost = room.ensureHost()
		reg.log.Printf("new host for room %q: %q", roomId, newHost)
	}

	return LeaveResult{Room: room.snapshot(), NewHostId: newHost}, nil
}

// PlaybackUpdate is a partial playback change; nil fields keep their
// current value. The snapshot timestamp is always assigned server-side.
type PlaybackUpdate struct {
	TrackId  *string
	Position *float64
	Playing  *bool
}

// SetPlayback applies a control action. Requires host or co-host
// authority.
func (reg *Registry) SetPlayback(roomId, callerId string, update PlaybackUpdate) (types.PlaybackState, error) {
	room, ok := reg.store.Get(roomId)
	if !ok {
		return types.PlaybackState{}, ErrRoomNotFound
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if !room.canControl(callerId) {
		return types.PlaybackState{}, ErrUnauthorized
	}

	if update.TrackId != nil {
		room.playback.TrackId = *update.TrackId
	}
	if update.Position != nil {
		room.playback.Position = *update.Position
	}
	if update.Playing != nil {
		room.playback.Playing = *update.Playing
	}

	// Snapshot timestamps never move backwards within a room.
	ts := reg.now()
	if ts.Before(room.playback.Timestamp) {
		ts = room.playback.Timestamp
	}
	room.playback.Timestamp = ts

	return room.playback, nil
}

// SetQueue replaces the queue wholesale. Oversized updates are rejected
// in full; items are sanitized and entries without an id are dropped.
func (reg *Registry) SetQueue(roomId, callerId string, queue []types.Track) ([]types.Track, error) {
	if len(queue) > MaxQueueLen {
		return nil, ErrQueueTooLong
	}

	room, ok := reg.store.Get(roomId)
	if !ok {
		return nil, ErrRoomNotFound
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if !room.canControl(callerId) {
		return nil, ErrUnauthorized
	}

	sanitized := make([]types.Track, 0, len(queue))
	for _, item := range queue {
		if item.Id == "" {
			continue
		}
		if len(item.Id) > maxTrackIdLen {
			item.Id = item.Id[:maxTrackIdLen]
		}
		sanitized = append(sanitized, types.Track{
			Id:     item.Id,
			Title:  sanitizeString(item.Title, maxTitleLen),
			Artist: sanitizeString(item.Artist, maxArtistLen),
			Album:  sanitizeString(item.Album, maxAlbumLen),
		})
	}

	room.queue = sanitized
	return room.queue, nil
}

// PromoteCoHost grants control authority. Host only; self-promotion and
// non-members are rejected.
func (reg *Registry) PromoteCoHost(roomId, callerId, targetId string) (types.Room, error) {
	room, ok := reg.store.Get(roomId)
	if !ok {
		return types.Room{}, ErrRoomNotFound
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if room.hostId != callerId {
		return types.Room{}, ErrUnauthorized
	}
	if targetId == callerId {
		return types.Room{}, ErrInvalidUserId
	}
	if room.findMember(targetId) == nil {
		return types.Room{}, ErrNotMember
	}

	if !room.isCoHost(targetId) {
		room.coHosts = append(room.coHosts, targetId)
	}
	return room.snapshot(), nil
}

// DemoteCoHost revokes control authority. Host only, idempotent.
func (reg *Registry) DemoteCoHost(roomId, callerId, targetId string) (types.Room, error) {
	room, ok := reg.store.Get(roomId)
	if !ok {
		return types.Room{}, ErrRoomNotFound
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if room.hostId != callerId {
		return types.Room{}, ErrUnauthorized
	}

	for i, id := range room.coHosts {
		if id == targetId {
			room.coHosts = append(room.coHosts[:i], room.coHosts[i+1:]...)
			break
		}
	}
	return room.snapshot(), nil
}

// SetCommunity changes the room's community tag. Host only.
func (reg *Registry) SetCommunity(roomId, callerId, community string) (types.Room, error) {
	room, ok := reg.store.Get(roomId)
	if !ok {
		return types.Room{}, ErrRoomNotFound
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if room.hostId != callerId {
		return types.Room{}, ErrUnauthorized
	}

	room.community = sanitizeString(community, maxCommunityLen)
	return room.snapshot(), nil
}

// SetReaction records the user's reaction to a track, replacing any
// previous one, and returns the previous kind so callers can derive
// side effects.
func (reg *Registry) SetReaction(roomId, trackId, userId string, kind types.ReactionKind) (types.ReactionKind, types.ReactionCounts, error) {
	if kind != types.ReactionLike && kind != types.ReactionDislike {
		return "", types.ReactionCounts{}, ErrInvalidReaction
	}
	if trackId == "" || len(trackId) > maxTrackIdLen {
		return "", types.ReactionCounts{}, ErrInvalidTrackId
	}

	room, ok := reg.store.Get(roomId)
	if !ok {
		return "", types.ReactionCounts{}, ErrRoomNotFound
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if room.findMember(userId) == nil {
		return "", types.ReactionCounts{}, ErrNotMember
	}

	if room.reactions[trackId] == nil {
		room.reactions[trackId] = make(map[string]types.ReactionKind)
	}
	previous := room.reactions[trackId][userId]
	room.reactions[trackId][userId] = kind

	return previous, room.reactionCounts(trackId), nil
}

// RemoveReaction clears the user's reaction, returning the previous
// kind.
func (reg *Registry) RemoveReaction(roomId, trackId, userId string) (types.ReactionKind, types.ReactionCounts, error) {
	if trackId == "" || len(trackId) > maxTrackIdLen {
		return "", types.ReactionCounts{}, ErrInvalidTrackId
	}

	room, ok := reg.store.Get(roomId)
	if !ok {
		return "", types.ReactionCounts{}, ErrRoomNotFound
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if room.findMember(userId) == nil {
		return "", types.ReactionCounts{}, ErrNotMember
	}

	previous := room.reactions[trackId][userId]
	delete(room.reactions[trackId], userId)
	if len(room.reactions[trackId]) == 0 {
		delete(room.reactions, trackId)
	}

	return previous, room.reactionCounts(trackId), nil
}

func (reg *Registry) ReactionCounts(roomId, trackId string) (types.ReactionCounts, error) {
	room, ok := reg.store.Get(roomId)
	if !ok {
		return types.ReactionCounts{}, ErrRoomNotFound
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	return room.reactionCounts(trackId), nil
}

// SelectAvatar picks an avatar for the user. Ephemeral, membership
// gated, cleared on removal.
func (reg *Registry) SelectAvatar(roomId, userId string, avatarId int) (map[string]int, error) {
	if avatarId < 0 || avatarId >= NumAvatars {
		return nil, ErrInvalidAvatar
	}

	room, ok := reg.store.Get(roomId)
	if !ok {
		return nil, ErrRoomNotFound
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if room.findMember(userId) == nil {
		return nil, ErrNotMember
	}

	room.avatars[userId] = avatarId

	choices := make(map[string]int, len(room.avatars))
	for id, avatar := range room.avatars {
		choices[id] = avatar
	}
	return choices, nil
}

// HoldGesture marks the user as holding the gesture button.
func (reg *Registry) HoldGesture(roomId, userId string) ([]string, error) {
	return reg.setGesture(roomId, userId, true)
}

// ReleaseGesture clears the user's gesture hold.
func (reg *Registry) ReleaseGesture(roomId, userId string) ([]string, error) {
	return reg.setGesture(roomId, userId, false)
}

func (reg *Registry) setGesture(roomId, userId string, held bool) ([]string, error) {
	room, ok := reg.store.Get(roomId)
	if !ok {
		return nil, ErrRoomNotFound
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if room.findMember(userId) == nil {
		return nil, ErrNotMember
	}

	if held {
		room.gestures[userId] = struct{}{}
	} else {
		delete(room.gestures, userId)
	}

	holders := make([]string, 0, len(room.gestures))
	for id := range room.gestures {
		holders = append(holders, id)
	}
	return holders, nil
}

// Heartbeat records the member's advisory position. Best effort:
// unknown rooms and users are ignored.
func (reg *Registry) Heartbeat(roomId, userId string, position float64) {
	room, ok := reg.store.Get(roomId)
	if !ok {
		return
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if u := room.findMember(userId); u != nil {
		u.position = position
		u.lastHeartbeat = reg.now()
	}
}

// StaleRemoval describes one membership removal performed by the sweep
// so the transport can notify the remaining members.
type StaleRemoval struct {
	RoomId    string
	UserId    string
	NewHostId string
	// RoomEmptied is true when this removal left the room empty.
	RoomEmptied bool
}

// SweepStale removes members whose heartbeat exceeded the timeout.
// Rooms emptied by the sweep follow the normal grace path; zero-member
// rooms already past grace are force-deleted as a safety net for a
// timer that failed to fire.
func (reg *Registry) SweepStale() []StaleRemoval {
	now := reg.now()
	var removals []StaleRemoval

	for _, room := range reg.store.All() {
		room.mu.Lock()

		if len(room.users) == 0 {
			if !room.emptiedAt.IsZero() && now.Sub(room.emptiedAt) > reg.gracePeriod {
				roomId := room.id
				room.deleted = true
				reg.store.Delete(roomId)
				room.mu.Unlock()
				reg.cancelGraceTimer(roomId)
				reg.log.Printf("force-deleted empty room past grace: %q", roomId)
				continue
			}
			room.mu.Unlock()
			continue
		}

		var stale []string
		for _, u := range room.users {
			if now.Sub(u.lastHeartbeat) > reg.staleTimeout {
				stale = append(stale, u.id)
			}
		}

		for _, userId := range stale {
			wasHost := room.hostId == userId
			room.dropMember(userId)

			removal := StaleRemoval{RoomId: room.id, UserId: userId}
			if len(room.users) == 0 {
				room.emptiedAt = now
				removal.RoomEmptied = true
				reg.startGraceTimer(room.id)
			} else if wasHost {
				removal.NewHostId = room.ensureHost()
			}
			removals = append(removals, removal)
			reg.log.Printf("swept stale user %q from room %q", userId, room.id)
		}

		room.mu.Unlock()
	}

	return removals
}

func (reg *Registry) startGraceTimer(roomId string) {
	reg.timersMu.Lock()
	defer reg.timersMu.Unlock()

	if t, ok := reg.graceTimers[roomId]; ok {
		t.Stop()
	}
	reg.graceTimers[roomId] = time.AfterFunc(reg.gracePeriod, func() {
		reg.expireRoom(roomId)
	})
	reg.log.Printf("room %q is empty, starting %s grace period", roomId, reg.gracePeriod)
}

func (reg *Registry) cancelGraceTimer(roomId string) {
	reg.timersMu.Lock()
	defer reg.timersMu.Unlock()

	if t, ok := reg.graceTimers[roomId]; ok {
		t.Stop()
		delete(reg.graceTimers, roomId)
		reg.log.Printf("grace period cancelled for room %q", roomId)
	}
}

func (reg *Registry) expireRoom(roomId string) {
	room, ok := reg.store.Get(roomId)
	if !ok {
		return
	}

	// The empty check and the store delete stay under the room lock so a
	// concurrent join either lands before expiry and keeps the room
	// alive, or observes the deleted flag and fails.
	room.mu.Lock()
	if len(room.users) > 0 {
		room.mu.Unlock()
		return
	}
	room.deleted = true
	reg.store.Delete(roomId)
	room.mu.Unlock()

	reg.timersMu.Lock()
	delete(reg.graceTimers, roomId)
	reg.timersMu.Unlock()

	reg.log.Printf("room %q deleted after grace period", roomId)
}

// Stop cancels all pending grace timers. Used on shutdown.
func (reg *Registry) Stop() {
	reg.timersMu.Lock()
	defer reg.timersMu.Unlock()

	for id, t := range reg.graceTimers {
		t.Stop()
		delete(reg.graceTimers, id)
	}
}
