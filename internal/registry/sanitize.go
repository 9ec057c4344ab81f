package registry

import (
	"regexp"
	"strings"
)

const (
	maxNameLen      = 50
	maxTrackIdLen   = 100
	maxTitleLen     = 200
	maxArtistLen    = 100
	maxAlbumLen     = 200
	maxCommunityLen = 50
)

var (
	roomIdPattern = regexp.MustCompile(`^[a-zA-Z0-9]{1,8}$`)
	userIdPattern = regexp.MustCompile(`^[a-zA-Z0-9-]{1,50}$`)
	htmlTagRe     = regexp.MustCompile(`<[^>]*>`)
	unsafeCharsRe = regexp.MustCompile(`[<>"']`)
)

func validRoomId(id string) bool {
	return roomIdPattern.MatchString(id)
}

func validUserId(id string) bool {
	return userIdPattern.MatchString(id)
}

// sanitizeString strips markup and unsafe characters and caps the
// length. Display strings from clients always pass through here before
// entering room state.
func sanitizeString(s string, maxLen int) string {
	s = htmlTagRe.ReplaceAllString(s, "")
	s = unsafeCharsRe.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}
