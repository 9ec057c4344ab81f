// Package catalogue talks to the music catalogue (a Navidrome server)
// for credential checks and track-to-upload resolution.
package catalogue

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	clientName   = "jamroom"
	protoVersion = "1.16.1"

	// adminTokenTTL refreshes the admin token well before the server
	// side expires it.
	adminTokenTTL  = 55 * time.Minute
	requestTimeout = 10 * time.Second

	// uploadMarker is the path segment that identifies a catalogue
	// track as one of our uploads. Everything after it is the ledger
	// key ("owner/filename").
	uploadMarker = "jam-uploads/"
)

var (
	ErrUnavailable        = errors.New("catalogue unavailable")
	ErrInvalidCredentials = errors.New("invalid catalogue credentials")
	ErrNoAdminCredentials = errors.New("no admin credentials configured")
)

// Credentials are the Subsonic auth parameters a client presents:
// either a salted token pair or a plain password.
type Credentials struct {
	Username string
	Token    string
	Salt     string
	Password string
}

func (c Credentials) valid() bool {
	return c.Username != "" && (c.Token != "" || c.Password != "")
}

type Client struct {
	log      *log.Logger
	baseURL  string
	admin    string
	adminPw  string
	httpc    *http.Client

	tokenMu     sync.Mutex
	adminToken  string
	tokenExpiry time.Time

	keyMu sync.Mutex
	// trackId -> ledger key; empty string caches a negative result.
	trackKeys map[string]string

	now func() time.Time
}

func NewClient(baseURL, adminUser, adminPass string, logger *log.Logger) *Client {
	return &Client{
		log:       logger,
		baseURL:   strings.TrimRight(baseURL, "/"),
		admin:     adminUser,
		adminPw:   adminPass,
		httpc:     &http.Client{Timeout: requestTimeout},
		trackKeys: make(map[string]string),
		now:       time.Now,
	}
}

// VerifyCredentials pings the catalogue with the given Subsonic
// parameters. It returns the username on success, ErrInvalidCredentials
// when the catalogue rejects them, and ErrUnavailable when it cannot
// be reached.
func (c *Client) VerifyCredentials(creds Credentials) (string, error) {
	if !creds.valid() {
		return "", ErrInvalidCredentials
	}

	params := url.Values{}
	params.Set("u", creds.Username)
	params.Set("c", clientName)
	params.Set("v", protoVersion)
	params.Set("f", "json")
	if creds.Token != "" {
		params.Set("t", creds.Token)
		params.Set("s", creds.Salt)
	} else {
		params.Set("p", creds.Password)
	}

	resp, err := c.httpc.Get(c.baseURL + "/rest/ping.view?" + params.Encode())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", ErrInvalidCredentials
	}

	var body struct {
		SubsonicResponse struct {
			Status string `json:"status"`
		} `json:"subsonic-response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if body.SubsonicResponse.Status != "ok" {
		return "", ErrInvalidCredentials
	}
	return creds.Username, nil
}

// adminLogin fetches a fresh native-API token for the admin account,
// caching it until shortly before expiry.
func (c *Client) adminLogin() (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.adminToken != "" && c.now().Before(c.tokenExpiry) {
		return c.adminToken, nil
	}

	if c.admin == "" || c.adminPw == "" {
		return "", ErrNoAdminCredentials
	}

	payload, err := json.Marshal(map[string]string{
		"username": c.admin,
		"password": c.adminPw,
	})
	if err != nil {
		return "", err
	}

	resp, err := c.httpc.Post(c.baseURL+"/auth/login", "application/json", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: admin login returned %s", ErrUnavailable, resp.Status)
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if body.Token == "" {
		return "", fmt.Errorf("%w: admin login returned no token", ErrUnavailable)
	}

	c.adminToken = body.Token
	c.tokenExpiry = c.now().Add(adminTokenTTL)
	return c.adminToken, nil
}

// TrackUploadKey resolves a catalogue track id to its upload ledger
// key, when the track's library path lies under the uploads directory.
// Results, including negative ones, are cached for the process
// lifetime.
func (c *Client) TrackUploadKey(trackId string) (string, bool, error) {
	c.keyMu.Lock()
	key, cached := c.trackKeys[trackId]
	c.keyMu.Unlock()
	if cached {
		return key, key != "", nil
	}

	token, err := c.adminLogin()
	if err != nil {
		return "", false, err
	}

	req, err := http.NewRequest(http.MethodGet, c.baseURL+"/api/song/"+url.PathEscape(trackId), nil)
	if err != nil {
		return "", false, err
	}
	req.Header.Set("x-nd-authorization", "Bearer "+token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", false, fmt.Errorf("%w: song lookup returned %s", ErrUnavailable, resp.Status)
	}

	var song struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&song); err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	key = ""
	if idx := strings.Index(song.Path, uploadMarker); idx != -1 {
		key = song.Path[idx+len(uploadMarker):]
	}

	c.keyMu.Lock()
	c.trackKeys[trackId] = key
	c.keyMu.Unlock()

	return key, key != "", nil
}
