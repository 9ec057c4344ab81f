package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"

	"github.com/gorilla/websocket"
	"github.com/jamlabs/go-jamroom/internal/ledger"
	"github.com/jamlabs/go-jamroom/internal/registry"
	"github.com/jamlabs/go-jamroom/internal/server"
	"github.com/jamlabs/go-jamroom/internal/stats"
	"github.com/jamlabs/go-jamroom/internal/uploads"
	"github.com/jamlabs/go-jamroom/types"
	"github.com/teris-io/shortid"
)

type CreateRoomRequest struct {
	RoomId    string `json:"room_id,omitempty"`
	HostName  string `json:"host_name,omitempty"`
	Community string `json:"community,omitempty"`
}

type UploadsResponse struct {
	Uploads        []types.Upload `json:"uploads"`
	PermanentCount int            `json:"permanent_count"`
	PermanentQuota int            `json:"permanent_quota"`
}

type PermanentRequest struct {
	Owner     string `json:"owner,omitempty"`
	Filename  string `json:"filename"`
	Permanent *bool  `json:"permanent,omitempty"`
}

type PermanentResponse struct {
	Filename  string `json:"filename"`
	Permanent bool   `json:"permanent"`
}

func (s *JamApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *JamApp) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJson(w, http.StatusOK, map[string]any{
		"status": "ok",
		"rooms":  s.registry.RoomCount(),
	})
}

func (s *JamApp) listRooms(w http.ResponseWriter, r *http.Request) {
	community := r.URL.Query().Get("community")
	s.writeJson(w, http.StatusOK, s.registry.ListRooms(community))
}

func (s *JamApp) createRoom(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	hostName := req.HostName
	if hostName == "" {
		if username, ok := Username(r.Context()); ok {
			hostName = username
		}
	}

	room, err := s.registry.CreateRoom(req.RoomId, hostName, req.Community)
	if err != nil {
		errResp := createRoomError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.stats.Incr(stats.RoomsCreated)
	s.writeJson(w, http.StatusCreated, room)
}

func createRoomError(err error) *ApiError {
	switch {
	case errors.Is(err, registry.ErrRoomExists):
		return NewConflictError("room already exists")
	case errors.Is(err, registry.ErrInvalidRoomId):
		return NewBadRequestMessageError("invalid room id")
	case errors.Is(err, registry.ErrCodesExhausted):
		return NewServiceUnavailableError("no room codes available")
	default:
		return NewInternalServerError(err)
	}
}

func (s *JamApp) getRoom(w http.ResponseWriter, r *http.Request) {
	room, err := s.registry.GetRoom(r.PathValue("id"))
	if err != nil {
		errResp := NewNotFoundError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, room)
}

// uploadsConfigured answers 503 and returns false when no remote
// storage is wired.
func (s *JamApp) uploadsConfigured(w http.ResponseWriter) bool {
	if s.uploads == nil {
		errResp := NewServiceUnavailableError("uploads are not configured")
		s.writeJson(w, errResp.StatusCode, errResp)
		return false
	}
	return true
}

// upload streams one multipart file straight into the upload store,
// never buffering the whole body.
func (s *JamApp) upload(w http.ResponseWriter, r *http.Request) {
	if !s.uploadsConfigured(w) {
		return
	}

	username, ok := Username(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	mr, err := r.MultipartReader()
	if err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		if part.FormName() != "file" || part.FileName() == "" {
			continue
		}

		up, err := s.uploads.Upload(username, part.FileName(), r.ContentLength, part)
		if err != nil {
			errResp := uploadError(err)
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		s.stats.Incr(stats.UploadsStored)
		s.writeJson(w, http.StatusCreated, up)
		return
	}

	errResp := NewBadRequestMessageError("no file in request")
	s.writeJson(w, errResp.StatusCode, errResp)
}

func uploadError(err error) *ApiError {
	switch {
	case errors.Is(err, uploads.ErrExtensionNotAllowed),
		errors.Is(err, uploads.ErrInvalidFilename),
		errors.Is(err, uploads.ErrTooManyDuplicates):
		return NewBadRequestMessageError(err.Error())
	case errors.Is(err, uploads.ErrFileTooLarge):
		return NewContentTooLargeError()
	case errors.Is(err, uploads.ErrRateLimited):
		return NewTooManyRequestsError("upload limit reached, try again later")
	case errors.Is(err, uploads.ErrQuotaExceeded):
		return NewConflictError("permanent quota reached")
	case errors.Is(err, ledger.ErrUploadNotFound):
		return NewNotFoundError()
	default:
		return NewInternalServerError(err)
	}
}

func (s *JamApp) listUploads(w http.ResponseWriter, r *http.Request) {
	if !s.uploadsConfigured(w) {
		return
	}

	username, _ := Username(r.Context())
	list, permanent, err := s.uploads.List(username)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, UploadsResponse{
		Uploads:        list,
		PermanentCount: permanent,
		PermanentQuota: uploads.PermanentQuota,
	})
}

func (s *JamApp) togglePermanent(w http.ResponseWriter, r *http.Request) {
	if !s.uploadsConfigured(w) {
		return
	}

	username, _ := Username(r.Context())

	var req PermanentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Filename == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	permanent, err := s.uploads.TogglePermanent(username, req.Filename)
	if err != nil {
		errResp := uploadError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, PermanentResponse{Filename: req.Filename, Permanent: permanent})
}

func (s *JamApp) deleteUpload(w http.ResponseWriter, r *http.Request) {
	if !s.uploadsConfigured(w) {
		return
	}

	username, _ := Username(r.Context())
	filename := r.URL.Query().Get("filename")
	if filename == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.uploads.Delete(username, filename); err != nil {
		errResp := uploadError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *JamApp) adminListUploads(w http.ResponseWriter, _ *http.Request) {
	if !s.uploadsConfigured(w) {
		return
	}

	list, err := s.uploads.ListAll()
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, list)
}

// adminSetPermanent sets the flag directly, bypassing the owner quota.
func (s *JamApp) adminSetPermanent(w http.ResponseWriter, r *http.Request) {
	if !s.uploadsConfigured(w) {
		return
	}

	var req PermanentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil ||
		req.Owner == "" || req.Filename == "" || req.Permanent == nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.uploads.SetPermanent(req.Owner, req.Filename, *req.Permanent); err != nil {
		errResp := uploadError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, PermanentResponse{Filename: req.Filename, Permanent: *req.Permanent})
}

func (s *JamApp) adminDeleteUpload(w http.ResponseWriter, r *http.Request) {
	if !s.uploadsConfigured(w) {
		return
	}

	owner := r.URL.Query().Get("owner")
	filename := r.URL.Query().Get("filename")
	if owner == "" || filename == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.uploads.Delete(owner, filename); err != nil {
		errResp := uploadError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *JamApp) serveWs(w http.ResponseWriter, r *http.Request) {
	username, ok := Username(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	sessionId, err := shortid.Generate()
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				// if no origin header, allow the request
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client := server.NewClient(username, sessionId, conn, s.js, s.log)

	s.js.RegisterClient(client)
	go client.Write()
	go client.Read()
}
