package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/jamlabs/go-jamroom/internal/catalogue"
)

const (
	defaultJwtExpiration = time.Hour * 24
	tokenCookieKey       = "token"

	usernameClaim = "username"
	expClaim      = "exp"
)

type contextKey string

const usernameKey contextKey = "username"

// Username returns the authenticated catalogue username from the
// request context.
func Username(ctx context.Context) (string, bool) {
	username, ok := ctx.Value(usernameKey).(string)
	return username, ok
}

func WithUsername(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, usernameKey, username)
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type SessionResponse struct {
	Username string `json:"username"`
}

// login verifies the submitted credentials against the catalogue and
// mints a session cookie. There is no local account store; the
// catalogue is the identity authority.
func (s *JamApp) login(w http.ResponseWriter, r *http.Request) {
	var lr LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&lr); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if lr.Username == "" || lr.Password == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	username, err := s.catalogue.VerifyCredentials(catalogue.Credentials{
		Username: lr.Username,
		Password: lr.Password,
	})
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, catalogue.ErrUnavailable) {
			errResp = NewBadGatewayError(err)
		} else {
			errResp = NewUnauthorizedError()
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	token, err := s.createJwtForSession(username, defaultJwtExpiration)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	http.SetCookie(w, createJwtCookie(token, defaultJwtExpiration))

	s.writeJson(w, http.StatusOK, SessionResponse{Username: username})
}

func (s *JamApp) session(w http.ResponseWriter, r *http.Request) {
	username, ok := Username(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, SessionResponse{Username: username})
}

func (s *JamApp) logout(w http.ResponseWriter, _ *http.Request) {
	// instruct browser to delete cookie by overwriting it with an expired token
	http.SetCookie(w, createJwtCookie("", time.Duration(time.Unix(0, 0).Unix())))
	w.WriteHeader(http.StatusNoContent)
}

func createJwtCookie(tokenString string, exp time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     tokenCookieKey,
		Value:    tokenString,
		Path:     "/",
		Expires:  time.Now().Add(exp),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
}

func (s *JamApp) createJwtForSession(username string, exp time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		usernameClaim: username,
		expClaim:      time.Now().Add(exp).Unix(),
	})

	return token.SignedString(s.signingKey)
}

func (s *JamApp) extractUsernameFromToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.signingKey, nil
	})
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}

	if !token.Valid {
		return "", fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid token claims")
	}

	username, ok := claims[usernameClaim].(string)
	if !ok || username == "" {
		return "", fmt.Errorf("invalid username claim")
	}

	return username, nil
}

// subsonicCredentials reads the Subsonic auth parameters clients
// already hold for the catalogue, so upload endpoints work without a
// prior login round trip.
func subsonicCredentials(r *http.Request) catalogue.Credentials {
	q := r.URL.Query()
	return catalogue.Credentials{
		Username: q.Get("u"),
		Token:    q.Get("t"),
		Salt:     q.Get("s"),
		Password: q.Get("p"),
	}
}

// authenticate resolves the request identity: session cookie first,
// Subsonic query parameters as fallback.
func (s *JamApp) authenticate(r *http.Request) (string, error) {
	if cookie, err := r.Cookie(tokenCookieKey); err == nil {
		if username, err := s.extractUsernameFromToken(cookie.Value); err == nil {
			return username, nil
		} else {
			s.log.Printf("failed to extract username from token: %v", err)
		}
	}

	creds := subsonicCredentials(r)
	if creds.Username == "" {
		return "", fmt.Errorf("no credentials presented")
	}

	return s.catalogue.VerifyCredentials(creds)
}
