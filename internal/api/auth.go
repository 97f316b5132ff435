package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt"

	"github.com/huddlechat/huddle/internal/backend"
	"github.com/huddlechat/huddle/internal/types"
)

const (
	tokenCookieKey = "token"
	identityClaim  = "identity"
	grantClaim     = "grant"
	expClaim       = "exp"

	grantStream = "stream"
	grantVideo  = "video"

	defaultExp = time.Hour * 24
)

type contextKey string

const sessionKey contextKey = "session"

type session struct {
	user  types.User
	token string
}

func sessionFrom(ctx context.Context) (session, bool) {
	sess, ok := ctx.Value(sessionKey).(session)
	return sess, ok
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type SignupRequest struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Password  string `json:"password"`
}

// authMiddleware resolves the session cookie against the upstream on
// every request. Upstream validation rejects bad tokens with a 400,
// which the client must see as an auth failure, so that status is
// normalized to 401.
func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tokenCookie, err := r.Cookie(tokenCookieKey)
		if err != nil {
			errResp := NewUnauthorizedError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		user, err := s.backend.ValidateSession(r.Context(), tokenCookie.Value)
		if err != nil {
			s.log.Printf("failed to validate session: %v", err)
			errResp := newBackendError(err)
			var berr *backend.Error
			if errors.As(err, &berr) && berr.Code == http.StatusBadRequest {
				errResp = NewUnauthorizedError()
			}
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		ctx := context.WithValue(r.Context(), sessionKey, session{user: user, token: tokenCookie.Value})
		w.Header().Add("Cache-Control", "no-store, no-cache, must-revalidate, private")

		next(w, r.WithContext(ctx))
	}
}

func (s *Server) signup(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.Email == "" || req.Password == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	err := s.backend.Signup(r.Context(), backend.SignupParams{
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Email:     req.Email,
		Password:  req.Password,
	})
	if err != nil {
		errResp := newBackendError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusCreated, nil)
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	token, err := s.backend.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		errResp := newBackendError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     tokenCookieKey,
		Value:    token,
		Path:     "/",
		Expires:  time.Now().Add(defaultExp),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	s.writeJson(w, http.StatusOK, nil)
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	sess, ok := sessionFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.backend.Logout(r.Context(), sess.token); err != nil {
		s.log.Printf("failed to log out session: %v", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     tokenCookieKey,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})

	s.writeJson(w, http.StatusOK, nil)
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) {
	sess, ok := sessionFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, map[string]types.User{"user": sess.user})
}

// mintToken signs a short-lived grant token carrying the user's
// identity, the local analog of the provider's access token.
func (s *Server) mintToken(identity, grant string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		identityClaim: identity,
		grantClaim:    grant,
		expClaim:      time.Now().Add(defaultExp).Unix(),
	})

	return token.SignedString(s.signingKey)
}

// verifyToken checks the signature and grant of a minted token and
// returns the identity it was issued for.
func (s *Server) verifyToken(tokenString, grant string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.signingKey, nil
	})
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid token claims")
	}

	if claims[grantClaim] != grant {
		return "", fmt.Errorf("token grant mismatch")
	}

	identity, ok := claims[identityClaim].(string)
	if !ok || identity == "" {
		return "", fmt.Errorf("invalid identity claim")
	}

	return identity, nil
}

// videoToken issues the media room credential for the session user.
func (s *Server) videoToken(w http.ResponseWriter, r *http.Request) {
	sess, ok := sessionFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	token, err := s.mintToken(sess.user.Id, grantVideo)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, map[string]string{
		"identity": sess.user.Id,
		"token":    token,
	})
}
