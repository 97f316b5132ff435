// Package api is the proxy surface between the browser client and the
// upstream chat API. Every handler authenticates the session cookie
// against the upstream, forwards the operation, and mirrors mutation
// events onto the affected members' stream topics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"

	"github.com/huddlechat/huddle/internal/backend"
	"github.com/huddlechat/huddle/internal/config"
	"github.com/huddlechat/huddle/internal/localstore"
	"github.com/huddlechat/huddle/internal/stats"
)

type Server struct {
	log            *log.Logger
	backend        backend.Backend
	store          localstore.Repository
	stats          stats.StatsProvider
	mux            *http.Server
	signingKey     []byte
	upstreamWs     string
	upstreamKey    string
	allowedOrigins []string
}

func NewServer(logger *log.Logger, bc backend.Backend, store localstore.Repository, st stats.StatsProvider, cfg *config.Config) *Server {
	s := &Server{
		log:            logger,
		backend:        bc,
		store:          store,
		stats:          st,
		signingKey:     cfg.SigningKey,
		upstreamWs:     backend.SubscribeURL(cfg.BackendURL),
		upstreamKey:    cfg.BackendAPIKey,
		allowedOrigins: cfg.AllowedOrigins,
	}

	st.RegisterMetric(stats.ProxyRequests)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/signup", s.signup)
	mux.HandleFunc("POST /api/auth/login", s.login)
	mux.Handle("GET /api/auth/logout", s.authMiddleware(s.logout))
	mux.Handle("GET /api/auth/session", s.authMiddleware(s.session))
	mux.Handle("/api/profile", s.authMiddleware(s.profile))
	mux.Handle("GET /api/groups", s.authMiddleware(s.listGroups))
	mux.Handle("POST /api/groups", s.authMiddleware(s.createGroup))
	mux.Handle("GET /api/groups/{group_id}", s.authMiddleware(s.getGroup))
	mux.Handle("POST /api/groups/{group_id}/leave", s.authMiddleware(s.leaveGroup))
	mux.Handle("POST /api/groups/{group_id}/threads", s.authMiddleware(s.createThread))
	mux.Handle("GET /api/groups/{group_id}/invites", s.authMiddleware(s.listGroupInvites))
	mux.Handle("POST /api/groups/{group_id}/invites", s.authMiddleware(s.createInvite))
	mux.Handle("GET /api/groups/{group_id}/seen", s.authMiddleware(s.getSeen))
	mux.Handle("PUT /api/groups/{group_id}/seen", s.authMiddleware(s.putSeen))
	mux.Handle("PATCH /api/threads/{thread_id}", s.authMiddleware(s.updateThread))
	mux.Handle("DELETE /api/threads/{thread_id}", s.authMiddleware(s.deleteThread))
	mux.Handle("GET /api/threads/{thread_id}/messages", s.authMiddleware(s.threadMessages))
	mux.Handle("POST /api/threads/{thread_id}/messages", s.authMiddleware(s.threadMessages))
	mux.Handle("GET /api/chats/{user_id}/messages", s.authMiddleware(s.chatMessages))
	mux.Handle("POST /api/chats/{user_id}/messages", s.authMiddleware(s.chatMessages))
	mux.Handle("GET /api/invites", s.authMiddleware(s.listInvites))
	mux.Handle("POST /api/invites/{invite_id}/accept", s.authMiddleware(s.acceptInvite))
	mux.Handle("POST /api/invites/{invite_id}/reject", s.authMiddleware(s.rejectInvite))
	mux.Handle("POST /api/invites/{invite_id}/revoke", s.authMiddleware(s.revokeInvite))
	mux.Handle("GET /api/streams/credential", s.authMiddleware(s.streamCredential))
	mux.HandleFunc("GET /api/streams/subscribe", s.subscribeWs)
	mux.Handle("GET /api/video", s.authMiddleware(s.videoToken))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	s.mux = srv
	return s
}

func (s *Server) Start() error {
	s.log.Printf("starting server on %s\n", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}

// Handler exposes the assembled handler for tests.
func (s *Server) Handler() http.Handler {
	return s.mux.Handler
}

func (s *Server) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *Server) errorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				var panicError error
				switch e := err.(type) {
				case error:
					panicError = e
				default:
					panicError = fmt.Errorf("%v", e)
				}
				s.log.Printf("panic: %v", panicError)
				errResp := NewInternalServerError(panicError)
				w.Header().Set("Connection", "close")
				s.writeJson(w, errResp.StatusCode, errResp)
				return
			}
		}()

		s.stats.Incr(stats.ProxyRequests)
		next.ServeHTTP(w, r)
	})
}
