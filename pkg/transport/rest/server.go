// Package rest exposes the feeds and users services over HTTP/JSON and
// provides the matching clients.
package rest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"fedfeeds/pkg/api"

	"go.uber.org/zap"
)

// PathSuffix terminates every advertised REST service URI
const PathSuffix = "/rest"

// Server routes HTTP requests to the local services. Either service may be
// nil when the process hosts only the other one.
type Server struct {
	feeds  api.Feeds
	users  api.Users
	logger *zap.Logger
}

// NewServer creates a REST front end for the given services
func NewServer(feeds api.Feeds, users api.Users, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		feeds:  feeds,
		users:  users,
		logger: logger.Named("rest"),
	}
}

// Register adds the service routes to mux under prefix (normally PathSuffix)
func (s *Server) Register(mux *http.ServeMux, prefix string) {
	if s.feeds != nil {
		mux.HandleFunc("POST "+prefix+"/feeds/{user}", s.handlePostMessage)
		mux.HandleFunc("DELETE "+prefix+"/feeds/{user}/{mid}", s.handleRemoveFromPersonalFeed)
		mux.HandleFunc("GET "+prefix+"/feeds/{user}/{mid}", s.handleGetMessage)
		mux.HandleFunc("GET "+prefix+"/feeds/{user}", s.handleGetMessages)
		mux.HandleFunc("POST "+prefix+"/feeds/sub/{user}/{userSub}", s.handleSubUser)
		mux.HandleFunc("DELETE "+prefix+"/feeds/sub/{user}/{userSub}", s.handleUnsubscribeUser)
		mux.HandleFunc("GET "+prefix+"/feeds/sub/list/{user}", s.handleListSubs)
		mux.HandleFunc("DELETE "+prefix+"/feeds/{user}", s.handleDeleteUserFeed)
		mux.HandleFunc("POST "+prefix+"/feeds/propagate/sub/{user}/{userSub}", s.handlePropagateSub)
		mux.HandleFunc("DELETE "+prefix+"/feeds/propagate/sub/{user}/{userSub}", s.handlePropagateUnsub)
		mux.HandleFunc("POST "+prefix+"/feeds/propagate/msg", s.handlePropagateMsg)
	}
	if s.users != nil {
		mux.HandleFunc("POST "+prefix+"/users", s.handleCreateUser)
		mux.HandleFunc("GET "+prefix+"/users/{name}", s.handleGetUser)
		mux.HandleFunc("PUT "+prefix+"/users/{name}", s.handleUpdateUser)
		mux.HandleFunc("DELETE "+prefix+"/users/{name}", s.handleDeleteUser)
		mux.HandleFunc("GET "+prefix+"/users", s.handleSearchUsers)
		mux.HandleFunc("GET "+prefix+"/users/{name}/pwd", s.handleVerifyPassword)
		mux.HandleFunc("GET "+prefix+"/users/{name}/check", s.handleCheckUser)
	}
}

// Handler returns a standalone handler serving the routes under PathSuffix,
// wrapped in logging and panic recovery.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux, PathSuffix)
	return s.Wrap(mux)
}

// Wrap adds request logging and panic recovery to next
func (s *Server) Wrap(next http.Handler) http.Handler {
	return withLogging(s.logger, withRecovery(s.logger, next))
}

func withRecovery(logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("Panic in handler",
					zap.String("path", r.URL.Path),
					zap.Any("panic", rec),
					zap.ByteString("stack", debug.Stack()))
				writeError(w, api.Errorf(api.InternalError, "%v", rec))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func withLogging(logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.status),
			zap.Duration("duration", time.Since(start)))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return api.Errorf(api.BadRequest, "invalid request body: %v", err)
	}
	return nil
}

func int64Param(value, name string, required bool) (int64, error) {
	if value == "" && !required {
		return 0, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, api.Errorf(api.BadRequest, "invalid %s %q", name, value)
	}
	return n, nil
}

func noContent(w http.ResponseWriter, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func reply(w http.ResponseWriter, v any, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// Feeds handlers

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var msg api.Message
	if err := decodeBody(r, &msg); err != nil {
		writeError(w, err)
		return
	}
	id, err := s.feeds.PostMessage(r.Context(), r.PathValue("user"), r.URL.Query().Get("pwd"), msg)
	reply(w, id, err)
}

func (s *Server) handleRemoveFromPersonalFeed(w http.ResponseWriter, r *http.Request) {
	mid, err := int64Param(r.PathValue("mid"), "mid", true)
	if err != nil {
		writeError(w, err)
		return
	}
	noContent(w, s.feeds.RemoveFromPersonalFeed(r.Context(), r.PathValue("user"), mid, r.URL.Query().Get("pwd")))
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	mid, err := int64Param(r.PathValue("mid"), "mid", true)
	if err != nil {
		writeError(w, err)
		return
	}
	msg, err := s.feeds.GetMessage(r.Context(), r.PathValue("user"), mid)
	reply(w, msg, err)
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	since, err := int64Param(r.URL.Query().Get("time"), "time", false)
	if err != nil {
		writeError(w, err)
		return
	}
	msgs, err := s.feeds.GetMessages(r.Context(), r.PathValue("user"), since)
	if msgs == nil {
		msgs = []api.Message{}
	}
	reply(w, msgs, err)
}

func (s *Server) handleSubUser(w http.ResponseWriter, r *http.Request) {
	noContent(w, s.feeds.SubUser(r.Context(), r.PathValue("user"), r.PathValue("userSub"), r.URL.Query().Get("pwd")))
}

func (s *Server) handleUnsubscribeUser(w http.ResponseWriter, r *http.Request) {
	noContent(w, s.feeds.UnsubscribeUser(r.Context(), r.PathValue("user"), r.PathValue("userSub"), r.URL.Query().Get("pwd")))
}

func (s *Server) handleListSubs(w http.ResponseWriter, r *http.Request) {
	subs, err := s.feeds.ListSubs(r.Context(), r.PathValue("user"))
	if subs == nil {
		subs = []string{}
	}
	reply(w, subs, err)
}

func (s *Server) handleDeleteUserFeed(w http.ResponseWriter, r *http.Request) {
	noContent(w, s.feeds.DeleteUserFeed(r.Context(), r.PathValue("user")))
}

func (s *Server) handlePropagateSub(w http.ResponseWriter, r *http.Request) {
	noContent(w, s.feeds.PropagateSub(r.Context(), r.PathValue("user"), r.PathValue("userSub")))
}

func (s *Server) handlePropagateUnsub(w http.ResponseWriter, r *http.Request) {
	noContent(w, s.feeds.PropagateUnsub(r.Context(), r.PathValue("user"), r.PathValue("userSub")))
}

func (s *Server) handlePropagateMsg(w http.ResponseWriter, r *http.Request) {
	var p api.Propagation
	if err := decodeBody(r, &p); err != nil {
		writeError(w, err)
		return
	}
	noContent(w, s.feeds.PropagateMsg(r.Context(), p))
}

// Users handlers

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var user api.User
	if err := decodeBody(r, &user); err != nil {
		writeError(w, err)
		return
	}
	addr, err := s.users.CreateUser(r.Context(), user)
	reply(w, addr, err)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.users.GetUser(r.Context(), r.PathValue("name"), r.URL.Query().Get("pwd"))
	reply(w, user, err)
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	var update api.User
	if err := decodeBody(r, &update); err != nil {
		writeError(w, err)
		return
	}
	user, err := s.users.UpdateUser(r.Context(), r.PathValue("name"), r.URL.Query().Get("pwd"), update)
	reply(w, user, err)
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.users.DeleteUser(r.Context(), r.PathValue("name"), r.URL.Query().Get("pwd"))
	reply(w, user, err)
}

func (s *Server) handleSearchUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.users.SearchUsers(r.Context(), r.URL.Query().Get("query"))
	if users == nil {
		users = []api.User{}
	}
	reply(w, users, err)
}

func (s *Server) handleVerifyPassword(w http.ResponseWriter, r *http.Request) {
	noContent(w, s.users.VerifyPassword(r.Context(), r.PathValue("name"), r.URL.Query().Get("pwd")))
}

func (s *Server) handleCheckUser(w http.ResponseWriter, r *http.Request) {
	noContent(w, s.users.CheckUser(r.Context(), r.PathValue("name")))
}

// URI returns the service URI to advertise for a listener on host:port
func URI(hostPort string) string {
	return fmt.Sprintf("http://%s%s", hostPort, PathSuffix)
}
