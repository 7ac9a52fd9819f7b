// Package transport is the daemon's local HTTP surface: thin chi routes over
// the sessions plus the /ws bridge the UI streams from.
package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/horizon-agent/internal/auth"
	"github.com/horizon-agent/internal/chat"
	"github.com/horizon-agent/internal/contextsearch"
	"github.com/horizon-agent/internal/event"
	"github.com/horizon-agent/internal/logger"
	"github.com/horizon-agent/internal/tagsync"
)

type Orchestrator interface {
	Run(ctx context.Context, msg MsgRequest, sender Sender) error
	Cancel(id string)
}

// Deps are the services the routes expose. Nil members leave their routes
// unmounted.
type Deps struct {
	Chat         *chat.Session
	Tags         *tagsync.Session
	Context      *contextsearch.Coordinator
	Auth         *auth.Manager
	Events       *event.Mirror
	Orchestrator Orchestrator
	// Tenant is used when Auth has no signed-in tenant.
	Tenant string
	Log    *logger.Logger
}

type Server struct {
	deps    Deps
	log     *logger.Logger
	router  *chi.Mux
	httpSrv *http.Server
}

func NewServer(addr string, d Deps) *Server {
	s := &Server{
		deps:   d,
		log:    logger.OrNop(d.Log).With("component", "http"),
		router: chi.NewRouter(),
	}
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.requestLog)
	s.routes()

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Get("/health", s.health)
	r.Get("/system/status", s.systemStatus)

	if s.deps.Chat != nil {
		r.Route("/ai", func(r chi.Router) {
			r.Post("/send-message", s.sendMessage)
			r.Post("/stop", s.stopGeneration)
			r.Get("/status", s.chatStatus)
			r.Get("/messages", s.chatMessages)
			r.Post("/clear-conversation", s.clearConversation)
		})
	}
	if s.deps.Tags != nil {
		r.Route("/tags", func(r chi.Router) {
			r.Get("/", s.listTags)
			r.Get("/search", s.searchTags)
			r.Get("/status", s.tagStatus)
			r.Post("/refresh", s.refreshTags)
			r.Get("/{id}", s.getTag)
		})
	}
	if s.deps.Context != nil {
		r.Post("/context/search", s.contextSearch)
		r.Get("/context/notes", s.contextNotes)
	}
	if s.deps.Orchestrator != nil || s.deps.Events != nil {
		r.Get("/ws", s.bridge)
	}
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("%s %s -> %d (%s)", r.Method, r.URL.Path, ww.Status(), time.Since(start))
	})
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Addr() string { return s.httpSrv.Addr }

func (s *Server) ListenAndServe() error {
	s.log.Info("listening on %s", s.httpSrv.Addr)
	return s.httpSrv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// tenant prefers the signed-in tenant while its token is still valid, then
// the configured one.
func (s *Server) tenant(ctx context.Context) string {
	if a := s.deps.Auth; a != nil && a.IsAuthenticated() {
		if t := a.TenantName(); t != "" && a.Valid(ctx) {
			return t
		}
	}
	return s.deps.Tenant
}
