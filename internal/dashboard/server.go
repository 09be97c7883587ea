// Package dashboard exposes the JSON control surface: bot status, start/stop/
// restart, maintenance mode and force-sync.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/OvictorVieira/backbot-sub003/internal/bot"
)

// Controller is the supervisor surface the dashboard drives.
type Controller interface {
	BotViews() []bot.BotView
	Start(ctx context.Context, botID int) error
	Stop(botID int) error
	Restart(ctx context.Context, botID int) error
	ForceSync(ctx context.Context, botID int) error
	SetMaintenance(on bool)
	InMaintenance() bool
}

var _ Controller = (*bot.Supervisor)(nil)

type Server struct {
	router     *chi.Mux
	server     *http.Server
	controller Controller
	logger     *logrus.Logger
	port       int
	authToken  string
}

type Config struct {
	Port      int
	AuthToken string
}

func NewServer(cfg Config, controller Controller, logger *logrus.Logger) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		controller: controller,
		logger:     logger,
		port:       cfg.Port,
		authToken:  cfg.AuthToken,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/api/bots", s.handleListBots)
	s.router.Post("/api/bots/{id}/start", s.handleStartBot)
	s.router.Post("/api/bots/{id}/stop", s.handleStopBot)
	s.router.Post("/api/bots/{id}/restart", s.handleRestartBot)
	s.router.Post("/api/bots/{id}/sync", s.handleSyncBot)
	s.router.Get("/api/maintenance", s.handleGetMaintenance)
	s.router.Post("/api/maintenance", s.handleSetMaintenance)
	s.router.Get("/health", s.handleHealth)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if token != s.authToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.router,
	}

	s.logger.Infof("Starting dashboard server on port %d", s.port)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleListBots(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.controller.BotViews())
}

func (s *Server) handleStartBot(w http.ResponseWriter, r *http.Request) {
	id, ok := s.botID(w, r)
	if !ok {
		return
	}
	if err := s.controller.Start(r.Context(), id); err != nil {
		s.logger.WithError(err).WithField("bot_id", id).Error("Failed to start bot")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.writeJSON(w, map[string]string{"status": "started"})
}

func (s *Server) handleStopBot(w http.ResponseWriter, r *http.Request) {
	id, ok := s.botID(w, r)
	if !ok {
		return
	}
	if err := s.controller.Stop(id); err != nil {
		s.logger.WithError(err).WithField("bot_id", id).Error("Failed to stop bot")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.writeJSON(w, map[string]string{"status": "stopped"})
}

func (s *Server) handleRestartBot(w http.ResponseWriter, r *http.Request) {
	id, ok := s.botID(w, r)
	if !ok {
		return
	}
	if err := s.controller.Restart(r.Context(), id); err != nil {
		s.logger.WithError(err).WithField("bot_id", id).Error("Failed to restart bot")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.writeJSON(w, map[string]string{"status": "restarted"})
}

func (s *Server) handleSyncBot(w http.ResponseWriter, r *http.Request) {
	id, ok := s.botID(w, r)
	if !ok {
		return
	}
	if err := s.controller.ForceSync(r.Context(), id); err != nil {
		s.logger.WithError(err).WithField("bot_id", id).Error("Force sync failed")
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	s.writeJSON(w, map[string]string{"status": "synced"})
}

func (s *Server) handleGetMaintenance(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]bool{"maintenance": s.controller.InMaintenance()})
}

func (s *Server) handleSetMaintenance(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Maintenance bool `json:"maintenance"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	s.controller.SetMaintenance(body.Maintenance)
	s.writeJSON(w, map[string]bool{"maintenance": body.Maintenance})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

func (s *Server) botID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid bot id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}
