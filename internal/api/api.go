package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ole-vi/prompt-sharing-sub002/internal/db"
	"github.com/ole-vi/prompt-sharing-sub002/internal/jules"
	"github.com/ole-vi/prompt-sharing-sub002/internal/queue"
	"github.com/ole-vi/prompt-sharing-sub002/internal/scheduler"
	"github.com/ole-vi/prompt-sharing-sub002/internal/stream"
	"github.com/ole-vi/prompt-sharing-sub002/internal/vault"
)

// Config carries the API server's collaborators
type Config struct {
	DB              *db.DB
	Queue           *queue.Service
	Scheduler       *scheduler.Scheduler
	Vault           *vault.Vault
	Jules           *jules.Client
	Events          *stream.Manager
	Metrics         http.Handler
	Logger          *slog.Logger
	AllowedOrigins  []string
	DefaultSourceID string
	DefaultBranch   string
	SessionRate     float64
	SessionBurst    int
}

// Server represents the API server
type Server struct {
	db              *db.DB
	queue           *queue.Service
	scheduler       *scheduler.Scheduler
	vault           *vault.Vault
	jules           *jules.Client
	events          *stream.Manager
	logger          *slog.Logger
	defaultSourceID string
	defaultBranch   string
	router          chi.Router
}

// NewServer creates a new API server
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DefaultBranch == "" {
		cfg.DefaultBranch = db.DefaultBranch
	}

	s := &Server{
		db:              cfg.DB,
		queue:           cfg.Queue,
		scheduler:       cfg.Scheduler,
		vault:           cfg.Vault,
		jules:           cfg.Jules,
		events:          cfg.Events,
		logger:          cfg.Logger,
		defaultSourceID: cfg.DefaultSourceID,
		defaultBranch:   cfg.DefaultBranch,
		router:          chi.NewRouter(),
	}
	s.setupRoutes(cfg)
	return s
}

func (s *Server) setupRoutes(cfg Config) {
	r := s.router

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(CORS(cfg.AllowedOrigins))

	r.Get("/api/v1/health", s.HealthCheck)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(RequireUser)

		// Queue
		r.Get("/api/v1/queue", s.ListQueue)
		r.Post("/api/v1/queue", s.AddQueueItem)
		r.Delete("/api/v1/queue", s.DeleteQueueItems)
		r.Post("/api/v1/queue/schedule", s.ScheduleQueueItems)
		r.Post("/api/v1/queue/unschedule", s.UnscheduleQueueItems)
		r.Get("/api/v1/queue/{id}", s.GetQueueItem)
		r.Put("/api/v1/queue/{id}", s.EditQueueItem)
		r.Delete("/api/v1/queue/{id}", s.DeleteQueueItem)
		r.Post("/api/v1/queue/{id}/convert", s.ConvertQueueItem)
		r.Post("/api/v1/queue/{id}/subtasks/delete", s.DeleteSubtasks)
		r.Post("/api/v1/queue/{id}/split", s.SplitQueueItem)
		r.Post("/api/v1/queue/analyze", s.AnalyzePrompt)

		// Jules key
		r.Get("/api/v1/keys", s.GetKeyStatus)
		r.Put("/api/v1/keys", s.SaveKey)
		r.Delete("/api/v1/keys", s.DeleteKey)

		// Live queue updates
		r.Get("/api/v1/events", s.StreamEvents)

		// Settings
		r.Get("/api/v1/settings/timezone", s.GetTimeZone)
		r.Put("/api/v1/settings/timezone", s.UpdateTimeZone)

		// Calls that reach Jules are rate limited per user
		r.Group(func(r chi.Router) {
			r.Use(UserRateLimit(cfg.SessionRate, cfg.SessionBurst))
			r.Post("/api/v1/keys/validate", s.ValidateKey)
			r.Post("/api/v1/sessions", s.CreateSession)
			r.Post("/api/v1/queue/run", s.RunQueueItems)
			r.Post("/api/v1/queue/{id}/subtasks/run", s.RunSubtasks)
		})
	})

	r.Post("/api/v1/scheduler/tick", s.RunTick)
}

// Router returns the chi router for use with http.Server
func (s *Server) Router() http.Handler {
	return s.router
}
