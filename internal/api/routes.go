package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/brightloop/taskqueue-go/internal/api/handlers"
	apiMiddleware "github.com/brightloop/taskqueue-go/internal/api/middleware"
	"github.com/brightloop/taskqueue-go/internal/api/websocket"
	"github.com/brightloop/taskqueue-go/internal/config"
	"github.com/brightloop/taskqueue-go/internal/events"
)

// Server is the HTTP surface over one or more queues: task submission
// and inspection under /api/v1/queues/{queue}, operational endpoints
// under /admin, a WebSocket event feed, and Prometheus metrics.
type Server struct {
	router       *chi.Mux
	redis        *redis.Client
	config       *config.Config
	taskHandlers map[string]*handlers.TaskHandler
	adminHandler *handlers.AdminHandler
	wsHub        *websocket.Hub
	wsHandler    *websocket.Handler
	publisher    *events.RedisPubSub
}

// NewServer creates a new HTTP server. queues maps each configured
// queue's name to its tasks location and installed spec.
func NewServer(cfg *config.Config, redisClient *redis.Client, queues map[string]handlers.QueueBinding, publisher *events.RedisPubSub) *Server {
	wsHub := websocket.NewHub(publisher)

	taskHandlers := make(map[string]*handlers.TaskHandler, len(queues))
	for name, b := range queues {
		taskHandlers[name] = handlers.NewTaskHandler(b.TasksRef, b.Spec)
	}

	s := &Server{
		router:       chi.NewRouter(),
		redis:        redisClient,
		config:       cfg,
		taskHandlers: taskHandlers,
		adminHandler: handlers.NewAdminHandler(redisClient, queues),
		wsHub:        wsHub,
		wsHandler:    websocket.NewHandler(wsHub),
		publisher:    publisher,
	}

	s.setupMiddleware()
	s.setupRoutes(cfg.Queues)

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Heartbeat("/health"))

	if s.config.Auth.Enabled {
		apiKeys := make(map[string]bool, len(s.config.Auth.APIKeys))
		for _, k := range s.config.Auth.APIKeys {
			apiKeys[k] = true
		}
		s.router.Use(apiMiddleware.Auth(&apiMiddleware.AuthConfig{
			Enabled:   true,
			JWTSecret: s.config.Auth.JWTSecret,
			APIKeys:   apiKeys,
		}))
	}
}

func (s *Server) setupRoutes(queues map[string]config.QueueConfig) {
	s.router.Route("/api/v1/queues", func(r chi.Router) {
		r.Use(middleware.AllowContentType("application/json"))

		// Each configured queue gets its own subrouter, rather than one
		// {queue}-parameterized route, so a per-queue RateLimitRPS can be
		// applied only to the queues that set one.
		for name, h := range s.taskHandlers {
			cfg := queues[name]
			r.Route("/"+name+"/tasks", func(r chi.Router) {
				if cfg.RateLimitRPS > 0 {
					r.Use(apiMiddleware.ClientRateLimit(cfg.RateLimitRPS))
				}
				r.Post("/", h.Submit)
				r.Get("/", h.List)
				r.Get("/{taskID}", h.Get)
				r.Delete("/{taskID}", h.Cancel)
			})
		}
	})

	s.router.Route("/admin", func(r chi.Router) {
		r.Use(middleware.AllowContentType("application/json"))

		r.Get("/health", s.adminHandler.HealthCheck)

		r.Get("/workers", s.adminHandler.ListWorkers)
		r.Get("/workers/{workerID}", s.adminHandler.GetWorker)
		r.Post("/workers/{workerID}/pause", s.adminHandler.PauseWorker)
		r.Post("/workers/{workerID}/resume", s.adminHandler.ResumeWorker)

		r.Route("/queues/{queue}", func(r chi.Router) {
			r.Get("/stats", s.adminHandler.Stats)
			r.Get("/errors", s.adminHandler.Errors)
			r.Post("/errors/requeue", s.adminHandler.RequeueAllErrors)
			r.Post("/errors/{taskID}/requeue", s.adminHandler.RequeueTask)
		})
	})

	s.router.Get("/ws", s.wsHandler.ServeWS)

	if s.config.Metrics.Enabled {
		s.router.Handle(s.config.Metrics.Path, promhttp.Handler())
	}
}

// Start starts the WebSocket hub.
func (s *Server) Start(ctx context.Context) {
	go s.wsHub.Run(ctx)
}

// Stop stops the WebSocket hub.
func (s *Server) Stop() {
	s.wsHub.Stop()
}

// Router returns the chi router.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Publisher returns the event publisher.
func (s *Server) Publisher() *events.RedisPubSub {
	return s.publisher
}
