package api

import (
	"context"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"classchat/internal/websocket"
	"classchat/pkg/interfaces"
)

// HealthChecker reports whether a dependency is usable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Pinger is a dependency reachable over the network
type Pinger interface {
	Ping(ctx context.Context) error
}

// HubStatus exposes the broadcaster's delivery loop state
type HubStatus interface {
	Running() bool
	QueueDepth() int
}

// Dependencies are the components the HTTP layer fronts.
// Uploads, Relay and WebSocket are optional.
type Dependencies struct {
	Classrooms interfaces.ClassroomRegistry
	Chat       interfaces.ChatService
	Blobs      interfaces.BlobStore
	Database   HealthChecker
	Registry   *websocket.Registry
	Hub        HubStatus
	Relay      Pinger
	Uploads    http.Handler
	WebSocket  http.Handler
}

// Config tunes request handling
type Config struct {
	AllowedOrigins []string
	MaxBodyBytes   int64
	MaxUploadBytes int64
	UploadsPrefix  string
}

// DefaultConfig returns permissive development settings
func DefaultConfig() Config {
	return Config{
		AllowedOrigins: []string{"*"},
		MaxBodyBytes:   128 << 10,
		MaxUploadBytes: 10 << 20,
		UploadsPrefix:  "/uploads/",
	}
}

// ARCHITECTURAL DISCOVERY: HTTP API layer serves as pure interface between external clients and internal components
// Clean separation - no business logic, only HTTP handling and JSON serialization
type Server struct {
	deps     Dependencies
	config   Config
	validate *validator.Validate
	logger   zerolog.Logger
	router   chi.Router
	started  time.Time
}

// NewServer builds the router
func NewServer(deps Dependencies, config Config, logger zerolog.Logger) *Server {
	validate := validator.New(validator.WithRequiredStructEnabled())
	// Report json field names in validation messages
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	s := &Server{
		deps:     deps,
		config:   config,
		validate: validate,
		logger:   logger.With().Str("component", "api").Logger(),
		started:  time.Now(),
	}
	s.router = s.routes()
	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	// Metrics first so every request is counted
	r.Use(recordMetrics)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(securityHeaders)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Connection-ID", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", s.healthCheck)
	r.Handle("/metrics", promhttp.Handler())

	if s.deps.WebSocket != nil {
		r.Handle("/ws", s.deps.WebSocket)
	}
	if s.deps.Uploads != nil {
		r.Handle(strings.TrimSuffix(s.config.UploadsPrefix, "/")+"/*", s.deps.Uploads)
	}

	r.Route("/api/classrooms", func(r chi.Router) {
		r.Post("/", s.createClassroom)
		r.Post("/create", s.createClassroom)
		r.Post("/join", s.joinClassroom)
		r.Get("/user/{userID}", s.listClassrooms)
		r.Get("/room/{classroomID}", s.getClassroom)
		r.Get("/{userID}", s.listClassrooms)
	})

	r.Route("/api/messages", func(r chi.Router) {
		r.Get("/", s.globalHistory)
		r.Post("/", s.submitClassroomMessage)
		r.Post("/global", s.submitGlobalMessage)
		r.Get("/{classroomID}", s.classroomHistory)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		sendError(w, "route not found", http.StatusNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		sendError(w, "method not allowed", http.StatusMethodNotAllowed)
	})

	return r
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Uptime      string          `json:"uptime"`
	Database    string          `json:"database"`
	Hub         string          `json:"hub"`
	Relay       string          `json:"relay,omitempty"`
	QueueDepth  int             `json:"queue_depth"`
	Connections websocket.Stats `json:"connections"`
}

// healthCheck reports 503 when any required component is unhealthy
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Database:  "healthy",
		Hub:       "running",
	}

	if s.deps.Database != nil {
		if err := s.deps.Database.HealthCheck(ctx); err != nil {
			resp.Status = "unhealthy"
			resp.Database = "error: " + err.Error()
		}
	}

	if s.deps.Hub != nil {
		resp.QueueDepth = s.deps.Hub.QueueDepth()
		if !s.deps.Hub.Running() {
			resp.Status = "unhealthy"
			resp.Hub = "stopped"
		}
	}

	// The relay is best-effort: losing it degrades cross-instance fan-out only
	if s.deps.Relay != nil {
		resp.Relay = "healthy"
		if err := s.deps.Relay.Ping(ctx); err != nil {
			resp.Relay = "error: " + err.Error()
			if resp.Status == "healthy" {
				resp.Status = "degraded"
			}
		}
	}

	if s.deps.Registry != nil {
		resp.Connections = s.deps.Registry.Stats()
	}

	code := http.StatusOK
	if resp.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}
