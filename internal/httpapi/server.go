package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/MimeLyc/docjobs/internal/config"
	"github.com/MimeLyc/docjobs/internal/jobs"
	"github.com/MimeLyc/docjobs/internal/service"
)

const (
	defaultMaxBodyBytes   = 64<<20 + 1<<20
	defaultStreamInterval = time.Second
)

// JobService is the transport-facing contract the handlers are written against.
type JobService interface {
	Create(ctx context.Context, req service.CreateRequest) (*service.CreateResult, error)
	Get(ctx context.Context, jobID string) (*jobs.JobRecord, error)
	Cancel(ctx context.Context, jobID string) (*jobs.JobRecord, error)
	Artifact(ctx context.Context, jobID string) ([]byte, *jobs.JobRecord, error)
	List(ctx context.Context, status jobs.Status) ([]*jobs.JobRecord, error)
}

type runtimeSettingsStore interface {
	GetRuntimeSettings() (config.RuntimeSettings, error)
	UpdateRuntimeSettings(next config.RuntimeSettings) (config.RuntimeSettings, error)
}

type runtimeSettingsApplier func(next config.RuntimeSettings) error

type Server struct {
	svc      JobService
	settings runtimeSettingsStore
	apply    runtimeSettingsApplier
	health   func() string
	limiter  *clientLimiter

	mode           string
	maxBodyBytes   int64
	streamInterval time.Duration

	engine *gin.Engine
	server *http.Server
}

type Option func(*Server)

func WithRuntimeSettingsStore(store runtimeSettingsStore) Option {
	return func(s *Server) {
		s.settings = store
	}
}

func WithRuntimeSettingsApplier(apply runtimeSettingsApplier) Option {
	return func(s *Server) {
		s.apply = apply
	}
}

// WithSupervisorState reports the supervisor state on /health.
func WithSupervisorState(fn func() string) Option {
	return func(s *Server) {
		s.health = fn
	}
}

// WithMode selects the gin mode: release, test or debug.
func WithMode(mode string) Option {
	return func(s *Server) {
		s.mode = mode
	}
}

// WithMaxBodyBytes bounds request bodies, including multipart overhead.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBodyBytes = n
		}
	}
}

// WithSubmitRateLimit bounds job submissions per client. A non-positive rps
// disables the limit.
func WithSubmitRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		if rps > 0 {
			s.limiter = newClientLimiter(rps, burst)
		}
	}
}

func WithStreamInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.streamInterval = d
		}
	}
}

func NewServer(svc JobService, opts ...Option) *Server {
	s := &Server{
		svc:            svc,
		mode:           gin.ReleaseMode,
		maxBodyBytes:   defaultMaxBodyBytes,
		streamInterval: defaultStreamInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) routes() {
	switch s.mode {
	case gin.ReleaseMode:
		gin.SetMode(gin.ReleaseMode)
	case gin.TestMode:
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger())

	r.GET("/health", s.handleHealth)

	v1 := r.Group("/api/v1")
	{
		submit := []gin.HandlerFunc{s.handleCreateJob}
		if s.limiter != nil {
			submit = append([]gin.HandlerFunc{s.limiter.middleware()}, submit...)
		}
		v1.POST("/jobs", submit...)
		v1.GET("/jobs", s.handleListJobs)
		v1.GET("/jobs/:id", s.handleGetJob)
		v1.POST("/jobs/:id/cancel", s.handleCancelJob)
		v1.GET("/jobs/:id/artifact", s.handleArtifact)
		v1.GET("/jobs/:id/events", s.handleJobEvents)

		v1.GET("/settings", s.handleGetSettings)
		v1.PUT("/settings", s.handleUpdateSettings)
	}
	s.engine = r
}
