package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/remflow/remflow/internal/config"
	"github.com/remflow/remflow/internal/logger"
	"github.com/remflow/remflow/internal/oe"
	"github.com/remflow/remflow/internal/remediation"
	"github.com/remflow/remflow/internal/schedule"
	"github.com/remflow/remflow/pkg/models"
)

const serviceVersion = "1.2.0"

// RuntimeClient is the slice of the runtime API the façade needs
type RuntimeClient interface {
	GetSchedule(ctx context.Context, id string) (*models.ScheduleRecord, error)
	CreateJobAndLocate(ctx context.Context, draft models.JobDraft) (string, error)
	ResolveServiceProblems(ctx context.Context, solutionIDs []string) (map[string]string, error)
	DiscoverOEServices(ctx context.Context, limit int) ([]models.DiscoveredOEService, error)
	ListServicesWithFilter(ctx context.Context, filter string, limit int) ([]models.ServiceRecord, error)
	CreateOEServiceProblem(ctx context.Context, serviceID, serviceType string, missingFields []string) error
	UpdateServiceProblem(ctx context.Context, id, status, remediationState, reason string) error
}

// SchedulerControl exposes the scheduler to the façade
type SchedulerControl interface {
	Start(ctx context.Context) bool
	Stop() bool
	Running() bool
	Interval() time.Duration
	Status() schedule.Status
	RunCycle(ctx context.Context) ([]string, error)
	ExecuteSchedule(ctx context.Context, sched *models.Schedule) (string, error)
}

// SolutionEngine runs a single solution through the 5-step flow
type SolutionEngine interface {
	Remediate(ctx context.Context, solutionID string, opts remediation.Options) *models.RemediationResult
}

// OEEngine runs a single service through the 4-step OE flow
type OEEngine interface {
	Remediate(ctx context.Context, serviceID string, opts oe.Options) *models.OEResult
}

// BatchRunner fires batches under a tracking job
type BatchRunner interface {
	RunSolutionBatch(ctx context.Context, jobID string, spMapping map[string]string, solutionIDs []string, maxCount int) models.BatchSummary
	RunOEBatch(ctx context.Context, jobID string, entries []models.DiscoveredOEService, maxCount int, dryRun bool) models.OEBatchSummary
}

// Server is the HTTP façade over the orchestrator
type Server struct {
	cfg       *config.Config
	client    RuntimeClient
	scheduler SchedulerControl
	solution  SolutionEngine
	oe        OEEngine
	runner    BatchRunner
	hub       *Hub
	validate  *validator.Validate
	log       logger.Logger

	httpServer *http.Server
}

// NewServer wires the façade over its collaborators
func NewServer(cfg *config.Config, client RuntimeClient, scheduler SchedulerControl,
	solution SolutionEngine, oeEngine OEEngine, runner BatchRunner) *Server {
	s := &Server{
		cfg:       cfg,
		client:    client,
		scheduler: scheduler,
		solution:  solution,
		oe:        oeEngine,
		runner:    runner,
		hub:       NewHub(),
		validate:  validator.New(),
		log:       logger.New("api"),
	}
	return s
}

// Hub returns the websocket hub so executors can publish progress
func (s *Server) Hub() *Hub {
	return s.hub
}

// Router builds the routing tree. Every route is registered twice: at the
// root for direct access and under /api/orchestrator for CDN path-based
// routing. CORS is wide open; the façade sits behind the platform edge.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(s.requestIDMiddleware, s.accessLogMiddleware, s.recoveryMiddleware)

	s.registerRoutes(r)
	s.registerRoutes(r.PathPrefix("/api/orchestrator").Subrouter())

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	return c.Handler(r)
}

func (s *Server) registerRoutes(r *mux.Router) {
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)

	r.HandleFunc("/execute", s.handleExecuteAll).Methods(http.MethodPost)
	r.HandleFunc("/execute/{schedule_id}", s.handleExecuteSchedule).Methods(http.MethodPost)

	r.HandleFunc("/remediate", s.handleRemediateBatch).Methods(http.MethodPost)
	r.HandleFunc("/remediate/{solution_id}", s.handleRemediateSingle).Methods(http.MethodPost)

	r.HandleFunc("/oe/discover", s.handleOEDiscover).Methods(http.MethodPost)
	r.HandleFunc("/oe/remediate", s.handleOERemediateBatch).Methods(http.MethodPost)
	r.HandleFunc("/oe/remediate/{service_id}", s.handleOERemediateSingle).Methods(http.MethodPost)

	r.HandleFunc("/scheduler/start", s.handleSchedulerStart).Methods(http.MethodPost)
	r.HandleFunc("/scheduler/stop", s.handleSchedulerStop).Methods(http.MethodPost)
}

// Start runs the HTTP server until it fails or Shutdown is called. The
// write timeout is generous: batch handlers stream for as long as the
// batch runs.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.Server.Addr(),
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	s.log.Info("HTTP server starting", logger.String("addr", s.cfg.Server.Addr()))
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the HTTP server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
