package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hochfrequenz/tune-orchestrator/internal/domain"
	"github.com/hochfrequenz/tune-orchestrator/internal/preflight"
	"github.com/hochfrequenz/tune-orchestrator/internal/trainenv"
	"github.com/hochfrequenz/tune-orchestrator/internal/trainer"
)

// Environment manages the training container.
type Environment interface {
	Status(ctx context.Context) trainenv.Status
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	PullProgress() trainenv.PullProgress
	ListContainers(ctx context.Context) ([]trainenv.ContainerInfo, error)
	ContainerStats(ctx context.Context) (trainenv.ContainerUsage, error)
	GPUStats(ctx context.Context) (domain.GPUStats, error)
	CheckImageUpdate(ctx context.Context) (trainenv.ImageUpdate, error)
	BaseModelCatalog(ctx context.Context) []string
}

// Trainer runs fine-tuning jobs.
type Trainer interface {
	Start(cfg domain.TrainingConfig) (string, error)
	Stop() error
	Status() trainer.Status
	DrainLogs() []domain.LogEntry
}

// Store interface for database operations
type Store interface {
	GetRun(id string) (*domain.Run, error)
	ListRuns(limit int) ([]*domain.Run, error)
	ListMetrics(runID string) ([]*domain.Metric, error)
	ListModels() ([]*domain.Model, error)
	GetModel(name string) (*domain.Model, error)
	DeleteModel(name string) error
	ListDatasets() ([]*domain.Dataset, error)
	UpsertDataset(d *domain.Dataset) error
	SetSetting(key, value string) error
	GetSetting(key string) (string, error)
	DeleteSetting(key string) error
}

// Preflight checks host resources before a run.
type Preflight interface {
	Check(ctx context.Context, datasetSizeMB, modelSizeGB float64) preflight.Report
	Snapshot(ctx context.Context) preflight.Resources
}

// Deps bundles everything the API server needs.
type Deps struct {
	Store       Store
	Env         Environment
	Trainer     Trainer
	Preflight   Preflight
	DatasetsDir string
	Log         *logrus.Logger
}

// Server is the HTTP API server
type Server struct {
	store       Store
	env         Environment
	trainer     Trainer
	preflight   Preflight
	datasetsDir string
	log         *logrus.Logger
	addr        string
	mux         *http.ServeMux
	sseHub      *SSEHub
	wsInterval  time.Duration
}

// NewServer creates a new API server
func NewServer(addr string, deps Deps) *Server {
	log := deps.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	s := &Server{
		store:       deps.Store,
		env:         deps.Env,
		trainer:     deps.Trainer,
		preflight:   deps.Preflight,
		datasetsDir: deps.DatasetsDir,
		log:         log,
		addr:        addr,
		mux:         http.NewServeMux(),
		sseHub:      NewSSEHub(),
		wsInterval:  time.Second,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/health", s.healthHandler())

	s.mux.HandleFunc("/api/environment/status", s.envStatusHandler())
	s.mux.HandleFunc("/api/environment/start", s.envStartHandler())
	s.mux.HandleFunc("/api/environment/stop", s.envStopHandler())
	s.mux.HandleFunc("/api/environment/pull-progress", s.pullProgressHandler())
	s.mux.HandleFunc("/api/environment/containers", s.listContainersHandler())
	s.mux.HandleFunc("/api/environment/stats", s.envStatsHandler())
	s.mux.HandleFunc("/api/environment/update", s.imageUpdateHandler())

	s.mux.HandleFunc("/api/training/start", s.startTrainingHandler())
	s.mux.HandleFunc("/api/training/status", s.trainingStatusHandler())
	s.mux.HandleFunc("/api/training/stop", s.stopTrainingHandler())
	s.mux.HandleFunc("/api/training/logs", s.trainingLogsHandler())

	s.mux.HandleFunc("/api/runs", s.listRunsHandler())
	s.mux.HandleFunc("/api/runs/", s.getRunHandler())

	s.mux.HandleFunc("/api/models", s.listModelsHandler())
	s.mux.HandleFunc("/api/models/catalog", s.modelCatalogHandler())
	s.mux.HandleFunc("/api/models/", s.deleteModelHandler())

	s.mux.HandleFunc("/api/datasets", s.listDatasetsHandler())
	s.mux.HandleFunc("/api/datasets/upload", s.uploadDatasetHandler())
	s.mux.HandleFunc("/api/datasets/validate", s.validateDatasetHandler())

	s.mux.HandleFunc("/api/system/resources", s.systemResourcesHandler())
	s.mux.HandleFunc("/api/system/check", s.systemCheckHandler())

	s.mux.HandleFunc("/api/settings/hf-token", s.hfTokenHandler())

	s.mux.HandleFunc("/api/events", s.sseHandler())
	s.mux.HandleFunc("/ws/training", s.trainingSocketHandler())
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start runs the HTTP server and the SSE hub until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go s.sseHub.Run(ctx)

	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.mux,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Broadcast sends an event to all SSE clients
func (s *Server) Broadcast(event SSEEvent) {
	s.sseHub.Broadcast(event)
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeJSONStatus(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
