package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hochfrequenz/tune-orchestrator/internal/dataset"
	"github.com/hochfrequenz/tune-orchestrator/internal/domain"
	"github.com/hochfrequenz/tune-orchestrator/internal/trainenv"
	"github.com/hochfrequenz/tune-orchestrator/internal/trainer"
)

// RunResponse is the API response for a training run
type RunResponse struct {
	ID             string                `json:"id"`
	ModelName      string                `json:"model_name"`
	BaseModel      string                `json:"base_model"`
	DatasetName    string                `json:"dataset_name"`
	DatasetPath    string                `json:"dataset_path,omitempty"`
	OutputPath     string                `json:"output_path,omitempty"`
	Status         string                `json:"status"`
	StartedAt      string                `json:"started_at"`
	CompletedAt    *string               `json:"completed_at,omitempty"`
	Config         domain.TrainingConfig `json:"config"`
	FinalLoss      *float64              `json:"final_loss,omitempty"`
	TotalSteps     int                   `json:"total_steps"`
	CheckpointPath string                `json:"checkpoint_path,omitempty"`
	ErrorMessage   string                `json:"error_message,omitempty"`
}

// MetricResponse is the API response for one metric sample
type MetricResponse struct {
	Step         int      `json:"step"`
	Loss         *float64 `json:"loss,omitempty"`
	LearningRate *float64 `json:"learning_rate,omitempty"`
	Epoch        *float64 `json:"epoch,omitempty"`
	Timestamp    string   `json:"timestamp"`
}

// ModelResponse is the API response for a fine-tuned model
type ModelResponse struct {
	Name      string            `json:"name"`
	Path      string            `json:"path"`
	BaseModel string            `json:"base_model,omitempty"`
	SizeBytes int64             `json:"size_bytes"`
	RunID     string            `json:"run_id,omitempty"`
	CreatedAt string            `json:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// DatasetResponse is the API response for a dataset
type DatasetResponse struct {
	Name             string   `json:"name"`
	Path             string   `json:"path"`
	SizeBytes        int64    `json:"size_bytes"`
	RowCount         *int     `json:"row_count,omitempty"`
	Source           string   `json:"source,omitempty"`
	Fields           []string `json:"fields,omitempty"`
	Validated        bool     `json:"validated"`
	ValidationErrors string   `json:"validation_errors,omitempty"`
	CreatedAt        string   `json:"created_at,omitempty"`
}

// EnvStatsResponse combines container and GPU usage
type EnvStatsResponse struct {
	Container trainenv.ContainerUsage `json:"container"`
	GPU       domain.GPUStats         `json:"gpu"`
}

func runToResponse(run *domain.Run) RunResponse {
	resp := RunResponse{
		ID:             run.ID,
		ModelName:      run.ModelName,
		BaseModel:      run.BaseModel,
		DatasetName:    run.DatasetName,
		DatasetPath:    run.DatasetPath,
		OutputPath:     run.OutputPath,
		Status:         string(run.Status),
		StartedAt:      run.StartedAt.Format(time.RFC3339),
		Config:         run.Config,
		FinalLoss:      run.FinalLoss,
		TotalSteps:     run.TotalSteps,
		CheckpointPath: run.CheckpointPath,
		ErrorMessage:   run.ErrorMessage,
	}

	if run.CompletedAt != nil {
		t := run.CompletedAt.Format(time.RFC3339)
		resp.CompletedAt = &t
	}

	return resp
}

func metricToResponse(m *domain.Metric) MetricResponse {
	return MetricResponse{
		Step:         m.Step,
		Loss:         m.Loss,
		LearningRate: m.LearningRate,
		Epoch:        m.Epoch,
		Timestamp:    m.Timestamp.Format(time.RFC3339),
	}
}

func modelToResponse(m *domain.Model) ModelResponse {
	return ModelResponse{
		Name:      m.Name,
		Path:      m.Path,
		BaseModel: m.BaseModel,
		SizeBytes: m.SizeBytes,
		RunID:     m.RunID,
		CreatedAt: m.CreatedAt.Format(time.RFC3339),
		Metadata:  m.Metadata,
	}
}

func datasetToResponse(d *domain.Dataset) DatasetResponse {
	resp := DatasetResponse{
		Name:             d.Name,
		Path:             d.Path,
		SizeBytes:        d.SizeBytes,
		RowCount:         d.RowCount,
		Source:           d.Source,
		Fields:           d.Fields,
		Validated:        d.Validated,
		ValidationErrors: d.ValidationErrors,
	}

	if !d.CreatedAt.IsZero() {
		resp.CreatedAt = d.CreatedAt.Format(time.RFC3339)
	}

	return resp
}

func hasDatasetExt(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jsonl", ".json", ".csv":
		return true
	}
	return false
}

func (s *Server) healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		writeJSON(w, map[string]string{
			"status":  "healthy",
			"service": "tune-orchestrator",
		})
	}
}

func (s *Server) envStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		writeJSON(w, s.env.Status(r.Context()))
	}
}

func (s *Server) envStartHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		if err := s.env.Start(r.Context()); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		status := s.env.Status(r.Context())
		s.Broadcast(SSEEvent{Type: "environment_status", Data: status})
		writeJSON(w, status)
	}
}

func (s *Server) envStopHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		if err := s.env.Stop(r.Context()); err != nil && !errors.Is(err, trainenv.ErrEnvironmentNotFound) {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		status := s.env.Status(r.Context())
		s.Broadcast(SSEEvent{Type: "environment_status", Data: status})
		writeJSON(w, status)
	}
}

func (s *Server) pullProgressHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		writeJSON(w, s.env.PullProgress())
	}
}

func (s *Server) listContainersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		containers, err := s.env.ListContainers(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if containers == nil {
			containers = []trainenv.ContainerInfo{}
		}

		writeJSON(w, containers)
	}
}

func (s *Server) envStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		usage, err := s.env.ContainerStats(r.Context())
		if err != nil {
			if errors.Is(err, trainenv.ErrEnvironmentNotFound) {
				writeError(w, http.StatusConflict, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		gpu, err := s.env.GPUStats(r.Context())
		if err != nil {
			gpu = domain.GPUStats{Message: err.Error()}
		}

		writeJSON(w, EnvStatsResponse{Container: usage, GPU: gpu})
	}
}

func (s *Server) imageUpdateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		update, err := s.env.CheckImageUpdate(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		writeJSON(w, update)
	}
}

func (s *Server) modelCatalogHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		writeJSON(w, map[string][]string{"models": s.env.BaseModelCatalog(r.Context())})
	}
}

func (s *Server) startTrainingHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		var cfg domain.TrainingConfig
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		runID, err := s.trainer.Start(cfg)
		switch {
		case errors.Is(err, trainer.ErrJobAlreadyRunning):
			writeJSONStatus(w, http.StatusConflict, map[string]string{
				"error":  err.Error(),
				"run_id": runID,
			})
		case errors.Is(err, trainer.ErrEnvironmentBusy):
			writeError(w, http.StatusConflict, err.Error())
		case err != nil:
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeJSON(w, map[string]string{"run_id": runID, "status": "started"})
		}
	}
}

func (s *Server) trainingStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		writeJSON(w, s.trainer.Status())
	}
}

func (s *Server) stopTrainingHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		if err := s.trainer.Stop(); err != nil {
			if errors.Is(err, trainer.ErrNoJob) {
				writeError(w, http.StatusConflict, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		writeJSON(w, map[string]string{"status": "stopping"})
	}
}

// trainingLogsHandler drains buffered log lines. Each line is delivered
// to exactly one caller; pollers split the stream between them.
func (s *Server) trainingLogsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		logs := s.trainer.DrainLogs()
		if logs == nil {
			logs = []domain.LogEntry{}
		}

		writeJSON(w, map[string]interface{}{
			"logs":   logs,
			"status": s.trainer.Status(),
		})
	}
}

func (s *Server) listRunsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			limit = n
		}

		runs, err := s.store.ListRuns(limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		responses := make([]RunResponse, len(runs))
		for i, run := range runs {
			responses[i] = runToResponse(run)
		}

		writeJSON(w, responses)
	}
}

func (s *Server) getRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		// Path is /api/runs/{id} or /api/runs/{id}/metrics
		path := strings.TrimPrefix(r.URL.Path, "/api/runs/")
		if path == "" {
			writeError(w, http.StatusBadRequest, "run ID required")
			return
		}

		if strings.HasSuffix(path, "/metrics") {
			s.writeRunMetrics(w, strings.TrimSuffix(path, "/metrics"))
			return
		}

		run, err := s.store.GetRun(path)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if run == nil {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}

		writeJSON(w, runToResponse(run))
	}
}

func (s *Server) writeRunMetrics(w http.ResponseWriter, runID string) {
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run ID required")
		return
	}

	metrics, err := s.store.ListMetrics(runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	responses := make([]MetricResponse, len(metrics))
	for i, m := range metrics {
		responses[i] = metricToResponse(m)
	}

	writeJSON(w, map[string]interface{}{
		"run_id":  runID,
		"metrics": responses,
	})
}

func (s *Server) listModelsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		models, err := s.store.ListModels()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		responses := make([]ModelResponse, len(models))
		for i, m := range models {
			responses[i] = modelToResponse(m)
		}

		writeJSON(w, responses)
	}
}

func (s *Server) deleteModelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		name := strings.TrimPrefix(r.URL.Path, "/api/models/")
		if name == "" {
			writeError(w, http.StatusBadRequest, "model name required")
			return
		}

		model, err := s.store.GetModel(name)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if model == nil {
			writeError(w, http.StatusNotFound, "model not found")
			return
		}

		if err := s.store.DeleteModel(name); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		// Container-side paths do not exist on the host; RemoveAll is a
		// no-op for those.
		if filepath.IsAbs(model.Path) && len(model.Path) > 1 {
			if err := os.RemoveAll(model.Path); err != nil {
				s.log.WithError(err).WithField("model", name).Warn("Removing model files failed")
			}
		}

		writeJSON(w, map[string]string{"status": "deleted", "name": name})
	}
}

// listDatasetsHandler merges registered datasets with files sitting in
// the datasets directory that were never validated.
func (s *Server) listDatasetsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		datasets, err := s.store.ListDatasets()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		responses := make([]DatasetResponse, 0, len(datasets))
		seen := make(map[string]bool, len(datasets))
		for _, d := range datasets {
			responses = append(responses, datasetToResponse(d))
			seen[d.Name] = true
		}

		entries, err := os.ReadDir(s.datasetsDir)
		if err == nil {
			for _, entry := range entries {
				if entry.IsDir() || !hasDatasetExt(entry.Name()) || seen[entry.Name()] {
					continue
				}
				info, err := entry.Info()
				if err != nil {
					continue
				}
				responses = append(responses, DatasetResponse{
					Name:      entry.Name(),
					Path:      filepath.Join(s.datasetsDir, entry.Name()),
					SizeBytes: info.Size(),
					Source:    "local",
				})
			}
		}

		sort.Slice(responses, func(i, j int) bool {
			return responses[i].Name < responses[j].Name
		})

		writeJSON(w, responses)
	}
}

func (s *Server) uploadDatasetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "file field required")
			return
		}
		defer file.Close()

		name := filepath.Base(header.Filename)
		if name == "" || name == "." || name == string(filepath.Separator) {
			writeError(w, http.StatusBadRequest, "invalid file name")
			return
		}
		if !hasDatasetExt(name) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported file format: %s", filepath.Ext(name)))
			return
		}

		if err := os.MkdirAll(s.datasetsDir, 0o755); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		dst := filepath.Join(s.datasetsDir, name)
		out, err := os.Create(dst)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		_, err = io.Copy(out, file)
		if closeErr := out.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		res := dataset.Validate(dst)
		d := dataset.Record(dst, "upload", res)
		if err := s.store.UpsertDataset(d); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		s.log.WithFields(map[string]interface{}{
			"dataset": name,
			"valid":   res.Valid,
		}).Info("Dataset uploaded")

		writeJSON(w, map[string]interface{}{
			"dataset":    datasetToResponse(d),
			"validation": res,
		})
	}
}

func (s *Server) validateDatasetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		var req struct {
			Name string `json:"name"`
			Path string `json:"path"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		path := req.Path
		if path == "" && req.Name != "" {
			path = filepath.Join(s.datasetsDir, filepath.Base(req.Name))
		}
		if path == "" {
			writeError(w, http.StatusBadRequest, "name or path required")
			return
		}

		res := dataset.Validate(path)

		// Only register files that actually exist; a missing path still
		// returns the validation result.
		if _, err := os.Stat(path); err == nil {
			d := dataset.Record(path, "local", res)
			if err := s.store.UpsertDataset(d); err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
		}

		writeJSON(w, res)
	}
}

func (s *Server) systemResourcesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		writeJSON(w, s.preflight.Snapshot(r.Context()))
	}
}

func (s *Server) systemCheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		var req struct {
			DatasetSizeMB float64 `json:"dataset_size_mb"`
			ModelSizeGB   float64 `json:"model_size_gb"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		writeJSON(w, s.preflight.Check(r.Context(), req.DatasetSizeMB, req.ModelSizeGB))
	}
}

func (s *Server) hfTokenHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			token, err := s.store.GetSetting(trainer.SettingHFToken)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			writeJSON(w, map[string]bool{"set": token != ""})

		case http.MethodPost:
			var req struct {
				Token string `json:"token"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			if strings.TrimSpace(req.Token) == "" {
				writeError(w, http.StatusBadRequest, "token required")
				return
			}
			if err := s.store.SetSetting(trainer.SettingHFToken, strings.TrimSpace(req.Token)); err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			writeJSON(w, map[string]string{"status": "saved"})

		case http.MethodDelete:
			if err := s.store.DeleteSetting(trainer.SettingHFToken); err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			writeJSON(w, map[string]string{"status": "deleted"})

		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}
