package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hochfrequenz/tune-orchestrator/internal/config"
	"github.com/hochfrequenz/tune-orchestrator/internal/domain"
	"github.com/hochfrequenz/tune-orchestrator/internal/preflight"
	"github.com/hochfrequenz/tune-orchestrator/internal/runstore"
	"github.com/hochfrequenz/tune-orchestrator/internal/scripts"
	"github.com/hochfrequenz/tune-orchestrator/internal/trainenv"
	"github.com/hochfrequenz/tune-orchestrator/internal/trainer"
	"github.com/hochfrequenz/tune-orchestrator/tui"
)

// serverBase resolves the server URL: the --server flag wins, otherwise
// the configured web host and port.
func serverBase(cfg *config.Config) string {
	if serverURL != "" {
		return strings.TrimRight(serverURL, "/")
	}
	return fmt.Sprintf("http://%s:%d", cfg.Web.Host, cfg.Web.Port)
}

// apiClient is a thin JSON client for a running serve instance.
type apiClient struct {
	base string
	hc   *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{base: base, hc: &http.Client{Timeout: 15 * time.Second}}
}

// apiError is a non-2xx response decoded into the server's error shape.
type apiError struct {
	Status  int
	Message string
	RunID   string
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("server returned status %d", e.Status)
}

// healthy reports whether a server answers on /api/health.
func (c *apiClient) healthy() bool {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (c *apiClient) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *apiClient) postJSON(ctx context.Context, path string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *apiClient) do(req *http.Request, out interface{}) error {
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode}
		var body struct {
			Error string `json:"error"`
			RunID string `json:"run_id"`
		}
		if json.NewDecoder(resp.Body).Decode(&body) == nil {
			apiErr.Message = body.Error
			apiErr.RunID = body.RunID
		}
		return apiErr
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

var (
	_ tui.Client = (*apiTUIClient)(nil)
	_ tui.Client = (*localClient)(nil)
)

// tuiRequestTimeout bounds dashboard calls that carry no context of their
// own. The dashboard refreshes every second; a slow server must not make
// it freeze.
const tuiRequestTimeout = 3 * time.Second

// apiTUIClient backs the dashboard with a running server, so the
// dashboard sees the server's training job and pull progress.
type apiTUIClient struct {
	api *apiClient
}

func (c *apiTUIClient) EnvironmentStatus(ctx context.Context) trainenv.Status {
	var st trainenv.Status
	if err := c.api.getJSON(ctx, "/api/environment/status", &st); err != nil {
		return trainenv.Status{State: domain.EnvUnavailable, Message: "Server unreachable: " + err.Error()}
	}
	return st
}

func (c *apiTUIClient) PullProgress() trainenv.PullProgress {
	ctx, cancel := context.WithTimeout(context.Background(), tuiRequestTimeout)
	defer cancel()

	var p trainenv.PullProgress
	if err := c.api.getJSON(ctx, "/api/environment/pull-progress", &p); err != nil {
		return trainenv.PullProgress{Status: domain.PullIdle}
	}
	return p
}

func (c *apiTUIClient) StartEnvironment(ctx context.Context) error {
	return c.api.postJSON(ctx, "/api/environment/start", nil, nil)
}

func (c *apiTUIClient) TrainingStatus() trainer.Status {
	ctx, cancel := context.WithTimeout(context.Background(), tuiRequestTimeout)
	defer cancel()

	var st trainer.Status
	if err := c.api.getJSON(ctx, "/api/training/status", &st); err != nil {
		return trainer.Status{Message: "Server unreachable"}
	}
	return st
}

func (c *apiTUIClient) StopTraining() error {
	ctx, cancel := context.WithTimeout(context.Background(), tuiRequestTimeout)
	defer cancel()
	return c.api.postJSON(ctx, "/api/training/stop", nil, nil)
}

func (c *apiTUIClient) DrainLogs() []domain.LogEntry {
	ctx, cancel := context.WithTimeout(context.Background(), tuiRequestTimeout)
	defer cancel()

	var out struct {
		Logs []domain.LogEntry `json:"logs"`
	}
	if err := c.api.getJSON(ctx, "/api/training/logs", &out); err != nil {
		return nil
	}
	return out.Logs
}

func (c *apiTUIClient) Resources(ctx context.Context) preflight.Resources {
	var res preflight.Resources
	if err := c.api.getJSON(ctx, "/api/system/resources", &res); err != nil {
		return preflight.Resources{}
	}
	return res
}

// localClient wires the dashboard straight to Docker and the local
// database when no server is running. Its log output is discarded; stray
// lines would corrupt the alternate screen.
type localClient struct {
	env     *trainenv.Manager
	trainer *trainer.Manager
	checker *preflight.Checker
	store   *runstore.Store
}

func newLocalClient(cfg *config.Config) (*localClient, error) {
	log := logrus.New()
	log.SetOutput(io.Discard)

	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	env, err := trainenv.New(cfg.Environment, cfg.General.WorkDir, log)
	if err != nil {
		store.Close()
		return nil, err
	}
	loader := scripts.DefaultLoader(cfg.General.DataDir)

	return &localClient{
		env:     env,
		trainer: trainer.New(env, store, loader, cfg.General.WorkDir, cfg.Environment.WorkspacePath, log),
		checker: preflight.New(cfg.General.WorkDir, env),
		store:   store,
	}, nil
}

func (c *localClient) Close() error { return c.store.Close() }

func (c *localClient) EnvironmentStatus(ctx context.Context) trainenv.Status {
	return c.env.Status(ctx)
}

func (c *localClient) PullProgress() trainenv.PullProgress { return c.env.PullProgress() }

func (c *localClient) StartEnvironment(ctx context.Context) error { return c.env.Start(ctx) }

func (c *localClient) TrainingStatus() trainer.Status { return c.trainer.Status() }

func (c *localClient) StopTraining() error { return c.trainer.Stop() }

func (c *localClient) DrainLogs() []domain.LogEntry { return c.trainer.DrainLogs() }

func (c *localClient) Resources(ctx context.Context) preflight.Resources {
	return c.checker.Snapshot(ctx)
}
