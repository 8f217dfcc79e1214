package trainenv

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	"github.com/sirupsen/logrus"

	"github.com/hochfrequenz/tune-orchestrator/internal/config"
	"github.com/hochfrequenz/tune-orchestrator/internal/domain"
)

// startTimeout bounds a single start attempt, image pull included.
const startTimeout = 30 * time.Minute

// Container-side ports are fixed by the training image; only the host side
// is configurable.
const (
	jupyterContainerPort = nat.Port("8888/tcp")
	sshContainerPort     = nat.Port("22/tcp")
)

// Manager owns the single training container described by the environment
// config. Start is asynchronous; Status and PullProgress expose the worker's
// progress without blocking on it.
type Manager struct {
	cli     dockerClient
	cfg     config.EnvironmentConfig
	workDir string
	log     *logrus.Logger

	mu       sync.Mutex
	starting bool
	startErr error
	pull     PullProgress
}

// New builds a manager backed by the real Docker client. Construction only
// fails on client setup; an unreachable daemon is reported through Status.
func New(cfg config.EnvironmentConfig, workDir string, log *logrus.Logger) (*Manager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return NewWithClient(cli, cfg, workDir, log), nil
}

// NewWithClient builds a manager around an existing Docker API client.
func NewWithClient(cli dockerClient, cfg config.EnvironmentConfig, workDir string, log *logrus.Logger) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{
		cli:     cli,
		cfg:     cfg,
		workDir: workDir,
		log:     log,
		pull:    PullProgress{Status: domain.PullIdle, Message: "Initializing..."},
	}
}

// Status reports the current environment state. Precedence: start worker in
// flight > running container > stopped container > failed start > image
// present > image absent.
func (m *Manager) Status(ctx context.Context) Status {
	if _, err := m.cli.Ping(ctx); err != nil {
		return Status{
			State:   domain.EnvUnavailable,
			Message: "Docker is not installed or not running",
		}
	}

	st := Status{Available: true}

	_, _, err := m.cli.ImageInspectWithRaw(ctx, m.cfg.Image)
	st.ImagePresent = err == nil

	m.mu.Lock()
	starting := m.starting
	startErr := m.startErr
	pull := m.pull
	m.mu.Unlock()

	if starting {
		st.State = domain.EnvCreating
		if pull.Status == domain.PullPulling {
			st.Message = pull.Message
		} else {
			st.Message = "Starting training environment"
		}
		return st
	}

	if ctr, ok := m.runningContainer(ctx); ok {
		st.State = domain.EnvRunning
		st.ContainerID = shortID(ctr.ID)
		st.ContainerName = containerName(ctr)
		st.GPU = m.hasGPURequest(ctx, ctr.ID)
		st.Message = fmt.Sprintf("Connected to container: %s", st.ContainerName)
		return st
	}

	if ctr, ok := m.findByName(ctx); ok {
		st.State = domain.EnvStopped
		st.ContainerID = shortID(ctr.ID)
		st.ContainerName = containerName(ctr)
		st.Message = fmt.Sprintf("Container exists but not running: %s", ctr.State)
		return st
	}

	if startErr != nil {
		st.State = domain.EnvError
		st.Message = startErr.Error()
		return st
	}

	if st.ImagePresent {
		st.State = domain.EnvReady
		st.Message = "Training image found, but no container created"
		return st
	}

	st.State = domain.EnvAbsent
	st.Message = "Docker running, but training image not pulled"
	return st
}

// Start launches the start worker and returns immediately. A worker already
// in flight is left alone.
func (m *Manager) Start(ctx context.Context) error {
	if _, err := m.cli.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrEnvironmentUnavailable, err)
	}

	m.mu.Lock()
	if m.starting {
		m.mu.Unlock()
		m.log.Debug("environment start already in progress")
		return nil
	}
	m.starting = true
	m.startErr = nil
	m.pull = PullProgress{Status: domain.PullIdle, Message: "Initializing..."}
	m.mu.Unlock()

	go m.startWorker()
	return nil
}

// startWorker runs detached from the caller: an HTTP request that triggered
// the start must not cancel a multi-minute image pull.
func (m *Manager) startWorker() {
	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()

	err := m.ensureRunning(ctx)

	m.mu.Lock()
	m.starting = false
	m.startErr = err
	m.mu.Unlock()

	if err != nil {
		m.log.WithError(err).Error("environment start failed")
		return
	}
	m.log.WithField("container", m.cfg.ContainerName).Info("training environment running")
}

func (m *Manager) ensureRunning(ctx context.Context) error {
	// An existing container, running or not, wins over a fresh create.
	if ctr, ok := m.findByName(ctx); ok {
		if ctr.State == "running" {
			return nil
		}
		if err := m.cli.ContainerStart(ctx, ctr.ID, container.StartOptions{}); err != nil {
			return fmt.Errorf("starting container: %w", err)
		}
		return nil
	}

	if _, _, err := m.cli.ImageInspectWithRaw(ctx, m.cfg.Image); err != nil {
		if !errdefs.IsNotFound(err) {
			return fmt.Errorf("inspecting image: %w", err)
		}
		if err := m.pullImage(ctx); err != nil {
			return err
		}
	}

	if !m.cfg.GPU {
		if _, err := m.createAndStart(ctx, false); err != nil {
			return fmt.Errorf("creating container: %w", err)
		}
		return nil
	}

	id, err := m.createAndStart(ctx, true)
	if err == nil {
		return nil
	}
	m.log.WithError(err).Warn("GPU container start failed, falling back to CPU")
	if id != "" {
		if rmErr := m.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); rmErr != nil {
			m.log.WithError(rmErr).Warn("removing partial container")
		}
	}
	if _, err := m.createAndStart(ctx, false); err != nil {
		return fmt.Errorf("creating container: %w", err)
	}
	return nil
}

// createAndStart returns the container ID even when the start step fails so
// the caller can remove the partial container.
func (m *Manager) createAndStart(ctx context.Context, gpu bool) (string, error) {
	cfg := &container.Config{
		Image: m.cfg.Image,
		Env:   []string{"JUPYTER_PASSWORD=" + m.cfg.JupyterPassword},
		ExposedPorts: nat.PortSet{
			jupyterContainerPort: struct{}{},
			sshContainerPort:     struct{}{},
		},
	}

	host := &container.HostConfig{
		PortBindings: nat.PortMap{
			jupyterContainerPort: []nat.PortBinding{{HostPort: strconv.Itoa(m.cfg.JupyterPort)}},
			sshContainerPort:     []nat.PortBinding{{HostPort: strconv.Itoa(m.cfg.SSHPort)}},
		},
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: m.workDir,
			Target: m.cfg.WorkspacePath,
		}},
	}

	if gpu {
		host.DeviceRequests = []container.DeviceRequest{{
			Count:        -1,
			Capabilities: [][]string{{"gpu"}},
		}}
	}

	resp, err := m.cli.ContainerCreate(ctx, cfg, host, nil, nil, m.cfg.ContainerName)
	if err != nil {
		return "", err
	}
	if err := m.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return resp.ID, err
	}
	return resp.ID, nil
}

// Stop stops the training container with the configured grace timeout.
func (m *Manager) Stop(ctx context.Context) error {
	ctr, ok := m.findByName(ctx)
	if !ok {
		return ErrEnvironmentNotFound
	}

	timeout := m.cfg.StopTimeoutSeconds
	if timeout <= 0 {
		timeout = 10
	}
	if err := m.cli.ContainerStop(ctx, ctr.ID, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			return ErrEnvironmentNotFound
		}
		return fmt.Errorf("stopping container: %w", err)
	}

	m.log.WithField("container", m.cfg.ContainerName).Info("training environment stopped")
	return nil
}

// PullProgress returns a snapshot of the current image download.
func (m *Manager) PullProgress() PullProgress {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pull
}

// StartError returns the error from the last start worker, nil when the last
// start succeeded or none ran yet.
func (m *Manager) StartError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startErr
}

// ListContainers returns every container created from the training image.
func (m *Manager) ListContainers(ctx context.Context) ([]ContainerInfo, error) {
	args := filters.NewArgs(filters.Arg("ancestor", m.cfg.Image))
	list, err := m.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	infos := make([]ContainerInfo, 0, len(list))
	for _, c := range list {
		infos = append(infos, ContainerInfo{
			ID:      shortID(c.ID),
			Name:    containerName(c),
			State:   c.State,
			Status:  c.Status,
			Created: time.Unix(c.Created, 0),
		})
	}
	return infos, nil
}

func (m *Manager) runningContainer(ctx context.Context) (types.Container, bool) {
	args := filters.NewArgs(
		filters.Arg("ancestor", m.cfg.Image),
		filters.Arg("status", "running"),
	)
	list, err := m.cli.ContainerList(ctx, container.ListOptions{Filters: args})
	if err != nil || len(list) == 0 {
		return types.Container{}, false
	}
	return list[0], true
}

// findByName resolves the configured container name exactly; the Docker name
// filter matches substrings.
func (m *Manager) findByName(ctx context.Context) (types.Container, bool) {
	args := filters.NewArgs(filters.Arg("name", m.cfg.ContainerName))
	list, err := m.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return types.Container{}, false
	}
	for _, c := range list {
		for _, n := range c.Names {
			if strings.TrimPrefix(n, "/") == m.cfg.ContainerName {
				return c, true
			}
		}
	}
	return types.Container{}, false
}

func (m *Manager) hasGPURequest(ctx context.Context, id string) bool {
	info, err := m.cli.ContainerInspect(ctx, id)
	if err != nil || info.HostConfig == nil {
		return false
	}
	return len(info.HostConfig.DeviceRequests) > 0
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func containerName(c types.Container) string {
	if len(c.Names) == 0 {
		return ""
	}
	return strings.TrimPrefix(c.Names[0], "/")
}
