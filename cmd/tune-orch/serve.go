package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/tune-orchestrator/internal/domain"
	"github.com/hochfrequenz/tune-orchestrator/internal/maintenance"
	"github.com/hochfrequenz/tune-orchestrator/internal/notify"
	"github.com/hochfrequenz/tune-orchestrator/internal/observer"
	"github.com/hochfrequenz/tune-orchestrator/internal/preflight"
	"github.com/hochfrequenz/tune-orchestrator/internal/runstore"
	"github.com/hochfrequenz/tune-orchestrator/internal/scripts"
	"github.com/hochfrequenz/tune-orchestrator/internal/trainenv"
	"github.com/hochfrequenz/tune-orchestrator/internal/trainer"
	"github.com/hochfrequenz/tune-orchestrator/web/api"
)

var (
	serveHost string
	servePort int
)

// stallThreshold is how long a running job may go without output before the
// monitor flags it.
const stallThreshold = 10 * time.Minute

func init() {
	// serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator server",
		Long: `Run the web API, SSE event stream, dataset watcher and maintenance jobs
in one process. Training jobs started over the API live here.`,
		RunE: runServe,
	}
	serveCmd.Flags().StringVar(&serveHost, "host", "", "listen address (default from config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	store, err := runstore.New(cfg.General.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	// Runs left behind by a crash are still marked running.
	if n, err := store.MarkInterruptedRuns(); err != nil {
		log.WithError(err).Warn("Marking interrupted runs failed")
	} else if n > 0 {
		log.WithField("count", n).Info("Marked interrupted runs as failed")
	}

	env, err := trainenv.New(cfg.Environment, cfg.General.WorkDir, log)
	if err != nil {
		return err
	}

	tr := trainer.New(env, store, scripts.DefaultLoader(cfg.General.DataDir),
		cfg.General.WorkDir, cfg.Environment.WorkspacePath, log)
	checker := preflight.New(cfg.General.WorkDir, env)

	host := cfg.Web.Host
	if serveHost != "" {
		host = serveHost
	}
	port := cfg.Web.Port
	if servePort != 0 {
		port = servePort
	}
	addr := fmt.Sprintf("%s:%d", host, port)

	server := api.NewServer(addr, api.Deps{
		Store:       store,
		Env:         env,
		Trainer:     tr,
		Preflight:   checker,
		DatasetsDir: cfg.General.DatasetsDir,
		Log:         log,
	})

	var notifiers []notify.Notifier
	if cfg.Notifications.Desktop {
		notifiers = append(notifiers, notify.NewDesktopNotifier(true))
	}
	if cfg.Notifications.SlackWebhook != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(cfg.Notifications.SlackWebhook))
	}
	notifier := notify.NewMultiNotifier(notifiers...)

	obs := observer.New(stallThreshold)

	// lastOutput feeds stall detection; the log callback refreshes it.
	var outputMu sync.Mutex
	var lastOutput time.Time

	tr.SetLogCallback(func(e domain.LogEntry) {
		server.Broadcast(api.SSEEvent{Type: api.EventTrainingLog, Data: e})
		outputMu.Lock()
		lastOutput = e.Timestamp
		outputMu.Unlock()
	})

	// Intermediate snapshots always have Running set; a snapshot with a run
	// ID and Running unset is the terminal one, delivered exactly once and
	// after the run row was persisted.
	tr.SetStatusCallback(func(st trainer.Status) {
		server.Broadcast(api.SSEEvent{Type: api.EventTrainingStatus, Data: st})
		if st.Running || st.RunID == "" {
			return
		}
		run, err := store.GetRun(st.RunID)
		if err != nil || run == nil {
			return
		}
		announceRun(log, notifier, obs, run)
	})

	sched := maintenance.NewScheduler(log)
	for _, job := range maintenance.Jobs(cfg.Maintenance, cfg.General.ModelsDir, cfg.General.WorkDir, log) {
		if err := sched.Register(job); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		cancel()
	}()

	g, ctx := errgroup.WithContext(ctx)

	watcher, err := observer.NewDatasetWatcher(cfg.General.DatasetsDir, store, log)
	if err != nil {
		return err
	}
	watcher.SetCallback(server.NotifyDatasetAdded)
	if err := watcher.Start(ctx); err != nil {
		log.WithError(err).Warn("Dataset watcher failed to start")
	} else {
		defer watcher.Stop()
	}

	g.Go(func() error { return server.Start(ctx) })
	g.Go(func() error {
		sched.Start(ctx, time.Minute)
		return nil
	})
	g.Go(func() error {
		monitor(ctx, log, server, env, tr, obs, &outputMu, &lastOutput)
		return nil
	})

	log.WithField("addr", addr).Info("Server listening")
	fmt.Printf("tune-orch server listening at http://%s\n", addr)

	err = g.Wait()

	// A job still active at shutdown is stopped so its row does not stay
	// marked running until the next boot.
	if tr.Status().Running {
		log.Info("Stopping active training job")
		if stopErr := tr.Stop(); stopErr == nil {
			for i := 0; i < 50 && tr.Status().Running; i++ {
				time.Sleep(100 * time.Millisecond)
			}
		}
	}
	return err
}

// announceRun records the run outcome with the observer and sends one
// notification for it.
func announceRun(log *logrus.Logger, notifier notify.Notifier, obs *observer.Observer, run *domain.Run) {
	var n notify.Notification
	switch run.Status {
	case domain.RunCompleted:
		duration := time.Since(run.StartedAt)
		if run.CompletedAt != nil {
			duration = run.CompletedAt.Sub(run.StartedAt)
		}
		obs.RecordCompletion(run.ID, duration, run.TotalSteps, run.FinalLoss)
		n = notify.RunCompleted(run.ID, run.ModelName)
	case domain.RunStopped:
		n = notify.RunStopped(run.ID)
	default:
		obs.RecordFailure(run.ID)
		n = notify.RunFailed(run.ID, run.ErrorMessage)
	}

	if err := notifier.Send(n); err != nil {
		log.WithError(err).Warn("Notification failed")
	}
}

// monitor broadcasts environment state changes and watches the active job
// for stalls until ctx is done.
func monitor(ctx context.Context, log *logrus.Logger, server *api.Server,
	env *trainenv.Manager, tr *trainer.Manager, obs *observer.Observer,
	outputMu *sync.Mutex, lastOutput *time.Time) {

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	var prevState domain.EnvState
	stallWarned := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		st := env.Status(ctx)
		if st.State != prevState {
			prevState = st.State
			server.Broadcast(api.SSEEvent{Type: api.EventEnvironmentStatus, Data: st})
		}

		ts := tr.Status()
		if !ts.Running {
			stallWarned = false
			continue
		}

		outputMu.Lock()
		last := *lastOutput
		outputMu.Unlock()
		// A job that has not printed yet is measured from its start.
		if ts.StartedAt.After(last) {
			last = ts.StartedAt
		}

		if !obs.IsStalled(last, domain.RunRunning) {
			stallWarned = false
			continue
		}
		if !stallWarned {
			stallWarned = true
			log.WithFields(logrus.Fields{
				"run_id": ts.RunID,
				"since":  time.Since(last).Round(time.Second),
			}).Warn("Training job has produced no output")
		}
	}
}
