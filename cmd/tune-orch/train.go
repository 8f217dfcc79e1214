package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/tune-orchestrator/internal/config"
	"github.com/hochfrequenz/tune-orchestrator/internal/domain"
	"github.com/hochfrequenz/tune-orchestrator/internal/runstore"
	"github.com/hochfrequenz/tune-orchestrator/internal/scripts"
	"github.com/hochfrequenz/tune-orchestrator/internal/trainenv"
	"github.com/hochfrequenz/tune-orchestrator/internal/trainer"
)

var (
	trainModel   string
	trainDataset string
	trainOutput  string
	trainEpochs  int
	trainFile    string
	logsFollow   bool
)

func init() {
	// train commands
	trainCmd := &cobra.Command{
		Use:   "train",
		Short: "Start and control training jobs",
	}

	trainStartCmd := &cobra.Command{
		Use:   "start",
		Short: "Start a fine-tuning run",
		Long: `Start a fine-tuning run. When a tune-orch server is running the job is
submitted to it; otherwise the run executes in the foreground and streams
its output until it finishes.`,
		RunE: runTrainStart,
	}
	trainStartCmd.Flags().StringVar(&trainModel, "model", "", "base model to fine-tune")
	trainStartCmd.Flags().StringVar(&trainDataset, "dataset", "", "dataset file (name in the datasets dir or a path)")
	trainStartCmd.Flags().StringVar(&trainOutput, "output", "", "output model name")
	trainStartCmd.Flags().IntVar(&trainEpochs, "epochs", 0, "number of training epochs")
	trainStartCmd.Flags().StringVar(&trainFile, "file", "", "YAML file with the full training config")

	trainLogsCmd := &cobra.Command{
		Use:   "logs",
		Short: "Print buffered training output from the server",
		RunE:  runTrainLogs,
	}
	trainLogsCmd.Flags().BoolVar(&logsFollow, "follow", false, "poll for new output until the run ends")

	trainCmd.AddCommand(
		trainStartCmd,
		&cobra.Command{Use: "status", Short: "Show the active training job", RunE: runTrainStatus},
		&cobra.Command{Use: "stop", Short: "Stop the active training job", RunE: runTrainStop},
		trainLogsCmd,
	)
	rootCmd.AddCommand(trainCmd)
}

func runTrainStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	tc, err := buildTrainingConfig(cmd, cfg)
	if err != nil {
		return err
	}

	client := newAPIClient(serverBase(cfg))
	if client.healthy() {
		return startViaServer(cmd.Context(), client, tc)
	}
	return startLocal(cmd.Context(), cfg, tc)
}

// buildTrainingConfig merges the --file config with flag overrides, fills
// the configured training defaults and rewrites dataset and output paths
// to their container-side form.
func buildTrainingConfig(cmd *cobra.Command, cfg *config.Config) (domain.TrainingConfig, error) {
	var tc domain.TrainingConfig

	if trainFile != "" {
		data, err := os.ReadFile(config.ExpandPath(trainFile))
		if err != nil {
			return tc, err
		}
		if err := yaml.Unmarshal(data, &tc); err != nil {
			return tc, fmt.Errorf("parsing %s: %w", trainFile, err)
		}
	}

	if trainModel != "" {
		tc.BaseModel = trainModel
	}
	if trainDataset != "" {
		tc.DatasetPath = trainDataset
	}
	if cmd.Flags().Changed("epochs") {
		tc.NumEpochs = trainEpochs
	}
	fillTrainingDefaults(&tc, cfg.Training)

	if tc.BaseModel == "" {
		return tc, errors.New("--model is required (or model_name in --file)")
	}
	if tc.DatasetPath == "" {
		return tc, errors.New("--dataset is required (or dataset_path in --file)")
	}

	containerDataset, err := resolveDataset(cfg, tc.DatasetPath)
	if err != nil {
		return tc, err
	}
	tc.DatasetPath = containerDataset

	switch {
	case trainOutput != "":
		tc.OutputDir = resolveOutput(cfg, trainOutput, tc.BaseModel)
	case tc.OutputDir == "":
		tc.OutputDir = resolveOutput(cfg, "", tc.BaseModel)
	}

	return tc, nil
}

// fillTrainingDefaults copies configured hyperparameter defaults into
// fields the user left unset.
func fillTrainingDefaults(tc *domain.TrainingConfig, d config.TrainingConfig) {
	if tc.MaxSeqLength == 0 {
		tc.MaxSeqLength = d.MaxSeqLength
	}
	if tc.LearningRate == 0 {
		tc.LearningRate = d.LearningRate
	}
	if tc.NumEpochs == 0 {
		tc.NumEpochs = d.NumEpochs
	}
	if tc.BatchSize == 0 {
		tc.BatchSize = d.BatchSize
	}
	if tc.GradientAccumulationSteps == 0 {
		tc.GradientAccumulationSteps = d.GradientAccumulationSteps
	}
	if tc.LoraR == 0 {
		tc.LoraR = d.LoraR
	}
	if tc.LoraAlpha == 0 {
		tc.LoraAlpha = d.LoraAlpha
	}
	if tc.SaveTotalLimit == 0 {
		tc.SaveTotalLimit = d.SaveTotalLimit
	}
}

// containerPath maps a host path under the work dir to its container-side
// location. Paths outside the bind mount have no container equivalent.
func containerPath(cfg *config.Config, hostPath string) (string, bool) {
	rel, err := filepath.Rel(cfg.General.WorkDir, hostPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return path.Join(cfg.Environment.WorkspacePath, filepath.ToSlash(rel)), true
}

// resolveDataset locates the dataset on the host and returns its
// container-side path, staging a copy into the datasets dir when the file
// lives outside the bind mount.
func resolveDataset(cfg *config.Config, ref string) (string, error) {
	// Container-side paths are accepted as-is when their host twin exists.
	if rel, found := strings.CutPrefix(ref, cfg.Environment.WorkspacePath+"/"); found {
		host := filepath.Join(cfg.General.WorkDir, filepath.FromSlash(rel))
		if _, err := os.Stat(host); err != nil {
			return "", fmt.Errorf("dataset not found under the work dir: %s", ref)
		}
		return ref, nil
	}

	hostPath := config.ExpandPath(ref)
	if _, err := os.Stat(hostPath); err != nil {
		// Bare names refer to files already in the datasets dir.
		candidate := filepath.Join(cfg.General.DatasetsDir, filepath.Base(ref))
		if _, err := os.Stat(candidate); err != nil {
			return "", fmt.Errorf("dataset not found: %s", ref)
		}
		hostPath = candidate
	}
	if abs, err := filepath.Abs(hostPath); err == nil {
		hostPath = abs
	}
	if !isDatasetFile(hostPath) {
		return "", fmt.Errorf("unsupported dataset format: %s", filepath.Ext(hostPath))
	}

	if cp, ok := containerPath(cfg, hostPath); ok {
		return cp, nil
	}

	dst := filepath.Join(cfg.General.DatasetsDir, filepath.Base(hostPath))
	if err := copyFile(hostPath, dst); err != nil {
		return "", fmt.Errorf("staging dataset: %w", err)
	}
	fmt.Printf("Staged dataset at %s\n", dst)

	cp, ok := containerPath(cfg, dst)
	if !ok {
		return "", fmt.Errorf("datasets dir %s is outside the work dir; the container cannot read it", cfg.General.DatasetsDir)
	}
	return cp, nil
}

// resolveOutput turns a model name into the container-side output
// directory. Names containing a slash are treated as explicit paths.
func resolveOutput(cfg *config.Config, name, baseModel string) string {
	if name == "" {
		name = fmt.Sprintf("%s-%s", path.Base(baseModel), time.Now().Format("20060102-150405"))
	}
	if strings.Contains(name, "/") {
		return name
	}
	if cp, ok := containerPath(cfg, filepath.Join(cfg.General.ModelsDir, name)); ok {
		return cp
	}
	return path.Join(cfg.Environment.WorkspacePath, "models", name)
}

func startViaServer(ctx context.Context, client *apiClient, tc domain.TrainingConfig) error {
	var out struct {
		RunID  string `json:"run_id"`
		Status string `json:"status"`
	}
	if err := client.postJSON(ctx, "/api/training/start", tc, &out); err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.RunID != "" {
			return fmt.Errorf("%s (run %s)", apiErr.Message, apiErr.RunID)
		}
		return err
	}

	fmt.Printf("Run %s started on %s\n", out.RunID, client.base)
	fmt.Println("Follow output with: tune-orch train logs --follow")
	return nil
}

// startLocal runs the job in the foreground, streaming output to stdout
// until the run reaches a terminal state. SIGINT requests a graceful stop.
func startLocal(ctx context.Context, cfg *config.Config, tc domain.TrainingConfig) error {
	log := cliLogger()
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	env, err := trainenv.New(cfg.Environment, cfg.General.WorkDir, log)
	if err != nil {
		return err
	}
	if st := env.Status(ctx); st.State != domain.EnvRunning {
		return fmt.Errorf("training environment is not running (%s); run 'tune-orch env start' first", st.State)
	}

	tr := trainer.New(env, store, scripts.DefaultLoader(cfg.General.DataDir),
		cfg.General.WorkDir, cfg.Environment.WorkspacePath, log)

	// Only the terminal snapshot has Running unset.
	done := make(chan trainer.Status, 1)
	tr.SetStatusCallback(func(st trainer.Status) {
		if !st.Running {
			select {
			case done <- st:
			default:
			}
		}
	})
	tr.SetLogCallback(func(e domain.LogEntry) {
		fmt.Println(e.Message)
	})

	runID, err := tr.Start(tc)
	if err != nil {
		return err
	}
	fmt.Printf("Run %s started\n", runID)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	for {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(os.Stderr, "\n%s received, stopping training...\n", sig)
			if err := tr.Stop(); err != nil && !errors.Is(err, trainer.ErrNoJob) {
				return err
			}
		case final := <-done:
			return reportOutcome(store, final)
		}
	}
}

// reportOutcome prints the terminal state of a run and maps failure to a
// nonzero exit.
func reportOutcome(store *runstore.Store, final trainer.Status) error {
	run, err := store.GetRun(final.RunID)
	if err != nil || run == nil {
		fmt.Println(final.Message)
		return nil
	}

	switch run.Status {
	case domain.RunCompleted:
		if run.FinalLoss != nil {
			fmt.Printf("Training complete: final loss %.4f\n", *run.FinalLoss)
		} else {
			fmt.Println("Training complete")
		}
		fmt.Printf("Model registered as %s\n", run.ModelName)
		return nil
	case domain.RunStopped:
		fmt.Println("Training stopped")
		return nil
	default:
		if run.ErrorMessage != "" {
			return fmt.Errorf("training failed: %s", run.ErrorMessage)
		}
		return errors.New("training failed")
	}
}

func runTrainStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	client := newAPIClient(serverBase(cfg))
	if client.healthy() {
		var st trainer.Status
		if err := client.getJSON(cmd.Context(), "/api/training/status", &st); err != nil {
			return err
		}
		printTrainingStatus(st)
		return nil
	}

	// No server to ask for live state; fall back to the last recorded run.
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRuns(1)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No training runs recorded")
		return nil
	}
	r := runs[0]
	fmt.Println("No server running; latest recorded run:")
	fmt.Printf("  %s  %s  %s  (%s)\n", r.ID, r.ModelName, r.Status, humanize.Time(r.StartedAt))
	return nil
}

func printTrainingStatus(st trainer.Status) {
	if !st.Running {
		fmt.Println(st.Message)
		return
	}
	fmt.Printf("Run:      %s\n", st.RunID)
	fmt.Printf("Status:   %s\n", st.Message)
	fmt.Printf("Progress: %.0f%%\n", st.Progress*100)
	if st.TotalSteps > 0 {
		fmt.Printf("Step:     %d/%d\n", st.CurrentStep, st.TotalSteps)
	}
	if st.Loss != nil {
		fmt.Printf("Loss:     %.4f\n", *st.Loss)
	}
	if st.Epoch > 0 {
		fmt.Printf("Epoch:    %.2f\n", st.Epoch)
	}
	fmt.Printf("Elapsed:  %s\n", time.Since(st.StartedAt).Round(time.Second))
}

func runTrainStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	client := newAPIClient(serverBase(cfg))
	if !client.healthy() {
		return fmt.Errorf("no running server at %s (a foreground 'train start' is stopped with Ctrl+C)", client.base)
	}

	if err := client.postJSON(cmd.Context(), "/api/training/stop", nil, nil); err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
			fmt.Println(apiErr.Message)
			return nil
		}
		return err
	}
	fmt.Println("Stop requested; the run will be recorded as stopped")
	return nil
}

func runTrainLogs(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	client := newAPIClient(serverBase(cfg))
	if !client.healthy() {
		return fmt.Errorf("no running server at %s", client.base)
	}

	for {
		var out struct {
			Logs   []domain.LogEntry `json:"logs"`
			Status trainer.Status    `json:"status"`
		}
		if err := client.getJSON(cmd.Context(), "/api/training/logs", &out); err != nil {
			return err
		}
		for _, e := range out.Logs {
			fmt.Printf("%s  %s\n", e.Timestamp.Format("15:04:05"), e.Message)
		}
		if !logsFollow {
			return nil
		}
		if !out.Status.Running && len(out.Logs) == 0 {
			return nil
		}
		time.Sleep(2 * time.Second)
	}
}
