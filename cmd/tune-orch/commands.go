package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/tune-orchestrator/internal/config"
	"github.com/hochfrequenz/tune-orchestrator/internal/dataset"
	"github.com/hochfrequenz/tune-orchestrator/internal/domain"
	"github.com/hochfrequenz/tune-orchestrator/internal/preflight"
	"github.com/hochfrequenz/tune-orchestrator/internal/runstore"
	"github.com/hochfrequenz/tune-orchestrator/internal/scripts"
	"github.com/hochfrequenz/tune-orchestrator/internal/trainenv"
	"github.com/hochfrequenz/tune-orchestrator/tui"
)

// version is overridden at release time via -ldflags.
var version = "dev"

var (
	runsLimit      int
	checkDatasetMB float64
	checkModelGB   float64
)

func init() {
	// env commands
	envCmd := &cobra.Command{
		Use:   "env",
		Short: "Manage the training environment container",
	}
	envCmd.AddCommand(
		&cobra.Command{Use: "status", Short: "Show environment status", RunE: runEnvStatus},
		&cobra.Command{Use: "start", Short: "Start the training environment", RunE: runEnvStart},
		&cobra.Command{Use: "stop", Short: "Stop the training container", RunE: runEnvStop},
		&cobra.Command{Use: "pull-progress", Short: "Show image pull progress from a running server", RunE: runEnvPullProgress},
		&cobra.Command{Use: "containers", Short: "List containers created from the training image", RunE: runEnvContainers},
		&cobra.Command{Use: "check-update", Short: "Check the registry for a newer training image", RunE: runEnvCheckUpdate},
	)
	rootCmd.AddCommand(envCmd)

	// runs commands
	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect recorded training runs",
	}
	runsListCmd := &cobra.Command{
		Use:   "list",
		Short: "List training runs",
		RunE:  runRunsList,
	}
	runsListCmd.Flags().IntVar(&runsLimit, "limit", 20, "maximum number of runs to show")
	runsCmd.AddCommand(
		runsListCmd,
		&cobra.Command{Use: "show RUN", Short: "Show one run in detail", Args: cobra.ExactArgs(1), RunE: runRunsShow},
		&cobra.Command{Use: "metrics RUN", Short: "List recorded metrics for a run", Args: cobra.ExactArgs(1), RunE: runRunsMetrics},
	)
	rootCmd.AddCommand(runsCmd)

	// datasets commands
	datasetsCmd := &cobra.Command{
		Use:   "datasets",
		Short: "Manage training datasets",
	}
	datasetsCmd.AddCommand(
		&cobra.Command{Use: "list", Short: "List datasets", RunE: runDatasetsList},
		&cobra.Command{Use: "validate PATH", Short: "Validate a dataset file", Args: cobra.ExactArgs(1), RunE: runDatasetsValidate},
		&cobra.Command{Use: "import PATH", Short: "Copy a dataset into the datasets directory", Args: cobra.ExactArgs(1), RunE: runDatasetsImport},
	)
	rootCmd.AddCommand(datasetsCmd)

	// models commands
	modelsCmd := &cobra.Command{
		Use:   "models",
		Short: "Manage fine-tuned models",
	}
	modelsCmd.AddCommand(
		&cobra.Command{Use: "list", Short: "List fine-tuned models", RunE: runModelsList},
		&cobra.Command{Use: "rm NAME", Short: "Delete a model and its files", Args: cobra.ExactArgs(1), RunE: runModelsRemove},
		&cobra.Command{Use: "catalog", Short: "List base models available for fine-tuning", RunE: runModelsCatalog},
	)
	rootCmd.AddCommand(modelsCmd)

	// check command
	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Check host resources before training",
		RunE:  runCheck,
	}
	checkCmd.Flags().Float64Var(&checkDatasetMB, "dataset-size", 0, "planned dataset size in MB")
	checkCmd.Flags().Float64Var(&checkModelGB, "model-size", 8, "base model size in GB")
	rootCmd.AddCommand(checkCmd)

	// scripts command
	scriptsCmd := &cobra.Command{
		Use:   "scripts",
		Short: "Inspect training script templates",
	}
	scriptsCmd.AddCommand(
		&cobra.Command{Use: "list", Short: "List available script templates", RunE: runScriptsList},
	)
	rootCmd.AddCommand(scriptsCmd)

	// tui command
	tuiCmd := &cobra.Command{
		Use:   "tui",
		Short: "Launch the terminal dashboard",
		RunE:  runTUI,
	}
	rootCmd.AddCommand(tuiCmd)

	// version command
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the tune-orch version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("tune-orch", version)
		},
	}
	rootCmd.AddCommand(versionCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

// cliLogger keeps one-shot commands quiet; only warnings and errors from
// the managers reach stderr.
func cliLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	return log
}

func newEnvironment(cfg *config.Config) (*trainenv.Manager, error) {
	return trainenv.New(cfg.Environment, cfg.General.WorkDir, cliLogger())
}

func openStore(cfg *config.Config) (*runstore.Store, error) {
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}
	return runstore.New(cfg.General.DatabasePath)
}

func isDatasetFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jsonl", ".json", ".csv":
		return true
	}
	return false
}

func runEnvStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	env, err := newEnvironment(cfg)
	if err != nil {
		return err
	}

	st := env.Status(cmd.Context())
	fmt.Printf("State:   %s\n", st.State)
	fmt.Printf("Message: %s\n", st.Message)
	fmt.Printf("Image:   %s (present: %t)\n", cfg.Environment.Image, st.ImagePresent)
	if st.ContainerID != "" {
		fmt.Printf("Container: %s (%s)\n", st.ContainerName, st.ContainerID)
	}
	if st.State == domain.EnvRunning {
		gpu := "no"
		if st.GPU {
			gpu = "yes"
		}
		fmt.Printf("GPU:     %s\n", gpu)
	}
	return nil
}

func runEnvStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	env, err := newEnvironment(cfg)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if st := env.Status(ctx); st.State == domain.EnvRunning {
		fmt.Printf("Environment already running: %s\n", st.ContainerName)
		return nil
	}

	if err := env.Start(ctx); err != nil {
		return err
	}
	fmt.Println("Starting training environment...")

	// Start is asynchronous; poll until the worker settles. A first-time
	// image pull can take many minutes.
	pulled := false
	for {
		time.Sleep(time.Second)
		st := env.Status(ctx)
		switch st.State {
		case domain.EnvRunning:
			if pulled {
				fmt.Println()
			}
			fmt.Printf("Environment running: %s\n", st.ContainerName)
			return nil
		case domain.EnvCreating:
			if pull := env.PullProgress(); pull.Status == domain.PullPulling {
				fmt.Printf("\r  pulling %s: %3.0f%% (%d/%d layers)   ",
					cfg.Environment.Image, pull.Percent, pull.CompletedLayers, pull.TotalLayers)
				pulled = true
			}
		default:
			if pulled {
				fmt.Println()
			}
			if err := env.StartError(); err != nil {
				return err
			}
			return fmt.Errorf("environment did not start: %s", st.Message)
		}
	}
}

func runEnvStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	env, err := newEnvironment(cfg)
	if err != nil {
		return err
	}

	if err := env.Stop(cmd.Context()); err != nil {
		if errors.Is(err, trainenv.ErrEnvironmentNotFound) {
			fmt.Println("No training container to stop")
			return nil
		}
		return err
	}
	fmt.Println("Training container stopped")
	return nil
}

// runEnvPullProgress asks a running server; pull state lives in the serve
// process that performs the pull.
func runEnvPullProgress(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	client := newAPIClient(serverBase(cfg))
	var pull trainenv.PullProgress
	if err := client.getJSON(cmd.Context(), "/api/environment/pull-progress", &pull); err != nil {
		return fmt.Errorf("no running server at %s: %w", client.base, err)
	}

	switch pull.Status {
	case domain.PullPulling:
		fmt.Printf("pulling: %.0f%% (%d/%d layers, %d downloading)\n",
			pull.Percent, pull.CompletedLayers, pull.TotalLayers, pull.DownloadingLayers)
	default:
		fmt.Print(pull.Status)
		if pull.Message != "" {
			fmt.Printf(": %s", pull.Message)
		}
		fmt.Println()
	}
	return nil
}

func runEnvContainers(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	env, err := newEnvironment(cfg)
	if err != nil {
		return err
	}

	containers, err := env.ListContainers(cmd.Context())
	if err != nil {
		return err
	}
	if len(containers) == 0 {
		fmt.Println("No containers created from the training image")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATE\tSTATUS\tCREATED")
	for _, c := range containers {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			c.ID, c.Name, c.State, c.Status, humanize.Time(c.Created))
	}
	w.Flush()
	return nil
}

func runEnvCheckUpdate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	env, err := newEnvironment(cfg)
	if err != nil {
		return err
	}

	upd, err := env.CheckImageUpdate(cmd.Context())
	if err != nil {
		return err
	}
	if !upd.UpdateAvailable {
		fmt.Printf("%s is up to date\n", upd.Image)
		return nil
	}
	fmt.Printf("Update available for %s\n", upd.Image)
	fmt.Printf("  local:  %s\n", upd.CurrentDigest)
	fmt.Printf("  remote: %s\n", upd.RemoteDigest)
	return nil
}

func runRunsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRuns(runsLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No training runs recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMODEL\tSTATUS\tSTARTED\tLOSS")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.ModelName, r.Status, humanize.Time(r.StartedAt), fmtFloat(r.FinalLoss, "%.4f"))
	}
	w.Flush()
	return nil
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	run, err := store.GetRun(args[0])
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("run %s not found", args[0])
	}

	fmt.Printf("ID:         %s\n", run.ID)
	fmt.Printf("Model:      %s\n", run.ModelName)
	fmt.Printf("Base model: %s\n", run.BaseModel)
	fmt.Printf("Dataset:    %s\n", run.DatasetName)
	fmt.Printf("Status:     %s\n", run.Status)
	fmt.Printf("Started:    %s\n", run.StartedAt.Format(time.RFC3339))
	if run.CompletedAt != nil {
		fmt.Printf("Completed:  %s (after %s)\n",
			run.CompletedAt.Format(time.RFC3339), run.CompletedAt.Sub(run.StartedAt).Round(time.Second))
	}
	if run.FinalLoss != nil {
		fmt.Printf("Final loss: %.4f\n", *run.FinalLoss)
	}
	if run.TotalSteps > 0 {
		fmt.Printf("Steps:      %d\n", run.TotalSteps)
	}
	fmt.Printf("Output:     %s\n", run.OutputPath)
	if run.CheckpointPath != "" {
		fmt.Printf("Checkpoint: %s\n", run.CheckpointPath)
	}
	if run.ErrorMessage != "" {
		fmt.Printf("Error:      %s\n", run.ErrorMessage)
	}
	return nil
}

func runRunsMetrics(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	metrics, err := store.ListMetrics(args[0])
	if err != nil {
		return err
	}
	if len(metrics) == 0 {
		fmt.Println("No metrics recorded for this run")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STEP\tLOSS\tLR\tEPOCH\tTIME")
	for _, m := range metrics {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			m.Step, fmtFloat(m.Loss, "%.4f"), fmtFloat(m.LearningRate, "%.2e"),
			fmtFloat(m.Epoch, "%.2f"), m.Timestamp.Format("15:04:05"))
	}
	w.Flush()
	return nil
}

func runDatasetsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	datasets, err := store.ListDatasets()
	if err != nil {
		return err
	}

	registered := make(map[string]bool, len(datasets))
	for _, d := range datasets {
		registered[d.Name] = true
	}

	// Files dropped into the datasets dir while no server was watching are
	// not registered yet; show them anyway.
	var unregistered []string
	if entries, err := os.ReadDir(cfg.General.DatasetsDir); err == nil {
		for _, e := range entries {
			if e.IsDir() || registered[e.Name()] || !isDatasetFile(e.Name()) {
				continue
			}
			unregistered = append(unregistered, e.Name())
		}
	}

	if len(datasets) == 0 && len(unregistered) == 0 {
		fmt.Println("No datasets found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tROWS\tSIZE\tVALID\tSOURCE")
	for _, d := range datasets {
		rows := "-"
		if d.RowCount != nil {
			rows = strconv.Itoa(*d.RowCount)
		}
		valid := "no"
		if d.Validated {
			valid = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			d.Name, rows, humanize.Bytes(uint64(d.SizeBytes)), valid, d.Source)
	}
	for _, name := range unregistered {
		size := "-"
		if info, err := os.Stat(filepath.Join(cfg.General.DatasetsDir, name)); err == nil {
			size = humanize.Bytes(uint64(info.Size()))
		}
		fmt.Fprintf(w, "%s\t-\t%s\t-\tunregistered\n", name, size)
	}
	w.Flush()
	return nil
}

func runDatasetsValidate(cmd *cobra.Command, args []string) error {
	res := dataset.Validate(config.ExpandPath(args[0]))
	printValidation(res)
	if !res.Valid {
		return fmt.Errorf("dataset failed validation")
	}
	return nil
}

func runDatasetsImport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	src := config.ExpandPath(args[0])
	if abs, err := filepath.Abs(src); err == nil {
		src = abs
	}
	if !isDatasetFile(src) {
		return fmt.Errorf("unsupported dataset format: %s", filepath.Ext(src))
	}
	if _, err := os.Stat(src); err != nil {
		return err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	// Importing a file already in place must not truncate it mid-copy.
	dst := filepath.Join(cfg.General.DatasetsDir, filepath.Base(src))
	if src != dst {
		if err := copyFile(src, dst); err != nil {
			return err
		}
	}

	res := dataset.Validate(dst)
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.UpsertDataset(dataset.Record(dst, "import", res)); err != nil {
		return err
	}

	fmt.Printf("Imported %s\n", dst)
	printValidation(res)
	return nil
}

func runModelsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	models, err := store.ListModels()
	if err != nil {
		return err
	}
	if len(models) == 0 {
		fmt.Println("No fine-tuned models registered")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tBASE MODEL\tSIZE\tCREATED")
	for _, m := range models {
		base := m.BaseModel
		if base == "" {
			base = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			m.Name, base, humanize.Bytes(uint64(m.SizeBytes)), humanize.Time(m.CreatedAt))
	}
	w.Flush()
	return nil
}

func runModelsRemove(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	name := args[0]
	model, err := store.GetModel(name)
	if err != nil {
		return err
	}
	if model == nil {
		return fmt.Errorf("model %s not found", name)
	}
	if err := store.DeleteModel(name); err != nil {
		return err
	}

	// Container-side paths do not exist on the host; RemoveAll is a no-op
	// for those.
	if filepath.IsAbs(model.Path) && len(model.Path) > 1 {
		if err := os.RemoveAll(model.Path); err != nil {
			fmt.Fprintf(os.Stderr, "warning: could not remove %s: %v\n", model.Path, err)
		}
	}
	fmt.Printf("Deleted %s\n", name)
	return nil
}

func runModelsCatalog(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	env, err := newEnvironment(cfg)
	if err != nil {
		return err
	}

	for _, name := range env.BaseModelCatalog(cmd.Context()) {
		fmt.Println(name)
	}
	return nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	env, err := newEnvironment(cfg)
	if err != nil {
		return err
	}
	checker := preflight.New(cfg.General.WorkDir, env)

	ctx := cmd.Context()
	res := checker.Snapshot(ctx)
	fmt.Printf("CPU:  %d cores, %.0f%% used\n", res.CPU.Cores, res.CPU.UsagePct)
	fmt.Printf("RAM:  %.1f GB available of %.1f GB\n", res.RAM.AvailableGB, res.RAM.TotalGB)
	fmt.Printf("Disk: %.1f GB free of %.1f GB\n", res.Disk.FreeGB, res.Disk.TotalGB)
	if res.GPU.Available {
		fmt.Printf("GPU:  %s, %.0f MB free of %.0f MB\n",
			res.GPU.Name, res.GPU.MemoryFreeMB, res.GPU.MemoryTotalMB)
	} else {
		msg := res.GPU.Message
		if msg == "" {
			msg = "no GPU detected"
		}
		fmt.Printf("GPU:  not available: %s\n", msg)
	}

	report := checker.Check(ctx, checkDatasetMB, checkModelGB)
	fmt.Println()
	if report.Adequate {
		fmt.Println("Resources look adequate for training")
		return nil
	}
	for _, warning := range report.Warnings {
		fmt.Printf("warning: %s\n", warning)
	}
	for _, rec := range report.Recommendations {
		fmt.Printf("  hint: %s\n", rec)
	}
	return nil
}

func runScriptsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	metas, err := scripts.DefaultLoader(cfg.General.DataDir).List()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tDESCRIPTION")
	for _, m := range metas {
		fmt.Fprintf(w, "%s\t%s\t%s\n", m.ID, m.Name, m.Description)
	}
	w.Flush()
	return nil
}

func runTUI(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Attach to a running server when there is one so the dashboard sees
	// the server's training job; otherwise drive Docker directly.
	var client tui.Client
	if api := newAPIClient(serverBase(cfg)); api.healthy() {
		client = &apiTUIClient{api: api}
	} else {
		local, err := newLocalClient(cfg)
		if err != nil {
			return err
		}
		defer local.Close()
		client = local
	}

	p := tea.NewProgram(tui.NewModel(client), tea.WithAltScreen())
	_, err = p.Run()
	return err
}

func printValidation(res *dataset.Result) {
	for _, e := range res.Errors {
		fmt.Printf("error: %s\n", e)
	}
	for _, warning := range res.Warnings {
		fmt.Printf("warning: %s\n", warning)
	}
	if res.Stats != nil {
		fmt.Printf("Rows:       %d\n", res.Stats.RowCount)
		fmt.Printf("Fields:     %s\n", strings.Join(res.Stats.Fields, ", "))
		fmt.Printf("Text field: %s (length avg %.0f, min %d, max %d)\n",
			res.Stats.DetectedTextField, res.Stats.AvgTextLength,
			res.Stats.MinTextLength, res.Stats.MaxTextLength)
	}
	if res.Valid {
		fmt.Println("Dataset is valid")
	}
}

func fmtFloat(v *float64, format string) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf(format, *v)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
