package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmallek/preftune/internal/config"
	"github.com/jmallek/preftune/internal/finetune"
	"github.com/jmallek/preftune/internal/format"
	"github.com/jmallek/preftune/internal/hub"
	"github.com/jmallek/preftune/internal/metrics"
	"github.com/jmallek/preftune/internal/pipeline"
	"github.com/jmallek/preftune/internal/runstate"
	"github.com/jmallek/preftune/internal/writer"
	"github.com/jmallek/preftune/pkg/models"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	configPath string
	envFile    string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "preftune",
		Short: "Preftune - Preference Dataset Converter and Fine-Tuning Driver",
		Long: `Preftune converts preference datasets (prompt, chosen, rejected triples)
into the JSONL schemas a fine-tuning service expects, uploads the results,
and drives DPO and follow-up supervised training jobs against them.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.toml", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to environment file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	convertCmd := &cobra.Command{
		Use:   "convert",
		Short: "Convert raw preference rows into training files",
		Long: `Convert the configured dataset into fine-tuning JSONL files:
one preference-format file and one supervised-format file per split,
written into a new timestamped session directory.`,
		RunE: runConvert,
	}

	uploadCmd := &cobra.Command{
		Use:   "upload <session-dir>",
		Short: "Upload a session's training files to the fine-tuning service",
		Args:  cobra.ExactArgs(1),
		RunE:  runUpload,
	}

	trainCmd := &cobra.Command{
		Use:   "train <session-dir>",
		Short: "Submit training jobs for a session's uploaded files",
		Long: `Submit the DPO job for a session's uploaded preference files. When the
supervised follow-up is enabled and the DPO job has finished, a second
invocation submits the supervised job starting from the DPO model.`,
		Args: cobra.ExactArgs(1),
		RunE: runTrain,
	}

	statusCmd := &cobra.Command{
		Use:   "status <session-dir>",
		Short: "Refresh and display the training jobs of a session",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus,
	}

	rootCmd.AddCommand(convertCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(trainCmd)
	rootCmd.AddCommand(statusCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup performs the shared startup sequence: env file, config, session
// directory, logger. sessionName is empty for convert (new session) and a
// validated session directory name for the later stages.
func setup(sessionName string) (*config.Config, *config.Secrets, *writer.SessionManager, *slog.Logger, *os.File, error) {
	if envFile != "" {
		if err := loadEnvFile(envFile); err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Warning: failed to load env file: %v\n", err)
		}
	}

	cfg, secrets, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}

	sessionMgr, err := writer.NewSessionManager(slog.Default(), sessionName)
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("failed to open session: %w", err)
	}

	logger, logFile, err := writer.SetupLogger(sessionMgr, logLevel)
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("failed to setup logger: %w", err)
	}

	return cfg, secrets, sessionMgr, logger, logFile, nil
}

func closeLogFile(logFile *os.File) {
	if logFile != nil {
		_ = logFile.Sync()
		_ = logFile.Close()
	}
}

func runConvert(cmd *cobra.Command, args []string) error {
	cfg, secrets, sessionMgr, logger, logFile, err := setup("")
	if err != nil {
		return err
	}
	defer closeLogFile(logFile)

	logger.Info("Preftune starting",
		"version", Version,
		"config", configPath,
		"session_dir", sessionMgr.GetSessionDir())

	if err := sessionMgr.BackupConfig(configPath); err != nil {
		return fmt.Errorf("failed to backup config: %w", err)
	}

	collector := metrics.NewCollector(logger)

	columns := format.Columns{
		Prompt:   cfg.Dataset.PromptColumn,
		Chosen:   cfg.Dataset.ChosenColumn,
		Rejected: cfg.Dataset.RejectedColumn,
	}

	var src pipeline.Source
	switch cfg.Dataset.Source {
	case "file":
		paths := make(map[models.Split]string, len(cfg.Dataset.Files))
		for split, path := range cfg.Dataset.Files {
			paths[models.Split(split)] = path
		}
		src = &hub.FileSource{Paths: paths, Columns: columns, Logger: logger}
	default:
		client := hub.NewClient(secrets.HubToken, cfg.Dataset.RateLimitPerMinute, logger, collector)
		src = &hub.Dataset{
			Client:   client,
			RepoID:   cfg.Dataset.RepoID,
			Config:   cfg.Dataset.Config,
			Columns:  columns,
			PageSize: cfg.Dataset.PageSize,
		}
	}

	stateMgr := runstate.NewManager(sessionMgr.GetSessionDir(), logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := pipeline.Options{
		RequireNonemptyPrompt: cfg.Dataset.RequireNonemptyPrompt,
		ShowProgress:          true,
	}

	report, err := pipeline.Convert(ctx, logger, stateMgr.State().RunID, src, sessionMgr, cfg.SplitNames(), collector, opts)
	if err != nil {
		if ctx.Err() == context.Canceled {
			logger.Warn("Conversion interrupted", "session_dir", sessionMgr.GetSessionDir())
			return fmt.Errorf("conversion interrupted")
		}
		return fmt.Errorf("conversion failed: %w", err)
	}

	if err := stateMgr.Save(); err != nil {
		return fmt.Errorf("failed to save run state: %w", err)
	}

	var written, skipped int
	for _, s := range report.Splits {
		written += s.Stats.PreferenceWritten + s.Stats.SupervisedWritten
		skipped += s.Stats.Skipped
	}

	logger.Info("Conversion complete",
		"splits", len(report.Splits),
		"records_written", written,
		"records_skipped", skipped,
		"session_dir", sessionMgr.GetSessionDir())

	fmt.Printf("Session: %s\n", filepath.Base(sessionMgr.GetSessionDir()))
	fmt.Printf("Next: preftune upload %s\n", filepath.Base(sessionMgr.GetSessionDir()))
	return nil
}

func runUpload(cmd *cobra.Command, args []string) error {
	sessionDir := args[0]
	if err := writer.ValidateSessionPath(sessionDir); err != nil {
		return fmt.Errorf("invalid session directory: %w", err)
	}

	cfg, secrets, sessionMgr, logger, logFile, err := setup(sessionDir)
	if err != nil {
		return err
	}
	defer closeLogFile(logFile)

	if secrets.FinetuneAPIKey == "" {
		return fmt.Errorf("FINETUNE_API_KEY environment variable must be set for uploads")
	}

	stateMgr, err := runstate.LoadOrCreate(sessionMgr.GetSessionDir(), logger)
	if err != nil {
		return fmt.Errorf("failed to load run state: %w", err)
	}

	collector := metrics.NewCollector(logger)
	client := finetune.NewClient(
		cfg.Finetune.BaseURL,
		secrets.FinetuneAPIKey,
		time.Duration(cfg.Finetune.HTTPTimeoutSeconds)*time.Second,
		logger,
		collector,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	uploaded := 0
	for _, split := range cfg.SplitNames() {
		for _, datasetFormat := range []models.DatasetFormat{models.FormatPreference, models.FormatSFT} {
			path := sessionMgr.GetDatasetPath(datasetFormat, split)
			if _, err := os.Stat(path); os.IsNotExist(err) {
				logger.Warn("Dataset file missing, skipping", "path", path)
				continue
			}

			if _, ok := stateMgr.FileID(datasetFormat, split); ok {
				logger.Info("File already uploaded, skipping", "format", datasetFormat, "split", split)
				continue
			}

			if cfg.Finetune.ValidateOnUpload {
				count, err := finetune.ValidateDatasetFile(path, datasetFormat)
				if err != nil {
					return fmt.Errorf("validation failed for %s: %w", path, err)
				}
				logger.Info("Validated dataset file", "path", path, "records", count)
			}

			file, err := client.UploadFile(ctx, path)
			if err != nil {
				return fmt.Errorf("upload failed for %s: %w", path, err)
			}

			stateMgr.AddFile(runstate.FileRef{
				ID:         file.ID,
				Path:       path,
				Format:     datasetFormat,
				Split:      split,
				Bytes:      file.Bytes,
				UploadedAt: time.Now(),
			})
			if err := stateMgr.Save(); err != nil {
				return fmt.Errorf("failed to save run state: %w", err)
			}
			uploaded++
		}
	}

	logger.Info("Upload complete", "files_uploaded", uploaded)
	fmt.Printf("Uploaded %d file(s).\n", uploaded)
	fmt.Printf("Next: preftune train %s\n", sessionDir)
	return nil
}

func runTrain(cmd *cobra.Command, args []string) error {
	sessionDir := args[0]
	if err := writer.ValidateSessionPath(sessionDir); err != nil {
		return fmt.Errorf("invalid session directory: %w", err)
	}

	cfg, secrets, sessionMgr, logger, logFile, err := setup(sessionDir)
	if err != nil {
		return err
	}
	defer closeLogFile(logFile)

	if secrets.FinetuneAPIKey == "" {
		return fmt.Errorf("FINETUNE_API_KEY environment variable must be set for training")
	}

	stateMgr, err := runstate.Load(sessionMgr.GetSessionDir(), logger)
	if err != nil {
		return fmt.Errorf("failed to load run state (run upload first): %w", err)
	}

	collector := metrics.NewCollector(logger)
	client := finetune.NewClient(
		cfg.Finetune.BaseURL,
		secrets.FinetuneAPIKey,
		time.Duration(cfg.Finetune.HTTPTimeoutSeconds)*time.Second,
		logger,
		collector,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dpoJob, haveDPO := stateMgr.JobByMethod("dpo")
	if !haveDPO {
		return submitDPOJob(ctx, cfg, client, stateMgr, logger)
	}

	// A DPO job exists: refresh its status, then decide whether the
	// supervised follow-up can be submitted.
	job, err := client.GetJob(ctx, dpoJob.ID)
	if err != nil {
		return fmt.Errorf("failed to refresh job %s: %w", dpoJob.ID, err)
	}
	stateMgr.UpdateJob(job.ID, job.Status, job.FineTunedModel)
	if err := stateMgr.Save(); err != nil {
		return fmt.Errorf("failed to save run state: %w", err)
	}

	logger.Info("DPO job status", "job_id", job.ID, "status", job.Status)

	if !cfg.Finetune.SFT.Enabled {
		fmt.Printf("DPO job %s: %s\n", job.ID, job.Status)
		return nil
	}

	if _, haveSFT := stateMgr.JobByMethod("supervised"); haveSFT {
		fmt.Println("Supervised job already submitted. Use status to track it.")
		return nil
	}

	switch job.Status {
	case finetune.StatusSucceeded:
		return submitSFTJob(ctx, cfg, client, stateMgr, job, logger)
	case finetune.StatusFailed, finetune.StatusCancelled:
		return fmt.Errorf("DPO job %s ended with status %s, not submitting supervised job", job.ID, job.Status)
	default:
		fmt.Printf("DPO job %s is %s. Re-run train once it has succeeded to submit the supervised job.\n", job.ID, job.Status)
		return nil
	}
}

func submitDPOJob(ctx context.Context, cfg *config.Config, client *finetune.Client, stateMgr *runstate.Manager, logger *slog.Logger) error {
	trainFile, ok := stateMgr.FileID(models.FormatPreference, models.SplitTrain)
	if !ok {
		return fmt.Errorf("no uploaded preference training file found (run upload first)")
	}
	validationFile, _ := stateMgr.FileID(models.FormatPreference, models.SplitValidation)

	jobReq := finetune.JobRequest{
		Model:          cfg.Finetune.Model,
		TrainingFile:   trainFile,
		ValidationFile: validationFile,
		Suffix:         cfg.Finetune.Suffix,
		Method: &finetune.Method{
			Type: "dpo",
			DPO: &finetune.MethodDPO{
				Hyperparameters: finetune.DPOHyperparameters{
					Beta:                   cfg.Finetune.DPO.Beta,
					NEpochs:                cfg.Finetune.DPO.Epochs,
					NCheckpoints:           cfg.Finetune.DPO.Checkpoints,
					LearningRateMultiplier: cfg.Finetune.DPO.LearningRateMultiplier,
				},
			},
		},
	}

	job, err := client.CreateJob(ctx, jobReq)
	if err != nil {
		return fmt.Errorf("failed to create DPO job: %w", err)
	}

	stateMgr.AddJob(runstate.JobRef{
		ID:             job.ID,
		Method:         "dpo",
		Status:         job.Status,
		Model:          job.Model,
		TrainingFile:   trainFile,
		ValidationFile: validationFile,
		SubmittedAt:    time.Now(),
	})
	if err := stateMgr.Save(); err != nil {
		return fmt.Errorf("failed to save run state: %w", err)
	}

	logger.Info("Submitted DPO job", "job_id", job.ID, "model", job.Model, "status", job.Status)
	fmt.Printf("DPO job submitted: %s\n", job.ID)
	return nil
}

func submitSFTJob(ctx context.Context, cfg *config.Config, client *finetune.Client, stateMgr *runstate.Manager, dpoJob *finetune.Job, logger *slog.Logger) error {
	trainFile, ok := stateMgr.FileID(models.FormatSFT, models.SplitTrain)
	if !ok {
		return fmt.Errorf("no uploaded supervised training file found (run upload first)")
	}
	validationFile, _ := stateMgr.FileID(models.FormatSFT, models.SplitValidation)

	model := cfg.Finetune.Model
	if cfg.Finetune.SFT.FromDPOModel {
		if dpoJob.FineTunedModel == "" {
			return fmt.Errorf("DPO job %s succeeded but reported no fine-tuned model", dpoJob.ID)
		}
		model = dpoJob.FineTunedModel
	}

	jobReq := finetune.JobRequest{
		Model:          model,
		TrainingFile:   trainFile,
		ValidationFile: validationFile,
		Suffix:         cfg.Finetune.Suffix,
		Method: &finetune.Method{
			Type: "supervised",
			Supervised: &finetune.MethodSupervised{
				Hyperparameters: finetune.Hyperparameters{
					NEpochs:                cfg.Finetune.SFT.Epochs,
					LearningRateMultiplier: cfg.Finetune.SFT.LearningRateMultiplier,
				},
			},
		},
	}

	job, err := client.CreateJob(ctx, jobReq)
	if err != nil {
		return fmt.Errorf("failed to create supervised job: %w", err)
	}

	stateMgr.AddJob(runstate.JobRef{
		ID:             job.ID,
		Method:         "supervised",
		Status:         job.Status,
		Model:          model,
		TrainingFile:   trainFile,
		ValidationFile: validationFile,
		SubmittedAt:    time.Now(),
	})
	if err := stateMgr.Save(); err != nil {
		return fmt.Errorf("failed to save run state: %w", err)
	}

	logger.Info("Submitted supervised job", "job_id", job.ID, "base_model", model, "status", job.Status)
	fmt.Printf("Supervised job submitted: %s (base model %s)\n", job.ID, model)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	sessionDir := args[0]
	if err := writer.ValidateSessionPath(sessionDir); err != nil {
		return fmt.Errorf("invalid session directory: %w", err)
	}

	cfg, secrets, sessionMgr, logger, logFile, err := setup(sessionDir)
	if err != nil {
		return err
	}
	defer closeLogFile(logFile)

	if secrets.FinetuneAPIKey == "" {
		return fmt.Errorf("FINETUNE_API_KEY environment variable must be set")
	}

	stateMgr, err := runstate.Load(sessionMgr.GetSessionDir(), logger)
	if err != nil {
		return fmt.Errorf("failed to load run state: %w", err)
	}

	collector := metrics.NewCollector(logger)
	client := finetune.NewClient(
		cfg.Finetune.BaseURL,
		secrets.FinetuneAPIKey,
		time.Duration(cfg.Finetune.HTTPTimeoutSeconds)*time.Second,
		logger,
		collector,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	state := stateMgr.State()
	if len(state.Jobs) == 0 {
		fmt.Println("No jobs submitted for this session yet.")
		return nil
	}

	fmt.Printf("Run %s\n", state.RunID)
	fmt.Println(strings.Repeat("=", 80))

	for i := range state.Jobs {
		ref := state.Jobs[i]
		job, err := client.GetJob(ctx, ref.ID)
		if err != nil {
			fmt.Printf("%-12s %s  (refresh failed: %v)\n", ref.Method, ref.ID, err)
			continue
		}
		stateMgr.UpdateJob(job.ID, job.Status, job.FineTunedModel)

		fmt.Printf("%-12s %s\n", ref.Method, job.ID)
		fmt.Printf("  Status:           %s\n", job.Status)
		fmt.Printf("  Base Model:       %s\n", job.Model)
		if job.FineTunedModel != "" {
			fmt.Printf("  Fine-Tuned Model: %s\n", job.FineTunedModel)
		}
		if job.TrainedTokens > 0 {
			fmt.Printf("  Trained Tokens:   %d\n", job.TrainedTokens)
		}
		if job.Error != nil && job.Error.Message != "" {
			fmt.Printf("  Error:            %s (%s)\n", job.Error.Message, job.Error.Code)
		}

		if job.Status == finetune.StatusSucceeded {
			checkpoints, err := client.ListCheckpoints(ctx, job.ID)
			if err != nil {
				logger.Warn("Failed to list checkpoints", "job_id", job.ID, "error", err)
			} else if len(checkpoints) > 0 {
				fmt.Println("  Checkpoints:")
				for _, cp := range checkpoints {
					fmt.Printf("    step %-6d %s\n", cp.StepNumber, cp.FineTunedModelCheckpoint)
				}
			}
		}
		fmt.Println()
	}

	if err := stateMgr.Save(); err != nil {
		return fmt.Errorf("failed to save run state: %w", err)
	}

	return nil
}

// loadEnvFile loads KEY=VALUE pairs from a file into the environment
func loadEnvFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = trimQuotes(strings.TrimSpace(value))
		if err := os.Setenv(key, value); err != nil {
			return err
		}
	}

	return nil
}

func trimQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
