package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"trendcast/internal/assembler"
	"trendcast/internal/cfg"
	"trendcast/internal/metrics"
	"trendcast/internal/scorer"
	"trendcast/internal/storage"
	"trendcast/internal/table"
	"trendcast/internal/trainer"
)

// Phases named in fatal errors and the errors metric.
const (
	phaseConfig   = "config"
	phaseClear    = "clear"
	phaseAssemble = "assemble"
	phaseTrain    = "train"
	phaseScore    = "score"
)

type cliFlags struct {
	runPercent float64
	clear      bool
	predict    bool
	reuse      bool
	configPath string
	seed       int64
	logLevel   string
	history    int
	set        map[string]bool
}

func parseFlags(fs *flag.FlagSet, args []string) (cliFlags, error) {
	var f cliFlags
	fs.Float64Var(&f.runPercent, "runpercent", 50, "Percentage of input files to sample for training")
	fs.BoolVar(&f.clear, "clear", false, "Clear the model and training data outputs before running")
	fs.BoolVar(&f.predict, "predict", false, "Score the input directory with the saved model instead of training")
	fs.BoolVar(&f.reuse, "reuse", false, "Reuse the existing training data if available")
	fs.StringVar(&f.configPath, "config", "", "Path to a YAML config file (defaults to $CONFIG_FILE)")
	fs.Int64Var(&f.seed, "seed", 0, "Seed for file sampling and per-date shuffling (0 seeds from the clock)")
	fs.StringVar(&f.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	fs.IntVar(&f.history, "history", 0, "Print the last N recorded runs and exit")
	if err := fs.Parse(args); err != nil {
		return f, err
	}
	// Only flags given on the command line override the config.
	f.set = map[string]bool{}
	fs.Visit(func(fl *flag.Flag) { f.set[fl.Name] = true })
	return f, nil
}

func applyFlags(s *cfg.Settings, f cliFlags) error {
	if f.set["runpercent"] {
		s.FileSelectionPercentage = f.runPercent
	}
	if f.set["seed"] {
		s.SampleSeed = f.seed
	}
	if f.set["log-level"] {
		s.LogLevel = f.logLevel
	}
	return s.Validate()
}

func setupLogging(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

func initializeStorage(s cfg.Settings) *storage.Store {
	if s.LedgerPath == "" {
		return nil
	}
	store, err := storage.New(s.LedgerPath)
	if err != nil {
		log.Warn().Err(err).Msg("run ledger initialization failed, continuing without history")
		return nil
	}
	return store
}

func main() {
	flags, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	settings, err := cfg.Load(flags.configPath)
	if err == nil {
		err = applyFlags(&settings, flags)
	}
	setupLogging(settings.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Str("phase", phaseConfig).Msg("config load failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	mw := metrics.NewWrapper(m)
	store := initializeStorage(settings)

	if flags.history > 0 {
		if store == nil {
			log.Fatal().Msg("run ledger is not available")
		}
		err := printHistory(os.Stdout, store, flags.history)
		store.Close()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to read run history")
		}
		return
	}

	fail := func(phase string, err error) {
		mw.ErrorInc(phase)
		if werr := m.WriteTextfile(settings.MetricsTextfile); werr != nil {
			log.Warn().Err(werr).Msg("failed to write metrics textfile")
		}
		if store != nil {
			store.Close()
		}
		log.Fatal().Err(err).Str("phase", phase).Msgf("%s failed", phase)
	}

	if flags.clear {
		if err := clearOutputs(settings); err != nil {
			fail(phaseClear, err)
		}
	}

	if flags.predict {
		if phase, err := runScore(ctx, settings, mw, store); err != nil {
			fail(phase, err)
		}
	} else {
		if phase, err := runTrain(ctx, settings, flags.reuse, mw, store); err != nil {
			fail(phase, err)
		}
	}

	if err := m.WriteTextfile(settings.MetricsTextfile); err != nil {
		log.Warn().Err(err).Msg("failed to write metrics textfile")
	}
	if store != nil {
		store.Close()
	}
}

func runTrain(ctx context.Context, s cfg.Settings, reuse bool, mw *metrics.MetricsWrapper, store *storage.Store) (string, error) {
	run := &storage.TrainingRun{StartedAt: time.Now().UTC(), Learner: s.Learner}

	res, err := assembler.Assemble(ctx, assembler.Options{
		InputDir:     s.InputDirectory,
		OutputDir:    s.DataOutputDirectory,
		Percentage:   s.FileSelectionPercentage,
		TargetColumn: s.TargetColumn,
		DateColumn:   s.DateColumn,
		Reuse:        reuse,
		Seed:         s.SampleSeed,
		Metrics:      mw,
	})
	if err != nil {
		return phaseAssemble, err
	}
	run.ReusedData = res.Reused
	run.FilesSelected = res.FilesSelected
	run.FilesAccepted = res.FilesAccepted
	run.RowsAssembled = res.Table.NumRows()

	report, err := trainer.Train(ctx, res.Table, trainer.Config{
		TargetColumn:           s.TargetColumn,
		DateColumn:             s.DateColumn,
		Learner:                s.LearnerConfig(),
		ConfidenceThresholdPos: s.Forest.ConfidenceThresholdPos,
		ConfidenceThresholdNeg: s.Forest.ConfidenceThresholdNeg,
		ModelDir:               s.ModelOutputDirectory,
		FeatureImportancePath:  s.FeatureImportanceOutput,
		ImportanceSeed:         s.Forest.RandomState,
		Metrics:                mw,
		ReportWriter:           os.Stdout,
	})
	if err != nil {
		return phaseTrain, err
	}

	run.TrainingRows = report.TrainingRows
	run.ValidationRows = report.ValidationRows
	run.Retained = report.Retained
	run.Abstained = report.Abstained
	run.Accuracy = report.Evaluation.Accuracy
	run.F1 = report.Evaluation.F1
	run.Precision = report.Evaluation.Precision
	run.Recall = report.Evaluation.Recall
	run.OOBScore = report.OOBScore
	run.ModelPath = report.ModelPath
	run.FinishedAt = time.Now().UTC()
	if store != nil {
		if err := store.RecordTraining(run); err != nil {
			log.Warn().Err(err).Msg("failed to record training run")
		}
	}
	return "", nil
}

func runScore(ctx context.Context, s cfg.Settings, mw *metrics.MetricsWrapper, store *storage.Store) (string, error) {
	started := time.Now().UTC()
	modelPath := trainer.ModelPath(s.ModelOutputDirectory)

	sum, err := scorer.Score(ctx, scorer.Options{
		InputDir:          s.InputDirectory,
		OutputDir:         s.PredictionOutputDirectory,
		ModelPath:         modelPath,
		TargetColumn:      s.TargetColumn,
		DateColumn:        s.DateColumn,
		Threshold:         s.PredictionThreshold,
		DriftPSIThreshold: s.DriftPSIThreshold,
		Metrics:           mw,
	})
	if err != nil {
		return phaseScore, err
	}

	if store != nil {
		run := &storage.ScoringRun{
			StartedAt:    started,
			FinishedAt:   time.Now().UTC(),
			ModelPath:    modelPath,
			FilesRemoved: sum.StaleRemoved,
			FilesScored:  sum.FilesScored,
			RowsScored:   sum.RowsScored,
			DriftAlerts:  len(sum.DriftAlerts),
		}
		if err := store.RecordScoring(run); err != nil {
			log.Warn().Err(err).Msg("failed to record scoring run")
		}
	}
	return "", nil
}

// clearOutputs removes the saved model, the consolidated training tables and
// the importance table. The run ledger is kept.
func clearOutputs(s cfg.Settings) error {
	for _, path := range []string{
		trainer.ModelPath(s.ModelOutputDirectory),
		s.FeatureImportanceOutput,
	} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", path, err)
		}
	}
	n, err := table.RemoveFiles(s.DataOutputDirectory)
	if err != nil {
		return fmt.Errorf("clear %s: %w", s.DataOutputDirectory, err)
	}
	log.Info().
		Str("model_dir", s.ModelOutputDirectory).
		Str("data_dir", filepath.Clean(s.DataOutputDirectory)).
		Int("tables_removed", n).
		Msg("Cleared model and data outputs")
	return nil
}

func printHistory(w io.Writer, store *storage.Store, n int) error {
	training, err := store.ListTrainingRuns(n)
	if err != nil {
		return err
	}
	scoring, err := store.ListScoringRuns(n)
	if err != nil {
		return err
	}

	fmt.Fprintln(w, "=== Training runs ===")
	for _, r := range training {
		oob := "-"
		if r.OOBScore != nil {
			oob = fmt.Sprintf("%.4f", *r.OOBScore)
		}
		fmt.Fprintf(w, "%s  %s  learner=%s rows=%d train=%d val=%d abstained=%d acc=%.4f f1=%.4f oob=%s\n",
			r.StartedAt.Format(time.RFC3339), r.ID, r.Learner, r.RowsAssembled,
			r.TrainingRows, r.ValidationRows, r.Abstained, r.Accuracy, r.F1, oob)
	}
	fmt.Fprintln(w, "=== Scoring runs ===")
	for _, r := range scoring {
		fmt.Fprintf(w, "%s  %s  files=%d rows=%d removed=%d drift_alerts=%d\n",
			r.StartedAt.Format(time.RFC3339), r.ID, r.FilesScored, r.RowsScored, r.FilesRemoved, r.DriftAlerts)
	}
	return nil
}
