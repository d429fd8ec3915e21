package cfg

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"trendcast/internal/common"
	"trendcast/internal/ml"
	"trendcast/internal/ml/boost"
	"trendcast/internal/ml/forest"
)

type Settings struct {
	InputDirectory            string         `yaml:"input_directory"`
	ModelOutputDirectory      string         `yaml:"model_output_directory"`
	DataOutputDirectory       string         `yaml:"data_output_directory"`
	PredictionOutputDirectory string         `yaml:"prediction_output_directory"`
	FeatureImportanceOutput   string         `yaml:"feature_importance_output"`
	FileSelectionPercentage   float64        `yaml:"file_selection_percentage"`
	TargetColumn              string         `yaml:"target_column"`
	DateColumn                string         `yaml:"date_column"`
	SampleSeed                int64          `yaml:"sample_seed"`
	PredictionThreshold       float64        `yaml:"prediction_threshold"`
	Learner                   string         `yaml:"learner"`
	LedgerPath                string         `yaml:"ledger_path"`
	MetricsTextfile           string         `yaml:"metrics_textfile"`
	DriftPSIThreshold         float64        `yaml:"drift_psi_threshold"`
	LogLevel                  string         `yaml:"log_level"`
	Forest                    ForestSettings `yaml:"forest"`
	Boost                     boost.Params   `yaml:"boost"`
}

// ForestSettings are the random forest hyperparameters plus the two
// confidence thresholds used on the validation tail.
type ForestSettings struct {
	NEstimators            int             `yaml:"n_estimators"`
	Criterion              string          `yaml:"criterion"`
	MaxDepth               int             `yaml:"max_depth"`
	MinSamplesSplit        int             `yaml:"min_samples_split"`
	MinSamplesLeaf         int             `yaml:"min_samples_leaf"`
	MinWeightFractionLeaf  float64         `yaml:"min_weight_fraction_leaf"`
	MaxFeatures            float64         `yaml:"max_features"`
	MaxLeafNodes           int             `yaml:"max_leaf_nodes"`
	MinImpurityDecrease    float64         `yaml:"min_impurity_decrease"`
	Bootstrap              bool            `yaml:"bootstrap"`
	OOBScore               bool            `yaml:"oob_score"`
	RandomState            int64           `yaml:"random_state"`
	Verbose                int             `yaml:"verbose"`
	WarmStart              bool            `yaml:"warm_start"`
	ClassWeight            map[int]float64 `yaml:"class_weight"`
	CCPAlpha               float64         `yaml:"ccp_alpha"`
	MaxSamples             float64         `yaml:"max_samples"`
	NJobs                  int             `yaml:"n_jobs"`
	ConfidenceThresholdPos float64         `yaml:"confidence_threshold_pos"`
	ConfidenceThresholdNeg float64         `yaml:"confidence_threshold_neg"`
}

// Params converts the settings into learner hyperparameters.
func (f ForestSettings) Params() forest.Params {
	weights := make(map[int]float64, len(f.ClassWeight))
	for k, v := range f.ClassWeight {
		weights[k] = v
	}
	return forest.Params{
		NEstimators:           f.NEstimators,
		Criterion:             f.Criterion,
		MaxDepth:              f.MaxDepth,
		MinSamplesSplit:       f.MinSamplesSplit,
		MinSamplesLeaf:        f.MinSamplesLeaf,
		MinWeightFractionLeaf: f.MinWeightFractionLeaf,
		MaxFeatures:           f.MaxFeatures,
		MaxLeafNodes:          f.MaxLeafNodes,
		MinImpurityDecrease:   f.MinImpurityDecrease,
		Bootstrap:             f.Bootstrap,
		MaxSamples:            f.MaxSamples,
		OOBScore:              f.OOBScore,
		RandomState:           f.RandomState,
		ClassWeight:           weights,
		CCPAlpha:              f.CCPAlpha,
		Verbose:               f.Verbose,
		WarmStart:             f.WarmStart,
		NJobs:                 f.NJobs,
	}
}

// LearnerConfig selects and parameterises the classifier.
func (s Settings) LearnerConfig() ml.LearnerConfig {
	return ml.LearnerConfig{
		Kind:   ml.Learner(s.Learner),
		Forest: s.Forest.Params(),
		Boost:  s.Boost,
	}
}

// Defaults returns the built-in configuration.
func Defaults() Settings {
	return Settings{
		InputDirectory:            common.DefaultInputDirectory,
		ModelOutputDirectory:      common.DefaultModelOutputDirectory,
		DataOutputDirectory:       common.DefaultDataOutputDirectory,
		PredictionOutputDirectory: common.DefaultPredictionDirectory,
		FeatureImportanceOutput:   common.DefaultFeatureImportanceFile,
		FileSelectionPercentage:   common.DefaultFileSelectionPercent,
		TargetColumn:              common.DefaultTargetColumn,
		DateColumn:                common.DefaultDateColumn,
		PredictionThreshold:       common.DefaultPredictionThreshold,
		Learner:                   common.DefaultLearner,
		LedgerPath:                common.DefaultLedgerPath,
		DriftPSIThreshold:         common.DefaultDriftPSIThreshold,
		LogLevel:                  "info",
		Forest: ForestSettings{
			NEstimators:            128,
			Criterion:              forest.Entropy,
			MaxDepth:               15,
			MinSamplesSplit:        8,
			MinSamplesLeaf:         4,
			MaxFeatures:            0.10,
			Bootstrap:              true,
			RandomState:            3301,
			Verbose:                2,
			ClassWeight:            map[int]float64{0: 1.0, 1: 1.5},
			ConfidenceThresholdPos: common.DefaultConfidenceThreshold,
			ConfidenceThresholdNeg: common.DefaultConfidenceThreshold,
		},
		Boost: boost.DefaultParams(),
	}
}

// Load builds the settings from defaults, an optional YAML file and
// environment overrides, then validates them. path wins over CONFIG_FILE.
func Load(path string) (Settings, error) {
	settings := Defaults()

	if path == "" {
		path = os.Getenv(common.EnvConfigFile)
	}
	if path != "" {
		if err := loadFromYAML(path, &settings); err != nil {
			return Settings{}, err
		}
	}

	applyEnv(&settings)

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return settings, nil
}

// loadFromYAML decodes the file over the current values so keys left out
// keep their defaults.
func loadFromYAML(path string, settings *Settings) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	// A class_weight mapping in the file replaces the default one instead of
	// being merged into it.
	defaultWeights := settings.Forest.ClassWeight
	settings.Forest.ClassWeight = nil

	if err := yaml.Unmarshal(data, settings); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	if settings.Forest.ClassWeight == nil {
		settings.Forest.ClassWeight = defaultWeights
	}
	return nil
}

func applyEnv(s *Settings) {
	s.InputDirectory = getEnvOrDefault(common.EnvInputDirectory, s.InputDirectory)
	s.ModelOutputDirectory = getEnvOrDefault(common.EnvModelOutputDirectory, s.ModelOutputDirectory)
	s.DataOutputDirectory = getEnvOrDefault(common.EnvDataOutputDirectory, s.DataOutputDirectory)
	s.PredictionOutputDirectory = getEnvOrDefault(common.EnvPredictionDirectory, s.PredictionOutputDirectory)
	s.FeatureImportanceOutput = getEnvOrDefault(common.EnvFeatureImportanceFile, s.FeatureImportanceOutput)
	s.FileSelectionPercentage = getFloatOrDefault(common.EnvFileSelectionPercent, s.FileSelectionPercentage)
	s.TargetColumn = getEnvOrDefault(common.EnvTargetColumn, s.TargetColumn)
	s.DateColumn = getEnvOrDefault(common.EnvDateColumn, s.DateColumn)
	s.SampleSeed = getInt64OrDefault(common.EnvSampleSeed, s.SampleSeed)
	s.PredictionThreshold = getFloatOrDefault(common.EnvPredictionThreshold, s.PredictionThreshold)
	s.Learner = getEnvOrDefault(common.EnvLearner, s.Learner)
	s.LedgerPath = getEnvOrDefault(common.EnvLedgerPath, s.LedgerPath)
	s.MetricsTextfile = getEnvOrDefault(common.EnvMetricsTextfile, s.MetricsTextfile)
	s.DriftPSIThreshold = getFloatOrDefault(common.EnvDriftPSIThreshold, s.DriftPSIThreshold)
	s.LogLevel = getEnvOrDefault(common.EnvLogLevel, s.LogLevel)
	s.Forest.NEstimators = getIntOrDefault(common.EnvNEstimators, s.Forest.NEstimators)
	s.Forest.RandomState = getInt64OrDefault(common.EnvRandomState, s.Forest.RandomState)
}

// Validate re-checks the settings after callers applied overrides.
func (s *Settings) Validate() error {
	return validateSettings(s)
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getInt64OrDefault(key string, defaultValue int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// validateSettings checks ranges and required values.
func validateSettings(settings *Settings) error {
	dirs := map[string]string{
		"input_directory":             settings.InputDirectory,
		"model_output_directory":      settings.ModelOutputDirectory,
		"data_output_directory":       settings.DataOutputDirectory,
		"prediction_output_directory": settings.PredictionOutputDirectory,
		"feature_importance_output":   settings.FeatureImportanceOutput,
	}
	for key, v := range dirs {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("%s cannot be empty", key)
		}
	}
	if settings.TargetColumn == "" || settings.DateColumn == "" {
		return errors.New("target_column and date_column are required")
	}
	if settings.TargetColumn == settings.DateColumn {
		return fmt.Errorf("target_column and date_column must differ, both are %q", settings.TargetColumn)
	}

	if settings.FileSelectionPercentage < 0 || settings.FileSelectionPercentage > 100 {
		return fmt.Errorf("file selection percentage must be between 0 and 100, got %v", settings.FileSelectionPercentage)
	}
	if settings.PredictionThreshold < 0.5 || settings.PredictionThreshold > 1 {
		return fmt.Errorf("prediction threshold must be between 0.5 and 1, got %f", settings.PredictionThreshold)
	}
	if settings.DriftPSIThreshold < 0 {
		return fmt.Errorf("drift PSI threshold cannot be negative, got %f", settings.DriftPSIThreshold)
	}

	switch ml.Learner(settings.Learner) {
	case ml.RandomForest, ml.GradientBoosting:
	default:
		return fmt.Errorf("learner must be %q or %q, got %q", ml.RandomForest, ml.GradientBoosting, settings.Learner)
	}

	f := settings.Forest
	if f.NEstimators < 1 {
		return fmt.Errorf("n_estimators must be at least 1, got %d", f.NEstimators)
	}
	switch f.Criterion {
	case forest.Gini, forest.Entropy, forest.LogLoss:
	default:
		return fmt.Errorf("criterion must be gini, entropy or log_loss, got %q", f.Criterion)
	}
	if f.MaxDepth < 0 || f.MaxLeafNodes < 0 {
		return errors.New("max_depth and max_leaf_nodes cannot be negative")
	}
	if f.MaxLeafNodes == 1 {
		return errors.New("max_leaf_nodes must be at least 2 when set")
	}
	if f.MinSamplesSplit < 2 {
		return fmt.Errorf("min_samples_split must be at least 2, got %d", f.MinSamplesSplit)
	}
	if f.MinSamplesLeaf < 1 {
		return fmt.Errorf("min_samples_leaf must be at least 1, got %d", f.MinSamplesLeaf)
	}
	if f.MinWeightFractionLeaf < 0 || f.MinWeightFractionLeaf > 0.5 {
		return fmt.Errorf("min_weight_fraction_leaf must be between 0 and 0.5, got %f", f.MinWeightFractionLeaf)
	}
	if f.MaxFeatures < 0 || f.MaxFeatures > 1 {
		return fmt.Errorf("max_features must be a fraction between 0 and 1, got %f", f.MaxFeatures)
	}
	if f.MinImpurityDecrease < 0 || f.CCPAlpha < 0 {
		return errors.New("min_impurity_decrease and ccp_alpha cannot be negative")
	}
	if f.MaxSamples < 0 {
		return fmt.Errorf("max_samples cannot be negative, got %f", f.MaxSamples)
	}
	if f.MaxSamples > 0 && !f.Bootstrap {
		return errors.New("max_samples requires bootstrap")
	}
	if f.OOBScore && !f.Bootstrap {
		return errors.New("oob_score requires bootstrap")
	}
	for class, w := range f.ClassWeight {
		if class != 0 && class != 1 {
			return fmt.Errorf("class_weight has unknown class %d", class)
		}
		if w <= 0 {
			return fmt.Errorf("class_weight for class %d must be positive, got %f", class, w)
		}
	}
	for name, th := range map[string]float64{
		"confidence_threshold_pos": f.ConfidenceThresholdPos,
		"confidence_threshold_neg": f.ConfidenceThresholdNeg,
	} {
		if th < 0.5 || th > 1 {
			return fmt.Errorf("%s must be between 0.5 and 1, got %f", name, th)
		}
	}

	b := settings.Boost
	if b.Rounds < 1 || b.LearningRate <= 0 || b.MaxDepth < 1 {
		return fmt.Errorf("boost settings must be positive, got rounds=%d learning_rate=%f max_depth=%d", b.Rounds, b.LearningRate, b.MaxDepth)
	}
	return nil
}
