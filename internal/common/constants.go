package common

// Environment variable keys
const (
	EnvConfigFile            = "CONFIG_FILE"
	EnvInputDirectory        = "TRENDCAST_INPUT_DIRECTORY"
	EnvModelOutputDirectory  = "TRENDCAST_MODEL_OUTPUT_DIRECTORY"
	EnvDataOutputDirectory   = "TRENDCAST_DATA_OUTPUT_DIRECTORY"
	EnvPredictionDirectory   = "TRENDCAST_PREDICTION_OUTPUT_DIRECTORY"
	EnvFeatureImportanceFile = "TRENDCAST_FEATURE_IMPORTANCE_OUTPUT"
	EnvFileSelectionPercent  = "TRENDCAST_FILE_SELECTION_PERCENTAGE"
	EnvTargetColumn          = "TRENDCAST_TARGET_COLUMN"
	EnvDateColumn            = "TRENDCAST_DATE_COLUMN"
	EnvSampleSeed            = "TRENDCAST_SAMPLE_SEED"
	EnvPredictionThreshold   = "TRENDCAST_PREDICTION_THRESHOLD"
	EnvLearner               = "TRENDCAST_LEARNER"
	EnvLedgerPath            = "TRENDCAST_LEDGER_PATH"
	EnvMetricsTextfile       = "TRENDCAST_METRICS_TEXTFILE"
	EnvDriftPSIThreshold     = "TRENDCAST_DRIFT_PSI_THRESHOLD"
	EnvNEstimators           = "TRENDCAST_N_ESTIMATORS"
	EnvRandomState           = "TRENDCAST_RANDOM_STATE"
	EnvLogLevel              = "TRENDCAST_LOG_LEVEL"
)

// Configuration defaults
const (
	DefaultInputDirectory        = "Data/IndicatorData"
	DefaultModelOutputDirectory  = "Data/ModelData"
	DefaultDataOutputDirectory   = "Data/ModelData/TrainingData"
	DefaultPredictionDirectory   = "Data/RFpredictions"
	DefaultFeatureImportanceFile = "Data/ModelData/FeatureImportances/feature_importance.parquet"
	DefaultLedgerPath            = "Data/ModelData/runs.db"
	DefaultFileSelectionPercent  = 50.0
	DefaultTargetColumn          = "percent_change_Close"
	DefaultDateColumn            = "Date"
	DefaultPredictionThreshold   = 0.62
	DefaultConfidenceThreshold   = 0.62
	DefaultDriftPSIThreshold     = 0.25
	DefaultLearner               = "random_forest"
)

// Canonical artifact names
const (
	TrainingDataFile = "training_data.parquet"
	ModelFile        = "random_forest_model.json.gz"
)

// Columns appended by the scorer and written by the importance table
const (
	ColumnUpProbability = "UpProbability"
	ColumnUpPrediction  = "UpPrediction"
	ColumnFeature       = "feature"
	ColumnImportance    = "importance"
)

// Assembly bounds
const (
	// MinInputRows is the row count a file must exceed to be assembled.
	MinInputRows = 50
	// EdgeRowsDropped rows are removed from each end of every file.
	EdgeRowsDropped = 2
	MaxAbsTarget    = 10000.0
	// ValidationFraction is the trailing share of rows held out.
	ValidationFraction = 0.1
)
