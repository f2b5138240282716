package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/tendant/transcript-pipeline/internal/stages"
)

// Config is the service configuration read from the environment
type Config struct {
	HTTPAddr string

	// SystemDatabaseURL is the DBOS system database; required by the durable service
	SystemDatabaseURL string
	// DatabaseURL holds records, history, dedupe and the bus. Defaults to SystemDatabaseURL.
	DatabaseURL        string
	AppName            string
	QueueName          string
	QueueConcurrency   int
	ApplicationVersion string

	UploadPrefix string

	WorkerBaseURL string
	// WorkerURLs overrides the endpoint of individual stages
	WorkerURLs    map[stages.Name]string
	WorkerTimeout time.Duration

	RunTimeout            time.Duration
	DiarizeConcurrency    int
	TranscribeConcurrency int

	HistoryLookback        int
	RecordingsIndexEnabled bool

	// StorageDir is where the standalone binary keeps uploaded recordings
	StorageDir       string
	BusChannelPrefix string
}

// stageEnv names the per-stage worker URL variables, WORKER_URL_<suffix>
var stageEnv = map[stages.Name]string{
	stages.ExtractAudio:       "EXTRACT_AUDIO",
	stages.ChunkAudio:         "CHUNK_AUDIO",
	stages.DiarizeChunks:      "DIARIZE_CHUNKS",
	stages.MergeSpeakers:      "MERGE_SPEAKERS",
	stages.SplitBySpeaker:     "SPLIT_BY_SPEAKER",
	stages.TranscribeSegments: "TRANSCRIBE_SEGMENTS",
	stages.AggregateResults:   "AGGREGATE_RESULTS",
	stages.LLMAnalysis:        "LLM_ANALYSIS",
}

// Load reads a .env file if present, then the environment
func Load() (Config, error) {
	// Load .env file if it exists (silently ignore if not found)
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from getenv and applies defaults
func FromEnv(getenv func(string) string) (Config, error) {
	cfg := Config{
		HTTPAddr:           getenv("PIPELINE_HTTP_ADDR"),
		SystemDatabaseURL:  getenv("DBOS_SYSTEM_DATABASE_URL"),
		DatabaseURL:        getenv("DATABASE_URL"),
		AppName:            getenv("DBOS_APP_NAME"),
		QueueName:          getenv("DBOS_QUEUE_NAME"),
		ApplicationVersion: getenv("DBOS_APPLICATION_VERSION"),
		UploadPrefix:       getenv("UPLOAD_PREFIX"),
		WorkerBaseURL:      getenv("WORKER_BASE_URL"),
		WorkerURLs:         make(map[stages.Name]string),
		StorageDir:         getenv("STORAGE_DIR"),
		BusChannelPrefix:   getenv("BUS_CHANNEL_PREFIX"),
	}

	for stage, suffix := range stageEnv {
		if url := getenv("WORKER_URL_" + suffix); url != "" {
			cfg.WorkerURLs[stage] = url
		}
	}

	var errs []error
	cfg.WorkerTimeout = duration(getenv, "WORKER_TIMEOUT", &errs)
	cfg.RunTimeout = duration(getenv, "RUN_TIMEOUT", &errs)
	cfg.DiarizeConcurrency = integer(getenv, "DIARIZE_CONCURRENCY", &errs)
	cfg.TranscribeConcurrency = integer(getenv, "TRANSCRIBE_CONCURRENCY", &errs)
	cfg.HistoryLookback = integer(getenv, "HISTORY_LOOKBACK", &errs)
	cfg.QueueConcurrency = integer(getenv, "DBOS_QUEUE_CONCURRENCY", &errs)

	cfg.RecordingsIndexEnabled = true
	if v := getenv("RECORDINGS_INDEX_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("RECORDINGS_INDEX_ENABLED: %w", err))
		}
		cfg.RecordingsIndexEnabled = enabled
	}

	cfg.WithDefaults()
	return cfg, errors.Join(errs...)
}

// WithDefaults fills in default values for optional fields
func (c *Config) WithDefaults() {
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8081"
	}
	if c.DatabaseURL == "" {
		c.DatabaseURL = c.SystemDatabaseURL
	}
	if c.AppName == "" {
		c.AppName = "transcript-pipeline"
	}
	if c.QueueName == "" {
		c.QueueName = "default"
	}
	if c.QueueConcurrency <= 0 {
		c.QueueConcurrency = 4
	}
	if c.UploadPrefix == "" {
		c.UploadPrefix = "uploads/"
	}
	if c.WorkerBaseURL == "" {
		c.WorkerBaseURL = "http://localhost:9000"
	}
	if c.WorkerTimeout <= 0 {
		c.WorkerTimeout = 15 * time.Minute
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 12 * time.Hour
	}
	if c.DiarizeConcurrency <= 0 {
		c.DiarizeConcurrency = 5
	}
	if c.TranscribeConcurrency <= 0 {
		c.TranscribeConcurrency = 10
	}
	if c.HistoryLookback <= 0 {
		c.HistoryLookback = 20
	}
	if c.StorageDir == "" {
		c.StorageDir = "./dev-data"
	}
	if c.BusChannelPrefix == "" {
		c.BusChannelPrefix = "transcript_pipeline"
	}
}

// ValidateDurable checks the settings the durable service cannot run without
func (c Config) ValidateDurable() error {
	if c.SystemDatabaseURL == "" {
		return errors.New("DBOS_SYSTEM_DATABASE_URL is required")
	}
	return nil
}

func duration(getenv func(string) string, key string, errs *[]error) time.Duration {
	v := getenv(key)
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return 0
	}
	return d
}

func integer(getenv func(string) string, key string, errs *[]error) int {
	v := getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return 0
	}
	return n
}
