package config

import (
	"path/filepath"
	"runtime"
	"time"

	"github.com/OFFIS-RIT/tabgraph/internal/storage"
	"github.com/OFFIS-RIT/tabgraph/internal/util"
)

const (
	DefaultChunkSize  = 1000
	DefaultRetries    = 3
	DefaultRetryDelay = 5 * time.Second
)

// Settings are the runtime parameters shared by every dataset of a process.
type Settings struct {
	Debug       bool
	LogFormat   string
	DataRoot    string
	CacheURI    string
	CachePrefix string
	// TaskCache enables memoization of extract and load results.
	TaskCache       bool
	Retries         int
	RetryDelay      time.Duration
	ChunkSize       int
	ParallelSources int
	ParallelBatches int
	DatabaseURL     string
	AMQPURL         string
	AMQPExchange    string
	S3              storage.S3Params
}

// DefaultSettings returns the settings used when no environment is set.
func DefaultSettings() Settings {
	return Settings{
		LogFormat:       "text",
		DataRoot:        filepath.Join(".", "data"),
		CacheURI:        "memory://",
		CachePrefix:     "tabgraph:1",
		TaskCache:       true,
		Retries:         DefaultRetries,
		RetryDelay:      DefaultRetryDelay,
		ChunkSize:       DefaultChunkSize,
		ParallelSources: runtime.NumCPU(),
		ParallelBatches: runtime.NumCPU(),
		AMQPExchange:    "tabgraph",
		S3:              storage.S3Params{Region: "us-east-1"},
	}
}

// SettingsFromEnv reads the settings from the environment, falling back to
// DefaultSettings for unset variables.
func SettingsFromEnv() Settings {
	d := DefaultSettings()
	s := Settings{
		Debug:           util.GetEnvBool("DEBUG", d.Debug),
		LogFormat:       util.GetEnvString("LOG_FORMAT", d.LogFormat),
		DataRoot:        util.GetEnvString("DATA_ROOT", d.DataRoot),
		CacheURI:        util.GetEnvString("CACHE_URI", d.CacheURI),
		CachePrefix:     util.GetEnvString("CACHE_PREFIX", d.CachePrefix),
		TaskCache:       util.GetEnvBool("TASK_CACHE", d.TaskCache),
		Retries:         util.GetEnvInt("TASK_RETRIES", d.Retries),
		RetryDelay:      util.GetEnvDuration("TASK_RETRY_DELAY", d.RetryDelay),
		ChunkSize:       util.GetEnvInt("CHUNK_SIZE", d.ChunkSize),
		ParallelSources: util.GetEnvInt("PARALLEL_SOURCES", d.ParallelSources),
		ParallelBatches: util.GetEnvInt("PARALLEL_BATCHES", d.ParallelBatches),
		DatabaseURL:     util.GetEnv("DATABASE_URL"),
		AMQPURL:         util.GetEnv("AMQP_URL"),
		AMQPExchange:    util.GetEnvString("AMQP_EXCHANGE", d.AMQPExchange),
		S3:              storage.S3ParamsFromEnv(),
	}
	return s.normalize()
}

func (s Settings) normalize() Settings {
	d := DefaultSettings()
	if s.ChunkSize < 1 {
		s.ChunkSize = d.ChunkSize
	}
	if s.Retries < 0 {
		s.Retries = 0
	}
	if s.RetryDelay < 0 {
		s.RetryDelay = 0
	}
	if s.ParallelSources < 1 {
		s.ParallelSources = 1
	}
	if s.ParallelBatches < 1 {
		s.ParallelBatches = 1
	}
	return s
}

// RetryPolicy is the retry policy every stage uses.
func (s Settings) RetryPolicy() util.Policy {
	return util.NewPolicy(s.Retries, s.RetryDelay)
}
