package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
)

const (
	// BackendGeneric selects the backend that cannot take checkpoints of the store.
	BackendGeneric = "generic"
	// BackendCheckpoint selects the backend that takes full checkpoints of current/.
	BackendCheckpoint = "checkpoint"

	// EnvPrefix is the prefix of environment variables overriding the file configuration.
	EnvPrefix = "filestore"
)

// ErrInvalidConfiguration is returned when the configuration fails validation.
var ErrInvalidConfiguration = errors.New("invalid configuration")

// Cfg is the configuration of the object store.
type Cfg struct {
	// BasePath is the directory holding the superblock, current/ and the checkpoints.
	BasePath string `toml:"base_path" envconfig:"base_path"`
	// JournalPath is the directory of the journal. Journaling is disabled if empty.
	JournalPath string `toml:"journal_path" envconfig:"journal_path"`
	// Backend is the file system backend, one of "generic" or "checkpoint".
	Backend string `toml:"backend" envconfig:"backend"`
	// FDCacheSize is the number of open object files kept around.
	FDCacheSize int `toml:"fd_cache_size" envconfig:"fd_cache_size"`
	// MaxAllocHintSize caps the size passed to allocation hints.
	MaxAllocHintSize uint64 `toml:"max_alloc_hint_size" envconfig:"max_alloc_hint_size"`
	// UseStaleSnap allows rolling back to the newest checkpoint even if current/ was written
	// without checkpoints since.
	UseStaleSnap bool `toml:"use_stale_snap" envconfig:"use_stale_snap"`
	// PrometheusListenAddr is the address the metrics endpoint listens on. Disabled if empty.
	PrometheusListenAddr string `toml:"prometheus_listen_addr" envconfig:"prometheus_listen_addr"`

	Journal Journal `toml:"journal"`
	Sync    Sync    `toml:"sync"`
	Threads Threads `toml:"threads"`
	Queue   Queue   `toml:"queue"`
	Logging Logging `toml:"logging"`
}

// Journal configures the journal mode and its throttle. At most one mode may be enabled. If none
// is, the mode is chosen at mount time from the backend's capabilities.
type Journal struct {
	Writeahead bool `toml:"writeahead" envconfig:"writeahead"`
	Parallel   bool `toml:"parallel" envconfig:"parallel"`
	Trailing   bool `toml:"trailing" envconfig:"trailing"`
	// MaxBytes bounds the bytes of journal entries that are not yet trimmed.
	MaxBytes int64 `toml:"max_bytes" envconfig:"max_bytes"`
	// FullRatio is the share of MaxBytes above which the journal asks for an early commit.
	FullRatio float64 `toml:"full_ratio" envconfig:"full_ratio"`
}

// Sync configures the commit loop.
type Sync struct {
	MinInterval   Duration `toml:"min_interval" envconfig:"min_interval"`
	MaxInterval   Duration `toml:"max_interval" envconfig:"max_interval"`
	CommitTimeout Duration `toml:"commit_timeout" envconfig:"commit_timeout"`
}

// Threads configures the worker pool and the finishers.
type Threads struct {
	Op              int `toml:"op" envconfig:"op"`
	OndiskFinishers int `toml:"ondisk_finishers" envconfig:"ondisk_finishers"`
	ApplyFinishers  int `toml:"apply_finishers" envconfig:"apply_finishers"`
}

// Queue configures the submission throttle.
type Queue struct {
	MaxOps   int64 `toml:"max_ops" envconfig:"max_ops"`
	MaxBytes int64 `toml:"max_bytes" envconfig:"max_bytes"`
	// HighWater is the share of the limits at which submissions start blocking.
	HighWater float64 `toml:"high_water" envconfig:"high_water"`
	// LowWater is the share of the limits usage must drop to before blocked submissions
	// are admitted again.
	LowWater float64 `toml:"low_water" envconfig:"low_water"`
}

// Logging configures the process logger.
type Logging struct {
	Format string `toml:"format" envconfig:"format"`
	Level  string `toml:"level" envconfig:"level"`
}

// Default returns a configuration with all defaults set for the given base path.
func Default(basePath string) Cfg {
	cfg := Cfg{BasePath: basePath}
	cfg.setDefaults()
	return cfg
}

// Load reads the TOML configuration from the reader, applies environment overrides and defaults
// and validates the result.
func Load(file io.Reader) (Cfg, error) {
	var cfg Cfg

	if err := toml.NewDecoder(file).DisallowUnknownFields().Decode(&cfg); err != nil {
		return Cfg{}, fmt.Errorf("decode toml: %w", err)
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Cfg{}, fmt.Errorf("process environment: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return Cfg{}, err
	}

	return cfg, nil
}

// LoadFile loads the configuration from the file at path.
func LoadFile(path string) (Cfg, error) {
	file, err := os.Open(path)
	if err != nil {
		return Cfg{}, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	return Load(file)
}

func (cfg *Cfg) setDefaults() {
	if cfg.Backend == "" {
		cfg.Backend = BackendGeneric
	}

	if cfg.FDCacheSize == 0 {
		cfg.FDCacheSize = 128
	}

	if cfg.MaxAllocHintSize == 0 {
		cfg.MaxAllocHintSize = 1 << 20
	}

	if cfg.Journal.MaxBytes == 0 {
		cfg.Journal.MaxBytes = 32 << 20
	}

	if cfg.Journal.FullRatio == 0 {
		cfg.Journal.FullRatio = 0.5
	}

	if cfg.Sync.MinInterval == 0 {
		cfg.Sync.MinInterval = Duration(10 * time.Millisecond)
	}

	if cfg.Sync.MaxInterval == 0 {
		cfg.Sync.MaxInterval = Duration(5 * time.Second)
	}

	if cfg.Sync.CommitTimeout == 0 {
		cfg.Sync.CommitTimeout = Duration(10 * time.Minute)
	}

	if cfg.Threads.Op == 0 {
		cfg.Threads.Op = 2
	}

	if cfg.Threads.OndiskFinishers == 0 {
		cfg.Threads.OndiskFinishers = 1
	}

	if cfg.Threads.ApplyFinishers == 0 {
		cfg.Threads.ApplyFinishers = 1
	}

	if cfg.Queue.MaxOps == 0 {
		cfg.Queue.MaxOps = 50
	}

	if cfg.Queue.MaxBytes == 0 {
		cfg.Queue.MaxBytes = 100 << 20
	}

	if cfg.Queue.HighWater == 0 {
		cfg.Queue.HighWater = 1
	}

	if cfg.Queue.LowWater == 0 {
		cfg.Queue.LowWater = 0.6
	}
}

// Validate checks the configuration for mistakes that must be caught before mounting.
func (cfg Cfg) Validate() error {
	var errs []error

	if cfg.BasePath == "" {
		errs = append(errs, errors.New("base_path is not set"))
	}

	switch cfg.Backend {
	case BackendGeneric, BackendCheckpoint:
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", cfg.Backend))
	}

	modes := 0
	for _, enabled := range []bool{cfg.Journal.Writeahead, cfg.Journal.Parallel, cfg.Journal.Trailing} {
		if enabled {
			modes++
		}
	}
	if modes > 1 {
		errs = append(errs, errors.New("more than one journal mode enabled"))
	}

	if cfg.Journal.FullRatio <= 0 || cfg.Journal.FullRatio > 1 {
		errs = append(errs, fmt.Errorf("journal full_ratio %v out of range (0, 1]", cfg.Journal.FullRatio))
	}

	if cfg.Journal.MaxBytes <= 0 {
		errs = append(errs, errors.New("journal max_bytes must be positive"))
	}

	if cfg.Sync.MinInterval > cfg.Sync.MaxInterval {
		errs = append(errs, fmt.Errorf("sync min_interval %s exceeds max_interval %s",
			cfg.Sync.MinInterval.Duration(), cfg.Sync.MaxInterval.Duration()))
	}

	if cfg.Sync.CommitTimeout <= 0 {
		errs = append(errs, errors.New("sync commit_timeout must be positive"))
	}

	if cfg.Threads.Op <= 0 || cfg.Threads.OndiskFinishers <= 0 || cfg.Threads.ApplyFinishers <= 0 {
		errs = append(errs, errors.New("thread counts must be positive"))
	}

	if cfg.Queue.MaxOps <= 0 || cfg.Queue.MaxBytes <= 0 {
		errs = append(errs, errors.New("queue limits must be positive"))
	}

	if cfg.Queue.LowWater > cfg.Queue.HighWater {
		errs = append(errs, fmt.Errorf("queue low_water %v exceeds high_water %v", cfg.Queue.LowWater, cfg.Queue.HighWater))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfiguration, errors.Join(errs...))
	}

	return nil
}
