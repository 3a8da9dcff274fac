// config.go: settings struct for the collabsync migration engine and the
// functions to load them from file, environment and flags.
package conf

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// LogConfig contains settings for a rotated log file.
type LogConfig struct {
	Enabled    bool   // true to enable this log
	Path       string // path to the log file
	MaxSizeMB  int    // rotate after the file exceeds this size
	MaxBackups int    // number of rotated files to keep
	MaxAgeDays int    // drop rotated files older than this
}

// MainSettings contains process-level settings.
type MainSettings struct {
	Name string    // name of this node, used in log records
	Log  LogConfig // engine log file settings
}

// JobStoreSettings contains settings for the on-disk job store.
type JobStoreSettings struct {
	Root string // directory holding one JSON document per job
}

// EngineSettings contains settings shared by the migrator and the cleanup
// engine.
type EngineSettings struct {
	BatchSize          int           // items fetched and processed per batch
	Concurrency        int           // simultaneous outbound calls within a batch
	HeartbeatInterval  time.Duration // how often a running job stamps its heartbeat
	StalenessThreshold time.Duration // heartbeat silence after which a job is stale
	PauseWaitTimeout   time.Duration // how long a pause request waits for the engine
	StopOnError        bool          // abort the run on the first item failure
}

// PlatformSettings contains settings for the remote collaboration-platform
// API client.
type PlatformSettings struct {
	BaseURL           string        // API base URL
	Token             string        // bearer token for API auth
	Timeout           time.Duration // per-request timeout
	RequestsPerSecond float64       // client-side rate limit
	Burst             int           // rate limiter burst size
	FailureLogPath    string        // JSONL file receiving per-item failure detail
}

// TelemetrySettings contains settings for the Prometheus scrape endpoint
// exposed while a job runs.
type TelemetrySettings struct {
	Enabled bool   // true to expose metrics over HTTP
	Listen  string // listen address for the metrics endpoint
}

// Settings contains all runtime settings for the engine.
type Settings struct {
	Debug bool // true to enable debug output

	Main      MainSettings
	JobStore  JobStoreSettings
	Engine    EngineSettings
	Platform  PlatformSettings
	Telemetry TelemetrySettings
}

var (
	settingsInstance *Settings
	once             sync.Once
	settingsMutex    sync.RWMutex
)

// Load reads the configuration from disk and environment and returns the
// populated settings. The first successful call caches the instance.
func Load() (*Settings, error) {
	var loadErr error
	once.Do(func() {
		settings := &Settings{}

		initViper()

		if err := viper.Unmarshal(settings); err != nil {
			loadErr = fmt.Errorf("error unmarshaling config: %w", err)
			return
		}

		settingsMutex.Lock()
		settingsInstance = settings
		settingsMutex.Unlock()
	})
	if loadErr != nil {
		return nil, loadErr
	}
	return Setting(), nil
}

// initViper wires config file locations, environment and defaults.
func initViper() {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	configPaths := configSearchPaths()
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	viper.SetEnvPrefix("COLLABSYNC")
	viper.AutomaticEnv()

	setDefaultConfig()

	// A missing config file is fine, defaults and environment apply.
	_ = viper.ReadInConfig()
}

// configSearchPaths returns the directories searched for config.yaml, in
// precedence order.
func configSearchPaths() []string {
	paths := []string{"."}
	if configDir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(configDir, "collabsync"))
	}
	return paths
}

// Setting returns the current settings instance, loading it if needed.
func Setting() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// GetSettings is an alias of Setting kept for call-site readability.
func GetSettings() *Settings {
	return Setting()
}

// Validate checks settings that the engine cannot default its way around.
func (s *Settings) Validate() error {
	if s.JobStore.Root == "" {
		return fmt.Errorf("jobstore.root must not be empty")
	}
	if s.Engine.BatchSize <= 0 {
		return fmt.Errorf("engine.batchsize must be positive, got %d", s.Engine.BatchSize)
	}
	if s.Engine.Concurrency <= 0 {
		return fmt.Errorf("engine.concurrency must be positive, got %d", s.Engine.Concurrency)
	}
	if s.Engine.StalenessThreshold < s.Engine.HeartbeatInterval {
		return fmt.Errorf("engine.stalenessthreshold (%s) must not be below engine.heartbeatinterval (%s)",
			s.Engine.StalenessThreshold, s.Engine.HeartbeatInterval)
	}
	return nil
}
