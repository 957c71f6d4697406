package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/snarg/whisper-api/internal/logfanin"
	"github.com/snarg/whisper-api/internal/task"
)

type Config struct {
	APIPort   int    `env:"API_PORT" envDefault:"3001"`
	APIListen string `env:"API_LISTEN" envDefault:"127.0.0.1"`

	LoadModelOnStartup bool           `env:"LOAD_MODEL_ON_STARTUP" envDefault:"true"`
	UnloadModelAfterS  int            `env:"UNLOAD_MODEL_AFTER_S" envDefault:"0"` // 0 disables idle eviction
	UseGPUIfAvailable  bool           `env:"USE_GPU_IF_AVAILABLE" envDefault:"true"`
	MaxModel           task.ModelSize `env:"MAX_MODEL"`
	CPUFallbackModel   task.ModelSize `env:"CPU_FALLBACK_MODEL" envDefault:"base"`
	DevelopMode        bool           `env:"DEVELOP_MODE" envDefault:"false"`

	DeleteResultsAfterM   int  `env:"DELETE_RESULTS_AFTER_M" envDefault:"60"`
	RefreshExpirationTime bool `env:"REFRESH_EXPIRATION_TIME_ON_USAGE" envDefault:"true"`
	RunResultExpiryCheckM int  `env:"RUN_RESULT_EXPIRY_CHECK_M" envDefault:"5"`
	MaxTaskQueueSize      int  `env:"MAX_TASK_QUEUE_SIZE" envDefault:"128"`

	AuthorizedMails []string `env:"AUTHORIZED_MAILS" envSeparator:","`

	ASRURL      string `env:"ASR_URL" envDefault:"http://127.0.0.1:8000/v1/audio"`
	ASRTimeoutS int    `env:"ASR_TIMEOUT_S" envDefault:"600"`
	// ASRGPUMemory is the accelerator memory behind the ASR server in
	// bytes; 0 means no accelerator.
	ASRGPUMemory uint64 `env:"ASR_GPU_MEMORY" envDefault:"0"`

	LogDir                 string `env:"LOG_DIR"`
	LogFile                string `env:"LOG_FILE" envDefault:"events.log"`
	LogLevel               string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat              string `env:"LOG_FORMAT" envDefault:"json"` // json or console
	LogDateFormat          string `env:"LOG_DATE_FORMAT"`              // Go time layout, empty keeps the logger default
	LogRotationWhen        string `env:"LOG_ROTATION_WHEN" envDefault:"midnight"`
	LogRotationInterval    int    `env:"LOG_ROTATION_INTERVAL" envDefault:"1"`
	LogRotationBackupCount int    `env:"LOG_ROTATION_BACKUP_COUNT" envDefault:"7"`
	LogPrivacyMode         bool   `env:"LOG_PRIVACY_MODE" envDefault:"false"`
}

// Load reads configuration from an optional .env file and the environment.
// Invalid values are a startup error: the process must exit non-zero.
func Load() (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load(".env")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if _, err := task.ParseModelSize(string(c.MaxModel)); err != nil {
		return fmt.Errorf("config: MAX_MODEL: %w", err)
	}
	if c.CPUFallbackModel == "" {
		return fmt.Errorf("config: CPU_FALLBACK_MODEL must be set")
	}
	if _, err := task.ParseModelSize(string(c.CPUFallbackModel)); err != nil {
		return fmt.Errorf("config: CPU_FALLBACK_MODEL: %w", err)
	}
	if c.DeleteResultsAfterM <= 0 {
		return fmt.Errorf("config: DELETE_RESULTS_AFTER_M must be positive, got %d", c.DeleteResultsAfterM)
	}
	if c.MaxTaskQueueSize < 1 {
		return fmt.Errorf("config: MAX_TASK_QUEUE_SIZE must be >= 1, got %d", c.MaxTaskQueueSize)
	}
	if c.UnloadModelAfterS < 0 {
		return fmt.Errorf("config: UNLOAD_MODEL_AFTER_S must not be negative, got %d", c.UnloadModelAfterS)
	}
	if c.ASRTimeoutS <= 0 {
		return fmt.Errorf("config: ASR_TIMEOUT_S must be positive, got %d", c.ASRTimeoutS)
	}
	if _, err := logfanin.RotationInterval(c.LogRotationWhen, c.LogRotationInterval); err != nil {
		return fmt.Errorf("config: LOG_ROTATION_WHEN: %w", err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "console":
	default:
		return fmt.Errorf("config: LOG_FORMAT must be json or console, got %q", c.LogFormat)
	}
	return nil
}

// ListenAddr is the host:port the HTTP server binds.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.APIListen, c.APIPort)
}

// ResultTTL is the registry expiration window.
func (c *Config) ResultTTL() time.Duration {
	return time.Duration(c.DeleteResultsAfterM) * time.Minute
}

// SweepInterval is the registry's background sweeper interval; zero
// disables the background sweeper.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.RunResultExpiryCheckM) * time.Minute
}

// UnloadModelAfter is the decoder idle-eviction timeout. Zero means idle
// eviction is disabled.
func (c *Config) UnloadModelAfter() time.Duration {
	return time.Duration(c.UnloadModelAfterS) * time.Second
}

// ASRTimeout bounds a single inference request against the ASR server.
func (c *Config) ASRTimeout() time.Duration {
	return time.Duration(c.ASRTimeoutS) * time.Second
}

// ConsoleLog reports whether stdout logging uses the human-readable
// console format instead of JSON.
func (c *Config) ConsoleLog() bool {
	return strings.ToLower(c.LogFormat) == "console"
}

// LogPath is the log file location honoring LOG_DIR.
func (c *Config) LogPath() string {
	if c.LogDir == "" {
		return c.LogFile
	}
	return c.LogDir + string(os.PathSeparator) + c.LogFile
}

// MailAuthorized reports whether the given address may access gated
// endpoints. An empty allowlist authorizes nobody.
func (c *Config) MailAuthorized(mail string) bool {
	mail = strings.TrimSpace(strings.ToLower(mail))
	if mail == "" {
		return false
	}
	for _, m := range c.AuthorizedMails {
		if strings.TrimSpace(strings.ToLower(m)) == mail {
			return true
		}
	}
	return false
}
