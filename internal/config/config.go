package config

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultListenAddr     = ":8080"
	defaultDBPath         = "compose-runner.db"
	defaultComputeCommand = "nimare-compose"
	defaultHTTPTimeout    = 60 * time.Second

	// Environment variable names. Viper keys are the lower-cased forms.
	EnvStateMachineARN = "STATE_MACHINE_ARN"
	EnvResultsBucket   = "RESULTS_BUCKET"
	EnvResultsPrefix   = "RESULTS_PREFIX"
	EnvNSCKey          = "NSC_KEY"
	EnvNVKey           = "NV_KEY"
	EnvAWSRegion       = "AWS_REGION"
	EnvS3Endpoint      = "COMPOSE_S3_ENDPOINT"
	EnvListenAddr      = "COMPOSE_LISTEN_ADDR"
	EnvLogLevel        = "COMPOSE_LOG_LEVEL"
	EnvDBPath          = "COMPOSE_DB_PATH"
	EnvWorkDir         = "COMPOSE_WORK_DIR"
	EnvComputeCommand  = "COMPOSE_COMPUTE_COMMAND"
	EnvSnapshotPolicy  = "COMPOSE_SNAPSHOT_POLICY"
	EnvHTTPTimeout     = "COMPOSE_HTTP_TIMEOUT"
	EnvComposeURL      = "COMPOSE_API_URL"
	EnvStoreURL        = "STORE_API_URL"
	EnvNeuroVaultURL   = "NEUROVAULT_API_URL"
	EnvLambdaHandler   = "COMPOSE_LAMBDA_HANDLER"
)

// Snapshot policies for the run driver.
const (
	SnapshotNone  = "none"
	SnapshotLocal = "local"
)

// ErrMissingStateMachine is returned by Validate when no workflow engine is configured.
var ErrMissingStateMachine = errors.New(EnvStateMachineARN + " environment variable must be set")

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	LogLevel   slog.Level
	DBPath     string

	// Workflow engine and results location.
	StateMachineARN string
	ResultsBucket   string
	ResultsPrefix   string
	AWSRegion       string
	S3Endpoint      string

	// Default upload credentials used when a request carries none.
	NSCKey string
	NVKey  string

	// Run driver settings.
	WorkDir        string
	ComputeCommand string
	SnapshotPolicy string
	HTTPTimeout    time.Duration

	// Document source overrides. Empty means "use the environment default".
	ComposeURL    string
	StoreURL      string
	NeuroVaultURL string

	LambdaHandler string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	return LoadFrom(viper.New())
}

// LoadFrom reads configuration through v so callers can bind command-line
// flags before loading. Environment variables are always consulted.
func LoadFrom(v *viper.Viper) Config {
	v.SetDefault(key(EnvListenAddr), defaultListenAddr)
	v.SetDefault(key(EnvDBPath), defaultDBPath)
	v.SetDefault(key(EnvLogLevel), "info")
	v.SetDefault(key(EnvComputeCommand), defaultComputeCommand)
	v.SetDefault(key(EnvSnapshotPolicy), SnapshotNone)
	v.SetDefault(key(EnvHTTPTimeout), defaultHTTPTimeout)
	v.AutomaticEnv()

	cfg := Config{
		ListenAddr:      v.GetString(key(EnvListenAddr)),
		LogLevel:        parseLogLevel(v.GetString(key(EnvLogLevel))),
		DBPath:          v.GetString(key(EnvDBPath)),
		StateMachineARN: v.GetString(key(EnvStateMachineARN)),
		ResultsBucket:   v.GetString(key(EnvResultsBucket)),
		ResultsPrefix:   v.GetString(key(EnvResultsPrefix)),
		AWSRegion:       v.GetString(key(EnvAWSRegion)),
		S3Endpoint:      v.GetString(key(EnvS3Endpoint)),
		NSCKey:          v.GetString(key(EnvNSCKey)),
		NVKey:           v.GetString(key(EnvNVKey)),
		WorkDir:         v.GetString(key(EnvWorkDir)),
		ComputeCommand:  v.GetString(key(EnvComputeCommand)),
		SnapshotPolicy:  strings.ToLower(v.GetString(key(EnvSnapshotPolicy))),
		HTTPTimeout:     v.GetDuration(key(EnvHTTPTimeout)),
		ComposeURL:      v.GetString(key(EnvComposeURL)),
		StoreURL:        v.GetString(key(EnvStoreURL)),
		NeuroVaultURL:   v.GetString(key(EnvNeuroVaultURL)),
		LambdaHandler:   strings.ToLower(v.GetString(key(EnvLambdaHandler))),
	}
	if cfg.SnapshotPolicy != SnapshotLocal {
		cfg.SnapshotPolicy = SnapshotNone
	}
	return cfg
}

// Validate checks the settings the gateways cannot start without.
func (c Config) Validate() error {
	if strings.TrimSpace(c.StateMachineARN) == "" {
		return ErrMissingStateMachine
	}
	return nil
}

// Key returns the viper key for an environment variable name, for binding flags.
func Key(env string) string {
	return key(env)
}

func key(env string) string {
	return strings.ToLower(env)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
