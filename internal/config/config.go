package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/kelseyhightower/envconfig"
)

// ByteSize is a size read from a human readable value such as "512MB" or "32KiB".
type ByteSize int64

// Decode implements envconfig.Decoder.
func (b *ByteSize) Decode(value string) error {
	n, err := humanize.ParseBytes(value)
	if err != nil {
		return fmt.Errorf("invalid byte size %q: %w", value, err)
	}

	*b = ByteSize(n)

	return nil
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// Config struct for environment variables.
type Config struct {
	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`
	DownloadsFile     string `envconfig:"DOWNLOADS_FILE"`
	MaxParallel       int    `envconfig:"MAX_PARALLEL" default:"5"`

	// Finished downloads stay readable through the API for KeepFinishedFor.
	KeepFinishedFor time.Duration `envconfig:"KEEP_FINISHED_FOR" default:"24h"`
	CleanupInterval time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`

	AcceptNonSuccessStatus bool `envconfig:"ACCEPT_NON_SUCCESS_STATUS" default:"false"`
	// MaxBufferSize caps the body kept in memory per download. 0 disables the cap.
	MaxBufferSize ByteSize `envconfig:"MAX_BUFFER_SIZE" default:"512MiB"`

	Transport struct {
		MaxIdleConnsPerHost int           `split_words:"true" default:"8"`
		IdleConnTimeout     time.Duration `split_words:"true" default:"90s"`
		InactivityTimeout   time.Duration `split_words:"true" default:"60s"`
		ChunkSize           ByteSize      `split_words:"true" default:"32KiB"`
		UserAgent           string        `split_words:"true" default:"download_service/1.0"`
	}

	Telemetry struct {
		Enabled        bool          `default:"true"`
		ServiceName    string        `split_words:"true" default:"download_service"`
		OTLPEndpoint   string        `split_words:"true"`
		ExportInterval time.Duration `split_words:"true" default:"1m"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9091"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if cfg.MaxParallel <= 0 {
		return nil, fmt.Errorf("MAX_PARALLEL must be positive, got %d", cfg.MaxParallel)
	}

	if cfg.CleanupInterval <= 0 {
		return nil, fmt.Errorf("CLEANUP_INTERVAL must be positive, got %s", cfg.CleanupInterval)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
