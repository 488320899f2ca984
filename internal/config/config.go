package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the Kati call client.
type Config struct {
	BindAddr         string
	BackendURL       string
	StateDir         string
	MetricsNamespace string
	ShutdownTimeout  time.Duration
	HTTPTimeout      time.Duration

	AllowAnyOrigin bool

	// Call-loop timing. These were hard-coded in the original web client;
	// here they are named settings with the observed values as defaults.
	SilenceTimeout   time.Duration
	CallStartDelay   time.Duration
	CallRestartDelay time.Duration

	CaptureSource string
	CaptureFormat string
	Player        string

	FFmpegPath        string
	FFmpegInputFormat string
	FFmpegInputDevice string
	FFplayPath        string
	SampleRate        int

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("KATI_BIND_ADDR", ":8090"),
		BackendURL:       envOrDefault("KATI_BACKEND_URL", "http://localhost:8000"),
		StateDir:         envOrDefault("KATI_STATE_DIR", ".kati"),
		MetricsNamespace: envOrDefault("KATI_METRICS_NAMESPACE", "kati"),
		AllowAnyOrigin:   false,
		CaptureSource:    envOrDefault("KATI_CAPTURE_SOURCE", "auto"),
		CaptureFormat:    envOrDefault("KATI_CAPTURE_FORMAT", "wav"),
		Player:           envOrDefault("KATI_PLAYER", "auto"),
		FFmpegPath:       envOrDefault("KATI_FFMPEG_PATH", "ffmpeg"),
		// Pulse with the default device covers most Linux desktops; macOS
		// users override with avfoundation.
		FFmpegInputFormat: envOrDefault("KATI_FFMPEG_INPUT_FORMAT", "pulse"),
		FFmpegInputDevice: envOrDefault("KATI_FFMPEG_INPUT_DEVICE", "default"),
		FFplayPath:        envOrDefault("KATI_FFPLAY_PATH", "ffplay"),
		SampleRate:        16000,
		DatabaseURL:       trimmedEnv("DATABASE_URL"),
		ShutdownTimeout:   15 * time.Second,
		HTTPTimeout:       60 * time.Second,
		SilenceTimeout:    3 * time.Second,
		CallStartDelay:    100 * time.Millisecond,
		CallRestartDelay:  500 * time.Millisecond,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("KATI_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.HTTPTimeout, err = durationFromEnv("KATI_HTTP_TIMEOUT", cfg.HTTPTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SilenceTimeout, err = durationFromEnv("KATI_SILENCE_TIMEOUT", cfg.SilenceTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.CallStartDelay, err = durationFromEnv("KATI_CALL_START_DELAY", cfg.CallStartDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.CallRestartDelay, err = durationFromEnv("KATI_CALL_RESTART_DELAY", cfg.CallRestartDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.SampleRate, err = intFromEnv("KATI_SAMPLE_RATE", cfg.SampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("KATI_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if strings.TrimSpace(cfg.BackendURL) == "" {
		return Config{}, fmt.Errorf("KATI_BACKEND_URL must not be empty")
	}
	if cfg.SilenceTimeout < 500*time.Millisecond {
		return Config{}, fmt.Errorf("KATI_SILENCE_TIMEOUT must be at least 500ms")
	}
	if cfg.CallStartDelay < 0 || cfg.CallRestartDelay < 0 {
		return Config{}, fmt.Errorf("call delays must not be negative")
	}
	if cfg.SampleRate <= 0 {
		return Config{}, fmt.Errorf("KATI_SAMPLE_RATE must be positive")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.CaptureFormat)) {
	case "wav", "webm":
	default:
		return Config{}, fmt.Errorf("invalid KATI_CAPTURE_FORMAT: %q (expected wav|webm)", cfg.CaptureFormat)
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
