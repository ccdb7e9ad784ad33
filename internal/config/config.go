// Package config loads relay settings from an optional .env file and the
// process environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the complete runtime configuration.
type Config struct {
	HTTPAddr string
	UDPAddr  string
	// DTLSAddr enables the DTLS listener when non-empty.
	DTLSAddr     string
	DTLSCertFile string
	DTLSKeyFile  string

	// RedisAddr selects the Redis directory; otherwise DevicesFile is used.
	RedisAddr   string
	RedisDB     int
	DevicesFile string

	FFmpegPath         string
	TranscodeTransport string
	VideoBitrateKbps   int
	AudioBitrateKbps   int
	GOPSize            int

	MaxReorderDelay time.Duration
	MaxSequenceGap  int
	ReorderMaxSize  int
	JitterMaxWait   time.Duration
	JitterMaxDrift  time.Duration
	JitterMaxSize   int

	ReplayDepth       int
	WorkDir           string
	HealthInterval    time.Duration
	StaleThreshold    time.Duration
	ViewerWaitTimeout time.Duration
	SweepInterval     time.Duration
	SweepGrace        time.Duration
	UDPIdleTimeout    time.Duration

	LogLevel  string
	LogFormat string
}

// Load reads path (default ".env") if it exists, then builds a Config
// from the environment. A missing .env file is not an error.
func Load(paths ...string) (Config, error) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", p, err)
		}
	}
	return FromEnv()
}

// FromEnv builds a Config from environment variables and defaults.
func FromEnv() (Config, error) {
	var p parser
	cfg := Config{
		HTTPAddr:     envOr("HTTP_ADDR", ":8080"),
		UDPAddr:      envOr("UDP_ADDR", ":9000"),
		DTLSAddr:     os.Getenv("DTLS_ADDR"),
		DTLSCertFile: os.Getenv("DTLS_CERT_FILE"),
		DTLSKeyFile:  os.Getenv("DTLS_KEY_FILE"),

		RedisAddr:   os.Getenv("REDIS_ADDR"),
		RedisDB:     p.int("REDIS_DB", 0),
		DevicesFile: envOr("DEVICES_FILE", "devices.json"),

		FFmpegPath:         envOr("FFMPEG_PATH", "ffmpeg"),
		TranscodeTransport: envOr("TRANSCODE_TRANSPORT", "pipe"),
		VideoBitrateKbps:   p.int("VIDEO_BITRATE", 1000),
		AudioBitrateKbps:   p.int("AUDIO_BITRATE", 64),
		GOPSize:            p.int("GOP_SIZE", 30),

		MaxReorderDelay: p.millis("MAX_REORDER_DELAY_MS", 100),
		MaxSequenceGap:  p.int("MAX_SEQUENCE_GAP", 30),
		ReorderMaxSize:  p.int("REORDER_MAX_SIZE", 120),
		JitterMaxWait:   p.millis("JITTER_MAX_WAIT_MS", 150),
		JitterMaxDrift:  p.millis("JITTER_MAX_DRIFT_MS", 500),
		JitterMaxSize:   p.int("JITTER_MAX_SIZE", 90),

		ReplayDepth:       p.int("REPLAY_DEPTH", 5),
		WorkDir:           envOr("WORK_DIR", os.TempDir()+"/doorcast"),
		HealthInterval:    p.duration("HEALTH_INTERVAL", 5*time.Second),
		StaleThreshold:    p.duration("STALE_THRESHOLD", 12*time.Second),
		ViewerWaitTimeout: p.duration("VIEWER_WAIT_TIMEOUT", 10*time.Second),
		SweepInterval:     p.duration("SWEEP_INTERVAL", 10*time.Minute),
		SweepGrace:        p.duration("SWEEP_GRACE", time.Hour),
		UDPIdleTimeout:    p.duration("UDP_IDLE_TIMEOUT", 30*time.Second),

		LogLevel:  envOr("LOG_LEVEL", "info"),
		LogFormat: envOr("LOG_FORMAT", "text"),
	}
	if err := errors.Join(p.errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Logger builds the process logger from LogLevel and LogFormat.
func (c Config) Logger() *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.ToLower(c.LogFormat) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// parser collects every malformed variable instead of stopping at the first.
type parser struct {
	errs []error
}

func (p *parser) int(key string, fallback int) int {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return n
}

func (p *parser) millis(key string, fallback int) time.Duration {
	return time.Duration(p.int(key, fallback)) * time.Millisecond
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return d
}
