// SPDX-License-Identifier: MIT

// Package config assembles the daemon configuration from environment
// variables with logged defaults and a single validation pass.
package config

import (
	"fmt"
	"path/filepath"
	"time"
)

// Model names accepted by the routing policy.
const (
	ModelBelle2   = "belle2"
	ModelWhisperx = "whisperx"
	ModelAuto     = "auto"
)

// DefaultAllowedMediaTypes is the admission allow-set for upload content types.
var DefaultAllowedMediaTypes = []string{
	"audio/mpeg",
	"audio/wav",
	"audio/mp4",
	"audio/x-m4a",
	"video/mp4",
}

// AppConfig holds the full runtime configuration of the daemon.
type AppConfig struct {
	// HTTP surface
	Listen      string
	CorsOrigins []string
	// CompatNotFound maps the NotReady result error onto a 404 response for
	// clients that predate the distinct not-ready signal.
	CompatNotFound bool

	// Redis (job store + broker queues)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Upload admission
	UploadDir         string
	MaxFileSize       int64
	MaxDurationHours  int
	AllowedMediaTypes []string

	// Routing
	DefaultTranscriptionModel string

	// Worker pools
	Belle2Concurrency   int
	WhisperxConcurrency int
	VisibilityTimeout   time.Duration
	MaxDeliveries       int
	// DrainTimeout bounds how long a stopping pool lets in-flight inference
	// finish before cancelling it.
	DrainTimeout time.Duration

	// External tooling ceilings
	FFprobePath         string
	ProbeTimeout        time.Duration
	InferenceMultiplier int

	// Backend launchers (transcription CLIs)
	Belle2Command   string
	WhisperxCommand string

	// Logging
	LogLevel string
}

// FromEnv builds an AppConfig from KLIPNOTE_* environment variables,
// falling back to deploy-safe defaults.
func FromEnv() AppConfig {
	return AppConfig{
		Listen:         ParseString("KLIPNOTE_LISTEN", ":8080"),
		CorsOrigins:    ParseStringSlice("KLIPNOTE_CORS_ORIGINS", nil),
		CompatNotFound: ParseBool("KLIPNOTE_COMPAT_NOT_FOUND", false),

		RedisAddr:     ParseString("KLIPNOTE_REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: ParseString("KLIPNOTE_REDIS_PASSWORD", ""),
		RedisDB:       ParseInt("KLIPNOTE_REDIS_DB", 0),

		UploadDir:         ParseString("KLIPNOTE_UPLOAD_DIR", "./uploads"),
		MaxFileSize:       ParseInt64("KLIPNOTE_MAX_FILE_SIZE", 2<<30),
		MaxDurationHours:  ParseInt("KLIPNOTE_MAX_DURATION_HOURS", 2),
		AllowedMediaTypes: ParseStringSlice("KLIPNOTE_ALLOWED_MEDIA_TYPES", DefaultAllowedMediaTypes),

		DefaultTranscriptionModel: ParseString("KLIPNOTE_DEFAULT_MODEL", ModelAuto),

		Belle2Concurrency:   ParseInt("KLIPNOTE_BELLE2_CONCURRENCY", 1),
		WhisperxConcurrency: ParseInt("KLIPNOTE_WHISPERX_CONCURRENCY", 1),
		VisibilityTimeout:   ParseDuration("KLIPNOTE_VISIBILITY_TIMEOUT", 30*time.Minute),
		MaxDeliveries:       ParseInt("KLIPNOTE_MAX_DELIVERIES", 3),
		DrainTimeout:        ParseDuration("KLIPNOTE_DRAIN_TIMEOUT", 5*time.Minute),

		FFprobePath:         ParseString("KLIPNOTE_FFPROBE_PATH", "ffprobe"),
		ProbeTimeout:        ParseDuration("KLIPNOTE_PROBE_TIMEOUT", 60*time.Second),
		InferenceMultiplier: ParseInt("KLIPNOTE_INFERENCE_MULTIPLIER", 6),

		Belle2Command:   ParseString("KLIPNOTE_BELLE2_COMMAND", "klipnote-belle2"),
		WhisperxCommand: ParseString("KLIPNOTE_WHISPERX_COMMAND", "klipnote-whisperx"),

		LogLevel: ParseString("KLIPNOTE_LOG_LEVEL", "info"),
	}
}

// Validate rejects configurations the daemon cannot safely run with.
func (c *AppConfig) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("redis address must not be empty")
	}
	if c.UploadDir == "" {
		return fmt.Errorf("upload directory must not be empty")
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("max file size must be positive, got %d", c.MaxFileSize)
	}
	if c.MaxDurationHours <= 0 {
		return fmt.Errorf("max duration must be positive, got %d", c.MaxDurationHours)
	}
	switch c.DefaultTranscriptionModel {
	case ModelBelle2, ModelWhisperx, ModelAuto:
	default:
		return fmt.Errorf("default model must be one of belle2, whisperx, auto: %q", c.DefaultTranscriptionModel)
	}
	if c.Belle2Concurrency < 1 || c.WhisperxConcurrency < 1 {
		return fmt.Errorf("pool concurrency must be at least 1 (belle2=%d, whisperx=%d)",
			c.Belle2Concurrency, c.WhisperxConcurrency)
	}
	if c.VisibilityTimeout <= 0 {
		return fmt.Errorf("visibility timeout must be positive")
	}
	if c.MaxDeliveries < 1 {
		return fmt.Errorf("max deliveries must be at least 1, got %d", c.MaxDeliveries)
	}
	if c.DrainTimeout <= 0 {
		return fmt.Errorf("drain timeout must be positive")
	}
	if c.ProbeTimeout <= 0 {
		return fmt.Errorf("probe timeout must be positive")
	}
	if c.InferenceMultiplier < 1 {
		return fmt.Errorf("inference multiplier must be at least 1, got %d", c.InferenceMultiplier)
	}
	if len(c.AllowedMediaTypes) == 0 {
		return fmt.Errorf("allowed media types must not be empty")
	}
	return nil
}

// MaxDuration returns the admission bound as a duration.
func (c *AppConfig) MaxDuration() time.Duration {
	return time.Duration(c.MaxDurationHours) * time.Hour
}

// JobDir returns the per-job directory under the upload root.
func (c *AppConfig) JobDir(jobID string) string {
	return filepath.Join(c.UploadDir, jobID)
}
