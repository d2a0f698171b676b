package am

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/labshot/labshot/errors"
)

// ValidationError identifies the config field that failed validation and why.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config field %q: %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is(err, errors.ErrConfig) match.
func (e *ValidationError) Unwrap() error { return errors.ErrConfig }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

var resolutionPattern = regexp.MustCompile(`^\d+x\d+$`)

var knownProviders = map[string]bool{
	"auto":       true,
	"anthropic":  true,
	"openrouter": true,
	"local":      true,
	"ollama":     true,
}

// Validate checks the full configuration and returns the first violation found.
func Validate(cfg *Config) error {
	if err := validateInference(&cfg.Inference); err != nil {
		return err
	}
	if err := validateRecordSystem(&cfg.RecordSystem); err != nil {
		return err
	}
	if err := validateCapture(&cfg.Capture); err != nil {
		return err
	}
	if err := validateStorage(&cfg.Storage); err != nil {
		return err
	}
	if err := validatePipeline(&cfg.Pipeline); err != nil {
		return err
	}
	if err := validateServer(&cfg.Server); err != nil {
		return err
	}
	return nil
}

func validateInference(c *InferenceConfig) error {
	if !knownProviders[strings.ToLower(c.Provider)] {
		return invalid("inference.provider", fmt.Sprintf("unknown provider %q", c.Provider))
	}
	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 2) {
		return invalid("inference.temperature", "must be between 0 and 2")
	}
	if c.MaxOutputTokens != nil && *c.MaxOutputTokens < 1 {
		return invalid("inference.max_output_tokens", "must be positive")
	}
	if c.TimeoutSeconds < 1 {
		return invalid("inference.timeout_seconds", "must be positive")
	}
	if c.MaxRetries < 0 {
		return invalid("inference.max_retries", "must not be negative")
	}
	if c.MaxConcurrent < 1 {
		return invalid("inference.max_concurrent", "must be positive")
	}
	if c.RatePerSecond < 0 {
		return invalid("inference.rate_per_second", "must not be negative")
	}
	if c.LocalEndpoint != "" {
		if _, err := url.ParseRequestURI(c.LocalEndpoint); err != nil {
			return invalid("inference.local_endpoint", "must be a valid URL")
		}
	}
	return nil
}

func validateRecordSystem(c *RecordSystemConfig) error {
	if c.BaseURL != "" {
		u, err := url.ParseRequestURI(c.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return invalid("record_system.base_url", "must be an http(s) URL")
		}
	}
	if c.DefaultCategory < 0 {
		return invalid("record_system.default_category", "must not be negative")
	}
	if c.TimeoutSeconds < 1 {
		return invalid("record_system.timeout_seconds", "must be positive")
	}
	if c.MaxRetries < 0 {
		return invalid("record_system.max_retries", "must not be negative")
	}
	return nil
}

func validateCapture(c *CaptureConfig) error {
	if c.Resolution != "" && !resolutionPattern.MatchString(c.Resolution) {
		return invalid("capture.resolution", `must look like "1280x720"`)
	}
	if c.FrameRate < 1 {
		return invalid("capture.frame_rate", "must be positive")
	}
	if c.TimeoutSeconds < 1 {
		return invalid("capture.timeout_seconds", "must be positive")
	}
	if c.SnapshotURL != "" {
		u, err := url.ParseRequestURI(c.SnapshotURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return invalid("capture.snapshot_url", "must be an http(s) URL")
		}
	}
	return nil
}

func validateStorage(c *StorageConfig) error {
	if c.ImagesDir == "" {
		return invalid("storage.images_dir", "must not be empty")
	}
	if c.LabelsDir == "" {
		return invalid("storage.labels_dir", "must not be empty")
	}
	if c.DatabasePath == "" {
		return invalid("storage.database_path", "must not be empty")
	}
	return nil
}

func validatePipeline(c *PipelineConfig) error {
	if c.Workers < 1 {
		return invalid("pipeline.workers", "must be positive")
	}
	if c.PollIntervalSeconds < 1 {
		return invalid("pipeline.poll_interval_seconds", "must be positive")
	}
	if c.RegisterMaxRetries < 0 {
		return invalid("pipeline.register_max_retries", "must not be negative")
	}
	if c.CleanupAfterDays < 0 {
		return invalid("pipeline.cleanup_after_days", "must not be negative")
	}
	return nil
}

func validateServer(c *ServerConfig) error {
	if c.Port != nil && (*c.Port < 1 || *c.Port > 65535) {
		return invalid("server.port", "must be between 1 and 65535")
	}
	return nil
}
