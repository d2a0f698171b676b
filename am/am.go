// Package am holds the labshot process configuration: typed sections, layered
// loading, validated mutation, atomic persistence, and change notification.
package am

// Config represents the core labshot configuration
type Config struct {
	Inference    InferenceConfig    `mapstructure:"inference" toml:"inference"`
	RecordSystem RecordSystemConfig `mapstructure:"record_system" toml:"record_system"`
	Capture      CaptureConfig      `mapstructure:"capture" toml:"capture"`
	Storage      StorageConfig      `mapstructure:"storage" toml:"storage"`
	Pipeline     PipelineConfig     `mapstructure:"pipeline" toml:"pipeline"`
	Server       ServerConfig       `mapstructure:"server" toml:"server"`
}

// InferenceConfig selects and parameterizes the analysis provider
type InferenceConfig struct {
	Provider        string   `mapstructure:"provider" toml:"provider"`                   // "anthropic", "openrouter", "local", "auto"
	APIKey          string   `mapstructure:"api_key" toml:"api_key"`                     // Credential for the remote provider
	Model           string   `mapstructure:"model" toml:"model"`                         // Model identifier (provider-specific)
	Temperature     *float64 `mapstructure:"temperature" toml:"temperature"`             // Sampling temperature (nil = default 0.2)
	MaxOutputTokens *int     `mapstructure:"max_output_tokens" toml:"max_output_tokens"` // Max tokens per response (nil = default 1000)
	LocalEndpoint   string   `mapstructure:"local_endpoint" toml:"local_endpoint"`       // e.g. "http://localhost:11434" for Ollama
	TimeoutSeconds  int      `mapstructure:"timeout_seconds" toml:"timeout_seconds"`     // Per-call deadline
	MaxRetries      int      `mapstructure:"max_retries" toml:"max_retries"`             // Retries for network-class failures
	MaxConcurrent   int      `mapstructure:"max_concurrent" toml:"max_concurrent"`       // Concurrency ceiling per provider
	RatePerSecond   float64  `mapstructure:"rate_per_second" toml:"rate_per_second"`     // Upstream request rate ceiling (0 = unlimited)
}

// RecordSystemConfig parameterizes the external record-management client
type RecordSystemConfig struct {
	BaseURL         string `mapstructure:"base_url" toml:"base_url"` // e.g. "https://elab.example.org/api/v2"
	APIKey          string `mapstructure:"api_key" toml:"api_key"`
	DefaultCategory int    `mapstructure:"default_category" toml:"default_category"` // Category for created items
	TeamID          int    `mapstructure:"team_id" toml:"team_id"`
	VerifyTLS       bool   `mapstructure:"verify_tls" toml:"verify_tls"`
	TimeoutSeconds  int    `mapstructure:"timeout_seconds" toml:"timeout_seconds"`
	MaxRetries      int    `mapstructure:"max_retries" toml:"max_retries"`
}

// CaptureConfig parameterizes the capture service
type CaptureConfig struct {
	DeviceID       string `mapstructure:"device_id" toml:"device_id"`
	SnapshotURL    string `mapstructure:"snapshot_url" toml:"snapshot_url"` // HTTP snapshot endpoint for network cameras
	Resolution     string `mapstructure:"resolution" toml:"resolution"`     // "WIDTHxHEIGHT", e.g. "1280x720"
	FrameRate      int    `mapstructure:"frame_rate" toml:"frame_rate"`
	AutoStart      bool   `mapstructure:"auto_start" toml:"auto_start"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" toml:"timeout_seconds"`
}

// StorageConfig holds artifact persistence roots
type StorageConfig struct {
	ImagesDir    string `mapstructure:"images_dir" toml:"images_dir"`
	LabelsDir    string `mapstructure:"labels_dir" toml:"labels_dir"`
	DatabasePath string `mapstructure:"database_path" toml:"database_path"`
}

// PipelineConfig configures the job worker pool and stage retry limits
type PipelineConfig struct {
	Workers             int `mapstructure:"workers" toml:"workers"`                             // Concurrent job workers (default: 1)
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds" toml:"poll_interval_seconds"` // Queue poll cadence
	RegisterMaxRetries  int `mapstructure:"register_max_retries" toml:"register_max_retries"`   // Conflict re-fetch retries for record updates
	CleanupAfterDays    int `mapstructure:"cleanup_after_days" toml:"cleanup_after_days"`       // Terminal-job retention (0 = keep forever)
}

// ServerConfig configures the labshot HTTP/WebSocket server
type ServerConfig struct {
	Port           *int     `mapstructure:"port" toml:"port"` // nil = default 8720, 0 is invalid (omit for default)
	AllowedOrigins []string `mapstructure:"allowed_origins" toml:"allowed_origins"`
}

// DefaultServerPort is the port used when server.port is unset.
const DefaultServerPort = 8720

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)
