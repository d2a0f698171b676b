package am

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/labshot/labshot/errors"
	"github.com/labshot/labshot/logger"
)

const (
	configName = "labshot"
	configType = "toml"
	envPrefix  = "LABSHOT"
)

// DefaultConfigPath returns the preferred on-disk location for labshot.toml.
func DefaultConfigPath() string {
	if p := os.Getenv("LABSHOT_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return configName + "." + configType
	}
	return filepath.Join(home, ".config", "labshot", configName+"."+configType)
}

// Load reads configuration with the standard layering: built-in defaults,
// then the config file (if present), then LABSHOT_* environment variables.
// A missing file is not an error; everything else is.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType(configType)
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "labshot"))
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || os.IsNotExist(errors.UnwrapAll(err)) {
			logger.Debugw("No config file found, using defaults", "path", path)
		} else {
			return nil, errors.Wrap(err, "reading config file")
		}
	} else {
		logger.Debugw("Loaded config file", "path", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshaling config")
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("inference.provider", "auto")
	v.SetDefault("inference.model", "")
	v.SetDefault("inference.local_endpoint", "http://localhost:11434")
	v.SetDefault("inference.timeout_seconds", 60)
	v.SetDefault("inference.max_retries", 3)
	v.SetDefault("inference.max_concurrent", 2)
	v.SetDefault("inference.rate_per_second", 0.0)

	v.SetDefault("record_system.base_url", "")
	v.SetDefault("record_system.default_category", 1)
	v.SetDefault("record_system.verify_tls", true)
	v.SetDefault("record_system.timeout_seconds", 30)
	v.SetDefault("record_system.max_retries", 3)

	v.SetDefault("capture.device_id", "0")
	v.SetDefault("capture.resolution", "1280x720")
	v.SetDefault("capture.frame_rate", 30)
	v.SetDefault("capture.auto_start", false)
	v.SetDefault("capture.timeout_seconds", 10)

	v.SetDefault("storage.images_dir", "captured_images")
	v.SetDefault("storage.labels_dir", "labels")
	v.SetDefault("storage.database_path", "labshot.db")

	v.SetDefault("pipeline.workers", 1)
	v.SetDefault("pipeline.poll_interval_seconds", 1)
	v.SetDefault("pipeline.register_max_retries", 3)
	v.SetDefault("pipeline.cleanup_after_days", 30)

	v.SetDefault("server.allowed_origins", []string{})
}

// Default returns a Config populated with built-in defaults only.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults are static and always unmarshal cleanly.
	_ = v.Unmarshal(&cfg)
	return &cfg
}
