package am

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labshot/labshot/errors"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, Validate(cfg))
	assert.Equal(t, "auto", cfg.Inference.Provider)
	assert.Equal(t, 1, cfg.Pipeline.Workers)
	assert.True(t, cfg.RecordSystem.VerifyTLS)
	assert.Nil(t, cfg.Server.Port)
}

func TestValidateRejectsBadFields(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		field   string
	}{
		{"unknown provider", func(c *Config) { c.Inference.Provider = "gpt9" }, "inference.provider"},
		{"negative retries", func(c *Config) { c.Inference.MaxRetries = -1 }, "inference.max_retries"},
		{"zero workers", func(c *Config) { c.Pipeline.Workers = 0 }, "pipeline.workers"},
		{"bad resolution", func(c *Config) { c.Capture.Resolution = "wide" }, "capture.resolution"},
		{"bad base url", func(c *Config) { c.RecordSystem.BaseURL = "not a url" }, "record_system.base_url"},
		{"empty images dir", func(c *Config) { c.Storage.ImagesDir = "" }, "storage.images_dir"},
		{"port out of range", func(c *Config) { p := 70000; c.Server.Port = &p }, "server.port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := Validate(cfg)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrConfig))
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestValidateTemperatureBounds(t *testing.T) {
	cfg := Default()
	temp := 1.5
	cfg.Inference.Temperature = &temp
	assert.NoError(t, Validate(cfg))

	temp = 2.5
	err := Validate(cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConfig))
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, "auto", cfg.Inference.Provider)
}

func TestPersistAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labshot.toml")
	cfg := Default()
	cfg.Inference.Provider = "anthropic"
	cfg.Inference.Model = "claude-sonnet-4"
	cfg.RecordSystem.BaseURL = "https://elab.example.org/api/v2"
	require.NoError(t, Persist(cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "anthropic", loaded.Inference.Provider)
	assert.Equal(t, "claude-sonnet-4", loaded.Inference.Model)
	assert.Equal(t, "https://elab.example.org/api/v2", loaded.RecordSystem.BaseURL)
}

func TestPersistLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "labshot.toml")
	require.NoError(t, Persist(Default(), path))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "labshot.toml", entries[0].Name())
}

func TestStoreSetPersistsAndBumpsVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labshot.toml")
	cfg := Default()
	require.NoError(t, Persist(cfg, path))
	store := NewStore(cfg, path)

	_, v0 := store.Snapshot()
	version, err := store.Set("inference.model", "qwen2.5vl")
	require.NoError(t, err)
	assert.Equal(t, v0+1, version)

	got, err := store.Get("inference.model")
	require.NoError(t, err)
	assert.Equal(t, "qwen2.5vl", got)

	// The write must be on disk too.
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "qwen2.5vl", loaded.Inference.Model)
}

func TestStoreSetRejectsInvalidValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labshot.toml")
	cfg := Default()
	store := NewStore(cfg, path)

	_, err := store.Set("pipeline.workers", "0")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConfig))

	// Failed Set must not change the live config or version.
	got, gerr := store.Get("pipeline.workers")
	require.NoError(t, gerr)
	assert.EqualValues(t, 1, got)
	_, v := store.Snapshot()
	assert.EqualValues(t, 1, v)
}

func TestStoreSetCoercesStrings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labshot.toml")
	store := NewStore(Default(), path)

	_, err := store.Set("capture.auto_start", "true")
	require.NoError(t, err)
	got, err := store.Get("capture.auto_start")
	require.NoError(t, err)
	assert.Equal(t, true, got)

	_, err = store.Set("inference.max_retries", "5")
	require.NoError(t, err)
	got, err = store.Get("inference.max_retries")
	require.NoError(t, err)
	assert.EqualValues(t, 5, got)
}

func TestStoreGetUnknownField(t *testing.T) {
	store := NewStore(Default(), filepath.Join(t.TempDir(), "labshot.toml"))
	_, err := store.Get("inference.nonsense")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))

	_, err = store.Set("nonsense.key", "x")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestStoreSubscribeReceivesEvents(t *testing.T) {
	store := NewStore(Default(), filepath.Join(t.TempDir(), "labshot.toml"))
	ch, cancel := store.Subscribe()
	defer cancel()

	_, err := store.Set("inference.model", "llava")
	require.NoError(t, err)

	ev := <-ch
	assert.Equal(t, "set", ev.Source)
	assert.Equal(t, "inference.model", ev.Field)
	assert.EqualValues(t, 2, ev.Version)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("LABSHOT_INFERENCE_PROVIDER", "local")
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, "local", cfg.Inference.Provider)
}
