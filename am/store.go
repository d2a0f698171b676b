package am

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/labshot/labshot/errors"
	"github.com/labshot/labshot/logger"
)

// ChangeEvent describes a configuration mutation delivered to subscribers.
type ChangeEvent struct {
	Version int64  // Version after the change
	Source  string // "set" or "reload"
	Field   string // Dot path for Set changes, empty for reloads
}

const subscriberBuffer = 16

// Store holds the live configuration. Reads return an immutable snapshot;
// writes are serialized, validated, persisted, and then published.
type Store struct {
	mu       sync.RWMutex
	cfg      *Config
	version  int64
	path     string
	watcher  *Watcher
	subsMu   sync.Mutex
	subs     map[chan ChangeEvent]struct{}
	onChange []func(*Config)
}

// NewStore wraps an already-validated config backed by the file at path.
func NewStore(cfg *Config, path string) *Store {
	return &Store{
		cfg:     cfg,
		version: 1,
		path:    path,
		subs:    make(map[chan ChangeEvent]struct{}),
	}
}

// Snapshot returns the current config and its version. The returned config
// must be treated as read-only.
func (s *Store) Snapshot() (*Config, int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg, s.version
}

// Config returns the current config without the version.
func (s *Store) Config() *Config {
	cfg, _ := s.Snapshot()
	return cfg
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Get resolves a dot-path field ("inference.model") against the current
// config. Returns ErrNotFound for unknown paths.
func (s *Store) Get(field string) (any, error) {
	cfg, _ := s.Snapshot()
	m, err := configToMap(cfg)
	if err != nil {
		return nil, err
	}
	val, ok := lookupPath(m, field)
	if !ok {
		return nil, errors.NewNotFoundError(fmt.Sprintf("config field %q", field))
	}
	return val, nil
}

// Set applies a single dot-path mutation, validates the resulting config,
// persists it atomically, and notifies subscribers. Returns the new version.
func (s *Store) Set(field string, value any) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := configToMap(s.cfg)
	if err != nil {
		return 0, err
	}
	if err := setPath(m, field, value); err != nil {
		return 0, err
	}

	next, err := mapToConfig(m)
	if err != nil {
		return 0, errors.Wrapf(err, "applying config field %q", field)
	}
	if err := Validate(next); err != nil {
		return 0, err
	}

	if s.watcher != nil {
		s.watcher.markOwnWrite()
	}
	if err := Persist(next, s.path); err != nil {
		return 0, err
	}

	s.cfg = next
	s.version++
	version := s.version
	logger.Infow("Config updated", "field", field, "version", version)
	s.publish(ChangeEvent{Version: version, Source: "set", Field: field})
	return version, nil
}

// replace installs an externally-loaded config (file watcher reload).
func (s *Store) replace(cfg *Config) int64 {
	s.mu.Lock()
	s.cfg = cfg
	s.version++
	version := s.version
	s.mu.Unlock()
	s.publish(ChangeEvent{Version: version, Source: "reload"})
	return version
}

// Subscribe returns a channel of change events. Events are dropped rather
// than blocking the writer when the subscriber falls behind.
func (s *Store) Subscribe() (<-chan ChangeEvent, func()) {
	ch := make(chan ChangeEvent, subscriberBuffer)
	s.subsMu.Lock()
	s.subs[ch] = struct{}{}
	s.subsMu.Unlock()
	cancel := func() {
		s.subsMu.Lock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
		s.subsMu.Unlock()
	}
	return ch, cancel
}

// OnChange registers a callback invoked with the new config after every
// change. Callbacks run on the mutating goroutine and must not block.
func (s *Store) OnChange(fn func(*Config)) {
	s.subsMu.Lock()
	s.onChange = append(s.onChange, fn)
	s.subsMu.Unlock()
}

func (s *Store) publish(ev ChangeEvent) {
	cfg := s.Config()
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
			logger.Debugw("Dropping config event for slow subscriber", "version", ev.Version)
		}
	}
	for _, fn := range s.onChange {
		fn(cfg)
	}
}

// configToMap round-trips through TOML so dot paths address the same keys
// that appear in the file.
func configToMap(cfg *Config) (map[string]any, error) {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "encoding config")
	}
	var m map[string]any
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, "decoding config")
	}
	return m, nil
}

func mapToConfig(m map[string]any) (*Config, error) {
	data, err := toml.Marshal(m)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func lookupPath(m map[string]any, field string) (any, bool) {
	parts := strings.Split(field, ".")
	var cur any = m
	for _, p := range parts {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = node[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func setPath(m map[string]any, field string, value any) error {
	parts := strings.Split(field, ".")
	if len(parts) < 2 {
		return errors.NewInvalidRequestError(fmt.Sprintf("config field %q must be section.key", field))
	}
	node := m
	for _, p := range parts[:len(parts)-1] {
		child, ok := node[p].(map[string]any)
		if !ok {
			return errors.NewNotFoundError(fmt.Sprintf("config section %q", p))
		}
		node = child
	}
	key := parts[len(parts)-1]
	existing, ok := node[key]
	if !ok {
		return errors.NewNotFoundError(fmt.Sprintf("config field %q", field))
	}
	coerced, err := coerceValue(existing, value)
	if err != nil {
		return errors.Wrapf(err, "config field %q", field)
	}
	node[key] = coerced
	return nil
}

// coerceValue converts string input (CLI, API) toward the existing field's
// type so "true" and "42" land as bool and int. JSON numbers arrive as
// float64 and are narrowed to int when the field is integral.
func coerceValue(existing, value any) (any, error) {
	if f, isFloat := value.(float64); isFloat {
		if _, isInt := existing.(int64); isInt {
			if f != math.Trunc(f) {
				return nil, errors.NewInvalidRequestError(fmt.Sprintf("expected an integer, got %v", f))
			}
			return int64(f), nil
		}
		return value, nil
	}
	str, isStr := value.(string)
	if !isStr {
		return value, nil
	}
	switch existing.(type) {
	case bool:
		return strconv.ParseBool(str)
	case int64:
		return strconv.ParseInt(str, 10, 64)
	case float64:
		return strconv.ParseFloat(str, 64)
	default:
		return str, nil
	}
}
