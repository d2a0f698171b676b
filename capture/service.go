package capture

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/labshot/labshot/am"
	"github.com/labshot/labshot/errors"
)

// Image format magic bytes.
var (
	jpegSOI  = []byte{0xFF, 0xD8}
	jpegEOI  = []byte{0xFF, 0xD9}
	pngMagic = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}
	gifMagic = []byte("GIF8")
	riffTag  = []byte("RIFF")
	webpTag  = []byte("WEBP")
)

// Artifact describes a captured frame persisted to the images directory.
type Artifact struct {
	Path       string    `json:"path"`
	SHA256     string    `json:"sha256"`
	SizeBytes  int64     `json:"size_bytes"`
	DeviceID   string    `json:"device_id"`
	CapturedAt time.Time `json:"captured_at"`
}

// Service coordinates frame acquisition. Each device is serialized with its
// own lock: two callers cannot trigger overlapping grabs on one camera.
type Service struct {
	store  *am.Store
	logger *zap.SugaredLogger

	mu      sync.Mutex
	devices map[string]Device
	locks   map[string]*sync.Mutex
}

// NewService creates a capture service. The device named by
// capture.device_id is registered from config on first use.
func NewService(store *am.Store, logger *zap.SugaredLogger) *Service {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Service{
		store:   store,
		logger:  logger,
		devices: make(map[string]Device),
		locks:   make(map[string]*sync.Mutex),
	}
}

// RegisterDevice adds or replaces a device under the given id.
func (s *Service) RegisterDevice(id string, d Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[id] = d
}

// resolveDevice returns the registered device, falling back to an HTTPDevice
// built from config for the configured device id.
func (s *Service) resolveDevice(id string, cfg *am.Config) (Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d, ok := s.devices[id]; ok {
		return d, nil
	}
	if id == cfg.Capture.DeviceID && cfg.Capture.SnapshotURL != "" {
		d := NewHTTPDevice(cfg.Capture.SnapshotURL, time.Duration(cfg.Capture.TimeoutSeconds)*time.Second)
		s.devices[id] = d
		return d, nil
	}
	return nil, errors.Wrapf(errors.ErrDeviceUnavailable, "no device registered as %q", id)
}

// DeviceStatus reports whether a device can currently be resolved.
type DeviceStatus struct {
	DeviceID  string `json:"device_id"`
	Available bool   `json:"available"`
	Busy      bool   `json:"busy"`
	Reason    string `json:"reason,omitempty"`
}

// Status probes the named device without grabbing a frame. Empty deviceID
// uses the configured default device.
func (s *Service) Status(deviceID string) DeviceStatus {
	cfg := s.store.Config()
	if deviceID == "" {
		deviceID = cfg.Capture.DeviceID
	}

	st := DeviceStatus{DeviceID: deviceID}
	if _, err := s.resolveDevice(deviceID, cfg); err != nil {
		st.Reason = err.Error()
		return st
	}
	st.Available = true

	lock := s.deviceLock(deviceID)
	if lock.TryLock() {
		lock.Unlock()
	} else {
		st.Busy = true
	}
	return st
}

func (s *Service) deviceLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// Capture grabs one frame from the device, verifies it is a complete JPEG,
// and writes it into the images directory. Empty deviceID uses the
// configured default device.
func (s *Service) Capture(ctx context.Context, deviceID string) (*Artifact, error) {
	cfg := s.store.Config()
	if deviceID == "" {
		deviceID = cfg.Capture.DeviceID
	}

	device, err := s.resolveDevice(deviceID, cfg)
	if err != nil {
		return nil, err
	}

	lock := s.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()

	timeout := time.Duration(cfg.Capture.TimeoutSeconds) * time.Second
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	frame, err := device.Frame(ctx)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errors.Wrapf(errors.ErrCaptureTimeout, "device %q did not produce a frame within %v", deviceID, timeout)
		}
		return nil, err
	}

	ext, err := sniffImage(frame)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(frame)
	digest := hex.EncodeToString(sum[:])

	path, err := s.writeArtifact(cfg.Storage.ImagesDir, deviceID, digest, ext, frame)
	if err != nil {
		return nil, err
	}

	artifact := &Artifact{
		Path:       path,
		SHA256:     digest,
		SizeBytes:  int64(len(frame)),
		DeviceID:   deviceID,
		CapturedAt: started,
	}

	s.logger.Infow("Frame captured",
		"device", deviceID,
		"path", path,
		"bytes", artifact.SizeBytes,
		"sha256", digest[:12],
		"elapsed", time.Since(started),
	)
	return artifact, nil
}

// sniffImage identifies the frame format from its magic bytes and returns
// the file extension to store it under. JPEG frames additionally get a
// truncation check: network cameras under load frequently return half a
// frame with a 200 status. Formats the analysis layer cannot attach
// (anything outside jpeg/png/gif/webp) are rejected.
func sniffImage(frame []byte) (string, error) {
	switch {
	case len(frame) == 0:
		return "", errors.Wrap(errors.ErrPartialCapture, "device returned an empty frame")
	case bytes.HasPrefix(frame, jpegSOI):
		if !bytes.HasSuffix(bytes.TrimRight(frame, "\x00"), jpegEOI) {
			return "", errors.Wrap(errors.ErrPartialCapture, "frame is truncated (missing JPEG end marker)")
		}
		return ".jpg", nil
	case bytes.HasPrefix(frame, pngMagic):
		return ".png", nil
	case bytes.HasPrefix(frame, gifMagic):
		return ".gif", nil
	case len(frame) >= 12 && bytes.HasPrefix(frame, riffTag) && bytes.Equal(frame[8:12], webpTag):
		return ".webp", nil
	default:
		return "", errors.Wrap(errors.ErrPartialCapture, "frame is not a recognizable image")
	}
}

// writeArtifact persists the frame via temp file + rename so a crash never
// leaves a partial artifact behind in the images directory.
func (s *Service) writeArtifact(dir, deviceID, digest, ext string, frame []byte) (string, error) {
	if err := os.MkdirAll(dir, am.DefaultDirPermissions); err != nil {
		return "", errors.Wrapf(err, "creating images directory %s", dir)
	}

	name := fmt.Sprintf("%s_%s_%s%s", deviceID, time.Now().Format("20060102_150405"), digest[:8], ext)
	path := filepath.Join(dir, name)

	tmp, err := os.CreateTemp(dir, ".capture-*")
	if err != nil {
		return "", errors.Wrap(err, "creating temp artifact")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(frame); err != nil {
		tmp.Close()
		return "", errors.Wrap(err, "writing artifact")
	}
	if err := tmp.Close(); err != nil {
		return "", errors.Wrap(err, "closing artifact")
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", errors.Wrapf(err, "placing artifact %s", path)
	}
	return path, nil
}

// IngestFile copies an existing image file into the pipeline as if it had
// been captured, returning its artifact.
func (s *Service) IngestFile(ctx context.Context, path string) (*Artifact, error) {
	id := "file:" + filepath.Base(path)
	s.RegisterDevice(id, &FileDevice{Path: path})
	defer func() {
		s.mu.Lock()
		delete(s.devices, id)
		s.mu.Unlock()
	}()
	return s.Capture(ctx, id)
}
