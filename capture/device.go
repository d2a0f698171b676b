// Package capture acquires still frames from configured camera devices and
// persists them as ingestion artifacts.
package capture

import (
	"context"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/labshot/labshot/errors"
	"github.com/labshot/labshot/internal/httpclient"
)

// Device produces one JPEG frame per call.
type Device interface {
	// Frame returns raw JPEG bytes. Implementations honor ctx cancellation.
	Frame(ctx context.Context) ([]byte, error)
}

// HTTPDevice grabs frames from a network camera's snapshot endpoint
// (the /snapshot or /shot.jpg URL most IP cameras expose).
type HTTPDevice struct {
	url    string
	client *httpclient.SaferClient
}

// NewHTTPDevice creates a device backed by a snapshot URL. Cameras sit on
// the LAN, so local targets are allowed.
func NewHTTPDevice(url string, timeout time.Duration) *HTTPDevice {
	return &HTTPDevice{
		url:    url,
		client: httpclient.NewWithOptions(timeout, httpclient.Options{AllowLocal: true}),
	}
}

// Frame fetches a single snapshot.
func (d *HTTPDevice) Frame(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", d.url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "creating snapshot request")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(errors.ErrCaptureTimeout, err.Error())
		}
		return nil, errors.Wrapf(errors.ErrDeviceUnavailable, "snapshot request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Wrapf(errors.ErrDeviceUnavailable, "snapshot endpoint returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		// A dropped connection mid-body yields a truncated frame
		return nil, errors.Wrapf(errors.ErrPartialCapture, "reading snapshot body: %v", err)
	}
	return data, nil
}

// FileDevice reads a frame from a file on disk. Used by the CLI to ingest
// pre-captured images and by tests.
type FileDevice struct {
	Path string
}

// Frame reads the file contents.
func (d *FileDevice) Frame(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(d.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(errors.ErrDeviceUnavailable, "image file not found: %s", d.Path)
		}
		return nil, errors.Wrapf(err, "reading image file %s", d.Path)
	}
	return data, nil
}
