// Package record is the client for the external record-management system
// (eLabFTW-compatible REST API) where captured assets are registered.
package record

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/labshot/labshot/am"
	"github.com/labshot/labshot/errors"
	"github.com/labshot/labshot/internal/httpclient"
)

// Record is an item in the record system.
type Record struct {
	ID         int    `json:"id"`
	Title      string `json:"title"`
	Body       string `json:"body"`
	Category   int    `json:"category"`
	Tags       string `json:"tags"` // pipe-separated, as the API returns them
	ModifiedAt string `json:"modified_at"`
}

// Template is an item type the record system offers for new items.
type Template struct {
	ID    int    `json:"id"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Draft holds the fields for a new record.
type Draft struct {
	Title    string   `json:"title"`
	Body     string   `json:"body"`
	Category int      `json:"category_id"`
	Tags     []string `json:"tags,omitempty"`
}

// Client talks to the record system. Endpoint, credentials, and TLS mode
// are read from the config store on every call, so a config change takes
// effect without a restart. Updates to the same record are serialized
// locally; remote 409s surface as conflict errors for the caller's
// re-fetch loop.
type Client struct {
	store  *am.Store
	logger *zap.SugaredLogger

	mu         sync.Mutex
	locks      map[int]*sync.Mutex
	httpClient *httpclient.SaferClient
	httpCfg    am.RecordSystemConfig
	override   *httpclient.SaferClient
}

// NewClient creates a record system client bound to the config store.
func NewClient(store *am.Store, logger *zap.SugaredLogger) *Client {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Client{
		store:  store,
		logger: logger,
		locks:  make(map[int]*sync.Mutex),
	}
}

// settings returns the current record_system section plus an HTTP client
// matching it. The HTTP client is rebuilt when timeout or TLS mode change.
func (c *Client) settings() (am.RecordSystemConfig, *httpclient.SaferClient) {
	cfg := c.store.Config().RecordSystem

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.override != nil {
		return cfg, c.override
	}
	if c.httpClient == nil ||
		cfg.TimeoutSeconds != c.httpCfg.TimeoutSeconds ||
		cfg.VerifyTLS != c.httpCfg.VerifyTLS {
		timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		// Self-hosted record systems commonly live on the LAN with
		// self-signed certificates, controlled by verify_tls.
		c.httpClient = httpclient.NewWithOptions(timeout, httpclient.Options{
			AllowLocal:  true,
			InsecureTLS: !cfg.VerifyTLS,
		})
		c.httpCfg = cfg
	}
	return cfg, c.httpClient
}

func (c *Client) maxRetries() int {
	n := c.store.Config().RecordSystem.MaxRetries
	if n == 0 {
		n = 3
	}
	return n
}

// IsConfigured reports whether the client can reach a record system.
func (c *Client) IsConfigured() bool {
	cfg := c.store.Config().RecordSystem
	return cfg.BaseURL != "" && cfg.APIKey != ""
}

func (c *Client) recordLock(id int) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[id]
	if !ok {
		l = &sync.Mutex{}
		c.locks[id] = l
	}
	return l
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	cfg, httpClient := c.settings()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "marshaling request body")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(cfg.BaseURL, "/")+path, reader)
	if err != nil {
		return nil, errors.Wrap(err, "creating request")
	}
	req.Header.Set("Authorization", cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(err, ctx)
	}
	return resp, nil
}

// Record system retries share the provider backoff shape.
const (
	retryBaseDelay = time.Second
	retryMaxDelay  = 30 * time.Second
)

// withRetry runs fn once plus up to max_retries retries, with capped
// exponential backoff. Exhaustion surfaces as a provider error.
// Conflicts are NOT retried here: the caller must re-fetch first.
func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	maxRetries := c.maxRetries()
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := httpclient.Backoff(attempt, retryBaseDelay, retryMaxDelay)
			c.logger.Debugw("Retrying record system request", "op", op, "attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		err = fn()
		if err == nil {
			return nil
		}
		if !errors.IsRetryable(err) || errors.Is(err, errors.ErrConflict) {
			return err
		}
		c.logger.Warnw("Record system request failed", "op", op, "attempt", attempt+1, "error", err)
	}
	return errors.Wrapf(errors.ErrProvider, "%s: retries exhausted after %d attempts: %s", op, maxRetries+1, err)
}

// Create registers a new record and returns its id, taken from the
// Location header of the 201 response.
func (c *Client) Create(ctx context.Context, draft Draft) (int, error) {
	if !c.IsConfigured() {
		return 0, errors.Wrap(errors.ErrConfig, "record system not configured")
	}

	var id int
	err := c.withRetry(ctx, "create item", func() error {
		resp, err := c.do(ctx, "POST", "/items", draft)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusCreated {
			return classifyStatus(resp)
		}

		location := resp.Header.Get("Location")
		parsed, perr := idFromLocation(location)
		if perr != nil {
			return perr
		}
		id = parsed
		return nil
	})
	if err != nil {
		return 0, err
	}

	c.logger.Infow("Record created", "id", id, "title", draft.Title)
	return id, nil
}

// idFromLocation extracts the trailing numeric id from a Location header
// like "https://elab.example.org/api/v2/items/42".
func idFromLocation(location string) (int, error) {
	if location == "" {
		return 0, errors.Wrap(errors.ErrInvalidResponse, "create response missing Location header")
	}
	parts := strings.Split(strings.TrimSuffix(location, "/"), "/")
	id, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		return 0, errors.Wrapf(errors.ErrInvalidResponse, "unparseable Location header %q", location)
	}
	return id, nil
}

// Get fetches a record by id.
func (c *Client) Get(ctx context.Context, id int) (*Record, error) {
	var rec Record
	err := c.withRetry(ctx, "get item", func() error {
		resp, err := c.do(ctx, "GET", fmt.Sprintf("/items/%d", id), nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return classifyStatus(resp)
		}
		return decodeJSON(resp.Body, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// List fetches records, optionally filtered by a search query.
func (c *Client) List(ctx context.Context, query string, limit int) ([]Record, error) {
	path := "/items"
	params := []string{}
	if query != "" {
		params = append(params, "q="+strings.ReplaceAll(query, " ", "+"))
	}
	if limit > 0 {
		params = append(params, fmt.Sprintf("limit=%d", limit))
	}
	if len(params) > 0 {
		path += "?" + strings.Join(params, "&")
	}

	var records []Record
	err := c.withRetry(ctx, "list items", func() error {
		resp, err := c.do(ctx, "GET", path, nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return classifyStatus(resp)
		}
		return decodeJSON(resp.Body, &records)
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Templates fetches the item types available for new records.
func (c *Client) Templates(ctx context.Context) ([]Template, error) {
	var templates []Template
	err := c.withRetry(ctx, "list templates", func() error {
		resp, err := c.do(ctx, "GET", "/items_types", nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return classifyStatus(resp)
		}
		return decodeJSON(resp.Body, &templates)
	})
	if err != nil {
		return nil, err
	}
	return templates, nil
}

// Update patches fields on an existing record. A non-empty expectedVersion
// (the modified_at token from a prior Get) makes the update conditional: the
// record is re-read under the local lock and a token mismatch fails with a
// conflict before anything is sent, so a stale caller never blindly
// overwrites a newer remote state. Empty expectedVersion patches
// unconditionally. Updates to one record are serialized locally; a remote
// 409 also comes back as a conflict error.
func (c *Client) Update(ctx context.Context, id int, fields map[string]any, expectedVersion string) error {
	lock := c.recordLock(id)
	lock.Lock()
	defer lock.Unlock()

	if expectedVersion != "" {
		current, err := c.Get(ctx, id)
		if err != nil {
			return err
		}
		if current.ModifiedAt != expectedVersion {
			return errors.Wrapf(errors.ErrConflict,
				"record %d is at version %q, expected %q", id, current.ModifiedAt, expectedVersion)
		}
	}

	return c.withRetry(ctx, "update item", func() error {
		resp, err := c.do(ctx, "PATCH", fmt.Sprintf("/items/%d", id), fields)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return classifyStatus(resp)
		}
		return nil
	})
}

// UpdateWithRefetch applies an update built from the record's current state,
// re-fetching and retrying when the version moved underneath it. Each
// attempt carries the fetched modified_at token as the expected version.
func (c *Client) UpdateWithRefetch(ctx context.Context, id int, maxAttempts int, build func(*Record) map[string]any) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		var current *Record
		current, err = c.Get(ctx, id)
		if err != nil {
			return err
		}
		err = c.Update(ctx, id, build(current), current.ModifiedAt)
		if err == nil {
			return nil
		}
		if !errors.Is(err, errors.ErrConflict) {
			return err
		}
		c.logger.Warnw("Record update conflicted, re-fetching", "id", id, "attempt", attempt+1)
	}
	return err
}

// UploadImage attaches an image file to a record.
func (c *Client) UploadImage(ctx context.Context, id int, imagePath, comment string) error {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return errors.Wrapf(err, "reading image %s", imagePath)
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filepath.Base(imagePath))
	if err != nil {
		return errors.Wrap(err, "building multipart body")
	}
	if _, err := part.Write(data); err != nil {
		return errors.Wrap(err, "writing multipart body")
	}
	if comment != "" {
		if err := writer.WriteField("comment", comment); err != nil {
			return errors.Wrap(err, "writing multipart comment")
		}
	}
	if err := writer.Close(); err != nil {
		return errors.Wrap(err, "closing multipart body")
	}

	return c.withRetry(ctx, "upload image", func() error {
		cfg, httpClient := c.settings()
		req, err := http.NewRequestWithContext(ctx, "POST",
			fmt.Sprintf("%s/items/%d/uploads", strings.TrimSuffix(cfg.BaseURL, "/"), id), bytes.NewReader(buf.Bytes()))
		if err != nil {
			return errors.Wrap(err, "creating upload request")
		}
		req.Header.Set("Authorization", cfg.APIKey)
		req.Header.Set("Content-Type", writer.FormDataContentType())

		resp, err := httpClient.Do(req)
		if err != nil {
			return classifyTransport(err, ctx)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
			return classifyStatus(resp)
		}
		c.logger.Infow("Image attached to record", "id", id, "image", filepath.Base(imagePath))
		return nil
	})
}

// SetHTTPClient allows overriding the HTTP client for testing.
func (c *Client) SetHTTPClient(client *http.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.override = httpclient.WrapClient(client)
}

func decodeJSON(r io.Reader, v any) error {
	if err := json.NewDecoder(r).Decode(v); err != nil {
		return errors.Wrap(errors.ErrInvalidResponse, err.Error())
	}
	return nil
}

// classifyStatus maps record system response codes to the error taxonomy.
func classifyStatus(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 500))
	msg := fmt.Sprintf("record system returned status %d: %s", resp.StatusCode, string(body))
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errors.Wrap(errors.ErrAuth, msg)
	case resp.StatusCode == http.StatusNotFound:
		return errors.Wrap(errors.ErrNotFound, msg)
	case resp.StatusCode == http.StatusConflict:
		return errors.Wrap(errors.ErrConflict, msg)
	case resp.StatusCode == http.StatusTooManyRequests:
		return errors.Wrap(errors.ErrRateLimited, msg)
	case resp.StatusCode >= 500:
		return errors.Wrap(errors.ErrTransientNetwork, msg)
	case resp.StatusCode == http.StatusBadRequest:
		return errors.Wrap(errors.ErrInvalidRequest, msg)
	default:
		return errors.New(msg)
	}
}

func classifyTransport(err error, ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if strings.Contains(strings.ToLower(err.Error()), "timeout") {
		return errors.Wrap(errors.ErrProviderTimeout, err.Error())
	}
	return errors.Wrap(errors.ErrTransientNetwork, err.Error())
}
