package analysis

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/labshot/labshot/ai/openrouter"
	"github.com/labshot/labshot/ai/provider"
	"github.com/labshot/labshot/am"
	"github.com/labshot/labshot/errors"
)

const systemPrompt = `You are a laboratory asset registrar. You are shown a photograph of a single piece of laboratory equipment. Identify it and respond with a JSON object using exactly these keys:

{
  "title": "short human-readable name of the equipment",
  "manufacturer": "manufacturer name if visible or identifiable",
  "model": "model designation if visible",
  "serial_number": "serial number if readable on a label",
  "description": "one or two sentences describing the equipment and its condition"
}

Leave a key as an empty string if the information is not determinable from the image. Respond with the JSON object only, no other text.`

// Result carries extracted attributes plus the raw model output for
// operator review.
type Result struct {
	Attributes  *Attributes     `json:"attributes"`
	RawResponse string          `json:"raw_response"`
	Model       string          `json:"model"`
	Usage       openrouter.Usage `json:"usage"`
}

// clientFactory builds a chat client from config. Swappable in tests.
type clientFactory func(cfg *am.InferenceConfig, logger *zap.SugaredLogger) provider.AIClient

// Engine runs image analysis with a per-provider concurrency ceiling and an
// optional upstream request rate limit.
type Engine struct {
	store      *am.Store
	logger     *zap.SugaredLogger
	newClient  clientFactory

	mu      sync.Mutex
	slots   chan struct{}
	limiter *rate.Limiter
}

// NewEngine creates an analysis engine bound to the config store. The
// concurrency ceiling and rate limit track config changes.
func NewEngine(store *am.Store, logger *zap.SugaredLogger) *Engine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	e := &Engine{
		store:     store,
		logger:    logger,
		newClient: provider.NewAIClient,
	}
	e.reconfigure(store.Config())
	store.OnChange(e.reconfigure)
	return e
}

func (e *Engine) reconfigure(cfg *am.Config) {
	e.mu.Lock()
	defer e.mu.Unlock()

	maxConcurrent := cfg.Inference.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if e.slots == nil || cap(e.slots) != maxConcurrent {
		e.slots = make(chan struct{}, maxConcurrent)
	}

	if cfg.Inference.RatePerSecond > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.Inference.RatePerSecond), 1)
	} else {
		e.limiter = nil
	}
}

func (e *Engine) acquire(ctx context.Context) (func(), error) {
	e.mu.Lock()
	slots := e.slots
	limiter := e.limiter
	e.mu.Unlock()

	select {
	case slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	release := func() { <-slots }

	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			release()
			return nil, err
		}
	}
	return release, nil
}

// Analyze reads the image at path and extracts asset attributes from it.
func (e *Engine) Analyze(ctx context.Context, imagePath string) (*Result, error) {
	frame, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, errors.Wrapf(err, "reading image %s", imagePath)
	}

	release, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	cfg := e.store.Config()
	client := e.newClient(&cfg.Inference, e.logger)

	e.logger.Infow("Analyzing image",
		"path", imagePath,
		"provider", cfg.Inference.Provider,
		"model", cfg.Inference.Model,
		"bytes", len(frame),
	)

	resp, err := client.Chat(ctx, openrouter.ChatRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   "Identify the laboratory equipment in this photograph.",
		Attachments: []openrouter.ContentPart{
			openrouter.NewImageAttachment(mimeForPath(imagePath), frame),
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "image analysis failed")
	}

	attrs, err := ParseAttributes(resp.Content)
	if err != nil {
		e.logger.Warnw("Model response had no parseable attributes",
			"path", imagePath,
			"response_length", len(resp.Content),
		)
		return nil, err
	}

	e.logger.Infow("Attributes extracted",
		"path", imagePath,
		"title", attrs.Title,
		"manufacturer", attrs.Manufacturer,
		"serial", attrs.SerialNumber != "",
		"tokens", resp.Usage.TotalTokens,
	)

	return &Result{
		Attributes:  attrs,
		RawResponse: resp.Content,
		Model:       cfg.Inference.Model,
		Usage:       resp.Usage,
	}, nil
}

func mimeForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	default:
		return "image/jpeg"
	}
}
