// Package openrouter implements the OpenRouter.ai chat client and defines the
// chat request/response types shared by every provider.
package openrouter

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/labshot/labshot/errors"
	"github.com/labshot/labshot/internal/httpclient"
)

const (
	// DefaultModel is the fallback vision model when none is specified
	DefaultModel = "openai/gpt-4o-mini"

	// BaseURL is the OpenRouter API endpoint
	BaseURL = "https://openrouter.ai/api/v1"
)

// Client represents an OpenRouter.ai API client
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *httpclient.SaferClient
	config     Config
	logger     *zap.SugaredLogger
}

// Config holds OpenRouter client configuration
type Config struct {
	APIKey         string
	Model          string
	Temperature    *float64 // nil = use default (0.2)
	MaxTokens      *int     // nil = use default (1000)
	TimeoutSeconds int      // 0 = 120s
	MaxRetries     int      // 0 = 3
	Logger         *zap.SugaredLogger
}

// NewClient creates a new OpenRouter.ai client
func NewClient(config Config) *Client {
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.Temperature == nil {
		defaultTemp := 0.2
		config.Temperature = &defaultTemp
	}
	if config.MaxTokens == nil {
		defaultTokens := 1000
		config.MaxTokens = &defaultTokens
	}
	if config.TimeoutSeconds == 0 {
		config.TimeoutSeconds = 120
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &Client{
		apiKey:     config.APIKey,
		baseURL:    BaseURL,
		httpClient: httpclient.New(time.Duration(config.TimeoutSeconds) * time.Second),
		config:     config,
		logger:     logger,
	}
}

// ChatCompletionRequest represents a request to the chat completions endpoint
type ChatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// ChatRequest represents a high-level request to the AI
type ChatRequest struct {
	SystemPrompt string
	UserPrompt   string
	Temperature  *float64      // Override default temperature
	MaxTokens    *int          // Override default max tokens
	Model        *string       // Override default model
	Attachments  []ContentPart // Multimodal attachments (images) — not serialized to JSON
}

// ChatResponse represents the AI response
type ChatResponse struct {
	Content string
	Usage   Usage
}

// ContentPart represents a single part in a multimodal message content array.
// Images use type "image_url" with a data URI.
type ContentPart struct {
	Type     string            `json:"type"`
	Text     string            `json:"text,omitempty"`
	ImageURL *ContentPartImage `json:"image_url,omitempty"`
}

// ContentPartImage holds a data URI for an image attachment.
// URL is a data URI: "data:{mime};base64,{data}"
type ContentPartImage struct {
	URL string `json:"url"`
}

// NewImageAttachment builds an image content part from raw bytes.
func NewImageAttachment(mimeType string, data []byte) ContentPart {
	uri := fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(data))
	return ContentPart{Type: "image_url", ImageURL: &ContentPartImage{URL: uri}}
}

// Message represents a message in a chat completion.
// Content is json.RawMessage so it can serialize as either a plain string
// (for text-only) or a []ContentPart array (for multimodal).
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// NewTextMessage creates a Message with plain text content.
func NewTextMessage(role, text string) Message {
	raw, _ := json.Marshal(text)
	return Message{Role: role, Content: raw}
}

// NewMultimodalMessage creates a Message with a content parts array (text + attachments).
func NewMultimodalMessage(role, text string, attachments []ContentPart) Message {
	parts := make([]ContentPart, 0, 1+len(attachments))
	parts = append(parts, ContentPart{Type: "text", Text: text})
	parts = append(parts, attachments...)
	raw, _ := json.Marshal(parts)
	return Message{Role: role, Content: raw}
}

// TextContent extracts the plain text from Content.
// LLM responses are always plain strings; this unmarshals back from json.RawMessage.
func (m Message) TextContent() string {
	var s string
	if err := json.Unmarshal(m.Content, &s); err != nil {
		return string(m.Content)
	}
	return s
}

// ChatCompletionResponse represents the response from chat completions
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Choice represents a completion choice
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage represents token usage information
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CreateChatCompletion sends a chat completion request to OpenRouter
func (c *Client) CreateChatCompletion(ctx context.Context, req ChatCompletionRequest) (*ChatCompletionResponse, error) {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("X-Title", "labshot")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, ClassifyTransportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, ClassifyStatus(resp.StatusCode, respBody)
	}

	var chatResp ChatCompletionResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, errors.Wrap(errors.ErrInvalidResponse, err.Error())
	}

	return &chatResp, nil
}

// Chat sends a chat completion request with retry logic for transient failures
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if c.config.APIKey == "" {
		return nil, errors.Wrap(errors.ErrAuth, "OpenRouter API key not configured")
	}

	temperature := *c.config.Temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}

	maxTokens := *c.config.MaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	model := c.config.Model
	if req.Model != nil {
		model = *req.Model
	}

	c.logger.Debugw("AI chat request",
		"provider", "openrouter",
		"model", model,
		"temperature", temperature,
		"max_tokens", maxTokens,
		"attachments", len(req.Attachments),
	)

	var userMsg Message
	if len(req.Attachments) > 0 {
		userMsg = NewMultimodalMessage("user", req.UserPrompt, req.Attachments)
	} else {
		userMsg = NewTextMessage("user", req.UserPrompt)
	}
	messages := []Message{userMsg}

	if req.SystemPrompt != "" {
		messages = append([]Message{NewTextMessage("system", req.SystemPrompt)}, messages...)
	}

	openrouterReq := ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}

	resp, err := RetryChat(ctx, c.config.MaxRetries, c.logger, func() (*ChatCompletionResponse, error) {
		return c.CreateChatCompletion(ctx, openrouterReq)
	})
	if err != nil {
		return nil, errors.Wrap(err, "OpenRouter API error")
	}

	if len(resp.Choices) == 0 {
		return nil, errors.Wrap(errors.ErrInvalidResponse, "no response choices from OpenRouter")
	}

	responseText := resp.Choices[0].Message.TextContent()

	c.logger.Debugw("OpenRouter response",
		"content_length", len(responseText),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"total_tokens", resp.Usage.TotalTokens,
	)

	return &ChatResponse{
		Content: strings.TrimSpace(responseText),
		Usage:   resp.Usage,
	}, nil
}

// Retry backoff shape shared by every provider client.
const (
	retryBaseDelay = time.Second
	retryMaxDelay  = 30 * time.Second
)

// RetryChat runs fn once plus up to maxRetries retries, with capped
// exponential backoff between attempts. Only errors classified as
// retryable are retried; exhaustion surfaces as a provider error, not
// the transient kind of the last attempt.
func RetryChat[T any](ctx context.Context, maxRetries int, logger *zap.SugaredLogger, fn func() (*T, error)) (*T, error) {
	var resp *T
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := httpclient.Backoff(attempt, retryBaseDelay, retryMaxDelay)
			logger.Debugw("Retrying provider request", "attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		resp, err = fn()
		if err == nil {
			if attempt > 0 {
				logger.Infow("Provider request succeeded after retries", "attempts", attempt+1)
			}
			return resp, nil
		}

		logger.Warnw("Provider request failed", "attempt", attempt+1, "max_retries", maxRetries, "error", err)
		if !errors.IsRetryable(err) {
			return nil, err
		}
	}
	return nil, errors.Wrapf(errors.ErrProvider, "retries exhausted after %d attempts: %s", maxRetries+1, err)
}

// ClassifyStatus maps a non-200 provider response to the error taxonomy.
func ClassifyStatus(status int, body []byte) error {
	msg := fmt.Sprintf("provider returned status %d: %s", status, truncate(string(body), 500))
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errors.Wrap(errors.ErrAuth, msg)
	case status == http.StatusTooManyRequests:
		return errors.Wrap(errors.ErrRateLimited, msg)
	case status == http.StatusRequestTimeout:
		return errors.Wrap(errors.ErrProviderTimeout, msg)
	case status >= 500:
		return errors.Wrap(errors.ErrTransientNetwork, msg)
	default:
		return errors.Wrap(errors.ErrProvider, msg)
	}
}

// ClassifyTransportError maps connection-level failures to the error taxonomy.
func ClassifyTransportError(err error) error {
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return errors.Wrap(errors.ErrProviderTimeout, err.Error())
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if errno, ok := opErr.Err.(syscall.Errno); ok {
			switch errno {
			case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ETIMEDOUT:
				return errors.Wrap(errors.ErrTransientNetwork, err.Error())
			}
		}
	}

	// Fallback for errors the transport stack reports only as strings
	errStr := strings.ToLower(err.Error())
	networkErrors := []string{
		"connection reset by peer",
		"connection refused",
		"timeout",
		"temporary failure",
		"network is unreachable",
		"i/o timeout",
	}
	for _, netErr := range networkErrors {
		if strings.Contains(errStr, netErr) {
			return errors.Wrap(errors.ErrTransientNetwork, err.Error())
		}
	}

	return errors.Wrap(err, "failed to send request")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// IsConfigured returns true if the client has a valid API key
func (c *Client) IsConfigured() bool {
	return c.config.APIKey != ""
}

// SetHTTPClient allows overriding the HTTP client for testing.
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = httpclient.WrapClient(client)
}

// SetBaseURL allows overriding the API endpoint for testing.
func (c *Client) SetBaseURL(url string) {
	c.baseURL = url
}
