// Package anthropic implements a direct Anthropic Messages API client that
// satisfies the shared provider interface.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/labshot/labshot/ai/openrouter"
	"github.com/labshot/labshot/errors"
	"github.com/labshot/labshot/internal/httpclient"
)

const (
	// DefaultModel is the default Claude model
	DefaultModel = "claude-sonnet-4-20250514"

	// BaseURL is the Anthropic API endpoint
	BaseURL = "https://api.anthropic.com/v1"

	// APIVersion is the required Anthropic API version header
	APIVersion = "2023-06-01"
)

// Client represents an Anthropic API client
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *httpclient.SaferClient
	config     Config
	logger     *zap.SugaredLogger
}

// Config holds Anthropic client configuration
type Config struct {
	APIKey         string
	Model          string
	Temperature    float64 // 0 = default 0.2
	MaxTokens      int     // 0 = default 4096
	TimeoutSeconds int     // 0 = 120s
	MaxRetries     int     // 0 = 3
	Logger         *zap.SugaredLogger
}

// NewClient creates a new Anthropic API client
func NewClient(config Config) *Client {
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.Temperature == 0 {
		config.Temperature = 0.2
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = 4096
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

// MessagesRequest represents a request to the Anthropic Messages API
type MessagesRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Messages    []Message `json:"messages"`
	System      string    `json:"system,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

// Message represents a message in the conversation. Content is always a
// block array so text and image blocks can mix in one user turn.
type Message struct {
	Role    string         `json:"role"` // "user" or "assistant"
	Content []ContentBlock `json:"content"`
}

// ContentBlock represents a content block in a request or response
type ContentBlock struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *ImageSource `json:"source,omitempty"`
}

// ImageSource holds a base64-encoded image for vision requests
type ImageSource struct {
	Type      string `json:"type"` // "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// MessagesResponse represents the response from the Messages API
type MessagesResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Content      []ContentBlock `json:"content"`
	Model        string         `json:"model"`
	StopReason   string         `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence,omitempty"`
	Usage        Usage          `json:"usage"`
}

// Usage represents token usage information
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Chat implements the shared provider interface for Anthropic.
// Image attachments arrive as data-URI content parts and are converted to
// Anthropic base64 source blocks.
func (c *Client) Chat(ctx context.Context, req openrouter.ChatRequest) (*openrouter.ChatResponse, error) {
	if c.config.APIKey == "" {
		return nil, errors.Wrap(errors.ErrAuth, "Anthropic API key not configured")
	}

	temperature := c.config.Temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}

	maxTokens := c.config.MaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	model := c.config.Model
	if req.Model != nil {
		model = *req.Model
	}

	c.logger.Debugw("AI chat request",
		"provider", "anthropic",
		"model", model,
		"temperature", temperature,
		"max_tokens", maxTokens,
		"attachments", len(req.Attachments),
	)

	blocks, err := buildContentBlocks(req)
	if err != nil {
		return nil, err
	}

	anthropicReq := MessagesRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		System:      req.SystemPrompt,
		Messages: []Message{
			{Role: "user", Content: blocks},
		},
	}

	resp, err := openrouter.RetryChat(ctx, c.config.MaxRetries, c.logger, func() (*MessagesResponse, error) {
		return c.createMessages(ctx, anthropicReq)
	})
	if err != nil {
		return nil, errors.Wrap(err, "Anthropic API error")
	}

	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	c.logger.Debugw("Anthropic response",
		"content_length", content.Len(),
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
	)

	return &openrouter.ChatResponse{
		Content: strings.TrimSpace(content.String()),
		Usage: openrouter.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}, nil
}

// buildContentBlocks places image blocks before the text block, per
// Anthropic's vision guidance.
func buildContentBlocks(req openrouter.ChatRequest) ([]ContentBlock, error) {
	blocks := make([]ContentBlock, 0, 1+len(req.Attachments))
	for _, part := range req.Attachments {
		if part.ImageURL == nil {
			continue
		}
		mediaType, data, err := parseDataURI(part.ImageURL.URL)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, ContentBlock{
			Type:   "image",
			Source: &ImageSource{Type: "base64", MediaType: mediaType, Data: data},
		})
	}
	blocks = append(blocks, ContentBlock{Type: "text", Text: req.UserPrompt})
	return blocks, nil
}

// parseDataURI splits "data:{mime};base64,{data}" into its parts.
func parseDataURI(uri string) (mediaType, data string, err error) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return "", "", errors.Newf("attachment is not a data URI")
	}
	meta, data, ok := strings.Cut(rest, ",")
	if !ok {
		return "", "", errors.Newf("malformed data URI")
	}
	mediaType = strings.TrimSuffix(meta, ";base64")
	return mediaType, data, nil
}

// createMessages sends a request to the Anthropic Messages API
func (c *Client) createMessages(ctx context.Context, req MessagesRequest) (*MessagesResponse, error) {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/messages", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", APIVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, openrouter.ClassifyTransportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response")
	}

	if resp.StatusCode != http.StatusOK {
		// 529 is Anthropic's overloaded status, treated like any transient 5xx
		return nil, openrouter.ClassifyStatus(resp.StatusCode, respBody)
	}

	var messagesResp MessagesResponse
	if err := json.Unmarshal(respBody, &messagesResp); err != nil {
		return nil, errors.Wrap(errors.ErrInvalidResponse, err.Error())
	}

	return &messagesResp, nil
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
