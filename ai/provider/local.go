package provider

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

// LocalClient talks to a local OpenAI-compatible inference server
// (Ollama, LocalAI). No credentials, private targets allowed.
type LocalClient struct {
	baseURL    string
	httpClient *httpclient.SaferClient
	config     LocalConfig
	logger     *zap.SugaredLogger
}

// LocalConfig holds local inference configuration
type LocalConfig struct {
	BaseURL        string
	Model          string
	Temperature    *float64
	MaxTokens      *int
	TimeoutSeconds int
	MaxRetries     int
	Logger         *zap.SugaredLogger
}

// DefaultLocalModel is used when no model is configured. Vision-capable
// models are required for image analysis.
const DefaultLocalModel = "qwen2.5vl"

// NewLocalClient creates a client for a local inference server
func NewLocalClient(cfg LocalConfig) *LocalClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Model == "" {
		cfg.Model = DefaultLocalModel
	}
	if cfg.TimeoutSeconds == 0 {
		cfg.TimeoutSeconds = 120
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	// Local servers live on loopback or the LAN
	client := httpclient.NewWithOptions(
		time.Duration(cfg.TimeoutSeconds)*time.Second,
		httpclient.Options{AllowLocal: true},
	)

	return &LocalClient{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: client,
		config:     cfg,
		logger:     logger,
	}
}

// Chat implements the AIClient interface against the OpenAI-compatible
// /v1/chat/completions endpoint. Multimodal content arrays pass through
// unchanged; Ollama accepts the same image_url data-URI format.
func (lc *LocalClient) Chat(ctx context.Context, req openrouter.ChatRequest) (*openrouter.ChatResponse, error) {
	temperature := 0.2
	if lc.config.Temperature != nil {
		temperature = *lc.config.Temperature
	}
	if req.Temperature != nil {
		temperature = *req.Temperature
	}

	maxTokens := 1000
	if lc.config.MaxTokens != nil {
		maxTokens = *lc.config.MaxTokens
	}
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	model := lc.config.Model
	if req.Model != nil {
		model = *req.Model
	}

	var userMsg openrouter.Message
	if len(req.Attachments) > 0 {
		userMsg = openrouter.NewMultimodalMessage("user", req.UserPrompt, req.Attachments)
	} else {
		userMsg = openrouter.NewTextMessage("user", req.UserPrompt)
	}
	messages := []openrouter.Message{userMsg}
	if req.SystemPrompt != "" {
		messages = append([]openrouter.Message{openrouter.NewTextMessage("system", req.SystemPrompt)}, messages...)
	}

	completionReq := openrouter.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}

	lc.logger.Debugw("AI chat request",
		"provider", "local",
		"endpoint", lc.baseURL,
		"model", model,
		"attachments", len(req.Attachments),
	)

	resp, err := openrouter.RetryChat(ctx, lc.config.MaxRetries, lc.logger, func() (*openrouter.ChatCompletionResponse, error) {
		return lc.createChatCompletion(ctx, completionReq)
	})
	if err != nil {
		return nil, errors.Wrap(err, "local inference error")
	}

	if len(resp.Choices) == 0 {
		return nil, errors.Wrap(errors.ErrInvalidResponse, "no response choices from local server")
	}

	return &openrouter.ChatResponse{
		Content: strings.TrimSpace(resp.Choices[0].Message.TextContent()),
		Usage:   resp.Usage,
	}, nil
}

func (lc *LocalClient) createChatCompletion(ctx context.Context, req openrouter.ChatCompletionRequest) (*openrouter.ChatCompletionResponse, error) {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal request")
	}

	endpoint := lc.baseURL + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := lc.httpClient.Do(httpReq)
	if err != nil {
		return nil, openrouter.ClassifyTransportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, openrouter.ClassifyStatus(resp.StatusCode, respBody)
	}

	var chatResp openrouter.ChatCompletionResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, errors.Wrap(errors.ErrInvalidResponse, err.Error())
	}

	return &chatResp, nil
}

// SetHTTPClient allows overriding the HTTP client for testing.
func (lc *LocalClient) SetHTTPClient(client *http.Client) {
	lc.httpClient = httpclient.WrapClient(client)
}
