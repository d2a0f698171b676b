package openrouter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labshot/labshot/errors"
)

// TestClient_Configuration tests client configuration and defaults
func TestClient_Configuration(t *testing.T) {
	t.Run("applies default values", func(t *testing.T) {
		client := NewClient(Config{
			APIKey: "test-key",
		})

		if client.config.Model != "openai/gpt-4o-mini" {
			t.Errorf("expected default model 'openai/gpt-4o-mini', got %s", client.config.Model)
		}
		if client.config.Temperature == nil || *client.config.Temperature != 0.2 {
			t.Errorf("expected default temperature 0.2, got %v", client.config.Temperature)
		}
		if client.config.MaxTokens == nil || *client.config.MaxTokens != 1000 {
			t.Errorf("expected default max tokens 1000, got %v", client.config.MaxTokens)
		}
		if client.config.MaxRetries != 3 {
			t.Errorf("expected default max retries 3, got %d", client.config.MaxRetries)
		}
	})

	t.Run("preserves custom values", func(t *testing.T) {
		temp := 0.8
		tokens := 2000
		client := NewClient(Config{
			APIKey:      "test-key",
			Model:       "custom/model",
			Temperature: &temp,
			MaxTokens:   &tokens,
		})

		if client.config.Model != "custom/model" {
			t.Errorf("expected custom model, got %s", client.config.Model)
		}
		if *client.config.Temperature != 0.8 {
			t.Errorf("expected custom temperature, got %f", *client.config.Temperature)
		}
		if *client.config.MaxTokens != 2000 {
			t.Errorf("expected custom max tokens, got %d", *client.config.MaxTokens)
		}
	})
}

// TestClient_IsConfigured tests API key validation
func TestClient_IsConfigured(t *testing.T) {
	if !NewClient(Config{APIKey: "test-key"}).IsConfigured() {
		t.Error("expected IsConfigured to return true")
	}
	if NewClient(Config{}).IsConfigured() {
		t.Error("expected IsConfigured to return false")
	}
}

func mockResponse(content string) ChatCompletionResponse {
	return ChatCompletionResponse{
		ID:      "test-id",
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   "test-model",
		Choices: []Choice{
			{
				Index:        0,
				Message:      NewTextMessage("assistant", content),
				FinishReason: "stop",
			},
		},
		Usage: Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
	}
}

// TestClient_Chat tests the high-level Chat method
func TestClient_Chat(t *testing.T) {
	t.Run("successful request", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != "POST" {
				t.Errorf("expected POST, got %s", r.Method)
			}
			if r.Header.Get("Authorization") != "Bearer test-key" {
				t.Error("expected authorization header")
			}
			json.NewEncoder(w).Encode(mockResponse("Test response content"))
		}))
		defer server.Close()

		client := NewClient(Config{APIKey: "test-key"})
		client.SetBaseURL(server.URL)
		client.SetHTTPClient(server.Client())

		resp, err := client.Chat(context.Background(), ChatRequest{
			SystemPrompt: "You are a test assistant",
			UserPrompt:   "Hello",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if resp.Content != "Test response content" {
			t.Errorf("unexpected content: %s", resp.Content)
		}
		if resp.Usage.TotalTokens != 30 {
			t.Errorf("unexpected usage: %+v", resp.Usage)
		}
	})

	t.Run("missing API key fails fast", func(t *testing.T) {
		client := NewClient(Config{})
		_, err := client.Chat(context.Background(), ChatRequest{UserPrompt: "hi"})
		if err == nil {
			t.Fatal("expected error")
		}
		if !errors.Is(err, errors.ErrAuth) {
			t.Errorf("expected auth error, got %v", err)
		}
	})

	t.Run("auth failure is not retried", func(t *testing.T) {
		calls := 0
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer server.Close()

		client := NewClient(Config{APIKey: "bad-key"})
		client.SetBaseURL(server.URL)
		client.SetHTTPClient(server.Client())

		_, err := client.Chat(context.Background(), ChatRequest{UserPrompt: "hi"})
		if !errors.Is(err, errors.ErrAuth) {
			t.Errorf("expected auth error, got %v", err)
		}
		if calls != 1 {
			t.Errorf("expected 1 call, got %d", calls)
		}
	})

	t.Run("rate limit is retried", func(t *testing.T) {
		calls := 0
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			if calls == 1 {
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			json.NewEncoder(w).Encode(mockResponse("recovered"))
		}))
		defer server.Close()

		client := NewClient(Config{APIKey: "test-key"})
		client.SetBaseURL(server.URL)
		client.SetHTTPClient(server.Client())

		resp, err := client.Chat(context.Background(), ChatRequest{UserPrompt: "hi"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if resp.Content != "recovered" {
			t.Errorf("unexpected content: %s", resp.Content)
		}
		if calls != 2 {
			t.Errorf("expected 2 calls, got %d", calls)
		}
	})

	t.Run("multimodal request serializes content array", func(t *testing.T) {
		var gotBody ChatCompletionRequest
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewDecoder(r.Body).Decode(&gotBody)
			json.NewEncoder(w).Encode(mockResponse("ok"))
		}))
		defer server.Close()

		client := NewClient(Config{APIKey: "test-key"})
		client.SetBaseURL(server.URL)
		client.SetHTTPClient(server.Client())

		attachment := NewImageAttachment("image/jpeg", []byte{0xFF, 0xD8, 0xFF})
		_, err := client.Chat(context.Background(), ChatRequest{
			SystemPrompt: "extract attributes",
			UserPrompt:   "describe this equipment",
			Attachments:  []ContentPart{attachment},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if len(gotBody.Messages) != 2 {
			t.Fatalf("expected system + user messages, got %d", len(gotBody.Messages))
		}
		userContent := string(gotBody.Messages[1].Content)
		if !strings.Contains(userContent, "image_url") {
			t.Errorf("expected image_url part in content: %s", userContent)
		}
		if !strings.Contains(userContent, "data:image/jpeg;base64,") {
			t.Errorf("expected data URI in content: %s", userContent)
		}
	})
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status   int
		sentinel error
	}{
		{http.StatusUnauthorized, errors.ErrAuth},
		{http.StatusForbidden, errors.ErrAuth},
		{http.StatusTooManyRequests, errors.ErrRateLimited},
		{http.StatusRequestTimeout, errors.ErrProviderTimeout},
		{http.StatusInternalServerError, errors.ErrTransientNetwork},
		{529, errors.ErrTransientNetwork},
		{http.StatusBadRequest, errors.ErrProvider},
	}
	for _, tt := range tests {
		err := ClassifyStatus(tt.status, []byte("body"))
		if !errors.Is(err, tt.sentinel) {
			t.Errorf("status %d: expected sentinel %v, got %v", tt.status, tt.sentinel, err)
		}
	}
}

func TestMessageTextContent(t *testing.T) {
	msg := NewTextMessage("assistant", "hello")
	if msg.TextContent() != "hello" {
		t.Errorf("round trip failed: %s", msg.TextContent())
	}
}

// TestChat_RetryExhaustion verifies the failure kind after retries run out:
// persistent rate limiting with max_retries=2 makes three calls total and
// surfaces a provider error, not the transient kind of the last attempt.
func TestChat_RetryExhaustion(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewClient(Config{APIKey: "test-key", MaxRetries: 2})
	client.SetBaseURL(server.URL)
	client.SetHTTPClient(server.Client())

	_, err := client.Chat(context.Background(), ChatRequest{UserPrompt: "hi"})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 3 {
		t.Errorf("expected 1 initial call + 2 retries = 3 calls, got %d", calls)
	}
	if got := errors.KindOf(err); got != errors.KindProvider {
		t.Errorf("expected kind %q, got %q (%v)", errors.KindProvider, got, err)
	}
	if errors.IsRetryable(err) {
		t.Errorf("exhaustion error must not be retryable: %v", err)
	}
}
