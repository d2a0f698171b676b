package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labshot/labshot/ai/openrouter"
)

func TestLocalClientChat(t *testing.T) {
	var gotPath string
	var gotReq openrouter.ChatCompletionRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotReq)
		json.NewEncoder(w).Encode(openrouter.ChatCompletionResponse{
			Choices: []openrouter.Choice{
				{Message: openrouter.NewTextMessage("assistant", "a microscope")},
			},
		})
	}))
	defer server.Close()

	client := NewLocalClient(LocalConfig{BaseURL: server.URL, Model: "qwen2.5vl"})
	client.SetHTTPClient(server.Client())

	resp, err := client.Chat(context.Background(), openrouter.ChatRequest{
		SystemPrompt: "identify equipment",
		UserPrompt:   "what is this?",
		Attachments:  []openrouter.ContentPart{openrouter.NewImageAttachment("image/jpeg", []byte{1, 2, 3})},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "a microscope" {
		t.Errorf("unexpected content: %s", resp.Content)
	}
	if gotPath != "/v1/chat/completions" {
		t.Errorf("unexpected path: %s", gotPath)
	}
	if gotReq.Model != "qwen2.5vl" {
		t.Errorf("unexpected model: %s", gotReq.Model)
	}
	if len(gotReq.Messages) != 2 {
		t.Errorf("expected system + user messages, got %d", len(gotReq.Messages))
	}
}

func TestLocalClientDefaults(t *testing.T) {
	client := NewLocalClient(LocalConfig{})
	if client.baseURL != "http://localhost:11434" {
		t.Errorf("unexpected default base URL: %s", client.baseURL)
	}
	if client.config.Model != DefaultLocalModel {
		t.Errorf("unexpected default model: %s", client.config.Model)
	}
}
