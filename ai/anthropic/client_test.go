package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labshot/labshot/ai/openrouter"
	"github.com/labshot/labshot/errors"
)

func TestChatConvertsAttachmentsToImageBlocks(t *testing.T) {
	var gotReq MessagesRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "sk-ant-test" {
			t.Error("expected x-api-key header")
		}
		if r.Header.Get("anthropic-version") != APIVersion {
			t.Error("expected anthropic-version header")
		}
		json.NewDecoder(r.Body).Decode(&gotReq)
		json.NewEncoder(w).Encode(MessagesResponse{
			Content: []ContentBlock{{Type: "text", Text: "a centrifuge"}},
			Usage:   Usage{InputTokens: 100, OutputTokens: 5},
		})
	}))
	defer server.Close()

	client := NewClient(Config{APIKey: "sk-ant-test"})
	client.SetBaseURL(server.URL)
	client.SetHTTPClient(server.Client())

	resp, err := client.Chat(context.Background(), openrouter.ChatRequest{
		SystemPrompt: "identify equipment",
		UserPrompt:   "what is this?",
		Attachments:  []openrouter.ContentPart{openrouter.NewImageAttachment("image/png", []byte{9, 8, 7})},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "a centrifuge" {
		t.Errorf("unexpected content: %s", resp.Content)
	}
	if resp.Usage.TotalTokens != 105 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}

	if gotReq.System != "identify equipment" {
		t.Errorf("system prompt not set: %q", gotReq.System)
	}
	if len(gotReq.Messages) != 1 {
		t.Fatalf("expected one user message, got %d", len(gotReq.Messages))
	}
	blocks := gotReq.Messages[0].Content
	if len(blocks) != 2 {
		t.Fatalf("expected image + text blocks, got %d", len(blocks))
	}
	if blocks[0].Type != "image" || blocks[0].Source == nil {
		t.Errorf("expected image block first, got %+v", blocks[0])
	}
	if blocks[0].Source.MediaType != "image/png" {
		t.Errorf("unexpected media type: %s", blocks[0].Source.MediaType)
	}
	if blocks[1].Type != "text" || blocks[1].Text != "what is this?" {
		t.Errorf("expected text block last, got %+v", blocks[1])
	}
}

func TestChatMissingKey(t *testing.T) {
	client := NewClient(Config{})
	_, err := client.Chat(context.Background(), openrouter.ChatRequest{UserPrompt: "hi"})
	if !errors.Is(err, errors.ErrAuth) {
		t.Errorf("expected auth error, got %v", err)
	}
}

func TestParseDataURI(t *testing.T) {
	mediaType, data, err := parseDataURI("data:image/jpeg;base64,abc123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mediaType != "image/jpeg" {
		t.Errorf("unexpected media type: %s", mediaType)
	}
	if data != "abc123" {
		t.Errorf("unexpected data: %s", data)
	}

	if _, _, err := parseDataURI("http://example.com/img.jpg"); err == nil {
		t.Error("expected error for non data URI")
	}
}
