package provider

import (
	"testing"

	"github.com/labshot/labshot/am"
)

func TestParseProvider(t *testing.T) {
	tests := []struct {
		input   string
		want    Provider
		wantErr bool
	}{
		{"local", ProviderLocal, false},
		{"ollama", ProviderLocal, false},
		{"openrouter", ProviderOpenRouter, false},
		{"anthropic", ProviderAnthropic, false},
		{"claude", ProviderAnthropic, false},
		{"auto", ProviderAuto, false},
		{"", ProviderAuto, false},
		{"Anthropic", ProviderAnthropic, false},
		{"gpt9", "", true},
	}
	for _, tt := range tests {
		got, err := ParseProvider(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseProvider(%q): expected error", tt.input)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseProvider(%q): unexpected error %v", tt.input, err)
		}
		if got != tt.want {
			t.Errorf("ParseProvider(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestAutoSelect(t *testing.T) {
	tests := []struct {
		name string
		cfg  am.InferenceConfig
		want Provider
	}{
		{"no key falls back to local", am.InferenceConfig{}, ProviderLocal},
		{"anthropic-shaped key", am.InferenceConfig{APIKey: "sk-ant-abc"}, ProviderAnthropic},
		{"claude model name", am.InferenceConfig{APIKey: "key", Model: "claude-sonnet-4"}, ProviderAnthropic},
		{"other key goes to openrouter", am.InferenceConfig{APIKey: "sk-or-abc"}, ProviderOpenRouter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := autoSelect(&tt.cfg); got != tt.want {
				t.Errorf("autoSelect = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewAIClientWithProviderReturnsRequestedType(t *testing.T) {
	cfg := &am.InferenceConfig{APIKey: "k", TimeoutSeconds: 5}

	if _, ok := NewAIClientWithProvider(cfg, ProviderLocal, nil).(*LocalClient); !ok {
		t.Error("expected LocalClient for local provider")
	}
	if NewAIClientWithProvider(cfg, ProviderAnthropic, nil) == nil {
		t.Error("expected anthropic client")
	}
	if NewAIClientWithProvider(cfg, ProviderOpenRouter, nil) == nil {
		t.Error("expected openrouter client")
	}
}
