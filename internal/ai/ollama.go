package ai

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// OllamaProvider talks to a local ollama server over /api/chat.
type OllamaProvider struct {
	BaseURL string
	Model   string
	Client  *http.Client
}

func NewOllamaProvider(baseURL, model string) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3:latest"
	}
	return &OllamaProvider{
		BaseURL: baseURL,
		Model:   model,
		// the pipeline applies its own completion deadline through ctx
		Client: &http.Client{Timeout: 90 * time.Second},
	}
}

func (p *OllamaProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	var out struct {
		Message Message `json:"message"`
		Error   string  `json:"error,omitempty"`
	}
	err := postJSON(ctx, p.Client, "ollama", joinURL(p.BaseURL, "/api/chat"), nil, newChatRequest(p.Model, messages), &out)
	if err != nil {
		return "", err
	}
	if out.Error != "" {
		return "", errors.New("ollama: " + out.Error)
	}
	return out.Message.Content, nil
}
