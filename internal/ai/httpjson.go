package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// chatRequest is the non-streaming chat body shared by ollama and openrouter.
type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

func newChatRequest(model string, messages []Message) chatRequest {
	req := chatRequest{Model: model, Messages: make([]Message, 0, len(messages))}
	for _, m := range messages {
		req.Messages = append(req.Messages, Message{Role: legacyRole(m.Role), Content: m.Content})
	}
	return req
}

// postJSON sends in as JSON and decodes a 2xx body into out. Error bodies are
// cut to 4KB and returned as the error text.
func postJSON(ctx context.Context, client *http.Client, name, url string, header http.Header, in, out any) error {
	if client == nil {
		return fmt.Errorf("%s: http client is nil", name)
	}
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		return fmt.Errorf("%s: status %d: %s", name, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", name, err)
	}
	return nil
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + path
}
