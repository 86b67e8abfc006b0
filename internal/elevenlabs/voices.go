package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
)

type Voice struct {
	VoiceID    string            `json:"voice_id"`
	Name       string            `json:"name"`
	Category   string            `json:"category,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
	PreviewURL string            `json:"preview_url,omitempty"`
}

func (c *Client) ListVoices(ctx context.Context) ([]Voice, error) {
	var out struct {
		Voices []Voice `json:"voices"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/voices", nil, &out); err != nil {
		return nil, err
	}
	return out.Voices, nil
}

func (c *Client) GetVoice(ctx context.Context, id string) (*Voice, error) {
	var v Voice
	if err := c.doJSON(ctx, http.MethodGet, "/v1/voices/"+escape(id), nil, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// TextToSpeech streams mp3 audio for text spoken with voiceID.
// The caller must close the returned reader.
func (c *Client) TextToSpeech(ctx context.Context, voiceID, text string) (io.ReadCloser, error) {
	b, err := json.Marshal(map[string]string{"text": text, "model_id": TTSModel})
	if err != nil {
		return nil, err
	}
	path := "/v1/text-to-speech/" + escape(voiceID) + "/stream?output_format=" + TTSOutputFormat
	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(b), "application/json")
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "audio/mpeg")
	resp, err := c.send(req)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}
