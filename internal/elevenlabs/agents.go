package elevenlabs

import (
	"context"
	"errors"
	"net/http"
)

type PromptConfig struct {
	Prompt        string         `json:"prompt,omitempty"`
	LLM           string         `json:"llm,omitempty"`
	KnowledgeBase []KnowledgeRef `json:"knowledge_base,omitempty"`
}

type AgentConfig struct {
	Prompt       PromptConfig `json:"prompt"`
	FirstMessage string       `json:"first_message,omitempty"`
	Language     string       `json:"language,omitempty"`
}

type TTSConfig struct {
	ModelID string `json:"model_id,omitempty"`
	VoiceID string `json:"voice_id,omitempty"`
}

type ConversationConfig struct {
	Agent AgentConfig `json:"agent"`
	TTS   TTSConfig   `json:"tts"`
}

type KnowledgeRef struct {
	Type string `json:"type"`
	Name string `json:"name"`
	ID   string `json:"id"`
}

// AgentRequest is the body of create and update calls. Update is a partial
// patch, so every field may be left empty.
type AgentRequest struct {
	Name               string              `json:"name,omitempty"`
	ConversationConfig *ConversationConfig `json:"conversation_config,omitempty"`
	PlatformSettings   map[string]any      `json:"platform_settings,omitempty"`
}

// AgentDetails is the platform's view of an agent, passed through untouched.
type AgentDetails map[string]any

func (c *Client) CreateAgent(ctx context.Context, in AgentRequest) (string, error) {
	var out struct {
		AgentID string `json:"agent_id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/convai/agents/create", in, &out); err != nil {
		return "", err
	}
	if out.AgentID == "" {
		return "", errors.New("elevenlabs: create agent returned no agent_id")
	}
	return out.AgentID, nil
}

func (c *Client) GetAgent(ctx context.Context, id string) (AgentDetails, error) {
	var out AgentDetails
	if err := c.doJSON(ctx, http.MethodGet, "/v1/convai/agents/"+escape(id), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) UpdateAgent(ctx context.Context, id string, in AgentRequest) (AgentDetails, error) {
	var out AgentDetails
	if err := c.doJSON(ctx, http.MethodPatch, "/v1/convai/agents/"+escape(id), in, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) DeleteAgent(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/convai/agents/"+escape(id), nil, nil)
}

// AddKnowledge uploads a url or a file to the agent's knowledge base and
// returns the new document id.
func (c *Client) AddKnowledge(ctx context.Context, agentID, sourceURL string, file *FilePart) (string, error) {
	if sourceURL == "" && file == nil {
		return "", errors.New("elevenlabs: knowledge needs a url or a file")
	}
	var out struct {
		ID string `json:"id"`
	}
	err := c.doMultipart(ctx, "/v1/convai/agents/"+escape(agentID)+"/add-to-knowledge-base",
		map[string]string{"url": sourceURL}, "file", file, &out)
	if err != nil {
		return "", err
	}
	return out.ID, nil
}

// UploadAvatar stores the image on the platform and returns its public url.
func (c *Client) UploadAvatar(ctx context.Context, agentID string, file FilePart) (string, error) {
	var out struct {
		AvatarURL string `json:"avatar_url"`
	}
	err := c.doMultipart(ctx, "/v1/convai/agents/"+escape(agentID)+"/avatar", nil, "avatar_file", &file, &out)
	if err != nil {
		return "", err
	}
	return out.AvatarURL, nil
}
