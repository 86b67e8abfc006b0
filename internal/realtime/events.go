package realtime

import (
	"context"
	"encoding/json"
	"fmt"
)

const (
	EventChatMessages = "chat-messages"
	EventAgentStatus  = "agent-status"
)

func ChatTopic(userID string) string   { return EventChatMessages + "-" + userID }
func StatusTopic(userID string) string { return EventAgentStatus + "-" + userID }

type ChatEvent struct {
	EventName string `json:"eventName"`
	Data      any    `json:"data"`
}

type StatusEvent struct {
	EventName string `json:"eventName"`
	AgentID   string `json:"agentId"`
	Status    string `json:"status"`
}

// Observer is told about every published event.
type Observer interface {
	EventPublished(event string)
}

// Publisher encodes pipeline events onto the per-user topics.
type Publisher struct {
	b   Broadcaster
	obs Observer
}

func NewPublisher(b Broadcaster, obs Observer) *Publisher {
	return &Publisher{b: b, obs: obs}
}

func (p *Publisher) PublishMessage(ctx context.Context, userID string, msg any) error {
	return p.publish(ctx, ChatTopic(userID), EventChatMessages, ChatEvent{EventName: EventChatMessages, Data: msg})
}

func (p *Publisher) PublishStatus(ctx context.Context, userID, agentID, status string) error {
	return p.publish(ctx, StatusTopic(userID), EventAgentStatus, StatusEvent{EventName: EventAgentStatus, AgentID: agentID, Status: status})
}

func (p *Publisher) publish(ctx context.Context, topic, event string, v any) error {
	frame, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("realtime: encode %s: %w", event, err)
	}
	if err := p.b.Broadcast(ctx, topic, frame); err != nil {
		return fmt.Errorf("realtime: broadcast %s: %w", topic, err)
	}
	if p.obs != nil {
		p.obs.EventPublished(event)
	}
	return nil
}
