package ai

import "context"

const (
	RoleDeveloper = "developer"
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one role-tagged turn handed to a completion provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Provider turns an ordered list of turns into the next assistant turn.
type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}

// legacyRole maps the developer role onto system for backends that predate it.
func legacyRole(role string) string {
	if role == RoleDeveloper {
		return RoleSystem
	}
	return role
}
