package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/suPer8Hu/tomodachi-api/internal/common"
	"github.com/suPer8Hu/tomodachi-api/internal/elevenlabs"
	"github.com/suPer8Hu/tomodachi-api/internal/users"
	"gorm.io/gorm"
)

// Platform is the remote side of an agent.
type Platform interface {
	CreateAgent(ctx context.Context, in elevenlabs.AgentRequest) (string, error)
	GetAgent(ctx context.Context, id string) (elevenlabs.AgentDetails, error)
	UpdateAgent(ctx context.Context, id string, in elevenlabs.AgentRequest) (elevenlabs.AgentDetails, error)
	DeleteAgent(ctx context.Context, id string) error
	AddKnowledge(ctx context.Context, agentID, sourceURL string, file *elevenlabs.FilePart) (string, error)
	UploadAvatar(ctx context.Context, agentID string, file elevenlabs.FilePart) (string, error)
}

// StatusPublisher announces agent status changes to the owner's subscribers.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, userID, agentID, status string) error
}

type Service struct {
	db           *gorm.DB
	repo         *Repo
	users        *users.Repo
	platform     Platform
	events       StatusPublisher
	creationCost int
}

func NewService(db *gorm.DB, repo *Repo, usersRepo *users.Repo, platform Platform, events StatusPublisher, creationCost int) *Service {
	return &Service{
		db:           db,
		repo:         repo,
		users:        usersRepo,
		platform:     platform,
		events:       events,
		creationCost: creationCost,
	}
}

type CreateInput struct {
	Name               string                        `json:"name"`
	Role               Role                          `json:"role"`
	Personality        []string                      `json:"personality"`
	ConversationConfig elevenlabs.ConversationConfig `json:"conversation_config"`
}

func (in *CreateInput) normalize() error {
	in.Name = strings.TrimSpace(in.Name)
	if n := len([]rune(in.Name)); n < 3 || n > 20 {
		return fmt.Errorf("name must be 3..20 characters: %w", common.ErrValidation)
	}
	if in.Role == "" {
		in.Role = RoleFriend
	}
	in.Role = Role(strings.ToUpper(string(in.Role)))
	if !in.Role.Valid() {
		return fmt.Errorf("unknown role %q: %w", in.Role, common.ErrValidation)
	}
	return normalizeConfig(&in.ConversationConfig)
}

func normalizeConfig(cc *elevenlabs.ConversationConfig) error {
	p := &cc.Agent.Prompt
	if n := len([]rune(p.Prompt)); n < 3 || n > 500 {
		return fmt.Errorf("prompt must be 3..500 characters: %w", common.ErrValidation)
	}
	if p.LLM == "" {
		p.LLM = "gpt-4o-mini"
	}
	if n := len([]rune(cc.Agent.FirstMessage)); n < 3 || n > 500 {
		return fmt.Errorf("first_message must be 3..500 characters: %w", common.ErrValidation)
	}
	if cc.Agent.Language == "" {
		cc.Agent.Language = "en"
	}
	if len(cc.Agent.Language) > 20 {
		return fmt.Errorf("language is too long: %w", common.ErrValidation)
	}
	if cc.TTS.ModelID == "" {
		cc.TTS.ModelID = "eleven_turbo_v2"
	}
	if n := len(cc.TTS.VoiceID); n < 3 || n > 64 {
		return fmt.Errorf("voice_id must be 3..64 characters: %w", common.ErrValidation)
	}
	return nil
}

// Create runs remote creation, then the local mirror and the credit deduction
// in one transaction. A failed local step deletes the remote agent again.
func (s *Service) Create(ctx context.Context, userID string, in CreateInput) (*Agent, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}

	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u.Credits < s.creationCost {
		return nil, common.ErrInsufficientCredits
	}

	remoteID, err := s.platform.CreateAgent(ctx, elevenlabs.AgentRequest{
		Name:               in.Name,
		ConversationConfig: &in.ConversationConfig,
	})
	if err != nil {
		return nil, fmt.Errorf("create remote agent: %w", err)
	}

	// a retried create that already mirrored this id is a success
	if existing, err := s.repo.Get(ctx, remoteID, userID); err == nil {
		return existing, nil
	}

	a := &Agent{
		ID:          remoteID,
		UserID:      userID,
		Name:        in.Name,
		Language:    in.ConversationConfig.Agent.Language,
		Prompt:      in.ConversationConfig.Agent.Prompt.Prompt,
		Personality: in.Personality,
		Role:        in.Role,
		VoiceID:     in.ConversationConfig.TTS.VoiceID,
		Status:      StatusIdle,
	}
	if a.Personality == nil {
		a.Personality = []string{}
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.WithTx(tx).Create(ctx, a); err != nil {
			return err
		}
		return users.DeductCreditsTx(tx, userID, s.creationCost)
	})
	if err != nil {
		s.compensate(remoteID, err)
		return nil, err
	}

	slog.Info("agent created", "agent_id", a.ID, "user_id", userID, "credits", s.creationCost)
	return a, nil
}

func (s *Service) compensate(remoteID string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.platform.DeleteAgent(ctx, remoteID); err != nil && !errors.Is(err, common.ErrNotFound) {
		slog.Error("agent compensation failed, remote agent orphaned",
			"agent_id", remoteID, "cause", cause, "err", err)
		return
	}
	slog.Warn("agent creation rolled back", "agent_id", remoteID, "cause", cause)
}

// Details is the platform view of an agent plus the locally kept fields.
type Details struct {
	Agent  *Agent                  `json:"agent"`
	Remote elevenlabs.AgentDetails `json:"remote,omitempty"`
}

func (s *Service) Get(ctx context.Context, id, userID string) (*Details, error) {
	a, err := s.repo.Get(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	remote, err := s.platform.GetAgent(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get remote agent: %w", err)
	}
	return &Details{Agent: a, Remote: remote}, nil
}

func (s *Service) List(ctx context.Context, f ListFilter) ([]Agent, int64, error) {
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.Limit <= 0 {
		f.Limit = 10
	}
	if f.Limit > 100 {
		f.Limit = 100
	}
	return s.repo.List(ctx, f)
}

type UpdateInput = CreateInput

func (s *Service) Update(ctx context.Context, id, userID string, in UpdateInput) (*Details, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}
	if _, err := s.repo.Get(ctx, id, userID); err != nil {
		return nil, err
	}

	remote, err := s.platform.UpdateAgent(ctx, id, elevenlabs.AgentRequest{
		Name:               in.Name,
		ConversationConfig: &in.ConversationConfig,
	})
	if err != nil {
		return nil, fmt.Errorf("update remote agent: %w", err)
	}

	fields := map[string]any{
		"name":     in.Name,
		"language": in.ConversationConfig.Agent.Language,
		"prompt":   in.ConversationConfig.Agent.Prompt.Prompt,
		"role":     in.Role,
		"voice_id": in.ConversationConfig.TTS.VoiceID,
	}
	if err := s.repo.Update(ctx, id, userID, fields); err != nil {
		return nil, err
	}
	if in.Personality != nil {
		if err := s.repo.SetPersonality(ctx, id, userID, in.Personality); err != nil {
			return nil, err
		}
	}
	a, err := s.repo.Get(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	return &Details{Agent: a, Remote: remote}, nil
}

// Delete removes the remote agent first; a remote 404 still lets the local
// row go so the two sides converge.
func (s *Service) Delete(ctx context.Context, id, userID string) error {
	if _, err := s.repo.Get(ctx, id, userID); err != nil {
		return err
	}
	if err := s.platform.DeleteAgent(ctx, id); err != nil && !errors.Is(err, common.ErrNotFound) {
		return fmt.Errorf("delete remote agent: %w", err)
	}
	return s.repo.Delete(ctx, id, userID)
}

func (s *Service) AddKnowledge(ctx context.Context, id, userID, sourceURL string, file *elevenlabs.FilePart) (*Details, error) {
	if sourceURL == "" && file == nil {
		return nil, fmt.Errorf("url or file is required: %w", common.ErrValidation)
	}
	a, err := s.repo.Get(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	docID, err := s.platform.AddKnowledge(ctx, id, sourceURL, file)
	if err != nil {
		return nil, fmt.Errorf("add knowledge: %w", err)
	}

	ref := elevenlabs.KnowledgeRef{Type: "url", Name: sourceURL, ID: docID}
	if file != nil {
		ref = elevenlabs.KnowledgeRef{Type: "file", Name: file.Name, ID: docID}
	}
	remote, err := s.platform.UpdateAgent(ctx, id, elevenlabs.AgentRequest{
		ConversationConfig: &elevenlabs.ConversationConfig{
			Agent: elevenlabs.AgentConfig{Prompt: elevenlabs.PromptConfig{KnowledgeBase: []elevenlabs.KnowledgeRef{ref}}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("attach knowledge: %w", err)
	}
	return &Details{Agent: a, Remote: remote}, nil
}

func (s *Service) UploadAvatar(ctx context.Context, id, userID string, file elevenlabs.FilePart) (*Details, error) {
	if _, err := s.repo.Get(ctx, id, userID); err != nil {
		return nil, err
	}
	avatarURL, err := s.platform.UploadAvatar(ctx, id, file)
	if err != nil {
		return nil, fmt.Errorf("upload avatar: %w", err)
	}
	remote, err := s.platform.UpdateAgent(ctx, id, elevenlabs.AgentRequest{
		PlatformSettings: map[string]any{
			"widget": map[string]any{
				"avatar": map[string]any{"type": "image", "url": avatarURL},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("attach avatar: %w", err)
	}
	if err := s.repo.Update(ctx, id, userID, map[string]any{"avatar": avatarURL}); err != nil {
		return nil, err
	}
	a, err := s.repo.Get(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	return &Details{Agent: a, Remote: remote}, nil
}

// Reset forces the agent back to IDLE and tells the owner's subscribers.
func (s *Service) Reset(ctx context.Context, id, userID string) (*Agent, error) {
	a, err := s.repo.ResetStatus(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if s.events != nil {
		if err := s.events.PublishStatus(ctx, userID, id, string(StatusIdle)); err != nil {
			slog.Warn("publish status failed", "agent_id", id, "err", err)
		}
	}
	return a, nil
}
