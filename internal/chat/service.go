package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/suPer8Hu/tomodachi-api/internal/agent"
	"github.com/suPer8Hu/tomodachi-api/internal/common"
	"github.com/suPer8Hu/tomodachi-api/internal/queue"
	"gorm.io/gorm"
)

const (
	JobProcessMessage = "process-message"
	MaxBodyLength     = 1000
)

// ProcessMessage is the payload of a process-message job.
type ProcessMessage struct {
	AgentID   string `json:"agentId"`
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
}

// EventPublisher is the realtime side of the pipeline.
type EventPublisher interface {
	PublishMessage(ctx context.Context, userID string, msg any) error
	PublishStatus(ctx context.Context, userID, agentID, status string) error
}

// IngressRecorder counts accepted and rejected messages.
type IngressRecorder interface {
	MessageIngress(result string)
}

type Service struct {
	db       *gorm.DB
	repo     *Repo
	agents   *agent.Repo
	producer queue.Producer
	events   EventPublisher
	jobOpts  queue.Options
	metrics  IngressRecorder
}

func NewService(db *gorm.DB, repo *Repo, agents *agent.Repo, producer queue.Producer, events EventPublisher, jobOpts queue.Options, metrics IngressRecorder) *Service {
	return &Service{
		db:       db,
		repo:     repo,
		agents:   agents,
		producer: producer,
		events:   events,
		jobOpts:  jobOpts,
		metrics:  metrics,
	}
}

func validateBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return fmt.Errorf("body is required: %w", common.ErrValidation)
	}
	if utf8.RuneCountInString(body) > MaxBodyLength {
		return fmt.Errorf("body exceeds %d characters: %w", MaxBodyLength, common.ErrValidation)
	}
	return nil
}

// SendMessage stores a user message and queues the agent's reply. The agent
// claim, the message and the ledger row are written in one transaction, so a
// busy agent leaves nothing behind.
func (s *Service) SendMessage(ctx context.Context, userID, agentID, body string) (*Message, error) {
	if err := validateBody(body); err != nil {
		s.count("invalid")
		return nil, err
	}

	jobID := common.MustULID()
	msg := &Message{
		ID:      common.MustULID(),
		AgentID: agentID,
		Body:    body,
		Sender:  SenderUser,
		Status:  MessageSent,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.agents.WithTx(tx).Claim(ctx, agentID, userID, jobID); err != nil {
			return err
		}
		repo := s.repo.WithTx(tx)
		if err := repo.InsertMessage(ctx, msg); err != nil {
			return err
		}
		return repo.CreateJob(ctx, &JobRecord{
			ID:        jobID,
			Name:      JobProcessMessage,
			UserID:    userID,
			AgentID:   agentID,
			MessageID: msg.ID,
			Status:    JobQueued,
		})
	})
	if err != nil {
		if errors.Is(err, common.ErrConflict) {
			s.count("conflict")
		}
		return nil, err
	}

	opts := s.jobOpts
	opts.JobID = jobID
	payload := ProcessMessage{AgentID: agentID, MessageID: msg.ID, UserID: userID}
	if _, err := s.producer.Enqueue(ctx, JobProcessMessage, payload, opts); err != nil {
		s.count("enqueue_failed")
		s.undoSend(ctx, userID, msg, jobID, err)
		return nil, fmt.Errorf("%w: %v", common.ErrEnqueue, err)
	}

	s.count("accepted")
	if err := s.events.PublishMessage(ctx, userID, msg); err != nil {
		slog.Warn("publish message failed", "message_id", msg.ID, "err", err)
	}
	return msg, nil
}

// undoSend leaves a visible ERROR message and a free agent behind when the
// job could not be queued.
func (s *Service) undoSend(ctx context.Context, userID string, msg *Message, jobID string, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	slog.Error("enqueue failed", "job_id", jobID, "agent_id", msg.AgentID, "message_id", msg.ID, "err", cause)

	if updated, err := s.repo.SetMessageStatus(ctx, msg.AgentID, msg.ID, MessageError); err != nil {
		slog.Error("mark message error failed", "message_id", msg.ID, "err", err)
	} else {
		*msg = *updated
		if err := s.events.PublishMessage(ctx, userID, msg); err != nil {
			slog.Warn("publish message failed", "message_id", msg.ID, "err", err)
		}
	}
	if err := s.agents.ReleaseClaim(ctx, msg.AgentID, jobID); err != nil {
		slog.Error("release agent claim failed", "agent_id", msg.AgentID, "job_id", jobID, "err", err)
	}
	if err := s.repo.MarkJobFailed(ctx, jobID, "enqueue: "+cause.Error()); err != nil {
		slog.Error("mark job failed failed", "job_id", jobID, "err", err)
	}
}

func (s *Service) count(result string) {
	if s.metrics != nil {
		s.metrics.MessageIngress(result)
	}
}

type ListInput struct {
	Desc  bool
	Page  int
	Limit int
}

func (s *Service) ListMessages(ctx context.Context, userID, agentID string, in ListInput) ([]Message, int64, error) {
	if _, err := s.agents.Get(ctx, agentID, userID); err != nil {
		return nil, 0, err
	}
	if in.Page <= 0 {
		in.Page = 1
	}
	if in.Limit <= 0 || in.Limit > 100 {
		in.Limit = 30
	}
	return s.repo.ListMessages(ctx, agentID, in.Desc, in.Page, in.Limit)
}

func (s *Service) GetMessage(ctx context.Context, userID, agentID, id string) (*Message, error) {
	if _, err := s.agents.Get(ctx, agentID, userID); err != nil {
		return nil, err
	}
	return s.repo.GetMessage(ctx, agentID, id)
}

func (s *Service) MarkRead(ctx context.Context, userID, agentID, id string) (*Message, error) {
	if _, err := s.agents.Get(ctx, agentID, userID); err != nil {
		return nil, err
	}
	m, err := s.repo.SetMessageStatus(ctx, agentID, id, MessageRead)
	if err != nil {
		return nil, err
	}
	if err := s.events.PublishMessage(ctx, userID, m); err != nil {
		slog.Warn("publish message failed", "message_id", m.ID, "err", err)
	}
	return m, nil
}

func (s *Service) DeleteMessage(ctx context.Context, userID, agentID, id string) error {
	if _, err := s.agents.Get(ctx, agentID, userID); err != nil {
		return err
	}
	return s.repo.DeleteMessage(ctx, agentID, id)
}

func (s *Service) ClearMessages(ctx context.Context, userID, agentID string) (int64, error) {
	if _, err := s.agents.Get(ctx, agentID, userID); err != nil {
		return 0, err
	}
	return s.repo.ClearMessages(ctx, agentID)
}
