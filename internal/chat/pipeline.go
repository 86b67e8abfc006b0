package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/suPer8Hu/tomodachi-api/internal/agent"
	"github.com/suPer8Hu/tomodachi-api/internal/ai"
	"github.com/suPer8Hu/tomodachi-api/internal/common"
	"github.com/suPer8Hu/tomodachi-api/internal/queue"
)

// Billing charges users for agent replies.
type Billing interface {
	DeductCredits(ctx context.Context, userID string, n int) error
}

// PipelineRecorder observes job and completion latency.
type PipelineRecorder interface {
	ObserveJob(job, outcome string, d time.Duration)
	ObserveCompletion(model string, success bool, d time.Duration)
}

type PipelineConfig struct {
	Model             string
	ContextWindow     int
	ThinkingDelay     time.Duration
	CompletionTimeout time.Duration
	ReplyCost         int
}

// Pipeline consumes process-message jobs: it reads the conversation, asks the
// completion provider for the next agent turn and stores it, driving the
// agent through PROCESSING and back.
type Pipeline struct {
	repo     *Repo
	agents   *agent.Repo
	provider ai.Provider
	events   EventPublisher
	billing  Billing
	metrics  PipelineRecorder
	cfg      PipelineConfig
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewPipeline(repo *Repo, agents *agent.Repo, provider ai.Provider, events EventPublisher, billing Billing, metrics PipelineRecorder, cfg PipelineConfig) *Pipeline {
	if cfg.ContextWindow <= 0 || cfg.ContextWindow > 100 {
		cfg.ContextWindow = 10
	}
	if cfg.CompletionTimeout <= 0 {
		cfg.CompletionTimeout = 45 * time.Second
	}
	return &Pipeline{
		repo:     repo,
		agents:   agents,
		provider: provider,
		events:   events,
		billing:  billing,
		metrics:  metrics,
		cfg:      cfg,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Handle is the queue.Handler for process-message jobs. A returned error is
// retried by the queue unless it is permanent or this was the last attempt,
// in which case the agent and the triggering message end in ERROR.
func (p *Pipeline) Handle(ctx context.Context, job *queue.Job) error {
	start := time.Now()

	var in ProcessMessage
	err := job.Decode(&in)
	if err == nil && (in.AgentID == "" || in.MessageID == "" || in.UserID == "") {
		err = errors.New("payload needs agentId, messageId and userId")
	}
	if err != nil {
		err = queue.Permanent(fmt.Errorf("decode job %s: %w", job.ID, err))
		p.observe(job, "failed", start)
		return err
	}

	log := slog.With("job_id", job.ID, "agent_id", in.AgentID, "user_id", in.UserID, "attempt", job.Attempt)

	outcome, err := p.process(ctx, job, in, log)
	switch {
	case err == nil:
	case queue.IsPermanent(err) || job.Final():
		outcome = "failed"
		log.Error("job failed", "err", err)
		p.fail(ctx, job, in, err, log)
	default:
		outcome = "retried"
		log.Warn("job attempt failed", "err", err)
	}
	p.observe(job, outcome, start)
	return err
}

func (p *Pipeline) observe(job *queue.Job, outcome string, start time.Time) {
	if p.metrics != nil {
		p.metrics.ObserveJob(job.Name, outcome, time.Since(start))
	}
}

func (p *Pipeline) process(ctx context.Context, job *queue.Job, in ProcessMessage, log *slog.Logger) (string, error) {
	// 1) ledger + reply dedup
	rec, err := p.repo.GetJob(ctx, job.ID)
	switch {
	case errors.Is(err, common.ErrNotFound):
		rec = &JobRecord{ID: job.ID, Name: job.Name, UserID: in.UserID, AgentID: in.AgentID, MessageID: in.MessageID, Status: JobQueued}
		if err := p.repo.EnsureJob(ctx, rec); err != nil {
			return "", err
		}
	case err != nil:
		return "", err
	}
	if rec.Status == JobSucceeded {
		log.Info("duplicate delivery skipped")
		return "skipped", nil
	}
	if reply, err := p.repo.ReplyFor(ctx, in.MessageID); err == nil {
		return "skipped", p.settle(ctx, job, in, reply, false, log)
	} else if !errors.Is(err, common.ErrNotFound) {
		return "", err
	}

	if err := p.repo.MarkJobRunning(ctx, job.ID, job.Attempt); err != nil {
		return "", err
	}

	// 2) mark the trigger READ
	msg, err := p.repo.SetMessageStatus(ctx, in.AgentID, in.MessageID, MessageRead)
	switch {
	case err == nil:
		p.publishMessage(ctx, in.UserID, msg, log)
	case errors.Is(err, common.ErrNotFound):
		// deleted or cleared since enqueue; answer the conversation as it stands
		log.Info("trigger message missing", "message_id", in.MessageID)
	default:
		return "", err
	}

	// 3) IDLE -> PROCESSING
	a, err := p.agents.BeginProcessing(ctx, in.AgentID, in.UserID, job.ID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) || errors.Is(err, agent.ErrClaimLost) {
			return "", queue.Permanent(err)
		}
		return "", err
	}
	p.publishStatus(ctx, in.UserID, in.AgentID, agent.StatusProcessing, log)

	// 4) context window
	recent, err := p.repo.RecentMessages(ctx, in.AgentID, p.cfg.ContextWindow)
	if err != nil {
		return "", err
	}
	turns := BuildTurns(a.Prompt, recent)

	// 5) thinking time
	if err := p.sleep(ctx, p.cfg.ThinkingDelay); err != nil {
		return "", err
	}

	// 6) completion
	reply, err := p.complete(ctx, turns)
	if err != nil {
		return "", err
	}

	// 7) store the reply, at most once per trigger
	stored, created, err := p.repo.InsertReplyOrGetExisting(ctx, &Message{
		AgentID:   in.AgentID,
		Body:      reply,
		Sender:    SenderAgent,
		Status:    MessageSent,
		ReplyToID: &in.MessageID,
	})
	if err != nil {
		return "", err
	}
	if created {
		p.charge(ctx, in.UserID, log)
	}

	// 8) PROCESSING -> IDLE, then tell subscribers
	return "succeeded", p.settle(ctx, job, in, stored, created, log)
}

// settle finishes a job whose reply is stored. It is also the recovery path
// for a redelivered job that crashed after persisting its reply; the reply is
// announced again only if that earlier run never released the agent.
func (p *Pipeline) settle(ctx context.Context, job *queue.Job, in ProcessMessage, reply *Message, fresh bool, log *slog.Logger) error {
	changed, err := p.agents.FinishProcessing(ctx, in.AgentID, job.ID, agent.StatusIdle)
	if err != nil {
		return err
	}
	if fresh || changed {
		p.publishMessage(ctx, in.UserID, reply, log)
	}
	if changed {
		p.publishStatus(ctx, in.UserID, in.AgentID, agent.StatusIdle, log)
	}
	if err := p.repo.MarkJobSucceeded(ctx, job.ID, reply.ID); err != nil {
		return err
	}
	log.Info("reply stored", "reply_id", reply.ID)
	return nil
}

func (p *Pipeline) complete(ctx context.Context, turns []ai.Message) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, p.cfg.CompletionTimeout)
	defer cancel()

	start := time.Now()
	reply, err := p.provider.Chat(cctx, turns)
	if p.metrics != nil {
		p.metrics.ObserveCompletion(p.cfg.Model, err == nil, time.Since(start))
	}
	if err != nil {
		return "", fmt.Errorf("completion: %w", errors.Join(common.ErrUpstream, err))
	}
	return reply, nil
}

func (p *Pipeline) charge(ctx context.Context, userID string, log *slog.Logger) {
	if p.billing == nil || p.cfg.ReplyCost <= 0 {
		return
	}
	if err := p.billing.DeductCredits(ctx, userID, p.cfg.ReplyCost); err != nil {
		// the reply is already stored; billing never undoes it
		log.Warn("reply credit deduction failed", "credits", p.cfg.ReplyCost, "err", err)
	}
}

// fail runs once per job when it will not be retried again.
func (p *Pipeline) fail(ctx context.Context, job *queue.Job, in ProcessMessage, cause error, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	changed, err := p.agents.FinishProcessing(ctx, in.AgentID, job.ID, agent.StatusError)
	if err != nil {
		log.Error("set agent error failed", "err", err)
	}
	if msg, err := p.repo.SetMessageStatus(ctx, in.AgentID, in.MessageID, MessageError); err == nil {
		p.publishMessage(ctx, in.UserID, msg, log)
	}
	if changed {
		p.publishStatus(ctx, in.UserID, in.AgentID, agent.StatusError, log)
	}
	if err := p.repo.MarkJobFailed(ctx, job.ID, cause.Error()); err != nil {
		log.Error("mark job failed failed", "err", err)
	}
}

func (p *Pipeline) publishMessage(ctx context.Context, userID string, m *Message, log *slog.Logger) {
	if err := p.events.PublishMessage(ctx, userID, m); err != nil {
		log.Warn("publish message failed", "message_id", m.ID, "err", err)
	}
}

func (p *Pipeline) publishStatus(ctx context.Context, userID, agentID string, s agent.Status, log *slog.Logger) {
	if err := p.events.PublishStatus(ctx, userID, agentID, string(s)); err != nil {
		log.Warn("publish status failed", "status", s, "err", err)
	}
}

// BuildTurns turns the newest-first history into the provider's chronological
// turn list, led by the agent prompt as a developer turn when there is one.
func BuildTurns(prompt string, newestFirst []Message) []ai.Message {
	turns := make([]ai.Message, 0, len(newestFirst)+1)
	if strings.TrimSpace(prompt) != "" {
		turns = append(turns, ai.Message{Role: ai.RoleDeveloper, Content: prompt})
	}
	for i := len(newestFirst) - 1; i >= 0; i-- {
		m := newestFirst[i]
		role := ai.RoleUser
		if m.Sender == SenderAgent {
			role = ai.RoleAssistant
		}
		turns = append(turns, ai.Message{Role: role, Content: m.Body})
	}
	return turns
}
