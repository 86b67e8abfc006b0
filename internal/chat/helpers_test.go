package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/suPer8Hu/tomodachi-api/internal/agent"
	"github.com/suPer8Hu/tomodachi-api/internal/ai"
	"github.com/suPer8Hu/tomodachi-api/internal/db/dbtest"
	"github.com/suPer8Hu/tomodachi-api/internal/queue"
	"gorm.io/gorm"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *eventRecorder) PublishMessage(ctx context.Context, userID string, msg any) error {
	m := msg.(*Message)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf("msg %s %s %s", m.Sender, m.Body, m.Status))
	return nil
}

func (r *eventRecorder) PublishStatus(ctx context.Context, userID, agentID, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "status "+agentID+" "+status)
	return nil
}

func (r *eventRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *eventRecorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

type enqueued struct {
	name    string
	payload ProcessMessage
	opts    queue.Options
}

type fakeProducer struct {
	mu   sync.Mutex
	jobs []enqueued
	err  error
}

func (p *fakeProducer) Enqueue(ctx context.Context, name string, payload any, opts queue.Options) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.jobs = append(p.jobs, enqueued{name: name, payload: payload.(ProcessMessage), opts: opts})
	return opts.JobID, nil
}

func (p *fakeProducer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.jobs)
}

// job rebuilds the queued job the way a consumer would receive it.
func (p *fakeProducer) job(t *testing.T, i, attempt, maxAttempts int) *queue.Job {
	t.Helper()
	p.mu.Lock()
	e := p.jobs[i]
	p.mu.Unlock()
	body, err := json.Marshal(e.payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &queue.Job{
		ID:          e.opts.JobID,
		Name:        e.name,
		Payload:     body,
		Attempt:     attempt,
		MaxAttempts: maxAttempts,
		EnqueuedAt:  time.Now(),
	}
}

type fakeProvider struct {
	mu    sync.Mutex
	calls [][]ai.Message
	reply string
	errs  []error
}

func (p *fakeProvider) Chat(ctx context.Context, messages []ai.Message) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, append([]ai.Message(nil), messages...))
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return p.reply, nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *fakeProvider) lastCall() []ai.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.calls) == 0 {
		return nil
	}
	return p.calls[len(p.calls)-1]
}

type fakeBilling struct {
	mu      sync.Mutex
	charged []int
	err     error
}

func (b *fakeBilling) DeductCredits(ctx context.Context, userID string, n int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.charged = append(b.charged, n)
	return b.err
}

var errProvider = errors.New("provider down")

type harness struct {
	db       *gorm.DB
	repo     *Repo
	agents   *agent.Repo
	events   *eventRecorder
	producer *fakeProducer
	provider *fakeProvider
	billing  *fakeBilling
	svc      *Service
	pipeline *Pipeline
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := dbtest.Open(t, &agent.Agent{}, &Message{}, &JobRecord{})
	h := &harness{
		db:       db,
		repo:     NewRepo(db),
		agents:   agent.NewRepo(db),
		events:   &eventRecorder{},
		producer: &fakeProducer{},
		provider: &fakeProvider{reply: "Hello there!"},
		billing:  &fakeBilling{},
	}
	opts := queue.DefaultOptions()
	opts.Delay = 0
	h.svc = NewService(db, h.repo, h.agents, h.producer, h.events, opts, nil)
	h.pipeline = NewPipeline(h.repo, h.agents, h.provider, h.events, h.billing, nil, PipelineConfig{
		Model:         "test-model",
		ContextWindow: 10,
	})
	return h
}

func (h *harness) addAgent(t *testing.T, id, userID, prompt string) *agent.Agent {
	t.Helper()
	a := &agent.Agent{
		ID:       id,
		UserID:   userID,
		Name:     "Tomo",
		Language: "en",
		Prompt:   prompt,
		Role:     agent.RoleFriend,
	}
	if err := h.agents.Create(context.Background(), a); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	return a
}

func (h *harness) agent(t *testing.T, id string) *agent.Agent {
	t.Helper()
	a, err := h.agents.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	return a
}
