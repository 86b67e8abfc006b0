package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/tomodachi-api/internal/agent"
	"github.com/suPer8Hu/tomodachi-api/internal/ai"
	"github.com/suPer8Hu/tomodachi-api/internal/common"
	"github.com/suPer8Hu/tomodachi-api/internal/queue"
)

func TestPipeline_FirstMessage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addAgent(t, "a1", "u1", "You are friendly")

	m1, err := h.svc.SendMessage(ctx, "u1", "a1", "Hi")
	require.NoError(t, err)
	h.events.reset()

	job := h.producer.job(t, 0, 1, 5)
	require.NoError(t, h.pipeline.Handle(ctx, job))

	assert.Equal(t, []ai.Message{
		{Role: ai.RoleDeveloper, Content: "You are friendly"},
		{Role: ai.RoleUser, Content: "Hi"},
	}, h.provider.lastCall())

	assert.Equal(t, []string{
		"msg USER Hi READ",
		"status a1 PROCESSING",
		"msg AGENT Hello there! SENT",
		"status a1 IDLE",
	}, h.events.all())

	reply, err := h.repo.ReplyFor(ctx, m1.ID)
	require.NoError(t, err)
	assert.Equal(t, SenderAgent, reply.Sender)
	assert.Equal(t, "Hello there!", reply.Body)
	assert.Greater(t, reply.ID, m1.ID)

	trigger, err := h.repo.GetMessage(ctx, "a1", m1.ID)
	require.NoError(t, err)
	assert.Equal(t, MessageRead, trigger.Status)

	a := h.agent(t, "a1")
	assert.Equal(t, agent.StatusIdle, a.Status)
	assert.Nil(t, a.ActiveJobID)

	rec, err := h.repo.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobSucceeded, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	require.NotNil(t, rec.ResultMessageID)
	assert.Equal(t, reply.ID, *rec.ResultMessageID)
}

func TestPipeline_ContextIsLastWindowChronological(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addAgent(t, "a1", "u1", "P")

	for i := 1; i <= 11; i++ {
		sender := SenderUser
		if i%2 == 0 {
			sender = SenderAgent
		}
		m := &Message{AgentID: "a1", Body: fmt.Sprintf("m%02d", i), Sender: sender, Status: MessageRead}
		require.NoError(t, h.repo.InsertMessage(ctx, m))
	}
	_, err := h.svc.SendMessage(ctx, "u1", "a1", "m12")
	require.NoError(t, err)

	require.NoError(t, h.pipeline.Handle(ctx, h.producer.job(t, 0, 1, 5)))

	turns := h.provider.lastCall()
	require.Len(t, turns, 11)
	assert.Equal(t, ai.Message{Role: ai.RoleDeveloper, Content: "P"}, turns[0])
	assert.Equal(t, ai.Message{Role: ai.RoleUser, Content: "m03"}, turns[1])
	assert.Equal(t, ai.Message{Role: ai.RoleAssistant, Content: "m04"}, turns[2])
	assert.Equal(t, ai.Message{Role: ai.RoleUser, Content: "m12"}, turns[10])
}

func TestPipeline_EmptyPromptSkipsDeveloperTurn(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addAgent(t, "a1", "u1", "  ")

	_, err := h.svc.SendMessage(ctx, "u1", "a1", "Hi")
	require.NoError(t, err)
	require.NoError(t, h.pipeline.Handle(ctx, h.producer.job(t, 0, 1, 5)))

	assert.Equal(t, []ai.Message{{Role: ai.RoleUser, Content: "Hi"}}, h.provider.lastCall())
}

func TestPipeline_RedeliveryStoresOneReply(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addAgent(t, "a1", "u1", "P")
	h.pipeline.cfg.ReplyCost = 2

	_, err := h.svc.SendMessage(ctx, "u1", "a1", "Hi")
	require.NoError(t, err)

	job := h.producer.job(t, 0, 1, 5)
	require.NoError(t, h.pipeline.Handle(ctx, job))
	h.events.reset()
	require.NoError(t, h.pipeline.Handle(ctx, h.producer.job(t, 0, 2, 5)))

	assert.Equal(t, 1, h.provider.callCount())
	assert.Empty(t, h.events.all())
	assert.Equal(t, []int{2}, h.billing.charged)

	_, total, err := h.repo.ListMessages(ctx, "a1", false, 1, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
}

func TestPipeline_RedeliveryAfterReplyStoredSettles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addAgent(t, "a1", "u1", "P")

	m1, err := h.svc.SendMessage(ctx, "u1", "a1", "Hi")
	require.NoError(t, err)
	job := h.producer.job(t, 0, 2, 5)

	// first attempt died after storing its reply
	_, err = h.agents.BeginProcessing(ctx, "a1", "u1", job.ID)
	require.NoError(t, err)
	_, created, err := h.repo.InsertReplyOrGetExisting(ctx, &Message{
		AgentID: "a1", Body: "stored earlier", Sender: SenderAgent, Status: MessageSent, ReplyToID: &m1.ID,
	})
	require.NoError(t, err)
	require.True(t, created)
	h.events.reset()

	require.NoError(t, h.pipeline.Handle(ctx, job))

	assert.Zero(t, h.provider.callCount())
	assert.Equal(t, []string{"msg AGENT stored earlier SENT", "status a1 IDLE"}, h.events.all())
	assert.Equal(t, agent.StatusIdle, h.agent(t, "a1").Status)

	rec, err := h.repo.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobSucceeded, rec.Status)
}

func TestPipeline_RedeliveryAfterSettleDoesNotRepublishReply(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addAgent(t, "a1", "u1", "P")

	m1, err := h.svc.SendMessage(ctx, "u1", "a1", "Hi")
	require.NoError(t, err)
	job := h.producer.job(t, 0, 2, 5)

	// first attempt stored its reply and released the agent, then died
	// before the ledger row was closed
	_, err = h.agents.BeginProcessing(ctx, "a1", "u1", job.ID)
	require.NoError(t, err)
	_, _, err = h.repo.InsertReplyOrGetExisting(ctx, &Message{
		AgentID: "a1", Body: "stored earlier", Sender: SenderAgent, Status: MessageSent, ReplyToID: &m1.ID,
	})
	require.NoError(t, err)
	changed, err := h.agents.FinishProcessing(ctx, "a1", job.ID, agent.StatusIdle)
	require.NoError(t, err)
	require.True(t, changed)
	h.events.reset()

	require.NoError(t, h.pipeline.Handle(ctx, job))

	assert.Zero(t, h.provider.callCount())
	assert.Empty(t, h.events.all())
	assert.Equal(t, agent.StatusIdle, h.agent(t, "a1").Status)

	rec, err := h.repo.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobSucceeded, rec.Status)
}

func TestPipeline_RetryThenFinalFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addAgent(t, "a1", "u1", "P")
	h.provider.errs = []error{errProvider, errProvider}

	m1, err := h.svc.SendMessage(ctx, "u1", "a1", "Hi")
	require.NoError(t, err)
	h.events.reset()

	err = h.pipeline.Handle(ctx, h.producer.job(t, 0, 1, 2))
	require.Error(t, err)
	assert.False(t, queue.IsPermanent(err))
	assert.ErrorIs(t, err, common.ErrUpstream)

	// still owned by the job between attempts
	a := h.agent(t, "a1")
	assert.Equal(t, agent.StatusProcessing, a.Status)
	require.NotNil(t, a.ActiveJobID)

	err = h.pipeline.Handle(ctx, h.producer.job(t, 0, 2, 2))
	require.Error(t, err)

	a = h.agent(t, "a1")
	assert.Equal(t, agent.StatusError, a.Status)
	assert.Nil(t, a.ActiveJobID)

	trigger, err := h.repo.GetMessage(ctx, "a1", m1.ID)
	require.NoError(t, err)
	assert.Equal(t, MessageError, trigger.Status)

	_, err = h.repo.ReplyFor(ctx, m1.ID)
	require.ErrorIs(t, err, common.ErrNotFound)

	events := h.events.all()
	assert.Equal(t, []string{"msg USER Hi ERROR", "status a1 ERROR"}, events[len(events)-2:])

	var rec JobRecord
	require.NoError(t, h.db.First(&rec).Error)
	assert.Equal(t, JobFailed, rec.Status)
	assert.Equal(t, 2, rec.Attempts)

	// ERROR is not terminal
	_, err = h.svc.SendMessage(ctx, "u1", "a1", "again")
	require.NoError(t, err)
}

func TestPipeline_ClaimLostIsPermanent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addAgent(t, "a1", "u1", "P")

	_, err := h.svc.SendMessage(ctx, "u1", "a1", "first")
	require.NoError(t, err)
	stale := h.producer.job(t, 0, 1, 5)

	_, err = h.agents.ResetStatus(ctx, "a1", "u1")
	require.NoError(t, err)
	_, err = h.svc.SendMessage(ctx, "u1", "a1", "second")
	require.NoError(t, err)
	current := h.producer.job(t, 1, 1, 5)

	err = h.pipeline.Handle(ctx, stale)
	require.Error(t, err)
	assert.True(t, queue.IsPermanent(err))
	assert.ErrorIs(t, err, agent.ErrClaimLost)
	assert.Zero(t, h.provider.callCount())

	a := h.agent(t, "a1")
	assert.NotEqual(t, agent.StatusError, a.Status)
	require.NotNil(t, a.ActiveJobID)
	assert.Equal(t, current.ID, *a.ActiveJobID)

	require.NoError(t, h.pipeline.Handle(ctx, current))
	assert.Equal(t, agent.StatusIdle, h.agent(t, "a1").Status)
}

func TestPipeline_BadPayloadIsPermanent(t *testing.T) {
	h := newHarness(t)

	for _, payload := range []string{`{`, `{"agentId":"a1"}`} {
		err := h.pipeline.Handle(context.Background(), &queue.Job{
			ID: common.MustULID(), Name: JobProcessMessage, Payload: json.RawMessage(payload), Attempt: 1, MaxAttempts: 5,
		})
		require.Error(t, err)
		assert.True(t, queue.IsPermanent(err))
	}
}

func TestPipeline_MissingTriggerIsTolerated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addAgent(t, "a1", "u1", "P")

	m1, err := h.svc.SendMessage(ctx, "u1", "a1", "Hi")
	require.NoError(t, err)
	require.NoError(t, h.repo.DeleteMessage(ctx, "a1", m1.ID))
	h.events.reset()

	require.NoError(t, h.pipeline.Handle(ctx, h.producer.job(t, 0, 1, 5)))

	assert.Equal(t, []ai.Message{{Role: ai.RoleDeveloper, Content: "P"}}, h.provider.lastCall())
	assert.Equal(t, []string{"status a1 PROCESSING", "msg AGENT Hello there! SENT", "status a1 IDLE"}, h.events.all())
}

func TestPipeline_BillingFailureKeepsReply(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addAgent(t, "a1", "u1", "P")
	h.pipeline.cfg.ReplyCost = 1
	h.billing.err = common.ErrInsufficientCredits

	m1, err := h.svc.SendMessage(ctx, "u1", "a1", "Hi")
	require.NoError(t, err)
	require.NoError(t, h.pipeline.Handle(ctx, h.producer.job(t, 0, 1, 5)))

	_, err = h.repo.ReplyFor(ctx, m1.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, h.billing.charged)
}

func TestPipeline_ThinkingDelayHonoursCancel(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "a1", "u1", "P")
	h.pipeline.cfg.ThinkingDelay = time.Hour

	_, err := h.svc.SendMessage(context.Background(), "u1", "a1", "Hi")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = h.pipeline.Handle(ctx, h.producer.job(t, 0, 1, 5))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, h.provider.callCount())
}

func TestPipeline_MemoryQueueRetriesToSuccess(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "a1", "u1", "P")
	h.provider.errs = []error{errors.New("timeout")}

	q := queue.NewMemory()
	t.Cleanup(func() { _ = q.Close() })
	opts := queue.DefaultOptions()
	opts.Delay = 0
	opts.Backoff = time.Millisecond
	h.svc = NewService(h.db, h.repo, h.agents, q, h.events, opts, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Consume(ctx, JobProcessMessage, h.pipeline.Handle, queue.ConsumeOptions{Concurrency: 2})
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	m1, err := h.svc.SendMessage(context.Background(), "u1", "a1", "Hi")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := h.repo.ReplyFor(context.Background(), m1.ID)
		return err == nil && h.agent(t, "a1").Status == agent.StatusIdle
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 2, h.provider.callCount())
	require.Len(t, q.Completed(), 1)
	assert.Equal(t, 2, q.Completed()[0].Job.Attempt)
}

func TestBuildTurns(t *testing.T) {
	newestFirst := []Message{
		{Body: "c", Sender: SenderUser},
		{Body: "b", Sender: SenderAgent},
		{Body: "a", Sender: SenderUser},
	}
	assert.Equal(t, []ai.Message{
		{Role: ai.RoleDeveloper, Content: "P"},
		{Role: ai.RoleUser, Content: "a"},
		{Role: ai.RoleAssistant, Content: "b"},
		{Role: ai.RoleUser, Content: "c"},
	}, BuildTurns("P", newestFirst))
	assert.Empty(t, BuildTurns("", nil))
}
