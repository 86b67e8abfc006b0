package chat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/tomodachi-api/internal/agent"
	"github.com/suPer8Hu/tomodachi-api/internal/common"
	"github.com/suPer8Hu/tomodachi-api/internal/queue"
)

func TestJanitor_FailsStuckAgents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := time.Now()
	jobID := "01JSTUCKJOB000000000000000"

	stuck := &agent.Agent{
		ID: "stuck", UserID: "u1", Name: "Tomo", Language: "en", Role: agent.RoleFriend,
		Status: agent.StatusProcessing, ActiveJobID: &jobID, StatusChangedAt: now.Add(-time.Hour),
	}
	require.NoError(t, h.agents.Create(ctx, stuck))
	fresh := &agent.Agent{
		ID: "fresh", UserID: "u1", Name: "Tomo", Language: "en", Role: agent.RoleFriend,
		Status: agent.StatusProcessing, StatusChangedAt: now,
	}
	require.NoError(t, h.agents.Create(ctx, fresh))
	require.NoError(t, h.repo.CreateJob(ctx, &JobRecord{
		ID: jobID, Name: JobProcessMessage, UserID: "u1", AgentID: "stuck", MessageID: "m", Status: JobRunning,
	}))

	j := NewJanitor(h.agents, h.repo, h.events, JanitorConfig{StaleAfter: 10 * time.Minute})
	n, err := j.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	a := h.agent(t, "stuck")
	assert.Equal(t, agent.StatusError, a.Status)
	assert.Nil(t, a.ActiveJobID)
	assert.Equal(t, agent.StatusProcessing, h.agent(t, "fresh").Status)
	assert.Equal(t, []string{"status stuck ERROR"}, h.events.all())

	rec, err := h.repo.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, JobFailed, rec.Status)

	// a second pass finds nothing
	n, err = j.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestJanitor_PrunesLedger(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := time.Now()

	add := func(status JobStatus, finishedAgo time.Duration) string {
		rec := &JobRecord{
			ID: common.MustULID(), Name: JobProcessMessage, UserID: "u1", AgentID: "a1", MessageID: "m", Status: status,
		}
		if finishedAgo > 0 {
			at := now.Add(-finishedAgo)
			rec.FinishedAt = &at
		}
		require.NoError(t, h.repo.CreateJob(ctx, rec))
		return rec.ID
	}

	oldOK := add(JobSucceeded, time.Hour)
	add(JobSucceeded, 3*time.Minute)
	add(JobSucceeded, 2*time.Minute)
	add(JobSucceeded, time.Minute)
	oldFailed := add(JobFailed, 2*time.Hour)
	recentFailed := add(JobFailed, 5*time.Minute)
	running := add(JobRunning, 0)

	j := NewJanitor(h.agents, h.repo, h.events, JanitorConfig{
		Completed: queue.Retention{Age: 10 * time.Minute, Count: 2},
		Failed:    queue.Retention{Age: time.Hour},
	})
	_, err := j.Sweep(ctx)
	require.NoError(t, err)

	var left []JobRecord
	require.NoError(t, h.db.Find(&left).Error)
	ids := map[string]JobStatus{}
	succeeded := 0
	for _, r := range left {
		ids[r.ID] = r.Status
		if r.Status == JobSucceeded {
			succeeded++
		}
	}
	assert.Len(t, left, 4)
	assert.Equal(t, 2, succeeded)
	assert.NotContains(t, ids, oldOK)
	assert.NotContains(t, ids, oldFailed)
	assert.Contains(t, ids, recentFailed)
	assert.Contains(t, ids, running)
}
