package chat

import (
	"context"
	"log/slog"
	"time"

	"github.com/suPer8Hu/tomodachi-api/internal/agent"
	"github.com/suPer8Hu/tomodachi-api/internal/queue"
)

type JanitorConfig struct {
	StaleAfter time.Duration
	Interval   time.Duration
	Completed  queue.Retention
	Failed     queue.Retention
}

// Janitor recovers agents left in PROCESSING by a worker that died mid-job
// and trims the job ledger to its retention windows.
type Janitor struct {
	agents *agent.Repo
	repo   *Repo
	events EventPublisher
	cfg    JanitorConfig
	now    func() time.Time
}

func NewJanitor(agents *agent.Repo, repo *Repo, events EventPublisher, cfg JanitorConfig) *Janitor {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Janitor{agents: agents, repo: repo, events: events, cfg: cfg, now: time.Now}
}

// Run sweeps every interval until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	t := time.NewTicker(j.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := j.Sweep(ctx); err != nil {
				slog.Error("janitor sweep failed", "err", err)
			}
		}
	}
}

// Sweep runs one pass and reports how many agents it moved to ERROR.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	now := j.now()
	cutoff := now.Add(-j.cfg.StaleAfter)

	stale, err := j.agents.ListStale(ctx, cutoff, 100)
	if err != nil {
		return 0, err
	}

	failed := 0
	for _, a := range stale {
		ok, err := j.agents.FailStale(ctx, a.ID, cutoff)
		if err != nil {
			return failed, err
		}
		if !ok {
			continue
		}
		failed++
		slog.Warn("stale agent moved to error", "agent_id", a.ID, "user_id", a.UserID, "since", a.StatusChangedAt)
		if err := j.events.PublishStatus(ctx, a.UserID, a.ID, string(agent.StatusError)); err != nil {
			slog.Warn("publish status failed", "agent_id", a.ID, "err", err)
		}
		if a.ActiveJobID != nil {
			if err := j.repo.MarkJobFailed(ctx, *a.ActiveJobID, "agent stuck in processing"); err != nil {
				slog.Error("mark job failed failed", "job_id", *a.ActiveJobID, "err", err)
			}
		}
	}

	removed, err := j.repo.PruneJobs(ctx, j.cfg.Completed, j.cfg.Failed, now)
	if err != nil {
		return failed, err
	}
	if removed > 0 {
		slog.Info("job ledger pruned", "removed", removed)
	}
	return failed, nil
}
