package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/suPer8Hu/tomodachi-api/internal/common"
	"gorm.io/gorm"
)

// ErrClaimLost means another job owns the agent, or the claim was reset.
var ErrClaimLost = errors.New("agent claim lost")

type Repo struct {
	db  *gorm.DB
	now func() time.Time
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db, now: time.Now}
}

// WithTx returns a repo bound to a caller-owned transaction.
func (r *Repo) WithTx(tx *gorm.DB) *Repo {
	return &Repo{db: tx, now: r.now}
}

func (r *Repo) Create(ctx context.Context, a *Agent) error {
	if a.Status == "" {
		a.Status = StatusIdle
	}
	if a.StatusChangedAt.IsZero() {
		a.StatusChangedAt = r.now()
	}
	return r.db.WithContext(ctx).Create(a).Error
}

// Get returns the agent only if userID owns it.
func (r *Repo) Get(ctx context.Context, id, userID string) (*Agent, error) {
	var a Agent
	err := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&a).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

func (r *Repo) GetByID(ctx context.Context, id string) (*Agent, error) {
	var a Agent
	if err := r.db.WithContext(ctx).First(&a, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

type ListFilter struct {
	UserID   string
	Name     string
	Language string
	Page     int
	Limit    int
}

func (r *Repo) List(ctx context.Context, f ListFilter) ([]Agent, int64, error) {
	q := r.db.WithContext(ctx).Model(&Agent{}).Where("user_id = ?", f.UserID)
	if f.Name != "" {
		q = q.Where("name LIKE ?", "%"+f.Name+"%")
	}
	if f.Language != "" {
		q = q.Where("language = ?", f.Language)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var out []Agent
	err := q.Order("created_at DESC, id ASC").
		Offset((f.Page - 1) * f.Limit).
		Limit(f.Limit).
		Find(&out).Error
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// Update writes profile fields. Status and the claim have their own methods.
func (r *Repo) Update(ctx context.Context, id, userID string, fields map[string]any) error {
	delete(fields, "status")
	delete(fields, "active_job_id")
	if len(fields) == 0 {
		return nil
	}
	res := r.db.WithContext(ctx).Model(&Agent{}).
		Where("id = ? AND user_id = ?", id, userID).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return common.ErrNotFound
	}
	return nil
}

// SetPersonality goes through a struct update so the json serializer applies.
func (r *Repo) SetPersonality(ctx context.Context, id, userID string, personality []string) error {
	res := r.db.WithContext(ctx).Model(&Agent{}).
		Where("id = ? AND user_id = ?", id, userID).
		Select("personality").
		Updates(&Agent{Personality: personality})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return common.ErrNotFound
	}
	return nil
}

func (r *Repo) Delete(ctx context.Context, id, userID string) error {
	res := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).Delete(&Agent{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return common.ErrNotFound
	}
	return nil
}

// Claim reserves the agent for jobID. It is one conditional UPDATE, so of two
// concurrent senders at most one gets the row.
func (r *Repo) Claim(ctx context.Context, agentID, userID, jobID string) error {
	res := r.db.WithContext(ctx).Model(&Agent{}).
		Where("id = ? AND user_id = ? AND status <> ? AND active_job_id IS NULL", agentID, userID, StatusProcessing).
		Updates(map[string]any{
			"active_job_id":     jobID,
			"status_changed_at": r.now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}
	if _, err := r.Get(ctx, agentID, userID); err != nil {
		return err
	}
	return fmt.Errorf("agent %s is busy: %w", agentID, common.ErrConflict)
}

// ReleaseClaim drops jobID's claim if processing never started.
func (r *Repo) ReleaseClaim(ctx context.Context, agentID, jobID string) error {
	return r.db.WithContext(ctx).Model(&Agent{}).
		Where("id = ? AND active_job_id = ? AND status <> ?", agentID, jobID, StatusProcessing).
		Updates(map[string]any{
			"active_job_id":     nil,
			"status_changed_at": r.now(),
		}).Error
}

// BeginProcessing moves the agent to PROCESSING for jobID. It succeeds when the
// agent is claimed by jobID (including a redelivery of a job that was already
// processing) or when nobody holds a claim and nothing is in flight.
func (r *Repo) BeginProcessing(ctx context.Context, agentID, userID, jobID string) (*Agent, error) {
	res := r.db.WithContext(ctx).Model(&Agent{}).
		Where("id = ? AND user_id = ?", agentID, userID).
		Where("(active_job_id = ? OR (active_job_id IS NULL AND status <> ?))", jobID, StatusProcessing).
		Updates(map[string]any{
			"status":            StatusProcessing,
			"active_job_id":     jobID,
			"status_changed_at": r.now(),
		})
	if res.Error != nil {
		return nil, res.Error
	}

	// mysql reports zero affected rows for no-op updates, so trust the row.
	a, err := r.Get(ctx, agentID, userID)
	if err != nil {
		return nil, err
	}
	if a.ActiveJobID == nil || *a.ActiveJobID != jobID || a.Status != StatusProcessing {
		return nil, ErrClaimLost
	}
	return a, nil
}

// FinishProcessing moves the agent to IDLE or ERROR and clears the claim, but
// only while jobID still owns it. The bool reports whether the row changed.
func (r *Repo) FinishProcessing(ctx context.Context, agentID, jobID string, status Status) (bool, error) {
	if status != StatusIdle && status != StatusError {
		return false, fmt.Errorf("agent: cannot finish into %q: %w", status, common.ErrValidation)
	}
	res := r.db.WithContext(ctx).Model(&Agent{}).
		Where("id = ? AND active_job_id = ?", agentID, jobID).
		Updates(map[string]any{
			"status":            status,
			"active_job_id":     nil,
			"status_changed_at": r.now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ResetStatus is the manual way out of ERROR or a stuck PROCESSING.
func (r *Repo) ResetStatus(ctx context.Context, agentID, userID string) (*Agent, error) {
	res := r.db.WithContext(ctx).Model(&Agent{}).
		Where("id = ? AND user_id = ?", agentID, userID).
		Updates(map[string]any{
			"status":            StatusIdle,
			"active_job_id":     nil,
			"status_changed_at": r.now(),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, common.ErrNotFound
	}
	return r.Get(ctx, agentID, userID)
}

// ListStale returns agents that have been processing or claimed since before cutoff.
func (r *Repo) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]Agent, error) {
	var out []Agent
	err := r.db.WithContext(ctx).
		Where("(status = ? OR active_job_id IS NOT NULL) AND status_changed_at < ?", StatusProcessing, cutoff).
		Order("status_changed_at ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// FailStale moves a stale agent to ERROR unless it made progress since cutoff.
func (r *Repo) FailStale(ctx context.Context, agentID string, cutoff time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Agent{}).
		Where("id = ? AND (status = ? OR active_job_id IS NOT NULL) AND status_changed_at < ?", agentID, StatusProcessing, cutoff).
		Updates(map[string]any{
			"status":            StatusError,
			"active_job_id":     nil,
			"status_changed_at": r.now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("agent: %w", common.ErrNotFound)
	}
	return err
}
