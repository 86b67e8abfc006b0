package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/suPer8Hu/tomodachi-api/internal/common"
	"github.com/suPer8Hu/tomodachi-api/internal/queue"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) WithTx(tx *gorm.DB) *Repo {
	return &Repo{db: tx}
}

func (r *Repo) InsertMessage(ctx context.Context, m *Message) error {
	if m.ID == "" {
		m.ID = common.MustULID()
	}
	return r.db.WithContext(ctx).Create(m).Error
}

func (r *Repo) GetMessage(ctx context.Context, agentID, id string) (*Message, error) {
	var m Message
	err := r.db.WithContext(ctx).Where("id = ? AND agent_id = ?", id, agentID).First(&m).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

// ListMessages pages through an agent's messages in id order.
func (r *Repo) ListMessages(ctx context.Context, agentID string, desc bool, page, limit int) ([]Message, int64, error) {
	q := r.db.WithContext(ctx).Model(&Message{}).Where("agent_id = ?", agentID)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	order := "id ASC"
	if desc {
		order = "id DESC"
	}
	var msgs []Message
	err := q.Order(order).
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, 0, err
	}
	return msgs, total, nil
}

// RecentMessages returns the most recent messages in DESC id order (newest -> oldest).
func (r *Repo) RecentMessages(ctx context.Context, agentID string, limit int) ([]Message, error) {
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Order("id DESC").
		Limit(limit).
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// SetMessageStatus updates the status and returns the fresh row.
func (r *Repo) SetMessageStatus(ctx context.Context, agentID, id string, status MessageStatus) (*Message, error) {
	res := r.db.WithContext(ctx).Model(&Message{}).
		Where("id = ? AND agent_id = ?", id, agentID).
		Update("status", status)
	if res.Error != nil {
		return nil, res.Error
	}
	return r.GetMessage(ctx, agentID, id)
}

func (r *Repo) DeleteMessage(ctx context.Context, agentID, id string) error {
	res := r.db.WithContext(ctx).Where("id = ? AND agent_id = ?", id, agentID).Delete(&Message{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("message: %w", common.ErrNotFound)
	}
	return nil
}

func (r *Repo) ClearMessages(ctx context.Context, agentID string) (int64, error) {
	res := r.db.WithContext(ctx).Where("agent_id = ?", agentID).Delete(&Message{})
	return res.RowsAffected, res.Error
}

// ReplyFor returns the agent reply stored for a user message, if any.
func (r *Repo) ReplyFor(ctx context.Context, messageID string) (*Message, error) {
	var m Message
	err := r.db.WithContext(ctx).Where("reply_to_id = ?", messageID).First(&m).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

// InsertReplyOrGetExisting stores an agent reply. If a reply to the same
// message already exists, that one is returned instead and created is false.
func (r *Repo) InsertReplyOrGetExisting(ctx context.Context, m *Message) (*Message, bool, error) {
	if m.ReplyToID == nil || *m.ReplyToID == "" {
		return nil, false, errors.New("chat: reply without reply_to_id")
	}
	err := r.InsertMessage(ctx, m)
	if err == nil {
		return m, true, nil
	}

	existing, getErr := r.ReplyFor(ctx, *m.ReplyToID)
	if getErr == nil {
		return existing, false, nil
	}
	if errors.Is(getErr, common.ErrNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}

// Job ledger
func (r *Repo) CreateJob(ctx context.Context, job *JobRecord) error {
	return r.db.WithContext(ctx).Create(job).Error
}

// EnsureJob creates the ledger row for jobs enqueued without one.
func (r *Repo) EnsureJob(ctx context.Context, job *JobRecord) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(job).Error
}

func (r *Repo) GetJob(ctx context.Context, id string) (*JobRecord, error) {
	var j JobRecord
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &j, nil
}

func (r *Repo) MarkJobRunning(ctx context.Context, id string, attempt int) error {
	return r.db.WithContext(ctx).Model(&JobRecord{}).
		Where("id = ? AND status IN ?", id, []JobStatus{JobQueued, JobRunning}).
		Updates(map[string]any{
			"status":   JobRunning,
			"attempts": attempt,
		}).Error
}

func (r *Repo) MarkJobSucceeded(ctx context.Context, id, resultMessageID string) error {
	return r.db.WithContext(ctx).Model(&JobRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":            JobSucceeded,
			"result_message_id": resultMessageID,
			"error":             nil,
			"finished_at":       time.Now(),
		}).Error
}

func (r *Repo) MarkJobFailed(ctx context.Context, id string, errMsg string) error {
	return r.db.WithContext(ctx).Model(&JobRecord{}).
		Where("id = ? AND status <> ?", id, JobSucceeded).
		Updates(map[string]any{
			"status":            JobFailed,
			"error":             errMsg,
			"result_message_id": nil,
			"finished_at":       time.Now(),
		}).Error
}

// PruneJobs applies the completed and failed retention windows to the ledger.
func (r *Repo) PruneJobs(ctx context.Context, completed, failed queue.Retention, now time.Time) (int64, error) {
	db := r.db.WithContext(ctx)
	var removed int64

	if completed.Age > 0 {
		res := db.Where("status = ? AND finished_at < ?", JobSucceeded, now.Add(-completed.Age)).Delete(&JobRecord{})
		if res.Error != nil {
			return removed, res.Error
		}
		removed += res.RowsAffected
	}
	if completed.Count > 0 {
		var overflow []string
		err := db.Model(&JobRecord{}).
			Where("status = ?", JobSucceeded).
			Order("finished_at DESC, id DESC").
			Offset(completed.Count).
			Limit(1000).
			Pluck("id", &overflow).Error
		if err != nil {
			return removed, err
		}
		if len(overflow) > 0 {
			res := db.Where("id IN ?", overflow).Delete(&JobRecord{})
			if res.Error != nil {
				return removed, res.Error
			}
			removed += res.RowsAffected
		}
	}
	if failed.Age > 0 {
		res := db.Where("status = ? AND finished_at < ?", JobFailed, now.Add(-failed.Age)).Delete(&JobRecord{})
		if res.Error != nil {
			return removed, res.Error
		}
		removed += res.RowsAffected
	}
	return removed, nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("message: %w", common.ErrNotFound)
	}
	return err
}
