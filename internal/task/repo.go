package task

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

var ErrNotFound = errors.New("task not found")

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) Create(ctx context.Context, t *Task) error {
	return r.db.WithContext(ctx).Create(t).Error
}

func (r *Repo) GetByID(ctx context.Context, id string) (*Task, error) {
	var t Task
	if err := r.db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (r *Repo) GetByProviderTaskID(ctx context.Context, providerTaskID string) (*Task, error) {
	var t Task
	if err := r.db.WithContext(ctx).
		First(&t, "provider_task_id = ?", providerTaskID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// SetProviderTaskID records the provider-assigned id once known. Set exactly
// once, right after the provider accepted the submission.
func (r *Repo) SetProviderTaskID(ctx context.Context, id, providerTaskID string) error {
	return r.db.WithContext(ctx).Model(&Task{}).
		Where("id = ?", id).
		Update("provider_task_id", providerTaskID).Error
}

// MarkUploading transitions processing -> uploading iff the task is still
// processing. Returns false when the task was not in processing, which callers
// treat as "someone else got here first".
func (r *Repo) MarkUploading(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Task{}).
		Where("id = ? AND status = ?", id, StatusProcessing).
		Update("status", StatusUploading)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// RevertUploading undoes a speculative uploading transition after a fallback
// query found the provider still working.
func (r *Repo) RevertUploading(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&Task{}).
		Where("id = ? AND status = ?", id, StatusUploading).
		Update("status", StatusProcessing).Error
}

func (r *Repo) MarkCompleted(ctx context.Context, id, resultObjectKey, resultURL string) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&Task{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":            StatusCompleted,
			"result_object_key": resultObjectKey,
			"result_url":        resultURL,
			"error":             nil,
			"completed_at":      now,
		}).Error
}

func (r *Repo) MarkFailed(ctx context.Context, id, errMsg string) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&Task{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":       StatusFailed,
			"error":        errMsg,
			"completed_at": now,
		}).Error
}

// Delete removes a task row. Only used when a synchronous provider submission
// failed outright and no task should persist.
func (r *Repo) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Delete(&Task{}, "id = ?", id).Error
}

// FindStaleProcessing returns non-terminal tasks older than their kind's
// absolute age ceiling. cutoffs maps kind -> oldest acceptable created_at.
func (r *Repo) FindStaleProcessing(ctx context.Context, cutoffs map[Kind]time.Time, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []Task
	for k, cutoff := range cutoffs {
		var batch []Task
		if err := r.db.WithContext(ctx).
			Where("kind = ? AND status IN ? AND created_at < ?",
				k, []Status{StatusProcessing, StatusUploading}, cutoff).
			Limit(limit).
			Find(&batch).Error; err != nil {
			return nil, err
		}
		out = append(out, batch...)
	}
	return out, nil
}

// ListByOwner returns an owner's tasks, newest first.
func (r *Repo) ListByOwner(ctx context.Context, ownerID string, limit int) ([]Task, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var out []Task
	if err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("id DESC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
