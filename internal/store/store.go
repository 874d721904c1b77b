// Package store persists transfer task records. All access goes through
// repo.Db; callers serialize writes per task (scheduler owns status and
// scheduling fields, the executor owns byte progress while active).
package store

import (
	"errors"
	"time"

	"fetchd/internal/repo"
	"fetchd/model"

	"golang.org/x/net/context"
	"gorm.io/gorm"
)

// ErrNotFound is returned when a task id is unknown.
var ErrNotFound = errors.New("store: task not found")

// Create inserts a new task record.
func Create(ctx context.Context, t *model.TransferTask) error {
	return repo.Db.WithContext(ctx).Create(t).Error
}

// Save writes all fields of an existing task record.
func Save(ctx context.Context, t *model.TransferTask) error {
	return repo.Db.WithContext(ctx).Save(t).Error
}

// Get loads a task by id.
func Get(ctx context.Context, id string) (*model.TransferTask, error) {
	var t model.TransferTask
	err := repo.Db.WithContext(ctx).Where("id = ?", id).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListByStatus returns all tasks with the given status, oldest first.
func ListByStatus(ctx context.Context, status model.Status) ([]model.TransferTask, error) {
	var tasks []model.TransferTask
	err := repo.Db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC").
		Find(&tasks).Error
	return tasks, err
}

// ListAll returns every task record, oldest first.
func ListAll(ctx context.Context) ([]model.TransferTask, error) {
	var tasks []model.TransferTask
	err := repo.Db.WithContext(ctx).Order("created_at ASC").Find(&tasks).Error
	return tasks, err
}

// UpdateFields applies a partial update to one task.
func UpdateFields(ctx context.Context, id string, fields map[string]interface{}) error {
	res := repo.Db.WithContext(ctx).Model(&model.TransferTask{}).
		Where("id = ?", id).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// TransitionStatus moves a task to a new status only if it currently holds
// one of the expected statuses. Returns false when the guard did not match.
func TransitionStatus(ctx context.Context, id string, from []model.Status, to model.Status, extra map[string]interface{}) (bool, error) {
	fields := map[string]interface{}{"status": to}
	for k, v := range extra {
		fields[k] = v
	}
	res := repo.Db.WithContext(ctx).Model(&model.TransferTask{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(fields)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// FlushProgress persists the executor's byte counters. Total size is only
// written once known so a later HEAD-less response cannot erase it.
func FlushProgress(ctx context.Context, id string, bytes, total int64) error {
	fields := map[string]interface{}{"bytes_transferred": bytes}
	if total >= 0 {
		fields["total_size"] = total
	}
	return UpdateFields(ctx, id, fields)
}

// MarkFailed records a failure category and message.
func MarkFailed(ctx context.Context, id string, category, msg string) error {
	return UpdateFields(ctx, id, map[string]interface{}{
		"status":         model.StatusFailed,
		"error_category": category,
		"error_msg":      msg,
	})
}

// Delete removes one task record.
func Delete(ctx context.Context, id string) error {
	return repo.Db.WithContext(ctx).Delete(&model.TransferTask{}, "id = ?", id).Error
}

// PurgeTerminalBefore removes completed/cancelled/failed records last
// updated before the cutoff. History stays visible until explicitly purged.
func PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := repo.Db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?",
			[]model.Status{model.StatusCompleted, model.StatusCancelled, model.StatusFailed}, cutoff).
		Delete(&model.TransferTask{})
	return res.RowsAffected, res.Error
}
