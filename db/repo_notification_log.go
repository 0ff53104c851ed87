package db

import (
	"context"
	"fmt"

	"Gin_postgres_redis_gage_lease/models"

	"github.com/google/uuid"
)

func (r *Repo) AppendNotificationLogs(ctx context.Context, logs []models.NotificationLog) error {
	if len(logs) == 0 {
		return nil
	}
	for i := range logs {
		if logs[i].ID == "" {
			logs[i].ID = uuid.NewString()
		}
	}
	if err := r.DB.WithContext(ctx).Create(&logs).Error; err != nil {
		return fmt.Errorf("insert notification log: %w", err)
	}
	return nil
}

// ListNotificationLogs filters by reallocation and/or username; empty means any.
func (r *Repo) ListNotificationLogs(ctx context.Context, reallocationID, username string, limit int) ([]models.NotificationLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := r.DB.WithContext(ctx).Model(&models.NotificationLog{})
	if reallocationID != "" {
		q = q.Where("reallocation_id = ?", reallocationID)
	}
	if username != "" {
		q = q.Where("username = ?", username)
	}
	var out []models.NotificationLog
	err := q.Order("created_at DESC").Limit(limit).Find(&out).Error
	return out, err
}
