package models

import "time"

// NotificationLog 每个收件人一条，追加写；用来做"我的通知"过滤
type NotificationLog struct {
	ID             string    `gorm:"type:uuid;primaryKey" json:"id"`
	ReallocationID string    `gorm:"type:uuid;index" json:"reallocationId"`
	Event          string    `gorm:"size:32;not null" json:"event"`
	Username       string    `gorm:"size:255;index" json:"username"`
	Address        string    `gorm:"size:255" json:"address"`
	Delivered      bool      `gorm:"not null" json:"delivered"`
	Error          string    `gorm:"type:text" json:"error,omitempty"`
	CreatedAt      time.Time `gorm:"index" json:"createdAt"`
}

func (NotificationLog) TableName() string { return "gl_notification_log" }
