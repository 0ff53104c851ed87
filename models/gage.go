// models/gage.go
package models

import "time"

const GageTable = "gl_gages"
const CustodyTable = "gl_gage_custody"

// Gage is the Resource Registry row. InUse is the custody flag the
// reallocation engine flips; nothing else writes it.
type Gage struct {
	ID        string    `gorm:"type:uuid;primaryKey" json:"id"`
	Serial    string    `gorm:"size:120;uniqueIndex;not null" json:"serial"`
	Name      string    `gorm:"size:200;not null" json:"name"`
	Status    string    `gorm:"size:20;not null;default:'active'" json:"status"` // active/calibration/retired...
	InUse     bool      `gorm:"not null;default:false" json:"inUse"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Custody 是 gage 的保管记录（追加写），最新一条即当前保管单位
type Custody struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	GageID         string    `gorm:"type:uuid;index;not null" json:"gageId"`
	Unit           Unit      `gorm:"embedded" json:"unit"`
	Source         string    `gorm:"size:32;not null" json:"source"` // issue / reallocation / restore
	ReallocationID *string   `gorm:"type:uuid" json:"reallocationId,omitempty"`
	AssignedAt     time.Time `gorm:"index;not null" json:"assignedAt"`
	CreatedAt      time.Time `json:"createdAt"`
}

const (
	CustodySourceIssue        = "issue"
	CustodySourceReallocation = "reallocation"
	CustodySourceRestore      = "restore"
)

func (Gage) TableName() string    { return GageTable }
func (Custody) TableName() string { return CustodyTable }
