package models

import "time"

const OperatorTable = "gl_operators"

// Operator is a directory entry used to fan notifications out to the
// people currently working in a custodial unit.
type Operator struct {
	ID         string    `gorm:"primaryKey;type:uuid" json:"id"`
	Username   string    `gorm:"uniqueIndex;size:255;not null" json:"username"`
	Email      string    `gorm:"size:255" json:"email"`
	Department string    `gorm:"size:100;index" json:"department"`
	Function   string    `gorm:"size:200" json:"function"`
	Operation  string    `gorm:"size:200" json:"operation"`
	Active     bool      `gorm:"not null;default:true" json:"active"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func (Operator) TableName() string { return OperatorTable }
