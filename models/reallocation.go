package models

import (
	"strings"
	"time"
)

const ReallocationTable = "gl_reallocations"

type Status string

const (
	StatusPendingApproval Status = "PENDING_APPROVAL"
	StatusApproved        Status = "APPROVED"
	StatusExpired         Status = "EXPIRED"
	StatusReturned        Status = "RETURNED"
	StatusCompleted       Status = "COMPLETED"
	StatusCancelled       Status = "CANCELLED"
)

// ActiveStatuses block a new reallocation for the same gage.
var ActiveStatuses = []Status{StatusPendingApproval, StatusApproved, StatusExpired}

var transitions = map[Status][]Status{
	StatusPendingApproval: {StatusApproved, StatusCancelled, StatusReturned},
	StatusApproved:        {StatusExpired, StatusReturned, StatusCancelled},
	StatusExpired:         {StatusReturned, StatusCancelled},
	StatusReturned:        {StatusCompleted},
}

func (s Status) Valid() bool {
	switch s {
	case StatusPendingApproval, StatusApproved, StatusExpired,
		StatusReturned, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

func (s Status) IsActive() bool {
	for _, a := range ActiveStatuses {
		if s == a {
			return true
		}
	}
	return false
}

func (s Status) IsTerminal() bool { return s == StatusCompleted || s == StatusCancelled }

func (s Status) CanTransitionTo(to Status) bool {
	for _, t := range transitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

type TimeLimit string

const (
	TimeLimitTwoHours TimeLimit = "TWO_HOURS"
	TimeLimitOneDay   TimeLimit = "ONE_DAY"
	TimeLimitOneWeek  TimeLimit = "ONE_WEEK"
	TimeLimitOneMonth TimeLimit = "ONE_MONTH"
	TimeLimitCustom   TimeLimit = "CUSTOM"
)

func (t TimeLimit) Valid() bool {
	switch t {
	case TimeLimitTwoHours, TimeLimitOneDay, TimeLimitOneWeek, TimeLimitOneMonth, TimeLimitCustom:
		return true
	}
	return false
}

// ExpiryFrom returns allocatedAt plus the fixed duration of t.
// CUSTOM has no fixed duration and reports false.
func (t TimeLimit) ExpiryFrom(allocatedAt time.Time) (time.Time, bool) {
	switch t {
	case TimeLimitTwoHours:
		return allocatedAt.Add(2 * time.Hour), true
	case TimeLimitOneDay:
		return allocatedAt.Add(24 * time.Hour), true
	case TimeLimitOneWeek:
		return allocatedAt.Add(7 * 24 * time.Hour), true
	case TimeLimitOneMonth:
		return addMonth(allocatedAt), true
	}
	return time.Time{}, false
}

// addMonth adds one calendar month, clamping to the last day of the target
// month (Jan 31 -> Feb 28/29).
func addMonth(t time.Time) time.Time {
	next := t.AddDate(0, 1, 0)
	if next.Day() != t.Day() {
		next = next.AddDate(0, 0, -next.Day())
	}
	return next
}

// Unit is a custodial unit: department / function / operation.
type Unit struct {
	Department string `gorm:"size:100" json:"department"`
	Function   string `gorm:"size:200" json:"function"`
	Operation  string `gorm:"size:200" json:"operation"`
}

func (u Unit) IsZero() bool {
	return strings.TrimSpace(u.Department) == "" &&
		strings.TrimSpace(u.Function) == "" &&
		strings.TrimSpace(u.Operation) == ""
}

// Reallocation is the lease record. OriginalUnit is a snapshot taken at
// creation and never rewritten.
type Reallocation struct {
	ID         string `gorm:"type:uuid;primaryKey" json:"id"`
	GageID     string `gorm:"type:uuid;index;not null" json:"gageId"`
	GageSerial string `gorm:"size:120" json:"gageSerial"`

	OriginalUnit Unit `gorm:"embedded;embeddedPrefix:original_" json:"originalUnit"`
	CurrentUnit  Unit `gorm:"embedded;embeddedPrefix:current_" json:"currentUnit"`

	RequestedBy        string `gorm:"size:255;index;not null" json:"requestedBy"`
	RequesterRole      string `gorm:"size:64" json:"requesterRole"`
	RequesterFunction  string `gorm:"size:200" json:"requesterFunction"`
	RequesterOperation string `gorm:"size:200" json:"requesterOperation"`

	// approver or rejector
	ApprovedBy *string    `gorm:"size:255" json:"approvedBy,omitempty"`
	ApprovedAt *time.Time `json:"approvedAt,omitempty"`

	TimeLimit          TimeLimit  `gorm:"size:20;not null" json:"timeLimit"`
	RequestedExpiresAt *time.Time `json:"requestedExpiresAt,omitempty"`
	AllocatedAt        *time.Time `json:"allocatedAt,omitempty"`
	ExpiresAt          *time.Time `gorm:"index" json:"expiresAt,omitempty"`

	Status Status `gorm:"size:32;index;not null" json:"status"`

	Reason          string `gorm:"type:text" json:"reason"`
	Notes           string `gorm:"type:text" json:"notes,omitempty"`
	RejectionReason string `gorm:"type:text" json:"rejectionReason,omitempty"`

	CancelledBy  *string    `gorm:"size:255" json:"cancelledBy,omitempty"`
	CancelledAt  *time.Time `json:"cancelledAt,omitempty"`
	CancelReason string     `gorm:"type:text" json:"cancelReason,omitempty"`

	ReturnedBy   *string    `gorm:"size:255" json:"returnedBy,omitempty"`
	ReturnedAt   *time.Time `json:"returnedAt,omitempty"`
	ReturnReason string     `gorm:"type:text" json:"returnReason,omitempty"`
	ForcedReturn bool       `gorm:"not null;default:false" json:"forcedReturn"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (Reallocation) TableName() string { return ReallocationTable }

// Remaining is max(0, expiresAt-now); nil until the lease has been approved.
func (r *Reallocation) Remaining(now time.Time) *time.Duration {
	if r.ExpiresAt == nil {
		return nil
	}
	d := r.ExpiresAt.Sub(now)
	if d < 0 {
		d = 0
	}
	return &d
}
