package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"Gin_postgres_redis_gage_lease/apperr"
	"Gin_postgres_redis_gage_lease/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Gages (Resource Registry)

func (r *Repo) CreateGage(ctx context.Context, g *models.Gage) error {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	return r.DB.WithContext(ctx).Create(g).Error
}

func (r *Repo) FindGage(ctx context.Context, id string) (*models.Gage, error) {
	var g models.Gage
	if err := r.DB.WithContext(ctx).First(&g, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "gage %s not found", id)
	}
	return &g, nil
}

// IssueGage 记录初始保管单位（目录数据导入时使用）
func (r *Repo) IssueGage(ctx context.Context, gageID string, unit models.Unit, at time.Time) (*models.Custody, error) {
	c := &models.Custody{
		GageID:     gageID,
		Unit:       unit,
		Source:     models.CustodySourceIssue,
		AssignedAt: at.UTC(),
	}
	if err := r.DB.WithContext(ctx).Create(c).Error; err != nil {
		return nil, err
	}
	return c, nil
}

// ReleaseGage clears a custody flag left behind by a cancelled approval.
// Gages that still have an active reallocation are refused.
func (r *Repo) ReleaseGage(ctx context.Context, gageID string) (*models.Gage, error) {
	var g models.Gage
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&g, "id = ?", gageID).Error; err != nil {
			return notFound(err, "gage %s not found", gageID)
		}
		var n int64
		if err := tx.Model(&models.Reallocation{}).
			Where("gage_id = ? AND status IN ?", gageID, models.ActiveStatuses).
			Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return apperr.InvalidState("gage %s still has an active reallocation", g.Serial)
		}
		g.InUse = false
		return tx.Model(&g).Update("in_use", false).Error
	})
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func latestCustody(tx *gorm.DB, gageID string) (*models.Custody, error) {
	var c models.Custody
	err := tx.Where("gage_id = ?", gageID).
		Order("assigned_at DESC").Order("id DESC").
		First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// LatestCustody returns the newest custodial record, nil if the gage has none.
func (r *Repo) LatestCustody(ctx context.Context, gageID string) (*models.Custody, error) {
	return latestCustody(r.DB.WithContext(ctx), gageID)
}

func (r *Repo) ListCustody(ctx context.Context, gageID string) ([]models.Custody, error) {
	var cs []models.Custody
	err := r.DB.WithContext(ctx).
		Where("gage_id = ?", gageID).
		Order("assigned_at DESC").Order("id DESC").
		Find(&cs).Error
	return cs, err
}

type GageRow struct {
	ID        string    `json:"id"`
	Serial    string    `json:"serial"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	InUse     bool      `json:"inUse"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// Current active reallocation (nullable)
	ReallocationID     *string    `json:"reallocationId,omitempty"`
	ReallocationStatus *string    `json:"reallocationStatus,omitempty"`
	RequestedBy        *string    `json:"requestedBy,omitempty"`
	CurrentDepartment  *string    `json:"currentDepartment,omitempty"`
	ExpiresAt          *time.Time `json:"expiresAt,omitempty"`
	Overdue            bool       `json:"overdue"`
}

type GageQuery struct {
	Q      string // 模糊搜索：serial/name
	Status string // "", "in_use", "available", "overdue"
	Page   int
	Size   int
}

type PagedGages struct {
	Total int64     `json:"total"`
	Items []GageRow `json:"items"`
}

// ListGagesWithCurrentReallocation joins each gage with its active
// reallocation; the partial unique index guarantees at most one.
func (r *Repo) ListGagesWithCurrentReallocation(ctx context.Context, q GageQuery, now time.Time) (*PagedGages, error) {
	q.Page, q.Size = normalizePage(q.Page, q.Size, 200)
	offset := (q.Page - 1) * q.Size

	db := r.DB.WithContext(ctx)
	build := func() *gorm.DB {
		qry := db.Table(models.GageTable+" g").
			Joins(fmt.Sprintf("LEFT JOIN %s ar ON ar.gage_id = g.id AND ar.status IN (%s)",
				models.ReallocationTable, activeStatusList()))

		if s := strings.TrimSpace(q.Q); s != "" {
			pat := "%" + strings.ToLower(s) + "%"
			qry = qry.Where("LOWER(g.serial) LIKE ? OR LOWER(g.name) LIKE ?", pat, pat)
		}
		switch q.Status {
		case "in_use":
			qry = qry.Where("g.in_use = ?", true)
		case "available":
			qry = qry.Where("g.in_use = ?", false)
		case "overdue":
			qry = qry.Where("ar.expires_at IS NOT NULL AND ar.expires_at <= ?", now.UTC())
		}
		return qry
	}

	var total int64
	if err := build().Count(&total).Error; err != nil {
		return nil, err
	}

	var rows []GageRow
	if err := build().
		Select(`
			g.id, g.serial, g.name, g.status, g.in_use, g.created_at, g.updated_at,
			ar.id                 AS reallocation_id,
			ar.status             AS reallocation_status,
			ar.requested_by,
			ar.current_department,
			ar.expires_at
		`).
		Order("g.created_at DESC").Offset(offset).Limit(q.Size).
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	for i := range rows {
		rows[i].Overdue = rows[i].ExpiresAt != nil && !rows[i].ExpiresAt.After(now)
	}
	return &PagedGages{Total: total, Items: rows}, nil
}
