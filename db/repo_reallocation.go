package db

import (
	"context"
	"errors"
	"strings"
	"time"

	"Gin_postgres_redis_gage_lease/apperr"
	"Gin_postgres_redis_gage_lease/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Tx is the write surface handed to a transition callback. Everything it
// does commits or rolls back together with the state change.
type Tx struct{ db *gorm.DB }

// Advance writes l with status `to`, guarded by a compare-and-swap on the
// status currently held in l.
func (t *Tx) Advance(l *models.Reallocation, to models.Status) error {
	from := l.Status
	if !from.CanTransitionTo(to) {
		return apperr.InvalidState("reallocation %s cannot move from %s to %s", l.ID, from, to)
	}
	l.Status = to
	res := t.db.Model(&models.Reallocation{}).
		Where("id = ? AND status = ?", l.ID, from).
		Select("*").Omit("id", "created_at").
		Updates(l)
	if res.Error != nil {
		l.Status = from
		return res.Error
	}
	if res.RowsAffected != 1 {
		l.Status = from
		return apperr.InvalidState("reallocation %s is no longer %s", l.ID, from)
	}
	return nil
}

// SetGageInUse flips the registry custody flag.
func (t *Tx) SetGageInUse(gageID string, inUse bool) error {
	res := t.db.Model(&models.Gage{}).
		Where("id = ?", gageID).
		Updates(map[string]any{"in_use": inUse, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("gage %s not found", gageID)
	}
	return nil
}

func (t *Tx) RecordCustody(c *models.Custody) error {
	return t.db.Create(c).Error
}

// TransitionFunc mutates l and calls tx.Advance for every state it passes.
type TransitionFunc func(tx *Tx, l *models.Reallocation) error

// Transition 原子操作 = 锁住记录 → 回调校验并推进状态 → 提交
func (r *Repo) Transition(ctx context.Context, id string, fn TransitionFunc) (*models.Reallocation, error) {
	var l models.Reallocation
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&l, "id = ?", id).Error; err != nil {
			return notFound(err, "reallocation %s not found", id)
		}
		return fn(&Tx{db: tx}, &l)
	})
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// BuildFunc fills a new reallocation from the locked gage and its newest
// custodial record (nil when the gage has never been issued).
type BuildFunc func(g *models.Gage, origin *models.Custody) (*models.Reallocation, error)

// CreateReallocation 原子操作 = 锁住 gage → 检查 active 记录 → 新建
func (r *Repo) CreateReallocation(ctx context.Context, gageID string, build BuildFunc) (*models.Reallocation, error) {
	var out *models.Reallocation
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var g models.Gage
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
			return apperr.ResourceUnavailable("gage %s already has an active reallocation", g.Serial)
		}

		origin, err := latestCustody(tx, gageID)
		if err != nil {
			return err
		}
		l, err := build(&g, origin)
		if err != nil {
			return err
		}
		if err := tx.Create(l).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) || isUniqueViolation(err) {
				return apperr.ResourceUnavailable("gage %s already has an active reallocation", g.Serial)
			}
			return err
		}
		out = l
		return nil
	})
	return out, err
}

// sqlite 不一定经过 TranslateError
func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}

func (r *Repo) FindReallocation(ctx context.Context, id string) (*models.Reallocation, error) {
	var l models.Reallocation
	if err := r.DB.WithContext(ctx).First(&l, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "reallocation %s not found", id)
	}
	return &l, nil
}

// HasActiveReallocation 汇总：该 gage 是否已有 active 记录
func (r *Repo) HasActiveReallocation(ctx context.Context, gageID string) (bool, error) {
	var n int64
	if err := r.DB.WithContext(ctx).Model(&models.Reallocation{}).
		Where("gage_id = ? AND status IN ?", gageID, models.ActiveStatuses).
		Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

type ReallocationFilter struct {
	Status      models.Status
	Department  string
	Function    string
	Operation   string
	GageID      string
	RequestedBy string
	Page        int
	Size        int
}

type PagedReallocations struct {
	Total int64                 `json:"total"`
	Items []models.Reallocation `json:"items"`
}

func (r *Repo) ListReallocations(ctx context.Context, f ReallocationFilter) (*PagedReallocations, error) {
	f.Page, f.Size = normalizePage(f.Page, f.Size, 200)

	q := r.DB.WithContext(ctx).Model(&models.Reallocation{})
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if s := strings.TrimSpace(f.Department); s != "" {
		q = q.Where("LOWER(current_department) = ?", strings.ToLower(s))
	}
	if s := strings.TrimSpace(f.Function); s != "" {
		q = q.Where("LOWER(current_function) LIKE ?", "%"+strings.ToLower(s)+"%")
	}
	if s := strings.TrimSpace(f.Operation); s != "" {
		q = q.Where("LOWER(current_operation) LIKE ?", "%"+strings.ToLower(s)+"%")
	}
	if f.GageID != "" {
		q = q.Where("gage_id = ?", f.GageID)
	}
	if f.RequestedBy != "" {
		q = q.Where("requested_by = ?", f.RequestedBy)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, err
	}
	var ls []models.Reallocation
	if err := q.Order("created_at DESC").
		Offset((f.Page - 1) * f.Size).Limit(f.Size).
		Find(&ls).Error; err != nil {
		return nil, err
	}
	return &PagedReallocations{Total: total, Items: ls}, nil
}

// ListExpired returns approved or already-expired leases whose expiry is at or before now.
func (r *Repo) ListExpired(ctx context.Context, now time.Time) ([]models.Reallocation, error) {
	var ls []models.Reallocation
	err := r.DB.WithContext(ctx).
		Where("status IN ? AND expires_at IS NOT NULL AND expires_at <= ?",
			[]models.Status{models.StatusApproved, models.StatusExpired}, now.UTC()).
		Order("expires_at").
		Find(&ls).Error
	return ls, err
}

// ListExpiringBetween returns approved leases with from < expiresAt <= until.
func (r *Repo) ListExpiringBetween(ctx context.Context, from, until time.Time) ([]models.Reallocation, error) {
	var ls []models.Reallocation
	err := r.DB.WithContext(ctx).
		Where("status = ? AND expires_at > ? AND expires_at <= ?",
			models.StatusApproved, from.UTC(), until.UTC()).
		Order("expires_at").
		Find(&ls).Error
	return ls, err
}

func (r *Repo) CountByStatus(ctx context.Context, status models.Status) (int64, error) {
	var n int64
	err := r.DB.WithContext(ctx).Model(&models.Reallocation{}).
		Where("status = ?", status).
		Count(&n).Error
	return n, err
}

// DeleteReallocation is administrative cleanup; records that still hold
// approved custody are refused.
func (r *Repo) DeleteReallocation(ctx context.Context, id string) error {
	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var l models.Reallocation
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&l, "id = ?", id).Error; err != nil {
			return notFound(err, "reallocation %s not found", id)
		}
		if l.Status == models.StatusApproved || l.Status == models.StatusExpired {
			return apperr.InvalidState("reallocation %s is %s and cannot be deleted", id, l.Status)
		}
		return tx.Delete(&models.Reallocation{}, "id = ?", id).Error
	})
}
