package db

import (
	"context"
	"errors"
	"strings"

	"Gin_postgres_redis_gage_lease/apperr"
	"Gin_postgres_redis_gage_lease/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Repo struct{ DB *gorm.DB }

func NewRepo(db *gorm.DB) *Repo { return &Repo{DB: db} }

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.NotFound(format, args...)
	}
	return err
}

// Operators (directory)

func (r *Repo) CreateOperator(ctx context.Context, op *models.Operator) error {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	return r.DB.WithContext(ctx).Create(op).Error
}

// OperatorsInDepartment 部门精确匹配（忽略大小写），function/operation 由调用方再过滤
func (r *Repo) OperatorsInDepartment(ctx context.Context, department string) ([]models.Operator, error) {
	var ops []models.Operator
	err := r.DB.WithContext(ctx).
		Where("LOWER(department) = ? AND active = ?", strings.ToLower(strings.TrimSpace(department)), true).
		Order("username").
		Find(&ops).Error
	return ops, err
}

type ListOperatorsResult struct {
	Operators []models.Operator `json:"operators"`
	Total     int64             `json:"total"`
}

// 列表（分页 + 关键词，关键词匹配用户名/邮箱）
func (r *Repo) ListOperators(ctx context.Context, q, department string, page, size int) (ListOperatorsResult, error) {
	page, size = normalizePage(page, size, 100)

	tx := r.DB.WithContext(ctx).Model(&models.Operator{})
	if q = strings.TrimSpace(q); q != "" {
		like := "%" + strings.ToLower(q) + "%"
		tx = tx.Where("LOWER(username) LIKE ? OR LOWER(email) LIKE ?", like, like)
	}
	if d := strings.TrimSpace(department); d != "" {
		tx = tx.Where("LOWER(department) = ?", strings.ToLower(d))
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return ListOperatorsResult{}, err
	}

	var ops []models.Operator
	if err := tx.
		Order("username").
		Offset((page - 1) * size).
		Limit(size).
		Find(&ops).Error; err != nil {
		return ListOperatorsResult{}, err
	}
	return ListOperatorsResult{Operators: ops, Total: total}, nil
}

func normalizePage(page, size, max int) (int, int) {
	if page <= 0 {
		page = 1
	}
	if size <= 0 || size > max {
		size = 20
	}
	return page, size
}
