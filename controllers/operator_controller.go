// controllers/operator_controller.go
package controllers

import (
	"net/http"
	"strings"

	"Gin_postgres_redis_gage_lease/app"
	"Gin_postgres_redis_gage_lease/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type OperatorController struct{ *Srv }

func NewOperatorController(s *Srv) *OperatorController { return &OperatorController{Srv: s} }

// GET /operators?q=alice&department=MACHINING&page=1&size=20
func (oc *OperatorController) ListOperators(c *gin.Context) {
	page, size := pageParams(c)
	res, err := oc.Repo.ListOperators(c.Request.Context(), c.Query("q"), c.Query("department"), page, size)
	if err != nil {
		oc.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, app.H{
		"total":     res.Total,
		"operators": res.Operators,
	})
}

// POST /admin/operators
func (oc *OperatorController) CreateOperator(c *gin.Context) {
	var in struct {
		Username   string `json:"username" binding:"required"`
		Email      string `json:"email"`
		Department string `json:"department" binding:"required"`
		Function   string `json:"function"`
		Operation  string `json:"operation"`
	}
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err.Error())
		return
	}
	op := &models.Operator{
		ID:         uuid.NewString(),
		Username:   strings.TrimSpace(in.Username),
		Email:      strings.ToLower(strings.TrimSpace(in.Email)),
		Department: strings.TrimSpace(in.Department),
		Function:   in.Function,
		Operation:  in.Operation,
		Active:     true,
	}
	if err := oc.Repo.CreateOperator(c.Request.Context(), op); err != nil {
		oc.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, op)
}
