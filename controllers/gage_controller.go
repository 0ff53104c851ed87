// controllers/gage_controller.go
package controllers

import (
	"net/http"

	"Gin_postgres_redis_gage_lease/app"
	"Gin_postgres_redis_gage_lease/apperr"
	"Gin_postgres_redis_gage_lease/db"
	"Gin_postgres_redis_gage_lease/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type GageController struct{ *Srv }

func NewGageController(s *Srv) *GageController { return &GageController{Srv: s} }

// 管理员登记一个 gage，可选初始保管单位
func (gc *GageController) CreateGage(c *gin.Context) {
	var in struct {
		Name   string       `json:"name" binding:"required"`
		Serial string       `json:"serial" binding:"required"`
		Unit   *models.Unit `json:"unit"`
	}
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err.Error())
		return
	}
	ctx := c.Request.Context()
	g := &models.Gage{ID: uuid.NewString(), Name: in.Name, Serial: in.Serial, Status: "active"}
	if err := gc.Repo.CreateGage(ctx, g); err != nil {
		gc.fail(c, err)
		return
	}
	out := app.H{"gage": g}
	if in.Unit != nil && !in.Unit.IsZero() {
		cust, err := gc.Repo.IssueGage(ctx, g.ID, *in.Unit, gc.Clock.Now())
		if err != nil {
			gc.fail(c, err)
			return
		}
		out["custody"] = cust
	}
	c.JSON(http.StatusCreated, out)
}

// 列表（含当前 active reallocation）
// GET /gages?q=&status=in_use|available|overdue&page=&size=
func (gc *GageController) ListGages(c *gin.Context) {
	page, size := pageParams(c)
	res, err := gc.Repo.ListGagesWithCurrentReallocation(c.Request.Context(), db.GageQuery{
		Q:      c.Query("q"),
		Status: c.Query("status"),
		Page:   page,
		Size:   size,
	}, gc.Clock.Now())
	if err != nil {
		gc.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GET /gages/:id: gage + 是否可申请 + 保管历史
func (gc *GageController) GetGage(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		gc.fail(c, apperr.Validation("invalid gage id"))
		return
	}
	ctx := c.Request.Context()
	g, err := gc.Repo.FindGage(ctx, id)
	if err != nil {
		gc.fail(c, err)
		return
	}
	available, err := gc.Svc.IsAvailable(ctx, id)
	if err != nil {
		gc.fail(c, err)
		return
	}
	custody, err := gc.Repo.ListCustody(ctx, id)
	if err != nil {
		gc.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, app.H{"gage": g, "available": available, "custody": custody})
}

// POST /admin/gages/:id/release: 取消已批准申请后释放占用标记
func (gc *GageController) Release(c *gin.Context) {
	g, err := gc.Svc.ReleaseGage(c.Request.Context(), c.Param("id"))
	if err != nil {
		gc.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, app.H{"gage": g})
}
