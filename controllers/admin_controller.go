// controllers/admin_controller.go
package controllers

import (
	"errors"
	"net/http"

	"Gin_postgres_redis_gage_lease/app"
	"Gin_postgres_redis_gage_lease/apperr"
	"Gin_postgres_redis_gage_lease/scheduler"

	"github.com/gin-gonic/gin"
)

const PassManual = "manual"

type AdminController struct{ *Srv }

func NewAdminController(s *Srv) *AdminController { return &AdminController{Srv: s} }

// POST /admin/process-expired: 手动触发一次回收
func (ac *AdminController) ProcessExpired(c *gin.Context) {
	res, err := ac.Rec.ReclaimExpired(c.Request.Context(), PassManual)
	switch {
	case errors.Is(err, scheduler.ErrPassBusy):
		c.JSON(http.StatusConflict, app.H{"error": err.Error(), "kind": apperr.KindResourceUnavailable})
	case err != nil && !res.Ran:
		ac.fail(c, err)
	case err != nil:
		// 部分失败：已处理的保持 COMPLETED，其余留给下一轮
		c.JSON(http.StatusOK, app.H{"result": res, "errors": err.Error()})
	default:
		c.JSON(http.StatusOK, app.H{"result": res})
	}
}

// GET /admin/digest: 预览，不发送
func (ac *AdminController) PreviewDigest(c *gin.Context) {
	p, err := ac.Rec.PreviewDigest(c.Request.Context(), ac.Clock.Now())
	if err != nil {
		ac.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// POST /admin/digest: 立即发送
func (ac *AdminController) SendDigest(c *gin.Context) {
	res, err := ac.Rec.Digest(c.Request.Context())
	if errors.Is(err, scheduler.ErrPassBusy) {
		c.JSON(http.StatusConflict, app.H{"error": err.Error(), "kind": apperr.KindResourceUnavailable})
		return
	}
	if err != nil {
		ac.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, app.H{"result": res})
}

// DELETE /admin/reallocations/:id
func (ac *AdminController) DeleteReallocation(c *gin.Context) {
	if err := ac.Svc.Delete(c.Request.Context(), c.Param("id")); err != nil {
		ac.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, app.H{"ok": true})
}
