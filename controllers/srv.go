// controllers/srv.go
package controllers

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"Gin_postgres_redis_gage_lease/app"
	"Gin_postgres_redis_gage_lease/apperr"
	"Gin_postgres_redis_gage_lease/config"
	"Gin_postgres_redis_gage_lease/db"
	"Gin_postgres_redis_gage_lease/scheduler"
	"Gin_postgres_redis_gage_lease/services"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

type Srv struct {
	Repo  *db.Repo
	Svc   services.IReallocationService
	Rec   *scheduler.Reconciler
	Cfg   config.Config
	Clock clockwork.Clock
	Log   *zap.Logger
}

func GetSrv(a *app.App) *Srv {
	return &Srv{
		Repo:  a.Repo,
		Svc:   a.Service,
		Rec:   a.Reconciler,
		Cfg:   a.Config,
		Clock: a.Clock,
		Log:   a.Log.Named("http"),
	}
}

// --- helpers ---

func statusFor(k apperr.Kind) int {
	switch k {
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindResourceUnavailable, apperr.KindInvalidState:
		return http.StatusConflict
	case apperr.KindValidation:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// 统一错误响应：{"error": msg, "kind": KIND}
func (s *Srv) fail(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		s.Log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	_ = c.Error(err)
	c.JSON(status, app.H{"error": err.Error(), "kind": kind})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, app.H{"error": msg, "kind": apperr.KindValidation})
}

// bindOptional 允许空 body
func bindOptional(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, err.Error())
		return false
	}
	return true
}

func pageParams(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.DefaultQuery("size", "20"))
	return page, size
}
