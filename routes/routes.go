package routes

import (
	"net/http"

	"Gin_postgres_redis_gage_lease/app"
	"Gin_postgres_redis_gage_lease/controllers"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func RegisterRoutes(r *gin.Engine, a *app.App) {
	// 控制器与依赖
	s := controllers.GetSrv(a)
	rc := controllers.NewReallocationController(s)
	gc := controllers.NewGageController(s)
	oc := controllers.NewOperatorController(s)
	nc := controllers.NewNotificationController(s)
	ac := controllers.NewAdminController(s)

	// 复用的中间件
	actorMW := app.ActorFromHeaders()
	adminMW := app.AdminOnly(a.Config.Reallocation)

	r.GET("/healthz", func(c *app.Ctx) { c.JSON(http.StatusOK, app.H{"ok": true}) })
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{})))

	api := r.Group("", actorMW)

	// ------------------------------
	// 申请 / 审批 / 归还
	// ------------------------------
	re := api.Group("/reallocations")
	{
		re.POST("", rc.Create)
		re.GET("", rc.List) // ?status=&department=&function=&operation=&gageId=&requester=
		re.GET("/expired", rc.Expired)
		re.GET("/expiring-soon", rc.ExpiringSoon)
		re.GET("/:id", rc.Get)
		re.GET("/:id/notifications", rc.Notifications)
		re.POST("/:id/approve", rc.Approve)
		re.POST("/:id/reject", rc.Reject)
		re.POST("/:id/cancel", rc.Cancel)
		re.POST("/:id/return", rc.Return)
		re.POST("/:id/force-return", adminMW, rc.ForceReturn)
	}

	// ------------------------------
	// gage 目录 / 人员目录 / 通知
	// ------------------------------
	api.GET("/gages", gc.ListGages)
	api.GET("/gages/:id", gc.GetGage)
	api.GET("/operators", oc.ListOperators)
	api.GET("/notifications", nc.ListMine)

	// ------------------------------
	// 管理（仅管理员角色）
	// ------------------------------
	admin := api.Group("/admin", adminMW)
	{
		admin.POST("/process-expired", ac.ProcessExpired)
		admin.GET("/digest", ac.PreviewDigest)
		admin.POST("/digest", ac.SendDigest)
		admin.DELETE("/reallocations/:id", ac.DeleteReallocation)
		admin.POST("/gages", gc.CreateGage)
		admin.POST("/gages/:id/release", gc.Release)
		admin.POST("/operators", oc.CreateOperator)
	}
}
