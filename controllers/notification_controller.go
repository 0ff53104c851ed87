// controllers/notification_controller.go
package controllers

import (
	"net/http"
	"strconv"

	"Gin_postgres_redis_gage_lease/app"

	"github.com/gin-gonic/gin"
)

type NotificationController struct{ *Srv }

func NewNotificationController(s *Srv) *NotificationController {
	return &NotificationController{Srv: s}
}

// GET /notifications?username=&limit=: 默认当前操作者的“我的通知”
func (nc *NotificationController) ListMine(c *gin.Context) {
	username := app.CurrentActor(c).Or(c.Query("username"))
	if username == "" {
		badRequest(c, "username is required")
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	logs, err := nc.Repo.ListNotificationLogs(c.Request.Context(), "", username, limit)
	if err != nil {
		nc.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, app.H{"username": username, "items": logs})
}
