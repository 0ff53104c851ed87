// controllers/reallocation_controller.go
package controllers

import (
	"net/http"
	"strconv"
	"time"

	"Gin_postgres_redis_gage_lease/app"
	"Gin_postgres_redis_gage_lease/db"
	"Gin_postgres_redis_gage_lease/models"
	"Gin_postgres_redis_gage_lease/services"

	"github.com/gin-gonic/gin"
)

type ReallocationController struct{ *Srv }

func NewReallocationController(s *Srv) *ReallocationController {
	return &ReallocationController{Srv: s}
}

type reallocationView struct {
	*models.Reallocation
	RemainingSeconds *int64 `json:"remainingSeconds"`
}

func (rc *ReallocationController) view(l *models.Reallocation) reallocationView {
	v := reallocationView{Reallocation: l}
	if d := l.Remaining(rc.Clock.Now()); d != nil {
		s := int64(*d / time.Second)
		v.RemainingSeconds = &s
	}
	return v
}

// POST /reallocations
func (rc *ReallocationController) Create(c *gin.Context) {
	var in services.CreateRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err.Error())
		return
	}
	// body 为空时用请求头里的身份
	a := app.CurrentActor(c)
	in.RequestedBy = a.Or(in.RequestedBy)
	if in.RequesterRole == "" {
		in.RequesterRole = a.Role
	}
	if in.RequesterFunction == "" {
		in.RequesterFunction = a.Function
	}
	if in.RequesterOperation == "" {
		in.RequesterOperation = a.Operation
	}

	l, err := rc.Svc.Create(c.Request.Context(), in)
	if err != nil {
		rc.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, rc.view(l))
}

// POST /reallocations/:id/approve
func (rc *ReallocationController) Approve(c *gin.Context) {
	var in services.ApproveRequest
	if !bindOptional(c, &in) {
		return
	}
	in.ApprovedBy = app.CurrentActor(c).Or(in.ApprovedBy)

	l, err := rc.Svc.Approve(c.Request.Context(), c.Param("id"), in)
	if err != nil {
		rc.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rc.view(l))
}

// POST /reallocations/:id/reject
func (rc *ReallocationController) Reject(c *gin.Context) {
	var in services.RejectRequest
	if !bindOptional(c, &in) {
		return
	}
	in.RejectedBy = app.CurrentActor(c).Or(in.RejectedBy)

	l, err := rc.Svc.Reject(c.Request.Context(), c.Param("id"), in)
	if err != nil {
		rc.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rc.view(l))
}

// POST /reallocations/:id/cancel
func (rc *ReallocationController) Cancel(c *gin.Context) {
	var in services.CancelRequest
	if !bindOptional(c, &in) {
		return
	}
	in.CancelledBy = app.CurrentActor(c).Or(in.CancelledBy)

	l, err := rc.Svc.Cancel(c.Request.Context(), c.Param("id"), in)
	if err != nil {
		rc.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rc.view(l))
}

func (rc *ReallocationController) doReturn(c *gin.Context, forced bool) {
	var in services.ReturnRequest
	if !bindOptional(c, &in) {
		return
	}
	in.ReturnedBy = app.CurrentActor(c).Or(in.ReturnedBy)

	l, err := rc.Svc.Return(c.Request.Context(), c.Param("id"), in, forced)
	if err != nil {
		rc.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rc.view(l))
}

// POST /reallocations/:id/return
func (rc *ReallocationController) Return(c *gin.Context) { rc.doReturn(c, false) }

// POST /reallocations/:id/force-return（仅管理员）
func (rc *ReallocationController) ForceReturn(c *gin.Context) { rc.doReturn(c, true) }

// GET /reallocations?status=&department=&function=&operation=&gageId=&requester=&page=&size=
func (rc *ReallocationController) List(c *gin.Context) {
	page, size := pageParams(c)
	res, err := rc.Svc.List(c.Request.Context(), db.ReallocationFilter{
		Status:      models.Status(c.Query("status")),
		Department:  c.Query("department"),
		Function:    c.Query("function"),
		Operation:   c.Query("operation"),
		GageID:      c.Query("gageId"),
		RequestedBy: c.Query("requester"),
		Page:        page,
		Size:        size,
	})
	if err != nil {
		rc.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, app.H{"total": res.Total, "items": res.Items})
}

// GET /reallocations/:id
func (rc *ReallocationController) Get(c *gin.Context) {
	l, err := rc.Svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		rc.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rc.view(l))
}

// GET /reallocations/expired
func (rc *ReallocationController) Expired(c *gin.Context) {
	ls, err := rc.Svc.ListExpired(c.Request.Context())
	if err != nil {
		rc.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, app.H{"items": ls})
}

// GET /reallocations/expiring-soon?window=1h
func (rc *ReallocationController) ExpiringSoon(c *gin.Context) {
	window := rc.Cfg.Scheduler.ExpiringSoonWindow
	if w := c.Query("window"); w != "" {
		d, err := time.ParseDuration(w)
		if err != nil {
			badRequest(c, "invalid window: "+err.Error())
			return
		}
		window = d
	}
	ls, err := rc.Svc.ListExpiringSoon(c.Request.Context(), window)
	if err != nil {
		rc.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, app.H{"window": window.String(), "items": ls})
}

// GET /reallocations/:id/notifications
func (rc *ReallocationController) Notifications(c *gin.Context) {
	l, err := rc.Svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		rc.fail(c, err)
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	logs, err := rc.Repo.ListNotificationLogs(c.Request.Context(), l.ID, "", limit)
	if err != nil {
		rc.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, app.H{"items": logs})
}
