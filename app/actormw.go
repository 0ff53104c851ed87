// app/actormw.go
package app

import (
	"net/http"
	"strings"

	"Gin_postgres_redis_gage_lease/config"

	"github.com/gin-gonic/gin"
)

// 身份由上游网关注入，这里只做传递与角色检查
const (
	HeaderActorUsername  = "X-Actor-Username"
	HeaderActorRole      = "X-Actor-Role"
	HeaderActorFunction  = "X-Actor-Function"
	HeaderActorOperation = "X-Actor-Operation"

	actorKey = "actor"
)

type Actor struct {
	Username  string
	Role      string
	Function  string
	Operation string
}

func ActorFromHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		a := Actor{
			Username:  strings.TrimSpace(c.GetHeader(HeaderActorUsername)),
			Role:      strings.ToUpper(strings.TrimSpace(c.GetHeader(HeaderActorRole))),
			Function:  strings.TrimSpace(c.GetHeader(HeaderActorFunction)),
			Operation: strings.TrimSpace(c.GetHeader(HeaderActorOperation)),
		}
		if a.Username != "" {
			c.Set(actorKey, a)
		}
		c.Next()
	}
}

// CurrentActor returns the header identity, zero when none was sent.
func CurrentActor(c *gin.Context) Actor {
	if v, ok := c.Get(actorKey); ok {
		if a, ok := v.(Actor); ok {
			return a
		}
	}
	return Actor{}
}

// Or returns v when set, the actor's username otherwise.
func (a Actor) Or(v string) string {
	if strings.TrimSpace(v) != "" {
		return v
	}
	return a.Username
}

func AdminOnly(cfg config.ReallocationConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		a := CurrentActor(c)
		if a.Username == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, H{"error": "missing " + HeaderActorUsername})
			return
		}
		if !cfg.IsAdminRole(a.Role) {
			c.AbortWithStatusJSON(http.StatusForbidden, H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}
