package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	return v
}

func TestDefaults(t *testing.T) {
	cfg, err := fromViper(newViper())
	require.NoError(t, err)

	assert.Equal(t, "3001", cfg.Server.Port)
	assert.Equal(t, "@every 30m", cfg.Scheduler.ReclaimSpec)
	assert.Equal(t, time.Hour, cfg.Scheduler.ExpiringSoonWindow)
	assert.Equal(t, "contains", cfg.Notify.MatchStrictness)
	assert.Equal(t, []string{"ADMIN", "APPROVER"}, cfg.Reallocation.AdminRoles)
	assert.True(t, cfg.Reallocation.IsAdminRole(" approver "))
	assert.False(t, cfg.Reallocation.IsAdminRole("OPERATOR"))
}

func TestValidateRejectsBadValues(t *testing.T) {
	v := newViper()
	v.Set("notify.matchStrictness", "fuzzy")
	_, err := fromViper(v)
	assert.Error(t, err)

	v = newViper()
	v.Set("scheduler.expiringSoonWindow", "0s")
	_, err = fromViper(v)
	assert.Error(t, err)

	v = newViper()
	v.Set("scheduler.timezone", "Mars/Olympus")
	_, err = fromViper(v)
	assert.Error(t, err)
}

func TestAdminRolesFromCSV(t *testing.T) {
	v := newViper()
	v.Set("reallocation.adminRoles", "admin, qa-lead")
	cfg, err := fromViper(v)
	require.NoError(t, err)
	assert.Equal(t, []string{"ADMIN", "QA-LEAD"}, cfg.Reallocation.AdminRoles)
}

func TestPostgresDSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", User: "u", Password: "p", Name: "n", Port: "5433"}
	assert.Equal(t, "host=db user=u password=p dbname=n port=5433 sslmode=disable", d.PostgresDSN())

	d.DSN = "postgres://x"
	assert.Equal(t, "postgres://x", d.PostgresDSN())
}
