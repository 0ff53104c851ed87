// Package dbtest opens a migrated in-memory database for tests.
package dbtest

import (
	"testing"

	"Gin_postgres_redis_gage_lease/db"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Open returns a fresh in-memory sqlite database. A single connection keeps
// the memory database alive and serializes transactions the way row locks
// do on postgres.
func Open(t testing.TB) *gorm.DB {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Discard,
	})
	require.NoError(t, err)

	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.Migrate(conn))
	return conn
}

// Repo is Open wrapped in a db.Repo.
func Repo(t testing.TB) *db.Repo {
	return db.NewRepo(Open(t))
}
