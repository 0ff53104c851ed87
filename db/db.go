package db

import (
	"fmt"
	"strings"

	"Gin_postgres_redis_gage_lease/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func ConnectDB(dsn string) (*gorm.DB, error) {
	conn, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := Migrate(conn); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return conn, nil
}

func activeStatusList() string {
	quoted := make([]string, 0, len(models.ActiveStatuses))
	for _, s := range models.ActiveStatuses {
		quoted = append(quoted, "'"+string(s)+"'")
	}
	return strings.Join(quoted, ", ")
}

func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Gage{},
		&models.Custody{},
		&models.Reallocation{},
		&models.Operator{},
		&models.NotificationLog{},
	); err != nil {
		return err
	}

	// 同一 gage 最多一条 active 记录
	if err := db.Exec(fmt.Sprintf(`
	  CREATE UNIQUE INDEX IF NOT EXISTS %s_one_active_per_gage
	  ON %s (gage_id)
	  WHERE status IN (%s);
	`, models.ReallocationTable, models.ReallocationTable, activeStatusList())).Error; err != nil {
		return err
	}

	// reclaim / expiring-soon 扫描
	if err := db.Exec(fmt.Sprintf(`
	  CREATE INDEX IF NOT EXISTS %s_status_expires_at
	  ON %s (status, expires_at);
	`, models.ReallocationTable, models.ReallocationTable)).Error; err != nil {
		return err
	}

	if err := db.Exec(fmt.Sprintf(`
	  CREATE INDEX IF NOT EXISTS %s_gage_assigned_desc
	  ON %s (gage_id, assigned_at DESC);
	`, models.CustodyTable, models.CustodyTable)).Error; err != nil {
		return err
	}

	return nil
}
