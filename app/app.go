package app

import (
	"context"
	"fmt"
	"time"

	"Gin_postgres_redis_gage_lease/config"
	"Gin_postgres_redis_gage_lease/db"
	"Gin_postgres_redis_gage_lease/lockstore"
	"Gin_postgres_redis_gage_lease/logging"
	"Gin_postgres_redis_gage_lease/metrics"
	"Gin_postgres_redis_gage_lease/models"
	"Gin_postgres_redis_gage_lease/notify"
	"Gin_postgres_redis_gage_lease/scheduler"
	"Gin_postgres_redis_gage_lease/services"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// 简化别名，便于 handlers 调用
type Ctx = gin.Context
type H = gin.H

// App 聚合各依赖
type App struct {
	Router   *gin.Engine
	DB       *gorm.DB
	RDB      *redis.Client // nil: redis 未启用
	Config   config.Config
	Log      *zap.Logger
	Clock    clockwork.Clock
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	Repo       *db.Repo
	Dispatcher *notify.Dispatcher
	Service    *services.ReallocationService
	Reconciler *scheduler.Reconciler
}

// Deps lets tests hand in ready-made connections.
type Deps struct {
	DB    *gorm.DB
	RDB   *redis.Client
	Clock clockwork.Clock
}

// New connects postgres and, when configured, redis, then wires the engine.
func New(cfg config.Config, log *zap.Logger) (*App, error) {
	dbConn, err := db.ConnectDB(cfg.Database.PostgresDSN())
	if err != nil {
		return nil, err
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
	}
	return NewWith(cfg, log, Deps{DB: dbConn, RDB: rdb}), nil
}

func NewWith(cfg config.Config, log *zap.Logger, d Deps) *App {
	log = logging.OrNop(log)
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := gin.New()
	r.Use(RequestLogger(log), gin.Recovery())
	useCORS(r, cfg.Server.WebOrigin)

	a := &App{
		Router:   r,
		DB:       d.DB,
		RDB:      d.RDB,
		Config:   cfg,
		Log:      log,
		Clock:    d.Clock,
		Registry: reg,
		Metrics:  metrics.New(reg),
	}
	a.wire()
	return a
}

func (a *App) wire() {
	cfg := a.Config
	a.Repo = db.NewRepo(a.DB)

	matcher := notify.Matcher{Strictness: notify.Strictness(cfg.Notify.MatchStrictness)}
	var dir notify.Directory = notify.NewDBDirectory(a.Repo, matcher)
	if cfg.Notify.DirectoryURL != "" {
		dir = notify.NewHTTPDirectory(cfg.Notify.DirectoryURL, matcher)
	}

	// 未配置 SMTP → 开发模式：只打日志
	var tr notify.Transport = notify.NewLogTransport(a.Log.Named("mail"))
	if cfg.Notify.SMTPHost != "" {
		tr = &notify.SMTPTransport{
			Host:     cfg.Notify.SMTPHost,
			Port:     cfg.Notify.SMTPPort,
			Username: cfg.Notify.SMTPUsername,
			Password: cfg.Notify.SMTPPassword,
			From:     cfg.Notify.SMTPFrom,
			FromName: "Gage Reallocation",
		}
	}

	a.Dispatcher = notify.NewDispatcher(notify.Options{
		Directory:    dir,
		Transport:    tr,
		Sink:         a.Repo,
		MailDomain:   cfg.Notify.MailDomain,
		AdminAddress: cfg.Notify.AdminAddress,
		Clock:        a.Clock,
		Logger:       a.Log.Named("notify"),
		Metrics:      a.Metrics,
	})

	a.Service = services.NewReallocationService(services.Deps{
		Store:    a.Repo,
		Notifier: a.Dispatcher,
		Clock:    a.Clock,
		DefaultUnit: models.Unit{
			Department: cfg.Reallocation.DefaultDepartment,
			Function:   cfg.Reallocation.DefaultFunction,
			Operation:  cfg.Reallocation.DefaultOperation,
		},
		Logger:  a.Log.Named("engine"),
		Metrics: a.Metrics,
	})

	var lock lockstore.PassLock = lockstore.NewLocalPassLock()
	var ledger lockstore.WarningLedger = lockstore.NewMemoryWarningLedger(4096, cfg.Scheduler.ExpiringSoonWindow+time.Hour)
	if a.RDB != nil {
		lock = lockstore.NewRedisPassLock(a.RDB)
		ledger = lockstore.NewRedisWarningLedger(a.RDB)
	}
	if !cfg.Scheduler.DedupeWarnings {
		ledger = lockstore.NoopWarningLedger{}
	}

	a.Reconciler = scheduler.NewReconciler(scheduler.Options{
		Engine:   a.Service,
		Notifier: a.Dispatcher,
		Lock:     lock,
		Ledger:   ledger,
		Window:   cfg.Scheduler.ExpiringSoonWindow,
		LockTTL:  cfg.Scheduler.PassLockTTL,
		Logger:   a.Log.Named("scheduler"),
		Metrics:  a.Metrics,
	})
}

func (a *App) Close() {
	if a.RDB != nil {
		_ = a.RDB.Close()
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}
