package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"Gin_postgres_redis_gage_lease/config"
	"Gin_postgres_redis_gage_lease/logging"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// cronLogger adapts zap to cron.Logger.
type cronLogger struct{ s *zap.SugaredLogger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}

// Scheduler wires the reconciler passes onto their cron cadences.
type Scheduler struct {
	cron *cron.Cron
	rec  *Reconciler
	log  *zap.Logger
}

func New(cfg config.Config, rec *Reconciler, log *zap.Logger) (*Scheduler, error) {
	log = logging.OrNop(log)
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	cl := cronLogger{s: log.Named("cron").Sugar()}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	s := &Scheduler{cron: c, rec: rec, log: log}

	sc := cfg.Scheduler
	jobs := []struct {
		spec string
		name string
		fn   func(ctx context.Context) (PassResult, error)
	}{
		{sc.ReclaimSpec, PassReclaim, func(ctx context.Context) (PassResult, error) {
			return rec.ReclaimExpired(ctx, PassReclaim)
		}},
		{sc.BusinessHoursSpec, PassReclaimBusinessHours, func(ctx context.Context) (PassResult, error) {
			return rec.ReclaimExpired(ctx, PassReclaimBusinessHours)
		}},
		{sc.ExpiringSoonSpec, PassExpiringSoon, rec.SweepExpiringSoon},
		{sc.DigestSpec, PassDigest, rec.Digest},
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		if _, err := c.AddFunc(j.spec, s.job(j.name, j.fn)); err != nil {
			return nil, fmt.Errorf("schedule %s (%q): %w", j.name, j.spec, err)
		}
	}
	return s, nil
}

func (s *Scheduler) job(name string, fn func(ctx context.Context) (PassResult, error)) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := fn(ctx); err != nil && !errors.Is(err, ErrPassBusy) {
			s.log.Error("scheduled pass failed", zap.String("pass", name), zap.Error(err))
		}
	}
}

func (s *Scheduler) Entries() int { return len(s.cron.Entries()) }

func (s *Scheduler) Start() { s.cron.Start() }

// Stop waits for running passes to finish or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}
