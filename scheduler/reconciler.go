package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"Gin_postgres_redis_gage_lease/apperr"
	"Gin_postgres_redis_gage_lease/lockstore"
	"Gin_postgres_redis_gage_lease/logging"
	"Gin_postgres_redis_gage_lease/metrics"
	"Gin_postgres_redis_gage_lease/models"
	"Gin_postgres_redis_gage_lease/notify"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

const (
	PassReclaim              = "reclaim"
	PassReclaimBusinessHours = "reclaim-business-hours"
	PassExpiringSoon         = "expiring-soon"
	PassDigest               = "digest"
)

// Engine is the part of the lease engine the passes drive.
type Engine interface {
	ListExpired(ctx context.Context) ([]models.Reallocation, error)
	Reclaim(ctx context.Context, id string) (*models.Reallocation, error)
	ListExpiringSoon(ctx context.Context, window time.Duration) ([]models.Reallocation, error)
	CountPending(ctx context.Context) (int64, error)
}

type Notifier interface {
	Dispatch(ctx context.Context, l *models.Reallocation, ev notify.Event) []models.NotificationLog
	Digest(ctx context.Context, pending int64, expiring []models.Reallocation) error
}

type Options struct {
	Engine   Engine
	Notifier Notifier
	Lock     lockstore.PassLock
	Ledger   lockstore.WarningLedger
	// Window is the expiring-soon horizon.
	Window  time.Duration
	LockTTL time.Duration
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Reconciler runs the periodic passes. Every pass is log-and-continue per
// lease and reports the collected failures at the end.
type Reconciler struct {
	engine   Engine
	notifier Notifier
	lock     lockstore.PassLock
	ledger   lockstore.WarningLedger
	window   time.Duration
	lockTTL  time.Duration
	log      *zap.Logger
	m        *metrics.Metrics
}

func NewReconciler(o Options) *Reconciler {
	r := &Reconciler{
		engine:   o.Engine,
		notifier: o.Notifier,
		lock:     o.Lock,
		ledger:   o.Ledger,
		window:   o.Window,
		lockTTL:  o.LockTTL,
		log:      logging.OrNop(o.Logger),
		m:        metrics.OrNew(o.Metrics),
	}
	if r.lock == nil {
		r.lock = lockstore.NewLocalPassLock()
	}
	if r.ledger == nil {
		r.ledger = lockstore.NoopWarningLedger{}
	}
	if r.window <= 0 {
		r.window = time.Hour
	}
	if r.lockTTL <= 0 {
		r.lockTTL = 10 * time.Minute
	}
	return r
}

// PassResult summarizes one pass.
type PassResult struct {
	Pass      string   `json:"pass"`
	Ran       bool     `json:"ran"`
	Processed int      `json:"processed"`
	Skipped   int      `json:"skipped"`
	Failed    int      `json:"failed"`
	IDs       []string `json:"ids,omitempty"`
}

// ErrPassBusy is returned when another worker holds the pass lock.
var ErrPassBusy = errors.New("pass is already running")

func (r *Reconciler) run(ctx context.Context, lockName, label string, fn func(res *PassResult) error) (PassResult, error) {
	res := PassResult{Pass: label}
	release, ok, err := r.lock.TryAcquire(ctx, lockName, r.lockTTL)
	if err != nil {
		return res, fmt.Errorf("%s: %w", label, err)
	}
	if !ok {
		r.m.PassesSkipped.WithLabelValues(label).Inc()
		r.log.Debug("pass skipped, lock held elsewhere", zap.String("pass", label))
		return res, ErrPassBusy
	}
	defer release()

	res.Ran = true
	start := time.Now()
	err = fn(&res)
	r.m.PassDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	r.m.PassFailures.WithLabelValues(label).Add(float64(res.Failed))

	r.log.Info("pass finished",
		zap.String("pass", label),
		zap.Int("processed", res.Processed),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed", res.Failed),
	)
	return res, err
}

// ReclaimExpired reclaims every APPROVED or EXPIRED lease past its expiry.
// Both reclaim cadences share one lock so they never overlap.
func (r *Reconciler) ReclaimExpired(ctx context.Context, label string) (PassResult, error) {
	if label == "" {
		label = PassReclaim
	}
	return r.run(ctx, PassReclaim, label, func(res *PassResult) error {
		expired, err := r.engine.ListExpired(ctx)
		if err != nil {
			return fmt.Errorf("list expired: %w", err)
		}
		var errs *multierror.Error
		for _, l := range expired {
			if _, err := r.engine.Reclaim(ctx, l.ID); err != nil {
				// 手动归还抢先完成：视为 no-op
				if errors.Is(err, apperr.ErrInvalidState) {
					res.Skipped++
					r.log.Debug("reclaim skipped", zap.String("reallocation", l.ID), zap.Error(err))
					continue
				}
				res.Failed++
				r.log.Error("reclaim failed", zap.String("reallocation", l.ID), zap.Error(err))
				errs = multierror.Append(errs, fmt.Errorf("reclaim %s: %w", l.ID, err))
				continue
			}
			res.Processed++
			res.IDs = append(res.IDs, l.ID)
		}
		return errs.ErrorOrNil()
	})
}

func warnKey(l models.Reallocation) string {
	if l.ExpiresAt == nil {
		return l.ID
	}
	return fmt.Sprintf("%s:%d", l.ID, l.ExpiresAt.Unix())
}

// SweepExpiringSoon warns the requester of every lease expiring inside the
// window, once per lease and expiry when the ledger deduplicates.
func (r *Reconciler) SweepExpiringSoon(ctx context.Context) (PassResult, error) {
	return r.run(ctx, PassExpiringSoon, PassExpiringSoon, func(res *PassResult) error {
		soon, err := r.engine.ListExpiringSoon(ctx, r.window)
		if err != nil {
			return fmt.Errorf("list expiring soon: %w", err)
		}
		ttl := r.window + time.Hour
		for i := range soon {
			l := &soon[i]
			first, err := r.ledger.MarkWarned(ctx, warnKey(*l), ttl)
			if err != nil {
				// 去重失败宁可重复提醒
				r.log.Warn("warning ledger unavailable", zap.String("reallocation", l.ID), zap.Error(err))
				first = true
			}
			if !first {
				res.Skipped++
				r.m.ExpiringDeduped.Inc()
				continue
			}
			if r.notifier != nil {
				r.notifier.Dispatch(ctx, l, notify.EventExpiringSoon)
			}
			r.m.ExpiringWarned.Inc()
			res.Processed++
			res.IDs = append(res.IDs, l.ID)
		}
		return nil
	})
}

// Digest sends the pending count and the expiring-soon list to the admin.
func (r *Reconciler) Digest(ctx context.Context) (PassResult, error) {
	return r.run(ctx, PassDigest, PassDigest, func(res *PassResult) error {
		pending, expiring, err := r.digestData(ctx)
		if err != nil {
			return err
		}
		if r.notifier == nil {
			return nil
		}
		if err := r.notifier.Digest(ctx, pending, expiring); err != nil {
			res.Failed++
			r.log.Warn("digest not delivered", zap.Error(err))
			return err
		}
		res.Processed = 1
		return nil
	})
}

func (r *Reconciler) digestData(ctx context.Context) (int64, []models.Reallocation, error) {
	pending, err := r.engine.CountPending(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("count pending: %w", err)
	}
	expiring, err := r.engine.ListExpiringSoon(ctx, r.window)
	if err != nil {
		return 0, nil, fmt.Errorf("list expiring soon: %w", err)
	}
	return pending, expiring, nil
}

type DigestPreview struct {
	Pending  int64                 `json:"pending"`
	Expiring []models.Reallocation `json:"expiring"`
	Subject  string                `json:"subject"`
	Body     string                `json:"body"`
}

// PreviewDigest renders the digest without sending it.
func (r *Reconciler) PreviewDigest(ctx context.Context, now time.Time) (*DigestPreview, error) {
	pending, expiring, err := r.digestData(ctx)
	if err != nil {
		return nil, err
	}
	subject, body, err := notify.RenderDigest(pending, expiring, now)
	if err != nil {
		return nil, err
	}
	return &DigestPreview{Pending: pending, Expiring: expiring, Subject: subject, Body: body}, nil
}
