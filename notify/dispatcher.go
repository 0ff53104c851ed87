package notify

import (
	"context"
	"strings"

	"Gin_postgres_redis_gage_lease/apperr"
	"Gin_postgres_redis_gage_lease/logging"
	"Gin_postgres_redis_gage_lease/metrics"
	"Gin_postgres_redis_gage_lease/models"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// LogSink stores one row per recipient actually attempted.
type LogSink interface {
	AppendNotificationLogs(ctx context.Context, logs []models.NotificationLog) error
}

type Options struct {
	Directory    Directory
	Transport    Transport
	Sink         LogSink
	MailDomain   string
	AdminAddress string
	Clock        clockwork.Clock
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

// Dispatcher resolves recipients for a lease event and sends one message
// per recipient. It never returns delivery errors to the caller.
type Dispatcher struct {
	dir          Directory
	tr           Transport
	sink         LogSink
	mailDomain   string
	adminAddress string
	clock        clockwork.Clock
	log          *zap.Logger
	m            *metrics.Metrics
}

func NewDispatcher(o Options) *Dispatcher {
	d := &Dispatcher{
		dir:          o.Directory,
		tr:           o.Transport,
		sink:         o.Sink,
		mailDomain:   strings.TrimPrefix(o.MailDomain, "@"),
		adminAddress: o.AdminAddress,
		clock:        o.Clock,
		log:          logging.OrNop(o.Logger),
		m:            metrics.OrNew(o.Metrics),
	}
	if d.clock == nil {
		d.clock = clockwork.NewRealClock()
	}
	if d.tr == nil {
		d.tr = NewLogTransport(d.log)
	}
	return d
}

// AddressFor derives a mailbox from a username; values that already look
// like an address are used as is.
func (d *Dispatcher) AddressFor(username string) string {
	if strings.Contains(username, "@") || d.mailDomain == "" {
		return username
	}
	return username + "@" + d.mailDomain
}

// fanOut reports whether the event also goes to the occupants of currentUnit.
func fanOut(ev Event) bool { return ev == EventApproved || ev == EventRejected }

func (d *Dispatcher) recipients(ctx context.Context, l *models.Reallocation, ev Event) []Recipient {
	out := []Recipient{{Username: l.RequestedBy}}
	if !fanOut(ev) || d.dir == nil || strings.TrimSpace(l.CurrentUnit.Department) == "" {
		return out
	}
	matched, err := d.dir.ListUsersMatching(ctx,
		l.CurrentUnit.Department,
		SplitList(l.CurrentUnit.Function),
		SplitList(l.CurrentUnit.Operation),
	)
	if err != nil {
		// 目录不可用时只通知申请人
		d.log.Warn("directory lookup failed",
			zap.String("reallocation", l.ID),
			zap.Error(apperr.Notification(err, "directory lookup for %s", l.CurrentUnit.Department)),
		)
		return out
	}
	seen := map[string]bool{strings.ToLower(l.RequestedBy): true}
	for _, r := range matched {
		key := strings.ToLower(r.Username)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
	}
	return out
}

// Dispatch notifies everyone concerned by ev and returns the log rows it
// recorded, one per recipient.
func (d *Dispatcher) Dispatch(ctx context.Context, l *models.Reallocation, ev Event) []models.NotificationLog {
	now := d.clock.Now().UTC()
	subject, body, err := RenderLease(ev, l, now)
	if err != nil {
		d.log.Error("render notification",
			zap.String("reallocation", l.ID),
			zap.String("event", string(ev)),
			zap.Error(err),
		)
		return nil
	}

	var logs []models.NotificationLog
	for _, r := range d.recipients(ctx, l, ev) {
		addr := r.Email
		if addr == "" {
			addr = d.AddressFor(r.Username)
		}
		entry := models.NotificationLog{
			ID:             uuid.NewString(),
			ReallocationID: l.ID,
			Event:          string(ev),
			Username:       r.Username,
			Address:        addr,
			Delivered:      true,
			CreatedAt:      now,
		}
		if err := d.tr.Send(ctx, addr, subject, body); err != nil {
			nerr := apperr.Notification(err, "send %s to %s", ev, addr)
			d.log.Warn("notification failed",
				zap.String("reallocation", l.ID),
				zap.String("username", r.Username),
				zap.Error(nerr),
			)
			entry.Delivered = false
			entry.Error = err.Error()
			d.m.NotifyFailed.WithLabelValues(string(ev)).Inc()
		} else {
			d.m.NotifySent.WithLabelValues(string(ev)).Inc()
		}
		logs = append(logs, entry)
	}

	if d.sink != nil {
		if err := d.sink.AppendNotificationLogs(ctx, logs); err != nil {
			d.log.Warn("record notification log",
				zap.String("reallocation", l.ID),
				zap.Error(err),
			)
		}
	}
	return logs
}

// Digest sends the daily summary to the administrative approver.
func (d *Dispatcher) Digest(ctx context.Context, pending int64, expiring []models.Reallocation) error {
	if d.adminAddress == "" {
		return apperr.Validation("admin address is not configured")
	}
	subject, body, err := RenderDigest(pending, expiring, d.clock.Now())
	if err != nil {
		return err
	}
	if err := d.tr.Send(ctx, d.adminAddress, subject, body); err != nil {
		d.m.NotifyFailed.WithLabelValues(string(EventDigest)).Inc()
		return apperr.Notification(err, "send digest to %s", d.adminAddress)
	}
	d.m.NotifySent.WithLabelValues(string(EventDigest)).Inc()
	return nil
}
