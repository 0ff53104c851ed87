// services/reallocation_service.go
package services

import (
	"context"
	"strings"
	"time"

	"Gin_postgres_redis_gage_lease/apperr"
	"Gin_postgres_redis_gage_lease/db"
	"Gin_postgres_redis_gage_lease/logging"
	"Gin_postgres_redis_gage_lease/metrics"
	"Gin_postgres_redis_gage_lease/models"
	"Gin_postgres_redis_gage_lease/notify"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	// SystemActor is recorded as the returner when the scheduler reclaims a lease.
	SystemActor = "system"
	// AutoExpiredReason is the return reason of a scheduler reclaim.
	AutoExpiredReason = "auto-expired"
)

// Store is the persistence the engine needs; *db.Repo implements it.
type Store interface {
	FindGage(ctx context.Context, id string) (*models.Gage, error)
	ReleaseGage(ctx context.Context, gageID string) (*models.Gage, error)
	CreateReallocation(ctx context.Context, gageID string, build db.BuildFunc) (*models.Reallocation, error)
	Transition(ctx context.Context, id string, fn db.TransitionFunc) (*models.Reallocation, error)
	FindReallocation(ctx context.Context, id string) (*models.Reallocation, error)
	HasActiveReallocation(ctx context.Context, gageID string) (bool, error)
	ListReallocations(ctx context.Context, f db.ReallocationFilter) (*db.PagedReallocations, error)
	ListExpired(ctx context.Context, now time.Time) ([]models.Reallocation, error)
	ListExpiringBetween(ctx context.Context, from, until time.Time) ([]models.Reallocation, error)
	CountByStatus(ctx context.Context, status models.Status) (int64, error)
	DeleteReallocation(ctx context.Context, id string) error
}

type Notifier interface {
	Dispatch(ctx context.Context, l *models.Reallocation, ev notify.Event) []models.NotificationLog
}

// ---------- requests ----------

type CreateRequest struct {
	GageID             string           `json:"gageId"`
	RequestedBy        string           `json:"requestedBy"`
	RequesterRole      string           `json:"requesterRole"`
	RequesterFunction  string           `json:"requesterFunction"`
	RequesterOperation string           `json:"requesterOperation"`
	TimeLimit          models.TimeLimit `json:"timeLimit"`
	RequestedExpiresAt *time.Time       `json:"requestedExpiresAt"`
	Reason             string           `json:"reason"`
}

type ApproveRequest struct {
	ApprovedBy string            `json:"approvedBy"`
	TimeLimit  *models.TimeLimit `json:"timeLimit"`
	Unit       *models.Unit      `json:"unit"`
	ExpiresAt  *time.Time        `json:"expiresAt"` // CUSTOM only
	Notes      string            `json:"notes"`
}

type RejectRequest struct {
	RejectedBy string `json:"rejectedBy"`
	Reason     string `json:"reason"`
}

type CancelRequest struct {
	CancelledBy string `json:"cancelledBy"`
	Reason      string `json:"reason"`
}

type ReturnRequest struct {
	ReturnedBy string `json:"returnedBy"`
	Reason     string `json:"reason"`
}

// IReallocationService is the Lease Engine.
type IReallocationService interface {
	Create(ctx context.Context, in CreateRequest) (*models.Reallocation, error)
	Approve(ctx context.Context, id string, in ApproveRequest) (*models.Reallocation, error)
	Reject(ctx context.Context, id string, in RejectRequest) (*models.Reallocation, error)
	Cancel(ctx context.Context, id string, in CancelRequest) (*models.Reallocation, error)
	Return(ctx context.Context, id string, in ReturnRequest, forced bool) (*models.Reallocation, error)
	MarkExpired(ctx context.Context, id string) (*models.Reallocation, error)
	Reclaim(ctx context.Context, id string) (*models.Reallocation, error)
	IsAvailable(ctx context.Context, gageID string) (bool, error)
	Remaining(ctx context.Context, id string) (*time.Duration, error)
	Get(ctx context.Context, id string) (*models.Reallocation, error)
	List(ctx context.Context, f db.ReallocationFilter) (*db.PagedReallocations, error)
	ListExpired(ctx context.Context) ([]models.Reallocation, error)
	ListExpiringSoon(ctx context.Context, window time.Duration) ([]models.Reallocation, error)
	CountPending(ctx context.Context) (int64, error)
	Delete(ctx context.Context, id string) error
	ReleaseGage(ctx context.Context, gageID string) (*models.Gage, error)
}

type Deps struct {
	Store       Store
	Notifier    Notifier
	Clock       clockwork.Clock
	DefaultUnit models.Unit
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

type ReallocationService struct {
	store       Store
	notifier    Notifier
	clock       clockwork.Clock
	defaultUnit models.Unit
	log         *zap.Logger
	m           *metrics.Metrics
}

var _ IReallocationService = &ReallocationService{}

func NewReallocationService(d Deps) *ReallocationService {
	s := &ReallocationService{
		store:       d.Store,
		notifier:    d.Notifier,
		clock:       d.Clock,
		defaultUnit: d.DefaultUnit,
		log:         logging.OrNop(d.Logger),
		m:           metrics.OrNew(d.Metrics),
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	return s
}

func (s *ReallocationService) now() time.Time { return s.clock.Now().UTC() }

func validID(field, id string) error {
	if strings.TrimSpace(id) == "" {
		return apperr.Validation("%s is required", field)
	}
	if _, err := uuid.Parse(id); err != nil {
		return apperr.Validation("%s must be a uuid", field)
	}
	return nil
}

func required(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return apperr.Validation("%s is required", field)
	}
	return nil
}

// committed runs the post-commit side effects of a state change.
// Notification never fails the caller.
func (s *ReallocationService) committed(ctx context.Context, l *models.Reallocation, ev notify.Event) {
	s.m.Transitions.WithLabelValues(string(l.Status)).Inc()
	s.log.Info("reallocation transition",
		zap.String("reallocation", l.ID),
		zap.String("gage", l.GageSerial),
		zap.String("status", string(l.Status)),
	)
	if s.notifier == nil || ev == "" {
		return
	}
	s.notifier.Dispatch(context.WithoutCancel(ctx), l, ev)
}

// ---------- Lease Engine ----------

func (s *ReallocationService) Create(ctx context.Context, in CreateRequest) (*models.Reallocation, error) {
	if err := validID("gageId", in.GageID); err != nil {
		return nil, err
	}
	if err := required("requestedBy", in.RequestedBy); err != nil {
		return nil, err
	}
	if !in.TimeLimit.Valid() {
		return nil, apperr.Validation("timeLimit %q is not one of TWO_HOURS, ONE_DAY, ONE_WEEK, ONE_MONTH, CUSTOM", in.TimeLimit)
	}
	now := s.now()
	if in.RequestedExpiresAt != nil && !in.RequestedExpiresAt.After(now) {
		return nil, apperr.Validation("requestedExpiresAt must be in the future")
	}

	l, err := s.store.CreateReallocation(ctx, in.GageID, func(g *models.Gage, origin *models.Custody) (*models.Reallocation, error) {
		if g.Status != "" && g.Status != "active" {
			return nil, apperr.ResourceUnavailable("gage %s is %s", g.Serial, g.Status)
		}
		unit := s.defaultUnit
		if origin != nil && !origin.Unit.IsZero() {
			unit = origin.Unit
		}
		var requested *time.Time
		if in.RequestedExpiresAt != nil {
			t := in.RequestedExpiresAt.UTC()
			requested = &t
		}
		return &models.Reallocation{
			ID:                 uuid.NewString(),
			GageID:             g.ID,
			GageSerial:         g.Serial,
			OriginalUnit:       unit,
			CurrentUnit:        unit,
			RequestedBy:        strings.TrimSpace(in.RequestedBy),
			RequesterRole:      in.RequesterRole,
			RequesterFunction:  in.RequesterFunction,
			RequesterOperation: in.RequesterOperation,
			TimeLimit:          in.TimeLimit,
			RequestedExpiresAt: requested,
			Status:             models.StatusPendingApproval,
			Reason:             in.Reason,
			CreatedAt:          now,
			UpdatedAt:          now,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	s.committed(ctx, l, notify.EventRequested)
	return l, nil
}

// override 只覆盖非空字段
func applyUnit(cur models.Unit, o *models.Unit) models.Unit {
	if o == nil {
		return cur
	}
	if v := strings.TrimSpace(o.Department); v != "" {
		cur.Department = v
	}
	if v := strings.TrimSpace(o.Function); v != "" {
		cur.Function = v
	}
	if v := strings.TrimSpace(o.Operation); v != "" {
		cur.Operation = v
	}
	return cur
}

func (s *ReallocationService) Approve(ctx context.Context, id string, in ApproveRequest) (*models.Reallocation, error) {
	if err := validID("id", id); err != nil {
		return nil, err
	}
	if err := required("approvedBy", in.ApprovedBy); err != nil {
		return nil, err
	}
	if in.TimeLimit != nil && !in.TimeLimit.Valid() {
		return nil, apperr.Validation("timeLimit %q is invalid", *in.TimeLimit)
	}

	now := s.now()
	l, err := s.store.Transition(ctx, id, func(tx *db.Tx, l *models.Reallocation) error {
		if l.Status != models.StatusPendingApproval {
			return apperr.InvalidState("reallocation %s is %s, only PENDING_APPROVAL can be approved", l.ID, l.Status)
		}
		l.CurrentUnit = applyUnit(l.CurrentUnit, in.Unit)
		if in.TimeLimit != nil {
			l.TimeLimit = *in.TimeLimit
		}

		expiresAt, fixed := l.TimeLimit.ExpiryFrom(now)
		if !fixed {
			custom := in.ExpiresAt
			if custom == nil {
				custom = l.RequestedExpiresAt
			}
			if custom == nil {
				return apperr.Validation("expiresAt is required for a CUSTOM time limit")
			}
			if !custom.After(now) {
				return apperr.Validation("expiresAt must be in the future")
			}
			expiresAt = custom.UTC()
		}

		by := strings.TrimSpace(in.ApprovedBy)
		l.ApprovedBy = &by
		l.ApprovedAt = &now
		l.AllocatedAt = &now
		l.ExpiresAt = &expiresAt
		if in.Notes != "" {
			l.Notes = in.Notes
		}
		if err := tx.Advance(l, models.StatusApproved); err != nil {
			return err
		}
		if err := tx.SetGageInUse(l.GageID, true); err != nil {
			return err
		}
		return tx.RecordCustody(&models.Custody{
			GageID:         l.GageID,
			Unit:           l.CurrentUnit,
			Source:         models.CustodySourceReallocation,
			ReallocationID: &l.ID,
			AssignedAt:     now,
		})
	})
	if err != nil {
		return nil, err
	}
	s.committed(ctx, l, notify.EventApproved)
	return l, nil
}

func (s *ReallocationService) Reject(ctx context.Context, id string, in RejectRequest) (*models.Reallocation, error) {
	if err := validID("id", id); err != nil {
		return nil, err
	}
	if err := required("rejectedBy", in.RejectedBy); err != nil {
		return nil, err
	}
	now := s.now()
	l, err := s.store.Transition(ctx, id, func(tx *db.Tx, l *models.Reallocation) error {
		if l.Status != models.StatusPendingApproval {
			return apperr.InvalidState("reallocation %s is %s, only PENDING_APPROVAL can be rejected", l.ID, l.Status)
		}
		by := strings.TrimSpace(in.RejectedBy)
		l.ApprovedBy = &by
		l.ApprovedAt = &now
		l.CancelledBy = &by
		l.CancelledAt = &now
		l.RejectionReason = in.Reason
		return tx.Advance(l, models.StatusCancelled)
	})
	if err != nil {
		return nil, err
	}
	s.committed(ctx, l, notify.EventRejected)
	return l, nil
}

// Cancel is an administrative override. It does not touch the custody
// flag; a cancelled approval is released with ReleaseGage.
func (s *ReallocationService) Cancel(ctx context.Context, id string, in CancelRequest) (*models.Reallocation, error) {
	if err := validID("id", id); err != nil {
		return nil, err
	}
	if err := required("cancelledBy", in.CancelledBy); err != nil {
		return nil, err
	}
	now := s.now()
	l, err := s.store.Transition(ctx, id, func(tx *db.Tx, l *models.Reallocation) error {
		by := strings.TrimSpace(in.CancelledBy)
		l.CancelledBy = &by
		l.CancelledAt = &now
		l.CancelReason = in.Reason
		return tx.Advance(l, models.StatusCancelled)
	})
	if err != nil {
		return nil, err
	}
	s.committed(ctx, l, notify.EventCancelled)
	return l, nil
}

// Return moves the lease through RETURNED into COMPLETED in one transaction.
// A normal return needs APPROVED or EXPIRED and restores the original
// custodial unit; a forced return accepts any non-terminal state and
// leaves custody records alone.
func (s *ReallocationService) Return(ctx context.Context, id string, in ReturnRequest, forced bool) (*models.Reallocation, error) {
	if err := validID("id", id); err != nil {
		return nil, err
	}
	if err := required("returnedBy", in.ReturnedBy); err != nil {
		return nil, err
	}
	l, err := s.store.Transition(ctx, id, s.returnFn(in, forced))
	if err != nil {
		return nil, err
	}
	s.committed(ctx, l, notify.EventReclaimed)
	return l, nil
}

func (s *ReallocationService) returnFn(in ReturnRequest, forced bool) db.TransitionFunc {
	return func(tx *db.Tx, l *models.Reallocation) error {
		if !forced && l.Status != models.StatusApproved && l.Status != models.StatusExpired {
			return apperr.InvalidState("reallocation %s is %s, only APPROVED or EXPIRED can be returned", l.ID, l.Status)
		}
		now := s.now()
		by := strings.TrimSpace(in.ReturnedBy)
		l.ReturnedBy = &by
		l.ReturnedAt = &now
		l.ReturnReason = in.Reason
		l.ForcedReturn = forced
		if err := tx.Advance(l, models.StatusReturned); err != nil {
			return err
		}
		if err := tx.SetGageInUse(l.GageID, false); err != nil {
			return err
		}
		if !forced {
			if err := tx.RecordCustody(&models.Custody{
				GageID:         l.GageID,
				Unit:           l.OriginalUnit,
				Source:         models.CustodySourceRestore,
				ReallocationID: &l.ID,
				AssignedAt:     now,
			}); err != nil {
				return err
			}
		}
		l.CompletedAt = &now
		return tx.Advance(l, models.StatusCompleted)
	}
}

// MarkExpired persists APPROVED -> EXPIRED for a lease past its expiry.
func (s *ReallocationService) MarkExpired(ctx context.Context, id string) (*models.Reallocation, error) {
	now := s.now()
	l, err := s.store.Transition(ctx, id, func(tx *db.Tx, l *models.Reallocation) error {
		if l.Status != models.StatusApproved {
			return apperr.InvalidState("reallocation %s is %s, not APPROVED", l.ID, l.Status)
		}
		if l.ExpiresAt == nil || l.ExpiresAt.After(now) {
			return apperr.InvalidState("reallocation %s has not expired", l.ID)
		}
		return tx.Advance(l, models.StatusExpired)
	})
	if err != nil {
		return nil, err
	}
	s.committed(ctx, l, "")
	return l, nil
}

// Reclaim is the scheduler path: expire if still APPROVED, then return.
// Each step commits on its own, so a crash in between leaves an EXPIRED
// lease for the next pass.
func (s *ReallocationService) Reclaim(ctx context.Context, id string) (*models.Reallocation, error) {
	cur, err := s.store.FindReallocation(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status == models.StatusApproved {
		if _, err := s.MarkExpired(ctx, id); err != nil {
			return nil, err
		}
	}
	l, err := s.store.Transition(ctx, id, func(tx *db.Tx, l *models.Reallocation) error {
		if l.Status != models.StatusExpired {
			return apperr.InvalidState("reallocation %s is %s, not EXPIRED", l.ID, l.Status)
		}
		return s.returnFn(ReturnRequest{ReturnedBy: SystemActor, Reason: AutoExpiredReason}, false)(tx, l)
	})
	if err != nil {
		return nil, err
	}
	s.m.Reclaimed.Inc()
	s.committed(ctx, l, notify.EventReclaimed)
	return l, nil
}

func (s *ReallocationService) IsAvailable(ctx context.Context, gageID string) (bool, error) {
	if err := validID("gageId", gageID); err != nil {
		return false, err
	}
	if _, err := s.store.FindGage(ctx, gageID); err != nil {
		return false, err
	}
	active, err := s.store.HasActiveReallocation(ctx, gageID)
	if err != nil {
		return false, err
	}
	return !active, nil
}

func (s *ReallocationService) Remaining(ctx context.Context, id string) (*time.Duration, error) {
	l, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return l.Remaining(s.now()), nil
}

func (s *ReallocationService) Get(ctx context.Context, id string) (*models.Reallocation, error) {
	if err := validID("id", id); err != nil {
		return nil, err
	}
	return s.store.FindReallocation(ctx, id)
}

func (s *ReallocationService) List(ctx context.Context, f db.ReallocationFilter) (*db.PagedReallocations, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, apperr.Validation("unknown status %q", f.Status)
	}
	if f.GageID != "" {
		if err := validID("gageId", f.GageID); err != nil {
			return nil, err
		}
	}
	return s.store.ListReallocations(ctx, f)
}

func (s *ReallocationService) ListExpired(ctx context.Context) ([]models.Reallocation, error) {
	return s.store.ListExpired(ctx, s.now())
}

// ListExpiringSoon returns APPROVED leases with 0 < remaining <= window.
func (s *ReallocationService) ListExpiringSoon(ctx context.Context, window time.Duration) ([]models.Reallocation, error) {
	if window <= 0 {
		return nil, apperr.Validation("window must be positive")
	}
	now := s.now()
	return s.store.ListExpiringBetween(ctx, now, now.Add(window))
}

func (s *ReallocationService) CountPending(ctx context.Context) (int64, error) {
	return s.store.CountByStatus(ctx, models.StatusPendingApproval)
}

func (s *ReallocationService) Delete(ctx context.Context, id string) error {
	if err := validID("id", id); err != nil {
		return err
	}
	if err := s.store.DeleteReallocation(ctx, id); err != nil {
		return err
	}
	s.log.Info("reallocation deleted", zap.String("reallocation", id))
	return nil
}

func (s *ReallocationService) ReleaseGage(ctx context.Context, gageID string) (*models.Gage, error) {
	if err := validID("gageId", gageID); err != nil {
		return nil, err
	}
	g, err := s.store.ReleaseGage(ctx, gageID)
	if err != nil {
		return nil, err
	}
	s.log.Info("gage custody released", zap.String("gage", g.Serial))
	return g, nil
}
