package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"Gin_postgres_redis_gage_lease/apperr"
	"Gin_postgres_redis_gage_lease/db"
	"Gin_postgres_redis_gage_lease/db/dbtest"
	"Gin_postgres_redis_gage_lease/models"
	"Gin_postgres_redis_gage_lease/notify"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0          = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	defaultUnit = models.Unit{Department: "QUALITY", Function: "METROLOGY", Operation: "GAGE_CRIB"}
	homeUnit    = models.Unit{Department: "INSPECTION", Function: "CMM", Operation: "OP10"}
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Dispatch(_ context.Context, _ *models.Reallocation, ev notify.Event) []models.NotificationLog {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *recordingNotifier) list() []notify.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Event(nil), n.events...)
}

type fixture struct {
	svc   *ReallocationService
	repo  *db.Repo
	clock clockwork.FakeClock
	note  *recordingNotifier
	gage  *models.Gage
}

func setup(t *testing.T) *fixture {
	t.Helper()
	repo := dbtest.Repo(t)
	clock := clockwork.NewFakeClockAt(t0)
	note := &recordingNotifier{}
	svc := NewReallocationService(Deps{
		Store:       repo,
		Notifier:    note,
		Clock:       clock,
		DefaultUnit: defaultUnit,
	})
	g := &models.Gage{Serial: "CAL-001", Name: "Outside micrometer"}
	require.NoError(t, repo.CreateGage(context.Background(), g))
	return &fixture{svc: svc, repo: repo, clock: clock, note: note, gage: g}
}

func (f *fixture) create(t *testing.T, limit models.TimeLimit) *models.Reallocation {
	t.Helper()
	l, err := f.svc.Create(context.Background(), CreateRequest{
		GageID:      f.gage.ID,
		RequestedBy: "jdoe",
		TimeLimit:   limit,
		Reason:      "line trial",
	})
	require.NoError(t, err)
	return l
}

func (f *fixture) approve(t *testing.T, id string) *models.Reallocation {
	t.Helper()
	l, err := f.svc.Approve(context.Background(), id, ApproveRequest{
		ApprovedBy: "qa.lead",
		Unit:       &models.Unit{Department: "MACHINING", Function: "CNC"},
	})
	require.NoError(t, err)
	return l
}

func (f *fixture) inUse(t *testing.T) bool {
	t.Helper()
	g, err := f.repo.FindGage(context.Background(), f.gage.ID)
	require.NoError(t, err)
	return g.InUse
}

func TestCreateDerivesUnitFromCustody(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	// no custody record yet: default triple
	l := f.create(t, models.TimeLimitOneDay)
	assert.Equal(t, models.StatusPendingApproval, l.Status)
	assert.Equal(t, defaultUnit, l.OriginalUnit)
	assert.Equal(t, l.OriginalUnit, l.CurrentUnit)
	assert.Nil(t, l.ExpiresAt)
	assert.Equal(t, []notify.Event{notify.EventRequested}, f.note.list())

	_, err := f.svc.Cancel(ctx, l.ID, CancelRequest{CancelledBy: "jdoe"})
	require.NoError(t, err)

	_, err = f.repo.IssueGage(ctx, f.gage.ID, homeUnit, t0.Add(-time.Hour))
	require.NoError(t, err)
	l = f.create(t, models.TimeLimitOneDay)
	assert.Equal(t, homeUnit, l.OriginalUnit)
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	cases := map[string]CreateRequest{
		"missing gage":      {RequestedBy: "jdoe", TimeLimit: models.TimeLimitOneDay},
		"gage not uuid":     {GageID: "CAL-001", RequestedBy: "jdoe", TimeLimit: models.TimeLimitOneDay},
		"missing requester": {GageID: f.gage.ID, TimeLimit: models.TimeLimitOneDay},
		"bad time limit":    {GageID: f.gage.ID, RequestedBy: "jdoe", TimeLimit: "FOREVER"},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.Create(ctx, in)
			assert.ErrorIs(t, err, apperr.ErrValidation)
		})
	}

	past := t0.Add(-time.Minute)
	_, err := f.svc.Create(ctx, CreateRequest{GageID: f.gage.ID, RequestedBy: "jdoe", TimeLimit: models.TimeLimitCustom, RequestedExpiresAt: &past})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.svc.Create(ctx, CreateRequest{GageID: "9b2f3a53-3c39-4f0b-8a53-000000000000", RequestedBy: "jdoe", TimeLimit: models.TimeLimitOneDay})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestCreateRejectsSecondActiveLease(t *testing.T) {
	f := setup(t)
	f.create(t, models.TimeLimitOneDay)

	_, err := f.svc.Create(context.Background(), CreateRequest{GageID: f.gage.ID, RequestedBy: "asmith", TimeLimit: models.TimeLimitTwoHours})
	assert.ErrorIs(t, err, apperr.ErrResourceUnavailable)

	ok, err := f.svc.IsAvailable(context.Background(), f.gage.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCreateRefusesGageOutOfService(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	require.NoError(t, f.repo.DB.Model(f.gage).Update("status", "calibration").Error)

	_, err := f.svc.Create(ctx, CreateRequest{GageID: f.gage.ID, RequestedBy: "jdoe", TimeLimit: models.TimeLimitOneDay})
	assert.ErrorIs(t, err, apperr.ErrResourceUnavailable)
}

func TestApproveComputesExpiry(t *testing.T) {
	cases := []struct {
		limit models.TimeLimit
		want  time.Time
	}{
		{models.TimeLimitTwoHours, t0.Add(2 * time.Hour)},
		{models.TimeLimitOneDay, t0.Add(24 * time.Hour)},
		{models.TimeLimitOneWeek, t0.Add(7 * 24 * time.Hour)},
		{models.TimeLimitOneMonth, time.Date(2024, 4, 4, 9, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		t.Run(string(tc.limit), func(t *testing.T) {
			f := setup(t)
			l := f.approve(t, f.create(t, tc.limit).ID)

			assert.Equal(t, models.StatusApproved, l.Status)
			require.NotNil(t, l.ExpiresAt)
			assert.True(t, tc.want.Equal(*l.ExpiresAt), "got %s", l.ExpiresAt)
			assert.True(t, t0.Equal(*l.AllocatedAt))
			assert.Equal(t, "qa.lead", *l.ApprovedBy)
			assert.True(t, f.inUse(t))
		})
	}
}

func TestApproveOverrides(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	l := f.create(t, models.TimeLimitOneDay)

	week := models.TimeLimitOneWeek
	got, err := f.svc.Approve(ctx, l.ID, ApproveRequest{
		ApprovedBy: "qa.lead",
		TimeLimit:  &week,
		Unit:       &models.Unit{Department: "MACHINING"},
		Notes:      "bring back calibrated",
	})
	require.NoError(t, err)
	assert.Equal(t, models.TimeLimitOneWeek, got.TimeLimit)
	assert.Equal(t, models.Unit{Department: "MACHINING", Function: "METROLOGY", Operation: "GAGE_CRIB"}, got.CurrentUnit)
	assert.Equal(t, defaultUnit, got.OriginalUnit, "origin snapshot never changes")
	assert.Equal(t, "bring back calibrated", got.Notes)

	latest, err := f.repo.LatestCustody(ctx, f.gage.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, got.CurrentUnit, latest.Unit)
	assert.Equal(t, models.CustodySourceReallocation, latest.Source)
}

func TestApproveCustomExpiry(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	l := f.create(t, models.TimeLimitCustom)

	_, err := f.svc.Approve(ctx, l.ID, ApproveRequest{ApprovedBy: "qa.lead"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	past := t0.Add(-time.Hour)
	_, err = f.svc.Approve(ctx, l.ID, ApproveRequest{ApprovedBy: "qa.lead", ExpiresAt: &past})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	stored, err := f.svc.Get(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingApproval, stored.Status)
	assert.False(t, f.inUse(t))

	want := t0.Add(36 * time.Hour)
	got, err := f.svc.Approve(ctx, l.ID, ApproveRequest{ApprovedBy: "qa.lead", ExpiresAt: &want})
	require.NoError(t, err)
	assert.True(t, want.Equal(*got.ExpiresAt))
}

func TestApproveCustomUsesRequestedExpiry(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	want := t0.Add(3 * time.Hour)
	l, err := f.svc.Create(ctx, CreateRequest{GageID: f.gage.ID, RequestedBy: "jdoe", TimeLimit: models.TimeLimitCustom, RequestedExpiresAt: &want})
	require.NoError(t, err)

	got, err := f.svc.Approve(ctx, l.ID, ApproveRequest{ApprovedBy: "qa.lead"})
	require.NoError(t, err)
	assert.True(t, want.Equal(*got.ExpiresAt))
}

func TestApproveNonPendingLeavesRecordUnchanged(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	l := f.approve(t, f.create(t, models.TimeLimitOneDay).ID)
	before, err := f.svc.Get(ctx, l.ID)
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	_, err = f.svc.Approve(ctx, l.ID, ApproveRequest{ApprovedBy: "someone.else", Notes: "again"})
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	after, err := f.svc.Get(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, *before.ApprovedBy, *after.ApprovedBy)
	assert.True(t, before.ExpiresAt.Equal(*after.ExpiresAt))
	assert.Equal(t, before.Notes, after.Notes)
	assert.Equal(t, before.Status, after.Status)
}

func TestReject(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	l := f.create(t, models.TimeLimitOneDay)

	got, err := f.svc.Reject(ctx, l.ID, RejectRequest{RejectedBy: "qa.lead", Reason: "gage due for calibration"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Equal(t, "gage due for calibration", got.RejectionReason)
	assert.Equal(t, "qa.lead", *got.ApprovedBy)
	assert.Nil(t, got.ExpiresAt)
	assert.False(t, f.inUse(t))
	assert.Equal(t, []notify.Event{notify.EventRequested, notify.EventRejected}, f.note.list())

	_, err = f.svc.Reject(ctx, l.ID, RejectRequest{RejectedBy: "qa.lead"})
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
}

func TestCancelApprovedKeepsCustodyFlag(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	l := f.approve(t, f.create(t, models.TimeLimitOneDay).ID)

	got, err := f.svc.Cancel(ctx, l.ID, CancelRequest{CancelledBy: "admin", Reason: "wrong gage"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.True(t, f.inUse(t), "cancel does not release custody")

	_, err = f.svc.Cancel(ctx, l.ID, CancelRequest{CancelledBy: "admin"})
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	g, err := f.svc.ReleaseGage(ctx, f.gage.ID)
	require.NoError(t, err)
	assert.False(t, g.InUse)
	assert.False(t, f.inUse(t))
}

func TestReleaseGageRefusesActiveLease(t *testing.T) {
	f := setup(t)
	f.approve(t, f.create(t, models.TimeLimitOneDay).ID)

	_, err := f.svc.ReleaseGage(context.Background(), f.gage.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	assert.True(t, f.inUse(t))
}

func TestCancelCompletedFails(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	l := f.approve(t, f.create(t, models.TimeLimitOneDay).ID)
	_, err := f.svc.Return(ctx, l.ID, ReturnRequest{ReturnedBy: "jdoe"}, false)
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, l.ID, CancelRequest{CancelledBy: "admin"})
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
}

func TestReturnRestoresCustodyAndReopens(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	_, err := f.repo.IssueGage(ctx, f.gage.ID, homeUnit, t0.Add(-time.Hour))
	require.NoError(t, err)
	l := f.approve(t, f.create(t, models.TimeLimitOneDay).ID)

	f.clock.Advance(2 * time.Hour)
	got, err := f.svc.Return(ctx, l.ID, ReturnRequest{ReturnedBy: "jdoe", Reason: "done"}, false)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, "jdoe", *got.ReturnedBy)
	assert.False(t, got.ForcedReturn)
	assert.NotNil(t, got.CompletedAt)
	assert.False(t, f.inUse(t))

	latest, err := f.repo.LatestCustody(ctx, f.gage.ID)
	require.NoError(t, err)
	assert.Equal(t, homeUnit, latest.Unit)
	assert.Equal(t, models.CustodySourceRestore, latest.Source)

	ok, err := f.svc.IsAvailable(ctx, f.gage.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	f.create(t, models.TimeLimitTwoHours)
}

func TestReturnRequiresApproved(t *testing.T) {
	f := setup(t)
	l := f.create(t, models.TimeLimitOneDay)

	_, err := f.svc.Return(context.Background(), l.ID, ReturnRequest{ReturnedBy: "jdoe"}, false)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
}

func TestForcedReturnSkipsCustodyRestore(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	_, err := f.repo.IssueGage(ctx, f.gage.ID, homeUnit, t0.Add(-time.Hour))
	require.NoError(t, err)
	l := f.approve(t, f.create(t, models.TimeLimitOneDay).ID)

	got, err := f.svc.Return(ctx, l.ID, ReturnRequest{ReturnedBy: "admin", Reason: "audit"}, true)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.True(t, got.ForcedReturn)
	assert.False(t, f.inUse(t))

	latest, err := f.repo.LatestCustody(ctx, f.gage.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CustodySourceReallocation, latest.Source, "forced return leaves the allocated unit in place")

	// forced return from PENDING also works; terminal states do not
	p := f.create(t, models.TimeLimitOneDay)
	_, err = f.svc.Return(ctx, p.ID, ReturnRequest{ReturnedBy: "admin"}, true)
	require.NoError(t, err)
	_, err = f.svc.Return(ctx, p.ID, ReturnRequest{ReturnedBy: "admin"}, true)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
}

// dbtest runs on one connection, so the callers are serialised and the loser is
// stopped by the status check under the row lock; the UPDATE ... WHERE status
// guard itself is covered in db/repo_test.go.
func TestConcurrentReturnsExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	l := f.approve(t, f.create(t, models.TimeLimitOneDay).ID)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Return(ctx, l.ID, ReturnRequest{ReturnedBy: "jdoe"}, false)
		}(i)
	}
	wg.Wait()

	var ok, invalid int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case apperr.KindOf(err) == apperr.KindInvalidState:
			invalid++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, invalid)

	var restores int64
	require.NoError(t, f.repo.DB.Model(&models.Custody{}).
		Where("source = ?", models.CustodySourceRestore).Count(&restores).Error)
	assert.EqualValues(t, 1, restores)
}

func TestReclaimRacesManualReturn(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	l := f.approve(t, f.create(t, models.TimeLimitTwoHours).ID)
	f.clock.Advance(3 * time.Hour)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = f.svc.Reclaim(ctx, l.ID)
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = f.svc.Return(ctx, l.ID, ReturnRequest{ReturnedBy: "jdoe"}, false)
	}()
	wg.Wait()

	var ok, invalid int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case apperr.KindOf(err) == apperr.KindInvalidState:
			invalid++
		}
	}
	assert.Equal(t, 1, ok, "errs: %v", errs)
	assert.Equal(t, 1, invalid, "errs: %v", errs)

	got, err := f.svc.Get(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.False(t, f.inUse(t))

	var restores int64
	require.NoError(t, f.repo.DB.Model(&models.Custody{}).
		Where("source = ?", models.CustodySourceRestore).Count(&restores).Error)
	assert.EqualValues(t, 1, restores)
}

func TestReclaimScenario(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	_, err := f.repo.IssueGage(ctx, f.gage.ID, homeUnit, t0.Add(-time.Hour))
	require.NoError(t, err)

	l := f.create(t, models.TimeLimitOneDay)
	assert.Equal(t, models.StatusPendingApproval, l.Status)
	l = f.approve(t, l.ID)
	assert.True(t, t0.Add(24*time.Hour).Equal(*l.ExpiresAt))
	assert.True(t, f.inUse(t))

	// not yet expired
	_, err = f.svc.MarkExpired(ctx, l.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	f.clock.Advance(25 * time.Hour)
	expired, err := f.svc.ListExpired(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)

	got, err := f.svc.Reclaim(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, SystemActor, *got.ReturnedBy)
	assert.Equal(t, AutoExpiredReason, got.ReturnReason)
	assert.False(t, f.inUse(t))

	latest, err := f.repo.LatestCustody(ctx, f.gage.ID)
	require.NoError(t, err)
	assert.Equal(t, homeUnit, latest.Unit)

	// second reclaim is refused, nothing changes
	_, err = f.svc.Reclaim(ctx, l.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	expired, err = f.svc.ListExpired(ctx)
	require.NoError(t, err)
	assert.Empty(t, expired)
}

func TestReclaimPicksUpExpiredLeftover(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	l := f.approve(t, f.create(t, models.TimeLimitTwoHours).ID)
	f.clock.Advance(3 * time.Hour)

	// crash between the two steps: only the expiry committed
	_, err := f.svc.MarkExpired(ctx, l.ID)
	require.NoError(t, err)
	assert.True(t, f.inUse(t))

	got, err := f.svc.Reclaim(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
}

func TestRemainingAndExpiringSoon(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	l := f.create(t, models.TimeLimitTwoHours)

	rem, err := f.svc.Remaining(ctx, l.ID)
	require.NoError(t, err)
	assert.Nil(t, rem)

	f.approve(t, l.ID)
	f.clock.Advance(90 * time.Minute)
	rem, err = f.svc.Remaining(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, *rem)

	soon, err := f.svc.ListExpiringSoon(ctx, time.Hour)
	require.NoError(t, err)
	assert.Len(t, soon, 1)

	f.clock.Advance(time.Hour)
	rem, err = f.svc.Remaining(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), *rem)
	soon, err = f.svc.ListExpiringSoon(ctx, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, soon, "already expired is not expiring soon")

	_, err = f.svc.ListExpiringSoon(ctx, 0)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestListAndDelete(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	l := f.create(t, models.TimeLimitOneDay)

	page, err := f.svc.List(ctx, db.ReallocationFilter{Status: models.StatusPendingApproval})
	require.NoError(t, err)
	assert.EqualValues(t, 1, page.Total)

	_, err = f.svc.List(ctx, db.ReallocationFilter{Status: "LOST"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	n, err := f.svc.CountPending(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	f.approve(t, l.ID)
	assert.ErrorIs(t, f.svc.Delete(ctx, l.ID), apperr.ErrInvalidState)

	_, err = f.svc.Return(ctx, l.ID, ReturnRequest{ReturnedBy: "jdoe"}, false)
	require.NoError(t, err)
	require.NoError(t, f.svc.Delete(ctx, l.ID))
	_, err = f.svc.Get(ctx, l.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
