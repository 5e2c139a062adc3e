package notification_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/hackgods/clinic-scheduling-core/internal/appointment"
	"github.com/hackgods/clinic-scheduling-core/internal/db"
	"github.com/hackgods/clinic-scheduling-core/internal/events"
	"github.com/hackgods/clinic-scheduling-core/internal/notification"
)

type sentMessage struct {
	to   string
	body string
}

// scriptedSender returns the queued results in order, then succeeds. A nil
// entry is a success; errHang blocks until the context ends.
type scriptedSender struct {
	mu     sync.Mutex
	script []error
	always error
	sent   []sentMessage
}

var errHang = errors.New("hang")

func (s *scriptedSender) Send(ctx context.Context, to, body string) error {
	s.mu.Lock()
	s.sent = append(s.sent, sentMessage{to: to, body: body})
	var result error
	if len(s.script) > 0 {
		result = s.script[0]
		s.script = s.script[1:]
	} else {
		result = s.always
	}
	s.mu.Unlock()

	if result == errHang {
		<-ctx.Done()
		return ctx.Err()
	}
	return result
}

func (s *scriptedSender) calls() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMessage(nil), s.sent...)
}

type fixture struct {
	gdb    *gorm.DB
	repo   *appointment.GormRepository
	ledger *notification.GormLedger
	sender *scriptedSender
	disp   *notification.Dispatcher
}

func newFixture(t *testing.T, sender *scriptedSender) *fixture {
	t.Helper()

	gdb, err := db.OpenSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	repo := appointment.NewGormRepository(gdb)
	ledger := notification.NewGormLedger(gdb)
	disp := notification.NewDispatcher(ledger, repo, sender,
		notification.NewRenderer("Smart Care Medical Center", "+91-11-4567-8900"),
		notification.Config{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			SendTimeout:    50 * time.Millisecond,
			Lease:          time.Minute,
			Workers:        2,
		})

	return &fixture{gdb: gdb, repo: repo, ledger: ledger, sender: sender, disp: disp}
}

func (f *fixture) book(t *testing.T) appointment.Appointment {
	t.Helper()

	now := time.Now().UTC()
	a := &appointment.Appointment{
		ID:          uuid.New(),
		Reference:   "K7M2QX9P",
		PatientName: "Sarah Khan",
		PhoneNumber: "+923001234567",
		StartTime:   time.Date(2026, time.March, 20, 14, 0, 0, 0, time.UTC),
		Duration:    30 * time.Minute,
		Reason:      "Checkup",
		Status:      appointment.StatusScheduled,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, f.repo.Insert(context.Background(), a))
	return *a
}

func (f *fixture) job(t *testing.T, apptID uuid.UUID, kind notification.Kind) *notification.Job {
	t.Helper()
	j, err := f.ledger.GetByKey(context.Background(), apptID, kind)
	require.NoError(t, err)
	return j
}

func bookedEvent(a appointment.Appointment) appointment.Event {
	return appointment.Event{Seq: 1, Type: appointment.EventBooked, Appointment: a, OccurredAt: time.Now().UTC()}
}

func TestBookingWritesPendingConfirmation(t *testing.T) {
	f := newFixture(t, &scriptedSender{})
	a := f.book(t)

	j := f.job(t, a.ID, notification.KindConfirmation)
	assert.Equal(t, notification.StatusPending, j.Status)
	assert.Equal(t, 0, j.Attempts)
	assert.Nil(t, j.LeaseUntil)
}

func TestHandleEventSendsOnce(t *testing.T) {
	sender := &scriptedSender{}
	f := newFixture(t, sender)
	a := f.book(t)
	ctx := context.Background()

	require.NoError(t, f.disp.HandleEvent(ctx, bookedEvent(a)))
	require.NoError(t, f.disp.HandleEvent(ctx, bookedEvent(a)))

	calls := sender.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "+923001234567", calls[0].to)
	assert.Contains(t, calls[0].body, "Booking ID: #K7M2QX9P")
	assert.Contains(t, calls[0].body, "March 20, 2026 at 02:00 PM UTC")

	j := f.job(t, a.ID, notification.KindConfirmation)
	assert.Equal(t, notification.StatusSent, j.Status)
	assert.Equal(t, 1, j.Attempts)
	assert.NotNil(t, j.SentAt)
}

func TestConcurrentDuplicateEventsSendOnce(t *testing.T) {
	sender := &scriptedSender{}
	f := newFixture(t, sender)
	a := f.book(t)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.disp.HandleEvent(context.Background(), bookedEvent(a)))
		}()
	}
	wg.Wait()

	assert.Len(t, sender.calls(), 1)
	assert.Equal(t, notification.StatusSent, f.job(t, a.ID, notification.KindConfirmation).Status)
}

func TestTransientFailureIsRetried(t *testing.T) {
	sender := &scriptedSender{script: []error{
		notification.Transient("", errors.New("provider returned 503")),
		nil,
	}}
	f := newFixture(t, sender)
	a := f.book(t)

	require.NoError(t, f.disp.HandleEvent(context.Background(), bookedEvent(a)))

	assert.Len(t, sender.calls(), 2)
	j := f.job(t, a.ID, notification.KindConfirmation)
	assert.Equal(t, notification.StatusSent, j.Status)
	assert.Equal(t, 2, j.Attempts)
	assert.Empty(t, j.LastError)
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	sender := &scriptedSender{always: notification.Permanent("21211", errors.New("invalid 'To' phone number"))}
	f := newFixture(t, sender)
	a := f.book(t)

	require.NoError(t, f.disp.HandleEvent(context.Background(), bookedEvent(a)))

	assert.Len(t, sender.calls(), 1)
	j := f.job(t, a.ID, notification.KindConfirmation)
	assert.Equal(t, notification.StatusFailed, j.Status)
	assert.Equal(t, 1, j.Attempts)
	assert.Contains(t, j.LastError, "21211")

	failed, err := f.ledger.ListFailed(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, j.ID, failed[0].ID)
}

func TestAttemptsAreCapped(t *testing.T) {
	sender := &scriptedSender{always: errors.New("connection reset")}
	f := newFixture(t, sender)
	a := f.book(t)

	require.NoError(t, f.disp.HandleEvent(context.Background(), bookedEvent(a)))

	assert.Len(t, sender.calls(), 3)
	j := f.job(t, a.ID, notification.KindConfirmation)
	assert.Equal(t, notification.StatusFailed, j.Status)
	assert.Equal(t, 3, j.Attempts)
	assert.Contains(t, j.LastError, "connection reset")
}

func TestSendTimeoutIsTransient(t *testing.T) {
	sender := &scriptedSender{script: []error{errHang, nil}}
	f := newFixture(t, sender)
	a := f.book(t)

	require.NoError(t, f.disp.HandleEvent(context.Background(), bookedEvent(a)))

	assert.Len(t, sender.calls(), 2)
	j := f.job(t, a.ID, notification.KindConfirmation)
	assert.Equal(t, notification.StatusSent, j.Status)
	assert.Equal(t, 2, j.Attempts)
}

func TestCancellationMessage(t *testing.T) {
	sender := &scriptedSender{}
	f := newFixture(t, sender)
	a := f.book(t)
	a.Status = appointment.StatusCanceled

	ev := appointment.Event{Seq: 2, Type: appointment.EventCanceled, Appointment: a}
	require.NoError(t, f.disp.HandleEvent(context.Background(), ev))

	calls := sender.calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].body, "Your appointment has been CANCELED.")
	assert.Contains(t, calls[0].body, "To reschedule, please call us at:")

	assert.Equal(t, notification.StatusSent, f.job(t, a.ID, notification.KindCancellation).Status)
	assert.Equal(t, notification.StatusPending, f.job(t, a.ID, notification.KindConfirmation).Status)
}

func TestSweepResumesOutboxJob(t *testing.T) {
	sender := &scriptedSender{}
	f := newFixture(t, sender)
	a := f.book(t)
	ctx := context.Background()

	n, err := f.disp.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	calls := sender.calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].body, "Dear Sarah Khan,")
	assert.Equal(t, notification.StatusSent, f.job(t, a.ID, notification.KindConfirmation).Status)

	n, err = f.disp.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, sender.calls(), 1)
}

func TestSweepResumesPersistedAttemptCount(t *testing.T) {
	sender := &scriptedSender{always: errors.New("still down")}
	f := newFixture(t, sender)
	a := f.book(t)
	ctx := context.Background()

	j := f.job(t, a.ID, notification.KindConfirmation)
	past := time.Now().UTC().Add(-time.Second)
	require.NoError(t, f.ledger.RecordAttempt(ctx, j.ID, 2, "down before restart", past, past))

	_, err := f.disp.Sweep(ctx)
	require.NoError(t, err)

	assert.Len(t, sender.calls(), 1)
	j = f.job(t, a.ID, notification.KindConfirmation)
	assert.Equal(t, notification.StatusFailed, j.Status)
	assert.Equal(t, 3, j.Attempts)
}

func TestLeasedJobIsNotClaimedTwice(t *testing.T) {
	f := newFixture(t, &scriptedSender{})
	a := f.book(t)
	ctx := context.Background()
	now := time.Now().UTC()

	j := f.job(t, a.ID, notification.KindConfirmation)
	_, err := f.ledger.Claim(ctx, j.ID, now, time.Minute)
	require.NoError(t, err)

	_, err = f.ledger.Claim(ctx, j.ID, now.Add(time.Second), time.Minute)
	assert.ErrorIs(t, err, notification.ErrNotClaimable)

	due, err := f.ledger.ListDue(ctx, now.Add(time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	_, err = f.ledger.Claim(ctx, j.ID, now.Add(2*time.Minute), time.Minute)
	assert.NoError(t, err, "an expired lease can be taken over")
}

func TestTerminalTransitionsHappenOnce(t *testing.T) {
	f := newFixture(t, &scriptedSender{})
	a := f.book(t)
	ctx := context.Background()

	j := f.job(t, a.ID, notification.KindConfirmation)
	require.NoError(t, f.ledger.MarkSent(ctx, j.ID, 1, time.Now()))
	assert.ErrorIs(t, f.ledger.MarkSent(ctx, j.ID, 1, time.Now()), notification.ErrAlreadyTerminal)
	assert.ErrorIs(t, f.ledger.MarkFailed(ctx, j.ID, 1, "late", time.Now()), notification.ErrAlreadyTerminal)
}

func TestRunConsumesBusEvents(t *testing.T) {
	sender := &scriptedSender{}
	f := newFixture(t, sender)
	a := f.book(t)

	bus := events.NewBus()
	sub := bus.Subscribe("dispatcher")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.disp.Run(ctx, sub) }()

	bus.Publish(appointment.Event{Type: appointment.EventBooked, Appointment: a})

	require.Eventually(t, func() bool {
		j, err := f.ledger.GetByKey(context.Background(), a.ID, notification.KindConfirmation)
		return err == nil && j.Status == notification.StatusSent
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Len(t, sender.calls(), 1)
}
