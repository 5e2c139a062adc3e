package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-scheduling-core/internal/appointment"
)

type recorder struct {
	mu     sync.Mutex
	events []appointment.Event
}

func (r *recorder) Deliver(ev appointment.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []appointment.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]appointment.Event(nil), r.events...)
}

func booked() appointment.Event {
	return appointment.Event{
		Type:        appointment.EventBooked,
		Appointment: appointment.Appointment{ID: uuid.New(), Duration: 30 * time.Minute},
	}
}

func TestBusStampsSequenceInEmissionOrder(t *testing.T) {
	bus := NewBus()
	rec := &recorder{}
	bus.Attach(rec)

	for i := 0; i < 5; i++ {
		bus.Publish(booked())
	}

	got := rec.snapshot()
	require.Len(t, got, 5)
	for i, ev := range got {
		assert.Equal(t, uint64(i+1), ev.Seq)
		assert.False(t, ev.OccurredAt.IsZero())
	}
	assert.Equal(t, uint64(5), bus.Seq())
}

func TestBusDoesNotReplayToLateListeners(t *testing.T) {
	bus := NewBus()
	bus.Publish(booked())

	late := &recorder{}
	bus.Attach(late)
	sub := bus.Subscribe("late")

	assert.Empty(t, late.snapshot())
	assert.Equal(t, 0, sub.Len())
}

func TestSubscriptionsAreIndependent(t *testing.T) {
	bus := NewBus()
	slow := bus.Subscribe("slow")
	fast := bus.Subscribe("fast")

	first, second := booked(), booked()
	bus.Publish(first)
	bus.Publish(second)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// fast drains both while slow has not consumed anything
	ev, err := fast.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.Appointment.ID, ev.Appointment.ID)
	ev, err = fast.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.Appointment.ID, ev.Appointment.ID)

	assert.Equal(t, 2, slow.Len())
	ev, err = slow.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ev.Seq)
}

func TestSubscriptionNextWaitsForPublish(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("waiter")

	got := make(chan appointment.Event, 1)
	go func() {
		ev, err := sub.Next(context.Background())
		if err == nil {
			got <- ev
		}
	}()

	time.Sleep(10 * time.Millisecond)
	bus.Publish(booked())

	select {
	case ev := <-got:
		assert.Equal(t, uint64(1), ev.Seq)
	case <-time.After(time.Second):
		t.Fatal("subscriber was not woken by publish")
	}
}

func TestCloseDrainsThenReportsClosed(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("drain")
	bus.Publish(booked())
	bus.Close()
	bus.Publish(booked())

	ctx := context.Background()
	ev, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ev.Seq)

	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNextHonorsContext(t *testing.T) {
	sub := NewBus().Subscribe("idle")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := sub.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
