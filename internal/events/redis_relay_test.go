package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-scheduling-core/internal/appointment"
	"github.com/hackgods/clinic-scheduling-core/internal/logger"
)

func TestRedisRelayPreservesOrderAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	newClient := func() *redis.Client {
		c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = c.Close() })
		return c
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// instance B only listens
	remote := &recorder{}
	ready := make(chan struct{})
	relayB := NewRedisRelay(newClient(), "test-events", logger.Nop())
	go func() { _ = relayB.Receive(ctx, remote, ready) }()
	<-ready

	// instance A publishes locally and forwards
	busA := NewBus()
	relayA := NewRedisRelay(newClient(), "test-events", logger.Nop())
	relaySub := busA.Subscribe("relay")
	go func() { _ = relayA.Forward(ctx, relaySub) }()

	var sent []appointment.Event
	for i := 0; i < 3; i++ {
		ev := booked()
		ev.Appointment.StartTime = time.Date(2026, time.March, 20, 14, 30*i, 0, 0, time.UTC)
		sent = append(sent, ev)
		busA.Publish(ev)
	}

	require.Eventually(t, func() bool { return len(remote.snapshot()) == 3 }, 2*time.Second, 10*time.Millisecond)

	got := remote.snapshot()
	for i := range sent {
		assert.Equal(t, sent[i].Appointment.ID, got[i].Appointment.ID)
		assert.True(t, sent[i].Appointment.StartTime.Equal(got[i].Appointment.StartTime))
		assert.Equal(t, 30*time.Minute, got[i].Appointment.Duration)
		assert.Equal(t, uint64(i+1), got[i].Seq)
	}
}
