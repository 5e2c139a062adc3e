package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-scheduling-core/internal/appointment"
	"github.com/hackgods/clinic-scheduling-core/internal/events"
	"github.com/hackgods/clinic-scheduling-core/internal/metrics"
)

type fakeConn struct {
	mu     sync.Mutex
	msgs   []any
	fail   bool
	block  chan struct{}
	closed bool
}

func (f *fakeConn) Write(ctx context.Context, msg any) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("broken pipe")
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) received() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]any(nil), f.msgs...)
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) envelopes() []events.Envelope {
	var out []events.Envelope
	for _, m := range f.received() {
		if env, ok := m.(events.Envelope); ok {
			out = append(out, env)
		}
	}
	return out
}

var seq uint64

func event(typ appointment.EventType) appointment.Event {
	seq++
	return appointment.Event{
		Seq:         seq,
		Type:        typ,
		Appointment: appointment.Appointment{ID: uuid.New(), Duration: 30 * time.Minute},
		OccurredAt:  time.Now().UTC(),
	}
}

func TestSubscriberReceivesEventsInEmissionOrder(t *testing.T) {
	hub := NewHub(WithGreeting("Connected to Smart Care Medical Center"))
	conn := &fakeConn{}
	hub.Subscribe(conn)

	e1, e2 := event(appointment.EventBooked), event(appointment.EventCanceled)
	hub.Deliver(e1)
	hub.Deliver(e2)

	require.Eventually(t, func() bool { return len(conn.received()) == 3 }, time.Second, 5*time.Millisecond)

	msgs := conn.received()
	hello, ok := msgs[0].(ControlMessage)
	require.True(t, ok, "first message must be the greeting")
	assert.Equal(t, "connected", hello.Type)
	assert.Equal(t, "Connected to Smart Care Medical Center", hello.Message)

	envs := conn.envelopes()
	require.Len(t, envs, 2)
	assert.Equal(t, "booked", envs[0].Type)
	assert.Equal(t, e1.Appointment.ID, envs[0].Appointment.ID)
	assert.Equal(t, "canceled", envs[1].Type)
	assert.Equal(t, e2.Appointment.ID, envs[1].Appointment.ID)
}

func TestLateSubscriberReceivesNoHistory(t *testing.T) {
	hub := NewHub()
	hub.Deliver(event(appointment.EventBooked))
	hub.Deliver(event(appointment.EventBooked))

	conn := &fakeConn{}
	hub.Subscribe(conn)

	require.Eventually(t, func() bool { return len(conn.received()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, conn.envelopes())
}

func TestDeadConnectionIsDroppedWithoutAffectingOthers(t *testing.T) {
	m := metrics.New()
	hub := NewHub(WithMetrics(m))
	good := &fakeConn{}
	dead := &fakeConn{fail: true}

	hub.Subscribe(good)
	hub.Subscribe(dead)

	require.Eventually(t, func() bool { return hub.Count() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, dead.isClosed, time.Second, 5*time.Millisecond)

	hub.Deliver(event(appointment.EventBooked))
	hub.Deliver(event(appointment.EventBooked))

	require.Eventually(t, func() bool { return len(good.envelopes()) == 2 }, time.Second, 5*time.Millisecond)
	assert.False(t, good.isClosed())
}

func TestStalledConnectionDoesNotBlockFanOut(t *testing.T) {
	hub := NewHub(WithSendBuffer(2), WithWriteTimeout(5*time.Second))

	stalled := &fakeConn{block: make(chan struct{})}
	good := &fakeConn{}

	hub.Subscribe(stalled)
	hub.Subscribe(good)

	start := time.Now()
	for i := 1; i <= 4; i++ {
		hub.Deliver(event(appointment.EventBooked))
		want := i
		require.Eventually(t, func() bool { return len(good.envelopes()) == want }, time.Second, time.Millisecond)
	}

	assert.Less(t, time.Since(start), 4*time.Second, "fan-out waited on the stalled writer")
	assert.Equal(t, 1, hub.Count())

	// the stalled writer closes its connection once the blocked write returns
	assert.False(t, good.isClosed())
	close(stalled.block)
	require.Eventually(t, stalled.isClosed, time.Second, 5*time.Millisecond)
}

// gorillaLikeConn holds a write mutex for the whole of a stalled write, and
// Close waits up to a second for that mutex to send a close frame.
type gorillaLikeConn struct {
	writeMu sync.Mutex
	release chan struct{}

	mu     sync.Mutex
	closed bool
}

func (c *gorillaLikeConn) Write(ctx context.Context, msg any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *gorillaLikeConn) Close() error {
	acquired := make(chan struct{})
	go func() {
		c.writeMu.Lock()
		c.writeMu.Unlock()
		close(acquired)
	}()
	select {
	case <-acquired:
	case <-time.After(time.Second):
	}

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *gorillaLikeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func TestOverflowingClientDoesNotDelayPublisher(t *testing.T) {
	hub := NewHub(WithSendBuffer(2), WithWriteTimeout(5*time.Second))
	bus := events.NewBus()
	bus.Attach(hub)

	slow := &gorillaLikeConn{release: make(chan struct{})}
	hub.Subscribe(slow)

	// let the writer pick up the greeting and stall on it
	time.Sleep(20 * time.Millisecond)

	var slowest time.Duration
	for i := 0; i < 5; i++ {
		start := time.Now()
		bus.Publish(event(appointment.EventBooked))
		if d := time.Since(start); d > slowest {
			slowest = d
		}
	}

	assert.Less(t, slowest, 200*time.Millisecond, "publish waited on a stalled subscriber")
	assert.Equal(t, 0, hub.Count())

	close(slow.release)
	require.Eventually(t, slow.isClosed, 2*time.Second, 5*time.Millisecond)
}

func TestUnsubscribeClosesConnection(t *testing.T) {
	hub := NewHub()
	conn := &fakeConn{}
	c := hub.Subscribe(conn)

	hub.Unsubscribe(c.ID)
	hub.Unsubscribe(c.ID)

	assert.Equal(t, 0, hub.Count())
	require.Eventually(t, conn.isClosed, time.Second, 5*time.Millisecond)
	select {
	case <-c.Done():
	default:
		t.Fatal("client done channel not closed")
	}

	hub.Deliver(event(appointment.EventBooked))
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, conn.envelopes())
}

func TestPongGoesThroughSendQueue(t *testing.T) {
	hub := NewHub()
	conn := &fakeConn{}
	c := hub.Subscribe(conn)

	c.Pong()

	require.Eventually(t, func() bool { return len(conn.received()) == 2 }, time.Second, 5*time.Millisecond)
	pong, ok := conn.received()[1].(ControlMessage)
	require.True(t, ok)
	assert.Equal(t, "pong", pong.Type)
}
