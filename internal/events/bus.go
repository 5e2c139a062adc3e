package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hackgods/clinic-scheduling-core/internal/appointment"
)

var ErrClosed = errors.New("event subscription closed")

// Listener receives every event synchronously, in emission order, while the
// bus lock is held. Deliver must return quickly and must not call back into
// the bus.
type Listener interface {
	Deliver(ev appointment.Event)
}

// Bus is the in-process channel between the scheduling service and its
// consumers. Publish stamps a sequence number and hands the event to every
// listener in the same order.
type Bus struct {
	mu        sync.Mutex
	seq       uint64
	listeners []Listener
	subs      []*Subscription
	closed    bool
}

func NewBus() *Bus {
	return &Bus{}
}

// Attach registers a synchronous listener. Events published before Attach
// are not replayed.
func (b *Bus) Attach(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// Subscribe returns an unbounded FIFO of future events for a consumer that
// does its own, possibly slow, processing.
func (b *Bus) Subscribe(name string) *Subscription {
	s := &Subscription{
		name:  name,
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.close()
		return s
	}
	b.subs = append(b.subs, s)
	b.listeners = append(b.listeners, s)
	return s
}

// Publish implements appointment.Publisher.
func (b *Bus) Publish(ev appointment.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	b.seq++
	ev.Seq = b.seq
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	for _, l := range b.listeners {
		l.Deliver(ev)
	}
}

// Seq is the sequence number of the last published event.
func (b *Bus) Seq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Close stops accepting events. Subscriptions drain what they already hold
// and then report ErrClosed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, s := range b.subs {
		s.close()
	}
}

type Subscription struct {
	name  string
	mu    sync.Mutex
	queue []appointment.Event
	ready chan struct{}
	done  chan struct{}
	once  sync.Once
}

func (s *Subscription) Name() string { return s.name }

func (s *Subscription) Deliver(ev appointment.Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available, the context ends, or the
// subscription is closed and drained.
func (s *Subscription) Next(ctx context.Context) (appointment.Event, error) {
	for {
		if ev, ok := s.pop(); ok {
			return ev, nil
		}

		select {
		case <-s.ready:
		case <-ctx.Done():
			return appointment.Event{}, ctx.Err()
		case <-s.done:
			if ev, ok := s.pop(); ok {
				return ev, nil
			}
			return appointment.Event{}, ErrClosed
		}
	}
}

// Len is the number of queued events not yet taken by Next.
func (s *Subscription) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Subscription) pop() (appointment.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return appointment.Event{}, false
	}
	ev := s.queue[0]
	s.queue[0] = appointment.Event{}
	s.queue = s.queue[1:]
	return ev, true
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.done) })
}
