package notification

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerSender stops calling a provider that keeps failing. While the
// breaker is open every send fails fast as transient, so the job is retried
// later. Permanent failures are the caller's fault and do not count.
type BreakerSender struct {
	next Sender
	cb   *gobreaker.CircuitBreaker
}

func NewBreakerSender(name string, next Sender, openFor time.Duration) *BreakerSender {
	if openFor <= 0 {
		openFor = 30 * time.Second
	}
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     openFor,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsPermanent(err)
		},
	}
	return &BreakerSender{next: next, cb: gobreaker.NewCircuitBreaker(st)}
}

func (s *BreakerSender) Send(ctx context.Context, to, body string) error {
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.next.Send(ctx, to, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Transient("", err)
	}
	return err
}

func (s *BreakerSender) State() gobreaker.State {
	return s.cb.State()
}
