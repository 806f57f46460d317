package circuit

import (
	"github.com/sony/gobreaker"

	"github.com/allegro/zuul-go/logging"
)

type consecutiveBreaker struct {
	failures int
	gb       *gobreaker.TwoStepCircuitBreaker
}

func newConsecutive(s BreakerSettings, log logging.Logger) *consecutiveBreaker {
	b := &consecutiveBreaker{failures: s.Failures}
	b.gb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:          s.Host,
		MaxRequests:   uint32(s.HalfOpenRequests),
		Timeout:       s.Timeout,
		ReadyToTrip:   b.readyToTrip,
		OnStateChange: stateChangeLogger(log),
	})

	return b
}

func (b *consecutiveBreaker) readyToTrip(c gobreaker.Counts) bool {
	return int(c.ConsecutiveFailures) >= b.failures
}

func (b *consecutiveBreaker) Allow() (func(bool), bool) {
	done, err := b.gb.Allow()
	if err != nil {
		// open or too many requests in half-open
		return nil, false
	}

	return done, true
}

func (b *consecutiveBreaker) State() gobreaker.State {
	return b.gb.State()
}
