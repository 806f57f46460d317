package circuit

import (
	"sync"

	"github.com/sony/gobreaker"

	"github.com/allegro/zuul-go/logging"
)

// rateBreaker opens when the number of failures within the sliding
// window of the last requests reaches the limit. The window is counted
// in the closed and the half-open states.
type rateBreaker struct {
	settings BreakerSettings
	mx       sync.Mutex
	sampler  *binarySampler
	gb       *gobreaker.TwoStepCircuitBreaker
}

func newRate(s BreakerSettings, log logging.Logger) *rateBreaker {
	b := &rateBreaker{settings: s}
	b.gb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:          s.Host,
		MaxRequests:   uint32(s.HalfOpenRequests),
		Timeout:       s.Timeout,
		ReadyToTrip:   func(gobreaker.Counts) bool { return b.readyToTrip() },
		OnStateChange: stateChangeLogger(log),
	})

	return b
}

func (b *rateBreaker) readyToTrip() bool {
	b.mx.Lock()
	defer b.mx.Unlock()

	if b.sampler == nil {
		return false
	}

	if b.sampler.count < b.settings.Failures {
		return false
	}

	// start a new window after opening
	b.sampler = nil
	return true
}

func (b *rateBreaker) countRate(success bool) {
	b.mx.Lock()
	defer b.mx.Unlock()

	if b.sampler == nil {
		b.sampler = newBinarySampler(b.settings.Window)
	}

	b.sampler.tick(!success)
}

func (b *rateBreaker) Allow() (func(bool), bool) {
	done, err := b.gb.Allow()
	if err != nil {
		return nil, false
	}

	return func(success bool) {
		b.countRate(success)
		done(success)
	}, true
}

func (b *rateBreaker) State() gobreaker.State {
	return b.gb.State()
}
