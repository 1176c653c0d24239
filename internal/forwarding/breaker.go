package forwarding

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/DragonSecurity/ocppnet/pkg/util"
)

// ErrHopUnavailable is returned while the breaker of a next hop is open.
var ErrHopUnavailable = errors.New("next hop unavailable")

type BreakerSettings struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

// Breakers holds one circuit breaker per next hop.
type Breakers struct {
	settings BreakerSettings
	log      *util.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewBreakers(s BreakerSettings, log *util.Logger) *Breakers {
	if s.MaxRequests == 0 {
		s.MaxRequests = 1
	}
	if s.Interval == 0 {
		s.Interval = time.Minute
	}
	if s.Timeout == 0 {
		s.Timeout = 30 * time.Second
	}
	if s.ConsecutiveFailures == 0 {
		s.ConsecutiveFailures = 5
	}
	if log == nil {
		log = util.NopLogger()
	}
	return &Breakers{settings: s, log: log, breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

func (b *Breakers) get(hop string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.breakers[hop]; ok {
		return cb
	}
	threshold := b.settings.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        hop,
		MaxRequests: b.settings.MaxRequests,
		Interval:    b.settings.Interval,
		Timeout:     b.settings.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.log.Warnf("next hop %s breaker %s -> %s", name, from, to)
		},
	})
	b.breakers[hop] = cb
	return cb
}

// Do runs fn through the breaker of hop. Failures returned by fn count
// towards tripping; an open breaker yields ErrHopUnavailable without
// calling fn.
func (b *Breakers) Do(hop string, fn func() error) error {
	_, err := b.get(hop).Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrHopUnavailable
	}
	return err
}

// States reports the breaker state of every hop seen so far.
func (b *Breakers) States() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]string, len(b.breakers))
	for hop, cb := range b.breakers {
		out[hop] = cb.State().String()
	}
	return out
}
