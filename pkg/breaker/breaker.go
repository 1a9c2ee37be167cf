// Package breaker keeps one circuit breaker per remote endpoint.
package breaker

import (
	"errors"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// ErrOpen is returned while a breaker rejects calls.
var ErrOpen = errors.New("circuit_open")

type Options struct {
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32
	// OpenTimeout is how long an open breaker waits before a half-open probe.
	OpenTimeout time.Duration
	// Interval resets closed-state counts.
	Interval time.Duration
	// IsSuccessful classifies errors that should not count against the endpoint.
	IsSuccessful func(err error) bool
	// OnStateChange receives 0 closed, 1 half-open, 2 open.
	OnStateChange func(name string, state float64)
}

func DefaultOptions() Options {
	return Options{
		ConsecutiveFailures: 5,
		OpenTimeout:         30 * time.Second,
		Interval:            time.Minute,
	}
}

type Group struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[struct{}]
	opts     Options
	log      *zap.Logger
}

func NewGroup(opts Options, log *zap.Logger) *Group {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.ConsecutiveFailures == 0 {
		opts.ConsecutiveFailures = DefaultOptions().ConsecutiveFailures
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = DefaultOptions().OpenTimeout
	}
	return &Group{
		breakers: map[string]*gobreaker.CircuitBreaker[struct{}]{},
		opts:     opts,
		log:      log.Named("breaker"),
	}
}

// Execute runs fn through the breaker registered under name.
func (g *Group) Execute(name string, fn func() error) error {
	cb := g.get(name)
	_, err := cb.Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrOpen
	}
	return err
}

// State reports the current state of the breaker registered under name.
func (g *Group) State(name string) gobreaker.State {
	return g.get(name).State()
}

func (g *Group) get(name string) *gobreaker.CircuitBreaker[struct{}] {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cb, ok := g.breakers[name]; ok {
		return cb
	}
	threshold := g.opts.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    g.opts.Interval,
		Timeout:     g.opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: g.opts.IsSuccessful,
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.log.Info("breaker.state_changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if g.opts.OnStateChange != nil {
				g.opts.OnStateChange(name, stateValue(to))
			}
		},
	})
	g.breakers[name] = cb
	return cb
}

func stateValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
