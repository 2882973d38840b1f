// Package endpoint runs a call against an ordered list of chain endpoints.
//
// Sequential is used for anything that must not be repeated against
// independent nodes (broadcast/submit): the first well-formed answer wins
// and later endpoints are never contacted. Race is used for read-only
// lookups, where asking every node at once and keeping the first success
// is safe.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// ErrNoEndpoints is returned when a chain has no endpoint configured
var ErrNoEndpoints = errors.New("no endpoints configured")

// Call is one attempt against one endpoint
type Call[T any] func(ctx context.Context, endpoint string) (T, error)

// PerAttempt bounds every attempt of call by d, so a hanging endpoint only
// spends its own share and Sequential still reaches the next one. A
// non-positive d leaves call as is.
func PerAttempt[T any](d time.Duration, call Call[T]) Call[T] {
	if d <= 0 {
		return call
	}
	return func(ctx context.Context, endpoint string) (T, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return call(ctx, endpoint)
	}
}

// Breakers holds one circuit breaker per endpoint URL. A nil *Breakers
// disables breaking.
type Breakers struct {
	mu           sync.Mutex
	failureRatio float64
	minRequests  uint32
	byURL        map[string]*gobreaker.CircuitBreaker
	onState      func(name string, from, to gobreaker.State)
}

// NewBreakers creates breakers that trip once more than minRequests calls
// were made and the failure ratio reaches failureRatio.
func NewBreakers(failureRatio float64, minRequests uint32) *Breakers {
	return &Breakers{
		failureRatio: failureRatio,
		minRequests:  minRequests,
		byURL:        make(map[string]*gobreaker.CircuitBreaker),
	}
}

// OnStateChange registers a callback for breaker transitions
func (b *Breakers) OnStateChange(fn func(name string, from, to gobreaker.State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onState = fn
}

func (b *Breakers) get(url string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.byURL[url]; ok {
		return cb
	}
	onState := b.onState
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: url,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests > b.minRequests && ratio >= b.failureRatio
		},
		// a race loser being cancelled says nothing about the endpoint
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if onState != nil {
				onState(name, from, to)
			}
		},
	})
	b.byURL[url] = cb
	return cb
}

// State returns the breaker state of url
func (b *Breakers) State(url string) gobreaker.State {
	if b == nil {
		return gobreaker.StateClosed
	}
	return b.get(url).State()
}

func run[T any](ctx context.Context, b *Breakers, url string, call Call[T]) (T, error) {
	if b == nil {
		return call(ctx, url)
	}
	out, err := b.get(url).Execute(func() (interface{}, error) {
		return call(ctx, url)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	v, _ := out.(T)
	return v, nil
}

// Sequential tries endpoints in order and returns the first success.
// Endpoints after the winner are never called. Endpoints whose breaker is
// open fail immediately and are passed over.
func Sequential[T any](ctx context.Context, b *Breakers, endpoints []string, call Call[T]) (T, error) {
	var zero T
	if len(endpoints) == 0 {
		return zero, ErrNoEndpoints
	}

	var errs []error
	for _, url := range endpoints {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		out, err := run(ctx, b, url, call)
		if err == nil {
			return out, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", url, err))
	}
	return zero, fmt.Errorf("all endpoints failed: %w", errors.Join(errs...))
}

// Race calls every endpoint concurrently and returns the first success.
// The remaining calls are cancelled.
func Race[T any](ctx context.Context, b *Breakers, endpoints []string, call Call[T]) (T, error) {
	var zero T
	if len(endpoints) == 0 {
		return zero, ErrNoEndpoints
	}
	if len(endpoints) == 1 {
		return run(ctx, b, endpoints[0], call)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		out T
		err error
	}
	results := make(chan result, len(endpoints))
	for _, url := range endpoints {
		go func(url string) {
			out, err := run(ctx, b, url, call)
			if err != nil {
				err = fmt.Errorf("%s: %w", url, err)
			}
			results <- result{out, err}
		}(url)
	}

	var errs []error
	for range endpoints {
		r := <-results
		if r.err == nil {
			return r.out, nil
		}
		errs = append(errs, r.err)
	}
	return zero, fmt.Errorf("all endpoints failed: %w", errors.Join(errs...))
}
