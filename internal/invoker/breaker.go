package invoker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"claude-bridge/internal/models"
)

// BreakerSettings configures the circuit breaker placed around an invoker.
type BreakerSettings struct {
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

// breakerInvoker short-circuits an invoker after consecutive transport
// failures. An open breaker surfaces as a transport error so the
// orchestrator can still fall back.
type breakerInvoker struct {
	inner   Invoker
	breaker *gobreaker.TwoStepCircuitBreaker
}

// WithBreaker wraps inv with a circuit breaker.
func WithBreaker(inv Invoker, settings BreakerSettings) Invoker {
	threshold := settings.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	return &breakerInvoker{
		inner: inv,
		breaker: gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
			Name:        inv.Name(),
			MaxRequests: 1,
			Timeout:     settings.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("invoker circuit breaker state changed", "invoker", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

func (b *breakerInvoker) Name() string {
	return b.inner.Name()
}

// Available is false while the breaker is open.
func (b *breakerInvoker) Available() bool {
	return b.inner.Available() && b.breaker.State() != gobreaker.StateOpen
}

func (b *breakerInvoker) Invoke(ctx context.Context, q models.TranslatedQuery) (*models.InvocationResult, error) {
	done, err := b.breaker.Allow()
	if err != nil {
		return nil, Transport(b.Name(), err)
	}

	res, err := b.inner.Invoke(ctx, q)
	done(countsAsSuccess(err))
	return res, err
}

func (b *breakerInvoker) Stream(ctx context.Context, q models.TranslatedQuery) (<-chan models.Event, error) {
	done, err := b.breaker.Allow()
	if err != nil {
		return nil, Transport(b.Name(), err)
	}

	events, err := b.inner.Stream(ctx, q)
	if err != nil {
		done(countsAsSuccess(err))
		return nil, err
	}

	out := make(chan models.Event)
	go func() {
		defer close(out)
		var streamErr error
		for ev := range events {
			if ev.Err != nil {
				streamErr = ev.Err
			}
			if !Send(ctx, out, ev) {
				streamErr = ctx.Err()
				// drain so the producer can exit
				for range events {
				}
				break
			}
		}
		done(countsAsSuccess(streamErr))
	}()
	return out, nil
}

// countsAsSuccess keeps caller-side outcomes from tripping the breaker:
// terminal errors describe the request, not backend health.
func countsAsSuccess(err error) bool {
	if err == nil || IsTerminal(err) {
		return true
	}
	return errors.Is(err, context.Canceled)
}
