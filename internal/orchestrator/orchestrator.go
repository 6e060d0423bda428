// Package orchestrator selects an invoker for each request and performs at
// most one fallback hop to the other backend.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"claude-bridge/internal/invoker"
	"claude-bridge/internal/models"
	"claude-bridge/internal/telemetry"
)

const (
	rolePrimary   = "primary"
	roleSecondary = "secondary"

	defaultTimeout = 60 * time.Second
)

// ErrNoInvoker indicates the orchestrator was built without any backend.
var ErrNoInvoker = errors.New("no invoker configured")

// Orchestrator dispatches translated queries. The primary invoker is the
// direct API whenever it was constructed, the subprocess otherwise.
type Orchestrator struct {
	primary   invoker.Invoker
	secondary invoker.Invoker
	timeout   time.Duration
}

// New constructs an orchestrator. Either invoker may be nil, not both.
func New(direct, subprocess invoker.Invoker, timeout time.Duration) (*Orchestrator, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	o := &Orchestrator{timeout: timeout}
	switch {
	case direct != nil:
		o.primary, o.secondary = direct, subprocess
	case subprocess != nil:
		o.primary = subprocess
	default:
		return nil, ErrNoInvoker
	}
	return o, nil
}

// Backends lists the configured invoker names, primary first.
func (o *Orchestrator) Backends() []string {
	names := []string{o.primary.Name()}
	if o.secondary != nil {
		names = append(names, o.secondary.Name())
	}
	return names
}

// ShouldFallback reports whether a failed primary attempt may be retried on
// the secondary. Terminal errors and caller cancellation never fall back.
func ShouldFallback(ctx context.Context, err error) bool {
	if err == nil || invoker.IsTerminal(err) {
		return false
	}
	return ctx.Err() == nil
}

// Execute runs a single-shot invocation.
func (o *Orchestrator) Execute(ctx context.Context, q models.TranslatedQuery) (*models.InvocationResult, error) {
	res, err := o.invoke(ctx, o.primary, rolePrimary, q)
	if err == nil {
		return res, nil
	}

	next := o.fallbackFor(ctx, err)
	if next == nil {
		return nil, err
	}
	logFallback(q, o.primary, next, err)

	return o.invoke(ctx, next, roleSecondary, q)
}

// Stream runs a streamed invocation. Fallback is only possible while no delta
// has reached the caller; afterwards a failure ends the stream with an error
// event. The returned channel is unbuffered.
func (o *Orchestrator) Stream(ctx context.Context, q models.TranslatedQuery) <-chan models.Event {
	out := make(chan models.Event)
	go func() {
		defer close(out)

		delivered, err := o.stream(ctx, o.primary, rolePrimary, q, out)
		if err == nil {
			return
		}

		next := o.fallbackFor(ctx, err)
		if delivered || next == nil {
			invoker.Send(ctx, out, models.Event{Err: err})
			return
		}
		logFallback(q, o.primary, next, err)

		if _, err := o.stream(ctx, next, roleSecondary, q, out); err != nil {
			invoker.Send(ctx, out, models.Event{Err: err})
		}
	}()
	return out
}

func (o *Orchestrator) fallbackFor(ctx context.Context, err error) invoker.Invoker {
	if !ShouldFallback(ctx, err) || o.secondary == nil {
		return nil
	}
	if !o.secondary.Available() {
		slog.Warn("fallback invoker unavailable", "invoker", o.secondary.Name())
		return nil
	}
	return o.secondary
}

func (o *Orchestrator) invoke(ctx context.Context, inv invoker.Invoker, role string, q models.TranslatedQuery) (*models.InvocationResult, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	attemptCtx, span := telemetry.StartAttempt(attemptCtx, inv.Name(), role, false)

	start := time.Now()
	res, err := inv.Invoke(attemptCtx, q)
	err = o.normalize(ctx, attemptCtx, inv, err)
	telemetry.EndAttempt(span, err)

	slog.Debug("invocation attempt finished",
		"invoker", inv.Name(),
		"role", role,
		"conversation_id", q.ConversationID,
		"duration", time.Since(start),
		"error", err,
	)
	if err != nil {
		return nil, err
	}
	if res.ConversationID == "" {
		res.ConversationID = q.ConversationID
	}
	return res, nil
}

// stream forwards one attempt's events to out and reports whether any delta
// was delivered.
func (o *Orchestrator) stream(ctx context.Context, inv invoker.Invoker, role string, q models.TranslatedQuery, out chan<- models.Event) (bool, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	attemptCtx, span := telemetry.StartAttempt(attemptCtx, inv.Name(), role, true)

	events, err := inv.Stream(attemptCtx, q)
	if err != nil {
		err = o.normalize(ctx, attemptCtx, inv, err)
		telemetry.EndAttempt(span, err)
		return false, err
	}

	var (
		delivered bool
		result    *models.InvocationResult
	)
	for ev := range events {
		switch {
		case ev.Err != nil:
			err = ev.Err
		case ev.Done():
			result = ev.Result
		default:
			if !invoker.Send(ctx, out, ev) {
				cancel()
				for range events {
				}
				telemetry.EndAttempt(span, ctx.Err())
				return delivered, invoker.Transport(inv.Name(), ctx.Err())
			}
			delivered = true
		}
	}

	if err == nil && result == nil {
		err = invoker.Transport(inv.Name(), errors.New("stream ended without a result"))
	}
	err = o.normalize(ctx, attemptCtx, inv, err)
	telemetry.EndAttempt(span, err)
	if err != nil {
		return delivered, err
	}

	if result.ConversationID == "" {
		result.ConversationID = q.ConversationID
	}
	if !invoker.Send(ctx, out, models.Event{Result: result}) {
		return delivered, invoker.Transport(inv.Name(), ctx.Err())
	}
	return delivered, nil
}

// normalize turns an expired attempt deadline into ErrTimeout.
func (o *Orchestrator) normalize(ctx, attemptCtx context.Context, inv invoker.Invoker, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, invoker.ErrTimeout) {
		return invoker.Transport(inv.Name(), fmt.Errorf("%w after %s", invoker.ErrTimeout, o.timeout))
	}
	var be *invoker.BackendError
	if !errors.As(err, &be) {
		return invoker.Transport(inv.Name(), err)
	}
	return err
}

func logFallback(q models.TranslatedQuery, from, to invoker.Invoker, err error) {
	slog.Warn("primary invoker failed, falling back",
		"from", from.Name(),
		"to", to.Name(),
		"conversation_id", q.ConversationID,
		"error", err,
	)
}
