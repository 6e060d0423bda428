package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"claude-bridge/internal/invoker"
	"claude-bridge/internal/models"
)

type fakeInvoker struct {
	name      string
	available bool
	err       error
	// deltas are streamed before err (if any) or the result
	deltas []string
	delay  time.Duration
	calls  int
}

func (f *fakeInvoker) Name() string    { return f.name }
func (f *fakeInvoker) Available() bool { return f.available }

func (f *fakeInvoker) Invoke(ctx context.Context, q models.TranslatedQuery) (*models.InvocationResult, error) {
	f.calls++
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, invoker.Transport(f.name, ctx.Err())
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &models.InvocationResult{
		Messages: []models.ContentMessage{models.TextMessage("from " + f.name)},
		Finished: true,
		Invoker:  f.name,
	}, nil
}

func (f *fakeInvoker) Stream(ctx context.Context, q models.TranslatedQuery) (<-chan models.Event, error) {
	f.calls++
	ch := make(chan models.Event)
	go func() {
		defer close(ch)
		for _, d := range f.deltas {
			if !invoker.Send(ctx, ch, models.Event{Text: d}) {
				return
			}
		}
		if f.err != nil {
			invoker.Send(ctx, ch, models.Event{Err: f.err})
			return
		}
		invoker.Send(ctx, ch, models.Event{Result: &models.InvocationResult{Finished: true, Invoker: f.name}})
	}()
	return ch, nil
}

func query() models.TranslatedQuery {
	return models.TranslatedQuery{ConversationID: "chatcmpl-test", Prompt: "Human: hi"}
}

func TestPrimarySelection(t *testing.T) {
	direct := &fakeInvoker{name: "direct", available: true}
	sub := &fakeInvoker{name: "subprocess", available: true}

	o, err := New(direct, sub, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.Join(o.Backends(), ","); got != "direct,subprocess" {
		t.Errorf("unexpected backends %q", got)
	}

	o, err = New(nil, sub, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.Join(o.Backends(), ","); got != "subprocess" {
		t.Errorf("unexpected backends %q", got)
	}

	if _, err := New(nil, nil, time.Second); !errors.Is(err, ErrNoInvoker) {
		t.Errorf("expected ErrNoInvoker, got %v", err)
	}
}

func TestShouldFallback(t *testing.T) {
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name string
		ctx  context.Context
		err  error
		want bool
	}{
		{"nil error", context.Background(), nil, false},
		{"transport", context.Background(), invoker.Transport("direct", errors.New("eof")), true},
		{"plain error", context.Background(), errors.New("eof"), true},
		{"terminal", context.Background(), invoker.Terminal("direct", errors.New("credit balance")), false},
		{"caller cancelled", cancelled, invoker.Transport("direct", context.Canceled), false},
	}
	for _, tt := range tests {
		if got := ShouldFallback(tt.ctx, tt.err); got != tt.want {
			t.Errorf("%s: ShouldFallback = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestExecutePrimarySuccess(t *testing.T) {
	direct := &fakeInvoker{name: "direct", available: true}
	sub := &fakeInvoker{name: "subprocess", available: true}
	o, _ := New(direct, sub, time.Second)

	res, err := o.Execute(context.Background(), query())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Invoker != "direct" || res.ConversationID != "chatcmpl-test" {
		t.Errorf("unexpected result %+v", res)
	}
	if sub.calls != 0 {
		t.Error("secondary must not be called on success")
	}
}

func TestExecuteFallsBackOnTransportError(t *testing.T) {
	direct := &fakeInvoker{name: "direct", available: true, err: invoker.Transport("direct", errors.New("connection reset"))}
	sub := &fakeInvoker{name: "subprocess", available: true}
	o, _ := New(direct, sub, time.Second)

	res, err := o.Execute(context.Background(), query())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Invoker != "subprocess" {
		t.Errorf("expected fallback result, got %+v", res)
	}
	if direct.calls != 1 || sub.calls != 1 {
		t.Errorf("expected one call each, got direct=%d subprocess=%d", direct.calls, sub.calls)
	}
}

func TestExecuteTerminalErrorDoesNotFallBack(t *testing.T) {
	direct := &fakeInvoker{name: "direct", available: true, err: invoker.Terminal("direct", errors.New("Your credit balance is too low"))}
	sub := &fakeInvoker{name: "subprocess", available: true}
	o, _ := New(direct, sub, time.Second)

	_, err := o.Execute(context.Background(), query())
	if !invoker.IsTerminal(err) {
		t.Fatalf("expected terminal error, got %v", err)
	}
	if sub.calls != 0 {
		t.Error("secondary must not be called after a terminal error")
	}
}

func TestExecuteSkipsUnavailableSecondary(t *testing.T) {
	direct := &fakeInvoker{name: "direct", available: true, err: invoker.Transport("direct", errors.New("eof"))}
	sub := &fakeInvoker{name: "subprocess", available: false}
	o, _ := New(direct, sub, time.Second)

	if _, err := o.Execute(context.Background(), query()); err == nil {
		t.Fatal("expected primary error")
	}
	if sub.calls != 0 {
		t.Error("unavailable secondary must not be called")
	}
}

func TestExecuteSingleHop(t *testing.T) {
	direct := &fakeInvoker{name: "direct", available: true, err: invoker.Transport("direct", errors.New("eof"))}
	sub := &fakeInvoker{name: "subprocess", available: true, err: invoker.Transport("subprocess", errors.New("exit 1"))}
	o, _ := New(direct, sub, time.Second)

	_, err := o.Execute(context.Background(), query())
	if err == nil || !strings.Contains(err.Error(), "exit 1") {
		t.Fatalf("expected secondary error, got %v", err)
	}
	if direct.calls != 1 || sub.calls != 1 {
		t.Errorf("expected exactly one hop, got direct=%d subprocess=%d", direct.calls, sub.calls)
	}
}

func TestExecuteTimeoutFallsBack(t *testing.T) {
	direct := &fakeInvoker{name: "direct", available: true, delay: time.Second}
	sub := &fakeInvoker{name: "subprocess", available: true}
	o, _ := New(direct, sub, 50*time.Millisecond)

	res, err := o.Execute(context.Background(), query())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Invoker != "subprocess" {
		t.Errorf("expected fallback after timeout, got %+v", res)
	}
}

func TestExecuteSecondaryTimeout(t *testing.T) {
	sub := &fakeInvoker{name: "subprocess", available: true, delay: time.Second}
	o, _ := New(nil, sub, 50*time.Millisecond)

	_, err := o.Execute(context.Background(), query())
	if !errors.Is(err, invoker.ErrTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestExecuteCallerCancelDoesNotFallBack(t *testing.T) {
	direct := &fakeInvoker{name: "direct", available: true, delay: time.Second}
	sub := &fakeInvoker{name: "subprocess", available: true}
	o, _ := New(direct, sub, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := o.Execute(ctx, query()); err == nil {
		t.Fatal("expected error")
	}
	if sub.calls != 0 {
		t.Error("caller cancellation must not trigger fallback")
	}
}

func collect(events <-chan models.Event) (deltas []string, final *models.InvocationResult, err error) {
	for ev := range events {
		switch {
		case ev.Err != nil:
			err = ev.Err
		case ev.Done():
			final = ev.Result
		default:
			deltas = append(deltas, ev.Text)
		}
	}
	return deltas, final, err
}

func TestStreamFallsBackBeforeFirstDelta(t *testing.T) {
	direct := &fakeInvoker{name: "direct", available: true, err: invoker.Transport("direct", errors.New("eof"))}
	sub := &fakeInvoker{name: "subprocess", available: true, deltas: []string{"Hi ", "there"}}
	o, _ := New(direct, sub, time.Second)

	deltas, final, err := collect(o.Stream(context.Background(), query()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Join(deltas, "") != "Hi there" {
		t.Errorf("unexpected deltas %q", deltas)
	}
	if final == nil || final.Invoker != "subprocess" || final.ConversationID != "chatcmpl-test" {
		t.Errorf("unexpected final result %+v", final)
	}
}

func TestStreamNoFallbackAfterDelta(t *testing.T) {
	direct := &fakeInvoker{name: "direct", available: true, deltas: []string{"partial"}, err: invoker.Transport("direct", errors.New("eof"))}
	sub := &fakeInvoker{name: "subprocess", available: true}
	o, _ := New(direct, sub, time.Second)

	deltas, final, err := collect(o.Stream(context.Background(), query()))
	if err == nil {
		t.Fatal("expected error event")
	}
	if len(deltas) != 1 || final != nil {
		t.Errorf("unexpected stream: deltas=%q final=%+v", deltas, final)
	}
	if sub.calls != 0 {
		t.Error("secondary must not run once output was delivered")
	}
}

func TestStreamTerminalError(t *testing.T) {
	direct := &fakeInvoker{name: "direct", available: true, err: invoker.Terminal("direct", errors.New("billing"))}
	sub := &fakeInvoker{name: "subprocess", available: true}
	o, _ := New(direct, sub, time.Second)

	_, _, err := collect(o.Stream(context.Background(), query()))
	if !invoker.IsTerminal(err) {
		t.Fatalf("expected terminal error, got %v", err)
	}
	if sub.calls != 0 {
		t.Error("secondary must not run after a terminal error")
	}
}
