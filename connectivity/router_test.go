package connectivity

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegisterLocal_and_Call(t *testing.T) {
	r := New(WithLogger(quietLogger()))
	called := false
	r.RegisterLocal("tab-1", func(ctx context.Context, payload []byte) ([]byte, error) {
		called = true
		return payload, nil
	})

	resp, err := r.Call(context.Background(), "tab-1", []byte("hello"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler not called")
	}
	if string(resp) != "hello" {
		t.Fatalf("got %q, want %q", resp, "hello")
	}
}

func TestCall_NotRegistered(t *testing.T) {
	r := New(WithLogger(quietLogger()))
	_, err := r.Call(context.Background(), "tab-9", nil)
	var nr *ErrNotRegistered
	if !errors.As(err, &nr) {
		t.Fatalf("expected ErrNotRegistered, got %T: %v", err, err)
	}
	if nr.ID != "tab-9" {
		t.Fatalf("got id %q", nr.ID)
	}
}

func TestUnregister(t *testing.T) {
	r := New(WithLogger(quietLogger()))
	r.RegisterLocal("a", func(context.Context, []byte) ([]byte, error) { return nil, nil })
	r.RegisterLocal("b", func(context.Context, []byte) ([]byte, error) { return nil, nil })

	if ids := r.IDs(); len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("ids: %v", ids)
	}
	if !r.Unregister("a") {
		t.Fatal("Unregister(a) = false")
	}
	if r.Unregister("a") {
		t.Fatal("second Unregister(a) = true")
	}
	if r.Has("a") || !r.Has("b") {
		t.Fatal("Has mismatch after unregister")
	}
}

func TestRegisterLocal_Replaces(t *testing.T) {
	r := New(WithLogger(quietLogger()))
	r.RegisterLocal("x", func(context.Context, []byte) ([]byte, error) { return []byte("old"), nil })
	r.RegisterLocal("x", func(context.Context, []byte) ([]byte, error) { return []byte("new"), nil })

	resp, err := r.Call(context.Background(), "x", nil)
	if err != nil || string(resp) != "new" {
		t.Fatalf("got %q, %v", resp, err)
	}
}

func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) HandlerMiddleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, p []byte) ([]byte, error) {
				order = append(order, name)
				return next(ctx, p)
			}
		}
	}
	h := Chain(mw("a"), mw("b"))(func(context.Context, []byte) ([]byte, error) {
		order = append(order, "h")
		return nil, nil
	})
	h(context.Background(), nil)

	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "h" {
		t.Fatalf("order: %v", order)
	}
}

func TestRecovery(t *testing.T) {
	r := New(WithLogger(quietLogger()), WithMiddleware(Recovery(quietLogger())))
	r.RegisterLocal("boom", func(context.Context, []byte) ([]byte, error) {
		panic("kaboom")
	})

	_, err := r.Call(context.Background(), "boom", nil)
	var p *ErrPanic
	if !errors.As(err, &p) {
		t.Fatalf("expected ErrPanic, got %T: %v", err, err)
	}
	if p.Value != "kaboom" {
		t.Fatalf("panic value: %v", p.Value)
	}
}

func TestTimeout(t *testing.T) {
	h := Timeout(20 * time.Millisecond)(func(ctx context.Context, _ []byte) ([]byte, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
			return []byte("late"), nil
		}
	})

	start := time.Now()
	_, err := h(context.Background(), nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want DeadlineExceeded", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("timeout did not release the caller")
	}
}

func TestTimeout_PanicInHandler(t *testing.T) {
	logger := quietLogger()
	r := New(WithLogger(logger), WithMiddleware(
		Recovery(logger),
		Logging(logger),
		Timeout(time.Second),
	))
	r.RegisterLocal("boom", func(context.Context, []byte) ([]byte, error) {
		panic("boom")
	})

	_, err := r.Call(context.Background(), "boom", nil)
	var p *ErrPanic
	if !errors.As(err, &p) {
		t.Fatalf("expected ErrPanic, got %T: %v", err, err)
	}
	if p.Value != "boom" || len(p.Stack) == 0 {
		t.Fatalf("panic: value=%v stack=%d bytes", p.Value, len(p.Stack))
	}

	r.RegisterLocal("ok", func(_ context.Context, payload []byte) ([]byte, error) {
		return payload, nil
	})
	if resp, err := r.Call(context.Background(), "ok", []byte("x")); err != nil || string(resp) != "x" {
		t.Fatalf("bus unusable after panic: %q %v", resp, err)
	}
}

func TestLogging_PassesThrough(t *testing.T) {
	want := errors.New("nope")
	h := Logging(quietLogger())(func(context.Context, []byte) ([]byte, error) {
		return nil, want
	})
	if _, err := h(context.Background(), []byte("x")); !errors.Is(err, want) {
		t.Fatalf("got %v", err)
	}
}
