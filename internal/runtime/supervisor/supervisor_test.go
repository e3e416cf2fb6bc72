package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestSupervisorSharedCancellation(t *testing.T) {
	sup := NewSupervisor(context.Background())
	var exited atomic.Int32
	for i := 0; i < 3; i++ {
		sup.Go0("worker", func(ctx context.Context) {
			<-ctx.Done()
			exited.Add(1)
		})
	}
	sup.Cancel()
	sup.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if exited.Load() != 3 {
		t.Fatalf("exited = %d, want 3", exited.Load())
	}
	select {
	case <-sup.Done():
	default:
		t.Fatal("Done not closed after Wait")
	}
}

func TestSupervisorRecoversPanic(t *testing.T) {
	sup := NewSupervisor(context.Background(), WithCancelOnError(true))
	sup.Go("boom", func(ctx context.Context) error { panic("kaboom") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := sup.Wait(ctx)
	if err == nil || !strings.Contains(err.Error(), "panic in boom: kaboom") {
		t.Fatalf("Wait err = %v", err)
	}
	if sup.Context().Err() == nil {
		t.Fatal("expected cancel on error")
	}
}

func TestSupervisorIgnoresContextCanceled(t *testing.T) {
	sup := NewSupervisor(context.Background())
	sup.Go("clean", func(ctx context.Context) error { return context.Canceled })
	sup.Go("real", func(ctx context.Context) error { return errors.New("bad") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := sup.Wait(ctx)
	if err == nil || err.Error() != "real: bad" {
		t.Fatalf("Wait err = %v", err)
	}
}

func TestGoRestartRestartsUntilCancel(t *testing.T) {
	sup := NewSupervisor(context.Background())
	var runs atomic.Int32
	sup.GoRestart("flaky", time.Millisecond, 2*time.Millisecond, func(ctx context.Context) error {
		if runs.Add(1) >= 3 {
			<-ctx.Done()
			return ctx.Err()
		}
		return errors.New("transient")
	})

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if runs.Load() < 3 {
		t.Fatalf("runs = %d, want >= 3", runs.Load())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
