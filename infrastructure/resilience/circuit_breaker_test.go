package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCircuitBreaker_ClosedState(t *testing.T) {
	cb := New("cb1", KindSource, "s1", DefaultConfig(), nil)

	err := cb.Execute(context.Background(), func() error {
		return nil
	})

	if err != nil {
		t.Errorf("expected nil, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("expected closed, got %v", cb.State())
	}
}

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	cb := New("cb2", KindSource, "s1", Config{FailureThreshold: 3, RecoveryTimeout: time.Second, RollingWindow: time.Minute}, nil)
	testErr := errors.New("test error")

	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), func() error {
			return testErr
		})
	}

	if cb.State() != StateOpen {
		t.Errorf("expected open, got %v", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenClosesOnSingleSuccess(t *testing.T) {
	cb := New("cb3", KindSource, "s1", Config{FailureThreshold: 1, RecoveryTimeout: 10 * time.Millisecond, RollingWindow: time.Minute}, nil)

	_ = cb.Execute(context.Background(), func() error {
		return errors.New("fail")
	})

	time.Sleep(20 * time.Millisecond)

	_ = cb.Execute(context.Background(), func() error {
		return nil
	})

	if cb.State() != StateClosed {
		t.Errorf("expected closed after single success, got %v", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenReopensOnFailure(t *testing.T) {
	cb := New("cb4", KindSource, "s1", Config{FailureThreshold: 1, RecoveryTimeout: 10 * time.Millisecond, RollingWindow: time.Minute}, nil)

	_ = cb.Execute(context.Background(), func() error { return errors.New("fail") })
	time.Sleep(20 * time.Millisecond)
	_ = cb.Execute(context.Background(), func() error { return errors.New("fail again") })

	if cb.State() != StateOpen {
		t.Errorf("expected open after half-open probe failure, got %v", cb.State())
	}
}

func TestCircuitBreaker_RejectsWhenOpen(t *testing.T) {
	cb := New("cb5", KindSource, "s1", Config{FailureThreshold: 1, RecoveryTimeout: time.Hour, RollingWindow: time.Minute}, nil)

	_ = cb.Execute(context.Background(), func() error {
		return errors.New("fail")
	})

	err := cb.Execute(context.Background(), func() error {
		return nil
	})

	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := New("cb6", KindSource, "s1", Config{FailureThreshold: 1, RecoveryTimeout: time.Hour, RollingWindow: time.Minute}, nil)
	_ = cb.Execute(context.Background(), func() error { return errors.New("fail") })
	if cb.State() != StateOpen {
		t.Fatalf("expected open before reset")
	}
	cb.Reset("operator-1")
	if cb.State() != StateClosed {
		t.Errorf("expected closed after reset, got %v", cb.State())
	}
}

func TestCircuitBreaker_NotifiesOnTransition(t *testing.T) {
	transitions := make(chan Transition, 4)
	cb := New("cb7", KindTokenExchange, "", Config{FailureThreshold: 1, RecoveryTimeout: time.Hour, RollingWindow: time.Minute}, func(tr Transition) {
		transitions <- tr
	})
	_ = cb.Execute(context.Background(), func() error { return errors.New("fail") })

	select {
	case tr := <-transitions:
		if tr.From != StateClosed || tr.To != StateOpen {
			t.Errorf("unexpected transition %+v", tr)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for transition notification")
	}
}

func TestCircuitBreaker_ExecuteClassifiedSkipsNonCountedFailures(t *testing.T) {
	cb := New("cb8", KindSource, "s1", Config{FailureThreshold: 2, RecoveryTimeout: time.Hour, RollingWindow: time.Minute}, nil)
	notCounted := errors.New("ordinary 4xx")

	for i := 0; i < 5; i++ {
		err := cb.ExecuteClassified(context.Background(), func() error {
			return notCounted
		}, func(error) bool { return false })
		if !errors.Is(err, notCounted) {
			t.Fatalf("ExecuteClassified() error = %v, want %v", err, notCounted)
		}
	}

	if cb.State() != StateClosed {
		t.Errorf("expected closed after repeated non-counted errors, got %v", cb.State())
	}
	if cb.FailureCount() != 0 {
		t.Errorf("FailureCount() = %d, want 0", cb.FailureCount())
	}
}

func TestCircuitBreaker_ExecuteClassifiedCountsClassifiedFailures(t *testing.T) {
	cb := New("cb9", KindSource, "s1", Config{FailureThreshold: 2, RecoveryTimeout: time.Hour, RollingWindow: time.Minute}, nil)

	for i := 0; i < 2; i++ {
		_ = cb.ExecuteClassified(context.Background(), func() error {
			return errors.New("server error")
		}, func(error) bool { return true })
	}

	if cb.State() != StateOpen {
		t.Errorf("expected open after classified failures reach the threshold, got %v", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenRejectsConcurrentProbe(t *testing.T) {
	cb := New("cb10", KindSource, "s1", Config{FailureThreshold: 1, RecoveryTimeout: 10 * time.Millisecond, RollingWindow: time.Minute}, nil)

	_ = cb.Execute(context.Background(), func() error { return errors.New("fail") })
	time.Sleep(20 * time.Millisecond)

	if err := cb.Allow(); err != nil {
		t.Fatalf("Allow() error = %v, want nil for the first half-open probe", err)
	}
	if err := cb.Allow(); !errors.Is(err, ErrTooManyRequests) {
		t.Fatalf("Allow() error = %v, want ErrTooManyRequests for a second concurrent probe", err)
	}

	cb.RecordSuccess()
	if cb.State() != StateClosed {
		t.Fatalf("expected closed after the probe succeeds, got %v", cb.State())
	}
}
