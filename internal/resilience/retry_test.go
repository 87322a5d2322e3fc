package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/masserfx/steelflow/internal/model"
)

func TestDoVal_SuccessOnFirstAttempt(t *testing.T) {
	var calls int
	got, err := DoVal(context.Background(), DefaultRetryConfig(), func(_ context.Context) (int, error) {
		calls++
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 42 || calls != 1 {
		t.Errorf("got %d after %d calls", got, calls)
	}
}

func TestDo_SuccessAfterRetry(t *testing.T) {
	var calls int
	cfg := RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}

	err := Do(context.Background(), cfg, func(_ context.Context) error {
		calls++
		if calls < 3 {
			return NewTransientError(errors.New("temporary"), 503)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_PermanentError_NoRetry(t *testing.T) {
	var calls int
	cfg := RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond}

	err := Do(context.Background(), cfg, func(_ context.Context) error {
		calls++
		return NewPermanentError(errors.New("malformed payload"))
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call for permanent error, got %d", calls)
	}
}

func TestDo_PermanentWinsOverTransientWrapping(t *testing.T) {
	// A permanent error wrapped inside a transient chain must not retry.
	inner := NewPermanentError(errors.New("bad input"))
	if IsTransient(inner) {
		t.Fatal("permanent error must not be transient")
	}
	if !IsPermanent(inner) {
		t.Fatal("expected IsPermanent")
	}
}

func TestDo_ContextCancelled_StopsRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	cfg := RetryConfig{MaxAttempts: 5, BaseDelay: 20 * time.Millisecond, MaxDelay: 50 * time.Millisecond}

	err := Do(ctx, cfg, func(_ context.Context) error {
		calls++
		if calls == 2 {
			cancel()
		}
		return NewTransientError(errors.New("fail"), 500)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls > 3 {
		t.Errorf("expected <= 3 calls after cancel, got %d", calls)
	}
}

func TestIsTransient_Patterns(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("i/o timeout"), true},
		{errors.New("rate limit exceeded"), true},
		{errors.New("connection reset by peer while reading"), true},
		{errors.New("invalid JSON in response"), false},
		{NewTransientError(errors.New("whatever"), 429), true},
		{NewPermanentError(errors.New("i/o timeout")), false},
	}
	for _, c := range cases {
		if got := IsTransient(c.err); got != c.want {
			t.Errorf("IsTransient(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		if !IsTransientHTTPStatus(code) {
			t.Errorf("status %d should be transient", code)
		}
	}
	for _, code := range []int{200, 400, 401, 404, 422} {
		if IsTransientHTTPStatus(code) {
			t.Errorf("status %d should not be transient", code)
		}
	}
}

func TestPolicyFor_StageCaps(t *testing.T) {
	fast := PolicyFor(model.StageIngest)
	ai := PolicyFor(model.StageClassify)
	if fast.MaxAttempts <= ai.MaxAttempts {
		t.Errorf("cheap stages must get more attempts than model-bound stages: %d vs %d",
			fast.MaxAttempts, ai.MaxAttempts)
	}
	if ai.Timeout <= fast.Timeout {
		t.Errorf("model-bound stages need the longer timeout: %v vs %v", ai.Timeout, fast.Timeout)
	}
}

func TestPolicyDelay_Increases(t *testing.T) {
	p := Policy{MaxAttempts: 4, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Hour}
	var prev time.Duration
	for attempt := 0; attempt < 4; attempt++ {
		d := p.Delay(attempt)
		if d <= prev {
			t.Errorf("delay must strictly increase without jitter: attempt %d gave %v after %v", attempt, d, prev)
		}
		prev = d
	}
}

func TestPolicyDelay_Capped(t *testing.T) {
	p := Policy{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: 4 * time.Second}
	if d := p.Delay(8); d > 4*time.Second {
		t.Errorf("delay %v exceeds cap", d)
	}
}
