package retry

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alephauto/alephauto/internal/eventbus"
	"github.com/alephauto/alephauto/internal/logger"
)

func TestOriginalIDStripsAllSuffixes(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"job-1", "job-1"},
		{"job-1-retry1", "job-1"},
		{"job-1-retry1-retry2", "job-1"},
		{"job-1-retry10-retry2-retry3", "job-1"},
	}
	for _, tc := range cases {
		if got := OriginalID(tc.in); got != tc.want {
			t.Errorf("OriginalID(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNonRetryableShortCircuits(t *testing.T) {
	c := New(Config{}, nil, logger.NewNop())
	called := false
	v := c.Handle("job-1", nil, errors.New("validation: bad field"), func(string, json.RawMessage) { called = true })
	if !v.Terminal {
		t.Fatal("expected terminal verdict for non-retryable error")
	}
	if called {
		t.Fatal("resubmit should not be called for non-retryable error")
	}
	if c.Attempts("job-1") != 0 {
		t.Fatal("no retry record should persist for non-retryable error")
	}
}

func TestNonRetryableDestroysRecordOnSuffixedID(t *testing.T) {
	c := New(Config{MaxAttempts: 10}, nil, logger.NewNop())
	c.Handle("job-1", nil, errors.New("dial tcp: connection refused"), func(string, json.RawMessage) {})
	if c.Attempts("job-1") != 1 {
		t.Fatalf("Attempts = %d, want 1 before the non-retryable failure", c.Attempts("job-1"))
	}

	v := c.Handle("job-1-retry1", nil, errors.New("validation: bad field"), func(string, json.RawMessage) {})
	if !v.Terminal {
		t.Fatal("expected terminal verdict for non-retryable error")
	}
	if c.Attempts("job-1") != 0 {
		t.Fatal("original id's retry record should be destroyed, not leaked under the suffixed id")
	}
}

func TestBackoffMonotonicity(t *testing.T) {
	bus := eventbus.New(8)
	events := bus.Subscribe("test", []string{"retry:scheduled"})
	c := New(Config{MaxAttempts: 100}, bus, logger.NewNop())

	resubmit := func(newID string, payload json.RawMessage) {}

	// "connection refused" classifies as network with a 5s base delay, so
	// the published delays are 5000, 10000 and 20000 ms.
	const baseMS = int64(5000)
	for i := 1; i <= 3; i++ {
		v := c.Handle("job-1", nil, errors.New("dial tcp: connection refused"), resubmit)
		if !v.Scheduled {
			t.Fatalf("attempt %d: expected scheduled verdict", i)
		}
		select {
		case evt := <-events:
			want := baseMS << uint(i-1)
			if got := evt.Payload.(map[string]interface{})["delay_ms"]; got != want {
				t.Fatalf("attempt %d: delay_ms = %v, want %d", i, got, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("attempt %d: no retry:scheduled event", i)
		}
	}

	if c.Attempts("job-1") != 3 {
		t.Fatalf("Attempts = %d, want 3", c.Attempts("job-1"))
	}
	c.CancelAll()
}

func TestCircuitBreakerAbsoluteCap(t *testing.T) {
	c := New(Config{MaxAttempts: 100}, nil, logger.NewNop())
	var terminalAt int
	for i := 1; i <= AbsoluteMax+2; i++ {
		v := c.Handle("job-1", nil, errors.New("dial tcp: connection refused"), func(string, json.RawMessage) {})
		if v.Terminal {
			terminalAt = i
			break
		}
	}
	if terminalAt != AbsoluteMax {
		t.Fatalf("terminal at attempt %d, want %d", terminalAt, AbsoluteMax)
	}
	if c.Attempts("job-1") != 0 {
		t.Fatal("record should be destroyed after absolute cap breach")
	}
}

func TestConfiguredCapBreach(t *testing.T) {
	c := New(Config{MaxAttempts: 2}, nil, logger.NewNop())
	v1 := c.Handle("job-1", nil, errors.New("dial tcp: connection refused"), func(string, json.RawMessage) {})
	if !v1.Scheduled {
		t.Fatal("first attempt should be scheduled")
	}
	v2 := c.Handle("job-1", nil, errors.New("dial tcp: connection refused"), func(string, json.RawMessage) {})
	if !v2.Terminal {
		t.Fatal("second attempt should breach the configured cap of 2")
	}
}

func TestCancelStopsTimer(t *testing.T) {
	c := New(Config{MaxAttempts: 5, DefaultBaseDelay: time.Hour}, nil, logger.NewNop())
	called := make(chan struct{}, 1)
	c.Handle("job-1", nil, errors.New("dial tcp: connection refused"), func(string, json.RawMessage) {
		called <- struct{}{}
	})
	c.Cancel("job-1")

	select {
	case <-called:
		t.Fatal("resubmit fired after cancellation")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRetryKeyAggregatesAcrossChain(t *testing.T) {
	c := New(Config{MaxAttempts: 10}, nil, logger.NewNop())
	c.Handle("job-1", nil, errors.New("dial tcp: connection refused"), func(string, json.RawMessage) {})
	c.Handle("job-1-retry1", nil, errors.New("dial tcp: connection refused"), func(string, json.RawMessage) {})
	c.Handle("job-1-retry1-retry2", nil, errors.New("dial tcp: connection refused"), func(string, json.RawMessage) {})

	if c.Attempts("job-1") != 3 {
		t.Fatalf("Attempts = %d, want 3 aggregated under the original id", c.Attempts("job-1"))
	}
}
