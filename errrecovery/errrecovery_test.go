package errrecovery_test

import (
	"testing"
	"time"

	"github.com/bdube/muppetcv/errrecovery"
	"github.com/bdube/muppetcv/i2ctransport"
)

func TestClassifyTable(t *testing.T) {
	cases := []struct {
		name        string
		kind        i2ctransport.ErrorKind
		retry       int
		consecutive int
		want        errrecovery.RecoveryStrategy
	}{
		{"busy low retry", i2ctransport.ErrBusy, 0, 1, errrecovery.RetryWithDelay},
		{"busy high retry", i2ctransport.ErrBusy, 2, 3, errrecovery.FallbackToSync},
		{"nak low retry", i2ctransport.ErrNak, 2, 3, errrecovery.RetryImmediate},
		{"nak high retry", i2ctransport.ErrNak, 3, 4, errrecovery.FallbackToSync},
		{"arbitration lost", i2ctransport.ErrArbitrationLost, 0, 1, errrecovery.RetryWithDelay},
		{"dma error escalates", i2ctransport.ErrDmaError, 0, 6, errrecovery.ResetPeripheral},
		{"dma error retries", i2ctransport.ErrDmaError, 0, 1, errrecovery.RetryImmediate},
		{"invalid parameter", i2ctransport.ErrInvalidParameter, 0, 0, errrecovery.SystemRestart},
		{"not initialized", i2ctransport.ErrNotInitialized, 0, 0, errrecovery.SystemRestart},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h := errrecovery.New(1, errrecovery.DefaultConfig())
			// Drive ConsecutiveErrors up to c.consecutive-1 first so the
			// Classify call under test observes c.consecutive.
			for i := 1; i < c.consecutive; i++ {
				h.Classify(0, i2ctransport.ErrNak, 0)
			}
			got := h.Classify(0, c.kind, c.retry)
			if got != c.want {
				t.Errorf("Classify(%v, retry=%d, consecutive=%d) = %v, want %v", c.kind, c.retry, c.consecutive, got, c.want)
			}
		})
	}
}

func TestFallbackAndRearm(t *testing.T) {
	h := errrecovery.New(1, errrecovery.DefaultConfig())
	// Four consecutive Naks: classify rules give RetryImmediate for
	// retry 0, 1 and 2, then FallbackToSync on the fourth (retry==3).
	h.Classify(0, i2ctransport.ErrNak, 0)
	h.Classify(0, i2ctransport.ErrNak, 1)
	h.Classify(0, i2ctransport.ErrNak, 2)
	strategy := h.Classify(0, i2ctransport.ErrNak, 3)
	if strategy != errrecovery.FallbackToSync {
		t.Fatalf("expected FallbackToSync on the 4th Nak, got %v", strategy)
	}
	if !h.FallbackActive(0) {
		t.Fatal("fallback should now be active")
	}

	for i := 0; i < errrecovery.RearmAfterSuccesses-1; i++ {
		h.RecordSuccess(0)
		if !h.FallbackActive(0) {
			t.Fatalf("fallback should stay active after %d successes", i+1)
		}
	}
	h.RecordSuccess(0)
	if h.FallbackActive(0) {
		t.Fatalf("fallback should rearm after %d successes", errrecovery.RearmAfterSuccesses)
	}
}

func TestRecordSuccessResetsConsecutiveErrors(t *testing.T) {
	h := errrecovery.New(1, errrecovery.DefaultConfig())
	h.Classify(0, i2ctransport.ErrBusy, 0)
	h.Classify(0, i2ctransport.ErrBusy, 1)
	if h.Stats(0).ConsecutiveErrors != 2 {
		t.Fatalf("ConsecutiveErrors = %d, want 2", h.Stats(0).ConsecutiveErrors)
	}
	h.RecordSuccess(0)
	if h.Stats(0).ConsecutiveErrors != 0 {
		t.Fatalf("ConsecutiveErrors after success = %d, want 0", h.Stats(0).ConsecutiveErrors)
	}
}

func TestErrorRatePPM(t *testing.T) {
	h := errrecovery.New(1, errrecovery.DefaultConfig())
	h.Classify(0, i2ctransport.ErrBusy, 0) // 1 op, 1 error
	for i := 0; i < 9; i++ {
		h.RecordSuccess(0) // 9 more ops, 0 errors
	}
	st := h.Stats(0)
	if st.TotalOperations != 10 || st.TotalErrors != 1 {
		t.Fatalf("got ops=%d errors=%d, want 10/1", st.TotalOperations, st.TotalErrors)
	}
	if ppm := st.ErrorRatePPM(); ppm != 100000 {
		t.Errorf("ErrorRatePPM = %d, want 100000", ppm)
	}
}

func TestRecentEventsCircularLog(t *testing.T) {
	h := errrecovery.New(1, errrecovery.DefaultConfig())
	for i := 0; i < 20; i++ {
		h.Classify(0, i2ctransport.ErrBusy, 0)
	}
	events := h.RecentEvents()
	if len(events) != 16 {
		t.Fatalf("log length = %d, want 16 (bounded capacity)", len(events))
	}
}

func TestBackoffDelayClampedToMax(t *testing.T) {
	cfg := errrecovery.Config{MaxTimeoutRetries: 3, BackoffBase: time.Millisecond, BackoffMax: 5 * time.Millisecond}
	h := errrecovery.New(1, cfg)
	h.ResetBackoff(0)
	var max time.Duration
	for i := 0; i < 10; i++ {
		d := h.BackoffDelay(0)
		if d > max {
			max = d
		}
	}
	if max > cfg.BackoffMax+cfg.BackoffMax/10+time.Millisecond {
		t.Errorf("observed delay %v exceeds configured max %v by more than jitter allowance", max, cfg.BackoffMax)
	}
}
