// Package errrecovery classifies transport errors into a recovery
// strategy, tracks per-device consecutive-failure and fallback state, and
// keeps a bounded circular log of recent events. The retry/backoff
// discipline is modelled on golaborate/comm's use of
// github.com/cenkalti/backoff around RemoteDevice.Open: there, a flaky TCP
// or serial handshake is retried with exponential backoff under a mutex;
// here the same package computes the delay for a flaky I2C transaction,
// one backoff sequence per device.
package errrecovery

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/bdube/muppetcv/i2ctransport"
)

// RecoveryStrategy is the action the worker loop must take in response to
// a classified error.
type RecoveryStrategy int

const (
	None RecoveryStrategy = iota
	RetryImmediate
	RetryWithDelay
	FallbackToSync
	ResetPeripheral
	SystemRestart
)

func (s RecoveryStrategy) String() string {
	switch s {
	case None:
		return "none"
	case RetryImmediate:
		return "retry-immediate"
	case RetryWithDelay:
		return "retry-with-delay"
	case FallbackToSync:
		return "fallback-to-sync"
	case ResetPeripheral:
		return "reset-peripheral"
	case SystemRestart:
		return "system-restart"
	default:
		return "unknown"
	}
}

// RearmAfterSuccesses is the number of consecutive successful sync
// transmissions after which a DAC in fallback is rearmed to DMA. This is a
// policy knob, not a load-bearing constant (see DESIGN.md open-question
// decisions).
const RearmAfterSuccesses = 10

// dmaErrorResetThreshold is the consecutive DmaError count past which
// ResetPeripheral is selected instead of a plain retry/fallback choice.
const dmaErrorResetThreshold = 5

// Config holds the tunables referenced by the classification table.
type Config struct {
	MaxTimeoutRetries int           // Timeout retry<max -> RetryWithDelay, else FallbackToSync
	BackoffBase       time.Duration // ExponentialBackOff.InitialInterval
	BackoffMax        time.Duration // ExponentialBackOff.MaxInterval
}

// DefaultConfig matches the teacher's backoff tuning for a flaky handshake,
// scaled down from TCP-reconnect timescales to I2C-transaction timescales.
func DefaultConfig() Config {
	return Config{
		MaxTimeoutRetries: 3,
		BackoffBase:       2 * time.Millisecond,
		BackoffMax:        50 * time.Millisecond,
	}
}

// Event is one classified error, retained in the circular log.
type Event struct {
	Device     int
	Kind       i2ctransport.ErrorKind
	RetryCount int
	Strategy   RecoveryStrategy
}

// Stats is the per-device bookkeeping exposed to the diagnostic surface.
type Stats struct {
	TotalOperations  uint64
	TotalErrors      uint64
	ConsecutiveErrors int
	FallbackActive    bool
	ConsecutiveFallbackSuccesses int
}

// ErrorRatePPM returns the integer-rounded parts-per-million error rate
// (§8 invariant 4): 0 when no operations have been recorded.
func (s Stats) ErrorRatePPM() uint64 {
	if s.TotalOperations == 0 {
		return 0
	}
	return (1_000_000*s.TotalErrors + s.TotalOperations/2) / s.TotalOperations
}

type device struct {
	stats Stats
	bo    *backoff.ExponentialBackOff
}

// Handler is the ErrorHandler: a pure decision function over
// (error_kind, retry_count, consecutive_error_count) backed by per-device
// state and a bounded circular event log.
type Handler struct {
	cfg Config

	mu      sync.Mutex
	devices []device
	log     []Event
	logCap  int
	logPos  int
	logLen  int
}

// New builds a Handler for n devices with a circular log of at least 16
// events (§4.3).
func New(n int, cfg Config) *Handler {
	const minLogCap = 16
	h := &Handler{
		cfg:     cfg,
		devices: make([]device, n),
		logCap:  minLogCap,
	}
	h.log = make([]Event, h.logCap)
	for i := range h.devices {
		h.devices[i].bo = h.newBackoff()
	}
	return h
}

func (h *Handler) newBackoff() *backoff.ExponentialBackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     h.cfg.BackoffBase,
		RandomizationFactor: 0.1,
		Multiplier:          2,
		MaxInterval:         h.cfg.BackoffMax,
		MaxElapsedTime:      0, // no ceiling on total elapsed retry time here; the worker owns the attempt budget
		Clock:               backoff.SystemClock,
	}
}

// Classify is the pure decision table of §4.3, applied to the named
// device's current consecutive-error count in addition to the caller's
// retry count for this attempt. It records the event and advances the
// device's consecutive-error and fallback bookkeeping.
func (h *Handler) Classify(deviceIdx int, kind i2ctransport.ErrorKind, retryCount int) RecoveryStrategy {
	h.mu.Lock()
	defer h.mu.Unlock()

	d := &h.devices[deviceIdx]
	d.stats.TotalOperations++
	d.stats.TotalErrors++
	d.stats.ConsecutiveErrors++
	d.stats.ConsecutiveFallbackSuccesses = 0

	strategy := classify(kind, retryCount, d.stats.ConsecutiveErrors)
	if kind == i2ctransport.ErrTimeout && retryCount >= h.cfg.MaxTimeoutRetries {
		strategy = FallbackToSync
	}

	if strategy == FallbackToSync {
		d.stats.FallbackActive = true
	}

	h.appendEvent(Event{Device: deviceIdx, Kind: kind, RetryCount: retryCount, Strategy: strategy})
	return strategy
}

func classify(kind i2ctransport.ErrorKind, retryCount, consecutive int) RecoveryStrategy {
	switch kind {
	case i2ctransport.ErrBusy:
		if retryCount < 2 {
			return RetryWithDelay
		}
		return FallbackToSync
	case i2ctransport.ErrTimeout:
		return RetryWithDelay // Handler.Classify turns this into FallbackToSync once retryCount reaches Config.MaxTimeoutRetries
	case i2ctransport.ErrNak:
		if retryCount < 3 {
			return RetryImmediate
		}
		return FallbackToSync
	case i2ctransport.ErrArbitrationLost:
		return RetryWithDelay
	case i2ctransport.ErrDmaError:
		if consecutive > dmaErrorResetThreshold {
			return ResetPeripheral
		}
		if retryCount < 2 {
			return RetryImmediate
		}
		return FallbackToSync
	case i2ctransport.ErrInvalidParameter, i2ctransport.ErrNotInitialized:
		return SystemRestart
	default:
		return RetryWithDelay
	}
}

// MaxTimeoutRetriesExceeded reports whether retryCount has reached
// Config.MaxTimeoutRetries, the threshold at which Classify selects
// FallbackToSync for a Timeout instead of RetryWithDelay. That threshold is
// a Config value rather than a fixed literal like the other rows.
func (h *Handler) MaxTimeoutRetriesExceeded(retryCount int) bool {
	return retryCount >= h.cfg.MaxTimeoutRetries
}

// RecordSuccess resets a device's consecutive-error counter and, if the
// device is in fallback, counts toward the rearm threshold.
func (h *Handler) RecordSuccess(deviceIdx int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d := &h.devices[deviceIdx]
	d.stats.TotalOperations++
	d.stats.ConsecutiveErrors = 0
	if d.stats.FallbackActive {
		d.stats.ConsecutiveFallbackSuccesses++
		if d.stats.ConsecutiveFallbackSuccesses >= RearmAfterSuccesses {
			d.stats.FallbackActive = false
			d.stats.ConsecutiveFallbackSuccesses = 0
		}
	}
}

// FallbackActive reports whether a device is currently routed through the
// sync transport.
func (h *Handler) FallbackActive(deviceIdx int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.devices[deviceIdx].stats.FallbackActive
}

// ForceFallback engages or clears fallback without going through Classify.
// Its caller is Orchestrator.ForceFallback, behind the diagnostic surface's
// /dac/{id}/fallback endpoint.
func (h *Handler) ForceFallback(deviceIdx int, active bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.devices[deviceIdx].stats.FallbackActive = active
	h.devices[deviceIdx].stats.ConsecutiveFallbackSuccesses = 0
}

// BackoffDelay returns the next exponential-backoff delay for a device,
// clamped and jittered per Config. Call ResetBackoff first if this is the first
// retry in a fresh attempt sequence.
func (h *Handler) BackoffDelay(deviceIdx int) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.devices[deviceIdx].bo.NextBackOff()
}

// ResetBackoff restarts a device's backoff sequence, called at the start of
// a new transaction's retry loop.
func (h *Handler) ResetBackoff(deviceIdx int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.devices[deviceIdx].bo.Reset()
}

// Stats returns a snapshot of a device's counters.
func (h *Handler) Stats(deviceIdx int) Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.devices[deviceIdx].stats
}

func (h *Handler) appendEvent(e Event) {
	h.log[h.logPos] = e
	h.logPos = (h.logPos + 1) % h.logCap
	if h.logLen < h.logCap {
		h.logLen++
	}
}

// RecentEvents returns up to the log's capacity most recent events, oldest
// first.
func (h *Handler) RecentEvents() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Event, h.logLen)
	start := (h.logPos - h.logLen + h.logCap) % h.logCap
	for i := 0; i < h.logLen; i++ {
		out[i] = h.log[(start+i)%h.logCap]
	}
	return out
}
