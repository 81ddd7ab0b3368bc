// Package worker implements the cooperative per-DAC loop of §4.5: on
// request, it snapshots its slice of the input fabric, commits it to its
// MuppetState, pushes it to its DAC through the transport, and republishes
// on sequence change. Go has no literal cooperative scheduler, so this
// loop runs as its own goroutine and yields at the same four suspension
// points spec.md §5 names (the doorbell wait, the DMA poll, the backoff
// delay, and — outside this package — the MIDI read): it never sleeps or
// blocks while holding state's mutex, only between iterations. The
// wait/act/yield shape is grounded on golaborate/comm/comm2.go's
// connection-pool goroutine loop.
package worker

import (
	"context"
	"time"

	"github.com/bdube/muppetcv/dacdriver"
	"github.com/bdube/muppetcv/drteeth"
	"github.com/bdube/muppetcv/errrecovery"
	"github.com/bdube/muppetcv/i2ctransport"
	"github.com/bdube/muppetcv/muppetstate"
	"github.com/bdube/muppetcv/watchdog"
)

// Config holds the per-worker timing knobs from the configuration surface
// (§6): how long to sleep between doorbell checks (the cooperative "thread
// slice"), and how often to poll a DMA transaction.
type Config struct {
	Slice        time.Duration
	DMAPollEvery time.Duration
}

// DefaultConfig matches spec.md §4.7's "cooperative slice of ~10us",
// scaled up slightly since a Go goroutine sleeping for 10us busy-spins the
// scheduler; 200us keeps CPU use reasonable while staying well under the
// force-refresh period.
func DefaultConfig() Config {
	return Config{Slice: 200 * time.Microsecond, DMAPollEvery: 100 * time.Microsecond}
}

// Loop is the WorkerLoop for one DAC.
type Loop struct {
	dacIndex int
	fabric   *drteeth.InputFabric
	state    *muppetstate.State
	driver   dacdriver.Driver
	desc     dacdriver.Descriptor
	sync     i2ctransport.Sync
	dma      i2ctransport.Async
	handler  *errrecovery.Handler
	watchdog *watchdog.Watchdog
	cfg      Config

	stop chan struct{}
	done chan struct{}
}

// New builds a Loop for one DAC. fabric and state are borrowed handles
// owned by the orchestrator; the Loop never outlives it. desc is the
// board wiring driver.Initialise was (or will be) called with, retained
// so a ResetPeripheral recovery can re-initialise against the same
// address and latch rather than a zero Descriptor.
func New(dacIndex int, fabric *drteeth.InputFabric, state *muppetstate.State, driver dacdriver.Driver, desc dacdriver.Descriptor,
	sync i2ctransport.Sync, dma i2ctransport.Async, handler *errrecovery.Handler, wd *watchdog.Watchdog, cfg Config) *Loop {
	return &Loop{
		dacIndex: dacIndex,
		fabric:   fabric,
		state:    state,
		driver:   driver,
		desc:     desc,
		sync:     sync,
		dma:      dma,
		handler:  handler,
		watchdog: wd,
		cfg:      cfg,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the loop in its own goroutine until ctx is done or Stop is
// called.
func (l *Loop) Start(ctx context.Context) {
	go l.run(ctx)
}

// Stop asks the loop to exit and waits for it to do so.
func (l *Loop) Stop() {
	close(l.stop)
	<-l.done
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)
	ticker := time.NewTicker(l.cfg.Slice)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		case <-ticker.C:
		}

		if l.state.Fatal() {
			continue
		}

		pending, ok := l.state.TakeRequest()
		if !ok {
			continue
		}
		l.commitAndTransmit(pending)
	}
}

// commitAndTransmit is steps 2-9 of §4.5 for a single observed request. If
// a newer request arrives while this one is in flight, the doorbell is
// already armed again by the time this returns, so the next loop
// iteration picks it up — that is step 9's "loop back immediately".
func (l *Loop) commitAndTransmit(pending uint32) {
	buf := l.fabric.SnapshotDAC(l.dacIndex)
	l.state.Commit(buf, pending)

	desc := l.driver.EncodeValues(buf)

	if l.transactWithRecovery(desc) {
		// Pulse the latch so the committed vector is released to the
		// outputs atomically at the device (§4.5 step 8).
		_ = l.driver.Disable()
		_ = l.driver.Enable()
		l.state.ClearDirty()
	} else {
		l.state.SetFatal()
	}
}

// transactWithRecovery runs the retry loop of §4.5 step 7 / §4.3, trying
// the transaction until it succeeds, a fallback-to-sync transaction
// succeeds, or a peripheral reset succeeds. It returns false only when
// every recovery avenue has been exhausted, which the caller escalates to
// the fatal flag (§4.7 failure semantics).
func (l *Loop) transactWithRecovery(desc i2ctransport.Descriptor) bool {
	l.handler.ResetBackoff(l.dacIndex)
	retryCount := 0
	for {
		l.watchdog.Start(l.dacIndex)
		err := l.transactOnce(desc)
		l.watchdog.Stop(l.dacIndex)

		if err == nil {
			l.handler.RecordSuccess(l.dacIndex)
			if l.state.Fallback() && !l.handler.FallbackActive(l.dacIndex) {
				// RecordSuccess just crossed RearmAfterSuccesses consecutive
				// sync transmissions; route this DAC back to DMA (§8 S6).
				l.state.SetFallback(false)
			}
			return true
		}

		kind := classifyErr(err)
		strategy := l.handler.Classify(l.dacIndex, kind, retryCount)
		if kind == i2ctransport.ErrTimeout && !l.handler.MaxTimeoutRetriesExceeded(retryCount) {
			strategy = errrecovery.RetryWithDelay
		}

		switch strategy {
		case errrecovery.RetryImmediate:
			retryCount++
		case errrecovery.RetryWithDelay:
			time.Sleep(l.handler.BackoffDelay(l.dacIndex))
			retryCount++
		case errrecovery.FallbackToSync:
			l.state.SetFallback(true)
			retryCount = 0
		case errrecovery.ResetPeripheral:
			ok := l.resetPeripheral()
			l.watchdog.RecordRecovery(l.dacIndex, ok)
			if !ok {
				return false
			}
			retryCount = 0
		case errrecovery.SystemRestart, errrecovery.None:
			return false
		}
	}
}

// transactOnce issues one transaction on whichever transport the DAC is
// currently routed through (§4.5 step 6) and waits for its outcome,
// yielding between polls rather than spinning (one of the four
// suspension points of §5).
func (l *Loop) transactOnce(desc i2ctransport.Descriptor) error {
	if l.state.Fallback() {
		return l.sync.WriteSync(desc)
	}
	id, err := l.dma.Start(desc)
	if err != nil {
		return err
	}
	for {
		st, kind := l.dma.Poll(id)
		switch st {
		case i2ctransport.Complete:
			return nil
		case i2ctransport.Failed:
			return &i2ctransport.TransportError{Kind: kind, Op: "transactOnce"}
		default:
			time.Sleep(l.cfg.DMAPollEvery)
		}
	}
}

// resetPeripheral re-runs driver initialisation over the sync transport,
// the bus being presumed quiescent enough for a blocking handshake after a
// persistent DmaError.
func (l *Loop) resetPeripheral() bool {
	err := l.driver.Initialise(l.desc, l.sync)
	return err == nil
}

func classifyErr(err error) i2ctransport.ErrorKind {
	if te, ok := err.(*i2ctransport.TransportError); ok {
		return te.Kind
	}
	return i2ctransport.ErrDmaError
}
