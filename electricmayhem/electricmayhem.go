// Package electricmayhem is the orchestrator of §4.7: it owns the N
// MuppetStates and N worker loops, wires each to its slice of the input
// fabric and its transport stack, and fans the doorbell out to every
// worker in constant time. The owning-aggregate shape is modelled on
// golaborate/server's Server type, which likewise holds a fixed set of
// borrowed device handles for the lifetime of the process and exposes a
// single RouteTable-style surface over them; here the surface is
// RequestUpdate, Status and Shutdown instead of HTTP routes.
package electricmayhem

import (
	"context"
	"fmt"
	"time"

	"github.com/bdube/muppetcv/dacdriver"
	"github.com/bdube/muppetcv/drteeth"
	"github.com/bdube/muppetcv/errrecovery"
	"github.com/bdube/muppetcv/i2ctransport"
	"github.com/bdube/muppetcv/muppetstate"
	"github.com/bdube/muppetcv/watchdog"
	"github.com/bdube/muppetcv/worker"
)

// Mode selects the default transport a DAC's worker transacts over,
// per §4.7's set_mode.
type Mode int

const (
	// Dma prefers the asynchronous transport and falls back to sync on
	// repeated failure, the normal running mode.
	Dma Mode = iota
	// DmaRequired refuses Initialise if a DMA transport cannot be built for
	// every DAC; there is no silent sync fallback in this mode.
	DmaRequired
	// Sync pins every DAC to the blocking transport from boot, used for
	// bring-up on hardware whose DMA engine is not yet trusted.
	Sync
)

func (m Mode) String() string {
	switch m {
	case Dma:
		return "dma"
	case DmaRequired:
		return "dma-required"
	case Sync:
		return "sync"
	default:
		return "unknown"
	}
}

// Descriptor is the per-DAC runtime wiring the orchestrator needs to bring
// one DAC online: its board descriptor, the bus it rides, and the queue
// depth to give its DMA transport.
type Descriptor struct {
	Board          dacdriver.Descriptor
	Bus            i2ctransport.Bus
	DMAQueueDepth  int
	HandshakeRetry int
}

// Config holds the timing knobs from the configuration surface (§6) that
// are not per-DAC.
type Config struct {
	Mode              Mode
	WorkerSlice       time.Duration
	DMAPollEvery      time.Duration
	ForceRefresh      time.Duration
	ErrorRecovery     errrecovery.Config
	WatchdogThreshold time.Duration
}

// DefaultConfig matches the typical values named in §6: a cooperative
// slice in the hundreds of microseconds, a force-refresh period in the
// tens of milliseconds, and the errrecovery/watchdog defaults.
func DefaultConfig() Config {
	return Config{
		Mode:              Dma,
		WorkerSlice:       worker.DefaultConfig().Slice,
		DMAPollEvery:      worker.DefaultConfig().DMAPollEvery,
		ForceRefresh:      50 * time.Millisecond,
		ErrorRecovery:     errrecovery.DefaultConfig(),
		WatchdogThreshold: 20 * time.Millisecond,
	}
}

// dac bundles the per-DAC collaborators the orchestrator owns, grouped the
// way golaborate/server groups a device with the HTTP binder wrapped
// around it.
type dac struct {
	driver dacdriver.Driver
	desc   dacdriver.Descriptor
	state  *muppetstate.State
	loop   *worker.Loop
	dma    *i2ctransport.DMATransport
}

// Orchestrator is electric_mayhem: the aggregate that owns the input
// fabric, every MuppetState and every worker loop, for the lifetime of the
// process. Per §9's cyclic-reference note, it is the single owner that
// breaks the worker/state/driver/transport reference cycle; everything
// else receives a borrowed handle scoped to the Orchestrator's lifetime.
type Orchestrator struct {
	cfg     Config
	descs   []Descriptor
	fabric  *drteeth.InputFabric
	refresh *drteeth.ForceRefresher
	handler *errrecovery.Handler
	wd      *watchdog.Watchdog
	dacs    []*dac

	started bool
}

// New builds an Orchestrator for len(descs) DACs. Call Initialise to bring
// the hardware up and Start to begin running worker loops; New alone does
// no I/O.
func New(descs []Descriptor, cfg Config) (*Orchestrator, error) {
	n := len(descs)
	if n == 0 {
		return nil, fmt.Errorf("electricmayhem: at least one DAC descriptor is required")
	}

	o := &Orchestrator{
		cfg:     cfg,
		descs:   descs,
		fabric:  drteeth.New(),
		handler: errrecovery.New(n, cfg.ErrorRecovery),
		wd:      watchdog.New(n, cfg.WatchdogThreshold),
		dacs:    make([]*dac, n),
	}
	o.refresh = drteeth.NewForceRefresher(cfg.ForceRefresh, o)

	for i, d := range descs {
		if cfg.Mode == DmaRequired && d.Bus == nil {
			return nil, fmt.Errorf("electricmayhem: dac %d: DmaRequired mode but no bus supplied", i)
		}
		entry := &dac{
			driver: dacdriver.New(),
			desc:   d.Board,
			state:  muppetstate.New(),
		}
		if d.Bus != nil {
			entry.dma = i2ctransport.NewDMA(d.Bus, d.DMAQueueDepth)
		}
		o.dacs[i] = entry
	}
	return o, nil
}

// Initialise brings up every DAC driver per §4.7: it initialises each
// driver over a sync transport (a one-time boot transaction regardless of
// steady-state mode), then builds the worker loop for that DAC and, if
// cfg.Mode is Sync, pins it to the sync transport from the start. It
// matches the "initialise(&[DescriptorN])" step of the orchestrator
// contract.
func (o *Orchestrator) Initialise(ctx context.Context) error {
	workerCfg := worker.Config{Slice: o.cfg.WorkerSlice, DMAPollEvery: o.cfg.DMAPollEvery}

	for i, d := range o.descs {
		entry := o.dacs[i]
		syncT := i2ctransport.NewSync(d.Bus, d.HandshakeRetry)

		if err := entry.driver.Initialise(d.Board, syncT); err != nil {
			return fmt.Errorf("electricmayhem: dac %d: %w", i, err)
		}

		var dmaT i2ctransport.Async
		switch o.cfg.Mode {
		case Sync:
			entry.state.SetFallback(true)
			dmaT = syncT // the worker's Async interface call sites are unreachable once Fallback() is true, but must still be non-nil.
		case DmaRequired:
			if entry.dma == nil {
				return fmt.Errorf("electricmayhem: dac %d: DmaRequired mode but DMA transport unavailable", i)
			}
			dmaT = entry.dma
		default: // Dma
			if entry.dma != nil {
				dmaT = entry.dma
			} else {
				entry.state.SetFallback(true)
				dmaT = syncT
			}
		}

		entry.loop = worker.New(i, o.fabric, entry.state, entry.driver, d.Board, syncT, dmaT, o.handler, o.wd, workerCfg)
	}
	return nil
}

// Start launches every worker loop and the force-refresh ticker. Call
// after Initialise.
func (o *Orchestrator) Start(ctx context.Context) {
	for _, entry := range o.dacs {
		entry.loop.Start(ctx)
	}
	o.refresh.Start()
	o.started = true
}

// Shutdown stops the force-refresh ticker and every worker loop, and
// closes any DMA transports this Orchestrator owns. It is safe to call at
// most once.
func (o *Orchestrator) Shutdown() {
	if o.started {
		o.refresh.Stop()
		for _, entry := range o.dacs {
			entry.loop.Stop()
		}
		o.started = false
	}
	for _, entry := range o.dacs {
		if entry.dma != nil {
			entry.dma.Close()
		}
	}
}

// OnPitchBend is the single inbound callable of §6: it converts and stores
// a pitch-bend sample and, if the channel was in range, rings the
// doorbell for the owning DAC only (not every DAC, since §8 S3 requires an
// out-of-range write to produce no broadcast, and an in-range write only
// needs its own DAC retransmitted).
func (o *Orchestrator) OnPitchBend(channel1Based int, pitch uint16) {
	if !o.fabric.OnPitchBend(channel1Based, pitch) {
		return
	}
	dacIdx, _ := drteeth.Route(channel1Based - 1)
	if dacIdx >= 0 && dacIdx < len(o.dacs) {
		o.dacs[dacIdx].state.RequestUpdate()
	}
}

// RequestUpdate implements drteeth.UpdateRequester: the force-refresh
// ticker and any other fabric-wide caller use this to fan the doorbell out
// to every DAC unconditionally, which is the constant-time, lock-free
// operation §4.7 names.
func (o *Orchestrator) RequestUpdate() {
	for _, entry := range o.dacs {
		entry.state.RequestUpdate()
	}
}

// Fabric returns the input fabric, for collaborators that need to write
// directly by logical channel rather than through pitch-bend conversion.
func (o *Orchestrator) Fabric() *drteeth.InputFabric { return o.fabric }

// DACCount reports how many DACs this Orchestrator manages.
func (o *Orchestrator) DACCount() int { return len(o.dacs) }

// Fatal reports whether a given DAC's worker has exhausted every recovery
// strategy for some transaction (§4.7 failure semantics). The supervising
// program polls this to decide whether to restart the process; the other
// DACs keep running regardless of one DAC going fatal.
func (o *Orchestrator) Fatal(dacIndex int) bool {
	return o.dacs[dacIndex].state.Fatal()
}

// AnyFatal reports whether any DAC has gone fatal.
func (o *Orchestrator) AnyFatal() bool {
	for _, entry := range o.dacs {
		if entry.state.Fatal() {
			return true
		}
	}
	return false
}

// ForceFallback lets the validation harness force a DAC directly into or
// out of sync fallback, bypassing errrecovery's classification. Used by
// the diagnostic surface's /dac/{id}/fallback endpoint.
func (o *Orchestrator) ForceFallback(dacIndex int, active bool) {
	o.dacs[dacIndex].state.SetFallback(active)
	o.handler.ForceFallback(dacIndex, active)
}

// DACStatus is the diagnostic snapshot exposed for one DAC, aggregating
// its MuppetState flags, its errrecovery.Stats and its watchdog.Stats.
type DACStatus struct {
	Fallback bool
	Fatal    bool
	Buffer   muppetstate.Buffer
	Dirty    bool
	Sequence uint32
	Errors   errrecovery.Stats
	Watchdog watchdog.Stats
}

// Status returns a diagnostic snapshot for one DAC, used by the diagnostic
// HTTP surface and by tests.
func (o *Orchestrator) Status(dacIndex int) DACStatus {
	entry := o.dacs[dacIndex]
	buf, dirty, seq := entry.state.Snapshot()
	return DACStatus{
		Fallback: entry.state.Fallback(),
		Fatal:    entry.state.Fatal(),
		Buffer:   buf,
		Dirty:    dirty,
		Sequence: seq,
		Errors:   o.handler.Stats(dacIndex),
		Watchdog: o.wd.Snapshot(dacIndex),
	}
}

// SelfTest runs the startup self-test: it requests an update of every DAC
// from the input fabric as it stands (every channel at centre until
// something writes to it), waits up to one force-refresh period plus 200ms
// for every DAC to commit and transmit that request, and reports which DACs
// (if any) failed to converge. It is meant to run once at process start
// before accepting MIDI input, surfacing a wiring or bus fault before it
// becomes a silent stuck-output condition.
func (o *Orchestrator) SelfTest(ctx context.Context) []int {
	o.RequestUpdate()
	deadline := time.Now().Add(o.cfg.ForceRefresh + 200*time.Millisecond)
	var failed []int
	for i, entry := range o.dacs {
		target := entry.state.PendingSequence()
		ok := false
		for time.Now().Before(deadline) {
			_, dirty, committed := entry.state.Snapshot()
			if (!dirty && committed >= target) || entry.state.Fatal() {
				ok = !entry.state.Fatal()
				break
			}
			select {
			case <-ctx.Done():
				return append(failed, i)
			case <-time.After(time.Millisecond):
			}
		}
		if !ok {
			failed = append(failed, i)
		}
	}
	return failed
}

var _ drteeth.UpdateRequester = (*Orchestrator)(nil)
