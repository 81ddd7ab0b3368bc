// Package muppetstate holds the per-DAC shared cell described in §4.5: a
// local buffer, a dirty flag, a mutex guarding the pair, a doorbell, a
// sequence number, and a fallback flag. It is the sole piece of mutable
// state a worker and the orchestrator share, modelled on the embedded
// fields + sync.Mutex shape of golaborate/comm's RemoteDevice (Addr,
// Conn, lastComm guarded by an embedded Mutex), generalized to the
// buffer+dirty+sequence triple this module needs.
package muppetstate

import (
	"sync"
	"sync/atomic"

	"github.com/bdube/muppetcv/sample"
)

// ChannelsPerDAC matches drteeth.ChannelsPerDAC; duplicated as an untyped
// constant here to avoid an import cycle (drteeth depends on sample only,
// muppetstate depends on sample only, and worker ties the two together).
const ChannelsPerDAC = 8

// Buffer is the fixed-size local snapshot transmitted or last transmitted
// to one DAC.
type Buffer [ChannelsPerDAC]sample.Sample

// State is one DAC's MuppetState.
type State struct {
	// pendingSequence and updateRequested are the producer->worker
	// doorbell: written by the orchestrator's RequestUpdate, read and
	// cleared by the worker. Simple enough to be atomics per §9.
	pendingSequence uint32
	updateRequested int32

	// fallbackActive and fatal are likewise atomics: single booleans
	// toggled from one side and read from the other, never updated as a
	// pair with anything else.
	fallbackActive int32
	fatal          int32

	// mu guards localBuffer, dirty and committedSequence together: the
	// worker updates all three as one unit when it commits a snapshot.
	mu                sync.Mutex
	localBuffer       Buffer
	dirty             bool
	committedSequence uint32
}

// New returns a State with every channel at centre and nothing pending.
func New() *State {
	s := &State{}
	for i := range s.localBuffer {
		s.localBuffer[i] = sample.Centre
	}
	return s
}

// RequestUpdate increments the pending sequence and arms the doorbell. It
// is lock-free and constant-time, as the orchestrator's fan-out requires.
// It returns the new pending sequence.
func (s *State) RequestUpdate() uint32 {
	seq := atomic.AddUint32(&s.pendingSequence, 1)
	atomic.StoreInt32(&s.updateRequested, 1)
	return seq
}

// TakeRequest reports whether an update is pending and, if so, clears the
// doorbell and returns the pending sequence the worker should commit.
func (s *State) TakeRequest() (pending uint32, ok bool) {
	if !atomic.CompareAndSwapInt32(&s.updateRequested, 1, 0) {
		return 0, false
	}
	return atomic.LoadUint32(&s.pendingSequence), true
}

// PendingSequence reads the current pending sequence without consuming the
// doorbell, used after a transaction finishes to decide whether a newer
// request arrived mid-transaction (§4.5 step 9).
func (s *State) PendingSequence() uint32 {
	return atomic.LoadUint32(&s.pendingSequence)
}

// Commit copies buf into the local buffer, marks it dirty and records
// committedSequence, all under the mutex as one unit. A worker must only
// call this with a pending sequence newer than the one it last committed;
// the worker loop enforces that ordering, not this type.
func (s *State) Commit(buf Buffer, pending uint32) {
	s.mu.Lock()
	s.localBuffer = buf
	s.dirty = true
	s.committedSequence = pending
	s.mu.Unlock()
}

// ClearDirty marks the local buffer as fully transmitted.
func (s *State) ClearDirty() {
	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()
}

// Snapshot returns a consistent view of the local buffer, dirty flag and
// committed sequence. Per §8 invariant 2, a reader observing dirty==false
// always sees a buffer consistent with the returned committed sequence.
func (s *State) Snapshot() (buf Buffer, dirty bool, committed uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localBuffer, s.dirty, s.committedSequence
}

// SetFallback toggles whether this DAC is routed through the sync
// transport.
func (s *State) SetFallback(active bool) {
	var v int32
	if active {
		v = 1
	}
	atomic.StoreInt32(&s.fallbackActive, v)
}

// Fallback reports whether this DAC is currently in sync fallback.
func (s *State) Fallback() bool {
	return atomic.LoadInt32(&s.fallbackActive) == 1
}

// SetFatal marks this DAC's worker as having exhausted every recovery
// strategy for a single transaction (§4.7 failure semantics). It is
// one-way: a fatal DAC stays fatal until process restart.
func (s *State) SetFatal() {
	atomic.StoreInt32(&s.fatal, 1)
}

// Fatal reports whether this DAC's worker is in the fatal state.
func (s *State) Fatal() bool {
	return atomic.LoadInt32(&s.fatal) == 1
}
