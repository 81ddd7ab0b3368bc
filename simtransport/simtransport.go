// Package simtransport is the synthetic I2C bus used by this module's test
// suite and by the diagserver fault-injection endpoint. It records every
// transaction the way periph.io/x/periph/conn/i2c/i2ctest.Record does, and
// lets a test program its replies the way i2ctest.Playback programs
// canned responses: a queue of completions (success, a specific
// i2ctransport error, or an injected delay) consumed one per call to Tx.
package simtransport

import (
	"fmt"
	"sync"
	"time"

	"github.com/bdube/muppetcv/i2ctransport"
)

// IO records one transaction that reached Tx.
type IO struct {
	Addr    uint8
	Payload []byte
}

// Reply is one programmed response to a future Tx call.
type Reply struct {
	Err   error         // nil for success
	Delay time.Duration // if non-zero, Tx sleeps this long before returning
}

// Bus is a fake i2ctransport.Bus that records every transaction it sees
// and replays a programmed queue of Replies, falling back to success once
// the queue is exhausted.
type Bus struct {
	name string

	mu      sync.Mutex
	Ops     []IO
	replies []Reply
}

// New returns a Bus that reports itself as name in String().
func New(name string) *Bus {
	return &Bus{name: name}
}

func (b *Bus) String() string { return fmt.Sprintf("simtransport.Bus(%s)", b.name) }

// Program appends replies to the queue consumed by Tx, in order.
func (b *Bus) Program(replies ...Reply) {
	b.mu.Lock()
	b.replies = append(b.replies, replies...)
	b.mu.Unlock()
}

// ProgramErrors is a convenience wrapper over Program for injecting a run
// of identical bus errors, e.g. simulating three consecutive Naks.
func (b *Bus) ProgramErrors(err error, n int) {
	reps := make([]Reply, n)
	for i := range reps {
		reps[i] = Reply{Err: err}
	}
	b.Program(reps...)
}

// Tx records the transaction and consumes the next programmed reply.
func (b *Bus) Tx(addr uint8, w []byte) error {
	b.mu.Lock()
	cp := make([]byte, len(w))
	copy(cp, w)
	b.Ops = append(b.Ops, IO{Addr: addr, Payload: cp})

	var r Reply
	if len(b.replies) > 0 {
		r = b.replies[0]
		b.replies = b.replies[1:]
	}
	b.mu.Unlock()

	if r.Delay > 0 {
		time.Sleep(r.Delay)
	}
	return r.Err
}

// OpCount returns the number of transactions observed so far.
func (b *Bus) OpCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Ops)
}

// LastOp returns the most recent transaction, or false if none occurred.
func (b *Bus) LastOp() (IO, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.Ops) == 0 {
		return IO{}, false
	}
	return b.Ops[len(b.Ops)-1], true
}

// Ensure Bus satisfies i2ctransport.Bus at compile time.
var _ i2ctransport.Bus = (*Bus)(nil)
