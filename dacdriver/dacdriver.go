// Package dacdriver implements the DacDriver capability of §4.1: a small,
// fixed set of per-channel operations an 8-channel I2C DAC exposes. Its
// per-channel setter methods and range/latch handling are modelled on
// acromag/ap235.go and acromag/ap236.go's AP235/AP236 types (SetRange,
// SetPowerUpVoltage, Output, all behind an embedded sync.Mutex), with the
// cgo AcroPack calls replaced by payload encoding for an I2C transaction,
// since this module talks to its hardware over I2C rather than a PCI DAC
// card's vendor SDK.
//
// The capability boundary is drawn at encode vs. transact, the way
// periph.io separates a device (conn/i2c.Dev, which knows a device's
// address and protocol) from the bus it rides on (conn/i2c.Bus, which
// knows how to run a transaction): a Driver knows the device's wire
// protocol, addressing and latch; it has no opinion about whether the
// resulting transaction is issued synchronously or via DMA, or how a
// failed one is retried. That decision, and the transaction lifecycle
// itself, belongs to the worker loop in package worker, which is what
// lets one DAC flip between sync and DMA transport without the driver
// knowing or caring.
package dacdriver

import (
	"github.com/bdube/muppetcv/i2ctransport"
	"github.com/bdube/muppetcv/muppetstate"
	"github.com/bdube/muppetcv/sample"
)

// ChannelsPerDAC is the channel count this driver supports.
const ChannelsPerDAC = muppetstate.ChannelsPerDAC

// Level is a logical pin level, named like periph.io's conn/gpio.Level so
// that a real GPIO pin type can satisfy LatchPin with no adapter.
type Level bool

const (
	Low  Level = false
	High Level = true
)

// LatchPin is the GPIO line that gates whether newly written samples
// become visible on the DAC's outputs. GPIO hardware itself is out of
// scope per spec.md §1 ("GPIO/I2C hardware" is an external collaborator);
// this module only needs the narrow capability of setting a level.
type LatchPin interface {
	Out(l Level) error
}

// nullLatch is used when a concrete board has no discrete latch pin; its
// Out is a no-op, so Enable and Disable have no effect on such a board.
type nullLatch struct{}

func (nullLatch) Out(Level) error { return nil }

// Descriptor is the board-level wiring for one DAC: its I2C address and,
// optionally, a discrete latch GPIO.
type Descriptor struct {
	Address uint8
	Latch   LatchPin
}

// Driver is the capability any DAC driver exposes (§4.1). Encode methods
// are pure: they report whether the channel index was in range and, if
// so, the Descriptor a transport should transact. Initialise and the
// latch methods are the only ones that touch I2C or GPIO state directly,
// since they run at boot and at end-of-transaction time respectively,
// never on the hot per-sample path.
type Driver interface {
	Initialise(d Descriptor, sync i2ctransport.Sync) error
	Enable() error
	Disable() error
	EncodeChannel(idx int, s sample.Sample) (i2ctransport.Descriptor, bool)
	EncodeAllSame(s sample.Sample) i2ctransport.Descriptor
	EncodeValues(values muppetstate.Buffer) i2ctransport.Descriptor
}

// bitWriteAll marks a command byte as a write-all (vs single-channel)
// transaction.
const bitWriteAll = 7

// setBit sets or clears a single bit in a command byte.
func setBit(in byte, bitIndex uint, high bool) byte {
	if high {
		in |= 1 << bitIndex
	} else {
		in &= ^(1 << bitIndex)
	}
	return in
}

// I2CDAC is the concrete 8-channel I2C DAC driver.
type I2CDAC struct {
	addr  uint8
	latch LatchPin
}

// New builds an I2CDAC. Call Initialise before use.
func New() *I2CDAC {
	return &I2CDAC{latch: nullLatch{}}
}

// Initialise configures the device address and latch, zeroes every
// channel over sync, and leaves the latch disabled, per §4.1. It is
// idempotent: a retried Initialise just re-zeroes and re-disables. The
// caller supplies the sync transport to use for this one-time boot
// transaction regardless of the DAC's eventual steady-state transport
// mode, since no worker loop is running yet to arbitrate DMA access.
func (d *I2CDAC) Initialise(desc Descriptor, sync i2ctransport.Sync) error {
	d.addr = desc.Address
	if desc.Latch != nil {
		d.latch = desc.Latch
	} else {
		d.latch = nullLatch{}
	}
	if err := d.Disable(); err != nil {
		return err
	}
	var zero muppetstate.Buffer
	for i := range zero {
		zero[i] = sample.Min
	}
	return sync.WriteSync(d.EncodeValues(zero))
}

// Enable releases the latch so the last-written sample vector appears on
// the outputs.
func (d *I2CDAC) Enable() error { return d.latch.Out(High) }

// Disable closes the latch so new writes do not appear on the outputs
// until the next Enable.
func (d *I2CDAC) Disable() error { return d.latch.Out(Low) }

// EncodeChannel builds the descriptor for a single-channel write. It
// reports false, with a zero Descriptor, for an out-of-range index; per
// §4.1 callers must not rely on any particular Descriptor value in that
// case.
func (d *I2CDAC) EncodeChannel(idx int, s sample.Sample) (i2ctransport.Descriptor, bool) {
	if idx < 0 || idx >= ChannelsPerDAC {
		return i2ctransport.Descriptor{}, false
	}
	var cmd byte
	for bit := uint(0); bit < 3; bit++ {
		cmd = setBit(cmd, bit, (idx>>bit)&1 == 1)
	}
	cmd = setBit(cmd, bitWriteAll, false)
	dn := to12Bit(s)
	payload := []byte{cmd, byte(dn >> 8), byte(dn)}
	return i2ctransport.Descriptor{DeviceAddr: d.addr, Payload: payload}, true
}

// EncodeAllSame builds the descriptor for writing the same sample to every
// channel in one transaction.
func (d *I2CDAC) EncodeAllSame(s sample.Sample) i2ctransport.Descriptor {
	var buf muppetstate.Buffer
	for i := range buf {
		buf[i] = s
	}
	return d.EncodeValues(buf)
}

// EncodeValues builds the descriptor for a write-all transaction: one
// command byte (bit 7 set) followed by ChannelsPerDAC big-endian
// 12-bit-scaled samples. This is the path the worker loop uses on every
// committed snapshot (§4.5 step 6).
func (d *I2CDAC) EncodeValues(values muppetstate.Buffer) i2ctransport.Descriptor {
	cmd := setBit(0, bitWriteAll, true)
	out := make([]byte, 1, 1+2*ChannelsPerDAC)
	out[0] = cmd
	for _, s := range values {
		dn := to12Bit(s)
		out = append(out, byte(dn>>8), byte(dn))
	}
	return i2ctransport.Descriptor{DeviceAddr: d.addr, Payload: out}
}

// to12Bit rescales a 16-bit Sample down to the DAC's native 12-bit
// resolution. Re-scaling to the driver's native resolution is explicitly
// this layer's job, not the core's (spec.md §3).
func to12Bit(s sample.Sample) uint16 {
	return uint16(s) >> 4
}

var _ Driver = (*I2CDAC)(nil)
