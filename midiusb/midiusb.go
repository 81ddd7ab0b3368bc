// Package midiusb is the thin USB-MIDI host endpoint adapter named as the
// MIDI collaborator in spec.md §1 ("GPIO/I2C hardware, the MIDI
// collaborator... are out of scope; this module only defines the
// boundary"). It exists only to translate USB-MIDI bulk-in event packets
// into calls on the one inbound callable the core exposes
// (drteeth.InputFabric.OnPitchBend's signature, captured here as the
// PitchBender interface so this package does not need to import drteeth
// itself); the USB transport plumbing is adapted from usbtmc.go's
// NewUSBDevice/Read pattern (gousb device open, default interface,
// endpoint lookup), since both packages are bulk-transfer USB host
// adapters for a small fixed-function device.
package midiusb

import (
	"context"
	"fmt"

	"github.com/google/gousb"
)

// PitchBender is the single capability this adapter drives. It is
// satisfied by *drteeth.InputFabric; *electricmayhem.Orchestrator's
// OnPitchBend returns no result and so does not satisfy it.
type PitchBender interface {
	OnPitchBend(channel1Based int, pitch uint16) bool
}

// USB-MIDI event packet Code Index Numbers this adapter understands (USB
// MIDI Devices 1.0, table 4-1). Only pitch bend is relevant to this
// module's single inbound message type.
const cinPitchBendChange = 0xE

// packetSize is the fixed USB-MIDI event packet length: one Cable
// Number/CIN byte followed by up to three MIDI data bytes.
const packetSize = 4

// Listener reads USB-MIDI bulk-in packets from one class-compliant MIDI
// controller and forwards pitch-bend events to a PitchBender.
type Listener struct {
	target PitchBender

	device *gousb.Device
	iface  *gousb.Interface
	in     *gousb.InEndpoint
	closer func()
}

// Open opens the USB-MIDI device at vid:pid and looks up its bulk-in
// endpoint. epIn is the endpoint address (commonly 1 on class-compliant
// MIDI controllers; usbtmc.go hardcodes 2 for its own device family).
func Open(vid, pid gousb.ID, epIn int, target PitchBender) (*Listener, error) {
	l := &Listener{target: target}

	ctx := gousb.NewContext()
	dev, err := ctx.OpenDeviceWithVIDPID(vid, pid)
	if err != nil {
		return nil, fmt.Errorf("midiusb: open %v:%v: %w", vid, pid, err)
	}
	l.device = dev

	if err := dev.SetAutoDetach(true); err != nil {
		return nil, fmt.Errorf("midiusb: set auto detach: %w", err)
	}

	iface, closer, err := dev.DefaultInterface()
	if err != nil {
		return nil, fmt.Errorf("midiusb: default interface: %w", err)
	}
	l.iface = iface
	l.closer = closer

	in, err := iface.InEndpoint(epIn)
	if err != nil {
		closer()
		return nil, fmt.Errorf("midiusb: in endpoint %d: %w", epIn, err)
	}
	l.in = in
	return l, nil
}

// Close releases the USB interface and device.
func (l *Listener) Close() error {
	if l.closer != nil {
		l.closer()
	}
	if l.device != nil {
		return l.device.Close()
	}
	return nil
}

// Run reads bulk-in packets until ctx is done or a read fails, dispatching
// every pitch-bend event it finds to the target. Per §6, on_pitch_bend
// must return in bounded time; this loop never blocks on anything but the
// USB read itself, matching the "MIDI read" suspension point named in §5.
func (l *Listener) Run(ctx context.Context) error {
	buf := make([]byte, 64*packetSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := l.in.Read(buf)
		if err != nil {
			return fmt.Errorf("midiusb: read: %w", err)
		}
		for off := 0; off+packetSize <= n; off += packetSize {
			l.dispatch(buf[off : off+packetSize])
		}
	}
}

// dispatch parses one 4-byte USB-MIDI event packet and, if it is a
// pitch-bend change, converts its two 7-bit data bytes into the 14-bit
// value OnPitchBend expects and forwards it.
func (l *Listener) dispatch(pkt []byte) {
	cin := pkt[0] & 0x0F
	if cin != cinPitchBendChange {
		return
	}
	status := pkt[1]
	channel1Based := int(status&0x0F) + 1
	lsb := pkt[2] & 0x7F
	msb := pkt[3] & 0x7F
	pitch := uint16(lsb) | uint16(msb)<<7
	l.target.OnPitchBend(channel1Based, pitch)
}
