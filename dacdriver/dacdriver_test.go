package dacdriver_test

import (
	"testing"

	"github.com/bdube/muppetcv/dacdriver"
	"github.com/bdube/muppetcv/i2ctransport"
	"github.com/bdube/muppetcv/muppetstate"
	"github.com/bdube/muppetcv/sample"
	"github.com/bdube/muppetcv/simtransport"
)

type fakeLatch struct{ level dacdriver.Level }

func (f *fakeLatch) Out(l dacdriver.Level) error {
	f.level = l
	return nil
}

func TestInitialiseZeroesAndDisables(t *testing.T) {
	bus := simtransport.New("dac0")
	sync := i2ctransport.NewSync(bus, 0)
	latch := &fakeLatch{level: dacdriver.High}

	d := dacdriver.New()
	if err := d.Initialise(dacdriver.Descriptor{Address: 0x60, Latch: latch}, sync); err != nil {
		t.Fatalf("Initialise: %v", err)
	}
	if latch.level != dacdriver.Low {
		t.Error("Initialise should leave the latch disabled")
	}
	op, ok := bus.LastOp()
	if !ok {
		t.Fatal("expected a transaction during Initialise")
	}
	if op.Addr != 0x60 {
		t.Errorf("addr = %#x, want 0x60", op.Addr)
	}
	// command byte + 8 channels * 2 bytes
	if len(op.Payload) != 17 {
		t.Errorf("payload length = %d, want 17", len(op.Payload))
	}
}

func TestEncodeChannelOutOfRange(t *testing.T) {
	d := dacdriver.New()
	if _, ok := d.EncodeChannel(-1, sample.Centre); ok {
		t.Error("negative index must be rejected")
	}
	if _, ok := d.EncodeChannel(dacdriver.ChannelsPerDAC, sample.Centre); ok {
		t.Error("index == ChannelsPerDAC must be rejected")
	}
	if _, ok := d.EncodeChannel(dacdriver.ChannelsPerDAC-1, sample.Centre); !ok {
		t.Error("the last valid index must be accepted")
	}
}

func TestEncodeValuesRoundTripsTo12Bit(t *testing.T) {
	d := dacdriver.New()
	var buf muppetstate.Buffer
	buf[0] = sample.Max
	desc := d.EncodeValues(buf)
	// command byte, then channel 0's 12-bit code is 0xFFFF>>4 = 0xFFF
	gotHi := desc.Payload[1]
	gotLo := desc.Payload[2]
	got := uint16(gotHi)<<8 | uint16(gotLo)
	if got != 0x0FFF {
		t.Errorf("channel 0 code = %#x, want 0x0fff", got)
	}
}

func TestEnableDisableTogglesLatch(t *testing.T) {
	d := dacdriver.New()
	latch := &fakeLatch{}
	bus := simtransport.New("dac0")
	sync := i2ctransport.NewSync(bus, 0)
	if err := d.Initialise(dacdriver.Descriptor{Address: 1, Latch: latch}, sync); err != nil {
		t.Fatal(err)
	}
	if err := d.Enable(); err != nil {
		t.Fatal(err)
	}
	if latch.level != dacdriver.High {
		t.Error("Enable should drive the latch high")
	}
	if err := d.Disable(); err != nil {
		t.Fatal(err)
	}
	if latch.level != dacdriver.Low {
		t.Error("Disable should drive the latch low")
	}
}
