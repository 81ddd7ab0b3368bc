package electricmayhem_test

import (
	"context"
	"testing"
	"time"

	"github.com/bdube/muppetcv/dacdriver"
	"github.com/bdube/muppetcv/electricmayhem"
	"github.com/bdube/muppetcv/i2ctransport"
	"github.com/bdube/muppetcv/sample"
	"github.com/bdube/muppetcv/simtransport"
)

type latch struct{ level dacdriver.Level }

func (l *latch) Out(lv dacdriver.Level) error { l.level = lv; return nil }

func fastCfg() electricmayhem.Config {
	cfg := electricmayhem.DefaultConfig()
	cfg.WorkerSlice = time.Millisecond
	cfg.DMAPollEvery = time.Millisecond
	cfg.ForceRefresh = 20 * time.Millisecond
	cfg.WatchdogThreshold = time.Second
	return cfg
}

func twoDACs(t *testing.T) (*electricmayhem.Orchestrator, []*simtransport.Bus) {
	t.Helper()
	busA := simtransport.New("dac0")
	busB := simtransport.New("dac1")
	descs := []electricmayhem.Descriptor{
		{Board: dacdriver.Descriptor{Address: 0x60, Latch: &latch{}}, Bus: busA, DMAQueueDepth: 4},
		{Board: dacdriver.Descriptor{Address: 0x61, Latch: &latch{}}, Bus: busB, DMAQueueDepth: 4},
	}
	o, err := electricmayhem.New(descs, fastCfg())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := o.Initialise(context.Background()); err != nil {
		t.Fatalf("Initialise: %v", err)
	}
	t.Cleanup(o.Shutdown)
	return o, []*simtransport.Bus{busA, busB}
}

func TestRouteToCorrectDAC(t *testing.T) {
	o, _ := twoDACs(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Start(ctx)

	// S1: centre on MIDI channel 1 -> DAC0 local channel 0.
	o.OnPitchBend(1, 0)
	waitForClean(t, o, 0)
	st := o.Status(0)
	if st.Buffer[0] != sample.Centre {
		t.Errorf("dac0 ch0 = %v, want centre", st.Buffer[0])
	}

	// S2: saturation high on MIDI channel 16 -> DAC1 local channel 7.
	o.OnPitchBend(16, 0x1FFF)
	waitForClean(t, o, 1)
	st1 := o.Status(1)
	if st1.Buffer[7] != 0xFFFC {
		t.Errorf("dac1 ch7 = %#x, want %#x", st1.Buffer[7], 0xFFFC)
	}
}

func TestOutOfRangeChannelIsNoOp(t *testing.T) {
	o, _ := twoDACs(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Start(ctx)

	before := o.Status(0)
	o.OnPitchBend(17, 0)
	time.Sleep(10 * time.Millisecond)
	after := o.Status(0)
	if before.Sequence != after.Sequence {
		t.Error("an out-of-range channel must not advance any DAC's sequence")
	}
}

func TestForceRefreshFansOutToBothDACs(t *testing.T) {
	o, _ := twoDACs(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Start(ctx)

	waitFor(t, time.Second, func() bool {
		return o.Status(0).Sequence > 0 && o.Status(1).Sequence > 0
	})
}

func TestFatalOnOneDACDoesNotStopTheOther(t *testing.T) {
	o, buses := twoDACs(t)
	buses[0].ProgramErrors(i2ctransport.ErrBusDMA, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Start(ctx)

	o.OnPitchBend(1, 0x2000)
	waitFor(t, 2*time.Second, func() bool { return o.Fatal(0) })

	o.OnPitchBend(16, 0x1FFF)
	waitForClean(t, o, 1)
	if o.Fatal(1) {
		t.Error("dac1 must keep operating after dac0 goes fatal")
	}
	if !o.AnyFatal() {
		t.Error("AnyFatal must report true once dac0 is fatal")
	}
}

func TestSelfTestConverges(t *testing.T) {
	o, _ := twoDACs(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Start(ctx)

	failed := o.SelfTest(ctx)
	if len(failed) != 0 {
		t.Errorf("SelfTest reported failures on a healthy bus: %v", failed)
	}
}

func waitForClean(t *testing.T, o *electricmayhem.Orchestrator, dac int) {
	t.Helper()
	waitFor(t, time.Second, func() bool { return !o.Status(dac).Dirty })
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
