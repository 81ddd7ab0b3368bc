package i2ctransport_test

import (
	"testing"
	"time"

	"github.com/bdube/muppetcv/i2ctransport"
	"github.com/bdube/muppetcv/simtransport"
)

func TestSyncTransportRetriesHandshake(t *testing.T) {
	bus := simtransport.New("dac0")
	bus.Program(
		simtransport.Reply{Err: i2ctransport.ErrBusNak},
		simtransport.Reply{Err: i2ctransport.ErrBusNak},
		simtransport.Reply{}, // succeeds on third attempt
	)
	tr := i2ctransport.NewSync(bus, 2)
	err := tr.WriteSync(i2ctransport.Descriptor{DeviceAddr: 0x60, Payload: []byte{1, 2, 3}})
	if err != nil {
		t.Fatalf("WriteSync: %v", err)
	}
	if bus.OpCount() != 3 {
		t.Errorf("OpCount = %d, want 3", bus.OpCount())
	}
}

func TestSyncTransportExhaustsRetries(t *testing.T) {
	bus := simtransport.New("dac0")
	bus.ProgramErrors(i2ctransport.ErrBusNak, 5)
	tr := i2ctransport.NewSync(bus, 2)
	err := tr.WriteSync(i2ctransport.Descriptor{DeviceAddr: 0x60, Payload: []byte{1}})
	if err == nil {
		t.Fatal("expected an error after exhausting retries")
	}
	te, ok := err.(*i2ctransport.TransportError)
	if !ok || te.Kind != i2ctransport.ErrNak {
		t.Errorf("got %v, want a TransportError with ErrNak", err)
	}
}

func TestSyncTransportRejectsEmptyPayload(t *testing.T) {
	bus := simtransport.New("dac0")
	tr := i2ctransport.NewSync(bus, 0)
	err := tr.WriteSync(i2ctransport.Descriptor{DeviceAddr: 0x60})
	te, ok := err.(*i2ctransport.TransportError)
	if !ok || te.Kind != i2ctransport.ErrInvalidParameter {
		t.Errorf("got %v, want ErrInvalidParameter", err)
	}
}

func TestDMATransportCompletesInSubmissionOrder(t *testing.T) {
	bus := simtransport.New("dac1")
	tr := i2ctransport.NewDMA(bus, 8)
	defer tr.Close()

	var ids []i2ctransport.TransactionID
	for i := 0; i < 4; i++ {
		id, err := tr.Start(i2ctransport.Descriptor{DeviceAddr: 0x61, Payload: []byte{byte(i)}})
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
		ids = append(ids, id)
	}

	deadline := time.Now().Add(time.Second)
	for _, id := range ids {
		for {
			st, _ := tr.Poll(id)
			if st != i2ctransport.Pending {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("transaction %d never completed", id)
			}
			time.Sleep(time.Millisecond)
		}
	}

	if bus.OpCount() != 4 {
		t.Fatalf("OpCount = %d, want 4", bus.OpCount())
	}
	for i, op := range bus.Ops {
		if op.Payload[0] != byte(i) {
			t.Errorf("op %d payload = %v, want first byte %d (submission order)", i, op.Payload, i)
		}
	}
}

func TestDMATransportPollReportsError(t *testing.T) {
	bus := simtransport.New("dac1")
	bus.ProgramErrors(i2ctransport.ErrBusTimeout, 1)
	tr := i2ctransport.NewDMA(bus, 4)
	defer tr.Close()

	id, err := tr.Start(i2ctransport.Descriptor{DeviceAddr: 0x61, Payload: []byte{9}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	var st i2ctransport.Status
	var kind i2ctransport.ErrorKind
	for {
		st, kind = tr.Poll(id)
		if st != i2ctransport.Pending || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if st != i2ctransport.Failed || kind != i2ctransport.ErrTimeout {
		t.Errorf("Poll = (%v, %v), want (Failed, ErrTimeout)", st, kind)
	}
}

func TestDMATransportCancelIsIdempotent(t *testing.T) {
	bus := simtransport.New("dac1")
	bus.Program(simtransport.Reply{Delay: 50 * time.Millisecond})
	tr := i2ctransport.NewDMA(bus, 4)
	defer tr.Close()

	id, _ := tr.Start(i2ctransport.Descriptor{DeviceAddr: 0x61, Payload: []byte{1}})
	if err := tr.Cancel(id); err != nil {
		t.Errorf("Cancel: %v", err)
	}
	if err := tr.Cancel(id); err != nil {
		t.Errorf("second Cancel must also be nil: %v", err)
	}
	if err := tr.Cancel(9999); err != nil {
		t.Errorf("Cancel on unknown id must be nil: %v", err)
	}
}

func TestDMATransportQueueFullReturnsBusy(t *testing.T) {
	bus := simtransport.New("dac1")
	bus.Program(simtransport.Reply{Delay: 200 * time.Millisecond})
	tr := i2ctransport.NewDMA(bus, 1)
	defer tr.Close()

	// First Start occupies the single dispatcher slot for 200ms (it's
	// immediately pulled off the depth-1 queue into service).
	if _, err := tr.Start(i2ctransport.Descriptor{DeviceAddr: 1, Payload: []byte{1}}); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	time.Sleep(5 * time.Millisecond) // let the dispatcher pick it up
	// Fill the now-empty queue slot, then overflow it.
	if _, err := tr.Start(i2ctransport.Descriptor{DeviceAddr: 1, Payload: []byte{2}}); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	_, err := tr.Start(i2ctransport.Descriptor{DeviceAddr: 1, Payload: []byte{3}})
	te, ok := err.(*i2ctransport.TransportError)
	if !ok || te.Kind != i2ctransport.ErrBusy {
		t.Errorf("third Start = %v, want ErrBusy", err)
	}
}
