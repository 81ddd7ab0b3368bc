package sample_test

import (
	"testing"

	"github.com/bdube/muppetcv/sample"
)

func TestFromPitchBendBoundaries(t *testing.T) {
	cases := []struct {
		name string
		in   uint16
		want sample.Sample
	}{
		{"min", 0, sample.Min},
		{"centre", sample.PitchBendCentre, sample.Centre},
		{"max", sample.PitchBendMax, 0xFFFC},
		{"just above centre", sample.PitchBendCentre + 1, sample.Centre + 4},
		{"out of range clamps to max", 0x7FFF, 0xFFFC},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := sample.FromPitchBend(c.in)
			if got != c.want {
				t.Errorf("FromPitchBend(%#x) = %#x, want %#x", c.in, got, c.want)
			}
		})
	}
}

func TestFromPitchBendIdempotent(t *testing.T) {
	for _, p := range []uint16{0, 1, 0x1234, sample.PitchBendCentre, sample.PitchBendMax} {
		a := sample.FromPitchBend(p)
		b := sample.FromPitchBend(p)
		if a != b {
			t.Errorf("FromPitchBend(%#x) not idempotent: %#x != %#x", p, a, b)
		}
	}
}
