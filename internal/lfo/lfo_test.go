package lfo

import (
	"math"
	"testing"
)

func TestShapesAtQuarterPhases(t *testing.T) {
	for _, tc := range []struct {
		shape Shape
		want  [4]float64 // at phase 0, 0.25, 0.5, 0.75
	}{
		{Triangle, [4]float64{-1, 0, 1, 0}},
		{Sine, [4]float64{0, 1, 0, -1}},
		{Saw, [4]float64{1, 0.5, 0, -0.5}},
		{Square, [4]float64{1, 1, -1, -1}},
	} {
		t.Run(tc.shape.String(), func(t *testing.T) {
			l := LFO{Rate: 1, Depth: 2, Shape: tc.shape}
			for i, w := range tc.want {
				// one full cycle later lands on the same phase
				at := 1 + float64(i)*0.25
				if got := l.At(at); math.Abs(got-2*w) > 1e-9 {
					t.Fatalf("phase %v: got %v, want %v", float64(i)*0.25, got, 2*w)
				}
			}
		})
	}
}

func TestRateScalesPhase(t *testing.T) {
	l := LFO{Rate: 4, Depth: 1, Shape: Triangle}
	if got := l.At(0.125); math.Abs(got-1) > 1e-9 {
		t.Fatalf("4 Hz triangle at 1/8s = %v, want peak", got)
	}
}

func TestInactiveLFOIsZero(t *testing.T) {
	for _, l := range []LFO{
		{},
		{Rate: 2},
		{Depth: 1},
		{Rate: 2, Depth: 1, Shape: Sine},
	} {
		if got := l.At(-0.3); got != 0 {
			t.Fatalf("%+v at negative time = %v", l, got)
		}
	}
	if (LFO{Rate: 2}).Active() || (LFO{Depth: 1}).Active() {
		t.Fatalf("LFO without rate or depth reported active")
	}
}

func TestRandomHoldsWithinCycle(t *testing.T) {
	l := LFO{Rate: 10, Depth: 1, Shape: Random}
	seen := map[float64]bool{}
	for c := 0; c < 50; c++ {
		base := float64(c) / 10
		a := l.At(base + 0.01)
		b := l.At(base + 0.09)
		if a != b {
			t.Fatalf("cycle %d changed value inside the cycle: %v vs %v", c, a, b)
		}
		if a < -1 || a >= 1 {
			t.Fatalf("cycle %d value %v out of range", c, a)
		}
		seen[a] = true
	}
	if len(seen) < 45 {
		t.Fatalf("only %d distinct values over 50 cycles", len(seen))
	}
	if l.At(0.35) != (LFO{Rate: 10, Depth: 1, Shape: Random}).At(0.35) {
		t.Fatalf("random shape is not repeatable")
	}
}

func TestShapeText(t *testing.T) {
	var s Shape
	if err := s.UnmarshalText([]byte(" Square ")); err != nil || s != Square {
		t.Fatalf("parse square = %v, %v", s, err)
	}
	if err := s.UnmarshalText(nil); err != nil || s != Triangle {
		t.Fatalf("empty shape = %v, %v", s, err)
	}
	if err := s.UnmarshalText([]byte("wobble")); err == nil {
		t.Fatalf("expected error for unknown shape")
	}
	b, _ := Random.MarshalText()
	if string(b) != "random" {
		t.Fatalf("marshal = %q", b)
	}
}

func TestSanitize(t *testing.T) {
	if got := (LFO{Rate: math.NaN(), Depth: 1}).Sanitize(); got != (LFO{}) {
		t.Fatalf("NaN rate not cleared: %+v", got)
	}
	if got := (LFO{Rate: -1, Depth: 1}).Sanitize(); got.Active() {
		t.Fatalf("negative rate left active")
	}
	if got := (LFO{Rate: 1, Depth: 1, Shape: 99}).Sanitize(); got.Shape != Triangle {
		t.Fatalf("bad shape = %v", got.Shape)
	}
}
