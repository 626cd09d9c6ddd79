// Package lfo evaluates low-frequency modulation as a pure function of time,
// so a note can sample it at each grain onset without per-sample state.
package lfo

import (
	"fmt"
	"math"
	"strings"
)

type Shape uint8

const (
	Triangle Shape = iota
	Sine
	Saw
	Square
	Random // sample-and-hold, one value per cycle
)

var shapeNames = [...]string{"triangle", "sine", "saw", "square", "random"}

func (s Shape) String() string {
	if int(s) < len(shapeNames) {
		return shapeNames[s]
	}
	return fmt.Sprintf("shape(%d)", s)
}

func (s Shape) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Shape) UnmarshalText(b []byte) error {
	name := strings.ToLower(strings.TrimSpace(string(b)))
	if name == "" {
		*s = Triangle
		return nil
	}
	for i, n := range shapeNames {
		if n == name {
			*s = Shape(i)
			return nil
		}
	}
	return fmt.Errorf("unknown lfo shape %q", string(b))
}

// LFO is a modulation source. The unit of Depth is chosen by whatever the
// LFO modulates.
type LFO struct {
	Rate  float64 `yaml:"rate"` // Hz
	Depth float64 `yaml:"depth"`
	Shape Shape   `yaml:"shape"`
}

// Active reports whether At can return anything but zero.
func (l LFO) Active() bool {
	return l.Depth != 0 && l.Rate > 0
}

// Sanitize zeroes non-finite or negative-rate settings.
func (l LFO) Sanitize() LFO {
	if !finite(l.Rate) || !finite(l.Depth) || l.Rate < 0 {
		return LFO{}
	}
	if int(l.Shape) >= len(shapeNames) {
		l.Shape = Triangle
	}
	return l
}

// At returns the modulation t seconds after phase zero, in [-Depth, Depth].
func (l LFO) At(t float64) float64 {
	if !l.Active() || t < 0 {
		return 0
	}
	cycles := t * l.Rate
	phase := cycles - math.Floor(cycles)
	var v float64
	switch l.Shape {
	case Sine:
		v = math.Sin(2 * math.Pi * phase)
	case Saw:
		v = 1 - 2*phase
	case Square:
		if phase < 0.5 {
			v = 1
		} else {
			v = -1
		}
	case Random:
		v = hold(uint64(cycles))
	default:
		if phase < 0.5 {
			v = 4*phase - 1
		} else {
			v = 3 - 4*phase
		}
	}
	return v * l.Depth
}

// hold maps a cycle index to a repeatable value in [-1, 1).
func hold(n uint64) float64 {
	// splitmix64 finalizer
	n += 0x9e3779b97f4a7c15
	n = (n ^ (n >> 30)) * 0xbf58476d1ce4e5b9
	n = (n ^ (n >> 27)) * 0x94d049bb133111eb
	n ^= n >> 31
	return float64(n>>11)/float64(1<<53)*2 - 1
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
