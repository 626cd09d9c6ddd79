package granular

import (
	"math"

	"github.com/cbegin/grainbox-go/internal/lfo"
)

// NoteParams is the parameter snapshot carried by a note. Values are
// validated once by Normalize when the note is accepted; the scheduler and
// renderer never re-check them.
type NoteParams struct {
	Density    float64 `yaml:"density"`     // grains per second
	Overlap    float64 `yaml:"overlap"`     // grain length / spacing; 0 = use Density
	GrainSize  float64 `yaml:"grain_size"`  // seconds
	Position   float64 `yaml:"position"`    // 0..1 offset into the source
	Spray      float64 `yaml:"spray"`       // 0..1 position randomization radius
	Pitch      float64 `yaml:"pitch"`       // playback rate ratio
	Velocity   float64 `yaml:"velocity"`    // linear gain
	AmpAttack  float64 `yaml:"amp_attack"`  // seconds
	AmpDecay   float64 `yaml:"amp_decay"`   // seconds
	AmpRelease float64 `yaml:"amp_release"` // seconds
	RelGrain   float64 `yaml:"rel_grain"`   // note sustain length in seconds

	// Sampled at each grain onset, relative to the note start.
	PositionLFO lfo.LFO `yaml:"position_lfo"` // depth in source fractions
	PitchLFO    lfo.LFO `yaml:"pitch_lfo"`    // depth in semitones
}

const (
	defaultDensity    = 20
	defaultGrainSize  = 0.1
	defaultPitch      = 1.0
	defaultVelocity   = 1.0
	defaultAmpAttack  = 0.005
	defaultAmpDecay   = 0.1
	defaultAmpRelease = 0.1
	defaultRelGrain   = 0.4

	minPitch     = 0.1
	maxPitch     = 64
	minGrainSize = 0.001
	minDensity   = 1
	maxDensity   = 100
	minOverlap   = 0.1
)

func DefaultNoteParams() NoteParams {
	return NoteParams{
		Density:    defaultDensity,
		GrainSize:  defaultGrainSize,
		Position:   0,
		Spray:      0,
		Pitch:      defaultPitch,
		Velocity:   defaultVelocity,
		AmpAttack:  defaultAmpAttack,
		AmpDecay:   defaultAmpDecay,
		AmpRelease: defaultAmpRelease,
		RelGrain:   defaultRelGrain,
	}
}

// Normalize returns a copy with missing or out-of-domain values replaced by
// defaults and ratios clamped into range.
func (p NoteParams) Normalize() NoteParams {
	if !positive(p.Density) {
		p.Density = defaultDensity
	}
	if !finite(p.Overlap) || p.Overlap < 0 {
		p.Overlap = 0
	}
	if !positive(p.GrainSize) {
		p.GrainSize = defaultGrainSize
	}
	if p.GrainSize < minGrainSize {
		p.GrainSize = minGrainSize
	}
	p.Position = clampUnit(p.Position)
	p.Spray = clampUnit(p.Spray)
	if !positive(p.Pitch) {
		p.Pitch = defaultPitch
	}
	p.Pitch = clamp(p.Pitch, minPitch, maxPitch)
	if !finite(p.Velocity) || p.Velocity < 0 {
		p.Velocity = defaultVelocity
	}
	if !finite(p.AmpAttack) || p.AmpAttack < 0 {
		p.AmpAttack = defaultAmpAttack
	}
	if !finite(p.AmpDecay) || p.AmpDecay < 0 {
		p.AmpDecay = defaultAmpDecay
	}
	if !finite(p.AmpRelease) || p.AmpRelease < 0 {
		p.AmpRelease = defaultAmpRelease
	}
	if !positive(p.RelGrain) {
		p.RelGrain = defaultRelGrain
	}
	p.PositionLFO = p.PositionLFO.Sanitize()
	p.PitchLFO = p.PitchLFO.Sanitize()
	return p
}

// Interval is the spacing between grain onsets in seconds.
func (p NoteParams) Interval() float64 {
	if p.Overlap > 0 {
		return p.GrainSize / math.Max(minOverlap, p.Overlap)
	}
	return 1 / clamp(p.Density, minDensity, maxDensity)
}

// GrainLimit is the total number of grains a note may spawn.
func (p NoteParams) GrainLimit() int {
	n := int(math.Ceil(p.RelGrain/p.Interval() - 1e-9))
	if n > maxGrainsPerNote {
		n = maxGrainsPerNote
	}
	if n < 1 {
		n = 1
	}
	return n
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func positive(v float64) bool {
	return finite(v) && v > 0
}

func clampUnit(v float64) float64 {
	if !finite(v) {
		return 0
	}
	return clamp(v, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
