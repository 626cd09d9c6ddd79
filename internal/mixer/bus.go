package mixer

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/viterin/vek/vek32"
)

// Params controls the master section of a Bus.
type Params struct {
	MasterGain float64          `yaml:"master_gain"`
	Effects    []EffectParams   `yaml:"effects"`
	Compressor CompressorParams `yaml:"compressor"`
}

func (p Params) Validate() error {
	for i, fx := range p.Effects {
		if err := fx.validate(); err != nil {
			return fmt.Errorf("effect %d: %w", i, err)
		}
	}
	return nil
}

func DefaultParams() Params {
	return Params{
		MasterGain: 0.8,
		Compressor: DefaultCompressorParams(),
	}
}

// Bus mixes mono track buffers into interleaved stereo. Track gain, pan and
// master gain are stored as float32 bit patterns so a control goroutine can
// change them while the audio goroutine mixes.
type Bus struct {
	gains  []atomic.Uint32
	pans   []atomic.Uint32 // -1 left .. +1 right
	master atomic.Uint32
	peak   atomic.Uint32
	eq     *EQ5
	fx     []Effect
	comp   *Compressor

	left  []float32
	right []float32
	tmp   []float32
}

// NewBus sizes all scratch space for blockSize frames; Mix never allocates.
// Effects that fail Params.Validate are skipped.
func NewBus(tracks, blockSize, sampleRate int, params Params) *Bus {
	b := &Bus{
		gains: make([]atomic.Uint32, tracks),
		pans:  make([]atomic.Uint32, tracks),
		eq:    NewEQ5(sampleRate),
		left:  make([]float32, blockSize),
		right: make([]float32, blockSize),
		tmp:   make([]float32, blockSize),
	}
	for i := range b.gains {
		b.gains[i].Store(math.Float32bits(1))
	}
	b.SetMasterGain(params.MasterGain)
	for _, p := range params.Effects {
		if fx, err := NewEffect(sampleRate, p); err == nil {
			b.fx = append(b.fx, fx)
		}
	}
	if params.Compressor.Enabled {
		b.comp = NewCompressor(sampleRate, params.Compressor)
	}
	return b
}

func (b *Bus) Tracks() int { return len(b.gains) }

// EQ is the master equalizer, applied before the inserts.
func (b *Bus) EQ() *EQ5 { return b.eq }

// Reset clears effect tails and compressor state.
func (b *Bus) Reset() {
	b.eq.Reset()
	for _, fx := range b.fx {
		fx.Reset()
	}
	if b.comp != nil {
		b.comp.Reset()
	}
}

func (b *Bus) SetTrackGain(track int, gain float64) {
	if track < 0 || track >= len(b.gains) {
		return
	}
	if gain < 0 || math.IsNaN(gain) {
		gain = 0
	}
	b.gains[track].Store(math.Float32bits(float32(gain)))
}

func (b *Bus) TrackGain(track int) float64 {
	if track < 0 || track >= len(b.gains) {
		return 0
	}
	return float64(math.Float32frombits(b.gains[track].Load()))
}

// SetTrackPan sets equal-power pan in [-1, 1].
func (b *Bus) SetTrackPan(track int, pan float64) {
	if track < 0 || track >= len(b.pans) {
		return
	}
	if math.IsNaN(pan) {
		pan = 0
	}
	pan = math.Max(-1, math.Min(1, pan))
	b.pans[track].Store(math.Float32bits(float32(pan)))
}

func (b *Bus) TrackPan(track int) float64 {
	if track < 0 || track >= len(b.pans) {
		return 0
	}
	return float64(math.Float32frombits(b.pans[track].Load()))
}

func (b *Bus) SetMasterGain(gain float64) {
	if gain < 0 || math.IsNaN(gain) {
		gain = 0
	}
	b.master.Store(math.Float32bits(float32(gain)))
}

func (b *Bus) MasterGain() float64 {
	return float64(math.Float32frombits(b.master.Load()))
}

// Peak returns the absolute peak of the last mixed block, after the master
// section.
func (b *Bus) Peak() float32 {
	return math.Float32frombits(b.peak.Load())
}

// Mix sums tracks into dst (interleaved stereo). len(dst)/2 frames are
// written; each track buffer must hold at least that many samples and the
// frame count must not exceed the block size the bus was built with.
func (b *Bus) Mix(tracks [][]float32, dst []float32) {
	n := len(dst) / 2
	if n > len(b.left) {
		n = len(b.left)
	}
	left := b.left[:n]
	right := b.right[:n]
	tmp := b.tmp[:n]
	vek32.Zeros_Into(left, n)
	vek32.Zeros_Into(right, n)
	for t, src := range tracks {
		if t >= len(b.gains) || len(src) < n {
			continue
		}
		gain := math.Float32frombits(b.gains[t].Load())
		if gain == 0 {
			continue
		}
		pan := float64(math.Float32frombits(b.pans[t].Load()))
		angle := (pan + 1) * math.Pi / 4
		gl := gain * float32(math.Cos(angle))
		gr := gain * float32(math.Sin(angle))
		vek32.MulNumber_Into(tmp, src[:n], gl)
		vek32.Add_Inplace(left, tmp)
		vek32.MulNumber_Into(tmp, src[:n], gr)
		vek32.Add_Inplace(right, tmp)
	}
	b.eq.Process(left, right)
	for _, fx := range b.fx {
		fx.Process(left, right)
	}
	master := math.Float32frombits(b.master.Load())
	vek32.MulNumber_Inplace(left, master)
	vek32.MulNumber_Inplace(right, master)
	var peak float32
	for i := 0; i < n; i++ {
		l, r := left[i], right[i]
		if b.comp != nil {
			l, r = b.comp.Process(l, r)
		}
		l, r = clip(l), clip(r)
		dst[i*2] = l
		dst[i*2+1] = r
		left[i] = l
		right[i] = r
	}
	if n > 0 {
		vek32.Abs_Into(tmp, left)
		peak = vek32.Max(tmp)
		vek32.Abs_Into(tmp, right)
		if p := vek32.Max(tmp); p > peak {
			peak = p
		}
	}
	b.peak.Store(math.Float32bits(peak))
}

func clip(v float32) float32 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
