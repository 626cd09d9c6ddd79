package mixer

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"

	"github.com/viterin/vek/vek32"
)

// Effect processes one stereo block in place.
type Effect interface {
	Process(left, right []float32)
	Reset()
}

// EffectParams describes one master insert. Fields a type does not use are
// ignored; zero values fall back to the type's defaults.
type EffectParams struct {
	Type     string  `yaml:"type"` // delay | reverb | chorus | drive
	TimeMs   float64 `yaml:"time_ms"`
	Feedback float64 `yaml:"feedback"`
	Cross    float64 `yaml:"cross"`
	Room     float64 `yaml:"room"`
	DepthMs  float64 `yaml:"depth_ms"`
	RateHz   float64 `yaml:"rate_hz"`
	Drive    float64 `yaml:"drive"`
	ToneHz   float64 `yaml:"tone_hz"` // drive output lowpass, 0 = off
	Wet      float64 `yaml:"wet"`
}

func (p EffectParams) validate() error {
	switch strings.ToLower(p.Type) {
	case "delay", "reverb", "chorus", "drive":
		return nil
	default:
		return fmt.Errorf("unknown effect type %q", p.Type)
	}
}

// NewEffect builds the insert described by p.
func NewEffect(sampleRate int, p EffectParams) (Effect, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	switch strings.ToLower(p.Type) {
	case "delay":
		return NewDelay(sampleRate, orDefault(p.TimeMs, 250), orDefault(p.Feedback, 0.4), p.Cross, orDefault(p.Wet, 0.3)), nil
	case "chorus":
		return NewChorus(sampleRate, orDefault(p.TimeMs, 15), orDefault(p.DepthMs, 3), orDefault(p.RateHz, 0.8), p.Feedback, orDefault(p.Wet, 0.5)), nil
	case "drive":
		return NewDrive(sampleRate, orDefault(p.Drive, 4), p.ToneHz, orDefault(p.Wet, 1)), nil
	default:
		return NewReverb(sampleRate, orDefault(p.Room, 0.5), orDefault(p.Feedback, 0.7), orDefault(p.Wet, 0.25)), nil
	}
}

func orDefault(v, def float64) float64 {
	if v == 0 || math.IsNaN(v) {
		return def
	}
	return v
}

func clampF(v, lo, hi float64) float32 {
	return float32(math.Max(lo, math.Min(hi, v)))
}

// Delay is a stereo feedback delay with cross-channel bleed.
type Delay struct {
	bufL, bufR []float32
	pos        int
	feedback   float32
	cross      float32
	wet        float32
}

func NewDelay(sampleRate int, timeMs, feedback, cross, wet float64) *Delay {
	n := int(timeMs * float64(sampleRate) / 1000)
	if n < 1 {
		n = 1
	}
	return &Delay{
		bufL:     make([]float32, n),
		bufR:     make([]float32, n),
		feedback: clampF(feedback, 0, 0.95),
		cross:    clampF(cross, 0, 1),
		wet:      clampF(wet, 0, 1),
	}
}

func (d *Delay) Process(left, right []float32) {
	fbSelf := d.feedback * (1 - d.cross)
	fbCross := d.feedback * d.cross
	for i := range left {
		dl, dr := d.bufL[d.pos], d.bufR[d.pos]
		d.bufL[d.pos] = left[i] + dl*fbSelf + dr*fbCross
		d.bufR[d.pos] = right[i] + dr*fbSelf + dl*fbCross
		if d.pos++; d.pos == len(d.bufL) {
			d.pos = 0
		}
		left[i] += (dl - left[i]) * d.wet
		right[i] += (dr - right[i]) * d.wet
	}
}

func (d *Delay) Reset() {
	vek32.Zeros_Into(d.bufL, len(d.bufL))
	vek32.Zeros_Into(d.bufR, len(d.bufR))
	d.pos = 0
}

type delayLine struct {
	buf []float32
	pos int
	fb  float32
}

func newDelayLine(n int, fb float32) delayLine {
	if n < 1 {
		n = 1
	}
	return delayLine{buf: make([]float32, n), fb: fb}
}

func (c *delayLine) comb(in float32) float32 {
	out := c.buf[c.pos]
	c.buf[c.pos] = in + out*c.fb
	if c.pos++; c.pos == len(c.buf) {
		c.pos = 0
	}
	return out
}

func (c *delayLine) allpass(in float32) float32 {
	z := c.buf[c.pos]
	c.buf[c.pos] = in + z*c.fb
	if c.pos++; c.pos == len(c.buf) {
		c.pos = 0
	}
	return z - in
}

func (c *delayLine) reset() {
	vek32.Zeros_Into(c.buf, len(c.buf))
	c.pos = 0
}

// Reverb is a mono-summed Schroeder reverb: four parallel combs into two
// allpasses, mixed back into both channels.
type Reverb struct {
	combs   [4]delayLine
	allpass [2]delayLine
	wet     float32
}

func NewReverb(sampleRate int, room, feedback, wet float64) *Reverb {
	base := int(float64(sampleRate) * clampF64(room, 0.05, 1) * 0.05)
	if base < 10 {
		base = 10
	}
	fb := clampF(feedback, 0, 0.95)
	r := &Reverb{wet: clampF(wet, 0, 1)}
	for i, ratio := range [4]int{1000, 1117, 1271, 1437} {
		r.combs[i] = newDelayLine(base*ratio/1000, fb)
	}
	for i, ratio := range [2]int{347, 213} {
		r.allpass[i] = newDelayLine(base*ratio/1000, 0.5)
	}
	return r
}

func clampF64(v, lo, hi float64) float64 { return math.Max(lo, math.Min(hi, v)) }

func (r *Reverb) Process(left, right []float32) {
	for i := range left {
		mono := (left[i] + right[i]) * 0.5
		var out float32
		for c := range r.combs {
			out += r.combs[c].comb(mono)
		}
		out *= 0.25
		for a := range r.allpass {
			out = r.allpass[a].allpass(out)
		}
		left[i] += (out - left[i]) * r.wet
		right[i] += (out - right[i]) * r.wet
	}
}

func (r *Reverb) Reset() {
	for i := range r.combs {
		r.combs[i].reset()
	}
	for i := range r.allpass {
		r.allpass[i].reset()
	}
}

// Chorus is a stereo modulated delay. The right channel's LFO runs a
// quarter cycle ahead of the left.
type Chorus struct {
	bufL, bufR []float32
	pos        int
	base       float32 // delay centre in samples
	depth      float32
	step       float64 // LFO phase increment, radians per sample
	phase      float64
	feedback   float32
	wet        float32
}

func NewChorus(sampleRate int, timeMs, depthMs, rateHz, feedback, wet float64) *Chorus {
	sr := float64(sampleRate)
	base := math.Max(1, timeMs*sr/1000)
	depth := math.Min(math.Max(0, depthMs*sr/1000), base-1)
	size := int(base+depth) + 2
	return &Chorus{
		bufL:     make([]float32, size),
		bufR:     make([]float32, size),
		base:     float32(base),
		depth:    float32(depth),
		step:     2 * math.Pi * math.Max(0, rateHz) / sr,
		feedback: clampF(feedback, 0, 0.9),
		wet:      clampF(wet, 0, 1),
	}
}

func (c *Chorus) tap(buf []float32, delay float32) float32 {
	size := len(buf)
	read := float32(c.pos) - delay
	for read < 0 {
		read += float32(size)
	}
	i := int(read)
	frac := read - float32(i)
	j := i + 1
	if j >= size {
		j = 0
	}
	return buf[i]*(1-frac) + buf[j]*frac
}

func (c *Chorus) Process(left, right []float32) {
	for i := range left {
		dl := c.tap(c.bufL, c.base+c.depth*float32(math.Sin(c.phase)))
		dr := c.tap(c.bufR, c.base+c.depth*float32(math.Cos(c.phase)))
		if c.phase += c.step; c.phase > 2*math.Pi {
			c.phase -= 2 * math.Pi
		}
		c.bufL[c.pos] = left[i] + dl*c.feedback
		c.bufR[c.pos] = right[i] + dr*c.feedback
		if c.pos++; c.pos == len(c.bufL) {
			c.pos = 0
		}
		left[i] += (dl - left[i]) * c.wet
		right[i] += (dr - right[i]) * c.wet
	}
}

func (c *Chorus) Reset() {
	vek32.Zeros_Into(c.bufL, len(c.bufL))
	vek32.Zeros_Into(c.bufR, len(c.bufR))
	c.pos = 0
	c.phase = 0
}

// Drive is tanh saturation with an optional one-pole lowpass on the
// shaped signal. Output is normalized so a full-scale input stays near
// full scale.
type Drive struct {
	drive    float32
	makeup   float32
	alpha    float32 // 0 = no lowpass
	lpL, lpR float32
	wet      float32
}

func NewDrive(sampleRate int, drive, toneHz, wet float64) *Drive {
	drive = clampF64(drive, 1, 100)
	d := &Drive{
		drive:  float32(drive),
		makeup: float32(1 / math.Tanh(drive)),
		wet:    clampF(wet, 0, 1),
	}
	if toneHz > 0 && toneHz < float64(sampleRate)/2 {
		dt := 1 / float64(sampleRate)
		rc := 1 / (2 * math.Pi * toneHz)
		d.alpha = float32(dt / (rc + dt))
	}
	return d
}

func (d *Drive) shape(x float32, lp *float32) float32 {
	y := float32(math.Tanh(float64(x*d.drive))) * d.makeup
	if d.alpha > 0 {
		*lp += d.alpha * (y - *lp)
		y = *lp
	}
	return y
}

func (d *Drive) Process(left, right []float32) {
	for i := range left {
		left[i] += (d.shape(left[i], &d.lpL) - left[i]) * d.wet
		right[i] += (d.shape(right[i], &d.lpR) - right[i]) * d.wet
	}
}

func (d *Drive) Reset() {
	d.lpL, d.lpR = 0, 0
}

// EQBands is the number of master EQ bands.
const EQBands = 5

var eqCrossovers = [EQBands - 1]float64{200, 800, 2500, 8000}

// EQ5 splits the signal with cascaded one-pole lowpasses at 200 Hz, 800 Hz,
// 2.5 kHz and 8 kHz. Band gains can be changed from any goroutine.
type EQ5 struct {
	gains  [EQBands]atomic.Uint32
	alphas [EQBands - 1]float32
	lpL    [EQBands - 1]float32
	lpR    [EQBands - 1]float32
}

func NewEQ5(sampleRate int) *EQ5 {
	eq := &EQ5{}
	dt := 1 / float64(sampleRate)
	for i, f := range eqCrossovers {
		rc := 1 / (2 * math.Pi * f)
		eq.alphas[i] = float32(dt / (rc + dt))
	}
	for i := range eq.gains {
		eq.gains[i].Store(math.Float32bits(1))
	}
	return eq
}

// SetGain sets band 0-4; 1 is unity.
func (eq *EQ5) SetGain(band int, gain float32) {
	if band < 0 || band >= EQBands {
		return
	}
	if gain < 0 || gain != gain {
		gain = 0
	}
	eq.gains[band].Store(math.Float32bits(gain))
}

func (eq *EQ5) Gain(band int) float32 {
	if band < 0 || band >= EQBands {
		return 1
	}
	return math.Float32frombits(eq.gains[band].Load())
}

func (eq *EQ5) flat() bool {
	for i := range eq.gains {
		if eq.gains[i].Load() != math.Float32bits(1) {
			return false
		}
	}
	return true
}

func (eq *EQ5) Process(left, right []float32) {
	var g [EQBands]float32
	for i := range g {
		g[i] = math.Float32frombits(eq.gains[i].Load())
	}
	for i := range left {
		left[i] = eq.split(&eq.lpL, left[i], &g)
		right[i] = eq.split(&eq.lpR, right[i], &g)
	}
}

func (eq *EQ5) split(lp *[EQBands - 1]float32, x float32, g *[EQBands]float32) float32 {
	var out float32
	rem := x
	for b := range lp {
		lp[b] += eq.alphas[b] * (rem - lp[b])
		out += lp[b] * g[b]
		rem -= lp[b]
	}
	return out + rem*g[EQBands-1]
}

func (eq *EQ5) Reset() {
	eq.lpL = [EQBands - 1]float32{}
	eq.lpR = [EQBands - 1]float32{}
}
