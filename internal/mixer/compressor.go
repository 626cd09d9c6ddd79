package mixer

import "math"

// CompressorParams configures the master-bus compressor.
type CompressorParams struct {
	Enabled     bool    `yaml:"enabled"`
	ThresholdDB float64 `yaml:"threshold_db"`
	Ratio       float64 `yaml:"ratio"`
	AttackMs    float64 `yaml:"attack_ms"`
	ReleaseMs   float64 `yaml:"release_ms"`
	MakeupDB    float64 `yaml:"makeup_db"`
}

func DefaultCompressorParams() CompressorParams {
	return CompressorParams{
		Enabled:     true,
		ThresholdDB: -6,
		Ratio:       4,
		AttackMs:    2,
		ReleaseMs:   120,
		MakeupDB:    0,
	}
}

// Compressor is a stereo-linked peak compressor: both channels share one
// envelope follower.
type Compressor struct {
	threshold float32
	ratio     float32
	attack    float32 // coefficient
	release   float32 // coefficient
	makeup    float32
	env       float32
}

func NewCompressor(sampleRate int, p CompressorParams) *Compressor {
	sr := float64(sampleRate)
	if p.Ratio < 1 {
		p.Ratio = 1
	}
	if p.AttackMs <= 0 {
		p.AttackMs = 0.1
	}
	if p.ReleaseMs <= 0 {
		p.ReleaseMs = 1
	}
	return &Compressor{
		threshold: float32(math.Pow(10, p.ThresholdDB/20)),
		ratio:     float32(p.Ratio),
		attack:    float32(1.0 - math.Exp(-1.0/(p.AttackMs*sr/1000.0))),
		release:   float32(1.0 - math.Exp(-1.0/(p.ReleaseMs*sr/1000.0))),
		makeup:    float32(math.Pow(10, p.MakeupDB/20)),
	}
}

func (c *Compressor) Process(l, r float32) (float32, float32) {
	level := float32(math.Abs(float64(l)))
	if ar := float32(math.Abs(float64(r))); ar > level {
		level = ar
	}
	if level > c.env {
		c.env += c.attack * (level - c.env)
	} else {
		c.env += c.release * (level - c.env)
	}
	g := c.gain(c.env) * c.makeup
	return l * g, r * g
}

func (c *Compressor) gain(env float32) float32 {
	if env <= c.threshold || c.threshold <= 0 {
		return 1
	}
	over := env / c.threshold
	return float32(math.Pow(float64(over), float64(1/c.ratio-1)))
}

func (c *Compressor) Reset() {
	c.env = 0
}
