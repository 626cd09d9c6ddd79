package granular

const jitterSeed uint32 = 0x9E3779B9

// JitterRNG is a xorshift32 generator for spray and grain timing jitter.
// It is fast and deterministic, and not suitable for anything else.
type JitterRNG struct {
	state uint32
}

func NewJitterRNG(seed uint32) JitterRNG {
	if seed == 0 {
		seed = jitterSeed
	}
	return JitterRNG{state: seed}
}

// Float returns the next value in [0, 1).
func (r *JitterRNG) Float() float64 {
	x := r.state
	x ^= x << 13
	x ^= x >> 17
	x ^= x << 5
	r.state = x
	return float64(x) / 4294967296.0
}
