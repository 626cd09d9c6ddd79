package granular

import "math"

const (
	maxGrainsPerNote = 64
	spawnBudget      = 5 // per note per block
	sustainLevel     = 0.6
	timingJitter     = 0.1 // fraction of the grain interval
)

// NoteEvent is a queued note being expanded into grains.
type NoteEvent struct {
	Track    int
	Start    float64
	Duration float64
	Params   NoteParams

	nextGrainTime float64
	interval      float64
	index         int
	limit         int
}

// NextGrainTime is the transport time of the next grain onset.
func (n *NoteEvent) NextGrainTime() float64 { return n.nextGrainTime }

func (n *NoteEvent) Limit() int { return n.limit }

func newNoteEvent(track int, start, duration float64, params NoteParams, now float64) NoteEvent {
	params = params.Normalize()
	if !finite(start) {
		start = now
	}
	if !finite(duration) || duration < 0 {
		duration = 0
	}
	next := start
	if next < now {
		next = now
	}
	return NoteEvent{
		Track:         track,
		Start:         start,
		Duration:      duration,
		Params:        params,
		nextGrainTime: next,
		interval:      params.Interval(),
		limit:         params.GrainLimit(),
	}
}

// envelopeAt is the amplitude for a grain t seconds into its note. Release
// ends at RelGrain.
func envelopeAt(p *NoteParams, t float64) float64 {
	a, d, r := p.AmpAttack, p.AmpDecay, p.AmpRelease
	relStart := math.Max(a+d, p.RelGrain-r)
	switch {
	case t < 0:
		return 0
	case t < a:
		return t / a
	case t < a+d:
		return 1 - (1-sustainLevel)*(t-a)/d
	case t < relStart:
		return sustainLevel
	case r <= 0:
		return 0
	default:
		env := sustainLevel * (1 - (t-relStart)/r)
		if env < 0 {
			return 0
		}
		return env
	}
}

// schedule retires expired notes and spawns grains that fall before
// now+lookahead. Retired notes are compacted out in order.
func (e *Engine) schedule(now, lookahead float64) {
	horizon := now + lookahead
	keep := e.notes[:0]
	for i := range e.notes {
		n := e.notes[i]
		if now > n.Start+n.Duration || n.index >= n.limit {
			continue
		}
		budget := spawnBudget
		for n.nextGrainTime < horizon && budget > 0 && n.index < n.limit {
			if n.nextGrainTime >= now {
				e.spawnGrain(&n)
			}
			n.index++
			n.nextGrainTime += n.interval + n.interval*timingJitter*e.rng.Float()
			budget--
		}
		keep = append(keep, n)
	}
	e.notes = keep
}

// spawnGrain starts the grain at the note cursor, if the envelope is
// audible, the track has a buffer and the pool admits it.
func (e *Engine) spawnGrain(n *NoteEvent) {
	buf := e.buffers[n.Track]
	length := buf.Len()
	if length == 0 {
		return
	}
	p := &n.Params
	age := n.nextGrainTime - n.Start
	env := 1.0
	if n.index > 0 {
		env = envelopeAt(p, age)
		if env < silenceEps {
			return
		}
	}
	v := e.pool.Allocate()
	if v == nil {
		return
	}
	l := float64(length)
	start := (p.Position + p.PositionLFO.At(age)) * l
	if p.Spray > 0 {
		start += (2*e.rng.Float() - 1) * p.Spray * l * 0.5
	}
	start = math.Mod(start, l)
	if start < 0 {
		start += l
	}
	grainLen := int(p.GrainSize*e.sampleRate + 0.5)
	if grainLen < 2 {
		grainLen = 2
	}
	v.buf = buf
	v.bufLen = length
	v.startPos = start
	v.grainLen = grainLen
	v.invGrainLen = float64(LUTSize-1) / float64(grainLen)
	pitch := p.Pitch
	if p.PitchLFO.Active() {
		pitch = clamp(pitch*math.Exp2(p.PitchLFO.At(age)/12), minPitch, maxPitch)
	}
	v.pitch = pitch
	v.velocity = float32(p.Velocity * env)
	v.track = n.Track
}
