package granular

// SourceBuffer is an immutable mono sample. Tracks swap the pointer to
// replace it; voices keep the pointer they started with.
type SourceBuffer struct {
	Samples []float32
}

func NewSourceBuffer(samples []float32) *SourceBuffer {
	return &SourceBuffer{Samples: samples}
}

func (b *SourceBuffer) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Samples)
}

// Voice is one sounding grain. It is owned by the render goroutine.
type Voice struct {
	active      bool
	buf         *SourceBuffer
	bufLen      int
	startPos    float64 // in samples
	phase       int
	grainLen    int
	invGrainLen float64
	pitch       float64
	velocity    float32
	track       int
	started     uint64
	releasing   bool
	releaseAmp  float32
}

func (v *Voice) Active() bool    { return v.active }
func (v *Voice) Releasing() bool { return v.releasing }
func (v *Voice) Track() int      { return v.track }
func (v *Voice) Phase() int      { return v.phase }
func (v *Voice) Started() uint64 { return v.started }

// VoicePool is a fixed array of voices with a free-index stack and a packed
// list of active indices. Both acquire and release are O(1).
type VoicePool struct {
	voices  []Voice
	free    []int32
	active  []int32
	slotPos []int32 // index into active, -1 when free
	clock   uint64

	spawned uint64
	dropped uint64
	stolen  uint64
}

func newVoicePool(capacity int) *VoicePool {
	p := &VoicePool{
		voices:  make([]Voice, capacity),
		free:    make([]int32, capacity),
		active:  make([]int32, 0, capacity),
		slotPos: make([]int32, capacity),
	}
	// Lowest index on top so allocation scans in slot order.
	for i := range p.free {
		p.free[i] = int32(capacity - 1 - i)
		p.slotPos[i] = -1
	}
	return p
}

func (p *VoicePool) Cap() int         { return len(p.voices) }
func (p *VoicePool) ActiveCount() int { return len(p.active) }

// Voice returns the voice in slot i.
func (p *VoicePool) Voice(i int) *Voice { return &p.voices[i] }

// Allocate activates a free voice. When the pool is saturated the oldest
// voice that is not already releasing is put into release and nil is
// returned; the request is dropped either way.
func (p *VoicePool) Allocate() *Voice {
	if n := len(p.free); n > 0 {
		idx := p.free[n-1]
		p.free = p.free[:n-1]
		p.slotPos[idx] = int32(len(p.active))
		p.active = append(p.active, idx)
		p.clock++
		p.spawned++
		v := &p.voices[idx]
		*v = Voice{active: true, started: p.clock, releaseAmp: 1}
		return v
	}
	p.dropped++
	oldest := -1
	var oldestStart uint64
	for _, idx := range p.active {
		v := &p.voices[idx]
		if v.releasing {
			continue
		}
		if oldest < 0 || v.started < oldestStart {
			oldest = int(idx)
			oldestStart = v.started
		}
	}
	if oldest >= 0 {
		p.voices[oldest].releasing = true
		p.stolen++
	}
	return nil
}

// deactivate clears slot idx and swap-removes it from the active list.
func (p *VoicePool) deactivate(idx int32) {
	pos := p.slotPos[idx]
	if pos < 0 {
		return
	}
	last := int32(len(p.active) - 1)
	moved := p.active[last]
	p.active[pos] = moved
	p.slotPos[moved] = pos
	p.active = p.active[:last]
	p.slotPos[idx] = -1
	p.voices[idx].active = false
	p.voices[idx].buf = nil
	p.free = append(p.free, idx)
}

// ReleaseTrack starts a fade on every active voice of a track. A negative
// track releases everything.
func (p *VoicePool) ReleaseTrack(track int) {
	for _, idx := range p.active {
		v := &p.voices[idx]
		if track < 0 || v.track == track {
			v.releasing = true
		}
	}
}

// Reset deactivates every voice without a fade.
func (p *VoicePool) Reset() {
	for len(p.active) > 0 {
		p.deactivate(p.active[len(p.active)-1])
	}
}
