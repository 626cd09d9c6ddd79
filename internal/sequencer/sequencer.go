package sequencer

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"

	"github.com/cbegin/grainbox-go/internal/granular"
)

// VoiceEngine is the part of the granular engine the sequencer drives.
// Process, ActiveVoiceCount and PendingNoteCount run on the render goroutine.
type VoiceEngine interface {
	NoteOn(track int, t, duration float64, params granular.NoteParams) bool
	Process(dst []float32)
	Now() float64
	SampleRate() int
	BlockSize() int
	// ActiveVoiceCount and PendingNoteCount let the sequencer wait for
	// release tails before reporting that playback ended.
	ActiveVoiceCount() int
	PendingNoteCount() int
}

// EventKind identifies sequencer lifecycle events.
type EventKind int

const (
	EventLoopCompleted EventKind = iota
	EventPlaybackEnded
)

type Options struct {
	LoopPattern       bool
	OnEvent           func(EventKind)
	OnStep            func(step int) // called as each step is queued, on the render goroutine
	ReleaseTailFrames int            // silence to render after the last voice ends (0 = 0.5s)
}

// Level is a step's velocity level.
type Level uint8

const (
	Off Level = iota
	Soft
	Medium
	Hard
)

var levelGain = [...]float64{Off: 0, Soft: 0.45, Medium: 0.75, Hard: 1}

func (l Level) Gain() float64 {
	if int(l) >= len(levelGain) {
		return 1
	}
	return levelGain[l]
}

// ParseSteps reads a step grid such as "X...x.o.": '.' or '-' is a rest,
// 'o' soft, 'x' medium, 'X' hard; digits 0-3 give the level directly.
// Whitespace and '|' are ignored so bars can be separated.
func ParseSteps(grid string) ([]Level, error) {
	steps := make([]Level, 0, len(grid))
	for i, r := range grid {
		switch r {
		case ' ', '\t', '|':
			continue
		case '.', '-', '0':
			steps = append(steps, Off)
		case 'o', '1':
			steps = append(steps, Soft)
		case 'x', '2':
			steps = append(steps, Medium)
		case 'X', '3':
			steps = append(steps, Hard)
		default:
			return nil, fmt.Errorf("step grid %q: unexpected %q at %d", grid, r, i)
		}
	}
	return steps, nil
}

// FormatSteps is the inverse of ParseSteps.
func FormatSteps(steps []Level) string {
	var b strings.Builder
	for _, l := range steps {
		switch l {
		case Off:
			b.WriteByte('.')
		case Soft:
			b.WriteByte('o')
		case Medium:
			b.WriteByte('x')
		default:
			b.WriteByte('X')
		}
	}
	return b.String()
}

type Track struct {
	Name     string
	Index    int // engine track
	Steps    []Level
	Params   granular.NoteParams
	Duration float64 // note length in seconds; 0 uses Params.RelGrain
}

func (t *Track) level(step int) Level {
	if len(t.Steps) == 0 {
		return Off
	}
	return t.Steps[step%len(t.Steps)]
}

type Pattern struct {
	BPM          float64
	StepsPerBeat int
	Length       int     // steps per cycle; 0 uses the longest track
	Swing        float64 // delay of odd steps as a fraction of a step, 0..0.5
	Tracks       []Track
}

const (
	defaultBPM          = 120
	defaultStepsPerBeat = 4
	defaultLength       = 16
	maxSwing            = 0.5
)

// Normalize fills in defaults and clamps swing.
func (p Pattern) Normalize() Pattern {
	if !(p.BPM > 0) || math.IsInf(p.BPM, 0) {
		p.BPM = defaultBPM
	}
	if p.StepsPerBeat <= 0 {
		p.StepsPerBeat = defaultStepsPerBeat
	}
	if p.Length <= 0 {
		for _, t := range p.Tracks {
			if len(t.Steps) > p.Length {
				p.Length = len(t.Steps)
			}
		}
		if p.Length == 0 {
			p.Length = defaultLength
		}
	}
	if !(p.Swing > 0) {
		p.Swing = 0
	}
	if p.Swing > maxSwing {
		p.Swing = maxSwing
	}
	return p
}

// StepDuration is the length of one step in seconds.
func (p *Pattern) StepDuration() float64 {
	return 60 / (p.BPM * float64(p.StepsPerBeat))
}

// Sequencer queues pattern steps as engine notes one block ahead of the
// render clock and renders the engine.
type Sequencer struct {
	pattern           Pattern
	engine            VoiceEngine
	sampleRate        float64
	stepDur           float64
	origin            float64 // transport time of step 0 in the current cycle
	step              int
	loop              bool
	onEvent           func(EventKind)
	onStep            func(int)
	exhausted         bool
	ended             atomic.Bool
	releaseTailFrames int
	pendingBPM        atomic.Uint64 // float64 bits, 0 when unchanged
}

func New(pattern Pattern, engine VoiceEngine) *Sequencer {
	return NewWithOptions(pattern, engine, Options{})
}

func NewWithOptions(pattern Pattern, engine VoiceEngine, opts Options) *Sequencer {
	pattern = pattern.Normalize()
	tail := opts.ReleaseTailFrames
	if tail <= 0 {
		tail = engine.SampleRate() / 2
	}
	return &Sequencer{
		pattern:           pattern,
		engine:            engine,
		sampleRate:        float64(engine.SampleRate()),
		stepDur:           pattern.StepDuration(),
		origin:            engine.Now(),
		loop:              opts.LoopPattern,
		onEvent:           opts.OnEvent,
		onStep:            opts.OnStep,
		releaseTailFrames: tail,
	}
}

func (s *Sequencer) Pattern() Pattern { return s.pattern }

// Step is the index of the next step to be queued.
func (s *Sequencer) Step() int { return s.step }

// Ended reports whether EventPlaybackEnded has fired. Safe from any
// goroutine.
func (s *Sequencer) Ended() bool { return s.ended.Load() }

// SetBPM changes tempo from any goroutine. It takes effect at the next
// block without moving steps already queued.
func (s *Sequencer) SetBPM(bpm float64) {
	if !(bpm > 0) || math.IsInf(bpm, 0) {
		return
	}
	s.pendingBPM.Store(math.Float64bits(bpm))
}

func (s *Sequencer) BPM() float64 {
	if b := s.pendingBPM.Load(); b != 0 {
		return math.Float64frombits(b)
	}
	return s.pattern.BPM
}

func (s *Sequencer) Process(dst []float32) {
	frames := len(dst) / 2
	block := s.engine.BlockSize()
	for off := 0; off < frames; {
		n := frames - off
		if n > block {
			n = block
		}
		s.applyTempo()
		s.dispatch(s.engine.Now() + float64(n)/s.sampleRate)
		s.engine.Process(dst[off*2 : (off+n)*2])
		off += n
		s.checkEnded(n)
	}
}

func (s *Sequencer) applyTempo() {
	bits := s.pendingBPM.Swap(0)
	if bits == 0 {
		return
	}
	bpm := math.Float64frombits(bits)
	if bpm == s.pattern.BPM {
		return
	}
	// Keep the next step where it is and stretch the rest of the cycle.
	next := s.origin + float64(s.step)*s.stepDur
	s.pattern.BPM = bpm
	s.stepDur = s.pattern.StepDuration()
	s.origin = next - float64(s.step)*s.stepDur
}

func (s *Sequencer) stepTime(step int) float64 {
	t := s.origin + float64(step)*s.stepDur
	if step%2 == 1 {
		t += s.pattern.Swing * s.stepDur
	}
	return t
}

// dispatch queues every step that starts before horizon.
func (s *Sequencer) dispatch(horizon float64) {
	for !s.exhausted {
		t := s.stepTime(s.step)
		if t >= horizon {
			return
		}
		for i := range s.pattern.Tracks {
			tr := &s.pattern.Tracks[i]
			lvl := tr.level(s.step)
			if lvl == Off {
				continue
			}
			params := tr.Params
			params.Velocity *= lvl.Gain()
			dur := tr.Duration
			if dur <= 0 {
				dur = params.RelGrain
			}
			s.engine.NoteOn(tr.Index, t, dur, params)
		}
		if s.onStep != nil {
			s.onStep(s.step)
		}
		s.step++
		if s.step < s.pattern.Length {
			continue
		}
		if s.loop {
			s.origin += float64(s.pattern.Length) * s.stepDur
			s.step = 0
			if s.onEvent != nil {
				s.onEvent(EventLoopCompleted)
			}
		} else {
			s.exhausted = true
		}
	}
}

func (s *Sequencer) checkEnded(frames int) {
	if !s.exhausted || s.ended.Load() {
		return
	}
	if s.engine.ActiveVoiceCount() > 0 || s.engine.PendingNoteCount() > 0 {
		return
	}
	s.releaseTailFrames -= frames
	if s.releaseTailFrames > 0 {
		return
	}
	s.ended.Store(true)
	if s.onEvent != nil {
		s.onEvent(EventPlaybackEnded)
	}
}
