package sequencer

import (
	"math"
	"testing"

	"github.com/cbegin/grainbox-go/internal/granular"
)

type noteOn struct {
	track    int
	t        float64
	duration float64
	velocity float64
}

type countingEngine struct {
	sampleRate int
	block      int
	frames     int
	notes      []noteOn
	active     int
	pending    int
}

func newCountingEngine() *countingEngine {
	return &countingEngine{sampleRate: 48000, block: 128}
}

func (e *countingEngine) NoteOn(track int, t, duration float64, p granular.NoteParams) bool {
	e.notes = append(e.notes, noteOn{track, t, duration, p.Velocity})
	return true
}
func (e *countingEngine) Process(dst []float32) { e.frames += len(dst) / 2 }
func (e *countingEngine) Now() float64          { return float64(e.frames) / float64(e.sampleRate) }
func (e *countingEngine) SampleRate() int       { return e.sampleRate }
func (e *countingEngine) BlockSize() int        { return e.block }
func (e *countingEngine) ActiveVoiceCount() int { return e.active }
func (e *countingEngine) PendingNoteCount() int { return e.pending }

func mustSteps(t *testing.T, grid string) []Level {
	t.Helper()
	steps, err := ParseSteps(grid)
	if err != nil {
		t.Fatalf("parse %q: %v", grid, err)
	}
	return steps
}

func fourOnFloor(t *testing.T) Pattern {
	return Pattern{
		BPM:          120,
		StepsPerBeat: 4,
		Tracks: []Track{
			{Name: "kick", Index: 0, Steps: mustSteps(t, "X...X...X...X..."), Params: granular.DefaultNoteParams()},
			{Name: "hat", Index: 2, Steps: mustSteps(t, "..o...x...o...x."), Params: granular.DefaultNoteParams()},
		},
	}
}

func TestParseSteps(t *testing.T) {
	for _, tc := range []struct {
		grid string
		want []Level
	}{
		{"X.x.", []Level{Hard, Off, Medium, Off}},
		{"o-1 2|3 0", []Level{Soft, Off, Soft, Medium, Hard, Off}},
		{"", []Level{}},
	} {
		got, err := ParseSteps(tc.grid)
		if err != nil {
			t.Fatalf("ParseSteps(%q): %v", tc.grid, err)
		}
		if len(got) != len(tc.want) {
			t.Fatalf("ParseSteps(%q) = %v, want %v", tc.grid, got, tc.want)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("ParseSteps(%q)[%d] = %v, want %v", tc.grid, i, got[i], tc.want[i])
			}
		}
	}
	if _, err := ParseSteps("x?x"); err == nil {
		t.Fatalf("expected error for unknown step character")
	}
	if got := FormatSteps(mustSteps(t, "X.x.o")); got != "X.x.o" {
		t.Fatalf("FormatSteps round trip = %q", got)
	}
}

func TestPatternNormalize(t *testing.T) {
	p := Pattern{BPM: math.NaN(), Swing: 2, Tracks: []Track{{Steps: make([]Level, 12)}, {Steps: make([]Level, 8)}}}.Normalize()
	if p.BPM != 120 || p.StepsPerBeat != 4 {
		t.Fatalf("defaults: bpm=%v stepsPerBeat=%d", p.BPM, p.StepsPerBeat)
	}
	if p.Length != 12 {
		t.Fatalf("length = %d, want longest track 12", p.Length)
	}
	if p.Swing != 0.5 {
		t.Fatalf("swing = %v, want clamp 0.5", p.Swing)
	}
	if got := (Pattern{}).Normalize().Length; got != 16 {
		t.Fatalf("empty pattern length = %d, want 16", got)
	}
	if d := p.StepDuration(); math.Abs(d-0.125) > 1e-12 {
		t.Fatalf("step duration = %v, want 0.125", d)
	}
}

func TestSequencerQueuesStepsAtStepTimes(t *testing.T) {
	eng := newCountingEngine()
	seq := New(fourOnFloor(t), eng)
	// One cycle is 16 * 0.125s = 2s.
	buf := make([]float32, 48000*2*2)
	seq.Process(buf)

	var kicks, hats []noteOn
	for _, n := range eng.notes {
		switch n.track {
		case 0:
			kicks = append(kicks, n)
		case 2:
			hats = append(hats, n)
		default:
			t.Fatalf("note on unexpected track %d", n.track)
		}
	}
	if len(kicks) != 4 || len(hats) != 4 {
		t.Fatalf("kicks=%d hats=%d, want 4 each", len(kicks), len(hats))
	}
	for i, k := range kicks {
		if want := float64(i) * 0.5; math.Abs(k.t-want) > 1e-9 {
			t.Fatalf("kick %d at %v, want %v", i, k.t, want)
		}
		if k.velocity != 1 {
			t.Fatalf("hard step velocity = %v, want 1", k.velocity)
		}
		if k.duration != granular.DefaultNoteParams().RelGrain {
			t.Fatalf("default note length = %v, want relGrain", k.duration)
		}
	}
	if hats[0].velocity != Soft.Gain() || hats[1].velocity != Medium.Gain() {
		t.Fatalf("hat velocities %v %v follow step levels", hats[0].velocity, hats[1].velocity)
	}
}

func TestSequencerQueuesOneBlockAhead(t *testing.T) {
	eng := newCountingEngine()
	p := Pattern{BPM: 120, StepsPerBeat: 4, Tracks: []Track{{Steps: mustSteps(t, "XXXX"), Params: granular.DefaultNoteParams()}}}
	seq := New(p, eng)
	seq.Process(make([]float32, 128*2))
	if len(eng.notes) != 1 {
		t.Fatalf("after one block queued %d notes, want 1", len(eng.notes))
	}
	for _, n := range eng.notes {
		if n.t >= float64(eng.frames)/48000 {
			t.Fatalf("note at %v queued beyond the rendered block", n.t)
		}
	}
}

func TestSequencerLoopsWhenEnabled(t *testing.T) {
	eng := newCountingEngine()
	loops := 0
	seq := NewWithOptions(fourOnFloor(t), eng, Options{
		LoopPattern: true,
		OnEvent: func(k EventKind) {
			if k == EventLoopCompleted {
				loops++
			}
		},
	})
	// 4.25s: wraps at 1.875s and 3.875s, third cycle's first kick at 4s.
	buf := make([]float32, 48000*2*17/4)
	seq.Process(buf)
	if loops != 2 {
		t.Fatalf("loops = %d, want 2", loops)
	}
	kicks := 0
	for _, n := range eng.notes {
		if n.track == 0 {
			kicks++
		}
	}
	if kicks != 9 {
		t.Fatalf("kicks = %d, want 9", kicks)
	}
	if seq.Ended() {
		t.Fatalf("looping pattern reported playback ended")
	}
}

func TestSequencerEndsAfterReleaseTail(t *testing.T) {
	eng := newCountingEngine()
	var events []EventKind
	seq := NewWithOptions(fourOnFloor(t), eng, Options{
		ReleaseTailFrames: 4800,
		OnEvent:           func(k EventKind) { events = append(events, k) },
	})
	eng.active = 1
	seq.Process(make([]float32, 48000*3*2))
	if seq.Ended() {
		t.Fatalf("ended while voices were still sounding")
	}
	eng.active = 0
	eng.pending = 1
	seq.Process(make([]float32, 4800*2*2))
	if seq.Ended() {
		t.Fatalf("ended while notes were still pending")
	}
	eng.pending = 0
	seq.Process(make([]float32, 4800*2))
	if !seq.Ended() {
		t.Fatalf("expected playback ended after the release tail")
	}
	if len(events) != 1 || events[0] != EventPlaybackEnded {
		t.Fatalf("events = %v, want a single EventPlaybackEnded", events)
	}
	seq.Process(make([]float32, 4800*2))
	if len(events) != 1 {
		t.Fatalf("playback ended fired twice")
	}
}

func TestSequencerSwingDelaysOddSteps(t *testing.T) {
	eng := newCountingEngine()
	p := Pattern{BPM: 120, StepsPerBeat: 4, Swing: 0.5, Tracks: []Track{{Steps: mustSteps(t, "XX"), Params: granular.DefaultNoteParams()}}}
	New(p, eng).Process(make([]float32, 48000*2))
	if len(eng.notes) < 2 {
		t.Fatalf("queued %d notes", len(eng.notes))
	}
	if got, want := eng.notes[1].t, 0.125*1.5; math.Abs(got-want) > 1e-9 {
		t.Fatalf("swung step at %v, want %v", got, want)
	}
}

func TestSequencerSetBPMKeepsNextStep(t *testing.T) {
	eng := newCountingEngine()
	p := Pattern{BPM: 120, StepsPerBeat: 4, Length: 64, Tracks: []Track{{Steps: mustSteps(t, "X"), Params: granular.DefaultNoteParams()}}}
	seq := New(p, eng)
	seq.Process(make([]float32, 5000*2)) // only step 0 falls inside
	if seq.Step() != 1 {
		t.Fatalf("next step = %d, want 1", seq.Step())
	}
	seq.SetBPM(60)
	if seq.BPM() != 60 {
		t.Fatalf("pending bpm not reported")
	}
	seq.Process(make([]float32, 48000*2))
	if len(eng.notes) < 3 {
		t.Fatalf("queued %d notes", len(eng.notes))
	}
	if got := eng.notes[1].t; math.Abs(got-0.125) > 1e-9 {
		t.Fatalf("step 1 moved to %v", got)
	}
	if got := eng.notes[2].t - eng.notes[1].t; math.Abs(got-0.25) > 1e-9 {
		t.Fatalf("step spacing after tempo change = %v, want 0.25", got)
	}
	seq.SetBPM(-1)
	if seq.BPM() != 60 {
		t.Fatalf("invalid bpm accepted")
	}
}

func TestSequencerDrivesRealEngine(t *testing.T) {
	eng, err := granular.New(granular.DefaultConfig(48000))
	if err != nil {
		t.Fatal(err)
	}
	src := make([]float32, 4800)
	for i := range src {
		src[i] = float32(math.Sin(float64(i) * 0.05))
	}
	eng.SetBuffer(0, granular.NewSourceBuffer(src))
	p := Pattern{BPM: 120, StepsPerBeat: 4, Tracks: []Track{{Steps: mustSteps(t, "X..."), Params: granular.DefaultNoteParams()}}}
	seq := New(p, eng)
	buf := make([]float32, 48000/4*2)
	seq.Process(buf)

	var energy float64
	for _, s := range buf {
		energy += math.Abs(float64(s))
	}
	if energy == 0 {
		t.Fatalf("expected non-zero audio energy")
	}
}
