package granular

import (
	"testing"

	"github.com/cbegin/grainbox-go/internal/lfo"
)

const testRate = 48000

func newTestEngine(t testing.TB, voices, tracks int) *Engine {
	t.Helper()
	cfg := DefaultConfig(testRate)
	cfg.MaxVoices = voices
	cfg.Tracks = tracks
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e
}

func newOutputs(tracks, frames int) TrackOutputs {
	out := make(TrackOutputs, tracks)
	for i := range out {
		out[i] = [][]float32{make([]float32, frames)}
	}
	return out
}

func zero(out TrackOutputs) {
	for _, chs := range out {
		for _, ch := range chs {
			for i := range ch {
				ch[i] = 0
			}
		}
	}
}

func scenarioParams() NoteParams {
	p := DefaultNoteParams()
	p.Density = 20
	p.GrainSize = 0.1
	p.Position = 0.5
	p.Pitch = 1.0
	p.Spray = 0
	p.RelGrain = 0.4
	return p
}

type spawn struct {
	block    int
	startPos float64
	velocity float32
	track    int
}

// runBlocks renders blocks of 128 frames and records each voice the first
// time it is seen.
func runBlocks(t *testing.T, e *Engine, out TrackOutputs, blocks int) []spawn {
	t.Helper()
	var spawns []spawn
	var seen uint64
	frames := len(out[0][0])
	for b := 0; b < blocks; b++ {
		zero(out)
		e.Render(out, float64(b*frames)/testRate)
		checkInvariants(t, e.pool)
		// Walk start stamps so the slice mirrors spawn order.
		for s := seen + 1; s <= e.pool.clock; s++ {
			for _, idx := range e.pool.active {
				v := &e.pool.voices[idx]
				if v.started == s {
					spawns = append(spawns, spawn{block: b, startPos: v.startPos, velocity: v.velocity, track: v.track})
				}
			}
		}
		seen = e.pool.clock
	}
	return spawns
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	for _, tc := range []struct {
		name string
		mod  func(*Config)
	}{
		{"sample rate", func(c *Config) { c.SampleRate = 0 }},
		{"voices", func(c *Config) { c.MaxVoices = 0 }},
		{"negative voices", func(c *Config) { c.MaxVoices = -4 }},
		{"tracks", func(c *Config) { c.Tracks = 0 }},
		{"block size", func(c *Config) { c.BlockSize = 0 }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig(testRate)
			tc.mod(&cfg)
			if _, err := New(cfg); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestScenarioNoteExpandsIntoEightGrains(t *testing.T) {
	e := newTestEngine(t, 64, 2)
	const length = 48000
	e.SetBuffer(0, sineBuffer(length, 220, testRate))
	e.NoteOn(0, 0, 0.5, scenarioParams())
	out := newOutputs(2, 128)
	spawns := runBlocks(t, e, out, 0.6*testRate/128)

	if len(spawns) != 8 {
		t.Fatalf("spawned %d grains, want 8", len(spawns))
	}
	if spawns[0].block != 0 {
		t.Fatalf("first grain spawned in block %d, want 0", spawns[0].block)
	}
	if spawns[0].velocity != 1 {
		t.Fatalf("first grain envelope = %v, want 1", spawns[0].velocity)
	}
	for i, s := range spawns {
		if s.startPos != 0.5*length {
			t.Fatalf("grain %d starts at %v, want %v", i, s.startPos, 0.5*length)
		}
		if s.velocity <= 0 || s.velocity > 1 {
			t.Fatalf("grain %d envelope %v out of range", i, s.velocity)
		}
	}
	// Grain 7 lands after 0.35s, inside the release ramp that ends at 0.4s.
	if last := spawns[7].velocity; last >= sustainLevel {
		t.Fatalf("last grain envelope = %v, want below sustain", last)
	}
	// Onsets are 0.05s apart, about 18.75 blocks.
	for i := 1; i < len(spawns); i++ {
		gap := spawns[i].block - spawns[i-1].block
		if gap < 18 || gap > 21 {
			t.Fatalf("gap between grains %d and %d is %d blocks", i-1, i, gap)
		}
	}
	if n := len(e.Notes()); n != 0 {
		t.Fatalf("%d notes still pending after the note ended", n)
	}
}

func TestSetBufferThenNoteOnSpawnsInFirstBlock(t *testing.T) {
	e := newTestEngine(t, 8, 4)
	e.SetBuffer(3, sineBuffer(1024, 440, testRate))
	e.NoteOn(3, 0, 0.5, DefaultNoteParams())
	out := newOutputs(4, 128)
	e.Render(out, 0)
	if got := e.ActiveVoiceCount(); got != 1 {
		t.Fatalf("active voices after first block = %d, want 1", got)
	}
	if e.pool.voices[e.pool.active[0]].Track() != 3 {
		t.Fatalf("voice spawned on the wrong track")
	}
}

func TestNoteOnWithoutBufferIsSilent(t *testing.T) {
	e := newTestEngine(t, 8, 2)
	e.NoteOn(1, 0, 0.5, DefaultNoteParams())
	out := newOutputs(2, 128)
	for b := 0; b < 10; b++ {
		zero(out)
		if !e.Render(out, float64(b*128)/testRate) {
			t.Fatalf("render stopped")
		}
	}
	if e.ActiveVoiceCount() != 0 {
		t.Fatalf("bufferless track produced voices")
	}
	for _, s := range out[1][0] {
		if s != 0 {
			t.Fatalf("bufferless track produced audio")
		}
	}
}

func TestLateNoteStillSpawnsFirstGrain(t *testing.T) {
	e := newTestEngine(t, 8, 1)
	e.SetBuffer(0, sineBuffer(4096, 440, testRate))
	e.NoteOn(0, 0.5, 1, DefaultNoteParams())
	out := newOutputs(1, 128)
	e.Render(out, 0.52)
	if e.ActiveVoiceCount() != 1 {
		t.Fatalf("note arriving after its start time lost its first grain")
	}
}

func TestPoolSaturationStealsAndCaps(t *testing.T) {
	const capacity = 4
	e := newTestEngine(t, capacity, 1)
	e.SetBuffer(0, sineBuffer(48000, 220, testRate))
	p := DefaultNoteParams()
	p.GrainSize = 0.5
	p.Density = 100
	p.RelGrain = 1
	e.NoteOn(0, 0, 1, p)
	out := newOutputs(1, 128)
	for b := 0; b < 200; b++ {
		zero(out)
		e.Render(out, float64(b*128)/testRate)
		checkInvariants(t, e.pool)
		if n := e.ActiveVoiceCount(); n > capacity {
			t.Fatalf("block %d: %d active voices exceed capacity %d", b, n, capacity)
		}
	}
	st := e.Stats()
	if st.Stolen == 0 || st.Dropped == 0 {
		t.Fatalf("expected steals and drops under saturation, got %+v", st)
	}
	if st.Spawned > 64 {
		t.Fatalf("spawned %d grains, above the per-note limit", st.Spawned)
	}
}

func TestStealingReleasesExactlyOneVoice(t *testing.T) {
	const capacity = 3
	e := newTestEngine(t, capacity, 1)
	e.SetBuffer(0, sineBuffer(48000, 220, testRate))
	p := DefaultNoteParams()
	p.GrainSize = 1
	// One note per voice plus one extra, all at t=0.
	for i := 0; i < capacity+1; i++ {
		e.NoteOn(0, 0, 1, p)
	}
	e.drain(0)
	e.schedule(0, 128.0/testRate)
	if n := e.ActiveVoiceCount(); n != capacity {
		t.Fatalf("active voices = %d, want %d", n, capacity)
	}
	releasing := 0
	var oldest *Voice
	for _, idx := range e.pool.active {
		v := &e.pool.voices[idx]
		if v.releasing {
			releasing++
		}
		if oldest == nil || v.started < oldest.started {
			oldest = v
		}
	}
	if releasing != 1 || !oldest.releasing {
		t.Fatalf("releasing=%d oldestReleasing=%v, want exactly the oldest", releasing, oldest.releasing)
	}
}

func TestStopTrackReleasesVoicesAndPurgesNotes(t *testing.T) {
	e := newTestEngine(t, 16, 2)
	e.SetBuffer(0, sineBuffer(48000, 220, testRate))
	e.SetBuffer(1, sineBuffer(48000, 330, testRate))
	p := DefaultNoteParams()
	p.GrainSize = 0.5
	e.NoteOn(0, 0, 1, p)
	e.NoteOn(1, 0, 1, p)
	e.NoteOn(0, 0.5, 1, p)
	out := newOutputs(2, 128)
	e.Render(out, 0)
	if e.ActiveVoiceCount() != 2 {
		t.Fatalf("active voices = %d, want 2", e.ActiveVoiceCount())
	}

	e.StopTrack(0)
	e.drain(128.0 / testRate)
	for _, idx := range e.pool.active {
		v := &e.pool.voices[idx]
		if want := v.track == 0; v.releasing != want {
			t.Fatalf("track %d voice releasing=%v, want %v", v.track, v.releasing, want)
		}
		if !v.active {
			t.Fatalf("stopTrack should fade, not cut")
		}
	}
	for _, n := range e.Notes() {
		if n.Track == 0 {
			t.Fatalf("track 0 note survived StopTrack")
		}
	}
	if len(e.Notes()) != 1 {
		t.Fatalf("pending notes = %d, want 1", len(e.Notes()))
	}

	// The fade completes within one block.
	zero(out)
	e.Render(out, 128.0/testRate)
	for _, idx := range e.pool.active {
		if e.pool.voices[idx].track == 0 {
			t.Fatalf("released voice still active after its fade")
		}
	}
}

func TestStopAllReleasesEverything(t *testing.T) {
	e := newTestEngine(t, 16, 2)
	e.SetBuffer(0, sineBuffer(48000, 220, testRate))
	e.SetBuffer(1, sineBuffer(48000, 330, testRate))
	e.NoteOn(0, 0, 1, DefaultNoteParams())
	e.NoteOn(1, 0, 1, DefaultNoteParams())
	out := newOutputs(2, 128)
	e.Render(out, 0)
	e.StopAll()
	e.drain(0)
	for _, idx := range e.pool.active {
		if !e.pool.voices[idx].releasing {
			t.Fatalf("voice %d not releasing after StopAll", idx)
		}
	}
	if len(e.Notes()) != 0 {
		t.Fatalf("StopAll left %d notes", len(e.Notes()))
	}
}

func TestMissingTrackOutputDeactivates(t *testing.T) {
	e := newTestEngine(t, 8, 2)
	e.SetBuffer(1, sineBuffer(48000, 220, testRate))
	e.NoteOn(1, 0, 1, DefaultNoteParams())
	out := newOutputs(2, 128)
	out[1] = nil
	e.Render(out, 0)
	if e.ActiveVoiceCount() != 0 {
		t.Fatalf("voice on a track without output should be deactivated")
	}
	checkInvariants(t, e.pool)
}

func TestShortTrackOutputDeactivates(t *testing.T) {
	for name, chs := range map[string][][]float32{
		"nil channel":   {nil},
		"short channel": {make([]float32, 64)},
		"one of two":    {make([]float32, 128), make([]float32, 127)},
	} {
		t.Run(name, func(t *testing.T) {
			e := newTestEngine(t, 8, 2)
			e.SetBuffer(1, sineBuffer(48000, 220, testRate))
			e.NoteOn(1, 0, 1, DefaultNoteParams())
			out := newOutputs(2, 128)
			out[1] = chs
			e.Render(out, 0)
			if got := e.Stats().Spawned; got != 1 {
				t.Fatalf("spawned = %d, want 1", got)
			}
			if e.ActiveVoiceCount() != 0 {
				t.Fatalf("voice on a track with a short output should be deactivated")
			}
			for i, s := range out[0][0] {
				if s != 0 {
					t.Fatalf("track 0 sample %d = %v, want silence", i, s)
				}
			}
			checkInvariants(t, e.pool)
		})
	}
}

func TestBufferSwapKeepsOldReaders(t *testing.T) {
	e := newTestEngine(t, 8, 1)
	old := sineBuffer(48000, 220, testRate)
	e.SetBuffer(0, old)
	p := DefaultNoteParams()
	p.GrainSize = 0.5
	e.NoteOn(0, 0, 0.01, p)
	out := newOutputs(1, 128)
	e.Render(out, 0)
	e.SetBuffer(0, NewSourceBuffer(make([]float32, 10)))
	zero(out)
	e.Render(out, 128.0/testRate)
	if e.ActiveVoiceCount() != 1 {
		t.Fatalf("voice stopped after buffer swap")
	}
	v := &e.pool.voices[e.pool.active[0]]
	if v.buf != old {
		t.Fatalf("running voice switched buffers")
	}
}

func TestRenderAccumulatesOverCallerContent(t *testing.T) {
	e := newTestEngine(t, 8, 1)
	out := newOutputs(1, 64)
	for i := range out[0][0] {
		out[0][0][i] = 0.25
	}
	e.Render(out, 0)
	for i, s := range out[0][0] {
		if s != 0.25 {
			t.Fatalf("sample %d overwritten: %v", i, s)
		}
	}
}

func TestCloseStopsRendering(t *testing.T) {
	e := newTestEngine(t, 8, 1)
	out := newOutputs(1, 128)
	if !e.Render(out, 0) {
		t.Fatalf("render should run before Close")
	}
	e.Close()
	if e.Render(out, 0) {
		t.Fatalf("render should stop after Close")
	}
}

func TestCommandQueueOverflowIsReported(t *testing.T) {
	cfg := DefaultConfig(testRate)
	cfg.CommandQueue = 2
	e, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !e.NoteOn(0, 0, 1, DefaultNoteParams()) || !e.NoteOn(0, 0, 1, DefaultNoteParams()) {
		t.Fatalf("queue rejected commands below capacity")
	}
	if e.NoteOn(0, 0, 1, DefaultNoteParams()) {
		t.Fatalf("full queue accepted a command")
	}
	if got := e.Stats().CommandsDropped; got != 1 {
		t.Fatalf("dropped commands = %d, want 1", got)
	}
}

func TestNoteQueueOverflowIsCounted(t *testing.T) {
	cfg := DefaultConfig(testRate)
	cfg.MaxNotes = 2
	e, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if !e.NoteOn(0, 10, 1, DefaultNoteParams()) {
			t.Fatalf("command %d rejected", i)
		}
	}
	e.Render(newOutputs(cfg.Tracks, 128), 0)
	if n := e.PendingNoteCount(); n != 2 {
		t.Fatalf("pending notes = %d, want 2", n)
	}
	st := e.Stats()
	if st.NotesDropped != 1 || st.CommandsDropped != 0 {
		t.Fatalf("notes dropped = %d, commands dropped = %d, want 1 and 0", st.NotesDropped, st.CommandsDropped)
	}
}

func TestProcessProducesAudioAndAdvancesClock(t *testing.T) {
	e := newTestEngine(t, 32, 2)
	e.SetBuffer(0, sineBuffer(48000, 220, testRate))
	e.NoteOn(0, 0, 0.5, scenarioParams())
	dst := make([]float32, 4800*2)
	e.Process(dst)
	var energy float64
	for _, s := range dst {
		if s < 0 {
			energy -= float64(s)
		} else {
			energy += float64(s)
		}
	}
	if energy == 0 {
		t.Fatalf("expected non-zero audio energy")
	}
	if got, want := e.Now(), 0.1; got != want {
		t.Fatalf("transport time = %v, want %v", got, want)
	}
	if e.Bus().Peak() <= 0 {
		t.Fatalf("bus peak not updated")
	}
}

func TestProcessIsDeterministic(t *testing.T) {
	render := func() []float32 {
		e := newTestEngine(t, 32, 1)
		e.SetBuffer(0, sineBuffer(48000, 220, testRate))
		p := scenarioParams()
		p.Spray = 0.3
		p.Pitch = 1.5
		e.NoteOn(0, 0, 0.5, p)
		dst := make([]float32, 24000*2)
		e.Process(dst)
		return dst
	}
	a, b := render(), render()
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("renders diverge at sample %d", i)
		}
	}
}

func TestRenderPathDoesNotAllocate(t *testing.T) {
	e := newTestEngine(t, 64, 4)
	for tr := 0; tr < 4; tr++ {
		e.SetBuffer(tr, sineBuffer(48000, 110*float64(tr+1), testRate))
	}
	p := scenarioParams()
	p.Density = 100
	p.RelGrain = 2
	for tr := 0; tr < 4; tr++ {
		e.NoteOn(tr, 0, 10, p)
	}
	dst := make([]float32, 128*2)
	e.RenderQuantum(dst)
	allocs := testing.AllocsPerRun(200, func() {
		e.RenderQuantum(dst)
	})
	if allocs != 0 {
		t.Fatalf("render allocated %v times per block", allocs)
	}
}

func BenchmarkEngineProcess(b *testing.B) {
	e := newTestEngine(b, 64, 8)
	for tr := 0; tr < 8; tr++ {
		e.SetBuffer(tr, sineBuffer(48000, 55*float64(tr+1), testRate))
	}
	p := scenarioParams()
	p.Density = 100
	p.Pitch = 1.5
	p.RelGrain = 1000
	for tr := 0; tr < 8; tr++ {
		e.NoteOn(tr, 0, 1000, p)
	}
	buf := make([]float32, 2048*2)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		e.Process(buf)
	}
}

func TestLFOsModulateGrainOnsets(t *testing.T) {
	e := newTestEngine(t, 64, 1)
	const length = 48000
	e.SetBuffer(0, sineBuffer(length, 220, testRate))
	p := scenarioParams()
	// Square LFOs hold their positive half for the whole 0.4s note.
	p.PositionLFO = lfo.LFO{Rate: 1, Depth: 0.25, Shape: lfo.Square}
	p.PitchLFO = lfo.LFO{Rate: 1, Depth: 12, Shape: lfo.Square}
	e.NoteOn(0, 0, 0.5, p)
	out := newOutputs(1, 128)
	spawns := runBlocks(t, e, out, 112)
	if len(spawns) < 5 {
		t.Fatalf("spawned %d grains", len(spawns))
	}
	for i, s := range spawns {
		if s.startPos != 0.75*length {
			t.Fatalf("grain %d starts at %v, want %v", i, s.startPos, 0.75*length)
		}
	}
	for _, idx := range e.pool.active {
		if got := e.pool.voices[idx].pitch; got != 2 {
			t.Fatalf("voice pitch = %v, want an octave up", got)
		}
	}
}
