package granular

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/cbegin/grainbox-go/internal/mixer"
)

// Config controls engine construction. Everything is sized here; the
// render path never allocates afterwards.
type Config struct {
	SampleRate   int
	MaxVoices    int
	Tracks       int
	BlockSize    int // frames per render quantum used by Process
	MaxNotes     int // pending notes across all tracks
	CommandQueue int
	Seed         uint32
	Mixer        mixer.Params
}

func DefaultConfig(sampleRate int) Config {
	return Config{
		SampleRate:   sampleRate,
		MaxVoices:    64,
		Tracks:       16,
		BlockSize:    128,
		MaxNotes:     256,
		CommandQueue: 1024,
		Seed:         jitterSeed,
		Mixer:        mixer.DefaultParams(),
	}
}

type cmdKind uint8

const (
	cmdNoteOn cmdKind = iota
	cmdSetBuffer
	cmdStopAll
	cmdStopTrack
	cmdClose
)

type command struct {
	kind     cmdKind
	track    int
	time     float64
	duration float64
	params   NoteParams
	buf      *SourceBuffer
}

// Stats is a snapshot published at the end of every block.
type Stats struct {
	ActiveVoices    int
	PendingNotes    int
	Spawned         uint64
	Dropped         uint64
	Stolen          uint64
	CommandsDropped uint64
	NotesDropped    uint64 // note queue full
}

// Engine is the granular voice engine. Control methods (NoteOn, SetBuffer,
// StopAll, StopTrack, Close) may be called from any goroutine; they enqueue
// a command and never block. Render and Process belong to one render
// goroutine.
type Engine struct {
	sampleRate float64
	blockSize  int
	window     *WindowLUT
	rng        JitterRNG
	pool       *VoicePool
	buffers    []*SourceBuffer
	notes      []NoteEvent
	cmds       chan command
	closed     bool

	bus     *mixer.Bus
	scratch TrackOutputs // full-size per-track mono buffers
	view    TrackOutputs // scratch resliced to the current quantum
	mono    [][]float32

	frames atomic.Uint64

	statActive  atomic.Int64
	statPending atomic.Int64
	statSpawned atomic.Uint64
	statDropped atomic.Uint64
	statStolen  atomic.Uint64
	cmdsDropped atomic.Uint64
	notesDrop   atomic.Uint64
}

func New(cfg Config) (*Engine, error) {
	if cfg.SampleRate <= 0 {
		return nil, errors.New("sampleRate must be positive")
	}
	if cfg.MaxVoices <= 0 {
		return nil, fmt.Errorf("voice pool capacity must be positive, got %d", cfg.MaxVoices)
	}
	if cfg.Tracks <= 0 {
		return nil, fmt.Errorf("track count must be positive, got %d", cfg.Tracks)
	}
	if cfg.BlockSize <= 0 {
		return nil, fmt.Errorf("block size must be positive, got %d", cfg.BlockSize)
	}
	if err := cfg.Mixer.Validate(); err != nil {
		return nil, fmt.Errorf("mixer: %w", err)
	}
	if cfg.MaxNotes <= 0 {
		cfg.MaxNotes = 256
	}
	if cfg.CommandQueue <= 0 {
		cfg.CommandQueue = 1024
	}
	e := &Engine{
		sampleRate: float64(cfg.SampleRate),
		blockSize:  cfg.BlockSize,
		window:     NewWindowLUT(tukeyAlpha),
		rng:        NewJitterRNG(cfg.Seed),
		pool:       newVoicePool(cfg.MaxVoices),
		buffers:    make([]*SourceBuffer, cfg.Tracks),
		notes:      make([]NoteEvent, 0, cfg.MaxNotes),
		cmds:       make(chan command, cfg.CommandQueue),
		bus:        mixer.NewBus(cfg.Tracks, cfg.BlockSize, cfg.SampleRate, cfg.Mixer),
		scratch:    make(TrackOutputs, cfg.Tracks),
		view:       make(TrackOutputs, cfg.Tracks),
		mono:       make([][]float32, cfg.Tracks),
	}
	for t := range e.scratch {
		buf := make([]float32, cfg.BlockSize)
		e.scratch[t] = [][]float32{buf}
		e.view[t] = [][]float32{buf}
	}
	return e, nil
}

func (e *Engine) SampleRate() int { return int(e.sampleRate) }
func (e *Engine) Tracks() int     { return len(e.buffers) }
func (e *Engine) BlockSize() int  { return e.blockSize }
func (e *Engine) Bus() *mixer.Bus { return e.bus }

// Notes returns the pending note queue. Render goroutine only.
func (e *Engine) Notes() []NoteEvent { return e.notes }

// Now is the transport time in seconds of the next frame Process will render.
func (e *Engine) Now() float64 {
	return float64(e.frames.Load()) / e.sampleRate
}

func (e *Engine) send(c command) bool {
	select {
	case e.cmds <- c:
		return true
	default:
		e.cmdsDropped.Add(1)
		return false
	}
}

// NoteOn schedules a note at transport time t lasting duration seconds.
// It reports false if the command queue is full.
func (e *Engine) NoteOn(track int, t, duration float64, params NoteParams) bool {
	return e.send(command{kind: cmdNoteOn, track: track, time: t, duration: duration, params: params})
}

// SetBuffer replaces a track's source sample. Voices already reading the
// old buffer play it to the end.
func (e *Engine) SetBuffer(track int, buf *SourceBuffer) bool {
	return e.send(command{kind: cmdSetBuffer, track: track, buf: buf})
}

// StopAll fades every voice and clears all pending notes.
func (e *Engine) StopAll() bool {
	return e.send(command{kind: cmdStopAll})
}

// StopTrack fades a track's voices and clears its pending notes.
func (e *Engine) StopTrack(track int) bool {
	return e.send(command{kind: cmdStopTrack, track: track})
}

// Close makes the next Render report that the engine should stop running.
func (e *Engine) Close() bool {
	return e.send(command{kind: cmdClose})
}

func (e *Engine) drain(now float64) {
	for {
		select {
		case c := <-e.cmds:
			e.apply(c, now)
		default:
			return
		}
	}
}

func (e *Engine) apply(c command, now float64) {
	switch c.kind {
	case cmdNoteOn:
		if !e.validTrack(c.track) {
			return
		}
		if len(e.notes) == cap(e.notes) {
			e.notesDrop.Add(1)
			return
		}
		e.notes = append(e.notes, newNoteEvent(c.track, c.time, c.duration, c.params, now))
	case cmdSetBuffer:
		if e.validTrack(c.track) {
			e.buffers[c.track] = c.buf
		}
	case cmdStopAll:
		e.pool.ReleaseTrack(-1)
		e.notes = e.notes[:0]
	case cmdStopTrack:
		if !e.validTrack(c.track) {
			return
		}
		e.pool.ReleaseTrack(c.track)
		keep := e.notes[:0]
		for _, n := range e.notes {
			if n.Track != c.track {
				keep = append(keep, n)
			}
		}
		e.notes = keep
	case cmdClose:
		e.closed = true
	}
}

func (e *Engine) validTrack(track int) bool {
	return track >= 0 && track < len(e.buffers)
}

// Render consumes pending commands, schedules grains and mixes every active
// voice into out, whose buffers the caller has zeroed. now is the transport
// time of the first frame. It returns false once the engine is closed.
func (e *Engine) Render(out TrackOutputs, now float64) bool {
	e.drain(now)
	if e.closed {
		e.pool.Reset()
		e.publish()
		return false
	}
	frames := framesOf(out)
	if frames == 0 {
		frames = e.blockSize
	}
	e.schedule(now, float64(frames)/e.sampleRate)
	e.renderVoices(out, frames)
	e.publish()
	return true
}

func framesOf(out TrackOutputs) int {
	for _, chs := range out {
		for _, ch := range chs {
			if len(ch) > 0 {
				return len(ch)
			}
		}
	}
	return 0
}

// Process renders interleaved stereo into dst in BlockSize quanta, using the
// engine's own transport clock and the track mixer. Once closed it writes
// silence.
func (e *Engine) Process(dst []float32) {
	frames := len(dst) / 2
	off := 0
	for off < frames {
		n := frames - off
		if n > e.blockSize {
			n = e.blockSize
		}
		e.RenderQuantum(dst[off*2 : (off+n)*2])
		off += n
	}
}

// RenderQuantum renders at most BlockSize frames of interleaved stereo and
// advances the transport clock.
func (e *Engine) RenderQuantum(dst []float32) bool {
	n := len(dst) / 2
	if n > e.blockSize {
		n = e.blockSize
		dst = dst[:n*2]
	}
	for t := range e.scratch {
		buf := e.scratch[t][0][:n]
		for i := range buf {
			buf[i] = 0
		}
		e.view[t][0] = buf
		e.mono[t] = buf
	}
	running := e.Render(e.view, e.Now())
	if running {
		e.bus.Mix(e.mono, dst)
	} else {
		for i := range dst {
			dst[i] = 0
		}
	}
	e.frames.Add(uint64(n))
	return running
}

func (e *Engine) publish() {
	e.statActive.Store(int64(e.pool.ActiveCount()))
	e.statPending.Store(int64(len(e.notes)))
	e.statSpawned.Store(e.pool.spawned)
	e.statDropped.Store(e.pool.dropped)
	e.statStolen.Store(e.pool.stolen)
}

// Stats returns the counters published by the last rendered block.
func (e *Engine) Stats() Stats {
	return Stats{
		ActiveVoices:    int(e.statActive.Load()),
		PendingNotes:    int(e.statPending.Load()),
		Spawned:         e.statSpawned.Load(),
		Dropped:         e.statDropped.Load(),
		Stolen:          e.statStolen.Load(),
		CommandsDropped: e.cmdsDropped.Load(),
		NotesDropped:    e.notesDrop.Load(),
	}
}

// ActiveVoiceCount is the number of sounding grains. Render goroutine only.
func (e *Engine) ActiveVoiceCount() int { return e.pool.ActiveCount() }

// PendingNoteCount is the number of notes still expanding. Render goroutine
// only.
func (e *Engine) PendingNoteCount() int { return len(e.notes) }
