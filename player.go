package grainbox

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"gitlab.com/gomidi/midi/v2/drivers"

	intaudio "github.com/cbegin/grainbox-go/internal/audio"
	"github.com/cbegin/grainbox-go/internal/granular"
	"github.com/cbegin/grainbox-go/internal/kit"
	"github.com/cbegin/grainbox-go/internal/midiin"
	"github.com/cbegin/grainbox-go/internal/mixer"
	intseq "github.com/cbegin/grainbox-go/internal/sequencer"
)

// PlaybackEvent carries playback events from Watch().
type PlaybackEvent struct {
	Kind int // EventLoopCompleted, EventPlaybackEnded or EventStep
	Step int // step index for EventStep
}

const (
	EventLoopCompleted int = iota
	EventPlaybackEnded
	EventStep
)

const (
	DefaultMaxVoices = 64
	DefaultTracks    = 16
)

type PlayerOption func(*playerConfig)

type playerConfig struct {
	maxVoices    int
	tracks       int
	backend      intaudio.Backend
	loopPlayback *bool
	sampleTap    func([]float32)
	logger       *slog.Logger
}

func defaultPlayerConfig() playerConfig {
	return playerConfig{
		maxVoices: DefaultMaxVoices,
		tracks:    DefaultTracks,
		backend:   intaudio.BackendEbiten,
	}
}

// WithMaxVoices sets the grain pool capacity.
func WithMaxVoices(n int) PlayerOption {
	return func(cfg *playerConfig) {
		cfg.maxVoices = n
	}
}

// WithTracks sets the minimum number of engine tracks. Kits with more
// tracks grow the engine to fit.
func WithTracks(n int) PlayerOption {
	return func(cfg *playerConfig) {
		cfg.tracks = n
	}
}

func WithBackend(b intaudio.Backend) PlayerOption {
	return func(cfg *playerConfig) {
		cfg.backend = b
	}
}

// WithLoopPlayback overrides the kit's loop setting.
func WithLoopPlayback(enabled bool) PlayerOption {
	return func(cfg *playerConfig) {
		cfg.loopPlayback = &enabled
	}
}

// WithSampleTap installs a callback invoked with each generated stereo buffer.
// The callback runs on the audio thread; keep work brief and non-blocking.
func WithSampleTap(tap func([]float32)) PlayerOption {
	return func(cfg *playerConfig) {
		cfg.sampleTap = tap
	}
}

func WithLogger(l *slog.Logger) PlayerOption {
	return func(cfg *playerConfig) {
		cfg.logger = l
	}
}

// Player plays a kit live: its pattern through the step sequencer, and
// notes triggered by the API or MIDI.
type Player struct {
	mu         sync.Mutex
	sampleRate int
	cfg        playerConfig
	log        *slog.Logger
	engine     *granular.Engine
	kit        *kit.Kit
	seq        *intseq.Sequencer
	out        intaudio.Output
	baseGain   float64
	volume     float64
	midiStop   func()
	session    *session
	eventCh    chan PlaybackEvent
	eventChMu  sync.Mutex
}

// session is one Play or Live run. finish may be called from the audio
// thread.
type session struct {
	done chan struct{}
	once sync.Once
}

func newSession() *session { return &session{done: make(chan struct{})} }

func (s *session) finish() {
	s.once.Do(func() { close(s.done) })
}

// sourceWrapper implements SampleSource + FinishingSource over either the
// sequencer or the bare engine.
type sourceWrapper struct {
	src       intaudio.SampleSource
	finished  atomic.Bool
	sampleTap func([]float32)
}

func (w *sourceWrapper) Process(dst []float32) {
	w.src.Process(dst)
	if w.sampleTap != nil {
		w.sampleTap(dst)
	}
}

func (w *sourceWrapper) Finished() bool {
	return w.finished.Load()
}

func NewPlayer(sampleRate int, opts ...PlayerOption) (*Player, error) {
	if sampleRate <= 0 {
		return nil, errors.New("sampleRate must be positive")
	}
	cfg := defaultPlayerConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	log := cfg.logger
	if log == nil {
		log = slog.Default()
	}
	engine, err := newEngine(sampleRate, cfg.maxVoices, cfg.tracks, mixer.DefaultParams())
	if err != nil {
		return nil, err
	}
	return &Player{
		sampleRate: sampleRate,
		cfg:        cfg,
		log:        log,
		engine:     engine,
		baseGain:   mixer.DefaultParams().MasterGain,
		volume:     1,
	}, nil
}

func newEngine(sampleRate, voices, tracks int, mix mixer.Params) (*granular.Engine, error) {
	cfg := granular.DefaultConfig(sampleRate)
	cfg.MaxVoices = voices
	cfg.Tracks = tracks
	cfg.Mixer = mix
	return granular.New(cfg)
}

// newKitEngine builds an engine sized for k with its samples loaded and
// its track mix applied.
func newKitEngine(k *kit.Kit, sampleRate, voices, minTracks int) (*granular.Engine, error) {
	tracks := minTracks
	if len(k.Tracks) > tracks {
		tracks = len(k.Tracks)
	}
	bufs, err := k.LoadSamples(sampleRate)
	if err != nil {
		return nil, err
	}
	engine, err := newEngine(sampleRate, voices, tracks, k.Mixer)
	if err != nil {
		return nil, err
	}
	bus := engine.Bus()
	for i, t := range k.Tracks {
		if bufs[i] != nil && !engine.SetBuffer(i, bufs[i]) {
			return nil, fmt.Errorf("track %q: command queue full", t.Name)
		}
		bus.SetTrackGain(i, t.Gain)
		bus.SetTrackPan(i, t.Pan)
	}
	return engine, nil
}

// LoadKit replaces the engine with one built for k. Any running playback is
// stopped.
func (p *Player) LoadKit(k *kit.Kit) error {
	engine, err := newKitEngine(k, p.sampleRate, p.cfg.maxVoices, p.cfg.tracks)
	if err != nil {
		return err
	}
	if err := p.Stop(); err != nil {
		p.log.Warn("stopping previous output", "err", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.engine = engine
	p.kit = k
	p.seq = nil
	p.baseGain = k.Mixer.MasterGain
	engine.Bus().SetMasterGain(p.baseGain * p.volume)
	p.log.Info("kit loaded", "name", k.Name, "tracks", len(k.Tracks), "bpm", k.BPM)
	return nil
}

func (p *Player) LoadKitFile(path string) error {
	k, err := kit.Load(path)
	if err != nil {
		return err
	}
	return p.LoadKit(k)
}

func (p *Player) Kit() *kit.Kit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kit
}

// Play starts the loaded kit's pattern.
func (p *Player) Play() error {
	p.mu.Lock()
	k := p.kit
	p.mu.Unlock()
	if k == nil {
		return errors.New("no kit loaded")
	}
	pattern, err := k.Pattern()
	if err != nil {
		return err
	}
	loop := k.Loop
	if p.cfg.loopPlayback != nil {
		loop = *p.cfg.loopPlayback
	}
	return p.PlayPattern(pattern, loop)
}

// PlayPattern sequences pattern on the current engine. Voices still
// sounding from earlier playback are faded out.
func (p *Player) PlayPattern(pattern intseq.Pattern, loop bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.endSessionLocked()
	sess := newSession()
	p.session = sess
	p.stopOutputLocked()
	p.engine.StopAll()

	wrapper := &sourceWrapper{sampleTap: p.cfg.sampleTap}
	onEvent := func(kind intseq.EventKind) {
		if kind == intseq.EventPlaybackEnded {
			wrapper.finished.Store(true)
		}
		p.sendEvent(PlaybackEvent{Kind: int(kind)})
		if kind == intseq.EventPlaybackEnded {
			sess.finish()
		}
	}
	seq := intseq.NewWithOptions(pattern, p.engine, intseq.Options{
		LoopPattern: loop,
		OnEvent:     onEvent,
		OnStep: func(step int) {
			p.sendEvent(PlaybackEvent{Kind: EventStep, Step: step})
		},
	})
	wrapper.src = seq
	if err := p.startOutputLocked(wrapper); err != nil {
		return err
	}
	p.seq = seq
	p.log.Info("pattern started", "bpm", seq.BPM(), "steps", seq.Pattern().Length, "loop", loop)
	return nil
}

// Live starts output with no pattern, for notes from Trigger, NoteOn or
// MIDI. Wait blocks until Stop.
func (p *Player) Live() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endSessionLocked()
	p.session = newSession()
	p.stopOutputLocked()
	p.seq = nil
	return p.startOutputLocked(&sourceWrapper{src: p.engine, sampleTap: p.cfg.sampleTap})
}

func (p *Player) startOutputLocked(src intaudio.SampleSource) error {
	out, err := intaudio.Open(p.cfg.backend, p.sampleRate, src)
	if err != nil {
		return err
	}
	p.out = out
	p.out.Play()
	return nil
}

func (p *Player) stopOutputLocked() {
	if p.out == nil {
		return
	}
	if err := p.out.Stop(); err != nil {
		p.log.Warn("stopping audio output", "err", err)
	}
	p.out = nil
}

// Trigger plays kit track at its configured parameters, scaled by velocity
// (0..1), as soon as possible. It reports false if the note was not queued.
func (p *Player) Trigger(track int, velocity float64) bool {
	p.mu.Lock()
	engine, k := p.engine, p.kit
	p.mu.Unlock()
	params := granular.DefaultNoteParams()
	var dur float64
	if k != nil && track >= 0 && track < len(k.Tracks) {
		params = k.Tracks[track].Params
		dur = k.Tracks[track].Duration
	}
	params.Velocity *= velocity
	if dur <= 0 {
		dur = params.RelGrain
	}
	return engine.NoteOn(track, engine.Now(), dur, params)
}

// NoteOn schedules a note with explicit parameters at transport time t.
func (p *Player) NoteOn(track int, t, duration float64, params granular.NoteParams) bool {
	return p.currentEngine().NoteOn(track, t, duration, params)
}

func (p *Player) StopAll() bool { return p.currentEngine().StopAll() }

func (p *Player) StopTrack(track int) bool { return p.currentEngine().StopTrack(track) }

// Now is the engine transport time in seconds.
func (p *Player) Now() float64 { return p.currentEngine().Now() }

func (p *Player) Stats() granular.Stats { return p.currentEngine().Stats() }

func (p *Player) currentEngine() *granular.Engine {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.engine
}

// ListenMIDI routes notes from in to the loaded kit's tracks. A previous
// MIDI listener is stopped.
func (p *Player) ListenMIDI(in drivers.In, channel int) error {
	p.mu.Lock()
	k := p.kit
	p.mu.Unlock()
	if k == nil {
		return errors.New("no kit loaded")
	}
	voices := make([]midiin.Voice, len(k.Tracks))
	for i, t := range k.Tracks {
		voices[i] = midiin.Voice{Params: t.Params, Duration: t.Duration}
	}
	mapper := midiin.NewMapper(midiin.Config{Notes: k.NoteMap(), Voices: voices, Channel: channel})
	stop, err := midiin.Listen(in, mapper, engineTarget{p}, p.log)
	if err != nil {
		return err
	}
	p.mu.Lock()
	prev := p.midiStop
	p.midiStop = stop
	p.mu.Unlock()
	if prev != nil {
		prev()
	}
	return nil
}

// engineTarget follows engine replacement by LoadKit.
type engineTarget struct{ p *Player }

func (t engineTarget) NoteOn(track int, at, duration float64, params granular.NoteParams) bool {
	return t.p.NoteOn(track, at, duration, params)
}
func (t engineTarget) StopAll() bool { return t.p.StopAll() }
func (t engineTarget) Now() float64  { return t.p.Now() }

func (p *Player) sendEvent(ev PlaybackEvent) {
	p.eventChMu.Lock()
	ch := p.eventCh
	p.eventChMu.Unlock()
	if ch != nil {
		select {
		case ch <- ev:
		default:
			// Channel full or closed; drop event
		}
	}
}

// endSessionLocked releases Wait() callers of the current run.
func (p *Player) endSessionLocked() {
	if p.session != nil {
		p.session.finish()
		p.session = nil
	}
}

func (p *Player) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.out != nil {
		p.out.Pause()
	}
}

func (p *Player) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.out != nil {
		p.out.Play()
	}
}

func (p *Player) Stop() error {
	p.mu.Lock()
	if p.out == nil {
		p.mu.Unlock()
		return nil
	}
	err := p.out.Stop()
	p.out = nil
	p.seq = nil
	p.endSessionLocked()
	p.mu.Unlock()
	p.sendEvent(PlaybackEvent{Kind: EventPlaybackEnded})
	return err
}

// Close stops playback and any MIDI listener.
func (p *Player) Close() error {
	p.mu.Lock()
	stop := p.midiStop
	p.midiStop = nil
	p.mu.Unlock()
	if stop != nil {
		stop()
	}
	return p.Stop()
}

// Wait blocks until the current playback ends. When loop playback is enabled,
// Wait blocks until Stop (use Watch for loop-counting instead).
// Wait returns immediately if no playback is active or if it was stopped.
func (p *Player) Wait() {
	p.mu.Lock()
	sess := p.session
	p.mu.Unlock()
	if sess != nil {
		<-sess.done
	}
}

// Watch returns a channel that receives playback events:
//   - EventLoopCompleted: the pattern wrapped around (when looping)
//   - EventPlaybackEnded: playback finished, including release tails
//   - EventStep: a pattern step was queued (Step set)
//
// The channel is buffered (cap 64); receive in a goroutine to avoid losing
// events. Only the most recent Watch() channel receives events.
func (p *Player) Watch() <-chan PlaybackEvent {
	ch := make(chan PlaybackEvent, 64)
	p.eventChMu.Lock()
	p.eventCh = ch
	p.eventChMu.Unlock()
	return ch
}

// SetMasterVolume sets runtime volume scalar. 1.0 is default.
func (p *Player) SetMasterVolume(volume float64) {
	if volume < 0 {
		volume = 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.volume = volume
	p.engine.Bus().SetMasterGain(p.baseGain * p.volume)
}

func (p *Player) MasterVolume() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

// SetBPM changes the running pattern's tempo.
func (p *Player) SetBPM(bpm float64) {
	p.mu.Lock()
	seq := p.seq
	p.mu.Unlock()
	if seq != nil {
		seq.SetBPM(bpm)
	}
}

// SetTrackGain and SetTrackPan take effect immediately on the audio thread
// (lock-free).
func (p *Player) SetTrackGain(track int, gain float64) {
	p.currentEngine().Bus().SetTrackGain(track, gain)
}

func (p *Player) SetTrackPan(track int, pan float64) {
	p.currentEngine().Bus().SetTrackPan(track, pan)
}

// SetEQBand sets the gain for a master EQ band (0-4). 1.0 = unity.
// Band frequencies: 0=<200Hz, 1=200-800Hz, 2=800-2.5kHz, 3=2.5-8kHz, 4=>8kHz.
func (p *Player) SetEQBand(band int, gain float32) {
	p.currentEngine().Bus().EQ().SetGain(band, gain)
}

// EQBand returns the current gain for a master EQ band (0-4).
func (p *Player) EQBand(band int) float32 {
	return p.currentEngine().Bus().EQ().Gain(band)
}

// Peak is the absolute output peak of the last rendered block.
func (p *Player) Peak() float32 {
	return p.currentEngine().Bus().Peak()
}

// PlaybackPosition returns the current output position of the audio driver,
// i.e. what the listener actually hears right now. Returns 0 if not playing.
func (p *Player) PlaybackPosition() int64 {
	p.mu.Lock()
	out := p.out
	p.mu.Unlock()
	if out == nil {
		return 0
	}
	return int64(out.Position().Seconds() * float64(p.sampleRate))
}
