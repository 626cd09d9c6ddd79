// Package midiin turns MIDI note input into engine notes.
package midiin

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"

	"github.com/cbegin/grainbox-go/internal/granular"
)

// Target receives translated notes. Every method must be safe to call from
// the MIDI listener goroutine.
type Target interface {
	NoteOn(track int, t, duration float64, params granular.NoteParams) bool
	StopAll() bool
	Now() float64
}

// Voice is what a mapped note plays.
type Voice struct {
	Params   granular.NoteParams
	Duration float64 // 0 uses Params.RelGrain
}

const (
	ccAllSoundOff = 120
	ccAllNotesOff = 123

	// Omni accepts every channel.
	Omni = -1
)

type Config struct {
	Notes   map[uint8]int // MIDI note -> track
	Voices  []Voice       // per track
	Channel int           // 0-15, or Omni
	Latency float64       // seconds added to Now for each note
}

// Mapper translates MIDI messages into engine commands.
type Mapper struct {
	notes   map[uint8]int
	voices  []Voice
	channel int
	latency float64
}

func NewMapper(cfg Config) *Mapper {
	notes := make(map[uint8]int, len(cfg.Notes))
	for n, t := range cfg.Notes {
		notes[n] = t
	}
	ch := cfg.Channel
	if ch < 0 || ch > 15 {
		ch = Omni
	}
	return &Mapper{notes: notes, voices: cfg.Voices, channel: ch, latency: cfg.Latency}
}

// Handle applies msg to target and reports whether it was consumed. Note
// velocity scales the track's grain velocity linearly.
func (m *Mapper) Handle(msg midi.Message, target Target) bool {
	var ch, key, vel, cc, val uint8
	switch {
	case msg.GetNoteStart(&ch, &key, &vel):
		if !m.accepts(ch) {
			return false
		}
		track, ok := m.notes[key]
		if !ok || track < 0 || track >= len(m.voices) {
			return false
		}
		v := m.voices[track]
		params := v.Params
		params.Velocity *= float64(vel) / 127
		dur := v.Duration
		if dur <= 0 {
			dur = params.RelGrain
		}
		return target.NoteOn(track, target.Now()+m.latency, dur, params)
	case msg.GetControlChange(&ch, &cc, &val):
		if !m.accepts(ch) || (cc != ccAllNotesOff && cc != ccAllSoundOff) {
			return false
		}
		return target.StopAll()
	}
	return false
}

func (m *Mapper) accepts(ch uint8) bool {
	return m.channel == Omni || int(ch) == m.channel
}

// Listen feeds every message from in through the mapper until stop is
// called. The port is opened if needed.
func Listen(in drivers.In, m *Mapper, target Target, log *slog.Logger) (stop func(), err error) {
	if log == nil {
		log = slog.Default()
	}
	if !in.IsOpen() {
		if err := in.Open(); err != nil {
			return nil, fmt.Errorf("open MIDI input %q: %w", in.String(), err)
		}
	}
	stop, err = midi.ListenTo(in, func(msg midi.Message, timestampms int32) {
		if !m.Handle(msg, target) {
			log.Debug("midi message ignored", "msg", msg.String())
		}
	}, midi.HandleError(func(err error) {
		log.Warn("midi listener error", "port", in.String(), "err", err)
	}))
	if err != nil {
		_ = in.Close()
		return nil, fmt.Errorf("listen on %q: %w", in.String(), err)
	}
	log.Info("midi input connected", "port", in.String())
	return stop, nil
}

// FindIn picks the first port whose name contains name (case-insensitive),
// or the first port when name is empty.
func FindIn(ins []drivers.In, name string) (drivers.In, error) {
	if len(ins) == 0 {
		return nil, errors.New("no MIDI inputs available")
	}
	if name == "" {
		return ins[0], nil
	}
	want := strings.ToLower(name)
	var names []string
	for _, in := range ins {
		if strings.Contains(strings.ToLower(in.String()), want) {
			return in, nil
		}
		names = append(names, in.String())
	}
	return nil, fmt.Errorf("MIDI input %q not found (have %s)", name, strings.Join(names, ", "))
}
