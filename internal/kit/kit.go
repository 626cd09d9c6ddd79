// Package kit loads drum kits: a YAML file naming one WAV sample per track
// plus grain parameters, mixer settings and an optional step pattern.
package kit

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cbegin/grainbox-go/internal/granular"
	"github.com/cbegin/grainbox-go/internal/mixer"
	"github.com/cbegin/grainbox-go/internal/sequencer"
)

// Kit is the decoded form of a kit file.
type Kit struct {
	Name         string       `yaml:"name"`
	BPM          float64      `yaml:"bpm"`
	StepsPerBeat int          `yaml:"steps_per_beat"`
	Length       int          `yaml:"length"`
	Swing        float64      `yaml:"swing"`
	Loop         bool         `yaml:"loop"`
	Mixer        mixer.Params `yaml:"mixer"`
	Tracks       []Track      `yaml:"tracks"`

	// Dir resolves relative sample paths. Load sets it to the kit file's
	// directory.
	Dir string `yaml:"-"`
}

type Track struct {
	Name     string              `yaml:"name"`
	Sample   string              `yaml:"sample"`
	Note     int                 `yaml:"note"` // MIDI note; 0 picks a General MIDI default
	Gain     float64             `yaml:"gain"`
	Pan      float64             `yaml:"pan"`
	Steps    string              `yaml:"steps"`
	Duration float64             `yaml:"duration"`
	Params   granular.NoteParams `yaml:"params"`
}

// UnmarshalYAML decodes a track over its defaults so omitted fields keep
// sensible values.
func (t *Track) UnmarshalYAML(node *yaml.Node) error {
	type plain Track
	v := plain{Gain: 1, Params: granular.DefaultNoteParams()}
	if err := node.Decode(&v); err != nil {
		return err
	}
	*t = Track(v)
	return nil
}

// Parse decodes and validates a kit. Unknown top-level keys are rejected.
func Parse(r io.Reader) (*Kit, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	k := Kit{Loop: true, Mixer: mixer.DefaultParams()}
	if err := dec.Decode(&k); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("kit is empty")
		}
		return nil, fmt.Errorf("decode kit: %w", err)
	}
	if err := k.Validate(); err != nil {
		return nil, err
	}
	return &k, nil
}

// Load reads a kit file; sample paths resolve against its directory.
func Load(path string) (*Kit, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	k, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	k.Dir = filepath.Dir(path)
	return k, nil
}

// Encode writes k as YAML.
func (k *Kit) Encode(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(k); err != nil {
		return err
	}
	return enc.Close()
}

func (k *Kit) Validate() error {
	if len(k.Tracks) == 0 {
		return errors.New("kit has no tracks")
	}
	seen := make(map[string]bool, len(k.Tracks))
	for i := range k.Tracks {
		t := &k.Tracks[i]
		if t.Name == "" {
			t.Name = fmt.Sprintf("track%d", i+1)
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate track name %q", t.Name)
		}
		seen[t.Name] = true
		if t.Note < 0 || t.Note > 127 {
			return fmt.Errorf("track %q: note %d out of range", t.Name, t.Note)
		}
		if _, err := sequencer.ParseSteps(t.Steps); err != nil {
			return fmt.Errorf("track %q: %w", t.Name, err)
		}
	}
	if err := k.Mixer.Validate(); err != nil {
		return fmt.Errorf("mixer: %w", err)
	}
	return nil
}

// Pattern builds the step pattern. Track i of the kit plays engine track i.
func (k *Kit) Pattern() (sequencer.Pattern, error) {
	p := sequencer.Pattern{
		BPM:          k.BPM,
		StepsPerBeat: k.StepsPerBeat,
		Length:       k.Length,
		Swing:        k.Swing,
		Tracks:       make([]sequencer.Track, len(k.Tracks)),
	}
	for i, t := range k.Tracks {
		steps, err := sequencer.ParseSteps(t.Steps)
		if err != nil {
			return sequencer.Pattern{}, fmt.Errorf("track %q: %w", t.Name, err)
		}
		p.Tracks[i] = sequencer.Track{
			Name:     t.Name,
			Index:    i,
			Steps:    steps,
			Params:   t.Params,
			Duration: t.Duration,
		}
	}
	return p.Normalize(), nil
}

// gmDrums maps common drum names to General MIDI percussion notes.
var gmDrums = []struct {
	word string
	note int
}{
	{"kick", 36},
	{"bass", 36},
	{"rim", 37},
	{"snare", 38},
	{"clap", 39},
	{"open", 46},
	{"hat", 42},
	{"hh", 42},
	{"tom", 45},
	{"crash", 49},
	{"ride", 51},
	{"cow", 56},
	{"shaker", 70},
}

// NoteOf returns the MIDI note that triggers track i: the explicit note, a
// General MIDI match on the track name, or 36+i.
func (k *Kit) NoteOf(i int) int {
	t := k.Tracks[i]
	if t.Note > 0 {
		return t.Note
	}
	name := strings.ToLower(t.Name)
	for _, d := range gmDrums {
		if strings.Contains(name, d.word) {
			return d.note
		}
	}
	return 36 + i
}

// NoteMap maps MIDI notes to track indices. When two tracks share a note
// the first wins.
func (k *Kit) NoteMap() map[uint8]int {
	m := make(map[uint8]int, len(k.Tracks))
	for i := range k.Tracks {
		n := uint8(k.NoteOf(i))
		if _, ok := m[n]; !ok {
			m[n] = i
		}
	}
	return m
}

// LoadSamples decodes every track's sample at sampleRate. Tracks without a
// sample get a nil buffer and stay silent.
func (k *Kit) LoadSamples(sampleRate int) ([]*granular.SourceBuffer, error) {
	bufs := make([]*granular.SourceBuffer, len(k.Tracks))
	for i, t := range k.Tracks {
		if t.Sample == "" {
			continue
		}
		path := t.Sample
		if !filepath.IsAbs(path) && k.Dir != "" {
			path = filepath.Join(k.Dir, path)
		}
		buf, err := LoadWAV(path, sampleRate)
		if err != nil {
			return nil, fmt.Errorf("track %q: %w", t.Name, err)
		}
		bufs[i] = buf
	}
	return bufs, nil
}
