package grainbox

import (
	"fmt"
	"io"
	"math"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/cbegin/grainbox-go/internal/granular"
	"github.com/cbegin/grainbox-go/internal/kit"
	intseq "github.com/cbegin/grainbox-go/internal/sequencer"
)

// RenderKit renders seconds of k's pattern into interleaved stereo on a
// fresh engine. The result depends only on k and sampleRate.
func RenderKit(k *kit.Kit, sampleRate int, seconds float64) ([]float32, error) {
	engine, err := newKitEngine(k, sampleRate, DefaultMaxVoices, len(k.Tracks))
	if err != nil {
		return nil, err
	}
	pattern, err := k.Pattern()
	if err != nil {
		return nil, err
	}
	return RenderPattern(engine, pattern, k.Loop, seconds), nil
}

// RenderPattern sequences pattern on engine for the given duration.
func RenderPattern(engine *granular.Engine, pattern intseq.Pattern, loop bool, seconds float64) []float32 {
	seq := intseq.NewWithOptions(pattern, engine, intseq.Options{LoopPattern: loop})
	frames := max(0, int(float64(engine.SampleRate())*seconds))
	out := make([]float32, frames*2)
	seq.Process(out)
	return out
}

// WriteWAV encodes interleaved float samples as integer PCM (16 or 24 bit).
func WriteWAV(w io.WriteSeeker, samples []float32, sampleRate, channels, bitDepth int) error {
	if bitDepth != 16 && bitDepth != 24 {
		return fmt.Errorf("unsupported bit depth %d", bitDepth)
	}
	if channels <= 0 || len(samples)%channels != 0 {
		return fmt.Errorf("%d samples do not fill %d channels", len(samples), channels)
	}
	scale := float64(int(1)<<(bitDepth-1)) - 1
	data := make([]int, len(samples))
	for i, s := range samples {
		v := math.Max(-1, math.Min(1, float64(s)))
		data[i] = int(math.Round(v * scale))
	}
	enc := wav.NewEncoder(w, sampleRate, bitDepth, channels, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: bitDepth,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	return enc.Close()
}
