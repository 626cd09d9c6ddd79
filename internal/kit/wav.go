package kit

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-audio/wav"

	"github.com/cbegin/grainbox-go/internal/granular"
)

const wavFormatPCM = 1

// LoadWAV decodes a WAV file into a mono SourceBuffer at sampleRate.
func LoadWAV(path string, sampleRate int) (*granular.SourceBuffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf, err := DecodeWAV(f, sampleRate)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return buf, nil
}

// DecodeWAV reads integer PCM, averages channels down to mono and resamples
// to sampleRate.
func DecodeWAV(r io.ReadSeeker, sampleRate int) (*granular.SourceBuffer, error) {
	d := wav.NewDecoder(r)
	if !d.IsValidFile() {
		return nil, errors.New("not a valid WAV file")
	}
	if d.WavAudioFormat != wavFormatPCM {
		return nil, fmt.Errorf("unsupported WAV format %d (want integer PCM)", d.WavAudioFormat)
	}
	pcm, err := d.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode pcm: %w", err)
	}
	channels := int(d.NumChans)
	bitDepth := int(d.BitDepth)
	if channels <= 0 || bitDepth <= 0 {
		return nil, fmt.Errorf("bad WAV header: %d channels, %d bits", channels, bitDepth)
	}

	scale := float32(int64(1) << (bitDepth - 1))
	var offset int
	if bitDepth == 8 {
		offset = 128 // 8-bit WAV is unsigned
	}
	frames := len(pcm.Data) / channels
	mono := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += float32(pcm.Data[i*channels+c]-offset) / scale
		}
		mono[i] = sum / float32(channels)
	}
	return granular.NewSourceBuffer(Resample(mono, int(d.SampleRate), sampleRate)), nil
}

// Resample converts src from one rate to another with linear interpolation.
// Equal or invalid rates return src unchanged.
func Resample(src []float32, from, to int) []float32 {
	if from <= 0 || to <= 0 || from == to || len(src) == 0 {
		return src
	}
	n := int(int64(len(src)) * int64(to) / int64(from))
	if n < 1 {
		n = 1
	}
	out := make([]float32, n)
	step := float64(from) / float64(to)
	last := len(src) - 1
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j >= last {
			out[i] = src[last]
			continue
		}
		frac := float32(pos - float64(j))
		out[i] = src[j] + (src[j+1]-src[j])*frac
	}
	return out
}
