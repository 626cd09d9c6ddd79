package audio

import (
	"encoding/binary"
	"io"
	"math"
	"sync"
)

// SampleSource renders interleaved stereo float32 into dst.
type SampleSource interface {
	Process(dst []float32)
}

// FinishingSource is a SampleSource that can signal when playback has ended.
// When Finished returns true, the stream returns io.EOF after the current
// read.
type FinishingSource interface {
	SampleSource
	Finished() bool
}

// DefaultChunkFrames bounds the frames rendered per Process call.
const DefaultChunkFrames = 1024

// StreamReader adapts a SampleSource into a float32 little-endian byte
// stream for the output backends. All scratch is allocated up front; large
// reads are served in chunks.
type StreamReader struct {
	mu     sync.Mutex
	source SampleSource
	buf    []float32
	closed bool
}

func NewStreamReader(source SampleSource, chunkFrames int) *StreamReader {
	if chunkFrames <= 0 {
		chunkFrames = DefaultChunkFrames
	}
	return &StreamReader{source: source, buf: make([]float32, chunkFrames*2)}
}

func (r *StreamReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, io.EOF
	}

	frames := len(p) / 8
	n := 0
	for frames > 0 {
		chunk := len(r.buf) / 2
		if chunk > frames {
			chunk = frames
		}
		samples := r.buf[:chunk*2]
		r.source.Process(samples)
		for _, s := range samples {
			binary.LittleEndian.PutUint32(p[n:], math.Float32bits(s))
			n += 4
		}
		frames -= chunk
	}
	if fs, ok := r.source.(FinishingSource); ok && fs.Finished() {
		return n, io.EOF
	}
	return n, nil
}

// Close makes every later Read return io.EOF.
func (r *StreamReader) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}
