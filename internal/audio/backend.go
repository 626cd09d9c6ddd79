package audio

import (
	"fmt"
	"strings"
	"time"
)

// Backend names a realtime output implementation.
type Backend string

const (
	BackendEbiten Backend = "ebiten"
	BackendOto    Backend = "oto"
)

func ParseBackend(s string) (Backend, error) {
	switch b := Backend(strings.ToLower(strings.TrimSpace(s))); b {
	case "", BackendEbiten:
		return BackendEbiten, nil
	case BackendOto:
		return BackendOto, nil
	default:
		return "", fmt.Errorf("unknown audio backend %q (want ebiten or oto)", s)
	}
}

// Output is a running realtime stream pulling from a SampleSource.
type Output interface {
	Play()
	Pause()
	IsPlaying() bool
	Position() time.Duration
	Stop() error
}

// Open starts an output for source on the named backend. The stream is
// paused until Play.
func Open(backend Backend, sampleRate int, source SampleSource) (Output, error) {
	switch backend {
	case "", BackendEbiten:
		return NewPlayer(sampleRate, source)
	case BackendOto:
		return NewOtoPlayer(sampleRate, source)
	default:
		return nil, fmt.Errorf("unknown audio backend %q", backend)
	}
}
