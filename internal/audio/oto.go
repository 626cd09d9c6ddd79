package audio

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ebitengine/oto/v3"
)

// OtoPlayer drives a SampleSource straight through oto, bypassing ebiten's
// mixer.
type OtoPlayer struct {
	player     *oto.Player
	reader     *StreamReader
	sampleRate int
	read       atomic.Int64 // bytes handed to oto
}

var (
	otoOnce sync.Once
	otoCtx  *oto.Context
	otoErr  error
	otoRate int
)

func sharedOtoContext(sampleRate int) (*oto.Context, error) {
	otoOnce.Do(func() {
		otoRate = sampleRate
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   sampleRate,
			ChannelCount: 2,
			Format:       oto.FormatFloat32LE,
			BufferSize:   20 * time.Millisecond,
		})
		if err != nil {
			otoErr = fmt.Errorf("oto context: %w", err)
			return
		}
		<-ready
		otoCtx = ctx
	})
	if otoErr != nil {
		return nil, otoErr
	}
	if otoRate != sampleRate {
		return nil, fmt.Errorf("oto context already initialized at %d Hz (requested %d Hz)", otoRate, sampleRate)
	}
	return otoCtx, nil
}

func NewOtoPlayer(sampleRate int, source SampleSource) (*OtoPlayer, error) {
	ctx, err := sharedOtoContext(sampleRate)
	if err != nil {
		return nil, err
	}
	p := &OtoPlayer{
		reader:     NewStreamReader(source, DefaultChunkFrames),
		sampleRate: sampleRate,
	}
	p.player = ctx.NewPlayer(countingReader{p})
	return p, nil
}

type countingReader struct{ p *OtoPlayer }

func (c countingReader) Read(b []byte) (int, error) {
	n, err := c.p.reader.Read(b)
	c.p.read.Add(int64(n))
	return n, err
}

func (p *OtoPlayer) Play()           { p.player.Play() }
func (p *OtoPlayer) Pause()          { p.player.Pause() }
func (p *OtoPlayer) IsPlaying() bool { return p.player.IsPlaying() }

// Position subtracts what oto still holds in its buffer from what it has
// pulled.
func (p *OtoPlayer) Position() time.Duration {
	played := p.read.Load() - int64(p.player.BufferedSize())
	if played < 0 {
		played = 0
	}
	frames := played / 8
	return time.Duration(frames) * time.Second / time.Duration(p.sampleRate)
}

func (p *OtoPlayer) Stop() error {
	p.player.Pause()
	if err := p.player.Close(); err != nil {
		return err
	}
	return p.reader.Close()
}
