package main

import (
	"image"
	"image/color"
	"math"
	"math/cmplx"
	"sync"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/ebitenutil"
	"github.com/ktye/fft"
)

const (
	fftSize = 2048
	ringLen = 1 << 15
)

// analyzer keeps the most recent output in a mono ring. Tap runs on the
// audio thread.
type analyzer struct {
	mu   sync.Mutex
	ring []float32
	pos  int

	fft    fft.FFT
	window []float64
	buf    []complex128
	bins   []float64 // smoothed 0..1 levels per bar
	rate   int
}

func newAnalyzer(sampleRate int) (*analyzer, error) {
	f, err := fft.New(fftSize)
	if err != nil {
		return nil, err
	}
	win := make([]float64, fftSize)
	for i := range win {
		win[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(fftSize-1)))
	}
	return &analyzer{
		ring:   make([]float32, ringLen),
		fft:    f,
		window: win,
		buf:    make([]complex128, fftSize),
		rate:   sampleRate,
	}, nil
}

func (a *analyzer) Tap(samples []float32) {
	a.mu.Lock()
	for i := 0; i+1 < len(samples); i += 2 {
		a.ring[a.pos] = (samples[i] + samples[i+1]) * 0.5
		a.pos = (a.pos + 1) % ringLen
	}
	a.mu.Unlock()
}

// update transforms the latest fftSize samples into bars log-spaced up to
// 18 kHz.
func (a *analyzer) update(bars int) {
	a.mu.Lock()
	start := (a.pos - fftSize + ringLen) % ringLen
	for i := 0; i < fftSize; i++ {
		a.buf[i] = complex(float64(a.ring[(start+i)%ringLen])*a.window[i], 0)
	}
	a.mu.Unlock()
	spec := a.fft.Transform(a.buf)

	if len(a.bins) != bars {
		a.bins = make([]float64, bars)
	}
	half := fftSize / 2
	maxBin := min(half, half*18000/(a.rate/2))
	logMin, logMax := 0.0, math.Log(float64(maxBin))
	for i := range a.bins {
		lo := int(math.Exp(logMin + float64(i)/float64(bars)*(logMax-logMin)))
		hi := int(math.Exp(logMin + float64(i+1)/float64(bars)*(logMax-logMin)))
		hi = min(max(hi, lo+1), half)
		var sum float64
		for b := lo; b < hi; b++ {
			sum += cmplx.Abs(spec[b])
		}
		db := 20 * math.Log10(sum/float64(hi-lo)/fftSize+1e-10)
		v := clamp((db+80)/80, 0, 1)
		if prev := a.bins[i]; v > prev {
			a.bins[i] = prev*0.3 + v*0.7
		} else {
			a.bins[i] = prev*0.85 + v*0.15
		}
	}
}

func (a *analyzer) draw(screen *ebiten.Image, rect image.Rectangle) {
	bars := min(max(rect.Dx()/4, 16), 256)
	a.update(bars)
	barW := float64(rect.Dx()-8) / float64(bars)
	h := float64(rect.Dy() - 8)
	for i, v := range a.bins {
		barH := math.Max(1, v*h)
		x := float64(rect.Min.X+4) + float64(i)*barW
		y := float64(rect.Max.Y-4) - barH
		r, g, b := spectrumColor(v)
		ebitenutil.DrawRect(screen, x+1, y, barW-1, barH, color.RGBA{r, g, b, 220})
	}
}

// spectrumColor runs blue to green to orange with level.
func spectrumColor(v float64) (uint8, uint8, uint8) {
	switch {
	case v < 0.33:
		t := v / 0.33
		return uint8(30 + 20*t), uint8(80 + 120*t), uint8(200 + 55*t)
	case v < 0.66:
		t := (v - 0.33) / 0.33
		return uint8(50 + 140*t), uint8(200 + 30*t), uint8(255 - 100*t)
	}
	t := (v - 0.66) / 0.34
	return uint8(190 + 65*t), uint8(230 - 100*t), uint8(155 - 100*t)
}
