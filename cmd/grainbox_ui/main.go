package main

import (
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/ebitenutil"
	"github.com/hajimehoshi/ebiten/v2/inpututil"

	"github.com/cbegin/grainbox-go"
	"github.com/cbegin/grainbox-go/internal/kit"
	"github.com/cbegin/grainbox-go/internal/sequencer"
)

const (
	windowW      = 1100
	windowH      = 640
	minWindowW   = 900
	minWindowH   = 520
	uiSampleRate = 48000

	textScale = 2
	charW     = 7 * textScale
	lineH     = 14 * textScale

	nameColW = 180
	rowH     = 36
)

var (
	bgColor         = color.RGBA{192, 192, 192, 255}
	panelColor      = color.RGBA{192, 192, 192, 255}
	borderColor     = color.RGBA{128, 128, 128, 255}
	bevelLight      = color.RGBA{255, 255, 255, 255}
	bevelDarker     = color.RGBA{64, 64, 64, 255}
	sunkenBgColor   = color.RGBA{24, 24, 32, 255}
	sliderFillColor = color.RGBA{0, 0, 128, 255}
	playheadColor   = color.RGBA{255, 200, 0, 90}

	// step cell fill per velocity level
	levelColors = [4]color.RGBA{
		{40, 40, 52, 255},
		{0, 70, 140, 255},
		{0, 110, 200, 255},
		{80, 170, 255, 255},
	}
)

type game struct {
	player *grainbox.Player
	events <-chan grainbox.PlaybackEvent
	scope  *analyzer
	kit    *kit.Kit
	path   string
	log    *slog.Logger

	grid   [][]sequencer.Level
	length int
	dirty  bool // grid edited since the pattern was last cued

	volume   float64
	eqGains  [5]float64
	bpm      float64
	step     int
	meter    float64
	flash    []int // frames left on each track's trigger highlight
	dragging int   // 0=none, 1=volume
	dragEQ   int   // -1=none

	playing bool
	paused  bool

	status    string
	statusErr bool

	textCache map[string]*ebiten.Image
	viewW     int
	viewH     int
}

var padKeys = []ebiten.Key{
	ebiten.Key1, ebiten.Key2, ebiten.Key3, ebiten.Key4, ebiten.Key5,
	ebiten.Key6, ebiten.Key7, ebiten.Key8, ebiten.Key9,
}

type uiLayout struct {
	play, bpmDown, bpmUp, save image.Rectangle
	volume                     image.Rectangle
	grid                       image.Rectangle
	eq, spectrum, meter        image.Rectangle
	status                     image.Rectangle
}

func newGame(path string, log *slog.Logger) (*game, error) {
	k, err := kit.Load(path)
	if err != nil {
		return nil, err
	}
	scope, err := newAnalyzer(uiSampleRate)
	if err != nil {
		return nil, err
	}
	pl, err := grainbox.NewPlayer(uiSampleRate, grainbox.WithLogger(log), grainbox.WithLoopPlayback(true), grainbox.WithSampleTap(scope.Tap))
	if err != nil {
		return nil, err
	}
	if err := pl.LoadKit(k); err != nil {
		return nil, err
	}
	pattern, err := k.Pattern()
	if err != nil {
		return nil, err
	}
	g := &game{
		player:    pl,
		events:    pl.Watch(),
		scope:     scope,
		kit:       k,
		path:      path,
		log:       log,
		length:    pattern.Length,
		volume:    1,
		eqGains:   [5]float64{1, 1, 1, 1, 1},
		bpm:       pattern.BPM,
		step:      -1,
		flash:     make([]int, len(k.Tracks)),
		dragEQ:    -1,
		status:    fmt.Sprintf("Loaded %s", filepath.Base(path)),
		textCache: make(map[string]*ebiten.Image, 256),
		viewW:     windowW,
		viewH:     windowH,
	}
	for _, t := range pattern.Tracks {
		row := make([]sequencer.Level, pattern.Length)
		copy(row, t.Steps)
		g.grid = append(g.grid, row)
	}
	return g, nil
}

func (g *game) Update() error {
	g.pollEvents()
	g.handleKeys()
	g.handleMouse()
	for i := range g.flash {
		if g.flash[i] > 0 {
			g.flash[i]--
		}
	}
	peak := float64(g.player.Peak())
	if peak > g.meter {
		g.meter = peak
	} else {
		g.meter *= 0.92
	}
	return nil
}

func (g *game) Draw(screen *ebiten.Image) {
	screen.Fill(bgColor)
	l := g.layoutRects()

	g.drawButton(screen, l.play, g.playButtonLabel())
	g.drawButton(screen, l.bpmDown, "-")
	g.drawButton(screen, l.bpmUp, "+")
	g.drawText(screen, fmt.Sprintf("%.0f BPM", g.bpm), l.bpmDown.Max.X+12, l.bpmDown.Min.Y+8)
	g.drawButton(screen, l.save, "Save")
	g.drawVolumeSlider(screen, l.volume)
	g.drawSunkenPanel(screen, l.grid)
	g.drawGrid(screen, l.grid)
	g.drawPanel(screen, l.eq)
	g.drawEQ(screen, l.eq)
	g.drawSunkenPanel(screen, l.spectrum)
	g.scope.draw(screen, l.spectrum)
	g.drawMeter(screen, l.meter)
	g.drawSunkenPanel(screen, l.status)
	g.drawStatus(screen, l.status)
}

func (g *game) Layout(outsideW, outsideH int) (int, int) {
	g.viewW = max(outsideW, minWindowW)
	g.viewH = max(outsideH, minWindowH)
	return g.viewW, g.viewH
}

func (g *game) Close() { _ = g.player.Close() }

func (g *game) layoutRects() uiLayout {
	pad := 12
	w, h := g.viewW, g.viewH
	var l uiLayout
	top := pad
	l.play = image.Rect(pad, top, pad+120, top+44)
	l.bpmDown = image.Rect(l.play.Max.X+pad, top, l.play.Max.X+pad+44, top+44)
	l.bpmUp = image.Rect(l.bpmDown.Max.X+130, top, l.bpmDown.Max.X+174, top+44)
	l.save = image.Rect(l.bpmUp.Max.X+pad, top, l.bpmUp.Max.X+pad+90, top+44)
	l.volume = image.Rect(l.save.Max.X+pad, top, w-pad, top+44)

	statusY := h - pad - 36
	l.status = image.Rect(pad, statusY, w-pad, statusY+36)
	bottom := statusY - pad - 140
	l.eq = image.Rect(pad, bottom, pad+360, bottom+140)
	l.spectrum = image.Rect(l.eq.Max.X+pad, bottom, w-pad-80, bottom+140)
	l.meter = image.Rect(w-pad-68, bottom, w-pad, bottom+140)
	l.grid = image.Rect(pad, top+44+pad, w-pad, bottom-pad)
	return l
}

func (g *game) pollEvents() {
	for {
		select {
		case ev, ok := <-g.events:
			if !ok {
				return
			}
			switch ev.Kind {
			case grainbox.EventStep:
				g.step = ev.Step
				for i, row := range g.grid {
					if ev.Step < len(row) && row[ev.Step] != sequencer.Off {
						g.flash[i] = 6
					}
				}
			case grainbox.EventLoopCompleted:
				if g.dirty {
					g.cue()
				}
			case grainbox.EventPlaybackEnded:
				g.playing = false
				g.paused = false
				g.step = -1
			}
		default:
			return
		}
	}
}

func (g *game) handleKeys() {
	if inpututil.IsKeyJustPressed(ebiten.KeySpace) {
		g.togglePlayPause()
	}
	for i, key := range padKeys {
		if i < len(g.kit.Tracks) && inpututil.IsKeyJustPressed(key) {
			g.trigger(i)
		}
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyEscape) {
		g.player.StopAll()
	}
}

func (g *game) handleMouse() {
	mx, my := ebiten.CursorPosition()
	l := g.layoutRects()

	if inpututil.IsMouseButtonJustPressed(ebiten.MouseButtonLeft) {
		switch {
		case pointInRect(mx, my, l.play):
			g.togglePlayPause()
		case pointInRect(mx, my, l.bpmDown):
			g.setBPM(g.bpm - 2)
		case pointInRect(mx, my, l.bpmUp):
			g.setBPM(g.bpm + 2)
		case pointInRect(mx, my, l.save):
			g.save()
		case pointInRect(mx, my, l.volume):
			g.dragging = 1
			g.updateVolumeFromMouse(mx, l.volume)
		case pointInRect(mx, my, l.eq):
			if band := eqBandFromMouse(mx, l.eq); band >= 0 {
				g.dragEQ = band
				g.updateEQFromMouse(my, l.eq)
			}
		case pointInRect(mx, my, l.grid):
			g.clickGrid(mx, my, l.grid)
		}
	}
	if ebiten.IsMouseButtonPressed(ebiten.MouseButtonLeft) {
		if g.dragging == 1 {
			g.updateVolumeFromMouse(mx, l.volume)
		}
		if g.dragEQ >= 0 {
			g.updateEQFromMouse(my, l.eq)
		}
	} else {
		g.dragging = 0
		g.dragEQ = -1
	}
}

// clickGrid triggers a track from its name cell or cycles a step's level.
func (g *game) clickGrid(mx, my int, rect image.Rectangle) {
	row := (my - rect.Min.Y - 8) / rowH
	if row < 0 || row >= len(g.grid) {
		return
	}
	if mx < rect.Min.X+nameColW {
		g.trigger(row)
		return
	}
	cellW := g.cellWidth(rect)
	col := (mx - rect.Min.X - nameColW) / cellW
	if col < 0 || col >= g.length {
		return
	}
	g.grid[row][col] = (g.grid[row][col] + 1) % 4
	g.kit.Tracks[row].Steps = sequencer.FormatSteps(g.grid[row])
	g.dirty = true
	if !g.playing {
		g.dirty = false
	}
	g.setStatus(fmt.Sprintf("%s step %d", g.kit.Tracks[row].Name, col+1))
}

func (g *game) cellWidth(rect image.Rectangle) int {
	return max(8, (rect.Dx()-nameColW-8)/max(1, g.length))
}

func (g *game) trigger(track int) {
	if !g.player.Trigger(track, 1) {
		g.setError("note queue full")
		return
	}
	g.flash[track] = 10
}

func (g *game) togglePlayPause() {
	if !g.playing {
		g.cue()
		return
	}
	if g.paused {
		g.player.Resume()
		g.paused = false
		g.setStatus("Playing")
		return
	}
	g.player.Pause()
	g.paused = true
	g.setStatus("Paused")
}

// cue (re)starts the kit pattern with the current grid.
func (g *game) cue() {
	g.kit.BPM = g.bpm
	if err := g.player.Play(); err != nil {
		g.playing = false
		g.setError(err.Error())
		return
	}
	g.dirty = false
	g.playing = true
	g.paused = false
	g.setStatus("Playing")
}

func (g *game) setBPM(bpm float64) {
	bpm = clamp(bpm, 40, 300)
	g.bpm = bpm
	g.kit.BPM = bpm
	g.player.SetBPM(bpm)
	g.setStatus(fmt.Sprintf("Tempo %.0f", bpm))
}

func (g *game) save() {
	f, err := os.Create(g.path)
	if err != nil {
		g.setError(err.Error())
		return
	}
	err = g.kit.Encode(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		g.setError(err.Error())
		return
	}
	g.setStatus("Saved " + filepath.Base(g.path))
}

func (g *game) updateVolumeFromMouse(mx int, rect image.Rectangle) {
	trackX := rect.Min.X + 130
	trackW := rect.Dx() - 146
	if trackW <= 0 {
		return
	}
	g.volume = clamp(float64(mx-trackX)/float64(trackW), 0, 1)
	g.player.SetMasterVolume(g.volume)
}

func (g *game) updateEQFromMouse(my int, rect image.Rectangle) {
	innerY := rect.Min.Y + 24
	innerH := rect.Dy() - 32
	if innerH <= 0 {
		return
	}
	frac := 1 - clamp(float64(my-innerY)/float64(innerH), 0, 1)
	g.eqGains[g.dragEQ] = frac * 2
	g.player.SetEQBand(g.dragEQ, float32(frac*2))
	g.setStatus(fmt.Sprintf("EQ %s: %.1f", eqBandLabels[g.dragEQ], frac*2))
}

var eqBandLabels = [5]string{"Lo", "LoM", "Mid", "HiM", "Hi"}

func eqBandFromMouse(mx int, rect image.Rectangle) int {
	bandW := (rect.Dx() - 16) / 5
	if bandW <= 0 {
		return -1
	}
	idx := (mx - rect.Min.X - 8) / bandW
	if idx < 0 || idx >= 5 {
		return -1
	}
	return idx
}

func (g *game) drawGrid(screen *ebiten.Image, rect image.Rectangle) {
	cellW := g.cellWidth(rect)
	x0 := rect.Min.X + nameColW
	for r, row := range g.grid {
		y := rect.Min.Y + 8 + r*rowH
		if y+rowH > rect.Max.Y {
			break
		}
		name := shortenEnd(fmt.Sprintf("%d %s", r+1, g.kit.Tracks[r].Name), (nameColW-12)/charW)
		if g.flash[r] > 0 {
			ebitenutil.DrawRect(screen, float64(rect.Min.X+4), float64(y), float64(nameColW-8), float64(rowH-4), sliderFillColor)
		}
		g.drawText(screen, name, rect.Min.X+8, y+2)
		for c, lvl := range row {
			cx := x0 + c*cellW
			fill := levelColors[lvl]
			if c%4 == 0 && lvl == sequencer.Off {
				fill = color.RGBA{56, 56, 72, 255}
			}
			ebitenutil.DrawRect(screen, float64(cx+1), float64(y), float64(cellW-2), float64(rowH-4), fill)
		}
	}
	if g.playing && g.step >= 0 && g.step < g.length {
		x := x0 + g.step*cellW
		ebitenutil.DrawRect(screen, float64(x), float64(rect.Min.Y+4), float64(cellW), float64(rect.Dy()-8), playheadColor)
	}
}

func (g *game) drawEQ(screen *ebiten.Image, rect image.Rectangle) {
	bandW := (rect.Dx() - 16) / 5
	innerY := rect.Min.Y + 24
	innerH := rect.Dy() - 32
	for i := 0; i < 5; i++ {
		bx := rect.Min.X + 8 + i*bandW
		bw := bandW - 4
		g.drawText(screen, eqBandLabels[i], bx+4, rect.Min.Y)
		ebitenutil.DrawRect(screen, float64(bx+bw/2-2), float64(innerY), 4, float64(innerH), bevelDarker)
		ebitenutil.DrawRect(screen, float64(bx), float64(innerY+innerH/2), float64(bw), 1, borderColor)
		frac := clamp(g.eqGains[i]/2, 0, 1)
		knobY := innerY + innerH - int(frac*float64(innerH)) - 4
		knob := image.Rect(bx+2, knobY, bx+bw-2, knobY+8)
		ebitenutil.DrawRect(screen, float64(knob.Min.X), float64(knob.Min.Y), float64(knob.Dx()), float64(knob.Dy()), panelColor)
		drawBorder(screen, knob)
	}
}

func (g *game) drawMeter(screen *ebiten.Image, rect image.Rectangle) {
	g.drawSunkenPanel(screen, rect)
	h := int(clamp(g.meter, 0, 1) * float64(rect.Dy()-8))
	fill := color.RGBA{0, 200, 80, 255}
	if g.meter >= 0.99 {
		fill = color.RGBA{230, 40, 40, 255}
	}
	ebitenutil.DrawRect(screen, float64(rect.Min.X+8), float64(rect.Max.Y-4-h), float64(rect.Dx()-16), float64(h), fill)
}

func (g *game) drawVolumeSlider(screen *ebiten.Image, rect image.Rectangle) {
	g.drawPanel(screen, rect)
	g.drawText(screen, fmt.Sprintf("Vol %d%%", int(g.volume*100+0.5)), rect.Min.X+8, rect.Min.Y+8)
	trackX := rect.Min.X + 130
	trackW := rect.Dx() - 146
	trackY := rect.Min.Y + rect.Dy()/2 - 4
	if trackW < 20 {
		return
	}
	ebitenutil.DrawRect(screen, float64(trackX), float64(trackY), float64(trackW), 8, bevelDarker)
	fillW := int(float64(trackW) * clamp(g.volume, 0, 1))
	if fillW > 2 {
		ebitenutil.DrawRect(screen, float64(trackX+1), float64(trackY+1), float64(fillW-1), 6, sliderFillColor)
	}
	knobX := min(max(trackX+fillW-5, trackX-5), trackX+trackW-5)
	knob := image.Rect(knobX, trackY-4, knobX+10, trackY+12)
	ebitenutil.DrawRect(screen, float64(knob.Min.X), float64(knob.Min.Y), float64(knob.Dx()), float64(knob.Dy()), panelColor)
	drawBorder(screen, knob)
}

func (g *game) drawStatus(screen *ebiten.Image, rect image.Rectangle) {
	st := g.player.Stats()
	msg := fmt.Sprintf("%s | grains %d | dropped %d", g.status, st.ActiveVoices, st.Dropped)
	if g.statusErr {
		msg = "ERROR - " + g.status
	}
	g.drawText(screen, shortenEnd(msg, max(8, (rect.Dx()-16)/charW)), rect.Min.X+8, rect.Min.Y+4)
}

func (g *game) playButtonLabel() string {
	switch {
	case !g.playing:
		return "Play"
	case g.paused:
		return "Resume"
	}
	return "Pause"
}

func (g *game) setError(msg string) {
	g.status = msg
	g.statusErr = true
}

func (g *game) setStatus(msg string) {
	g.status = msg
	g.statusErr = false
}

func (g *game) drawPanel(screen *ebiten.Image, rect image.Rectangle) {
	ebitenutil.DrawRect(screen, float64(rect.Min.X), float64(rect.Min.Y), float64(rect.Dx()), float64(rect.Dy()), panelColor)
	drawBorder(screen, rect)
}

func (g *game) drawSunkenPanel(screen *ebiten.Image, rect image.Rectangle) {
	ebitenutil.DrawRect(screen, float64(rect.Min.X), float64(rect.Min.Y), float64(rect.Dx()), float64(rect.Dy()), sunkenBgColor)
	drawSunkenBorder(screen, rect)
}

func (g *game) drawButton(screen *ebiten.Image, rect image.Rectangle, label string) {
	g.drawPanel(screen, rect)
	x := rect.Min.X + (rect.Dx()-len(label)*charW)/2
	y := rect.Min.Y + (rect.Dy()-lineH)/2
	g.drawText(screen, label, x, y)
}

// drawBorder draws a raised bevel.
func drawBorder(screen *ebiten.Image, rect image.Rectangle) {
	x, y := float64(rect.Min.X), float64(rect.Min.Y)
	w, h := float64(rect.Dx()), float64(rect.Dy())
	ebitenutil.DrawRect(screen, x, y, w-1, 1, bevelLight)
	ebitenutil.DrawRect(screen, x, y+1, 1, h-2, bevelLight)
	ebitenutil.DrawRect(screen, x, y+h-1, w, 1, bevelDarker)
	ebitenutil.DrawRect(screen, x+w-1, y, 1, h, bevelDarker)
}

func drawSunkenBorder(screen *ebiten.Image, rect image.Rectangle) {
	x, y := float64(rect.Min.X), float64(rect.Min.Y)
	w, h := float64(rect.Dx()), float64(rect.Dy())
	ebitenutil.DrawRect(screen, x, y, w-1, 1, borderColor)
	ebitenutil.DrawRect(screen, x, y+1, 1, h-2, borderColor)
	ebitenutil.DrawRect(screen, x, y+h-1, w, 1, bevelLight)
	ebitenutil.DrawRect(screen, x+w-1, y, 1, h, bevelLight)
}

func (g *game) drawText(screen *ebiten.Image, msg string, x, y int) {
	if msg == "" {
		return
	}
	img := g.textCache[msg]
	if img == nil {
		img = ebiten.NewImage(max(1, len([]rune(msg))*7), 14)
		ebitenutil.DebugPrintAt(img, msg, 0, 0)
		if len(g.textCache) > 1000 {
			g.textCache = make(map[string]*ebiten.Image, 256)
		}
		g.textCache[msg] = img
	}
	op := &ebiten.DrawImageOptions{}
	op.GeoM.Scale(textScale, textScale)
	op.GeoM.Translate(float64(x+2), float64(y+2))
	op.ColorScale.Scale(0, 0, 0, 1)
	screen.DrawImage(img, op)
	op = &ebiten.DrawImageOptions{}
	op.GeoM.Scale(textScale, textScale)
	op.GeoM.Translate(float64(x), float64(y))
	screen.DrawImage(img, op)
}

func shortenEnd(s string, maxChars int) string {
	r := []rune(s)
	if len(r) <= maxChars {
		return s
	}
	if maxChars <= 3 {
		return string(r[:max(0, maxChars)])
	}
	return strings.TrimSpace(string(r[:maxChars-3])) + "..."
}

func clamp(v, minV, maxV float64) float64 {
	return min(max(v, minV), maxV)
}

func pointInRect(x, y int, rect image.Rectangle) bool {
	return image.Pt(x, y).In(rect)
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: grainbox_ui kit.yaml")
		os.Exit(2)
	}
	path, err := filepath.Abs(os.Args[1])
	if err != nil {
		log.Error("resolve kit path", "err", err)
		os.Exit(1)
	}
	g, err := newGame(path, log)
	if err != nil {
		log.Error("load kit", "err", err)
		os.Exit(1)
	}
	defer g.Close()

	ebiten.SetWindowSize(windowW, windowH)
	ebiten.SetWindowResizingMode(ebiten.WindowResizingModeEnabled)
	ebiten.SetWindowSizeLimits(minWindowW, minWindowH, -1, -1)
	ebiten.SetWindowTitle("grainbox - " + g.kit.Name)
	if err := ebiten.RunGame(g); err != nil {
		log.Error("run", "err", err)
		os.Exit(1)
	}
}
