package granular

// TrackOutputs holds per-track channel buffers indexed [track][channel][frame].
// A nil or empty track entry, or one with a channel shorter than the block,
// means the track has no output this block.
// Buffers must be zeroed by the caller; voices accumulate into them.
type TrackOutputs [][][]float32

func (o TrackOutputs) channels(track, frames int) [][]float32 {
	if track < 0 || track >= len(o) {
		return nil
	}
	chs := o[track]
	if len(chs) == 0 {
		return nil
	}
	for _, ch := range chs {
		if len(ch) < frames {
			return nil
		}
	}
	return chs
}

const (
	cubicAbove = 1.2
	cubicBelow = 0.8
)

// usesCubic reports whether a pitch ratio is far enough from unity to need
// 4-point interpolation.
func usesCubic(pitch float64) bool {
	return pitch > cubicAbove || pitch < cubicBelow
}

// renderVoices mixes every active voice into out for frames samples.
// Iteration runs backwards over the packed list so swap-removal never skips.
func (e *Engine) renderVoices(out TrackOutputs, frames int) {
	pool := e.pool
	win := e.window
	for i := len(pool.active) - 1; i >= 0; i-- {
		idx := pool.active[i]
		v := &pool.voices[idx]
		chs := out.channels(v.track, frames)
		if chs == nil || v.bufLen == 0 {
			pool.deactivate(idx)
			continue
		}
		if !renderVoice(v, win, chs, frames) {
			pool.deactivate(idx)
		}
	}
}

// renderVoice writes one block of a voice and reports whether it is still
// alive afterwards.
func renderVoice(v *Voice, win *WindowLUT, chs [][]float32, frames int) bool {
	src := v.buf.Samples
	n := v.bufLen
	phase := v.phase
	releasing := v.releasing
	releaseAmp := v.releaseAmp
	half := v.grainLen / 2
	cubic := usesCubic(v.pitch)
	alive := true

	for j := 0; j < frames; j++ {
		if releasing {
			releaseAmp -= releaseStep
			if releaseAmp < silenceEps {
				alive = false
				break
			}
		}
		if phase >= v.grainLen {
			alive = false
			break
		}
		readPos := v.startPos + float64(phase)*v.pitch
		idx := int(readPos)
		frac := readPos - float64(idx)
		if idx >= n {
			idx %= n
		}
		var sample float32
		if cubic {
			sample = hermite(src, n, idx, float32(frac))
		} else {
			next := idx + 1
			if next >= n {
				next -= n
			}
			s0 := src[idx]
			sample = s0 + (src[next]-s0)*float32(frac)
		}
		amp := win.At(phase, v.invGrainLen)
		if phase > half && amp < silenceEps {
			alive = false
			break
		}
		o := sample * amp * v.velocity * releaseAmp
		for _, ch := range chs {
			ch[j] += o
		}
		phase++
	}

	v.phase = phase
	v.releasing = releasing
	v.releaseAmp = releaseAmp
	return alive
}

// hermite is 4-point cubic Hermite interpolation around src[idx]. Each
// neighbour wraps independently at the buffer edges.
func hermite(src []float32, n, idx int, t float32) float32 {
	i0 := idx - 1
	if i0 < 0 {
		i0 += n
	}
	i2 := idx + 1
	if i2 >= n {
		i2 -= n
	}
	i3 := i2 + 1
	if i3 >= n {
		i3 -= n
	}
	y0, y1, y2, y3 := src[i0], src[idx], src[i2], src[i3]
	c0 := y1
	c1 := 0.5 * (y2 - y0)
	c2 := y0 - 2.5*y1 + 2*y2 - 0.5*y3
	c3 := 0.5*(y3-y0) + 1.5*(y1-y2)
	return ((c3*t+c2)*t+c1)*t + c0
}
