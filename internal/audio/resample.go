package audio

import "math"

// Downmix averages all channels into one.
func Downmix(c Clip) Clip {
	if c.Channels <= 1 {
		return c
	}
	frames := c.Frames()
	out := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for ch := 0; ch < c.Channels; ch++ {
			sum += c.Samples[i*c.Channels+ch]
		}
		out[i] = sum / float64(c.Channels)
	}
	return Clip{SampleRate: c.SampleRate, Channels: 1, Samples: out}
}

const (
	lowPassTaps = 127
	// fraction of the target rate kept when decimating
	lowPassCutoff = 0.42
)

// Resample converts c to rate by linear interpolation between neighbouring
// frames. When decimating, source frames are first band-limited with a
// windowed-sinc low-pass so content above the new Nyquist does not alias.
func Resample(c Clip, rate int) Clip {
	frames := c.Frames()
	if rate <= 0 || rate == c.SampleRate || frames == 0 {
		return c
	}
	outFrames := int(math.Round(float64(frames) * float64(rate) / float64(c.SampleRate)))
	if outFrames < 1 {
		outFrames = 1
	}
	step := float64(c.SampleRate) / float64(rate)
	ch := c.Channels
	at := func(j, k int) float64 { return c.Samples[j*ch+k] }
	if rate < c.SampleRate {
		at = lowPass(c, lowPassCutoff*float64(rate))
	}
	out := make([]float64, outFrames*ch)
	for i := 0; i < outFrames; i++ {
		pos := float64(i) * step
		j := int(pos)
		if j >= frames {
			j = frames - 1
		}
		frac := pos - float64(j)
		next := j + 1
		if next >= frames {
			next = frames - 1
		}
		for k := 0; k < ch; k++ {
			a := at(j, k)
			b := at(next, k)
			out[i*ch+k] = a + (b-a)*frac
		}
	}
	return Clip{SampleRate: rate, Channels: ch, Samples: out}
}

// lowPass returns a sampler yielding frame j, channel k of c filtered by a
// Blackman-windowed sinc with the given cutoff. Frames outside the clip count
// as silence. Only the frames the caller asks for are convolved.
func lowPass(c Clip, cutoffHz float64) func(j, k int) float64 {
	fc := cutoffHz / float64(c.SampleRate)
	mid := lowPassTaps / 2
	taps := make([]float64, lowPassTaps)
	var sum float64
	for n := range taps {
		x := float64(n - mid)
		h := 2 * fc
		if x != 0 {
			h = math.Sin(2*math.Pi*fc*x) / (math.Pi * x)
		}
		w := 0.42 - 0.5*math.Cos(2*math.Pi*float64(n)/float64(lowPassTaps-1)) +
			0.08*math.Cos(4*math.Pi*float64(n)/float64(lowPassTaps-1))
		taps[n] = h * w
		sum += taps[n]
	}
	for n := range taps {
		taps[n] /= sum
	}

	frames := c.Frames()
	ch := c.Channels
	return func(j, k int) float64 {
		var acc float64
		for n, t := range taps {
			src := j + n - mid
			if src < 0 || src >= frames {
				continue
			}
			acc += t * c.Samples[src*ch+k]
		}
		return acc
	}
}
