package audio

import "math"

// sincZeroCrossings is the half-width of the interpolation kernel measured in
// zero crossings of the low-pass sinc.
const sincZeroCrossings = 16

// Resample converts samples from srcRate to dstRate with a Blackman-windowed
// sinc interpolator. The low-pass cutoff sits at the lower of the two Nyquist
// frequencies so downsampling does not alias. The output has
// round(len(in)*dstRate/srcRate) samples.
func Resample(in []float64, srcRate, dstRate int) []float64 {
	if srcRate <= 0 || dstRate <= 0 || len(in) == 0 {
		return nil
	}
	if srcRate == dstRate {
		out := make([]float64, len(in))
		copy(out, in)
		return out
	}

	ratio := float64(dstRate) / float64(srcRate)
	outLen := int(math.Round(float64(len(in)) * ratio))
	out := make([]float64, outLen)

	cutoff := math.Min(1, ratio)
	halfWidth := float64(sincZeroCrossings) / cutoff
	span := int(math.Ceil(halfWidth))

	for j := range out {
		pos := float64(j) / ratio
		center := int(math.Floor(pos))
		var acc, norm float64
		for i := center - span + 1; i <= center+span; i++ {
			if i < 0 || i >= len(in) {
				continue
			}
			d := pos - float64(i)
			if math.Abs(d) >= halfWidth {
				continue
			}
			w := cutoff * sinc(cutoff*d) * blackman(d, halfWidth)
			acc += in[i] * w
			norm += w
		}
		// Renormalising keeps DC gain at 1 near the buffer edges.
		if norm != 0 {
			acc /= norm
		}
		out[j] = acc
	}
	return out
}

// ResampleBuffer resamples every channel of b.
func ResampleBuffer(b Buffer, dstRate int) Buffer {
	if b.SampleRate == dstRate {
		return b
	}
	out := Buffer{SampleRate: dstRate, Channels: make([][]float64, len(b.Channels))}
	for i, ch := range b.Channels {
		out.Channels[i] = Resample(ch, b.SampleRate, dstRate)
	}
	return out
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	px := math.Pi * x
	return math.Sin(px) / px
}

func blackman(d, halfWidth float64) float64 {
	x := math.Pi * d / halfWidth
	return 0.42 + 0.5*math.Cos(x) + 0.08*math.Cos(2*x)
}
