package audio

import (
	"errors"
	"fmt"
	"math"

	"github.com/mjibson/go-dsp/fft"
)

// ErrInvalidSampleRate is returned when a sample rate is zero or negative.
var ErrInvalidSampleRate = errors.New("invalid sample rate")

// Resample converts PCM16 mono audio from origRate to targetRate.
//
// The output holds floor(n*targetRate/origRate) samples for n input samples.
// The conversion works in the frequency domain: the spectrum is truncated or
// zero-padded to the output length, the Nyquist bin is split or folded so the
// result stays real, and the inverse transform is scaled by m/n. The same input
// always produces the same output.
func Resample(pcm []byte, origRate, targetRate int) ([]byte, error) {
	if origRate <= 0 || targetRate <= 0 {
		return nil, fmt.Errorf("%w: %d Hz to %d Hz", ErrInvalidSampleRate, origRate, targetRate)
	}

	samples := BytesToSamples(pcm)
	n := len(samples)
	if n == 0 {
		return []byte{}, nil
	}
	if origRate == targetRate {
		return SamplesToBytes(samples), nil
	}

	m := int(int64(n) * int64(targetRate) / int64(origRate))
	if m == 0 {
		return []byte{}, nil
	}

	x := make([]float64, n)
	for i, s := range samples {
		x[i] = float64(s)
	}
	spectrum := fft.FFTReal(x)

	y := make([]complex128, m)
	k := min(n, m)
	half := (k + 1) / 2
	for i := range half {
		y[i] = spectrum[i]
	}
	for i := 1; i < half; i++ {
		y[m-i] = spectrum[n-i]
	}
	if k%2 == 0 {
		nyq := k / 2
		if m < n {
			// Fold both halves of the input Nyquist pair into one bin.
			y[nyq] = spectrum[nyq] + spectrum[n-nyq]
		} else {
			// Split the input Nyquist bin across the mirrored pair.
			y[nyq] = spectrum[nyq] / 2
			y[m-nyq] = spectrum[nyq] / 2
		}
	}

	out := fft.IFFT(y)
	scale := float64(m) / float64(n)
	resampled := make([]int16, m)
	for i, v := range out {
		resampled[i] = clampSample(real(v) * scale)
	}
	return SamplesToBytes(resampled), nil
}

func clampSample(v float64) int16 {
	v = math.Round(v)
	switch {
	case math.IsNaN(v):
		return 0
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}
