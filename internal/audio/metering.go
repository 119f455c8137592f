// Package audio provides PCM16 processing for the voice loop: level metering,
// resampling, utterance detection and PortAudio capture and playback.
package audio

import (
	"encoding/binary"
	"math"
)

const (
	// MinDB is the minimum dB level (silence).
	MinDB = -60.0
	// MaxSampleValue is the maximum absolute value for 16-bit signed audio.
	MaxSampleValue = 32768.0
	// ClipThreshold is slightly below max to catch near-clips.
	ClipThreshold int16 = 32760
)

// RMS returns the root-mean-square amplitude of PCM16 mono audio.
// Empty input yields 0, and so does any non-finite intermediate result.
func RMS(pcm []byte) float64 {
	n := len(pcm) / BytesPerSample
	if n == 0 {
		return 0
	}

	var sumSquares float64
	for i := 0; i+1 < len(pcm); i += BytesPerSample {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i:]))) //nolint:gosec // Two's complement reinterpretation
		sumSquares += s * s
	}

	rms := math.Sqrt(sumSquares / float64(n))
	if math.IsNaN(rms) || math.IsInf(rms, 0) {
		return 0
	}
	return rms
}

// Levels summarizes one buffer of audio for display.
type Levels struct {
	RMS   float64 `json:"rms"`
	RMSDB float64 `json:"rms_db"`
	Peak  float64 `json:"peak_db"`
	Clips int     `json:"clips"`
}

// MeasureLevels computes RMS, peak and clip count for PCM16 mono audio.
func MeasureLevels(pcm []byte) Levels {
	var peak float64
	var clips int
	for i := 0; i+1 < len(pcm); i += BytesPerSample {
		sample := int16(binary.LittleEndian.Uint16(pcm[i:])) //nolint:gosec // Two's complement reinterpretation
		if abs := math.Abs(float64(sample)); abs > peak {
			peak = abs
		}
		if sample >= ClipThreshold || sample <= -ClipThreshold {
			clips++
		}
	}

	rms := RMS(pcm)
	return Levels{
		RMS:   rms,
		RMSDB: ToDB(rms),
		Peak:  ToDB(peak),
		Clips: clips,
	}
}

// ToDB converts a linear amplitude to dBFS, floored at MinDB.
func ToDB(amplitude float64) float64 {
	if amplitude <= 0 {
		return MinDB
	}
	return max(20*math.Log10(amplitude/MaxSampleValue), MinDB)
}
