package audio

import (
	"math"
	"testing"
)

func TestRMS(t *testing.T) {
	square := make([]int16, 1000)
	for i := range square {
		square[i] = math.MaxInt16
		if i%2 == 1 {
			square[i] = -math.MaxInt16
		}
	}

	tests := []struct {
		name string
		pcm  []byte
		want float64
	}{
		{"empty", nil, 0},
		{"single odd byte", []byte{0x7f}, 0},
		{"zeros", SamplesToBytes(make([]int16, 4096)), 0},
		{"full-scale square wave", SamplesToBytes(square), math.MaxInt16},
		{"constant", SamplesToBytes([]int16{-300, -300, -300, -300}), 300},
		{"mixed", SamplesToBytes([]int16{3, 4}), math.Sqrt(12.5)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RMS(tt.pcm)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("RMS() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMeasureLevels(t *testing.T) {
	pcm := SamplesToBytes([]int16{0, 16384, -32768, 100})
	levels := MeasureLevels(pcm)

	if levels.Clips != 1 {
		t.Errorf("Clips = %d, want 1", levels.Clips)
	}
	if levels.Peak != 0 {
		t.Errorf("Peak = %v dB, want 0", levels.Peak)
	}
	if levels.RMS != RMS(pcm) {
		t.Errorf("RMS = %v, want %v", levels.RMS, RMS(pcm))
	}
}

func TestToDB(t *testing.T) {
	tests := []struct {
		amplitude float64
		want      float64
	}{
		{0, MinDB},
		{-5, MinDB},
		{1, MinDB},
		{MaxSampleValue, 0},
		{MaxSampleValue / 2, -6.0206},
	}
	for _, tt := range tests {
		if got := ToDB(tt.amplitude); math.Abs(got-tt.want) > 0.001 {
			t.Errorf("ToDB(%v) = %v, want %v", tt.amplitude, got, tt.want)
		}
	}
}
