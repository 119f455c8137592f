package audio

import (
	"encoding/binary"
	"time"
)

// Audio format defaults for capture and playback.
const (
	// DefaultCaptureRate is the microphone sample rate in Hz.
	DefaultCaptureRate = 44100
	// DefaultOutputRate is the playback sample rate in Hz.
	DefaultOutputRate = 24000
	// DefaultFramesPerChunk is the number of samples delivered per capture read.
	DefaultFramesPerChunk = 8192
	// BytesPerSample is the size of one PCM16 mono sample.
	BytesPerSample = 2
)

// Chunk is one buffer of 16-bit signed little-endian mono samples.
// A Chunk is never modified after it is produced.
type Chunk struct {
	// Data holds the raw PCM16 bytes.
	Data []byte
	// SampleRate is the rate Data was captured at, in Hz.
	SampleRate int
}

// NumSamples returns the number of whole samples in the chunk.
func (c Chunk) NumSamples() int {
	return len(c.Data) / BytesPerSample
}

// Duration returns the playback duration of the chunk.
func (c Chunk) Duration() time.Duration {
	return DurationOf(len(c.Data), c.SampleRate)
}

// Samples decodes the chunk into int16 samples.
func (c Chunk) Samples() []int16 {
	return BytesToSamples(c.Data)
}

// BytesToSamples decodes PCM16 little-endian bytes. A trailing odd byte is ignored.
func BytesToSamples(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/BytesPerSample)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*BytesPerSample:])) //nolint:gosec // Two's complement reinterpretation
	}
	return samples
}

// SamplesToBytes encodes int16 samples as PCM16 little-endian bytes.
func SamplesToBytes(samples []int16) []byte {
	pcm := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*BytesPerSample:], uint16(s)) //nolint:gosec // Two's complement reinterpretation
	}
	return pcm
}

// DurationOf returns how long n bytes of PCM16 mono audio play at sampleRate.
func DurationOf(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(n/BytesPerSample) * time.Second / time.Duration(sampleRate)
}

// Device represents an available audio device.
type Device struct {
	// Index is the position of the device in the host device list.
	Index int `json:"index"`
	// Name is the device display name.
	Name string `json:"name"`
	// HostAPI is the name of the host API that owns the device.
	HostAPI string `json:"host_api"`
	// MaxInputChannels is zero for output-only devices.
	MaxInputChannels int `json:"max_input_channels"`
	// MaxOutputChannels is zero for input-only devices.
	MaxOutputChannels int `json:"max_output_channels"`
	// DefaultSampleRate is the device's preferred rate in Hz.
	DefaultSampleRate float64 `json:"default_sample_rate"`
}
