package audio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// ErrOverflow marks a capture read that lost input samples. The chunk
// returned alongside it is still usable.
var ErrOverflow = errors.New("input overflowed")

// ErrStreamClosed is returned when reading from or writing to a closed stream.
var ErrStreamClosed = errors.New("stream closed")

// CaptureConfig selects the microphone and the chunk shape.
type CaptureConfig struct {
	Device         string // name substring; empty selects the default input
	SampleRate     int
	FramesPerChunk int
}

// Capture is a blocking PortAudio input stream producing mono PCM16 chunks.
type Capture struct {
	mu     sync.Mutex
	stream *portaudio.Stream
	buf    []int16
	rate   int
	closed bool
}

// OpenCapture opens and starts an input stream.
func (h *Host) OpenCapture(cfg CaptureConfig) (*Capture, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: %d Hz", ErrInvalidSampleRate, cfg.SampleRate)
	}
	frames := cfg.FramesPerChunk
	if frames <= 0 {
		frames = DefaultFramesPerChunk
	}

	device, err := h.inputDevice(cfg.Device)
	if err != nil {
		return nil, err
	}

	params := portaudio.HighLatencyParameters(device, nil)
	params.Input.Channels = 1
	params.SampleRate = float64(cfg.SampleRate)
	params.FramesPerBuffer = frames

	c := &Capture{
		buf:  make([]int16, frames),
		rate: cfg.SampleRate,
	}
	if c.stream, err = portaudio.OpenStream(params, c.buf); err != nil {
		return nil, fmt.Errorf("open input stream on %q: %w", device.Name, err)
	}
	if err := c.stream.Start(); err != nil {
		_ = c.stream.Close()
		return nil, fmt.Errorf("start input stream on %q: %w", device.Name, err)
	}
	return c, nil
}

// SampleRate returns the capture rate in Hz.
func (c *Capture) SampleRate() int {
	return c.rate
}

// Read blocks until one chunk is available. An overflow is reported as an
// error wrapping ErrOverflow together with the chunk that was read.
func (c *Capture) Read() (Chunk, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Chunk{}, ErrStreamClosed
	}

	err := c.stream.Read()
	if err != nil && !errors.Is(err, portaudio.InputOverflowed) {
		return Chunk{}, fmt.Errorf("read input stream: %w", err)
	}

	chunk := Chunk{Data: SamplesToBytes(c.buf), SampleRate: c.rate}
	if err != nil {
		return chunk, fmt.Errorf("%w: %w", ErrOverflow, err)
	}
	return chunk, nil
}

// Close stops and closes the stream. It waits for an in-flight Read.
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return errors.Join(c.stream.Stop(), c.stream.Close())
}
