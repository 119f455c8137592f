package audio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// PlaybackConfig selects the speaker and the buffer shape.
type PlaybackConfig struct {
	Device          string // name substring; empty selects the default output
	SampleRate      int
	FramesPerBuffer int
}

// DefaultFramesPerBuffer is the playback block size when none is configured.
const DefaultFramesPerBuffer = 1024

// Playback is a blocking PortAudio output stream for mono PCM16 audio.
// Writes are played in order. Samples that do not fill a whole buffer are
// held until the next Write or Flush.
type Playback struct {
	mu       sync.Mutex
	stream   *portaudio.Stream
	buf      []int16
	residual []int16
	rate     int
	closed   bool
}

// OpenPlayback opens and starts an output stream.
func (h *Host) OpenPlayback(cfg PlaybackConfig) (*Playback, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: %d Hz", ErrInvalidSampleRate, cfg.SampleRate)
	}
	frames := cfg.FramesPerBuffer
	if frames <= 0 {
		frames = DefaultFramesPerBuffer
	}

	device, err := h.outputDevice(cfg.Device)
	if err != nil {
		return nil, err
	}

	params := portaudio.LowLatencyParameters(nil, device)
	params.Output.Channels = 1
	params.SampleRate = float64(cfg.SampleRate)
	params.FramesPerBuffer = frames

	p := &Playback{
		buf:  make([]int16, frames),
		rate: cfg.SampleRate,
	}
	if p.stream, err = portaudio.OpenStream(params, p.buf); err != nil {
		return nil, fmt.Errorf("open output stream on %q: %w", device.Name, err)
	}
	if err := p.stream.Start(); err != nil {
		_ = p.stream.Close()
		return nil, fmt.Errorf("start output stream on %q: %w", device.Name, err)
	}
	return p, nil
}

// SampleRate returns the playback rate in Hz.
func (p *Playback) SampleRate() int {
	return p.rate
}

// Write queues pcm for playback and blocks until every whole buffer has been
// handed to the device.
func (p *Playback) Write(pcm []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrStreamClosed
	}

	p.residual = append(p.residual, BytesToSamples(pcm)...)
	for len(p.residual) >= len(p.buf) {
		copy(p.buf, p.residual)
		p.residual = p.residual[len(p.buf):]
		if err := p.writeBuffer(); err != nil {
			return err
		}
	}
	// Keep the tail in a fresh slice so the backing array does not grow forever.
	p.residual = append([]int16(nil), p.residual...)
	return nil
}

// Flush plays any held samples, padded with silence to a whole buffer.
func (p *Playback) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrStreamClosed
	}
	return p.flushLocked()
}

func (p *Playback) flushLocked() error {
	if len(p.residual) == 0 {
		return nil
	}
	n := copy(p.buf, p.residual)
	clear(p.buf[n:])
	p.residual = nil
	return p.writeBuffer()
}

func (p *Playback) writeBuffer() error {
	err := p.stream.Write()
	if err != nil && !errors.Is(err, portaudio.OutputUnderflowed) {
		return fmt.Errorf("write output stream: %w", err)
	}
	return nil
}

// Close flushes held samples, then stops and closes the stream.
func (p *Playback) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return errors.Join(p.flushLocked(), p.stream.Stop(), p.stream.Close())
}
