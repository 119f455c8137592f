package audio

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// ErrNoAudioDevice is returned when no matching audio device exists.
var ErrNoAudioDevice = errors.New("no audio device found")

// Host owns the PortAudio library lifetime. Streams opened from a Host must
// be closed before the Host.
type Host struct {
	mu     sync.Mutex
	closed bool
}

// OpenHost initializes PortAudio.
func OpenHost() (*Host, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}
	return &Host{}, nil
}

// Close terminates PortAudio. It is safe to call more than once.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("terminate portaudio: %w", err)
	}
	return nil
}

// Devices lists all devices known to the host.
func (h *Host) Devices() ([]Device, error) {
	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	devices := make([]Device, 0, len(infos))
	for _, info := range infos {
		devices = append(devices, deviceFromInfo(info))
	}
	return devices, nil
}

// inputDevice picks the first input device whose name contains name, or the
// default input device when name is empty.
func (h *Host) inputDevice(name string) (*portaudio.DeviceInfo, error) {
	if name == "" {
		info, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("%w: default input: %w", ErrNoAudioDevice, err)
		}
		return info, nil
	}
	return findDevice(name, func(info *portaudio.DeviceInfo) bool { return info.MaxInputChannels > 0 })
}

// outputDevice picks the first output device whose name contains name, or
// the default output device when name is empty.
func (h *Host) outputDevice(name string) (*portaudio.DeviceInfo, error) {
	if name == "" {
		info, err := portaudio.DefaultOutputDevice()
		if err != nil {
			return nil, fmt.Errorf("%w: default output: %w", ErrNoAudioDevice, err)
		}
		return info, nil
	}
	return findDevice(name, func(info *portaudio.DeviceInfo) bool { return info.MaxOutputChannels > 0 })
}

func findDevice(name string, usable func(*portaudio.DeviceInfo) bool) (*portaudio.DeviceInfo, error) {
	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	for _, info := range infos {
		if usable(info) && MatchDeviceName(info.Name, name) {
			return info, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrNoAudioDevice, name)
}

// MatchDeviceName reports whether a device name contains the wanted
// substring, ignoring case.
func MatchDeviceName(deviceName, want string) bool {
	return strings.Contains(strings.ToLower(deviceName), strings.ToLower(want))
}

func deviceFromInfo(info *portaudio.DeviceInfo) Device {
	d := Device{
		Index:             info.Index,
		Name:              info.Name,
		MaxInputChannels:  info.MaxInputChannels,
		MaxOutputChannels: info.MaxOutputChannels,
		DefaultSampleRate: info.DefaultSampleRate,
	}
	if info.HostApi != nil {
		d.HostAPI = info.HostApi.Name
	}
	return d
}
