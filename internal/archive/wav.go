package archive

import (
	"errors"
	"fmt"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/spf13/afero"

	robotaudio "github.com/jimmingcheng/pi-robot/internal/audio"
)

const (
	bitDepth       = 16
	numChannels    = 1
	audioFormatPCM = 1
)

// writeWAV writes PCM16 mono pcm as a WAV file at path.
func writeWAV(fs afero.Fs, path string, pcm []byte, sampleRate int) (size int64, err error) {
	f, err := fs.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", path, cerr)
		}
	}()

	samples := robotaudio.BytesToSamples(pcm)
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}

	e := wav.NewEncoder(f, sampleRate, bitDepth, numChannels, audioFormatPCM)
	werr := e.Write(&audio.IntBuffer{
		Data: data,
		Format: &audio.Format{
			NumChannels: numChannels,
			SampleRate:  sampleRate,
		},
		SourceBitDepth: bitDepth,
	})
	if err := errors.Join(werr, e.Close()); err != nil {
		return 0, fmt.Errorf("encode %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	return info.Size(), nil
}
