package audio

// Indicator levels produced by VolumeMapper.
const (
	LevelOff     = 0.0
	LevelQuarter = 0.25
	LevelHalf    = 0.5
	LevelFull    = 1.0
)

// VolumeMapper quantizes RMS loudness into one of four indicator levels.
type VolumeMapper struct {
	// MaxVolume is the RMS that maps to full intensity.
	MaxVolume float64
}

// Level maps an RMS value to 0, 0.25, 0.5 or 1.0.
func (m VolumeMapper) Level(rms float64) float64 {
	var normalized float64
	switch {
	case m.MaxVolume <= 0:
		if rms > 0 {
			normalized = 1
		}
	default:
		normalized = min(max(rms/m.MaxVolume, 0), 1)
	}

	switch {
	case normalized < 0.3:
		return LevelOff
	case normalized < 0.5:
		return LevelQuarter
	case normalized < 0.7:
		return LevelHalf
	default:
		return LevelFull
	}
}
