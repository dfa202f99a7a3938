package audio

import "time"

// LevelConfig holds configuration for ambient sound detection
type LevelConfig struct {
	Threshold    float64       // Rolling average RMS above which sound is present
	WindowFrames int           // Number of frames averaged
	HoldDown     time.Duration // Time after a trigger before another may fire
}

// DefaultLevelConfig returns a default level configuration
func DefaultLevelConfig() *LevelConfig {
	return &LevelConfig{
		Threshold:    500.0,
		WindowFrames: 5,           // ~100ms at 20ms frames
		HoldDown:     time.Second, // matches a single continuous sound
	}
}

// LevelDetector reports rising edges of "sound present" with hysteresis.
// A trigger is reported only when the rolling average is above the threshold
// and no sound is currently flagged. The flag clears HoldDown after the
// trigger, so a continuous sound triggers again once per HoldDown.
type LevelDetector struct {
	config      *LevelConfig
	window      []float64
	next        int
	filled      int
	sum         float64
	flagged     bool
	triggeredAt time.Time
}

// NewLevelDetector creates a new level detector
func NewLevelDetector(config *LevelConfig) *LevelDetector {
	if config == nil {
		config = DefaultLevelConfig()
	}
	if config.WindowFrames <= 0 {
		config.WindowFrames = 1
	}
	return &LevelDetector{
		config: config,
		window: make([]float64, config.WindowFrames),
	}
}

// Process feeds one frame observed at now.
// Returns the current rolling average and whether this frame is a new trigger.
func (d *LevelDetector) Process(samples []int16, now time.Time) (float64, bool) {
	rms := CalculateRMS(samples)

	// Update rolling window
	if d.filled == len(d.window) {
		d.sum -= d.window[d.next]
	} else {
		d.filled++
	}
	d.window[d.next] = rms
	d.sum += rms
	d.next = (d.next + 1) % len(d.window)

	average := d.sum / float64(d.filled)

	if d.flagged && now.Sub(d.triggeredAt) >= d.config.HoldDown {
		d.flagged = false
	}

	if average <= d.config.Threshold || d.flagged {
		return average, false
	}

	d.flagged = true
	d.triggeredAt = now
	return average, true
}

// Flagged returns whether sound is currently flagged as present
func (d *LevelDetector) Flagged() bool {
	return d.flagged
}

// Reset clears the window and the sound flag
func (d *LevelDetector) Reset() {
	for i := range d.window {
		d.window[i] = 0
	}
	d.next = 0
	d.filled = 0
	d.sum = 0
	d.flagged = false
	d.triggeredAt = time.Time{}
}
