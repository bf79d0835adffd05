package interruptions

import (
	"encoding/binary"
	"math"
	"sync"
)

// defaultWindowMS/defaultSustainMS are expressed in carrier frame time
// and divided by CarrierFrameMS into frame counts. The rolling window
// counts AppendAudio calls, so it spans 200ms of audio when each call
// carries one 20ms carrier frame; larger or smaller frames stretch or
// shrink that span.
const (
	defaultWindowMS     = 200
	defaultSustainMS    = 60
	DefaultVolumeThresh = 0.02
)

// VolumeInterruptionStrategy is the Turn Controller's default barge-in
// detector: it tracks the RMS loudness of the caller's last
// defaultWindowMS of carrier audio and fires once enough of that
// window is above threshold, i.e. the caller is sustaining speech
// rather than producing a single loud click or breath.
type VolumeInterruptionStrategy struct {
	BaseInterruptionStrategy

	threshold  float64 // RMS volume threshold (0.0 - 1.0)
	windowSize int     // carrier frames covering defaultWindowMS
	minFrames  int     // carrier frames covering defaultSustainMS

	volumes     []float64
	framesAbove int
	mu          sync.Mutex
}

// VolumeInterruptionStrategyParams overrides the window sizing. Frame
// counts are interpreted as CarrierFrameMS-sized frames, matching the
// Frame Pacer's 20ms tick.
type VolumeInterruptionStrategyParams struct {
	Threshold  float64
	WindowSize int
	MinFrames  int
}

// NewVolumeInterruptionStrategy creates a volume-based barge-in
// detector. A nil params sizes the window to the gateway's default
// 200ms-of-evidence / 60ms-sustained policy (10 and 3 frames at the
// Pacer's 20ms cadence).
func NewVolumeInterruptionStrategy(params *VolumeInterruptionStrategyParams) *VolumeInterruptionStrategy {
	if params == nil {
		params = &VolumeInterruptionStrategyParams{
			Threshold:  DefaultVolumeThresh,
			WindowSize: defaultWindowMS / CarrierFrameMS,
			MinFrames:  defaultSustainMS / CarrierFrameMS,
		}
	}

	return &VolumeInterruptionStrategy{
		threshold:   params.Threshold,
		windowSize:  params.WindowSize,
		minFrames:   params.MinFrames,
		volumes:     make([]float64, 0, params.WindowSize),
		framesAbove: 0,
	}
}

// AppendAudio analyzes one carrier-derived linear PCM frame and updates
// the rolling RMS window.
func (v *VolumeInterruptionStrategy) AppendAudio(audio []byte, sampleRate int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	rms := calculateRMS(audio)

	v.volumes = append(v.volumes, rms)
	if len(v.volumes) > v.windowSize {
		v.volumes = v.volumes[1:]
	}

	v.framesAbove = 0
	for _, vol := range v.volumes {
		if vol > v.threshold {
			v.framesAbove++
		}
	}

	return nil
}

// ShouldInterrupt reports whether enough frames in the current window
// cross the loudness threshold to treat this as a real barge-in.
func (v *VolumeInterruptionStrategy) ShouldInterrupt() (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if len(v.volumes) < v.minFrames {
		return false, nil
	}

	return v.framesAbove >= v.minFrames, nil
}

// Reset clears the rolling window, called once a barge-in is actioned
// or a fresh BOT_SPEAKING turn starts.
func (v *VolumeInterruptionStrategy) Reset() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.volumes = make([]float64, 0, v.windowSize)
	v.framesAbove = 0

	return nil
}

// calculateRMS computes the RMS loudness of a 16-bit linear PCM buffer.
// session.handleMedia always hands this 8kHz PCM produced by
// audio.MulawToLinear16_8k, so no other sample width is expected here.
func calculateRMS(audio []byte) float64 {
	if len(audio) == 0 {
		return 0.0
	}

	var sumSquares float64
	numSamples := 0

	for i := 0; i+1 < len(audio); i += 2 {
		sample := int16(binary.LittleEndian.Uint16(audio[i : i+2]))
		normalized := float64(sample) / 32768.0
		sumSquares += normalized * normalized
		numSamples++
	}

	if numSamples == 0 {
		return 0.0
	}

	meanSquare := sumSquares / float64(numSamples)
	return math.Sqrt(meanSquare)
}
