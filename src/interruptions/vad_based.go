package interruptions

import (
	"sync"
	"time"
)

// VADBasedInterruptionStrategy fires once the caller's audio shows
// sustained voice-like energy for minDuration, rather than reacting to
// a single loud carrier frame. It is a stricter alternative to
// VolumeInterruptionStrategy for deployments where a brief noise burst
// (a cough, a door) must not cancel the Pacer.
type VADBasedInterruptionStrategy struct {
	BaseInterruptionStrategy

	minDuration     time.Duration
	energyThreshold float64
	zeroCrossRate   float64

	speechStartTime time.Time
	isSpeaking      bool
	lastAudioTime   time.Time
	mu              sync.Mutex
}

// VADBasedInterruptionStrategyParams configures the sustained-speech
// window and the energy/zero-crossing thresholds used to tell voice
// from noise in 8kHz carrier audio.
type VADBasedInterruptionStrategyParams struct {
	MinDuration     time.Duration
	EnergyThreshold float64
	ZeroCrossRate   float64
}

// NewVADBasedInterruptionStrategy creates a VAD-based barge-in
// detector. A nil params requires 3 carrier frames' (60ms) worth of
// sustained energy, matching VolumeInterruptionStrategy's default
// sustain window, so the two strategies agree on how much speech
// counts as deliberate when used interchangeably behind
// Deps.NewBargeInStrategy.
func NewVADBasedInterruptionStrategy(params *VADBasedInterruptionStrategyParams) *VADBasedInterruptionStrategy {
	if params == nil {
		params = &VADBasedInterruptionStrategyParams{
			MinDuration:     defaultSustainMS * time.Millisecond,
			EnergyThreshold: DefaultVolumeThresh,
			ZeroCrossRate:   0.1,
		}
	}

	return &VADBasedInterruptionStrategy{
		minDuration:     params.MinDuration,
		energyThreshold: params.EnergyThreshold,
		zeroCrossRate:   params.ZeroCrossRate,
	}
}

// AppendAudio analyzes one carrier-derived linear PCM frame for voice
// activity, tracking how long speech has been continuously present.
func (v *VADBasedInterruptionStrategy) AppendAudio(audio []byte, sampleRate int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.lastAudioTime = time.Now()

	energy := calculateEnergy(audio)
	zcr := calculateZeroCrossingRate(audio)
	hasVoice := energy > v.energyThreshold && zcr > v.zeroCrossRate

	if hasVoice {
		if !v.isSpeaking {
			v.isSpeaking = true
			v.speechStartTime = time.Now()
		}
	} else {
		v.isSpeaking = false
	}

	return nil
}

// ShouldInterrupt reports whether speech has been sustained for at
// least minDuration.
func (v *VADBasedInterruptionStrategy) ShouldInterrupt() (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.isSpeaking {
		return false, nil
	}

	return time.Since(v.speechStartTime) >= v.minDuration, nil
}

// Reset clears the sustained-speech tracking state.
func (v *VADBasedInterruptionStrategy) Reset() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.isSpeaking = false
	v.speechStartTime = time.Time{}

	return nil
}

// calculateEnergy reuses the RMS loudness calculation shared with
// VolumeInterruptionStrategy.
func calculateEnergy(audio []byte) float64 {
	return calculateRMS(audio)
}

// calculateZeroCrossingRate computes how often the 16-bit linear PCM
// signal changes sign per sample. Telephone-band voice (8kHz carrier
// audio, ~300-3400Hz) crosses zero far more often than the low-
// frequency rumble typical of line noise, which is what separates
// hasVoice from a noisy-but-quiet connection.
func calculateZeroCrossingRate(audio []byte) float64 {
	if len(audio) < 4 {
		return 0.0
	}

	zeroCrossings := 0
	prevSign := false

	for i := 0; i+1 < len(audio); i += 2 {
		sample := int16(uint16(audio[i]) | uint16(audio[i+1])<<8)
		currentSign := sample >= 0
		if i > 0 && currentSign != prevSign {
			zeroCrossings++
		}
		prevSign = currentSign
	}

	numSamples := len(audio) / 2
	if numSamples == 0 {
		return 0.0
	}

	return float64(zeroCrossings) / float64(numSamples)
}
