// Package interruptions implements the barge-in detection strategies the
// Turn Controller consults while a call is in BOT_SPEAKING: given the
// carrier's 20ms μ-law frames (converted to linear PCM by src/audio
// before reaching here), decide whether the caller's incoming audio is
// enough to cancel the Pacer and hand the floor back.
package interruptions

import "sync"

// CarrierFrameMS is the Frame Pacer's fixed outbound cadence (spec's
// "exactly one 160-byte μ-law frame every 20ms"). Strategies below size
// their rolling windows in multiples of it so a window boundary lines
// up with an actual carrier tick instead of an arbitrary sample count.
const CarrierFrameMS = 20

// InterruptionStrategy decides, for the call currently in
// turn.BotSpeaking, whether the caller's audio/partial-transcript is
// strong enough evidence of a real barge-in to cancel the bot's speech.
type InterruptionStrategy interface {
	// AppendAudio feeds one converted carrier frame (linear PCM) into
	// the strategy's analysis window. Strategies that only look at
	// transcript text may no-op this.
	AppendAudio(audio []byte, sampleRate int) error

	// AppendText feeds an ASR partial/final transcript fragment into
	// the strategy. Strategies that only look at audio energy may
	// no-op this.
	AppendText(text string) error

	// ShouldInterrupt reports whether the session should cancel the
	// Pacer and move the Turn Controller out of BOT_SPEAKING right now.
	ShouldInterrupt() (bool, error)

	// Reset clears accumulated state, called once a barge-in fires or
	// a new BOT_SPEAKING turn begins.
	Reset() error
}

// BaseInterruptionStrategy gives concrete strategies no-op AppendAudio/
// AppendText/Reset so each only needs to implement the signal it
// actually analyzes.
type BaseInterruptionStrategy struct {
	mu sync.Mutex
}

func (b *BaseInterruptionStrategy) AppendAudio(audio []byte, sampleRate int) error {
	return nil
}

func (b *BaseInterruptionStrategy) AppendText(text string) error {
	return nil
}

func (b *BaseInterruptionStrategy) Reset() error {
	return nil
}
