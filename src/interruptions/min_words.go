package interruptions

import (
	"log"
	"strings"
)

// DefaultMinWords requires at least a short clause of ASR partial
// transcript before treating it as a deliberate barge-in rather than a
// filler ack ("mm", "uh-huh") leaking in while the bot is speaking.
const DefaultMinWords = 3

// MinWordsInterruptionStrategy is a text-only barge-in detector: it
// accumulates the caller's partial transcript while the bot is
// speaking and fires once the word count reaches minWords, as an
// alternative to (or combined with) VolumeInterruptionStrategy for
// callers whose ASR adapter can stream partials ahead of the final
// transcript.
type MinWordsInterruptionStrategy struct {
	BaseInterruptionStrategy
	minWords int
	text     string
}

// NewMinWordsInterruptionStrategy creates a strategy requiring at
// least minWords words of accumulated transcript to fire.
func NewMinWordsInterruptionStrategy(minWords int) *MinWordsInterruptionStrategy {
	return &MinWordsInterruptionStrategy{
		minWords: minWords,
	}
}

// NewDefaultMinWordsInterruptionStrategy applies the gateway's
// DefaultMinWords threshold.
func NewDefaultMinWordsInterruptionStrategy() *MinWordsInterruptionStrategy {
	return NewMinWordsInterruptionStrategy(DefaultMinWords)
}

// AppendText accumulates a partial transcript fragment.
func (m *MinWordsInterruptionStrategy) AppendText(text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.text += text
	return nil
}

// ShouldInterrupt reports whether the accumulated transcript has
// reached the configured word count.
func (m *MinWordsInterruptionStrategy) ShouldInterrupt() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wordCount := len(strings.Fields(m.text))
	interrupt := wordCount >= m.minWords

	log.Printf("min_words barge-in: interrupt=%v words=%d threshold=%d", interrupt, wordCount, m.minWords)

	return interrupt, nil
}

// Reset clears the accumulated transcript for the next BOT_SPEAKING turn.
func (m *MinWordsInterruptionStrategy) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.text = ""
	return nil
}
