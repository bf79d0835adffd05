package audio

// OpeningCache holds the opening script's μ-law audio, synthesized
// once at process start (CACHE_OPENING_AUDIO) instead of on every
// call. It is immutable after construction: NewOpeningCache is meant
// to be called exactly once, from the gateway's boot sequence.
type OpeningCache struct {
	script string
	mulaw  []byte
}

// NewOpeningCache freezes mulaw as the cached rendering of script.
func NewOpeningCache(script string, mulaw []byte) *OpeningCache {
	return &OpeningCache{script: script, mulaw: mulaw}
}

// Script returns the opening line the cached audio was synthesized
// from, so a Session can still record it in the call transcript.
func (c *OpeningCache) Script() string {
	return c.script
}

// Bytes returns the cached μ-law audio.
func (c *OpeningCache) Bytes() []byte {
	return c.mulaw
}
