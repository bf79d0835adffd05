package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Loader builds a Config from environment variables. Lookup defaults to
// os.LookupEnv but can be swapped for a deterministic map in tests.
type Loader struct {
	Lookup func(key string) (string, bool)
}

// NewLoader returns a Loader backed by the real process environment.
func NewLoader() *Loader {
	return &Loader{Lookup: os.LookupEnv}
}

// Load reads every field in the env table, applying the documented
// defaults, and validates the result.
func (l *Loader) Load() (*Config, error) {
	cfg := &Config{
		Port:                 DefaultPort,
		VADThreshold:         DefaultVADThreshold,
		VADSilenceMS:         DefaultVADSilenceMS,
		VADPrefixMS:          DefaultVADPrefixMS,
		AllowBargeIn:         DefaultAllowBargeIn,
		NoBargeTailMS:        DefaultNoBargeTailMS,
		AckEnabled:           DefaultAckEnabled,
		AckText:              DefaultAckText,
		ReplyChunking:        DefaultReplyChunking,
		ReplyChunkChars:      DefaultReplyChunkChars,
		TTSTailSilenceMS:     DefaultTTSTailSilenceMS,
		AudioPrebufferMS:     DefaultAudioPrebufferMS,
		IdleHangupMS:         DefaultIdleHangupMS,
		MaxCallMS:            DefaultMaxCallMS,
		CacheOpeningAudio:    DefaultCacheOpeningAudio,
		RequirePhoneForFinal: DefaultRequirePhoneForFinal,
	}

	l.overrideInt("PORT", &cfg.Port)
	l.overrideString("DOMAIN", &cfg.Domain)
	l.overrideString("STREAM_URL", &cfg.StreamURL)
	l.overrideString("OPENING_SCRIPT", &cfg.OpeningScript)
	l.overrideString("SYSTEM_INSTRUCTIONS", &cfg.SystemInstructions)

	l.overrideFloat("VAD_THRESHOLD", &cfg.VADThreshold)
	l.overrideInt("VAD_SILENCE_MS", &cfg.VADSilenceMS)
	l.overrideInt("VAD_PREFIX_MS", &cfg.VADPrefixMS)

	l.overrideBool("ALLOW_BARGE_IN", &cfg.AllowBargeIn)
	l.overrideInt("NO_BARGE_TAIL_MS", &cfg.NoBargeTailMS)

	l.overrideBool("ACK_ENABLED", &cfg.AckEnabled)
	l.overrideString("ACK_TEXT", &cfg.AckText)

	l.overrideBool("REPLY_CHUNKING", &cfg.ReplyChunking)
	l.overrideInt("REPLY_CHUNK_CHARS", &cfg.ReplyChunkChars)
	l.overrideInt("TTS_TAIL_SILENCE_MS", &cfg.TTSTailSilenceMS)
	l.overrideInt("AUDIO_PREBUFFER_MS", &cfg.AudioPrebufferMS)

	l.overrideInt("IDLE_HANGUP_MS", &cfg.IdleHangupMS)
	l.overrideInt("MAX_CALL_MS", &cfg.MaxCallMS)

	l.overrideBool("CACHE_OPENING_AUDIO", &cfg.CacheOpeningAudio)
	l.overrideBool("REQUIRE_PHONE_FOR_FINAL", &cfg.RequirePhoneForFinal)

	l.overrideString("ASR_API_KEY", &cfg.ASRAPIKey)
	l.overrideString("LLM_API_KEY", &cfg.LLMAPIKey)
	l.overrideString("TTS_API_KEY", &cfg.TTSAPIKey)
	l.overrideString("ASR_URL", &cfg.ASRURL)
	l.overrideString("LLM_PRIMARY_URL", &cfg.LLMPrimary)
	l.overrideString("LLM_GENERAL_URL", &cfg.LLMGeneral)
	l.overrideString("TTS_BASE_URL", &cfg.TTSBaseURL)
	l.overrideString("TTS_VOICE_ID", &cfg.TTSVoiceID)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *Loader) overrideString(key string, dst *string) {
	if v, ok := l.Lookup(key); ok && v != "" {
		*dst = v
	}
}

func (l *Loader) overrideBool(key string, dst *bool) {
	if v, ok := l.Lookup(key); ok && v != "" {
		*dst = v == "true" || v == "1"
	}
}

func (l *Loader) overrideInt(key string, dst *int) {
	if v, ok := l.Lookup(key); ok && v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func (l *Loader) overrideFloat(key string, dst *float64) {
	if v, ok := l.Lookup(key); ok && v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			*dst = f
		}
	}
}

// Validate rejects configurations that would make the pacer or the
// turn state machine behave incoherently.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid PORT %d", c.Port)
	}
	if c.VADThreshold < 0 || c.VADThreshold > 1 {
		return fmt.Errorf("config: VAD_THRESHOLD must be in [0,1], got %f", c.VADThreshold)
	}
	if c.AudioPrebufferMS <= 0 {
		return fmt.Errorf("config: AUDIO_PREBUFFER_MS must be positive, got %d", c.AudioPrebufferMS)
	}
	if c.ReplyChunkChars <= 0 {
		return fmt.Errorf("config: REPLY_CHUNK_CHARS must be positive, got %d", c.ReplyChunkChars)
	}
	if c.IdleHangupMS <= 0 || c.MaxCallMS <= 0 {
		return fmt.Errorf("config: IDLE_HANGUP_MS and MAX_CALL_MS must be positive")
	}
	return nil
}
