// Package tts streams synthesized speech from an HTTP text-to-speech
// endpoint into a pacer.Pacer. It generalizes the teacher's ElevenLabs
// voice-settings shape (services/elevenlabs/tts.go) and Cartesia's
// sentence-aggregation idiom (services/cartesia/tts.go's
// extractSentences) onto the spec's HTTP POST + lazy-body-read
// contract instead of those two services' WebSocket streaming
// transport.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/square-key-labs/voicegw/src/audio"
	"github.com/square-key-labs/voicegw/src/logger"
)

// AudioSink accepts successive μ-law chunks, in order. *pacer.Pacer
// satisfies this directly; Synthesize uses a buffering sink instead so
// the boot-time opening-audio warm-up can capture the bytes rather than
// hand them to a live call's pacer.
type AudioSink interface {
	Enqueue(b []byte)
}

type bufferSink struct {
	buf []byte
}

func (b *bufferSink) Enqueue(chunk []byte) {
	b.buf = append(b.buf, chunk...)
}

// VoiceSettings mirrors the provider's voice_settings object, matching
// the teacher's ElevenLabs VoiceSettings field-for-field.
type VoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style,omitempty"`
	UseSpeakerBoost bool    `json:"use_speaker_boost,omitempty"`
}

// DefaultVoiceSettings matches the teacher's NewTTSService defaults.
func DefaultVoiceSettings() VoiceSettings {
	return VoiceSettings{Stability: 0.5, SimilarityBoost: 0.75}
}

// Config configures a Streamer.
type Config struct {
	BaseURL        string // e.g. "https://api.example.com/v1"
	APIKey         string
	VoiceID        string
	ModelID        string
	Language       string
	VoiceSettings  VoiceSettings
	TailSilenceMS  int
	ChunkChars     int // 0 disables chunking
	HTTPTimeout    time.Duration
	OptimizeStream int // optimize_streaming_latency, 0 = omit
}

// Streamer synthesizes text and feeds the resulting μ-law audio into a
// Pacer.
type Streamer struct {
	cfg    Config
	client *http.Client
	log    *logger.Logger
}

func New(cfg Config) *Streamer {
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	if cfg.TailSilenceMS == 0 {
		cfg.TailSilenceMS = 180
	}
	return &Streamer{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.HTTPTimeout},
		log:    logger.WithPrefix("tts"),
	}
}

type ttsRequestBody struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id,omitempty"`
	VoiceSettings VoiceSettings `json:"voice_settings"`
}

// ChunkText splits text into pieces no longer than maxChars, splitting
// only on whitespace, never mid-word. maxChars<=0 returns [text].
func ChunkText(text string, maxChars int) []string {
	if maxChars <= 0 || len(text) <= maxChars {
		return []string{text}
	}

	var chunks []string
	words := strings.Fields(text)
	var cur strings.Builder

	for _, w := range words {
		candidate := w
		if cur.Len() > 0 {
			candidate = cur.String() + " " + w
		}
		if len(candidate) > maxChars && cur.Len() > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
			cur.WriteString(w)
			continue
		}
		cur.Reset()
		cur.WriteString(candidate)
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur.String())
	}
	return chunks
}

// Speak synthesizes text and enqueues the resulting audio (and trailing
// silence) onto p. Returns an error only for logging purposes — per
// spec, the caller must treat any error as "no audio for this turn"
// and continue the call.
func (s *Streamer) Speak(ctx context.Context, text string, p AudioSink) error {
	chunks := []string{text}
	if s.cfg.ChunkChars > 0 {
		chunks = ChunkText(text, s.cfg.ChunkChars)
	}

	for _, chunk := range chunks {
		if err := s.speakChunk(ctx, chunk, p); err != nil {
			s.log.Warn("tts chunk failed, skipping the remaining chunks of this reply: %v", err)
			return err
		}
	}

	p.Enqueue(audio.SilenceMulaw(s.cfg.TailSilenceMS))
	return nil
}

// Synthesize runs the same request/response pipeline as Speak but
// captures the μ-law bytes instead of streaming them to a live call's
// pacer. Used once at process boot to warm the opening-script cache
// (config.CacheOpeningAudio); a live call never calls this directly.
func (s *Streamer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	sink := &bufferSink{}
	if err := s.Speak(ctx, text, sink); err != nil {
		return nil, err
	}
	return sink.buf, nil
}

func (s *Streamer) speakChunk(ctx context.Context, text string, p AudioSink) error {
	reqURL, err := s.buildURL()
	if err != nil {
		return err
	}

	body, err := json.Marshal(ttsRequestBody{
		Text:          text,
		ModelID:       s.cfg.ModelID,
		VoiceSettings: s.cfg.VoiceSettings,
	})
	if err != nil {
		return fmt.Errorf("marshal tts request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", s.cfg.APIKey)
	req.Header.Set("X-Request-Id", uuid.New().String())

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("tts transport error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("tts upstream returned %d", resp.StatusCode)
	}

	return s.streamBody(resp.Body, p)
}

// streamBody implements the spec's lazy-read + one-time WAV-strip
// contract: accumulate >=4096 bytes into a head buffer, strip a WAV
// header once if present, enqueue the head, then stream remaining
// chunks verbatim.
func (s *Streamer) streamBody(body io.Reader, p AudioSink) error {
	const headTarget = 4096
	head := make([]byte, 0, headTarget)
	buf := make([]byte, 4096)

	for len(head) < headTarget {
		n, err := body.Read(buf)
		if n > 0 {
			head = append(head, buf[:n]...)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("tts body read error: %w", err)
		}
	}

	head = audio.StripWAVIfPresent(head)
	p.Enqueue(head)

	for {
		n, err := body.Read(buf)
		if n > 0 {
			p.Enqueue(append([]byte(nil), buf[:n]...))
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("tts body read error: %w", err)
		}
	}
}

func (s *Streamer) buildURL() (string, error) {
	u, err := url.Parse(fmt.Sprintf("%s/text-to-speech/%s/stream", s.cfg.BaseURL, s.cfg.VoiceID))
	if err != nil {
		return "", fmt.Errorf("bad tts base url: %w", err)
	}
	q := u.Query()
	q.Set("output_format", "ulaw_8000")
	if s.cfg.Language != "" {
		q.Set("language", s.cfg.Language)
	}
	if s.cfg.OptimizeStream > 0 {
		q.Set("optimize_streaming_latency", fmt.Sprintf("%d", s.cfg.OptimizeStream))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
