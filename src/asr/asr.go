// Package asr maintains the single realtime-transcription WebSocket
// session per call. It generalizes the keepalive ticker and JSON
// receive loop of the teacher's Deepgram adapter
// (services/deepgram/stt.go) from Deepgram's wire format onto the
// spec's abstract event names
// (conversation.item.input_audio_transcription.completed, etc.). The
// connection is dialed explicitly by Connect; a failed write is
// returned to the caller and the connection is not re-dialed.
package asr

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/square-key-labs/voicegw/src/logger"
)

// Config configures a Session.
type Config struct {
	URL                string
	APIKey             string
	VADThreshold       float64
	VADSilenceMS       int
	VADPrefixMS        int
	SystemInstructions string
}

// Callbacks receives events from the ASR session.
type Callbacks struct {
	// OnTranscriptionCompleted fires for a finished user utterance.
	OnTranscriptionCompleted func(text string)
	// OnTransportClosed fires when the connection drops terminally —
	// this is the only event that should escalate to the session,
	// per the spec's error-propagation rule.
	OnTransportClosed func(err error)
	// OnParseError fires when an inbound message fails to decode (spec
	// §7 protocol_parse_error): the message is dropped and the session
	// continues, with the caller responsible for incrementing its
	// counter.
	OnParseError func()
}

// ignorableErrorCodes are ASR error events that must be swallowed
// silently rather than surfaced, per spec §7 asr_soft_error.
var ignorableErrorCodes = map[string]bool{
	"already_has_active_response": true,
	"cancel_not_active":           true,
}

// Session owns one ASR WebSocket connection for the lifetime of a
// call.
type Session struct {
	cfg Config
	cb  Callbacks
	log *logger.Logger

	mu   sync.Mutex
	conn *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg Config, cb Callbacks) *Session {
	return &Session{cfg: cfg, cb: cb, log: logger.WithPrefix("asr")}
}

// Connect dials the ASR WebSocket and sends the session configuration
// message. It spawns the receive loop in the background.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ctx, s.cancel = context.WithCancel(ctx)

	conn, _, err := websocket.DefaultDialer.Dial(s.cfg.URL, map[string][]string{
		"Authorization": {fmt.Sprintf("Bearer %s", s.cfg.APIKey)},
	})
	if err != nil {
		return fmt.Errorf("asr: dial failed: %w", err)
	}
	s.conn = conn

	sessionUpdate := map[string]interface{}{
		"type": "session.update",
		"session": map[string]interface{}{
			"input_audio_format": "g711_ulaw",
			"turn_detection": map[string]interface{}{
				"type":                "server_vad",
				"threshold":           s.cfg.VADThreshold,
				"silence_duration_ms": s.cfg.VADSilenceMS,
				"prefix_padding_ms":   s.cfg.VADPrefixMS,
			},
			"instructions": s.cfg.SystemInstructions,
		},
	}
	if err := conn.WriteJSON(sessionUpdate); err != nil {
		conn.Close()
		return fmt.Errorf("asr: session update failed: %w", err)
	}

	go s.receiveLoop()
	return nil
}

// SendAudio forwards a chunk of μ-law audio as an
// input_audio_buffer.append message.
func (s *Session) SendAudio(mulaw []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("asr: not connected")
	}

	msg := map[string]interface{}{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(mulaw),
	}
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("asr: send audio failed: %w", err)
	}
	return nil
}

// Close tears down the session.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

func (s *Session) receiveLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				strings.Contains(err.Error(), "use of closed network connection") {
				return
			}
			s.log.Warn("asr transport closed: %v", err)
			if s.cb.OnTransportClosed != nil {
				s.cb.OnTransportClosed(err)
			}
			return
		}

		s.handleMessage(msg)
	}
}

func (s *Session) handleMessage(raw []byte) {
	var envelope struct {
		Type       string `json:"type"`
		Transcript string `json:"transcript"`
		Error      struct {
			Code   string `json:"code"`
			Detail string `json:"detail"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		s.log.Warn("asr: malformed message: %v", err)
		if s.cb.OnParseError != nil {
			s.cb.OnParseError()
		}
		return
	}

	switch envelope.Type {
	case "conversation.item.input_audio_transcription.completed":
		if envelope.Transcript != "" && s.cb.OnTranscriptionCompleted != nil {
			s.cb.OnTranscriptionCompleted(envelope.Transcript)
		}
	case "error":
		if ignorableErrorCodes[envelope.Error.Code] {
			s.log.Debug("asr: ignorable error %s", envelope.Error.Code)
			return
		}
		s.log.Warn("asr: error event %s: %s", envelope.Error.Code, envelope.Error.Detail)
	default:
		// unrecognized event types are tolerated
	}
}

// KeepaliveInterval mirrors the teacher's 5s keepalive cadence for
// providers whose realtime sessions expire on silence.
const KeepaliveInterval = 5 * time.Second

// Keepalive sends a lightweight ping message on KeepaliveInterval
// until the session is closed. Call it in its own goroutine.
func (s *Session) Keepalive() {
	ticker := time.NewTicker(KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			conn := s.conn
			s.mu.Unlock()
			if conn == nil {
				return
			}
			if err := conn.WriteJSON(map[string]string{"type": "keepalive"}); err != nil {
				s.log.Warn("asr: keepalive failed: %v", err)
				return
			}
		}
	}
}
