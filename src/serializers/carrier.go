// Package serializers encodes and decodes the carrier media-stream
// WebSocket's JSON wire protocol. It generalizes the teacher's
// TwilioFrameSerializer (src/serializers/twilio.go) from a
// frames.Frame-typed codec into plain request/response structs, since
// the single-mailbox session talks to the carrier directly rather than
// through a FrameProcessor chain.
package serializers

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// CarrierMessage is the shape of every JSON message exchanged over the
// carrier media-stream WebSocket, in both directions.
type CarrierMessage struct {
	Event     string                 `json:"event"`
	StreamSid string                 `json:"streamSid,omitempty"`
	Media     *CarrierMedia          `json:"media,omitempty"`
	Start     *CarrierStart          `json:"start,omitempty"`
	Mark      *CarrierMark           `json:"mark,omitempty"`
	Stop      map[string]interface{} `json:"stop,omitempty"`
}

type CarrierMedia struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"` // base64-encoded 160-byte mulaw frame
}

type CarrierStart struct {
	StreamSid       string            `json:"streamSid"`
	CallSid         string            `json:"callSid"`
	AccountSid      string            `json:"accountSid,omitempty"`
	Tracks          []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

type CarrierMark struct {
	Name string `json:"name"`
}

// Decode parses one inbound carrier WebSocket text message.
func Decode(raw []byte) (*CarrierMessage, error) {
	var msg CarrierMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("decode carrier message: %w", err)
	}
	return &msg, nil
}

// DecodeMediaPayload base64-decodes a media event's audio payload into
// raw mulaw bytes.
func DecodeMediaPayload(m *CarrierMedia) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("decode media payload: nil media")
	}
	data, err := base64.StdEncoding.DecodeString(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode media payload: %w", err)
	}
	return data, nil
}

// EncodeMedia builds the outbound {"event":"media",...} JSON message
// for a 160-byte mulaw frame.
func EncodeMedia(streamSid string, mulaw []byte) ([]byte, error) {
	msg := CarrierMessage{
		Event:     "media",
		StreamSid: streamSid,
		Media: &CarrierMedia{
			Payload: base64.StdEncoding.EncodeToString(mulaw),
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode media message: %w", err)
	}
	return data, nil
}

// EncodeClear builds the outbound {"event":"clear",...} message used
// to flush carrier-side playback buffers on barge-in.
func EncodeClear(streamSid string) ([]byte, error) {
	msg := CarrierMessage{Event: "clear", StreamSid: streamSid}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode clear message: %w", err)
	}
	return data, nil
}
