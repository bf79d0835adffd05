package serializers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeStartEvent(t *testing.T) {
	raw := []byte(`{"event":"start","start":{"streamSid":"MZ1","callSid":"CA1"}}`)
	msg, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, "start", msg.Event)
	require.NotNil(t, msg.Start)
	assert.Equal(t, "MZ1", msg.Start.StreamSid)
	assert.Equal(t, "CA1", msg.Start.CallSid)
}

func TestDecodeMediaPayloadRoundTrip(t *testing.T) {
	encoded, err := EncodeMedia("MZ1", []byte{0x01, 0x02, 0x03})
	require.NoError(t, err)

	msg, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, "media", msg.Event)

	decoded, err := DecodeMediaPayload(msg.Media)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, decoded)
}

func TestDecodeMediaPayloadNilMedia(t *testing.T) {
	_, err := DecodeMediaPayload(nil)
	assert.Error(t, err)
}

func TestEncodeClear(t *testing.T) {
	data, err := EncodeClear("MZ1")
	require.NoError(t, err)
	msg, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "clear", msg.Event)
	assert.Equal(t, "MZ1", msg.StreamSid)
}

func TestDecodeStopEvent(t *testing.T) {
	raw := []byte(`{"event":"stop","streamSid":"MZ1"}`)
	msg, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, "stop", msg.Event)
}

func TestDecodeMalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	assert.Error(t, err)
}
