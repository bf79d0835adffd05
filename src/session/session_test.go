package session

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/square-key-labs/voicegw/src/asr"
	"github.com/square-key-labs/voicegw/src/audio"
	"github.com/square-key-labs/voicegw/src/config"
	"github.com/square-key-labs/voicegw/src/finalize"
	"github.com/square-key-labs/voicegw/src/interruptions"
	"github.com/square-key-labs/voicegw/src/llm"
	"github.com/square-key-labs/voicegw/src/tts"
	"github.com/square-key-labs/voicegw/src/turn"
)

// alwaysInterrupt is a test double that fires on the first audio
// appended, standing in for a real energy/VAD-based strategy.
type alwaysInterrupt struct {
	interruptions.BaseInterruptionStrategy
	appended bool
}

func (a *alwaysInterrupt) AppendAudio(audio []byte, sampleRate int) error {
	a.appended = true
	return nil
}

func (a *alwaysInterrupt) ShouldInterrupt() (bool, error) {
	return a.appended, nil
}

type fakeConn struct {
	mu     sync.Mutex
	sent   [][]byte
	clears int
	closed bool
}

func (c *fakeConn) SendMedia(mulaw []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, mulaw)
	return nil
}

func (c *fakeConn) SendClear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clears++
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) wasClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeDelivery struct {
	mu   sync.Mutex
	got  []finalize.Payload
	done chan struct{}
}

func newFakeDelivery() *fakeDelivery {
	return &fakeDelivery{done: make(chan struct{}, 1)}
}

func (d *fakeDelivery) Deliver(p finalize.Payload) error {
	d.mu.Lock()
	d.got = append(d.got, p)
	d.mu.Unlock()
	d.done <- struct{}{}
	return nil
}

func (d *fakeDelivery) last() finalize.Payload {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.got[len(d.got)-1]
}

func newASRTestServer(t *testing.T, transcript string) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		var msg map[string]interface{}
		conn.ReadJSON(&msg) // session.update
		if transcript != "" {
			conn.ReadJSON(&msg) // input_audio_buffer.append
			conn.WriteJSON(map[string]string{
				"type":       "conversation.item.input_audio_transcription.completed",
				"transcript": transcript,
			})
		}
		// keep the socket open until the test closes it
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func newTTSTestServer() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello")) // short, non-WAV body
	}))
}

// newSlowTTSTestServer holds the BOT_SPEAKING state open long enough for
// a test to observe it and inject a barge-in before TTSFinished fires.
func newSlowTTSTestServer() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.Write([]byte("hello"))
	}))
}

func newLLMTestServer(reply string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"text":"` + reply + `"}`))
	}))
}

func testDeps(t *testing.T, asrURL, llmURL, ttsURL string, delivery finalize.Delivery) Deps {
	cfg := &config.Config{
		AllowBargeIn:     true,
		NoBargeTailMS:    20,
		AudioPrebufferMS: 0,
		IdleHangupMS:     60000,
		MaxCallMS:        600000,
		TTSTailSilenceMS: 0,
	}
	return Deps{
		Config:   cfg,
		ASRCfg:   asr.Config{URL: "ws" + asrURL[len("http"):]},
		LLMChain: llm.NewChain("sorry", llm.NewHTTPStrategy("primary", llmURL, "")),
		TTS: tts.New(tts.Config{
			BaseURL: ttsURL, VoiceID: "v1", TailSilenceMS: 0,
		}),
		Delivery: delivery,
	}
}

func TestSessionOpeningOnlyEndsAbandoned(t *testing.T) {
	asrSrv := newASRTestServer(t, "")
	defer asrSrv.Close()
	llmSrv := newLLMTestServer("hi")
	defer llmSrv.Close()
	ttsSrv := newTTSTestServer()
	defer ttsSrv.Close()

	delivery := newFakeDelivery()
	deps := testDeps(t, asrSrv.URL, llmSrv.URL, ttsSrv.URL, delivery)

	conn := &fakeConn{}
	s := newSession(deps, conn)
	s.OnStart("MZ1", "CA1", nil)
	time.Sleep(50 * time.Millisecond)
	s.OnStop()

	select {
	case <-delivery.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for finalize delivery")
	}

	payload := delivery.last()
	assert.Equal(t, finalize.Abandoned, payload.Event)
	assert.Equal(t, "", payload.Lead.Name)
	assert.True(t, conn.wasClosed())
}

func TestSessionHebrewNameAndRequestEndsFinal(t *testing.T) {
	asrSrv := newASRTestServer(t, "קוראים לי שי, יש לי שאלה")
	defer asrSrv.Close()
	llmSrv := newLLMTestServer("בטח, איך אפשר לעזור?")
	defer llmSrv.Close()
	ttsSrv := newTTSTestServer()
	defer ttsSrv.Close()

	delivery := newFakeDelivery()
	deps := testDeps(t, asrSrv.URL, llmSrv.URL, ttsSrv.URL, delivery)
	deps.Config.OpeningScript = ""

	conn := &fakeConn{}
	s := newSession(deps, conn)
	s.OnStart("MZ2", "CA2", nil)
	s.OnMedia([]byte{0xFF, 0xFF})

	time.Sleep(200 * time.Millisecond)
	s.OnStop()

	select {
	case <-delivery.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for finalize delivery")
	}

	payload := delivery.last()
	assert.Equal(t, finalize.Final, payload.Event)
	assert.Equal(t, "שי", payload.Lead.Name)
}

func TestSessionBargeInClearsCarrierAndEntersUserSpeaking(t *testing.T) {
	asrSrv := newASRTestServer(t, "")
	defer asrSrv.Close()
	llmSrv := newLLMTestServer("hi")
	defer llmSrv.Close()
	ttsSrv := newSlowTTSTestServer()
	defer ttsSrv.Close()

	delivery := newFakeDelivery()
	deps := testDeps(t, asrSrv.URL, llmSrv.URL, ttsSrv.URL, delivery)
	deps.Config.OpeningScript = "hello there"
	deps.Config.NoBargeTailMS = 5000
	strategy := &alwaysInterrupt{}
	deps.NewBargeInStrategy = func() interruptions.InterruptionStrategy { return strategy }

	conn := &fakeConn{}
	s := newSession(deps, conn)
	s.OnStart("MZ3", "CA3", nil)

	require.Eventually(t, func() bool {
		return s.turnCtl.State() == turn.BotSpeaking
	}, time.Second, 5*time.Millisecond, "opening line never reached BOT_SPEAKING")

	s.OnMedia([]byte{0x10, 0x10, 0x10, 0x10})

	require.Eventually(t, func() bool {
		return s.turnCtl.State() == turn.UserSpeaking
	}, time.Second, 5*time.Millisecond, "barge-in never transitioned to USER_SPEAKING")

	require.Eventually(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return conn.clears == 1
	}, time.Second, 5*time.Millisecond, "barge-in never sent a clear to the carrier")

	s.OnStop()
	select {
	case <-delivery.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for finalize delivery")
	}
}

func TestSessionBackfillsMissingCallAndStreamIDs(t *testing.T) {
	asrSrv := newASRTestServer(t, "")
	defer asrSrv.Close()
	llmSrv := newLLMTestServer("hi")
	defer llmSrv.Close()
	ttsSrv := newTTSTestServer()
	defer ttsSrv.Close()

	delivery := newFakeDelivery()
	deps := testDeps(t, asrSrv.URL, llmSrv.URL, ttsSrv.URL, delivery)

	conn := &fakeConn{}
	s := newSession(deps, conn)
	s.OnStart("", "", nil)
	s.OnStop()

	select {
	case <-delivery.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for finalize delivery")
	}

	payload := delivery.last()
	assert.NotEmpty(t, payload.CallID)
	assert.NotEmpty(t, payload.StreamID)
}

func TestSessionPlaysCachedOpeningAudioWithoutLiveTTS(t *testing.T) {
	asrSrv := newASRTestServer(t, "")
	defer asrSrv.Close()
	llmSrv := newLLMTestServer("hi")
	defer llmSrv.Close()
	ttsSrv := newTTSTestServer() // would return "hello" if ever hit
	defer ttsSrv.Close()

	delivery := newFakeDelivery()
	deps := testDeps(t, asrSrv.URL, llmSrv.URL, ttsSrv.URL, delivery)
	deps.Config.OpeningScript = "hello there"
	cached := make([]byte, audio.FrameBytes)
	for i := range cached {
		cached[i] = 0xAB
	}
	deps.OpeningAudio = audio.NewOpeningCache(deps.Config.OpeningScript, cached)

	conn := &fakeConn{}
	s := newSession(deps, conn)
	s.OnStart("MZ5", "CA5", nil)

	require.Eventually(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return len(conn.sent) > 0
	}, time.Second, 5*time.Millisecond, "cached opening audio never reached the carrier")

	conn.mu.Lock()
	got := conn.sent[0]
	conn.mu.Unlock()
	assert.Equal(t, cached, got, "carrier should receive the cached bytes verbatim, not a live TTS response")

	s.OnStop()
	select {
	case <-delivery.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for finalize delivery")
	}
}

func TestSessionTracksParseErrorCount(t *testing.T) {
	asrSrv := newASRTestServer(t, "")
	defer asrSrv.Close()
	llmSrv := newLLMTestServer("hi")
	defer llmSrv.Close()
	ttsSrv := newTTSTestServer()
	defer ttsSrv.Close()

	delivery := newFakeDelivery()
	deps := testDeps(t, asrSrv.URL, llmSrv.URL, ttsSrv.URL, delivery)

	conn := &fakeConn{}
	s := newSession(deps, conn)
	s.OnStart("MZ4", "CA4", nil)

	assert.Equal(t, 0, s.ParseErrorCount())
	s.OnParseError("media_payload")
	s.OnParseError("carrier_message")

	require.Eventually(t, func() bool {
		return s.ParseErrorCount() == 2
	}, time.Second, 5*time.Millisecond, "parse error count never reached 2")

	s.OnStop()
	select {
	case <-delivery.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for finalize delivery")
	}
	assert.Equal(t, 2, delivery.last().ParseErrors)
}
