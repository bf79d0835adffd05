package transports

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandler struct {
	mu        sync.Mutex
	started   bool
	streamSid string
	callSid   string
	media     [][]byte
	stopped   bool
	closedErr error
	parseErrs []string
	done      chan struct{}
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{done: make(chan struct{}, 8)}
}

func (f *fakeHandler) OnStart(streamSid, callSid string, custom map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	f.streamSid = streamSid
	f.callSid = callSid
	f.done <- struct{}{}
}

func (f *fakeHandler) OnMedia(mulaw []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.media = append(f.media, mulaw)
	f.done <- struct{}{}
}

func (f *fakeHandler) OnMark(name string) { f.done <- struct{}{} }

func (f *fakeHandler) OnStop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	f.done <- struct{}{}
}

func (f *fakeHandler) OnClosed(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closedErr = err
	f.done <- struct{}{}
}

func (f *fakeHandler) OnParseError(kind string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.parseErrs = append(f.parseErrs, kind)
	f.done <- struct{}{}
}

func waitFor(t *testing.T, ch chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for handler event")
	}
}

// newTestServer wraps a Listener's upgrade handler in an httptest
// server, bypassing Listener.Start (which binds its own net listener)
// so the test controls the address.
func newTestServer(l *Listener) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/media", l.handleUpgrade)
	return httptest.NewServer(mux)
}

func TestHandlerDispatchOverRealSocket(t *testing.T) {
	handler := newFakeHandler()
	var capturedConn Conn
	listener := NewListener(0, "/media", func(conn Conn) Handler {
		capturedConn = conn
		return handler
	})

	srv := newTestServer(listener)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/media"
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer clientConn.Close()

	require.NoError(t, clientConn.WriteJSON(map[string]interface{}{
		"event": "start",
		"start": map[string]interface{}{"streamSid": "MZ1", "callSid": "CA1"},
	}))
	waitFor(t, handler.done)
	handler.mu.Lock()
	assert.True(t, handler.started)
	assert.Equal(t, "MZ1", handler.streamSid)
	handler.mu.Unlock()

	require.NoError(t, clientConn.WriteJSON(map[string]interface{}{
		"event": "media",
		"media": map[string]string{"payload": "AQID"},
	}))
	waitFor(t, handler.done)
	handler.mu.Lock()
	require.Len(t, handler.media, 1)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, handler.media[0])
	handler.mu.Unlock()

	require.NoError(t, clientConn.WriteJSON(map[string]interface{}{"event": "stop"}))
	waitFor(t, handler.done)
	handler.mu.Lock()
	assert.True(t, handler.stopped)
	handler.mu.Unlock()

	require.NotNil(t, capturedConn)
	require.NoError(t, capturedConn.SendMedia([]byte{0xFF, 0xFF}))
}

func TestHandlerDispatchReportsMalformedMediaPayload(t *testing.T) {
	handler := newFakeHandler()
	listener := NewListener(0, "/media", func(conn Conn) Handler { return handler })

	srv := newTestServer(listener)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/media"
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer clientConn.Close()

	require.NoError(t, clientConn.WriteJSON(map[string]interface{}{
		"event": "media",
		"media": map[string]string{"payload": "not-valid-base64!!"},
	}))
	waitFor(t, handler.done)

	handler.mu.Lock()
	require.Len(t, handler.parseErrs, 1)
	assert.Equal(t, "media_payload", handler.parseErrs[0])
	assert.Empty(t, handler.media)
	handler.mu.Unlock()
}

func TestHandlerDispatchReportsClientClose(t *testing.T) {
	handler := newFakeHandler()
	listener := NewListener(0, "/media", func(conn Conn) Handler { return handler })

	srv := newTestServer(listener)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/media"
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	clientConn.Close()

	waitFor(t, handler.done)
	handler.mu.Lock()
	assert.Error(t, handler.closedErr)
	handler.mu.Unlock()
}
