// Package transports hosts the carrier media-stream WebSocket
// listener. It generalizes the teacher's TwilioWebSocketTransport
// (src/transports/twilio_websocket.go) by dropping the
// FrameProcessor/pipeline indirection: each connection is handed
// straight to a Handler (the Call Session's mailbox) instead of being
// pushed through input/output processors, per the spec's single-owner
// concurrency model (§8).
package transports

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/square-key-labs/voicegw/src/logger"
	"github.com/square-key-labs/voicegw/src/serializers"
)

// Handler receives carrier media-stream events for one call. A Call
// Session implements this interface; the transport never interprets
// these events itself.
type Handler interface {
	OnStart(streamSid, callSid string, custom map[string]string)
	OnMedia(mulaw []byte)
	OnMark(name string)
	OnStop()
	OnClosed(err error)

	// OnParseError reports a malformed carrier message that was dropped
	// (spec §7 protocol_parse_error: dropped, counter incremented,
	// session continues). kind distinguishes the envelope ("carrier_message")
	// from the inner media payload ("media_payload").
	OnParseError(kind string)
}

// Conn is the carrier-bound send half of a single call's connection,
// handed to the session so its Pacer can emit frames without reaching
// back into the transport's internals.
type Conn interface {
	SendMedia(mulaw []byte) error
	SendClear() error
	Close() error
}

// HandlerFactory creates a new Handler for each inbound connection,
// given the send-side Conn it can use to talk back to the carrier.
type HandlerFactory func(conn Conn) Handler

// Listener accepts carrier WebSocket connections on a single HTTP path.
type Listener struct {
	addr    string
	path    string
	newConn HandlerFactory

	server   *http.Server
	upgrader websocket.Upgrader
	log      *logger.Logger

	mu    sync.Mutex
	conns map[*wsConn]struct{}
}

// NewListener creates a carrier WebSocket listener. newConn is called
// once per accepted connection to obtain the Handler that will receive
// its events.
func NewListener(port int, path string, newConn HandlerFactory) *Listener {
	if path == "" {
		path = "/media"
	}
	return &Listener{
		addr:    fmt.Sprintf(":%d", port),
		path:    path,
		newConn: newConn,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:   logger.WithPrefix("carrier-ws"),
		conns: make(map[*wsConn]struct{}),
	}
}

// Start begins listening in the background. It returns once the
// listener socket is bound, or immediately with an error.
func (l *Listener) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(l.path, l.handleUpgrade)
	l.server = &http.Server{Addr: l.addr, Handler: mux}

	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("carrier listener: %w", err)
	}

	go func() {
		if err := l.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			l.log.Error("carrier listener stopped: %v", err)
		}
	}()
	return nil
}

// Stop closes every live connection and shuts down the HTTP server.
func (l *Listener) Stop() error {
	l.mu.Lock()
	for c := range l.conns {
		c.Close()
	}
	l.conns = make(map[*wsConn]struct{})
	l.mu.Unlock()

	if l.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return l.server.Shutdown(shutdownCtx)
}

func (l *Listener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	raw, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.log.Warn("upgrade failed: %v", err)
		return
	}

	c := &wsConn{conn: raw, log: l.log}
	l.mu.Lock()
	l.conns[c] = struct{}{}
	l.mu.Unlock()

	handler := l.newConn(c)
	go l.readLoop(c, handler)
}

func (l *Listener) readLoop(c *wsConn, handler Handler) {
	defer func() {
		l.mu.Lock()
		delete(l.conns, c)
		l.mu.Unlock()
		c.Close()
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			handler.OnClosed(err)
			return
		}

		msg, err := serializers.Decode(raw)
		if err != nil {
			l.log.Warn("malformed carrier message: %v", err)
			handler.OnParseError("carrier_message")
			continue
		}

		switch msg.Event {
		case "start":
			if msg.Start != nil {
				c.setStreamSid(msg.Start.StreamSid)
				handler.OnStart(msg.Start.StreamSid, msg.Start.CallSid, msg.Start.CustomParameters)
			}
		case "media":
			mulaw, err := serializers.DecodeMediaPayload(msg.Media)
			if err != nil {
				l.log.Warn("malformed media payload: %v", err)
				handler.OnParseError("media_payload")
				continue
			}
			handler.OnMedia(mulaw)
		case "mark":
			if msg.Mark != nil {
				handler.OnMark(msg.Mark.Name)
			}
		case "stop":
			handler.OnStop()
		default:
			l.log.Debug("unrecognized carrier event %q", msg.Event)
		}
	}
}

// wsConn implements Conn over a single gorilla websocket connection.
type wsConn struct {
	mu        sync.Mutex
	conn      *websocket.Conn
	streamSid string
	log       *logger.Logger
}

func (c *wsConn) setStreamSid(sid string) {
	c.mu.Lock()
	c.streamSid = sid
	c.mu.Unlock()
}

func (c *wsConn) SendMedia(mulaw []byte) error {
	c.mu.Lock()
	sid := c.streamSid
	c.mu.Unlock()

	data, err := serializers.EncodeMedia(sid, mulaw)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) SendClear() error {
	c.mu.Lock()
	sid := c.streamSid
	c.mu.Unlock()

	data, err := serializers.EncodeClear(sid)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}
