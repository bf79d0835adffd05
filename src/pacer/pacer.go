// Package pacer emits exactly one 160-byte μ-law frame every 20ms to a
// carrier-bound sink, once a jitter-absorbing prebuffer threshold has
// been satisfied. It replaces the teacher's "forward whatever arrived"
// sendAudio path with an owned, ticker-driven FramedQueue: see
// twilio_websocket.go's sendAudio for the method this generalizes.
package pacer

import (
	"context"
	"sync"
	"time"

	"github.com/square-key-labs/voicegw/src/audio"
	"github.com/square-key-labs/voicegw/src/logger"
)

const tickInterval = 20 * time.Millisecond

// Emitter sends one exactly-160-byte μ-law frame to the carrier leg.
type Emitter func(frame []byte) error

// Pacer owns a FramedQueue and a 20ms ticker for a single call's
// outbound audio.
type Pacer struct {
	mu sync.Mutex

	streamID       string
	queue          [][]byte // FIFO of arbitrary-length chunks
	queuedBytes    int
	prebufferBytes int
	startedSending bool
	stopped        bool

	emit Emitter
	log  *logger.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Pacer with the given prebuffer threshold and emitter.
func New(prebufferMS int, emit Emitter) *Pacer {
	bytesPerMS := float64(audio.FrameBytes) / 20.0
	return &Pacer{
		prebufferBytes: int(float64(prebufferMS) * bytesPerMS),
		emit:           emit,
		log:            logger.WithPrefix("pacer"),
	}
}

// Bind attaches the pacer to a carrier stream id and starts the 20ms
// tick loop. Calling Bind twice without an intervening Cancel is a
// no-op on the second call.
func (p *Pacer) Bind(ctx context.Context, streamID string) {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return
	}
	tctx, cancel := context.WithCancel(ctx)
	p.streamID = streamID
	p.cancel = cancel
	p.done = make(chan struct{})
	p.stopped = false
	p.mu.Unlock()

	go p.run(tctx)
}

// Enqueue appends bytes (any length >= 0) to the tail of the queue.
func (p *Pacer) Enqueue(b []byte) {
	if len(b) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.queue = append(p.queue, b)
	p.queuedBytes += len(b)
}

// Cancel drops the queue, stops the timer, and marks the pacer
// stopped. Idempotent: calling it twice, or before Bind, is safe.
func (p *Pacer) Cancel() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.queue = nil
	p.queuedBytes = 0
	p.startedSending = false
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// QueuedBytes reports bytes currently buffered (for tests/metrics).
func (p *Pacer) QueuedBytes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queuedBytes
}

func (p *Pacer) run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	defer close(p.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

func (p *Pacer) tick() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped || p.streamID == "" {
		return
	}

	if !p.startedSending {
		if p.queuedBytes < p.prebufferBytes {
			return
		}
		p.startedSending = true
	}

	frame, ok := p.popFrame()
	if !ok {
		return
	}

	if err := p.emit(frame); err != nil {
		p.log.Warn("emit failed for stream %s: %v", p.streamID, err)
	}
}

// popFrame removes exactly audio.FrameBytes worth of audio from the
// head of the queue, padding a short tail with 0xFF silence. Caller
// must hold p.mu.
func (p *Pacer) popFrame() ([]byte, bool) {
	if len(p.queue) == 0 {
		return nil, false
	}

	head := p.queue[0]

	if len(head) >= audio.FrameBytes {
		frame := make([]byte, audio.FrameBytes)
		copy(frame, head[:audio.FrameBytes])
		remainder := head[audio.FrameBytes:]
		if len(remainder) == 0 {
			p.queue = p.queue[1:]
		} else {
			p.queue[0] = remainder
		}
		p.queuedBytes -= audio.FrameBytes
		return frame, true
	}

	// Tail partial: pad with 0xFF silence.
	frame := make([]byte, audio.FrameBytes)
	for i := range frame {
		frame[i] = 0xFF
	}
	copy(frame, head)
	p.queue = p.queue[1:]
	p.queuedBytes -= len(head)
	return frame, true
}
