// Package session implements the Call Session: the per-call owner of
// the carrier WebSocket, the Pacer, the Turn Controller, the ASR
// session, and the finalization gate. It replaces the teacher's
// pipeline.Task/FrameProcessor graph (src/pipeline/task.go) with a
// single mailbox goroutine per call, per the spec's explicit
// single-owner concurrency model (§8): every carrier event, ASR event,
// and timer firing is posted as a closure onto one channel and drained
// serially, so CallContext/Pacer/Turn state are never touched from two
// goroutines at once.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/square-key-labs/voicegw/src/asr"
	"github.com/square-key-labs/voicegw/src/audio"
	"github.com/square-key-labs/voicegw/src/config"
	"github.com/square-key-labs/voicegw/src/finalize"
	"github.com/square-key-labs/voicegw/src/interruptions"
	"github.com/square-key-labs/voicegw/src/llm"
	"github.com/square-key-labs/voicegw/src/logger"
	"github.com/square-key-labs/voicegw/src/pacer"
	"github.com/square-key-labs/voicegw/src/transports"
	"github.com/square-key-labs/voicegw/src/tts"
	"github.com/square-key-labs/voicegw/src/turn"
)

// Deps bundles the collaborators a Session needs, built once at
// gateway startup and shared (read-only) across every call.
type Deps struct {
	Config   *config.Config
	ASRCfg   asr.Config
	LLMChain *llm.Chain
	TTS      *tts.Streamer
	Delivery finalize.Delivery

	// OpeningAudio is the boot-time warm-up cache of Config.OpeningScript
	// (config.CacheOpeningAudio), built once in cmd/gateway and shared
	// read-only across every call. Nil when warm-up is disabled, failed,
	// or there's no opening script; handleStart falls back to a live TTS
	// call in that case.
	OpeningAudio *audio.OpeningCache

	// NewBargeInStrategy builds the per-call barge-in detector. Nil
	// defaults to a volume-based strategy, matching the teacher's
	// VolumeInterruptionStrategy defaults.
	NewBargeInStrategy func() interruptions.InterruptionStrategy
}

// NewHandlerFactory returns a transports.HandlerFactory that builds a
// fresh Session for every inbound carrier connection.
func NewHandlerFactory(deps Deps) transports.HandlerFactory {
	return func(conn transports.Conn) transports.Handler {
		return newSession(deps, conn)
	}
}

type mailboxFunc func()

// Session is the single owner of one call's state. All exported
// methods (the transports.Handler interface) only ever post a closure
// to the mailbox; actual state mutation happens on the mailbox
// goroutine in run().
type Session struct {
	deps Deps
	conn transports.Conn
	log  *logger.Logger

	mailbox chan mailboxFunc
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	pacer   *pacer.Pacer
	turnCtl *turn.Controller
	asrSess *asr.Session
	bargeIn interruptions.InterruptionStrategy

	cc        *finalize.CallContext
	finalized bool

	idleTimer *time.Timer

	// parseErrors is tracked with atomic ops (rather than mailbox-only
	// state) so ParseErrorCount() can be read from outside the mailbox
	// goroutine without posting a closure and waiting on it.
	parseErrors int64
}

func newSession(deps Deps, conn transports.Conn) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		deps:    deps,
		conn:    conn,
		log:     logger.WithPrefix("session"),
		mailbox: make(chan mailboxFunc, 64),
		ctx:     ctx,
		cancel:  cancel,
		turnCtl: turn.New(turn.Policy{
			BargeInAllowed: deps.Config.AllowBargeIn,
			NoListenTailMS: deps.Config.NoBargeTailMS,
			AckEnabled:     deps.Config.AckEnabled,
		}),
	}
	s.pacer = pacer.New(deps.Config.AudioPrebufferMS, s.emitToCarrier)
	if deps.NewBargeInStrategy != nil {
		s.bargeIn = deps.NewBargeInStrategy()
	} else {
		s.bargeIn = interruptions.NewVolumeInterruptionStrategy(nil)
	}

	s.wg.Add(1)
	go s.run()
	return s
}

func (s *Session) emitToCarrier(frame []byte) error {
	return s.conn.SendMedia(frame)
}

// post enqueues f to run on the mailbox goroutine. Safe to call from
// any goroutine (carrier reader, ASR receive loop, timers).
func (s *Session) post(f mailboxFunc) {
	select {
	case s.mailbox <- f:
	case <-s.ctx.Done():
	}
}

func (s *Session) run() {
	defer s.wg.Done()
	for {
		select {
		case f := <-s.mailbox:
			f()
		case <-s.ctx.Done():
			s.drainMailbox()
			return
		}
	}
}

// drainMailbox runs any already-queued closures once after shutdown is
// signaled, so a finalize triggered by the same tick that closed the
// context still executes.
func (s *Session) drainMailbox() {
	for {
		select {
		case f := <-s.mailbox:
			f()
		default:
			return
		}
	}
}

// --- transports.Handler ---

func (s *Session) OnStart(streamSid, callSid string, custom map[string]string) {
	s.post(func() { s.handleStart(streamSid, callSid, custom) })
}

func (s *Session) OnMedia(mulaw []byte) {
	s.post(func() { s.handleMedia(mulaw) })
}

func (s *Session) OnMark(name string) {
	// Marks are carrier playback acks; nothing currently hangs off them.
}

func (s *Session) OnStop() {
	s.post(func() { s.shutdown("carrier_stop") })
}

func (s *Session) OnClosed(err error) {
	s.post(func() { s.shutdown("transport_closed") })
}

func (s *Session) OnParseError(kind string) {
	s.post(func() { s.recordParseError(kind) })
}

// recordParseError implements spec §7 protocol_parse_error: the
// malformed message is already dropped by the caller (transport or
// ASR adapter); this just increments the counter and keeps the call
// running.
func (s *Session) recordParseError(kind string) {
	atomic.AddInt64(&s.parseErrors, 1)
	if s.cc != nil {
		s.cc.ParseErrors++
	}
	s.log.Warn("protocol parse error (%s), session continues", kind)
}

// ParseErrorCount reports how many malformed carrier/ASR messages this
// session has dropped so far.
func (s *Session) ParseErrorCount() int {
	return int(atomic.LoadInt64(&s.parseErrors))
}

func (s *Session) handleStart(streamSid, callSid string, custom map[string]string) {
	callerID := custom["caller_id"]
	if callerID == "" {
		callerID = "withheld"
	}

	// The carrier's own example wire shape always sets streamSid/callSid
	// on start, but nothing in the protocol guarantees it; a call/stream
	// id is load-bearing for finalize delivery and log correlation, so a
	// blank one is backfilled rather than carried through as "".
	if streamSid == "" {
		streamSid = uuid.New().String()
	}
	if callSid == "" {
		callSid = uuid.New().String()
	}

	s.cc = &finalize.CallContext{
		CallID:    callSid,
		StreamID:  streamSid,
		CallerID:  callerID,
		CalleeID:  custom["callee_id"],
		StartedAt: time.Now(),
	}

	s.pacer.Bind(s.ctx, streamSid)

	s.asrSess = asr.New(s.deps.ASRCfg, asr.Callbacks{
		OnTranscriptionCompleted: func(text string) {
			s.post(func() { s.handleTranscript(text) })
		},
		OnTransportClosed: func(err error) {
			s.post(func() { s.shutdown("transport_closed") })
		},
		OnParseError: func() {
			s.post(func() { s.recordParseError("asr_message") })
		},
	})
	if err := s.asrSess.Connect(s.ctx); err != nil {
		s.log.Error("asr connect failed for call %s: %v", callSid, err)
	} else {
		go s.asrSess.Keepalive()
	}

	s.armIdleTimer()
	s.armMaxCallTimer()

	if s.deps.Config.OpeningScript != "" {
		s.turnCtl.StartOpeningLine()
		if s.deps.OpeningAudio != nil {
			s.speakCached(s.deps.OpeningAudio.Script(), s.deps.OpeningAudio.Bytes())
		} else {
			s.speak(s.deps.Config.OpeningScript)
		}
	}
}

func (s *Session) handleMedia(mulaw []byte) {
	if s.cc == nil {
		return
	}
	s.cc.EndedAt = time.Now()
	s.resetIdleTimer()

	if s.turnCtl.State() == turn.BotSpeaking {
		pcm := audio.MulawToLinear16_8k(mulaw)
		s.bargeIn.AppendAudio(audio.Linear16ToBytes(pcm), 8000)
		interrupted, _ := s.bargeIn.ShouldInterrupt()
		if !interrupted {
			return
		}
		s.bargeIn.Reset()
		if s.turnCtl.UserAudioDetected() {
			s.pacer.Cancel()
			s.pacer.Bind(s.ctx, s.cc.StreamID)
			s.conn.SendClear()
		}
	}

	if !s.turnCtl.ShouldForwardAudio() {
		return
	}
	if s.asrSess != nil {
		if err := s.asrSess.SendAudio(mulaw); err != nil {
			s.log.Warn("asr send failed: %v", err)
		}
	}
}

func (s *Session) handleTranscript(text string) {
	if s.cc == nil {
		return
	}
	s.cc.Transcript = append(s.cc.Transcript, finalize.TranscriptEntry{Speaker: "user", Text: text})

	switch s.turnCtl.Transcript(text, time.Now()) {
	case turn.IssueReply:
		s.issueReply(text)
	case turn.Queued, turn.Discarded:
		// Queued utterances are drained on the NO_LISTEN_TAIL deadline;
		// duplicates within the dedup window are dropped silently.
	}
}

// issueReply backgrounds the LLM POST the same way speak() backgrounds
// the TTS POST, so a shutdown arriving mid-call isn't stuck waiting out
// the LLM client's request timeout before it can run (spec §5: all
// network operations must be interruptible by session shutdown).
func (s *Session) issueReply(userText string) {
	go func() {
		reply := s.deps.LLMChain.GenerateReply(s.ctx, s.deps.Config.SystemInstructions, userText)
		s.post(func() {
			s.turnCtl.ReplyTextReady()
			s.speak(reply)
		})
	}()
}

func (s *Session) speak(text string) {
	if s.cc != nil {
		s.cc.Transcript = append(s.cc.Transcript, finalize.TranscriptEntry{Speaker: "bot", Text: text})
	}
	go func() {
		if err := s.deps.TTS.Speak(s.ctx, text, s.pacer); err != nil {
			s.log.Warn("tts speak failed, continuing without audio: %v", err)
		}
		s.post(func() {
			s.turnCtl.TTSFinished(time.Now())
			s.armTailTimer()
		})
	}()
}

// speakCached plays a pre-synthesized opening line straight from the
// boot-time warm-up cache, skipping the live TTS POST entirely. It
// still runs on the mailbox goroutine like the rest of handleStart, so
// unlike speak() there's no network call to background: enqueuing
// already-rendered bytes onto the pacer is synchronous and fast enough
// not to hold up a shutdown.
func (s *Session) speakCached(text string, mulaw []byte) {
	if s.cc != nil {
		s.cc.Transcript = append(s.cc.Transcript, finalize.TranscriptEntry{Speaker: "bot", Text: text})
	}
	s.pacer.Enqueue(mulaw)
	s.turnCtl.TTSFinished(time.Now())
	s.armTailTimer()
}

// armTailTimer schedules the NO_LISTEN_TAIL deadline check. The
// Controller itself holds the deadline; this timer only decides when
// to ask it whether that deadline has passed.
func (s *Session) armTailTimer() {
	time.AfterFunc(s.deps.Config.NoBargeTail(), func() {
		s.post(s.checkTailElapsed)
	})
}

func (s *Session) checkTailElapsed() {
	if text, shouldReply := s.turnCtl.TailElapsed(time.Now()); shouldReply {
		s.issueReply(text)
	}
}

func (s *Session) armIdleTimer() {
	s.idleTimer = time.AfterFunc(s.deps.Config.IdleHangup(), func() {
		s.post(func() { s.shutdown("idle_timeout") })
	})
}

func (s *Session) resetIdleTimer() {
	if s.idleTimer != nil {
		s.idleTimer.Reset(s.deps.Config.IdleHangup())
	}
}

func (s *Session) armMaxCallTimer() {
	timer := time.NewTimer(s.deps.Config.MaxCall())
	go func() {
		select {
		case <-timer.C:
			s.post(func() { s.shutdown("max_call_duration") })
		case <-s.ctx.Done():
			timer.Stop()
		}
	}()
}

// shutdown runs the spec's §4.6 teardown sequence: stop timers, cancel
// the pacer, close the ASR socket, close the carrier socket, finalize
// exactly once. Each step is independently guarded so one failure
// never blocks the next.
func (s *Session) shutdown(reason string) {
	if s.finalized {
		return
	}
	s.finalized = true
	s.log.Info("call %s shutting down: %s", safeCallID(s.cc), reason)

	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.pacer.Cancel()
	if s.asrSess != nil {
		s.asrSess.Close()
	}
	s.conn.Close()

	if s.cc != nil {
		if s.cc.EndedAt.IsZero() {
			s.cc.EndedAt = time.Now()
		}
		policy := finalize.Policy{RequirePhoneForFinal: s.deps.Config.RequirePhoneForFinal}
		if _, err := finalize.Finalize(s.cc, policy, s.deps.Delivery); err != nil {
			s.log.Error("call %s: finalize delivery failed: %v", s.cc.CallID, err)
		}
	}

	s.cancel()
}

func safeCallID(cc *finalize.CallContext) string {
	if cc == nil {
		return "unknown"
	}
	return cc.CallID
}
