// Package turn implements the IDLE/USER_SPEAKING/THINKING/BOT_SPEAKING/
// NO_LISTEN_TAIL turn-taking and barge-in state machine. It replaces
// the teacher's ad-hoc "in-flight reply bool + aggregation timeout"
// pattern (src/processors/aggregators/user.go's LLMUserAggregator)
// with the explicit FSM + PendingUtterances FIFO the spec calls for,
// keeping the teacher's 800ms turn-emulated-VAD dedup constant.
package turn

import (
	"sync"
	"time"

	"github.com/square-key-labs/voicegw/src/logger"
)

// State is one state of the turn-taking FSM.
type State int

const (
	IDLE State = iota
	UserSpeaking
	Thinking
	BotSpeaking
	NoListenTail
)

func (s State) String() string {
	switch s {
	case IDLE:
		return "IDLE"
	case UserSpeaking:
		return "USER_SPEAKING"
	case Thinking:
		return "THINKING"
	case BotSpeaking:
		return "BOT_SPEAKING"
	case NoListenTail:
		return "NO_LISTEN_TAIL"
	default:
		return "UNKNOWN"
	}
}

// dedupWindow matches the teacher's LLMUserAggregator
// TurnEmulatedVADTimeout constant — preserved verbatim per the Open
// Question decision recorded in DESIGN.md.
const dedupWindow = 800 * time.Millisecond

// Policy configures barge-in and tail behavior.
type Policy struct {
	BargeInAllowed bool
	NoListenTailMS int
	AckEnabled     bool
}

// Controller is the single owner of a call's turn state. It is not
// safe for concurrent use from multiple goroutines beyond the single
// session mailbox goroutine that is expected to drive it — the mutex
// exists only to let read-only accessors (State(), Pending()) be
// queried from elsewhere (e.g. a status/debug endpoint).
type Controller struct {
	mu sync.Mutex

	policy Policy
	state  State

	pending         []string
	lastTranscript  string
	lastTranscriptT time.Time

	tailDeadline time.Time

	log *logger.Logger
}

// New creates a Controller in the IDLE state.
func New(policy Policy) *Controller {
	if policy.NoListenTailMS <= 0 {
		policy.NoListenTailMS = 900
	}
	return &Controller{
		policy: policy,
		state:  IDLE,
		log:    logger.WithPrefix("turn"),
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Pending returns a copy of the queued utterances.
func (c *Controller) Pending() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.pending))
	copy(out, c.pending)
	return out
}

// ShouldForwardAudio reports whether inbound carrier audio should be
// forwarded to the ASR adapter right now.
func (c *Controller) ShouldForwardAudio() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case IDLE, UserSpeaking:
		return true
	default:
		return c.policy.BargeInAllowed
	}
}

// UserAudioDetected is called when the carrier leg observes speech
// energy (from a barge-in strategy) while the bot is speaking. It is a
// no-op unless barge-in is allowed and the bot is currently speaking.
// Returns true if a barge-in was triggered — the caller must then
// cancel the Pacer.
func (c *Controller) UserAudioDetected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.policy.BargeInAllowed || c.state != BotSpeaking {
		return false
	}
	c.log.Info("barge-in: cancelling bot speech")
	c.state = UserSpeaking
	return true
}

// TranscriptResult tells the caller what to do after feeding a
// transcript into the controller.
type TranscriptResult int

const (
	// Discarded: a duplicate of the previous transcript within the
	// dedup window. Transcripts that arrive while barge-in is disabled
	// and the bot holds the floor are Queued, not Discarded.
	Discarded TranscriptResult = iota
	// Queued: appended to PendingUtterances because the turn was not
	// IDLE.
	Queued
	// IssueReply: the turn transitioned IDLE->THINKING and the caller
	// should generate a reply for this utterance now.
	IssueReply
)

// Transcript feeds a completed user utterance into the FSM.
func (c *Controller) Transcript(text string, now time.Time) TranscriptResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	if text == c.lastTranscript && now.Sub(c.lastTranscriptT) < dedupWindow {
		return Discarded
	}
	c.lastTranscript = text
	c.lastTranscriptT = now

	if c.state != IDLE {
		c.pending = append(c.pending, text)
		return Queued
	}

	c.state = Thinking
	return IssueReply
}

// StartOpeningLine forces IDLE -> BOT_SPEAKING directly, for the
// greeting played before any user utterance exists to transition
// THINKING normally.
func (c *Controller) StartOpeningLine() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == IDLE {
		c.state = BotSpeaking
	}
}

// ReplyTextReady transitions THINKING -> BOT_SPEAKING once the reply
// text (and/or TTS audio) is ready to stream.
func (c *Controller) ReplyTextReady() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Thinking {
		c.state = BotSpeaking
	}
}

// TTSFinished transitions BOT_SPEAKING -> NO_LISTEN_TAIL and arms the
// tail deadline.
func (c *Controller) TTSFinished(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != BotSpeaking {
		return
	}
	c.state = NoListenTail
	c.tailDeadline = now.Add(time.Duration(c.policy.NoListenTailMS) * time.Millisecond)
}

// TailElapsed checks the NO_LISTEN_TAIL deadline. If elapsed, it
// transitions to IDLE or, if utterances queued up in the meantime,
// dequeues the oldest one and transitions straight to THINKING,
// returning it for reply generation.
func (c *Controller) TailElapsed(now time.Time) (text string, shouldReply bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != NoListenTail || now.Before(c.tailDeadline) {
		return "", false
	}

	if len(c.pending) > 0 {
		text = c.pending[0]
		c.pending = c.pending[1:]
		c.state = Thinking
		return text, true
	}

	c.state = IDLE
	return "", false
}

// AckPhrase returns the optional acknowledgement phrase to play before
// issuing a reply, if acks are enabled; empty string otherwise.
func (c *Controller) AckPhrase(phrase string) string {
	if c.policy.AckEnabled {
		return phrase
	}
	return ""
}

// Reset forces the controller back to IDLE and drops all pending
// state, used when a call is finalizing.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = IDLE
	c.pending = nil
}
