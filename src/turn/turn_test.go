package turn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdleTranscriptIssuesReply(t *testing.T) {
	c := New(Policy{})
	res := c.Transcript("hello there", time.Now())
	assert.Equal(t, IssueReply, res)
	assert.Equal(t, Thinking, c.State())
}

func TestTranscriptWhileThinkingQueues(t *testing.T) {
	c := New(Policy{})
	now := time.Now()
	c.Transcript("first", now)
	res := c.Transcript("second", now.Add(10*time.Millisecond))
	assert.Equal(t, Queued, res)
	assert.Equal(t, []string{"second"}, c.Pending())
}

func TestDuplicateTranscriptWithin800msDiscarded(t *testing.T) {
	c := New(Policy{})
	now := time.Now()
	c.Transcript("hi", now)
	c.ReplyTextReady()
	c.TTSFinished(now)
	// force back to IDLE
	c.TailElapsed(now.Add(2 * time.Second))

	res := c.Transcript("hi", now.Add(500*time.Millisecond))
	assert.Equal(t, Discarded, res)
}

func TestDuplicateTranscriptAfter800msAccepted(t *testing.T) {
	c := New(Policy{})
	now := time.Now()
	c.Transcript("hi", now)
	c.ReplyTextReady()
	c.TTSFinished(now)
	c.TailElapsed(now.Add(2 * time.Second))

	res := c.Transcript("hi", now.Add(900*time.Millisecond))
	assert.Equal(t, IssueReply, res)
}

func TestFullTurnCycleDequeuesPending(t *testing.T) {
	c := New(Policy{NoListenTailMS: 50})
	now := time.Now()

	require.Equal(t, IssueReply, c.Transcript("first", now))
	require.Equal(t, Queued, c.Transcript("second", now.Add(900*time.Millisecond)))

	c.ReplyTextReady()
	require.Equal(t, BotSpeaking, c.State())

	c.TTSFinished(now.Add(901 * time.Millisecond))
	require.Equal(t, NoListenTail, c.State())

	text, should := c.TailElapsed(now.Add(2 * time.Second))
	assert.True(t, should)
	assert.Equal(t, "second", text)
	assert.Equal(t, Thinking, c.State())
}

func TestBargeInDisabledBlocksAudioForwarding(t *testing.T) {
	c := New(Policy{BargeInAllowed: false})
	c.Transcript("hi", time.Now())
	c.ReplyTextReady()
	assert.False(t, c.ShouldForwardAudio())
	assert.False(t, c.UserAudioDetected())
}

func TestBargeInAllowedCancelsBotSpeech(t *testing.T) {
	c := New(Policy{BargeInAllowed: true})
	c.Transcript("hi", time.Now())
	c.ReplyTextReady()
	require.Equal(t, BotSpeaking, c.State())

	assert.True(t, c.UserAudioDetected())
	assert.Equal(t, UserSpeaking, c.State())
}

func TestIdleForwardsAudio(t *testing.T) {
	c := New(Policy{})
	assert.True(t, c.ShouldForwardAudio())
}

func TestStartOpeningLineForcesBotSpeaking(t *testing.T) {
	c := New(Policy{})
	c.StartOpeningLine()
	assert.Equal(t, BotSpeaking, c.State())
}

func TestStartOpeningLineNoopOutsideIdle(t *testing.T) {
	c := New(Policy{})
	c.Transcript("hi", time.Now())
	require.Equal(t, Thinking, c.State())
	c.StartOpeningLine()
	assert.Equal(t, Thinking, c.State())
}
