package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalBridgeStartReportsCompletion(t *testing.T) {
	b := NewLocalBridge()
	require.NoError(t, b.Start(context.Background(), "sess-1", "you are an agent", nil, "do the thing"))

	select {
	case ev := <-b.Events():
		assert.Equal(t, EventAgentCompleted, ev.Type)
		assert.Equal(t, "sess-1", ev.SessionID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for completion event")
	}
}

func TestLocalBridgeStartTwiceRejected(t *testing.T) {
	b := NewLocalBridge()
	b.Behavior = func(sessionID string, _ []string) Event {
		<-time.After(50 * time.Millisecond)
		return Event{Type: EventAgentCompleted, SessionID: sessionID}
	}
	require.NoError(t, b.Start(context.Background(), "sess-1", "", nil, "go"))
	err := b.Start(context.Background(), "sess-1", "", nil, "go again")
	assert.Error(t, err)
	<-b.Events()
}

func TestLocalBridgeCancelUnknownSessionIsNoOp(t *testing.T) {
	b := NewLocalBridge()
	assert.NoError(t, b.Cancel(context.Background(), "does-not-exist"))
}

func TestLocalBridgeCustomBehaviorBlocked(t *testing.T) {
	b := NewLocalBridge()
	b.Behavior = func(sessionID string, _ []string) Event {
		return Event{Type: EventAgentBlocked, SessionID: sessionID, Blocker: 42, Reason: "waiting on dependency"}
	}
	require.NoError(t, b.Start(context.Background(), "sess-2", "", nil, "go"))

	select {
	case ev := <-b.Events():
		assert.Equal(t, EventAgentBlocked, ev.Type)
		assert.Equal(t, int64(42), ev.Blocker)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for blocked event")
	}
}

func TestLocalBridgeResumeAfterCancel(t *testing.T) {
	b := NewLocalBridge()
	b.Behavior = func(sessionID string, _ []string) Event {
		<-time.After(50 * time.Millisecond)
		return Event{Type: EventAgentCompleted, SessionID: sessionID}
	}
	require.NoError(t, b.Start(context.Background(), "sess-3", "", nil, "go"))
	require.NoError(t, b.Cancel(context.Background(), "sess-3"))
	require.NoError(t, b.Resume(context.Background(), "sess-3", []string{"new message"}))

	select {
	case ev := <-b.Events():
		assert.Equal(t, "sess-3", ev.SessionID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for completion event after resume")
	}
}
