package activity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squadron/squadron/pkg/registry"
)

func TestLogRecordBroadcastsToSubscribers(t *testing.T) {
	l := NewLog(nil, nil)
	ch, unsubscribe := l.Subscribe()
	defer unsubscribe()

	assert.Equal(t, 1, l.SubscriberCount())

	l.Record(context.Background(), registry.ActivityEvent{EventType: "agent.created"})

	select {
	case e := <-ch:
		assert.Equal(t, "agent.created", e.EventType)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast event")
	}
}

func TestLogUnsubscribeRemovesSubscriber(t *testing.T) {
	l := NewLog(nil, nil)
	_, unsubscribe := l.Subscribe()
	require.Equal(t, 1, l.SubscriberCount())
	unsubscribe()
	assert.Equal(t, 0, l.SubscriberCount())
}

func TestLogBroadcastDropsOldestForSlowSubscriber(t *testing.T) {
	l := NewLog(nil, nil)
	ch, unsubscribe := l.Subscribe()
	defer unsubscribe()

	for i := 0; i < subscriberBuffer+10; i++ {
		l.Record(context.Background(), registry.ActivityEvent{EventType: "tick"})
	}

	assert.Len(t, ch, subscriberBuffer)
}

func TestLogForRunWithNoRepoReturnsNil(t *testing.T) {
	l := NewLog(nil, nil)
	events, err := l.ForRun(context.Background(), "run-1", 10)
	require.NoError(t, err)
	assert.Nil(t, events)
}
