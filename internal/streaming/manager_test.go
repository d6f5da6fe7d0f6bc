package streaming

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	m := NewManager(0)
	ch := m.Subscribe("council_a", 4)
	defer m.Unsubscribe("council_a", ch)

	m.Publish(Event{SessionID: "council_a", Type: TypePhase, Phase: "deliberating"})

	select {
	case evt := <-ch:
		assert.Equal(t, TypePhase, evt.Type)
		assert.Equal(t, "deliberating", evt.Phase)
		assert.Equal(t, uint64(1), evt.Seq)
		assert.False(t, evt.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	m := NewManager(0)
	ch := m.Subscribe("council_a", 4)
	defer m.Unsubscribe("council_a", ch)

	m.Publish(Event{SessionID: "council_b", Type: TypeAgent, Agent: "Analyst"})
	select {
	case evt := <-ch:
		t.Fatalf("received another session's event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWildcardSubscriberSeesAllSessions(t *testing.T) {
	m := NewManager(0)
	ch := m.Subscribe("", 8)
	defer m.Unsubscribe("", ch)

	m.Publish(Event{SessionID: "council_a", Type: TypePhase, Phase: "assembling"})
	m.Publish(Event{SessionID: "council_b", Type: TypePhase, Phase: "assembling"})

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case evt := <-ch:
			seen[evt.SessionID] = true
		case <-time.After(time.Second):
			t.Fatal("wildcard subscriber missed an event")
		}
	}
	assert.True(t, seen["council_a"] && seen["council_b"])
}

func TestSlowSubscriberDropsNotBlocks(t *testing.T) {
	m := NewManager(0)
	ch := m.Subscribe("council_a", 1)
	defer m.Unsubscribe("council_a", ch)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			m.Publish(Event{SessionID: "council_a", Type: TypeAgent})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestReplaySince(t *testing.T) {
	m := NewManager(3)
	for i := 0; i < 5; i++ {
		m.Publish(Event{SessionID: "council_a", Type: TypeAgent})
	}

	// Capacity 3 keeps seq 3..5.
	evs := m.ReplaySince("council_a", 0)
	require.Len(t, evs, 3)
	assert.Equal(t, uint64(3), evs[0].Seq)
	assert.Equal(t, uint64(5), evs[2].Seq)

	evs = m.ReplaySince("council_a", 4)
	require.Len(t, evs, 1)
	assert.Equal(t, uint64(5), evs[0].Seq)

	assert.Nil(t, m.ReplaySince("unknown", 0))
}

func TestForgetDropsHistory(t *testing.T) {
	m := NewManager(0)
	m.Publish(Event{SessionID: "council_a", Type: TypeConsensus})
	require.NotEmpty(t, m.ReplaySince("council_a", 0))

	m.Forget("council_a")
	assert.Nil(t, m.ReplaySince("council_a", 0))
}

func TestUnsubscribeIdempotent(t *testing.T) {
	m := NewManager(0)
	ch := m.Subscribe("council_a", 1)
	m.Unsubscribe("council_a", ch)
	m.Unsubscribe("council_a", ch) // second call must not panic on a closed channel
}
