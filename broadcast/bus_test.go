package broadcast

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSubscribeDeliversSnapshotFirst(t *testing.T) {
	bus := NewBus(WithSnapshotter(func(runID string) (Event, bool) {
		return Event{Type: EventRunUpdate, RunID: runID, Payload: "snapshot"}, true
	}))

	sub := bus.Subscribe("run-1")
	t.Cleanup(sub.Close)

	events := sub.Events()
	require.Len(t, events, 1)
	require.Equal(t, "snapshot", events[0].Payload)
}

func TestPublishAssignsMonotonicSequence(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("run-1")
	t.Cleanup(sub.Close)

	bus.Publish(Event{Type: EventRunUpdate, RunID: "run-1"})
	bus.Publish(Event{Type: EventVoteUpdate, RunID: "run-1"})

	events := sub.Events()
	require.Len(t, events, 2)
	require.Equal(t, uint64(1), events[0].Seq)
	require.Equal(t, uint64(2), events[1].Seq)
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus(WithQueueCapacity(2))
	sub := bus.Subscribe("run-1")
	t.Cleanup(sub.Close)

	for i := 0; i < 5; i++ {
		bus.Publish(Event{Type: EventTradeUpdate, RunID: "run-1"})
	}

	events := sub.Events()
	require.Len(t, events, 2)
	// Oldest events were dropped; the last two delivered are the most recent.
	require.Equal(t, uint64(4), events[0].Seq)
	require.Equal(t, uint64(5), events[1].Seq)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("run-1")
	sub.Close()

	bus.Publish(Event{Type: EventRunUpdate, RunID: "run-1"})

	require.Empty(t, bus.perRun["run-1"])
}

func TestGlobalSubscriberReceivesTopicEvents(t *testing.T) {
	bus := NewBus()
	sub := bus.SubscribeGlobal()
	t.Cleanup(sub.Close)

	bus.Publish(Event{Type: EventPriceUpdate, Payload: "BTC/USDC"})

	events := sub.Events()
	require.Len(t, events, 1)
	require.Equal(t, EventPriceUpdate, events[0].Type)
}
