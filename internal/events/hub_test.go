package events

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubPublishSubscribe(t *testing.T) {
	h := NewHub()
	a := h.Subscribe()
	b := h.Subscribe()
	assert.Equal(t, 2, h.Subscribers())

	ev := Event{Type: EventCommitted, DID: "did:ledger:tx1", At: time.Now().UTC()}
	h.Publish(ev)

	got := <-a.C
	assert.Equal(t, "did:ledger:tx1", got.DID)
	got = <-b.C
	assert.Equal(t, EventCommitted, got.Type)
}

func TestHubUnsubscribeClosesQueue(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe()
	h.Unsubscribe(sub)
	assert.Equal(t, 0, h.Subscribers())

	_, open := <-sub.C
	assert.False(t, open)

	// Unsubscribing twice is safe.
	h.Unsubscribe(sub)
}

func TestHubDropsOldestOnOverflow(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe()

	total := queueCap + 5
	for i := 0; i < total; i++ {
		h.Publish(Event{Type: EventCommitted, DID: "did:ledger:tx" + strconv.Itoa(i)})
	}

	// The publisher never blocked; the oldest five events were shed.
	assert.Equal(t, uint64(5), sub.Dropped())
	first := <-sub.C
	assert.Equal(t, "did:ledger:tx5", first.DID)

	drained := 1
	for {
		select {
		case <-sub.C:
			drained++
			continue
		default:
		}
		break
	}
	assert.Equal(t, queueCap, drained)
}

func TestHubPublishWithoutSubscribers(t *testing.T) {
	h := NewHub()
	require.NotPanics(t, func() {
		h.Publish(Event{Type: EventDeleted, DID: "did:peer:x"})
	})
}
