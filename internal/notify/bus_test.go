package notify

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itenfay/cxdownload/internal/storage"
)

func testRecord(state storage.TaskState, received int64) *storage.TaskRecord {
	url := "http://example.com/file.bin"
	return &storage.TaskRecord{
		ID:           storage.TaskID(url),
		URL:          url,
		State:        state,
		ReceivedSize: received,
		TotalSize:    1000,
	}
}

func receive(t *testing.T, sub *Subscription) *Event {
	t.Helper()
	select {
	case e, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestBusDeliversInOrder(t *testing.T) {
	bus := NewBus()
	bus.Start()
	defer bus.Stop()

	sub := bus.Subscribe(16)

	bus.Publish(NewStateEvent(testRecord(storage.StateDownloading, 0), storage.StateWaiting))
	bus.Publish(NewProgressEvent(testRecord(storage.StateDownloading, 100)))
	bus.Publish(NewProgressEvent(testRecord(storage.StateDownloading, 200)))

	first := receive(t, sub)
	assert.Equal(t, EventTypeDownloadState, first.Type)
	assert.Equal(t, "waiting", first.PreviousState)
	assert.Equal(t, storage.StateDownloading, first.Task.State)

	second := receive(t, sub)
	assert.Equal(t, EventTypeDownloadProgress, second.Type)
	assert.Equal(t, int64(100), second.Task.ReceivedSize)

	third := receive(t, sub)
	assert.Equal(t, int64(200), third.Task.ReceivedSize)
}

func TestBusFansOutToAllSubscribers(t *testing.T) {
	bus := NewBus()
	bus.Start()
	defer bus.Stop()

	a := bus.Subscribe(4)
	b := bus.Subscribe(4)
	assert.Equal(t, 2, bus.SubscriberCount())

	bus.Publish(NewStateEvent(testRecord(storage.StateFinished, 1000), storage.StateDownloading))

	assert.Equal(t, EventTypeDownloadState, receive(t, a).Type)
	assert.Equal(t, EventTypeDownloadState, receive(t, b).Type)
}

func TestBusEventIsSnapshot(t *testing.T) {
	rec := testRecord(storage.StateDownloading, 10)
	event := NewProgressEvent(rec)
	rec.ReceivedSize = 999
	assert.Equal(t, int64(10), event.Task.ReceivedSize)
	assert.Equal(t, rec.ID, event.TaskID)
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	bus.Start()
	defer bus.Stop()

	sub := bus.Subscribe(1)
	bus.Unsubscribe(sub.ID)
	bus.Unsubscribe(sub.ID)

	_, ok := <-sub.C
	assert.False(t, ok)
	assert.Equal(t, 0, bus.SubscriberCount())
}

func TestBusSlowSubscriberDropsProgress(t *testing.T) {
	bus := NewBus()
	bus.stateTimeout = 20 * time.Millisecond
	bus.Start()
	defer bus.Stop()

	slow := bus.Subscribe(1)
	fast := bus.Subscribe(64)

	for i := 0; i < 10; i++ {
		bus.Publish(NewProgressEvent(testRecord(storage.StateDownloading, int64(i))))
	}

	for i := 0; i < 10; i++ {
		assert.Equal(t, int64(i), receive(t, fast).Task.ReceivedSize)
	}

	assert.Equal(t, int64(0), receive(t, slow).Task.ReceivedSize)
	assert.Eventually(t, func() bool { return bus.Dropped() >= 9 }, time.Second, 10*time.Millisecond)
}

func TestBusStateEventWaitsForSlowSubscriber(t *testing.T) {
	bus := NewBus()
	bus.stateTimeout = time.Second
	bus.Start()
	defer bus.Stop()

	sub := bus.Subscribe(1)
	bus.Publish(NewProgressEvent(testRecord(storage.StateDownloading, 1)))
	bus.Publish(NewStateEvent(testRecord(storage.StatePaused, 1), storage.StateDownloading))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, EventTypeDownloadProgress, receive(t, sub).Type)
	assert.Equal(t, EventTypeDownloadState, receive(t, sub).Type)
	assert.Equal(t, uint64(0), bus.Dropped())
}

func TestBusStopClosesSubscriptions(t *testing.T) {
	bus := NewBus()
	bus.Start()
	sub := bus.Subscribe(1)

	bus.Stop()
	bus.Stop()

	_, ok := <-sub.C
	assert.False(t, ok)

	bus.Publish(NewProgressEvent(testRecord(storage.StateDownloading, 1)))

	late := bus.Subscribe(1)
	_, ok = <-late.C
	assert.False(t, ok)
}

func TestEventJSON(t *testing.T) {
	event := NewStateEvent(testRecord(storage.StateError, 5), storage.StateDownloading)

	var obj map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(event.String()), &obj))
	assert.Equal(t, "download_state", obj["type"])
	assert.Equal(t, "downloading", obj["previousState"])
	assert.Equal(t, "http://example.com/file.bin", obj["url"])
	task := obj["task"].(map[string]interface{})
	assert.Equal(t, float64(5), task["receivedSize"])
	assert.Equal(t, "error", task["state"])
}
