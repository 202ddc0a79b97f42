package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/itenfay/cxdownload/internal/logger"
)

const (
	defaultQueueSize    = 256
	defaultStateTimeout = 100 * time.Millisecond
)

// Subscription is a registered event consumer
type Subscription struct {
	ID string
	C  <-chan *Event

	ch chan *Event
}

// Bus fans published events out to subscribers from a single dispatch goroutine
type Bus struct {
	mu   sync.RWMutex
	subs map[string]*Subscription

	eventChan    chan *Event
	stateTimeout time.Duration
	dropped      atomic.Uint64

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewBus creates a new bus; call Start before publishing
func NewBus() *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		subs:         make(map[string]*Subscription),
		eventChan:    make(chan *Event, defaultQueueSize),
		stateTimeout: defaultStateTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start starts the dispatch goroutine
func (b *Bus) Start() {
	b.startOnce.Do(func() {
		b.wg.Add(1)
		go b.run()
	})
}

// Stop stops dispatching and closes every subscription channel
func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		b.cancel()
		b.wg.Wait()

		b.mu.Lock()
		for id, sub := range b.subs {
			close(sub.ch)
			delete(b.subs, id)
		}
		b.mu.Unlock()
	})
}

// Subscribe registers a consumer with the given channel buffer
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan *Event, buffer)
	sub := &Subscription{ID: uuid.NewString(), C: ch, ch: ch}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ctx.Err() != nil {
		close(ch)
		return sub
	}
	b.subs[sub.ID] = sub
	return sub
}

// Unsubscribe removes a consumer and closes its channel
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subs[id]; ok {
		close(sub.ch)
		delete(b.subs, id)
	}
}

// SubscriberCount returns the number of active subscriptions
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were discarded
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Publish queues an event. Progress events are dropped when the queue is full,
// state events wait up to the state timeout.
func (b *Bus) Publish(event *Event) {
	if b.ctx.Err() != nil {
		return
	}

	select {
	case b.eventChan <- event:
		return
	default:
	}

	if event.Type == EventTypeDownloadProgress {
		b.dropped.Add(1)
		return
	}

	timer := time.NewTimer(b.stateTimeout)
	defer timer.Stop()

	select {
	case b.eventChan <- event:
	case <-b.ctx.Done():
	case <-timer.C:
		b.dropped.Add(1)
		logger.WithField("task", event.TaskID).Warn("Event queue full, state event dropped")
	}
}

func (b *Bus) run() {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		case event := <-b.eventChan:
			b.dispatch(event)
		}
	}
}

func (b *Bus) dispatch(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, sub := range b.subs {
		select {
		case sub.ch <- event:
			continue
		default:
		}

		if event.Type == EventTypeDownloadProgress {
			b.dropped.Add(1)
			continue
		}

		timer := time.NewTimer(b.stateTimeout)
		select {
		case sub.ch <- event:
		case <-timer.C:
			b.dropped.Add(1)
			logger.Warnf("Subscriber %s is not draining, state event dropped", id)
		case <-b.ctx.Done():
		}
		timer.Stop()
	}
}
