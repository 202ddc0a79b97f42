package download

import (
	"sync"

	"github.com/itenfay/cxdownload/internal/logger"
)

const defaultMaxPendingProgress = 256

type callbackItem struct {
	fn       func()
	progress bool
}

// dispatcher runs caller callbacks serially on one goroutine. Enqueue never
// blocks, so processors may enqueue while holding their own lock.
type dispatcher struct {
	mu                 sync.Mutex
	queue              []callbackItem
	pendingProgress    int
	maxPendingProgress int
	closed             bool

	signal chan struct{}
	done   chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		maxPendingProgress: defaultMaxPendingProgress,
		signal:             make(chan struct{}, 1),
		done:               make(chan struct{}),
	}
	go d.run()
	return d
}

// enqueue schedules fn. Progress callbacks are dropped when too many are pending.
func (d *dispatcher) enqueue(fn func(), progress bool) bool {
	if fn == nil {
		return false
	}

	d.mu.Lock()
	if d.closed || (progress && d.pendingProgress >= d.maxPendingProgress) {
		d.mu.Unlock()
		return false
	}
	d.queue = append(d.queue, callbackItem{fn: fn, progress: progress})
	if progress {
		d.pendingProgress++
	}
	d.mu.Unlock()

	select {
	case d.signal <- struct{}{}:
	default:
	}
	return true
}

func (d *dispatcher) run() {
	defer close(d.done)

	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			if d.closed {
				d.mu.Unlock()
				return
			}
			d.mu.Unlock()
			<-d.signal
			continue
		}
		item := d.queue[0]
		d.queue[0] = callbackItem{}
		d.queue = d.queue[1:]
		if item.progress {
			d.pendingProgress--
		}
		d.mu.Unlock()

		d.invoke(item.fn)
	}
}

func (d *dispatcher) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithField("panic", r).Error("Download callback panicked")
		}
	}()
	fn()
}

// close delivers what is already queued, then stops the goroutine
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	d.mu.Unlock()

	select {
	case d.signal <- struct{}{}:
	default:
	}
	<-d.done
}
