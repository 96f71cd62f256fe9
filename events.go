package geowatch

import "sync"

// eventLoop serializes listener callbacks on a dedicated goroutine. Events
// are posted while the engine lock is held but run outside it, so a listener
// may call back into the query (remove itself, change the radius) without
// deadlocking, and every listener observes events in generation order.
type eventLoop struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	stopped bool
}

func newEventLoop() *eventLoop {
	l := &eventLoop{}
	l.cond = sync.NewCond(&l.mu)
	go l.run()
	return l
}

// post enqueues a callback. No-op after stop.
func (l *eventLoop) post(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	l.queue = append(l.queue, fn)
	l.cond.Signal()
}

func (l *eventLoop) run() {
	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.stopped {
			l.cond.Wait()
		}
		if l.stopped {
			l.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue = l.queue[1:]
		l.mu.Unlock()

		fn()
	}
}

// stop discards pending callbacks and terminates the delivery goroutine.
func (l *eventLoop) stop() {
	l.mu.Lock()
	l.stopped = true
	l.queue = nil
	l.cond.Signal()
	l.mu.Unlock()
}
