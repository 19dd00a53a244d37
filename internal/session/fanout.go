package session

import "sync"

// fanout copies every published event into one buffered queue per
// subscribed connection
type fanout struct {
	size int

	mu     sync.Mutex
	closed bool
	queues map[chan *Event]struct{}
}

func newFanout(size int) *fanout {
	return &fanout{size: size, queues: make(map[chan *Event]struct{})}
}

// subscribe adds a queue. After close the queue comes back already closed.
func (f *fanout) subscribe() (<-chan *Event, func()) {
	q := make(chan *Event, f.size)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		close(q)
		return q, func() {}
	}
	f.queues[q] = struct{}{}

	var once sync.Once
	return q, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if _, ok := f.queues[q]; ok {
				delete(f.queues, q)
				close(q)
			}
		})
	}
}

// publish hands ev to every queue. A full queue misses ev; the others still
// get it and ErrQueueFull is returned.
func (f *fanout) publish(ev *Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrChannelClosed
	}
	var err error
	for q := range f.queues {
		select {
		case q <- ev:
		default:
			err = ErrQueueFull
		}
	}
	return err
}

func (f *fanout) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// close closes every queue; buffered events can still be drained
func (f *fanout) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for q := range f.queues {
		close(q)
	}
	f.queues = nil
}

func (f *fanout) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queues)
}
