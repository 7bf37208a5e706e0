package execution

import (
	"sync"
)

// relayWatcher is a watcher's bounded FIFO for one execution.
type relayWatcher struct {
	w     Watcher
	queue chan string
	// stop is closed when the watcher is detached; anything still queued is discarded.
	stop chan struct{}

	closeOnce sync.Once
}

func newRelayWatcher(w Watcher, size int) *relayWatcher {
	return &relayWatcher{
		w:     w,
		queue: make(chan string, size),
		stop:  make(chan struct{}),
	}
}

// enqueue never blocks. It returns false if the queue is full.
// Callers hold the owning execution's lock, which also orders enqueue against finish and detach.
func (rw *relayWatcher) enqueue(msg string) bool {
	select {
	case rw.queue <- msg:
		return true
	default:
		return false
	}
}

// finish lets the pump deliver what is queued and then exit.
func (rw *relayWatcher) finish() {
	rw.closeOnce.Do(func() { close(rw.queue) })
}

// detach makes the pump exit without delivering anything else.
func (rw *relayWatcher) detach() {
	rw.closeOnce.Do(func() { close(rw.stop) })
}

func (r *Registry) pump(executeID string, rw *relayWatcher) {
	defer r.wg.Done()
	log := r.log.With("ExecuteID", executeID, "Watcher", rw.w.ID())
	for {
		select {
		case <-rw.stop:
			return
		case msg, ok := <-rw.queue:
			if !ok {
				return
			}
			select {
			case <-rw.stop:
				return
			default:
			}
			if err := rw.w.Send(r.ctx, msg); err != nil {
				// the connection's close handler detaches it
				log.Debugw("error sending output to watcher", "Error", err)
			}
		}
	}
}

// broadcast queues msg for every watcher of e, evicting those that are full.
// e.mut must be held.
func (r *Registry) broadcast(e *execution, msg string) {
	for id, rw := range e.watchers {
		if rw.enqueue(msg) {
			continue
		}
		r.log.Infow("watcher fell behind, detaching", "ExecuteID", e.id, "Watcher", id, "Buffer", r.watcherBuffer)
		r.removeWatcher(e, id)
		r.metrics.overflows.Inc()
		go rw.w.Evict("output buffer overflow")
	}
}
