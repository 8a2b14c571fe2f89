package session

import "sync"

// Listener receives session notifications. Calls are made one at a time
// from a dedicated goroutine, in order, so a listener may call back into
// the session, including Stop.
type Listener interface {
	OnStarted()
	// OnProgress reports concatenation progress in percent.
	OnProgress(percent int)
	// OnFinish is called exactly once per session. err is nil on success
	// and on a user stop.
	OnFinish(err error)
}

// ListenerFuncs adapts optional functions to Listener.
type ListenerFuncs struct {
	Started  func()
	Progress func(percent int)
	Finish   func(err error)
}

func (l ListenerFuncs) OnStarted() {
	if l.Started != nil {
		l.Started()
	}
}

func (l ListenerFuncs) OnProgress(percent int) {
	if l.Progress != nil {
		l.Progress(percent)
	}
}

func (l ListenerFuncs) OnFinish(err error) {
	if l.Finish != nil {
		l.Finish(err)
	}
}

// notifier runs queued notifications in order on its own goroutine. The
// queue is unbounded so the control loop never blocks on a slow listener.
type notifier struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newNotifier() *notifier {
	n := &notifier{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *notifier) push(fn func()) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.queue = append(n.queue, fn)
	n.mu.Unlock()
	n.signal()
}

// close lets the queued notifications drain, then ends the goroutine.
func (n *notifier) close() {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	n.signal()
}

func (n *notifier) signal() {
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier) run() {
	defer close(n.done)
	for {
		n.mu.Lock()
		queue := n.queue
		n.queue = nil
		closed := n.closed
		n.mu.Unlock()

		for _, fn := range queue {
			fn()
		}
		if closed && len(queue) == 0 {
			return
		}
		if len(queue) == 0 {
			<-n.wake
		}
	}
}
