package avsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/babelcloud/avrecorder/internal/media"
	"k8s.io/utils/clock"
)

var (
	ErrBarrierTimeout    = errors.New("barrier timeout: not every track registered its format")
	ErrBarrierAborted    = errors.New("barrier aborted")
	ErrUnexpectedTrack   = errors.New("track is not enabled")
	ErrAlreadyRegistered = errors.New("track format already registered")
)

// Barrier holds container start until every enabled track has registered
// its format. The last registrant runs the start function under the
// barrier lock, then every waiter is released with the same result.
type Barrier struct {
	mu         sync.Mutex
	expected   map[media.Kind]bool
	registered map[media.Kind]int
	start      func() error
	clock      clock.WithDelayedExecution
	timeout    time.Duration
	timer      clock.Timer
	done       chan struct{}
	closed     bool
	err        error
}

// NewBarrier creates a barrier for the given enabled tracks. A zero
// timeout disables the watchdog.
func NewBarrier(tracks []media.Kind, timeout time.Duration, start func() error, clk clock.WithDelayedExecution) *Barrier {
	if clk == nil {
		clk = clock.RealClock{}
	}
	expected := make(map[media.Kind]bool, len(tracks))
	for _, k := range tracks {
		expected[k] = true
	}
	return &Barrier{
		expected:   expected,
		registered: make(map[media.Kind]int, len(tracks)),
		start:      start,
		clock:      clk,
		timeout:    timeout,
		done:       make(chan struct{}),
	}
}

// Register records the container index of a track and blocks until the
// container has started, the watchdog fires, the barrier is aborted or ctx
// ends. It returns nil once the container is running.
func (b *Barrier) Register(ctx context.Context, kind media.Kind, index int) error {
	b.mu.Lock()
	if b.closed {
		err := b.err
		b.mu.Unlock()
		if err == nil {
			return ErrAlreadyRegistered
		}
		return err
	}
	if !b.expected[kind] {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnexpectedTrack, kind)
	}
	if _, dup := b.registered[kind]; dup {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, kind)
	}
	b.registered[kind] = index

	if len(b.registered) == len(b.expected) {
		var err error
		if startErr := b.start(); startErr != nil {
			err = fmt.Errorf("start container: %w", startErr)
		}
		timer := b.releaseLocked(err)
		b.mu.Unlock()
		stopTimer(timer)
		return err
	}

	if b.timer == nil && b.timeout > 0 {
		b.timer = b.clock.AfterFunc(b.timeout, b.expire)
	}
	done := b.done
	b.mu.Unlock()

	select {
	case <-done:
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Abort releases every waiter with ErrBarrierAborted. It is a no-op once
// the barrier has been released.
func (b *Barrier) Abort() {
	b.mu.Lock()
	timer := b.releaseLocked(ErrBarrierAborted)
	b.mu.Unlock()
	stopTimer(timer)
}

// Started reports whether the start function ran successfully.
func (b *Barrier) Started() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed && b.err == nil
}

// Index returns the container index registered for a track.
func (b *Barrier) Index(kind media.Kind) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx, ok := b.registered[kind]
	return idx, ok
}

// expire runs on the clock's goroutine; the timer has already fired so it
// must not be stopped from here.
func (b *Barrier) expire() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.releaseLocked(ErrBarrierTimeout)
}

// releaseLocked closes the barrier and returns the watchdog timer for the
// caller to stop outside the lock.
func (b *Barrier) releaseLocked(err error) clock.Timer {
	if b.closed {
		return nil
	}
	b.closed = true
	b.err = err
	close(b.done)
	timer := b.timer
	b.timer = nil
	return timer
}

func stopTimer(t clock.Timer) {
	if t != nil {
		t.Stop()
	}
}
