package encoder

import (
	"context"
	"sync"

	"github.com/babelcloud/avrecorder/internal/media"
)

// Relay is an encoder whose events are pushed by a single producer, such
// as a decode loop. The producer calls Publish for every event and Finish
// or Close when done; the consumer side sees a regular Encoder.
type Relay struct {
	kind   media.Kind
	events chan media.Event
	done   chan struct{}

	mu        sync.Mutex
	started   bool
	stopOnce  sync.Once
	closeOnce sync.Once
}

func NewRelay(kind media.Kind, buffer int) *Relay {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	return &Relay{
		kind:   kind,
		events: make(chan media.Event, buffer),
		done:   make(chan struct{}),
	}
}

func (r *Relay) Kind() media.Kind {
	return r.kind
}

func (r *Relay) Start(ctx context.Context) (<-chan media.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil, ErrAlreadyStarted
	}
	r.started = true
	return r.events, nil
}

// Stop releases a producer blocked in Publish. It does not close the
// event channel.
func (r *Relay) Stop() error {
	r.stopOnce.Do(func() { close(r.done) })
	return nil
}

// Publish hands one event to the consumer. It returns ErrStopped once the
// relay is stopped.
func (r *Relay) Publish(ctx context.Context, ev media.Event) error {
	select {
	case <-r.done:
		return ErrStopped
	default:
	}
	select {
	case r.events <- ev:
		return nil
	case <-r.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Finish publishes the end-of-stream frame and closes the relay.
func (r *Relay) Finish(ctx context.Context) error {
	err := r.Publish(ctx, media.FrameReady{Track: r.kind, Frame: media.Frame{Flags: media.FlagEndOfStream}})
	r.Close()
	return err
}

// Fail publishes a failure and closes the relay.
func (r *Relay) Fail(ctx context.Context, cause error) error {
	err := r.Publish(ctx, media.Failed{Track: r.kind, Err: cause})
	r.Close()
	return err
}

// Close closes the event channel. Only the producer may call it.
func (r *Relay) Close() {
	r.closeOnce.Do(func() { close(r.events) })
}
