// Package notify fans durable session transitions out to the event bus,
// the merchant webhook and in-process subscribers.
package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	zpay "github.com/zpay-labs/zpay"
)

// Sink delivers one event to an external system
type Sink interface {
	Name() string
	Send(ctx context.Context, event zpay.Event) error
}

// Subscription is a detachable stream of events. Events are dropped rather
// than queued when the consumer falls behind.
type Subscription interface {
	Events() <-chan zpay.Event
	Close()
}

// Source hands out subscriptions. The subscription ends when ctx is done
// or Close is called.
type Source interface {
	Subscribe(ctx context.Context) (Subscription, error)
}

// Fanout delivers transitions to every sink and to the hub. Sinks run in
// the background so a slow endpoint never delays the engine.
type Fanout struct {
	sinks []Sink
	hub   *Hub
	log   *zap.Logger
	wg    sync.WaitGroup
}

// NewFanout creates a fanout. hub may be nil.
func NewFanout(logger *zap.Logger, hub *Hub, sinks ...Sink) *Fanout {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fanout{
		sinks: sinks,
		hub:   hub,
		log:   logger.Named("notify"),
	}
}

// Hook returns the engine transition hook
func (f *Fanout) Hook() zpay.TransitionHook {
	return func(tc zpay.TransitionContext) error {
		ctx := tc.Ctx
		if ctx == nil {
			ctx = context.Background()
		}
		f.Publish(context.WithoutCancel(ctx), tc.Event)
		return nil
	}
}

// Publish sends event to the hub immediately and to the sinks in the
// background. Sink failures are logged and never retried.
func (f *Fanout) Publish(ctx context.Context, event zpay.Event) {
	if f.hub != nil {
		f.hub.Publish(event)
	}
	for _, sink := range f.sinks {
		f.wg.Add(1)
		go func(sink Sink) {
			defer f.wg.Done()
			start := time.Now()
			if err := sink.Send(ctx, event); err != nil {
				f.log.Error("failed to deliver payment event",
					zap.String("sink", sink.Name()),
					zap.String("event", string(event.Type)),
					zap.String("session_id", event.Session.ID),
					zap.Error(err))
				return
			}
			f.log.Debug("payment event delivered",
				zap.String("sink", sink.Name()),
				zap.String("event", string(event.Type)),
				zap.String("session_id", event.Session.ID),
				zap.Duration("duration", time.Since(start)))
		}(sink)
	}
}

// Close waits for in-flight deliveries or until ctx is done
func (f *Fanout) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}
