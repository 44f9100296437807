package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	zpay "github.com/zpay-labs/zpay"
)

const (
	DefaultPollInterval = 5 * time.Second
	defaultPollWindow   = zpay.MaxListLimit
)

// Lister reads the newest sessions
type Lister interface {
	List(ctx context.Context, cursor string, limit int) (*zpay.ListResult, error)
}

// PollingSource turns periodic list reads into a subscription. It only
// sees the newest window of sessions, so older sessions that change state
// may be missed.
type PollingSource struct {
	lister   Lister
	interval time.Duration
	buffer   int
	log      *zap.Logger
}

var _ Source = (*PollingSource)(nil)

func NewPollingSource(lister Lister, interval time.Duration, logger *zap.Logger) *PollingSource {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PollingSource{
		lister:   lister,
		interval: interval,
		buffer:   DefaultSubscriberBuffer,
		log:      logger.Named("poller"),
	}
}

type pollSubscription struct {
	ch     chan zpay.Event
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *pollSubscription) Events() <-chan zpay.Event { return s.ch }

func (s *pollSubscription) Close() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}

// Subscribe starts a poller. The first read only records a baseline.
func (p *PollingSource) Subscribe(ctx context.Context) (Subscription, error) {
	baseline, err := p.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := &pollSubscription{
		ch:     make(chan zpay.Event, p.buffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go p.run(ctx, sub, baseline)
	return sub, nil
}

func (p *PollingSource) run(ctx context.Context, sub *pollSubscription, last map[string]zpay.Status) {
	defer close(sub.done)
	defer close(sub.ch)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		result, err := p.lister.List(ctx, "", defaultPollWindow)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Warn("failed to poll payment sessions", zap.Error(err))
			continue
		}

		next := make(map[string]zpay.Status, len(result.Sessions))
		for _, session := range result.Sessions {
			next[session.ID] = session.Status
			prev, known := last[session.ID]
			if known && prev == session.Status {
				continue
			}
			event := zpay.Event{
				Type:      zpay.EventForStatus(session.Status),
				Session:   session,
				Previous:  prev,
				Timestamp: session.UpdatedAt,
			}
			select {
			case sub.ch <- event:
			default:
			}
		}
		last = next
	}
}

func (p *PollingSource) snapshot(ctx context.Context) (map[string]zpay.Status, error) {
	result, err := p.lister.List(ctx, "", defaultPollWindow)
	if err != nil {
		return nil, err
	}
	out := make(map[string]zpay.Status, len(result.Sessions))
	for _, session := range result.Sessions {
		out[session.ID] = session.Status
	}
	return out, nil
}
