package zpay

import (
	"context"
	"sync"
)

// DispatchGuard hands out one settlement turn per session inside a process.
// A refresh that races a sweep for the same session waits for the turn to end
// and then re-reads the store; the guard itself never holds outcomes.
//
// Cross-process exclusion comes from the conditional claim write, not from
// here.
type DispatchGuard struct {
	mu    sync.Mutex
	turns map[string]*dispatchTurn
}

type dispatchTurn struct {
	version int64
	waiters int
	done    chan struct{}
}

// NewDispatchGuard creates an empty guard
func NewDispatchGuard() *DispatchGuard {
	return &DispatchGuard{turns: make(map[string]*dispatchTurn)}
}

// Enter takes the settlement turn for session. When the caller gets the turn,
// leave is non-nil and must be called exactly once. Otherwise wait is closed
// when the current holder leaves.
func (g *DispatchGuard) Enter(session PaymentSession) (leave func(), wait <-chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if turn, ok := g.turns[session.ID]; ok {
		turn.waiters++
		return nil, turn.done
	}

	turn := &dispatchTurn{version: session.Version, done: make(chan struct{})}
	g.turns[session.ID] = turn

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			delete(g.turns, session.ID)
			close(turn.done)
		})
	}, nil
}

// Await blocks until wait is closed or ctx is done
func (g *DispatchGuard) Await(ctx context.Context, wait <-chan struct{}) error {
	select {
	case <-wait:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Holder reports the record version the current turn for id started from
func (g *DispatchGuard) Holder(id string) (version int64, waiters int, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	turn, ok := g.turns[id]
	if !ok {
		return 0, 0, false
	}
	return turn.version, turn.waiters, true
}
