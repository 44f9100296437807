// Package ledger provides in-memory fakes of the engine's collaborators for
// tests: a session store with conditional writes, a scripted deposit
// detector, a counting settlement dispatcher, an address allocator and a
// controllable clock.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	zpay "github.com/zpay-labs/zpay"
)

// ============================================================================
// Session Store
// ============================================================================

// MemoryStore implements zpay.SessionStore over maps
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]zpay.PaymentSession
	pending  map[string]struct{}

	// PingErr is returned by Ping when set
	PingErr error
	// UpdateErr is returned by the next Update when set, then cleared
	UpdateErr error
	updates   int
}

var _ zpay.SessionStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]zpay.PaymentSession),
		pending:  make(map[string]struct{}),
	}
}

func (s *MemoryStore) Create(ctx context.Context, session *zpay.PaymentSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; exists {
		return fmt.Errorf("session %s already exists", session.ID)
	}
	session.Version = 1
	s.sessions[session.ID] = session.Clone()
	s.syncPendingLocked(*session)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*zpay.PaymentSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, zpay.ErrSessionNotFound
	}
	out := session.Clone()
	return &out, nil
}

func (s *MemoryStore) Update(ctx context.Context, session *zpay.PaymentSession, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.UpdateErr != nil {
		err := s.UpdateErr
		s.UpdateErr = nil
		return err
	}

	current, ok := s.sessions[session.ID]
	if !ok {
		return zpay.ErrSessionNotFound
	}
	if current.Version != expectedVersion {
		return zpay.ErrVersionConflict
	}
	session.Version = expectedVersion + 1
	s.sessions[session.ID] = session.Clone()
	s.syncPendingLocked(*session)
	s.updates++
	return nil
}

func (s *MemoryStore) List(ctx context.Context, cursor string, limit int) ([]zpay.PaymentSession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]zpay.PaymentSession, 0, len(s.sessions))
	for _, session := range s.sessions {
		all = append(all, session.Clone())
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	start := 0
	if cursor != "" {
		for i, session := range all {
			if session.ID == cursor {
				start = i + 1
				break
			}
		}
	}
	rest := all[start:]
	if len(rest) > limit {
		return rest[:limit], true, nil
	}
	return rest, false, nil
}

func (s *MemoryStore) PendingIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) RemovePending(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
	return nil
}

// AddPending puts an id in the pending set without a record, simulating a
// session that aged out of the store
func (s *MemoryStore) AddPending(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[id] = struct{}{}
}

// Put overwrites a record as-is, bypassing the version check
func (s *MemoryStore) Put(session zpay.PaymentSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = session.Clone()
	s.syncPendingLocked(session)
}

// Updates returns the number of successful conditional writes
func (s *MemoryStore) Updates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return s.PingErr
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) syncPendingLocked(session zpay.PaymentSession) {
	if session.Status.NeedsReconciliation() {
		s.pending[session.ID] = struct{}{}
	} else {
		delete(s.pending, session.ID)
	}
}

// ============================================================================
// Deposit Detector
// ============================================================================

// Detector answers detection queries from a per-address script
type Detector struct {
	mu        sync.Mutex
	responses map[string]detection
	calls     map[string]int
	delay     time.Duration
}

type detection struct {
	result *zpay.DepositResult
	err    error
}

var _ zpay.DepositDetector = (*Detector)(nil)

func NewDetector() *Detector {
	return &Detector{
		responses: make(map[string]detection),
		calls:     make(map[string]int),
	}
}

// Respond sets what the next detections for address return
func (d *Detector) Respond(address string, result *zpay.DepositResult, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.responses[address] = detection{result: result, err: err}
}

// SetDelay makes every detection take at least delay, honoring ctx
func (d *Detector) SetDelay(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delay = delay
}

func (d *Detector) Detect(ctx context.Context, query zpay.DepositQuery) (*zpay.DepositResult, error) {
	d.mu.Lock()
	d.calls[query.Address]++
	resp, ok := d.responses[query.Address]
	delay := d.delay
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if !ok {
		return &zpay.DepositResult{Found: false}, nil
	}
	if resp.err != nil {
		return nil, resp.err
	}
	out := *resp.result
	return &out, nil
}

// Calls returns how often address was queried
func (d *Detector) Calls(address string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[address]
}

// ============================================================================
// Settlement Dispatcher
// ============================================================================

// Dispatcher records every dispatch and returns a fixed response
type Dispatcher struct {
	mu       sync.Mutex
	result   *zpay.SettlementResult
	err      error
	delay    time.Duration
	calls    map[string]int
	requests []zpay.SettlementRequest
}

var _ zpay.SettlementDispatcher = (*Dispatcher)(nil)

func NewDispatcher(result *zpay.SettlementResult) *Dispatcher {
	return &Dispatcher{result: result, calls: make(map[string]int)}
}

// FailWith makes every following dispatch return err
func (d *Dispatcher) FailWith(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

// SetDelay makes every dispatch take at least delay, honoring ctx
func (d *Dispatcher) SetDelay(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delay = delay
}

func (d *Dispatcher) Dispatch(ctx context.Context, req zpay.SettlementRequest) (*zpay.SettlementResult, error) {
	d.mu.Lock()
	d.calls[req.SessionID]++
	d.requests = append(d.requests, req)
	delay, result, err := d.delay, d.result, d.err
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	out := *result
	return &out, nil
}

// Calls returns how often sessionID was dispatched
func (d *Dispatcher) Calls(sessionID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[sessionID]
}

// Requests returns a copy of every request received
func (d *Dispatcher) Requests() []zpay.SettlementRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]zpay.SettlementRequest(nil), d.requests...)
}

// ============================================================================
// Address Allocator
// ============================================================================

// Allocator hands out deterministic shielded-looking addresses
type Allocator struct {
	next atomic.Int64
	Err  error
}

var _ zpay.AddressAllocator = (*Allocator)(nil)

func (a *Allocator) NewAddress(ctx context.Context) (string, error) {
	if a.Err != nil {
		return "", a.Err
	}
	return fmt.Sprintf("zs1testaddress%04d", a.next.Add(1)), nil
}

// Allocated returns how many addresses were handed out
func (a *Allocator) Allocated() int64 {
	return a.next.Load()
}

// ============================================================================
// Clock
// ============================================================================

// Clock is a manually advanced zpay.Clock
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

var _ zpay.Clock = (*Clock)(nil)

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// ============================================================================
// Event Recorder
// ============================================================================

// Recorder collects events from a transition hook
type Recorder struct {
	mu     sync.Mutex
	events []zpay.Event
}

// Hook returns a TransitionHook that appends to the recorder
func (r *Recorder) Hook() zpay.TransitionHook {
	return func(tc zpay.TransitionContext) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, tc.Event)
		return nil
	}
}

func (r *Recorder) Events() []zpay.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]zpay.Event(nil), r.events...)
}

// Count returns how many events of type t were recorded for sessionID
func (r *Recorder) Count(sessionID string, t zpay.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Session.ID == sessionID && ev.Type == t {
			n++
		}
	}
	return n
}
