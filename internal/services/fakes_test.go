package services_test

import (
	"context"
	"io"
	"sync"
	"time"

	"trade-sniper/internal/domain"
	"trade-sniper/internal/infrastructure/feed"
	"trade-sniper/internal/infrastructure/trade"
)

type nopLogger struct{}

func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Fatal(string, ...interface{}) {}

// passLimiter executes operations immediately; pacing behavior is covered by
// the ratelimit package's own tests.
type passLimiter struct{}

func (passLimiter) Schedule(ctx context.Context, _ domain.Channel, op func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return op()
}

// gatedLimiter holds every operation for a fixed delay before running it,
// like a connect channel whose spacing window is already occupied. The
// scheduling context is honored while the operation waits.
type gatedLimiter struct {
	delay time.Duration
}

func (l gatedLimiter) Schedule(ctx context.Context, _ domain.Channel, op func() error) error {
	select {
	case <-time.After(l.delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return op()
}

type publishedEvents struct {
	mu     sync.Mutex
	events []*domain.Event
}

func (p *publishedEvents) Publish(_ context.Context, event *domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	copied := *event
	p.events = append(p.events, &copied)
	return nil
}

func (p *publishedEvents) byType(t domain.EventType) []*domain.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*domain.Event
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// ── supervisor fakes ───────────────────────────────────────────────────────

type fakeSocket struct {
	mu     sync.Mutex
	closed int
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *fakeSocket) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type dialAttempt struct {
	searchID string
	handler  feed.Handler
	socket   *fakeSocket
}

type fakeDialer struct {
	mu       sync.Mutex
	attempts []dialAttempt
	fail     error
}

func (d *fakeDialer) dial(_ context.Context, sub *domain.SearchSubscription, h feed.Handler) (io.Closer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		d.attempts = append(d.attempts, dialAttempt{searchID: sub.ID, handler: h})
		return nil, d.fail
	}
	socket := &fakeSocket{}
	d.attempts = append(d.attempts, dialAttempt{searchID: sub.ID, handler: h, socket: socket})
	return socket, nil
}

func (d *fakeDialer) attemptCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.attempts)
}

func (d *fakeDialer) lastAttempt() dialAttempt {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts[len(d.attempts)-1]
}

type fetchCall struct {
	ids      []string
	searchID string
}

type fakeFetcher struct {
	mu    sync.Mutex
	calls []fetchCall
}

func (f *fakeFetcher) Fetch(_ context.Context, ids []string, sub *domain.SearchSubscription) ([]*domain.Listing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fetchCall{ids: append([]string(nil), ids...), searchID: sub.ID})

	listings := make([]*domain.Listing, 0, len(ids))
	for _, id := range ids {
		listings = append(listings, &domain.Listing{ID: id, SearchID: sub.ID})
	}
	return listings, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeFetcher) call(i int) fetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

// ── travel fakes ───────────────────────────────────────────────────────────

type whisperCall struct {
	token string
	at    time.Time
}

type fakeWhisperClient struct {
	mu        sync.Mutex
	calls     []whisperCall
	responses []*trade.WhisperResponse
	err       error
}

func (c *fakeWhisperClient) Whisper(_ context.Context, token string) (*trade.WhisperResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, whisperCall{token: token, at: time.Now()})
	if c.err != nil {
		return nil, c.err
	}
	resp := c.responses[0]
	if len(c.responses) > 1 {
		c.responses = c.responses[1:]
	}
	return resp, nil
}

func (c *fakeWhisperClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func (c *fakeWhisperClient) callTimes() []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	times := make([]time.Time, len(c.calls))
	for i, call := range c.calls {
		times[i] = call.at
	}
	return times
}

// ── orchestrator fakes ─────────────────────────────────────────────────────

type fakeTravelQueue struct {
	mu       sync.Mutex
	handler  func(*domain.TravelResult)
	requests []string
	cancels  []string
	err      error
}

func (q *fakeTravelQueue) TravelToHideout(_ context.Context, listingID, token string) (*domain.TravelResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if token == "" {
		return nil, domain.ErrMissingToken
	}
	if q.err != nil {
		return nil, q.err
	}
	q.requests = append(q.requests, listingID)
	return &domain.TravelResult{ListingID: listingID, Attempt: 1}, nil
}

func (q *fakeTravelQueue) OnResult(handler func(*domain.TravelResult)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handler = handler
}

func (q *fakeTravelQueue) CancelPending(listingID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancels = append(q.cancels, listingID)
}

func (q *fakeTravelQueue) deliver(result *domain.TravelResult) {
	q.mu.Lock()
	handler := q.handler
	q.mu.Unlock()
	handler(result)
}

func (q *fakeTravelQueue) requestCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.requests)
}

type visionCall struct {
	kind string
	x, y int
	key  string
}

type fakeVision struct {
	mu        sync.Mutex
	handler   func(*domain.DetectionResult)
	calls     []visionCall
	startErr  error
	moveErr   error
	clickErr  error
	pressErr  error
	detecting bool
}

func (v *fakeVision) Detect(context.Context, domain.RegionBounds) (*domain.DetectionResult, error) {
	return &domain.DetectionResult{Success: true}, nil
}

func (v *fakeVision) StartContinuousDetection(_ context.Context, _ domain.RegionBounds, _ float64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.startErr != nil {
		return v.startErr
	}
	v.detecting = true
	v.calls = append(v.calls, visionCall{kind: "start_detection"})
	return nil
}

func (v *fakeVision) StopDetection(context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.detecting = false
	v.calls = append(v.calls, visionCall{kind: "stop_detection"})
	return nil
}

func (v *fakeVision) MoveCursor(_ context.Context, x, y int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.moveErr != nil {
		return v.moveErr
	}
	v.calls = append(v.calls, visionCall{kind: "move", x: x, y: y})
	return nil
}

func (v *fakeVision) Click(_ context.Context, x, y int, _ []string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.clickErr != nil {
		return v.clickErr
	}
	v.calls = append(v.calls, visionCall{kind: "click", x: x, y: y})
	return nil
}

func (v *fakeVision) PressKey(_ context.Context, key string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.pressErr != nil {
		return v.pressErr
	}
	v.calls = append(v.calls, visionCall{kind: "press", key: key})
	return nil
}

func (v *fakeVision) OnDetection(handler func(*domain.DetectionResult)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.handler = handler
}

func (v *fakeVision) deliver(result *domain.DetectionResult) {
	v.mu.Lock()
	handler := v.handler
	v.mu.Unlock()
	handler(result)
}

func (v *fakeVision) callsOf(kind string) []visionCall {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []visionCall
	for _, c := range v.calls {
		if c.kind == kind {
			out = append(out, c)
		}
	}
	return out
}

type fakeCooldown struct {
	mu     sync.Mutex
	denied bool
	delay  time.Duration
	asks   int
}

func (c *fakeCooldown) TryAcquire(context.Context, time.Duration) (bool, error) {
	c.mu.Lock()
	delay := c.delay
	c.asks++
	denied := c.denied
	c.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	return !denied, nil
}

type fakeSeen struct{}

func (fakeSeen) MarkSeen(context.Context, string, time.Duration) (bool, error) {
	return true, nil
}

// ── fetcher fakes ──────────────────────────────────────────────────────────

type fakeDetailsClient struct {
	mu        sync.Mutex
	calls     [][]string
	responses []*trade.DetailsResponse
	errs      []error
}

func (c *fakeDetailsClient) FetchListings(_ context.Context, ids []string, _, _ string) (*trade.DetailsResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := len(c.calls)
	c.calls = append(c.calls, append([]string(nil), ids...))
	if i < len(c.errs) && c.errs[i] != nil {
		return nil, c.errs[i]
	}
	if i >= len(c.responses) {
		i = len(c.responses) - 1
	}
	return c.responses[i], nil
}

func (c *fakeDetailsClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}
