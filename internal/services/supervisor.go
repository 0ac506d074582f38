package services

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"sync"
	"time"

	"trade-sniper/internal/config"
	"trade-sniper/internal/domain"
	"trade-sniper/internal/infrastructure/feed"
	"trade-sniper/pkg/logger"
)

// Dialer opens one live-feed connection and wires its callbacks to the
// supervisor. Injected so tests can stand in a fake feed.
type Dialer func(ctx context.Context, sub *domain.SearchSubscription, h feed.Handler) (io.Closer, error)

type connection struct {
	sub          *domain.SearchSubscription
	socket       io.Closer
	state        domain.ConnectionState
	lastActivity time.Time
	messageCount int64
	reconnects   int
}

type pendingBatch struct {
	ids   []string
	timer *time.Timer
}

// Supervisor owns the set of live-feed connections, one per subscribed
// search: connect, reconnect with bounded attempts, heartbeat monitoring,
// and coalescing of inbound "new listing" notifications into detail fetches.
// The connection map is the critical shared resource; every mutation happens
// under mu.
type Supervisor struct {
	cfg     config.SniperConfig
	dial    Dialer
	limiter domain.RateLimiter
	fetcher domain.DetailsFetcher
	events  domain.EventPublisher
	seen    domain.SeenCache
	log     logger.Logger

	mu              sync.Mutex
	conns           map[string]*connection
	heartbeats      map[string]*time.Timer
	batches         map[string]*pendingBatch
	reconnectTimers map[string]*time.Timer

	onListings func([]*domain.Listing)
}

func NewSupervisor(
	cfg config.SniperConfig,
	dial Dialer,
	limiter domain.RateLimiter,
	fetcher domain.DetailsFetcher,
	events domain.EventPublisher,
	seen domain.SeenCache,
	log logger.Logger,
) *Supervisor {
	return &Supervisor{
		cfg:             cfg,
		dial:            dial,
		limiter:         limiter,
		fetcher:         fetcher,
		events:          events,
		seen:            seen,
		log:             log,
		conns:           make(map[string]*connection),
		heartbeats:      make(map[string]*time.Timer),
		batches:         make(map[string]*pendingBatch),
		reconnectTimers: make(map[string]*time.Timer),
	}
}

// OnListings registers the downstream consumer of resolved listings. Must be
// called before Connect.
func (s *Supervisor) OnListings(handler func([]*domain.Listing)) {
	s.onListings = handler
}

// Connect registers a search and schedules its socket open through the
// connection rate-limit channel. Idempotent: a search that already has a
// live or opening connection is left untouched.
func (s *Supervisor) Connect(ctx context.Context, sub *domain.SearchSubscription) error {
	s.mu.Lock()
	if _, exists := s.conns[sub.ID]; exists {
		s.mu.Unlock()
		s.log.Debug("Connect ignored, connection already tracked", "search_id", sub.ID)
		return nil
	}
	if len(s.conns) >= s.cfg.MaxConnections {
		s.mu.Unlock()
		return domain.ErrTooManyConnections
	}
	s.conns[sub.ID] = &connection{
		sub:          sub,
		state:        domain.ConnConnecting,
		lastActivity: time.Now(),
	}
	s.mu.Unlock()

	go s.scheduleOpen(sub)
	return nil
}

// scheduleOpen queues the socket open on the connect channel. The open runs
// on the supervisor's own lifecycle, not the caller's: the control request
// that registered the search is long gone by the time the spacing window
// opens, and a cancelled caller must not strand the entry in connecting.
func (s *Supervisor) scheduleOpen(sub *domain.SearchSubscription) {
	err := s.limiter.Schedule(context.Background(), domain.ChannelConnect, func() error {
		s.open(context.Background(), sub)
		return nil
	})
	if err != nil {
		s.log.Error("Feed connect failed", "search_id", sub.ID, "error", err)
		s.scheduleReconnect(sub.ID)
	}
}

func (s *Supervisor) open(ctx context.Context, sub *domain.SearchSubscription) {
	// The search may have been removed while this open waited in the
	// limiter queue.
	s.mu.Lock()
	_, tracked := s.conns[sub.ID]
	s.mu.Unlock()
	if !tracked {
		return
	}

	socket, err := s.dial(ctx, sub, s)
	if err != nil {
		s.handleDialError(sub, err)
		return
	}

	s.mu.Lock()
	conn, tracked := s.conns[sub.ID]
	if !tracked {
		// Disconnected while the handshake was in flight.
		s.mu.Unlock()
		socket.Close()
		return
	}
	conn.socket = socket
	conn.state = domain.ConnOpen
	conn.lastActivity = time.Now()
	conn.reconnects = 0
	s.mu.Unlock()

	s.armHeartbeat(sub.ID)
	s.publishConnectionStatus(sub.ID, domain.ConnOpen, "")
	s.log.Info("Feed connected", "search_id", sub.ID, "league", sub.League)
}

func (s *Supervisor) handleDialError(sub *domain.SearchSubscription, err error) {
	var handshake *feed.HandshakeError
	if errors.As(err, &handshake) {
		class := domain.ClassifyHTTPStatus(handshake.Status)
		if !class.Retryable {
			s.log.Error("Feed handshake rejected", "search_id", sub.ID, "status", handshake.Status, "category", class.Category)
			s.removeTerminal(sub.ID, class.Message)
			return
		}
	}

	s.log.Warn("Feed dial failed", "search_id", sub.ID, "error", err)
	s.scheduleReconnect(sub.ID)
}

// ── feed.Handler callbacks (read-goroutine side) ──────────────────────────

func (s *Supervisor) OnPing(searchID string) {
	s.mu.Lock()
	if conn, ok := s.conns[searchID]; ok {
		conn.lastActivity = time.Now()
	}
	s.mu.Unlock()

	s.armHeartbeat(searchID)
}

func (s *Supervisor) OnNewItems(searchID string, ids []string) {
	s.mu.Lock()
	conn, ok := s.conns[searchID]
	if !ok {
		s.mu.Unlock()
		return
	}
	conn.lastActivity = time.Now()
	conn.messageCount++
	s.mu.Unlock()

	fresh := s.filterSeen(ids)
	if len(fresh) == 0 {
		return
	}

	s.appendBatch(searchID, fresh)
}

func (s *Supervisor) OnClose(searchID string, code int, err error) {
	s.mu.Lock()
	conn, tracked := s.conns[searchID]
	if !tracked || conn.state == domain.ConnClosing {
		// Manual disconnect already cleaned up.
		s.mu.Unlock()
		return
	}
	conn.socket = nil
	s.mu.Unlock()

	s.cancelHeartbeat(searchID)

	if fatal, class := classifyCloseCode(code); fatal {
		s.log.Error("Feed closed with fatal code", "search_id", searchID, "code", code, "category", class.Category)
		s.removeTerminal(searchID, class.Message)
		return
	}

	s.log.Warn("Feed closed", "search_id", searchID, "code", code, "error", err)
	s.scheduleReconnect(searchID)
}

// classifyCloseCode maps websocket close codes onto the error taxonomy.
// Auth, not-found and rate-limit closes are fatal for the connection: the
// server will keep rejecting, so reconnecting only burns the rate budget.
func classifyCloseCode(code int) (bool, domain.ErrorClass) {
	switch code {
	case 1008, 4401, 4403:
		return true, domain.ErrorClass{Category: domain.CategoryAuth, Message: "feed rejected session", Retryable: false}
	case 4404:
		return true, domain.ErrorClass{Category: domain.CategoryNotFound, Message: "search no longer exists", Retryable: false}
	case 4429:
		return true, domain.ErrorClass{Category: domain.CategoryRateLimited, Message: "feed rate limited", Retryable: false}
	default:
		return false, domain.ErrorClass{}
	}
}

// ── reconnection ──────────────────────────────────────────────────────────

func (s *Supervisor) scheduleReconnect(searchID string) {
	s.mu.Lock()
	conn, tracked := s.conns[searchID]
	if !tracked {
		s.mu.Unlock()
		return
	}
	if conn.reconnects >= s.cfg.MaxReconnects {
		s.mu.Unlock()
		s.log.Error("Reconnect attempts exhausted", "search_id", searchID, "attempts", conn.reconnects)
		s.removeTerminal(searchID, "reconnect attempts exhausted")
		return
	}
	conn.reconnects++
	conn.state = domain.ConnClosedRetrying
	attempt := conn.reconnects
	sub := conn.sub

	delay := s.cfg.ReconnectDelayMin
	if spread := s.cfg.ReconnectDelayMax - s.cfg.ReconnectDelayMin; spread > 0 {
		delay += time.Duration(rand.Int63n(int64(spread)))
	}

	if timer, ok := s.reconnectTimers[searchID]; ok {
		timer.Stop()
	}
	s.reconnectTimers[searchID] = time.AfterFunc(delay, func() {
		s.reconnect(sub)
	})
	s.mu.Unlock()

	s.publishConnectionStatus(searchID, domain.ConnClosedRetrying, "")
	s.log.Info("Reconnect scheduled", "search_id", searchID, "attempt", attempt, "delay", delay)
}

func (s *Supervisor) reconnect(sub *domain.SearchSubscription) {
	s.mu.Lock()
	conn, tracked := s.conns[sub.ID]
	if !tracked || conn.state != domain.ConnClosedRetrying {
		s.mu.Unlock()
		return
	}
	conn.state = domain.ConnConnecting
	delete(s.reconnectTimers, sub.ID)
	s.mu.Unlock()

	s.scheduleOpen(sub)
}

// ── heartbeat ─────────────────────────────────────────────────────────────

// armHeartbeat (re)starts the watchdog that fires when the server's ping
// cadence goes quiet for longer than the configured timeout.
func (s *Supervisor) armHeartbeat(searchID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, ok := s.heartbeats[searchID]; ok {
		timer.Stop()
	}
	s.heartbeats[searchID] = time.AfterFunc(s.cfg.HeartbeatTimeout, func() {
		s.heartbeatExpired(searchID)
	})
}

func (s *Supervisor) cancelHeartbeat(searchID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, ok := s.heartbeats[searchID]; ok {
		timer.Stop()
		delete(s.heartbeats, searchID)
	}
}

func (s *Supervisor) heartbeatExpired(searchID string) {
	s.mu.Lock()
	conn, tracked := s.conns[searchID]
	if !tracked || conn.state != domain.ConnOpen || conn.socket == nil {
		s.mu.Unlock()
		return
	}
	socket := conn.socket
	s.mu.Unlock()

	s.log.Warn("Heartbeat timeout, terminating connection", "search_id", searchID)
	// Forcing the socket closed makes the read loop fail, which funnels into
	// OnClose and the normal reconnection path.
	socket.Close()
}

// ── batching ──────────────────────────────────────────────────────────────

func (s *Supervisor) filterSeen(ids []string) []string {
	if s.seen == nil {
		return ids
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	fresh := make([]string, 0, len(ids))
	for _, id := range ids {
		first, err := s.seen.MarkSeen(ctx, id, time.Hour)
		if err != nil {
			// Dedupe is best-effort; never drop a listing because redis
			// hiccuped.
			fresh = append(fresh, id)
			continue
		}
		if first {
			fresh = append(fresh, id)
		}
	}
	return fresh
}

func (s *Supervisor) appendBatch(searchID string, ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.batches[searchID]
	if !ok {
		batch = &pendingBatch{}
		s.batches[searchID] = batch
		batch.timer = time.AfterFunc(s.cfg.CoalesceDelay, func() {
			s.flushBatch(searchID)
		})
	}
	batch.ids = append(batch.ids, ids...)
}

func (s *Supervisor) flushBatch(searchID string) {
	s.mu.Lock()
	batch, ok := s.batches[searchID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.batches, searchID)
	conn, tracked := s.conns[searchID]
	if !tracked {
		s.mu.Unlock()
		return
	}
	ids := batch.ids
	sub := conn.sub
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	listings, err := s.fetcher.Fetch(ctx, ids, sub)
	if err != nil {
		s.log.Error("Details fetch failed", "search_id", searchID, "ids", len(ids), "error", err)
	}
	if len(listings) == 0 {
		return
	}

	s.publish(&domain.Event{
		Type:     domain.EventListingsResolved,
		SearchID: searchID,
		Listings: listings,
	})

	if s.onListings != nil {
		s.onListings(listings)
	}
}

// ── disconnect / status ───────────────────────────────────────────────────

// Disconnect closes a search's connection and drops every piece of pending
// state for it. A missing connection is a non-fatal condition reported as
// ErrNoSuchConnection.
func (s *Supervisor) Disconnect(searchID string) error {
	s.mu.Lock()
	conn, tracked := s.conns[searchID]
	if !tracked {
		s.mu.Unlock()
		return domain.ErrNoSuchConnection
	}
	conn.state = domain.ConnClosing
	socket := conn.socket
	delete(s.conns, searchID)

	if timer, ok := s.heartbeats[searchID]; ok {
		timer.Stop()
		delete(s.heartbeats, searchID)
	}
	if timer, ok := s.reconnectTimers[searchID]; ok {
		timer.Stop()
		delete(s.reconnectTimers, searchID)
	}
	if batch, ok := s.batches[searchID]; ok {
		batch.timer.Stop()
		delete(s.batches, searchID)
	}
	s.mu.Unlock()

	if socket != nil {
		socket.Close()
	}

	s.publishConnectionStatus(searchID, domain.ConnClosedTerminal, "disconnected")
	s.log.Info("Feed disconnected", "search_id", searchID)
	return nil
}

func (s *Supervisor) DisconnectAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Disconnect(id)
	}
}

// removeTerminal drops a search after a fatal close or retry exhaustion and
// surfaces the terminal status.
func (s *Supervisor) removeTerminal(searchID, reason string) {
	s.mu.Lock()
	delete(s.conns, searchID)
	if timer, ok := s.heartbeats[searchID]; ok {
		timer.Stop()
		delete(s.heartbeats, searchID)
	}
	if timer, ok := s.reconnectTimers[searchID]; ok {
		timer.Stop()
		delete(s.reconnectTimers, searchID)
	}
	if batch, ok := s.batches[searchID]; ok {
		batch.timer.Stop()
		delete(s.batches, searchID)
	}
	s.mu.Unlock()

	s.publishConnectionStatus(searchID, domain.ConnClosedTerminal, reason)
}

// SweepStale force-terminates open connections with no activity for longer
// than maxIdle. The forced close funnels into the normal reconnection path.
// Returns the number of connections terminated.
func (s *Supervisor) SweepStale(maxIdle time.Duration) int {
	s.mu.Lock()
	var stale []io.Closer
	cutoff := time.Now().Add(-maxIdle)
	for id, conn := range s.conns {
		if conn.state == domain.ConnOpen && conn.socket != nil && conn.lastActivity.Before(cutoff) {
			s.log.Warn("Sweeping stale connection", "search_id", id, "last_activity", conn.lastActivity)
			stale = append(stale, conn.socket)
		}
	}
	s.mu.Unlock()

	for _, socket := range stale {
		socket.Close()
	}
	return len(stale)
}

func (s *Supervisor) Status() []domain.ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make([]domain.ConnectionStatus, 0, len(s.conns))
	for id, conn := range s.conns {
		statuses = append(statuses, domain.ConnectionStatus{
			SearchID:          id,
			State:             conn.state.String(),
			LastActivity:      conn.lastActivity,
			MessageCount:      conn.messageCount,
			ReconnectAttempts: conn.reconnects,
		})
	}
	return statuses
}

func (s *Supervisor) publishConnectionStatus(searchID string, state domain.ConnectionState, message string) {
	s.publish(&domain.Event{
		Type:     domain.EventConnectionStatus,
		SearchID: searchID,
		Step:     state.String(),
		Message:  message,
	})
}

func (s *Supervisor) publish(event *domain.Event) {
	if s.events == nil {
		return
	}
	event.Timestamp = time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.events.Publish(ctx, event); err != nil {
		s.log.Error("Failed to publish event", "type", event.Type, "error", err)
	}
}

