package services

import (
	"context"
	"sync"
	"time"

	"trade-sniper/internal/domain"
	"trade-sniper/internal/infrastructure/trade"
	"trade-sniper/pkg/logger"
)

// WhisperClient is the slice of the trade client the travel queue needs.
type WhisperClient interface {
	Whisper(ctx context.Context, token string) (*trade.WhisperResponse, error)
}

type retryEntry struct {
	listingID string
	token     string
	attempt   int
	timer     *time.Timer
}

// TravelQueue serializes teleport-to-hideout requests through the REST
// rate-limit channel. Retryable failures are re-attempted with a growing
// delay (attempt x base) up to the configured maximum; every logical attempt
// emits exactly one result through the registered handlers, success or not.
type TravelQueue struct {
	client     WhisperClient
	limiter    domain.RateLimiter
	events     domain.EventPublisher
	retryBase  time.Duration
	maxRetries int
	log        logger.Logger

	mu       sync.Mutex
	handlers []func(*domain.TravelResult)
	retries  map[string]*retryEntry
}

func NewTravelQueue(client WhisperClient, limiter domain.RateLimiter, events domain.EventPublisher,
	retryBase time.Duration, maxRetries int, log logger.Logger) *TravelQueue {
	return &TravelQueue{
		client:     client,
		limiter:    limiter,
		events:     events,
		retryBase:  retryBase,
		maxRetries: maxRetries,
		log:        log,
		retries:    make(map[string]*retryEntry),
	}
}

// OnResult registers a result observer. Handlers run on the goroutine that
// completed the attempt and must not block.
func (q *TravelQueue) OnResult(handler func(*domain.TravelResult)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers = append(q.handlers, handler)
}

// TravelToHideout performs the first teleport attempt synchronously.
// A missing token is rejected before anything is queued. The returned result
// reflects attempt 1; if it was retryable, later attempts surface through
// OnResult handlers only.
func (q *TravelQueue) TravelToHideout(ctx context.Context, listingID, token string) (*domain.TravelResult, error) {
	if token == "" {
		return nil, domain.ErrMissingToken
	}
	return q.attempt(ctx, listingID, token, 1), nil
}

// CancelPending drops any scheduled re-attempt for a listing, e.g. when the
// automation session it belonged to is gone.
func (q *TravelQueue) CancelPending(listingID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if entry, ok := q.retries[listingID]; ok {
		entry.timer.Stop()
		delete(q.retries, listingID)
		q.log.Debug("Cancelled pending travel retry", "listing_id", listingID, "attempt", entry.attempt)
	}
}

func (q *TravelQueue) attempt(ctx context.Context, listingID, token string, attempt int) *domain.TravelResult {
	var resp *trade.WhisperResponse
	err := q.limiter.Schedule(ctx, domain.ChannelREST, func() error {
		var opErr error
		resp, opErr = q.client.Whisper(ctx, token)
		return opErr
	})

	result := &domain.TravelResult{
		ListingID: listingID,
		Attempt:   attempt,
	}

	switch {
	case err != nil:
		class := domain.ClassifyNetError(err)
		result.Error = &class
	case resp.Success:
		result.Success = true
		result.Status = resp.Status
	default:
		class := domain.ClassifyHTTPStatus(resp.Status)
		result.Status = resp.Status
		result.Code = resp.Code
		if resp.Message != "" {
			class.Message = resp.Message
		}
		result.Error = &class
	}

	if result.Success {
		result.Final = true
		q.log.Info("Travel request succeeded", "listing_id", listingID, "attempt", attempt)
	} else if result.Error.Retryable && attempt < q.maxRetries {
		q.scheduleRetry(listingID, token, attempt)
	} else {
		result.Final = true
		q.log.Error("Travel request failed",
			"listing_id", listingID, "attempt", attempt,
			"category", result.Error.Category, "status", result.Status, "code", result.Code)
	}

	q.emit(result)
	return result
}

// scheduleRetry arms a deferred re-attempt with delay attempt x base. An
// existing entry for the listing is replaced, never doubled.
func (q *TravelQueue) scheduleRetry(listingID, token string, attempt int) {
	delay := time.Duration(attempt) * q.retryBase

	q.mu.Lock()
	if existing, ok := q.retries[listingID]; ok {
		existing.timer.Stop()
	}
	entry := &retryEntry{
		listingID: listingID,
		token:     token,
		attempt:   attempt,
	}
	entry.timer = time.AfterFunc(delay, func() {
		q.fireRetry(listingID)
	})
	q.retries[listingID] = entry
	q.mu.Unlock()

	q.log.Warn("Travel retry scheduled", "listing_id", listingID, "attempt", attempt+1, "delay", delay)
}

func (q *TravelQueue) fireRetry(listingID string) {
	q.mu.Lock()
	entry, ok := q.retries[listingID]
	if !ok {
		// Cancelled between firing and running.
		q.mu.Unlock()
		return
	}
	delete(q.retries, listingID)
	q.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	q.attempt(ctx, entry.listingID, entry.token, entry.attempt+1)
}

func (q *TravelQueue) emit(result *domain.TravelResult) {
	q.mu.Lock()
	handlers := make([]func(*domain.TravelResult), len(q.handlers))
	copy(handlers, q.handlers)
	q.mu.Unlock()

	for _, h := range handlers {
		h(result)
	}

	if q.events != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		event := &domain.Event{
			Type:      domain.EventTravelResult,
			Travel:    result,
			Timestamp: time.Now(),
		}
		if result.Error != nil {
			event.Category = result.Error.Category
			event.Message = result.Error.Message
		}
		if err := q.events.Publish(ctx, event); err != nil {
			q.log.Error("Failed to publish travel result", "listing_id", result.ListingID, "error", err)
		}
	}
}
