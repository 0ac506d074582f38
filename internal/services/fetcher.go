package services

import (
	"context"
	"fmt"
	"time"

	"trade-sniper/internal/domain"
	"trade-sniper/internal/infrastructure/trade"
	"trade-sniper/pkg/logger"
)

const defaultFetchRetryWait = 2 * time.Second

// DetailsClient is the slice of the trade client the fetcher needs.
type DetailsClient interface {
	FetchListings(ctx context.Context, ids []string, searchID, league string) (*trade.DetailsResponse, error)
}

// Fetcher resolves coalesced batches of listing ids through the REST
// rate-limit channel: one query per batch, one retry on a retryable
// response, honoring the server-suggested wait when present.
type Fetcher struct {
	client  DetailsClient
	limiter domain.RateLimiter
	repo    domain.ListingRepository
	log     logger.Logger
}

func NewFetcher(client DetailsClient, limiter domain.RateLimiter, repo domain.ListingRepository, log logger.Logger) *Fetcher {
	return &Fetcher{
		client:  client,
		limiter: limiter,
		repo:    repo,
		log:     log,
	}
}

func (f *Fetcher) Fetch(ctx context.Context, ids []string, sub *domain.SearchSubscription) ([]*domain.Listing, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		var resp *trade.DetailsResponse
		err := f.limiter.Schedule(ctx, domain.ChannelREST, func() error {
			var opErr error
			resp, opErr = f.client.FetchListings(ctx, ids, sub.ID, sub.League)
			return opErr
		})
		if err != nil {
			class := domain.ClassifyNetError(err)
			lastErr = err
			if attempt == 0 && class.Retryable {
				f.log.Warn("Details fetch failed, retrying once", "search_id", sub.ID, "error", err)
				if waitErr := sleepCtx(ctx, defaultFetchRetryWait); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, lastErr
		}

		if resp.Status < 200 || resp.Status > 299 {
			class := domain.ClassifyHTTPStatus(resp.Status)
			lastErr = fmt.Errorf("details fetch: status %d (%s)", resp.Status, class.Message)
			if attempt == 0 && class.Category != domain.CategoryAuth && class.Category != domain.CategoryNotFound {
				wait := resp.RetryAfter
				if wait <= 0 {
					wait = defaultFetchRetryWait
				}
				f.log.Warn("Details fetch rejected, retrying once",
					"search_id", sub.ID, "status", resp.Status, "wait", wait)
				if waitErr := sleepCtx(ctx, wait); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, lastErr
		}

		f.persist(resp.Listings)
		f.log.Info("Resolved listing details", "search_id", sub.ID, "requested", len(ids), "resolved", len(resp.Listings))
		return resp.Listings, nil
	}

	return nil, lastErr
}

// persist is best-effort history; a storage failure never blocks the
// pipeline.
func (f *Fetcher) persist(listings []*domain.Listing) {
	if f.repo == nil || len(listings) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.repo.SaveListings(ctx, listings); err != nil {
		f.log.Error("Failed to persist listings", "count", len(listings), "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
