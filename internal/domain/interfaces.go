package domain

import (
	"context"
	"time"
)

// Rate limiter channels. Operations scheduled on the same channel run one at
// a time with the configured minimum spacing between them.
type Channel string

const (
	ChannelConnect Channel = "connect"
	ChannelREST    Channel = "rest"
)

type RateLimiter interface {
	Schedule(ctx context.Context, channel Channel, op func() error) error
}

// FeedSupervisor owns the live-feed connections, one per subscribed search.
type FeedSupervisor interface {
	Connect(ctx context.Context, sub *SearchSubscription) error
	Disconnect(searchID string) error
	DisconnectAll()
	Status() []ConnectionStatus
}

// DetailsFetcher resolves a coalesced batch of listing ids to full records.
type DetailsFetcher interface {
	Fetch(ctx context.Context, ids []string, sub *SearchSubscription) ([]*Listing, error)
}

// TravelQueue serializes teleport requests. A retryable failure schedules a
// deferred re-attempt; every logical attempt emits exactly one result event
// through the registered handlers.
type TravelQueue interface {
	TravelToHideout(ctx context.Context, listingID, token string) (*TravelResult, error)
	OnResult(handler func(*TravelResult))
	CancelPending(listingID string)
}

// AutomationOrchestrator runs the single-flight buy sequence.
type AutomationOrchestrator interface {
	Start(listing *Listing) error
	Stop() error
	Session() *AutomationSession
}

// VisionService is the external detection/input collaborator. Coordinates
// passed to MoveCursor and Click are absolute screen coordinates; the caller
// translates region-relative detection results before calling.
type VisionService interface {
	Detect(ctx context.Context, region RegionBounds) (*DetectionResult, error)
	StartContinuousDetection(ctx context.Context, region RegionBounds, confidenceThreshold float64) error
	StopDetection(ctx context.Context) error
	MoveCursor(ctx context.Context, x, y int) error
	Click(ctx context.Context, x, y int, modifiers []string) error
	PressKey(ctx context.Context, key string) error
	OnDetection(handler func(*DetectionResult))
}

// Event interfaces
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

type EventSubscriber interface {
	Subscribe(ctx context.Context, handler EventHandler) error
}

type EventHandler func(event *Event) error

// Cache interfaces
type CooldownCache interface {
	TryAcquire(ctx context.Context, cooldown time.Duration) (bool, error)
}

type SeenCache interface {
	MarkSeen(ctx context.Context, listingID string, ttl time.Duration) (bool, error)
}

// Repository interfaces
type ListingRepository interface {
	SaveListings(ctx context.Context, listings []*Listing) error
	RecentListings(ctx context.Context, searchID string, limit int) ([]*Listing, error)
}

type AuditRepository interface {
	SaveSessionResult(ctx context.Context, record *SessionRecord) error
}
