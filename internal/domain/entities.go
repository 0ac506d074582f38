package domain

import (
	"time"
)

// SearchSubscription is a user-defined saved trade search whose live feed is
// monitored. Immutable after creation except for connection status, which is
// tracked by the supervisor.
type SearchSubscription struct {
	ID        string
	League    string
	Label     string
	CreatedAt time.Time
}

type ConnectionState int

const (
	ConnConnecting ConnectionState = iota
	ConnOpen
	ConnClosing
	ConnClosedRetrying
	ConnClosedTerminal
)

func (s ConnectionState) String() string {
	switch s {
	case ConnConnecting:
		return "connecting"
	case ConnOpen:
		return "open"
	case ConnClosing:
		return "closing"
	case ConnClosedRetrying:
		return "closed_retrying"
	case ConnClosedTerminal:
		return "closed_terminal"
	default:
		return "unknown"
	}
}

// ConnectionStatus is the read-only view of one live-feed connection.
type ConnectionStatus struct {
	SearchID          string    `json:"search_id"`
	State             string    `json:"state"`
	LastActivity      time.Time `json:"last_activity"`
	MessageCount      int64     `json:"message_count"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
}

// Listing is a single tradeable offer resolved from the details endpoint.
type Listing struct {
	ID           string    `json:"id"`
	SearchID     string    `json:"search_id"`
	League       string    `json:"league"`
	ItemName     string    `json:"item_name"`
	Price        string    `json:"price"`
	AccountName  string    `json:"account_name"`
	HideoutToken string    `json:"hideout_token"`
	FetchedAt    time.Time `json:"fetched_at"`
}

// TravelResult is emitted exactly once per logical travel attempt, so that
// cooldown bookkeeping updates once whether the attempt succeeded or not.
type TravelResult struct {
	ListingID string      `json:"listing_id"`
	Success   bool        `json:"success"`
	Status    int         `json:"status"`
	Code      int         `json:"code"`
	Attempt   int         `json:"attempt"`
	Final     bool        `json:"final"`
	Error     *ErrorClass `json:"error,omitempty"`
}

type AutomationStep int

const (
	StepIdle AutomationStep = iota
	StepTraveling
	StepAwaitingStabilization
	StepDetecting
	StepItemFound
	StepMoving
	StepPurchasing
	StepPostPurchaseWait
	StepReturning
	StepCompleted
	StepFailed
	StepCancelled
)

func (s AutomationStep) String() string {
	switch s {
	case StepIdle:
		return "idle"
	case StepTraveling:
		return "traveling"
	case StepAwaitingStabilization:
		return "awaiting_stabilization"
	case StepDetecting:
		return "detecting"
	case StepItemFound:
		return "item_found"
	case StepMoving:
		return "moving"
	case StepPurchasing:
		return "purchasing"
	case StepPostPurchaseWait:
		return "post_purchase_wait"
	case StepReturning:
		return "returning"
	case StepCompleted:
		return "completed"
	case StepFailed:
		return "failed"
	case StepCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the step ends a session.
func (s AutomationStep) Terminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepCancelled
}

// AutomationSession tracks one in-flight automation run. At most one
// non-terminal session exists system-wide.
type AutomationSession struct {
	ID        string
	Listing   *Listing
	StartedAt time.Time
	Step      AutomationStep
	FailedAt  AutomationStep
	Matched   *DetectedItem
}

// SessionRecord is the persisted outcome of a finished session.
type SessionRecord struct {
	SessionID  string
	ListingID  string
	Outcome    string
	FailedStep string
	Duration   time.Duration
	FinishedAt time.Time
}

// RegionBounds is a screen region in absolute coordinates.
type RegionBounds struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// DetectedItem is one match reported by the vision service. Coordinates are
// relative to the detection region that was requested.
type DetectedItem struct {
	CenterX    int     `json:"center_x"`
	CenterY    int     `json:"center_y"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Confidence float64 `json:"confidence"`
	ItemType   string  `json:"item_type"`
}

// DetectionResult is the vision service's answer to one detect request or one
// tick of a continuous detection run. Items are sorted by confidence,
// highest first.
type DetectionResult struct {
	Success    bool           `json:"success"`
	Items      []DetectedItem `json:"items"`
	Confidence float64        `json:"confidence"`
	Message    string         `json:"message,omitempty"`
}

type EventType string

const (
	EventListingsResolved EventType = "listings_resolved"
	EventConnectionStatus EventType = "connection_status"
	EventTravelResult     EventType = "travel_result"
	EventAutomationUpdate EventType = "automation_update"
	EventStatusSnapshot   EventType = "status_snapshot"
)

// Event is the fan-out payload published on the sniper event channel. Only
// the fields relevant to the event type are populated.
type Event struct {
	Type        EventType          `json:"type"`
	SearchID    string             `json:"search_id,omitempty"`
	SessionID   string             `json:"session_id,omitempty"`
	Step        string             `json:"step,omitempty"`
	Message     string             `json:"message,omitempty"`
	Category    ErrorCategory      `json:"category,omitempty"`
	Listings    []*Listing         `json:"listings,omitempty"`
	Travel      *TravelResult      `json:"travel,omitempty"`
	Connections []ConnectionStatus `json:"connections,omitempty"`
	Timestamp   time.Time          `json:"timestamp"`
}
