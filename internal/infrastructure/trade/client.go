package trade

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"trade-sniper/internal/domain"
	"trade-sniper/pkg/logger"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Client talks to the marketplace REST endpoints. Callers are expected to
// serialize requests through the rate limiter; the client itself does no
// pacing.
type Client struct {
	host       string
	sessionID  string
	httpClient *http.Client
	log        logger.Logger
}

func NewClient(host, sessionID string, log logger.Logger) *Client {
	return &Client{
		host:      host,
		sessionID: sessionID,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		log: log,
	}
}

// LiveFeedURL builds the push-feed address for one search.
func (c *Client) LiveFeedURL(league, searchID string) string {
	return fmt.Sprintf("wss://%s/api/trade2/live/poe2/%s/%s", c.host, url.PathEscape(league), searchID)
}

// WSHeader returns the headers the feed connection authenticates with.
func (c *Client) WSHeader() http.Header {
	h := http.Header{}
	h.Set("Cookie", "POESESSID="+c.sessionID)
	h.Set("User-Agent", userAgent)
	h.Set("Origin", "https://"+c.host)
	return h
}

// DetailsResponse carries either resolved listings or the failure status the
// fetcher needs to decide on a retry.
type DetailsResponse struct {
	Listings   []*domain.Listing
	Status     int
	RetryAfter time.Duration
}

type detailsPayload struct {
	Result []struct {
		ID      string `json:"id"`
		Listing struct {
			HideoutToken string `json:"hideout_token"`
			Account      struct {
				Name string `json:"name"`
			} `json:"account"`
			Price struct {
				Amount   float64 `json:"amount"`
				Currency string  `json:"currency"`
			} `json:"price"`
		} `json:"listing"`
		Item struct {
			Name     string `json:"name"`
			TypeLine string `json:"typeLine"`
		} `json:"item"`
	} `json:"result"`
}

// FetchListings queries the details endpoint for up to one batch of ids.
// A non-2xx response is returned as a DetailsResponse with Status set, not
// as an error; errors are network-level failures only.
func (c *Client) FetchListings(ctx context.Context, ids []string, searchID, league string) (*DetailsResponse, error) {
	endpoint := fmt.Sprintf("https://%s/api/trade2/fetch/%s?query=%s&realm=poe2",
		c.host, strings.Join(ids, ","), url.QueryEscape(searchID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	c.browserHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &DetailsResponse{
			Status:     resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}, nil
	}

	var payload detailsPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode details response: %w", err)
	}

	listings := make([]*domain.Listing, 0, len(payload.Result))
	now := time.Now()
	for _, r := range payload.Result {
		name := r.Item.Name
		if name == "" {
			name = r.Item.TypeLine
		}
		listings = append(listings, &domain.Listing{
			ID:           r.ID,
			SearchID:     searchID,
			League:       league,
			ItemName:     name,
			Price:        fmt.Sprintf("%g %s", r.Listing.Price.Amount, r.Listing.Price.Currency),
			AccountName:  r.Listing.Account.Name,
			HideoutToken: r.Listing.HideoutToken,
			FetchedAt:    now,
		})
	}

	return &DetailsResponse{Listings: listings, Status: resp.StatusCode}, nil
}

// WhisperResponse is the outcome of one teleport attempt. Code is the
// application-level error code the endpoint reports alongside the HTTP
// status on failure.
type WhisperResponse struct {
	Status  int
	Success bool
	Code    int
	Message string
}

type whisperPayload struct {
	Success bool `json:"success"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Whisper posts a teleport-to-hideout request gated by the listing's token.
func (c *Client) Whisper(ctx context.Context, token string) (*WhisperResponse, error) {
	body := fmt.Sprintf(`{"token":%s,"softFailure":false}`, strconv.Quote(token))

	endpoint := fmt.Sprintf("https://%s/api/trade2/whisper", c.host)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	c.browserHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	out := &WhisperResponse{Status: resp.StatusCode}

	var payload whisperPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil {
		out.Success = payload.Success
		if payload.Error != nil {
			out.Code = payload.Error.Code
			out.Message = payload.Error.Message
		}
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 && payload.Error == nil {
		out.Success = true
	}

	return out, nil
}

func (c *Client) browserHeaders(req *http.Request) {
	req.Header.Set("Cookie", "POESESSID="+c.sessionID)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Origin", "https://"+c.host)
	req.Header.Set("Referer", fmt.Sprintf("https://%s/trade2/search/poe2", c.host))
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
