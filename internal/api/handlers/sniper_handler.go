package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"trade-sniper/internal/domain"
	"trade-sniper/pkg/logger"
)

type SniperHandler struct {
	supervisor   domain.FeedSupervisor
	orchestrator domain.AutomationOrchestrator
	listings     domain.ListingRepository
	league       string
	log          logger.Logger
}

func NewSniperHandler(supervisor domain.FeedSupervisor, orchestrator domain.AutomationOrchestrator,
	listings domain.ListingRepository, league string, log logger.Logger) *SniperHandler {
	return &SniperHandler{
		supervisor:   supervisor,
		orchestrator: orchestrator,
		listings:     listings,
		league:       league,
		log:          log,
	}
}

type AddSearchRequest struct {
	SearchID string `json:"search_id"`
	League   string `json:"league"`
	Label    string `json:"label"`
}

func (h *SniperHandler) AddSearch(c echo.Context) error {
	var req AddSearchRequest
	if err := c.Bind(&req); err != nil {
		h.log.Error("Failed to bind request", "error", err)
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}

	if req.SearchID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "search_id required"})
	}
	if req.League == "" {
		req.League = h.league
	}

	sub := &domain.SearchSubscription{
		ID:        req.SearchID,
		League:    req.League,
		Label:     req.Label,
		CreatedAt: time.Now(),
	}

	if err := h.supervisor.Connect(c.Request().Context(), sub); err != nil {
		if errors.Is(err, domain.ErrTooManyConnections) {
			return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
		}
		h.log.Error("Failed to add search", "search_id", req.SearchID, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to add search"})
	}

	h.log.Info("Search added", "search_id", req.SearchID, "league", req.League)
	return c.JSON(http.StatusCreated, map[string]string{
		"search_id": req.SearchID,
		"league":    req.League,
		"status":    "connecting",
	})
}

func (h *SniperHandler) RemoveSearch(c echo.Context) error {
	searchID := c.Param("id")

	if err := h.supervisor.Disconnect(searchID); err != nil {
		if errors.Is(err, domain.ErrNoSuchConnection) {
			// Not an error: removing something already gone is fine.
			return c.JSON(http.StatusOK, map[string]string{
				"search_id": searchID,
				"status":    "no_such_connection",
			})
		}
		h.log.Error("Failed to remove search", "search_id", searchID, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to remove search"})
	}

	return c.JSON(http.StatusOK, map[string]string{
		"search_id": searchID,
		"status":    "disconnected",
	})
}

func (h *SniperHandler) ListSearches(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"connections": h.supervisor.Status(),
	})
}

func (h *SniperHandler) GetStatus(c echo.Context) error {
	status := map[string]interface{}{
		"connections": h.supervisor.Status(),
	}

	if session := h.orchestrator.Session(); session != nil {
		status["automation"] = map[string]interface{}{
			"session_id": session.ID,
			"listing_id": session.Listing.ID,
			"step":       session.Step.String(),
			"started_at": session.StartedAt,
		}
	}

	return c.JSON(http.StatusOK, status)
}

type StartAutomationRequest struct {
	ListingID    string `json:"listing_id"`
	SearchID     string `json:"search_id"`
	ItemName     string `json:"item_name"`
	HideoutToken string `json:"hideout_token"`
}

func (h *SniperHandler) StartAutomation(c echo.Context) error {
	var req StartAutomationRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}

	if req.ListingID == "" || req.HideoutToken == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "listing_id and hideout_token required"})
	}

	listing := &domain.Listing{
		ID:           req.ListingID,
		SearchID:     req.SearchID,
		ItemName:     req.ItemName,
		HideoutToken: req.HideoutToken,
		FetchedAt:    time.Now(),
	}

	if err := h.orchestrator.Start(listing); err != nil {
		if errors.Is(err, domain.ErrAlreadyRunning) {
			return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
		}
		h.log.Error("Failed to start automation", "listing_id", req.ListingID, "error", err)
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusAccepted, map[string]string{
		"listing_id": req.ListingID,
		"status":     "started",
	})
}

func (h *SniperHandler) StopAutomation(c echo.Context) error {
	if err := h.orchestrator.Stop(); err != nil {
		if errors.Is(err, domain.ErrNoActiveSession) {
			return c.JSON(http.StatusOK, map[string]string{"status": "no_active_session"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "cancelled"})
}

func (h *SniperHandler) RecentListings(c echo.Context) error {
	searchID := c.Param("id")

	listings, err := h.listings.RecentListings(c.Request().Context(), searchID, 50)
	if err != nil {
		h.log.Error("Failed to load listings", "search_id", searchID, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to load listings"})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"search_id": searchID,
		"listings":  listings,
	})
}
