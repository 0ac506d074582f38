package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"trade-sniper/internal/config"
	"trade-sniper/internal/domain"
	"trade-sniper/pkg/logger"
	"trade-sniper/pkg/utils"
)

const visionCallTimeout = 5 * time.Second

// Orchestrator drives the single-flight buy sequence: teleport, wait for the
// instance to settle, detect the item on screen, move the cursor, then
// optionally click, wait and refresh. Every step is timeout-bounded and the
// whole session is cancellable from any state. At most one non-terminal
// session exists; Start while one is active is rejected without touching it.
type Orchestrator struct {
	cfg            config.AutomationConfig
	region         domain.RegionBounds
	threshold      float64
	travelCooldown time.Duration

	travel   domain.TravelQueue
	vision   domain.VisionService
	events   domain.EventPublisher
	cooldown domain.CooldownCache
	audit    domain.AuditRepository
	log      logger.Logger

	mu      sync.Mutex
	session *domain.AutomationSession
	timers  map[string]*time.Timer
}

func NewOrchestrator(
	cfg config.AutomationConfig,
	region domain.RegionBounds,
	threshold float64,
	travelCooldown time.Duration,
	travel domain.TravelQueue,
	vision domain.VisionService,
	events domain.EventPublisher,
	cooldown domain.CooldownCache,
	audit domain.AuditRepository,
	log logger.Logger,
) *Orchestrator {
	o := &Orchestrator{
		cfg:            cfg,
		region:         region,
		threshold:      threshold,
		travelCooldown: travelCooldown,
		travel:         travel,
		vision:         vision,
		events:         events,
		cooldown:       cooldown,
		audit:          audit,
		log:            log,
		timers:         make(map[string]*time.Timer),
	}
	travel.OnResult(o.handleTravelResult)
	vision.OnDetection(o.handleDetection)
	return o
}

// Session returns a snapshot of the active session, or nil.
func (o *Orchestrator) Session() *domain.AutomationSession {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return nil
	}
	snapshot := *o.session
	return &snapshot
}

// HandleListings starts a session for the first automatable listing in a
// resolved batch, subject to the travel cooldown. Used as the supervisor's
// downstream hook.
func (o *Orchestrator) HandleListings(listings []*domain.Listing) {
	for _, listing := range listings {
		if listing.HideoutToken == "" {
			continue
		}
		if err := o.Start(listing); err != nil {
			o.log.Debug("Automation not started", "listing_id", listing.ID, "reason", err)
		}
		return
	}
}

// Start begins a session for the listing. The "no session active" check and
// the session creation are a single atomic step under the mutex.
func (o *Orchestrator) Start(listing *domain.Listing) error {
	if listing.HideoutToken == "" {
		return domain.ErrMissingToken
	}

	o.mu.Lock()
	if o.session != nil && !o.session.Step.Terminal() {
		o.mu.Unlock()
		return domain.ErrAlreadyRunning
	}
	o.mu.Unlock()

	// Redis round-trip; must not run under the session lock.
	if !o.acquireCooldown() {
		return fmt.Errorf("travel cooldown active")
	}

	o.mu.Lock()
	if o.session != nil && !o.session.Step.Terminal() {
		// Lost the race to a concurrent Start while checking the cooldown.
		o.mu.Unlock()
		return domain.ErrAlreadyRunning
	}

	session := &domain.AutomationSession{
		ID:        utils.GenerateID("session"),
		Listing:   listing,
		StartedAt: time.Now(),
		Step:      domain.StepTraveling,
	}
	o.session = session
	o.armTimer(session.ID, "travel", o.cfg.TravelTimeout, func(sid string) {
		o.failSession(sid, domain.StepTraveling, "travel timed out")
	})
	o.mu.Unlock()

	o.publishStep(session.ID, domain.StepTraveling, "")
	o.log.Info("Automation session started",
		"session_id", session.ID, "listing_id", listing.ID, "item", listing.ItemName)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.TravelTimeout)
		defer cancel()
		// The outcome arrives through handleTravelResult; only a synchronous
		// validation reject needs handling here.
		if _, err := o.travel.TravelToHideout(ctx, listing.ID, listing.HideoutToken); err != nil {
			o.failSession(session.ID, domain.StepTraveling, err.Error())
		}
	}()

	return nil
}

// Stop cancels the active session from whatever state it is in.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	if o.session == nil || o.session.Step.Terminal() {
		o.mu.Unlock()
		return domain.ErrNoActiveSession
	}
	sid := o.session.ID
	o.mu.Unlock()

	o.finishSession(sid, domain.StepCancelled, o.stepOf(sid), "cancelled")
	return nil
}

// ── travel ────────────────────────────────────────────────────────────────

func (o *Orchestrator) handleTravelResult(result *domain.TravelResult) {
	o.mu.Lock()
	session := o.session
	if session == nil || session.Step.Terminal() || session.Listing.ID != result.ListingID {
		o.mu.Unlock()
		return
	}
	if session.Step != domain.StepTraveling {
		// Duplicate or delayed delivery after the session already advanced.
		o.mu.Unlock()
		o.log.Debug("Ignoring late travel result", "session_id", session.ID, "listing_id", result.ListingID)
		return
	}
	sid := session.ID

	if result.Success {
		o.cancelTimer("travel")
		session.Step = domain.StepAwaitingStabilization
		o.armTimer(sid, "settle", o.cfg.SettleDelay, func(id string) {
			o.beginDetection(id)
		})
		o.mu.Unlock()

		o.publishStep(sid, domain.StepAwaitingStabilization, "")
		return
	}

	if !result.Final {
		// A retry is scheduled; the travel timeout stays armed as the
		// overall bound.
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	o.failSession(sid, domain.StepTraveling, result.Error.Message)
}

// ── detection ─────────────────────────────────────────────────────────────

func (o *Orchestrator) beginDetection(sid string) {
	o.mu.Lock()
	session := o.session
	if session == nil || session.ID != sid || session.Step != domain.StepAwaitingStabilization {
		o.mu.Unlock()
		return
	}
	session.Step = domain.StepDetecting
	// finishSession stops detection after validating the session, so a
	// stale timer never sends a spurious stop to the vision service.
	o.armTimer(sid, "detection", o.cfg.DetectionTimeout, func(id string) {
		o.failSession(id, domain.StepDetecting, "detection timed out")
	})
	o.mu.Unlock()

	o.publishStep(sid, domain.StepDetecting, "")

	ctx, cancel := context.WithTimeout(context.Background(), visionCallTimeout)
	defer cancel()
	if err := o.vision.StartContinuousDetection(ctx, o.region, o.threshold); err != nil {
		o.failSession(sid, domain.StepDetecting, err.Error())
	}
}

func (o *Orchestrator) handleDetection(result *domain.DetectionResult) {
	if !result.Success || len(result.Items) == 0 {
		return
	}

	o.mu.Lock()
	session := o.session
	if session == nil || session.Step != domain.StepDetecting {
		// Detection tick for a session that is gone or has moved on.
		o.mu.Unlock()
		return
	}
	sid := session.ID
	o.cancelTimer("detection")

	// Highest confidence wins; ties keep the service's own ordering.
	best := result.Items[0]
	for _, item := range result.Items[1:] {
		if item.Confidence > best.Confidence {
			best = item
		}
	}
	session.Step = domain.StepItemFound
	session.Matched = &best
	o.mu.Unlock()

	o.publishStep(sid, domain.StepItemFound, best.ItemType)

	// This handler runs on the vision client's read goroutine; the follow-up
	// requests must not block it.
	go func() {
		o.stopDetection()
		o.moveSequence(sid, best)
	}()
}

// ── pointer / purchase ────────────────────────────────────────────────────

func (o *Orchestrator) moveSequence(sid string, item domain.DetectedItem) {
	if !o.advance(sid, domain.StepItemFound, domain.StepMoving) {
		return
	}
	o.publishStep(sid, domain.StepMoving, "")

	// Detection coordinates are relative to the search region.
	absX := o.region.X + item.CenterX
	absY := o.region.Y + item.CenterY

	ctx, cancel := context.WithTimeout(context.Background(), visionCallTimeout)
	err := o.vision.MoveCursor(ctx, absX, absY)
	cancel()
	if err != nil {
		o.failSession(sid, domain.StepMoving, err.Error())
		return
	}

	if !o.cfg.AutoPurchase {
		o.completeSession(sid)
		return
	}

	if !o.advance(sid, domain.StepMoving, domain.StepPurchasing) {
		return
	}
	o.publishStep(sid, domain.StepPurchasing, "")

	ctx, cancel = context.WithTimeout(context.Background(), visionCallTimeout)
	err = o.vision.Click(ctx, absX, absY, o.cfg.ClickModifiers)
	cancel()
	if err != nil {
		o.failSession(sid, domain.StepPurchasing, err.Error())
		return
	}

	if !o.advance(sid, domain.StepPurchasing, domain.StepPostPurchaseWait) {
		return
	}
	o.publishStep(sid, domain.StepPostPurchaseWait, "")

	o.mu.Lock()
	o.armTimer(sid, "post_purchase", o.cfg.PostPurchaseWait, func(id string) {
		o.returnToSearch(id)
	})
	o.mu.Unlock()
}

func (o *Orchestrator) returnToSearch(sid string) {
	if !o.advance(sid, domain.StepPostPurchaseWait, domain.StepReturning) {
		return
	}
	o.publishStep(sid, domain.StepReturning, "")

	ctx, cancel := context.WithTimeout(context.Background(), visionCallTimeout)
	err := o.vision.PressKey(ctx, o.cfg.RefreshKey)
	cancel()
	if err != nil {
		o.failSession(sid, domain.StepReturning, err.Error())
		return
	}

	o.completeSession(sid)
}

// advance moves the session from one step to the next, or reports that the
// session is gone. A stale caller (fired timer, late callback) gets false
// and must treat it as a silent no-op.
func (o *Orchestrator) advance(sid string, from, to domain.AutomationStep) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.session == nil || o.session.ID != sid || o.session.Step != from {
		return false
	}
	o.session.Step = to
	return true
}

// ── terminal transitions ──────────────────────────────────────────────────

func (o *Orchestrator) completeSession(sid string) {
	o.finishSession(sid, domain.StepCompleted, domain.StepIdle, "")
}

func (o *Orchestrator) failSession(sid string, step domain.AutomationStep, message string) {
	o.finishSession(sid, domain.StepFailed, step, message)
}

// finishSession is the single cleanup path shared by completion, failure,
// timeout and explicit cancellation: cancel every armed timer, drop pending
// travel retries, stop detection, emit the terminal event, clear the session.
func (o *Orchestrator) finishSession(sid string, outcome, failedStep domain.AutomationStep, message string) {
	o.mu.Lock()
	session := o.session
	if session == nil || session.ID != sid || session.Step.Terminal() {
		o.mu.Unlock()
		return
	}
	wasDetecting := session.Step == domain.StepDetecting
	session.Step = outcome
	session.FailedAt = failedStep
	duration := time.Since(session.StartedAt)
	listing := session.Listing
	matched := session.Matched
	o.cancelAllTimersLocked()
	o.session = nil
	o.mu.Unlock()

	o.travel.CancelPending(listing.ID)
	if wasDetecting {
		o.stopDetection()
	}

	event := &domain.Event{
		Type:      domain.EventAutomationUpdate,
		SessionID: sid,
		Step:      outcome.String(),
		Message:   message,
		Timestamp: time.Now(),
	}
	if outcome == domain.StepFailed {
		event.Message = fmt.Sprintf("failed at %s: %s", failedStep, message)
	}
	o.publishEvent(event)

	switch outcome {
	case domain.StepCompleted:
		item := ""
		if matched != nil {
			item = matched.ItemType
		}
		o.log.Info("Automation session completed",
			"session_id", sid, "listing_id", listing.ID, "duration", duration, "item", item)
	case domain.StepCancelled:
		o.log.Info("Automation session cancelled", "session_id", sid, "duration", duration)
	default:
		o.log.Error("Automation session failed",
			"session_id", sid, "listing_id", listing.ID, "step", failedStep.String(), "reason", message)
	}

	o.saveAudit(&domain.SessionRecord{
		SessionID:  sid,
		ListingID:  listing.ID,
		Outcome:    outcome.String(),
		FailedStep: failedStepName(outcome, failedStep),
		Duration:   duration,
		FinishedAt: time.Now(),
	})
}

func failedStepName(outcome, failedStep domain.AutomationStep) string {
	if outcome != domain.StepFailed {
		return ""
	}
	return failedStep.String()
}

// ── timers / helpers ──────────────────────────────────────────────────────

// armTimer must run under mu. The fired callback re-validates the session id
// itself, so a timer that outlives its session is harmless.
func (o *Orchestrator) armTimer(sid, name string, d time.Duration, fn func(sid string)) {
	if timer, ok := o.timers[name]; ok {
		timer.Stop()
	}
	o.timers[name] = time.AfterFunc(d, func() {
		fn(sid)
	})
}

// cancelTimer must run under mu.
func (o *Orchestrator) cancelTimer(name string) {
	if timer, ok := o.timers[name]; ok {
		timer.Stop()
		delete(o.timers, name)
	}
}

func (o *Orchestrator) cancelAllTimersLocked() {
	for name, timer := range o.timers {
		timer.Stop()
		delete(o.timers, name)
	}
}

func (o *Orchestrator) stepOf(sid string) domain.AutomationStep {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session != nil && o.session.ID == sid {
		return o.session.Step
	}
	return domain.StepIdle
}

func (o *Orchestrator) acquireCooldown() bool {
	if o.cooldown == nil || o.travelCooldown <= 0 {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ok, err := o.cooldown.TryAcquire(ctx, o.travelCooldown)
	if err != nil {
		// Cooldown bookkeeping failing open is better than never buying.
		o.log.Warn("Cooldown check failed, proceeding", "error", err)
		return true
	}
	return ok
}

func (o *Orchestrator) stopDetection() {
	ctx, cancel := context.WithTimeout(context.Background(), visionCallTimeout)
	defer cancel()
	if err := o.vision.StopDetection(ctx); err != nil {
		o.log.Warn("Failed to stop detection", "error", err)
	}
}

func (o *Orchestrator) publishStep(sid string, step domain.AutomationStep, message string) {
	o.publishEvent(&domain.Event{
		Type:      domain.EventAutomationUpdate,
		SessionID: sid,
		Step:      step.String(),
		Message:   message,
		Timestamp: time.Now(),
	})
}

func (o *Orchestrator) publishEvent(event *domain.Event) {
	if o.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := o.events.Publish(ctx, event); err != nil {
		o.log.Error("Failed to publish automation event", "session_id", event.SessionID, "error", err)
	}
}

func (o *Orchestrator) saveAudit(record *domain.SessionRecord) {
	if o.audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := o.audit.SaveSessionResult(ctx, record); err != nil {
		o.log.Error("Failed to persist session record", "session_id", record.SessionID, "error", err)
	}
}
