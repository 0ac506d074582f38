package vision

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"trade-sniper/internal/domain"
)

type nopLog struct{}

func (nopLog) Info(string, ...interface{})  {}
func (nopLog) Error(string, ...interface{}) {}
func (nopLog) Debug(string, ...interface{}) {}
func (nopLog) Warn(string, ...interface{})  {}
func (nopLog) Fatal(string, ...interface{}) {}

// testHarness wires a client to in-memory pipes standing in for the
// subprocess stdio. requests() yields each decoded request line the client
// wrote; respond() writes a service line back.
type testHarness struct {
	client *Client

	stdinReader *io.PipeReader
	stdout      *io.PipeWriter

	mu    sync.Mutex
	lines []map[string]interface{}
}

func newHarness() *testHarness {
	stdinReader, stdinWriter := io.Pipe()
	stdoutReader, stdoutWriter := io.Pipe()

	c := NewClient("natural", nopLog{})
	c.stdin = stdinWriter
	go c.readLoop(stdoutReader)

	h := &testHarness{
		client:      c,
		stdinReader: stdinReader,
		stdout:      stdoutWriter,
	}
	go h.collect()
	return h
}

func (h *testHarness) collect() {
	scanner := bufio.NewScanner(h.stdinReader)
	for scanner.Scan() {
		var req map[string]interface{}
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		h.mu.Lock()
		h.lines = append(h.lines, req)
		h.mu.Unlock()
	}
}

func (h *testHarness) waitForRequest(t *testing.T, index int) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		if len(h.lines) > index {
			req := h.lines[index]
			h.mu.Unlock()
			return req
		}
		h.mu.Unlock()
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("request %d never arrived", index)
	return nil
}

func (h *testHarness) respond(t *testing.T, payload map[string]interface{}) {
	t.Helper()
	line, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	if _, err := h.stdout.Write(append(line, '\n')); err != nil {
		t.Fatalf("write response: %v", err)
	}
}

func (h *testHarness) close() {
	h.client.Close()
	h.stdout.Close()
	h.stdinReader.Close()
}

// ── request / response correlation ─────────────────────────────────────────

func TestRequest_ResponsesMatchedByID_OutOfOrder(t *testing.T) {
	h := newHarness()
	defer h.close()

	type outcome struct {
		x   int
		err error
	}
	results := make(chan outcome, 2)
	for _, x := range []int{10, 20} {
		go func(x int) {
			err := h.client.MoveCursor(context.Background(), x, 0)
			results <- outcome{x: x, err: err}
		}(x)
	}

	first := h.waitForRequest(t, 0)
	second := h.waitForRequest(t, 1)

	// Answer in reverse order; ids must still route each response to its
	// own caller.
	h.respond(t, map[string]interface{}{"request_id": second["request_id"], "success": true})
	h.respond(t, map[string]interface{}{"request_id": first["request_id"], "success": true})

	for i := 0; i < 2; i++ {
		select {
		case got := <-results:
			if got.err != nil {
				t.Errorf("MoveCursor(%d) returned error: %v", got.x, got.err)
			}
		case <-time.After(time.Second):
			t.Fatal("caller never unblocked")
		}
	}

	if first["request_id"] == second["request_id"] {
		t.Error("two requests shared a request_id")
	}
}

func TestDetect_ParsesResultItems(t *testing.T) {
	h := newHarness()
	defer h.close()

	type detectOut struct {
		result *domain.DetectionResult
		err    error
	}
	done := make(chan detectOut, 1)
	go func() {
		result, err := h.client.Detect(context.Background(), domain.RegionBounds{X: 5, Y: 6, Width: 100, Height: 80})
		done <- detectOut{result: result, err: err}
	}()

	req := h.waitForRequest(t, 0)
	if req["type"] != "detect" {
		t.Errorf("request type = %v, want detect", req["type"])
	}
	h.respond(t, map[string]interface{}{
		"request_id": req["request_id"],
		"success":    true,
		"items": []map[string]interface{}{
			{"item_type": "exalted_orb", "center_x": 12, "center_y": 34, "confidence": 0.88},
		},
	})

	out := <-done
	if out.err != nil {
		t.Fatalf("Detect returned error: %v", out.err)
	}
	if len(out.result.Items) != 1 || out.result.Items[0].ItemType != "exalted_orb" {
		t.Errorf("result = %+v, want one exalted_orb", out.result)
	}
}

func TestCommand_ServiceFailureSurfaced(t *testing.T) {
	h := newHarness()
	defer h.close()

	done := make(chan error, 1)
	go func() {
		done <- h.client.PressKey(context.Background(), "f5")
	}()

	req := h.waitForRequest(t, 0)
	if req["type"] != "press_key" || req["key"] != "f5" {
		t.Errorf("request = %v, want press_key f5", req)
	}
	h.respond(t, map[string]interface{}{
		"request_id": req["request_id"],
		"success":    false,
		"error":      "game window not found",
	})

	err := <-done
	if err == nil || !strings.Contains(err.Error(), "game window not found") {
		t.Errorf("error = %v, want service error surfaced", err)
	}
}

func TestStartContinuousDetection_SendsDetectorConfig(t *testing.T) {
	h := newHarness()
	defer h.close()

	done := make(chan error, 1)
	go func() {
		done <- h.client.StartContinuousDetection(context.Background(),
			domain.RegionBounds{X: 1, Y: 2, Width: 300, Height: 200}, 0.75)
	}()

	req := h.waitForRequest(t, 0)
	if req["type"] != "config" || req["startContinuousDetection"] != true {
		t.Errorf("request = %v, want a config command starting detection", req)
	}
	cfg, ok := req["config"].(map[string]interface{})
	if !ok {
		t.Fatalf("config payload missing: %v", req)
	}
	if cfg["confidence_threshold"] != 0.75 {
		t.Errorf("confidence_threshold = %v, want 0.75", cfg["confidence_threshold"])
	}
	if cfg["mouse_movement_type"] != "natural" {
		t.Errorf("mouse_movement_type = %v, want natural", cfg["mouse_movement_type"])
	}
	if _, ok := cfg["windowBounds"]; !ok {
		t.Error("windowBounds missing from detector config")
	}

	h.respond(t, map[string]interface{}{"request_id": req["request_id"], "success": true})
	if err := <-done; err != nil {
		t.Fatalf("StartContinuousDetection returned error: %v", err)
	}
}

func TestRequest_ContextDeadlineWhenServiceSilent(t *testing.T) {
	h := newHarness()
	defer h.close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := h.client.StopDetection(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want DeadlineExceeded", err)
	}

	// The response arriving after the caller gave up is dropped quietly.
	req := h.waitForRequest(t, 0)
	h.respond(t, map[string]interface{}{"request_id": req["request_id"], "success": true})
	time.Sleep(20 * time.Millisecond)
}

// ── continuous detection ───────────────────────────────────────────────────

func TestDetectionTicks_FanOutToHandler(t *testing.T) {
	h := newHarness()
	defer h.close()

	ticks := make(chan *domain.DetectionResult, 1)
	h.client.OnDetection(func(result *domain.DetectionResult) {
		ticks <- result
	})

	h.respond(t, map[string]interface{}{
		"success": true,
		"items": []map[string]interface{}{
			{"item_type": "divine_orb", "center_x": 42, "center_y": 17, "confidence": 0.91},
		},
	})

	select {
	case result := <-ticks:
		if !result.Success || len(result.Items) != 1 {
			t.Fatalf("tick = %+v, want one item", result)
		}
		item := result.Items[0]
		if item.ItemType != "divine_orb" || item.CenterX != 42 || item.CenterY != 17 {
			t.Errorf("item = %+v", item)
		}
	case <-time.After(time.Second):
		t.Fatal("detection tick never delivered")
	}
}

func TestClose_FailsInFlightRequests(t *testing.T) {
	h := newHarness()

	done := make(chan error, 1)
	go func() {
		done <- h.client.StopDetection(context.Background())
	}()
	h.waitForRequest(t, 0)

	h.client.Close()
	h.stdout.Close()

	select {
	case err := <-done:
		if err == nil {
			t.Error("in-flight request succeeded across Close")
		}
	case <-time.After(time.Second):
		t.Fatal("in-flight request hung after Close")
	}

	if err := h.client.MoveCursor(context.Background(), 1, 1); err == nil {
		t.Error("request accepted after Close")
	}
}
