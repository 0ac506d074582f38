package vision

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"trade-sniper/internal/domain"
	"trade-sniper/pkg/logger"
	"trade-sniper/pkg/utils"
)

// Client drives the external vision/input service over its line-delimited
// JSON stdio protocol. Every request carries a caller-generated request_id
// that the service echoes back, so responses are correlated even with
// several requests in flight. Lines without a request_id are continuous
// detection results and fan out to the registered detection handler.
type Client struct {
	cmd           *exec.Cmd
	stdin         io.WriteCloser
	mouseMovement string

	writeMu sync.Mutex

	mu          sync.Mutex
	pending     map[string]chan json.RawMessage
	onDetection func(*domain.DetectionResult)
	closed      bool

	log logger.Logger
}

func NewClient(mouseMovement string, log logger.Logger) *Client {
	return &Client{
		mouseMovement: mouseMovement,
		pending:       make(map[string]chan json.RawMessage),
		log:           log,
	}
}

// Start launches the service subprocess and begins routing its output.
func (c *Client) Start(command string, args ...string) error {
	cmd := exec.Command(command, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}

	if err := cmd.Start(); err != nil {
		return err
	}

	c.cmd = cmd
	c.stdin = stdin
	go c.readLoop(stdout)

	c.log.Info("Vision service started", "command", command)
	return nil
}

// Close terminates the subprocess. In-flight requests fail with a closed
// pipe error rather than hanging.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if c.stdin != nil {
		c.stdin.Close()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		c.cmd.Process.Kill()
		return c.cmd.Wait()
	}
	return nil
}

// OnDetection registers the handler for unsolicited continuous detection
// results. The handler runs on the client's read goroutine.
func (c *Client) OnDetection(handler func(*domain.DetectionResult)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDetection = handler
}

func (c *Client) Detect(ctx context.Context, region domain.RegionBounds) (*domain.DetectionResult, error) {
	raw, err := c.request(ctx, map[string]interface{}{
		"type":         "detect",
		"windowBounds": region,
	})
	if err != nil {
		return nil, err
	}

	var result domain.DetectionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode detection result: %w", err)
	}
	return &result, nil
}

func (c *Client) StartContinuousDetection(ctx context.Context, region domain.RegionBounds, confidenceThreshold float64) error {
	return c.command(ctx, map[string]interface{}{
		"type": "config",
		"config": map[string]interface{}{
			"windowBounds":         region,
			"confidence_threshold": confidenceThreshold,
			"mouse_movement_type":  c.mouseMovement,
		},
		"startContinuousDetection": true,
	})
}

func (c *Client) StopDetection(ctx context.Context) error {
	return c.command(ctx, map[string]interface{}{
		"type": "stop_detection",
	})
}

func (c *Client) MoveCursor(ctx context.Context, x, y int) error {
	return c.command(ctx, map[string]interface{}{
		"type": "move_mouse",
		"x":    x,
		"y":    y,
	})
}

func (c *Client) Click(ctx context.Context, x, y int, modifiers []string) error {
	return c.command(ctx, map[string]interface{}{
		"type":      "click_mouse",
		"x":         x,
		"y":         y,
		"modifiers": modifiers,
	})
}

func (c *Client) PressKey(ctx context.Context, key string) error {
	return c.command(ctx, map[string]interface{}{
		"type": "press_key",
		"key":  key,
	})
}

// command sends a request whose response only matters for its success flag.
func (c *Client) command(ctx context.Context, payload map[string]interface{}) error {
	raw, err := c.request(ctx, payload)
	if err != nil {
		return err
	}

	var resp struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("decode vision response: %w", err)
	}
	if !resp.Success {
		msg := resp.Error
		if msg == "" {
			msg = resp.Message
		}
		return fmt.Errorf("vision service: %s", msg)
	}
	return nil
}

var errClientClosed = errors.New("vision service closed")

func (c *Client) request(ctx context.Context, payload map[string]interface{}) (json.RawMessage, error) {
	id := utils.GenerateID("req")
	payload["request_id"] = id

	line, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	ch := make(chan json.RawMessage, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errClientClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	_, err = c.stdin.Write(append(line, '\n'))
	c.writeMu.Unlock()
	if err != nil {
		c.dropPending(id)
		return nil, err
	}

	select {
	case raw, ok := <-ch:
		if !ok {
			return nil, errClientClosed
		}
		return raw, nil
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	}
}

func (c *Client) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var envelope struct {
			RequestID string `json:"request_id"`
		}
		if err := json.Unmarshal(line, &envelope); err != nil {
			c.log.Debug("Ignoring unparseable vision output", "error", err)
			continue
		}

		raw := json.RawMessage(append([]byte(nil), line...))

		if envelope.RequestID != "" {
			c.mu.Lock()
			ch, ok := c.pending[envelope.RequestID]
			if ok {
				delete(c.pending, envelope.RequestID)
			}
			c.mu.Unlock()
			if ok {
				ch <- raw
			} else {
				// Response outlived its caller (timeout). Nothing to do.
				c.log.Debug("Dropping late vision response", "request_id", envelope.RequestID)
			}
			continue
		}

		// No request id: a continuous detection tick.
		var result domain.DetectionResult
		if err := json.Unmarshal(raw, &result); err != nil {
			c.log.Debug("Ignoring unparseable detection tick", "error", err)
			continue
		}

		c.mu.Lock()
		handler := c.onDetection
		c.mu.Unlock()
		if handler != nil {
			handler(&result)
		}
	}

	c.log.Info("Vision service output closed")
}
