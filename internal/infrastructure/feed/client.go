package feed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"trade-sniper/pkg/logger"
)

// Handler receives inbound feed activity. Callbacks run on the connection's
// read goroutine; implementations must not block.
type Handler interface {
	OnNewItems(searchID string, ids []string)
	OnPing(searchID string)
	OnClose(searchID string, code int, err error)
}

// Conn is one live-feed push connection.
type Conn struct {
	ws       *websocket.Conn
	searchID string
	log      logger.Logger
}

type feedFrame struct {
	New []string `json:"new"`
}

// Dial opens a push connection and starts its read loop. The handler's
// OnClose fires exactly once, whether the server closed the socket, the read
// failed, or Close was called locally.
func Dial(ctx context.Context, feedURL string, header http.Header, searchID string, h Handler, log logger.Logger) (*Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	ws, resp, err := dialer.DialContext(ctx, feedURL, header)
	if err != nil {
		if resp != nil {
			return nil, &HandshakeError{Status: resp.StatusCode, Err: err}
		}
		return nil, err
	}

	c := &Conn{ws: ws, searchID: searchID, log: log}

	ws.SetPingHandler(func(appData string) error {
		h.OnPing(searchID)
		// Answer within the write deadline or treat the socket as dead.
		err := ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
		if err != nil && err != websocket.ErrCloseSent {
			c.log.Warn("Failed to answer server ping", "search_id", searchID, "error", err)
		}
		return nil
	})

	go c.readLoop(h)
	return c, nil
}

func (c *Conn) readLoop(h Handler) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			h.OnClose(c.searchID, CloseCode(err), err)
			return
		}

		var frame feedFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.log.Debug("Ignoring unparseable feed frame", "search_id", c.searchID, "error", err)
			continue
		}
		if len(frame.New) > 0 {
			h.OnNewItems(c.searchID, frame.New)
		}
	}
}

// Close sends a close frame and tears down the socket. The read loop's
// OnClose callback still fires as the read fails.
func (c *Conn) Close() error {
	deadline := time.Now().Add(2 * time.Second)
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return c.ws.Close()
}

// HandshakeError is a dial rejection that carried an HTTP status, e.g. 401
// for a dead session or 404 for a deleted search.
type HandshakeError struct {
	Status int
	Err    error
}

func (e *HandshakeError) Error() string {
	return e.Err.Error()
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// CloseCode extracts the websocket close code from a read error, or 0 when
// the error was not a close frame (network drop, local close).
func CloseCode(err error) int {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code
	}
	return 0
}
