package chat

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	ws "github.com/gorilla/websocket"

	"threadlane/pkg/channel/websocket"
)

// Client is a WebSocket connection to a gateway conversation.
type Client struct {
	conn           *ws.Conn
	conversationID string
	frames         chan websocket.Frame

	writeMu sync.Mutex
	errMu   sync.Mutex
	readErr error
}

// Dial connects to the gateway WebSocket endpoint at baseURL (ws:// or http:// form) and
// joins conversationID.
func Dial(ctx context.Context, baseURL, conversationID, author string) (*Client, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, errors.New("conversation id is required")
	}

	endpoint, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("parse gateway url: %w", err)
	}
	switch endpoint.Scheme {
	case "http":
		endpoint.Scheme = "ws"
	case "https":
		endpoint.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported gateway url scheme %q", endpoint.Scheme)
	}
	query := endpoint.Query()
	query.Set("conversation_id", conversationID)
	if author = strings.TrimSpace(author); author != "" {
		query.Set("author", author)
	}
	endpoint.RawQuery = query.Encode()

	conn, _, err := ws.DefaultDialer.DialContext(ctx, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("connect to gateway: %w", err)
	}

	c := &Client{
		conn:           conn,
		conversationID: conversationID,
		frames:         make(chan websocket.Frame, 64),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.frames)
	for {
		var frame websocket.Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			c.errMu.Lock()
			c.readErr = err
			c.errMu.Unlock()
			return
		}
		c.frames <- frame
	}
}

// Frames yields server frames until the connection ends.
func (c *Client) Frames() <-chan websocket.Frame {
	return c.frames
}

// Err returns the error that ended the read loop.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.readErr
}

func (c *Client) ConversationID() string {
	return c.conversationID
}

// Send posts one user message.
func (c *Client) Send(content string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(websocket.Frame{Type: websocket.FrameMessage, Content: content})
}

func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteMessage(ws.CloseMessage, ws.FormatCloseMessage(ws.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.conn.Close()
}
