package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/duocall/internal/domain"
	"github.com/1ureka/duocall/internal/util"
)

const writeWait = 10 * time.Second

// ErrClientClosed is returned by Send after Close or after the read loop exits.
var ErrClientClosed = errors.New("signaling client closed")

// Client is a Channel backed by a WebSocket connection to a Relay.
type Client struct {
	Handlers

	conn *websocket.Conn
	user domain.UserID

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to the relay at rawURL (e.g. "ws://host:8080/ws") as user.
func Dial(ctx context.Context, rawURL string, user domain.UserID) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid relay URL: %w", err)
	}
	q := u.Query()
	q.Set("user", string(user))
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay: %w", err)
	}
	return &Client{conn: conn, user: user, done: make(chan struct{})}, nil
}

// User is the identity this client registered with.
func (c *Client) User() domain.UserID { return c.user }

// Send writes msg to the relay. An empty From is filled with this client's
// user; the relay overwrites it with the registered identity anyway.
func (c *Client) Send(ctx context.Context, msg Message) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if h := msg.Head(); h.From == "" {
		h.From = c.user
	}
	data, err := Encode(msg)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(writeWait)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s: %w", msg.Event(), err)
	}
	util.LogDebug("→ %s call=%s to=%s", msg.Event(), msg.Head().CallID, msg.Head().To)
	return nil
}

// Run reads frames and dispatches them to registered handlers until ctx is
// cancelled or the connection drops. Undecodable frames are logged and skipped.
func (c *Client) Run(ctx context.Context) error {
	defer c.Close()

	stop := context.AfterFunc(ctx, func() { _ = c.conn.Close() })
	defer stop()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			select {
			case <-c.done:
				return nil
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("relay connection lost: %w", err)
		}

		msg, err := Decode(data)
		if err != nil {
			util.LogWarning("Dropping signaling frame: %v", err)
			continue
		}
		util.LogDebug("← %s call=%s from=%s", msg.Event(), msg.Head().CallID, msg.Head().From)
		if !c.Dispatch(msg) {
			util.LogDebug("No handler for %s", msg.Event())
		}
	}
}

// Close sends a close frame and tears down the connection. Safe to call more
// than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// Done is closed once the client is closed.
func (c *Client) Done() <-chan struct{} { return c.done }
