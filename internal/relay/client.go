package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/petervdpas/parley/internal/proto"
	"github.com/petervdpas/parley/internal/util"
)

var (
	ErrClosed  = errors.New("relay connection closed")
	ErrTimeout = errors.New("relay request timed out")
)

// RemoteError is an error frame answering a request.
type RemoteError struct {
	Event   string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("relay rejected %s: %s", e.Event, e.Message)
}

// Client is one peer's connection to the relay. Event handlers run on the
// read loop in arrival order; a handler that needs to block (or to issue a
// Request) must hand off to its own goroutine.
type Client struct {
	ws      *websocket.Conn
	send    chan []byte
	done    chan struct{}
	timeout time.Duration

	closeOnce sync.Once

	mu       sync.Mutex
	pending  map[string]chan proto.Frame
	handlers map[string]map[uint64]func(proto.Frame)
	nextSub  uint64
	err      error
}

// Dial connects to a relay websocket URL such as ws://host:port/ws.
func Dial(ctx context.Context, url string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = util.RequestTimeout
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: util.DefaultConnectTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", url, err)
	}
	c := &Client{
		ws:       ws,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		timeout:  timeout,
		pending:  make(map[string]chan proto.Frame),
		handlers: make(map[string]map[uint64]func(proto.Frame)),
	}
	ws.SetReadLimit(maxFrameSize)
	go c.readLoop()
	go c.writeLoop()
	return c, nil
}

// Done is closed when the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the connection closed, or nil while it is open.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Connected reports whether the connection is still open.
func (c *Client) Connected() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *Client) Close() error {
	c.shutdown(ErrClosed)
	return nil
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		pending := c.pending
		c.pending = make(map[string]chan proto.Frame)
		c.mu.Unlock()

		close(c.done)
		_ = c.ws.Close()
		for _, ch := range pending {
			close(ch)
		}
	})
}

// On registers fn for an event and returns a cancel func.
func (c *Client) On(event string, fn func(proto.Frame)) (cancel func()) {
	c.mu.Lock()
	c.nextSub++
	id := c.nextSub
	subs, ok := c.handlers[event]
	if !ok {
		subs = make(map[uint64]func(proto.Frame))
		c.handlers[event] = subs
	}
	subs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.handlers[event], id)
		c.mu.Unlock()
	}
}

// Emit sends an event without waiting for an answer.
func (c *Client) Emit(event string, payload any) error {
	b, err := encode(event, "", payload)
	if err != nil {
		return err
	}
	return c.write(b)
}

// Request sends an event with a fresh id and waits for the frame answering
// it. An error frame is returned as *RemoteError.
func (c *Client) Request(ctx context.Context, event string, payload any) (proto.Frame, error) {
	id := uuid.NewString()
	b, err := encode(event, id, payload)
	if err != nil {
		return proto.Frame{}, err
	}

	ch := make(chan proto.Frame, 1)
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return proto.Frame{}, ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(b); err != nil {
		return proto.Frame{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	select {
	case f, ok := <-ch:
		if !ok {
			return proto.Frame{}, ErrClosed
		}
		if f.Event == proto.EventError {
			var p proto.ErrorPayload
			_ = json.Unmarshal(f.Data, &p)
			return proto.Frame{}, &RemoteError{Event: event, Message: p.Message}
		}
		return f, nil
	case <-ctx.Done():
		return proto.Frame{}, fmt.Errorf("%s: %w", event, ErrTimeout)
	}
}

func (c *Client) write(b []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- b:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

func (c *Client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case b := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				c.shutdown(fmt.Errorf("relay write: %w", err))
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.shutdown(fmt.Errorf("relay ping: %w", err))
				return
			}
		}
	}
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown(fmt.Errorf("relay read: %w", err))
			return
		}
		var f proto.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Warnf("RELAY: malformed frame from relay: %v", err)
			continue
		}
		c.deliver(f)
	}
}

func (c *Client) deliver(f proto.Frame) {
	c.mu.Lock()
	if f.ID != "" {
		if ch, ok := c.pending[f.ID]; ok {
			delete(c.pending, f.ID)
			c.mu.Unlock()
			ch <- f
			return
		}
	}
	subs := make([]func(proto.Frame), 0, len(c.handlers[f.Event]))
	for _, fn := range c.handlers[f.Event] {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	if f.Event == proto.EventError && len(subs) == 0 {
		var p proto.ErrorPayload
		_ = json.Unmarshal(f.Data, &p)
		log.Warnf("RELAY: error from relay: %s", p.Message)
		return
	}
	for _, fn := range subs {
		fn(f)
	}
}

// ── Typed helpers ─────────────────────────────────────────────────────────────

// Join joins as userID and waits for the relay to accept it.
func (c *Client) Join(userID string) error {
	_, err := c.Resume(context.Background(), userID)
	return err
}

// Resume joins as userID and returns the status the relay resumed for it.
func (c *Client) Resume(ctx context.Context, userID string) (string, error) {
	f, err := c.Request(ctx, proto.EventJoin, proto.JoinPayload{UserID: userID})
	if err != nil {
		return "", err
	}
	var res proto.JoinResult
	if err := f.Decode(&res); err != nil {
		return "", err
	}
	return res.Status, nil
}

func (c *Client) Heartbeat() error {
	return c.Emit(proto.EventHeartbeat, nil)
}

func (c *Client) SetStatus(status string) error {
	return c.Emit(proto.EventSetStatus, proto.SetStatusPayload{Status: status})
}

func (c *Client) RegisterPeer(userID, relayAddr string) error {
	return c.Emit(proto.EventRegisterPeer, proto.RegisterPeerPayload{UserID: userID, RelayAddr: relayAddr})
}

// LookupAddr asks the relay for a user's relay address. ok is false when the
// user has none.
func (c *Client) LookupAddr(ctx context.Context, userID string) (addr string, ok bool, err error) {
	f, err := c.Request(ctx, proto.EventGetPeerID, proto.GetPeerIDPayload{UserID: userID})
	if err != nil {
		return "", false, err
	}
	var res proto.PeerIDResult
	if len(f.Data) > 0 {
		if err := json.Unmarshal(f.Data, &res); err != nil {
			return "", false, fmt.Errorf("decode get_peer_id: %w", err)
		}
	}
	if res.RelayAddr == nil || *res.RelayAddr == "" {
		return "", false, nil
	}
	return *res.RelayAddr, true, nil
}

func (c *Client) RecordCallEvent(ev proto.CallEventPayload) error {
	return c.Emit(proto.EventRegisterCallEvent, ev)
}

func (c *Client) SendTermination(toUserID string) error {
	return c.Emit(proto.EventCallTermination, proto.CallTerminationPayload{ToUserID: toUserID})
}

func (c *Client) SendMuteChange(toUserID string, muted bool) error {
	return c.Emit(proto.EventCallMuteChange, proto.MuteChangePayload{ToUserID: toUserID, IsMuted: muted})
}

func (c *Client) SendScreenShareChange(toUserID string, sharing bool) error {
	return c.Emit(proto.EventCallScreenShareChange, proto.ScreenShareChangePayload{ToUserID: toUserID, IsSharing: sharing})
}

func (c *Client) JoinGroupRoom(groupID string) error {
	return c.Emit(proto.EventJoinGroupRoom, proto.GroupRoomPayload{GroupID: groupID})
}

func (c *Client) GroupInit(groupID, fromUserID string) error {
	return c.Emit(proto.EventGroupCallInit, proto.GroupCallInitPayload{GroupID: groupID, FromUserID: fromUserID})
}

func (c *Client) GroupAnnounce(p proto.GroupCallPeerIDPayload) error {
	return c.Emit(proto.EventGroupCallPeerID, p)
}

func (c *Client) GroupLeave(groupID, userID string) error {
	return c.Emit(proto.EventGroupCallLeave, proto.GroupCallLeavePayload{GroupID: groupID, UserID: userID})
}

// SendSignal forwards an opaque link negotiation message to a relay address.
func (c *Client) SendSignal(to string, data json.RawMessage) error {
	return c.Emit(proto.EventLinkSignal, proto.LinkSignalPayload{To: to, Data: data})
}
