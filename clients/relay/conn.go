package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"nutwallet/eventlog"
)

const (
	writeTimeout = 10 * time.Second
	readLimit    = 4 << 20
)

// errConnClosed is returned for operations on a connection whose read loop
// has ended.
var errConnClosed = errors.New("relay: connection closed")

type okResult struct {
	accepted bool
	message  string
}

type subscription struct {
	id     string
	events chan eventlog.Event
	eose   chan struct{}
	closed chan struct{}

	eoseOnce  sync.Once
	closeOnce sync.Once
	reason    string
}

func newSubscription(id string) *subscription {
	return &subscription{
		id:     id,
		events: make(chan eventlog.Event, 64),
		eose:   make(chan struct{}),
		closed: make(chan struct{}),
	}
}

func (s *subscription) markEOSE() { s.eoseOnce.Do(func() { close(s.eose) }) }

func (s *subscription) shut(reason string) {
	s.closeOnce.Do(func() {
		s.reason = reason
		close(s.closed)
	})
}

// conn is one websocket session with a relay speaking NIP-01.
type conn struct {
	url    string
	ws     *websocket.Conn
	logger *slog.Logger

	mu   sync.Mutex
	err  error
	oks  map[string]chan okResult
	subs map[string]*subscription
	done chan struct{}
}

func dial(ctx context.Context, url string, timeout time.Duration, logger *slog.Logger) (*conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ws, _, err := websocket.Dial(dialCtx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	ws.SetReadLimit(readLimit)
	c := &conn{
		url:    url,
		ws:     ws,
		logger: logger,
		oks:    make(map[string]chan okResult),
		subs:   make(map[string]*subscription),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *conn) alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *conn) readLoop() {
	for {
		_, data, err := c.ws.Read(context.Background())
		if err != nil {
			c.fail(err)
			return
		}
		c.dispatch(data)
	}
}

func (c *conn) dispatch(data []byte) {
	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil || len(frame) < 2 {
		c.logger.Debug("relay sent malformed frame", slog.String("relay", c.url))
		return
	}
	var label string
	if err := json.Unmarshal(frame[0], &label); err != nil {
		return
	}
	switch label {
	case "OK":
		var id, message string
		var accepted bool
		if len(frame) < 3 || json.Unmarshal(frame[1], &id) != nil || json.Unmarshal(frame[2], &accepted) != nil {
			return
		}
		if len(frame) > 3 {
			_ = json.Unmarshal(frame[3], &message)
		}
		c.mu.Lock()
		ch, ok := c.oks[id]
		delete(c.oks, id)
		c.mu.Unlock()
		if ok {
			ch <- okResult{accepted: accepted, message: message}
		}
	case "EVENT":
		var subID string
		var ev eventlog.Event
		if len(frame) < 3 || json.Unmarshal(frame[1], &subID) != nil || json.Unmarshal(frame[2], &ev) != nil {
			return
		}
		sub := c.subscription(subID)
		if sub == nil {
			return
		}
		select {
		case sub.events <- ev:
		case <-sub.closed:
		case <-c.done:
		}
	case "EOSE":
		var subID string
		if json.Unmarshal(frame[1], &subID) != nil {
			return
		}
		if sub := c.subscription(subID); sub != nil {
			sub.markEOSE()
		}
	case "CLOSED":
		var subID, message string
		if json.Unmarshal(frame[1], &subID) != nil {
			return
		}
		if len(frame) > 2 {
			_ = json.Unmarshal(frame[2], &message)
		}
		c.mu.Lock()
		sub := c.subs[subID]
		delete(c.subs, subID)
		c.mu.Unlock()
		if sub != nil {
			sub.shut(message)
		}
	case "NOTICE":
		var message string
		_ = json.Unmarshal(frame[1], &message)
		c.logger.Info("relay notice", slog.String("relay", c.url), slog.String("message", message))
	}
}

func (c *conn) subscription(id string) *subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[id]
}

func (c *conn) fail(err error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = err
	close(c.done)
	subs := c.subs
	c.subs = make(map[string]*subscription)
	c.oks = make(map[string]chan okResult)
	c.mu.Unlock()
	for _, sub := range subs {
		sub.shut("connection lost")
	}
	// Close waits for the peer's close frame; never block the caller on it.
	go func() { _ = c.ws.Close(websocket.StatusNormalClosure, "") }()
}

func (c *conn) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		return errConnClosed
	}
	return fmt.Errorf("%w: %v", errConnClosed, c.err)
}

func (c *conn) send(ctx context.Context, frame ...any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.ws.Write(writeCtx, websocket.MessageText, data)
}

func (c *conn) publish(ctx context.Context, ev eventlog.Event) (okResult, error) {
	ch := make(chan okResult, 1)
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return okResult{}, c.closeErr()
	}
	c.oks[ev.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.oks, ev.ID)
		c.mu.Unlock()
	}()

	if err := c.send(ctx, "EVENT", ev); err != nil {
		return okResult{}, err
	}
	select {
	case res := <-ch:
		return res, nil
	case <-c.done:
		return okResult{}, c.closeErr()
	case <-ctx.Done():
		return okResult{}, ctx.Err()
	}
}

func (c *conn) req(ctx context.Context, id string, filter eventlog.Filter) (*subscription, error) {
	sub := newSubscription(id)
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return nil, c.closeErr()
	}
	c.subs[id] = sub
	c.mu.Unlock()
	if err := c.send(ctx, "REQ", id, filter); err != nil {
		c.unsubscribe(id)
		return nil, err
	}
	return sub, nil
}

func (c *conn) unsubscribe(id string) {
	c.mu.Lock()
	sub := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if sub == nil {
		return
	}
	sub.shut("closed")
	if c.alive() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = c.send(ctx, "CLOSE", id)
	}
}

func (c *conn) close() {
	c.fail(errConnClosed)
}
