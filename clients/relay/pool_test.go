package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"nutwallet/eventlog"
)

type relaySub struct {
	conn   *websocket.Conn
	id     string
	filter eventlog.Filter
}

// fakeRelay is a minimal NIP-01 relay.
type fakeRelay struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	events   []eventlog.Event
	subs     []relaySub
	reject   string
	silent   bool
	received int
	conns    []*websocket.Conn
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	r := &fakeRelay{t: t}
	r.srv = httptest.NewServer(http.HandlerFunc(r.serve))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *fakeRelay) url() string { return "ws" + strings.TrimPrefix(r.srv.URL, "http") }

func (r *fakeRelay) store(events ...eventlog.Event) {
	r.mu.Lock()
	r.events = append(r.events, events...)
	r.mu.Unlock()
}

func (r *fakeRelay) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.received
}

// drop severs every open connection.
func (r *fakeRelay) drop() {
	r.mu.Lock()
	conns := r.conns
	r.conns = nil
	r.subs = nil
	r.mu.Unlock()
	for _, c := range conns {
		_ = c.Close(websocket.StatusGoingAway, "restart")
	}
}

func (r *fakeRelay) serve(w http.ResponseWriter, req *http.Request) {
	conn, err := websocket.Accept(w, req, nil)
	if err != nil {
		return
	}
	r.mu.Lock()
	r.conns = append(r.conns, conn)
	r.mu.Unlock()
	ctx := req.Context()
	var writeMu sync.Mutex
	write := func(c *websocket.Conn, frame ...any) {
		data, _ := json.Marshal(frame)
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = c.Write(ctx, websocket.MessageText, data)
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var frame []json.RawMessage
		if json.Unmarshal(data, &frame) != nil || len(frame) < 2 {
			continue
		}
		var label string
		_ = json.Unmarshal(frame[0], &label)
		switch label {
		case "EVENT":
			var ev eventlog.Event
			_ = json.Unmarshal(frame[1], &ev)
			r.mu.Lock()
			r.received++
			reject := r.reject
			var live []relaySub
			if reject == "" {
				r.events = append(r.events, ev)
				for _, s := range r.subs {
					if s.filter.Matches(ev) {
						live = append(live, s)
					}
				}
			}
			r.mu.Unlock()
			if reject != "" {
				write(conn, "OK", ev.ID, false, reject)
				continue
			}
			write(conn, "OK", ev.ID, true, "")
			for _, s := range live {
				write(s.conn, "EVENT", s.id, ev)
			}
		case "REQ":
			var id string
			var filter eventlog.Filter
			_ = json.Unmarshal(frame[1], &id)
			_ = json.Unmarshal(frame[2], &filter)
			r.mu.Lock()
			silent := r.silent
			var stored []eventlog.Event
			for _, ev := range r.events {
				if filter.Matches(ev) {
					stored = append(stored, ev)
				}
			}
			r.subs = append(r.subs, relaySub{conn: conn, id: id, filter: filter})
			r.mu.Unlock()
			if silent {
				continue
			}
			for _, ev := range stored {
				write(conn, "EVENT", id, ev)
			}
			write(conn, "EOSE", id)
		case "CLOSE":
			var id string
			_ = json.Unmarshal(frame[1], &id)
			r.mu.Lock()
			kept := r.subs[:0]
			for _, s := range r.subs {
				if s.conn != conn || s.id != id {
					kept = append(kept, s)
				}
			}
			r.subs = kept
			r.mu.Unlock()
		}
	}
}

func event(t *testing.T, kind int, createdAt int64, content string) eventlog.Event {
	t.Helper()
	ev := eventlog.Event{PubKey: strings.Repeat("ab", 32), CreatedAt: createdAt, Kind: kind, Content: content}
	id, err := ev.ComputeID()
	require.NoError(t, err)
	ev.ID = id
	ev.Sig = strings.Repeat("00", 64)
	return ev
}

func newPool(t *testing.T, relays ...*fakeRelay) *Pool {
	t.Helper()
	urls := make([]string, 0, len(relays))
	for _, r := range relays {
		urls = append(urls, r.url())
	}
	p, err := New(Config{Relays: urls, PublishTimeout: 2 * time.Second, FetchTimeout: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestNewValidatesRelayURLs(t *testing.T) {
	_, err := New(Config{})
	require.ErrorIs(t, err, ErrNoRelays)
	_, err = New(Config{Relays: []string{"https://relay.example.com"}})
	require.Error(t, err)

	p, err := New(Config{Relays: []string{"wss://Relay.Example.com/", "wss://relay.example.com"}})
	require.NoError(t, err)
	require.Equal(t, []string{"wss://relay.example.com"}, p.Relays())
}

func TestPublishSucceedsOnFirstAcceptance(t *testing.T) {
	good, picky := newFakeRelay(t), newFakeRelay(t)
	picky.reject = "blocked: not on allow list"
	p := newPool(t, picky, good)

	ev := event(t, eventlog.KindToken, 100, "payload")
	id, err := p.Publish(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, ev.ID, id)
	require.Eventually(t, func() bool { return picky.count() == 1 && good.count() == 1 }, time.Second, 5*time.Millisecond)
	good.mu.Lock()
	require.Len(t, good.events, 1)
	good.mu.Unlock()
}

func TestPublishFailsWhenEveryRelayRejects(t *testing.T) {
	a, b := newFakeRelay(t), newFakeRelay(t)
	a.reject = "blocked: spam"
	b.reject = "invalid: bad signature"
	p := newPool(t, a, b)

	_, err := p.Publish(context.Background(), event(t, eventlog.KindToken, 100, "payload"))
	require.ErrorIs(t, err, ErrRejected)
	require.Contains(t, err.Error(), "bad signature")
}

func TestPublishToleratesUnreachableRelay(t *testing.T) {
	good := newFakeRelay(t)
	dead := newFakeRelay(t)
	dead.srv.Close()
	p := newPool(t, dead, good)

	_, err := p.Publish(context.Background(), event(t, eventlog.KindToken, 100, "payload"))
	require.NoError(t, err)
}

func TestPublishRequiresID(t *testing.T) {
	p := newPool(t, newFakeRelay(t))
	_, err := p.Publish(context.Background(), eventlog.Event{Kind: 1})
	require.True(t, errors.Is(err, eventlog.ErrInvalidEvent))
}

func TestFetchMergesRelaysNewestFirst(t *testing.T) {
	a, b := newFakeRelay(t), newFakeRelay(t)
	old := event(t, eventlog.KindToken, 100, "old")
	shared := event(t, eventlog.KindToken, 200, "shared")
	newest := event(t, eventlog.KindToken, 300, "newest")
	other := event(t, eventlog.KindDeletion, 400, "")
	a.store(old, shared)
	b.store(shared, newest, other)
	p := newPool(t, a, b)

	events, err := p.Fetch(context.Background(), eventlog.Filter{Kinds: []int{eventlog.KindToken}}, 0)
	require.NoError(t, err)
	require.Equal(t, []eventlog.Event{newest, shared, old}, events)

	limited, err := p.Fetch(context.Background(), eventlog.Filter{Kinds: []int{eventlog.KindToken}, Limit: 1}, 0)
	require.NoError(t, err)
	require.Equal(t, []eventlog.Event{newest}, limited)
}

func TestFetchReturnsPartialResultsOnTimeout(t *testing.T) {
	fast, slow := newFakeRelay(t), newFakeRelay(t)
	slow.silent = true
	ev := event(t, eventlog.KindToken, 100, "x")
	fast.store(ev)
	p := newPool(t, fast, slow)

	start := time.Now()
	events, err := p.Fetch(context.Background(), eventlog.Filter{Kinds: []int{eventlog.KindToken}}, 200*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, []eventlog.Event{ev}, events)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestFetchFailsWhenNoRelayAnswers(t *testing.T) {
	dead := newFakeRelay(t)
	dead.srv.Close()
	p := newPool(t, dead)
	_, err := p.Fetch(context.Background(), eventlog.Filter{}, 200*time.Millisecond)
	require.Error(t, err)
}

func TestSubscribeStreamsLiveEventsOnce(t *testing.T) {
	a, b := newFakeRelay(t), newFakeRelay(t)
	p := newPool(t, a, b)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, stop, err := p.Subscribe(ctx, eventlog.Filter{Kinds: []int{eventlog.KindDirectMessage}})
	require.NoError(t, err)
	// Wait until both relays registered the subscription.
	require.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(a.subs) == 1 && len(b.subs) == 1
	}, time.Second, 5*time.Millisecond)

	dm := event(t, eventlog.KindDirectMessage, 500, "hello")
	ignored := event(t, eventlog.KindToken, 500, "ignored")
	publisher := newPool(t, a, b)
	_, err = publisher.Publish(context.Background(), ignored)
	require.NoError(t, err)
	_, err = publisher.Publish(context.Background(), dm)
	require.NoError(t, err)

	select {
	case got := <-stream:
		require.Equal(t, dm, got)
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
	stop()
	for range stream {
		t.Fatal("duplicate delivered")
	}
}

func TestPoolRedialsAfterDisconnect(t *testing.T) {
	r := newFakeRelay(t)
	p := newPool(t, r)
	_, err := p.Publish(context.Background(), event(t, eventlog.KindToken, 1, "a"))
	require.NoError(t, err)

	r.drop()
	next := event(t, eventlog.KindToken, 2, "b")
	require.Eventually(t, func() bool {
		_, err := p.Publish(context.Background(), next)
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
	require.GreaterOrEqual(t, r.count(), 2)
}

func TestClosedPoolRefusesWork(t *testing.T) {
	p := newPool(t, newFakeRelay(t))
	require.NoError(t, p.Close())
	_, err := p.Publish(context.Background(), event(t, eventlog.KindToken, 1, "a"))
	require.ErrorIs(t, err, ErrPoolClosed)
}
