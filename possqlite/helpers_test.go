package possqlite

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-possync/internal/synctest"
)

const testBranch = "b1"

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// testClock starts at the real current time so signed requests stay inside the server skew window.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock { return &testClock{t: time.Now().UTC()} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestClient(t *testing.T, baseURL string, tune ...func(*Config)) (*Client, *testClock) {
	t.Helper()
	clock := newTestClock()
	cfg := DefaultConfig()
	cfg.Now = clock.Now
	for _, fn := range tune {
		fn(cfg)
	}
	client, err := Open(context.Background(), ":memory:", baseURL, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client, clock
}

func newServer(t *testing.T) *synctest.Server {
	t.Helper()
	srv := synctest.New()
	t.Cleanup(srv.Close)
	return srv
}

// registeredClient returns a client already registered with srv for testBranch.
func registeredClient(t *testing.T, srv *synctest.Server, tune ...func(*Config)) (*Client, *testClock) {
	t.Helper()
	client, clock := newTestClient(t, srv.URL, tune...)
	_, err := client.EnsureRegistered(context.Background(), testBranch)
	require.NoError(t, err)
	return client, clock
}

// twoItemSale totals 500: 2×150 + 1×200.
func twoItemSale() SalePayload {
	return SalePayload{
		Items: []SaleItem{
			{ProductUID: "p-coffee", Name: "Coffee", Qty: 2, UnitPrice: 150},
			{ProductUID: "p-cake", Name: "Cake", Qty: 1, UnitPrice: 200},
		},
		PaymentMethod: "cash",
	}
}

func oneItemSale(product string, qty float64) SalePayload {
	return SalePayload{Items: []SaleItem{{ProductUID: product, Qty: qty, UnitPrice: 10}}}
}

func outboxStatus(t *testing.T, c *Client, eventID string) (status string, attempts int, next time.Time) {
	t.Helper()
	ev, err := c.GetOutboxEvent(context.Background(), eventID)
	require.NoError(t, err)
	return ev.Status, ev.Attempts, ev.NextAttemptAt
}

func onlyEvent(t *testing.T, c *Client) OutboxEvent {
	t.Helper()
	events, err := c.ListOutbox(context.Background(), testBranch)
	require.NoError(t, err)
	require.Len(t, events, 1)
	return events[0]
}
