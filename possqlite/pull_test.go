package possqlite

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-possync/internal/synctest"
	"github.com/mobiletoly/go-possync/possync"
)

var catalogTime = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func snapshot() possync.BootstrapResponse {
	return possync.BootstrapResponse{
		Snapshot: possync.Snapshot{
			CatalogProducts: []possync.CatalogProduct{
				{Ref: "p-coffee", Name: "Coffee", Price: 150, SectionRef: "drinks", UpdatedAt: catalogTime},
				{Ref: "p-cake", Name: "Cake", Price: 200, SectionRef: "food", UpdatedAt: catalogTime},
			},
			CatalogSections: []possync.CatalogSection{
				{Ref: "food", Name: "Food", Position: 2, UpdatedAt: catalogTime},
				{Ref: "drinks", Name: "Drinks", Position: 1, UpdatedAt: catalogTime},
			},
			OpenConflicts: []possync.ConflictRecord{
				{ConflictID: "C-7", AggregateType: "order", AggregateID: "o-remote", ResolutionState: "open"},
			},
		},
		Cursors: possync.Cursors{Catalog: "c1", Sections: "s1", Orders: "o1", Inventory: "i1", Conflicts: "x1"},
	}
}

func bootstrappedClient(t *testing.T, srv *synctest.Server) (*Client, *testClock) {
	t.Helper()
	srv.SetSnapshot(snapshot())
	client, clock := registeredClient(t, srv)
	ran, err := client.Bootstrap(context.Background(), testBranch)
	require.NoError(t, err)
	require.True(t, ran)
	return client, clock
}

func floatPtr(v float64) *float64 { return &v }

func TestBootstrap_AppliesSnapshotOnce(t *testing.T) {
	srv := newServer(t)
	client, _ := bootstrappedClient(t, srv)
	ctx := context.Background()

	done, err := client.BootstrapDone(ctx, testBranch)
	require.NoError(t, err)
	require.True(t, done)

	products, err := client.ListCatalogProducts(ctx, testBranch)
	require.NoError(t, err)
	require.Len(t, products, 2)
	require.Equal(t, "p-cake", products[0].Ref)
	require.Equal(t, "drinks", products[1].SectionRef)

	sections, err := client.ListCatalogSections(ctx, testBranch)
	require.NoError(t, err)
	require.Len(t, sections, 2)
	require.Equal(t, "drinks", sections[0].Ref)

	cf, err := client.GetConflict(ctx, "C-7")
	require.NoError(t, err)
	require.Equal(t, ConflictOpen, cf.ResolutionState)

	st, err := client.SyncState(ctx, testBranch)
	require.NoError(t, err)
	require.Equal(t, snapshot().Cursors, st.Cursors)
	require.NotNil(t, st.ServerTime)
	require.NotNil(t, st.LastPullAt)

	ran, err := client.Bootstrap(ctx, testBranch)
	require.NoError(t, err)
	require.False(t, ran)
	require.Equal(t, 1, srv.Calls(synctest.EndpointBootstrap))
}

func TestBootstrap_RequiresRegistration(t *testing.T) {
	client, _ := newTestClient(t, "http://unused")
	_, err := client.EnsureDeviceContext(context.Background(), testBranch)
	require.NoError(t, err)
	_, err = client.Bootstrap(context.Background(), testBranch)
	require.ErrorIs(t, err, ErrNotRegistered)
}

func TestPull_BeforeBootstrapFails(t *testing.T) {
	srv := newServer(t)
	client, _ := registeredClient(t, srv)
	_, err := client.Pull(context.Background(), testBranch)
	require.ErrorIs(t, err, ErrBootstrapPending)
	require.Zero(t, srv.Calls(synctest.EndpointPull))
}

func TestPull_SendsAndAdvancesCursors(t *testing.T) {
	srv := newServer(t)
	client, _ := bootstrappedClient(t, srv)
	ctx := context.Background()

	srv.QueuePull(possync.PullResponse{
		NextCursors: possync.Cursors{Catalog: "c2", Inventory: "i2"},
	})
	report, err := client.Pull(ctx, testBranch)
	require.NoError(t, err)
	require.Equal(t, 1, report.Pages)
	require.Equal(t, "c2", report.Cursors.Catalog)
	require.Equal(t, "s1", report.Cursors.Sections, "empty next cursor keeps the old one")
	require.Equal(t, "i2", report.Cursors.Inventory)

	_, err = client.Pull(ctx, testBranch)
	require.NoError(t, err)

	queries := srv.PullQueries()
	require.Len(t, queries, 2)
	require.Equal(t, testBranch, queries[0].Get("branch_id"))
	require.Equal(t, "500", queries[0].Get("limit"))
	require.Equal(t, "c1", queries[0].Get("cursor_catalog"))
	require.Equal(t, "c2", queries[1].Get("cursor_catalog"))
	require.Equal(t, "s1", queries[1].Get("cursor_sections"))
	require.Equal(t, "o1", queries[1].Get("cursor_orders"))
	require.Equal(t, "i2", queries[1].Get("cursor_inventory"))
	require.Equal(t, "x1", queries[1].Get("cursor_conflicts"))

	st, err := client.SyncState(ctx, testBranch)
	require.NoError(t, err)
	require.Equal(t, "c2", st.Cursors.Catalog)
}

func TestPull_CatalogOnlyMovesForward(t *testing.T) {
	srv := newServer(t)
	client, _ := bootstrappedClient(t, srv)
	ctx := context.Background()

	srv.QueuePull(
		possync.PullResponse{Deltas: possync.Deltas{CatalogProducts: []possync.CatalogProduct{
			// same version, newer, new row, stale
			{Ref: "p-coffee", Name: "Coffee", Price: 150, UpdatedAt: catalogTime},
			{Ref: "p-cake", Name: "Cake", Price: 180, UpdatedAt: catalogTime.Add(time.Hour)},
			{Ref: "p-tea", Name: "Tea", Price: 90, UpdatedAt: catalogTime.Add(-time.Hour)},
			{Ref: "p-coffee", Name: "Old coffee", Price: 99, UpdatedAt: catalogTime.Add(-time.Hour)},
		}}},
	)
	report, err := client.Pull(ctx, testBranch)
	require.NoError(t, err)
	require.Equal(t, 4, report.Received)
	require.Equal(t, 2, report.Applied)
	require.Equal(t, 2, report.Skipped)

	coffee, err := client.GetCatalogProduct(ctx, testBranch, "p-coffee")
	require.NoError(t, err)
	require.Equal(t, "Coffee", coffee.Name)
	require.Equal(t, 150.0, coffee.Price)

	cake, err := client.GetCatalogProduct(ctx, testBranch, "p-cake")
	require.NoError(t, err)
	require.Equal(t, 180.0, cake.Price)

	// Deletions are tombstones hidden from listings.
	srv.QueuePull(possync.PullResponse{Deltas: possync.Deltas{CatalogProducts: []possync.CatalogProduct{
		{Ref: "p-tea", Deleted: true, UpdatedAt: catalogTime.Add(2 * time.Hour)},
	}}})
	_, err = client.Pull(ctx, testBranch)
	require.NoError(t, err)
	products, err := client.ListCatalogProducts(ctx, testBranch)
	require.NoError(t, err)
	require.Len(t, products, 2)
	tea, err := client.GetCatalogProduct(ctx, testBranch, "p-tea")
	require.NoError(t, err)
	require.True(t, tea.Deleted)
}

func TestPull_InventoryVersions(t *testing.T) {
	srv := newServer(t)
	client, _ := bootstrappedClient(t, srv)
	ctx := context.Background()

	_, err := client.CommitSale(ctx, testBranch, oneItemSale("p-coffee", 2))
	require.NoError(t, err)

	srv.QueuePull(possync.PullResponse{Deltas: possync.Deltas{Inventory: []possync.InventoryDelta{
		{ProductUID: "p-coffee", Version: 3, DeltaQty: 0, BalanceAfter: floatPtr(40)},
		{ProductUID: "p-coffee", Version: 4, DeltaQty: -5},
		{ProductUID: "p-coffee", Version: 4, DeltaQty: -5},
		{ProductUID: "p-coffee", Version: 2, DeltaQty: 100},
	}}})
	report, err := client.Pull(ctx, testBranch)
	require.NoError(t, err)
	require.Equal(t, 2, report.Applied)
	require.Equal(t, 2, report.Skipped)

	coffee, err := client.Inventory(ctx, testBranch, "p-coffee")
	require.NoError(t, err)
	require.NotNil(t, coffee.AvailableQty)
	require.Equal(t, 35.0, *coffee.AvailableQty)
	require.EqualValues(t, 4, coffee.LastServerVersion)
	require.Equal(t, -2.0, coffee.PendingDeltaQty, "local reservation survives server updates")
	require.Equal(t, 33.0, *coffee.Effective())

	all, err := client.ListInventory(ctx, testBranch)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestPull_UnversionedInventoryDeltas(t *testing.T) {
	srv := newServer(t)
	client, _ := bootstrappedClient(t, srv)
	ctx := context.Background()

	// The local sale creates the coffee row at version 0.
	_, err := client.CommitSale(ctx, testBranch, oneItemSale("p-coffee", 2))
	require.NoError(t, err)

	srv.QueuePull(possync.PullResponse{Deltas: possync.Deltas{Inventory: []possync.InventoryDelta{
		{ProductUID: "p-coffee", BalanceAfter: floatPtr(40)},
		{ProductUID: "p-tea", BalanceAfter: floatPtr(10)},
		{ProductUID: "p-tea", DeltaQty: -3},
		{ProductUID: "p-cake", DeltaQty: -1},
	}}})
	report, err := client.Pull(ctx, testBranch)
	require.NoError(t, err)
	require.Equal(t, 4, report.Applied)
	require.Zero(t, report.Skipped)

	coffee, err := client.Inventory(ctx, testBranch, "p-coffee")
	require.NoError(t, err)
	require.NotNil(t, coffee.AvailableQty)
	require.Equal(t, 40.0, *coffee.AvailableQty)
	require.Equal(t, -2.0, coffee.PendingDeltaQty)
	require.Equal(t, 38.0, *coffee.Effective())

	tea, err := client.Inventory(ctx, testBranch, "p-tea")
	require.NoError(t, err)
	require.NotNil(t, tea.AvailableQty)
	require.Equal(t, 7.0, *tea.AvailableQty)
	require.Zero(t, tea.LastServerVersion)

	cake, err := client.Inventory(ctx, testBranch, "p-cake")
	require.NoError(t, err)
	require.Nil(t, cake.AvailableQty, "a bare delta does not invent a balance")

	srv.QueuePull(possync.PullResponse{Deltas: possync.Deltas{Inventory: []possync.InventoryDelta{
		{ProductUID: "p-cake", BalanceAfter: floatPtr(12)},
		{ProductUID: "p-cake", DeltaQty: -2},
	}}})
	_, err = client.Pull(ctx, testBranch)
	require.NoError(t, err)
	cake, err = client.Inventory(ctx, testBranch, "p-cake")
	require.NoError(t, err)
	require.NotNil(t, cake.AvailableQty)
	require.Equal(t, 10.0, *cake.AvailableQty)
}

func TestPull_OrdersFromOtherTerminalsAndServerStatus(t *testing.T) {
	srv := newServer(t)
	client, _ := bootstrappedClient(t, srv)
	ctx := context.Background()

	local, err := client.CommitSale(ctx, testBranch, twoItemSale())
	require.NoError(t, err)

	srv.QueuePull(possync.PullResponse{Deltas: possync.Deltas{Orders: []possync.OrderDelta{
		{
			ClientOrderID: "o-remote",
			ServerOrderID: "S-77",
			DeviceID:      "other-device",
			OrderNumber:   "POS-b1-02-000010",
			Status:        "paid",
			Total:         42,
			CreatedAt:     catalogTime,
		},
		{ClientOrderID: local.ClientOrderID, ServerOrderID: "S-5", Status: "kitchen"},
		{ClientOrderID: ""}, // invalid, skipped
	}}})
	report, err := client.Pull(ctx, testBranch)
	require.NoError(t, err)
	require.Equal(t, 2, report.Applied)
	require.Equal(t, 1, report.Skipped)

	remote, err := client.GetOrder(ctx, "o-remote")
	require.NoError(t, err)
	require.Equal(t, SyncSynced, remote.SyncState)
	require.Equal(t, "POS-b1-02-000010", remote.OrderNumber)
	require.Equal(t, "S-77", *remote.ServerOrderID)
	require.Equal(t, 42.0, remote.Total)
	require.True(t, remote.CreatedAt.Equal(catalogTime))

	mine, err := client.GetOrder(ctx, local.ClientOrderID)
	require.NoError(t, err)
	require.Equal(t, SyncPending, mine.SyncState, "pull never acks a local order")
	require.Equal(t, "kitchen", *mine.StatusServer)
	require.Equal(t, "S-5", *mine.ServerOrderID)

	synced, err := client.ListOrders(ctx, testBranch, SyncSynced, 0)
	require.NoError(t, err)
	require.Len(t, synced, 1)
	all, err := client.ListOrders(ctx, testBranch, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestPull_FollowsHasMore(t *testing.T) {
	srv := newServer(t)
	client, _ := bootstrappedClient(t, srv)
	ctx := context.Background()

	page := func(cursor string, more bool) possync.PullResponse {
		return possync.PullResponse{
			Deltas:      possync.Deltas{Conflicts: []possync.ConflictRecord{{ConflictID: "C-" + cursor}}},
			NextCursors: possync.Cursors{Conflicts: cursor},
			HasMore:     more,
		}
	}
	srv.QueuePull(page("a", true), page("b", true), page("c", false), page("d", false))

	report, err := client.Pull(ctx, testBranch)
	require.NoError(t, err)
	require.Equal(t, 3, report.Pages)
	require.Equal(t, 3, report.Received)
	require.False(t, report.HasMore)
	require.Equal(t, "c", report.Cursors.Conflicts)

	open, err := client.ListConflicts(ctx, testBranch, ConflictOpen)
	require.NoError(t, err)
	require.Len(t, open, 4, "C-7 from bootstrap plus three pulled")
}

func TestPull_MaxPagesBoundsOneCall(t *testing.T) {
	srv := newServer(t)
	srv.SetSnapshot(snapshot())
	client, _ := registeredClient(t, srv, func(c *Config) { c.MaxPullPages = 2 })
	ctx := context.Background()
	_, err := client.Bootstrap(ctx, testBranch)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		srv.QueuePull(possync.PullResponse{HasMore: true})
	}
	report, err := client.Pull(ctx, testBranch)
	require.NoError(t, err)
	require.Equal(t, 2, report.Pages)
	require.True(t, report.HasMore)
}

func TestPull_ConflictStreamResolvesLocalConflict(t *testing.T) {
	srv := newServer(t)
	client, _ := bootstrappedClient(t, srv)
	ctx := context.Background()

	srv.QueuePull(possync.PullResponse{Deltas: possync.Deltas{Conflicts: []possync.ConflictRecord{
		{ConflictID: "C-7", ResolutionState: "resolved", Resolution: []byte(`{"by":"manager"}`)},
		{ConflictID: "C-8", ResolutionState: "bogus"}, // invalid
	}}})
	report, err := client.Pull(ctx, testBranch)
	require.NoError(t, err)
	require.Equal(t, 1, report.Applied)
	require.Equal(t, 1, report.Skipped)

	cf, err := client.GetConflict(ctx, "C-7")
	require.NoError(t, err)
	require.Equal(t, ConflictResolved, cf.ResolutionState)
	require.Equal(t, "o-remote", cf.AggregateID, "missing fields keep stored values")
	require.JSONEq(t, `{"by":"manager"}`, string(cf.Resolution))

	_, err = client.GetConflict(ctx, "C-8")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPull_TransportFailure(t *testing.T) {
	srv := newServer(t)
	client, _ := bootstrappedClient(t, srv)
	srv.Close()

	_, err := client.Pull(context.Background(), testBranch)
	require.ErrorIs(t, err, ErrTransportFailure)

	st, err := client.SyncState(context.Background(), testBranch)
	require.NoError(t, err)
	require.Equal(t, "c1", st.Cursors.Catalog)
}

func TestPull_UnauthorizedClearsSecret(t *testing.T) {
	srv := newServer(t)
	client, _ := bootstrappedClient(t, srv)
	ctx := context.Background()

	dc, err := client.DeviceContext(ctx, testBranch)
	require.NoError(t, err)
	srv.RevokeDevice(dc.DeviceID)

	_, err = client.Pull(ctx, testBranch)
	require.ErrorIs(t, err, ErrTransportFailure)

	dc, err = client.DeviceContext(ctx, testBranch)
	require.NoError(t, err)
	require.False(t, dc.Registered())
}

func TestBootstrap_UnauthorizedClearsSecret(t *testing.T) {
	srv := newServer(t)
	srv.SetSnapshot(snapshot())
	client, _ := registeredClient(t, srv)
	ctx := context.Background()

	dc, err := client.DeviceContext(ctx, testBranch)
	require.NoError(t, err)
	srv.RevokeDevice(dc.DeviceID)

	ran, err := client.Bootstrap(ctx, testBranch)
	require.ErrorIs(t, err, ErrTransportFailure)
	require.False(t, ran)

	dc, err = client.DeviceContext(ctx, testBranch)
	require.NoError(t, err)
	require.False(t, dc.Registered())

	_, err = client.EnsureRegistered(ctx, testBranch)
	require.NoError(t, err)
	ran, err = client.Bootstrap(ctx, testBranch)
	require.NoError(t, err)
	require.True(t, ran)
}

func TestBootstrap_ClearSecretFailureIsReported(t *testing.T) {
	srv := newServer(t)
	client, _ := registeredClient(t, srv)
	ctx := context.Background()

	// The device context disappears while the refused request is in flight.
	client.HTTP.Transport = roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if _, err := client.DB.Exec(`DELETE FROM meta WHERE namespace = ?`, nsDeviceContext); err != nil {
			return nil, err
		}
		return jsonResponse(r, http.StatusUnauthorized, `{"error":"unauthorized","message":"unknown device"}`), nil
	})

	_, err := client.Bootstrap(ctx, testBranch)
	require.ErrorIs(t, err, ErrNotFound)
	require.NotErrorIs(t, err, ErrTransportFailure)
}
