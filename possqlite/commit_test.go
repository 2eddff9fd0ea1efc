package possqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-possync/possync"
)

func TestCommitSale_OfflineCreatesOrderEventAndChainEntry(t *testing.T) {
	client, clock := newTestClient(t, "http://127.0.0.1:1")
	ctx := context.Background()

	res, err := client.CommitSale(ctx, testBranch, twoItemSale())
	require.NoError(t, err)
	require.Equal(t, "POS-b1-01-000001", res.OrderNumber)
	require.Equal(t, SyncPending, res.Status)
	require.Equal(t, SyncPending, res.SyncState)
	require.Equal(t, 500.0, res.Total)
	require.True(t, res.CreatedAt.Equal(clock.Now()))

	order, err := client.GetOrder(ctx, res.ClientOrderID)
	require.NoError(t, err)
	require.Equal(t, SyncPending, order.SyncState)
	require.Nil(t, order.ServerOrderID)
	require.Len(t, order.Items, 2)
	require.Equal(t, "p-coffee", order.Items[0].ProductUID)
	require.Equal(t, 300.0, order.Items[0].LineTotal)
	require.Equal(t, 200.0, order.Items[1].LineTotal)

	ev := onlyEvent(t, client)
	require.Equal(t, OutboxPending, ev.Status)
	require.EqualValues(t, 1, ev.DeviceSeq)
	require.Equal(t, 0, ev.Attempts)
	require.Equal(t, res.ClientOrderID, ev.AggregateID)
	require.Equal(t, possync.EventSaleCreated, ev.EventType)
	require.Nil(t, ev.Envelope.PrevHash)
	require.Nil(t, ev.Envelope.Signature, "unregistered device cannot sign")

	chain, err := client.AuditChain(ctx, testBranch)
	require.NoError(t, err)
	require.Len(t, chain, 1)
	require.EqualValues(t, 1, chain[0].ChainSeq)
	require.Equal(t, ev.EventID, chain[0].EventID)
	require.Equal(t, ev.Envelope.PayloadHash, chain[0].PayloadHash)
	require.False(t, chain[0].Signed)

	coffee, err := client.Inventory(ctx, testBranch, "p-coffee")
	require.NoError(t, err)
	require.Equal(t, -2.0, coffee.PendingDeltaQty)
	require.Nil(t, coffee.AvailableQty)
	require.Nil(t, coffee.Effective())
}

func TestCommitSale_SequenceAndChainLinks(t *testing.T) {
	client, clock := newTestClient(t, "http://unused")
	ctx := context.Background()

	const n = 5
	for i := 0; i < n; i++ {
		res, err := client.CommitSale(ctx, testBranch, oneItemSale("p-1", 1))
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("POS-b1-01-%06d", i+1), res.OrderNumber)
		clock.Advance(1)
	}

	events, err := client.ListOutbox(ctx, testBranch)
	require.NoError(t, err)
	require.Len(t, events, n)
	chain, err := client.AuditChain(ctx, testBranch)
	require.NoError(t, err)
	require.Len(t, chain, n)

	for i := range events {
		require.EqualValues(t, i+1, events[i].DeviceSeq)
		require.EqualValues(t, i+1, chain[i].ChainSeq)
		require.Equal(t, events[i].EventID, chain[i].EventID)
		if i == 0 {
			require.Nil(t, chain[i].PrevHash)
			continue
		}
		require.NotNil(t, chain[i].PrevHash)
		require.Equal(t, chain[i-1].PayloadHash, *chain[i].PrevHash)
		require.Equal(t, chain[i].PrevHash, events[i].Envelope.PrevHash)
		require.Greater(t, events[i].Envelope.ClientHLC, events[i-1].Envelope.ClientHLC)
	}

	report, err := client.VerifyChain(ctx, testBranch)
	require.NoError(t, err)
	require.Equal(t, n, report.Entries)
	require.Equal(t, chain[n-1].PayloadHash, report.HeadHash)
}

func TestCommitSale_BranchesHaveIndependentCounters(t *testing.T) {
	client, _ := newTestClient(t, "http://unused")
	ctx := context.Background()

	_, err := client.CommitSale(ctx, "b1", oneItemSale("p-1", 1))
	require.NoError(t, err)
	_, err = client.CommitSale(ctx, "b1", oneItemSale("p-1", 1))
	require.NoError(t, err)
	res, err := client.CommitSale(ctx, "b2", oneItemSale("p-1", 1))
	require.NoError(t, err)
	require.Equal(t, "POS-b2-01-000001", res.OrderNumber)

	chain, err := client.AuditChain(ctx, "b2")
	require.NoError(t, err)
	require.Len(t, chain, 1)
	require.Nil(t, chain[0].PrevHash)
}

func TestCommitSale_EnvelopeHashesCanBeRecomputed(t *testing.T) {
	srv := newServer(t)
	client, _ := registeredClient(t, srv)
	ctx := context.Background()

	_, err := client.CommitSale(ctx, testBranch, twoItemSale())
	require.NoError(t, err)
	ev := onlyEvent(t, client)
	env := ev.Envelope

	signer := possync.NewSigner(nil)
	require.Equal(t, env.PayloadHash, signer.PayloadHash(env.Payload))
	require.Equal(t, env.IdempotencyKey, signer.IdempotencyKey(env.DeviceID, env.DeviceSeq, env.EventType, env.PayloadHash))
	require.Equal(t, ev.IdempotencyKey, env.IdempotencyKey)

	dc, err := client.DeviceContext(ctx, testBranch)
	require.NoError(t, err)
	require.NotNil(t, env.Signature)
	require.Equal(t, signer.EventSignature(*dc.DeviceSecret, env.PayloadHash, env.PrevHash, env.DeviceSeq, env.EventType), *env.Signature)
	require.NoError(t, validateRecord(&env))

	chain, err := client.AuditChain(ctx, testBranch)
	require.NoError(t, err)
	require.True(t, chain[0].Signed)
}

func TestCommitSale_RejectsInvalidPayload(t *testing.T) {
	client, _ := newTestClient(t, "http://unused")
	ctx := context.Background()

	cases := map[string]SalePayload{
		"no items":     {},
		"zero qty":     oneItemSale("p-1", 0),
		"no product":   oneItemSale("", 1),
		"negative tax": {Items: []SaleItem{{ProductUID: "p", Qty: 1}}, Tax: -1},
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := client.CommitSale(ctx, testBranch, payload)
			require.ErrorIs(t, err, ErrInvalidPayload)
		})
	}

	_, err := client.CommitSale(ctx, "", twoItemSale())
	require.ErrorIs(t, err, ErrInvalidPayload)

	events, err := client.ListOutbox(ctx, testBranch)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestCommitSale_TotalsWithDiscountAndTax(t *testing.T) {
	client, _ := newTestClient(t, "http://unused")
	payload := SalePayload{
		Items: []SaleItem{
			{ProductUID: "p-1", Qty: 3, UnitPrice: 1.10, Discount: 0.30},
			{ProductUID: "p-2", Qty: 1, UnitPrice: 5},
		},
		Discount: 1,
		Tax:      0.45,
	}
	res, err := client.CommitSale(context.Background(), testBranch, payload)
	require.NoError(t, err)
	require.Equal(t, 7.45, res.Total)
}

func TestCommitSale_NotifiesHooks(t *testing.T) {
	client, _ := newTestClient(t, "http://unused")
	var mu sync.Mutex
	var got []string
	client.OnCommit(func(branchID string) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, branchID)
	})

	_, err := client.CommitSale(context.Background(), testBranch, twoItemSale())
	require.NoError(t, err)
	_, err = client.CommitSale(context.Background(), testBranch, SalePayload{})
	require.Error(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{testBranch}, got)
}

func TestCommitSale_TamperedChainHaltsBranch(t *testing.T) {
	client, _ := newTestClient(t, "http://unused")
	ctx := context.Background()

	_, err := client.CommitSale(ctx, testBranch, twoItemSale())
	require.NoError(t, err)
	chain, err := client.AuditChain(ctx, testBranch)
	require.NoError(t, err)
	good := chain[0].PayloadHash

	_, err = client.DB.Exec(`UPDATE audit_chain SET payload_hash = 'forged' WHERE branch_id = ? AND chain_seq = 1`, testBranch)
	require.NoError(t, err)

	_, err = client.CommitSale(ctx, testBranch, twoItemSale())
	require.ErrorIs(t, err, ErrChainIntegrity)

	reason, halted, err := client.ChainHalt(ctx, testBranch)
	require.NoError(t, err)
	require.True(t, halted)
	require.Contains(t, reason, "payload hash")

	// Repairing the row is not enough: the halt stays until an operator clears it.
	_, err = client.DB.Exec(`UPDATE audit_chain SET payload_hash = ? WHERE branch_id = ? AND chain_seq = 1`, good, testBranch)
	require.NoError(t, err)
	_, err = client.CommitSale(ctx, testBranch, twoItemSale())
	require.ErrorIs(t, err, ErrChainIntegrity)

	events, err := client.ListOutbox(ctx, testBranch)
	require.NoError(t, err)
	require.Len(t, events, 1)

	// Other branches keep working.
	_, err = client.CommitSale(ctx, "b2", twoItemSale())
	require.NoError(t, err)

	require.NoError(t, client.ClearChainHalt(ctx, testBranch))
	res, err := client.CommitSale(ctx, testBranch, twoItemSale())
	require.NoError(t, err)
	require.Equal(t, "POS-b1-01-000002", res.OrderNumber)
}

func TestCommitSale_EmptyChainWithEventsIsViolation(t *testing.T) {
	client, _ := newTestClient(t, "http://unused")
	ctx := context.Background()

	_, err := client.CommitSale(ctx, testBranch, twoItemSale())
	require.NoError(t, err)
	_, err = client.DB.Exec(`DELETE FROM audit_chain WHERE branch_id = ?`, testBranch)
	require.NoError(t, err)

	_, err = client.CommitSale(ctx, testBranch, twoItemSale())
	require.ErrorIs(t, err, ErrChainIntegrity)
}

func TestVerifyChain_DetectsBrokenLink(t *testing.T) {
	client, _ := newTestClient(t, "http://unused")
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := client.CommitSale(ctx, testBranch, oneItemSale("p-1", 1))
		require.NoError(t, err)
	}

	_, err := client.DB.Exec(`UPDATE audit_chain SET prev_hash = 'bogus' WHERE branch_id = ? AND chain_seq = 2`, testBranch)
	require.NoError(t, err)

	report, err := client.VerifyChain(ctx, testBranch)
	require.ErrorIs(t, err, ErrChainIntegrity)
	require.Contains(t, err.Error(), "entry 2")
	require.Equal(t, 3, report.Entries)

	_, halted, err := client.ChainHalt(ctx, testBranch)
	require.NoError(t, err)
	require.True(t, halted)
}

func TestVerifyChain_DetectsRewrittenPayload(t *testing.T) {
	client, _ := newTestClient(t, "http://unused")
	ctx := context.Background()
	_, err := client.CommitSale(ctx, testBranch, oneItemSale("p-1", 1))
	require.NoError(t, err)

	ev := onlyEvent(t, client)
	env := ev.Envelope
	env.Payload = []byte(`{"items":[{"product_uid":"p-1","qty":100,"unit_price":0}]}`)
	raw, err := json.Marshal(&env)
	require.NoError(t, err)
	_, err = client.DB.Exec(`UPDATE outbox_events SET envelope = ? WHERE event_id = ?`, string(raw), ev.EventID)
	require.NoError(t, err)

	_, err = client.VerifyChain(ctx, testBranch)
	require.ErrorIs(t, err, ErrChainIntegrity)
	require.Contains(t, err.Error(), "payload hash mismatch")
}

func TestVerifyChain_EmptyBranch(t *testing.T) {
	client, _ := newTestClient(t, "http://unused")
	report, err := client.VerifyChain(context.Background(), testBranch)
	require.NoError(t, err)
	require.Equal(t, 0, report.Entries)
	require.Empty(t, report.HeadHash)
}
