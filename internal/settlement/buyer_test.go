package settlement

import (
	"context"
	"math/big"
	"strings"
	"testing"
	"time"

	xerrors "GigaCrew-Agent/internal/errors"
	"GigaCrew-Agent/internal/negotiation"
	"GigaCrew-Agent/internal/order"
	"GigaCrew-Agent/internal/web3"

	"github.com/stretchr/testify/require"
)

func newTestBuyer(t *testing.T) (*Buyer, *fakeLedger, *order.MemoryStore, *order.Waiters) {
	t.Helper()
	ledger := newFakeLedger(buyerAddr)
	store := order.NewMemoryStore()
	waiters := order.NewWaiters()
	buyer, err := NewBuyer(ledger, store, waiters, WithClock(clock()))
	require.NoError(t, err)
	return buyer, ledger, store, waiters
}

func acceptedResult() *negotiation.Result {
	return &negotiation.Result{
		OrderID:           "0xCC01",
		ServiceID:         "7",
		Counterparty:      sellerAddr,
		Terms:             "translate 2 pages",
		Price:             "150",
		Deadline:          30,
		ProposalExpiry:    fixedNow.Add(time.Minute).Unix(),
		ProposalSignature: "0x01",
	}
}

func TestCreateEscrowClampsDeadlineAndStoresOrder(t *testing.T) {
	ctx := context.Background()
	buyer, ledger, store, _ := newTestBuyer(t)
	ledger.escrow = &web3.Escrow{
		OrderID:   "cc01",
		ServiceID: "7",
		Buyer:     buyerAddr,
		Seller:    sellerAddr,
		Price:     big.NewInt(150),
		Deadline:  fixedNow.Add(MinEscrowDeadline),
	}

	o, err := buyer.CreateEscrow(ctx, acceptedResult(), "notify:42")
	require.NoError(t, err)

	require.Equal(t, int64(100), ledger.escrowReq.DeadlineSeconds)
	require.Equal(t, "150", ledger.escrowReq.Price.String())
	require.Equal(t, "0xCC01", ledger.escrowReq.OrderID)

	require.Equal(t, "cc01", o.ID)
	require.Equal(t, "translate 2 pages", o.Terms)
	require.Equal(t, strings.ToLower(buyerAddr.Hex()), o.Buyer)
	require.NotNil(t, o.CallbackData)
	require.Equal(t, "notify:42", *o.CallbackData)

	stored, err := store.GetOrder(ctx, "cc01")
	require.NoError(t, err)
	require.True(t, stored.Deadline.Equal(fixedNow.Add(MinEscrowDeadline)))
}

func TestCreateEscrowKeepsLongerDeadline(t *testing.T) {
	buyer, ledger, _, _ := newTestBuyer(t)
	ledger.escrow = &web3.Escrow{OrderID: "cc01", Seller: sellerAddr, Deadline: fixedNow.Add(2 * time.Hour)}
	res := acceptedResult()
	res.Deadline = 7200

	_, err := buyer.CreateEscrow(context.Background(), res, "")
	require.NoError(t, err)
	require.Equal(t, int64(7200), ledger.escrowReq.DeadlineSeconds)
}

func TestCreateEscrowRejectsInvalidPrice(t *testing.T) {
	buyer, ledger, _, _ := newTestBuyer(t)
	res := acceptedResult()
	res.Price = "1.5"

	_, err := buyer.CreateEscrow(context.Background(), res, "")
	require.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
	require.Empty(t, ledger.escrowReq.OrderID)
}

func TestCreateEscrowDoesNotStoreFailedTransactions(t *testing.T) {
	ctx := context.Background()
	buyer, ledger, store, _ := newTestBuyer(t)
	ledger.escrowErr = xerrors.New(xerrors.CodeLedgerFailure, "reverted")

	_, err := buyer.CreateEscrow(ctx, acceptedResult(), "")
	require.True(t, xerrors.HasCode(err, xerrors.CodeLedgerFailure))

	_, err = store.GetOrder(ctx, "cc01")
	require.ErrorIs(t, err, order.ErrOrderNotFound)
}

func TestHandleWorkSubmittedResolvesWaiter(t *testing.T) {
	ctx := context.Background()
	buyer, _, store, waiters := newTestBuyer(t)
	insertOrder(t, store, order.Order{ID: "dd01", Deadline: fixedNow.Add(time.Hour)})

	type outcome struct {
		work string
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		work, err := buyer.WaitForWork(ctx, "dd01", 5*time.Second)
		done <- outcome{work, err}
	}()
	require.Eventually(t, func() bool { return waiters.Pending() == 1 }, time.Second, 5*time.Millisecond)

	lock := fixedNow.Add(time.Hour)
	require.NoError(t, buyer.HandleWorkSubmitted(ctx, &web3.WorkSubmission{
		OrderID:    "dd01",
		Buyer:      buyerAddr,
		Seller:     sellerAddr,
		Work:       "a poem",
		LockPeriod: lock,
	}))

	select {
	case got := <-done:
		require.NoError(t, got.err)
		require.Equal(t, "a poem", got.work)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not resolved")
	}
	require.Zero(t, waiters.Pending())

	stored, err := store.GetOrder(ctx, "dd01")
	require.NoError(t, err)
	require.True(t, stored.LockPeriod.Equal(lock))

	work, err := buyer.WaitForWork(ctx, "dd01", time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, "a poem", work)
}

func TestHandleWorkSubmittedIgnoresUnknownOrders(t *testing.T) {
	buyer, _, _, _ := newTestBuyer(t)
	err := buyer.HandleWorkSubmitted(context.Background(), &web3.WorkSubmission{OrderID: "ffff", Work: "x"})
	require.NoError(t, err)
}

func TestWaitForWorkTimesOut(t *testing.T) {
	buyer, _, store, _ := newTestBuyer(t)
	insertOrder(t, store, order.Order{ID: "dd02", Deadline: fixedNow.Add(time.Hour)})

	_, err := buyer.WaitForWork(context.Background(), "dd02", 10*time.Millisecond)
	require.True(t, xerrors.HasCode(err, xerrors.CodeTimeout))
}

func TestDisputeRecordsResolutionPeriod(t *testing.T) {
	ctx := context.Background()
	buyer, ledger, store, _ := newTestBuyer(t)
	ledger.resolution = fixedNow.Add(24 * time.Hour)
	insertOrder(t, store, order.Order{ID: "ee01", Deadline: fixedNow.Add(time.Hour)})

	o, err := buyer.Dispute(ctx, "0xEE01")
	require.NoError(t, err)
	require.Equal(t, order.StatusDisputed, o.Status)
	require.NotNil(t, o.ResolutionPeriod)
	require.True(t, o.ResolutionPeriod.Equal(ledger.resolution))

	_, err = buyer.Dispute(ctx, "ee01")
	require.True(t, xerrors.HasCode(err, xerrors.CodeConflict))
}

func TestDisputeRejectsForeignOrders(t *testing.T) {
	ctx := context.Background()
	buyer, _, store, _ := newTestBuyer(t)
	insertOrder(t, store, order.Order{ID: "ee02", Buyer: sellerAddr.Hex(), Deadline: fixedNow.Add(time.Hour)})

	_, err := buyer.Dispute(ctx, "ee02")
	require.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))

	_, err = buyer.Dispute(ctx, "ee03")
	require.True(t, xerrors.HasCode(err, xerrors.CodeNotFound))
}

func TestBuyerWithdrawCycleOutcomes(t *testing.T) {
	ctx := context.Background()
	buyer, ledger, store, _ := newTestBuyer(t)

	insertOrder(t, store, order.Order{ID: "f1", Deadline: fixedNow.Add(-time.Minute)})
	insertOrder(t, store, order.Order{ID: "f2", Deadline: fixedNow.Add(-time.Minute)})
	insertOrder(t, store, order.Order{ID: "f3", Deadline: fixedNow.Add(-time.Minute)})
	require.NoError(t, store.SetLockPeriod(ctx, "f3", fixedNow.Add(-time.Second)))
	ledger.shares["f2"] = 0

	require.NoError(t, buyer.WithdrawCycle(ctx))
	require.Equal(t, []string{"f1"}, ledger.withdrawnIDs())

	f1, err := store.GetOrder(ctx, "f1")
	require.NoError(t, err)
	require.Equal(t, order.StatusBuyerWithdrawn, f1.Status)
	require.False(t, f1.CanBuyerWithdraw)

	f2, err := store.GetOrder(ctx, "f2")
	require.NoError(t, err)
	require.False(t, f2.CanBuyerWithdraw)
	require.Equal(t, order.StatusPending, f2.Status)

	f3, err := store.GetOrder(ctx, "f3")
	require.NoError(t, err)
	require.True(t, f3.CanBuyerWithdraw)
}
