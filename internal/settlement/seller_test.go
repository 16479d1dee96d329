package settlement

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	xerrors "GigaCrew-Agent/internal/errors"
	"GigaCrew-Agent/internal/order"
	"GigaCrew-Agent/internal/web3"

	"github.com/stretchr/testify/require"
)

type countingWorker struct {
	mu    sync.Mutex
	calls map[string]int
	err   error
}

func (w *countingWorker) Work(_ context.Context, o order.Order) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.calls == nil {
		w.calls = make(map[string]int)
	}
	w.calls[o.ID]++
	if w.err != nil {
		return "", w.err
	}
	return "done-" + o.ID, nil
}

func (w *countingWorker) count(id string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls[id]
}

func newTestSeller(t *testing.T, worker Worker) (*Seller, *fakeLedger, *order.MemoryStore) {
	t.Helper()
	ledger := newFakeLedger(sellerAddr)
	ledger.lockPeriod = fixedNow.Add(time.Hour)
	store := order.NewMemoryStore()
	seller, err := NewSeller(SellerConfig{
		ServiceID:      "7",
		TimePerService: time.Minute,
		TimeBuffer:     30 * time.Second,
	}, ledger, store, worker, WithClock(clock()))
	require.NoError(t, err)
	return seller, ledger, store
}

func TestNewSellerValidatesConfig(t *testing.T) {
	store := order.NewMemoryStore()
	_, err := NewSeller(SellerConfig{ServiceID: " "}, newFakeLedger(sellerAddr), store, &countingWorker{})
	require.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))

	_, err = NewSeller(SellerConfig{ServiceID: "7"}, nil, store, &countingWorker{})
	require.True(t, xerrors.HasCode(err, xerrors.CodeInitializationFailure))
}

func TestSellerFiltersBySellerAndService(t *testing.T) {
	seller, _, _ := newTestSeller(t, &countingWorker{})
	filters := seller.Filters()
	require.Len(t, filters, 1)
	require.Equal(t, web3.EventEscrowCreated, filters[0].Kind)
	require.Equal(t, "7", filters[0].ServiceID)
	require.Equal(t, sellerAddr, filters[0].Seller)
}

func TestSaveNewOrderResolvesTermsFromProposal(t *testing.T) {
	ctx := context.Background()
	seller, _, store := newTestSeller(t, &countingWorker{})
	require.NoError(t, store.InsertProposal(ctx, order.Proposal{ID: "aa01", ServiceID: "7", Terms: "logo design", Expiry: fixedNow}))

	err := seller.SaveNewOrder(ctx, &web3.Escrow{
		OrderID:   "aa01",
		ServiceID: "7",
		Buyer:     buyerAddr,
		Seller:    sellerAddr,
		Price:     big.NewInt(150),
		Deadline:  fixedNow.Add(10 * time.Minute),
	})
	require.NoError(t, err)

	got, err := store.GetOrder(ctx, "aa01")
	require.NoError(t, err)
	require.Equal(t, "logo design", got.Terms)
	require.Equal(t, "150", got.Price)
	require.Equal(t, strings.ToLower(sellerAddr.Hex()), got.Seller)
	require.Equal(t, order.StatusPending, got.Status)
}

func TestSaveNewOrderSkipsOrdersThatCannotFinish(t *testing.T) {
	ctx := context.Background()
	seller, _, store := newTestSeller(t, &countingWorker{})
	require.NoError(t, store.InsertProposal(ctx, order.Proposal{ID: "aa02", ServiceID: "7", Terms: "logo", Expiry: fixedNow}))

	err := seller.SaveNewOrder(ctx, &web3.Escrow{
		OrderID:   "aa02",
		ServiceID: "7",
		Buyer:     buyerAddr,
		Seller:    sellerAddr,
		Price:     big.NewInt(1),
		Deadline:  fixedNow.Add(time.Minute),
	})
	require.NoError(t, err)

	_, err = store.GetOrder(ctx, "aa02")
	require.ErrorIs(t, err, order.ErrOrderNotFound)
}

func TestSaveNewOrderWithoutProposalIsNotRetried(t *testing.T) {
	seller, _, _ := newTestSeller(t, &countingWorker{})
	err := seller.SaveNewOrder(context.Background(), &web3.Escrow{
		OrderID:   "aa03",
		ServiceID: "7",
		Buyer:     buyerAddr,
		Seller:    sellerAddr,
		Price:     big.NewInt(1),
		Deadline:  fixedNow.Add(time.Hour),
	})
	require.Error(t, err)
	require.ErrorIs(t, err, order.ErrProposalNotFound)
	require.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))
	require.False(t, xerrors.RetryableError(err))
}

func TestWorkCycleProducesAndSubmitsWork(t *testing.T) {
	ctx := context.Background()
	worker := &countingWorker{}
	seller, ledger, store := newTestSeller(t, worker)

	insertOrder(t, store, order.Order{ID: "aa01", Deadline: fixedNow.Add(10 * time.Minute)})
	insertOrder(t, store, order.Order{ID: "aa02", Deadline: fixedNow.Add(10 * time.Minute)})
	require.NoError(t, store.SetWork(ctx, "aa02", "cached"))
	insertOrder(t, store, order.Order{ID: "aa03", Deadline: fixedNow.Add(time.Minute)})

	require.NoError(t, seller.WorkCycle(ctx))

	require.Equal(t, 1, worker.count("aa01"))
	require.Zero(t, worker.count("aa02"))
	require.Zero(t, worker.count("aa03"))
	require.Equal(t, map[string]string{"aa01": "done-aa01", "aa02": "cached"}, ledger.submitted)

	got, err := store.GetOrder(ctx, "aa01")
	require.NoError(t, err)
	require.Equal(t, "done-aa01", *got.Work)
	require.NotNil(t, got.LockPeriod)
	require.True(t, got.LockPeriod.Equal(ledger.lockPeriod))

	// 已进入锁定期的订单不再出现在待交付列表中。
	require.NoError(t, seller.WorkCycle(ctx))
	require.Equal(t, 1, worker.count("aa01"))
}

func TestWorkCycleCountsFailuresUntilCeiling(t *testing.T) {
	ctx := context.Background()
	worker := &countingWorker{err: errors.New("model unavailable")}
	seller, ledger, store := newTestSeller(t, worker)
	insertOrder(t, store, order.Order{ID: "aa01", Deadline: fixedNow.Add(time.Hour)})

	for i := 0; i < order.MaxFailedAttempts+2; i++ {
		require.NoError(t, seller.WorkCycle(ctx))
	}

	require.Equal(t, order.MaxFailedAttempts, worker.count("aa01"))
	require.Empty(t, ledger.submitted)
	got, err := store.GetOrder(ctx, "aa01")
	require.NoError(t, err)
	require.Equal(t, order.MaxFailedAttempts, got.FailedAttempts)
}

func TestWorkCycleKeepsWorkWhenSubmissionFails(t *testing.T) {
	ctx := context.Background()
	worker := &countingWorker{}
	seller, ledger, store := newTestSeller(t, worker)
	ledger.submitErr = xerrors.New(xerrors.CodeLedgerFailure, "reverted")
	insertOrder(t, store, order.Order{ID: "aa01", Deadline: fixedNow.Add(time.Hour)})

	require.NoError(t, seller.WorkCycle(ctx))

	got, err := store.GetOrder(ctx, "aa01")
	require.NoError(t, err)
	require.Equal(t, "done-aa01", *got.Work)
	require.Nil(t, got.LockPeriod)
	require.Equal(t, 1, got.FailedAttempts)

	// 下一轮直接使用缓存的交付物重试提交。
	ledger.submitErr = nil
	require.NoError(t, seller.WorkCycle(ctx))
	require.Equal(t, 1, worker.count("aa01"))
	require.Equal(t, "done-aa01", ledger.submitted["aa01"])
}

func TestSellerWithdrawCycleOutcomes(t *testing.T) {
	ctx := context.Background()
	seller, ledger, store := newTestSeller(t, &countingWorker{})
	until := fixedNow.Add(30 * time.Minute)

	for _, id := range []string{"b1", "b2", "b3", "b4", "b5", "b6"} {
		insertOrder(t, store, order.Order{ID: id, Deadline: fixedNow.Add(-time.Hour)})
		require.NoError(t, store.SetLockPeriod(ctx, id, fixedNow.Add(-time.Minute)))
	}
	ledger.disputeErrs["b2"] = xerrors.Wrap(xerrors.CodeLedgerTransient, &web3.ResolutionPendingError{Until: until}, "pending")
	ledger.shares["b3"] = 100
	ledger.shares["b4"] = 40
	ledger.disputeErrs["b5"] = errors.New("connection refused")
	ledger.withdrawErrs["b6"] = &web3.ResolutionPendingError{Until: until}

	require.NoError(t, seller.WithdrawCycle(ctx))
	require.ElementsMatch(t, []string{"b1", "b4"}, ledger.withdrawnIDs())

	get := func(id string) *order.Order {
		o, err := store.GetOrder(ctx, id)
		require.NoError(t, err)
		return o
	}

	b1 := get("b1")
	require.Equal(t, order.StatusSellerWithdrawn, b1.Status)
	require.False(t, b1.CanSellerWithdraw)
	require.True(t, b1.CanBuyerWithdraw)

	b2 := get("b2")
	require.True(t, b2.CanSellerWithdraw)
	require.NotNil(t, b2.ResolutionPeriod)
	require.True(t, b2.ResolutionPeriod.Equal(until))

	b3 := get("b3")
	require.False(t, b3.CanSellerWithdraw)
	require.Equal(t, order.StatusPending, b3.Status)

	require.False(t, get("b4").CanSellerWithdraw)

	b5 := get("b5")
	require.True(t, b5.CanSellerWithdraw)
	require.Nil(t, b5.ResolutionPeriod)

	b6 := get("b6")
	require.True(t, b6.CanSellerWithdraw)
	require.NotNil(t, b6.ResolutionPeriod)
}
