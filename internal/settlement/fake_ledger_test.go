package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"GigaCrew-Agent/internal/order"
	"GigaCrew-Agent/internal/web3"

	"github.com/ethereum/go-ethereum/common"
)

var (
	buyerAddr  = common.HexToAddress("0xB0B0000000000000000000000000000000000001")
	sellerAddr = common.HexToAddress("0x5E11000000000000000000000000000000000002")
	fixedNow   = time.Unix(1_700_000_000, 0)
)

type fakeLedger struct {
	mu sync.Mutex

	addr         common.Address
	shares       map[string]uint8
	disputeErrs  map[string]error
	withdrawErrs map[string]error
	withdrawn    []string

	submitErr  error
	submitted  map[string]string
	lockPeriod time.Time

	escrowReq  web3.EscrowRequest
	escrow     *web3.Escrow
	escrowErr  error
	resolution time.Time
}

var _ web3.Ledger = (*fakeLedger)(nil)

func newFakeLedger(addr common.Address) *fakeLedger {
	return &fakeLedger{
		addr:         addr,
		shares:       make(map[string]uint8),
		disputeErrs:  make(map[string]error),
		withdrawErrs: make(map[string]error),
		submitted:    make(map[string]string),
	}
}

func (f *fakeLedger) Address() common.Address { return f.addr }

func (f *fakeLedger) CreateEscrow(_ context.Context, req web3.EscrowRequest) (*web3.Escrow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.escrowReq = req
	if f.escrowErr != nil {
		return nil, f.escrowErr
	}
	return f.escrow, nil
}

func (f *fakeLedger) SubmitWork(_ context.Context, orderID, work string) (*web3.WorkSubmission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.submitted[orderID] = work
	return &web3.WorkSubmission{OrderID: orderID, Work: work, LockPeriod: f.lockPeriod}, nil
}

func (f *fakeLedger) SubmitDispute(_ context.Context, orderID string) (*web3.Dispute, error) {
	return &web3.Dispute{OrderID: orderID, ResolutionPeriod: f.resolution}, nil
}

func (f *fakeLedger) WithdrawFunds(_ context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.withdrawErrs[orderID]; err != nil {
		return err
	}
	f.withdrawn = append(f.withdrawn, orderID)
	return nil
}

func (f *fakeLedger) DisputeResult(_ context.Context, orderID string) (uint8, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.disputeErrs[orderID]; err != nil {
		return 0, err
	}
	if share, ok := f.shares[orderID]; ok {
		return share, nil
	}
	return 0, web3.ErrNoDispute
}

func (f *fakeLedger) LatestBlock(context.Context) (uint64, error) { return 0, nil }

func (f *fakeLedger) FilterEvents(context.Context, web3.EventFilter) ([]web3.Event, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeLedger) withdrawnIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.withdrawn...)
}

func insertOrder(t testing.TB, store order.Store, o order.Order) {
	t.Helper()
	if o.ServiceID == "" {
		o.ServiceID = "7"
	}
	if o.Buyer == "" {
		o.Buyer = buyerAddr.Hex()
	}
	if o.Seller == "" {
		o.Seller = sellerAddr.Hex()
	}
	if o.Terms == "" {
		o.Terms = "write a haiku"
	}
	if o.Price == "" {
		o.Price = "150"
	}
	if err := store.InsertOrder(context.Background(), o); err != nil {
		t.Fatalf("insert order %s: %v", o.ID, err)
	}
}

func clock() func() time.Time {
	return func() time.Time { return fixedNow }
}
