package web3

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ChainSnapshot represents summarized network metadata for health reporting.
type ChainSnapshot struct {
	ChainID     string `json:"chain_id"`
	BlockNumber string `json:"block_number"`
	Notes       string `json:"notes,omitempty"`
}

// EventKind names the escrow events the agent reacts to.
type EventKind string

const (
	EventEscrowCreated    EventKind = "escrow_created"
	EventWorkSubmitted    EventKind = "work_submitted"
	EventDisputeSubmitted EventKind = "dispute_submitted"
)

// EscrowRequest carries the accepted proposal into createEscrow.
type EscrowRequest struct {
	OrderID           string
	ServiceID         string
	Price             *big.Int
	ProposalExpiry    int64
	DeadlineSeconds   int64
	ProposalSignature string
}

// Escrow is the decoded EscrowCreated event.
type Escrow struct {
	OrderID   string         `json:"order_id"`
	ServiceID string         `json:"service_id"`
	Buyer     common.Address `json:"buyer"`
	Seller    common.Address `json:"seller"`
	Price     *big.Int       `json:"price"`
	Deadline  time.Time      `json:"deadline"`
}

// WorkSubmission is the decoded PoWSubmitted event.
type WorkSubmission struct {
	OrderID    string         `json:"order_id"`
	Buyer      common.Address `json:"buyer"`
	Seller     common.Address `json:"seller"`
	Work       string         `json:"work"`
	LockPeriod time.Time      `json:"lock_period"`
}

// Dispute is the decoded DisputeSubmitted event.
type Dispute struct {
	OrderID          string    `json:"order_id"`
	ResolutionPeriod time.Time `json:"resolution_period"`
}

// Event is one decoded escrow log. Exactly one payload field is set.
type Event struct {
	Kind        EventKind       `json:"kind"`
	BlockNumber uint64          `json:"block_number"`
	TxHash      string          `json:"tx_hash"`
	LogIndex    uint            `json:"log_index"`
	Escrow      *Escrow         `json:"escrow,omitempty"`
	Work        *WorkSubmission `json:"work,omitempty"`
	Dispute     *Dispute        `json:"dispute,omitempty"`
}

// EventFilter selects escrow logs in an inclusive block range. Zero-valued
// address and service fields are wildcards.
type EventFilter struct {
	Kind      EventKind
	FromBlock uint64
	ToBlock   uint64
	ServiceID string
	Buyer     common.Address
	Seller    common.Address
}

// Ledger is the escrow contract as seen by one party.
type Ledger interface {
	Address() common.Address
	CreateEscrow(ctx context.Context, req EscrowRequest) (*Escrow, error)
	SubmitWork(ctx context.Context, orderID, work string) (*WorkSubmission, error)
	SubmitDispute(ctx context.Context, orderID string) (*Dispute, error)
	WithdrawFunds(ctx context.Context, orderID string) error
	// DisputeResult returns the buyer share (0-100) of a resolved dispute.
	// It returns ErrNoDispute when the contract reverts for any reason other
	// than a pending resolution, and *ResolutionPendingError for that case.
	DisputeResult(ctx context.Context, orderID string) (uint8, error)
	LatestBlock(ctx context.Context) (uint64, error)
	FilterEvents(ctx context.Context, filter EventFilter) ([]Event, error)
}

// Client is a connection to one chain from which party ledgers are derived.
type Client interface {
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	Ledger(key *ecdsa.PrivateKey) (Ledger, error)
	Close()
}

// ErrNoDispute 表示订单不存在争议或争议查询被合约拒绝。
var ErrNoDispute = errors.New("no dispute for order")

// ResolutionPendingError reports that a dispute is still inside its
// resolution window.
type ResolutionPendingError struct {
	Until time.Time
}

func (e *ResolutionPendingError) Error() string {
	return fmt.Sprintf("dispute resolution period not passed (until %d)", e.Until.Unix())
}

// AsResolutionPending extracts a ResolutionPendingError from err.
func AsResolutionPending(err error) (*ResolutionPendingError, bool) {
	var pending *ResolutionPendingError
	if errors.As(err, &pending) {
		return pending, true
	}
	return nil, false
}
