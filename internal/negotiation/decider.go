package negotiation

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Role is the side a session negotiates for.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

// DecisionType is the local reply chosen for a turn.
type DecisionType string

const (
	DecisionMessage  DecisionType = "message"
	DecisionProposal DecisionType = "proposal"
	DecisionAccept   DecisionType = "accept"
	DecisionIgnore   DecisionType = "ignore"
)

// Decision is produced by a Decider. Price, Deadline (minutes) and Terms are
// only read for proposals.
type Decision struct {
	Type     DecisionType `json:"type"`
	Content  string       `json:"content"`
	Price    string       `json:"price,omitempty"`
	Deadline int64        `json:"deadline,omitempty"`
	Terms    string       `json:"terms,omitempty"`
}

// Turn is the context handed to a Decider. Inbound is nil for the opening
// turn of the initiating party.
type Turn struct {
	SessionID    string
	Role         Role
	ServiceID    string
	Counterparty common.Address
	Inbound      *Message
	History      []Message
}

// Decider chooses the next move of a session.
type Decider interface {
	Decide(ctx context.Context, turn Turn) (Decision, error)
}

// DeciderFunc adapts a function to the Decider interface.
type DeciderFunc func(ctx context.Context, turn Turn) (Decision, error)

// Decide implements Decider.
func (f DeciderFunc) Decide(ctx context.Context, turn Turn) (Decision, error) {
	return f(ctx, turn)
}
