// Package escrow implements the condition-gated settlement state machine.
//
// Flow:
//  1. Buyer creates an escrow → AWAITING_CONDITION_SETUP
//  2. Buyer sets the condition list → AWAITING_DEPOSIT (or the cross-chain
//     variant when the buyer's network differs from the settlement network)
//  3. Deposit arrives (directly, or via a verified bridge-in) → AWAITING_FULFILLMENT
//  4. Buyer marks conditions fulfilled → READY_FOR_FINAL_APPROVAL
//  5. Either party starts the 48h final-approval window → IN_FINAL_APPROVAL
//  6. Buyer may raise a dispute inside the window → IN_DISPUTE (7-day window)
//  7. After the approval deadline, anyone may trigger release → COMPLETED,
//     or READY_FOR_CROSS_CHAIN_RELEASE when the seller settles elsewhere
//
// Deadlines are evaluated lazily against wall-clock time when an operation is
// invoked; nothing in this package runs a timer of its own (the sweeper in
// timer.go just invokes the same idempotent operations on a schedule).
package escrow

import (
	"errors"
	"time"

	"github.com/clearhold/clearhold/internal/money"
	"github.com/clearhold/clearhold/internal/network"
)

var (
	ErrEscrowNotFound           = errors.New("escrow not found")
	ErrInvalidState             = errors.New("operation not legal in current escrow state")
	ErrUnauthorized             = errors.New("not authorized for this escrow operation")
	ErrInvalidAmount            = errors.New("invalid amount")
	ErrEmptyConditionSet        = errors.New("condition set must not be empty")
	ErrDuplicateCondition       = errors.New("duplicate condition id")
	ErrUnknownCondition         = errors.New("unknown condition")
	ErrAlreadyFulfilled         = errors.New("condition already fulfilled")
	ErrMismatchedDeposit        = errors.New("deposit does not match expected amount, token, or source network")
	ErrPreconditionNotMet       = errors.New("precondition not met")
	ErrCancellationWindowClosed = errors.New("cancellation window closed")
	ErrInvalidSyncStatus        = errors.New("invalid external status value")
	ErrVersionConflict          = errors.New("escrow was modified concurrently")
)

// State is the escrow lifecycle state.
type State string

const (
	StateAwaitingConditionSetup    State = "AWAITING_CONDITION_SETUP"
	StateAwaitingDeposit           State = "AWAITING_DEPOSIT"
	StateAwaitingCrossChainDeposit State = "AWAITING_CROSS_CHAIN_DEPOSIT"
	StateAwaitingFulfillment       State = "AWAITING_FULFILLMENT"
	StateReadyForFinalApproval     State = "READY_FOR_FINAL_APPROVAL"
	StateInFinalApproval           State = "IN_FINAL_APPROVAL"
	StateInDispute                 State = "IN_DISPUTE"
	StateReadyForCrossChainRelease State = "READY_FOR_CROSS_CHAIN_RELEASE"
	StateAwaitingCrossChainRelease State = "AWAITING_CROSS_CHAIN_RELEASE"
	StateCompleted                 State = "COMPLETED"
	StateCancelled                 State = "CANCELLED"
)

// FinalApprovalWindow is the period after all conditions are met during which
// a dispute may still be raised.
const FinalApprovalWindow = 48 * time.Hour

// DisputeResolutionWindow is the period after a dispute is raised during
// which the buyer may re-fulfill before the escrow auto-cancels.
const DisputeResolutionWindow = 7 * 24 * time.Hour

// transitions is the full legal transition table. Every state change goes
// through it, including externally-reported ones via SyncStatus.
var transitions = map[State][]State{
	StateAwaitingConditionSetup:    {StateAwaitingDeposit, StateAwaitingCrossChainDeposit, StateCancelled},
	StateAwaitingDeposit:           {StateAwaitingFulfillment, StateCancelled},
	StateAwaitingCrossChainDeposit: {StateAwaitingFulfillment, StateCancelled},
	StateAwaitingFulfillment:       {StateReadyForFinalApproval, StateCancelled},
	StateReadyForFinalApproval:     {StateInFinalApproval, StateCancelled},
	StateInFinalApproval:           {StateInDispute, StateCompleted, StateReadyForCrossChainRelease, StateCancelled},
	StateInDispute:                 {StateReadyForFinalApproval, StateCancelled},
	StateReadyForCrossChainRelease: {StateAwaitingCrossChainRelease},
	StateAwaitingCrossChainRelease: {StateCompleted},
	StateCompleted:                 {},
	StateCancelled:                 {},
}

// ParseState converts a string into a State.
func ParseState(s string) (State, error) {
	st := State(s)
	if _, ok := transitions[st]; !ok {
		return "", ErrInvalidSyncStatus
	}
	return st, nil
}

// CanTransition reports whether from → to is a legal state change.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s accepts no further transitions.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// ConditionStatus is the fulfillment state of one condition.
type ConditionStatus string

const (
	ConditionPending   ConditionStatus = "PENDING"
	ConditionFulfilled ConditionStatus = "FULFILLED"
	ConditionWithdrawn ConditionStatus = "WITHDRAWN"
)

// Condition is one requirement the buyer must mark fulfilled before release.
// The condition set is fixed once set; only status changes afterwards.
type Condition struct {
	ID          string          `json:"id"`
	Description string          `json:"description"`
	Status      ConditionStatus `json:"status"`
}

// Escrow is one buyer/seller value-holding agreement.
type Escrow struct {
	ID            string          `json:"id"`
	BuyerID       string          `json:"buyerId"`
	SellerID      string          `json:"sellerId"`
	BuyerAddress  string          `json:"buyerAddress"`
	SellerAddress string          `json:"sellerAddress"`
	FeeRecipient  string          `json:"feeRecipient"`
	Amount        money.Amount    `json:"amount"` // integer minor units
	Token         string          `json:"token,omitempty"` // empty = native asset
	BuyerNetwork  network.Network `json:"buyerNetwork"`
	SellerNetwork network.Network `json:"sellerNetwork"`

	State      State       `json:"state"`
	Conditions []Condition `json:"conditions"`

	HeldAmount     money.Amount `json:"heldAmount"`
	FundsDeposited bool         `json:"fundsDeposited"`
	FundsReleased  bool         `json:"fundsReleased"`

	FinalApprovalDeadline     *time.Time `json:"finalApprovalDeadline,omitempty"`
	DisputeResolutionDeadline *time.Time `json:"disputeResolutionDeadline,omitempty"`

	// DisputedConditionID is the condition reverted in the current dispute
	// window; a fulfilled condition may be reverted at most once per window.
	DisputedConditionID string `json:"disputedConditionId,omitempty"`

	CrossChainTxID string `json:"crossChainTransactionId,omitempty"`

	// Version serializes writes: stores reject updates against a stale read.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsTerminal returns true if the escrow is in a final state.
func (e *Escrow) IsTerminal() bool {
	return e.State.IsTerminal()
}

// AllConditionsMet reports whether every condition is fulfilled.
// A withdrawn condition counts as not met.
func (e *Escrow) AllConditionsMet() bool {
	if len(e.Conditions) == 0 {
		return false
	}
	for _, c := range e.Conditions {
		if c.Status != ConditionFulfilled {
			return false
		}
	}
	return true
}

// Condition returns the condition with the given id, or nil.
func (e *Escrow) Condition(id string) *Condition {
	for i := range e.Conditions {
		if e.Conditions[i].ID == id {
			return &e.Conditions[i]
		}
	}
	return nil
}

// IsParticipant reports whether participantID is the buyer or the seller.
func (e *Escrow) IsParticipant(participantID string) bool {
	return participantID != "" && (participantID == e.BuyerID || participantID == e.SellerID)
}

// ReleaseSplit computes the three-way division of the held balance at
// release time: seller payout, service fee, and buyer surplus refund.
func (e *Escrow) ReleaseSplit() money.Split {
	return money.SplitRelease(e.Amount, e.HeldAmount, money.ServiceFeeBps)
}
