// Package crosschain orchestrates bridged settlement legs for escrows whose
// buyer or seller sits on a network the settlement vault cannot reach
// directly.
//
// Each bridged movement is a Cross-Chain Transaction: a snapshot of the
// chosen route plus an ordered step plan (lock-source, bridge-transfer,
// settle-target). Steps execute strictly in index order, driven entirely by
// callers — the orchestrator performs no hidden retries and runs no
// background jobs. External notifications are absorbed idempotently: a
// replayed step report returns the stored result, a genuinely out-of-order
// one is rejected.
package crosschain

import (
	"errors"
	"time"

	"github.com/clearhold/clearhold/internal/bridge"
	"github.com/clearhold/clearhold/internal/money"
	"github.com/clearhold/clearhold/internal/network"
)

var (
	ErrTransactionNotFound    = errors.New("cross-chain transaction not found")
	ErrEscrowNotFound         = errors.New("escrow not found")
	ErrUnsupportedNetworkPair = errors.New("no route exists for this network pair")
	ErrBridgeNotRequired      = errors.New("networks are directly compatible, no bridge required")
	ErrOutOfOrderStep         = errors.New("step is not the next pending index")
	ErrAlreadyExecuted        = errors.New("step already executed with a different reference")
	ErrProviderUnavailable    = errors.New("route provider unavailable")
	ErrVersionConflict        = errors.New("transaction was modified concurrently")
	// ErrEscrowRejected wraps escrow-side refusals of a settlement plan or a
	// settled notification (wrong state, unknown escrow).
	ErrEscrowRejected = errors.New("escrow rejected the settlement operation")
)

// Direction distinguishes the two bridged legs of an escrow.
type Direction string

const (
	// DirectionDeposit moves buyer funds onto the settlement network.
	DirectionDeposit Direction = "DEPOSIT"
	// DirectionRelease moves the seller payout off the settlement network.
	DirectionRelease Direction = "RELEASE"
)

// Status is the lifecycle status of a transaction or one of its steps.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusDone       Status = "DONE"
	StatusFailed     Status = "FAILED"
)

// IsTerminal reports whether the status accepts no further changes.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Step kinds in plan order.
const (
	StepLockSource     = "lock-source"
	StepBridgeTransfer = "bridge-transfer"
	StepSettleTarget   = "settle-target"
)

// Step is one hop of the settlement plan.
type Step struct {
	Index  int    `json:"index"`
	Kind   string `json:"kind"`
	Status Status `json:"status"`
	// ExternalTxRef is the caller-reported transaction reference; it doubles
	// as the idempotency key for replayed reports.
	ExternalTxRef string `json:"externalTxRef,omitempty"`
	// ProviderRef is the route provider's handle for this step, used for
	// status checks.
	ProviderRef string     `json:"providerRef,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Transaction is one bridged settlement movement owned by the orchestrator
// and referenced (never embedded) by its escrow.
type Transaction struct {
	ID            string          `json:"id"`
	EscrowID      string          `json:"escrowId"`
	Direction     Direction       `json:"direction"`
	SourceNetwork network.Network `json:"sourceNetwork"`
	TargetNetwork network.Network `json:"targetNetwork"`
	Amount        money.Amount    `json:"amount"`
	Token         string          `json:"token,omitempty"`
	FromAddress   string          `json:"fromAddress"`
	ToAddress     string          `json:"toAddress"`

	// Route is the quote snapshotted at preparation time; it is never
	// re-fetched mid-flight.
	Route bridge.Route `json:"route"`

	Status Status `json:"status"`
	Steps  []Step `json:"steps"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsTerminal reports whether the transaction is finished.
func (t *Transaction) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// NextPendingIndex returns the index of the first step that is not DONE, or
// -1 when every step is done.
func (t *Transaction) NextPendingIndex() int {
	for i := range t.Steps {
		if t.Steps[i].Status != StatusDone {
			return i
		}
	}
	return -1
}

// StepResult is the outcome of one executeStep or pollStatus call.
type StepResult struct {
	TransactionID     string `json:"transactionId"`
	Step              Step   `json:"step"`
	TransactionStatus Status `json:"transactionStatus"`
	// Replayed is true when an identical report was absorbed and the stored
	// result returned unchanged.
	Replayed bool `json:"replayed,omitempty"`
}
