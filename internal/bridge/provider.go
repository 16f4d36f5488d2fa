// Package bridge defines the route provider boundary for cross-chain transfers.
//
// A route provider prices and executes transfers between two networks. The
// production provider is an external service; this package holds only the
// contract plus a deterministic simulator used in development and tests. The
// two are distinct implementations selected explicitly at wiring time and
// never fall back into each other.
package bridge

import (
	"context"
	"errors"

	"github.com/clearhold/clearhold/internal/money"
	"github.com/clearhold/clearhold/internal/network"
)

var (
	// ErrNoRoute means the provider knows no route between the two networks.
	ErrNoRoute = errors.New("bridge: no route for network pair")
	// ErrUnknownRef means the provider has no record of an external reference.
	ErrUnknownRef = errors.New("bridge: unknown external reference")
)

// ExternalStatus is the provider's view of one submitted step.
type ExternalStatus string

const (
	ExternalPending   ExternalStatus = "pending"
	ExternalConfirmed ExternalStatus = "confirmed"
	ExternalFailed    ExternalStatus = "failed"
)

// Route is one candidate path between two networks, quoted at preparation
// time and snapshotted into the transaction — never re-fetched mid-flight.
type Route struct {
	Bridge     string       `json:"bridge"`     // bridge identifier, e.g. "wormhole"
	Confidence float64      `json:"confidence"` // 0..1
	ETASeconds int          `json:"etaSeconds"`
	TotalFee   money.Amount `json:"totalFee"`
}

// FeeEstimate breaks down the cost of moving an amount between two networks.
type FeeEstimate struct {
	SourceFee      money.Amount `json:"sourceFee"`
	BridgeFee      money.Amount `json:"bridgeFee"`
	TargetFee      money.Amount `json:"targetFee"`
	Total          money.Amount `json:"total"`
	Confidence     float64      `json:"confidence"`
	ETASeconds     int          `json:"etaSeconds"`
	RequiresBridge bool         `json:"requiresBridge"`
	Fallback       bool         `json:"fallback,omitempty"` // true when the provider was unreachable
}

// StepRequest describes one step submission to the provider.
type StepRequest struct {
	Bridge  string
	Kind    string // lock-source | bridge-transfer | settle-target
	Source  network.Network
	Target  network.Network
	Amount  money.Amount
	Token   string
	From    string
	To      string
	StepRef string // our transaction id + step index, for provider-side idempotency
}

// Provider prices routes and reports the status of submitted steps.
// Every method does network I/O; callers must bound it with a context timeout.
type Provider interface {
	Routes(ctx context.Context, source, target network.Network, amount money.Amount, token string) ([]Route, error)
	EstimateFees(ctx context.Context, source, target network.Network, amount money.Amount, token string) (FeeEstimate, error)
	SubmitStep(ctx context.Context, req StepRequest) (externalRef string, err error)
	StepStatus(ctx context.Context, externalRef string) (ExternalStatus, error)
}
