package bridge

import (
	"context"
	"sync"

	"github.com/clearhold/clearhold/internal/idgen"
	"github.com/clearhold/clearhold/internal/money"
	"github.com/clearhold/clearhold/internal/network"
)

// Simulator is a deterministic in-process route provider for development and
// tests. It quotes two synthetic routes per bridgeable pair and confirms
// submitted steps immediately unless told to fail or delay them.
type Simulator struct {
	mu       sync.Mutex
	statuses map[string]ExternalStatus // by external ref
	pending  map[string]bool           // step refs that should stay pending
	failing  map[string]bool           // step refs that should fail
}

// NewSimulator creates a simulated route provider.
func NewSimulator() *Simulator {
	return &Simulator{
		statuses: make(map[string]ExternalStatus),
		pending:  make(map[string]bool),
		failing:  make(map[string]bool),
	}
}

// FailStep makes the next submission for stepRef report a failed status.
func (s *Simulator) FailStep(stepRef string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing[stepRef] = true
}

// HoldStep makes the next submission for stepRef stay pending until ConfirmRef.
func (s *Simulator) HoldStep(stepRef string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[stepRef] = true
}

// ConfirmRef flips a held external reference to confirmed.
func (s *Simulator) ConfirmRef(externalRef string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.statuses[externalRef]; ok {
		s.statuses[externalRef] = ExternalConfirmed
	}
}

func (s *Simulator) Routes(ctx context.Context, source, target network.Network, amount money.Amount, token string) ([]Route, error) {
	if !network.RequiresBridge(source, target) {
		return nil, ErrNoRoute
	}
	// Synthetic quotes: a faster, pricier route and a cheaper, slower one.
	return []Route{
		{Bridge: "relaynet", Confidence: 0.97, ETASeconds: 180, TotalFee: money.Fee(amount, 60)},
		{Bridge: "spanport", Confidence: 0.97, ETASeconds: 420, TotalFee: money.Fee(amount, 35)},
		{Bridge: "driftgate", Confidence: 0.82, ETASeconds: 90, TotalFee: money.Fee(amount, 25)},
	}, nil
}

func (s *Simulator) EstimateFees(ctx context.Context, source, target network.Network, amount money.Amount, token string) (FeeEstimate, error) {
	if !network.RequiresBridge(source, target) {
		return FeeEstimate{
			SourceFee:      money.Fee(amount, 5),
			Total:          money.Fee(amount, 5),
			Confidence:     0.99,
			ETASeconds:     30,
			RequiresBridge: false,
		}, nil
	}

	sourceFee := money.Fee(amount, 10)
	bridgeFee := money.Fee(amount, 40)
	targetFee := money.Fee(amount, 10)
	return FeeEstimate{
		SourceFee:      sourceFee,
		BridgeFee:      bridgeFee,
		TargetFee:      targetFee,
		Total:          sourceFee + bridgeFee + targetFee,
		Confidence:     0.95,
		ETASeconds:     240,
		RequiresBridge: true,
	}, nil
}

func (s *Simulator) SubmitStep(ctx context.Context, req StepRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref := "sim_" + idgen.Hex(12)
	switch {
	case s.failing[req.StepRef]:
		s.statuses[ref] = ExternalFailed
	case s.pending[req.StepRef]:
		s.statuses[ref] = ExternalPending
	default:
		s.statuses[ref] = ExternalConfirmed
	}
	return ref, nil
}

func (s *Simulator) StepStatus(ctx context.Context, externalRef string) (ExternalStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	status, ok := s.statuses[externalRef]
	if !ok {
		return "", ErrUnknownRef
	}
	return status, nil
}

// Compile-time assertion.
var _ Provider = (*Simulator)(nil)
