package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/clearhold/clearhold/internal/idgen"
	"github.com/clearhold/clearhold/internal/metrics"
	"github.com/clearhold/clearhold/internal/money"
	"github.com/clearhold/clearhold/internal/network"
)

// Store persists escrow data. Update is conditional on the record's version
// and returns ErrVersionConflict when a concurrent writer got there first.
type Store interface {
	Create(ctx context.Context, escrow *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	Update(ctx context.Context, escrow *Escrow) error
	ListByParticipant(ctx context.Context, participantID string, limit int) ([]*Escrow, error)
	// ListApprovalElapsed returns escrows in IN_FINAL_APPROVAL whose deadline
	// is at or before the given time.
	ListApprovalElapsed(ctx context.Context, before time.Time, limit int) ([]*Escrow, error)
	// ListDisputeElapsed returns escrows in IN_DISPUTE whose resolution
	// deadline is at or before the given time.
	ListDisputeElapsed(ctx context.Context, before time.Time, limit int) ([]*Escrow, error)
}

// Payouts records settlement instructions decided by the state machine.
// Implementations must be idempotent per (escrow, leg, recipient): a replayed
// instruction is absorbed, never double-paid.
type Payouts interface {
	SellerPayout(ctx context.Context, escrowID, recipient string, amount money.Amount, token string, net network.Network) error
	ServiceFee(ctx context.Context, escrowID, recipient string, amount money.Amount, token string, net network.Network) error
	BuyerRefund(ctx context.Context, escrowID, recipient string, amount money.Amount, token string, net network.Network) error
}

// Publisher pushes state transitions to live subscribers. Optional.
type Publisher interface {
	PublishTransition(escrowID, from, to string)
}

// CreateRequest contains the parameters for opening an escrow.
type CreateRequest struct {
	BuyerID       string          `json:"buyerId"`
	SellerID      string          `json:"sellerId"`
	BuyerAddress  string          `json:"buyerAddress"`
	SellerAddress string          `json:"sellerAddress"`
	Amount        money.Amount    `json:"amount"`
	Token         string          `json:"token"`
	BuyerNetwork  network.Network `json:"buyerNetwork"`
	SellerNetwork network.Network `json:"sellerNetwork"`
}

// ConditionInput is one condition supplied at setup time.
type ConditionInput struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

// Service implements the escrow state machine.
type Service struct {
	store        Store
	payouts      Payouts
	pub          Publisher
	logger       *slog.Logger
	settlement   network.Network
	feeRecipient string
	locks        sync.Map // per-escrow ID locks to serialize state transitions
}

// NewService creates an escrow service. Funds are vaulted on the settlement
// network; feeRecipient receives the service fee on direct releases.
func NewService(store Store, payouts Payouts, settlement network.Network, feeRecipient string) *Service {
	return &Service{
		store:        store,
		payouts:      payouts,
		logger:       slog.Default(),
		settlement:   settlement,
		feeRecipient: feeRecipient,
	}
}

// WithPublisher adds a transition publisher for live subscribers.
func (s *Service) WithPublisher(p Publisher) *Service {
	s.pub = p
	return s
}

// WithLogger overrides the default logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// escrowLock returns a mutex for the given escrow ID.
// This prevents concurrent state transitions (e.g. release + dispute racing).
func (s *Service) escrowLock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// transition applies a legal state change and emits it. Callers hold the
// escrow lock and persist afterwards.
func (s *Service) transition(e *Escrow, to State) error {
	if !CanTransition(e.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, e.State, to)
	}
	from := e.State
	e.State = to
	e.UpdatedAt = time.Now()
	metrics.EscrowTransitionsTotal.WithLabelValues(string(to)).Inc()
	if s.pub != nil {
		s.pub.PublishTransition(e.ID, string(from), string(to))
	}
	return nil
}

// Create opens a new escrow in AWAITING_CONDITION_SETUP.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Escrow, error) {
	if req.BuyerID == "" || req.SellerID == "" {
		return nil, errors.New("buyer and seller ids are required")
	}
	if req.BuyerID == req.SellerID {
		return nil, errors.New("buyer and seller cannot be the same participant")
	}
	if strings.EqualFold(req.BuyerAddress, req.SellerAddress) {
		return nil, errors.New("buyer and seller cannot share an address")
	}
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if !req.BuyerNetwork.IsValid() || !req.SellerNetwork.IsValid() {
		return nil, network.ErrUnknownNetwork
	}

	now := time.Now()
	escrow := &Escrow{
		ID:            idgen.WithPrefix("esc_"),
		BuyerID:       req.BuyerID,
		SellerID:      req.SellerID,
		BuyerAddress:  req.BuyerAddress,
		SellerAddress: req.SellerAddress,
		FeeRecipient:  s.feeRecipient,
		Amount:        req.Amount,
		Token:         req.Token,
		BuyerNetwork:  req.BuyerNetwork,
		SellerNetwork: req.SellerNetwork,
		State:         StateAwaitingConditionSetup,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.store.Create(ctx, escrow); err != nil {
		return nil, fmt.Errorf("failed to create escrow record: %w", err)
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(string(StateAwaitingConditionSetup)).Inc()

	return escrow, nil
}

// SetConditions fixes the condition list and opens the deposit phase. The
// set is immutable afterwards; only per-condition status changes.
func (s *Service) SetConditions(ctx context.Context, id, callerID string, inputs []ConditionInput) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if callerID != escrow.BuyerID {
		return nil, ErrUnauthorized
	}
	if escrow.State != StateAwaitingConditionSetup {
		return nil, fmt.Errorf("%w: conditions may only be set in %s", ErrInvalidState, StateAwaitingConditionSetup)
	}
	if len(inputs) == 0 {
		return nil, ErrEmptyConditionSet
	}

	seen := make(map[string]bool, len(inputs))
	conditions := make([]Condition, 0, len(inputs))
	for _, in := range inputs {
		cid := in.ID
		if cid == "" {
			cid = idgen.WithPrefix("cond_")
		}
		if seen[cid] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateCondition, cid)
		}
		seen[cid] = true
		conditions = append(conditions, Condition{ID: cid, Description: in.Description, Status: ConditionPending})
	}
	escrow.Conditions = conditions

	// The deposit phase is cross-chain when the buyer funds from a network
	// that cannot reach the settlement network directly.
	next := StateAwaitingDeposit
	if network.RequiresBridge(escrow.BuyerNetwork, s.settlement) {
		next = StateAwaitingCrossChainDeposit
	}
	if err := s.transition(escrow, next); err != nil {
		return nil, err
	}

	if err := s.store.Update(ctx, escrow); err != nil {
		return nil, err
	}
	return escrow, nil
}

// RecordDeposit records a direct (same-network) deposit by the buyer. The
// amount must match the escrow amount exactly; partial and over-deposits are
// rejected.
func (s *Service) RecordDeposit(ctx context.Context, id, callerID string, amount money.Amount, token string, source network.Network) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if callerID != escrow.BuyerID {
		return nil, ErrUnauthorized
	}
	if escrow.State != StateAwaitingDeposit {
		return nil, fmt.Errorf("%w: deposit not expected in %s", ErrInvalidState, escrow.State)
	}
	if amount != escrow.Amount || token != escrow.Token || source != escrow.BuyerNetwork {
		return nil, ErrMismatchedDeposit
	}

	return s.applyDeposit(ctx, escrow, amount)
}

// RecordCrossChainDeposit absorbs a verified bridge-in reported by the
// settlement orchestrator. A deposit arriving after the escrow reached a
// terminal state is a no-op, not an error: bridges confirm asynchronously
// and may outlive a cancellation.
func (s *Service) RecordCrossChainDeposit(ctx context.Context, id string, amount money.Amount, token string, source network.Network) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if escrow.IsTerminal() {
		s.logger.Info("cross-chain deposit absorbed after terminal state",
			"escrow", escrow.ID, "state", escrow.State, "amount", amount)
		return escrow, nil
	}
	if escrow.State != StateAwaitingCrossChainDeposit {
		return nil, fmt.Errorf("%w: cross-chain deposit not expected in %s", ErrInvalidState, escrow.State)
	}
	if amount != escrow.Amount || token != escrow.Token || source != escrow.BuyerNetwork {
		return nil, ErrMismatchedDeposit
	}

	return s.applyDeposit(ctx, escrow, amount)
}

func (s *Service) applyDeposit(ctx context.Context, escrow *Escrow, amount money.Amount) (*Escrow, error) {
	escrow.HeldAmount = amount
	escrow.FundsDeposited = true
	if err := s.transition(escrow, StateAwaitingFulfillment); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, escrow); err != nil {
		return nil, err
	}
	return escrow, nil
}

// SetConditionStatus updates one condition's status. Which updates are legal
// depends on the escrow state:
//   - FULFILLED in AWAITING_FULFILLMENT: normal fulfillment; when the last
//     condition flips, the escrow advances to READY_FOR_FINAL_APPROVAL.
//   - FULFILLED in IN_DISPUTE: re-fulfillment inside the dispute window;
//     when all conditions are met again the escrow returns to
//     READY_FOR_FINAL_APPROVAL without resetting the approval deadline.
//   - WITHDRAWN in IN_DISPUTE: the buyer concedes the disputed condition
//     will not be met; the escrow stays disputed until it is cancelled.
func (s *Service) SetConditionStatus(ctx context.Context, id, callerID, conditionID string, status ConditionStatus) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if callerID != escrow.BuyerID {
		return nil, ErrUnauthorized
	}
	if escrow.IsTerminal() {
		return nil, fmt.Errorf("%w: escrow is %s", ErrInvalidState, escrow.State)
	}
	cond := escrow.Condition(conditionID)
	if cond == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCondition, conditionID)
	}

	now := time.Now()
	switch status {
	case ConditionFulfilled:
		switch escrow.State {
		case StateAwaitingFulfillment:
			if cond.Status == ConditionFulfilled {
				return nil, fmt.Errorf("%w: %s", ErrAlreadyFulfilled, conditionID)
			}
			cond.Status = ConditionFulfilled
			if escrow.AllConditionsMet() {
				if err := s.transition(escrow, StateReadyForFinalApproval); err != nil {
					return nil, err
				}
			} else {
				escrow.UpdatedAt = now
			}
		case StateInDispute:
			if escrow.DisputeResolutionDeadline == nil || !now.Before(*escrow.DisputeResolutionDeadline) {
				return nil, fmt.Errorf("%w: dispute window closed at %s", ErrInvalidState, deadlineString(escrow.DisputeResolutionDeadline))
			}
			if cond.Status == ConditionFulfilled {
				return nil, fmt.Errorf("%w: %s", ErrAlreadyFulfilled, conditionID)
			}
			if cond.Status == ConditionWithdrawn {
				return nil, fmt.Errorf("%w: condition %s was withdrawn", ErrInvalidState, conditionID)
			}
			cond.Status = ConditionFulfilled
			if escrow.AllConditionsMet() {
				// Return to the approval phase. The approval deadline set
				// earlier in this cycle stands: disputes pause release, they
				// do not restart the clock.
				escrow.DisputeResolutionDeadline = nil
				escrow.DisputedConditionID = ""
				if err := s.transition(escrow, StateReadyForFinalApproval); err != nil {
					return nil, err
				}
			} else {
				escrow.UpdatedAt = now
			}
		default:
			return nil, fmt.Errorf("%w: conditions are not mutable in %s", ErrInvalidState, escrow.State)
		}

	case ConditionWithdrawn:
		if escrow.State != StateInDispute {
			return nil, fmt.Errorf("%w: withdrawal is only possible during a dispute", ErrInvalidState)
		}
		if cond.Status != ConditionPending {
			return nil, fmt.Errorf("%w: only the disputed condition may be withdrawn", ErrInvalidState)
		}
		cond.Status = ConditionWithdrawn
		escrow.UpdatedAt = now

	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidSyncStatus, status)
	}

	if err := s.store.Update(ctx, escrow); err != nil {
		return nil, err
	}
	return escrow, nil
}

// StartFinalApproval opens (or re-enters) the final-approval window. Either
// party may call it. The 48h deadline is set only on first entry: a dispute
// and re-fulfillment cycle never restarts the clock.
func (s *Service) StartFinalApproval(ctx context.Context, id, callerID string) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if !escrow.IsParticipant(callerID) {
		return nil, ErrUnauthorized
	}
	if escrow.State != StateReadyForFinalApproval {
		return nil, fmt.Errorf("%w: approval starts from %s", ErrInvalidState, StateReadyForFinalApproval)
	}
	if !escrow.FundsDeposited || !escrow.AllConditionsMet() {
		return nil, fmt.Errorf("%w: deposit and all conditions required before approval", ErrPreconditionNotMet)
	}

	if escrow.FinalApprovalDeadline == nil {
		deadline := time.Now().Add(FinalApprovalWindow)
		escrow.FinalApprovalDeadline = &deadline
	}
	if err := s.transition(escrow, StateInFinalApproval); err != nil {
		return nil, err
	}

	if err := s.store.Update(ctx, escrow); err != nil {
		return nil, err
	}
	return escrow, nil
}

// RaiseDispute reverts one fulfilled condition to pending and opens the 7-day
// resolution window. Buyer-only, and only while the approval window is open.
// This is the sole sanctioned way to pause an imminent release.
func (s *Service) RaiseDispute(ctx context.Context, id, callerID, conditionID string) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if callerID != escrow.BuyerID {
		return nil, ErrUnauthorized
	}
	if escrow.State != StateInFinalApproval {
		return nil, fmt.Errorf("%w: disputes open only from %s", ErrInvalidState, StateInFinalApproval)
	}
	now := time.Now()
	if escrow.FinalApprovalDeadline == nil || !now.Before(*escrow.FinalApprovalDeadline) {
		return nil, fmt.Errorf("%w: approval window closed at %s", ErrInvalidState, deadlineString(escrow.FinalApprovalDeadline))
	}
	cond := escrow.Condition(conditionID)
	if cond == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCondition, conditionID)
	}
	if cond.Status != ConditionFulfilled {
		return nil, fmt.Errorf("%w: condition %s is not fulfilled", ErrInvalidState, conditionID)
	}

	cond.Status = ConditionPending
	escrow.DisputedConditionID = conditionID
	deadline := now.Add(DisputeResolutionWindow)
	escrow.DisputeResolutionDeadline = &deadline
	if err := s.transition(escrow, StateInDispute); err != nil {
		return nil, err
	}

	if err := s.store.Update(ctx, escrow); err != nil {
		return nil, err
	}
	return escrow, nil
}

// ReleaseAfterApproval settles the escrow once the approval deadline has
// passed. Callable by anyone: the deadline, not the caller, is the authority.
// Same-network sellers are paid directly; cross-network sellers move the
// escrow to READY_FOR_CROSS_CHAIN_RELEASE for an orchestrated bridge-out.
//
// The terminal state is persisted before any payout leg is recorded, so a
// crash between the two leaves a COMPLETED escrow with missing journal legs
// (recoverable by replay) rather than a paid escrow that looks releasable.
func (s *Service) ReleaseAfterApproval(ctx context.Context, id string) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if escrow.State != StateInFinalApproval {
		return nil, fmt.Errorf("%w: release is legal only from %s", ErrInvalidState, StateInFinalApproval)
	}
	now := time.Now()
	if escrow.FinalApprovalDeadline == nil || now.Before(*escrow.FinalApprovalDeadline) {
		return nil, fmt.Errorf("%w: approval window open until %s", ErrInvalidState, deadlineString(escrow.FinalApprovalDeadline))
	}
	if !escrow.AllConditionsMet() {
		return nil, fmt.Errorf("%w: conditions no longer met", ErrPreconditionNotMet)
	}

	if network.RequiresBridge(s.settlement, escrow.SellerNetwork) {
		if err := s.transition(escrow, StateReadyForCrossChainRelease); err != nil {
			return nil, err
		}
		if err := s.store.Update(ctx, escrow); err != nil {
			return nil, err
		}
		return escrow, nil
	}

	split := escrow.ReleaseSplit()
	escrow.FundsReleased = true
	if err := s.transition(escrow, StateCompleted); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, escrow); err != nil {
		return nil, err
	}
	metrics.EscrowReleasesTotal.WithLabelValues("direct").Inc()

	s.recordPayouts(ctx, escrow, split, true)
	return escrow, nil
}

// recordPayouts writes the journal legs for a completed release. The escrow
// is already terminal; a failed leg is logged for replay, never rolled back.
func (s *Service) recordPayouts(ctx context.Context, escrow *Escrow, split money.Split, paySeller bool) {
	if paySeller {
		if err := s.payouts.SellerPayout(ctx, escrow.ID, escrow.SellerAddress, split.SellerPayout, escrow.Token, s.settlement); err != nil {
			s.logger.Error("CRITICAL: escrow completed but seller payout leg failed",
				"escrow", escrow.ID, "recipient", escrow.SellerAddress, "amount", split.SellerPayout, "error", err)
		}
	}
	if err := s.payouts.ServiceFee(ctx, escrow.ID, escrow.FeeRecipient, split.ServiceFee, escrow.Token, s.settlement); err != nil {
		s.logger.Error("CRITICAL: escrow completed but fee leg failed",
			"escrow", escrow.ID, "recipient", escrow.FeeRecipient, "amount", split.ServiceFee, "error", err)
	}
	if err := s.payouts.BuyerRefund(ctx, escrow.ID, escrow.BuyerAddress, split.BuyerSurplus, escrow.Token, s.settlement); err != nil {
		s.logger.Error("CRITICAL: escrow completed but surplus refund leg failed",
			"escrow", escrow.ID, "recipient", escrow.BuyerAddress, "amount", split.BuyerSurplus, "error", err)
	}
}

// AttachCrossChainDeposit links an inbound settlement transaction to the
// escrow. Invoked by the orchestrator when a deposit plan is prepared.
func (s *Service) AttachCrossChainDeposit(ctx context.Context, id, txID string) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if escrow.State != StateAwaitingCrossChainDeposit {
		return nil, fmt.Errorf("%w: no cross-chain deposit expected in %s", ErrInvalidState, escrow.State)
	}
	escrow.CrossChainTxID = txID
	escrow.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, escrow); err != nil {
		return nil, err
	}
	return escrow, nil
}

// AttachCrossChainRelease links an outbound settlement transaction and moves
// the escrow to AWAITING_CROSS_CHAIN_RELEASE. If a previous release attempt
// failed the escrow is already in that state; only the transaction id is
// refreshed then.
func (s *Service) AttachCrossChainRelease(ctx context.Context, id, txID string) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch escrow.State {
	case StateReadyForCrossChainRelease:
		escrow.CrossChainTxID = txID
		if err := s.transition(escrow, StateAwaitingCrossChainRelease); err != nil {
			return nil, err
		}
	case StateAwaitingCrossChainRelease:
		escrow.CrossChainTxID = txID
		escrow.UpdatedAt = time.Now()
	default:
		return nil, fmt.Errorf("%w: no cross-chain release expected in %s", ErrInvalidState, escrow.State)
	}
	if err := s.store.Update(ctx, escrow); err != nil {
		return nil, err
	}
	return escrow, nil
}

// CompleteCrossChainRelease finalizes the escrow after the orchestrator
// confirms the bridge-out settled on the seller's network. A confirmation
// arriving after the escrow is already terminal is absorbed silently.
func (s *Service) CompleteCrossChainRelease(ctx context.Context, id string) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if escrow.IsTerminal() {
		s.logger.Info("cross-chain release confirmation absorbed after terminal state",
			"escrow", escrow.ID, "state", escrow.State)
		return escrow, nil
	}
	if escrow.State != StateAwaitingCrossChainRelease {
		return nil, fmt.Errorf("%w: no cross-chain release in flight in %s", ErrInvalidState, escrow.State)
	}

	split := escrow.ReleaseSplit()
	escrow.FundsReleased = true
	if err := s.transition(escrow, StateCompleted); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, escrow); err != nil {
		return nil, err
	}
	metrics.EscrowReleasesTotal.WithLabelValues("cross_chain").Inc()

	// The bridge delivered the seller payout on the target network; only the
	// fee and surplus legs settle locally. The seller leg is journaled for
	// reconciliation all the same.
	s.recordPayouts(ctx, escrow, split, true)
	return escrow, nil
}

// Cancel terminates the escrow and refunds any held balance to the buyer,
// fee-free. Participants may cancel in any pre-approval state, and during
// the approval or dispute windows strictly before their deadlines. Once a
// dispute deadline has lapsed, anyone (typically the sweeper) may cancel.
func (s *Service) Cancel(ctx context.Context, id, callerID string, bySystem bool) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if escrow.IsTerminal() {
		return nil, fmt.Errorf("%w: escrow is %s", ErrInvalidState, escrow.State)
	}

	now := time.Now()
	if bySystem {
		if escrow.State != StateInDispute || escrow.DisputeResolutionDeadline == nil || now.Before(*escrow.DisputeResolutionDeadline) {
			return nil, fmt.Errorf("%w: dispute window still open", ErrInvalidState)
		}
	} else {
		if !escrow.IsParticipant(callerID) {
			return nil, ErrUnauthorized
		}
		switch escrow.State {
		case StateAwaitingConditionSetup, StateAwaitingDeposit, StateAwaitingCrossChainDeposit,
			StateAwaitingFulfillment, StateReadyForFinalApproval:
			// Cancellable at any time before approval starts.
		case StateInFinalApproval:
			if escrow.FinalApprovalDeadline == nil || !now.Before(*escrow.FinalApprovalDeadline) {
				return nil, fmt.Errorf("%w: approval deadline passed, release is pending", ErrCancellationWindowClosed)
			}
		case StateInDispute:
			// Past the resolution deadline any caller may apply the lapse.
			if escrow.DisputeResolutionDeadline != nil && now.Before(*escrow.DisputeResolutionDeadline) {
				break
			}
		default:
			// Funds are committed to a cross-chain release.
			return nil, fmt.Errorf("%w: release already in progress", ErrCancellationWindowClosed)
		}
	}

	if err := s.transition(escrow, StateCancelled); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, escrow); err != nil {
		return nil, err
	}

	if escrow.FundsDeposited && !escrow.FundsReleased && escrow.HeldAmount > 0 {
		if err := s.payouts.BuyerRefund(ctx, escrow.ID, escrow.BuyerAddress, escrow.HeldAmount, escrow.Token, s.settlement); err != nil {
			s.logger.Error("CRITICAL: escrow cancelled but refund leg failed",
				"escrow", escrow.ID, "recipient", escrow.BuyerAddress, "amount", escrow.HeldAmount, "error", err)
		}
	}
	return escrow, nil
}

// SyncStatus applies an externally observed state change reported by a
// participant (wallet, webhook, operator tooling). Only two external
// statuses are accepted: entry into the approval window, and an observed
// on-chain completion. The reported transition is validated against the
// same table as internal ones.
func (s *Service) SyncStatus(ctx context.Context, id, callerID, externalStatus string, deadline *time.Time) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if !escrow.IsParticipant(callerID) {
		return nil, ErrUnauthorized
	}

	target, err := ParseState(externalStatus)
	if err != nil {
		return nil, err
	}
	if target != StateInFinalApproval && target != StateCompleted {
		return nil, fmt.Errorf("%w: %q is not externally reportable", ErrInvalidSyncStatus, externalStatus)
	}

	if escrow.State == target {
		return escrow, nil // already there; absorb the duplicate report
	}
	if !CanTransition(escrow.State, target) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidState, escrow.State, target)
	}

	switch target {
	case StateInFinalApproval:
		if !escrow.FundsDeposited || !escrow.AllConditionsMet() {
			return nil, fmt.Errorf("%w: deposit and all conditions required before approval", ErrPreconditionNotMet)
		}
		if escrow.FinalApprovalDeadline == nil {
			d := time.Now().Add(FinalApprovalWindow)
			if deadline != nil {
				d = *deadline
			}
			escrow.FinalApprovalDeadline = &d
		}
	case StateCompleted:
		// An observed completion inside the approval window would end the
		// buyer's dispute window on an unverified report; only a release
		// after the deadline (or a settled cross-chain release) is accepted.
		if escrow.State == StateInFinalApproval &&
			escrow.FinalApprovalDeadline != nil && time.Now().Before(*escrow.FinalApprovalDeadline) {
			return nil, fmt.Errorf("%w: approval window still open", ErrPreconditionNotMet)
		}
		// Observed on-chain; funds moved outside this service, so no
		// journal legs are recorded here.
		escrow.FundsReleased = true
	}

	if err := s.transition(escrow, target); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, escrow); err != nil {
		return nil, err
	}
	return escrow, nil
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// ListByParticipant returns escrows involving a participant (buyer or seller).
func (s *Service) ListByParticipant(ctx context.Context, participantID string, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByParticipant(ctx, participantID, limit)
}

func deadlineString(t *time.Time) string {
	if t == nil {
		return "unset"
	}
	return t.UTC().Format(time.RFC3339)
}
