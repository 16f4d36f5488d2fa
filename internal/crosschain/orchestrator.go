package crosschain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/clearhold/clearhold/internal/bridge"
	"github.com/clearhold/clearhold/internal/idgen"
	"github.com/clearhold/clearhold/internal/metrics"
	"github.com/clearhold/clearhold/internal/money"
	"github.com/clearhold/clearhold/internal/network"
	"github.com/clearhold/clearhold/internal/traces"
)

// Store persists cross-chain transactions. Update is conditional on the
// record's version.
type Store interface {
	Create(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	Update(ctx context.Context, tx *Transaction) error
	// GetActiveByEscrow returns the non-terminal transaction for an escrow
	// and direction, if one exists. Backs prepare idempotency.
	GetActiveByEscrow(ctx context.Context, escrowID string, direction Direction) (*Transaction, error)
	ListByEscrow(ctx context.Context, escrowID string) ([]*Transaction, error)
}

// EscrowReconciler is the narrow seam back into the escrow state machine.
// Prepared notifications attach a transaction id; settled notifications
// advance the escrow. All four are idempotent on the escrow side.
type EscrowReconciler interface {
	DepositPrepared(ctx context.Context, escrowID, txID string) error
	DepositSettled(ctx context.Context, escrowID string, amount money.Amount, token string, source network.Network) error
	ReleasePrepared(ctx context.Context, escrowID, txID string) error
	ReleaseSettled(ctx context.Context, escrowID string) error
}

// Publisher pushes step progress to live subscribers. Optional.
type Publisher interface {
	PublishStep(escrowID, transactionID string, stepIndex int, status string)
}

// PrepareRequest describes a settlement movement to plan.
type PrepareRequest struct {
	EscrowID      string
	Direction     Direction
	FromAddress   string
	ToAddress     string
	Amount        money.Amount
	Token         string
	SourceNetwork network.Network
	TargetNetwork network.Network
}

// Orchestrator plans and drives cross-chain settlement transactions.
type Orchestrator struct {
	store      Store
	provider   bridge.Provider
	reconciler EscrowReconciler
	pub        Publisher
	logger     *slog.Logger
	timeout    time.Duration
	locks      sync.Map // per-transaction ID locks
}

// NewOrchestrator creates an orchestrator. timeout bounds every route
// provider call; a call that exceeds it counts as a failed attempt, not a
// failed transaction.
func NewOrchestrator(store Store, provider bridge.Provider, reconciler EscrowReconciler, timeout time.Duration) *Orchestrator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Orchestrator{
		store:      store,
		provider:   provider,
		reconciler: reconciler,
		logger:     slog.Default(),
		timeout:    timeout,
	}
}

// WithLogger overrides the default logger.
func (o *Orchestrator) WithLogger(l *slog.Logger) *Orchestrator {
	o.logger = l
	return o
}

// WithPublisher adds a step-progress publisher for live subscribers.
func (o *Orchestrator) WithPublisher(p Publisher) *Orchestrator {
	o.pub = p
	return o
}

func (o *Orchestrator) publishStep(tx *Transaction, step *Step) {
	if o.pub != nil {
		o.pub.PublishStep(tx.EscrowID, tx.ID, step.Index, string(step.Status))
	}
}

func (o *Orchestrator) txLock(id string) *sync.Mutex {
	v, _ := o.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// selectRoute picks the best quote: highest confidence first, then lowest
// ETA, then lowest total fee.
func selectRoute(routes []bridge.Route) bridge.Route {
	best := routes[0]
	for _, r := range routes[1:] {
		switch {
		case r.Confidence > best.Confidence:
			best = r
		case r.Confidence == best.Confidence && r.ETASeconds < best.ETASeconds:
			best = r
		case r.Confidence == best.Confidence && r.ETASeconds == best.ETASeconds && r.TotalFee < best.TotalFee:
			best = r
		}
	}
	return best
}

// Prepare plans a new cross-chain transaction, or returns the existing
// active one for the same escrow and direction (idempotent; no duplicate
// plans). A failed transaction does not block preparing a fresh one.
func (o *Orchestrator) Prepare(ctx context.Context, req PrepareRequest) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "crosschain.Prepare",
		traces.EscrowID(req.EscrowID), traces.Amount(req.Amount))
	defer span.End()

	if !network.RequiresBridge(req.SourceNetwork, req.TargetNetwork) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrBridgeNotRequired, req.SourceNetwork, req.TargetNetwork)
	}
	if req.Direction != DirectionDeposit && req.Direction != DirectionRelease {
		return nil, fmt.Errorf("unknown direction %q", req.Direction)
	}

	if existing, err := o.store.GetActiveByEscrow(ctx, req.EscrowID, req.Direction); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrTransactionNotFound) {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	routes, err := o.provider.Routes(callCtx, req.SourceNetwork, req.TargetNetwork, req.Amount, req.Token)
	cancel()
	if err != nil {
		if errors.Is(err, bridge.ErrNoRoute) {
			metrics.RouteProviderCallsTotal.WithLabelValues("routes", "no_route").Inc()
			return nil, fmt.Errorf("%w: %s -> %s", ErrUnsupportedNetworkPair, req.SourceNetwork, req.TargetNetwork)
		}
		metrics.RouteProviderCallsTotal.WithLabelValues("routes", "error").Inc()
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	metrics.RouteProviderCallsTotal.WithLabelValues("routes", "ok").Inc()
	if len(routes) == 0 {
		return nil, fmt.Errorf("%w: %s -> %s", ErrUnsupportedNetworkPair, req.SourceNetwork, req.TargetNetwork)
	}

	now := time.Now()
	tx := &Transaction{
		ID:            idgen.WithPrefix("cct_"),
		EscrowID:      req.EscrowID,
		Direction:     req.Direction,
		SourceNetwork: req.SourceNetwork,
		TargetNetwork: req.TargetNetwork,
		Amount:        req.Amount,
		Token:         req.Token,
		FromAddress:   req.FromAddress,
		ToAddress:     req.ToAddress,
		Route:         selectRoute(routes),
		Status:        StatusPending,
		Steps: []Step{
			{Index: 0, Kind: StepLockSource, Status: StatusPending},
			{Index: 1, Kind: StepBridgeTransfer, Status: StatusPending},
			{Index: 2, Kind: StepSettleTarget, Status: StatusPending},
		},
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	// Attach before persisting: an escrow in the wrong state rejects the
	// plan and nothing is written.
	var attachErr error
	switch req.Direction {
	case DirectionDeposit:
		attachErr = o.reconciler.DepositPrepared(ctx, req.EscrowID, tx.ID)
	case DirectionRelease:
		attachErr = o.reconciler.ReleasePrepared(ctx, req.EscrowID, tx.ID)
	}
	if attachErr != nil {
		return nil, attachErr
	}

	if err := o.store.Create(ctx, tx); err != nil {
		o.logger.Error("CRITICAL: escrow references a transaction that failed to persist",
			"escrow", req.EscrowID, "transaction", tx.ID, "error", err)
		return nil, err
	}

	o.logger.Info("cross-chain transaction prepared",
		"transaction", tx.ID, "escrow", req.EscrowID, "direction", req.Direction,
		"bridge", tx.Route.Bridge, "amount", req.Amount)
	return tx, nil
}

// ExecuteStep absorbs a caller report that a step's on-chain action was
// broadcast, verifies it against the route provider, and advances the plan.
//
// Idempotency contract: replaying the identical (transaction, index,
// externalTxRef) returns the stored result; a different reference against an
// already-executed step is a conflict; a non-sequential index is always a
// conflict.
func (o *Orchestrator) ExecuteStep(ctx context.Context, txID string, stepIndex int, externalTxRef string) (*StepResult, error) {
	ctx, span := traces.StartSpan(ctx, "crosschain.ExecuteStep",
		traces.TransactionID(txID), traces.StepIndex(stepIndex))
	defer span.End()

	mu := o.txLock(txID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := o.store.Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	if stepIndex < 0 || stepIndex >= len(tx.Steps) {
		return nil, fmt.Errorf("%w: index %d of %d steps", ErrOutOfOrderStep, stepIndex, len(tx.Steps))
	}
	step := &tx.Steps[stepIndex]

	if step.Status.IsTerminal() {
		if step.ExternalTxRef == externalTxRef {
			return &StepResult{TransactionID: tx.ID, Step: *step, TransactionStatus: tx.Status, Replayed: true}, nil
		}
		return nil, fmt.Errorf("%w: step %d is %s under ref %s", ErrAlreadyExecuted, stepIndex, step.Status, step.ExternalTxRef)
	}
	if next := tx.NextPendingIndex(); stepIndex != next {
		return nil, fmt.Errorf("%w: step %d reported, %d is next", ErrOutOfOrderStep, stepIndex, next)
	}
	if step.Status == StatusInProgress && step.ExternalTxRef != externalTxRef {
		return nil, fmt.Errorf("%w: step %d in progress under ref %s", ErrAlreadyExecuted, stepIndex, step.ExternalTxRef)
	}
	if tx.IsTerminal() {
		return nil, fmt.Errorf("%w: transaction is %s", ErrAlreadyExecuted, tx.Status)
	}

	// First attempt (or retry after a provider timeout left it PENDING):
	// forward to the provider. A timeout here leaves the step PENDING and
	// retryable with the same index.
	if step.Status == StatusPending {
		callCtx, cancel := context.WithTimeout(ctx, o.timeout)
		providerRef, err := o.provider.SubmitStep(callCtx, bridge.StepRequest{
			Bridge:  tx.Route.Bridge,
			Kind:    step.Kind,
			Source:  tx.SourceNetwork,
			Target:  tx.TargetNetwork,
			Amount:  tx.Amount,
			Token:   tx.Token,
			From:    tx.FromAddress,
			To:      tx.ToAddress,
			StepRef: externalTxRef,
		})
		cancel()
		if err != nil {
			metrics.RouteProviderCallsTotal.WithLabelValues("submit_step", "error").Inc()
			return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		}
		metrics.RouteProviderCallsTotal.WithLabelValues("submit_step", "ok").Inc()

		now := time.Now()
		step.Status = StatusInProgress
		step.ExternalTxRef = externalTxRef
		step.ProviderRef = providerRef
		step.StartedAt = &now
		if tx.Status == StatusPending {
			tx.Status = StatusInProgress
		}
		metrics.CrossChainStepsTotal.WithLabelValues(string(StatusInProgress)).Inc()
	}

	if err := o.checkStep(ctx, tx, step); err != nil {
		return nil, err
	}
	if err := o.store.Update(ctx, tx); err != nil {
		return nil, err
	}
	o.publishStep(tx, step)
	o.afterStepTerminal(ctx, tx, step)

	return &StepResult{TransactionID: tx.ID, Step: *step, TransactionStatus: tx.Status}, nil
}

// checkStep queries the provider for the step's external status and applies
// it. Mutates tx/step only; persistence is the caller's job.
func (o *Orchestrator) checkStep(ctx context.Context, tx *Transaction, step *Step) error {
	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	status, err := o.provider.StepStatus(callCtx, step.ProviderRef)
	cancel()
	if err != nil {
		metrics.RouteProviderCallsTotal.WithLabelValues("step_status", "error").Inc()
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	metrics.RouteProviderCallsTotal.WithLabelValues("step_status", "ok").Inc()

	now := time.Now()
	switch status {
	case bridge.ExternalConfirmed:
		step.Status = StatusDone
		step.CompletedAt = &now
		metrics.CrossChainStepsTotal.WithLabelValues(string(StatusDone)).Inc()
		if tx.NextPendingIndex() == -1 {
			tx.Status = StatusDone
		}
	case bridge.ExternalFailed:
		// Terminal: the whole transaction fails and is never auto-retried.
		// The escrow is left untouched; cancellation stays an explicit,
		// auditable operation.
		step.Status = StatusFailed
		step.CompletedAt = &now
		tx.Status = StatusFailed
		metrics.CrossChainStepsTotal.WithLabelValues(string(StatusFailed)).Inc()
	case bridge.ExternalPending:
		// Still in flight; poll again later.
	}
	tx.UpdatedAt = now
	return nil
}

// afterStepTerminal notifies the escrow once the final step lands. Runs
// after persistence so a crash never loses a DONE transaction; the escrow
// side absorbs replays.
func (o *Orchestrator) afterStepTerminal(ctx context.Context, tx *Transaction, step *Step) {
	if tx.Status != StatusDone || step.Index != len(tx.Steps)-1 {
		return
	}
	var err error
	switch tx.Direction {
	case DirectionDeposit:
		err = o.reconciler.DepositSettled(ctx, tx.EscrowID, tx.Amount, tx.Token, tx.SourceNetwork)
	case DirectionRelease:
		err = o.reconciler.ReleaseSettled(ctx, tx.EscrowID)
	}
	if err != nil {
		o.logger.Error("CRITICAL: transaction settled but escrow reconciliation failed",
			"transaction", tx.ID, "escrow", tx.EscrowID, "direction", tx.Direction, "error", err)
		return
	}
	o.logger.Info("cross-chain transaction settled",
		"transaction", tx.ID, "escrow", tx.EscrowID, "direction", tx.Direction)
}

// PollStatus re-checks the in-flight step against the provider and advances
// it. Safe to call at any time; terminal transactions are returned as-is.
func (o *Orchestrator) PollStatus(ctx context.Context, txID string) (*Transaction, error) {
	mu := o.txLock(txID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := o.store.Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.IsTerminal() {
		return tx, nil
	}

	next := tx.NextPendingIndex()
	if next == -1 {
		return tx, nil
	}
	step := &tx.Steps[next]
	if step.Status != StatusInProgress {
		return tx, nil // nothing submitted yet; nothing to poll
	}

	if err := o.checkStep(ctx, tx, step); err != nil {
		return nil, err
	}
	if err := o.store.Update(ctx, tx); err != nil {
		return nil, err
	}
	o.publishStep(tx, step)
	o.afterStepTerminal(ctx, tx, step)
	return tx, nil
}

// EstimateFees quotes the cost of a movement. Provider failures degrade to a
// conservative fallback estimate rather than an error: fee quoting is
// advisory and must not block the caller.
func (o *Orchestrator) EstimateFees(ctx context.Context, source, target network.Network, amount money.Amount, token string) bridge.FeeEstimate {
	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	est, err := o.provider.EstimateFees(callCtx, source, target, amount, token)
	cancel()
	if err != nil {
		metrics.RouteProviderCallsTotal.WithLabelValues("estimate_fees", "error").Inc()
		o.logger.Warn("fee estimate fell back to defaults", "source", source, "target", target, "error", err)
		return fallbackEstimate(source, target, amount)
	}
	metrics.RouteProviderCallsTotal.WithLabelValues("estimate_fees", "ok").Inc()
	return est
}

// fallbackEstimate is a deliberately pessimistic quote used when the
// provider cannot be reached: 100bps total, low confidence, long ETA.
func fallbackEstimate(source, target network.Network, amount money.Amount) bridge.FeeEstimate {
	requires := network.RequiresBridge(source, target)
	total := money.Fee(amount, 100)
	est := bridge.FeeEstimate{
		Total:          total,
		Confidence:     0.5,
		ETASeconds:     1800,
		RequiresBridge: requires,
		Fallback:       true,
	}
	if requires {
		est.BridgeFee = total
	} else {
		est.SourceFee = total
	}
	return est
}

// Get returns a transaction by id.
func (o *Orchestrator) Get(ctx context.Context, txID string) (*Transaction, error) {
	return o.store.Get(ctx, txID)
}

// ListByEscrow returns all transactions for an escrow, newest first.
func (o *Orchestrator) ListByEscrow(ctx context.Context, escrowID string) ([]*Transaction, error) {
	return o.store.ListByEscrow(ctx, escrowID)
}
