package crosschain

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/clearhold/clearhold/internal/bridge"
	"github.com/clearhold/clearhold/internal/money"
	"github.com/clearhold/clearhold/internal/network"
)

// reconcilerRecorder captures escrow notifications.
type reconcilerRecorder struct {
	mu               sync.Mutex
	depositsPrepared []string
	depositsSettled  []money.Amount
	releasesPrepared []string
	releasesSettled  int
	rejectPrepare    bool
}

func (r *reconcilerRecorder) DepositPrepared(ctx context.Context, escrowID, txID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rejectPrepare {
		return errors.New("wrong escrow state")
	}
	r.depositsPrepared = append(r.depositsPrepared, txID)
	return nil
}

func (r *reconcilerRecorder) DepositSettled(ctx context.Context, escrowID string, amount money.Amount, token string, source network.Network) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.depositsSettled = append(r.depositsSettled, amount)
	return nil
}

func (r *reconcilerRecorder) ReleasePrepared(ctx context.Context, escrowID, txID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releasesPrepared = append(r.releasesPrepared, txID)
	return nil
}

func (r *reconcilerRecorder) ReleaseSettled(ctx context.Context, escrowID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releasesSettled++
	return nil
}

func newTestOrchestrator() (*Orchestrator, *bridge.Simulator, *reconcilerRecorder) {
	sim := bridge.NewSimulator()
	rec := &reconcilerRecorder{}
	o := NewOrchestrator(NewMemoryStore(), sim, rec, time.Second)
	return o, sim, rec
}

func depositRequest() PrepareRequest {
	return PrepareRequest{
		EscrowID:      "esc_1",
		Direction:     DirectionDeposit,
		FromAddress:   "SoLBuyerAddr111111111111111111111",
		ToAddress:     "0x3333333333333333333333333333333333333333",
		Amount:        100000,
		SourceNetwork: network.Solana,
		TargetNetwork: network.Base,
	}
}

func TestPrepareBuildsPlanAndAttaches(t *testing.T) {
	o, _, rec := newTestOrchestrator()
	ctx := context.Background()

	tx, err := o.Prepare(ctx, depositRequest())
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if tx.Status != StatusPending {
		t.Fatalf("expected PENDING, got %s", tx.Status)
	}
	if len(tx.Steps) != 3 || tx.Steps[0].Kind != StepLockSource || tx.Steps[2].Kind != StepSettleTarget {
		t.Fatalf("unexpected step plan: %+v", tx.Steps)
	}
	if tx.Route.Bridge == "" {
		t.Fatal("expected a route snapshot")
	}
	if len(rec.depositsPrepared) != 1 || rec.depositsPrepared[0] != tx.ID {
		t.Fatalf("expected escrow attach with %s, got %v", tx.ID, rec.depositsPrepared)
	}
}

func TestPrepareSelectsBestRoute(t *testing.T) {
	o, _, _ := newTestOrchestrator()

	tx, err := o.Prepare(context.Background(), depositRequest())
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	// The simulator quotes relaynet (0.97, 180s), spanport (0.97, 420s) and
	// driftgate (0.82, 90s): highest confidence wins, ETA breaks the tie.
	if tx.Route.Bridge != "relaynet" {
		t.Fatalf("expected relaynet, got %s", tx.Route.Bridge)
	}
}

func TestPrepareIsIdempotentPerEscrowAndDirection(t *testing.T) {
	o, _, rec := newTestOrchestrator()
	ctx := context.Background()

	first, err := o.Prepare(ctx, depositRequest())
	if err != nil {
		t.Fatalf("first Prepare: %v", err)
	}
	second, err := o.Prepare(ctx, depositRequest())
	if err != nil {
		t.Fatalf("second Prepare: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected the same transaction, got %s and %s", first.ID, second.ID)
	}
	if len(rec.depositsPrepared) != 1 {
		t.Fatalf("expected one attach, got %d", len(rec.depositsPrepared))
	}

	// A different direction is a separate plan.
	rel := depositRequest()
	rel.Direction = DirectionRelease
	rel.SourceNetwork = network.Base
	rel.TargetNetwork = network.Solana
	third, err := o.Prepare(ctx, rel)
	if err != nil {
		t.Fatalf("release Prepare: %v", err)
	}
	if third.ID == first.ID {
		t.Fatal("release direction must not reuse the deposit plan")
	}
}

func TestPrepareRejectsCompatiblePair(t *testing.T) {
	o, _, _ := newTestOrchestrator()

	req := depositRequest()
	req.SourceNetwork = network.Ethereum
	req.TargetNetwork = network.Base
	if _, err := o.Prepare(context.Background(), req); !errors.Is(err, ErrBridgeNotRequired) {
		t.Fatalf("expected ErrBridgeNotRequired, got %v", err)
	}
}

func TestPrepareEscrowRejectionWritesNothing(t *testing.T) {
	o, _, rec := newTestOrchestrator()
	rec.rejectPrepare = true

	if _, err := o.Prepare(context.Background(), depositRequest()); err == nil {
		t.Fatal("expected prepare to fail when the escrow rejects it")
	}
	if _, err := o.store.GetActiveByEscrow(context.Background(), "esc_1", DirectionDeposit); !errors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("no transaction should be persisted, got %v", err)
	}
}

func TestExecuteStepsInOrderSettlesDeposit(t *testing.T) {
	o, _, rec := newTestOrchestrator()
	ctx := context.Background()

	tx, err := o.Prepare(ctx, depositRequest())
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	// Out-of-order: step 1 before step 0.
	if _, err := o.ExecuteStep(ctx, tx.ID, 1, "ref-1"); !errors.Is(err, ErrOutOfOrderStep) {
		t.Fatalf("expected ErrOutOfOrderStep, got %v", err)
	}

	for i := 0; i < 3; i++ {
		res, err := o.ExecuteStep(ctx, tx.ID, i, refFor(i))
		if err != nil {
			t.Fatalf("ExecuteStep %d: %v", i, err)
		}
		if res.Step.Status != StatusDone {
			t.Fatalf("step %d: expected DONE, got %s", i, res.Step.Status)
		}
		if i < 2 && res.TransactionStatus != StatusInProgress {
			t.Fatalf("step %d: expected IN_PROGRESS transaction, got %s", i, res.TransactionStatus)
		}
	}

	final, err := o.Get(ctx, tx.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if final.Status != StatusDone {
		t.Fatalf("expected DONE, got %s", final.Status)
	}
	if len(rec.depositsSettled) != 1 || rec.depositsSettled[0] != 100000 {
		t.Fatalf("expected one settled deposit of 100000, got %v", rec.depositsSettled)
	}
}

func refFor(i int) string {
	return "ref-" + string(rune('a'+i))
}

func TestExecuteStepIdempotentReplay(t *testing.T) {
	o, _, rec := newTestOrchestrator()
	ctx := context.Background()

	tx, _ := o.Prepare(ctx, depositRequest())

	first, err := o.ExecuteStep(ctx, tx.ID, 0, "ref-x")
	if err != nil {
		t.Fatalf("ExecuteStep: %v", err)
	}

	// Identical replay returns the stored result, marked as such.
	replay, err := o.ExecuteStep(ctx, tx.ID, 0, "ref-x")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !replay.Replayed {
		t.Fatal("expected the replay marker")
	}
	if replay.Step.Status != first.Step.Status || replay.Step.ExternalTxRef != first.Step.ExternalTxRef {
		t.Fatalf("replay must return the stored result: %+v vs %+v", replay.Step, first.Step)
	}

	// Same index, different reference: genuine conflict.
	if _, err := o.ExecuteStep(ctx, tx.ID, 0, "ref-y"); !errors.Is(err, ErrAlreadyExecuted) {
		t.Fatalf("expected ErrAlreadyExecuted, got %v", err)
	}
	if len(rec.depositsSettled) != 0 {
		t.Fatal("no settlement before the last step")
	}
}

func TestStepFailureFailsTransactionWithoutRetry(t *testing.T) {
	o, sim, rec := newTestOrchestrator()
	ctx := context.Background()

	tx, _ := o.Prepare(ctx, depositRequest())

	sim.FailStep("ref-bad")
	res, err := o.ExecuteStep(ctx, tx.ID, 0, "ref-bad")
	if err != nil {
		t.Fatalf("ExecuteStep: %v", err)
	}
	if res.Step.Status != StatusFailed || res.TransactionStatus != StatusFailed {
		t.Fatalf("expected FAILED/FAILED, got %s/%s", res.Step.Status, res.TransactionStatus)
	}

	// No auto-retry: the failed step stays terminal.
	if _, err := o.ExecuteStep(ctx, tx.ID, 0, "ref-retry"); !errors.Is(err, ErrAlreadyExecuted) {
		t.Fatalf("expected ErrAlreadyExecuted on failed step, got %v", err)
	}
	if len(rec.depositsSettled) != 0 {
		t.Fatal("a failed transaction never settles")
	}

	// A fresh plan may be prepared once the old one is terminal.
	fresh, err := o.Prepare(ctx, depositRequest())
	if err != nil {
		t.Fatalf("Prepare after failure: %v", err)
	}
	if fresh.ID == tx.ID {
		t.Fatal("expected a new transaction after terminal failure")
	}
}

func TestPollStatusAdvancesHeldStep(t *testing.T) {
	o, sim, rec := newTestOrchestrator()
	ctx := context.Background()

	req := depositRequest()
	req.Direction = DirectionRelease
	req.SourceNetwork = network.Base
	req.TargetNetwork = network.Solana
	tx, _ := o.Prepare(ctx, req)

	// Fast-forward the first two steps, hold the last one pending.
	if _, err := o.ExecuteStep(ctx, tx.ID, 0, "r0"); err != nil {
		t.Fatalf("step 0: %v", err)
	}
	if _, err := o.ExecuteStep(ctx, tx.ID, 1, "r1"); err != nil {
		t.Fatalf("step 1: %v", err)
	}
	sim.HoldStep("r2")
	res, err := o.ExecuteStep(ctx, tx.ID, 2, "r2")
	if err != nil {
		t.Fatalf("step 2: %v", err)
	}
	if res.Step.Status != StatusInProgress {
		t.Fatalf("expected IN_PROGRESS for held step, got %s", res.Step.Status)
	}

	// Still pending on poll.
	polled, err := o.PollStatus(ctx, tx.ID)
	if err != nil {
		t.Fatalf("PollStatus: %v", err)
	}
	if polled.Status != StatusInProgress {
		t.Fatalf("expected IN_PROGRESS, got %s", polled.Status)
	}
	if rec.releasesSettled != 0 {
		t.Fatal("no settlement while the last step is in flight")
	}

	// Confirm externally, then poll again.
	sim.ConfirmRef(polled.Steps[2].ProviderRef)
	polled, err = o.PollStatus(ctx, tx.ID)
	if err != nil {
		t.Fatalf("PollStatus after confirm: %v", err)
	}
	if polled.Status != StatusDone {
		t.Fatalf("expected DONE, got %s", polled.Status)
	}
	if rec.releasesSettled != 1 {
		t.Fatalf("expected one release settlement, got %d", rec.releasesSettled)
	}

	// Polling a terminal transaction is a no-op.
	if again, err := o.PollStatus(ctx, tx.ID); err != nil || again.Status != StatusDone {
		t.Fatalf("terminal poll: %v %s", err, again.Status)
	}
	if rec.releasesSettled != 1 {
		t.Fatal("terminal poll must not re-notify")
	}
}

func TestEstimateFeesFallsBack(t *testing.T) {
	store := NewMemoryStore()
	rec := &reconcilerRecorder{}
	o := NewOrchestrator(store, failingProvider{}, rec, time.Second)

	est := o.EstimateFees(context.Background(), network.Base, network.Solana, 100000, "")
	if !est.Fallback {
		t.Fatal("expected the fallback marker")
	}
	if !est.RequiresBridge || est.Total <= 0 {
		t.Fatalf("fallback estimate must still be usable: %+v", est)
	}

	// A healthy provider produces a real quote.
	o2, _, _ := newTestOrchestrator()
	est = o2.EstimateFees(context.Background(), network.Base, network.Solana, 100000, "")
	if est.Fallback {
		t.Fatal("healthy provider must not fall back")
	}
}

// failingProvider errors on every call.
type failingProvider struct{}

func (failingProvider) Routes(ctx context.Context, source, target network.Network, amount money.Amount, token string) ([]bridge.Route, error) {
	return nil, errors.New("connection refused")
}

func (failingProvider) EstimateFees(ctx context.Context, source, target network.Network, amount money.Amount, token string) (bridge.FeeEstimate, error) {
	return bridge.FeeEstimate{}, errors.New("connection refused")
}

func (failingProvider) SubmitStep(ctx context.Context, req bridge.StepRequest) (string, error) {
	return "", errors.New("connection refused")
}

func (failingProvider) StepStatus(ctx context.Context, externalRef string) (bridge.ExternalStatus, error) {
	return "", errors.New("connection refused")
}

func TestProviderOutageLeavesStepRetryable(t *testing.T) {
	store := NewMemoryStore()
	rec := &reconcilerRecorder{}
	o := NewOrchestrator(store, failingProvider{}, rec, time.Second)

	// Seed a prepared transaction directly; Prepare needs a live provider.
	tx := &Transaction{
		ID: "cct_seed", EscrowID: "esc_1", Direction: DirectionDeposit,
		SourceNetwork: network.Solana, TargetNetwork: network.Base,
		Amount: 100000, Status: StatusPending,
		Steps: []Step{
			{Index: 0, Kind: StepLockSource, Status: StatusPending},
			{Index: 1, Kind: StepBridgeTransfer, Status: StatusPending},
		},
		Version: 1, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	if err := store.Create(context.Background(), tx); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if _, err := o.ExecuteStep(context.Background(), tx.ID, 0, "ref-0"); !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}

	// The step stays PENDING and the same index is retryable.
	after, _ := store.Get(context.Background(), tx.ID)
	if after.Steps[0].Status != StatusPending {
		t.Fatalf("outage must leave the step PENDING, got %s", after.Steps[0].Status)
	}
}
