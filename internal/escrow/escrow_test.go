package escrow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/clearhold/clearhold/internal/money"
	"github.com/clearhold/clearhold/internal/network"
)

// payoutRecorder captures settlement legs instead of journaling them.
type payoutRecorder struct {
	mu      sync.Mutex
	seller  []money.Amount
	fees    []money.Amount
	refunds []money.Amount
}

func (p *payoutRecorder) SellerPayout(ctx context.Context, escrowID, recipient string, amount money.Amount, token string, net network.Network) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seller = append(p.seller, amount)
	return nil
}

func (p *payoutRecorder) ServiceFee(ctx context.Context, escrowID, recipient string, amount money.Amount, token string, net network.Network) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if amount > 0 {
		p.fees = append(p.fees, amount)
	}
	return nil
}

func (p *payoutRecorder) BuyerRefund(ctx context.Context, escrowID, recipient string, amount money.Amount, token string, net network.Network) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if amount > 0 {
		p.refunds = append(p.refunds, amount)
	}
	return nil
}

func (p *payoutRecorder) sellerCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.seller)
}

func newTestService() (*Service, *MemoryStore, *payoutRecorder) {
	store := NewMemoryStore()
	rec := &payoutRecorder{}
	svc := NewService(store, rec, network.Base, "0xfee")
	return svc, store, rec
}

func createTestEscrow(t *testing.T, svc *Service, buyerNet, sellerNet network.Network) *Escrow {
	t.Helper()
	escrow, err := svc.Create(context.Background(), CreateRequest{
		BuyerID:       "buyer-1",
		SellerID:      "seller-1",
		BuyerAddress:  "0x1111111111111111111111111111111111111111",
		SellerAddress: "0x2222222222222222222222222222222222222222",
		Amount:        1000,
		BuyerNetwork:  buyerNet,
		SellerNetwork: sellerNet,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return escrow
}

// mutate edits the stored escrow directly, bypassing the state machine.
// Used to move deadlines around in tests.
func mutate(t *testing.T, store *MemoryStore, id string, fn func(*Escrow)) {
	t.Helper()
	e, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get for mutate: %v", err)
	}
	fn(e)
	if err := store.Update(context.Background(), e); err != nil {
		t.Fatalf("Update for mutate: %v", err)
	}
}

// toApproval walks an escrow through setup, deposit, and fulfillment into
// IN_FINAL_APPROVAL.
func toApproval(t *testing.T, svc *Service, id string) *Escrow {
	t.Helper()
	ctx := context.Background()

	e, err := svc.SetConditions(ctx, id, "buyer-1", []ConditionInput{{ID: "c1", Description: "goods delivered"}})
	if err != nil {
		t.Fatalf("SetConditions: %v", err)
	}
	if e.State != StateAwaitingDeposit {
		t.Fatalf("expected %s, got %s", StateAwaitingDeposit, e.State)
	}
	if _, err := svc.RecordDeposit(ctx, id, "buyer-1", 1000, "", e.BuyerNetwork); err != nil {
		t.Fatalf("RecordDeposit: %v", err)
	}
	if _, err := svc.SetConditionStatus(ctx, id, "buyer-1", "c1", ConditionFulfilled); err != nil {
		t.Fatalf("SetConditionStatus: %v", err)
	}
	e, err = svc.StartFinalApproval(ctx, id, "seller-1")
	if err != nil {
		t.Fatalf("StartFinalApproval: %v", err)
	}
	if e.State != StateInFinalApproval {
		t.Fatalf("expected %s, got %s", StateInFinalApproval, e.State)
	}
	if e.FinalApprovalDeadline == nil {
		t.Fatal("expected approval deadline to be set")
	}
	return e
}

func TestCreateRejectsUnknownNetwork(t *testing.T) {
	svc, _, _ := newTestService()

	req := CreateRequest{
		BuyerID:       "buyer-1",
		SellerID:      "seller-1",
		BuyerAddress:  "0x1111111111111111111111111111111111111111",
		SellerAddress: "0x2222222222222222222222222222222222222222",
		Amount:        1000,
		BuyerNetwork:  network.Network("dogechain"),
		SellerNetwork: network.Base,
	}
	if _, err := svc.Create(context.Background(), req); !errors.Is(err, network.ErrUnknownNetwork) {
		t.Fatalf("expected ErrUnknownNetwork for buyer network, got %v", err)
	}

	req.BuyerNetwork = network.Base
	req.SellerNetwork = network.Network("")
	if _, err := svc.Create(context.Background(), req); !errors.Is(err, network.ErrUnknownNetwork) {
		t.Fatalf("expected ErrUnknownNetwork for seller network, got %v", err)
	}
}

func TestDirectReleaseHappyPath(t *testing.T) {
	svc, store, rec := newTestService()
	ctx := context.Background()

	escrow := createTestEscrow(t, svc, network.Ethereum, network.Base)
	toApproval(t, svc, escrow.ID)

	// Before the deadline release must fail.
	if _, err := svc.ReleaseAfterApproval(ctx, escrow.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState before deadline, got %v", err)
	}

	past := time.Now().Add(-time.Minute)
	mutate(t, store, escrow.ID, func(e *Escrow) { e.FinalApprovalDeadline = &past })

	released, err := svc.ReleaseAfterApproval(ctx, escrow.ID)
	if err != nil {
		t.Fatalf("ReleaseAfterApproval: %v", err)
	}
	if released.State != StateCompleted || !released.FundsReleased {
		t.Fatalf("expected COMPLETED with funds released, got %s released=%v", released.State, released.FundsReleased)
	}

	// amount=1000, fee=200bps: seller=980, fee=20, surplus=0
	if len(rec.seller) != 1 || rec.seller[0] != 980 {
		t.Fatalf("expected one seller payout of 980, got %v", rec.seller)
	}
	if len(rec.fees) != 1 || rec.fees[0] != 20 {
		t.Fatalf("expected one fee leg of 20, got %v", rec.fees)
	}
	if len(rec.refunds) != 0 {
		t.Fatalf("expected no surplus refund, got %v", rec.refunds)
	}

	// Terminal states accept no further mutation.
	if _, err := svc.SetConditionStatus(ctx, escrow.ID, "buyer-1", "c1", ConditionFulfilled); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on terminal escrow, got %v", err)
	}
	if _, err := svc.Cancel(ctx, escrow.ID, "buyer-1", false); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState cancelling terminal escrow, got %v", err)
	}
}

func TestConcurrentReleaseIsExactlyOnce(t *testing.T) {
	svc, store, rec := newTestService()

	escrow := createTestEscrow(t, svc, network.Ethereum, network.Base)
	toApproval(t, svc, escrow.ID)
	past := time.Now().Add(-time.Minute)
	mutate(t, store, escrow.ID, func(e *Escrow) { e.FinalApprovalDeadline = &past })

	const callers = 8
	var wg sync.WaitGroup
	successes := make(chan struct{}, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.ReleaseAfterApproval(context.Background(), escrow.ID); err == nil {
				successes <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(successes)

	var won int
	for range successes {
		won++
	}
	if won != 1 {
		t.Fatalf("expected exactly one successful release, got %d", won)
	}
	if rec.sellerCalls() != 1 {
		t.Fatalf("expected exactly one seller payout, got %d", rec.sellerCalls())
	}
}

func TestCrossChainDepositVariant(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	// Buyer funds from Solana; settlement lives on Base.
	escrow := createTestEscrow(t, svc, network.Solana, network.Base)

	e, err := svc.SetConditions(ctx, escrow.ID, "buyer-1", []ConditionInput{{ID: "c1"}})
	if err != nil {
		t.Fatalf("SetConditions: %v", err)
	}
	if e.State != StateAwaitingCrossChainDeposit {
		t.Fatalf("expected %s, got %s", StateAwaitingCrossChainDeposit, e.State)
	}

	// Direct deposit is not legal on the cross-chain path.
	if _, err := svc.RecordDeposit(ctx, escrow.ID, "buyer-1", 1000, "", network.Solana); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for direct deposit, got %v", err)
	}

	e, err = svc.RecordCrossChainDeposit(ctx, escrow.ID, 1000, "", network.Solana)
	if err != nil {
		t.Fatalf("RecordCrossChainDeposit: %v", err)
	}
	if e.State != StateAwaitingFulfillment || e.HeldAmount != 1000 {
		t.Fatalf("expected AWAITING_FULFILLMENT holding 1000, got %s holding %d", e.State, e.HeldAmount)
	}
}

func TestCrossChainDepositAfterCancelIsNoOp(t *testing.T) {
	svc, _, rec := newTestService()
	ctx := context.Background()

	escrow := createTestEscrow(t, svc, network.Solana, network.Base)
	if _, err := svc.SetConditions(ctx, escrow.ID, "buyer-1", []ConditionInput{{ID: "c1"}}); err != nil {
		t.Fatalf("SetConditions: %v", err)
	}
	if _, err := svc.Cancel(ctx, escrow.ID, "buyer-1", false); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	// The bridge confirms after cancellation: absorbed, not an error.
	e, err := svc.RecordCrossChainDeposit(ctx, escrow.ID, 1000, "", network.Solana)
	if err != nil {
		t.Fatalf("expected late deposit to be absorbed, got %v", err)
	}
	if e.State != StateCancelled || e.HeldAmount != 0 {
		t.Fatalf("late deposit must not mutate a terminal escrow: %s holding %d", e.State, e.HeldAmount)
	}
	if rec.sellerCalls() != 0 {
		t.Fatal("no payouts expected")
	}
}

func TestMismatchedDeposit(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	escrow := createTestEscrow(t, svc, network.Ethereum, network.Base)
	if _, err := svc.SetConditions(ctx, escrow.ID, "buyer-1", []ConditionInput{{ID: "c1"}}); err != nil {
		t.Fatalf("SetConditions: %v", err)
	}

	cases := []struct {
		name   string
		amount money.Amount
		token  string
		source network.Network
	}{
		{"partial", 999, "", network.Ethereum},
		{"over", 1001, "", network.Ethereum},
		{"wrong token", 1000, "USDC", network.Ethereum},
		{"wrong source", 1000, "", network.Polygon},
	}
	for _, tc := range cases {
		if _, err := svc.RecordDeposit(ctx, escrow.ID, "buyer-1", tc.amount, tc.token, tc.source); !errors.Is(err, ErrMismatchedDeposit) {
			t.Errorf("%s: expected ErrMismatchedDeposit, got %v", tc.name, err)
		}
	}
}

func TestDisputePausesReleaseWithoutResettingDeadline(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()

	escrow := createTestEscrow(t, svc, network.Ethereum, network.Base)
	e := toApproval(t, svc, escrow.ID)
	originalDeadline := *e.FinalApprovalDeadline

	e, err := svc.RaiseDispute(ctx, escrow.ID, "buyer-1", "c1")
	if err != nil {
		t.Fatalf("RaiseDispute: %v", err)
	}
	if e.State != StateInDispute {
		t.Fatalf("expected IN_DISPUTE, got %s", e.State)
	}
	if e.DisputeResolutionDeadline == nil {
		t.Fatal("expected dispute deadline to open")
	}
	if got := e.Condition("c1").Status; got != ConditionPending {
		t.Fatalf("disputed condition should revert to PENDING, got %s", got)
	}

	// Release is blocked while disputed, even past the approval deadline.
	past := time.Now().Add(-time.Minute)
	mutate(t, store, escrow.ID, func(e *Escrow) { e.FinalApprovalDeadline = &past })
	if _, err := svc.ReleaseAfterApproval(ctx, escrow.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState while disputed, got %v", err)
	}

	// Re-fulfilling returns to READY_FOR_FINAL_APPROVAL with the original
	// (already mutated to past) deadline intact.
	e, err = svc.SetConditionStatus(ctx, escrow.ID, "buyer-1", "c1", ConditionFulfilled)
	if err != nil {
		t.Fatalf("re-fulfill: %v", err)
	}
	if e.State != StateReadyForFinalApproval {
		t.Fatalf("expected READY_FOR_FINAL_APPROVAL, got %s", e.State)
	}
	if e.DisputeResolutionDeadline != nil || e.DisputedConditionID != "" {
		t.Fatal("dispute bookkeeping should clear on re-fulfillment")
	}

	e, err = svc.StartFinalApproval(ctx, escrow.ID, "buyer-1")
	if err != nil {
		t.Fatalf("StartFinalApproval re-entry: %v", err)
	}
	if !e.FinalApprovalDeadline.Equal(past) {
		t.Fatalf("deadline must not reset on re-entry: want %v, got %v", past, e.FinalApprovalDeadline)
	}
	_ = originalDeadline

	// The elapsed deadline now permits immediate release.
	if _, err := svc.ReleaseAfterApproval(ctx, escrow.ID); err != nil {
		t.Fatalf("release after re-fulfillment: %v", err)
	}
}

func TestDisputeLapseCancelsWithFullRefund(t *testing.T) {
	svc, store, rec := newTestService()
	ctx := context.Background()

	escrow := createTestEscrow(t, svc, network.Ethereum, network.Base)
	toApproval(t, svc, escrow.ID)
	if _, err := svc.RaiseDispute(ctx, escrow.ID, "buyer-1", "c1"); err != nil {
		t.Fatalf("RaiseDispute: %v", err)
	}

	// System cancel before the deadline is rejected.
	if _, err := svc.Cancel(ctx, escrow.ID, "", true); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState before dispute deadline, got %v", err)
	}

	past := time.Now().Add(-time.Minute)
	mutate(t, store, escrow.ID, func(e *Escrow) { e.DisputeResolutionDeadline = &past })

	e, err := svc.Cancel(ctx, escrow.ID, "", true)
	if err != nil {
		t.Fatalf("system Cancel: %v", err)
	}
	if e.State != StateCancelled {
		t.Fatalf("expected CANCELLED, got %s", e.State)
	}
	if len(rec.refunds) != 1 || rec.refunds[0] != 1000 {
		t.Fatalf("expected full refund of 1000, got %v", rec.refunds)
	}
	if rec.sellerCalls() != 0 || len(rec.fees) != 0 {
		t.Fatal("lapse cancellation must be fee-free with no seller payout")
	}
}

func TestDisputeWindowClosesReFulfillment(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()

	escrow := createTestEscrow(t, svc, network.Ethereum, network.Base)
	toApproval(t, svc, escrow.ID)
	if _, err := svc.RaiseDispute(ctx, escrow.ID, "buyer-1", "c1"); err != nil {
		t.Fatalf("RaiseDispute: %v", err)
	}

	past := time.Now().Add(-time.Minute)
	mutate(t, store, escrow.ID, func(e *Escrow) { e.DisputeResolutionDeadline = &past })

	if _, err := svc.SetConditionStatus(ctx, escrow.ID, "buyer-1", "c1", ConditionFulfilled); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState after dispute window, got %v", err)
	}
}

func TestWithdrawDisputedCondition(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	escrow := createTestEscrow(t, svc, network.Ethereum, network.Base)
	toApproval(t, svc, escrow.ID)

	// Withdrawal outside a dispute is rejected.
	if _, err := svc.SetConditionStatus(ctx, escrow.ID, "buyer-1", "c1", ConditionWithdrawn); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}

	if _, err := svc.RaiseDispute(ctx, escrow.ID, "buyer-1", "c1"); err != nil {
		t.Fatalf("RaiseDispute: %v", err)
	}
	e, err := svc.SetConditionStatus(ctx, escrow.ID, "buyer-1", "c1", ConditionWithdrawn)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got := e.Condition("c1").Status; got != ConditionWithdrawn {
		t.Fatalf("expected WITHDRAWN, got %s", got)
	}

	// A withdrawn condition can never count as met again.
	if _, err := svc.SetConditionStatus(ctx, escrow.ID, "buyer-1", "c1", ConditionFulfilled); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState fulfilling withdrawn condition, got %v", err)
	}
}

func TestDisputeOnlyInsideApprovalWindow(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()

	escrow := createTestEscrow(t, svc, network.Ethereum, network.Base)
	toApproval(t, svc, escrow.ID)

	past := time.Now().Add(-time.Minute)
	mutate(t, store, escrow.ID, func(e *Escrow) { e.FinalApprovalDeadline = &past })

	if _, err := svc.RaiseDispute(ctx, escrow.ID, "buyer-1", "c1"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState after approval deadline, got %v", err)
	}
}

func TestCrossChainReleasePath(t *testing.T) {
	svc, store, rec := newTestService()
	ctx := context.Background()

	// Seller settles on Solana: release must bridge out.
	escrow := createTestEscrow(t, svc, network.Ethereum, network.Solana)
	toApproval(t, svc, escrow.ID)
	past := time.Now().Add(-time.Minute)
	mutate(t, store, escrow.ID, func(e *Escrow) { e.FinalApprovalDeadline = &past })

	e, err := svc.ReleaseAfterApproval(ctx, escrow.ID)
	if err != nil {
		t.Fatalf("ReleaseAfterApproval: %v", err)
	}
	if e.State != StateReadyForCrossChainRelease {
		t.Fatalf("expected READY_FOR_CROSS_CHAIN_RELEASE, got %s", e.State)
	}
	if rec.sellerCalls() != 0 {
		t.Fatal("no payout before the bridge-out settles")
	}

	// Cancellation is closed once funds are committed to a release.
	if _, err := svc.Cancel(ctx, escrow.ID, "buyer-1", false); !errors.Is(err, ErrCancellationWindowClosed) {
		t.Fatalf("expected ErrCancellationWindowClosed, got %v", err)
	}

	e, err = svc.AttachCrossChainRelease(ctx, escrow.ID, "cct_1")
	if err != nil {
		t.Fatalf("AttachCrossChainRelease: %v", err)
	}
	if e.State != StateAwaitingCrossChainRelease || e.CrossChainTxID != "cct_1" {
		t.Fatalf("expected AWAITING_CROSS_CHAIN_RELEASE with cct_1, got %s %s", e.State, e.CrossChainTxID)
	}

	e, err = svc.CompleteCrossChainRelease(ctx, escrow.ID)
	if err != nil {
		t.Fatalf("CompleteCrossChainRelease: %v", err)
	}
	if e.State != StateCompleted || !e.FundsReleased {
		t.Fatalf("expected COMPLETED released, got %s", e.State)
	}
	if rec.sellerCalls() != 1 || len(rec.fees) != 1 {
		t.Fatalf("expected journaled payout legs, got seller=%d fees=%d", rec.sellerCalls(), len(rec.fees))
	}

	// A replayed confirmation is absorbed.
	if _, err := svc.CompleteCrossChainRelease(ctx, escrow.ID); err != nil {
		t.Fatalf("replayed completion should be a no-op, got %v", err)
	}
	if rec.sellerCalls() != 1 {
		t.Fatalf("replay must not double-pay: %d seller payouts", rec.sellerCalls())
	}
}

func TestConditionValidation(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	escrow := createTestEscrow(t, svc, network.Ethereum, network.Base)

	if _, err := svc.SetConditions(ctx, escrow.ID, "seller-1", []ConditionInput{{ID: "c1"}}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for seller, got %v", err)
	}
	if _, err := svc.SetConditions(ctx, escrow.ID, "buyer-1", nil); !errors.Is(err, ErrEmptyConditionSet) {
		t.Fatalf("expected ErrEmptyConditionSet, got %v", err)
	}
	if _, err := svc.SetConditions(ctx, escrow.ID, "buyer-1", []ConditionInput{{ID: "c1"}, {ID: "c1"}}); !errors.Is(err, ErrDuplicateCondition) {
		t.Fatalf("expected ErrDuplicateCondition, got %v", err)
	}

	if _, err := svc.SetConditions(ctx, escrow.ID, "buyer-1", []ConditionInput{{ID: "c1"}, {ID: "c2"}}); err != nil {
		t.Fatalf("SetConditions: %v", err)
	}
	// Condition set is fixed once set.
	if _, err := svc.SetConditions(ctx, escrow.ID, "buyer-1", []ConditionInput{{ID: "c3"}}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState re-setting conditions, got %v", err)
	}

	if _, err := svc.RecordDeposit(ctx, escrow.ID, "buyer-1", 1000, "", network.Ethereum); err != nil {
		t.Fatalf("RecordDeposit: %v", err)
	}

	if _, err := svc.SetConditionStatus(ctx, escrow.ID, "seller-1", "c1", ConditionFulfilled); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := svc.SetConditionStatus(ctx, escrow.ID, "buyer-1", "nope", ConditionFulfilled); !errors.Is(err, ErrUnknownCondition) {
		t.Fatalf("expected ErrUnknownCondition, got %v", err)
	}

	e, err := svc.SetConditionStatus(ctx, escrow.ID, "buyer-1", "c1", ConditionFulfilled)
	if err != nil {
		t.Fatalf("fulfill c1: %v", err)
	}
	if e.State != StateAwaitingFulfillment {
		t.Fatalf("one of two conditions met should stay AWAITING_FULFILLMENT, got %s", e.State)
	}
	if _, err := svc.SetConditionStatus(ctx, escrow.ID, "buyer-1", "c1", ConditionFulfilled); !errors.Is(err, ErrAlreadyFulfilled) {
		t.Fatalf("expected ErrAlreadyFulfilled, got %v", err)
	}

	e, err = svc.SetConditionStatus(ctx, escrow.ID, "buyer-1", "c2", ConditionFulfilled)
	if err != nil {
		t.Fatalf("fulfill c2: %v", err)
	}
	if e.State != StateReadyForFinalApproval {
		t.Fatalf("all conditions met should advance, got %s", e.State)
	}
}

func TestStartFinalApprovalPreconditions(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()

	escrow := createTestEscrow(t, svc, network.Ethereum, network.Base)
	if _, err := svc.StartFinalApproval(ctx, escrow.ID, "buyer-1"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState before setup, got %v", err)
	}
	if _, err := svc.StartFinalApproval(ctx, escrow.ID, "stranger"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	// Force the state forward without a deposit: precondition must catch it.
	if _, err := svc.SetConditions(ctx, escrow.ID, "buyer-1", []ConditionInput{{ID: "c1"}}); err != nil {
		t.Fatalf("SetConditions: %v", err)
	}
	mutate(t, store, escrow.ID, func(e *Escrow) {
		e.State = StateReadyForFinalApproval
		e.Conditions[0].Status = ConditionFulfilled
	})
	if _, err := svc.StartFinalApproval(ctx, escrow.ID, "buyer-1"); !errors.Is(err, ErrPreconditionNotMet) {
		t.Fatalf("expected ErrPreconditionNotMet without deposit, got %v", err)
	}
}

func TestCancelWindows(t *testing.T) {
	svc, store, rec := newTestService()
	ctx := context.Background()

	// Pre-deposit cancel needs no refund.
	e1 := createTestEscrow(t, svc, network.Ethereum, network.Base)
	if _, err := svc.Cancel(ctx, e1.ID, "stranger", false); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	cancelled, err := svc.Cancel(ctx, e1.ID, "seller-1", false)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.State != StateCancelled || len(rec.refunds) != 0 {
		t.Fatalf("expected CANCELLED without refund, got %s refunds=%v", cancelled.State, rec.refunds)
	}

	// After the approval deadline the window is closed: release is pending.
	e2 := createTestEscrow(t, svc, network.Ethereum, network.Base)
	toApproval(t, svc, e2.ID)
	past := time.Now().Add(-time.Minute)
	mutate(t, store, e2.ID, func(e *Escrow) { e.FinalApprovalDeadline = &past })
	if _, err := svc.Cancel(ctx, e2.ID, "buyer-1", false); !errors.Is(err, ErrCancellationWindowClosed) {
		t.Fatalf("expected ErrCancellationWindowClosed, got %v", err)
	}

	// Inside the approval window either party may cancel; the deposit is
	// refunded in full.
	e3 := createTestEscrow(t, svc, network.Ethereum, network.Base)
	toApproval(t, svc, e3.ID)
	cancelled, err = svc.Cancel(ctx, e3.ID, "buyer-1", false)
	if err != nil {
		t.Fatalf("Cancel inside approval window: %v", err)
	}
	if cancelled.State != StateCancelled {
		t.Fatalf("expected CANCELLED, got %s", cancelled.State)
	}
	if len(rec.refunds) != 1 || rec.refunds[0] != 1000 {
		t.Fatalf("expected refund of held 1000, got %v", rec.refunds)
	}
}

func TestSyncStatus(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	escrow := createTestEscrow(t, svc, network.Ethereum, network.Base)
	if _, err := svc.SetConditions(ctx, escrow.ID, "buyer-1", []ConditionInput{{ID: "c1"}}); err != nil {
		t.Fatalf("SetConditions: %v", err)
	}
	if _, err := svc.RecordDeposit(ctx, escrow.ID, "buyer-1", 1000, "", network.Ethereum); err != nil {
		t.Fatalf("RecordDeposit: %v", err)
	}
	if _, err := svc.SetConditionStatus(ctx, escrow.ID, "buyer-1", "c1", ConditionFulfilled); err != nil {
		t.Fatalf("fulfill: %v", err)
	}

	if _, err := svc.SyncStatus(ctx, escrow.ID, "stranger", string(StateInFinalApproval), nil); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := svc.SyncStatus(ctx, escrow.ID, "buyer-1", "NOT_A_STATE", nil); !errors.Is(err, ErrInvalidSyncStatus) {
		t.Fatalf("expected ErrInvalidSyncStatus, got %v", err)
	}
	// Only approval entry and completion are externally reportable.
	if _, err := svc.SyncStatus(ctx, escrow.ID, "buyer-1", string(StateCancelled), nil); !errors.Is(err, ErrInvalidSyncStatus) {
		t.Fatalf("expected ErrInvalidSyncStatus for CANCELLED, got %v", err)
	}

	deadline := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second)
	e, err := svc.SyncStatus(ctx, escrow.ID, "seller-1", string(StateInFinalApproval), &deadline)
	if err != nil {
		t.Fatalf("SyncStatus to approval: %v", err)
	}
	if e.State != StateInFinalApproval || e.FinalApprovalDeadline == nil || !e.FinalApprovalDeadline.Equal(deadline) {
		t.Fatalf("expected IN_FINAL_APPROVAL with reported deadline, got %s %v", e.State, e.FinalApprovalDeadline)
	}

	// A duplicate report of the current state is absorbed.
	if _, err := svc.SyncStatus(ctx, escrow.ID, "seller-1", string(StateInFinalApproval), nil); err != nil {
		t.Fatalf("duplicate report should be a no-op, got %v", err)
	}

	// A reported completion inside the open approval window would cut the
	// dispute window short; it is rejected until the deadline passes.
	if _, err := svc.SyncStatus(ctx, escrow.ID, "seller-1", string(StateCompleted), nil); !errors.Is(err, ErrPreconditionNotMet) {
		t.Fatalf("expected ErrPreconditionNotMet inside open window, got %v", err)
	}
}

func TestSyncCompletedOnlyAfterApprovalWindow(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()

	escrow := createTestEscrow(t, svc, network.Ethereum, network.Base)
	toApproval(t, svc, escrow.ID)

	past := time.Now().Add(-time.Minute)
	mutate(t, store, escrow.ID, func(e *Escrow) {
		e.FinalApprovalDeadline = &past
	})

	e, err := svc.SyncStatus(ctx, escrow.ID, "buyer-1", string(StateCompleted), nil)
	if err != nil {
		t.Fatalf("SyncStatus to completed after window: %v", err)
	}
	if e.State != StateCompleted || !e.FundsReleased {
		t.Fatalf("expected observed completion, got %s released=%v", e.State, e.FundsReleased)
	}
}

func TestTransitionTable(t *testing.T) {
	if CanTransition(StateCompleted, StateCancelled) || CanTransition(StateCancelled, StateCompleted) {
		t.Fatal("terminal states must accept no transitions")
	}
	if !CanTransition(StateInFinalApproval, StateInDispute) {
		t.Fatal("dispute from approval window must be legal")
	}
	if CanTransition(StateAwaitingDeposit, StateCompleted) {
		t.Fatal("no shortcut from deposit to completion")
	}
}

func TestVersionConflict(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	e := &Escrow{ID: "esc_v", State: StateAwaitingConditionSetup, Version: 1}
	if err := store.Create(ctx, e); err != nil {
		t.Fatalf("Create: %v", err)
	}

	a, _ := store.Get(ctx, "esc_v")
	b, _ := store.Get(ctx, "esc_v")

	if err := store.Update(ctx, a); err != nil {
		t.Fatalf("first Update: %v", err)
	}
	if err := store.Update(ctx, b); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}
