package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/clearhold/clearhold/internal/crosschain"
	"github.com/clearhold/clearhold/internal/escrow"
	"github.com/clearhold/clearhold/internal/ledger"
	"github.com/clearhold/clearhold/internal/money"
	"github.com/clearhold/clearhold/internal/network"
)

// -----------------------------------------------------------------------------
// Adapters between packages that must not import each other
// -----------------------------------------------------------------------------

// escrowLedgerAdapter adapts ledger.Ledger to escrow.Payouts. The journal
// deduplicates per (escrow, kind, recipient), so a replayed instruction is
// absorbed here rather than surfaced as a failure.
type escrowLedgerAdapter struct {
	ledger *ledger.Ledger
}

func (a *escrowLedgerAdapter) SellerPayout(ctx context.Context, escrowID, recipient string, amount money.Amount, token string, net network.Network) error {
	return absorbDuplicate(a.ledger.Record(ctx, escrowID, ledger.KindSellerPayout, recipient, amount, token, net))
}

func (a *escrowLedgerAdapter) ServiceFee(ctx context.Context, escrowID, recipient string, amount money.Amount, token string, net network.Network) error {
	return absorbDuplicate(a.ledger.Record(ctx, escrowID, ledger.KindServiceFee, recipient, amount, token, net))
}

func (a *escrowLedgerAdapter) BuyerRefund(ctx context.Context, escrowID, recipient string, amount money.Amount, token string, net network.Network) error {
	return absorbDuplicate(a.ledger.Record(ctx, escrowID, ledger.KindBuyerRefund, recipient, amount, token, net))
}

func absorbDuplicate(err error) error {
	if errors.Is(err, ledger.ErrDuplicateEntry) {
		return nil
	}
	return err
}

var _ escrow.Payouts = (*escrowLedgerAdapter)(nil)

// escrowReconcilerAdapter adapts escrow.Service to crosschain.EscrowReconciler.
// Escrow-side refusals come back wrapped so the orchestrator can map them to
// a single error class.
type escrowReconcilerAdapter struct {
	svc *escrow.Service
}

func (a *escrowReconcilerAdapter) DepositPrepared(ctx context.Context, escrowID, txID string) error {
	_, err := a.svc.AttachCrossChainDeposit(ctx, escrowID, txID)
	return rejected(err)
}

func (a *escrowReconcilerAdapter) DepositSettled(ctx context.Context, escrowID string, amount money.Amount, token string, source network.Network) error {
	_, err := a.svc.RecordCrossChainDeposit(ctx, escrowID, amount, token, source)
	return rejected(err)
}

func (a *escrowReconcilerAdapter) ReleasePrepared(ctx context.Context, escrowID, txID string) error {
	_, err := a.svc.AttachCrossChainRelease(ctx, escrowID, txID)
	return rejected(err)
}

func (a *escrowReconcilerAdapter) ReleaseSettled(ctx context.Context, escrowID string) error {
	_, err := a.svc.CompleteCrossChainRelease(ctx, escrowID)
	return rejected(err)
}

func rejected(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", crosschain.ErrEscrowRejected, err)
}

var _ crosschain.EscrowReconciler = (*escrowReconcilerAdapter)(nil)

// escrowAccessAdapter lets the cross-chain handlers check escrow membership
// without importing the escrow package.
type escrowAccessAdapter struct {
	svc *escrow.Service
}

func (a *escrowAccessAdapter) IsParticipant(ctx context.Context, escrowID, participantID string) (bool, error) {
	esc, err := a.svc.Get(ctx, escrowID)
	if err != nil {
		if errors.Is(err, escrow.ErrEscrowNotFound) {
			return false, crosschain.ErrEscrowNotFound
		}
		return false, err
	}
	return esc.IsParticipant(participantID), nil
}

var _ crosschain.EscrowAccess = (*escrowAccessAdapter)(nil)
