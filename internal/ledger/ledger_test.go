package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/clearhold/clearhold/internal/network"
)

func TestRecordAndList(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	if err := l.Record(ctx, "esc_1", KindSellerPayout, "0xseller", 980, "", network.Base); err != nil {
		t.Fatalf("Record seller: %v", err)
	}
	if err := l.Record(ctx, "esc_1", KindServiceFee, "0xfee", 20, "", network.Base); err != nil {
		t.Fatalf("Record fee: %v", err)
	}
	// Zero-amount legs are skipped, not recorded
	if err := l.Record(ctx, "esc_1", KindBuyerRefund, "0xbuyer", 0, "", network.Base); err != nil {
		t.Fatalf("Record zero refund: %v", err)
	}

	entries, err := l.ListByEscrow(ctx, "esc_1")
	if err != nil {
		t.Fatalf("ListByEscrow: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}

	var total int64
	for _, e := range entries {
		total += e.Amount
	}
	if total != 1000 {
		t.Fatalf("expected total 1000, got %d", total)
	}
}

func TestDuplicateLegRejected(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	if err := l.Record(ctx, "esc_1", KindSellerPayout, "0xseller", 980, "", network.Base); err != nil {
		t.Fatalf("Record: %v", err)
	}
	err := l.Record(ctx, "esc_1", KindSellerPayout, "0xseller", 980, "", network.Base)
	if !errors.Is(err, ErrDuplicateEntry) {
		t.Fatalf("expected ErrDuplicateEntry, got %v", err)
	}
}
