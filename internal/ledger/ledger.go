// Package ledger records settlement instructions as an append-only journal.
//
// The actual signing and broadcast of value transfers happens in an external
// wallet service; this journal is the auditable record of every payout leg
// the escrow engine decided on. Terminal escrow state is always persisted
// before a journal entry is written, so a crash between the two leaves a
// recoverable terminal escrow rather than a replayable payout decision.
package ledger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/clearhold/clearhold/internal/idgen"
	"github.com/clearhold/clearhold/internal/money"
	"github.com/clearhold/clearhold/internal/network"
)

// ErrDuplicateEntry is returned when an entry with the same escrow id, kind
// and recipient already exists. Payout legs are issued at most once.
var ErrDuplicateEntry = errors.New("ledger: duplicate settlement entry")

// Kind identifies a payout leg.
type Kind string

const (
	KindSellerPayout Kind = "seller_payout"
	KindServiceFee   Kind = "service_fee"
	KindBuyerRefund  Kind = "buyer_refund"
)

// Entry is one settlement instruction.
type Entry struct {
	ID        string          `json:"id"`
	EscrowID  string          `json:"escrowId"`
	Kind      Kind            `json:"kind"`
	Recipient string          `json:"recipient"`
	Amount    money.Amount    `json:"amount"`
	Token     string          `json:"token,omitempty"`
	Network   network.Network `json:"network"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Store persists settlement entries.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	ListByEscrow(ctx context.Context, escrowID string) ([]*Entry, error)
}

// Ledger appends settlement instructions.
type Ledger struct {
	store Store
}

// New creates a ledger over the given store.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// Record appends one settlement leg. Zero amounts are skipped silently so
// callers can record a three-way split without special-casing empty legs.
func (l *Ledger) Record(ctx context.Context, escrowID string, kind Kind, recipient string, amount money.Amount, token string, net network.Network) error {
	if amount == 0 {
		return nil
	}
	return l.store.Append(ctx, &Entry{
		ID:        idgen.WithPrefix("set_"),
		EscrowID:  escrowID,
		Kind:      kind,
		Recipient: recipient,
		Amount:    amount,
		Token:     token,
		Network:   net,
		CreatedAt: time.Now(),
	})
}

// ListByEscrow returns all settlement legs recorded for an escrow.
func (l *Ledger) ListByEscrow(ctx context.Context, escrowID string) ([]*Entry, error) {
	return l.store.ListByEscrow(ctx, escrowID)
}

// MemoryStore is an in-memory settlement journal for demo/development mode.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry
	seen    map[string]bool // escrowID+kind+recipient
}

// NewMemoryStore creates a new in-memory settlement journal.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: make(map[string]bool)}
}

func (m *MemoryStore) Append(ctx context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dedupe := e.EscrowID + "|" + string(e.Kind) + "|" + e.Recipient
	if m.seen[dedupe] {
		return ErrDuplicateEntry
	}
	m.seen[dedupe] = true
	cp := *e
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *MemoryStore) ListByEscrow(ctx context.Context, escrowID string) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for _, e := range m.entries {
		if e.EscrowID == escrowID {
			cp := *e
			result = append(result, &cp)
		}
	}
	return result, nil
}
