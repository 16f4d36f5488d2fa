package crosschain

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory transaction store for demo/development mode.
type MemoryStore struct {
	txs map[string]*Transaction
	mu  sync.RWMutex
}

// NewMemoryStore creates a new in-memory transaction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txs: make(map[string]*Transaction),
	}
}

// cloneTx deep-copies to keep the stored steps slice isolated from callers.
func cloneTx(tx *Transaction) *Transaction {
	cp := *tx
	if tx.Steps != nil {
		cp.Steps = make([]Step, len(tx.Steps))
		copy(cp.Steps, tx.Steps)
	}
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.txs[tx.ID] = cloneTx(tx)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.txs[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return cloneTx(tx), nil
}

func (m *MemoryStore) Update(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.txs[tx.ID]
	if !ok {
		return ErrTransactionNotFound
	}
	if stored.Version != tx.Version {
		return ErrVersionConflict
	}
	tx.Version++
	m.txs[tx.ID] = cloneTx(tx)
	return nil
}

func (m *MemoryStore) GetActiveByEscrow(ctx context.Context, escrowID string, direction Direction) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, tx := range m.txs {
		if tx.EscrowID == escrowID && tx.Direction == direction && !tx.IsTerminal() {
			return cloneTx(tx), nil
		}
	}
	return nil, ErrTransactionNotFound
}

func (m *MemoryStore) ListByEscrow(ctx context.Context, escrowID string) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, tx := range m.txs {
		if tx.EscrowID == escrowID {
			result = append(result, cloneTx(tx))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// Compile-time assertion.
var _ Store = (*MemoryStore)(nil)
