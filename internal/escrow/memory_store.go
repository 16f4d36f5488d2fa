package escrow

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	escrows map[string]*Escrow
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[string]*Escrow),
	}
}

// clone returns a deep copy to prevent races on the shared pointer.
// Shallow copy shares the conditions backing array, so a status change on
// the copy would mutate the stored escrow.
func clone(e *Escrow) *Escrow {
	cp := *e
	if e.Conditions != nil {
		cp.Conditions = make([]Condition, len(e.Conditions))
		copy(cp.Conditions, e.Conditions)
	}
	if e.FinalApprovalDeadline != nil {
		d := *e.FinalApprovalDeadline
		cp.FinalApprovalDeadline = &d
	}
	if e.DisputeResolutionDeadline != nil {
		d := *e.DisputeResolutionDeadline
		cp.DisputeResolutionDeadline = &d
	}
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, escrow *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.escrows[escrow.ID] = clone(escrow)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	escrow, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return clone(escrow), nil
}

func (m *MemoryStore) Update(ctx context.Context, escrow *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.escrows[escrow.ID]
	if !ok {
		return ErrEscrowNotFound
	}
	if stored.Version != escrow.Version {
		return ErrVersionConflict
	}
	escrow.Version++
	m.escrows[escrow.ID] = clone(escrow)
	return nil
}

func (m *MemoryStore) ListByParticipant(ctx context.Context, participantID string, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.BuyerID == participantID || e.SellerID == participantID {
			result = append(result, clone(e))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListApprovalElapsed(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.State == StateInFinalApproval && e.FinalApprovalDeadline != nil && !e.FinalApprovalDeadline.After(before) {
			result = append(result, clone(e))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListDisputeElapsed(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.State == StateInDispute && e.DisputeResolutionDeadline != nil && !e.DisputeResolutionDeadline.After(before) {
			result = append(result, clone(e))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

// Compile-time assertion.
var _ Store = (*MemoryStore)(nil)
