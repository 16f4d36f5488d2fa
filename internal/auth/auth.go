// Package auth provides API authentication for the ClearHold reconciliation API.
//
// Authentication model:
// - Every mutating endpoint requires a bearer credential that resolves to a
//   participant id.
// - Bridge callbacks authenticate with a bridge-principal credential; they
//   may only touch cross-chain transactions this system issued.
// - Keys are issued via the admin-gated key endpoint.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"
)

// Errors
var (
	ErrNoCredential      = errors.New("bearer credential required")
	ErrInvalidCredential = errors.New("invalid or expired credential")
	ErrKeyNotFound       = errors.New("API key not found")
)

// Kind distinguishes participant credentials from bridge principals.
type Kind string

const (
	KindParticipant Kind = "participant"
	KindBridge      Kind = "bridge"
)

// APIKey represents an issued credential.
type APIKey struct {
	ID            string     `json:"id"`
	Hash          string     `json:"-"` // SHA256 hash of key (stored)
	ParticipantID string     `json:"participantId"`
	Kind          Kind       `json:"kind"`
	Name          string     `json:"name"`
	CreatedAt     time.Time  `json:"createdAt"`
	LastUsed      time.Time  `json:"lastUsed,omitempty"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
	Revoked       bool       `json:"revoked"`
}

// IsBridge reports whether this credential belongs to a registered bridge principal.
func (k *APIKey) IsBridge() bool {
	return k.Kind == KindBridge
}

// Store persists API keys
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	GetByParticipant(ctx context.Context, participantID string) ([]*APIKey, error)
	Update(ctx context.Context, key *APIKey) error
	Delete(ctx context.Context, id string) error
}

// Manager handles authentication
type Manager struct {
	store Store
}

// NewManager creates a new auth manager
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// GenerateKey creates a new credential for a participant (or bridge principal).
// Returns the raw key (shown once) and the stored metadata.
func (m *Manager) GenerateKey(ctx context.Context, participantID, name string, kind Kind) (rawKey string, key *APIKey, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}

	rawKey = "sk_" + hex.EncodeToString(b)

	key = &APIKey{
		ID:            "ak_" + hex.EncodeToString(b[:8]),
		Hash:          hashKey(rawKey),
		ParticipantID: participantID,
		Kind:          kind,
		Name:          name,
		CreatedAt:     time.Now(),
	}

	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}

	return rawKey, key, nil
}

// ValidateKey validates a bearer credential and returns the key metadata
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	if rawKey == "" {
		return nil, ErrNoCredential
	}

	rawKey = strings.TrimPrefix(rawKey, "Bearer ")
	rawKey = strings.TrimSpace(rawKey)

	if !strings.HasPrefix(rawKey, "sk_") {
		return nil, ErrInvalidCredential
	}

	hash := hashKey(rawKey)
	key, err := m.store.GetByHash(ctx, hash)
	if err != nil {
		return nil, ErrInvalidCredential
	}

	if key.Revoked {
		return nil, ErrInvalidCredential
	}

	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return nil, ErrInvalidCredential
	}

	// Stamp last used (fire and forget). The goroutine works on its own
	// snapshot so it never races the caller's copy.
	stamp := *key
	go func() {
		stamp.LastUsed = time.Now()
		m.store.Update(context.Background(), &stamp)
	}()

	return key, nil
}

// ListKeys returns all keys for a participant
func (m *Manager) ListKeys(ctx context.Context, participantID string) ([]*APIKey, error) {
	return m.store.GetByParticipant(ctx, participantID)
}

// RevokeKey revokes a credential
func (m *Manager) RevokeKey(ctx context.Context, keyID, participantID string) error {
	keys, err := m.store.GetByParticipant(ctx, participantID)
	if err != nil {
		return err
	}

	for _, k := range keys {
		if k.ID == keyID {
			k.Revoked = true
			return m.store.Update(ctx, k)
		}
	}

	return ErrKeyNotFound
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// MemoryStore is an in-memory implementation of Store
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey // by ID
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys: make(map[string]*APIKey),
	}
}

func (s *MemoryStore) Create(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.ID] = key
	return nil
}

// GetByHash returns a copy: callers mutate the result (last-used stamps,
// revocation) before writing it back, and a shared pointer would race
// concurrent validations.
func (s *MemoryStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Hash == hash {
			clone := *k
			return &clone, nil
		}
	}
	return nil, ErrKeyNotFound
}

func (s *MemoryStore) GetByParticipant(ctx context.Context, participantID string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*APIKey
	for _, k := range s.keys {
		if k.ParticipantID == participantID {
			clone := *k
			result = append(result, &clone)
		}
	}
	return result, nil
}

func (s *MemoryStore) Update(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.ID] = key
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, id)
	return nil
}
