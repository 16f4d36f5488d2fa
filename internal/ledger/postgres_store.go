package ledger

import (
	"context"
	"database/sql"

	"github.com/lib/pq"

	"github.com/clearhold/clearhold/internal/network"
)

// PostgresStore persists settlement entries in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed settlement journal.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Append(ctx context.Context, e *Entry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO settlement_entries (id, escrow_id, kind, recipient, amount, token, network, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.EscrowID, string(e.Kind), e.Recipient, e.Amount, e.Token, string(e.Network), e.CreatedAt,
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" { // unique_violation
		return ErrDuplicateEntry
	}
	return err
}

func (p *PostgresStore) ListByEscrow(ctx context.Context, escrowID string) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, escrow_id, kind, recipient, amount, token, network, created_at
		FROM settlement_entries WHERE escrow_id = $1 ORDER BY created_at`, escrowID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var kind, net string
		if err := rows.Scan(&e.ID, &e.EscrowID, &kind, &e.Recipient, &e.Amount, &e.Token, &net, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = Kind(kind)
		e.Network = network.Network(net)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Compile-time assertion.
var _ Store = (*PostgresStore)(nil)
