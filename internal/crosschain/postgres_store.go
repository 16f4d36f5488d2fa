package crosschain

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/clearhold/clearhold/internal/network"
)

// PostgresStore persists cross-chain transactions in PostgreSQL. The route
// snapshot and the step plan are stored as JSONB: steps are read and written
// as a unit, always through the orchestrator.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, tx *Transaction) error {
	stepsJSON, _ := json.Marshal(tx.Steps)
	routeJSON, _ := json.Marshal(tx.Route)
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO cross_chain_transactions (
			id, escrow_id, direction, source_network, target_network,
			amount, token, from_address, to_address,
			route, status, steps,
			version, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12,
			$13, $14, $15
		)`,
		tx.ID, tx.EscrowID, string(tx.Direction), string(tx.SourceNetwork), string(tx.TargetNetwork),
		int64(tx.Amount), nullStr(tx.Token), tx.FromAddress, tx.ToAddress,
		routeJSON, string(tx.Status), stepsJSON,
		tx.Version, tx.CreatedAt, tx.UpdatedAt,
	)
	return err
}

const txColumns = `id, escrow_id, direction, source_network, target_network,
		   amount, token, from_address, to_address,
		   route, status, steps,
		   version, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM cross_chain_transactions WHERE id = $1`, id)

	tx, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	return tx, err
}

func (p *PostgresStore) Update(ctx context.Context, tx *Transaction) error {
	stepsJSON, _ := json.Marshal(tx.Steps)
	result, err := p.db.ExecContext(ctx, `
		UPDATE cross_chain_transactions SET
			status = $1, steps = $2,
			version = version + 1, updated_at = $3
		WHERE id = $4 AND version = $5`,
		string(tx.Status), stepsJSON, tx.UpdatedAt, tx.ID, tx.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, getErr := p.Get(ctx, tx.ID); getErr != nil {
			return getErr
		}
		return ErrVersionConflict
	}
	tx.Version++
	return nil
}

func (p *PostgresStore) GetActiveByEscrow(ctx context.Context, escrowID string, direction Direction) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+txColumns+`
		FROM cross_chain_transactions
		WHERE escrow_id = $1 AND direction = $2 AND status NOT IN ($3, $4)
		ORDER BY created_at DESC
		LIMIT 1`,
		escrowID, string(direction), string(StatusDone), string(StatusFailed))

	tx, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	return tx, err
}

func (p *PostgresStore) ListByEscrow(ctx context.Context, escrowID string) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+`
		FROM cross_chain_transactions
		WHERE escrow_id = $1
		ORDER BY created_at DESC`, escrowID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	var (
		tx        Transaction
		direction string
		sourceNet string
		targetNet string
		token     sql.NullString
		routeJSON []byte
		status    string
		stepsJSON []byte
	)
	err := row.Scan(
		&tx.ID, &tx.EscrowID, &direction, &sourceNet, &targetNet,
		&tx.Amount, &token, &tx.FromAddress, &tx.ToAddress,
		&routeJSON, &status, &stepsJSON,
		&tx.Version, &tx.CreatedAt, &tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	tx.Direction = Direction(direction)
	tx.SourceNetwork = network.Network(sourceNet)
	tx.TargetNetwork = network.Network(targetNet)
	tx.Token = token.String
	tx.Status = Status(status)
	if len(routeJSON) > 0 {
		if err := json.Unmarshal(routeJSON, &tx.Route); err != nil {
			return nil, err
		}
	}
	if len(stepsJSON) > 0 {
		if err := json.Unmarshal(stepsJSON, &tx.Steps); err != nil {
			return nil, err
		}
	}
	return &tx, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Compile-time assertion.
var _ Store = (*PostgresStore)(nil)
