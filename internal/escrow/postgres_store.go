package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/clearhold/clearhold/internal/network"
)

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	conditionsJSON, _ := json.Marshal(e.Conditions)
	if e.Conditions == nil {
		conditionsJSON = []byte("[]")
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			id, buyer_id, seller_id, buyer_address, seller_address, fee_recipient,
			amount, token, buyer_network, seller_network,
			state, conditions, held_amount, funds_deposited, funds_released,
			final_approval_deadline, dispute_resolution_deadline,
			disputed_condition_id, cross_chain_tx_id,
			version, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14, $15,
			$16, $17,
			$18, $19,
			$20, $21, $22
		)`,
		e.ID, e.BuyerID, e.SellerID, e.BuyerAddress, e.SellerAddress, e.FeeRecipient,
		int64(e.Amount), nullString(e.Token), string(e.BuyerNetwork), string(e.SellerNetwork),
		string(e.State), conditionsJSON, int64(e.HeldAmount), e.FundsDeposited, e.FundsReleased,
		nullTime(e.FinalApprovalDeadline), nullTime(e.DisputeResolutionDeadline),
		nullString(e.DisputedConditionID), nullString(e.CrossChainTxID),
		e.Version, e.CreatedAt, e.UpdatedAt,
	)
	return err
}

const escrowColumns = `id, buyer_id, seller_id, buyer_address, seller_address, fee_recipient,
		       amount, token, buyer_network, seller_network,
		       state, conditions, held_amount, funds_deposited, funds_released,
		       final_approval_deadline, dispute_resolution_deadline,
		       disputed_condition_id, cross_chain_tx_id,
		       version, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)

	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

// Update writes all mutable fields conditionally on the version read by the
// caller. Zero rows affected means a concurrent writer won, unless the row
// is simply gone.
func (p *PostgresStore) Update(ctx context.Context, e *Escrow) error {
	conditionsJSON, _ := json.Marshal(e.Conditions)
	if e.Conditions == nil {
		conditionsJSON = []byte("[]")
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			state = $1, conditions = $2, held_amount = $3,
			funds_deposited = $4, funds_released = $5,
			final_approval_deadline = $6, dispute_resolution_deadline = $7,
			disputed_condition_id = $8, cross_chain_tx_id = $9,
			version = version + 1, updated_at = $10
		WHERE id = $11 AND version = $12`,
		string(e.State), conditionsJSON, int64(e.HeldAmount),
		e.FundsDeposited, e.FundsReleased,
		nullTime(e.FinalApprovalDeadline), nullTime(e.DisputeResolutionDeadline),
		nullString(e.DisputedConditionID), nullString(e.CrossChainTxID),
		e.UpdatedAt, e.ID, e.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, getErr := p.Get(ctx, e.ID); getErr != nil {
			return getErr
		}
		return ErrVersionConflict
	}
	e.Version++
	return nil
}

func (p *PostgresStore) ListByParticipant(ctx context.Context, participantID string, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, participantID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListApprovalElapsed(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE state = $1
		  AND final_approval_deadline IS NOT NULL
		  AND final_approval_deadline <= $2
		LIMIT $3`, string(StateInFinalApproval), before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListDisputeElapsed(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE state = $1
		  AND dispute_resolution_deadline IS NOT NULL
		  AND dispute_resolution_deadline <= $2
		LIMIT $3`, string(StateInDispute), before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(row rowScanner) (*Escrow, error) {
	var (
		e              Escrow
		token          sql.NullString
		buyerNet       string
		sellerNet      string
		state          string
		conditionsJSON []byte
		approvalDL     sql.NullTime
		disputeDL      sql.NullTime
		disputedCond   sql.NullString
		crossChainTx   sql.NullString
	)
	err := row.Scan(
		&e.ID, &e.BuyerID, &e.SellerID, &e.BuyerAddress, &e.SellerAddress, &e.FeeRecipient,
		&e.Amount, &token, &buyerNet, &sellerNet,
		&state, &conditionsJSON, &e.HeldAmount, &e.FundsDeposited, &e.FundsReleased,
		&approvalDL, &disputeDL,
		&disputedCond, &crossChainTx,
		&e.Version, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Token = token.String
	e.BuyerNetwork = network.Network(buyerNet)
	e.SellerNetwork = network.Network(sellerNet)
	e.State = State(state)
	if len(conditionsJSON) > 0 {
		if err := json.Unmarshal(conditionsJSON, &e.Conditions); err != nil {
			return nil, err
		}
	}
	if approvalDL.Valid {
		t := approvalDL.Time
		e.FinalApprovalDeadline = &t
	}
	if disputeDL.Valid {
		t := disputeDL.Time
		e.DisputeResolutionDeadline = &t
	}
	e.DisputedConditionID = disputedCond.String
	e.CrossChainTxID = crossChainTx.String
	return &e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion.
var _ Store = (*PostgresStore)(nil)
