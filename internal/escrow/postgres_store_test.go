//go:build integration

package escrow

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"

	"github.com/clearhold/clearhold/internal/network"
)

func setupTestDB(t *testing.T) (*PostgresStore, func()) {
	t.Helper()

	dbURL := os.Getenv("POSTGRES_URL")
	if dbURL == "" {
		t.Skip("POSTGRES_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	ctx := context.Background()

	// Ensure table exists (mirrors migrations/00001_create_escrows.sql)
	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS escrows (
			id                          VARCHAR(64) PRIMARY KEY,
			buyer_id                    VARCHAR(64) NOT NULL,
			seller_id                   VARCHAR(64) NOT NULL,
			buyer_address               VARCHAR(128) NOT NULL,
			seller_address              VARCHAR(128) NOT NULL,
			fee_recipient               VARCHAR(128) NOT NULL,
			amount                      BIGINT NOT NULL,
			token                       VARCHAR(64),
			buyer_network               VARCHAR(32) NOT NULL,
			seller_network              VARCHAR(32) NOT NULL,
			state                       VARCHAR(40) NOT NULL,
			conditions                  JSONB NOT NULL DEFAULT '[]',
			held_amount                 BIGINT NOT NULL DEFAULT 0,
			funds_deposited             BOOLEAN NOT NULL DEFAULT FALSE,
			funds_released              BOOLEAN NOT NULL DEFAULT FALSE,
			final_approval_deadline     TIMESTAMPTZ,
			dispute_resolution_deadline TIMESTAMPTZ,
			disputed_condition_id       VARCHAR(64),
			cross_chain_tx_id           VARCHAR(64),
			version                     BIGINT NOT NULL DEFAULT 1,
			created_at                  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at                  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		t.Fatalf("Failed to create escrows table: %v", err)
	}

	cleanup := func() {
		db.ExecContext(ctx, "DELETE FROM escrows")
		db.Close()
	}
	return NewPostgresStore(db), cleanup
}

func pgTestEscrow(id string) *Escrow {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &Escrow{
		ID:            id,
		BuyerID:       "buyer-1",
		SellerID:      "seller-1",
		BuyerAddress:  "0x1111111111111111111111111111111111111111",
		SellerAddress: "0x2222222222222222222222222222222222222222",
		FeeRecipient:  "0x00000000000000000000000000000000000000fe",
		Amount:        1000,
		BuyerNetwork:  network.Base,
		SellerNetwork: network.Base,
		State:         StateAwaitingConditionSetup,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestPostgresCreateAndGet(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	e := pgTestEscrow("esc_pg_1")
	e.Conditions = []Condition{{ID: "cond_1", Description: "delivered", Status: ConditionPending}}
	if err := store.Create(ctx, e); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "esc_pg_1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.BuyerID != "buyer-1" || got.State != StateAwaitingConditionSetup {
		t.Errorf("Unexpected escrow: %+v", got)
	}
	if len(got.Conditions) != 1 || got.Conditions[0].ID != "cond_1" {
		t.Errorf("Conditions did not round-trip: %+v", got.Conditions)
	}
	if got.FinalApprovalDeadline != nil {
		t.Error("Expected nil approval deadline")
	}

	if _, err := store.Get(ctx, "esc_missing"); !errors.Is(err, ErrEscrowNotFound) {
		t.Errorf("Expected ErrEscrowNotFound, got %v", err)
	}
}

func TestPostgresVersionConflict(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	if err := store.Create(ctx, pgTestEscrow("esc_pg_2")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	a, _ := store.Get(ctx, "esc_pg_2")
	b, _ := store.Get(ctx, "esc_pg_2")

	a.State = StateAwaitingDeposit
	if err := store.Update(ctx, a); err != nil {
		t.Fatalf("First update failed: %v", err)
	}

	b.State = StateCancelled
	if err := store.Update(ctx, b); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("Expected ErrVersionConflict, got %v", err)
	}
}

func TestPostgresDeadlineSweepQueries(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	elapsed := pgTestEscrow("esc_pg_3")
	elapsed.State = StateInFinalApproval
	elapsed.FinalApprovalDeadline = &past
	if err := store.Create(ctx, elapsed); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	pending := pgTestEscrow("esc_pg_4")
	pending.State = StateInFinalApproval
	pending.FinalApprovalDeadline = &future
	if err := store.Create(ctx, pending); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.ListApprovalElapsed(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("ListApprovalElapsed failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "esc_pg_3" {
		t.Errorf("Expected only esc_pg_3, got %d escrows", len(got))
	}
}
