package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically applies lapsed deadlines. Deadlines are authoritative
// on their own — every operation evaluates them lazily at call time — so the
// sweeper only guarantees progress for escrows nobody is polling. It invokes
// the same idempotent operations a client would.
type Timer struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new deadline sweeper.
func NewTimer(service *Service, store Store, logger *slog.Logger) *Timer {
	return &Timer{
		service:  service,
		store:    store,
		interval: 30 * time.Second,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweeper loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in escrow sweeper", "panic", fmt.Sprint(r))
		}
	}()
	t.sweep(ctx)
}

func (t *Timer) sweep(ctx context.Context) {
	now := time.Now()

	// 1. Release escrows whose approval window has closed.
	elapsed, err := t.store.ListApprovalElapsed(ctx, now, 100)
	if err != nil {
		t.logger.Warn("failed to list approval-elapsed escrows", "error", err)
	} else {
		for _, escrow := range elapsed {
			released, err := t.service.ReleaseAfterApproval(ctx, escrow.ID)
			if err != nil {
				// A concurrent caller may have already released or disputed;
				// both surface as InvalidState and are not sweeper failures.
				if !errors.Is(err, ErrInvalidState) {
					t.logger.Warn("failed to release escrow after approval deadline",
						"escrowId", escrow.ID, "error", err)
				}
				continue
			}
			t.logger.Info("released escrow after approval deadline",
				"escrowId", escrow.ID, "state", released.State, "amount", escrow.HeldAmount)
		}
	}

	// 2. Cancel escrows whose dispute window lapsed unresolved.
	disputed, err := t.store.ListDisputeElapsed(ctx, now, 100)
	if err != nil {
		t.logger.Warn("failed to list dispute-elapsed escrows", "error", err)
		return
	}
	for _, escrow := range disputed {
		if _, err := t.service.Cancel(ctx, escrow.ID, "", true); err != nil {
			if !errors.Is(err, ErrInvalidState) {
				t.logger.Warn("failed to cancel escrow after dispute deadline",
					"escrowId", escrow.ID, "error", err)
			}
			continue
		}
		t.logger.Info("cancelled escrow after dispute deadline",
			"escrowId", escrow.ID, "buyer", escrow.BuyerID, "refund", escrow.HeldAmount)
	}
}
