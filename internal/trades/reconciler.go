package trades

import (
	"context"
	"time"

	"github.com/ZhaslanToishybayev/steammarket/internal/logging"
	"github.com/ZhaslanToishybayev/steammarket/internal/metrics"
	"github.com/ZhaslanToishybayev/steammarket/internal/steam"
	"github.com/ZhaslanToishybayev/steammarket/internal/wallet"
)

const (
	reconcileInterval = 10 * time.Second
	pollInterval      = 30 * time.Second
	reconcileBatch    = 50
	auditInterval     = time.Hour
)

// Auditor runs the wallet ledger self-audit. Satisfied by *wallet.Service.
type Auditor interface {
	Audit(ctx context.Context) ([]wallet.Violation, error)
}

// Reconciler is the single observer of time and of Steam offer state. Every
// tick it sweeps due trades: flagged cancels, elapsed deadlines, stale
// offers, and parked error states.
type Reconciler struct {
	engine    *Engine
	store     Store
	auditor   Auditor
	lastAudit time.Time
	stop      chan struct{}
	done      chan struct{}
}

func NewReconciler(engine *Engine, store Store) *Reconciler {
	return &Reconciler{
		engine: engine,
		store:  store,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// SetAuditor enables the hourly ledger self-audit. Must be called before
// Start.
func (r *Reconciler) SetAuditor(a Auditor) {
	r.auditor = a
}

func (r *Reconciler) Start(ctx context.Context) {
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(reconcileInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-ticker.C:
				r.safeTick(ctx)
			}
		}
	}()
}

func (r *Reconciler) Stop() {
	close(r.stop)
	<-r.done
}

func (r *Reconciler) safeTick(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			logging.L(ctx).Error("reconciler panicked", "panic", rec)
			metrics.ReconcilerRunsTotal.WithLabelValues("panic").Inc()
		}
	}()
	r.Tick(ctx)
}

// Tick runs one sweep. Exported so tests can drive the reconciler without
// waiting on the ticker.
func (r *Reconciler) Tick(ctx context.Context) {
	now := time.Now().UTC()
	due, err := r.store.Due(ctx, now, pollInterval, reconcileBatch)
	if err != nil {
		logging.L(ctx).Error("listing due trades", "error", err)
		metrics.ReconcilerRunsTotal.WithLabelValues("error").Inc()
		return
	}
	for _, t := range due {
		if err := r.reconcile(ctx, t, now); err != nil {
			logging.L(ctx).Error("reconciling trade",
				"trade_uuid", t.UUID, "status", t.Status, "error", err)
		}
	}
	metrics.ReconcilerRunsTotal.WithLabelValues("ok").Inc()

	if r.auditor != nil && now.Sub(r.lastAudit) >= auditInterval {
		r.lastAudit = now
		violations, err := r.auditor.Audit(ctx)
		if err != nil {
			logging.L(ctx).Error("ledger self-audit failed", "error", err)
			return
		}
		metrics.LedgerAuditViolations.Set(float64(len(violations)))
	}
}

func (r *Reconciler) reconcile(ctx context.Context, t *Trade, now time.Time) error {
	// Order matters: an explicit cancel wins over timers, the hard deadline
	// wins over the leg window.
	if t.CancelRequested {
		return r.engine.ApplyCancelRequest(ctx, t)
	}
	if t.DeadlineAt != nil && !t.DeadlineAt.After(now) {
		return r.engine.Expire(ctx, t)
	}
	if t.ExpiresAt != nil && !t.ExpiresAt.After(now) {
		return r.engine.LegTimedOut(ctx, t)
	}

	switch t.Status {
	case StatusAwaitingSeller:
		return r.poll(ctx, t, t.SellerOfferID, r.engine.OnSellerOfferOutcome)
	case StatusAwaitingBuyer:
		return r.poll(ctx, t, t.BuyerOfferID, r.engine.OnBuyerOfferOutcome)
	case StatusErrorSending, StatusErrorForwarding:
		if err := r.store.TouchPolled(ctx, t.UUID, now); err != nil {
			return err
		}
		return r.engine.Progress(ctx, t.UUID)
	case StatusPaymentReceived, StatusSellerAccepted:
		// Stranded mid-flow (queue entry lost or a crash after SendOffer
		// returned). Progress resumes from the cached offer id, so a send
		// that already happened is not repeated.
		return r.engine.Progress(ctx, t.UUID)
	}
	return nil
}

func (r *Reconciler) poll(ctx context.Context, t *Trade, offerID *string, outcome func(context.Context, *Trade, steam.OfferState) error) error {
	if err := r.store.TouchPolled(ctx, t.UUID, time.Now().UTC()); err != nil {
		return err
	}
	if offerID == nil {
		logging.L(ctx).Error("awaiting trade has no offer id", "trade_uuid", t.UUID, "status", t.Status)
		return nil
	}
	state, err := r.engine.steam.PollOffer(ctx, *offerID)
	if err != nil {
		// Transient; next tick tries again.
		logging.L(ctx).Warn("polling offer", "offer_id", *offerID, "error", err)
		return nil
	}
	return outcome(ctx, t, state)
}
