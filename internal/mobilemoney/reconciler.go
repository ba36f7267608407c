package mobilemoney

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/homesettle/internal/ledger"
	"github.com/mbd888/homesettle/internal/metrics"
)

// Reconciler periodically re-checks payments that are still PENDING after
// the caller-side poll budget, so a buyer who closed the app still gets
// their payment applied.
type Reconciler struct {
	orchestrator *Orchestrator
	interval     time.Duration
	age          time.Duration
	batch        int
	logger       *slog.Logger
	stop         chan struct{}
	stopOnce     sync.Once
	running      atomic.Bool
}

// NewReconciler creates a reconciler that runs every interval and looks at
// pending entries older than age.
func NewReconciler(o *Orchestrator, interval, age time.Duration, logger *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if age <= 0 {
		age = DefaultPollBudget
	}
	return &Reconciler{
		orchestrator: o,
		interval:     interval,
		age:          age,
		batch:        100,
		logger:       logger,
		stop:         make(chan struct{}),
	}
}

// Running reports whether the reconcile loop is active.
func (r *Reconciler) Running() bool {
	return r.running.Load()
}

// Start runs the loop until ctx is done or Stop is called. Call in a
// goroutine.
func (r *Reconciler) Start(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.safeReconcile(ctx)
		}
	}
}

// Stop signals the loop to exit.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *Reconciler) safeReconcile(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("panic in payment reconciler", "panic", fmt.Sprint(p))
		}
	}()
	if _, err := r.ReconcileOnce(ctx); err != nil {
		r.logger.Warn("payment reconciliation failed", "error", err)
	}
}

// ReconcileResult counts what one pass did.
type ReconcileResult struct {
	Checked   int `json:"checked"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
	Errors    int `json:"errors"`
	// Unacknowledged entries stay PENDING with no charge at the provider.
	Unacknowledged int `json:"unacknowledged"`
}

// ReconcileOnce re-checks one batch of stale pending payments.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (*ReconcileResult, error) {
	pending, err := r.orchestrator.ledger.ListPending(ctx, r.age, r.batch)
	if err != nil {
		return nil, fmt.Errorf("list pending payments: %w", err)
	}

	res := &ReconcileResult{}
	for _, tx := range pending {
		res.Checked++
		status, err := r.orchestrator.Recheck(ctx, tx, r.age)
		if err != nil {
			res.Errors++
			metrics.PaymentsReconciledTotal.WithLabelValues("error").Inc()
			r.logger.Warn("reconcile check failed", "transactionId", tx.ID, "provider", tx.PaymentMethod, "error", err)
			continue
		}
		if status.Unacknowledged {
			res.Unacknowledged++
			metrics.PaymentsReconciledTotal.WithLabelValues("unacknowledged").Inc()
			continue
		}
		metrics.PaymentsReconciledTotal.WithLabelValues(string(status.Status)).Inc()
		switch {
		case status.Pending():
			res.Pending++
		case status.Status == ledger.StatusCompleted:
			res.Completed++
		default:
			res.Failed++
		}
	}
	if res.Checked > 0 {
		r.logger.Info("reconciled pending payments",
			"checked", res.Checked, "completed", res.Completed, "failed", res.Failed,
			"pending", res.Pending, "errors", res.Errors, "unacknowledged", res.Unacknowledged)
	}
	return res, nil
}
