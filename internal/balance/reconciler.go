// Package balance reconciles computed commission against withdrawal
// history to produce the externally reported partner balance.
//
// The reported "current" balance always starts from a fresh commission
// recomputation; the ledger cache is only consulted when the live
// computation fails (trade ledger unreachable). With no cache either, the
// reconciler reports all zeros rather than failing — this feeds a
// financial balance display that must render even for brand-new partners.
package balance

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/solitaire/ib-engine/internal/commission"
	"github.com/solitaire/ib-engine/internal/metrics"
	"github.com/solitaire/ib-engine/internal/model"
	"github.com/solitaire/ib-engine/internal/store"
)

// Reconciler combines live commission totals with withdrawal history.
type Reconciler struct {
	store  store.Store
	engine *commission.Engine
}

// NewReconciler creates a reconciler over the given store and engine.
func NewReconciler(st store.Store, eng *commission.Engine) *Reconciler {
	return &Reconciler{store: st, engine: eng}
}

// Reconcile produces the partner's balance summary.
//
// totalPaid sums withdrawals in {approved, paid, completed}
// (case-insensitive); pending withdrawals are reported separately and do
// not reduce available. available = max(totalEarned − totalPaid, 0).
//
// On a successful recomputation the aggregate ledger row is written
// through, so the cache converges after every read. Concurrent reads race
// on that upsert; the idempotent full overwrite makes last-writer-wins
// acceptable since recomputation is cheap and frequent.
func (r *Reconciler) Reconcile(ctx context.Context, partnerID int64) (model.BalanceSummary, error) {
	summary := model.BalanceSummary{PartnerID: partnerID}

	totals, err := r.engine.Compute(ctx, partnerID)
	if err != nil {
		// Live computation failed: degrade to the last cached totals.
		entry, cacheErr := r.store.GetLatestLedgerEntry(ctx, partnerID)
		if cacheErr != nil {
			if !errors.Is(cacheErr, store.ErrNotFound) {
				slog.ErrorContext(ctx, "ledger cache fallback failed",
					"partner_id", partnerID, "err", cacheErr)
			}
			slog.WarnContext(ctx, "balance degraded to zero totals",
				"partner_id", partnerID, "err", err)
		} else {
			summary.TotalEarned = entry.Total
			summary.FromCache = true
			metrics.BalanceFallbacksTotal.Inc()
			slog.WarnContext(ctx, "balance served from ledger cache",
				"partner_id", partnerID,
				"cached_at", entry.LastUpdated,
				"err", err,
			)
		}
	} else {
		summary.TotalEarned = totals.Total
		r.writeThrough(ctx, partnerID, totals)
	}

	withdrawals, err := r.store.GetWithdrawals(ctx, partnerID)
	if err != nil {
		// Withdrawal store down: report earned with zero paid rather than
		// failing the whole read.
		slog.ErrorContext(ctx, "withdrawal history unavailable",
			"partner_id", partnerID, "err", err)
		withdrawals = nil
	}

	for _, w := range withdrawals {
		switch {
		case w.IsPaidOut():
			summary.TotalPaid = summary.TotalPaid.Add(w.Amount)
		case w.IsPending():
			summary.Pending = summary.Pending.Add(w.Amount)
		}
	}

	summary.Available = summary.TotalEarned.Sub(summary.TotalPaid)
	if summary.Available.IsNegative() {
		summary.Available = decimal.Zero
	}
	return summary, nil
}

// RefreshLedger forces a recomputation and writes the aggregate
// (partnerID, partnerID) ledger row. Idempotent: with no new trades,
// repeated calls persist identical totals.
func (r *Reconciler) RefreshLedger(ctx context.Context, partnerID int64) (model.CommissionTotals, error) {
	totals, err := r.engine.Compute(ctx, partnerID)
	if err != nil {
		return model.CommissionTotals{}, err
	}
	r.writeThrough(ctx, partnerID, totals)
	return totals, nil
}

func (r *Reconciler) writeThrough(ctx context.Context, partnerID int64, totals model.CommissionTotals) {
	entry := AggregateEntry(partnerID, totals)
	if err := r.store.UpsertLedgerEntry(ctx, entry); err != nil {
		// Cache write failure never fails the read; the next
		// recomputation retries.
		slog.ErrorContext(ctx, "ledger write-through failed",
			"partner_id", partnerID, "err", err)
		return
	}
	metrics.LedgerRefreshesTotal.Inc()
}

// AggregateEntry maps partner-wide totals onto the degenerate
// (partnerID, partnerID) pair row of the ledger cache schema.
func AggregateEntry(partnerID int64, totals model.CommissionTotals) *model.CommissionLedgerEntry {
	return &model.CommissionLedgerEntry{
		PartnerID:      partnerID,
		CounterpartyID: aggregateCounterparty(partnerID),
		Total:          totals.Total,
		Fixed:          totals.Fixed,
		Spread:         totals.Spread,
		TradeCount:     totals.TradeCount,
		Lots:           totals.Lots,
		LastUpdated:    time.Now().UTC(),
	}
}

func aggregateCounterparty(partnerID int64) string {
	return strconv.FormatInt(partnerID, 10)
}
