// Package commission implements trade attribution and commission
// computation for introducing brokers.
//
// Attribution rules: only closed trades (non-nil, non-zero close price)
// with non-zero profit count, only for counterparties in the partner's
// referred-user set, and never for the partner's own trading accounts.
// A partner with no downline earns exactly zero no matter how many trades
// exist platform-wide.
//
// Commission has two components per group bucket: the trade-level fixed
// commission recorded upstream (passed through, never recomputed — the
// rate basis can differ per trade size band) and a spread share computed
// from traded lots. Accumulation runs at full decimal precision;
// two-decimal rounding is presentation-only.
package commission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/solitaire/ib-engine/internal/metrics"
	"github.com/solitaire/ib-engine/internal/model"
	"github.com/solitaire/ib-engine/internal/rules"
	"github.com/solitaire/ib-engine/internal/store"
)

var hundred = decimal.NewFromInt(100)

// Engine computes commission totals for partners. Stateless between
// invocations; every call re-reads from the store.
type Engine struct {
	store store.Store
}

// NewEngine creates a commission engine over the given store.
func NewEngine(st store.Store) *Engine {
	return &Engine{store: st}
}

// EligibleTrades returns the partner's commission-eligible trades:
// closed, non-zero profit, counterparty in the referred-user set, and not
// one of the partner's own accounts. An absent or unapproved partner and
// an empty referred-user set all yield no trades — commission is defined
// as zero, not "unknown".
func (e *Engine) EligibleTrades(ctx context.Context, partnerID int64) ([]model.TradeRecord, error) {
	partner, err := e.store.GetPartner(ctx, partnerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load partner %d: %w", partnerID, err)
	}
	if !partner.IsApproved() {
		return nil, nil
	}

	referred, err := e.store.GetReferredUserIDs(ctx, partnerID)
	if err != nil {
		return nil, fmt.Errorf("load referred users for partner %d: %w", partnerID, err)
	}
	if len(referred) == 0 {
		return nil, nil
	}

	referredSet := make(map[string]bool, len(referred))
	for _, id := range referred {
		referredSet[id] = true
	}
	ownAccounts := make(map[string]bool)
	for _, id := range partner.AccountList() {
		ownAccounts[id] = true
	}

	trades, err := e.store.GetTrades(ctx, partnerID)
	if err != nil {
		return nil, fmt.Errorf("load trades for partner %d: %w", partnerID, err)
	}

	var eligible []model.TradeRecord
	for _, t := range trades {
		if !t.IsClosed() || t.Profit.IsZero() {
			continue
		}
		if ownAccounts[t.UserID] {
			continue // self-trade, excluded even when attributed to the partner
		}
		if !referredSet[t.UserID] {
			continue
		}
		eligible = append(eligible, t)
	}
	return eligible, nil
}

// Compute calculates the partner's full commission totals from eligible
// trades. Returns zeros (not an error) when nothing is eligible.
func (e *Engine) Compute(ctx context.Context, partnerID int64) (model.CommissionTotals, error) {
	trades, err := e.EligibleTrades(ctx, partnerID)
	if err != nil {
		return model.CommissionTotals{}, err
	}

	idx, err := e.buildIndex(ctx, partnerID)
	if err != nil {
		return model.CommissionTotals{}, err
	}

	return e.score(ctx, partnerID, trades, idx), nil
}

// ComputePerCounterparty calculates totals broken down by referred
// counterparty, for the per-referral ledger mode. The same rule index is
// applied to each counterparty's trade subset.
func (e *Engine) ComputePerCounterparty(ctx context.Context, partnerID int64) (map[string]model.CommissionTotals, error) {
	trades, err := e.EligibleTrades(ctx, partnerID)
	if err != nil {
		return nil, err
	}

	idx, err := e.buildIndex(ctx, partnerID)
	if err != nil {
		return nil, err
	}

	byUser := make(map[string][]model.TradeRecord)
	for _, t := range trades {
		byUser[t.UserID] = append(byUser[t.UserID], t)
	}

	out := make(map[string]model.CommissionTotals, len(byUser))
	for userID, subset := range byUser {
		out[userID] = e.score(ctx, partnerID, subset, idx)
	}
	return out, nil
}

// buildIndex loads the partner's group assignments and builds the rule
// index. When no assignments exist but the partner carries tier names,
// the tier rule stack is applied uniformly across the partner's assigned
// groups (highest configured level wins via last-write-wins).
func (e *Engine) buildIndex(ctx context.Context, partnerID int64) (*rules.Index, error) {
	assignments, err := e.store.GetAssignments(ctx, partnerID)
	if err != nil {
		return nil, fmt.Errorf("load assignments for partner %d: %w", partnerID, err)
	}
	if len(assignments) > 0 {
		return rules.Build(assignments), nil
	}

	partner, err := e.store.GetPartner(ctx, partnerID)
	if errors.Is(err, store.ErrNotFound) {
		return rules.Build(nil), nil
	}
	if err != nil {
		return nil, err
	}

	var synthesized []model.GroupAssignment
	for _, tier := range partner.TierList() {
		tierRules, err := e.store.GetTierRules(ctx, tier)
		if err != nil {
			return nil, fmt.Errorf("load tier rules %q: %w", tier, err)
		}
		for _, r := range tierRules {
			for _, group := range partner.GroupList() {
				synthesized = append(synthesized, model.GroupAssignment{
					PartnerID:   partnerID,
					GroupID:     group,
					GroupName:   group,
					TierName:    r.TierName,
					FixedPerLot: r.FixedPerLot,
					SpreadShare: r.SpreadShare,
				})
			}
		}
	}
	return rules.Build(synthesized), nil
}

// score applies the rule index to a trade set. Trades are bucketed by
// group; each bucket contributes its upstream fixed commission plus
// lots * spreadShare%. A group that matches no rule still contributes its
// fixed commission — a silent degrade that is logged and counted, never
// an abort for the whole trade set.
func (e *Engine) score(ctx context.Context, partnerID int64, trades []model.TradeRecord, idx *rules.Index) model.CommissionTotals {
	totals := model.CommissionTotals{PartnerID: partnerID}

	type bucket struct {
		lots  decimal.Decimal
		fixed decimal.Decimal
		count int64
	}
	buckets := make(map[string]*bucket)
	var order []string

	for _, t := range trades {
		b, ok := buckets[t.GroupID]
		if !ok {
			b = &bucket{}
			buckets[t.GroupID] = b
			order = append(order, t.GroupID)
		}
		b.lots = b.lots.Add(t.Lots)
		b.fixed = b.fixed.Add(t.FixedCommission)
		b.count++
	}

	for _, groupID := range order {
		b := buckets[groupID]
		totals.Fixed = totals.Fixed.Add(b.fixed)
		totals.Lots = totals.Lots.Add(b.lots)
		totals.TradeCount += b.count

		rule, tier, ok := idx.Resolve(groupID)
		metrics.RuleMatchesTotal.WithLabelValues(tier.String()).Inc()
		if !ok {
			slog.WarnContext(ctx, "no commission rule for group, spread skipped",
				"partner_id", partnerID,
				"group_id", groupID,
				"trades", b.count,
			)
			continue
		}
		if !tier.Exact() {
			slog.InfoContext(ctx, "commission rule matched via fallback",
				"partner_id", partnerID,
				"group_id", groupID,
				"tier", tier.String(),
			)
		}
		totals.Spread = totals.Spread.Add(b.lots.Mul(rule.SpreadShare).Div(hundred))
	}

	totals.Total = totals.Fixed.Add(totals.Spread)
	return totals
}
