// Package model defines the core domain types shared across the commission
// engine. All monetary and volume values use shopspring/decimal — never
// float64 for money. Two-decimal rounding happens only at presentation.
package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Partner approval statuses. Partners are never hard-deleted; banned and
// rejected are soft states.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
	StatusBanned   = "banned"
)

// Withdrawal statuses. Comparison is case-insensitive everywhere.
const (
	WithdrawalPending   = "pending"
	WithdrawalApproved  = "approved"
	WithdrawalPaid      = "paid"
	WithdrawalCompleted = "completed"
	WithdrawalRejected  = "rejected"
)

// Partner is an introducing-broker account. ReferralCode anchors the
// referred-user graph; ReferredBy points at the parent partner (the graph
// forms a forest, never a cycle). Groups and Tiers are comma-delimited
// sets assigned on approval.
type Partner struct {
	ID           int64      `json:"id" db:"id"`
	Email        string     `json:"email" db:"email"`
	Status       string     `json:"status" db:"status"`
	ReferralCode string     `json:"referral_code" db:"referral_code"`
	ReferredBy   *int64     `json:"referred_by,omitempty" db:"referred_by"`
	Groups       string     `json:"groups" db:"groups"`
	Tiers        string     `json:"tiers" db:"tiers"`
	AccountIDs   string     `json:"account_ids" db:"account_ids"` // partner's own trading accounts
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	ApprovedAt   *time.Time `json:"approved_at,omitempty" db:"approved_at"`
}

// IsApproved reports whether the partner may earn commission.
func (p *Partner) IsApproved() bool {
	return strings.EqualFold(p.Status, StatusApproved)
}

// GroupList splits the comma-delimited group set.
func (p *Partner) GroupList() []string { return splitSet(p.Groups) }

// TierList splits the comma-delimited tier set.
func (p *Partner) TierList() []string { return splitSet(p.Tiers) }

// AccountList splits the comma-delimited trading-account set.
func (p *Partner) AccountList() []string { return splitSet(p.AccountIDs) }

func splitSet(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// GroupAssignment binds a partner to one trading group with its commission
// rates. Created by the admin approval workflow; read-only to the engine.
type GroupAssignment struct {
	ID          int64           `json:"id" db:"id"`
	PartnerID   int64           `json:"partner_id" db:"partner_id"`
	GroupID     string          `json:"group_id" db:"group_id"`
	GroupName   string          `json:"group_name" db:"group_name"`
	TierName    string          `json:"tier_name" db:"tier_name"`
	FixedPerLot decimal.Decimal `json:"fixed_per_lot" db:"fixed_per_lot"`
	SpreadShare decimal.Decimal `json:"spread_share" db:"spread_share"` // percent
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// CommissionTierRule is one level of a named tier. A partner's tier name
// selects an ordered stack of these, applied uniformly across all of the
// partner's assigned groups (not per group).
type CommissionTierRule struct {
	ID          int64           `json:"id" db:"id"`
	TierName    string          `json:"tier_name" db:"tier_name"`
	Level       int             `json:"level" db:"level"`
	FixedPerLot decimal.Decimal `json:"fixed_per_lot" db:"fixed_per_lot"`
	SpreadShare decimal.Decimal `json:"spread_share" db:"spread_share"` // percent
}

// TradeRecord is a row from the upstream trade ledger. Immutable once
// closed. Only closed trades (non-nil, non-zero ClosePrice) with non-zero
// profit are commission-eligible. FixedCommission is computed upstream
// per trade and passed through, never recomputed here.
type TradeRecord struct {
	ID              string           `json:"id" db:"id"`
	UserID          string           `json:"user_id" db:"user_id"` // owning counterparty
	PartnerID       int64            `json:"partner_id" db:"partner_id"`
	GroupID         string           `json:"group_id" db:"group_id"`
	Lots            decimal.Decimal  `json:"lots" db:"lots"`
	FixedCommission decimal.Decimal  `json:"fixed_commission" db:"fixed_commission"`
	ClosePrice      *decimal.Decimal `json:"close_price,omitempty" db:"close_price"`
	Profit          decimal.Decimal  `json:"profit" db:"profit"`
	ClosedAt        time.Time        `json:"closed_at" db:"closed_at"`
}

// IsClosed reports whether the trade has a usable close price.
func (t *TradeRecord) IsClosed() bool {
	return t.ClosePrice != nil && !t.ClosePrice.IsZero()
}

// CommissionLedgerEntry is the persisted cache of last-computed totals,
// unique per (partner, counterparty). Always derivable by recomputation
// from trades + assignments + tier rules; never the sole source of truth.
// The pair key degenerates to (PartnerID, PartnerID) for the partner-wide
// aggregate row.
type CommissionLedgerEntry struct {
	PartnerID      int64           `json:"partner_id" db:"partner_id"`
	CounterpartyID string          `json:"counterparty_id" db:"counterparty_id"`
	Total          decimal.Decimal `json:"total" db:"total"`
	Fixed          decimal.Decimal `json:"fixed" db:"fixed"`
	Spread         decimal.Decimal `json:"spread" db:"spread"`
	TradeCount     int64           `json:"trade_count" db:"trade_count"`
	Lots           decimal.Decimal `json:"lots" db:"lots"`
	LastUpdated    time.Time       `json:"last_updated" db:"last_updated"`
}

// WithdrawalRequest is a partner payout request. Status transitions are
// driven by an external admin workflow; the engine only reads them.
type WithdrawalRequest struct {
	ID        string          `json:"id" db:"id"`
	PartnerID int64           `json:"partner_id" db:"partner_id"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Method    string          `json:"method" db:"method"`
	Status    string          `json:"status" db:"status"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// IsPaidOut reports whether the withdrawal reduces available balance.
func (w *WithdrawalRequest) IsPaidOut() bool {
	switch strings.ToLower(strings.TrimSpace(w.Status)) {
	case WithdrawalApproved, WithdrawalPaid, WithdrawalCompleted:
		return true
	}
	return false
}

// IsPending reports whether the withdrawal is awaiting review.
func (w *WithdrawalRequest) IsPending() bool {
	return strings.EqualFold(strings.TrimSpace(w.Status), WithdrawalPending)
}

// CommissionTotals is the result of one commission computation.
// Total equals Fixed + Spread exactly — the same decimal sum, no rounding
// between components.
type CommissionTotals struct {
	PartnerID  int64           `json:"partner_id"`
	Fixed      decimal.Decimal `json:"fixed_earned"`
	Spread     decimal.Decimal `json:"spread_earned"`
	Total      decimal.Decimal `json:"total_earned"`
	TradeCount int64           `json:"trade_count"`
	Lots       decimal.Decimal `json:"total_lots"`
}

// BalanceSummary is the externally reported balance for a partner.
// Available is never negative.
type BalanceSummary struct {
	PartnerID   int64           `json:"partner_id"`
	TotalEarned decimal.Decimal `json:"total_earned"`
	TotalPaid   decimal.Decimal `json:"total_paid"`
	Pending     decimal.Decimal `json:"pending"`
	Available   decimal.Decimal `json:"available"`
	FromCache   bool            `json:"from_cache"` // earned served from the ledger cache fallback
}
