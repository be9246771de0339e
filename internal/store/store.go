// Package store defines the persistence interface for the commission
// engine. Implementations include PostgreSQL (source of truth), Redis
// (read-through cache for partner rows and last-known ledger totals), and
// in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/solitaire/ib-engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	// Callers in the engine map it to zero-value defaults, never a fatal.
	ErrNotFound = errors.New("store: not found")

	// ErrCodeTaken is returned when a referral code is already owned by a
	// different partner. The storage uniqueness constraint is the
	// authoritative guard; application-level checks only reduce how often
	// this surfaces.
	ErrCodeTaken = errors.New("store: referral code already taken")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// the commission ledger table is a derived cache that must always be
// recomputable from trades + assignments + tier rules.
type Store interface {
	// --- Partner / referral graph ---

	// GetPartner retrieves a partner by id.
	GetPartner(ctx context.Context, partnerID int64) (*model.Partner, error)

	// GetPartnerByCode retrieves a partner by referral code
	// (case-insensitive). Returns ErrNotFound when the code is free.
	GetPartnerByCode(ctx context.Context, code string) (*model.Partner, error)

	// SetReferralCode assigns a code to a partner. Returns ErrCodeTaken
	// if another partner already holds it (uniqueness is enforced by the
	// storage layer, case-insensitively).
	SetReferralCode(ctx context.Context, partnerID int64, code string) error

	// GetReferredUserIDs returns the partner's referred-user set: the
	// union of explicit referral records and counterparty accounts whose
	// application declares referred_by = partnerID.
	GetReferredUserIDs(ctx context.Context, partnerID int64) ([]string, error)

	// --- Commission configuration (read-only to the engine) ---

	// GetAssignments returns the partner's approved group assignments.
	GetAssignments(ctx context.Context, partnerID int64) ([]model.GroupAssignment, error)

	// GetTierRules returns the ordered rule stack for a tier name.
	GetTierRules(ctx context.Context, tierName string) ([]model.CommissionTierRule, error)

	// --- Trade ledger (populated upstream, immutable here) ---

	// GetTrades returns all trade records attributed to a partner.
	GetTrades(ctx context.Context, partnerID int64) ([]model.TradeRecord, error)

	// --- Commission ledger cache ---

	// UpsertLedgerEntry writes computed totals, overwriting any existing
	// row for the unique (partner_id, counterparty_id) pair and bumping
	// last_updated. Idempotent: replaying the same totals converges.
	UpsertLedgerEntry(ctx context.Context, entry *model.CommissionLedgerEntry) error

	// GetLedgerEntry retrieves one cached pair row.
	GetLedgerEntry(ctx context.Context, partnerID int64, counterpartyID string) (*model.CommissionLedgerEntry, error)

	// GetLatestLedgerEntry returns the partner's most recently updated
	// cache row — not an aggregate across counterparties.
	GetLatestLedgerEntry(ctx context.Context, partnerID int64) (*model.CommissionLedgerEntry, error)

	// --- Withdrawals (status transitions happen upstream) ---

	// GetWithdrawals returns all withdrawal requests for a partner.
	GetWithdrawals(ctx context.Context, partnerID int64) ([]model.WithdrawalRequest, error)
}
