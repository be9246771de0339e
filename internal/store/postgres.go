package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/solitaire/ib-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Referral-code uniqueness is enforced by a unique index on
// UPPER(referral_code) — the application retry loop only reduces how
// often the constraint fires.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) GetPartner(ctx context.Context, partnerID int64) (*model.Partner, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, email, status, COALESCE(referral_code, ''), referred_by,
		        COALESCE(groups, ''), COALESCE(tiers, ''), COALESCE(account_ids, ''),
		        created_at, approved_at
		 FROM partners WHERE id = $1`, partnerID)
	return scanPartner(row)
}

func (s *PostgresStore) GetPartnerByCode(ctx context.Context, code string) (*model.Partner, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, email, status, COALESCE(referral_code, ''), referred_by,
		        COALESCE(groups, ''), COALESCE(tiers, ''), COALESCE(account_ids, ''),
		        created_at, approved_at
		 FROM partners WHERE UPPER(referral_code) = UPPER($1)`, code)
	return scanPartner(row)
}

func scanPartner(row pgx.Row) (*model.Partner, error) {
	var p model.Partner
	err := row.Scan(&p.ID, &p.Email, &p.Status, &p.ReferralCode, &p.ReferredBy,
		&p.Groups, &p.Tiers, &p.AccountIDs, &p.CreatedAt, &p.ApprovedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan partner: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) SetReferralCode(ctx context.Context, partnerID int64, code string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE partners SET referral_code = $2 WHERE id = $1`, partnerID, code)
	if err != nil {
		var pgErr *pgconn.PgError
		// 23505 = unique_violation on the UPPER(referral_code) index.
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrCodeTaken
		}
		return fmt.Errorf("set referral code for partner %d: %w", partnerID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetReferredUserIDs(ctx context.Context, partnerID int64) ([]string, error) {
	// Union of explicit referral records and accounts whose application
	// declares referred_by = partnerID. Account id sets on applications
	// are comma-delimited, split application-side.
	rows, err := s.pool.Query(ctx,
		`SELECT user_id FROM referrals WHERE partner_id = $1`, partnerID)
	if err != nil {
		return nil, fmt.Errorf("get referrals for partner %d: %w", partnerID, err)
	}
	defer rows.Close()

	seen := make(map[string]bool)
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	appRows, err := s.pool.Query(ctx,
		`SELECT COALESCE(account_ids, '') FROM partners WHERE referred_by = $1`, partnerID)
	if err != nil {
		return nil, fmt.Errorf("get downline accounts for partner %d: %w", partnerID, err)
	}
	defer appRows.Close()

	for appRows.Next() {
		var accts string
		if err := appRows.Scan(&accts); err != nil {
			return nil, err
		}
		for _, acct := range strings.Split(accts, ",") {
			if id := strings.TrimSpace(acct); id != "" && !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out, appRows.Err()
}

func (s *PostgresStore) GetAssignments(ctx context.Context, partnerID int64) ([]model.GroupAssignment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, partner_id, group_id, COALESCE(group_name, ''), COALESCE(tier_name, ''),
		        fixed_per_lot::TEXT, spread_share::TEXT, created_at
		 FROM group_assignments WHERE partner_id = $1 ORDER BY id`, partnerID)
	if err != nil {
		return nil, fmt.Errorf("get assignments for partner %d: %w", partnerID, err)
	}
	defer rows.Close()

	var out []model.GroupAssignment
	for rows.Next() {
		var a model.GroupAssignment
		var fixedS, spreadS string
		if err := rows.Scan(&a.ID, &a.PartnerID, &a.GroupID, &a.GroupName, &a.TierName,
			&fixedS, &spreadS, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.FixedPerLot, _ = decimal.NewFromString(fixedS)
		a.SpreadShare, _ = decimal.NewFromString(spreadS)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetTierRules(ctx context.Context, tierName string) ([]model.CommissionTierRule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tier_name, level, fixed_per_lot::TEXT, spread_share::TEXT
		 FROM commission_tier_rules WHERE LOWER(tier_name) = LOWER($1) ORDER BY level`, tierName)
	if err != nil {
		return nil, fmt.Errorf("get tier rules %q: %w", tierName, err)
	}
	defer rows.Close()

	var out []model.CommissionTierRule
	for rows.Next() {
		var r model.CommissionTierRule
		var fixedS, spreadS string
		if err := rows.Scan(&r.ID, &r.TierName, &r.Level, &fixedS, &spreadS); err != nil {
			return nil, err
		}
		r.FixedPerLot, _ = decimal.NewFromString(fixedS)
		r.SpreadShare, _ = decimal.NewFromString(spreadS)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetTrades(ctx context.Context, partnerID int64) ([]model.TradeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, partner_id, COALESCE(group_id, ''),
		        lots::TEXT, fixed_commission::TEXT, close_price::TEXT, profit::TEXT, closed_at
		 FROM trade_records WHERE partner_id = $1 ORDER BY closed_at`, partnerID)
	if err != nil {
		return nil, fmt.Errorf("get trades for partner %d: %w", partnerID, err)
	}
	defer rows.Close()

	var out []model.TradeRecord
	for rows.Next() {
		var t model.TradeRecord
		var lotsS, fixedS, profitS string
		var closeS *string
		if err := rows.Scan(&t.ID, &t.UserID, &t.PartnerID, &t.GroupID,
			&lotsS, &fixedS, &closeS, &profitS, &t.ClosedAt); err != nil {
			return nil, err
		}
		t.Lots, _ = decimal.NewFromString(lotsS)
		t.FixedCommission, _ = decimal.NewFromString(fixedS)
		t.Profit, _ = decimal.NewFromString(profitS)
		if closeS != nil {
			cp, err := decimal.NewFromString(*closeS)
			if err == nil {
				t.ClosePrice = &cp
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertLedgerEntry(ctx context.Context, e *model.CommissionLedgerEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO commission_ledger
		     (partner_id, counterparty_id, total, fixed, spread, trade_count, lots, last_updated)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6, $7::NUMERIC, NOW())
		 ON CONFLICT (partner_id, counterparty_id) DO UPDATE SET
		     total = EXCLUDED.total,
		     fixed = EXCLUDED.fixed,
		     spread = EXCLUDED.spread,
		     trade_count = EXCLUDED.trade_count,
		     lots = EXCLUDED.lots,
		     last_updated = NOW()`,
		e.PartnerID, e.CounterpartyID,
		e.Total.String(), e.Fixed.String(), e.Spread.String(),
		e.TradeCount, e.Lots.String(),
	)
	if err != nil {
		return fmt.Errorf("upsert ledger entry (%d, %s): %w", e.PartnerID, e.CounterpartyID, err)
	}
	return nil
}

func (s *PostgresStore) GetLedgerEntry(ctx context.Context, partnerID int64, counterpartyID string) (*model.CommissionLedgerEntry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT partner_id, counterparty_id, total::TEXT, fixed::TEXT, spread::TEXT,
		        trade_count, lots::TEXT, last_updated
		 FROM commission_ledger WHERE partner_id = $1 AND counterparty_id = $2`,
		partnerID, counterpartyID)
	return scanLedgerEntry(row)
}

func (s *PostgresStore) GetLatestLedgerEntry(ctx context.Context, partnerID int64) (*model.CommissionLedgerEntry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT partner_id, counterparty_id, total::TEXT, fixed::TEXT, spread::TEXT,
		        trade_count, lots::TEXT, last_updated
		 FROM commission_ledger WHERE partner_id = $1
		 ORDER BY last_updated DESC LIMIT 1`, partnerID)
	return scanLedgerEntry(row)
}

func scanLedgerEntry(row pgx.Row) (*model.CommissionLedgerEntry, error) {
	var e model.CommissionLedgerEntry
	var totalS, fixedS, spreadS, lotsS string
	err := row.Scan(&e.PartnerID, &e.CounterpartyID, &totalS, &fixedS, &spreadS,
		&e.TradeCount, &lotsS, &e.LastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan ledger entry: %w", err)
	}
	e.Total, _ = decimal.NewFromString(totalS)
	e.Fixed, _ = decimal.NewFromString(fixedS)
	e.Spread, _ = decimal.NewFromString(spreadS)
	e.Lots, _ = decimal.NewFromString(lotsS)
	return &e, nil
}

func (s *PostgresStore) GetWithdrawals(ctx context.Context, partnerID int64) ([]model.WithdrawalRequest, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, partner_id, amount::TEXT, COALESCE(method, ''), status, created_at, updated_at
		 FROM withdrawal_requests WHERE partner_id = $1 ORDER BY created_at`, partnerID)
	if err != nil {
		return nil, fmt.Errorf("get withdrawals for partner %d: %w", partnerID, err)
	}
	defer rows.Close()

	var out []model.WithdrawalRequest
	for rows.Next() {
		var w model.WithdrawalRequest
		var amountS string
		if err := rows.Scan(&w.ID, &w.PartnerID, &amountS, &w.Method, &w.Status,
			&w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, err
		}
		w.Amount, _ = decimal.NewFromString(amountS)
		out = append(out, w)
	}
	return out, rows.Err()
}
