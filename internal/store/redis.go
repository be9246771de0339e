package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/solitaire/ib-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Only reads that are allowed to be stale are cached: partner rows
// and last-known ledger entries. Anything feeding a "current" balance
// (trades, assignments, withdrawals) passes through so every
// recomputation sees fresh data. Writes go to the primary store and
// invalidate the affected keys.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Read-through (staleness acceptable) ---

func (s *CachedStore) GetPartner(ctx context.Context, partnerID int64) (*model.Partner, error) {
	data, err := s.rdb.Get(ctx, partnerKey(partnerID)).Bytes()
	if err == nil {
		var p model.Partner
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.primary.GetPartner(ctx, partnerID)
	if err != nil {
		return nil, err
	}
	s.cachePartner(ctx, p)
	return p, nil
}

func (s *CachedStore) GetLedgerEntry(ctx context.Context, partnerID int64, counterpartyID string) (*model.CommissionLedgerEntry, error) {
	data, err := s.rdb.Get(ctx, ledgerPairKey(partnerID, counterpartyID)).Bytes()
	if err == nil {
		var e model.CommissionLedgerEntry
		if json.Unmarshal(data, &e) == nil {
			return &e, nil
		}
	}

	e, err := s.primary.GetLedgerEntry(ctx, partnerID, counterpartyID)
	if err != nil {
		return nil, err
	}
	s.cacheLedgerEntry(ctx, e)
	return e, nil
}

func (s *CachedStore) GetLatestLedgerEntry(ctx context.Context, partnerID int64) (*model.CommissionLedgerEntry, error) {
	data, err := s.rdb.Get(ctx, ledgerLatestKey(partnerID)).Bytes()
	if err == nil {
		var e model.CommissionLedgerEntry
		if json.Unmarshal(data, &e) == nil {
			return &e, nil
		}
	}

	e, err := s.primary.GetLatestLedgerEntry(ctx, partnerID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(e); err == nil {
		s.rdb.Set(ctx, ledgerLatestKey(partnerID), data, s.ttl)
	}
	return e, nil
}

// --- Write-through (write primary, invalidate or refresh cache) ---

func (s *CachedStore) SetReferralCode(ctx context.Context, partnerID int64, code string) error {
	if err := s.primary.SetReferralCode(ctx, partnerID, code); err != nil {
		return err
	}
	s.rdb.Del(ctx, partnerKey(partnerID))
	return nil
}

func (s *CachedStore) UpsertLedgerEntry(ctx context.Context, entry *model.CommissionLedgerEntry) error {
	if err := s.primary.UpsertLedgerEntry(ctx, entry); err != nil {
		return err
	}
	// The upsert just became the latest entry; refresh both keys rather
	// than waiting for the next read.
	s.cacheLedgerEntry(ctx, entry)
	if data, err := json.Marshal(entry); err == nil {
		s.rdb.Set(ctx, ledgerLatestKey(entry.PartnerID), data, s.ttl)
	}
	return nil
}

// --- Passthrough (must always be fresh) ---

func (s *CachedStore) GetPartnerByCode(ctx context.Context, code string) (*model.Partner, error) {
	return s.primary.GetPartnerByCode(ctx, code)
}

func (s *CachedStore) GetReferredUserIDs(ctx context.Context, partnerID int64) ([]string, error) {
	return s.primary.GetReferredUserIDs(ctx, partnerID)
}

func (s *CachedStore) GetAssignments(ctx context.Context, partnerID int64) ([]model.GroupAssignment, error) {
	return s.primary.GetAssignments(ctx, partnerID)
}

func (s *CachedStore) GetTierRules(ctx context.Context, tierName string) ([]model.CommissionTierRule, error) {
	return s.primary.GetTierRules(ctx, tierName)
}

func (s *CachedStore) GetTrades(ctx context.Context, partnerID int64) ([]model.TradeRecord, error) {
	return s.primary.GetTrades(ctx, partnerID)
}

func (s *CachedStore) GetWithdrawals(ctx context.Context, partnerID int64) ([]model.WithdrawalRequest, error) {
	return s.primary.GetWithdrawals(ctx, partnerID)
}

// --- Cache helpers ---

func (s *CachedStore) cachePartner(ctx context.Context, p *model.Partner) {
	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, partnerKey(p.ID), data, s.ttl)
	}
}

func (s *CachedStore) cacheLedgerEntry(ctx context.Context, e *model.CommissionLedgerEntry) {
	if data, err := json.Marshal(e); err == nil {
		s.rdb.Set(ctx, ledgerPairKey(e.PartnerID, e.CounterpartyID), data, s.ttl)
	}
}

func partnerKey(id int64) string { return "partner:" + strconv.FormatInt(id, 10) }

func ledgerPairKey(partnerID int64, counterpartyID string) string {
	return fmt.Sprintf("ledger:%d:%s", partnerID, strings.TrimSpace(counterpartyID))
}

func ledgerLatestKey(partnerID int64) string {
	return fmt.Sprintf("ledger:latest:%d", partnerID)
}
