package store

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/solitaire/ib-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	partners    map[int64]*model.Partner
	assignments map[int64][]model.GroupAssignment
	tierRules   map[string][]model.CommissionTierRule
	trades      map[int64][]model.TradeRecord
	referrals   map[int64][]string // explicit referral records: partner → user ids
	ledger      map[string]*model.CommissionLedgerEntry
	withdrawals map[int64][]model.WithdrawalRequest

	// TradesErr, when set, makes GetTrades fail. Lets tests exercise the
	// upstream-unavailable fallback path.
	TradesErr error
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		partners:    make(map[int64]*model.Partner),
		assignments: make(map[int64][]model.GroupAssignment),
		tierRules:   make(map[string][]model.CommissionTierRule),
		trades:      make(map[int64][]model.TradeRecord),
		referrals:   make(map[int64][]string),
		ledger:      make(map[string]*model.CommissionLedgerEntry),
		withdrawals: make(map[int64][]model.WithdrawalRequest),
	}
}

// --- Seeding helpers (tests and dev mode) ---

// PutPartner inserts or replaces a partner row.
func (s *MemoryStore) PutPartner(p *model.Partner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.partners[p.ID] = &cp
}

// PutAssignment appends a group assignment for a partner.
func (s *MemoryStore) PutAssignment(a model.GroupAssignment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignments[a.PartnerID] = append(s.assignments[a.PartnerID], a)
}

// PutTierRule appends a tier rule.
func (s *MemoryStore) PutTierRule(r model.CommissionTierRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(r.TierName)
	s.tierRules[key] = append(s.tierRules[key], r)
}

// PutTrade appends a trade record attributed to a partner.
func (s *MemoryStore) PutTrade(t model.TradeRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades[t.PartnerID] = append(s.trades[t.PartnerID], t)
}

// PutReferral records an explicit referral of userID by partnerID.
func (s *MemoryStore) PutReferral(partnerID int64, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.referrals[partnerID] = append(s.referrals[partnerID], userID)
}

// PutWithdrawal appends a withdrawal request.
func (s *MemoryStore) PutWithdrawal(w model.WithdrawalRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.withdrawals[w.PartnerID] = append(s.withdrawals[w.PartnerID], w)
}

// --- Store implementation ---

func (s *MemoryStore) GetPartner(_ context.Context, partnerID int64) (*model.Partner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.partners[partnerID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) GetPartnerByCode(_ context.Context, code string) (*model.Partner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.partners {
		if p.ReferralCode != "" && strings.EqualFold(p.ReferralCode, code) {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) SetReferralCode(_ context.Context, partnerID int64, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, p := range s.partners {
		if id != partnerID && p.ReferralCode != "" && strings.EqualFold(p.ReferralCode, code) {
			return ErrCodeTaken
		}
	}
	p, ok := s.partners[partnerID]
	if !ok {
		return ErrNotFound
	}
	p.ReferralCode = code
	return nil
}

func (s *MemoryStore) GetReferredUserIDs(_ context.Context, partnerID int64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}

	for _, id := range s.referrals[partnerID] {
		add(id)
	}
	// Applications declaring referred_by = partnerID contribute their
	// trading accounts.
	for _, p := range s.partners {
		if p.ReferredBy != nil && *p.ReferredBy == partnerID {
			for _, acct := range p.AccountList() {
				add(acct)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) GetAssignments(_ context.Context, partnerID int64) ([]model.GroupAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.GroupAssignment(nil), s.assignments[partnerID]...), nil
}

func (s *MemoryStore) GetTierRules(_ context.Context, tierName string) ([]model.CommissionTierRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rules := append([]model.CommissionTierRule(nil), s.tierRules[strings.ToLower(tierName)]...)
	sort.Slice(rules, func(i, j int) bool { return rules[i].Level < rules[j].Level })
	return rules, nil
}

func (s *MemoryStore) GetTrades(_ context.Context, partnerID int64) ([]model.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.TradesErr != nil {
		return nil, s.TradesErr
	}
	return append([]model.TradeRecord(nil), s.trades[partnerID]...), nil
}

func (s *MemoryStore) UpsertLedgerEntry(_ context.Context, entry *model.CommissionLedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *entry
	if cp.LastUpdated.IsZero() {
		cp.LastUpdated = time.Now().UTC()
	}
	s.ledger[ledgerKey(entry.PartnerID, entry.CounterpartyID)] = &cp
	return nil
}

func (s *MemoryStore) GetLedgerEntry(_ context.Context, partnerID int64, counterpartyID string) (*model.CommissionLedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.ledger[ledgerKey(partnerID, counterpartyID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) GetLatestLedgerEntry(_ context.Context, partnerID int64) (*model.CommissionLedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *model.CommissionLedgerEntry
	for _, e := range s.ledger {
		if e.PartnerID != partnerID {
			continue
		}
		if latest == nil || e.LastUpdated.After(latest.LastUpdated) {
			latest = e
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s *MemoryStore) GetWithdrawals(_ context.Context, partnerID int64) ([]model.WithdrawalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.WithdrawalRequest(nil), s.withdrawals[partnerID]...), nil
}

// ErrUpstreamDown is a canned error for tests exercising degraded reads.
var ErrUpstreamDown = errors.New("store: trade ledger unavailable")

func ledgerKey(partnerID int64, counterpartyID string) string {
	return strconv.FormatInt(partnerID, 10) + ":" + counterpartyID
}
