// Package partner provides the HTTP handlers for the commission engine's
// exposed operations: commission computation, balance reconciliation,
// ledger cache refresh, and referral-code issuance.
//
// All monetary values use shopspring/decimal — never float64 for money.
// Two-decimal rounding appears only in the *_display response fields.
package partner

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/solitaire/ib-engine/internal/balance"
	"github.com/solitaire/ib-engine/internal/commission"
	"github.com/solitaire/ib-engine/internal/metrics"
	"github.com/solitaire/ib-engine/internal/model"
	"github.com/solitaire/ib-engine/internal/referral"
	"github.com/solitaire/ib-engine/internal/store"
)

// Service handles partner commission operations. Request-scoped and
// stateless between invocations; concurrent refreshes for the same
// partner race on the ledger upsert and converge to whichever
// computation finished last.
type Service struct {
	store      store.Store
	engine     *commission.Engine
	reconciler *balance.Reconciler
	issuer     *referral.Issuer
	wsHub      *WSHub // optional hub for dashboard broadcasts
}

// NewService creates a new partner service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, hub *WSHub) *Service {
	eng := commission.NewEngine(st)
	return &Service{
		store:      st,
		engine:     eng,
		reconciler: balance.NewReconciler(st, eng),
		issuer:     referral.NewIssuer(st),
		wsHub:      hub,
	}
}

// --- Request/Response types ---

// UpdateCodeRequest is the JSON body for PUT referral-code.
type UpdateCodeRequest struct {
	Code string `json:"code"`
}

// CodeResponse is returned from referral-code endpoints.
type CodeResponse struct {
	PartnerID int64  `json:"partner_id"`
	Code      string `json:"code"`
}

// CommissionResponse carries totals plus two-decimal display strings.
type CommissionResponse struct {
	model.CommissionTotals
	FixedDisplay  string `json:"fixed_display"`
	SpreadDisplay string `json:"spread_display"`
	TotalDisplay  string `json:"total_display"`
}

// BalanceResponse carries the balance summary plus display strings.
type BalanceResponse struct {
	model.BalanceSummary
	EarnedDisplay    string `json:"earned_display"`
	PaidDisplay      string `json:"paid_display"`
	PendingDisplay   string `json:"pending_display"`
	AvailableDisplay string `json:"available_display"`
}

func commissionResponse(t model.CommissionTotals) CommissionResponse {
	return CommissionResponse{
		CommissionTotals: t,
		FixedDisplay:     t.Fixed.StringFixed(2),
		SpreadDisplay:    t.Spread.StringFixed(2),
		TotalDisplay:     t.Total.StringFixed(2),
	}
}

func balanceResponse(b model.BalanceSummary) BalanceResponse {
	return BalanceResponse{
		BalanceSummary:   b,
		EarnedDisplay:    b.TotalEarned.StringFixed(2),
		PaidDisplay:      b.TotalPaid.StringFixed(2),
		PendingDisplay:   b.Pending.StringFixed(2),
		AvailableDisplay: b.Available.StringFixed(2),
	}
}

// --- HTTP handlers ---

// RegisterRoutes mounts the service under the given router.
func (s *Service) RegisterRoutes(r chi.Router) {
	r.Route("/partners/{partnerID}", func(r chi.Router) {
		r.Post("/referral-code", s.IssueReferralCode)
		r.Put("/referral-code", s.UpdateReferralCode)
		r.Get("/commission", s.GetCommission)
		r.Get("/balance", s.GetBalance)
		r.Get("/ledger", s.GetLedger)
		r.Get("/ledger/breakdown", s.GetLedgerBreakdown)
		r.Post("/ledger/refresh", s.RefreshLedger)
	})
}

// IssueReferralCode handles POST /api/v1/partners/{partnerID}/referral-code
func (s *Service) IssueReferralCode(w http.ResponseWriter, r *http.Request) {
	partnerID, ok := s.partnerID(w, r)
	if !ok {
		return
	}

	code, err := s.issuer.Issue(r.Context(), partnerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "partner not found", http.StatusNotFound)
			return
		}
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	slog.Info("referral code issued", "partner_id", partnerID, "code", code)

	writeJSON(w, http.StatusCreated, CodeResponse{PartnerID: partnerID, Code: code})
}

// UpdateReferralCode handles PUT /api/v1/partners/{partnerID}/referral-code
func (s *Service) UpdateReferralCode(w http.ResponseWriter, r *http.Request) {
	partnerID, ok := s.partnerID(w, r)
	if !ok {
		return
	}

	var req UpdateCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	err := s.issuer.Update(r.Context(), partnerID, req.Code)
	switch {
	case errors.Is(err, referral.ErrInvalidCode):
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, referral.ErrCodeTaken):
		writeError(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, store.ErrNotFound):
		writeError(w, "partner not found", http.StatusNotFound)
		return
	case err != nil:
		writeError(w, "failed to update referral code", http.StatusInternalServerError)
		return
	}

	p, err := s.store.GetPartner(r.Context(), partnerID)
	if err != nil {
		writeError(w, "failed to load partner", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, CodeResponse{PartnerID: partnerID, Code: p.ReferralCode})
}

// GetCommission handles GET /api/v1/partners/{partnerID}/commission
// Always a fresh recomputation, written through to the ledger cache.
func (s *Service) GetCommission(w http.ResponseWriter, r *http.Request) {
	partnerID, ok := s.partnerID(w, r)
	if !ok {
		return
	}

	totals, err := s.reconciler.RefreshLedger(r.Context(), partnerID)
	if err != nil {
		metrics.ComputationsTotal.WithLabelValues("failed").Inc()
		writeError(w, "commission computation failed", http.StatusServiceUnavailable)
		return
	}
	metrics.ComputationsTotal.WithLabelValues("ok").Inc()

	s.broadcastTotals(uuid.NewString(), partnerID, totals)
	writeJSON(w, http.StatusOK, commissionResponse(totals))
}

// GetBalance handles GET /api/v1/partners/{partnerID}/balance
// Recomputes, reconciles against withdrawals, and degrades to cached or
// zero totals instead of failing — dashboards must render regardless.
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	partnerID, ok := s.partnerID(w, r)
	if !ok {
		return
	}

	summary, err := s.reconciler.Reconcile(r.Context(), partnerID)
	if err != nil {
		writeError(w, "balance reconciliation failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, balanceResponse(summary))
}

// GetLedger handles GET /api/v1/partners/{partnerID}/ledger
// Serves the explicit "last known" view from the cache, bypassing
// recomputation. A partner with no cached entry gets zeros, not an error.
func (s *Service) GetLedger(w http.ResponseWriter, r *http.Request) {
	partnerID, ok := s.partnerID(w, r)
	if !ok {
		return
	}

	entry, err := s.store.GetLatestLedgerEntry(r.Context(), partnerID)
	if errors.Is(err, store.ErrNotFound) {
		entry = &model.CommissionLedgerEntry{
			PartnerID:      partnerID,
			CounterpartyID: strconv.FormatInt(partnerID, 10),
		}
	} else if err != nil {
		writeError(w, "failed to read ledger cache", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, entry)
}

// GetLedgerBreakdown handles GET /api/v1/partners/{partnerID}/ledger/breakdown
// Recomputes per referred counterparty and upserts one cache row each —
// the per-referral mode of the pair-key schema.
func (s *Service) GetLedgerBreakdown(w http.ResponseWriter, r *http.Request) {
	partnerID, ok := s.partnerID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	perUser, err := s.engine.ComputePerCounterparty(ctx, partnerID)
	if err != nil {
		metrics.ComputationsTotal.WithLabelValues("failed").Inc()
		writeError(w, "commission computation failed", http.StatusServiceUnavailable)
		return
	}
	metrics.ComputationsTotal.WithLabelValues("ok").Inc()

	entries := make([]model.CommissionLedgerEntry, 0, len(perUser))
	for userID, totals := range perUser {
		e := balance.AggregateEntry(partnerID, totals)
		e.CounterpartyID = userID
		if err := s.store.UpsertLedgerEntry(ctx, e); err != nil {
			slog.Error("breakdown write-through failed",
				"partner_id", partnerID, "counterparty", userID, "err", err)
		} else {
			metrics.LedgerRefreshesTotal.Inc()
		}
		entries = append(entries, *e)
	}

	writeJSON(w, http.StatusOK, entries)
}

// RefreshLedger handles POST /api/v1/partners/{partnerID}/ledger/refresh
// Forces recompute + aggregate upsert and returns the totals.
func (s *Service) RefreshLedger(w http.ResponseWriter, r *http.Request) {
	partnerID, ok := s.partnerID(w, r)
	if !ok {
		return
	}

	totals, err := s.reconciler.RefreshLedger(r.Context(), partnerID)
	if err != nil {
		metrics.ComputationsTotal.WithLabelValues("failed").Inc()
		writeError(w, "ledger refresh failed", http.StatusServiceUnavailable)
		return
	}
	metrics.ComputationsTotal.WithLabelValues("ok").Inc()

	refreshID := uuid.NewString()
	slog.Info("ledger refreshed",
		"refresh_id", refreshID,
		"partner_id", partnerID,
		"total", totals.Total.String(),
		"trades", totals.TradeCount,
	)

	s.broadcastTotals(refreshID, partnerID, totals)
	writeJSON(w, http.StatusOK, commissionResponse(totals))
}

// --- helpers ---

func (s *Service) partnerID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "partnerID"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, "invalid partner id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func (s *Service) broadcastTotals(refreshID string, partnerID int64, totals model.CommissionTotals) {
	if s.wsHub == nil {
		return
	}
	s.wsHub.Broadcast(WSMessage{
		Type:        "ledger_refreshed",
		RefreshID:   refreshID,
		PartnerID:   partnerID,
		TotalEarned: totals.Total.StringFixed(2),
		Fixed:       totals.Fixed.StringFixed(2),
		Spread:      totals.Spread.StringFixed(2),
		TradeCount:  totals.TradeCount,
		Lots:        totals.Lots.String(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
