// Package referral issues and validates the short codes that anchor the
// referred-user graph. Codes are uppercase alphanumeric, at most 8
// characters, and globally unique across partners (case-insensitive).
//
// Generation is a generator + uniqueness-oracle pair behind a bounded
// retry policy. The storage layer's uniqueness constraint is the
// authoritative guard; the retry loop only reduces how often it fires.
package referral

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/solitaire/ib-engine/internal/metrics"
	"github.com/solitaire/ib-engine/internal/model"
	"github.com/solitaire/ib-engine/internal/store"
)

const (
	codePrefix  = "IB"
	maxCodeLen  = 8
	maxAttempts = 10
)

var (
	// ErrInvalidCode is returned for malformed code input: empty, too
	// long, or characters outside [A-Z0-9]. Surfaced verbatim, not
	// retried.
	ErrInvalidCode = errors.New("referral: code must be 1-8 characters A-Z 0-9")

	// ErrCodeTaken is returned when the requested code belongs to a
	// different partner.
	ErrCodeTaken = errors.New("referral: code already owned by another partner")

	// ErrCyclicReferral is returned when linking a referrer would create
	// a cycle in the partner graph.
	ErrCyclicReferral = errors.New("referral: referrer chain would form a cycle")

	// ErrExhausted is returned when every generation attempt, including
	// the timestamp fallbacks, collided. With an 8-char space this is
	// effectively unreachable outside of tests.
	ErrExhausted = errors.New("referral: could not generate a unique code")

	codePattern = regexp.MustCompile(`^[A-Z0-9]+$`)
	base36      = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

// Issuer generates and assigns referral codes.
type Issuer struct {
	store store.Store
}

// NewIssuer creates an issuer over the given store.
func NewIssuer(st store.Store) *Issuer {
	return &Issuer{store: st}
}

// Issue generates a unique code for the partner and persists it.
//
// Construction: "IB" + decimal partner id + random base-36 suffix, with
// suffix length max(2, 8 − (2 + digits(id))) and the whole code truncated
// to 8 characters — the cap wins over the suffix for ids of 7+ digits,
// where the code degenerates to the prefix and a truncated id.
// Uniqueness is query-and-retry up to 10 attempts; on exhaustion a
// timestamp-derived suffix is tried, itself re-checked for uniqueness the
// same way.
func (i *Issuer) Issue(ctx context.Context, partnerID int64) (string, error) {
	id := strconv.FormatInt(partnerID, 10)
	suffixLen := maxCodeLen - len(codePrefix) - len(id)
	if suffixLen < 2 {
		suffixLen = 2
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		code := truncate(codePrefix + id + randomSuffix(suffixLen))
		ok, err := i.tryClaim(ctx, partnerID, code)
		if err != nil {
			return "", err
		}
		if ok {
			return code, nil
		}
		metrics.CodeCollisionsTotal.Inc()
	}

	// Terminal fallback: derive the suffix from the clock. Less entropy,
	// guaranteed termination — and still re-checked for uniqueness.
	for attempt := 0; attempt < maxAttempts; attempt++ {
		ts := strings.ToUpper(strconv.FormatInt(time.Now().UnixNano(), 36))
		code := truncate(codePrefix + id + ts)
		ok, err := i.tryClaim(ctx, partnerID, code)
		if err != nil {
			return "", err
		}
		if ok {
			return code, nil
		}
		metrics.CodeCollisionsTotal.Inc()
	}
	return "", ErrExhausted
}

// tryClaim checks the code is free and claims it. The store's uniqueness
// constraint closes the check-then-set race under concurrent
// applications; a constraint hit reads as a collision, not an error.
func (i *Issuer) tryClaim(ctx context.Context, partnerID int64, code string) (bool, error) {
	owner, err := i.store.GetPartnerByCode(ctx, code)
	if err == nil {
		if owner.ID == partnerID {
			return true, nil // already ours, idempotent
		}
		return false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return false, fmt.Errorf("check code %q: %w", code, err)
	}

	err = i.store.SetReferralCode(ctx, partnerID, code)
	if errors.Is(err, store.ErrCodeTaken) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim code %q: %w", code, err)
	}
	return true, nil
}

// Update assigns a caller-chosen code after validation: non-empty, at
// most 8 characters, [A-Z0-9] after uppercasing, and not owned by a
// different partner.
func (i *Issuer) Update(ctx context.Context, partnerID int64, code string) error {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" || len(code) > maxCodeLen || !codePattern.MatchString(code) {
		return ErrInvalidCode
	}

	owner, err := i.store.GetPartnerByCode(ctx, code)
	if err == nil && owner.ID != partnerID {
		return ErrCodeTaken
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("check code %q: %w", code, err)
	}

	err = i.store.SetReferralCode(ctx, partnerID, code)
	if errors.Is(err, store.ErrCodeTaken) {
		return ErrCodeTaken
	}
	return err
}

// ValidateReferrerChain checks that making referrerID the parent of
// partnerID keeps the referral graph a forest. It walks up referred_by
// with a visited set, so even pre-existing corruption terminates.
func (i *Issuer) ValidateReferrerChain(ctx context.Context, partnerID, referrerID int64) error {
	if partnerID == referrerID {
		return ErrCyclicReferral
	}

	visited := map[int64]bool{partnerID: true}
	current := referrerID
	for {
		if visited[current] {
			return ErrCyclicReferral
		}
		visited[current] = true

		p, err := i.store.GetPartner(ctx, current)
		if errors.Is(err, store.ErrNotFound) {
			return nil // chain ends at a root
		}
		if err != nil {
			return fmt.Errorf("walk referrer chain at %d: %w", current, err)
		}
		if p.ReferredBy == nil {
			return nil
		}
		current = *p.ReferredBy
	}
}

// Owner resolves a code to its partner, for application-time linking.
func (i *Issuer) Owner(ctx context.Context, code string) (*model.Partner, error) {
	return i.store.GetPartnerByCode(ctx, strings.ToUpper(strings.TrimSpace(code)))
}

func randomSuffix(n int) string {
	b := make([]byte, n)
	for j := range b {
		b[j] = base36[rand.Intn(len(base36))]
	}
	return string(b)
}

func truncate(code string) string {
	code = strings.ToUpper(code)
	if len(code) > maxCodeLen {
		return code[:maxCodeLen]
	}
	return code
}
