// Package rules builds the commission-rule lookup for a partner's approved
// group assignments and resolves trade group identifiers against it.
//
// Group naming is inconsistent between the trading platform and the
// commission configuration ("real\\pro\\Classic" vs "Classic" vs
// "classic-pro"), so resolution runs a graduated matcher chain: exact
// normalized key, case-insensitive raw, substring containment in either
// direction, then first-rule fallback when the index is non-empty. The
// chain is a deliberate tolerance policy; callers receive the match tier
// so non-exact hits can be audited.
package rules

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/solitaire/ib-engine/internal/groupkey"
	"github.com/solitaire/ib-engine/internal/model"
)

// MatchTier identifies which matcher in the chain produced a rule.
type MatchTier int

const (
	MatchNone MatchTier = iota
	MatchExact
	MatchCaseInsensitive
	MatchSubstring
	MatchFallback
)

func (t MatchTier) String() string {
	switch t {
	case MatchExact:
		return "exact"
	case MatchCaseInsensitive:
		return "case_insensitive"
	case MatchSubstring:
		return "substring"
	case MatchFallback:
		return "fallback"
	default:
		return "none"
	}
}

// Exact reports whether the match is safe to treat as authoritative for
// audit purposes.
func (t MatchTier) Exact() bool { return t == MatchExact }

// Rule holds the two commission rate components for one group.
type Rule struct {
	FixedPerLot decimal.Decimal `json:"fixed_per_lot"`
	SpreadShare decimal.Decimal `json:"spread_share"` // percent, e.g. 10 → 10%
}

// Index is the normalized-key → Rule lookup for one partner.
// Build it per request from the partner's assignments; it is read-only
// after construction and safe for concurrent use.
type Index struct {
	rules map[string]Rule
	order []string // insertion order, for the deterministic first-rule fallback
}

// Build constructs an Index from a partner's group assignments. Each
// assignment is inserted under every plausible key variant: raw lowercase
// group id, raw lowercase display name, and the normalized path tail.
// Later assignments overwrite earlier ones for the same key
// (last-write-wins); assignment lists are small and expected not to
// conflict.
func Build(assignments []model.GroupAssignment) *Index {
	idx := &Index{rules: make(map[string]Rule, len(assignments)*3)}
	for _, a := range assignments {
		rule := Rule{FixedPerLot: a.FixedPerLot, SpreadShare: a.SpreadShare}
		idx.insert(strings.ToLower(strings.TrimSpace(a.GroupID)), rule)
		idx.insert(strings.ToLower(strings.TrimSpace(a.GroupName)), rule)
		idx.insert(groupkey.Normalize(a.GroupID), rule)
	}
	return idx
}

func (idx *Index) insert(key string, rule Rule) {
	if key == "" {
		return
	}
	if _, seen := idx.rules[key]; !seen {
		idx.order = append(idx.order, key)
	}
	idx.rules[key] = rule
}

// Len returns the number of distinct keys in the index.
func (idx *Index) Len() int { return len(idx.rules) }

// Resolve finds the rule for a trade's group identifier, trying each
// matcher in order and returning the first hit along with its tier.
// Returns ok=false only when the index is empty.
func (idx *Index) Resolve(tradeGroupID string) (Rule, MatchTier, bool) {
	if len(idx.rules) == 0 {
		return Rule{}, MatchNone, false
	}

	key := groupkey.Normalize(tradeGroupID)

	// 1. Exact normalized-key match.
	if r, ok := idx.rules[key]; ok {
		return r, MatchExact, true
	}

	// 2. Case-insensitive raw match (full path, not just the tail).
	raw := strings.ToLower(strings.TrimSpace(tradeGroupID))
	if r, ok := idx.rules[raw]; ok {
		return r, MatchCaseInsensitive, true
	}

	// 3. Substring containment in either direction against known keys.
	if key != "" {
		for _, k := range idx.order {
			if strings.Contains(k, key) || strings.Contains(key, k) {
				return idx.rules[k], MatchSubstring, true
			}
		}
	}

	// 4. Last resort: first rule inserted. Tolerates upstream renames at
	// the cost of precision; callers log and count these.
	return idx.rules[idx.order[0]], MatchFallback, true
}
