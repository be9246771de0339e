package rules_test

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/solitaire/ib-engine/internal/model"
	"github.com/solitaire/ib-engine/internal/rules"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func assignment(groupID, groupName string, fixed, spread float64) model.GroupAssignment {
	return model.GroupAssignment{
		GroupID:     groupID,
		GroupName:   groupName,
		FixedPerLot: d(fixed),
		SpreadShare: d(spread),
	}
}

func TestResolve_ExactNormalizedMatch(t *testing.T) {
	idx := rules.Build([]model.GroupAssignment{
		assignment(`real\pro\Classic`, "Classic Accounts", 2.5, 10),
	})

	rule, tier, ok := idx.Resolve("Classic")
	if !ok {
		t.Fatal("expected a match")
	}
	if tier != rules.MatchExact {
		t.Errorf("expected exact tier, got %s", tier)
	}
	if !rule.FixedPerLot.Equal(d(2.5)) || !rule.SpreadShare.Equal(d(10)) {
		t.Errorf("wrong rule: fixed=%s spread=%s", rule.FixedPerLot, rule.SpreadShare)
	}
}

func TestResolve_PathTailFromTradeSide(t *testing.T) {
	// Rule configured against bare name, trade arrives with a full path.
	idx := rules.Build([]model.GroupAssignment{
		assignment("classic", "Classic", 2.5, 10),
	})

	_, tier, ok := idx.Resolve(`real\pro\Classic`)
	if !ok || tier != rules.MatchExact {
		t.Errorf("path-tail trade id should exact-match bare key, got tier=%s ok=%v", tier, ok)
	}
}

func TestResolve_SubstringContainment(t *testing.T) {
	idx := rules.Build([]model.GroupAssignment{
		assignment("classic-pro", "Classic Pro", 3, 15),
	})

	rule, tier, ok := idx.Resolve("classic")
	if !ok {
		t.Fatal("expected substring match")
	}
	if tier != rules.MatchSubstring {
		t.Errorf("expected substring tier, got %s", tier)
	}
	if !rule.SpreadShare.Equal(d(15)) {
		t.Errorf("wrong rule matched: spread=%s", rule.SpreadShare)
	}
}

func TestResolve_FallbackToFirstRule(t *testing.T) {
	idx := rules.Build([]model.GroupAssignment{
		assignment("alpha", "Alpha", 1, 5),
		assignment("beta", "Beta", 2, 8),
	})

	rule, tier, ok := idx.Resolve("entirely-unrelated")
	if !ok {
		t.Fatal("non-empty index must always resolve via fallback")
	}
	if tier != rules.MatchFallback {
		t.Errorf("expected fallback tier, got %s", tier)
	}
	// First inserted rule wins deterministically.
	if !rule.FixedPerLot.Equal(d(1)) {
		t.Errorf("fallback should return first rule, got fixed=%s", rule.FixedPerLot)
	}
	if tier.Exact() {
		t.Error("fallback must not report as exact — callers audit on this")
	}
}

func TestResolve_EmptyIndex(t *testing.T) {
	idx := rules.Build(nil)
	if _, _, ok := idx.Resolve("anything"); ok {
		t.Error("empty index must not resolve")
	}
}

func TestBuild_LastWriteWins(t *testing.T) {
	idx := rules.Build([]model.GroupAssignment{
		assignment("classic", "Classic", 1, 5),
		assignment("classic", "Classic", 2, 9),
	})

	rule, _, ok := idx.Resolve("classic")
	if !ok {
		t.Fatal("expected match")
	}
	if !rule.SpreadShare.Equal(d(9)) {
		t.Errorf("later assignment should overwrite earlier, got spread=%s", rule.SpreadShare)
	}
}

func TestBuild_DisplayNameVariant(t *testing.T) {
	idx := rules.Build([]model.GroupAssignment{
		assignment("grp-0142", "Premium", 4, 20),
	})

	_, tier, ok := idx.Resolve("premium")
	if !ok || tier != rules.MatchExact {
		t.Errorf("display name should be indexed, got tier=%s ok=%v", tier, ok)
	}
}
