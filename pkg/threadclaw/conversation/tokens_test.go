package conversation

import (
	"errors"
	"strings"
	"testing"
)

func turnsWithCost(n, cost int) []Turn {
	turns := make([]Turn, n)
	for i := range turns {
		turns[i] = Turn{
			ID:      string(rune('a' + i)),
			Role:    "user",
			Content: "msg",
			Tokens:  cost,
			Source:  SourcePlatform,
		}
	}
	return turns
}

func TestHeuristicEstimator_Estimate(t *testing.T) {
	est := HeuristicEstimator{}

	text := est.Estimate(Turn{Role: "user", Content: strings.Repeat("x", 400)})
	if text < 100 {
		t.Errorf("expected at least 100 tokens for 400 chars, got %d", text)
	}

	empty := est.Estimate(Turn{Role: "u"})
	if empty < 1 {
		t.Errorf("expected minimum cost 1, got %d", empty)
	}

	asset := est.Estimate(Turn{Role: "assistant", Source: SourceAsset})
	if asset < assetReferenceCost {
		t.Errorf("expected asset surcharge, got %d", asset)
	}
}

func TestAccountant_TrimBatchPolicy(t *testing.T) {
	// budget=1000, threshold=0.8, batch=5: 17 turns x 50 tokens = 850
	// exceeds the 800 trigger, so the 5 oldest go, leaving 600.
	acct := NewAccountant(1000, 0.8, 5, 2, nil)
	turns := turnsWithCost(17, 50)

	trimmed, removed, err := acct.Trim(turns)
	if err != nil {
		t.Fatalf("Trim failed: %v", err)
	}
	if removed != 5 {
		t.Errorf("expected 5 removed, got %d", removed)
	}
	if len(trimmed) != 12 {
		t.Errorf("expected 12 remaining, got %d", len(trimmed))
	}
	if got := acct.Estimate(trimmed); got != 600 {
		t.Errorf("expected total 600, got %d", got)
	}

	// Oldest must be gone, newest kept.
	if trimmed[0].ID != "f" {
		t.Errorf("expected oldest survivor f, got %s", trimmed[0].ID)
	}
	if trimmed[len(trimmed)-1].ID != "q" {
		t.Errorf("expected newest turn q kept, got %s", trimmed[len(trimmed)-1].ID)
	}
}

func TestAccountant_TrimRepeatsBatches(t *testing.T) {
	// One batch is not enough: 20 x 100 = 2000 against budget 1000,
	// threshold 800. Batches of 5 come off until the total is 500 with 5
	// turns left.
	acct := NewAccountant(1000, 0.8, 5, 2, nil)

	trimmed, removed, err := acct.Trim(turnsWithCost(20, 100))
	if err != nil {
		t.Fatalf("Trim failed: %v", err)
	}
	if len(trimmed) != 5 || removed != 15 {
		t.Errorf("expected 5 kept / 15 removed, got %d / %d", len(trimmed), removed)
	}
}

func TestAccountant_UnderThresholdUntouched(t *testing.T) {
	acct := NewAccountant(1000, 0.8, 5, 2, nil)

	trimmed, removed, err := acct.Trim(turnsWithCost(10, 50)) // 500 < 800
	if err != nil {
		t.Fatalf("Trim failed: %v", err)
	}
	if removed != 0 || len(trimmed) != 10 {
		t.Errorf("expected no trimming, got %d removed", removed)
	}
}

func TestAccountant_OversizedTurn(t *testing.T) {
	acct := NewAccountant(1000, 0.8, 5, 1, nil)

	turns := []Turn{{ID: "big", Role: "user", Content: "x", Tokens: 1500}}
	trimmed, removed, err := acct.Trim(turns)
	if !errors.Is(err, ErrOversizedTurn) {
		t.Fatalf("expected ErrOversizedTurn, got %v", err)
	}
	if removed != 0 {
		t.Errorf("the only turn must never be removed, removed=%d", removed)
	}
	if len(trimmed) != 1 || trimmed[0].ID != "big" {
		t.Errorf("expected the oversized turn retained, got %v", trimmed)
	}
}

func TestAccountant_StopsAtRetainedWindow(t *testing.T) {
	// 5 x 60 = 300 against budget 100, threshold 80, window 2. Trimming
	// bottoms out at the retained window and reports the overflow.
	acct := NewAccountant(100, 0.8, 2, 2, nil)

	trimmed, removed, err := acct.Trim(turnsWithCost(5, 60))
	if !errors.Is(err, ErrOversizedTurn) {
		t.Fatalf("expected ErrOversizedTurn at retained window, got %v", err)
	}
	if len(trimmed) != 2 || removed != 3 {
		t.Errorf("expected exactly the retained window, got %d kept / %d removed", len(trimmed), removed)
	}
}

func TestAccountant_Deterministic(t *testing.T) {
	acct := NewAccountant(1000, 0.8, 5, 2, nil)

	a := turnsWithCost(17, 50)
	b := turnsWithCost(17, 50)

	trimmedA, removedA, _ := acct.Trim(a)
	trimmedB, removedB, _ := acct.Trim(b)

	if removedA != removedB || len(trimmedA) != len(trimmedB) {
		t.Fatalf("trim not deterministic: %d/%d vs %d/%d",
			removedA, len(trimmedA), removedB, len(trimmedB))
	}
	for i := range trimmedA {
		if trimmedA[i].ID != trimmedB[i].ID {
			t.Errorf("turn %d differs: %s vs %s", i, trimmedA[i].ID, trimmedB[i].ID)
		}
	}
}

func TestAccountant_ClampsBadParameters(t *testing.T) {
	acct := NewAccountant(1000, 2.5, 0, 0, nil)

	if acct.CleanupThreshold != 0.8 {
		t.Errorf("expected threshold clamped to 0.8, got %f", acct.CleanupThreshold)
	}
	if acct.BatchSize != 1 {
		t.Errorf("expected batch size clamped to 1, got %d", acct.BatchSize)
	}
	if acct.MinRetained != 1 {
		t.Errorf("expected retained window clamped to 1, got %d", acct.MinRetained)
	}
}
