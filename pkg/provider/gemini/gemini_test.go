package gemini

import (
	"strings"
	"testing"

	"github.com/planwise/planner/pkg/domain"
)

func TestInstructions(t *testing.T) {
	sctx := domain.SessionContext{
		BusinessType: "SaaS",
		TargetMarket: "SMBs",
		Challenge:    "retention",
	}
	got := instructions(sctx)
	for _, want := range []string{"SaaS", "SMBs", "retention"} {
		if !strings.Contains(got, want) {
			t.Errorf("instructions missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "Additional context") {
		t.Error("details section present without details")
	}
}

func TestInstructionsWithDetails(t *testing.T) {
	sctx := domain.SessionContext{
		BusinessType: "bakery",
		TargetMarket: "locals",
		Challenge:    "foot traffic",
		Details:      "We just moved to a side street.",
	}
	got := instructions(sctx)
	if !strings.Contains(got, "We just moved to a side street.") {
		t.Errorf("details not included:\n%s", got)
	}
}
