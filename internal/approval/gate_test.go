package approval

import (
	"testing"

	"github.com/kazz187/longrun/internal/task"
)

func TestGateNoFlags(t *testing.T) {
	g := NewGate()
	d := g.Evaluate(&task.Task{ID: "01A"})
	if d.RequiresApproval {
		t.Errorf("unflagged task should not require approval: %+v", d)
	}
}

func TestGateFlaggedTask(t *testing.T) {
	g := NewGate()
	d := g.Evaluate(&task.Task{
		ID:        "01A",
		RiskFlags: []task.RiskFlag{task.RiskIrreversible, task.RiskFinancial},
	})
	if !d.RequiresApproval {
		t.Fatal("flagged task should require approval")
	}
	if len(d.Reasons) != 2 {
		t.Errorf("expected 2 reasons, got %v", d.Reasons)
	}
}

func TestParseRiskFlags(t *testing.T) {
	flags := ParseRiskFlags([]string{"financial", "made_up", "financial", "sensitive_data"})
	if len(flags) != 2 {
		t.Fatalf("expected 2 flags, got %v", flags)
	}
	if flags[0] != task.RiskFinancial || flags[1] != task.RiskSensitiveData {
		t.Errorf("unexpected flags: %v", flags)
	}
}
