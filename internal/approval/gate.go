package approval

import (
	"fmt"

	"github.com/kazz187/longrun/internal/task"
)

// Decision is the outcome of evaluating a planned task against the risk
// policy before it may enter the queue.
type Decision struct {
	RequiresApproval bool
	Reasons          []string
}

// Gate decides whether a planned task needs a human sign-off. The policy is
// flag driven: any recognized risk flag on the task or on one of its plan
// steps gates execution.
type Gate struct {
	gated map[task.RiskFlag]bool
}

func NewGate() *Gate {
	return &Gate{
		gated: map[task.RiskFlag]bool{
			task.RiskIrreversible:          true,
			task.RiskExternalCommunication: true,
			task.RiskSensitiveData:         true,
			task.RiskFinancial:             true,
			task.RiskHighImpact:            true,
		},
	}
}

func (g *Gate) Evaluate(t *task.Task) Decision {
	var reasons []string
	for _, flag := range t.RiskFlags {
		if g.gated[flag] {
			reasons = append(reasons, fmt.Sprintf("task flagged %s", flag))
		}
	}
	return Decision{
		RequiresApproval: len(reasons) > 0,
		Reasons:          reasons,
	}
}

// ParseRiskFlags filters an untrusted flag list down to the known set.
// Unknown flags are dropped rather than rejected because the classifier is
// free-form and may emit flags this build does not know about.
func ParseRiskFlags(raw []string) []task.RiskFlag {
	var flags []task.RiskFlag
	seen := make(map[task.RiskFlag]bool)
	for _, s := range raw {
		f := task.RiskFlag(s)
		switch f {
		case task.RiskIrreversible, task.RiskExternalCommunication,
			task.RiskSensitiveData, task.RiskFinancial, task.RiskHighImpact:
			if !seen[f] {
				seen[f] = true
				flags = append(flags, f)
			}
		}
	}
	return flags
}
