package engine

import (
	"fmt"
	"time"

	"github.com/kaphack/realtime-crisis-escalation/internal/core"
)

// FollowUpTimeframe is how soon a follow-up is due for a risk level.
func FollowUpTimeframe(r core.RiskLevel) time.Duration {
	switch r {
	case core.RiskImminent:
		return time.Hour
	case core.RiskHigh:
		return 4 * time.Hour
	case core.RiskModerate:
		return 24 * time.Hour
	default:
		return 72 * time.Hour
	}
}

// Plan turns an analysis into candidate actions. Rules are evaluated independently and in
// a fixed order. A case is only ever created while none is linked, so a session links to at
// most one case and later passes update it.
func Plan(a *core.Analysis, caseLinked, autoCreate bool) []core.Action {
	if a == nil {
		return nil
	}
	var out []core.Action
	risk := a.RiskLevel

	switch {
	case caseLinked:
		out = append(out, core.Action{
			Type:        core.ActionUpdateCase,
			Description: fmt.Sprintf("Update linked case with %s risk analysis", risk),
			Priority:    casePriority(risk),
			Automated:   true,
		})
	case autoCreate && risk >= core.RiskHigh:
		out = append(out, core.Action{
			Type:        core.ActionCreateCase,
			Description: fmt.Sprintf("Create case for %s risk conversation", risk),
			Priority:    casePriority(risk),
			Automated:   true,
		})
	case autoCreate && len(a.CrisisIndicators) > 0:
		out = append(out, core.Action{
			Type:        core.ActionCreateCase,
			Description: fmt.Sprintf("Create case for %d crisis indicator(s)", len(a.CrisisIndicators)),
			Priority:    core.PriorityMedium,
			Automated:   true,
		})
	}

	if risk == core.RiskImminent {
		out = append(out, core.Action{
			Type:        core.ActionAlertSupervisor,
			Description: "Alert supervisor: imminent risk detected",
			Priority:    core.PriorityCritical,
			Automated:   true,
		})
	}

	if risk >= core.RiskHigh {
		out = append(out, core.Action{
			Type:        core.ActionEscalateCall,
			Description: "Escalate call to a senior counselor",
			Priority:    core.PriorityHigh,
			Automated:   false,
		})
	}

	if risk != core.RiskLow {
		p := core.PriorityMedium
		if risk == core.RiskHigh {
			p = core.PriorityHigh
		}
		out = append(out, core.Action{
			Type:        core.ActionScheduleFollowup,
			Description: "Schedule follow-up within " + timeframeLabel(FollowUpTimeframe(risk)),
			Priority:    p,
			Automated:   true,
		})
	}
	return out
}

func casePriority(r core.RiskLevel) core.Priority {
	switch r {
	case core.RiskImminent:
		return core.PriorityCritical
	case core.RiskHigh:
		return core.PriorityHigh
	default:
		return core.PriorityMedium
	}
}

func timeframeLabel(d time.Duration) string {
	return fmt.Sprintf("%dh", int(d.Hours()))
}
