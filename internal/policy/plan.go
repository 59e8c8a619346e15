package policy

import (
	"fmt"
	"strconv"

	"gpuwatch/internal/telemetry"
)

// PlanStatus is the dry-run outcome of one (policy, target) pair.
type PlanStatus string

const (
	PlanSatisfied PlanStatus = "SATISFIED"
	PlanViolated  PlanStatus = "VIOLATED"
	PlanSkipped   PlanStatus = "SKIPPED"
)

// PlanRow is one line of a plan.
type PlanRow struct {
	Policy    string     `json:"policy"`
	Target    string     `json:"target"`
	Value     string     `json:"value"`
	Condition string     `json:"condition"`
	Status    PlanStatus `json:"status"`
	Action    string     `json:"action,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// PlanResult is the dry-run evaluation of a whole profile.
type PlanResult struct {
	Profile string    `json:"profile"`
	Active  bool      `json:"active"`
	Rows    []PlanRow `json:"rows"`
}

// Violations counts VIOLATED rows.
func (r PlanResult) Violations() int {
	n := 0
	for _, row := range r.Rows {
		if row.Status == PlanViolated {
			n++
		}
	}
	return n
}

// Plan evaluates p against one snapshot without debounce or side effects.
// Selector matching is reported but does not hide rows.
func Plan(p *Profile, snap telemetry.Snapshot, tags, labels map[string]string) PlanResult {
	res := PlanResult{Profile: p.Name, Active: p.Selectors.Matches(tags, labels)}
	for _, pol := range p.Policies {
		cond := pol.Condition.String()
		m, err := pol.Resolve()
		if err != nil {
			res.Rows = append(res.Rows, PlanRow{
				Policy: pol.Name, Target: "all", Value: "n/a", Condition: cond,
				Status: PlanSkipped, Reason: err.Error(),
			})
			continue
		}
		obs := m.Observe(snap)
		if len(obs) == 0 {
			res.Rows = append(res.Rows, PlanRow{
				Policy: pol.Name, Target: "all", Value: "n/a", Condition: cond,
				Status: PlanSkipped, Reason: "no accelerators in snapshot",
			})
			continue
		}
		for _, o := range obs {
			row := PlanRow{Policy: pol.Name, Target: o.Target, Value: "n/a", Condition: cond}
			switch {
			case !o.OK:
				row.Status = PlanSkipped
				row.Reason = "signal absent"
			case pol.Condition.Holds(o.Value):
				row.Value = strconv.FormatFloat(o.Value, 'f', 1, 64)
				row.Status = PlanViolated
				row.Action = fmt.Sprintf("%s %v", pol.Action.Type(), pol.Action.Parameters())
			default:
				row.Value = strconv.FormatFloat(o.Value, 'f', 1, 64)
				row.Status = PlanSatisfied
			}
			res.Rows = append(res.Rows, row)
		}
	}
	return res
}
