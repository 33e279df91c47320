package engine

import (
	"fmt"

	"go-planrun/pkg/models"
)

// Resolve computes the current ready set of a plan: every pending step whose
// dependencies have all completed. Pending steps with a failed or cancelled
// dependency are transitioned to cancelled; the pass loops to a fixed point
// so the cancellation propagates through the whole downstream subgraph.
// Resolve assumes the plan already passed Validate.
func Resolve(p *models.Plan) (ready, cancelled []*models.Step) {
	changed := true
	for changed {
		changed = false
		for _, s := range p.Steps {
			if s.Status != models.StepPending {
				continue
			}
			for _, dep := range s.DependsOn {
				d := p.Step(dep)
				if d.Status == models.StepFailed || d.Status == models.StepCancelled {
					s.Status = models.StepCancelled
					s.Error = fmt.Sprintf("dependency %q %s", d.ID, d.Status)
					cancelled = append(cancelled, s)
					changed = true
					break
				}
			}
		}
	}

	for _, s := range p.Steps {
		if s.Status != models.StepPending {
			continue
		}
		ok := true
		for _, dep := range s.DependsOn {
			if p.Step(dep).Status != models.StepCompleted {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, s)
		}
	}
	return ready, cancelled
}
