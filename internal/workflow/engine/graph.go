package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kandev/agentmux/internal/workflow/models"
)

// detectCycle runs a Kahn in-degree pass over the dependency graph and
// fails when not every step can be ordered. Structural checks (unique
// ids, resolvable dependencies) are assumed to have passed already.
func detectCycle(steps []models.StepDef) error {
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, step := range steps {
		indegree[step.ID] = len(step.DependsOn)
		for _, dep := range step.DependsOn {
			dependents[dep] = append(dependents[dep], step.ID)
		}
	}

	queue := make([]string, 0, len(steps))
	for _, step := range steps {
		if indegree[step.ID] == 0 {
			queue = append(queue, step.ID)
		}
	}

	ordered := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		ordered++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if ordered == len(steps) {
		return nil
	}
	stuck := make([]string, 0, len(steps)-ordered)
	for id, degree := range indegree {
		if degree > 0 {
			stuck = append(stuck, id)
		}
	}
	sort.Strings(stuck)
	return fmt.Errorf("dependency cycle involving steps: %s", strings.Join(stuck, ", "))
}

// transitiveDependents returns the set of step ids reachable from root by
// following dependency edges forward.
func transitiveDependents(def *models.Definition, root string) map[string]bool {
	dependents := make(map[string][]string, len(def.Steps))
	for _, step := range def.Steps {
		for _, dep := range step.DependsOn {
			dependents[dep] = append(dependents[dep], step.ID)
		}
	}

	reachable := make(map[string]bool)
	queue := []string{root}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range dependents[id] {
			if reachable[next] {
				continue
			}
			reachable[next] = true
			queue = append(queue, next)
		}
	}
	return reachable
}
