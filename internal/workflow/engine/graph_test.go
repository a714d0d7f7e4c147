package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentmux/internal/workflow/models"
)

func steps(defs ...models.StepDef) []models.StepDef { return defs }

func TestDetectCycle(t *testing.T) {
	assert.NoError(t, detectCycle(nil))

	assert.NoError(t, detectCycle(steps(
		models.StepDef{ID: "a"},
		models.StepDef{ID: "b", DependsOn: []string{"a"}},
		models.StepDef{ID: "c", DependsOn: []string{"a"}},
		models.StepDef{ID: "d", DependsOn: []string{"b", "c"}},
	)), "a diamond is acyclic")

	assert.NoError(t, detectCycle(steps(
		models.StepDef{ID: "a"},
		models.StepDef{ID: "b"},
	)), "disconnected nodes are acyclic")

	err := detectCycle(steps(
		models.StepDef{ID: "a", DependsOn: []string{"b"}},
		models.StepDef{ID: "b", DependsOn: []string{"a"}},
	))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dependency cycle involving steps: a, b")

	err = detectCycle(steps(
		models.StepDef{ID: "root"},
		models.StepDef{ID: "x", DependsOn: []string{"root", "z"}},
		models.StepDef{ID: "y", DependsOn: []string{"x"}},
		models.StepDef{ID: "z", DependsOn: []string{"y"}},
	))
	require.Error(t, err, "a cycle buried behind valid nodes is still caught")
	assert.NotContains(t, err.Error(), "root")
}

func TestTransitiveDependents(t *testing.T) {
	def := &models.Definition{Steps: steps(
		models.StepDef{ID: "a"},
		models.StepDef{ID: "b", DependsOn: []string{"a"}},
		models.StepDef{ID: "c", DependsOn: []string{"b"}},
		models.StepDef{ID: "d"},
		models.StepDef{ID: "e", DependsOn: []string{"d"}},
	)}

	got := transitiveDependents(def, "a")
	assert.Equal(t, map[string]bool{"b": true, "c": true}, got)

	assert.Empty(t, transitiveDependents(def, "c"))
	assert.Equal(t, map[string]bool{"e": true}, transitiveDependents(def, "d"))
}
