package validation

import (
	"fmt"

	"github.com/rendis/sequencer/pkg/schema"
)

// successors returns the orders reachable from the step at order (1-based).
func successors(steps []schema.StepSpec, order int) []int {
	s := steps[order-1]
	next := func(target int) int {
		if target == 0 {
			return order + 1
		}
		return target
	}
	switch s.Kind {
	case schema.StepEnd:
		return nil
	case schema.StepCondition:
		t, f := next(s.OnTrue), next(s.OnFalse)
		if t == f {
			return []int{t}
		}
		return []int{t, f}
	default:
		return []int{order + 1}
	}
}

// validateFlow analyses the step graph: a cycle with no wait step in it would
// loop without delay, so it is rejected (Kahn's algorithm over the graph with
// wait steps removed); steps unreachable from step 1 get a warning.
// Assumes ValidateSteps passed, so every branch target is in range.
func validateFlow(steps []schema.StepSpec) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	n := len(steps)

	inDegree := make([]int, n+1)
	edges := make([][]int, n+1)
	for order := 1; order <= n; order++ {
		if steps[order-1].Kind == schema.StepWait {
			continue
		}
		for _, to := range successors(steps, order) {
			if to > n || steps[to-1].Kind == schema.StepWait {
				continue
			}
			edges[order] = append(edges[order], to)
			inDegree[to]++
		}
	}

	queue := make([]int, 0, n)
	nodes := 0
	for order := 1; order <= n; order++ {
		if steps[order-1].Kind == schema.StepWait {
			continue
		}
		nodes++
		if inDegree[order] == 0 {
			queue = append(queue, order)
		}
	}
	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, to := range edges[node] {
			inDegree[to]--
			if inDegree[to] == 0 {
				queue = append(queue, to)
			}
		}
	}
	if visited != nodes {
		result.AddError("steps", schema.ErrCodeStepOrderConflict,
			"steps form a loop with no wait step; every loop needs a wait")
		return result
	}

	reachable := make([]bool, n+1)
	reachable[1] = true
	bfs := []int{1}
	for len(bfs) > 0 {
		node := bfs[0]
		bfs = bfs[1:]
		for _, to := range successors(steps, node) {
			if to <= n && !reachable[to] {
				reachable[to] = true
				bfs = append(bfs, to)
			}
		}
	}
	for order := 1; order <= n; order++ {
		if !reachable[order] {
			result.AddWarning(fmt.Sprintf("steps[%d]", order), schema.ErrCodeValidation,
				fmt.Sprintf("step %d is unreachable from step 1", order))
		}
	}
	return result
}
