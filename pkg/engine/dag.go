package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/locutus/lfsync/pkg/lfs"
)

// DAGBuilder builds a directed acyclic graph over plan steps.
// It detects cycles and assigns levels; steps at one level do not depend on
// each other.
type DAGBuilder struct {
	// steps maps step indexes to their steps
	steps map[int]*Step

	// adjacencyList maps a step to its dependents
	adjacencyList map[int][]int

	// reverseAdjacencyList maps a step to its dependencies
	reverseAdjacencyList map[int][]int

	// inDegree tracks the number of incoming edges for each node
	inDegree map[int]int

	// levels maps level to the steps at that level
	levels [][]int
}

// NewDAGBuilder creates a new DAG builder.
func NewDAGBuilder() *DAGBuilder {
	return &DAGBuilder{
		steps:                make(map[int]*Step),
		adjacencyList:        make(map[int][]int),
		reverseAdjacencyList: make(map[int][]int),
		inDegree:             make(map[int]int),
		levels:               make([][]int, 0),
	}
}

// BuildGraph constructs an execution graph from plan steps.
// It validates dependencies, detects cycles, and computes levels.
func (b *DAGBuilder) BuildGraph(steps []*Step) (*ExecutionGraph, error) {
	if len(steps) == 0 {
		return &ExecutionGraph{
			Nodes: make(map[int]*GraphNode),
			Edges: make([]GraphEdge, 0),
			Roots: make([]int, 0),
			Depth: 0,
		}, nil
	}

	if err := b.initialize(steps); err != nil {
		return nil, err
	}

	if err := b.detectCycles(); err != nil {
		return nil, err
	}

	if err := b.computeLevels(); err != nil {
		return nil, err
	}

	return b.buildExecutionGraph(), nil
}

func (b *DAGBuilder) initialize(steps []*Step) error {
	for _, step := range steps {
		if _, exists := b.steps[step.Index]; exists {
			return NewPermanentError(fmt.Sprintf("duplicate step index: %d", step.Index), nil).
				WithCode(ErrCodeValidation)
		}
		b.steps[step.Index] = step
		b.adjacencyList[step.Index] = make([]int, 0)
		b.reverseAdjacencyList[step.Index] = make([]int, 0)
		b.inDegree[step.Index] = 0
	}

	for _, idx := range b.sortedIndexes() {
		step := b.steps[idx]
		for _, dep := range step.Dependencies {
			if _, exists := b.steps[dep]; !exists {
				return NewPermanentError(
					fmt.Sprintf("step %d depends on non-existent step %d", step.Index, dep),
					nil,
				).WithCode(ErrCodeValidation).WithOperation(step.Op.String())
			}

			// dependency must complete before step can start
			b.adjacencyList[dep] = append(b.adjacencyList[dep], step.Index)
			b.reverseAdjacencyList[step.Index] = append(b.reverseAdjacencyList[step.Index], dep)
			b.inDegree[step.Index]++
		}
	}

	return nil
}

func (b *DAGBuilder) sortedIndexes() []int {
	out := make([]int, 0, len(b.steps))
	for idx := range b.steps {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// detectCycles uses depth-first search to detect circular dependencies.
func (b *DAGBuilder) detectCycles() error {
	visited := make(map[int]bool)
	recStack := make(map[int]bool)

	for _, idx := range b.sortedIndexes() {
		if !visited[idx] {
			if cycle := b.detectCyclesUtil(idx, visited, recStack, nil); cycle != nil {
				return NewPermanentError(
					fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)),
					nil,
				).WithCode(ErrCodeCycle)
			}
		}
	}

	return nil
}

func (b *DAGBuilder) detectCyclesUtil(node int, visited, recStack map[int]bool, path []int) []int {
	visited[node] = true
	recStack[node] = true
	path = append(path, node)

	for _, dependent := range b.adjacencyList[node] {
		if !visited[dependent] {
			if cycle := b.detectCyclesUtil(dependent, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dependent] {
			for i, idx := range path {
				if idx == dependent {
					return append(append([]int(nil), path[i:]...), dependent)
				}
			}
		}
	}

	recStack[node] = false
	return nil
}

// computeLevels assigns levels to each step using Kahn's algorithm.
func (b *DAGBuilder) computeLevels() error {
	inDegreeCopy := make(map[int]int, len(b.inDegree))
	for idx, degree := range b.inDegree {
		inDegreeCopy[idx] = degree
	}

	currentLevel := make([]int, 0)
	for _, idx := range b.sortedIndexes() {
		if inDegreeCopy[idx] == 0 {
			currentLevel = append(currentLevel, idx)
		}
	}

	if len(currentLevel) == 0 && len(b.steps) > 0 {
		return NewPermanentError("no root steps found - all steps have dependencies", nil).
			WithCode(ErrCodeValidation)
	}

	processedCount := 0
	for len(currentLevel) > 0 {
		b.levels = append(b.levels, currentLevel)
		processedCount += len(currentLevel)

		nextLevel := make([]int, 0)
		for _, idx := range currentLevel {
			for _, dependent := range b.adjacencyList[idx] {
				inDegreeCopy[dependent]--
				if inDegreeCopy[dependent] == 0 {
					nextLevel = append(nextLevel, dependent)
				}
			}
		}
		sort.Ints(nextLevel)
		currentLevel = nextLevel
	}

	if processedCount != len(b.steps) {
		return NewPermanentError("failed to process all steps - possible cycle", nil).
			WithCode(ErrCodeInternal)
	}

	return nil
}

func (b *DAGBuilder) buildExecutionGraph() *ExecutionGraph {
	graph := &ExecutionGraph{
		Nodes: make(map[int]*GraphNode),
		Edges: make([]GraphEdge, 0),
		Roots: make([]int, 0),
		Depth: len(b.levels),
	}

	for level, indexes := range b.levels {
		for _, idx := range indexes {
			graph.Nodes[idx] = &GraphNode{
				Step:         idx,
				Level:        level,
				Dependencies: b.reverseAdjacencyList[idx],
				Dependents:   b.adjacencyList[idx],
			}
			b.steps[idx].Level = level
			if level == 0 {
				graph.Roots = append(graph.Roots, idx)
			}
		}
	}

	for _, idx := range b.sortedIndexes() {
		for _, dep := range b.steps[idx].Dependencies {
			graph.Edges = append(graph.Edges, GraphEdge{From: dep, To: idx})
		}
	}

	return graph
}

// GetLevels returns the computed levels.
func (b *DAGBuilder) GetLevels() [][]int {
	return b.levels
}

// ToDOT generates a DOT format representation of the DAG for visualization.
// The output can be rendered with Graphviz tools.
func (b *DAGBuilder) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph Plan {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, indexes := range b.levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")

		for _, idx := range indexes {
			step := b.steps[idx]
			label := fmt.Sprintf("%d: %s\\n%s", idx, step.Op.Kind, strings.ReplaceAll(step.Path, "\"", "'"))
			sb.WriteString(fmt.Sprintf("    \"%d\" [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				idx, label, getOperationColor(step.Op.Kind)))
		}

		sb.WriteString("  }\n\n")
	}

	for _, idx := range b.sortedIndexes() {
		for _, dep := range b.steps[idx].Dependencies {
			sb.WriteString(fmt.Sprintf("  \"%d\" -> \"%d\";\n", dep, idx))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func formatCycle(cycle []int) string {
	parts := make([]string, len(cycle))
	for i, idx := range cycle {
		parts[i] = fmt.Sprint(idx)
	}
	return strings.Join(parts, " -> ")
}

func getOperationColor(kind lfs.OpKind) string {
	switch kind {
	case lfs.OpCreate:
		return "lightgreen"
	case lfs.OpReplaceFork:
		return "lightblue"
	case lfs.OpDelete:
		return "lightcoral"
	case lfs.OpMove, lfs.OpRename:
		return "lightyellow"
	default:
		return "white"
	}
}
