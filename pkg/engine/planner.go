package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/locutus/lfsync/pkg/lfs"
	"github.com/locutus/lfsync/pkg/luigi"
)

// PlanOptions control plan construction.
type PlanOptions struct {
	// Mode selects how containers are generated. In feature_update and reset
	// modes files whose device container is stale get a refresh step.
	Mode luigi.GenerationMode

	// Features are the target device's capabilities and preferred flags.
	Features luigi.DeviceFeatures

	// SkipRefresh lists fork keys that must not be refreshed.
	SkipRefresh map[lfs.ForkKey]bool
}

// BuildPlan computes the steps that turn snapshot into target. target must
// already be bound against snapshot (see lfs.Model.Bind). discarded holds the
// records dropped from an inconsistent snapshot; their entities are deleted
// first.
//
// Fork-carrying ops whose key the device already holds are rewritten to
// reference the device fork, so only new content is transcoded.
func BuildPlan(target, snapshot *lfs.Model, discarded []lfs.Record, opts PlanOptions) (*Plan, error) {
	script, err := target.DiffAgainst(snapshot)
	if err != nil {
		return nil, classifyModelError("failed to compute edit script", err)
	}

	plan := &Plan{
		ID:        uuid.New().String(),
		CreatedAt: time.Now(),
		Steps:     make([]*Step, 0, len(script.Ops)+len(discarded)),
		Bindings:  script.Bindings,
	}
	add := func(op lfs.Op, path string) *Step {
		s := &Step{Index: len(plan.Steps), Op: op, Path: path, Status: StepPending}
		plan.Steps = append(plan.Steps, s)
		return s
	}

	for _, r := range discarded {
		// Forks are collected by the device once nothing references them.
		if r.Entity == nil {
			continue
		}
		s := add(lfs.DeleteOp(r.Entity.ID), fmt.Sprintf("#%d/%s", r.Entity.ID, r.Entity.Name))
		s.Unmodelled = true
	}

	transcoded := make(map[lfs.ForkKey]bool)
	for _, op := range script.Ops {
		path := target.Path(op.ID)
		if op.Kind == lfs.OpDelete {
			path = snapshot.Path(op.ID)
		}
		s := add(op, path)
		if !op.Kind.CarriesFork() || op.Fork == nil {
			continue
		}
		if f, ok := snapshot.Fork(op.Fork.Key); ok && !f.Partial {
			s.Op = op.WithFork(f.Descriptor())
			continue
		}
		s.NeedsTranscode = true
		transcoded[op.Fork.Key] = true
	}

	if opts.Mode == luigi.ModeFeatureUpdate || opts.Mode == luigi.ModeReset {
		for _, id := range target.IDs() {
			e, _ := target.Entity(id)
			if !e.IsFile() || transcoded[e.Fork] || opts.SkipRefresh[e.Fork] {
				continue
			}
			dev, ok := snapshot.Fork(e.Fork)
			if !ok || dev.Partial {
				continue
			}
			src, ok := target.Fork(e.Fork)
			if !ok || !src.HasContent() {
				continue
			}
			if opts.Mode == luigi.ModeFeatureUpdate && dev.Features == uint64(opts.Features.Flags) {
				continue
			}
			s := add(lfs.ReplaceForkOp(id, src), target.Path(id))
			s.NeedsTranscode = true
			s.Refresh = true
			transcoded[e.Fork] = true
		}
	}

	linkDependencies(plan.Steps, snapshot, discarded)

	graph, err := NewDAGBuilder().BuildGraph(plan.Steps)
	if err != nil {
		return nil, err
	}
	plan.Graph = graph
	return plan, nil
}

// linkDependencies records, for each step, the earlier steps it requires:
// the previous step on the same entity, the step that last touched its
// destination directory and, for deletes, every step that moved or removed
// a child out of the deleted directory.
func linkDependencies(steps []*Step, snapshot *lfs.Model, discarded []lfs.Record) {
	parents := make(map[lfs.ID]lfs.ID)
	for _, id := range snapshot.IDs() {
		e, _ := snapshot.Entity(id)
		parents[id] = e.Parent
	}
	for _, r := range discarded {
		if r.Entity != nil {
			parents[r.Entity.ID] = r.Entity.Parent
		}
	}

	last := make(map[lfs.ID]int)
	vacated := make(map[lfs.ID][]int)
	for _, s := range steps {
		var deps []int
		op := s.Op
		if i, ok := last[op.ID]; ok {
			deps = append(deps, i)
		}
		switch op.Kind {
		case lfs.OpCreate, lfs.OpMove:
			if i, ok := last[op.Parent]; ok {
				deps = append(deps, i)
			}
			if old, ok := parents[op.ID]; ok && op.Kind == lfs.OpMove && old != op.Parent {
				vacated[old] = append(vacated[old], s.Index)
			}
			parents[op.ID] = op.Parent
		case lfs.OpDelete:
			deps = append(deps, vacated[op.ID]...)
			if old, ok := parents[op.ID]; ok {
				vacated[old] = append(vacated[old], s.Index)
			}
			delete(parents, op.ID)
		}
		last[op.ID] = s.Index
		s.Dependencies = uniqueSorted(deps)
	}
}

func uniqueSorted(in []int) []int {
	if len(in) == 0 {
		return nil
	}
	sort.Ints(in)
	out := in[:1]
	for _, v := range in[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}

// ToDOT renders the plan's dependency graph in Graphviz format.
func (p *Plan) ToDOT() (string, error) {
	b := NewDAGBuilder()
	if _, err := b.BuildGraph(p.Steps); err != nil {
		return "", err
	}
	return b.ToDOT(), nil
}
