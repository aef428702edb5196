// Package pipeline composes stages into chain, group and chord graphs and
// executes them either in process or on an asynq worker pool.
package pipeline

import (
	"context"
	"fmt"
	"sync"
)

// StageFunc runs one stage on a single input.
type StageFunc func(ctx context.Context, in Payload) (Payload, error)

// JoinFunc runs a chord join on every group result. The order of inputs is
// the order in which group members finished.
type JoinFunc func(ctx context.Context, in []Payload) (Payload, error)

// Node is an immutable graph element: Task, Chain, Group or Chord.
type Node interface {
	node()
}

// Task runs the stage registered under Name.
type Task struct {
	Name string
}

// Chain runs its nodes in order, feeding each output to the next node.
type Chain struct {
	Nodes []Node
}

// Group runs its tasks concurrently on the same input. All must succeed.
type Group struct {
	Tasks []Task
}

// Chord runs Group, then Join once with every group result.
type Chord struct {
	Group Group
	Join  string
}

func (Task) node()  {}
func (Chain) node() {}
func (Group) node() {}
func (Chord) node() {}

func NewTask(name string) Task { return Task{Name: name} }

func NewChain(nodes ...Node) Chain {
	return Chain{Nodes: append([]Node(nil), nodes...)}
}

func NewGroup(tasks ...Task) Group {
	return Group{Tasks: append([]Task(nil), tasks...)}
}

func NewChord(g Group, join string) Chord {
	return Chord{Group: NewGroup(g.Tasks...), Join: join}
}

// Registry maps stage names to functions.
type Registry struct {
	mu     sync.RWMutex
	stages map[string]StageFunc
	joins  map[string]JoinFunc
}

func NewRegistry() *Registry {
	return &Registry{
		stages: make(map[string]StageFunc),
		joins:  make(map[string]JoinFunc),
	}
}

// Register adds a stage. Registering the same name twice replaces it.
func (r *Registry) Register(name string, fn StageFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages[name] = fn
}

// RegisterJoin adds a chord join.
func (r *Registry) RegisterJoin(name string, fn JoinFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joins[name] = fn
}

func (r *Registry) Stage(name string) (StageFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.stages[name]
	return fn, ok
}

func (r *Registry) Join(name string) (JoinFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.joins[name]
	return fn, ok
}

// Step is one position of a compiled plan. A step with one task and no join
// is a plain chain link. Several tasks run as a group; Join, when set, turns
// the group into a chord.
type Step struct {
	Tasks []string `json:"tasks"`
	Join  string   `json:"join,omitempty"`
}

// Parallel reports whether the step fans out.
func (s Step) Parallel() bool {
	return len(s.Tasks) > 1 || s.Join != ""
}

// Plan is a graph flattened into consecutive steps.
type Plan []Step

// Compile validates n against r and flattens it. A bare group is only
// allowed as the last step because nothing downstream could take its list
// of results.
func (r *Registry) Compile(n Node) (Plan, error) {
	var plan Plan
	if err := r.flatten(n, &plan); err != nil {
		return nil, err
	}
	if len(plan) == 0 {
		return nil, fmt.Errorf("empty pipeline graph")
	}
	for i, step := range plan[:len(plan)-1] {
		if len(step.Tasks) > 1 && step.Join == "" {
			return nil, fmt.Errorf("group at step %d is followed by another step and needs a join", i)
		}
	}
	return plan, nil
}

func (r *Registry) flatten(n Node, plan *Plan) error {
	switch v := n.(type) {
	case Task:
		if err := r.checkStage(v.Name); err != nil {
			return err
		}
		*plan = append(*plan, Step{Tasks: []string{v.Name}})
	case Chain:
		for _, child := range v.Nodes {
			if err := r.flatten(child, plan); err != nil {
				return err
			}
		}
	case Group:
		step, err := r.groupStep(v)
		if err != nil {
			return err
		}
		*plan = append(*plan, step)
	case Chord:
		step, err := r.groupStep(v.Group)
		if err != nil {
			return err
		}
		if _, ok := r.Join(v.Join); !ok {
			return fmt.Errorf("unknown join stage %q", v.Join)
		}
		step.Join = v.Join
		*plan = append(*plan, step)
	case nil:
		return fmt.Errorf("nil pipeline node")
	default:
		return fmt.Errorf("unsupported pipeline node %T", n)
	}
	return nil
}

func (r *Registry) groupStep(g Group) (Step, error) {
	if len(g.Tasks) == 0 {
		return Step{}, fmt.Errorf("empty group")
	}
	names := make([]string, 0, len(g.Tasks))
	for _, t := range g.Tasks {
		if err := r.checkStage(t.Name); err != nil {
			return Step{}, err
		}
		names = append(names, t.Name)
	}
	return Step{Tasks: names}, nil
}

func (r *Registry) checkStage(name string) error {
	if _, ok := r.Stage(name); !ok {
		return fmt.Errorf("unknown stage %q", name)
	}
	return nil
}
