package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"offload/pkg/device"
)

// RunFunc executes an operation with bound parameters.
type RunFunc func(ctx context.Context, params Params) (any, error)

// Operation is one entry of the fixed dispatch table.
type Operation struct {
	Name   string
	Class  device.Class
	Params []Param
	Run    RunFunc
}

// Registry maps function names onto operations. It is read-only after construction.
type Registry struct {
	ops map[string]Operation
}

// NewRegistry builds a registry from ops. Later duplicates replace earlier ones.
func NewRegistry(ops ...Operation) *Registry {
	registry := &Registry{ops: make(map[string]Operation, len(ops))}
	for _, op := range ops {
		registry.ops[op.Name] = op
	}
	return registry
}

// Builtin returns the registry of operations every node can run.
func Builtin() *Registry {
	return NewRegistry(builtinOperations()...)
}

// Lookup returns the operation registered under name.
func (r *Registry) Lookup(name string) (Operation, error) {
	op, ok := r.ops[name]
	if !ok {
		return Operation{}, fmt.Errorf("%w: %q", ErrUnknownOperation, name)
	}
	return op, nil
}

// Names lists registered operation names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.ops))
	for name := range r.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ClassOf returns the task's class hint, or the operation's declared class when the hint is unset.
func (r *Registry) ClassOf(task Task) device.Class {
	if task.ResourceClass != "" {
		return task.ResourceClass
	}
	if op, ok := r.ops[task.Function]; ok && op.Class != "" {
		return op.Class
	}
	return device.CPU
}

// Validate checks the task names a known operation and its arguments bind.
func (r *Registry) Validate(task Task) error {
	op, err := r.Lookup(task.Function)
	if err != nil {
		return err
	}
	_, err = bind(op.Params, task.Args, task.Kwargs)
	return err
}

// Execute runs the task and returns its JSON-encoded result.
// Errors from the operation itself are returned unchanged.
func (r *Registry) Execute(ctx context.Context, task Task) (json.RawMessage, error) {
	op, err := r.Lookup(task.Function)
	if err != nil {
		return nil, err
	}

	params, err := bind(op.Params, task.Args, task.Kwargs)
	if err != nil {
		return nil, err
	}

	value, err := run(ctx, op, params)
	if err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode %s result: %w", op.Name, err)
	}
	return encoded, nil
}

func run(ctx context.Context, op Operation, params Params) (value any, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("%s panicked: %v", op.Name, recovered)
		}
	}()
	return op.Run(ctx, params)
}
