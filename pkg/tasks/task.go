package tasks

import (
	"encoding/json"
	"fmt"

	"offload/pkg/device"
	"offload/pkg/models"

	"github.com/google/uuid"
)

// Task is one unit of dispatchable work. It is not modified after submission.
type Task struct {
	ID            string
	Function      string
	Args          []json.RawMessage
	Kwargs        map[string]json.RawMessage
	ResourceClass device.Class
}

// New builds a task with a fresh ID, encoding args and kwargs as JSON.
func New(function string, class device.Class, args []any, kwargs map[string]any) (Task, error) {
	task := Task{
		ID:            uuid.NewString(),
		Function:      function,
		ResourceClass: class,
	}

	for i, arg := range args {
		raw, err := json.Marshal(arg)
		if err != nil {
			return Task{}, fmt.Errorf("%w: arg %d: %w", ErrInvalidArgs, i, err)
		}
		task.Args = append(task.Args, raw)
	}

	if len(kwargs) > 0 {
		task.Kwargs = make(map[string]json.RawMessage, len(kwargs))
		for name, value := range kwargs {
			raw, err := json.Marshal(value)
			if err != nil {
				return Task{}, fmt.Errorf("%w: kwarg %q: %w", ErrInvalidArgs, name, err)
			}
			task.Kwargs[name] = raw
		}
	}

	return task, nil
}

// FromRequest converts a /run or /submit body into a Task.
func FromRequest(req models.RunRequest) (Task, error) {
	var class device.Class
	if req.ResourceClass != "" {
		parsed, err := device.ParseClass(req.ResourceClass)
		if err != nil {
			return Task{}, fmt.Errorf("%w: %w", ErrInvalidArgs, err)
		}
		class = parsed
	}

	id := req.TaskID
	if id == "" {
		id = uuid.NewString()
	}

	return Task{
		ID:            id,
		Function:      req.Function,
		Args:          req.Args,
		Kwargs:        req.Kwargs,
		ResourceClass: class,
	}, nil
}

// Request renders the task as the /run body.
func (t Task) Request(senderID string) models.RunRequest {
	return models.RunRequest{
		TaskID:        t.ID,
		Function:      t.Function,
		Args:          t.Args,
		Kwargs:        t.Kwargs,
		ResourceClass: string(t.ResourceClass),
		SenderID:      senderID,
	}
}

// Class returns the resource class hint, CPU when unset.
func (t Task) Class() device.Class {
	if t.ResourceClass == "" {
		return device.CPU
	}
	return t.ResourceClass
}
