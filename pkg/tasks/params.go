package tasks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
)

// Kind is the JSON type a parameter accepts.
type Kind int

const (
	KindInt Kind = iota
	KindFloat
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	default:
		return "unknown"
	}
}

// Param declares one operation parameter. A nil Default makes it required.
type Param struct {
	Name    string
	Kind    Kind
	Default any
	Min     *float64
	Max     *float64
}

// Params holds bound, type-checked parameter values.
type Params map[string]any

// Int returns an int parameter.
func (p Params) Int(name string) int {
	value, _ := p[name].(int)
	return value
}

// Float returns a float parameter.
func (p Params) Float(name string) float64 {
	value, _ := p[name].(float64)
	return value
}

// String returns a string parameter.
func (p Params) String(name string) string {
	value, _ := p[name].(string)
	return value
}

func bounds(lo, hi float64) (*float64, *float64) {
	return &lo, &hi
}

// bind maps positional args then kwargs onto params.
func bind(params []Param, args []json.RawMessage, kwargs map[string]json.RawMessage) (Params, error) {
	if len(args) > len(params) {
		return nil, fmt.Errorf("%w: expected at most %d positional arguments, got %d", ErrInvalidArgs, len(params), len(args))
	}

	index := make(map[string]Param, len(params))
	for _, param := range params {
		index[param.Name] = param
	}

	bound := make(Params, len(params))
	for i, raw := range args {
		value, err := decode(params[i], raw)
		if err != nil {
			return nil, err
		}
		bound[params[i].Name] = value
	}

	for name, raw := range kwargs {
		param, ok := index[name]
		if !ok {
			return nil, fmt.Errorf("%w: unexpected keyword argument %q", ErrInvalidArgs, name)
		}
		if _, dup := bound[name]; dup {
			return nil, fmt.Errorf("%w: multiple values for argument %q", ErrInvalidArgs, name)
		}
		value, err := decode(param, raw)
		if err != nil {
			return nil, err
		}
		bound[name] = value
	}

	for _, param := range params {
		if _, ok := bound[param.Name]; ok {
			continue
		}
		if param.Default == nil {
			return nil, fmt.Errorf("%w: missing required argument %q", ErrInvalidArgs, param.Name)
		}
		bound[param.Name] = param.Default
	}

	return bound, nil
}

func decode(param Param, raw json.RawMessage) (any, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidArgs, param.Name, err)
	}

	switch param.Kind {
	case KindString:
		text, ok := value.(string)
		if !ok {
			return nil, typeError(param, raw)
		}
		return text, nil
	case KindInt:
		number, ok := value.(json.Number)
		if !ok {
			return nil, typeError(param, raw)
		}
		parsed, err := number.Float64()
		if err != nil || parsed != math.Trunc(parsed) || math.Abs(parsed) > math.MaxInt32 {
			return nil, typeError(param, raw)
		}
		if err := checkRange(param, parsed); err != nil {
			return nil, err
		}
		return int(parsed), nil
	case KindFloat:
		number, ok := value.(json.Number)
		if !ok {
			return nil, typeError(param, raw)
		}
		parsed, err := number.Float64()
		if err != nil {
			return nil, typeError(param, raw)
		}
		if err := checkRange(param, parsed); err != nil {
			return nil, err
		}
		return parsed, nil
	default:
		return nil, typeError(param, raw)
	}
}

func checkRange(param Param, value float64) error {
	if param.Min != nil && value < *param.Min {
		return fmt.Errorf("%w: %s must be >= %g", ErrInvalidArgs, param.Name, *param.Min)
	}
	if param.Max != nil && value > *param.Max {
		return fmt.Errorf("%w: %w: %s must be <= %g", ErrInvalidArgs, ErrLimitExceeded, param.Name, *param.Max)
	}
	return nil
}

func typeError(param Param, raw json.RawMessage) error {
	return fmt.Errorf("%w: %s expects %s, got %s", ErrInvalidArgs, param.Name, param.Kind, string(raw))
}
