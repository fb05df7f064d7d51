package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/teranos/measurely/errors"
	"github.com/teranos/measurely/template"
)

// Dispatcher runs backend invocations under the execution timeout and
// enforces the template's response schema on what comes back.
type Dispatcher struct {
	backend Backend
	timeout time.Duration
}

// NewDispatcher wraps a backend with the per-execution timeout.
func NewDispatcher(backend Backend, timeout time.Duration) *Dispatcher {
	return &Dispatcher{backend: backend, timeout: timeout}
}

// Execute sends the prompt and validates the response against the
// schema. The returned result carries the extracted numeric value.
func (d *Dispatcher) Execute(ctx context.Context, req Request, schema map[string]template.FieldSpec) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	result, err := d.backend.Fetch(ctx, req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded && !errors.Is(err, errors.ErrTimeout) {
			return nil, errors.Wrap(errors.ErrTimeout, "execution deadline exceeded")
		}
		return nil, err
	}

	value, err := ValidatePayload(result.Payload, schema)
	if err != nil {
		return nil, err
	}
	result.Value = value
	return result, nil
}

// ValidatePayload checks a backend payload against the response schema
// and returns the extracted measure value. Violations list every
// offending field, not just the first.
func ValidatePayload(payload map[string]interface{}, schema map[string]template.FieldSpec) (float64, error) {
	if errMsg, ok := payload["error"].(string); ok && errMsg != "" {
		return 0, errors.Wrapf(errors.ErrExecution, "backend reported retrieval failure: %s", errMsg)
	}

	var violations []string
	for name, spec := range schema {
		raw, present := payload[name]
		if !present {
			if spec.Required {
				violations = append(violations, fmt.Sprintf("%s: required field missing", name))
			}
			continue
		}
		if msg := checkField(name, spec, raw); msg != "" {
			violations = append(violations, msg)
		}
	}
	if len(violations) > 0 {
		return 0, errors.Wrapf(errors.ErrResponseSchemaViolation, "%d field(s) invalid: %v", len(violations), violations)
	}

	raw, ok := payload["value"]
	if !ok {
		return 0, errors.Wrap(errors.ErrResponseSchemaViolation, "payload has no value field")
	}
	value, ok := raw.(float64)
	if !ok {
		return 0, errors.Wrapf(errors.ErrResponseSchemaViolation, "value is %T, expected number", raw)
	}
	return value, nil
}

func checkField(name string, spec template.FieldSpec, raw interface{}) string {
	switch spec.Type {
	case "number", "":
		v, ok := raw.(float64)
		if !ok {
			return fmt.Sprintf("%s: expected number, got %T", name, raw)
		}
		if spec.Min != nil && v < *spec.Min {
			return fmt.Sprintf("%s: %v below minimum %v", name, v, *spec.Min)
		}
		if spec.Max != nil && v > *spec.Max {
			return fmt.Sprintf("%s: %v above maximum %v", name, v, *spec.Max)
		}
	case "string":
		if _, ok := raw.(string); !ok {
			return fmt.Sprintf("%s: expected string, got %T", name, raw)
		}
	case "boolean":
		if _, ok := raw.(bool); !ok {
			return fmt.Sprintf("%s: expected boolean, got %T", name, raw)
		}
	case "array":
		if _, ok := raw.([]interface{}); !ok {
			return fmt.Sprintf("%s: expected array, got %T", name, raw)
		}
	default:
		return fmt.Sprintf("%s: schema declares unknown type %q", name, spec.Type)
	}
	return ""
}
