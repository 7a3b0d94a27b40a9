// Package tools defines the capabilities the concierge model can call and
// the registry that holds them.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// Tool is a named capability with a declared input schema. Call never
// reports a tool-level failure as a Go error: those come back as an error
// Output the model can read. A Go error means the call itself could not
// complete, for example because ctx was cancelled.
type Tool interface {
	Name() string
	Description() string
	InputSchema() *jsonschema.Schema
	Call(ctx context.Context, input json.RawMessage) (Output, error)
}

// Output is a tool's result value. IsError marks the error variant.
type Output struct {
	Value   any
	IsError bool
}

// ErrorResult is the shape of every error variant.
type ErrorResult struct {
	Error string `json:"error"`
}

func errorOutput(err error) Output {
	return Output{Value: ErrorResult{Error: err.Error()}, IsError: true}
}

// Text renders the output as compact JSON for the model.
func (o Output) Text() string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(o.Value); err != nil {
		return fmt.Sprintf(`{"error":%q}`, "failed to encode tool output: "+err.Error())
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n"))
}

// Validator is implemented by inputs that check themselves after decoding.
type Validator interface {
	Validate() error
}

// HandlerFunc is the typed body of a tool.
type HandlerFunc[In, Out any] func(ctx context.Context, in In) (Out, error)

type typedTool[In, Out any] struct {
	name        string
	description string
	schema      *jsonschema.Schema
	fn          HandlerFunc[In, Out]
}

// New builds a Tool from a typed handler. The input schema is derived
// from In. Input that fails to decode or validate, and any error from fn,
// becomes the error variant.
func New[In, Out any](name, description string, fn HandlerFunc[In, Out]) (Tool, error) {
	if name == "" {
		return nil, errors.New("name is required")
	}
	if description == "" {
		return nil, errors.New("description is required")
	}
	if fn == nil {
		return nil, errors.New("handler is required")
	}
	schema, err := jsonschema.For[In](nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s input schema: %w", name, err)
	}
	return &typedTool[In, Out]{
		name:        name,
		description: description,
		schema:      schema,
		fn:          fn,
	}, nil
}

func (t *typedTool[In, Out]) Name() string                   { return t.name }
func (t *typedTool[In, Out]) Description() string            { return t.description }
func (t *typedTool[In, Out]) InputSchema() *jsonschema.Schema { return t.schema }

func (t *typedTool[In, Out]) Call(ctx context.Context, input json.RawMessage) (Output, error) {
	var in In
	if len(bytes.TrimSpace(input)) > 0 && !bytes.Equal(bytes.TrimSpace(input), []byte("null")) {
		if err := json.Unmarshal(input, &in); err != nil {
			return errorOutput(fmt.Errorf("invalid input: %w", err)), nil
		}
	}
	if v, ok := any(&in).(Validator); ok {
		if err := v.Validate(); err != nil {
			return errorOutput(err), nil
		}
	}

	out, err := t.fn(ctx, in)
	if err != nil {
		if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return Output{}, err
		}
		return errorOutput(err), nil
	}
	return Output{Value: out}, nil
}
