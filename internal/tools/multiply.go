package tools

import (
	"context"
	"errors"
)

type MultiplyInput struct {
	A *float64 `json:"a" jsonschema:"first number"`
	B *float64 `json:"b" jsonschema:"second number"`
}

func (in MultiplyInput) Validate() error {
	if in.A == nil || in.B == nil {
		return errors.New("a and b are required")
	}
	return nil
}

type MultiplyResult struct {
	Result float64 `json:"result"`
}

func NewMultiplyTool() (Tool, error) {
	return New("multiply", "Multiplies two numbers. a: first number, b: second number.",
		func(_ context.Context, in MultiplyInput) (MultiplyResult, error) {
			return MultiplyResult{Result: *in.A * *in.B}, nil
		})
}
