package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/malbeclabs/concierge/internal/metrics"
)

var (
	ErrDuplicateTool = errors.New("tool is already registered")
	ErrUnknownTool   = errors.New("unknown tool")
)

// Registry maps tool names to tools. It is built once at startup and
// handed to whatever needs to list or call tools.
type Registry struct {
	tools map[string]Tool
	order []string
}

func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(t Tool) error {
	if t == nil {
		return errors.New("tool is nil")
	}
	if _, ok := r.tools[t.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, t.Name())
	}
	r.tools[t.Name()] = t
	r.order = append(r.order, t.Name())
	return nil
}

func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Tools returns every tool in registration order.
func (r *Registry) Tools() []Tool {
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Call runs the named tool and records its outcome.
func (r *Registry) Call(ctx context.Context, name string, input json.RawMessage) (Output, error) {
	t, ok := r.tools[name]
	if !ok {
		return Output{}, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	start := time.Now()
	out, err := t.Call(ctx, input)
	metrics.ToolCallDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	switch {
	case err != nil:
		metrics.ToolCallsTotal.WithLabelValues(name, "error").Inc()
	case out.IsError:
		metrics.ToolCallsTotal.WithLabelValues(name, "tool_error").Inc()
	default:
		metrics.ToolCallsTotal.WithLabelValues(name, "success").Inc()
	}
	return out, err
}
