package concierge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/malbeclabs/concierge/internal/agent/react"
	"github.com/malbeclabs/concierge/internal/tools"
)

// RegistryClient serves a tool registry to the agent in process.
type RegistryClient struct {
	reg *tools.Registry
}

func NewRegistryClient(reg *tools.Registry) *RegistryClient {
	return &RegistryClient{reg: reg}
}

func (c *RegistryClient) ListTools(context.Context) ([]react.Tool, error) {
	out := make([]react.Tool, 0, len(c.reg.Tools()))
	for _, t := range c.reg.Tools() {
		schema, err := SchemaMap(t.InputSchema())
		if err != nil {
			return nil, fmt.Errorf("failed to convert %s input schema: %w", t.Name(), err)
		}
		out = append(out, react.Tool{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: schema,
		})
	}
	return out, nil
}

func (c *RegistryClient) CallToolText(ctx context.Context, name string, args map[string]any) (string, bool, error) {
	input, err := json.Marshal(args)
	if err != nil {
		return "", false, fmt.Errorf("failed to encode %s input: %w", name, err)
	}
	out, err := c.reg.Call(ctx, name, input)
	if err != nil {
		return "", false, err
	}
	return out.Text(), out.IsError, nil
}

// SchemaMap converts a JSON schema to the generic map form LLM APIs take.
func SchemaMap(s *jsonschema.Schema) (map[string]any, error) {
	if s == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}, nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
