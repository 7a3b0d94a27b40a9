package tools

import (
	"bytes"
	"encoding/json"
)

// InputFormatter is implemented by tools that render their input for
// display in a way that reads better than JSON.
type InputFormatter interface {
	FormatInput(input json.RawMessage) string
}

// FormatInput renders a tool's input for display.
func FormatInput(t Tool, input json.RawMessage) string {
	if f, ok := t.(InputFormatter); ok {
		return f.FormatInput(input)
	}
	var v any
	if err := json.Unmarshal(input, &v); err != nil {
		return string(input)
	}
	return FormatJSON(v)
}

// FormatJSON renders v as indented JSON, leaving non-ASCII text and HTML
// characters as they are.
func FormatJSON(v any) string {
	if o, ok := v.(Output); ok {
		v = o.Value
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return ""
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n"))
}
