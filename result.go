package parley

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// ToolResult is the single result type produced by every tool execution.
// IsError marks a failure the model is expected to see and react to; it is
// not a Go error and never aborts the conversation.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// TextResult builds a successful text result.
func TextResult(content string) ToolResult {
	return ToolResult{Content: content}
}

// ErrorResult builds a failed result with a formatted message.
func ErrorResult(format string, args ...any) ToolResult {
	return ToolResult{Content: fmt.Sprintf(format, args...), IsError: true}
}

// CoerceResult converts a raw tool handler return value into a ToolResult.
// nil becomes an empty successful result, strings pass through, maps, slices,
// and structs are serialized to JSON, and anything else is formatted with the
// fmt package. A ToolResult passes through unchanged.
func CoerceResult(raw any) ToolResult {
	switch v := raw.(type) {
	case nil:
		return ToolResult{}
	case ToolResult:
		return v
	case *ToolResult:
		if v == nil {
			return ToolResult{}
		}
		return *v
	case string:
		return ToolResult{Content: v}
	case []byte:
		return ToolResult{Content: string(v)}
	case json.RawMessage:
		return ToolResult{Content: string(v)}
	}

	rv := reflect.ValueOf(raw)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return ToolResult{}
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		b, err := json.Marshal(rv.Interface())
		if err != nil {
			return ErrorResult("serialize tool result: %v", err)
		}
		return ToolResult{Content: string(b)}
	default:
		return ToolResult{Content: fmt.Sprint(raw)}
	}
}
