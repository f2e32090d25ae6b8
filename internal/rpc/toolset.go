package rpc

// toolset.go - UI-facing tool table and input schema inference

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	mcp_sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// toolFunc dispatches one tool call with its raw JSON arguments.
type toolFunc func(ctx context.Context, req *mcp_sdk.CallToolRequest, args json.RawMessage) (any, error)

type toolEntry struct {
	def  *mcp_sdk.Tool
	call toolFunc
}

// Toolset is the ordered table of UI-facing tools. It is assembled once at
// server construction and read-only afterwards.
type Toolset struct {
	byName map[string]*toolEntry
	names  []string
}

func newToolset() *Toolset {
	return &Toolset{byName: make(map[string]*toolEntry)}
}

// addTool registers a typed handler under name. The input schema is
// inferred from P's json and description struct tags.
func addTool[P any](ts *Toolset, name, description string, handler func(ctx context.Context, req *mcp_sdk.CallToolRequest, p P) (any, error)) {
	if _, dup := ts.byName[name]; dup {
		panic(fmt.Sprintf("duplicate tool %q", name))
	}
	ts.byName[name] = &toolEntry{
		def: &mcp_sdk.Tool{
			Name:        name,
			Description: description,
			InputSchema: schemaOf[P](),
		},
		call: func(ctx context.Context, req *mcp_sdk.CallToolRequest, args json.RawMessage) (any, error) {
			var p P
			if len(args) > 0 {
				if err := json.Unmarshal(args, &p); err != nil {
					return nil, fmt.Errorf("invalid parameters: %w", err)
				}
			}
			return handler(ctx, req, p)
		},
	}
	ts.names = append(ts.names, name)
}

// Names lists the tools in registration order.
func (ts *Toolset) Names() []string {
	return append([]string(nil), ts.names...)
}

// Tool returns the MCP definition for one tool.
func (ts *Toolset) Tool(name string) (*mcp_sdk.Tool, bool) {
	e, ok := ts.byName[name]
	if !ok {
		return nil, false
	}
	return e.def, true
}

// Dispatch invokes a tool outside the MCP transport, mainly for tests.
func (ts *Toolset) Dispatch(ctx context.Context, name string, args json.RawMessage) (any, error) {
	e, ok := ts.byName[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
	req := &mcp_sdk.CallToolRequest{Params: &mcp_sdk.CallToolParamsRaw{Arguments: args}}
	return e.call(ctx, req, args)
}

// attach registers every tool with the MCP server. Handler errors become
// error results so they reach the client as tool output, not transport
// failures.
func (ts *Toolset) attach(server *mcp_sdk.Server) {
	for _, name := range ts.names {
		e := ts.byName[name]
		call := e.call
		server.AddTool(e.def, func(ctx context.Context, req *mcp_sdk.CallToolRequest) (*mcp_sdk.CallToolResult, error) {
			var args json.RawMessage
			if req.Params != nil {
				args = req.Params.Arguments
			}
			result, err := call(ctx, req, args)
			if err != nil {
				return errorResult(err.Error()), nil
			}
			data, err := json.Marshal(result)
			if err != nil {
				return errorResult(err.Error()), nil
			}
			return textResult(string(data)), nil
		})
	}
}

func textResult(text string) *mcp_sdk.CallToolResult {
	return &mcp_sdk.CallToolResult{
		Content: []mcp_sdk.Content{&mcp_sdk.TextContent{Text: text}},
	}
}

func errorResult(msg string) *mcp_sdk.CallToolResult {
	return &mcp_sdk.CallToolResult{
		IsError: true,
		Content: []mcp_sdk.Content{&mcp_sdk.TextContent{Text: msg}},
	}
}

// schemaOf infers an object schema from P's exported fields. Fields without
// omitempty are required.
func schemaOf[P any]() *jsonschema.Schema {
	var p P
	t := reflect.TypeOf(p)
	if t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return &jsonschema.Schema{Type: "object"}
	}
	return structSchema(t)
}

func structSchema(t reflect.Type) *jsonschema.Schema {
	s := &jsonschema.Schema{
		Type:       "object",
		Properties: make(map[string]*jsonschema.Schema),
	}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name, omitempty := jsonName(f)
		if name == "" {
			continue
		}
		fs := fieldSchema(f.Type)
		if desc := f.Tag.Get("description"); desc != "" {
			fs.Description = desc
		}
		s.Properties[name] = fs
		if !omitempty {
			s.Required = append(s.Required, name)
		}
	}
	return s
}

func fieldSchema(t reflect.Type) *jsonschema.Schema {
	switch t.Kind() {
	case reflect.Pointer:
		return fieldSchema(t.Elem())
	case reflect.String:
		return &jsonschema.Schema{Type: "string"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return &jsonschema.Schema{Type: "integer"}
	case reflect.Float32, reflect.Float64:
		return &jsonschema.Schema{Type: "number"}
	case reflect.Bool:
		return &jsonschema.Schema{Type: "boolean"}
	case reflect.Slice, reflect.Array:
		return &jsonschema.Schema{Type: "array", Items: fieldSchema(t.Elem())}
	case reflect.Map:
		return &jsonschema.Schema{Type: "object", AdditionalProperties: fieldSchema(t.Elem())}
	case reflect.Struct:
		return structSchema(t)
	default:
		return &jsonschema.Schema{Type: "object"}
	}
}

// jsonName resolves a field's wire name from its json tag. An empty name
// means the field is skipped.
func jsonName(f reflect.StructField) (name string, omitempty bool) {
	name = f.Name
	tag := f.Tag.Get("json")
	if tag == "-" {
		return "", false
	}
	if tag == "" {
		return name, false
	}
	parts := strings.Split(tag, ",")
	if parts[0] != "" {
		name = parts[0]
	}
	for _, opt := range parts[1:] {
		if opt == "omitempty" {
			omitempty = true
		}
	}
	return name, omitempty
}
