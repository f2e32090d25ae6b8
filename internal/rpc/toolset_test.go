package rpc

import (
	"context"
	"encoding/json"
	"testing"

	mcp_sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

type echoParams struct {
	Name  string   `json:"name" description:"who to greet"`
	Count int      `json:"count,omitempty"`
	Tags  []string `json:"tags,omitempty"`
}

func TestSchemaOf(t *testing.T) {
	schema := schemaOf[echoParams]()

	if schema.Type != "object" {
		t.Fatalf("schema type = %q", schema.Type)
	}
	name, ok := schema.Properties["name"]
	if !ok || name.Type != "string" {
		t.Errorf("name schema = %+v", name)
	}
	if name.Description != "who to greet" {
		t.Errorf("description tag not carried: %q", name.Description)
	}
	if count := schema.Properties["count"]; count == nil || count.Type != "integer" {
		t.Errorf("count schema = %+v", count)
	}
	tags := schema.Properties["tags"]
	if tags == nil || tags.Type != "array" || tags.Items == nil || tags.Items.Type != "string" {
		t.Errorf("tags schema = %+v", tags)
	}
	if len(schema.Required) != 1 || schema.Required[0] != "name" {
		t.Errorf("required = %v, want [name]", schema.Required)
	}
}

func TestSchemaOfNonStruct(t *testing.T) {
	schema := schemaOf[map[string]any]()
	if schema.Type != "object" || schema.Properties != nil {
		t.Errorf("non-struct schema = %+v", schema)
	}
}

func TestSchemaOfNestedStruct(t *testing.T) {
	type part struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	}
	type params struct {
		Parts []part `json:"parts,omitempty"`
	}
	schema := schemaOf[params]()
	parts := schema.Properties["parts"]
	if parts == nil || parts.Type != "array" || parts.Items == nil {
		t.Fatalf("parts schema = %+v", parts)
	}
	if p := parts.Items.Properties["type"]; p == nil || p.Type != "string" {
		t.Errorf("nested item schema = %+v", parts.Items)
	}
}

func TestToolsetDispatch(t *testing.T) {
	ts := newToolset()
	addTool(ts, "echo", "echoes", func(_ context.Context, _ *mcp_sdk.CallToolRequest, p echoParams) (any, error) {
		return map[string]any{"greeting": "hello " + p.Name}, nil
	})

	result, err := ts.Dispatch(context.Background(), "echo", json.RawMessage(`{"name":"world"}`))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	m, ok := result.(map[string]any)
	if !ok || m["greeting"] != "hello world" {
		t.Errorf("result = %v", result)
	}
}

func TestToolsetUnknownTool(t *testing.T) {
	ts := newToolset()
	if _, err := ts.Dispatch(context.Background(), "nope", nil); err == nil {
		t.Error("unknown tool call succeeded")
	}
}

func TestToolsetInvalidParams(t *testing.T) {
	ts := newToolset()
	addTool(ts, "echo", "", func(_ context.Context, _ *mcp_sdk.CallToolRequest, _ echoParams) (any, error) {
		return nil, nil
	})
	if _, err := ts.Dispatch(context.Background(), "echo", json.RawMessage(`{"name":42}`)); err == nil {
		t.Error("type-mismatched params accepted")
	}
}

func TestToolsetPreservesOrder(t *testing.T) {
	ts := newToolset()
	names := []string{"c_tool", "a_tool", "b_tool"}
	for _, n := range names {
		addTool(ts, n, "", func(_ context.Context, _ *mcp_sdk.CallToolRequest, _ echoParams) (any, error) {
			return nil, nil
		})
	}
	got := ts.Names()
	if len(got) != 3 {
		t.Fatalf("got %d tools", len(got))
	}
	for i, n := range names {
		if got[i] != n {
			t.Errorf("names[%d] = %q, want %q", i, got[i], n)
		}
	}
	def, ok := ts.Tool("a_tool")
	if !ok || def.Name != "a_tool" {
		t.Errorf("Tool(a_tool) = %+v, %v", def, ok)
	}
}
