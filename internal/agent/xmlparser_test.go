package agent

import (
	"context"
	"fmt"
	"testing"

	"github.com/loomlabs/loom/pkg/models"
)

func parserWithTools(t *testing.T, max int, defs ...ToolDefinition) *ToolCallParser {
	t.Helper()
	r := NewToolRegistry(nil)
	for _, def := range defs {
		if def.Handler == nil {
			def.Handler = func(ctx context.Context, args map[string]any) models.ToolResult {
				return models.SuccessResult("")
			}
		}
		r.MustRegister(def)
	}
	return NewToolCallParser(r, max, nil)
}

func TestParseNativePassThrough(t *testing.T) {
	p := parserWithTools(t, 25)
	resp := &Response{
		Content: models.TextContent("plain answer"),
		ToolCalls: []models.ToolCall{
			{ID: "call_1", Name: "search", Arguments: map[string]any{"q": "x"}},
		},
	}

	parsed := p.Parse(resp)
	if len(parsed.Calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(parsed.Calls))
	}
	if parsed.Calls[0].Kind != models.ToolCallNative {
		t.Errorf("expected native kind, got %s", parsed.Calls[0].Kind)
	}
	if parsed.XMLLimitReached {
		t.Error("limit flag set without xml calls")
	}
}

func TestParseXMLBindings(t *testing.T) {
	p := parserWithTools(t, 25, ToolDefinition{
		Name:        "write",
		Description: "write a file",
		XML: &XMLBinding{
			TagName: "create-file",
			Fields: []XMLField{
				{Name: "file_path", Source: SourceAttribute, Path: "file_path", ValueType: TypeString},
				{Name: "file_contents", Source: SourceContent, ValueType: TypeString},
			},
		},
	}, ToolDefinition{
		Name:        "replace",
		Description: "edit a file",
		XML: &XMLBinding{
			TagName: "str-replace",
			Fields: []XMLField{
				{Name: "old_str", Source: SourceElement, Path: "old_str", ValueType: TypeString},
				{Name: "new_str", Source: SourceElement, Path: "new_str", ValueType: TypeString},
			},
		},
	})

	content := "I'll create the file first.\n" +
		`<create-file file_path="a.txt">hello world</create-file>` + "\n" +
		"Then fix the flag:\n" +
		`<str-replace><old_str>debug = false</old_str><new_str>debug = true</new_str></str-replace>`

	parsed := p.Parse(&Response{Content: models.TextContent(content)})
	if len(parsed.Calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(parsed.Calls))
	}

	first := parsed.Calls[0]
	if first.ID != "xml-0" || first.Name != "write" || first.Kind != models.ToolCallXML {
		t.Errorf("unexpected first call: %+v", first)
	}
	if first.Arguments["file_path"] != "a.txt" || first.Arguments["file_contents"] != "hello world" {
		t.Errorf("unexpected first call args: %v", first.Arguments)
	}

	second := parsed.Calls[1]
	if second.ID != "xml-1" || second.Name != "replace" {
		t.Errorf("unexpected second call: %+v", second)
	}
	if second.Arguments["old_str"] != "debug = false" || second.Arguments["new_str"] != "debug = true" {
		t.Errorf("unexpected second call args: %v", second.Arguments)
	}
}

func TestParseXMLLimit(t *testing.T) {
	p := parserWithTools(t, 2, ToolDefinition{
		Name: "note",
		XML: &XMLBinding{
			TagName: "note",
			Fields:  []XMLField{{Name: "text", Source: SourceContent, ValueType: TypeString}},
		},
	})

	content := ""
	for i := 0; i < 3; i++ {
		content += fmt.Sprintf("<note>entry %d</note>\n", i)
	}

	parsed := p.Parse(&Response{Content: models.TextContent(content)})
	if len(parsed.Calls) != 2 {
		t.Fatalf("expected 2 calls under the cap, got %d", len(parsed.Calls))
	}
	if !parsed.XMLLimitReached {
		t.Error("expected XMLLimitReached")
	}
	if parsed.Calls[0].Arguments["text"] != "entry 0" || parsed.Calls[1].Arguments["text"] != "entry 1" {
		t.Errorf("wrong entries kept: %v, %v", parsed.Calls[0].Arguments, parsed.Calls[1].Arguments)
	}
}

func TestParseMalformedAndUnknownSkipped(t *testing.T) {
	p := parserWithTools(t, 25, ToolDefinition{
		Name: "note",
		XML: &XMLBinding{
			TagName: "note",
			Fields:  []XMLField{{Name: "text", Source: SourceContent, ValueType: TypeString}},
		},
	})

	content := "<unknown>ignored</unknown>\n" +
		"<note>unterminated\n" +
		"<note>kept</note>"

	parsed := p.Parse(&Response{Content: models.TextContent(content)})
	if len(parsed.Calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(parsed.Calls))
	}
	if parsed.Calls[0].Arguments["text"] != "kept" {
		t.Errorf("wrong call extracted: %v", parsed.Calls[0].Arguments)
	}
}

func TestParseNestedSameTag(t *testing.T) {
	p := parserWithTools(t, 25, ToolDefinition{
		Name: "wrap",
		XML: &XMLBinding{
			TagName: "wrap",
			Fields:  []XMLField{{Name: "body", Source: SourceRoot}},
		},
	})

	content := "<wrap>outer <wrap>inner</wrap> tail</wrap>"
	parsed := p.Parse(&Response{Content: models.TextContent(content)})
	if len(parsed.Calls) != 1 {
		t.Fatalf("nested tag double-counted: got %d calls", len(parsed.Calls))
	}
	if parsed.Calls[0].Arguments["body"] != content {
		t.Errorf("root binding lost content: %v", parsed.Calls[0].Arguments["body"])
	}
}

func TestParseTypedAttributeCoercion(t *testing.T) {
	p := parserWithTools(t, 25, ToolDefinition{
		Name: "run",
		XML: &XMLBinding{
			TagName: "execute-command",
			Fields: []XMLField{
				{Name: "timeout", Source: SourceAttribute, Path: "timeout", ValueType: TypeInt},
				{Name: "command", Source: SourceContent, ValueType: TypeString},
			},
		},
	})

	parsed := p.Parse(&Response{Content: models.TextContent(
		`<execute-command timeout="120">ls -la</execute-command>`)})
	if len(parsed.Calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(parsed.Calls))
	}
	if parsed.Calls[0].Arguments["timeout"] != 120 {
		t.Errorf("timeout not coerced: %v (%T)",
			parsed.Calls[0].Arguments["timeout"], parsed.Calls[0].Arguments["timeout"])
	}
	if parsed.Calls[0].Arguments["command"] != "ls -la" {
		t.Errorf("unexpected command: %v", parsed.Calls[0].Arguments["command"])
	}
}
