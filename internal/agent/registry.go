package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/loomlabs/loom/pkg/models"
)

// toolNameRE is the allowed shape for tool and XML tag names.
var toolNameRE = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValueType declares how a raw argument string is coerced before invocation.
type ValueType string

const (
	TypeString  ValueType = "string"
	TypeInt     ValueType = "int"
	TypeFloat   ValueType = "float"
	TypeBoolean ValueType = "boolean"
	TypeJSON    ValueType = "json"
)

// XMLFieldSource selects where an XML binding field reads its value from.
type XMLFieldSource string

const (
	SourceAttribute XMLFieldSource = "attribute"
	SourceElement   XMLFieldSource = "element"
	SourceContent   XMLFieldSource = "content"
	SourceRoot      XMLFieldSource = "root"
	SourceXPath     XMLFieldSource = "xpath"
)

// XMLField maps one argument of an XML tool call.
type XMLField struct {
	// Name is the argument key in the resulting argument map.
	Name string

	// Source selects the extraction strategy.
	Source XMLFieldSource

	// Path is the attribute name, descendant tag name, or XPath expression,
	// depending on Source. Unused for content and root.
	Path string

	// ValueType coerces the raw string; parse failures keep the raw string.
	ValueType ValueType
}

// XMLBinding describes how a registered XML tag maps to a tool's arguments.
type XMLBinding struct {
	TagName string
	Fields  []XMLField

	// Example is shown to the model in the system prompt.
	Example string
}

// ToolFunc is a tool body. Failures are communicated through the result, not
// through panics; a panicking tool is converted to a failed result.
type ToolFunc func(ctx context.Context, args map[string]any) models.ToolResult

// ToolDefinition declares one registrable tool.
type ToolDefinition struct {
	Name        string
	Description string

	// Parameters is an OpenAPI-style JSON-Schema object. Nil means the tool
	// takes no arguments.
	Parameters map[string]any

	// XML optionally binds an XML tag to this tool.
	XML *XMLBinding

	Handler ToolFunc
}

// ToolSchema is the exported shape handed to LLM providers.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type registeredTool struct {
	def        ToolDefinition
	schema     *jsonschema.Schema
	paramTypes map[string]ValueType
}

// ToolRegistry holds all registered tools. Registration happens during
// process startup; afterwards the registry is immutable and lookups are
// lock-free.
type ToolRegistry struct {
	logger *slog.Logger
	native map[string]*registeredTool
	xml    map[string]*registeredTool
	order  []string
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry(logger *slog.Logger) *ToolRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolRegistry{
		logger: logger,
		native: map[string]*registeredTool{},
		xml:    map[string]*registeredTool{},
	}
}

// Register validates and adds a tool definition. Duplicate names, duplicate
// XML tags, malformed names, and uncompilable parameter schemas are rejected.
func (r *ToolRegistry) Register(def ToolDefinition) error {
	if !toolNameRE.MatchString(def.Name) {
		return Errf(KindValidation, "register", "invalid tool name %q", def.Name)
	}
	if def.Handler == nil {
		return Errf(KindValidation, "register", "tool %s has no handler", def.Name)
	}
	if _, exists := r.native[def.Name]; exists {
		return Errf(KindValidation, "register", "duplicate tool name %q", def.Name)
	}

	rt := &registeredTool{def: def, paramTypes: paramTypesFromSchema(def.Parameters)}
	if def.Parameters != nil {
		schema, err := compileSchema(def.Name, def.Parameters)
		if err != nil {
			return Errf(KindValidation, "register", "tool %s has invalid parameter schema: %v", def.Name, err)
		}
		rt.schema = schema
	}

	if def.XML != nil {
		if !toolNameRE.MatchString(def.XML.TagName) {
			return Errf(KindValidation, "register", "invalid xml tag %q for tool %s", def.XML.TagName, def.Name)
		}
		if _, exists := r.xml[def.XML.TagName]; exists {
			return Errf(KindValidation, "register", "duplicate xml tag %q", def.XML.TagName)
		}
		r.xml[def.XML.TagName] = rt
	}

	r.native[def.Name] = rt
	r.order = append(r.order, def.Name)
	return nil
}

// MustRegister panics on a registration error; for process-startup wiring.
func (r *ToolRegistry) MustRegister(def ToolDefinition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Has reports whether a tool with the given name is registered.
func (r *ToolRegistry) Has(name string) bool {
	_, ok := r.native[name]
	return ok
}

// LookupXML returns the binding registered under an XML tag name.
func (r *ToolRegistry) LookupXML(tag string) (*XMLBinding, string, bool) {
	rt, ok := r.xml[tag]
	if !ok {
		return nil, "", false
	}
	return rt.def.XML, rt.def.Name, true
}

// XMLTags returns all registered XML tag names.
func (r *ToolRegistry) XMLTags() []string {
	tags := make([]string, 0, len(r.xml))
	for _, name := range r.order {
		rt := r.native[name]
		if rt.def.XML != nil {
			tags = append(tags, rt.def.XML.TagName)
		}
	}
	return tags
}

// OpenAPISchemas exports all tools for the LLM request, in registration
// order. Export is defensive: a missing description is defaulted and nil
// parameters become an empty object schema, so a sloppy definition can never
// corrupt the request.
func (r *ToolRegistry) OpenAPISchemas() []ToolSchema {
	out := make([]ToolSchema, 0, len(r.order))
	for _, name := range r.order {
		rt := r.native[name]
		schema := ToolSchema{
			Name:        rt.def.Name,
			Description: rt.def.Description,
			Parameters:  rt.def.Parameters,
		}
		if schema.Description == "" {
			r.logger.Warn("tool exported without description", "tool", name)
			schema.Description = "No description provided."
		}
		if schema.Parameters == nil {
			schema.Parameters = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}
		out = append(out, schema)
	}
	return out
}

// XMLExamples returns the usage example for every XML-bound tool, keyed by
// tag name, for inclusion in the system prompt.
func (r *ToolRegistry) XMLExamples() map[string]string {
	out := map[string]string{}
	for _, name := range r.order {
		rt := r.native[name]
		if rt.def.XML != nil && rt.def.XML.Example != "" {
			out[rt.def.XML.TagName] = rt.def.XML.Example
		}
	}
	return out
}

// Invoke runs a tool by name. An unknown tool and a failing or panicking tool
// body all yield a failed result rather than an error, so the loop can
// continue and let the model react.
func (r *ToolRegistry) Invoke(ctx context.Context, name string, args map[string]any) (result models.ToolResult) {
	rt, ok := r.native[name]
	if !ok {
		return models.ErrorResult("tool not found: " + name)
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool panicked", "tool", name, "panic", rec)
			result = models.ErrorResult(fmt.Sprintf("tool %s panicked: %v", name, rec))
		}
	}()

	if args == nil {
		args = map[string]any{}
	}
	coerced := r.coerceArgs(rt, args)

	if rt.schema != nil {
		if err := rt.schema.Validate(normalizeForValidation(coerced)); err != nil {
			return models.ErrorResult(fmt.Sprintf("invalid arguments for %s: %v", name, err))
		}
	}

	return rt.def.Handler(ctx, coerced)
}

// coerceArgs converts each argument toward its declared parameter type.
// Values that cannot be converted are passed through unchanged.
func (r *ToolRegistry) coerceArgs(rt *registeredTool, args map[string]any) map[string]any {
	if len(rt.paramTypes) == 0 {
		return args
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		vt, declared := rt.paramTypes[k]
		if !declared {
			out[k] = v
			continue
		}
		out[k] = CoerceValue(v, vt)
	}
	return out
}

// CoerceValue converts v toward the declared type. Strings parse into
// numbers, booleans, and JSON; JSON numbers truncate into ints. On any parse
// failure the original value is kept.
func CoerceValue(v any, vt ValueType) any {
	switch vt {
	case TypeString:
		if s, ok := v.(string); ok {
			return s
		}
		if f, ok := v.(float64); ok {
			return strconv.FormatFloat(f, 'f', -1, 64)
		}
		return v
	case TypeInt:
		switch val := v.(type) {
		case float64:
			return int(val)
		case int:
			return val
		case string:
			if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
				return n
			}
		}
		return v
	case TypeFloat:
		switch val := v.(type) {
		case float64:
			return val
		case int:
			return float64(val)
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
				return f
			}
		}
		return v
	case TypeBoolean:
		switch val := v.(type) {
		case bool:
			return val
		case string:
			if b, err := strconv.ParseBool(strings.TrimSpace(val)); err == nil {
				return b
			}
		}
		return v
	case TypeJSON:
		if s, ok := v.(string); ok {
			var decoded any
			if err := json.Unmarshal([]byte(s), &decoded); err == nil {
				return decoded
			}
		}
		return v
	default:
		return v
	}
}

// compileSchema compiles an in-memory schema document.
func compileSchema(name string, doc map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	url := "inmem://tools/" + name + ".json"
	if err := compiler.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

// paramTypesFromSchema reads the declared coercion type of each top-level
// property.
func paramTypesFromSchema(doc map[string]any) map[string]ValueType {
	if doc == nil {
		return nil
	}
	props, ok := doc["properties"].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]ValueType, len(props))
	for name, p := range props {
		prop, ok := p.(map[string]any)
		if !ok {
			continue
		}
		switch prop["type"] {
		case "integer":
			out[name] = TypeInt
		case "number":
			out[name] = TypeFloat
		case "boolean":
			out[name] = TypeBoolean
		case "object", "array":
			out[name] = TypeJSON
		case "string":
			out[name] = TypeString
		}
	}
	return out
}

// normalizeForValidation re-decodes the argument map through JSON so the
// schema validator sees canonical types (float64 numbers, generic maps).
func normalizeForValidation(args map[string]any) any {
	raw, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return args
	}
	return out
}
