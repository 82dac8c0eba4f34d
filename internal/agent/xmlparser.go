package agent

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/antchfx/xmlquery"

	"github.com/loomlabs/loom/pkg/models"
)

// ToolCallParser turns an assistant response into a typed, ordered list of
// tool calls: native calls pass through from the provider, XML calls are
// extracted from the textual content using the registry's tag bindings.
//
// The parser is pure with respect to the response; it never raises. A
// malformed XML chunk is skipped with a warning.
type ToolCallParser struct {
	registry        *ToolRegistry
	maxXMLToolCalls int
	logger          *slog.Logger
}

// NewToolCallParser builds a parser bound to a registry. maxXMLToolCalls
// bounds extraction per response; values <= 0 fall back to 25.
func NewToolCallParser(registry *ToolRegistry, maxXMLToolCalls int, logger *slog.Logger) *ToolCallParser {
	if maxXMLToolCalls <= 0 {
		maxXMLToolCalls = 25
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolCallParser{
		registry:        registry,
		maxXMLToolCalls: maxXMLToolCalls,
		logger:          logger,
	}
}

// ParsedCalls is the parser output for one response.
type ParsedCalls struct {
	Calls []models.ToolCall

	// XMLLimitReached reports that extraction stopped at the per-response
	// cap; the containing response should finish with
	// "xml_tool_limit_reached".
	XMLLimitReached bool
}

// Parse extracts all tool calls from a response, native first, then XML calls
// in order of appearance.
func (p *ToolCallParser) Parse(resp *Response) ParsedCalls {
	var out ParsedCalls
	for _, tc := range resp.ToolCalls {
		tc.Kind = models.ToolCallNative
		out.Calls = append(out.Calls, tc)
	}

	xmlCalls, limited := p.parseXMLContent(resp.Content.String())
	out.Calls = append(out.Calls, xmlCalls...)
	out.XMLLimitReached = limited
	return out
}

// parseXMLContent extracts XML tool calls from assistant text.
func (p *ToolCallParser) parseXMLContent(content string) ([]models.ToolCall, bool) {
	if content == "" || len(p.registry.XMLTags()) == 0 {
		return nil, false
	}

	chunks := extractTagChunks(content, p.registry.XMLTags())
	if len(chunks) == 0 {
		return nil, false
	}

	limited := false
	if len(chunks) > p.maxXMLToolCalls {
		chunks = chunks[:p.maxXMLToolCalls]
		limited = true
	}

	calls := make([]models.ToolCall, 0, len(chunks))
	for _, chunk := range chunks {
		binding, toolName, ok := p.registry.LookupXML(chunk.tag)
		if !ok {
			continue
		}
		doc, err := xmlquery.Parse(strings.NewReader(chunk.raw))
		if err != nil {
			p.logger.Warn("failed to parse xml tool call", "tag", chunk.tag, "error", err)
			continue
		}
		root := xmlquery.FindOne(doc, chunk.tag)
		if root == nil {
			p.logger.Warn("xml tool call has no root element", "tag", chunk.tag)
			continue
		}

		calls = append(calls, models.ToolCall{
			ID:        fmt.Sprintf("xml-%d", len(calls)),
			Kind:      models.ToolCallXML,
			Name:      toolName,
			Arguments: p.bindFields(binding, root, chunk.raw),
			XMLTag:    chunk.tag,
			RawXML:    chunk.raw,
		})
	}
	return calls, limited
}

// bindFields maps one parsed element to an argument map per the binding.
func (p *ToolCallParser) bindFields(binding *XMLBinding, root *xmlquery.Node, raw string) map[string]any {
	args := make(map[string]any, len(binding.Fields))
	for _, field := range binding.Fields {
		var value string
		found := false
		switch field.Source {
		case SourceAttribute:
			value = root.SelectAttr(field.Path)
			found = value != "" || hasAttr(root, field.Path)
		case SourceElement:
			if node := xmlquery.FindOne(root, ".//"+field.Path); node != nil {
				value = strings.TrimSpace(node.InnerText())
				found = true
			}
		case SourceContent:
			value = strings.TrimSpace(root.InnerText())
			found = true
		case SourceRoot:
			args[field.Name] = raw
			continue
		case SourceXPath:
			node, err := xmlquery.Query(root, field.Path)
			if err != nil {
				p.logger.Warn("xpath evaluation failed",
					"tag", binding.TagName, "field", field.Name, "error", err)
				continue
			}
			if node != nil {
				value = strings.TrimSpace(node.InnerText())
				found = true
			}
		}
		if !found {
			continue
		}
		args[field.Name] = CoerceValue(value, field.ValueType)
	}
	return args
}

func hasAttr(node *xmlquery.Node, name string) bool {
	for _, attr := range node.Attr {
		if attr.Name.Local == name {
			return true
		}
	}
	return false
}

// tagChunk is one extracted top-level XML element.
type tagChunk struct {
	tag string
	raw string
	pos int
}

// extractTagChunks scans text for top-level occurrences of the given tags and
// returns each balanced element in order of appearance. Nested occurrences of
// the same tag are kept inside their enclosing chunk; scanning resumes after
// each chunk so tags embedded in another extracted element are not counted
// twice.
func extractTagChunks(content string, tags []string) []tagChunk {
	var chunks []tagChunk
	pos := 0
	for pos < len(content) {
		tag, start := nextTagStart(content, tags, pos)
		if start < 0 {
			break
		}
		end, ok := findTagEnd(content, tag, start)
		if !ok {
			// Unterminated element; skip past the opener and keep scanning.
			pos = start + 1
			continue
		}
		chunks = append(chunks, tagChunk{tag: tag, raw: content[start:end], pos: start})
		pos = end
	}
	return chunks
}

// nextTagStart finds the earliest opening of any registered tag at or after
// from.
func nextTagStart(content string, tags []string, from int) (string, int) {
	best := -1
	bestTag := ""
	for _, tag := range tags {
		idx := indexTagOpen(content, tag, from)
		if idx >= 0 && (best < 0 || idx < best) {
			best = idx
			bestTag = tag
		}
	}
	return bestTag, best
}

// indexTagOpen finds "<tag" followed by a name boundary (space, '>', or '/').
func indexTagOpen(content, tag string, from int) int {
	needle := "<" + tag
	for i := from; i < len(content); {
		idx := strings.Index(content[i:], needle)
		if idx < 0 {
			return -1
		}
		abs := i + idx
		next := abs + len(needle)
		if next >= len(content) {
			return -1
		}
		switch content[next] {
		case ' ', '\t', '\n', '\r', '>', '/':
			return abs
		}
		i = abs + 1
	}
	return -1
}

// findTagEnd returns the index just past the matching close of the element
// opening at start, balancing nested same-name tags and handling the
// self-closing form.
func findTagEnd(content, tag string, start int) (int, bool) {
	openEnd := strings.IndexByte(content[start:], '>')
	if openEnd < 0 {
		return 0, false
	}
	openEnd += start
	if content[openEnd-1] == '/' {
		return openEnd + 1, true
	}

	depth := 1
	closeNeedle := "</" + tag + ">"
	pos := openEnd + 1
	for pos < len(content) {
		nextOpen := indexTagOpen(content, tag, pos)
		nextClose := strings.Index(content[pos:], closeNeedle)
		if nextClose < 0 {
			return 0, false
		}
		nextClose += pos

		if nextOpen >= 0 && nextOpen < nextClose {
			// Self-closing nested occurrences do not change depth.
			inner := strings.IndexByte(content[nextOpen:], '>')
			if inner < 0 {
				return 0, false
			}
			inner += nextOpen
			if content[inner-1] != '/' {
				depth++
			}
			pos = inner + 1
			continue
		}

		depth--
		pos = nextClose + len(closeNeedle)
		if depth == 0 {
			return pos, true
		}
	}
	return 0, false
}
