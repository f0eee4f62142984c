package parser

import (
	"encoding/json"
	"regexp"
	"strings"

	"cardline/internal/domain"
)

// Result is what a model response decodes into.
type Result struct {
	ToolCalls []domain.ToolCall
	// Payloads are decoded JSON objects that are not tool calls, in order of appearance.
	Payloads []map[string]any
	// Residue is the response text left after removing decoded JSON and code fences.
	Residue string
	// Malformed holds brace-balanced spans that did not decode.
	Malformed []string
}

// Span is a top-level JSON value found in free text.
type Span struct {
	Start, End int
	Value      any
}

var fenceLine = regexp.MustCompile("(?m)^[ \t]*```[A-Za-z0-9_-]*[ \t]*$")

// Parse extracts tool calls from raw model text. Calls come from "tool_calls" arrays,
// objects carrying a "tool" key, objects carrying "name" with "args"/"arguments", and
// function-call wrappers. Order of appearance is preserved.
func Parse(raw string) Result {
	var res Result
	spans, malformed := Scan(raw)
	res.Malformed = malformed
	var cut []Span
	for _, sp := range spans {
		cut = append(cut, sp)
		switch v := sp.Value.(type) {
		case map[string]any:
			calls, rest := fromObject(v)
			res.ToolCalls = append(res.ToolCalls, calls...)
			if rest != nil {
				res.Payloads = append(res.Payloads, rest)
			}
		case []any:
			for _, el := range v {
				obj, ok := el.(map[string]any)
				if !ok {
					continue
				}
				calls, rest := fromObject(obj)
				res.ToolCalls = append(res.ToolCalls, calls...)
				if rest != nil {
					res.Payloads = append(res.Payloads, rest)
				}
			}
		}
	}
	res.Residue = residue(raw, cut)
	return res
}

// FirstObject returns the first decodable top-level JSON object in s.
func FirstObject(s string) (map[string]any, bool) {
	spans, _ := Scan(s)
	for _, sp := range spans {
		if obj, ok := sp.Value.(map[string]any); ok {
			return obj, true
		}
	}
	return nil, false
}

// Scan finds brace-balanced top-level objects, and arrays whose first element is an
// object, and decodes them. Quotes are only tracked inside a candidate, so apostrophes
// and quotes in prose do not hide JSON. A brace that never closes is treated as prose.
func Scan(s string) ([]Span, []string) {
	var spans []Span
	var malformed []string
	depth := 0
	start := -1
	inString := false
	escape := false
	i := 0
	for {
		for ; i < len(s); i++ {
			b := s[i]
			if depth > 0 {
				if escape {
					escape = false
					continue
				}
				if inString {
					switch b {
					case '\\':
						escape = true
					case '"':
						inString = false
					}
					continue
				}
				switch b {
				case '"':
					inString = true
				case '{', '[':
					depth++
				case '}', ']':
					depth--
					if depth == 0 {
						text := s[start : i+1]
						var v any
						if err := json.Unmarshal([]byte(text), &v); err != nil {
							malformed = append(malformed, text)
						} else {
							spans = append(spans, Span{Start: start, End: i + 1, Value: v})
						}
						start = -1
					}
				}
				continue
			}
			switch b {
			case '{':
				depth, start = 1, i
			case '[':
				if next := nextNonSpace(s, i+1); next == '{' {
					depth, start = 1, i
				}
			}
		}
		if depth == 0 {
			return spans, malformed
		}
		i, depth, start, inString, escape = start+1, 0, -1, false, false
	}
}

func nextNonSpace(s string, i int) byte {
	for ; i < len(s); i++ {
		switch s[i] {
		case ' ', '\t', '\n', '\r':
			continue
		}
		return s[i]
	}
	return 0
}

func fromObject(obj map[string]any) ([]domain.ToolCall, map[string]any) {
	if raw, ok := obj["tool_calls"]; ok {
		var calls []domain.ToolCall
		if list, ok := raw.([]any); ok {
			for _, el := range list {
				if m, ok := el.(map[string]any); ok {
					if call, ok := asCall(m); ok {
						calls = append(calls, call)
					}
				}
			}
		}
		rest := make(map[string]any, len(obj))
		for k, v := range obj {
			if k != "tool_calls" {
				rest[k] = v
			}
		}
		if len(rest) == 0 {
			rest = nil
		}
		return calls, rest
	}
	if call, ok := asCall(obj); ok {
		return []domain.ToolCall{call}, nil
	}
	return nil, obj
}

func asCall(m map[string]any) (domain.ToolCall, bool) {
	if fn, ok := m["function"].(map[string]any); ok {
		return asCall(fn)
	}
	if tool, ok := m["tool"].(string); ok && strings.TrimSpace(tool) != "" {
		args, found := argsOf(m)
		if !found {
			args = map[string]any{}
			for k, v := range m {
				if k != "tool" {
					args[k] = v
				}
			}
		}
		return domain.ToolCall{Tool: strings.TrimSpace(tool), Args: args}, true
	}
	if name, ok := m["name"].(string); ok && strings.TrimSpace(name) != "" {
		if args, found := argsOf(m); found {
			return domain.ToolCall{Tool: strings.TrimSpace(name), Args: args}, true
		}
	}
	return domain.ToolCall{}, false
}

func argsOf(m map[string]any) (map[string]any, bool) {
	for _, key := range []string{"args", "arguments", "parameters", "input"} {
		raw, ok := m[key]
		if !ok {
			continue
		}
		switch v := raw.(type) {
		case map[string]any:
			return v, true
		case string:
			var decoded map[string]any
			if err := json.Unmarshal([]byte(v), &decoded); err == nil {
				return decoded, true
			}
			return map[string]any{}, true
		case nil:
			return map[string]any{}, true
		}
	}
	return nil, false
}

func residue(raw string, spans []Span) string {
	var b strings.Builder
	last := 0
	for _, sp := range spans {
		b.WriteString(raw[last:sp.Start])
		b.WriteByte('\n')
		last = sp.End
	}
	b.WriteString(raw[last:])
	out := fenceLine.ReplaceAllString(b.String(), "")
	lines := strings.Split(out, "\n")
	kept := lines[:0]
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			kept = append(kept, strings.TrimRight(l, " \t\r"))
		}
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}
