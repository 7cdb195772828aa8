// Package template renders "{{ selector }}" templates against the
// variable pool. Parsing is a single left-to-right scan; literal braces
// are escaped as \{\{ and \}\}.
package template

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/lyzr/chatflow/cmd/engine/schema"
)

// Render failure reasons
const (
	ReasonUnterminated       = "unterminated"
	ReasonInvalidSelector    = "invalid_selector"
	ReasonUnresolvedSelector = "unresolved_selector"
)

// RenderError reports a template failure with the byte position of the
// offending segment.
type RenderError struct {
	Reason   string
	Position int
	Selector string
}

func (e *RenderError) Error() string {
	if e.Selector != "" {
		return fmt.Sprintf("template render failed at %d: %s (%s)", e.Position, e.Reason, e.Selector)
	}
	return fmt.Sprintf("template render failed at %d: %s", e.Position, e.Reason)
}

// Resolver supplies selector values; satisfied by pool.Pool
type Resolver interface {
	Resolve(selector string) (any, bool)
}

type segment struct {
	literal  string
	selector string
	position int
}

// scan splits a template into literal and selector segments
func scan(tmpl string) ([]segment, error) {
	var segments []segment
	var literal strings.Builder

	i := 0
	for i < len(tmpl) {
		// Escaped braces
		if strings.HasPrefix(tmpl[i:], `\{\{`) {
			literal.WriteString("{{")
			i += 4
			continue
		}
		if strings.HasPrefix(tmpl[i:], `\}\}`) {
			literal.WriteString("}}")
			i += 4
			continue
		}

		if strings.HasPrefix(tmpl[i:], "{{") {
			end := strings.Index(tmpl[i+2:], "}}")
			if end < 0 {
				return nil, &RenderError{Reason: ReasonUnterminated, Position: i}
			}

			raw := strings.TrimSpace(tmpl[i+2 : i+2+end])
			if _, err := schema.ParseSelector(raw); err != nil {
				return nil, &RenderError{Reason: ReasonInvalidSelector, Position: i, Selector: raw}
			}

			if literal.Len() > 0 {
				segments = append(segments, segment{literal: literal.String()})
				literal.Reset()
			}
			segments = append(segments, segment{selector: raw, position: i})
			i += 2 + end + 2
			continue
		}

		literal.WriteByte(tmpl[i])
		i++
	}

	if literal.Len() > 0 {
		segments = append(segments, segment{literal: literal.String()})
	}
	return segments, nil
}

// Render resolves and stringifies every selector in the template
func Render(tmpl string, resolver Resolver) (string, error) {
	segments, err := scan(tmpl)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	for _, seg := range segments {
		if seg.selector == "" {
			out.WriteString(seg.literal)
			continue
		}

		value, found := resolver.Resolve(seg.selector)
		if !found {
			return "", &RenderError{
				Reason:   ReasonUnresolvedSelector,
				Position: seg.position,
				Selector: seg.selector,
			}
		}
		out.WriteString(Stringify(value))
	}
	return out.String(), nil
}

// Parse returns the selectors of a template without rendering; the
// validator uses it for template-coverage checks.
func Parse(tmpl string) ([]string, error) {
	segments, err := scan(tmpl)
	if err != nil {
		return nil, err
	}

	var selectors []string
	for _, seg := range segments {
		if seg.selector != "" {
			selectors = append(selectors, seg.selector)
		}
	}
	return selectors, nil
}

// TrivialSelector reports whether the template is exactly one
// "{{ selector }}" with no literal text. The answer handler uses this
// to pass streamed upstream tokens straight through.
func TrivialSelector(tmpl string) (string, bool) {
	segments, err := scan(tmpl)
	if err != nil || len(segments) != 1 || segments[0].selector == "" {
		return "", false
	}
	return segments[0].selector, true
}

// Stringify coerces a pool value to its template string form. Maps are
// rendered as canonical JSON with sorted keys so rendering is
// deterministic.
func Stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	default:
		return canonicalJSON(value)
	}
}

// canonicalJSON marshals with sorted keys at every level. encoding/json
// already sorts map[string]any keys; normalize through a decode cycle
// so struct values get the same treatment.
func canonicalJSON(value any) string {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprintf("%v", value)
	}

	var decoded any
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		return string(encoded)
	}

	normalized, err := json.Marshal(sortValue(decoded))
	if err != nil {
		return string(encoded)
	}
	return string(normalized)
}

func sortValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(tv))
		for k := range tv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sorted := make(map[string]any, len(tv))
		for _, k := range keys {
			sorted[k] = sortValue(tv[k])
		}
		return sorted
	case []any:
		for i := range tv {
			tv[i] = sortValue(tv[i])
		}
		return tv
	default:
		return v
	}
}
