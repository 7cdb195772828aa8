package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mapResolver resolves selectors from a fixed map
type mapResolver map[string]any

func (m mapResolver) Resolve(selector string) (any, bool) {
	v, ok := m[selector]
	return v, ok
}

func TestRender_LiteralAndSelectors(t *testing.T) {
	resolver := mapResolver{
		"sys.user_message": "파이썬이란?",
		"llm-1.response":   "고급 언어입니다.",
	}

	out, err := Render("질문: {{ sys.user_message }}\n답변: {{llm-1.response}}", resolver)
	require.NoError(t, err)
	assert.Equal(t, "질문: 파이썬이란?\n답변: 고급 언어입니다.", out)
}

func TestRender_EscapedBraces(t *testing.T) {
	out, err := Render(`literal \{\{ not a var \}\}`, mapResolver{})
	require.NoError(t, err)
	assert.Equal(t, "literal {{ not a var }}", out)
}

func TestRender_Coercion(t *testing.T) {
	resolver := mapResolver{
		"a.nil":    nil,
		"a.num":    float64(42),
		"a.frac":   1.5,
		"a.bool":   true,
		"a.arr":    []any{float64(1), "two"},
		"a.obj":    map[string]any{"b": float64(2), "a": float64(1)},
		"a.nested": map[string]any{"z": map[string]any{"y": "x"}, "a": []any{map[string]any{"k": "v"}}},
	}

	cases := []struct {
		tmpl string
		want string
	}{
		{"{{ a.nil }}", ""},
		{"{{ a.num }}", "42"},
		{"{{ a.frac }}", "1.5"},
		{"{{ a.bool }}", "true"},
		{"{{ a.arr }}", `[1,"two"]`},
		{"{{ a.obj }}", `{"a":1,"b":2}`},
		{"{{ a.nested }}", `{"a":[{"k":"v"}],"z":{"y":"x"}}`},
	}
	for _, tc := range cases {
		out, err := Render(tc.tmpl, resolver)
		require.NoError(t, err, tc.tmpl)
		assert.Equal(t, tc.want, out, tc.tmpl)
	}
}

func TestRender_Unterminated(t *testing.T) {
	_, err := Render("before {{ sys.user_message", mapResolver{})
	var rerr *RenderError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, ReasonUnterminated, rerr.Reason)
	assert.Equal(t, 7, rerr.Position)
}

func TestRender_InvalidSelector(t *testing.T) {
	_, err := Render("{{ a..b }}", mapResolver{})
	var rerr *RenderError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, ReasonInvalidSelector, rerr.Reason)
}

func TestRender_UnresolvedSelector(t *testing.T) {
	_, err := Render("hello {{ missing.port }}", mapResolver{})
	var rerr *RenderError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, ReasonUnresolvedSelector, rerr.Reason)
	assert.Equal(t, "missing.port", rerr.Selector)
}

func TestParse_ReturnsSelectors(t *testing.T) {
	selectors, err := Parse("{{ sys.user_message }} and {{ llm-1.response }} and {{ conv.stage }}")
	require.NoError(t, err)
	assert.Equal(t, []string{"sys.user_message", "llm-1.response", "conv.stage"}, selectors)

	selectors, err = Parse("no variables here")
	require.NoError(t, err)
	assert.Empty(t, selectors)
}

func TestTrivialSelector(t *testing.T) {
	sel, ok := TrivialSelector("{{ llm-1.response }}")
	require.True(t, ok)
	assert.Equal(t, "llm-1.response", sel)

	_, ok = TrivialSelector("prefix {{ llm-1.response }}")
	assert.False(t, ok)
	_, ok = TrivialSelector("{{ a.b }}{{ c.d }}")
	assert.False(t, ok)
	_, ok = TrivialSelector("just text")
	assert.False(t, ok)
}
