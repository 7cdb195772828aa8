package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"unicode/utf8"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"

	"github.com/lyzr/chatflow/cmd/engine/registry"
	"github.com/lyzr/chatflow/cmd/engine/schema"
)

func codeSchema() registry.NodeSchema {
	return registry.NodeSchema{
		Type:         schema.TypeCode,
		Label:        "Code",
		Icon:         "code",
		Configurable: true,
		ConfigSchema: map[string]any{
			"expression": map[string]any{"type": "string", "required": true},
		},
		Outputs: []schema.Port{
			out("result", schema.PortAny),
		},
	}
}

type codeConfig struct {
	Expression string `json:"expression"`
}

// codeNode evaluates one CEL expression over the node's resolved
// inputs. There is no arbitrary code execution; the expression language
// covers arithmetic, field access, and a small intrinsic library.
type codeNode struct {
	id     string
	cfg    codeConfig
	inputs []schema.Port
	prg    cel.Program
}

func newCode(node *schema.Node) (registry.Handler, error) {
	n := &codeNode{id: node.ID, inputs: node.Ports.Inputs}
	if err := decodeConfig(node, &n.cfg); err != nil {
		return nil, err
	}
	if n.cfg.Expression == "" {
		return n, nil
	}

	prg, err := compileExpression(n.cfg.Expression, n.inputs)
	if err != nil {
		return nil, fmt.Errorf("code node %s: %w", node.ID, err)
	}
	n.prg = prg
	return n, nil
}

func compileExpression(expr string, inputs []schema.Port) (cel.Program, error) {
	opts := []cel.EnvOption{
		cel.Function("length",
			cel.Overload("length_dyn", []*cel.Type{cel.DynType}, cel.IntType,
				cel.UnaryBinding(intrinsicLength))),
		cel.Function("concat",
			cel.Overload("concat_string_string", []*cel.Type{cel.StringType, cel.StringType}, cel.StringType,
				cel.BinaryBinding(func(a, b ref.Val) ref.Val {
					return types.String(fmt.Sprintf("%v%v", a.Value(), b.Value()))
				}))),
		cel.Function("substring",
			cel.Overload("substring_string_int_int", []*cel.Type{cel.StringType, cel.IntType, cel.IntType}, cel.StringType,
				cel.FunctionBinding(intrinsicSubstring))),
		cel.Function("lower",
			cel.Overload("lower_string", []*cel.Type{cel.StringType}, cel.StringType,
				cel.UnaryBinding(func(v ref.Val) ref.Val {
					return types.String(strings.ToLower(v.Value().(string)))
				}))),
		cel.Function("upper",
			cel.Overload("upper_string", []*cel.Type{cel.StringType}, cel.StringType,
				cel.UnaryBinding(func(v ref.Val) ref.Val {
					return types.String(strings.ToUpper(v.Value().(string)))
				}))),
		cel.Function("json_parse",
			cel.Overload("json_parse_string", []*cel.Type{cel.StringType}, cel.DynType,
				cel.UnaryBinding(intrinsicJSONParse))),
		cel.Function("json_stringify",
			cel.Overload("json_stringify_dyn", []*cel.Type{cel.DynType}, cel.StringType,
				cel.UnaryBinding(intrinsicJSONStringify))),
	}
	for _, port := range inputs {
		opts = append(opts, cel.Variable(port.Name, cel.DynType))
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create expression env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("expression compilation error: %w", issues.Err())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create expression program: %w", err)
	}
	return prg, nil
}

func intrinsicLength(v ref.Val) ref.Val {
	if s, ok := v.Value().(string); ok {
		return types.Int(utf8.RuneCountInString(s))
	}
	if sized, ok := v.(traits.Sizer); ok {
		return sized.Size()
	}
	return types.NewErr("length: unsupported type %v", v.Type())
}

func intrinsicSubstring(args ...ref.Val) ref.Val {
	s, ok := args[0].Value().(string)
	if !ok {
		return types.NewErr("substring: first argument must be a string")
	}
	start, _ := args[1].Value().(int64)
	end, _ := args[2].Value().(int64)

	runes := []rune(s)
	if start < 0 || end < start || end > int64(len(runes)) {
		return types.NewErr("substring: range [%d, %d) out of bounds", start, end)
	}
	return types.String(string(runes[start:end]))
}

func intrinsicJSONParse(v ref.Val) ref.Val {
	s, ok := v.Value().(string)
	if !ok {
		return types.NewErr("json_parse: argument must be a string")
	}
	var parsed any
	if err := json.Unmarshal([]byte(s), &parsed); err != nil {
		return types.NewErr("json_parse: %v", err)
	}
	return types.DefaultTypeAdapter.NativeToValue(parsed)
}

func intrinsicJSONStringify(v ref.Val) ref.Val {
	native, err := refToNative(v)
	if err != nil {
		return types.NewErr("json_stringify: %v", err)
	}
	encoded, err := json.Marshal(native)
	if err != nil {
		return types.NewErr("json_stringify: %v", err)
	}
	return types.String(string(encoded))
}

// refToNative unwraps a CEL value to plain Go. Lists and maps need an
// explicit conversion because their Value() may hold ref.Val elements.
func refToNative(v ref.Val) (any, error) {
	switch v.(type) {
	case traits.Lister:
		return v.ConvertToNative(reflect.TypeOf([]any{}))
	case traits.Mapper:
		return v.ConvertToNative(reflect.TypeOf(map[string]any{}))
	default:
		return v.Value(), nil
	}
}

func (n *codeNode) Execute(ctx context.Context, ec *registry.ExecutionContext, inputs map[string]any) (*registry.Result, error) {
	if n.prg == nil {
		return nil, fmt.Errorf("code node %s: expression is required", n.id)
	}

	activation := make(map[string]any, len(n.inputs))
	for _, port := range n.inputs {
		v, ok := inputs[port.Name]
		if !ok {
			if port.Required {
				return nil, fmt.Errorf("code node %s: required input %q missing", n.id, port.Name)
			}
			v = port.Default
		}
		activation[port.Name] = v
	}

	val, _, err := n.prg.Eval(activation)
	if err != nil {
		return nil, fmt.Errorf("code node %s: evaluation error: %w", n.id, err)
	}

	return &registry.Result{
		Outputs: map[string]any{"result": normalizeCELValue(val)},
	}, nil
}

// normalizeCELValue converts an evaluation result to plain JSON-shaped
// Go values so pool traversal and templating behave uniformly.
func normalizeCELValue(val ref.Val) any {
	native, err := refToNative(val)
	if err != nil {
		native = val.Value()
	}

	switch tv := native.(type) {
	case int64:
		return float64(tv)
	case uint64:
		return float64(tv)
	case string, bool, float64, nil, []any, map[string]any:
		return tv
	default:
		encoded, err := json.Marshal(tv)
		if err != nil {
			return fmt.Sprintf("%v", tv)
		}
		var decoded any
		if err := json.Unmarshal(encoded, &decoded); err != nil {
			return string(encoded)
		}
		return decoded
	}
}

func (n *codeNode) ValidateStatic() error {
	if n.cfg.Expression == "" {
		return fmt.Errorf("code node %s: expression is required", n.id)
	}
	return nil
}

func (n *codeNode) Schema() registry.NodeSchema {
	s := codeSchema()
	s.Inputs = n.inputs
	return s
}
