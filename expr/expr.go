// Package expr evaluates script predicates and value expressions against
// execution variables. Expressions are written in the script dialect
// (=, <>, AND, OR, NOT) and run inside a sandboxed Lua VM with only the
// base, string, table and math libraries opened.
package expr

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// Options configure an Evaluator.
type Options struct {
	// Timeout bounds a single evaluation. Zero disables the bound.
	Timeout time.Duration
}

// Evaluator runs expressions in a fresh sandboxed Lua state per call.
type Evaluator struct {
	opts Options
}

// New constructs an Evaluator with optional overrides.
func New(optFns ...func(o *Options)) *Evaluator {
	opts := Options{Timeout: time.Second}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Evaluator{opts: opts}
}

// Bool evaluates predicate and applies Lua truthiness to the result.
func (e *Evaluator) Bool(ctx context.Context, predicate string, vars map[string]any) (bool, error) {
	v, err := e.eval(ctx, predicate, vars)
	if err != nil {
		return false, err
	}
	return lua.LVAsBool(v), nil
}

// Value evaluates expression and converts the result to a Go value
// (nil, bool, float64, string, []any or map[string]any).
func (e *Evaluator) Value(ctx context.Context, expression string, vars map[string]any) (any, error) {
	v, err := e.eval(ctx, expression, vars)
	if err != nil {
		return nil, err
	}
	return fromLua(v), nil
}

func (e *Evaluator) eval(ctx context.Context, expression string, vars map[string]any) (lua.LValue, error) {
	src := strings.TrimSpace(expression)
	if src == "" {
		return nil, fmt.Errorf("empty expression")
	}
	if e.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	openSafeLibs(L)
	L.SetContext(ctx)

	for name, v := range vars {
		if isIdentifier(name) {
			L.SetGlobal(name, toLua(L, v))
		}
	}

	if err := L.DoString("return (" + Translate(src) + ")"); err != nil {
		return nil, fmt.Errorf("evaluate %q: %w", expression, err)
	}
	return L.Get(-1), nil
}

func openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)
	for _, name := range []string{"loadfile", "dofile", "load", "loadstring", "print", "require", "collectgarbage"} {
		L.SetGlobal(name, lua.LNil)
	}
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	if tbl, ok := L.GetGlobal("math").(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

var identRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var luaKeywords = map[string]bool{
	"and": true, "break": true, "do": true, "else": true, "elseif": true, "end": true,
	"false": true, "for": true, "function": true, "goto": true, "if": true, "in": true,
	"local": true, "nil": true, "not": true, "or": true, "repeat": true, "return": true,
	"then": true, "true": true, "until": true, "while": true,
}

func isIdentifier(name string) bool {
	return identRE.MatchString(name) && !luaKeywords[name]
}

var wordOps = map[string]string{
	"AND": "and", "OR": "or", "NOT": "not",
	"TRUE": "true", "FALSE": "false", "NULL": "nil", "NIL": "nil",
}

// Translate rewrites script operators into Lua syntax, leaving string
// literals untouched.
func Translate(src string) string {
	var b strings.Builder
	n := len(src)
	for i := 0; i < n; i++ {
		c := src[i]
		switch {
		case c == '"' || c == '\'':
			j := i + 1
			for j < n && src[j] != c {
				if src[j] == '\\' {
					j++
				}
				j++
			}
			if j >= n {
				j = n - 1
			}
			b.WriteString(src[i : j+1])
			i = j
		case c == '<' && i+1 < n && src[i+1] == '>':
			b.WriteString("~=")
			i++
		case c == '!' && i+1 < n && src[i+1] == '=':
			b.WriteString("~=")
			i++
		case c == '&' && i+1 < n && src[i+1] == '&':
			b.WriteString(" and ")
			i++
		case c == '|' && i+1 < n && src[i+1] == '|':
			b.WriteString(" or ")
			i++
		case c == '=':
			prev := byte(0)
			if i > 0 {
				prev = src[i-1]
			}
			if i+1 < n && src[i+1] == '=' {
				b.WriteString("==")
				i++
			} else if prev == '<' || prev == '>' || prev == '~' {
				b.WriteByte('=')
			} else {
				b.WriteString("==")
			}
		case isWordStart(c):
			j := i
			for j < n && isWordPart(src[j]) {
				j++
			}
			word := src[i:j]
			if op, ok := wordOps[strings.ToUpper(word)]; ok && !strings.ContainsRune(word, '.') {
				b.WriteString(op)
			} else {
				b.WriteString(word)
			}
			i = j - 1
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func isWordStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isWordPart(c byte) bool {
	return isWordStart(c) || (c >= '0' && c <= '9') || c == '.'
}

func toLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		tbl := L.NewTable()
		for i, item := range val {
			L.SetTable(tbl, lua.LNumber(i+1), toLua(L, item))
		}
		return tbl
	case []string:
		tbl := L.NewTable()
		for i, item := range val {
			L.SetTable(tbl, lua.LNumber(i+1), lua.LString(item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range val {
			L.SetField(tbl, k, toLua(L, item))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

func fromLua(v lua.LValue) any {
	switch val := v.(type) {
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	case *lua.LTable:
		if n := val.Len(); n > 0 {
			out := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				out = append(out, fromLua(val.RawGetInt(i)))
			}
			return out
		}
		out := map[string]any{}
		val.ForEach(func(k, item lua.LValue) {
			out[k.String()] = fromLua(item)
		})
		return out
	default:
		return nil
	}
}

// String renders a value the way scripts compare and print it: integral
// numbers without a fraction, nil as the empty string.
func String(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case []any:
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = String(item)
		}
		return strings.Join(parts, ", ")
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + "=" + String(val[k])
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprintf("%v", val)
	}
}

var placeholderRE = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_.]*)\}`)

// Interpolate replaces ${name} placeholders with variable values. Dotted
// names index into nested maps. Unknown names render empty.
func Interpolate(text string, vars map[string]any) string {
	return placeholderRE.ReplaceAllStringFunc(text, func(m string) string {
		path := strings.Split(placeholderRE.FindStringSubmatch(m)[1], ".")
		var cur any = vars
		for _, p := range path {
			mm, ok := cur.(map[string]any)
			if !ok {
				return ""
			}
			cur = mm[p]
		}
		return String(cur)
	})
}
