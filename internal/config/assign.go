package config

import (
	"fmt"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// Tuple is a parenthesised sequence in an assignment string.
type Tuple []any

// Slice is the value of slice(start, stop[, step]).
type Slice struct {
	Start, Stop, Step int
}

// Indices expands the slice into indices for a sequence of length n.
func (s Slice) Indices(n int) []int {
	step := s.Step
	if step == 0 {
		step = 1
	}
	start, stop := clampIndex(s.Start, n), clampIndex(s.Stop, n)
	var out []int
	for i := start; (step > 0 && i < stop) || (step < 0 && i > stop); i += step {
		out = append(out, i)
	}
	return out
}

func clampIndex(i, n int) int {
	if i < 0 {
		i += n
	}
	return max(0, min(i, n))
}

// sliceValue carries a Slice through the interpreter.
type sliceValue struct{ s Slice }

func (v sliceValue) String() string {
	return fmt.Sprintf("slice(%d, %d, %d)", v.s.Start, v.s.Stop, v.s.Step)
}
func (v sliceValue) Type() string          { return "slice" }
func (v sliceValue) Freeze()               {}
func (v sliceValue) Truth() starlark.Bool  { return starlark.True }
func (v sliceValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: slice") }

// predeclared holds the only function an assignment may call besides the
// interpreter's pure universe functions.
var predeclared = starlark.StringDict{
	"slice": starlark.NewBuiltin("slice", callSlice),
}

// ParseAssigns evaluates semicolon separated assignments of literals, such
// as "scans='track'; channels=slice(0,4096); a,b=[1,2]", into a map.
// Values are strings, ints, float64s, bools, nil, []any lists, Tuples and
// Slices.
func ParseAssigns(src string) (map[string]any, error) {
	vars := map[string]any{}
	src = strings.TrimSpace(src)
	if src == "" {
		return vars, nil
	}
	f, err := syntax.Parse("assignments", src, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: '%s': %v", ErrInvalid, src, err)
	}
	for i, stmt := range f.Stmts {
		if a, ok := stmt.(*syntax.AssignStmt); !ok || a.Op != syntax.EQ {
			return nil, fmt.Errorf("%w: statement %d in '%s' is not a variable assignment", ErrInvalid, i, src)
		}
	}

	thread := &starlark.Thread{Name: "assignments", Print: func(*starlark.Thread, string) {}}
	globals, err := starlark.ExecFile(thread, "assignments", src, predeclared)
	if err != nil {
		return nil, fmt.Errorf("%w: '%s': %v", ErrInvalid, src, err)
	}
	for name, v := range globals {
		g, err := toGo(v)
		if err != nil {
			return nil, fmt.Errorf("%w: '%s' in '%s': %v", ErrInvalid, name, src, err)
		}
		vars[name] = g
	}
	return vars, nil
}

func toGo(v starlark.Value) (any, error) {
	switch v := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(v), nil
	case starlark.Int:
		i, ok := v.Int64()
		if !ok {
			return nil, fmt.Errorf("integer %s out of range", v)
		}
		return int(i), nil
	case starlark.Float:
		return float64(v), nil
	case starlark.String:
		return string(v), nil
	case sliceValue:
		return v.s, nil
	case starlark.Tuple:
		return toGoSeq(v)
	case *starlark.List:
		elems := make(starlark.Tuple, v.Len())
		for i := range elems {
			elems[i] = v.Index(i)
		}
		t, err := toGoSeq(elems)
		return []any(t), err
	}
	return nil, fmt.Errorf("%s is not a literal", v.Type())
}

func toGoSeq(elems starlark.Tuple) (Tuple, error) {
	out := make(Tuple, len(elems))
	for i, e := range elems {
		g, err := toGo(e)
		if err != nil {
			return nil, err
		}
		out[i] = g
	}
	return out, nil
}

func callSlice(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, fmt.Errorf("%s: unexpected keyword arguments", b.Name())
	}
	ints := make([]int, len(args))
	for i, a := range args {
		n, ok := a.(starlark.Int)
		if !ok {
			return nil, fmt.Errorf("%s argument %d is %s, want int", b.Name(), i+1, a.Type())
		}
		v, err := starlark.AsInt32(n)
		if err != nil {
			return nil, err
		}
		ints[i] = v
	}
	switch len(ints) {
	case 1:
		return sliceValue{Slice{Stop: ints[0], Step: 1}}, nil
	case 2:
		return sliceValue{Slice{Start: ints[0], Stop: ints[1], Step: 1}}, nil
	case 3:
		if ints[2] == 0 {
			return nil, fmt.Errorf("%s step cannot be zero", b.Name())
		}
		return sliceValue{Slice{Start: ints[0], Stop: ints[1], Step: ints[2]}}, nil
	}
	return nil, fmt.Errorf("%s expects 1 to 3 arguments, got %d", b.Name(), len(ints))
}
