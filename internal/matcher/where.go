package matcher

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// WhereCompiler compiles where clauses. The only variable is `doc`, the
// document as a map.
type WhereCompiler struct {
	env *cel.Env
}

// NewWhereCompiler creates a compiler with the standard environment.
func NewWhereCompiler() (*WhereCompiler, error) {
	env, err := cel.NewEnv(
		cel.Variable("doc", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &WhereCompiler{env: env}, nil
}

// Compile compiles a boolean CEL expression.
func (c *WhereCompiler) Compile(expr string) (cel.Program, error) {
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWhere, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) && !ast.OutputType().IsExactType(cel.DynType) {
		return nil, fmt.Errorf("%w: result type is %s, want bool", ErrInvalidWhere, ast.OutputType())
	}

	prg, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWhere, err)
	}
	return prg, nil
}

// Evaluate runs prg against doc. A nil program matches everything. An
// evaluation error, such as a missing field, counts as no match.
func Evaluate(prg cel.Program, doc map[string]interface{}) (bool, error) {
	if prg == nil {
		return true, nil
	}

	out, _, err := prg.Eval(map[string]interface{}{
		"doc": doc,
	})
	if err != nil {
		return false, nil
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL result is not boolean: %T", out.Value())
	}
	return result, nil
}
