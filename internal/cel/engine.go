// Package cel provides compilation and evaluation of policy-item
// condition expressions.
package cel

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Engine compiles condition expressions and caches the compiled programs
type Engine struct {
	env      *cel.Env
	programs sync.Map // map[string]cel.Program
}

// ConditionContext contains the variables available to a condition
type ConditionContext struct {
	User     string
	Groups   []string
	Roles    []string
	Resource map[string]interface{}
	Context  map[string]interface{}
}

// NewEngine creates a CEL engine with the condition variable set
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("user", cel.StringType),
		cel.Variable("groups", cel.ListType(cel.StringType)),
		cel.Variable("roles", cel.ListType(cel.StringType)),
		cel.Variable("resource", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("context", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{env: env}, nil
}

// Compile compiles an expression and caches the result
func (e *Engine) Compile(expr string) (cel.Program, error) {
	if prog, ok := e.programs.Load(expr); ok {
		return prog.(cel.Program), nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("condition compilation failed: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("condition must return boolean, got %v", ast.OutputType())
	}

	prog, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("condition program creation failed: %w", err)
	}

	e.programs.Store(expr, prog)
	return prog, nil
}

// Evaluate evaluates a compiled program against the condition context
func (e *Engine) Evaluate(prog cel.Program, ctx *ConditionContext) (bool, error) {
	groups := ctx.Groups
	if groups == nil {
		groups = []string{}
	}
	roles := ctx.Roles
	if roles == nil {
		roles = []string{}
	}

	vars := map[string]interface{}{
		"user":     ctx.User,
		"groups":   groups,
		"roles":    roles,
		"resource": ctx.Resource,
		"context":  ctx.Context,
	}
	if vars["resource"] == nil {
		vars["resource"] = map[string]interface{}{}
	}
	if vars["context"] == nil {
		vars["context"] = map[string]interface{}{}
	}

	result, _, err := prog.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("condition evaluation failed: %w", err)
	}

	if boolVal, ok := result.Value().(bool); ok {
		return boolVal, nil
	}

	return false, fmt.Errorf("condition did not return boolean")
}

// EvaluateExpression compiles and evaluates an expression in one call
func (e *Engine) EvaluateExpression(expr string, ctx *ConditionContext) (bool, error) {
	prog, err := e.Compile(expr)
	if err != nil {
		return false, err
	}
	return e.Evaluate(prog, ctx)
}

// ClearCache clears the compiled program cache
func (e *Engine) ClearCache() {
	e.programs = sync.Map{}
}
