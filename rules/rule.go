package rules

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator defines the interface for evaluating rule expressions.
type Evaluator interface {
	Evaluate(expression string, env map[string]interface{}) (bool, error)
}

// ExprEvaluator is an implementation of Evaluator using expr-lang/expr.
type ExprEvaluator struct {
	cache       map[string]*vm.Program
	mu          sync.RWMutex
	optionsFunc map[string]func(map[string]interface{}) interface{}
}

// NewExprEvaluator creates a new ExprEvaluator with an initialized cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache:       make(map[string]*vm.Program),
		optionsFunc: make(map[string]func(map[string]interface{}) interface{}),
	}
}

// AddOptionFunc registers a value derived from the env under name before each evaluation.
func (e *ExprEvaluator) AddOptionFunc(name string, f func(map[string]interface{}) interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.optionsFunc[name] = f
}

// Check compiles the expression without running it and reports syntax errors.
func (e *ExprEvaluator) Check(expression string) error {
	if _, err := expr.Compile(expression, expr.AsBool()); err != nil {
		return fmt.Errorf("invalid rule '%s': %w", expression, err)
	}
	return nil
}

// Evaluate evaluates the given expression against the provided env.
// The expression must evaluate to a boolean; otherwise, an error is returned.
// The caller's env is not modified.
func (e *ExprEvaluator) Evaluate(expression string, env map[string]interface{}) (bool, error) {
	e.mu.RLock()
	scope := make(map[string]interface{}, len(env)+len(e.optionsFunc))
	for k, v := range env {
		scope[k] = v
	}
	for k, f := range e.optionsFunc {
		scope[k] = f(env)
	}
	program, ok := e.cache[expression]
	e.mu.RUnlock()

	if !ok {
		e.mu.Lock()
		if program, ok = e.cache[expression]; !ok {
			var err error
			program, err = expr.Compile(expression, expr.Env(scope))
			if err != nil {
				e.mu.Unlock()
				return false, err
			}
			e.cache[expression] = program
		}
		e.mu.Unlock()
	}

	result, err := expr.Run(program, scope)
	if err != nil {
		return false, err
	}

	if boolResult, ok := result.(bool); ok {
		return boolResult, nil
	}
	return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", expression, result)
}
