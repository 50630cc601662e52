// Package cel provides the optional CEL-based evaluator for a rule's
// when.expr clause. It is an additive escape hatch: the declarative
// predicate chain in internal/domain/matcher always runs, and expr is
// one more condition ANDed into it, never a replacement for it.
package cel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
)

// maxExpressionLength bounds an operator-supplied expr clause.
const maxExpressionLength = 1024

// maxCostBudget limits CEL runtime cost to prevent cost-exhaustion DoS.
const maxCostBudget = 100_000

// maxNestingDepth bounds parenthesis/bracket nesting depth.
const maxNestingDepth = 50

// evalTimeout bounds a single evaluation.
const evalTimeout = 250 * time.Millisecond

// interruptCheckFreq is how often, in comprehension iterations, context
// cancellation is checked.
const interruptCheckFreq = 100

// Evaluator compiles and evaluates CEL expressions against a tool call.
type Evaluator struct {
	env *cel.Env
}

// NewEvaluator builds an Evaluator with the shield expression environment.
func NewEvaluator() (*Evaluator, error) {
	env, err := newShieldEnvironment()
	if err != nil {
		return nil, fmt.Errorf("failed to create expr environment: %w", err)
	}
	return &Evaluator{env: env}, nil
}

// Compile parses and type-checks an expression, returning a runnable program.
func (e *Evaluator) Compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}

	prg, err := e.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation failed: %w", err)
	}
	return prg, nil
}

// validateNesting rejects expressions with unreasonably deep bracket nesting.
func validateNesting(expr string) error {
	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > maxNestingDepth {
		return fmt.Errorf("expression nesting too deep: %d levels (max %d)", maxDepth, maxNestingDepth)
	}
	return nil
}

// ValidateExpression checks that expr is syntactically valid and safe,
// without running it. Used at rule-load time to fail fast on bad rules.
func (e *Evaluator) ValidateExpression(expr string) error {
	if expr == "" {
		return errors.New("expression is empty")
	}
	if len(expr) > maxExpressionLength {
		return fmt.Errorf("expression too long: %d characters (max %d)", len(expr), maxExpressionLength)
	}
	if err := validateNesting(expr); err != nil {
		return err
	}
	_, err := e.Compile(expr)
	if err != nil {
		return fmt.Errorf("invalid expression: %w", err)
	}
	return nil
}

// Evaluate runs a compiled program against one tool call's variables.
// Returns an error if the expression does not evaluate to a bool.
func (e *Evaluator) Evaluate(prg cel.Program, vars Activation) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), evalTimeout)
	defer cancel()

	result, _, err := prg.ContextEval(ctx, vars.toMap())
	if err != nil {
		return false, fmt.Errorf("evaluation failed: %w", err)
	}

	boolResult, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression did not return a boolean, got %T", result.Value())
	}
	return boolResult, nil
}
