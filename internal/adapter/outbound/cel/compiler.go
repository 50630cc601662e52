package cel

import (
	gocel "github.com/google/cel-go/cel"

	"github.com/policyshield/policyshield/internal/domain/matcher"
)

// Compiler adapts Evaluator to matcher.ExprCompiler so the declarative
// matcher can treat when.expr as one more injectable predicate without
// importing cel-go itself.
type Compiler struct {
	eval *Evaluator
}

// NewCompiler builds a Compiler. Wire its result into
// matcher.NewMatcher to enable when.expr support; pass nil instead to
// run without it.
func NewCompiler() (*Compiler, error) {
	eval, err := NewEvaluator()
	if err != nil {
		return nil, err
	}
	return &Compiler{eval: eval}, nil
}

// Compile implements matcher.ExprCompiler.
func (c *Compiler) Compile(expression string) (matcher.ExprProgram, error) {
	if err := c.eval.ValidateExpression(expression); err != nil {
		return nil, err
	}
	prg, err := c.eval.Compile(expression)
	if err != nil {
		return nil, err
	}
	return &program{eval: c.eval, prg: prg}, nil
}

type program struct {
	eval *Evaluator
	prg  gocel.Program
}

// Eval implements matcher.ExprProgram.
func (p *program) Eval(vars matcher.ExprVars) (bool, error) {
	return p.eval.Evaluate(p.prg, Activation{
		Tool:    vars.Tool,
		Sender:  vars.Sender,
		Args:    vars.Args,
		Session: vars.Session,
		Context: vars.Context,
	})
}
