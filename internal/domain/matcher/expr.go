package matcher

// ExprVars is the variable binding passed to a compiled when.expr
// program: the call under evaluation plus read-only session/context
// views, mirroring what the declarative predicates see.
type ExprVars struct {
	Tool    string
	Sender  string
	Args    map[string]any
	Session map[string]any
	Context map[string]any
}

// ExprProgram is a compiled when.expr predicate.
type ExprProgram interface {
	Eval(vars ExprVars) (bool, error)
}

// ExprCompiler compiles a rule's when.expr clause into an ExprProgram.
// A nil ExprCompiler passed to NewMatcher means expr support isn't
// linked in; rules carrying a non-empty Expr then fail to compile
// (reported once, at load time) rather than silently matching.
type ExprCompiler interface {
	Compile(expression string) (ExprProgram, error)
}
