package cel

import (
	"github.com/google/cel-go/cel"
)

// newShieldEnvironment declares the variables visible to a rule's
// when.expr clause: the call being checked and a read-only view of
// the calling session's accumulated state.
func newShieldEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("tool", cel.StringType),
		cel.Variable("sender", cel.StringType),
		cel.Variable("args", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("session", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("context", cel.MapType(cel.StringType, cel.DynType)),
	)
}

// Activation is the per-call variable binding passed to Evaluator.Evaluate.
type Activation struct {
	Tool    string
	Sender  string
	Args    map[string]any
	Session map[string]any
	Context map[string]any
}

func (a Activation) toMap() map[string]any {
	return map[string]any{
		"tool":    a.Tool,
		"sender":  a.Sender,
		"args":    orEmpty(a.Args),
		"session": orEmpty(a.Session),
		"context": orEmpty(a.Context),
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
