package matcher

// RuleIndex provides O(1) candidate lookup by tool name: most rules
// name an exact tool and land in Exact; anything using a tool list,
// regex pattern, or no tool constraint at all falls into Wildcard and
// is tried against every call.
type RuleIndex struct {
	Exact    map[string][]CompiledRule
	Wildcard []CompiledRule
}

func buildIndex(rules []CompiledRule) *RuleIndex {
	idx := &RuleIndex{Exact: make(map[string][]CompiledRule)}
	for _, cr := range rules {
		switch {
		case len(cr.toolList) > 0:
			for _, t := range cr.toolList {
				idx.Exact[t] = append(idx.Exact[t], cr)
			}
		case cr.toolExact != "":
			idx.Exact[cr.toolExact] = append(idx.Exact[cr.toolExact], cr)
		default:
			idx.Wildcard = append(idx.Wildcard, cr)
		}
	}
	return idx
}

// candidates returns every rule that might match toolName: its exact
// bucket first, then every wildcard/regex rule, each group in original
// declaration order (ranking is applied by the caller over the merged set).
func (idx *RuleIndex) candidates(toolName string) []CompiledRule {
	exact := idx.Exact[toolName]
	if len(idx.Wildcard) == 0 {
		return exact
	}
	if len(exact) == 0 {
		return idx.Wildcard
	}
	out := make([]CompiledRule, 0, len(exact)+len(idx.Wildcard))
	out = append(out, exact...)
	out = append(out, idx.Wildcard...)
	return out
}
