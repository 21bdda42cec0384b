package pennant

// resolver turns a flag snapshot and a context into a value. It layers rule
// matching on top of the condition evaluator and the bucketing function.
type resolver struct {
	conditions *conditionEvaluator
}

func newResolver(conditions *conditionEvaluator) *resolver {
	return &resolver{conditions: conditions}
}

// resolve applies the targeting algorithm:
//
//  1. A disabled flag yields its default, unconditionally.
//  2. Rules run in list order; the first rule whose conditions all match is
//     authoritative. A matching rule with a rollout percentage additionally
//     gates on the bucket for "<flagKey>:<ruleID>", so a single rule's
//     exposure can be dialed independently of the flag's overall exposure.
//  3. With no matching rule, a global rollout percentage admits subjects to
//     the default value; excluded subjects get the type-appropriate off
//     value, which distinguishes "flag default" from "excluded by rollout".
//  4. No global percentage: the default.
func (r *resolver) resolve(flag *Flag, evalCtx Context) (Value, string) {
	if !flag.Enabled {
		return flag.DefaultValue, "flag disabled"
	}

	for i := range flag.TargetingRules {
		rule := &flag.TargetingRules[i]
		if !r.ruleMatches(flag.Key, rule, evalCtx) {
			continue
		}
		if rule.RolloutPercentage != nil &&
			!IsInRollout(evalCtx.SubjectID, flag.Key+":"+rule.ID, *rule.RolloutPercentage) {
			// The rule is authoritative even when its gate excludes the
			// subject: later rules and the global rollout do not apply.
			return offValue(flag.ValueType), "excluded by rule rollout: " + rule.ID
		}
		return rule.Value, "matched rule: " + rule.ID
	}

	if flag.GlobalRolloutPercentage != nil {
		if IsInRollout(evalCtx.SubjectID, flag.Key, *flag.GlobalRolloutPercentage) {
			return flag.DefaultValue, "in global rollout"
		}
		return offValue(flag.ValueType), "excluded by global rollout"
	}

	return flag.DefaultValue, "default"
}

// ruleMatches reports whether every condition of the rule matches. An empty
// condition list always matches.
func (r *resolver) ruleMatches(flagKey string, rule *TargetingRule, evalCtx Context) bool {
	for _, cond := range rule.Conditions {
		if !r.conditions.evaluate(flagKey, cond, evalCtx) {
			return false
		}
	}
	return true
}
