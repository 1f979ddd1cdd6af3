package onboarding

// TransitionOptions qualify IsValidTransition.
type TransitionOptions struct {
	// FreePlan removes Payment from the canonical path.
	FreePlan bool

	// AdminOverride permits any transition, including regression from Complete.
	AdminOverride bool
}

var (
	paidPath = []Step{NotStarted, BusinessInfo, Subscription, Payment, Setup, Complete}
	freePath = []Step{NotStarted, BusinessInfo, Subscription, Setup, Complete}
)

// Path returns the canonical step ordering for a plan.
func Path(freePlan bool) []Step {
	if freePlan {
		return append([]Step(nil), freePath...)
	}
	return append([]Step(nil), paidPath...)
}

func ordinal(path []Step, s Step) int {
	for i, step := range path {
		if step == s {
			return i
		}
	}
	return -1
}

// IsValidTransition reports whether moving from current to next is allowed:
// next may be at most one step ahead on the canonical path, and Complete never
// regresses without an administrative override.
func IsValidTransition(current, next Step, opts TransitionOptions) bool {
	if opts.AdminOverride {
		return true
	}
	if current == Complete {
		return next == Complete
	}

	path := Path(opts.FreePlan)
	cur, nxt := ordinal(path, current), ordinal(path, next)
	if cur < 0 || nxt < 0 {
		return false
	}

	return nxt <= cur+1
}

// Previous returns the step one behind s on the canonical path.
// The second result is false for the first step or a step not on the path.
func Previous(s Step, freePlan bool) (Step, bool) {
	path := Path(freePlan)
	i := ordinal(path, s)
	if i <= 0 {
		return NotStarted, false
	}
	return path[i-1], true
}
