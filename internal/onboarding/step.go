// Package onboarding derives the onboarding step a user is on from the
// authoritative flags on their user/tenant record.
//
// The step is never stored; it is recomputed on every call from the record
// plus transient "just completed" signals supplied by the caller.
package onboarding

import (
	"strings"

	"github.com/wolfeidau/tenantgate/internal/models"
)

// Step is an ordered onboarding state.
type Step int

const (
	NotStarted Step = iota
	BusinessInfo
	Subscription
	Payment
	Setup
	Complete
)

var stepNames = map[Step]string{
	NotStarted:   "NOT_STARTED",
	BusinessInfo: "BUSINESS_INFO",
	Subscription: "SUBSCRIPTION",
	Payment:      "PAYMENT",
	Setup:        "SETUP",
	Complete:     "COMPLETE",
}

func (s Step) String() string {
	if name, ok := stepNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseStep parses a step name as produced by String (case-insensitive).
func ParseStep(name string) (Step, bool) {
	for step, n := range stepNames {
		if strings.EqualFold(n, name) {
			return step, true
		}
	}
	return NotStarted, false
}

// Flags are the completion markers a step is derived from.
type Flags struct {
	BusinessInfo bool
	Subscription bool
	Payment      bool
	Setup        bool

	// Plan is "free" or "paid". Anything other than free requires payment.
	Plan string

	// HasTenant wins over every other flag: a user with a tenant is complete.
	HasTenant bool
}

// FreePlan returns true if the payment step is skipped.
func (f Flags) FreePlan() bool {
	return strings.EqualFold(f.Plan, models.PlanFree)
}

// Signals are transient "just completed" markers from the calling UI layer.
// They only ever add completion; a false signal never clears a stored flag.
type Signals struct {
	BusinessInfoCompleted bool
	SubscriptionCompleted bool
	PaymentCompleted      bool
	SetupCompleted        bool
	Plan                  string
}

// DetermineStep maps flags to the next required step. The decision order is
// strict and short-circuiting. It never returns NotStarted.
func DetermineStep(f Flags) Step {
	switch {
	case f.HasTenant:
		return Complete
	case !f.BusinessInfo:
		return BusinessInfo
	case !f.Subscription:
		return Subscription
	case !f.FreePlan() && !f.Payment:
		return Payment
	case !f.Setup:
		return Setup
	default:
		return Complete
	}
}

// FlagsFor builds flags from a user record merged with transient signals.
func FlagsFor(user *models.UserRecord, signals Signals) Flags {
	f := Flags{
		BusinessInfo: signals.BusinessInfoCompleted,
		Subscription: signals.SubscriptionCompleted,
		Payment:      signals.PaymentCompleted,
		Setup:        signals.SetupCompleted,
		Plan:         signals.Plan,
	}
	if user == nil {
		return f
	}

	f.BusinessInfo = f.BusinessInfo || user.BusinessInfoCompleted
	f.Subscription = f.Subscription || user.SubscriptionCompleted
	f.Payment = f.Payment || user.PaymentCompleted
	f.Setup = f.Setup || user.SetupCompleted
	if f.Plan == "" {
		f.Plan = user.Plan
	}
	f.HasTenant = user.HasTenant()

	return f
}

// StepFor returns NotStarted when no user record exists yet, otherwise the
// step derived from the record and signals.
func StepFor(user *models.UserRecord, signals Signals) Step {
	if user == nil {
		return NotStarted
	}
	return DetermineStep(FlagsFor(user, signals))
}
