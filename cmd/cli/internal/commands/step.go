package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/wolfeidau/tenantgate/internal/onboarding"
)

type StepCmd struct {
	BusinessInfo bool   `help:"Business information is complete"`
	Subscription bool   `help:"Subscription is chosen"`
	Payment      bool   `help:"Payment is complete"`
	Setup        bool   `help:"Setup is complete"`
	Plan         string `help:"Subscription plan (free or paid)" default:""`
	HasTenant    bool   `help:"A tenant is already bound"`

	From string `help:"Current step; reports whether moving to the derived step is allowed" default:""`
}

func (s *StepCmd) Run(ctx context.Context) error {
	out, err := s.describe()
	if err != nil {
		return err
	}
	fmt.Print(out)
	return nil
}

func (s *StepCmd) describe() (string, error) {
	flags := onboarding.Flags{
		BusinessInfo: s.BusinessInfo,
		Subscription: s.Subscription,
		Payment:      s.Payment,
		Setup:        s.Setup,
		Plan:         s.Plan,
		HasTenant:    s.HasTenant,
	}
	step := onboarding.DetermineStep(flags)

	var b strings.Builder
	fmt.Fprintf(&b, "Step: %s\n", step)

	path := make([]string, 0, 6)
	for _, p := range onboarding.Path(flags.FreePlan()) {
		path = append(path, p.String())
	}
	fmt.Fprintf(&b, "Path: %s\n", strings.Join(path, " -> "))

	if s.From != "" {
		from, ok := onboarding.ParseStep(s.From)
		if !ok {
			return "", fmt.Errorf("unknown step %q", s.From)
		}
		allowed := onboarding.IsValidTransition(from, step, onboarding.TransitionOptions{FreePlan: flags.FreePlan()})
		fmt.Fprintf(&b, "Transition %s -> %s allowed: %t\n", from, step, allowed)
	}

	return b.String(), nil
}
