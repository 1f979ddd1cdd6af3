package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wolfeidau/tenantgate/internal/autherr"
	"github.com/wolfeidau/tenantgate/internal/onboarding"
	"github.com/wolfeidau/tenantgate/internal/tenant"
	"github.com/wolfeidau/tenantgate/internal/tokens"
)

type ResolveCmd struct {
	ConfigFlags `embed:""`

	IDToken string `help:"ID token from the identity provider" required:"" env:"TENANTGATE_ID_TOKEN"`
	Bind    bool   `help:"Create and bind a tenant when the user has none"`
	Name    string `help:"Tenant name for --bind, derived from the identity when empty"`
}

func (r *ResolveCmd) Run(ctx context.Context, globals *Globals) error {
	setupLogger(globals)

	cfg, err := r.load()
	if err != nil {
		return err
	}

	backend, err := newBackendClient(cfg, globals.Version)
	if err != nil {
		return err
	}

	if _, err := backend.SignIn(ctx, r.IDToken); err != nil {
		return fmt.Errorf("failed to sign in: %w", err)
	}

	// claims only, the backend verified the token at sign in
	identity, err := (&tokens.Set{IDToken: r.IDToken}).Identity()
	if err != nil {
		return err
	}

	resolver := tenant.NewResolver(backend, tenant.Config{
		Policy:  cfg.RetryPolicy(),
		Breaker: cfg.NewBreaker("tenant-directory"),
	})

	res, err := resolver.Resolve(ctx, *identity)
	if err != nil {
		if code, ok := autherr.SupportCode(err); ok {
			return fmt.Errorf("tenant verification failed, quote support code %s: %w", code, err)
		}
		return err
	}

	if res.Binding == nil && r.Bind {
		name := strings.TrimSpace(r.Name)
		if name == "" {
			name, _, _ = onboarding.Resolve(onboarding.Attributes(identity.Attributes), onboarding.BusinessNameSources...)
		}
		if name == "" {
			return errors.New("tenant name could not be derived from the identity, use --name")
		}

		bound, err := backend.BindTenant(ctx, identity.Subject, name)
		if err != nil {
			return fmt.Errorf("failed to bind tenant: %w", err)
		}
		fmt.Printf("Bound tenant %s (%s)\n", bound.Name, bound.TenantID)

		if res, err = resolver.Resolve(ctx, *identity); err != nil {
			return err
		}
	}

	fmt.Printf("Subject:  %s\n", res.User.Subject)
	fmt.Printf("User ID:  %s\n", res.User.UserID)
	fmt.Printf("Created:  %t\n", res.Created)
	if res.Binding != nil {
		fmt.Printf("Tenant:   %s (verified %s)\n", res.Binding.TenantID, res.Binding.VerifiedAt.Format("2006-01-02 15:04:05"))
	} else {
		fmt.Println("Tenant:   none")
	}
	fmt.Printf("Step:     %s\n", res.Step)

	return nil
}
