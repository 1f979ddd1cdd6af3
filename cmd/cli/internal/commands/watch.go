package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tenantgate/internal/session"
	"github.com/wolfeidau/tenantgate/internal/tokens"
)

type WatchCmd struct {
	ConfigFlags `embed:""`
	TokenFlags  `embed:""`

	Location  string `help:"Location to resume after re-authentication"`
	SignInURL string `help:"Sign-in URL printed when the session ends" default:""`
}

func (w *WatchCmd) Run(ctx context.Context, globals *Globals) error {
	setupLogger(globals)

	cfg, err := w.load()
	if err != nil {
		return err
	}

	backend, err := newBackendClient(cfg, globals.Version)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	status, err := backend.SignIn(ctx, w.IDToken)
	if err != nil {
		return fmt.Errorf("failed to sign in: %w", err)
	}
	fmt.Printf("Signed in as %s (%d active sessions)\n", status.Identity.Subject, status.ConcurrentSessions)

	cache, closeCache, err := newTokenCache(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeCache()

	manager, err := tokens.NewManager(tokens.ManagerConfig{
		Key:              status.Identity.Key(),
		Refresher:        backend,
		Cache:            cache,
		RefreshThreshold: cfg.Tokens.RefreshThreshold,
		MaxCacheTTL:      cfg.Tokens.MaxCacheTTL,
		Policy:           cfg.RetryPolicy(),
		Breaker:          cfg.NewBreaker("token-refresh"),
		OnTerminate: func(err error) {
			log.Warn().Err(err).Msg("Refresh token rejected, sign in again")
		},
		OnRefreshed: func(set *tokens.Set) {
			log.Debug().Time("expiry", set.Expiry).Msg("Tokens refreshed")
		},
	})
	if err != nil {
		return err
	}

	set, err := w.set(time.Now())
	if err != nil {
		return fmt.Errorf("invalid tokens: %w", err)
	}
	if err := manager.Seed(ctx, set); err != nil {
		return err
	}

	monitor, err := session.NewMonitor(cfg.MonitorConfig(), backend, manager)
	if err != nil {
		return err
	}
	monitor.SetLocation(w.Location)

	if err := monitor.Start(ctx); err != nil {
		return err
	}
	defer monitor.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("Received interrupt signal, shutting down...")
			return nil
		case ev, ok := <-monitor.Events():
			if !ok {
				return nil
			}
			printEvent(ev)
			if !ev.Terminal() {
				continue
			}
			if w.SignInURL != "" {
				target, err := session.SignInRedirect(w.SignInURL, ev)
				if err != nil {
					return err
				}
				fmt.Printf("Sign in again: %s\n", target)
			}
			return nil
		}
	}
}

func printEvent(ev session.Event) {
	line := fmt.Sprintf("%s  %s", ev.At.Format(time.RFC3339), ev)
	if ev.ConcurrentSessions > 0 {
		line += fmt.Sprintf(" sessions=%d", ev.ConcurrentSessions)
	}
	if ev.Err != nil {
		line += fmt.Sprintf(" error=%q", ev.Err)
	}
	fmt.Println(line)
}
