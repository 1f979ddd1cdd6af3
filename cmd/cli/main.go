package main

import (
	"context"

	"github.com/alecthomas/kong"
	"github.com/wolfeidau/tenantgate/cmd/cli/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Watch   commands.WatchCmd   `cmd:"" help:"Sign in and watch the session, refreshing tokens as needed"`
		Resolve commands.ResolveCmd `cmd:"" help:"Resolve the signed-in identity to its user and tenant"`
		Step    commands.StepCmd    `cmd:"" help:"Print the onboarding step for a set of completion flags"`
		Config  commands.ConfigCmd  `cmd:"" help:"Print the effective configuration"`
		Debug   bool                `help:"Enable debug mode."`
		Version kong.VersionFlag
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
