package commands

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"
)

type ConfigCmd struct {
	ConfigFlags `embed:""`
}

func (c *ConfigCmd) Run(ctx context.Context) error {
	out, err := c.render()
	if err != nil {
		return err
	}
	fmt.Print(out)
	return nil
}

// render returns the effective config as YAML with secrets redacted.
func (c *ConfigCmd) render() (string, error) {
	cfg, err := c.load()
	if err != nil {
		return "", err
	}
	if cfg.OIDC.ClientSecret != "" {
		cfg.OIDC.ClientSecret = "REDACTED"
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("failed to encode config: %w", err)
	}
	return string(data), nil
}
