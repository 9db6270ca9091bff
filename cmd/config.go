// -- cmd/config.go --
package cmd

import (
	"bytes"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/viewpoint-mcp/internal/config"
)

const redacted = "REDACTED"

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Long:  "Print the configuration after defaults, config file, environment and flags are applied. Secrets are redacted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			out, err := renderConfig(cfg)
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), out)
			return err
		},
	}
}

func renderConfig(cfg *config.Config) (string, error) {
	c := *cfg
	if c.ServerCfg.APIKey != "" {
		c.ServerCfg.APIKey = redacted
	}
	if c.NetworkCfg.Proxy.Password != "" {
		c.NetworkCfg.Proxy.Password = redacted
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&c); err != nil {
		return "", fmt.Errorf("failed to encode configuration: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("failed to encode configuration: %w", err)
	}
	return buf.String(), nil
}
