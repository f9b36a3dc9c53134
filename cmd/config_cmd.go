package cmd

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/kvmbroker/internal/config"
	"github.com/nextlevelbuilder/kvmbroker/internal/credentials"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and manage configuration",
	}
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configPathCmd())
	cmd.AddCommand(configValidateCmd())
	cmd.AddCommand(configSealCmd())
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display the effective configuration (secrets redacted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(redactConfig(cfg), "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	}
}

func configPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			fmt.Printf("Config at %s is valid (%d displays).\n", cfgPath, len(cfg.Displays))
			return nil
		},
	}
}

func configSealCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seal",
		Short: "Encrypt a BMC password from stdin with the master key",
		Long: `Reads one line from stdin and prints an aes-gcm: value for a display's
password field. The master key comes from master_key or KVMBROKER_MASTER_KEY.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			if cfg.MasterKey == "" {
				return errors.New("no master key configured (set master_key or KVMBROKER_MASTER_KEY)")
			}
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("read password: %w", err)
			}
			sealed, err := credentials.Seal(strings.TrimRight(line, "\r\n"), cfg.MasterKey)
			if err != nil {
				return err
			}
			fmt.Println(sealed)
			return nil
		},
	}
}

// redactConfig returns a copy with secrets masked. Password references
// (env:, keyring:, aes-gcm:) are shown since they hold no secret.
func redactConfig(cfg *config.Config) *config.Config {
	out := *cfg
	out.Token = mask(cfg.Token)
	out.MasterKey = mask(cfg.MasterKey)
	out.Tailscale.AuthKey = mask(cfg.Tailscale.AuthKey)

	if len(cfg.Telemetry.Headers) > 0 {
		out.Telemetry.Headers = make(map[string]string, len(cfg.Telemetry.Headers))
		for k, v := range cfg.Telemetry.Headers {
			out.Telemetry.Headers[k] = mask(v)
		}
	}

	out.Displays = make(map[string]config.TargetConfig, len(cfg.Displays))
	for id, t := range cfg.Displays {
		if !credentials.IsReference(t.Password) {
			t.Password = mask(t.Password)
		}
		out.Displays[id] = t
	}
	return &out
}

func mask(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) > 12:
		return s[:4] + "****" + s[len(s)-4:]
	default:
		return "****"
	}
}
