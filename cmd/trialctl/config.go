package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ethpandaops/trialctl/pkg/config"
)

const redacted = "<redacted>"

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		out, err := yaml.Marshal(redact(*cfg))
		if err != nil {
			return fmt.Errorf("encoding config: %w", err)
		}

		fmt.Print(string(out))

		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}

// redact blanks credentials so the dump is safe to share.
func redact(cfg config.Config) config.Config {
	if cfg.Database.Postgres.Password != "" {
		cfg.Database.Postgres.Password = redacted
	}

	if cfg.Directory.S3.SecretAccessKey != "" {
		cfg.Directory.S3.SecretAccessKey = redacted
	}

	if len(cfg.API.TokenHashes) > 0 {
		cfg.API.TokenHashes = []string{redacted}
	}

	return cfg
}
