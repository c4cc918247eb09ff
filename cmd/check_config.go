package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/quotebot/internal/config"
)

func newCheckConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and print the effective settings with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := viperFrom(cmd)
			if err != nil {
				return err
			}
			cfg, err := config.Unmarshal(v)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			enc := yaml.NewEncoder(out)
			enc.SetIndent(2)
			if err := enc.Encode(cfg.Redacted()); err != nil {
				return fmt.Errorf("failed to render configuration: %w", err)
			}
			if err := enc.Close(); err != nil {
				return err
			}

			if err := cfg.Validate(); err != nil {
				fmt.Fprintf(out, "\nconfiguration is invalid: %v\n", err)
				return err
			}
			fmt.Fprintln(out, "\nconfiguration is valid")
			return nil
		},
	}
}
