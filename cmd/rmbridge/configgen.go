package main

import (
	"fmt"

	"github.com/danmuck/rmbridge/internal/config"
	"github.com/spf13/cobra"
)

func newConfiggenCommand() *cobra.Command {
	var (
		kind     string
		output   string
		force    bool
		validate string
	)
	cmd := &cobra.Command{
		Use:   "configgen",
		Short: "Write a config template, or validate an existing config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if validate != "" {
				cfg, err := config.Load(validate)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "validated %s config at %s\n", cfg.Role, validate)
				return nil
			}
			target := output
			if target == "" {
				target = kind + ".config.toml"
			}
			if err := config.WriteTemplate(target, kind, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s config template to %s\n", kind, target)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "backend", "template kind: backend|frontend|nats")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output path for the template")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cmd.Flags().StringVar(&validate, "validate", "", "validate the config at this path instead of writing")
	return cmd
}
