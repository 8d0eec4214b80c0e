package main

import (
	"github.com/spf13/cobra"

	"github.com/tonimelisma/vitalsync/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display effective configuration after all overrides",
		Args:  cobra.NoArgs,
		RunE:  runConfigShow,
	}
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	if cc.Flags.JSON {
		m, err := config.Effective(cc.Cfg)
		if err != nil {
			return err
		}

		return printJSON(cmd.OutOrStdout(), m)
	}

	if p := cc.Cfg.Path(); p != "" {
		cc.Statusf("# loaded from %s\n", p)
	}

	return config.RenderEffective(cc.Cfg, cmd.OutOrStdout())
}
