package main

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

type rootFlags struct {
	configPath string
	mockMode   bool
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:   "vigil",
		Short: "Continuity orchestrator: a renewable dead-man's switch",
		Long: `vigil watches a renewable deadline. While the operator keeps renewing,
nothing happens. When renewals stop, vigil escalates through a policy-defined
ladder of reminder and disclosure stages, executing each stage's actions
exactly once per stage entry.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "config file path")
	cmd.PersistentFlags().BoolVar(&flags.mockMode, "mock", false, "skip all outward effects")

	cmd.AddCommand(
		newInitCmd(flags),
		newTickCmd(flags),
		newRunCmd(flags),
		newServeCmd(flags),
		newStatusCmd(flags),
		newRenewCmd(flags),
		newReleaseCmd(flags),
		newFactoryResetCmd(flags),
	)
	return cmd
}

func (f *rootFlags) overrides(cmd *cobra.Command) map[string]any {
	overrides := map[string]any{}
	if cmd.Flags().Changed("mock") || cmd.InheritedFlags().Changed("mock") {
		overrides["mock_mode"] = f.mockMode
	}
	return overrides
}

func (f *rootFlags) app(cmd *cobra.Command) (*app, error) {
	return buildApp(f.configPath, f.overrides(cmd))
}
