package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"vigil/internal/release"
)

func newRenewCmd(flags *rootFlags) *cobra.Command {
	var (
		secret   string
		ttlHours int
	)

	cmd := &cobra.Command{
		Use:   "renew",
		Short: "Renew the deadline with the renewal secret",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := flags.app(cmd)
			if err != nil {
				return err
			}
			if err := a.requireInitialized(); err != nil {
				return err
			}

			res, err := a.release.Renew(cmd.Context(), secret, time.Duration(ttlHours)*time.Hour)
			if err != nil {
				return err
			}

			fmt.Printf("%s deadline now %s\n", green("renewed"),
				res.Deadline.UTC().Format(time.RFC3339))
			if res.Cancelled {
				fmt.Printf("%s pending release cancelled\n", yellow("note"))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&secret, "secret", "", "renewal secret")
	cmd.Flags().IntVar(&ttlHours, "ttl-hours", 0, "hours until the new deadline (0 = configured default)")
	_ = cmd.MarkFlagRequired("secret")
	return cmd
}

func newReleaseCmd(flags *rootFlags) *cobra.Command {
	var (
		secret       string
		targetStage  string
		delayMinutes int
		scope        string
		cancel       bool
	)

	cmd := &cobra.Command{
		Use:   "release",
		Short: "Schedule (or cancel) a release with the release secret",
		Long: `release schedules an escalation to the target stage after the delay
window. Within the window a renewal, or release --cancel, withdraws it.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := flags.app(cmd)
			if err != nil {
				return err
			}
			if err := a.requireInitialized(); err != nil {
				return err
			}

			if cancel {
				if err := a.release.Cancel(cmd.Context(), secret); err != nil {
					return err
				}
				fmt.Printf("%s pending release withdrawn\n", yellow("cancelled"))
				return nil
			}

			res, err := a.release.Trigger(cmd.Context(), release.TriggerRequest{
				Secret:       secret,
				TargetStage:  targetStage,
				DelayMinutes: delayMinutes,
				Scope:        scope,
			})
			if err != nil {
				return err
			}

			fmt.Printf("%s target %s, executes after %s\n", red("release scheduled"),
				bold(res.TargetStage), res.ExecuteAfter.UTC().Format(time.RFC3339))
			fmt.Printf("  nonce %s\n", gray(res.Nonce))
			return nil
		},
	}

	cmd.Flags().StringVar(&secret, "secret", "", "release secret")
	cmd.Flags().StringVar(&targetStage, "target", "", "target stage (default: highest)")
	cmd.Flags().IntVar(&delayMinutes, "delay-minutes", 60, "delay before execution")
	cmd.Flags().StringVar(&scope, "scope", "", "optional scope label")
	cmd.Flags().BoolVar(&cancel, "cancel", false, "withdraw the pending release")
	_ = cmd.MarkFlagRequired("secret")
	return cmd
}
