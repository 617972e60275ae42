package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"vigil/internal/audit"
	"vigil/internal/ids"
	"vigil/internal/policy"
	"vigil/internal/state"
)

func newInitCmd(flags *rootFlags) *cobra.Command {
	var (
		projectID     string
		operatorEmail string
		deadlineHours int
		force         bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Scaffold the data directory, policy, templates and state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := flags.app(cmd)
			if err != nil {
				return err
			}

			if a.store.Exists() && !force {
				return fmt.Errorf("state document already exists at %s (use --force to overwrite)", a.store.Path())
			}

			for _, dir := range []string{a.cfg.DataDir, a.cfg.TemplatesDir, a.cfg.SiteOutputDir, a.cfg.ArchiveDir} {
				if dir == "" {
					continue
				}
				if err := os.MkdirAll(dir, 0755); err != nil {
					return err
				}
			}

			if _, err := os.Stat(a.cfg.PolicyPath); os.IsNotExist(err) || force {
				if err := os.WriteFile(a.cfg.PolicyPath, []byte(policy.DefaultDocument()), 0644); err != nil {
					return err
				}
				fmt.Printf("%s %s\n", green("wrote"), a.cfg.PolicyPath)
			}

			for name, body := range defaultTemplates {
				path := filepath.Join(a.cfg.TemplatesDir, name+".md")
				if _, err := os.Stat(path); err == nil && !force {
					continue
				}
				if err := os.WriteFile(path, []byte(body), 0644); err != nil {
					return err
				}
				fmt.Printf("%s %s\n", green("wrote"), path)
			}

			// The scaffolded policy must validate against the registered
			// adapters before the first tick depends on it.
			snap, err := a.loader.LoadFile(a.cfg.PolicyPath)
			if err != nil {
				return fmt.Errorf("scaffolded policy invalid: %w", err)
			}

			now := a.clock.Now()
			deadline := now.Add(time.Duration(deadlineHours) * time.Hour)
			doc := state.New(projectID, snap.LowestState().Name, now, deadline)
			doc.Routing.OperatorEmail = operatorEmail

			ctx := context.Background()
			if err := a.store.Acquire(ctx); err != nil {
				return err
			}
			defer a.store.Release()
			if err := a.store.Save(doc, now); err != nil {
				return err
			}

			fmt.Printf("%s project %s initialized, stage %s, deadline %s\n",
				green("ok"), bold(projectID), doc.Escalation.Stage,
				deadline.UTC().Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&projectID, "project", "default", "project identifier")
	cmd.Flags().StringVar(&operatorEmail, "operator-email", "", "operator address for reminders")
	cmd.Flags().IntVar(&deadlineHours, "deadline-hours", 72, "initial deadline from now")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")
	return cmd
}

func newFactoryResetCmd(flags *rootFlags) *cobra.Command {
	var (
		yes    bool
		secret string
	)

	cmd := &cobra.Command{
		Use:   "factory-reset",
		Short: "Reset the state document, keeping the audit ledger",
		Long: `factory-reset replaces the state document with a fresh one in the lowest
stage. The audit ledger is append-only and is never deleted; the reset
itself is recorded there. When a release secret is configured it must be
presented.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return fmt.Errorf("refusing without --yes")
			}

			a, err := flags.app(cmd)
			if err != nil {
				return err
			}
			if err := a.requireInitialized(); err != nil {
				return err
			}

			ctx := context.Background()
			if a.cfg.ReleaseSecret != "" {
				if err := a.release.Authorize(ctx, secret); err != nil {
					return err
				}
			}
			if err := a.store.Acquire(ctx); err != nil {
				return err
			}
			defer a.store.Release()

			old, err := a.store.Load()
			if err != nil {
				return err
			}

			snap, err := a.loader.LoadFile(a.cfg.PolicyPath)
			if err != nil {
				return err
			}

			now := a.clock.Now()
			doc := state.New(old.Meta.ProjectID, snap.LowestState().Name, now, now.Add(a.cfg.RenewalTTL))
			doc.Routing = old.Routing

			if err := a.store.Save(doc, now); err != nil {
				return err
			}

			event := audit.NewEvent(ids.NewEventID(), "", audit.TypeFactoryReset, now, map[string]any{
				"previous_stage": old.Escalation.Stage,
			})
			if err := a.ledger.Append(event); err != nil {
				return err
			}

			fmt.Printf("%s state reset to %s, deadline %s\n",
				yellow("reset"), doc.Escalation.Stage,
				doc.Timer.Deadline.UTC().Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the reset")
	cmd.Flags().StringVar(&secret, "secret", "", "release secret, required when one is configured")
	return cmd
}
