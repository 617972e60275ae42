package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"vigil/internal/adapters"
	"vigil/internal/rules"
	"vigil/internal/state"
)

func newStatusCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the timer, stage, pending work and adapter health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := flags.app(cmd)
			if err != nil {
				return err
			}
			if err := a.requireInitialized(); err != nil {
				return err
			}

			ctx := context.Background()
			if err := a.store.Acquire(ctx); err != nil {
				return err
			}
			doc, err := a.store.Load()
			a.store.Release()
			if err != nil {
				return err
			}

			now := a.clock.Now()
			tf := rules.EvaluateTime(doc, now)

			fmt.Printf("%s %s\n", bold("project"), doc.Meta.ProjectID)
			fmt.Printf("%s %s (entered %s)\n", bold("stage"), stageLabel(doc.Escalation.Stage),
				doc.Escalation.StageEnteredAt.UTC().Format(time.RFC3339))
			fmt.Printf("%s %s\n", bold("deadline"), doc.Timer.Deadline.UTC().Format(time.RFC3339))
			if tf.Overdue > 0 {
				fmt.Printf("%s %s\n", bold("overdue"), red(fmt.Sprintf("%d minutes", tf.Overdue)))
			} else {
				fmt.Printf("%s %d minutes\n", bold("remaining"), tf.TimeToDeadline)
			}
			fmt.Printf("%s %s\n", bold("last renewal"), doc.Renewal.LastRenewalAt.UTC().Format(time.RFC3339))
			if doc.Renewal.FailedAttempts > 0 {
				fmt.Printf("%s %s\n", bold("failed attempts"), yellow(fmt.Sprint(doc.Renewal.FailedAttempts)))
			}

			if doc.Release.Triggered {
				due := "immediately"
				if doc.Release.ExecuteAfter != nil {
					due = doc.Release.ExecuteAfter.UTC().Format(time.RFC3339)
				}
				fmt.Printf("%s target %s, due %s\n", red("RELEASE PENDING"), doc.Release.TargetStage, due)
			}

			if len(doc.RetryQueue) > 0 {
				fmt.Printf("\n%s\n", bold("pending retries"))
				for _, e := range doc.RetryQueue {
					fmt.Printf("  %-24s attempt %d, next %s\n", e.ActionID, e.Attempts,
						e.NextAttemptAt.UTC().Format(time.RFC3339))
				}
			}

			printActions(doc)
			printAdapters(a, doc)
			return nil
		},
	}
}

// printActions lists the latest receipt per action for the current
// stage entry.
func printActions(doc *state.Document) {
	var keys []string
	for key := range doc.Actions.Executed {
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return
	}
	sort.Strings(keys)

	fmt.Printf("\n%s\n", bold("action receipts"))
	for _, key := range keys {
		r := doc.Actions.Executed[key]
		fmt.Printf("  %-24s %-10s %s\n", r.ActionID, receiptLabel(r.Kind, r.Reason),
			gray(r.At.UTC().Format(time.RFC3339)))
	}
}

// printAdapters distinguishes configured-but-failing adapters (breaker
// not closed) from plainly unconfigured ones.
func printAdapters(a *app, doc *state.Document) {
	statuses := a.registry.Statuses(adapters.ExecutionContext{
		OperatorEmail:   doc.Routing.OperatorEmail,
		CustodianEmails: doc.Routing.CustodianEmails,
		SubscriberList:  doc.Routing.SubscriberList,
		WebhookURL:      doc.Routing.WebhookURL,
	})
	breakerStates := a.breakers.States()

	fmt.Printf("\n%s\n", bold("adapters"))
	for _, st := range statuses {
		label := green("configured")
		switch {
		case st.Mocked:
			label = gray("mocked")
		case !st.Configured:
			label = gray("not configured")
		case breakerStates[st.Name].String() != "closed":
			label = red("failing (" + breakerStates[st.Name].String() + ")")
		}
		fmt.Printf("  %-14s %s\n", st.Name, label)
	}
}

func stageLabel(stage string) string {
	switch stage {
	case "OK":
		return green(stage)
	case "FULL", "SITE_ONLY":
		return red(stage)
	default:
		return yellow(stage)
	}
}
