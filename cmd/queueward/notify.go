package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/queueward/queueward/internal/notify"
)

func newNotifyCmd(a *app) *cobra.Command {
	var prNumber int
	var result string
	var reason string

	cmd := &cobra.Command{
		Use:   "notify",
		Short: "send a slack notification for a processing result",
		Long: "notify delivers the slack notification for a terminal processing result,\n" +
			"e.g. from a separate workflow step that runs after process finished.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			if a.config.SlackWebhookURL == "" {
				return fmt.Errorf("no slack webhook url is configured")
			}

			notification := &notify.Notification{
				Repository: a.repo.String(),
				PRNumber:   prNumber,
				Result:     result,
				Reason:     reason,
			}

			// title and url are decoration, a notification without them
			// is still useful when the fetch fails
			if pr, err := a.clt.PullRequest(ctx, a.repo.Owner, a.repo.Name, prNumber); err == nil {
				notification.Title = pr.Title
				notification.URL = pr.URL
			}

			a.notifier.Notify(ctx, notification)

			return nil
		},
	}

	cmd.Flags().IntVar(&prNumber, "pr", 0, "number of the pull request the notification is about")
	cmd.Flags().StringVar(&result, "result", "", "processing result to notify about (merged, failed, conflict, removed)")
	cmd.Flags().StringVar(&reason, "reason", "", "optional reason that lead to the result")
	_ = cmd.MarkFlagRequired("pr")
	_ = cmd.MarkFlagRequired("result")

	return cmd
}
