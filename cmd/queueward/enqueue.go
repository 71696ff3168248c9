package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newEnqueueCmd(a *app) *cobra.Command {
	var prNumber int

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "add a pull request to the merge queue",
		Long: "enqueue adds the queue trigger label to the pull request and posts an\n" +
			"acknowledgement comment. The actual processing happens in a later\n" +
			"process invocation.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			err := a.clt.AddLabels(ctx, a.repo.Owner, a.repo.Name, prNumber,
				[]string{a.config.Queue.TriggerLabel})
			if err != nil {
				return fmt.Errorf("adding trigger label failed: %w", err)
			}

			err = a.clt.CreateIssueComment(ctx, a.repo.Owner, a.repo.Name, prNumber,
				"merge queue: pull request queued, it will be processed when all requirements are fulfilled")
			if err != nil {
				return fmt.Errorf("posting acknowledgement comment failed: %w", err)
			}

			fmt.Printf("queued %s#%d\n", a.repo, prNumber)

			return nil
		},
	}

	cmd.Flags().IntVar(&prNumber, "pr", 0, "number of the pull request to enqueue")
	_ = cmd.MarkFlagRequired("pr")

	return cmd
}
