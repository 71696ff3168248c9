package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDequeueCmd(a *app) *cobra.Command {
	var prNumber int

	cmd := &cobra.Command{
		Use:   "dequeue",
		Short: "remove a pull request from the merge queue",
		Long: "dequeue removes the queue trigger label and all queue state labels from\n" +
			"the pull request. Removing a label that is not set is not an error.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			labels := []string{
				a.config.Queue.TriggerLabel,
				a.config.Queue.ProcessingLabel,
				a.config.Queue.FailedLabel,
				a.config.Queue.ConflictLabel,
			}

			for _, label := range labels {
				err := a.clt.RemoveLabel(ctx, a.repo.Owner, a.repo.Name, prNumber, label)
				if err != nil {
					return fmt.Errorf("removing label %q failed: %w", label, err)
				}
			}

			fmt.Printf("dequeued %s#%d\n", a.repo, prNumber)

			return nil
		},
	}

	cmd.Flags().IntVar(&prNumber, "pr", 0, "number of the pull request to dequeue")
	_ = cmd.MarkFlagRequired("pr")

	return cmd
}
