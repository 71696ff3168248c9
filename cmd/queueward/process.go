package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/queueward/queueward/internal/queue"
)

func newProcessCmd(a *app) *cobra.Command {
	var prNumber int

	cmd := &cobra.Command{
		Use:   "process",
		Short: "process one pull request to a terminal merge queue outcome",
		Long: "process validates the pull request, updates its branch with the base\n" +
			"branch until it is current and merges it.\n" +
			"The exit code is 0 when the pull request was merged or had already left\n" +
			"the queue, 1 otherwise.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			validator, err := queue.NewValidator(a.clt, a.repo, &a.config.Queue)
			if err != nil {
				return err
			}

			updater := queue.NewUpdater(a.clt, validator, a.repo, &a.config.Queue)
			processor := queue.NewProcessor(
				a.clt, validator, updater,
				a.repo, &a.config.Queue,
				a.notifier, a.recorder,
			)

			outcome, err := processor.Process(ctx, prNumber)
			a.recorder.Push(ctx)
			if err != nil {
				return err
			}

			switch outcome.Result {
			case queue.ResultMerged:
				fmt.Printf("merged %s#%d as %s\n", a.repo, prNumber, outcome.CommitSHA)
				return nil

			case queue.ResultRemoved:
				fmt.Printf("%s#%d left the queue: %s\n", a.repo, prNumber, outcome.Reason)
				return nil

			default:
				return fmt.Errorf("%s#%d was not merged (%s): %s",
					a.repo, prNumber, outcome.Result, outcome.Reason)
			}
		},
	}

	cmd.Flags().IntVar(&prNumber, "pr", 0, "number of the pull request to process")
	_ = cmd.MarkFlagRequired("pr")

	return cmd
}
