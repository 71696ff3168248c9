package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/queueward/queueward/internal/cfg"
	"github.com/queueward/queueward/internal/ghclt"
	"github.com/queueward/queueward/internal/logfields"
	"github.com/queueward/queueward/internal/metrics"
	"github.com/queueward/queueward/internal/notify"
)

// Notifier delivers a notification for a terminal outcome.
// Implementations must never fail the processing run, delivery errors
// degrade to logged warnings.
type Notifier interface {
	Notify(ctx context.Context, notification *notify.Notification)
}

// Processor drives exactly one pull request through the full decision
// sequence: validate, conditionally update the branch until it is not behind
// its base anymore, merge.
//
// The update retry loop is about branch staleness only. While an update plus
// the CI wait runs, the base branch can advance again, so one successful
// update does not imply the branch is current. The loop re-checks after
// every update and is bounded by the configured retry ceiling, the base
// advancing faster than the queue can keep up is a normal failure, not a
// system fault.
type Processor struct {
	repo      Repository
	cfg       *cfg.QueueConfig
	clt       GithubClient
	validator *Validator
	updater   *Updater
	notifier  Notifier
	metrics   *metrics.Recorder

	logger *zap.Logger
}

func NewProcessor(
	clt GithubClient,
	validator *Validator,
	updater *Updater,
	repo Repository,
	queueCfg *cfg.QueueConfig,
	notifier Notifier,
	recorder *metrics.Recorder,
) *Processor {
	return &Processor{
		repo:      repo,
		cfg:       queueCfg,
		clt:       clt,
		validator: validator,
		updater:   updater,
		notifier:  notifier,
		metrics:   recorder,
		logger:    zap.L().Named("processor"),
	}
}

// Process runs one pull request to a terminal outcome.
// Business outcomes are returned as values, only remote failures that
// prevented determining an answer are returned as errors.
func (p *Processor) Process(ctx context.Context, prNumber int) (*Outcome, error) {
	startTime := time.Now()

	// mark the pull request as in-progress, adding an already present
	// label succeeds
	p.addLabel(ctx, p.logger.With(logfields.PullRequest(prNumber)), prNumber, p.cfg.ProcessingLabel)

	outcome, err := p.run(ctx, prNumber)
	if err != nil {
		return nil, err
	}

	p.finalize(ctx, prNumber, outcome)
	p.metrics.RecordRun(string(outcome.Result), time.Since(startTime))

	return outcome, nil
}

func (p *Processor) run(ctx context.Context, prNumber int) (*Outcome, error) {
	logger := p.logger.With(
		logfields.RepositoryOwner(p.repo.Owner),
		logfields.Repository(p.repo.Name),
		logfields.PullRequest(prNumber),
	)

	validation, err := p.validator.Validate(ctx, prNumber)
	if err != nil {
		return nil, err
	}

	if validation.Removed {
		logger.Info("pull request left the queue outside of processing",
			logfields.Event("pr_removed"),
			logfields.Reason(validation.Reason),
		)

		return &Outcome{Result: ResultRemoved, Reason: validation.Reason}, nil
	}

	if !validation.Valid {
		logger.Info("pull request failed validation",
			logfields.Event("pr_validation_failed"),
			logfields.Reason(validation.Reason),
		)

		return &Outcome{Result: ResultFailed, Reason: validation.Reason}, nil
	}

	if !validation.Checks.UpToDate {
		if !p.cfg.AutoUpdateBranch {
			return &Outcome{
				Result: ResultFailed,
				Reason: "branch is behind its base branch and automatic branch updates are disabled",
			}, nil
		}

		outcome, err := p.updateUntilCurrent(ctx, logger, prNumber)
		if err != nil || outcome != nil {
			return outcome, err
		}
	}

	// final staleness gate: even a pull request that was up to date at
	// validation time can have become stale while processing ran, e.g.
	// because another pull request was merged first. Known-stale code is
	// never merged, and no update is attempted at this late stage.
	behind, err := p.validator.IsBehind(ctx, prNumber)
	if err != nil {
		return nil, err
	}

	if behind {
		return &Outcome{
			Result: ResultFailed,
			Reason: "base branch changed after validation, branch is not up to date anymore",
		}, nil
	}

	commitSHA, err := p.clt.MergePullRequest(ctx, p.repo.Owner, p.repo.Name, prNumber, p.cfg.MergeMethod)
	if err != nil {
		var rejected *ghclt.MergeRejectedError
		if errors.As(err, &rejected) {
			// a definitive refusal, e.g. unfulfilled branch
			// protection rules, is a business outcome
			return &Outcome{Result: ResultFailed, Reason: rejected.Error()}, nil
		}

		return nil, fmt.Errorf("merging pull request failed: %w", err)
	}

	logger.Info("pull request merged",
		logfields.Event("pr_merged"),
		logfields.Commit(commitSHA),
	)

	return &Outcome{Result: ResultMerged, CommitSHA: commitSHA}, nil
}

// updateUntilCurrent runs the bounded staleness retry loop.
// It returns a nil outcome when the branch caught up with its base and
// processing can continue towards merging.
func (p *Processor) updateUntilCurrent(ctx context.Context, logger *zap.Logger, prNumber int) (*Outcome, error) {
	behind := true

	for attempt := 1; attempt <= p.cfg.MaxUpdateRetries; attempt++ {
		update, err := p.updater.UpdateIfBehind(ctx, prNumber)
		if err != nil {
			return nil, err
		}

		if update.Conflict {
			// a conflict on any attempt terminates immediately,
			// also when earlier attempts updated cleanly
			return &Outcome{Result: ResultConflict, Reason: update.Reason}, nil
		}

		if !update.Success {
			return &Outcome{Result: ResultFailed, Reason: update.Reason}, nil
		}

		behind, err = p.validator.IsBehind(ctx, prNumber)
		if err != nil {
			return nil, err
		}

		if !behind {
			return nil, nil
		}

		logger.Info("base branch advanced while the update ran, branch is behind again",
			logfields.Event("base_branch_advanced"),
			zap.Int("update_attempt", attempt),
			zap.Int("max_update_retries", p.cfg.MaxUpdateRetries),
		)
	}

	return &Outcome{
		Result: ResultFailed,
		Reason: fmt.Sprintf("branch is still behind its base branch after %d update attempts, the base branch advances faster than the queue can catch up", p.cfg.MaxUpdateRetries),
	}, nil
}

// finalize applies the label transitions and notifications for a terminal
// outcome.
// All operations here are best-effort side effects, failures are logged and
// never alter the already-decided outcome.
func (p *Processor) finalize(ctx context.Context, prNumber int, outcome *Outcome) {
	logger := p.logger.With(
		logfields.PullRequest(prNumber),
		logfields.Result(string(outcome.Result)),
	)

	p.removeLabel(ctx, logger, prNumber, p.cfg.ProcessingLabel)
	p.removeLabel(ctx, logger, prNumber, p.cfg.TriggerLabel)

	pr, err := p.clt.PullRequest(ctx, p.repo.Owner, p.repo.Name, prNumber)
	if err != nil {
		logger.Warn("fetching pull request for finalization failed",
			logfields.Event("finalize_pr_fetch_failed"),
			zap.Error(err),
		)

		pr = nil
	}

	switch outcome.Result {
	case ResultMerged:
		p.comment(ctx, logger, prNumber, fmt.Sprintf("merge queue: merged as %s", outcome.CommitSHA))

		if p.cfg.DeleteBranch && pr != nil && pr.HeadRef != "" {
			if err := p.clt.DeleteBranch(ctx, p.repo.Owner, p.repo.Name, pr.HeadRef); err != nil {
				logger.Warn("deleting branch failed",
					logfields.Event("branch_delete_failed"),
					logfields.Branch(pr.HeadRef),
					zap.Error(err),
				)
			}
		}

	case ResultFailed:
		p.addLabel(ctx, logger, prNumber, p.cfg.FailedLabel)
		p.comment(ctx, logger, prNumber, fmt.Sprintf("merge queue: processing failed: %s", outcome.Reason))

	case ResultConflict:
		p.addLabel(ctx, logger, prNumber, p.cfg.ConflictLabel)
		p.comment(ctx, logger, prNumber, fmt.Sprintf("merge queue: %s", outcome.Reason))

	case ResultRemoved:
		// the pull request was closed or merged by someone else, only
		// the queue labels are cleaned up, no failure label is added
		p.comment(ctx, logger, prNumber, fmt.Sprintf("merge queue: removed from the queue: %s", outcome.Reason))
	}

	if p.notifier != nil {
		notification := &notify.Notification{
			Repository: p.repo.String(),
			PRNumber:   prNumber,
			Result:     string(outcome.Result),
			Reason:     outcome.Reason,
		}

		if pr != nil {
			notification.Title = pr.Title
			notification.URL = pr.URL
		}

		p.notifier.Notify(ctx, notification)
	}

	logger.Info("processing finished",
		logfields.Event("processing_finished"),
		logfields.Reason(outcome.Reason),
	)
}

func (p *Processor) addLabel(ctx context.Context, logger *zap.Logger, prNumber int, label string) {
	if err := p.clt.AddLabels(ctx, p.repo.Owner, p.repo.Name, prNumber, []string{label}); err != nil {
		logger.Warn("adding label to pull request failed",
			logfields.Event("github_add_label_failed"),
			logfields.Label(label),
			zap.Error(err),
		)
	}
}

func (p *Processor) removeLabel(ctx context.Context, logger *zap.Logger, prNumber int, label string) {
	if err := p.clt.RemoveLabel(ctx, p.repo.Owner, p.repo.Name, prNumber, label); err != nil {
		logger.Warn("removing label from pull request failed",
			logfields.Event("github_remove_label_failed"),
			logfields.Label(label),
			zap.Error(err),
		)
	}
}

func (p *Processor) comment(ctx context.Context, logger *zap.Logger, prNumber int, text string) {
	if err := p.clt.CreateIssueComment(ctx, p.repo.Owner, p.repo.Name, prNumber, text); err != nil {
		logger.Warn("posting comment to pull request failed",
			logfields.Event("github_create_comment_failed"),
			zap.Error(err),
		)
	}
}
