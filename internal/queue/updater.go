package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/queueward/queueward/internal/cfg"
	"github.com/queueward/queueward/internal/ghclt"
	"github.com/queueward/queueward/internal/logfields"
)

// Updater brings a pull request branch up to date with its base branch and
// waits for the checks of the new head commit to settle.
type Updater struct {
	repo      Repository
	clt       GithubClient
	validator *Validator

	checkPollInterval time.Duration
	checkTimeout      time.Duration
	requireAllChecks  bool

	logger *zap.Logger
}

func NewUpdater(clt GithubClient, validator *Validator, repo Repository, queueCfg *cfg.QueueConfig) *Updater {
	return &Updater{
		repo:              repo,
		clt:               clt,
		validator:         validator,
		checkPollInterval: queueCfg.CheckPollInterval(),
		checkTimeout:      queueCfg.CheckTimeout(),
		requireAllChecks:  queueCfg.RequireAllChecks,
		logger:            zap.L().Named("branch_updater"),
	}
}

// UpdateIfBehind updates the pull request branch with its base branch when
// it is behind, then waits until the checks of the new head commit settled.
//
// Expected negative outcomes, a merge conflict, failed checks after the
// update or a wait timeout, are reported as a failed UpdateResult, not as an
// error. Only unexpected remote errors propagate.
func (u *Updater) UpdateIfBehind(ctx context.Context, prNumber int) (*UpdateResult, error) {
	logger := u.logger.With(
		logfields.RepositoryOwner(u.repo.Owner),
		logfields.Repository(u.repo.Name),
		logfields.PullRequest(prNumber),
	)

	behind, err := u.validator.IsBehind(ctx, prNumber)
	if err != nil {
		return nil, err
	}

	if !behind {
		logger.Debug("branch contains all changes of base branch, nothing to update",
			logfields.Event("branch_uptodate"))

		return &UpdateResult{Success: true}, nil
	}

	update, err := u.clt.UpdateBranch(ctx, u.repo.Owner, u.repo.Name, prNumber)
	if err != nil {
		if errors.Is(err, ghclt.ErrMergeConflict) {
			logger.Info("branch can not be updated, merge conflict",
				logfields.Event("branch_update_conflict"))

			return &UpdateResult{
				Conflict: true,
				Reason:   fmt.Sprintf("updating the branch with its base branch failed: %s", err),
			}, nil
		}

		return nil, fmt.Errorf("updating branch failed: %w", err)
	}

	if update.HeadSHA == "" {
		// the client contract guarantees the settled head commit,
		// treat its absence as a failed update instead of proceeding
		// with an unknown head
		return &UpdateResult{Reason: "branch update reported success but returned no head commit SHA"}, nil
	}

	logger.Info("branch was updated with base branch, waiting for checks",
		logfields.Event("branch_updated"),
		logfields.Commit(update.HeadSHA),
	)

	return u.waitForTests(ctx, prNumber, update.HeadSHA)
}

// waitForTests polls the status checks of a commit until they settled or the
// wait timeout expired.
// The pull request is re-fetched on every iteration, when it was closed in
// the meantime there is no point in waiting further.
func (u *Updater) waitForTests(ctx context.Context, prNumber int, commit string) (*UpdateResult, error) {
	if !u.requireAllChecks {
		return &UpdateResult{Success: true, HeadSHA: commit}, nil
	}

	logger := u.logger.With(
		logfields.PullRequest(prNumber),
		logfields.Commit(commit),
	)

	deadline := time.Now().Add(u.checkTimeout)

	for {
		pr, err := u.clt.PullRequest(ctx, u.repo.Owner, u.repo.Name, prNumber)
		if err != nil {
			return nil, fmt.Errorf("fetching pull request while waiting for checks failed: %w", err)
		}

		if pr.State != "open" {
			return &UpdateResult{Reason: "pull request was closed while waiting for checks"}, nil
		}

		state, err := u.validator.checksState(ctx, commit)
		if err != nil {
			return nil, err
		}

		if len(state.failing) > 0 {
			return &UpdateResult{
				Reason: fmt.Sprintf("checks failed after the branch update: %s", strings.Join(state.failing, ", ")),
			}, nil
		}

		if len(state.pending) == 0 {
			logger.Info("checks settled successfully",
				logfields.Event("checks_settled"))

			return &UpdateResult{Success: true, HeadSHA: commit}, nil
		}

		if time.Now().After(deadline) {
			return &UpdateResult{
				Reason: fmt.Sprintf("timed out after %s waiting for checks: %s",
					u.checkTimeout, strings.Join(state.pending, ", ")),
			}, nil
		}

		logger.Debug("checks are pending, waiting",
			logfields.Event("checks_pending"),
			zap.Strings("github.pending_checks", state.pending),
			zap.Duration("poll_interval", u.checkPollInterval),
		)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(u.checkPollInterval):
		}
	}
}
