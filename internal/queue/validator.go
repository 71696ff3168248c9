package queue

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/queueward/queueward/internal/cfg"
	"github.com/queueward/queueward/internal/ghclt"
	"github.com/queueward/queueward/internal/logfields"
)

// Repository identifies a github repository.
type Repository struct {
	Owner string
	Name  string
}

func (r Repository) String() string {
	return fmt.Sprintf("%s/%s", r.Owner, r.Name)
}

// Review states returned by the GitHub API.
const (
	reviewStateApproved         = "APPROVED"
	reviewStateChangesRequested = "CHANGES_REQUESTED"
	reviewStateDismissed        = "DISMISSED"
)

// Validator answers if a pull request is currently eligible to merge.
//
// Validation gates run in a fixed order: state, draft, approval, blocking
// labels, status checks, merge conflicts. Earlier gates are cheaper and more
// definitively disqualifying. The first failing gate short-circuits the
// pass, later checklist fields are reported as false, not omitted.
type Validator struct {
	repo   Repository
	cfg    *cfg.QueueConfig
	clt    GithubClient
	filter *EligibilityFilter
	logger *zap.Logger
}

func NewValidator(clt GithubClient, repo Repository, queueCfg *cfg.QueueConfig) (*Validator, error) {
	var filter *EligibilityFilter

	if queueCfg.EligibilityFilter != "" {
		var err error

		filter, err = NewEligibilityFilter(queueCfg.EligibilityFilter)
		if err != nil {
			return nil, fmt.Errorf("parsing eligibility filter failed: %w", err)
		}
	}

	return &Validator{
		repo:   repo,
		cfg:    queueCfg,
		clt:    clt,
		filter: filter,
		logger: zap.L().Named("validator"),
	}, nil
}

// Validate fetches a fresh snapshot of the pull request and runs all gates.
// Remote errors propagate unchanged, the validator does no retrying itself.
func (v *Validator) Validate(ctx context.Context, prNumber int) (*ValidationResult, error) {
	pr, err := v.clt.PullRequest(ctx, v.repo.Owner, v.repo.Name, prNumber)
	if err != nil {
		return nil, fmt.Errorf("fetching pull request failed: %w", err)
	}

	logger := v.logger.With(
		logfields.RepositoryOwner(v.repo.Owner),
		logfields.Repository(v.repo.Name),
		logfields.PullRequest(prNumber),
		logfields.Commit(pr.HeadSHA),
	)

	if pr.Merged {
		return &ValidationResult{Reason: "pull request is merged", Removed: true}, nil
	}

	if pr.State != "open" {
		return &ValidationResult{Reason: fmt.Sprintf("pull request is %s", pr.State), Removed: true}, nil
	}

	checks := &CheckList{}

	if v.filter != nil {
		matches, err := v.filter.Matches(ctx, pr)
		if err != nil {
			return nil, fmt.Errorf("evaluating eligibility filter failed: %w", err)
		}

		if !matches {
			return &ValidationResult{
				Reason: "pull request does not match the eligibility filter",
				Checks: checks,
			}, nil
		}
	}

	if pr.Draft && !v.cfg.AllowDrafts {
		return &ValidationResult{Reason: "pull request is a draft", Checks: checks}, nil
	}
	checks.NotDraft = true

	if v.cfg.EnforceApprovalLocally {
		approved, reason, err := v.checkApprovals(ctx, prNumber)
		if err != nil {
			return nil, err
		}

		if !approved {
			return &ValidationResult{Reason: reason, Checks: checks}, nil
		}
	}
	// when approval is not enforced locally, branch protection is trusted
	// to reject the merge call of an unapproved pull request
	checks.Approved = true

	if offending := v.blockingLabels(pr.Labels); len(offending) > 0 {
		return &ValidationResult{
			Reason: fmt.Sprintf("blocked by label(s): %s", strings.Join(offending, ", ")),
			Checks: checks,
		}, nil
	}
	checks.NoBlockLabels = true

	checksValid, reason, err := v.CheckStatusChecks(ctx, pr.HeadSHA)
	if err != nil {
		return nil, err
	}

	if !checksValid {
		return &ValidationResult{Reason: reason, Checks: checks}, nil
	}
	checks.ChecksPass = true

	behind, err := v.IsBehind(ctx, prNumber)
	if err != nil {
		return nil, err
	}
	// staleness is informational at this stage, the processor handles it
	// via the update loop instead of rejecting the pull request
	checks.UpToDate = !behind

	if pr.Mergeable == ghclt.MergeableStateConflicting {
		return &ValidationResult{Reason: "pull request has merge conflicts", Checks: checks}, nil
	}
	checks.NoConflicts = true

	logger.Debug("pull request passed validation", logfields.Event("pr_validated"))

	return &ValidationResult{Valid: true, Checks: checks}, nil
}

// checkApprovals reduces the review history to the latest review per
// reviewer and evaluates it against the configured approval requirements.
// Reviews without a reviewer identity contribute nothing.
func (v *Validator) checkApprovals(ctx context.Context, prNumber int) (approved bool, reason string, err error) {
	reviews, err := v.clt.Reviews(ctx, v.repo.Owner, v.repo.Name, prNumber)
	if err != nil {
		return false, "", fmt.Errorf("fetching reviews failed: %w", err)
	}

	latest := latestReviewPerReviewer(reviews)

	var approvals int
	var changesRequestedBy []string

	for reviewer, state := range latest {
		switch state {
		case reviewStateApproved:
			approvals++
		case reviewStateChangesRequested:
			changesRequestedBy = append(changesRequestedBy, reviewer)
		}
	}

	if len(changesRequestedBy) > 0 {
		sort.Strings(changesRequestedBy)
		return false, fmt.Sprintf("changes requested by: %s", strings.Join(changesRequestedBy, ", ")), nil
	}

	if approvals == 0 {
		return false, "no approving reviews", nil
	}

	if approvals < v.cfg.RequiredApprovals {
		return false, fmt.Sprintf("insufficient approvals: %d of %d", approvals, v.cfg.RequiredApprovals), nil
	}

	return true, "", nil
}

// latestReviewPerReviewer returns the latest meaningful review state per
// reviewer identity.
// Reviews with an empty reviewer login are excluded, comment-only reviews
// carry no approval signal and are skipped, a dismissal clears the
// reviewer's previous state.
func latestReviewPerReviewer(reviews []*ghclt.Review) map[string]string {
	result := map[string]string{}

	for _, review := range reviews {
		if review.Reviewer == "" {
			continue
		}

		switch review.State {
		case reviewStateApproved, reviewStateChangesRequested:
			result[review.Reviewer] = review.State
		case reviewStateDismissed:
			delete(result, review.Reviewer)
		}
	}

	return result
}

func (v *Validator) blockingLabels(labels []string) []string {
	if len(v.cfg.BlockLabels) == 0 {
		return nil
	}

	blocked := make(map[string]struct{}, len(v.cfg.BlockLabels))
	for _, label := range v.cfg.BlockLabels {
		blocked[label] = struct{}{}
	}

	var offending []string
	for _, label := range labels {
		if _, exist := blocked[label]; exist {
			offending = append(offending, label)
		}
	}

	sort.Strings(offending)

	return offending
}

// checksState is the settledness of a commit's status checks after removing
// ignored check names.
type checksState struct {
	failing []string
	pending []string
}

func (s *checksState) settledAndPassing() bool {
	return len(s.failing) == 0 && len(s.pending) == 0
}

func (v *Validator) checksState(ctx context.Context, commit string) (*checksState, error) {
	checks, err := v.clt.CommitChecks(ctx, v.repo.Owner, v.repo.Name, commit)
	if err != nil {
		return nil, fmt.Errorf("fetching commit checks failed: %w", err)
	}

	ignored := make(map[string]struct{}, len(v.cfg.IgnoredChecks))
	for _, name := range v.cfg.IgnoredChecks {
		ignored[name] = struct{}{}
	}

	var state checksState

	for _, check := range checks {
		if _, exist := ignored[check.Name]; exist {
			continue
		}

		switch check.Status {
		case ghclt.CheckStatusFailure, ghclt.CheckStatusCancelled:
			state.failing = append(state.failing, check.Name)
		case ghclt.CheckStatusPending:
			state.pending = append(state.pending, check.Name)
		}
	}

	sort.Strings(state.failing)
	sort.Strings(state.pending)

	return &state, nil
}

// CheckStatusChecks evaluates the status checks of a commit.
// Ignored check names never affect the outcome. Failed or cancelled checks
// make the evaluation invalid, then pending ones, everything else passes.
func (v *Validator) CheckStatusChecks(ctx context.Context, commit string) (valid bool, reason string, err error) {
	if !v.cfg.RequireAllChecks {
		return true, "", nil
	}

	state, err := v.checksState(ctx, commit)
	if err != nil {
		return false, "", err
	}

	if len(state.failing) > 0 {
		return false, fmt.Sprintf("failed checks: %s", strings.Join(state.failing, ", ")), nil
	}

	if len(state.pending) > 0 {
		return false, fmt.Sprintf("pending checks: %s", strings.Join(state.pending, ", ")), nil
	}

	return true, "", nil
}

// IsBehind returns true if the pull request branch is missing commits of its
// base branch.
// It exists as its own method because the processor re-asks it across the
// update retry loop without re-running a full validation pass.
func (v *Validator) IsBehind(ctx context.Context, prNumber int) (bool, error) {
	return v.clt.PRIsBehindBase(ctx, v.repo.Owner, v.repo.Name, prNumber)
}
