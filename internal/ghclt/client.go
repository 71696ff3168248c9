// Package ghclt provides a github API client.
package ghclt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v59/github"
	"github.com/shurcooL/githubv4"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/queueward/queueward/internal/logfields"
	"github.com/queueward/queueward/internal/qerr"
)

const DefaultHTTPClientTimeout = time.Minute

const loggerName = "github_client"

const (
	// updateBranchPollInterval is the pause between checking if a
	// scheduled branch update was applied by GitHub.
	updateBranchPollInterval = 2 * time.Second
	// updateBranchPollAttempts bounds how often the head commit is
	// re-checked after GitHub accepted a branch update request.
	updateBranchPollAttempts = 30
)

var ErrPullRequestIsClosed = errors.New("pull request is closed")

// ErrMergeConflict is returned by UpdateBranch when the pull request branch
// can not be updated automatically because it conflicts with its base branch.
var ErrMergeConflict = errors.New("branch has a merge conflict with its base branch")

// MergeRejectedError is returned by MergePullRequest when GitHub refused to
// perform the merge. This happens e.g. when branch protection rules are not
// fulfilled. It is a definitive answer, not a transport failure.
type MergeRejectedError struct {
	Message string
}

func (e *MergeRejectedError) Error() string {
	return fmt.Sprintf("github rejected the merge: %s", e.Message)
}

// MergeableState describes if GitHub considers a pull request free of merge
// conflicts. GitHub computes mergeability asynchronously, the state can be
// unknown.
type MergeableState int8

const (
	MergeableStateUnknown MergeableState = iota
	MergeableStateClean
	MergeableStateConflicting
)

// PullRequest is a point-in-time view of a pull request.
// It is fetched fresh at each decision point and must not be cached across
// processing steps, the remote state is the source of truth.
type PullRequest struct {
	Number    int
	Title     string
	State     string
	Merged    bool
	Draft     bool
	Labels    []string
	HeadSHA   string
	HeadRef   string
	BaseRef   string
	Author    string
	URL       string
	Mergeable MergeableState
}

// Review is the recorded state of one submitted pull request review.
type Review struct {
	// Reviewer is the login of the user that submitted the review.
	// It is empty when GitHub no longer associates the review with a
	// user account.
	Reviewer    string
	State       string
	SubmittedAt time.Time
}

// BranchUpdate is the settled result of a branch update request.
type BranchUpdate struct {
	// Changed is false when the branch already contained all commits of
	// its base branch and nothing was done.
	Changed bool
	// HeadSHA is the head commit of the pull request branch after the
	// update was applied.
	HeadSHA string
}

// New returns a new github api client.
func New(oauthAPIToken string) *Client {
	httpClient := newHTTPClient(oauthAPIToken)
	return &Client{
		restClt:                  github.NewClient(httpClient),
		graphQLClt:               githubv4.NewClient(httpClient),
		logger:                   zap.L().Named(loggerName),
		updateBranchPollInterval: updateBranchPollInterval,
		updateBranchPollAttempts: updateBranchPollAttempts,
	}
}

func newHTTPClient(apiToken string) *http.Client {
	if apiToken == "" {
		return &http.Client{
			Timeout: DefaultHTTPClientTimeout,
		}
	}

	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: apiToken},
	)

	tc := oauth2.NewClient(context.Background(), ts)
	tc.Timeout = DefaultHTTPClientTimeout

	return tc
}

// Client is a github API client.
// All methods return a qerr.RetryableError when an operation can be retried.
// This can be e.g. the case when the API ratelimit is exceeded.
type Client struct {
	restClt    *github.Client
	graphQLClt *githubv4.Client
	logger     *zap.Logger

	updateBranchPollInterval time.Duration
	updateBranchPollAttempts int
}

// PullRequest fetches the current snapshot of a pull request.
func (clt *Client) PullRequest(ctx context.Context, owner, repo string, prNumber int) (*PullRequest, error) {
	pr, _, err := clt.restClt.PullRequests.Get(ctx, owner, repo, prNumber)
	if err != nil {
		return nil, clt.wrapRetryableErrors(err)
	}

	if pr.GetHead().GetSHA() == "" {
		return nil, errors.New("got pull request object with empty head sha")
	}

	labels := make([]string, 0, len(pr.Labels))
	for _, label := range pr.Labels {
		if name := label.GetName(); name != "" {
			labels = append(labels, name)
		}
	}

	return &PullRequest{
		Number:    pr.GetNumber(),
		Title:     pr.GetTitle(),
		State:     pr.GetState(),
		Merged:    pr.GetMerged(),
		Draft:     pr.GetDraft(),
		Labels:    labels,
		HeadSHA:   pr.GetHead().GetSHA(),
		HeadRef:   pr.GetHead().GetRef(),
		BaseRef:   pr.GetBase().GetRef(),
		Author:    pr.GetUser().GetLogin(),
		URL:       pr.GetHTMLURL(),
		Mergeable: toMergeableState(pr),
	}, nil
}

func toMergeableState(pr *github.PullRequest) MergeableState {
	if pr.Mergeable == nil {
		return MergeableStateUnknown
	}

	if *pr.Mergeable {
		return MergeableStateClean
	}

	return MergeableStateConflicting
}

// Reviews returns all submitted reviews of a pull request in submission
// order.
func (clt *Client) Reviews(ctx context.Context, owner, repo string, prNumber int) ([]*Review, error) {
	var result []*Review

	opts := github.ListOptions{PerPage: 100}
	for {
		reviews, resp, err := clt.restClt.PullRequests.ListReviews(ctx, owner, repo, prNumber, &opts)
		if err != nil {
			return nil, clt.wrapRetryableErrors(err)
		}

		for _, review := range reviews {
			result = append(result, &Review{
				Reviewer:    review.GetUser().GetLogin(),
				State:       review.GetState(),
				SubmittedAt: review.GetSubmittedAt().Time,
			})
		}

		if resp.NextPage == 0 {
			return result, nil
		}

		opts.Page = resp.NextPage
	}
}

// BranchIsBehindBase returns true if branch is based on an old commit of baseBranch.
func (clt *Client) BranchIsBehindBase(ctx context.Context, owner, repo, baseBranch, branch string) (behind bool, err error) {
	cmp, _, err := clt.restClt.Repositories.CompareCommits(ctx, owner, repo, baseBranch, branch, &github.ListOptions{PerPage: 1})
	if err != nil {
		return false, clt.wrapRetryableErrors(err)
	}

	if cmp.BehindBy == nil {
		return false, qerr.NewRetryableAnytimeError(errors.New("github returned a nil BehindBy field"))
	}

	return *cmp.BehindBy > 0, nil
}

// PRIsBehindBase returns true if the pull request branch is missing commits
// that are present on its base branch.
// If the pull request is closed, ErrPullRequestIsClosed is returned.
func (clt *Client) PRIsBehindBase(ctx context.Context, owner, repo string, prNumber int) (behind bool, err error) {
	pr, _, err := clt.restClt.PullRequests.Get(ctx, owner, repo, prNumber)
	if err != nil {
		return false, clt.wrapRetryableErrors(err)
	}

	if pr.GetState() == "closed" {
		return false, ErrPullRequestIsClosed
	}

	if pr.GetMergeableState() == "behind" {
		return true, nil
	}

	prBranch := pr.GetHead().GetRef()
	if prBranch == "" {
		return false, errors.New("got pull request object with empty head ref field")
	}

	baseBranch := pr.GetBase().GetRef()
	if baseBranch == "" {
		return false, errors.New("got pull request object with empty base ref field")
	}

	return clt.BranchIsBehindBase(ctx, owner, repo, baseBranch, prBranch)
}

// UpdateBranch merges the base branch into the pull request branch.
// GitHub runs the update asynchronously, the method polls until the head
// commit of the pull request changed and returns the settled result.
// If the branch can not be updated because of a merge conflict, an error
// wrapping ErrMergeConflict is returned.
// If the branch changed while the update was requested, a
// qerr.RetryableError is returned and the operation can be retried.
func (clt *Client) UpdateBranch(ctx context.Context, owner, repo string, prNumber int) (*BranchUpdate, error) {
	pr, err := clt.PullRequest(ctx, owner, repo, prNumber)
	if err != nil {
		return nil, fmt.Errorf("fetching pull request before branch update failed: %w", err)
	}

	if pr.State == "closed" {
		return nil, ErrPullRequestIsClosed
	}

	logger := clt.logger.With(
		logfields.RepositoryOwner(owner),
		logfields.Repository(repo),
		logfields.PullRequest(prNumber),
		logfields.Commit(pr.HeadSHA),
	)

	expectedHeadSHA := pr.HeadSHA
	_, _, err = clt.restClt.PullRequests.UpdateBranch(ctx, owner, repo, prNumber, &github.PullRequestBranchUpdateOptions{ExpectedHeadSHA: &expectedHeadSHA})
	if err != nil {
		if _, ok := err.(*github.AcceptedError); ok {
			logger.Debug("updating branch with base branch scheduled",
				logfields.Event("github_branch_update_scheduled"))
			return clt.waitForBranchUpdate(ctx, owner, repo, prNumber, expectedHeadSHA)
		}

		var respErr *github.ErrorResponse
		if errors.As(err, &respErr) {
			if respErr.Response.StatusCode == http.StatusUnprocessableEntity {
				if strings.Contains(respErr.Message, "merge conflict") {
					return nil, fmt.Errorf("%w: %s", ErrMergeConflict, respErr.Message)
				}

				if strings.Contains(respErr.Message, "expected head sha didn’t match current head ref") {
					logger.Debug("branch changed while trying to sync with base branch",
						logfields.Event("github_branch_update_failed_ref_outdated"),
					)

					return nil, qerr.NewRetryableAnytimeError(err)
				}
			}
		}

		return nil, clt.wrapRetryableErrors(err)
	}

	// github normally schedules update operations and returns an
	// AcceptedError, this path might never be taken
	logger.Debug("branch was updated with base branch",
		logfields.Event("github_branch_updated"))

	return clt.waitForBranchUpdate(ctx, owner, repo, prNumber, expectedHeadSHA)
}

// waitForBranchUpdate polls the pull request until its head commit differs
// from oldHeadSHA, bounded by updateBranchPollAttempts.
func (clt *Client) waitForBranchUpdate(ctx context.Context, owner, repo string, prNumber int, oldHeadSHA string) (*BranchUpdate, error) {
	for attempt := 0; attempt < clt.updateBranchPollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(clt.updateBranchPollInterval):
		}

		pr, err := clt.PullRequest(ctx, owner, repo, prNumber)
		if err != nil {
			return nil, fmt.Errorf("checking if branch update was applied failed: %w", err)
		}

		if pr.State == "closed" && !pr.Merged {
			return nil, ErrPullRequestIsClosed
		}

		if pr.HeadSHA != oldHeadSHA {
			clt.logger.Debug("branch update was applied",
				logfields.RepositoryOwner(owner),
				logfields.Repository(repo),
				logfields.PullRequest(prNumber),
				logfields.Commit(pr.HeadSHA),
				logfields.Event("github_branch_update_applied"),
			)

			return &BranchUpdate{Changed: true, HeadSHA: pr.HeadSHA}, nil
		}
	}

	return nil, fmt.Errorf("github scheduled the branch update but the head commit did not change after %d checks", clt.updateBranchPollAttempts)
}

// MergePullRequest merges a pull request via the given merge method and
// returns the merge commit SHA.
// If GitHub reports that the merge did not happen, a MergeRejectedError is
// returned.
func (clt *Client) MergePullRequest(ctx context.Context, owner, repo string, prNumber int, method string) (commitSHA string, err error) {
	result, _, err := clt.restClt.PullRequests.Merge(ctx, owner, repo, prNumber, "", &github.PullRequestOptions{
		MergeMethod: method,
	})
	if err != nil {
		var respErr *github.ErrorResponse
		if errors.As(err, &respErr) {
			switch respErr.Response.StatusCode {
			case http.StatusMethodNotAllowed, http.StatusConflict:
				return "", &MergeRejectedError{Message: respErr.Message}
			}
		}

		return "", clt.wrapRetryableErrors(err)
	}

	if !result.GetMerged() {
		return "", &MergeRejectedError{Message: result.GetMessage()}
	}

	return result.GetSHA(), nil
}

// DeleteBranch deletes a branch.
// Deleting a branch that does not exist anymore succeeds.
func (clt *Client) DeleteBranch(ctx context.Context, owner, repo, ref string) error {
	_, err := clt.restClt.Git.DeleteRef(ctx, owner, repo, "heads/"+strings.TrimPrefix(ref, "refs/heads/"))
	if err != nil {
		var respErr *github.ErrorResponse
		if errors.As(err, &respErr) {
			if respErr.Response.StatusCode == http.StatusUnprocessableEntity &&
				strings.Contains(respErr.Message, "Reference does not exist") {
				return nil
			}
		}

		return clt.wrapRetryableErrors(err)
	}

	return nil
}

// AddLabels adds labels to a Pull-Request or Issue.
// Adding a label that the pull request already has succeeds.
func (clt *Client) AddLabels(ctx context.Context, owner, repo string, prNumber int, labels []string) error {
	if len(labels) == 0 {
		// github removes all labels when an empty list is provided, as
		// safe guard fail if because of a bug no label value is passed
		return errors.New("no labels provided")
	}

	for _, label := range labels {
		if label == "" {
			return errors.New("provided label is empty")
		}
	}

	_, _, err := clt.restClt.Issues.AddLabelsToIssue(ctx, owner, repo, prNumber, labels)
	return clt.wrapRetryableErrors(err)
}

// RemoveLabel removes a label from a Pull-Request or issue.
// If the issue or PR does not have the label, the operation succeeds.
func (clt *Client) RemoveLabel(ctx context.Context, owner, repo string, prNumber int, label string) error {
	_, err := clt.restClt.Issues.RemoveLabelForIssue(ctx, owner, repo, prNumber, label)
	if err != nil {
		var respErr *github.ErrorResponse
		if errors.As(err, &respErr) {
			if respErr.Response.StatusCode == http.StatusNotFound {
				clt.logger.Debug("removing label returned a not found response, interpreting it as success",
					logfields.RepositoryOwner(owner),
					logfields.Repository(repo),
					logfields.PullRequest(prNumber),
					logfields.Label(label),
					logfields.Event("github_remove_label_returned_not_found"),
					zap.Error(err),
				)

				return nil
			}
		}

		return clt.wrapRetryableErrors(err)
	}

	return nil
}

// CreateIssueComment creates a comment in an issue or pull request.
func (clt *Client) CreateIssueComment(ctx context.Context, owner, repo string, prNumber int, comment string) error {
	_, _, err := clt.restClt.Issues.CreateComment(ctx, owner, repo, prNumber, &github.IssueComment{Body: &comment})
	return clt.wrapRetryableErrors(err)
}

func (clt *Client) wrapRetryableErrors(err error) error {
	switch v := err.(type) {
	case *github.RateLimitError:
		clt.logger.Info(
			"rate limit exceeded",
			logfields.Event("github_api_rate_limit_exceeded"),
			zap.Int("github_api_rate_limit", v.Rate.Limit),
			zap.Time("github_api_rate_limit_reset_time", v.Rate.Reset.Time),
		)

		return qerr.NewRetryableError(err, v.Rate.Reset.Time)

	case *github.ErrorResponse:
		if v.Response.StatusCode >= 500 && v.Response.StatusCode < 600 {
			return qerr.NewRetryableAnytimeError(err)
		}
	}

	return err
}

var graphQlHTTPStatusErrRe = regexp.MustCompile(`^non-200 OK status code: ([0-9]+) .*`)

func (clt *Client) wrapGraphQLRetryableErrors(err error) error {
	matches := graphQlHTTPStatusErrRe.FindStringSubmatch(err.Error())
	if len(matches) != 2 {
		return err
	}

	errcode, atoiErr := strconv.Atoi(matches[1])
	if atoiErr != nil {
		clt.logger.Info(
			"parsing http code from error string failed",
			zap.Error(atoiErr),
			zap.String("error_string", err.Error()),
			zap.String("http_errcode", matches[1]),
		)
		return err
	}

	if errcode >= 500 && errcode < 600 {
		return qerr.NewRetryableAnytimeError(err)
	}

	return err
}
