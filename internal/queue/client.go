package queue

import (
	"context"

	"go.uber.org/zap"

	"github.com/queueward/queueward/internal/ghclt"
	"github.com/queueward/queueward/internal/retry"
)

// GithubClient is the set of remote repository capabilities the queue
// consumes.
// Implementations must treat removing an absent label as a no-op.
type GithubClient interface {
	PullRequest(ctx context.Context, owner, repo string, prNumber int) (*ghclt.PullRequest, error)
	Reviews(ctx context.Context, owner, repo string, prNumber int) ([]*ghclt.Review, error)
	CommitChecks(ctx context.Context, owner, repo, commit string) ([]*ghclt.CheckResult, error)
	PRIsBehindBase(ctx context.Context, owner, repo string, prNumber int) (bool, error)
	UpdateBranch(ctx context.Context, owner, repo string, prNumber int) (*ghclt.BranchUpdate, error)
	MergePullRequest(ctx context.Context, owner, repo string, prNumber int, method string) (string, error)
	DeleteBranch(ctx context.Context, owner, repo, ref string) error
	AddLabels(ctx context.Context, owner, repo string, prNumber int, labels []string) error
	RemoveLabel(ctx context.Context, owner, repo string, prNumber int, label string) error
	CreateIssueComment(ctx context.Context, owner, repo string, prNumber int, comment string) error
}

// RetryingClient decorates a GithubClient and repeats operations that failed
// with a qerr.RetryableError.
// Transient-fault handling lives here, the processor's own retry loop is
// only about branch staleness.
type RetryingClient struct {
	clt     GithubClient
	retryer *retry.Retryer
}

func NewRetryingClient(clt GithubClient, retryer *retry.Retryer) *RetryingClient {
	return &RetryingClient{clt: clt, retryer: retryer}
}

func (c *RetryingClient) PullRequest(ctx context.Context, owner, repo string, prNumber int) (*ghclt.PullRequest, error) {
	var result *ghclt.PullRequest

	err := c.retryer.Run(ctx, func(ctx context.Context) error {
		var err error
		result, err = c.clt.PullRequest(ctx, owner, repo, prNumber)
		return err
	}, nil)

	return result, err
}

func (c *RetryingClient) Reviews(ctx context.Context, owner, repo string, prNumber int) ([]*ghclt.Review, error) {
	var result []*ghclt.Review

	err := c.retryer.Run(ctx, func(ctx context.Context) error {
		var err error
		result, err = c.clt.Reviews(ctx, owner, repo, prNumber)
		return err
	}, nil)

	return result, err
}

func (c *RetryingClient) CommitChecks(ctx context.Context, owner, repo, commit string) ([]*ghclt.CheckResult, error) {
	var result []*ghclt.CheckResult

	err := c.retryer.Run(ctx, func(ctx context.Context) error {
		var err error
		result, err = c.clt.CommitChecks(ctx, owner, repo, commit)
		return err
	}, nil)

	return result, err
}

func (c *RetryingClient) PRIsBehindBase(ctx context.Context, owner, repo string, prNumber int) (bool, error) {
	var result bool

	err := c.retryer.Run(ctx, func(ctx context.Context) error {
		var err error
		result, err = c.clt.PRIsBehindBase(ctx, owner, repo, prNumber)
		return err
	}, nil)

	return result, err
}

func (c *RetryingClient) UpdateBranch(ctx context.Context, owner, repo string, prNumber int) (*ghclt.BranchUpdate, error) {
	var result *ghclt.BranchUpdate

	err := c.retryer.Run(ctx, func(ctx context.Context) error {
		var err error
		result, err = c.clt.UpdateBranch(ctx, owner, repo, prNumber)
		return err
	}, nil)

	return result, err
}

func (c *RetryingClient) MergePullRequest(ctx context.Context, owner, repo string, prNumber int, method string) (string, error) {
	var result string

	err := c.retryer.Run(ctx, func(ctx context.Context) error {
		var err error
		result, err = c.clt.MergePullRequest(ctx, owner, repo, prNumber, method)
		return err
	}, nil)

	return result, err
}

func (c *RetryingClient) DeleteBranch(ctx context.Context, owner, repo, ref string) error {
	return c.retryer.Run(ctx, func(ctx context.Context) error {
		return c.clt.DeleteBranch(ctx, owner, repo, ref)
	}, nil)
}

func (c *RetryingClient) AddLabels(ctx context.Context, owner, repo string, prNumber int, labels []string) error {
	return c.retryer.Run(ctx, func(ctx context.Context) error {
		return c.clt.AddLabels(ctx, owner, repo, prNumber, labels)
	}, nil)
}

func (c *RetryingClient) RemoveLabel(ctx context.Context, owner, repo string, prNumber int, label string) error {
	return c.retryer.Run(ctx, func(ctx context.Context) error {
		return c.clt.RemoveLabel(ctx, owner, repo, prNumber, label)
	}, nil)
}

func (c *RetryingClient) CreateIssueComment(ctx context.Context, owner, repo string, prNumber int, comment string) error {
	return c.retryer.Run(ctx, func(ctx context.Context) error {
		return c.clt.CreateIssueComment(ctx, owner, repo, prNumber, comment)
	}, nil)
}

// DryClient is a GithubClient that does not do any changes on github.
// All mutating operations are simulated and always succeed, reads are
// forwarded to the wrapped client.
type DryClient struct {
	clt    GithubClient
	logger *zap.Logger
}

func NewDryClient(clt GithubClient, logger *zap.Logger) *DryClient {
	return &DryClient{
		clt:    clt,
		logger: logger.Named("dry_github_client"),
	}
}

func (c *DryClient) PullRequest(ctx context.Context, owner, repo string, prNumber int) (*ghclt.PullRequest, error) {
	return c.clt.PullRequest(ctx, owner, repo, prNumber)
}

func (c *DryClient) Reviews(ctx context.Context, owner, repo string, prNumber int) ([]*ghclt.Review, error) {
	return c.clt.Reviews(ctx, owner, repo, prNumber)
}

func (c *DryClient) CommitChecks(ctx context.Context, owner, repo, commit string) ([]*ghclt.CheckResult, error) {
	return c.clt.CommitChecks(ctx, owner, repo, commit)
}

func (c *DryClient) PRIsBehindBase(ctx context.Context, owner, repo string, prNumber int) (bool, error) {
	return c.clt.PRIsBehindBase(ctx, owner, repo, prNumber)
}

func (c *DryClient) UpdateBranch(ctx context.Context, owner, repo string, prNumber int) (*ghclt.BranchUpdate, error) {
	c.logger.Info("simulated branch update, reporting branch as unchanged")

	pr, err := c.clt.PullRequest(ctx, owner, repo, prNumber)
	if err != nil {
		return nil, err
	}

	return &ghclt.BranchUpdate{Changed: false, HeadSHA: pr.HeadSHA}, nil
}

// DryRunCommitSHA is reported as merge commit by DryClient.MergePullRequest,
// messages that mention the commit stay readable in dry-run mode.
const DryRunCommitSHA = "dry-run"

func (c *DryClient) MergePullRequest(ctx context.Context, owner, repo string, prNumber int, method string) (string, error) {
	c.logger.Info("simulated merging of pull request, nothing was merged on github")
	return DryRunCommitSHA, nil
}

func (c *DryClient) DeleteBranch(context.Context, string, string, string) error {
	c.logger.Info("simulated deleting of branch, no branch deleted on github")
	return nil
}

func (c *DryClient) AddLabels(context.Context, string, string, int, []string) error {
	c.logger.Info("simulated adding of labels, no labels added on github")
	return nil
}

func (c *DryClient) RemoveLabel(context.Context, string, string, int, string) error {
	c.logger.Info("simulated removing of label, no label removed on github")
	return nil
}

func (c *DryClient) CreateIssueComment(context.Context, string, string, int, string) error {
	c.logger.Info("simulated creating of github issue comment, no comment created on github")
	return nil
}
