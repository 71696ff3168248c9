package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/queueward/queueward/internal/cfg"
	"github.com/queueward/queueward/internal/ghclt"
	"github.com/queueward/queueward/internal/queue/mocks"
)

const mergeCommitSHA = "c0ffee1"

func newTestProcessor(t *testing.T, clt GithubClient, queueCfg *cfg.QueueConfig) *Processor {
	t.Helper()

	validator := newTestValidator(t, clt, queueCfg)
	updater := &Updater{
		repo:              testRepo,
		clt:               clt,
		validator:         validator,
		checkPollInterval: time.Millisecond,
		checkTimeout:      time.Minute,
		requireAllChecks:  queueCfg.RequireAllChecks,
		logger:            zap.L().Named("branch_updater"),
	}

	return NewProcessor(clt, validator, updater, testRepo, queueCfg, nil, nil)
}

// mockEligiblePRValidation configures all calls of a validation pass that
// ends successful: open pull request, one approval, passing checks.
// Staleness is left to the individual testcase.
func mockEligiblePRValidation(ghClient *mocks.MockGithubClient, pr *ghclt.PullRequest) {
	mockReviewsCall(ghClient, pr.Number, []*ghclt.Review{approvedReview("rev1", time.Now())})
	mockCommitChecksCall(ghClient, pr.HeadSHA, successChecks()).AnyTimes()
}

// mockQueueLabelHandling configures the label transitions every processing
// run performs: marking the pull request as in-progress at the start and
// removing the queue labels at the end.
func mockQueueLabelHandling(ghClient *mocks.MockGithubClient, prNumber int, queueCfg *cfg.QueueConfig) {
	ghClient.
		EXPECT().
		AddLabels(gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo), gomock.Eq(prNumber), gomock.Eq([]string{queueCfg.ProcessingLabel})).
		Return(nil)
	ghClient.
		EXPECT().
		RemoveLabel(gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo), gomock.Eq(prNumber), gomock.Eq(queueCfg.ProcessingLabel)).
		Return(nil)
	ghClient.
		EXPECT().
		RemoveLabel(gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo), gomock.Eq(prNumber), gomock.Eq(queueCfg.TriggerLabel)).
		Return(nil)
}

func mockOutcomeComment(ghClient *mocks.MockGithubClient, prNumber int) *gomock.Call {
	return ghClient.
		EXPECT().
		CreateIssueComment(gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo), gomock.Eq(prNumber), gomock.Any()).
		Return(nil)
}

func mockMergeCall(ghClient *mocks.MockGithubClient, prNumber int, method, sha string, err error) *gomock.Call {
	return ghClient.
		EXPECT().
		MergePullRequest(gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo), gomock.Eq(prNumber), gomock.Eq(method)).
		Return(sha, err)
}

func TestProcessUpToDatePRIsMergedDirectly(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	mockctrl := gomock.NewController(t)
	ghClient := mocks.NewMockGithubClient(mockctrl)
	queueCfg := testQueueCfg()

	pr := openPR(1)
	mockPullRequestCall(ghClient, pr).Times(2)
	mockEligiblePRValidation(ghClient, pr)
	// once during validation, once as final gate before merging
	mockPRIsBehindBaseCall(ghClient, pr.Number, false).Times(2)
	mockMergeCall(ghClient, pr.Number, queueCfg.MergeMethod, mergeCommitSHA, nil)
	mockQueueLabelHandling(ghClient, pr.Number, queueCfg)
	mockOutcomeComment(ghClient, pr.Number)
	ghClient.
		EXPECT().
		DeleteBranch(gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo), gomock.Eq(pr.HeadRef)).
		Return(nil)

	processor := newTestProcessor(t, ghClient, queueCfg)

	outcome, err := processor.Process(context.Background(), pr.Number)
	require.NoError(t, err)

	assert.Equal(t, ResultMerged, outcome.Result)
	assert.Equal(t, mergeCommitSHA, outcome.CommitSHA)
}

func TestProcessStaleBranchIsUpdatedThenMerged(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	mockctrl := gomock.NewController(t)
	ghClient := mocks.NewMockGithubClient(mockctrl)
	queueCfg := testQueueCfg()
	queueCfg.DeleteBranch = false

	pr := openPR(1)
	// validation, waiting for checks after the update, finalization
	mockPullRequestCall(ghClient, pr).Times(3)
	mockEligiblePRValidation(ghClient, pr)
	mockCommitChecksCall(ghClient, "newhead1", successChecks())

	gomock.InOrder(
		// validation: behind
		mockPRIsBehindBaseCall(ghClient, pr.Number, true),
		// updater: still behind, update it
		mockPRIsBehindBaseCall(ghClient, pr.Number, true),
		// after the update: caught up
		mockPRIsBehindBaseCall(ghClient, pr.Number, false),
		// final gate before merging
		mockPRIsBehindBaseCall(ghClient, pr.Number, false),
	)

	mockUpdateBranchCall(ghClient, pr.Number, &ghclt.BranchUpdate{Changed: true, HeadSHA: "newhead1"}, nil)
	mockMergeCall(ghClient, pr.Number, queueCfg.MergeMethod, mergeCommitSHA, nil)
	mockQueueLabelHandling(ghClient, pr.Number, queueCfg)
	mockOutcomeComment(ghClient, pr.Number)

	processor := newTestProcessor(t, ghClient, queueCfg)

	outcome, err := processor.Process(context.Background(), pr.Number)
	require.NoError(t, err)

	assert.Equal(t, ResultMerged, outcome.Result)
}

func TestProcessBaseAdvancesFasterThanRetries(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	mockctrl := gomock.NewController(t)
	ghClient := mocks.NewMockGithubClient(mockctrl)
	queueCfg := testQueueCfg()
	queueCfg.MaxUpdateRetries = 2

	pr := openPR(1)
	mockPullRequestCall(ghClient, pr).AnyTimes()
	mockEligiblePRValidation(ghClient, pr)
	mockCommitChecksCall(ghClient, "newhead1", successChecks()).AnyTimes()
	// the branch is behind again after every update
	mockPRIsBehindBaseCall(ghClient, pr.Number, true).AnyTimes()
	mockUpdateBranchCall(ghClient, pr.Number, &ghclt.BranchUpdate{Changed: true, HeadSHA: "newhead1"}, nil).Times(2)

	mockQueueLabelHandling(ghClient, pr.Number, queueCfg)
	ghClient.
		EXPECT().
		AddLabels(gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo), gomock.Eq(pr.Number), gomock.Eq([]string{queueCfg.FailedLabel})).
		Return(nil)
	mockOutcomeComment(ghClient, pr.Number)

	processor := newTestProcessor(t, ghClient, queueCfg)

	outcome, err := processor.Process(context.Background(), pr.Number)
	require.NoError(t, err)

	assert.Equal(t, ResultFailed, outcome.Result)
	assert.Contains(t, outcome.Reason, "after 2 update attempts")
}

func TestProcessConflictDuringUpdateTerminates(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	mockctrl := gomock.NewController(t)
	ghClient := mocks.NewMockGithubClient(mockctrl)
	queueCfg := testQueueCfg()

	pr := openPR(1)
	mockPullRequestCall(ghClient, pr).Times(2)
	mockEligiblePRValidation(ghClient, pr)
	mockPRIsBehindBaseCall(ghClient, pr.Number, true).Times(2)
	mockUpdateBranchCall(ghClient, pr.Number, nil, ghclt.ErrMergeConflict)

	mockQueueLabelHandling(ghClient, pr.Number, queueCfg)
	ghClient.
		EXPECT().
		AddLabels(gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo), gomock.Eq(pr.Number), gomock.Eq([]string{queueCfg.ConflictLabel})).
		Return(nil)
	mockOutcomeComment(ghClient, pr.Number)

	processor := newTestProcessor(t, ghClient, queueCfg)

	outcome, err := processor.Process(context.Background(), pr.Number)
	require.NoError(t, err)

	assert.Equal(t, ResultConflict, outcome.Result)
}

func TestProcessAutoUpdateDisabledFailsStalePR(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	mockctrl := gomock.NewController(t)
	ghClient := mocks.NewMockGithubClient(mockctrl)
	queueCfg := testQueueCfg()
	queueCfg.AutoUpdateBranch = false

	pr := openPR(1)
	mockPullRequestCall(ghClient, pr).Times(2)
	mockEligiblePRValidation(ghClient, pr)
	mockPRIsBehindBaseCall(ghClient, pr.Number, true)

	mockQueueLabelHandling(ghClient, pr.Number, queueCfg)
	ghClient.
		EXPECT().
		AddLabels(gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo), gomock.Eq(pr.Number), gomock.Eq([]string{queueCfg.FailedLabel})).
		Return(nil)
	mockOutcomeComment(ghClient, pr.Number)

	processor := newTestProcessor(t, ghClient, queueCfg)

	outcome, err := processor.Process(context.Background(), pr.Number)
	require.NoError(t, err)

	assert.Equal(t, ResultFailed, outcome.Result)
	assert.Contains(t, outcome.Reason, "automatic branch updates are disabled")
}

func TestProcessExternallyClosedPRIsRemoved(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	mockctrl := gomock.NewController(t)
	ghClient := mocks.NewMockGithubClient(mockctrl)
	queueCfg := testQueueCfg()

	pr := openPR(1)
	pr.State = "closed"
	mockPullRequestCall(ghClient, pr).Times(2)
	mockQueueLabelHandling(ghClient, pr.Number, queueCfg)
	mockOutcomeComment(ghClient, pr.Number)

	processor := newTestProcessor(t, ghClient, queueCfg)

	outcome, err := processor.Process(context.Background(), pr.Number)
	require.NoError(t, err)

	assert.Equal(t, ResultRemoved, outcome.Result)
	assert.Equal(t, "pull request is closed", outcome.Reason)
}

func TestProcessMergeRejectionIsBusinessFailure(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	mockctrl := gomock.NewController(t)
	ghClient := mocks.NewMockGithubClient(mockctrl)
	queueCfg := testQueueCfg()

	pr := openPR(1)
	mockPullRequestCall(ghClient, pr).Times(2)
	mockEligiblePRValidation(ghClient, pr)
	mockPRIsBehindBaseCall(ghClient, pr.Number, false).Times(2)
	mockMergeCall(ghClient, pr.Number, queueCfg.MergeMethod, "",
		&ghclt.MergeRejectedError{Message: "Base branch was modified"})

	mockQueueLabelHandling(ghClient, pr.Number, queueCfg)
	ghClient.
		EXPECT().
		AddLabels(gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo), gomock.Eq(pr.Number), gomock.Eq([]string{queueCfg.FailedLabel})).
		Return(nil)
	mockOutcomeComment(ghClient, pr.Number)

	processor := newTestProcessor(t, ghClient, queueCfg)

	outcome, err := processor.Process(context.Background(), pr.Number)
	require.NoError(t, err)

	assert.Equal(t, ResultFailed, outcome.Result)
	assert.Contains(t, outcome.Reason, "Base branch was modified")
}

func TestProcessFinalStalenessGatePreventsMerge(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	mockctrl := gomock.NewController(t)
	ghClient := mocks.NewMockGithubClient(mockctrl)
	queueCfg := testQueueCfg()

	pr := openPR(1)
	mockPullRequestCall(ghClient, pr).Times(2)
	mockEligiblePRValidation(ghClient, pr)

	gomock.InOrder(
		// up to date during validation
		mockPRIsBehindBaseCall(ghClient, pr.Number, false),
		// the base branch changed before the merge call
		mockPRIsBehindBaseCall(ghClient, pr.Number, true),
	)

	mockQueueLabelHandling(ghClient, pr.Number, queueCfg)
	ghClient.
		EXPECT().
		AddLabels(gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo), gomock.Eq(pr.Number), gomock.Eq([]string{queueCfg.FailedLabel})).
		Return(nil)
	mockOutcomeComment(ghClient, pr.Number)

	processor := newTestProcessor(t, ghClient, queueCfg)

	outcome, err := processor.Process(context.Background(), pr.Number)
	require.NoError(t, err)

	assert.Equal(t, ResultFailed, outcome.Result)
	assert.Contains(t, outcome.Reason, "not up to date anymore")
}

func TestProcessInvalidPRFails(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	mockctrl := gomock.NewController(t)
	ghClient := mocks.NewMockGithubClient(mockctrl)
	queueCfg := testQueueCfg()

	pr := openPR(1)
	pr.Draft = true
	mockPullRequestCall(ghClient, pr).Times(2)

	mockQueueLabelHandling(ghClient, pr.Number, queueCfg)
	ghClient.
		EXPECT().
		AddLabels(gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo), gomock.Eq(pr.Number), gomock.Eq([]string{queueCfg.FailedLabel})).
		Return(nil)
	mockOutcomeComment(ghClient, pr.Number)

	processor := newTestProcessor(t, ghClient, queueCfg)

	outcome, err := processor.Process(context.Background(), pr.Number)
	require.NoError(t, err)

	assert.Equal(t, ResultFailed, outcome.Result)
	assert.Equal(t, "pull request is a draft", outcome.Reason)
}
