package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/queueward/queueward/internal/ghclt"
	"github.com/queueward/queueward/internal/queue/mocks"
)

func newTestUpdater(t *testing.T, clt GithubClient, pollInterval, timeout time.Duration, requireAllChecks bool) *Updater {
	t.Helper()

	return &Updater{
		repo:              testRepo,
		clt:               clt,
		validator:         newTestValidator(t, clt, testQueueCfg()),
		checkPollInterval: pollInterval,
		checkTimeout:      timeout,
		requireAllChecks:  requireAllChecks,
		logger:            zap.L().Named("branch_updater"),
	}
}

func mockUpdateBranchCall(clt *mocks.MockGithubClient, prNumber int, update *ghclt.BranchUpdate, err error) *gomock.Call {
	return clt.
		EXPECT().
		UpdateBranch(gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo), gomock.Eq(prNumber)).
		Return(update, err)
}

func TestUpdateIfBehindNothingToDo(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	mockctrl := gomock.NewController(t)
	ghClient := mocks.NewMockGithubClient(mockctrl)
	mockPRIsBehindBaseCall(ghClient, 1, false)

	updater := newTestUpdater(t, ghClient, time.Millisecond, time.Minute, true)

	result, err := updater.UpdateIfBehind(context.Background(), 1)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Empty(t, result.HeadSHA)
}

func TestUpdateIfBehindMergeConflict(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	mockctrl := gomock.NewController(t)
	ghClient := mocks.NewMockGithubClient(mockctrl)
	mockPRIsBehindBaseCall(ghClient, 1, true)
	mockUpdateBranchCall(ghClient, 1, nil, fmt.Errorf("updating branch failed: %w", ghclt.ErrMergeConflict))

	updater := newTestUpdater(t, ghClient, time.Millisecond, time.Minute, true)

	result, err := updater.UpdateIfBehind(context.Background(), 1)
	require.NoError(t, err)

	assert.True(t, result.Conflict)
	assert.False(t, result.Success)
	assert.Contains(t, result.Reason, "merge conflict")
}

func TestUpdateIfBehindMissingHeadCommit(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	mockctrl := gomock.NewController(t)
	ghClient := mocks.NewMockGithubClient(mockctrl)
	mockPRIsBehindBaseCall(ghClient, 1, true)
	mockUpdateBranchCall(ghClient, 1, &ghclt.BranchUpdate{Changed: true}, nil)

	updater := newTestUpdater(t, ghClient, time.Millisecond, time.Minute, true)

	result, err := updater.UpdateIfBehind(context.Background(), 1)
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.False(t, result.Conflict)
	assert.Contains(t, result.Reason, "no head commit SHA")
}

func TestUpdateWithoutRequiredChecksSkipsWaiting(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	mockctrl := gomock.NewController(t)
	ghClient := mocks.NewMockGithubClient(mockctrl)
	mockPRIsBehindBaseCall(ghClient, 1, true)
	mockUpdateBranchCall(ghClient, 1, &ghclt.BranchUpdate{Changed: true, HeadSHA: "f00ba4"}, nil)

	updater := newTestUpdater(t, ghClient, time.Millisecond, time.Minute, false)

	result, err := updater.UpdateIfBehind(context.Background(), 1)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, "f00ba4", result.HeadSHA)
}

func TestUpdateWaitsUntilChecksSettle(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	mockctrl := gomock.NewController(t)
	ghClient := mocks.NewMockGithubClient(mockctrl)

	pr := openPR(1)
	pr.HeadSHA = "f00ba4"

	mockPRIsBehindBaseCall(ghClient, 1, true)
	mockUpdateBranchCall(ghClient, 1, &ghclt.BranchUpdate{Changed: true, HeadSHA: "f00ba4"}, nil)
	mockPullRequestCall(ghClient, pr).Times(2)

	gomock.InOrder(
		mockCommitChecksCall(ghClient, "f00ba4", []*ghclt.CheckResult{
			{Name: "build", Status: ghclt.CheckStatusPending},
		}),
		mockCommitChecksCall(ghClient, "f00ba4", []*ghclt.CheckResult{
			{Name: "build", Status: ghclt.CheckStatusSuccess},
		}),
	)

	updater := newTestUpdater(t, ghClient, time.Millisecond, time.Minute, true)

	result, err := updater.UpdateIfBehind(context.Background(), 1)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, "f00ba4", result.HeadSHA)
}

func TestUpdateChecksFailAfterUpdate(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	mockctrl := gomock.NewController(t)
	ghClient := mocks.NewMockGithubClient(mockctrl)

	pr := openPR(1)
	pr.HeadSHA = "f00ba4"

	mockPRIsBehindBaseCall(ghClient, 1, true)
	mockUpdateBranchCall(ghClient, 1, &ghclt.BranchUpdate{Changed: true, HeadSHA: "f00ba4"}, nil)
	mockPullRequestCall(ghClient, pr)
	mockCommitChecksCall(ghClient, "f00ba4", []*ghclt.CheckResult{
		{Name: "test", Status: ghclt.CheckStatusFailure},
	})

	updater := newTestUpdater(t, ghClient, time.Millisecond, time.Minute, true)

	result, err := updater.UpdateIfBehind(context.Background(), 1)
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, "checks failed after the branch update: test", result.Reason)
}

func TestUpdatePRClosedWhileWaiting(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	mockctrl := gomock.NewController(t)
	ghClient := mocks.NewMockGithubClient(mockctrl)

	pr := openPR(1)
	pr.State = "closed"

	mockPRIsBehindBaseCall(ghClient, 1, true)
	mockUpdateBranchCall(ghClient, 1, &ghclt.BranchUpdate{Changed: true, HeadSHA: "f00ba4"}, nil)
	mockPullRequestCall(ghClient, pr)

	updater := newTestUpdater(t, ghClient, time.Millisecond, time.Minute, true)

	result, err := updater.UpdateIfBehind(context.Background(), 1)
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, "pull request was closed while waiting for checks", result.Reason)
}

func TestUpdateWaitTimeout(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	mockctrl := gomock.NewController(t)
	ghClient := mocks.NewMockGithubClient(mockctrl)

	pr := openPR(1)
	pr.HeadSHA = "f00ba4"

	mockPRIsBehindBaseCall(ghClient, 1, true)
	mockUpdateBranchCall(ghClient, 1, &ghclt.BranchUpdate{Changed: true, HeadSHA: "f00ba4"}, nil)
	mockPullRequestCall(ghClient, pr)
	mockCommitChecksCall(ghClient, "f00ba4", []*ghclt.CheckResult{
		{Name: "build", Status: ghclt.CheckStatusPending},
	})

	// zero timeout makes the first pending iteration expire the deadline
	updater := newTestUpdater(t, ghClient, time.Millisecond, 0, true)

	result, err := updater.UpdateIfBehind(context.Background(), 1)
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Contains(t, result.Reason, "timed out after")
	assert.Contains(t, result.Reason, "build")
}
