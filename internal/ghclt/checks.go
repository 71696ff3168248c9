package ghclt

import (
	"context"
	"fmt"

	"github.com/shurcooL/githubv4"
)

// CheckStatus abstracts the multiple result values of GitHub check runs and
// commit statuses into a single vocabulary.
type CheckStatus string

const (
	CheckStatusSuccess   CheckStatus = "success"
	CheckStatusFailure   CheckStatus = "failure"
	CheckStatusPending   CheckStatus = "pending"
	CheckStatusNeutral   CheckStatus = "neutral"
	CheckStatusCancelled CheckStatus = "cancelled"
	CheckStatusSkipped   CheckStatus = "skipped"
)

// CheckResult is the normalized state of a single GitHub check run or legacy
// commit status.
type CheckResult struct {
	Name   string
	Status CheckStatus
}

type queryCheckRun struct {
	Name       string
	Conclusion githubv4.CheckConclusionState
	Status     githubv4.CheckStatusState
}

type queryStatusContext struct {
	State   githubv4.StatusState
	Context string
}

// CommitChecks returns the check runs and legacy commit statuses of a commit,
// normalized into one list.
// When a check run and a commit status share the same name, the check run
// result wins, GitHub reports re-runs of migrated jobs under both APIs.
func (clt *Client) CommitChecks(ctx context.Context, owner, repo, commit string) ([]*CheckResult, error) {
	type graphQLQueryCommitChecks struct {
		Repository struct {
			Object struct {
				Commit struct {
					StatusCheckRollup struct {
						Contexts struct {
							PageInfo struct {
								EndCursor   githubv4.String
								HasNextPage bool
							}
							Nodes []struct {
								CheckRun      queryCheckRun      `graphql:"... on CheckRun"`
								StatusContext queryStatusContext `graphql:"... on StatusContext"`
							}
						} `graphql:"contexts(first: $contextsFirst, after: $contextsAfter)"`
					}
				} `graphql:"... on Commit"`
			} `graphql:"object(oid: $oid)"`
		} `graphql:"repository(owner: $owner, name: $name)"`
	}

	vars := map[string]any{
		"owner":         githubv4.String(owner),
		"name":          githubv4.String(repo),
		"oid":           githubv4.GitObjectID(commit),
		"contextsFirst": githubv4.Int(100),
		"contextsAfter": (*githubv4.String)(nil),
	}

	byName := map[string]*CheckResult{}
	fromCheckRun := map[string]bool{}

	for {
		var q graphQLQueryCommitChecks

		if err := clt.graphQLClt.Query(ctx, &q, vars); err != nil {
			return nil, clt.wrapGraphQLRetryableErrors(err)
		}

		contexts := q.Repository.Object.Commit.StatusCheckRollup.Contexts
		for _, node := range contexts.Nodes {
			if node.CheckRun.Name != "" {
				byName[node.CheckRun.Name] = &CheckResult{
					Name:   node.CheckRun.Name,
					Status: checkRunToStatus(node.CheckRun.Status, node.CheckRun.Conclusion),
				}
				fromCheckRun[node.CheckRun.Name] = true

				continue
			}

			if node.StatusContext.Context == "" {
				continue
			}

			if fromCheckRun[node.StatusContext.Context] {
				continue
			}

			byName[node.StatusContext.Context] = &CheckResult{
				Name:   node.StatusContext.Context,
				Status: statusContextToStatus(node.StatusContext.State),
			}
		}

		if !contexts.PageInfo.HasNextPage {
			break
		}

		if contexts.PageInfo.EndCursor == "" {
			return nil, fmt.Errorf("retrieving all contexts of commit %s failed, HasNextPage is true but EndCursor is empty", commit)
		}

		vars["contextsAfter"] = contexts.PageInfo.EndCursor
	}

	result := make([]*CheckResult, 0, len(byName))
	for _, check := range byName {
		result = append(result, check)
	}

	return result, nil
}

// checkRunToStatus maps a check run state to a CheckStatus.
// The mapping is total, unknown values map to pending instead of success, a
// check is only considered finished when GitHub reported a definitive
// conclusion.
func checkRunToStatus(status githubv4.CheckStatusState, conclusion githubv4.CheckConclusionState) CheckStatus {
	if status != githubv4.CheckStatusStateCompleted {
		return CheckStatusPending
	}

	switch conclusion {
	case githubv4.CheckConclusionStateSuccess:
		return CheckStatusSuccess

	case githubv4.CheckConclusionStateNeutral:
		return CheckStatusNeutral

	case githubv4.CheckConclusionStateSkipped:
		return CheckStatusSkipped

	case githubv4.CheckConclusionStateCancelled:
		return CheckStatusCancelled

	case githubv4.CheckConclusionStateFailure,
		githubv4.CheckConclusionStateStale,
		githubv4.CheckConclusionStateStartupFailure,
		githubv4.CheckConclusionStateTimedOut:
		return CheckStatusFailure

	case githubv4.CheckConclusionStateActionRequired:
		return CheckStatusPending

	default:
		return CheckStatusPending
	}
}

// statusContextToStatus maps a legacy commit status state to a CheckStatus.
// The mapping is total, unknown values map to pending.
func statusContextToStatus(state githubv4.StatusState) CheckStatus {
	switch state {
	case githubv4.StatusStateSuccess:
		return CheckStatusSuccess

	case githubv4.StatusStateError,
		githubv4.StatusStateFailure:
		return CheckStatusFailure

	case githubv4.StatusStateExpected,
		githubv4.StatusStatePending:
		return CheckStatusPending

	default:
		return CheckStatusPending
	}
}
