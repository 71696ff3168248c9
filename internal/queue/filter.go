package queue

import (
	"context"
	"fmt"

	"github.com/itchyny/gojq"

	"github.com/queueward/queueward/internal/ghclt"
)

// EligibilityFilter gates queue entry with a user-supplied jq expression.
// The expression is evaluated against a JSON representation of the pull
// request snapshot and must return exactly one boolean.
type EligibilityFilter struct {
	query *gojq.Query
	src   string
}

func NewEligibilityFilter(jqExpr string) (*EligibilityFilter, error) {
	query, err := gojq.Parse(jqExpr)
	if err != nil {
		return nil, err
	}

	return &EligibilityFilter{query: query, src: jqExpr}, nil
}

func (f *EligibilityFilter) String() string {
	return f.src
}

// Matches evaluates the filter for a pull request snapshot.
func (f *EligibilityFilter) Matches(ctx context.Context, pr *ghclt.PullRequest) (bool, error) {
	labels := make([]any, len(pr.Labels))
	for i, label := range pr.Labels {
		labels[i] = label
	}

	doc := map[string]any{
		"number":      pr.Number,
		"title":       pr.Title,
		"state":       pr.State,
		"draft":       pr.Draft,
		"merged":      pr.Merged,
		"labels":      labels,
		"head_branch": pr.HeadRef,
		"base_branch": pr.BaseRef,
		"author":      pr.Author,
	}

	results, errs := jqIterToSlice(f.query.RunWithContext(ctx, doc))
	if len(errs) != 0 {
		return false, fmt.Errorf("jq query %q returned errors: %v", f.src, errs)
	}

	if len(results) != 1 {
		return false, fmt.Errorf("jq query %q returned %d results, expected exactly 1", f.src, len(results))
	}

	matches, ok := results[0].(bool)
	if !ok {
		return false, fmt.Errorf("jq query %q returned a non-bool result: %+v (%T)", f.src, results[0], results[0])
	}

	return matches, nil
}

func jqIterToSlice(iter gojq.Iter) ([]any, []error) {
	var result []any
	var errs []error

	for {
		res, ok := iter.Next()
		if !ok {
			return result, errs
		}

		if err, isErr := res.(error); isErr {
			errs = append(errs, err)
			continue
		}

		result = append(result, res)
	}
}
