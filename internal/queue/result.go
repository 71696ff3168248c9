package queue

// MergeResult is the terminal classification of one processing run.
type MergeResult string

const (
	ResultMerged   MergeResult = "merged"
	ResultFailed   MergeResult = "failed"
	ResultConflict MergeResult = "conflict"
	// ResultRemoved means the pull request was closed or merged outside
	// of the queue while it was queued. It is dropped from the queue
	// without being treated as a failure.
	ResultRemoved MergeResult = "removed"
)

// Outcome is the result of one processing run together with the reason that
// lead to it.
type Outcome struct {
	Result MergeResult
	// Reason is a human readable explanation, suitable for posting as a
	// pull request comment.
	Reason string
	// CommitSHA is the merge commit, set when Result is ResultMerged.
	CommitSHA string
}

// CheckList is the per-gate breakdown of a validation pass.
// The validator short-circuits on the first failing gate, fields of gates
// that were not evaluated anymore are false, not absent.
type CheckList struct {
	Approved      bool
	ChecksPass    bool
	NotDraft      bool
	NoBlockLabels bool
	UpToDate      bool
	NoConflicts   bool
}

// ValidationResult is the answer to "is this pull request currently eligible
// to merge". It is created fresh per validation call and never mutated.
type ValidationResult struct {
	Valid  bool
	Reason string
	// Checks is nil when the pull request is not open anymore, that is a
	// terminal condition, not a checklist failure.
	Checks *CheckList
	// Removed is true when the pull request was closed or merged outside
	// of the queue.
	Removed bool
}

// UpdateResult is the outcome of one attempted branch update.
// A conflict is always a failure, but not every failure is a conflict.
type UpdateResult struct {
	Success  bool
	Conflict bool
	// HeadSHA is the pull request head commit after a successful update.
	// It is empty when no update was needed.
	HeadSHA string
	// Reason describes why the update failed.
	Reason string
}
