// Package labels defines the closed vocabulary of externally visible state
// labels. The pipeline controller is the single writer; ingestion reads
// them for deduplication and the retry_needed retrigger.
package labels

// In-progress labels.
const (
	RebaseInProgress   = "rebase_in_progress"
	BackportInProgress = "backport_in_progress"
)

// Attention and routing labels.
const (
	NeedsAttention = "needs_attention"
	NoActionNeeded = "no_action_needed"
)

// Success terminals.
const (
	Rebased    = "rebased"
	Backported = "backported"
)

// Failure terminals.
const (
	RebaseErrored   = "rebase_errored"
	BackportErrored = "backport_errored"
	TriageErrored   = "triage_errored"
	RebaseFailed    = "rebase_failed"
	BackportFailed  = "backport_failed"
)

// RetryNeeded is the external retrigger consumed by ingestion.
const RetryNeeded = "retry_needed"

var all = []string{
	RebaseInProgress, BackportInProgress,
	NeedsAttention, NoActionNeeded,
	Rebased, Backported,
	RebaseErrored, BackportErrored, TriageErrored,
	RebaseFailed, BackportFailed,
	RetryNeeded,
}

// All returns the full vocabulary, retry control label included.
func All() []string {
	out := make([]string, len(all))
	copy(out, all)
	return out
}

// IsState reports whether label belongs to the vocabulary, excluding the
// retry_needed control label.
func IsState(label string) bool {
	return label != RetryNeeded && Is(label)
}

// Is reports whether label belongs to the vocabulary.
func Is(label string) bool {
	for _, l := range all {
		if l == label {
			return true
		}
	}
	return false
}
