// Package schema defines the typed records exchanged between pipeline
// stages and persisted to the work queue. The wire format is JSON; every
// record carries the jira_issue field so a worker can correlate back to the
// ticket without parsing anything else.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Task is the unit of work stored on a queue. Metadata is an opaque,
// component-defined payload; Attempts counts failed dequeue-and-process
// cycles.
type Task struct {
	Metadata json.RawMessage `json:"metadata"`
	Attempts int             `json:"attempts"`
}

// NewTask wraps a payload into a fresh Task with zero attempts.
func NewTask(metadata any) (Task, error) {
	raw, err := json.Marshal(metadata)
	if err != nil {
		return Task{}, fmt.Errorf("failed to marshal task metadata: %w", err)
	}
	return Task{Metadata: raw}, nil
}

// UnmarshalFrom parses the wire form of a Task and rejects envelopes
// without metadata.
func (t *Task) UnmarshalFrom(raw []byte) error {
	if err := json.Unmarshal(raw, t); err != nil {
		return fmt.Errorf("failed to decode task envelope: %w", err)
	}
	if len(t.Metadata) == 0 {
		return fmt.Errorf("task envelope has no metadata")
	}
	return nil
}

// Decode unmarshals the task metadata into v.
func (t Task) Decode(v any) error {
	if err := json.Unmarshal(t.Metadata, v); err != nil {
		return fmt.Errorf("failed to decode task metadata: %w", err)
	}
	return nil
}

// TriageInput is the metadata of a task on the triage queue.
type TriageInput struct {
	Issue string `json:"issue"`
}

// CanonicalKey normalizes an issue key. Upstream keys are case-insensitive;
// everything past this point is upper case.
func CanonicalKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

// PipelineTask is the metadata of a task on a rebase or backport queue.
type PipelineTask struct {
	TriageResult TriageResult `json:"triage_result"`
	TargetBranch string       `json:"target_branch"`
}

// CVEEligibility is the outcome of the CVE triage eligibility check.
type CVEEligibility struct {
	IsCVE               bool   `json:"is_cve"`
	IsEligibleForTriage bool   `json:"is_eligible_for_triage"`
	Reason              string `json:"reason"`
	NeedsInternalFix    bool   `json:"needs_internal_fix,omitempty"`
	Error               string `json:"error,omitempty"`
}

// StageResult accumulates the terminal outcome of a pipeline run.
type StageResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// RebaseState is the mutable record threaded through the rebase workflow.
// It is reconstructed from the queued PipelineTask on dequeue and owned
// exclusively by the engine for the duration of the run.
type RebaseState struct {
	JiraIssue              string      `json:"jira_issue"`
	Package                string      `json:"package"`
	TargetBranch           string      `json:"target_branch"`
	Version                string      `json:"version"`
	ClonePath              string      `json:"clone_path,omitempty"`
	ForkURL                string      `json:"fork_url,omitempty"`
	UpdateBranch           string      `json:"update_branch,omitempty"`
	BuildAttemptsRemaining int         `json:"build_attempts_remaining"`
	BuildError             string      `json:"build_error,omitempty"`
	RebaseLog              string      `json:"rebase_log,omitempty"`
	SRPMPath               string      `json:"srpm_path,omitempty"`
	FilesToAdd             []string    `json:"files_to_git_add,omitempty"`
	Title                  string      `json:"title,omitempty"`
	Description            string      `json:"description,omitempty"`
	MergeRequestURL        string      `json:"merge_request_url,omitempty"`
	Result                 StageResult `json:"result"`
}

// BackportState is the rebase analogue for targeted patch backports.
type BackportState struct {
	JiraIssue              string      `json:"jira_issue"`
	Package                string      `json:"package"`
	TargetBranch           string      `json:"target_branch"`
	PatchURL               string      `json:"patch_url"`
	Justification          string      `json:"justification,omitempty"`
	ClonePath              string      `json:"clone_path,omitempty"`
	ForkURL                string      `json:"fork_url,omitempty"`
	UpdateBranch           string      `json:"update_branch,omitempty"`
	BuildAttemptsRemaining int         `json:"build_attempts_remaining"`
	BuildError             string      `json:"build_error,omitempty"`
	SRPMPath               string      `json:"srpm_path,omitempty"`
	FilesToAdd             []string    `json:"files_to_git_add,omitempty"`
	Title                  string      `json:"title,omitempty"`
	Description            string      `json:"description,omitempty"`
	MergeRequestURL        string      `json:"merge_request_url,omitempty"`
	Result                 StageResult `json:"result"`
}

// ErrorRecord is the payload pushed to the error list when a task exhausts
// its retries.
type ErrorRecord struct {
	JiraIssue string `json:"jira_issue"`
	Queue     string `json:"queue"`
	Attempts  int    `json:"attempts"`
	Error     string `json:"error"`
}

// CompletedRecord is the payload pushed to a completed list when a pipeline
// opens a merge request.
type CompletedRecord struct {
	JiraIssue       string `json:"jira_issue"`
	Package         string `json:"package"`
	TargetBranch    string `json:"target_branch"`
	MergeRequestURL string `json:"merge_request_url"`
}

// ExtractIssueKey recovers the issue key from any queued payload: a Task
// envelope, a triage input, a pipeline state, or a data-queue record. It
// returns "" when no key can be found; callers treat such entries as
// unparseable rather than failing the scan.
func ExtractIssueKey(raw []byte) string {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return ""
	}
	return keyFromDoc(doc)
}

func keyFromDoc(doc map[string]json.RawMessage) string {
	str := func(raw json.RawMessage) string {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return CanonicalKey(s)
		}
		return ""
	}
	if raw, ok := doc["issue"]; ok {
		if key := str(raw); key != "" {
			return key
		}
	}
	if raw, ok := doc["jira_issue"]; ok {
		if key := str(raw); key != "" {
			return key
		}
	}
	// Task envelope: descend into metadata.
	if raw, ok := doc["metadata"]; ok {
		var inner map[string]json.RawMessage
		if json.Unmarshal(raw, &inner) == nil {
			if key := keyFromDoc(inner); key != "" {
				return key
			}
		}
	}
	// Pipeline task: the key lives on the triage result's data payload.
	if raw, ok := doc["triage_result"]; ok {
		var result TriageResult
		if json.Unmarshal(raw, &result) == nil {
			return CanonicalKey(result.IssueKey())
		}
	}
	if raw, ok := doc["data"]; ok {
		var inner map[string]json.RawMessage
		if json.Unmarshal(raw, &inner) == nil {
			if key := keyFromDoc(inner); key != "" {
				return key
			}
		}
	}
	return ""
}
