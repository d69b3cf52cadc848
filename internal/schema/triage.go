package schema

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Resolution is the closed discriminant of a triage outcome.
type Resolution string

const (
	ResolutionRebase              Resolution = "rebase"
	ResolutionBackport            Resolution = "backport"
	ResolutionClarificationNeeded Resolution = "clarification-needed"
	ResolutionNoAction            Resolution = "no-action"
	ResolutionError               Resolution = "error"
)

// UnknownResolutionError reports a discriminant outside the closed set.
type UnknownResolutionError struct {
	Value string
}

func (e *UnknownResolutionError) Error() string {
	return fmt.Sprintf("unknown triage resolution %q", e.Value)
}

// ParseResolution normalizes and validates a resolution string.
func ParseResolution(s string) (Resolution, error) {
	switch r := Resolution(strings.ToLower(strings.TrimSpace(s))); r {
	case ResolutionRebase, ResolutionBackport, ResolutionClarificationNeeded,
		ResolutionNoAction, ResolutionError:
		return r, nil
	default:
		return "", &UnknownResolutionError{Value: s}
	}
}

// RebaseData is the payload of a rebase resolution.
type RebaseData struct {
	Package    string `json:"package"`
	Version    string `json:"version"`
	JiraIssue  string `json:"jira_issue"`
	FixVersion string `json:"fix_version,omitempty"`
	CVEID      string `json:"cve_id,omitempty"`
}

// BackportData is the payload of a backport resolution.
type BackportData struct {
	Package       string `json:"package"`
	PatchURL      string `json:"patch_url"`
	Justification string `json:"justification"`
	JiraIssue     string `json:"jira_issue"`
	FixVersion    string `json:"fix_version,omitempty"`
	CVEID         string `json:"cve_id,omitempty"`
}

// ClarificationData is the payload of a clarification-needed resolution.
type ClarificationData struct {
	Findings             string `json:"findings"`
	AdditionalInfoNeeded string `json:"additional_info_needed"`
	JiraIssue            string `json:"jira_issue"`
}

// NoActionData is the payload of a no-action resolution.
type NoActionData struct {
	Reasoning string `json:"reasoning"`
	JiraIssue string `json:"jira_issue"`
}

// ErrorData is the payload of an error resolution.
type ErrorData struct {
	Details   string `json:"details"`
	JiraIssue string `json:"jira_issue"`
}

// TriageResult is the tagged union produced by the triage stage. Exactly one
// variant pointer is set, matching Resolution.
type TriageResult struct {
	Resolution    Resolution
	Rebase        *RebaseData
	Backport      *BackportData
	Clarification *ClarificationData
	NoAction      *NoActionData
	Error         *ErrorData
}

// IssueKey returns the jira_issue carried by the active variant.
func (r TriageResult) IssueKey() string {
	switch r.Resolution {
	case ResolutionRebase:
		if r.Rebase != nil {
			return r.Rebase.JiraIssue
		}
	case ResolutionBackport:
		if r.Backport != nil {
			return r.Backport.JiraIssue
		}
	case ResolutionClarificationNeeded:
		if r.Clarification != nil {
			return r.Clarification.JiraIssue
		}
	case ResolutionNoAction:
		if r.NoAction != nil {
			return r.NoAction.JiraIssue
		}
	case ResolutionError:
		if r.Error != nil {
			return r.Error.JiraIssue
		}
	}
	return ""
}

type triageEnvelope struct {
	Resolution string          `json:"resolution"`
	Data       json.RawMessage `json:"data"`
}

// MarshalJSON serializes the active variant under the "data" key.
func (r TriageResult) MarshalJSON() ([]byte, error) {
	var data any
	switch r.Resolution {
	case ResolutionRebase:
		data = r.Rebase
	case ResolutionBackport:
		data = r.Backport
	case ResolutionClarificationNeeded:
		data = r.Clarification
	case ResolutionNoAction:
		data = r.NoAction
	case ResolutionError:
		data = r.Error
	default:
		return nil, &UnknownResolutionError{Value: string(r.Resolution)}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(triageEnvelope{Resolution: string(r.Resolution), Data: raw})
}

// UnmarshalJSON validates the discriminant before touching the payload.
// Unknown variants are rejected, never repaired.
func (r *TriageResult) UnmarshalJSON(b []byte) error {
	var env triageEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return fmt.Errorf("failed to decode triage result envelope: %w", err)
	}
	res, err := ParseResolution(env.Resolution)
	if err != nil {
		return err
	}
	*r = TriageResult{Resolution: res}
	var target any
	switch res {
	case ResolutionRebase:
		r.Rebase = &RebaseData{}
		target = r.Rebase
	case ResolutionBackport:
		r.Backport = &BackportData{}
		target = r.Backport
	case ResolutionClarificationNeeded:
		r.Clarification = &ClarificationData{}
		target = r.Clarification
	case ResolutionNoAction:
		r.NoAction = &NoActionData{}
		target = r.NoAction
	case ResolutionError:
		r.Error = &ErrorData{}
		target = r.Error
	}
	if err := json.Unmarshal(env.Data, target); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", res, err)
	}
	return nil
}
