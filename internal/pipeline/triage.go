package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"jotnar/internal/agent"
	"jotnar/internal/labels"
	"jotnar/internal/queue"
	"jotnar/internal/schema"
	"jotnar/internal/telemetry"
	"jotnar/internal/tools"
	"jotnar/internal/tracker"
	"jotnar/internal/trajectory"
	"jotnar/internal/workflow"
)

// TrackerAPI is the slice of the issue tracker the controllers consume.
// Satisfied by *tracker.Client.
type TrackerAPI interface {
	GetIssue(ctx context.Context, key string) (*tracker.Issue, error)
	CheckCVEEligibility(ctx context.Context, key string) (*schema.CVEEligibility, error)
	VerifyAuthor(ctx context.Context, key string) (bool, error)
	AddComment(ctx context.Context, key, body string, private bool) error
	EditLabels(ctx context.Context, key string, add, remove []string) error
	TransitionStatus(ctx context.Context, key, target string) error
}

// AgentAPI is the slice of the agent runner the controllers consume.
type AgentAPI interface {
	Run(ctx context.Context, req agent.Request) (json.RawMessage, error)
}

// BranchLister discovers internal dist-git branches for a package.
type BranchLister interface {
	LsRemoteBranches(ctx context.Context, url string) ([]string, error)
}

// triageOutputSchema constrains the triage agent's final document to the
// tagged-union wire form.
const triageOutputSchema = `{
	"type": "object",
	"properties": {
		"resolution": {
			"type": "string",
			"enum": ["rebase", "backport", "clarification-needed", "no-action", "error"]
		},
		"data": {"type": "object"}
	},
	"required": ["resolution", "data"],
	"additionalProperties": false
}`

// TriageState is threaded through the triage workflow.
type TriageState struct {
	Issue          string
	Eligibility    *schema.CVEEligibility
	Result         schema.TriageResult
	AuthorVerified bool
	TargetBranch   string
}

// TriageController turns a triage task into a routed resolution: it checks
// CVE eligibility, runs the triage agent, maps the target branch and applies
// the terminal label, comment and follow-up push.
type TriageController struct {
	Tracker TrackerAPI
	Runner  AgentAPI
	Queue   *queue.Queue
	Git     BranchLister
	// InternalRemote maps a package to its internal dist-git URL.
	InternalRemote func(pkg string) string
	// DefaultFixVersion routes tickets that carry no fix version at all.
	DefaultFixVersion string
	// Tools is the tool set offered to the triage agent.
	Tools        *tools.Registry
	Caps         agent.Caps
	Trajectories *trajectory.Store
	Logger       *slog.Logger
}

// HandleTask is the worker handler for the triage queue.
func (c *TriageController) HandleTask(ctx context.Context, queueName string, task schema.Task) error {
	var input schema.TriageInput
	if err := task.Decode(&input); err != nil {
		return err
	}
	state := &TriageState{Issue: schema.CanonicalKey(input.Issue)}
	if state.Issue == "" {
		return fmt.Errorf("triage task has no issue key")
	}

	if err := c.engine().Run(ctx, state); err != nil {
		return err
	}
	if state.Result.Resolution == schema.ResolutionError {
		// Error resolutions ride the task-level retry loop.
		detail := "triage failed"
		if state.Result.Error != nil {
			detail = state.Result.Error.Details
		}
		return fmt.Errorf("triage of %s: %s", state.Issue, detail)
	}
	telemetry.TrackOutcome("triage", string(state.Result.Resolution))
	return nil
}

func (c *TriageController) engine() *workflow.Engine[TriageState] {
	eng := workflow.NewEngine[TriageState](c.logger())
	eng.Register("check_cve_eligibility", c.checkCVEEligibility)
	eng.Register("run_triage_analysis", c.runTriageAnalysis)
	eng.Register("verify_rebase_author", c.verifyRebaseAuthor)
	eng.Register("determine_target_branch", c.determineTargetBranch)
	eng.Register("comment_in_issue", c.commentInIssue)
	return eng
}

func (c *TriageController) checkCVEEligibility(ctx context.Context, s *TriageState) (string, error) {
	elig, err := c.Tracker.CheckCVEEligibility(ctx, s.Issue)
	if err != nil {
		return "", err
	}
	s.Eligibility = elig
	if elig.Error != "" {
		s.Result = schema.TriageResult{
			Resolution: schema.ResolutionError,
			Error:      &schema.ErrorData{Details: elig.Error, JiraIssue: s.Issue},
		}
		return "comment_in_issue", nil
	}
	if elig.IsCVE && !elig.IsEligibleForTriage {
		s.Result = schema.TriageResult{
			Resolution: schema.ResolutionNoAction,
			NoAction:   &schema.NoActionData{Reasoning: elig.Reason, JiraIssue: s.Issue},
		}
		return "comment_in_issue", nil
	}
	return "run_triage_analysis", nil
}

func (c *TriageController) runTriageAnalysis(ctx context.Context, s *TriageState) (string, error) {
	issue, err := c.Tracker.GetIssue(ctx, s.Issue)
	if err != nil {
		return "", err
	}
	rec, err := trajectory.NewRecorder(c.Trajectories, "triage", s.Issue)
	if err != nil {
		c.logger().Warn("trajectory recording unavailable", "error", err)
	}

	out, err := c.Runner.Run(ctx, agent.Request{
		Agent:        "triage",
		System:       triageSystemPrompt,
		Prompt:       triagePrompt(issue),
		OutputSchema: json.RawMessage(triageOutputSchema),
		Tools:        c.Tools,
		Caps:         c.Caps,
		Recorder:     rec,
	})
	if err != nil {
		rec.Finish("error")
		return "", err
	}

	var result schema.TriageResult
	if err := json.Unmarshal(out, &result); err != nil {
		// Unknown variants are treated as error resolutions, never repaired.
		c.logger().Warn("triage agent returned unusable resolution", "issue", s.Issue, "error", err)
		s.Result = schema.TriageResult{
			Resolution: schema.ResolutionError,
			Error:      &schema.ErrorData{Details: err.Error(), JiraIssue: s.Issue},
		}
		rec.Finish("error")
		return "comment_in_issue", nil
	}
	s.Result = result
	rec.Finish(string(result.Resolution))

	switch result.Resolution {
	case schema.ResolutionRebase:
		return "verify_rebase_author", nil
	case schema.ResolutionBackport:
		return "determine_target_branch", nil
	default:
		return "comment_in_issue", nil
	}
}

func (c *TriageController) verifyRebaseAuthor(ctx context.Context, s *TriageState) (string, error) {
	verified, err := c.Tracker.VerifyAuthor(ctx, s.Issue)
	if err != nil {
		return "", err
	}
	s.AuthorVerified = verified
	if !verified {
		// Not an error: unverified rebase requests go to a human.
		findings := fmt.Sprintf("A rebase of %q was requested, but the reporter is not a verified organization member.",
			s.Result.Rebase.Package)
		s.Result = schema.TriageResult{
			Resolution: schema.ResolutionClarificationNeeded,
			Clarification: &schema.ClarificationData{
				Findings:             findings,
				AdditionalInfoNeeded: "Confirmation from the package maintainer that this rebase should proceed.",
				JiraIssue:            s.Issue,
			},
		}
		return "comment_in_issue", nil
	}
	return "determine_target_branch", nil
}

func (c *TriageController) determineTargetBranch(ctx context.Context, s *TriageState) (string, error) {
	pkg, fixVersion := resolutionPackage(s.Result)
	if fixVersion == "" {
		issue, err := c.Tracker.GetIssue(ctx, s.Issue)
		if err != nil {
			return "", err
		}
		if len(issue.FixVersions) > 0 {
			fixVersion = issue.FixVersions[0]
		}
	}
	if fixVersion == "" {
		fixVersion = c.DefaultFixVersion
	}

	var internalBranches []string
	if pkg != "" && c.Git != nil && c.InternalRemote != nil {
		branches, err := c.Git.LsRemoteBranches(ctx, c.InternalRemote(pkg))
		if err != nil {
			// Branch discovery failing must not sink the triage: the mapping
			// falls back to the public stream branch.
			c.logger().Warn("internal branch discovery failed", "package", pkg, "error", err)
		} else {
			internalBranches = branches
		}
	}

	needsInternalFix := s.Eligibility != nil && s.Eligibility.NeedsInternalFix
	branch, err := MapTargetBranch(fixVersion, needsInternalFix, internalBranches)
	if err != nil {
		s.Result = schema.TriageResult{
			Resolution: schema.ResolutionError,
			Error:      &schema.ErrorData{Details: err.Error(), JiraIssue: s.Issue},
		}
		return "comment_in_issue", nil
	}
	s.TargetBranch = branch
	return "comment_in_issue", nil
}

func (c *TriageController) commentInIssue(ctx context.Context, s *TriageState) (string, error) {
	if err := c.Tracker.AddComment(ctx, s.Issue, triageComment(s), true); err != nil {
		return "", err
	}
	if err := c.applyTerminalEffects(ctx, s); err != nil {
		return "", err
	}
	return workflow.End, nil
}

// applyTerminalEffects enforces the single-label invariant and pushes the
// follow-up task or record for the resolution.
func (c *TriageController) applyTerminalEffects(ctx context.Context, s *TriageState) error {
	switch s.Result.Resolution {
	case schema.ResolutionRebase, schema.ResolutionBackport:
		target, err := QueueForBranch(s.Result.Resolution, s.TargetBranch)
		if err != nil {
			return err
		}
		task, err := schema.NewTask(schema.PipelineTask{
			TriageResult: s.Result,
			TargetBranch: s.TargetBranch,
		})
		if err != nil {
			return err
		}
		label := labels.RebaseInProgress
		if s.Result.Resolution == schema.ResolutionBackport {
			label = labels.BackportInProgress
		}
		if err := c.setLabel(ctx, s.Issue, label); err != nil {
			return err
		}
		if err := c.Queue.Push(ctx, target, task); err != nil {
			return err
		}
		telemetry.TrackEnqueue(target)
		return nil

	case schema.ResolutionClarificationNeeded:
		if err := c.setLabel(ctx, s.Issue, labels.NeedsAttention); err != nil {
			return err
		}
		return c.Queue.Push(ctx, queue.ClarificationNeeded, s.Result)

	case schema.ResolutionNoAction:
		if err := c.setLabel(ctx, s.Issue, labels.NoActionNeeded); err != nil {
			return err
		}
		return c.Queue.Push(ctx, queue.NoActionList, s.Result)

	case schema.ResolutionError:
		// The retry loop owns the terminal label; nothing to push here.
		return nil
	}
	return fmt.Errorf("unhandled resolution %q", s.Result.Resolution)
}

func (c *TriageController) setLabel(ctx context.Context, key, label string) error {
	return c.Tracker.EditLabels(ctx, key, []string{label}, removeAllExcept(label))
}

func (c *TriageController) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// resolutionPackage extracts the package and fix version carried by a
// rebase or backport resolution.
func resolutionPackage(r schema.TriageResult) (pkg, fixVersion string) {
	switch r.Resolution {
	case schema.ResolutionRebase:
		if r.Rebase != nil {
			return r.Rebase.Package, r.Rebase.FixVersion
		}
	case schema.ResolutionBackport:
		if r.Backport != nil {
			return r.Backport.Package, r.Backport.FixVersion
		}
	}
	return "", ""
}

func triageComment(s *TriageState) string {
	switch s.Result.Resolution {
	case schema.ResolutionRebase:
		return fmt.Sprintf("Triage result: rebase %s to %s on branch %s. The rebase pipeline has been queued.",
			s.Result.Rebase.Package, s.Result.Rebase.Version, s.TargetBranch)
	case schema.ResolutionBackport:
		return fmt.Sprintf("Triage result: backport %s to %s on branch %s.\n\nJustification: %s",
			s.Result.Backport.PatchURL, s.Result.Backport.Package, s.TargetBranch, s.Result.Backport.Justification)
	case schema.ResolutionClarificationNeeded:
		return fmt.Sprintf("Triage needs clarification.\n\nFindings: %s\n\nNeeded: %s",
			s.Result.Clarification.Findings, s.Result.Clarification.AdditionalInfoNeeded)
	case schema.ResolutionNoAction:
		return fmt.Sprintf("Triage result: no action. %s", s.Result.NoAction.Reasoning)
	case schema.ResolutionError:
		detail := ""
		if s.Result.Error != nil {
			detail = s.Result.Error.Details
		}
		return fmt.Sprintf("Automated triage hit an error: %s", detail)
	}
	return "Triage completed."
}
