package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"jotnar/internal/agent"
	"jotnar/internal/forge"
	"jotnar/internal/labels"
	"jotnar/internal/notify"
	"jotnar/internal/queue"
	"jotnar/internal/schema"
	"jotnar/internal/telemetry"
	"jotnar/internal/tools"
	"jotnar/internal/trajectory"
	"jotnar/internal/workflow"
)

// RebaseController drives a queued rebase resolution to a merge request:
// fork, clone, agent-driven version bump, build loop, changelog, commit and
// MR.
type RebaseController struct {
	Tracker      TrackerAPI
	Forge        ForgeAPI
	Git          GitAPI
	Queue        *queue.Queue
	Runner       AgentAPI
	Tools        *tools.Registry
	Caps         agent.Caps
	Config       UpdateConfig
	Trajectories *trajectory.Store
	Notify       notify.Notifier
	Logger       *slog.Logger
}

// HandleTask is the worker handler for the rebase queues.
func (c *RebaseController) HandleTask(ctx context.Context, queueName string, task schema.Task) error {
	var pt schema.PipelineTask
	if err := task.Decode(&pt); err != nil {
		return err
	}
	if pt.TriageResult.Resolution != schema.ResolutionRebase || pt.TriageResult.Rebase == nil {
		return fmt.Errorf("task on %s is not a rebase resolution", queueName)
	}
	data := pt.TriageResult.Rebase

	state := &schema.RebaseState{
		JiraIssue:              schema.CanonicalKey(data.JiraIssue),
		Package:                data.Package,
		TargetBranch:           pt.TargetBranch,
		Version:                data.Version,
		BuildAttemptsRemaining: c.Config.MaxBuildAttempts,
	}
	if state.JiraIssue == "" || state.Package == "" || state.TargetBranch == "" {
		return fmt.Errorf("rebase task is missing issue, package or target branch")
	}

	if err := c.engine().Run(ctx, state); err != nil {
		return err
	}
	outcome := "success"
	if !state.Result.Success {
		outcome = "failed"
	}
	telemetry.TrackOutcome("rebase", outcome)
	return nil
}

func (c *RebaseController) engine() *workflow.Engine[schema.RebaseState] {
	eng := workflow.NewEngine[schema.RebaseState](c.logger())
	eng.Register("change_issue_status", c.changeIssueStatus)
	eng.Register("fork_and_prepare_dist_git", c.forkAndPrepare)
	eng.Register("run_rebase_agent", c.runRebaseAgent)
	eng.Register("run_build_agent", c.runBuildAgent)
	eng.Register("stage_changes", c.stageChanges)
	eng.Register("run_log_agent", c.runLogAgent)
	eng.Register("commit_push_and_open_mr", c.commitPushAndOpenMR)
	eng.Register("add_fusa_label", c.addFuSaLabel)
	eng.Register("comment_in_issue", c.commentInIssue)
	return eng
}

func (c *RebaseController) changeIssueStatus(ctx context.Context, s *schema.RebaseState) (string, error) {
	if err := c.Tracker.TransitionStatus(ctx, s.JiraIssue, "In Progress"); err != nil {
		return "", err
	}
	return "fork_and_prepare_dist_git", nil
}

func (c *RebaseController) forkAndPrepare(ctx context.Context, s *schema.RebaseState) (string, error) {
	forkURL, err := c.Forge.Fork(ctx, c.Config.DistGitURL(s.Package))
	if err != nil {
		return "", err
	}
	s.ForkURL = forkURL
	s.ClonePath = c.Config.clonePath(s.JiraIssue, s.Package)
	if err := c.Git.Clone(ctx, forkURL, s.ClonePath, s.TargetBranch); err != nil {
		return "", err
	}
	s.UpdateBranch = c.Config.updateBranch(s.JiraIssue)
	if err := c.Git.CheckoutNewBranch(ctx, s.ClonePath, s.UpdateBranch); err != nil {
		return "", err
	}
	return "run_rebase_agent", nil
}

func (c *RebaseController) runRebaseAgent(ctx context.Context, s *schema.RebaseState) (string, error) {
	rec, err := trajectory.NewRecorder(c.Trajectories, "rebase", s.JiraIssue)
	if err != nil {
		c.logger().Warn("trajectory recording unavailable", "error", err)
	}
	out, err := c.Runner.Run(ctx, agent.Request{
		Agent:        "rebase",
		System:       rebaseSystemPrompt,
		Prompt:       rebasePrompt(s),
		OutputSchema: json.RawMessage(updateOutputSchema),
		Tools:        c.Tools,
		Caps:         c.Caps,
		Recorder:     rec,
	})
	if err != nil {
		rec.Finish("error")
		return c.fail(s, fmt.Sprintf("rebase agent: %v", err))
	}
	var result updateAgentResult
	if err := json.Unmarshal(out, &result); err != nil {
		rec.Finish("error")
		return c.fail(s, fmt.Sprintf("rebase agent returned unusable output: %v", err))
	}
	rec.Finish(result.Status)
	if !result.Success {
		return c.fail(s, fmt.Sprintf("rebase agent gave up: %s", result.Error))
	}
	s.RebaseLog = result.Status
	s.SRPMPath = result.SRPMPath
	s.FilesToAdd = result.FilesToAdd
	return "run_build_agent", nil
}

func (c *RebaseController) runBuildAgent(ctx context.Context, s *schema.RebaseState) (string, error) {
	telemetry.TrackBuildAttempt()
	rec, err := trajectory.NewRecorder(c.Trajectories, "build", s.JiraIssue)
	if err != nil {
		c.logger().Warn("trajectory recording unavailable", "error", err)
	}
	out, err := c.Runner.Run(ctx, agent.Request{
		Agent:        "build",
		System:       buildSystemPrompt,
		Prompt:       buildPrompt(s.SRPMPath, s.TargetBranch, s.JiraIssue),
		OutputSchema: json.RawMessage(buildOutputSchema),
		Tools:        c.Tools,
		Caps:         c.Caps,
		Recorder:     rec,
	})
	if err != nil {
		rec.Finish("error")
		return c.fail(s, fmt.Sprintf("build agent: %v", err))
	}
	var result buildAgentResult
	if err := json.Unmarshal(out, &result); err != nil {
		rec.Finish("error")
		return c.fail(s, fmt.Sprintf("build agent returned unusable output: %v", err))
	}
	if result.Success {
		rec.Finish("success")
		s.BuildError = ""
		return "stage_changes", nil
	}
	rec.Finish("failed")

	s.BuildAttemptsRemaining--
	if s.BuildAttemptsRemaining <= 0 {
		return c.fail(s, fmt.Sprintf("build failed after %d attempts: %s",
			c.Config.MaxBuildAttempts, result.Error))
	}
	c.logger().Warn("build failed, re-entering rebase agent",
		"issue", s.JiraIssue, "attempts_remaining", s.BuildAttemptsRemaining, "error", result.Error)
	s.BuildError = result.Error
	return "run_rebase_agent", nil
}

func (c *RebaseController) stageChanges(ctx context.Context, s *schema.RebaseState) (string, error) {
	files, err := stageFiles(s.ClonePath, s.FilesToAdd)
	if err != nil {
		return c.fail(s, err.Error())
	}
	if err := c.Git.Add(ctx, s.ClonePath, files...); err != nil {
		return c.fail(s, fmt.Sprintf("failed to stage changes: %v", err))
	}
	return "run_log_agent", nil
}

func (c *RebaseController) runLogAgent(ctx context.Context, s *schema.RebaseState) (string, error) {
	rec, err := trajectory.NewRecorder(c.Trajectories, "log", s.JiraIssue)
	if err != nil {
		c.logger().Warn("trajectory recording unavailable", "error", err)
	}
	out, err := c.Runner.Run(ctx, agent.Request{
		Agent:        "log",
		System:       logSystemPrompt,
		Prompt:       logPrompt(s.Package, s.JiraIssue, s.ClonePath),
		OutputSchema: json.RawMessage(logOutputSchema),
		Tools:        c.Tools,
		Caps:         c.Caps,
		Recorder:     rec,
	})
	if err != nil {
		rec.Finish("error")
		return c.fail(s, fmt.Sprintf("log agent: %v", err))
	}
	var result logAgentResult
	if err := json.Unmarshal(out, &result); err != nil {
		rec.Finish("error")
		return c.fail(s, fmt.Sprintf("log agent returned unusable output: %v", err))
	}
	rec.Finish("success")
	s.Title = result.Title
	s.Description = result.Description
	return "commit_push_and_open_mr", nil
}

func (c *RebaseController) commitPushAndOpenMR(ctx context.Context, s *schema.RebaseState) (string, error) {
	msg := commitMessage(s.Title, s.Description, s.JiraIssue)
	if err := c.Git.Commit(ctx, s.ClonePath, msg); err != nil {
		return "", err
	}
	if c.Config.DryRun {
		s.Result = schema.StageResult{Success: true}
		return "comment_in_issue", nil
	}
	if err := c.Git.Push(ctx, s.ClonePath, s.ForkURL, s.UpdateBranch, true); err != nil {
		return "", err
	}
	mrURL, err := c.Forge.OpenMergeRequest(ctx, forge.MergeRequest{
		ForkURL:      s.ForkURL,
		TargetURL:    c.Config.DistGitURL(s.Package),
		Title:        s.Title,
		Description:  s.Description,
		SourceBranch: s.UpdateBranch,
		TargetBranch: s.TargetBranch,
	})
	if err != nil {
		return "", err
	}
	s.MergeRequestURL = mrURL
	if err := c.Forge.AddMergeRequestLabel(ctx, mrURL, labels.NeedsAttention); err != nil {
		c.logger().Warn("failed to label merge request", "mr", mrURL, "error", err)
	}
	s.Result = schema.StageResult{Success: true}
	return "add_fusa_label", nil
}

// addFuSaLabel flags functional-safety packages on both the ticket and the
// MR. Best-effort: failures are logged, not raised.
func (c *RebaseController) addFuSaLabel(ctx context.Context, s *schema.RebaseState) (string, error) {
	if !c.Config.isFuSaPackage(s.Package) || !IsFuSaBranch(s.TargetBranch) {
		return "comment_in_issue", nil
	}
	if err := c.Forge.AddMergeRequestLabel(ctx, s.MergeRequestURL, FuSaLabel); err != nil {
		c.logger().Warn("failed to add fusa label to merge request", "mr", s.MergeRequestURL, "error", err)
	}
	if err := c.Tracker.EditLabels(ctx, s.JiraIssue, []string{FuSaLabel}, nil); err != nil {
		c.logger().Warn("failed to add fusa label to ticket", "issue", s.JiraIssue, "error", err)
	}
	return "comment_in_issue", nil
}

func (c *RebaseController) commentInIssue(ctx context.Context, s *schema.RebaseState) (string, error) {
	switch {
	case c.Config.DryRun && s.Result.Success:
		body := fmt.Sprintf("Dry run: rebase of %s to %s committed locally on %s; nothing was pushed.",
			s.Package, s.Version, s.UpdateBranch)
		if err := c.Tracker.AddComment(ctx, s.JiraIssue, body, true); err != nil {
			return "", err
		}
		// Dry runs leave the ticket's labels untouched.
		return workflow.End, nil

	case s.Result.Success:
		body := fmt.Sprintf("Rebase of %s to %s is ready for review: %s",
			s.Package, s.Version, s.MergeRequestURL)
		if err := c.Tracker.AddComment(ctx, s.JiraIssue, body, true); err != nil {
			return "", err
		}
		if err := c.Queue.Push(ctx, queue.CompletedRebase, schema.CompletedRecord{
			JiraIssue:       s.JiraIssue,
			Package:         s.Package,
			TargetBranch:    s.TargetBranch,
			MergeRequestURL: s.MergeRequestURL,
		}); err != nil {
			return "", err
		}
		if err := replaceLabels(ctx, c.Tracker, s.JiraIssue, labels.Rebased); err != nil {
			return "", err
		}
		return workflow.End, nil

	default:
		body := fmt.Sprintf("Automated rebase of %s failed: %s", s.Package, s.Result.Error)
		if err := c.Tracker.AddComment(ctx, s.JiraIssue, body, true); err != nil {
			return "", err
		}
		if err := replaceLabels(ctx, c.Tracker, s.JiraIssue, labels.RebaseFailed); err != nil {
			return "", err
		}
		if c.Notify != nil {
			msg := fmt.Sprintf("Rebase of %s (%s) failed: %s", s.Package, s.JiraIssue, s.Result.Error)
			if err := c.Notify.Notify(ctx, msg); err != nil {
				c.logger().Warn("failed to send failure notification", "error", err)
			}
		}
		return workflow.End, nil
	}
}

// fail marks the pipeline's terminal failure and routes to the comment step.
func (c *RebaseController) fail(s *schema.RebaseState, detail string) (string, error) {
	s.Result = schema.StageResult{Success: false, Error: detail}
	return "comment_in_issue", nil
}

func (c *RebaseController) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
