package pipeline

import (
	"fmt"
	"strings"

	"jotnar/internal/schema"
	"jotnar/internal/tracker"
)

// Prompt construction is deliberately thin: the agents receive the raw
// ticket material and a description of the expected result document, and
// everything else is driven by the tools they are given.

const triageSystemPrompt = `You are a maintenance triage assistant for RHEL source packages.
Decide how a ticket should be handled: rebase, backport, clarification-needed, no-action, or error.
Use the available tools to inspect the ticket before deciding.
Respond with a single JSON object {"resolution": ..., "data": ...}.`

func triagePrompt(issue *tracker.Issue) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Ticket %s: %s\n\n", issue.Key, issue.Summary)
	fmt.Fprintf(&b, "Status: %s\n", issue.Status)
	if len(issue.FixVersions) > 0 {
		fmt.Fprintf(&b, "Fix versions: %s\n", strings.Join(issue.FixVersions, ", "))
	}
	if issue.Severity != "" {
		fmt.Fprintf(&b, "Severity: %s\n", issue.Severity)
	}
	fmt.Fprintf(&b, "\n%s\n", issue.Description)
	for _, link := range issue.RemoteLinks {
		fmt.Fprintf(&b, "\nRemote link: %s (%s)", link.URL, link.Title)
	}
	return b.String()
}

const rebaseSystemPrompt = `You are a packaging assistant rebasing a RHEL source package to a newer upstream version.
Work inside the prepared clone: bump the spec file, refresh sources, and produce an SRPM.
Respond with a single JSON object {"success": ..., "status": ..., "srpm_path": ..., "files_to_git_add": [...], "error": ...}.`

func rebasePrompt(s *schema.RebaseState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Rebase %s to version %s for ticket %s.\n", s.Package, s.Version, s.JiraIssue)
	fmt.Fprintf(&b, "Clone path: %s\nTarget branch: %s\nUpdate branch: %s\n",
		s.ClonePath, s.TargetBranch, s.UpdateBranch)
	if s.BuildError != "" {
		fmt.Fprintf(&b, "\nThe previous build attempt failed; fix the cause:\n%s\n", s.BuildError)
	}
	return b.String()
}

const backportSystemPrompt = `You are a packaging assistant backporting an upstream patch onto a RHEL source package.
Work inside the prepared clone: apply the patch, wire it into the spec file, and produce an SRPM.
Respond with a single JSON object {"success": ..., "status": ..., "srpm_path": ..., "files_to_git_add": [...], "error": ...}.`

func backportPrompt(s *schema.BackportState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Backport %s onto %s for ticket %s.\n", s.PatchURL, s.Package, s.JiraIssue)
	fmt.Fprintf(&b, "Clone path: %s\nTarget branch: %s\nUpdate branch: %s\n",
		s.ClonePath, s.TargetBranch, s.UpdateBranch)
	if s.Justification != "" {
		fmt.Fprintf(&b, "\nJustification: %s\n", s.Justification)
	}
	if s.BuildError != "" {
		fmt.Fprintf(&b, "\nThe previous build attempt failed; fix the cause:\n%s\n", s.BuildError)
	}
	return b.String()
}

const buildSystemPrompt = `You are a packaging assistant validating a source package build.
Submit the SRPM with the build tool and report the outcome.
Respond with a single JSON object {"success": ..., "error": ...}.`

func buildPrompt(srpmPath, branch, issue string) string {
	return fmt.Sprintf("Build %s for branch %s (ticket %s) and report the result.", srpmPath, branch, issue)
}

const logSystemPrompt = `You are a packaging assistant writing the human-facing summary of a completed package update.
Append a changelog entry to the spec file, then respond with a single JSON object {"title": ..., "description": ...}.`

func logPrompt(pkg, issue, clonePath string) string {
	return fmt.Sprintf("Summarize the staged changes to %s for ticket %s. Clone path: %s.", pkg, issue, clonePath)
}
