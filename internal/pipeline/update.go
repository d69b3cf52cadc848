package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"jotnar/internal/forge"
)

// ForgeAPI is the slice of the forge the update controllers consume.
// Satisfied by *forge.Client.
type ForgeAPI interface {
	Fork(ctx context.Context, upstreamURL string) (string, error)
	OpenMergeRequest(ctx context.Context, mr forge.MergeRequest) (string, error)
	AddMergeRequestLabel(ctx context.Context, mrURL, label string) error
}

// GitAPI is the slice of the git client the update controllers consume.
// Satisfied by *git.Client.
type GitAPI interface {
	Clone(ctx context.Context, url, dest, branch string) error
	CheckoutNewBranch(ctx context.Context, dir, branch string) error
	Add(ctx context.Context, dir string, paths ...string) error
	Commit(ctx context.Context, dir, message string) error
	Push(ctx context.Context, dir, remoteURL, branch string, force bool) error
}

// UpdateConfig carries the knobs shared by the rebase and backport
// pipelines.
type UpdateConfig struct {
	MaxBuildAttempts int
	DryRun           bool
	// BranchPrefix names the per-ticket update branch: <prefix>-<issue-key>.
	BranchPrefix  string
	CloneBasePath string
	// FuSaPackages lists packages under functional-safety review.
	FuSaPackages []string
	// DistGitURL maps a package to its canonical dist-git repository.
	DistGitURL func(pkg string) string
}

// FuSaLabel marks tickets and merge requests that need functional-safety
// review.
const FuSaLabel = "fusa"

const (
	agentIdentityLine = "This change was prepared by the Jotnar package maintenance service."
	assistanceTrailer = "Assisted-by: Jotnar (AI-assisted)"
)

// updateOutputSchema constrains the rebase and backport agents' result
// document.
const updateOutputSchema = `{
	"type": "object",
	"properties": {
		"success": {"type": "boolean"},
		"status": {"type": "string"},
		"srpm_path": {"type": "string"},
		"files_to_git_add": {"type": "array", "items": {"type": "string"}},
		"error": {"type": "string"}
	},
	"required": ["success", "status"],
	"additionalProperties": false
}`

const buildOutputSchema = `{
	"type": "object",
	"properties": {
		"success": {"type": "boolean"},
		"error": {"type": "string"}
	},
	"required": ["success"],
	"additionalProperties": false
}`

const logOutputSchema = `{
	"type": "object",
	"properties": {
		"title": {"type": "string"},
		"description": {"type": "string"}
	},
	"required": ["title", "description"],
	"additionalProperties": false
}`

type updateAgentResult struct {
	Success    bool     `json:"success"`
	Status     string   `json:"status"`
	SRPMPath   string   `json:"srpm_path,omitempty"`
	FilesToAdd []string `json:"files_to_git_add,omitempty"`
	Error      string   `json:"error,omitempty"`
}

type buildAgentResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type logAgentResult struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

func (c UpdateConfig) clonePath(issue, pkg string) string {
	return filepath.Join(c.CloneBasePath, fmt.Sprintf("%s-%s", issue, pkg))
}

func (c UpdateConfig) updateBranch(issue string) string {
	return fmt.Sprintf("%s-%s", c.BranchPrefix, issue)
}

func (c UpdateConfig) isFuSaPackage(pkg string) bool {
	for _, p := range c.FuSaPackages {
		if p == pkg {
			return true
		}
	}
	return false
}

// commitMessage concatenates title, description, the Resolves line and the
// fixed identity trailers.
func commitMessage(title, description, issue string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(title))
	b.WriteString("\n\n")
	if d := strings.TrimSpace(description); d != "" {
		b.WriteString(d)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "Resolves: %s\n\n", issue)
	b.WriteString(agentIdentityLine)
	b.WriteString("\n")
	b.WriteString(assistanceTrailer)
	b.WriteString("\n")
	return b.String()
}

// stageFiles resolves the list passed to git add: the agent-provided list,
// falling back to the spec-file glob.
func stageFiles(clonePath string, listed []string) ([]string, error) {
	if len(listed) > 0 {
		return listed, nil
	}
	matches, err := filepath.Glob(filepath.Join(clonePath, "*.spec"))
	if err != nil {
		return nil, fmt.Errorf("failed to glob spec files: %w", err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("nothing to stage: agent listed no files and no spec file found")
	}
	files := make([]string, len(matches))
	for i, m := range matches {
		files[i] = filepath.Base(m)
	}
	return files, nil
}

// replaceLabels applies one label and removes the rest of the vocabulary,
// preserving the single-label invariant.
func replaceLabels(ctx context.Context, t TrackerAPI, key, label string) error {
	return t.EditLabels(ctx, key, []string{label}, removeAllExcept(label))
}
