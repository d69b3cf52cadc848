package tools

import (
	"context"
	"fmt"
	"strings"

	"jotnar/internal/builder"
	"jotnar/internal/forge"
	"jotnar/internal/git"
	"jotnar/internal/lookaside"
	"jotnar/internal/tracker"
)

// statusOK is the conventional success payload for tools whose only output
// is acknowledgement.
const statusOK = "ok"

// TrackerTools returns the issue-tracker tool set backed by the given client.
func TrackerTools(tc *tracker.Client) []Tool {
	type keyInput struct {
		IssueKey string `json:"issue_key" jsonschema:"description=Issue key (e.g. RHEL-12345)"`
	}
	type fieldsInput struct {
		IssueKey    string   `json:"issue_key"`
		FixVersions []string `json:"fix_versions,omitempty"`
		Severity    string   `json:"severity,omitempty"`
		TargetEnd   string   `json:"target_end,omitempty"`
	}
	type commentInput struct {
		IssueKey string `json:"issue_key"`
		Body     string `json:"body"`
		Private  bool   `json:"private,omitempty"`
	}
	type statusInput struct {
		IssueKey string `json:"issue_key"`
		Status   string `json:"status"`
	}
	type labelsInput struct {
		IssueKey string   `json:"issue_key"`
		Add      []string `json:"add,omitempty"`
		Remove   []string `json:"remove,omitempty"`
	}

	return []Tool{
		New("get_issue_details", "Fetch an issue with its remote links.",
			func(ctx context.Context, in keyInput) (any, error) {
				return tc.GetIssue(ctx, in.IssueKey)
			}),
		New("set_issue_fields", "Set fix versions, severity, or target end date; fields that already have a value are left untouched.",
			func(ctx context.Context, in fieldsInput) (any, error) {
				err := tc.SetFields(ctx, in.IssueKey, tracker.FieldUpdate{
					FixVersions: in.FixVersions,
					Severity:    in.Severity,
					TargetEnd:   in.TargetEnd,
				})
				if err != nil {
					return nil, err
				}
				return statusOK, nil
			}),
		New("add_issue_comment", "Add a comment to an issue, optionally restricted to the internal group.",
			func(ctx context.Context, in commentInput) (any, error) {
				if err := tc.AddComment(ctx, in.IssueKey, in.Body, in.Private); err != nil {
					return nil, err
				}
				return statusOK, nil
			}),
		New("change_issue_status", "Transition an issue to the target status; a no-op when already there.",
			func(ctx context.Context, in statusInput) (any, error) {
				if err := tc.TransitionStatus(ctx, in.IssueKey, in.Status); err != nil {
					return nil, err
				}
				return statusOK, nil
			}),
		New("edit_issue_labels", "Add and remove labels on an issue.",
			func(ctx context.Context, in labelsInput) (any, error) {
				if err := tc.EditLabels(ctx, in.IssueKey, in.Add, in.Remove); err != nil {
					return nil, err
				}
				return statusOK, nil
			}),
		New("verify_issue_author", "Report whether the issue reporter is a verified organization member.",
			func(ctx context.Context, in keyInput) (any, error) {
				return tc.VerifyAuthor(ctx, in.IssueKey)
			}),
		New("check_cve_triage_eligibility", "Evaluate whether a CVE ticket is eligible for automated triage.",
			func(ctx context.Context, in keyInput) (any, error) {
				return tc.CheckCVEEligibility(ctx, in.IssueKey)
			}),
	}
}

// ForgeTools returns the git-forge tool set.
func ForgeTools(fc *forge.Client) []Tool {
	type forkInput struct {
		UpstreamURL string `json:"upstream_url"`
	}
	type mrInput struct {
		ForkURL      string `json:"fork_url"`
		TargetURL    string `json:"target_url"`
		Title        string `json:"title"`
		Description  string `json:"description"`
		SourceBranch string `json:"source_branch"`
		TargetBranch string `json:"target_branch"`
	}

	return []Tool{
		New("fork_repository", "Ensure a fork of the upstream repository exists and return its clone URL.",
			func(ctx context.Context, in forkInput) (any, error) {
				return fc.Fork(ctx, in.UpstreamURL)
			}),
		New("open_merge_request", "Open a merge request, reusing an already-open one for the same source branch.",
			func(ctx context.Context, in mrInput) (any, error) {
				return fc.OpenMergeRequest(ctx, forge.MergeRequest{
					ForkURL:      in.ForkURL,
					TargetURL:    in.TargetURL,
					Title:        in.Title,
					Description:  in.Description,
					SourceBranch: in.SourceBranch,
					TargetBranch: in.TargetBranch,
				})
			}),
	}
}

// GitTools returns the local git tool set. internalRemote maps a package
// name to its internal dist-git URL for branch discovery.
func GitTools(gc *git.Client, internalRemote func(pkg string) string) []Tool {
	type cloneInput struct {
		URL    string `json:"url"`
		Path   string `json:"path"`
		Branch string `json:"branch"`
	}
	type pushInput struct {
		URL    string `json:"url"`
		Path   string `json:"path"`
		Branch string `json:"branch"`
		Force  bool   `json:"force,omitempty"`
	}
	type pkgInput struct {
		Package string `json:"package"`
	}

	return []Tool{
		New("clone_repository", "Clone a repository at the given branch into the target path.",
			func(ctx context.Context, in cloneInput) (any, error) {
				if err := gc.Clone(ctx, in.URL, in.Path, in.Branch); err != nil {
					return nil, err
				}
				return statusOK, nil
			}),
		New("push_to_remote_repository", "Push HEAD of the clone to the named branch on the remote.",
			func(ctx context.Context, in pushInput) (any, error) {
				if err := gc.Push(ctx, in.Path, in.URL, in.Branch, in.Force); err != nil {
					return nil, err
				}
				return statusOK, nil
			}),
		New("get_internal_rhel_branches", "List branches of the package's internal dist-git repository.",
			func(ctx context.Context, in pkgInput) (any, error) {
				pkg := strings.TrimSpace(in.Package)
				if pkg == "" {
					return nil, fmt.Errorf("package is required")
				}
				return gc.LsRemoteBranches(ctx, internalRemote(pkg))
			}),
	}
}

// LookasideTools returns the source-cache tool set.
func LookasideTools(lc *lookaside.Client) []Tool {
	type downloadInput struct {
		ClonePath string `json:"clone_path"`
		Branch    string `json:"branch"`
	}
	type uploadInput struct {
		ClonePath string   `json:"clone_path"`
		Files     []string `json:"files"`
	}

	return []Tool{
		New("download_sources", "Download lookaside sources for the clone at the given branch.",
			func(ctx context.Context, in downloadInput) (any, error) {
				if err := lc.DownloadSources(ctx, in.ClonePath, in.Branch); err != nil {
					return nil, err
				}
				return statusOK, nil
			}),
		New("upload_sources", "Upload new source tarballs to the lookaside cache.",
			func(ctx context.Context, in uploadInput) (any, error) {
				if err := lc.UploadSources(ctx, in.ClonePath, in.Files); err != nil {
					return nil, err
				}
				return statusOK, nil
			}),
	}
}

// BuilderTools returns the build-service tool set.
func BuilderTools(bc *builder.Client) []Tool {
	type buildInput struct {
		SRPMPath string `json:"srpm_path"`
		Branch   string `json:"branch"`
		TicketID string `json:"ticket_id"`
	}
	type artifactsInput struct {
		URLs []string `json:"urls"`
		Dir  string   `json:"dir"`
	}

	return []Tool{
		New("build_package", "Submit a scratch build and wait for its terminal state.",
			func(ctx context.Context, in buildInput) (any, error) {
				return bc.Build(ctx, builder.Request{
					SRPMPath: in.SRPMPath,
					Branch:   in.Branch,
					TicketID: in.TicketID,
				})
			}),
		New("download_artifacts", "Download build artifacts into the target directory.",
			func(ctx context.Context, in artifactsInput) (any, error) {
				if err := bc.DownloadArtifacts(ctx, in.URLs, in.Dir); err != nil {
					return nil, err
				}
				return statusOK, nil
			}),
	}
}
