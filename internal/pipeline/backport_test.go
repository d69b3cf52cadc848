package pipeline

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jotnar/internal/labels"
	"jotnar/internal/queue"
	"jotnar/internal/schema"
)

func backportPipelineTask(t *testing.T, issue, branch string) schema.Task {
	t.Helper()
	task, err := schema.NewTask(schema.PipelineTask{
		TriageResult: schema.TriageResult{
			Resolution: schema.ResolutionBackport,
			Backport: &schema.BackportData{
				Package:       "openssl",
				PatchURL:      "https://upstream.example.com/fix.patch",
				Justification: "fixes CVE-2024-1234",
				JiraIssue:     issue,
			},
		},
		TargetBranch: branch,
	})
	require.NoError(t, err)
	return task
}

func newBackportController(t *testing.T, tr *mockTracker, runner *scriptedRunner, cfg UpdateConfig) (*BackportController, *queue.Queue, *mockForge, *mockGit) {
	t.Helper()
	q := newTestQueue(t)
	fg := &mockForge{
		forkURL: "https://forge.example.com/jotnar/openssl.git",
		mrURL:   "https://forge.example.com/rpms/openssl/-/merge_requests/8",
	}
	g := &mockGit{}
	if cfg.BranchPrefix == "" {
		cfg.BranchPrefix = "automated-package-update"
	}
	if cfg.CloneBasePath == "" {
		cfg.CloneBasePath = t.TempDir()
	}
	if cfg.DistGitURL == nil {
		cfg.DistGitURL = func(pkg string) string {
			return "https://forge.example.com/rpms/" + pkg + ".git"
		}
	}
	return &BackportController{
		Tracker: tr,
		Forge:   fg,
		Git:     g,
		Queue:   q,
		Runner:  runner,
		Config:  cfg,
	}, q, fg, g
}

const backportAgentOK = `{"success":true,"status":"patch applied","srpm_path":"/tmp/openssl.src.rpm","files_to_git_add":["openssl.spec","fix.patch"]}`

func TestBackport_HappyPath(t *testing.T) {
	tr := newMockTracker()
	runner := newScriptedRunner()
	runner.script("backport", backportAgentOK)
	runner.script("build", `{"success":true}`)
	runner.script("log", `{"title":"Fix CVE-2024-1234 in openssl","description":"Backport upstream fix."}`)
	c, q, fg, g := newBackportController(t, tr, runner, UpdateConfig{MaxBuildAttempts: 3})

	require.NoError(t, c.HandleTask(context.Background(), queue.BackportC9s,
		backportPipelineTask(t, "RHEL-400", "rhel-9.4.0")))

	assert.Equal(t, []string{"In Progress"}, tr.transitions)
	require.Len(t, g.added, 1)
	assert.Equal(t, []string{"openssl.spec", "fix.patch"}, g.added[0])
	assert.Contains(t, g.commitMsg, "Resolves: RHEL-400")

	require.Len(t, fg.mrs, 1)
	assert.Equal(t, "rhel-9.4.0", fg.mrs[0].TargetBranch)

	entries, err := q.List(context.Background(), queue.CompletedBackport)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	var rec schema.CompletedRecord
	require.NoError(t, json.Unmarshal(entries[0], &rec))
	assert.Equal(t, "RHEL-400", rec.JiraIssue)

	assert.Contains(t, tr.addedLabels("RHEL-400"), labels.Backported)
}

func TestBackport_BuildFailureReentersAgentWithError(t *testing.T) {
	tr := newMockTracker()
	runner := newScriptedRunner()
	runner.script("backport", backportAgentOK, backportAgentOK)
	runner.script("build", `{"success":false,"error":"patch does not apply"}`, `{"success":true}`)
	runner.script("log", `{"title":"Fix","description":"Backport."}`)
	c, _, fg, _ := newBackportController(t, tr, runner, UpdateConfig{MaxBuildAttempts: 3})

	require.NoError(t, c.HandleTask(context.Background(), queue.BackportC9s,
		backportPipelineTask(t, "RHEL-400", "rhel-9.4.0")))

	assert.Equal(t, 2, runner.calls["backport"])
	require.Len(t, runner.prompts["backport"], 2)
	assert.Contains(t, runner.prompts["backport"][1], "patch does not apply")
	assert.Len(t, fg.mrs, 1)
}

func TestBackport_FailureLabelsBackportFailed(t *testing.T) {
	tr := newMockTracker()
	runner := newScriptedRunner()
	runner.script("backport", `{"success":false,"status":"patch rejected","error":"context mismatch"}`)
	c, _, fg, _ := newBackportController(t, tr, runner, UpdateConfig{MaxBuildAttempts: 3})

	require.NoError(t, c.HandleTask(context.Background(), queue.BackportC9s,
		backportPipelineTask(t, "RHEL-400", "rhel-9.4.0")))

	assert.Empty(t, fg.mrs)
	assert.Contains(t, tr.addedLabels("RHEL-400"), labels.BackportFailed)
	require.Len(t, tr.comments, 1)
	assert.Contains(t, tr.comments[0], "context mismatch")
}

func TestBackport_FuSaLabelOnInternalBranch(t *testing.T) {
	tr := newMockTracker()
	runner := newScriptedRunner()
	runner.script("backport", backportAgentOK)
	runner.script("build", `{"success":true}`)
	runner.script("log", `{"title":"Fix","description":"Backport."}`)
	c, _, fg, _ := newBackportController(t, tr, runner, UpdateConfig{
		MaxBuildAttempts: 3,
		FuSaPackages:     []string{"openssl"},
	})

	require.NoError(t, c.HandleTask(context.Background(), queue.BackportC9s,
		backportPipelineTask(t, "RHEL-400", "rhel-9.4.0")))

	assert.Contains(t, fg.mrLabels, FuSaLabel)
}
