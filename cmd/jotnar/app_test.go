package main

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"

	"jotnar/internal/config"
)

func loadDefaults(t *testing.T) {
	t.Helper()
	viper.Reset()
	config.Load("")
	t.Cleanup(viper.Reset)
}

func TestDistGitURL(t *testing.T) {
	loadDefaults(t)
	viper.Set("forge.url", "https://gitlab.example.com")

	assert.Equal(t, "https://gitlab.example.com/rpms/openssl.git", distGitURL("openssl"))

	viper.Set("forge.dist_git_namespace", "redhat/rhel/rpms")
	assert.Equal(t, "https://gitlab.example.com/redhat/rhel/rpms/openssl.git", distGitURL("openssl"))
}

func TestInternalRemote(t *testing.T) {
	loadDefaults(t)

	assert.Empty(t, internalRemote("openssl"))

	viper.Set("git.internal_url", "https://internal.example.com/rpms/%s")
	assert.Equal(t, "https://internal.example.com/rpms/openssl", internalRemote("openssl"))
}

func TestIngesterThrottlesSearchPages(t *testing.T) {
	loadDefaults(t)

	a := &app{}
	ing := a.ingester()
	assert.Equal(t, 200*time.Millisecond, ing.Pace)
	assert.Equal(t, 50, ing.PageSize)
}

func TestCapsFromConfig(t *testing.T) {
	loadDefaults(t)
	viper.Set("agent.max_iterations", 12)

	caps := capsFromConfig()
	assert.Equal(t, 12, caps.MaxIterations)
	assert.Equal(t, 3, caps.MaxRetriesPerStep)
}

func TestUpdateConfigFromConfig(t *testing.T) {
	loadDefaults(t)
	viper.Set("pipeline.dry_run", true)
	viper.Set("pipeline.fusa_packages", []string{"openssl", "gzip"})

	cfg := updateConfigFromConfig()
	assert.True(t, cfg.DryRun)
	assert.Equal(t, []string{"openssl", "gzip"}, cfg.FuSaPackages)
	assert.Equal(t, "automated-package-update", cfg.BranchPrefix)
	assert.Equal(t, 10, cfg.MaxBuildAttempts)
}
