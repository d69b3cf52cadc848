// Package config loads configuration from an optional file, .env and
// JOTNAR_-prefixed environment variables via viper.
package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Load initializes the configuration from file and environment variables.
func Load(cfgFile string) {
	// explicit .env loading; a missing file is fine
	_ = godotenv.Load()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("jotnar")
	}

	viper.SetEnvPrefix("JOTNAR")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Queue backend
	viper.SetDefault("queue.url", "redis://localhost:6379/0")
	viper.SetDefault("queue.pop_timeout", 30*time.Second)
	viper.SetDefault("queue.max_retries", 3)

	// Issue tracker
	viper.SetDefault("tracker.url", "")
	viper.SetDefault("tracker.token", "")
	viper.SetDefault("tracker.query", "")
	viper.SetDefault("tracker.page_size", 50)
	// pace is the delay between search result pages.
	viper.SetDefault("tracker.pace", 200*time.Millisecond)
	viper.SetDefault("tracker.verified_group", "")
	viper.SetDefault("tracker.comment_group", "")

	// Forge
	viper.SetDefault("forge.url", "")
	viper.SetDefault("forge.token", "")
	viper.SetDefault("forge.namespace", "")
	viper.SetDefault("forge.dist_git_namespace", "rpms")

	// Git
	viper.SetDefault("git.author_name", "Jotnar Automation")
	viper.SetDefault("git.author_email", "jotnar@localhost")
	// internal_url is a template with one %s for the package name.
	viper.SetDefault("git.internal_url", "")

	// Lookaside cache
	viper.SetDefault("lookaside.command", "centpkg")

	// LLM / agent caps
	viper.SetDefault("agent.model", "claude-sonnet-4-5")
	viper.SetDefault("agent.max_iterations", 50)
	viper.SetDefault("agent.max_retries_per_step", 3)
	viper.SetDefault("agent.total_max_retries", 10)
	viper.SetDefault("agent.max_tokens", 8192)

	// Pipelines
	viper.SetDefault("pipeline.max_build_attempts", 10)
	viper.SetDefault("pipeline.dry_run", false)
	viper.SetDefault("pipeline.branch_prefix", "automated-package-update")
	viper.SetDefault("pipeline.clone_base_path", "/var/tmp/jotnar")
	viper.SetDefault("pipeline.fusa_packages", []string{})
	viper.SetDefault("pipeline.container_version", "")

	// Ingestion
	viper.SetDefault("ingest.interval", 5*time.Minute)

	// Janitor
	viper.SetDefault("janitor.max_age", 14*24*time.Hour)
	viper.SetDefault("janitor.interval", 24*time.Hour)

	// Kerberos
	viper.SetDefault("krb.keytab", "")
	viper.SetDefault("krb.principal", "")
	viper.SetDefault("krb.ccache", "")

	// Builder
	viper.SetDefault("builder.url", "")
	viper.SetDefault("builder.poll_interval", 30*time.Second)
	viper.SetDefault("builder.deadline", 3*time.Hour)
	viper.SetDefault("builder.grace", 10*time.Minute)

	// Tool session (remote tools)
	viper.SetDefault("tools.endpoint", "")

	// Trajectory store
	viper.SetDefault("trajectory.path", "jotnar-trajectories.db")

	// Observability
	viper.SetDefault("metrics.addr", ":2112")
	viper.SetDefault("verbose", false)
	viper.SetDefault("log_file", "")

	// Notifications
	viper.SetDefault("notifications.slack.token", "")
	viper.SetDefault("notifications.slack.channel", "")

	// Config file is optional; env-only deployments are the common case.
	_ = viper.ReadInConfig()
}
