package main

import (
	"fmt"
	"log/slog"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/spf13/viper"

	"jotnar/internal/agent"
	"jotnar/internal/builder"
	"jotnar/internal/forge"
	"jotnar/internal/git"
	"jotnar/internal/ingest"
	"jotnar/internal/janitor"
	"jotnar/internal/krb"
	"jotnar/internal/labels"
	"jotnar/internal/lookaside"
	"jotnar/internal/notify"
	"jotnar/internal/pipeline"
	"jotnar/internal/queue"
	"jotnar/internal/tools"
	"jotnar/internal/tracker"
	"jotnar/internal/trajectory"
)

// app holds the wired collaborators shared by the subcommands.
type app struct {
	logger       *slog.Logger
	queue        *queue.Queue
	tracker      *tracker.Client
	forge        *forge.Client
	git          *git.Client
	broker       *krb.Broker
	lookaside    *lookaside.Client
	builder      *builder.Client
	registry     *tools.Registry
	session      *tools.Session
	runner       *agent.Runner
	caps         agent.Caps
	trajectories *trajectory.Store
	notifier     notify.Notifier
	updateCfg    pipeline.UpdateConfig
}

// newApp builds every client from the loaded configuration. Connectivity is
// not probed here; workers surface backend failures when they hit them.
func newApp() (*app, error) {
	logger := slog.Default()

	q, err := queue.New(viper.GetString("queue.url"))
	if err != nil {
		return nil, err
	}

	tc := tracker.NewClient(viper.GetString("tracker.url"), viper.GetString("tracker.token"))
	tc.VerifiedGroup = viper.GetString("tracker.verified_group")
	tc.CommentGroup = viper.GetString("tracker.comment_group")

	fc := forge.NewClient(
		viper.GetString("forge.url"),
		viper.GetString("forge.token"),
		viper.GetString("forge.namespace"),
	)

	gc := git.NewClient(viper.GetString("git.author_name"), viper.GetString("git.author_email"))

	broker := krb.NewBroker(
		viper.GetString("krb.keytab"),
		viper.GetString("krb.principal"),
		viper.GetString("krb.ccache"),
	)
	lc := lookaside.NewClient(viper.GetString("lookaside.command"), broker)

	bc := builder.NewClient(viper.GetString("builder.url"), broker)
	bc.PollInterval = viper.GetDuration("builder.poll_interval")
	bc.Deadline = viper.GetDuration("builder.deadline")
	bc.Grace = viper.GetDuration("builder.grace")

	registry := tools.NewRegistry()
	for _, t := range tools.TrackerTools(tc) {
		registry.Register(t)
	}
	for _, t := range tools.ForgeTools(fc) {
		registry.Register(t)
	}
	for _, t := range tools.GitTools(gc, internalRemote) {
		registry.Register(t)
	}
	for _, t := range tools.LookasideTools(lc) {
		registry.Register(t)
	}
	for _, t := range tools.BuilderTools(bc) {
		registry.Register(t)
	}

	var session *tools.Session
	if endpoint := viper.GetString("tools.endpoint"); endpoint != "" {
		session, err = tools.Dial(endpoint, nil)
		if err != nil {
			return nil, err
		}
		registry.Register(session.RemoteTool("web_search",
			"Search the web for upstream release announcements, changelogs and patches."))
		registry.Register(session.RemoteTool("fetch_url",
			"Fetch the contents of a URL."))
	}

	ac := anthropic.NewClient()
	runner := agent.NewRunner(&ac.Messages, viper.GetString("agent.model"), logger)
	runner.MaxTokens = viper.GetInt64("agent.max_tokens")

	var store *trajectory.Store
	if path := viper.GetString("trajectory.path"); path != "" {
		store, err = trajectory.NewStore(path)
		if err != nil {
			// The store is observability; a broken disk must not keep the
			// workers down.
			logger.Warn("trajectory store unavailable", "path", path, "error", err)
			store = nil
		}
	}

	notifier := notify.New(
		viper.GetString("notifications.slack.token"),
		viper.GetString("notifications.slack.channel"),
		logger,
	)

	return &app{
		logger:       logger,
		queue:        q,
		tracker:      tc,
		forge:        fc,
		git:          gc,
		broker:       broker,
		lookaside:    lc,
		builder:      bc,
		registry:     registry,
		session:      session,
		runner:       runner,
		caps:         capsFromConfig(),
		trajectories: store,
		notifier:     notifier,
		updateCfg:    updateConfigFromConfig(),
	}, nil
}

func (a *app) Close() {
	if a.session != nil {
		a.session.Close()
	}
	if a.trajectories != nil {
		a.trajectories.Close()
	}
	a.queue.Close()
}

func capsFromConfig() agent.Caps {
	return agent.Caps{
		MaxRetriesPerStep: viper.GetInt("agent.max_retries_per_step"),
		TotalMaxRetries:   viper.GetInt("agent.total_max_retries"),
		MaxIterations:     viper.GetInt("agent.max_iterations"),
	}
}

func updateConfigFromConfig() pipeline.UpdateConfig {
	return pipeline.UpdateConfig{
		MaxBuildAttempts: viper.GetInt("pipeline.max_build_attempts"),
		DryRun:           viper.GetBool("pipeline.dry_run"),
		BranchPrefix:     viper.GetString("pipeline.branch_prefix"),
		CloneBasePath:    viper.GetString("pipeline.clone_base_path"),
		FuSaPackages:     viper.GetStringSlice("pipeline.fusa_packages"),
		DistGitURL:       distGitURL,
	}
}

// distGitURL maps a package to its canonical dist-git repository on the
// configured forge.
func distGitURL(pkg string) string {
	return fmt.Sprintf("%s/%s/%s.git",
		viper.GetString("forge.url"),
		viper.GetString("forge.dist_git_namespace"),
		pkg)
}

// internalRemote maps a package to its internal dist-git URL; empty when no
// internal mirror is configured.
func internalRemote(pkg string) string {
	tmpl := viper.GetString("git.internal_url")
	if tmpl == "" {
		return ""
	}
	return fmt.Sprintf(tmpl, pkg)
}

func (a *app) triageController() *pipeline.TriageController {
	return &pipeline.TriageController{
		Tracker:           a.tracker,
		Runner:            a.runner,
		Queue:             a.queue,
		Git:               a.git,
		InternalRemote:    internalRemote,
		DefaultFixVersion: viper.GetString("pipeline.container_version"),
		Tools:             a.registry,
		Caps:              a.caps,
		Trajectories:      a.trajectories,
		Logger:            a.logger,
	}
}

func (a *app) rebaseController() *pipeline.RebaseController {
	return &pipeline.RebaseController{
		Tracker:      a.tracker,
		Forge:        a.forge,
		Git:          a.git,
		Queue:        a.queue,
		Runner:       a.runner,
		Tools:        a.registry,
		Caps:         a.caps,
		Config:       a.updateCfg,
		Trajectories: a.trajectories,
		Notify:       a.notifier,
		Logger:       a.logger,
	}
}

func (a *app) backportController() *pipeline.BackportController {
	return &pipeline.BackportController{
		Tracker:      a.tracker,
		Forge:        a.forge,
		Git:          a.git,
		Queue:        a.queue,
		Runner:       a.runner,
		Tools:        a.registry,
		Caps:         a.caps,
		Config:       a.updateCfg,
		Trajectories: a.trajectories,
		Notify:       a.notifier,
		Logger:       a.logger,
	}
}

func (a *app) triageWorker() *pipeline.Worker {
	return &pipeline.Worker{
		Name:       "triage",
		Queue:      a.queue,
		Queues:     []string{queue.Triage},
		Handler:    a.triageController().HandleTask,
		MaxRetries: viper.GetInt("queue.max_retries"),
		PopTimeout: viper.GetDuration("queue.pop_timeout"),
		ErrorLabel: labels.TriageErrored,
		Tracker:    a.tracker,
		Notify:     a.notifier,
		Logger:     a.logger,
	}
}

func (a *app) rebaseWorker() *pipeline.Worker {
	return &pipeline.Worker{
		Name:       "rebase",
		Queue:      a.queue,
		Queues:     []string{queue.RebaseC9s, queue.RebaseC10s, queue.LegacyRebase},
		Handler:    a.rebaseController().HandleTask,
		MaxRetries: viper.GetInt("queue.max_retries"),
		PopTimeout: viper.GetDuration("queue.pop_timeout"),
		ErrorLabel: labels.RebaseErrored,
		Tracker:    a.tracker,
		Notify:     a.notifier,
		Logger:     a.logger,
	}
}

func (a *app) backportWorker() *pipeline.Worker {
	return &pipeline.Worker{
		Name:       "backport",
		Queue:      a.queue,
		Queues:     []string{queue.BackportC9s, queue.BackportC10s, queue.LegacyBackport},
		Handler:    a.backportController().HandleTask,
		MaxRetries: viper.GetInt("queue.max_retries"),
		PopTimeout: viper.GetDuration("queue.pop_timeout"),
		ErrorLabel: labels.BackportErrored,
		Tracker:    a.tracker,
		Notify:     a.notifier,
		Logger:     a.logger,
	}
}

func (a *app) ingester() *ingest.Ingester {
	return &ingest.Ingester{
		Tracker:  a.tracker,
		Queue:    a.queue,
		Query:    viper.GetString("tracker.query"),
		PageSize: viper.GetInt("tracker.page_size"),
		Pace:     viper.GetDuration("tracker.pace"),
		Logger:   a.logger,
	}
}

func (a *app) janitor() *janitor.Janitor {
	return janitor.New(
		viper.GetString("pipeline.clone_base_path"),
		viper.GetDuration("janitor.max_age"),
		a.logger,
	)
}
