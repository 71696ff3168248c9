package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/thecodeteam/goodbye"
	"go.uber.org/zap"

	"github.com/queueward/queueward/internal/cfg"
	"github.com/queueward/queueward/internal/ghclt"
	"github.com/queueward/queueward/internal/logfields"
	"github.com/queueward/queueward/internal/metrics"
	"github.com/queueward/queueward/internal/notify"
	"github.com/queueward/queueward/internal/queue"
	"github.com/queueward/queueward/internal/retry"
)

// app bundles the components that every subcommand needs.
// It is populated once in the persistent pre-run of the root command, after
// configuration and logger are initialized.
type app struct {
	config   *cfg.Config
	repo     queue.Repository
	clt      queue.GithubClient
	retryer  *retry.Retryer
	notifier *notify.SlackNotifier
	recorder *metrics.Recorder
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	var verbose bool
	var dryRun bool

	application := &app{}

	rootCmd := &cobra.Command{
		Use:           appName,
		Short:         "label-driven github merge queue automation",
		Long:          "queueward processes pull requests that carry the queue trigger label:\nit validates them, keeps their branch up to date with the base branch and\nmerges them when all requirements are fulfilled.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			config := mustLoadCfg(cfgFile)
			mustInitLogger(config, verbose)
			application.setup(config, dryRun)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "cfg-file", "c", "", "path to a TOML configuration file, environment variables take precedence")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "log mutating github operations instead of executing them")

	rootCmd.AddCommand(newProcessCmd(application))
	rootCmd.AddCommand(newEnqueueCmd(application))
	rootCmd.AddCommand(newDequeueCmd(application))
	rootCmd.AddCommand(newNotifyCmd(application))

	return rootCmd
}

func mustLoadCfg(cfgFile string) *cfg.Config {
	// exitOnErr is used in this function instead of logger.Fatal() because
	// the logger is not initialized yet

	config := cfg.Default()

	if cfgFile != "" {
		file, err := os.Open(cfgFile)
		exitOnErr("could not open configuration file", err)

		config, err = cfg.Load(file)
		_ = file.Close()
		if err != nil {
			exitOnErr(fmt.Sprintf("could not load configuration file: %s", cfgFile), err)
		}
	}

	err := config.FromEnv()
	exitOnErr("could not apply environment configuration", err)

	err = config.Validate()
	exitOnErr("invalid configuration", err)

	return config
}

func (a *app) setup(config *cfg.Config, dryRun bool) {
	a.config = config
	a.repo = queue.Repository{Owner: config.RepositoryOwner, Name: config.Repository}

	a.retryer = retry.NewRetryer()
	goodbye.Register(func(context.Context, os.Signal) {
		a.retryer.Stop()
	})

	var clt queue.GithubClient = queue.NewRetryingClient(
		ghclt.New(config.GithubAPIToken),
		a.retryer,
	)

	if dryRun {
		clt = queue.NewDryClient(clt, logger)
	}

	a.clt = clt
	a.notifier = notify.NewSlackNotifier(config.SlackWebhookURL)
	a.recorder = metrics.NewRecorder(a.repo.String(), config.MetricsPushgatewayURL)

	logger.Info(
		"configuration loaded",
		logfields.Event("cfg_loaded"),
		logfields.RepositoryOwner(config.RepositoryOwner),
		logfields.Repository(config.Repository),
		zap.String("github_api_token", hide(config.GithubAPIToken)),
		zap.String("slack_webhook_url", hide(config.SlackWebhookURL)),
		zap.String("metrics_pushgateway_url", config.MetricsPushgatewayURL),
		zap.String("log_format", config.LogFormat),
		zap.String("log_level", config.LogLevel),
		zap.String("trigger_label", config.Queue.TriggerLabel),
		zap.String("merge_method", config.Queue.MergeMethod),
		zap.Bool("dry_run", dryRun),
	)
}
