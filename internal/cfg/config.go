// Package cfg loads and validates the configuration of a processing run.
//
// Configuration values come from an optional TOML file and from the
// environment. Environment variables win, they follow the GitHub-Actions
// convention of passing workflow inputs as INPUT_* variables.
package cfg

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
)

// Merge methods that GitHub supports.
const (
	MergeMethodMerge  = "merge"
	MergeMethodSquash = "squash"
	MergeMethodRebase = "rebase"
)

type Config struct {
	GithubAPIToken        string `toml:"github_api_token"`
	RepositoryOwner       string `toml:"repository_owner"`
	Repository            string `toml:"repository"`
	LogFormat             string `toml:"log_format"`
	LogTimeKey            string `toml:"log_time_key"`
	LogLevel              string `toml:"log_level"`
	SlackWebhookURL       string `toml:"slack_webhook_url"`
	MetricsPushgatewayURL string `toml:"metrics_pushgateway_url"`

	Queue QueueConfig `toml:"queue"`
}

// QueueConfig is the immutable configuration of one queue processing run.
type QueueConfig struct {
	TriggerLabel    string `toml:"trigger_label"`
	ProcessingLabel string `toml:"processing_label"`
	FailedLabel     string `toml:"failed_label"`
	ConflictLabel   string `toml:"conflict_label"`

	AllowDrafts bool     `toml:"allow_drafts"`
	BlockLabels []string `toml:"block_labels"`

	// EnforceApprovalLocally selects if the validator checks reviews
	// itself or defers to branch protection rules, which reject the
	// merge call when approvals are missing.
	EnforceApprovalLocally bool `toml:"enforce_approval_locally"`
	RequiredApprovals      int  `toml:"required_approvals"`

	RequireAllChecks bool `toml:"require_all_checks"`
	// IgnoredChecks are check names that are excluded from status
	// evaluation. The queue's own workflow runs must be listed here,
	// otherwise they block the queue from ever merging.
	IgnoredChecks []string `toml:"ignored_checks"`

	AutoUpdateBranch bool `toml:"auto_update_branch"`
	MaxUpdateRetries int  `toml:"max_update_retries"`

	MergeMethod  string `toml:"merge_method"`
	DeleteBranch bool   `toml:"delete_branch"`

	// EligibilityFilter is an optional jq expression that is evaluated
	// against a JSON representation of the pull request. When it does not
	// evaluate to true, the pull request is not eligible for merging.
	EligibilityFilter string `toml:"eligibility_filter"`

	CheckPollIntervalSeconds int `toml:"check_poll_interval_seconds"`
	CheckTimeoutMinutes      int `toml:"check_timeout_minutes"`
}

func (c *QueueConfig) CheckPollInterval() time.Duration {
	return time.Duration(c.CheckPollIntervalSeconds) * time.Second
}

func (c *QueueConfig) CheckTimeout() time.Duration {
	return time.Duration(c.CheckTimeoutMinutes) * time.Minute
}

// Default returns a Config with all optional values set to their defaults.
func Default() *Config {
	return &Config{
		LogFormat:  "logfmt",
		LogLevel:   "info",
		LogTimeKey: "time",
		Queue: QueueConfig{
			TriggerLabel:             "merge-queue",
			ProcessingLabel:          "merge-queue/processing",
			FailedLabel:              "merge-queue/failed",
			ConflictLabel:            "merge-queue/conflict",
			RequiredApprovals:        1,
			EnforceApprovalLocally:   true,
			RequireAllChecks:         true,
			AutoUpdateBranch:         true,
			MaxUpdateRetries:         3,
			MergeMethod:              MergeMethodSquash,
			DeleteBranch:             true,
			CheckPollIntervalSeconds: 30,
			CheckTimeoutMinutes:      60,
		},
	}
}

// Load reads a TOML configuration on top of the defaults.
func Load(reader io.Reader) (*Config, error) {
	result := Default()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	if err := toml.Unmarshal(data, result); err != nil {
		return nil, err
	}

	return result, nil
}

func (c *Config) Marshal(writer io.Writer) error {
	return toml.NewEncoder(writer).Encode(c)
}

// FromEnv applies environment overrides to the configuration.
// GITHUB_TOKEN and GITHUB_REPOSITORY are the variables GitHub Actions
// provides, workflow inputs arrive as INPUT_<NAME>.
func (c *Config) FromEnv() error {
	if v, ok := os.LookupEnv("GITHUB_TOKEN"); ok {
		c.GithubAPIToken = v
	}

	if v, ok := os.LookupEnv("GITHUB_REPOSITORY"); ok {
		owner, repo, found := strings.Cut(v, "/")
		if !found || owner == "" || repo == "" {
			return fmt.Errorf("GITHUB_REPOSITORY has value %q, expecting the format owner/repository", v)
		}

		c.RepositoryOwner = owner
		c.Repository = repo
	}

	strVars := map[string]*string{
		"INPUT_TRIGGER_LABEL":      &c.Queue.TriggerLabel,
		"INPUT_PROCESSING_LABEL":   &c.Queue.ProcessingLabel,
		"INPUT_FAILED_LABEL":       &c.Queue.FailedLabel,
		"INPUT_CONFLICT_LABEL":     &c.Queue.ConflictLabel,
		"INPUT_MERGE_METHOD":       &c.Queue.MergeMethod,
		"INPUT_ELIGIBILITY_FILTER": &c.Queue.EligibilityFilter,
		"INPUT_SLACK_WEBHOOK_URL":  &c.SlackWebhookURL,
		"INPUT_PUSHGATEWAY_URL":    &c.MetricsPushgatewayURL,
	}
	for name, dest := range strVars {
		if v, ok := os.LookupEnv(name); ok {
			*dest = v
		}
	}

	listVars := map[string]*[]string{
		"INPUT_BLOCK_LABELS":   &c.Queue.BlockLabels,
		"INPUT_IGNORED_CHECKS": &c.Queue.IgnoredChecks,
	}
	for name, dest := range listVars {
		if v, ok := os.LookupEnv(name); ok {
			*dest = splitList(v)
		}
	}

	boolVars := map[string]*bool{
		"INPUT_ALLOW_DRAFTS":             &c.Queue.AllowDrafts,
		"INPUT_ENFORCE_APPROVAL_LOCALLY": &c.Queue.EnforceApprovalLocally,
		"INPUT_REQUIRE_ALL_CHECKS":       &c.Queue.RequireAllChecks,
		"INPUT_AUTO_UPDATE_BRANCH":       &c.Queue.AutoUpdateBranch,
		"INPUT_DELETE_BRANCH":            &c.Queue.DeleteBranch,
	}
	for name, dest := range boolVars {
		if v, ok := os.LookupEnv(name); ok {
			parsed, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s has value %q, expecting a boolean: %w", name, v, err)
			}

			*dest = parsed
		}
	}

	intVars := map[string]*int{
		"INPUT_REQUIRED_APPROVALS":          &c.Queue.RequiredApprovals,
		"INPUT_MAX_UPDATE_RETRIES":          &c.Queue.MaxUpdateRetries,
		"INPUT_CHECK_POLL_INTERVAL_SECONDS": &c.Queue.CheckPollIntervalSeconds,
		"INPUT_CHECK_TIMEOUT_MINUTES":       &c.Queue.CheckTimeoutMinutes,
	}
	for name, dest := range intVars {
		if v, ok := os.LookupEnv(name); ok {
			parsed, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s has value %q, expecting an integer: %w", name, v, err)
			}

			*dest = parsed
		}
	}

	return nil
}

func splitList(in string) []string {
	var result []string

	for _, elem := range strings.Split(in, ",") {
		if elem = strings.TrimSpace(elem); elem != "" {
			result = append(result, elem)
		}
	}

	return result
}

// Validate rejects configurations that the queue processor must never run
// with.
func (c *Config) Validate() error {
	if c.GithubAPIToken == "" {
		return errors.New("github_api_token is not set")
	}

	if c.RepositoryOwner == "" || c.Repository == "" {
		return errors.New("repository_owner and repository must be set")
	}

	return c.Queue.validate()
}

func (c *QueueConfig) validate() error {
	switch c.MergeMethod {
	case MergeMethodMerge, MergeMethodSquash, MergeMethodRebase:
	default:
		return fmt.Errorf("merge_method has value %q, supported are: %s, %s, %s",
			c.MergeMethod, MergeMethodMerge, MergeMethodSquash, MergeMethodRebase)
	}

	if c.TriggerLabel == "" || c.ProcessingLabel == "" || c.FailedLabel == "" || c.ConflictLabel == "" {
		return errors.New("trigger_label, processing_label, failed_label and conflict_label must not be empty")
	}

	if c.AutoUpdateBranch && c.MaxUpdateRetries <= 0 {
		return fmt.Errorf("max_update_retries is %d, must be >0 when auto_update_branch is enabled", c.MaxUpdateRetries)
	}

	if c.EnforceApprovalLocally && c.RequiredApprovals <= 0 {
		return fmt.Errorf("required_approvals is %d, must be >0 when enforce_approval_locally is enabled", c.RequiredApprovals)
	}

	if c.CheckPollIntervalSeconds <= 0 {
		return fmt.Errorf("check_poll_interval_seconds is %d, must be >0", c.CheckPollIntervalSeconds)
	}

	if c.CheckTimeoutMinutes <= 0 {
		return fmt.Errorf("check_timeout_minutes is %d, must be >0", c.CheckTimeoutMinutes)
	}

	return nil
}
