package cfg

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const exampleConfig = `
github_api_token = "token"
repository_owner = "acme"
repository = "rocket"
log_format = "json"

[queue]
trigger_label = "queue"
block_labels = ["do-not-merge", "wip"]
ignored_checks = ["merge-queue-processor"]
merge_method = "merge"
max_update_retries = 5
`

func TestLoad(t *testing.T) {
	config, err := Load(strings.NewReader(exampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "token", config.GithubAPIToken)
	assert.Equal(t, "acme", config.RepositoryOwner)
	assert.Equal(t, "rocket", config.Repository)
	assert.Equal(t, "json", config.LogFormat)

	assert.Equal(t, "queue", config.Queue.TriggerLabel)
	assert.Equal(t, []string{"do-not-merge", "wip"}, config.Queue.BlockLabels)
	assert.Equal(t, []string{"merge-queue-processor"}, config.Queue.IgnoredChecks)
	assert.Equal(t, MergeMethodMerge, config.Queue.MergeMethod)
	assert.Equal(t, 5, config.Queue.MaxUpdateRetries)

	// unset values keep their defaults
	assert.Equal(t, "merge-queue/processing", config.Queue.ProcessingLabel)
	assert.True(t, config.Queue.AutoUpdateBranch)

	require.NoError(t, config.Validate())
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "env-token")
	t.Setenv("GITHUB_REPOSITORY", "acme/rocket")
	t.Setenv("INPUT_MERGE_METHOD", "rebase")
	t.Setenv("INPUT_AUTO_UPDATE_BRANCH", "false")
	t.Setenv("INPUT_MAX_UPDATE_RETRIES", "7")
	t.Setenv("INPUT_BLOCK_LABELS", "wip, do-not-merge")

	config := Default()
	require.NoError(t, config.FromEnv())

	assert.Equal(t, "env-token", config.GithubAPIToken)
	assert.Equal(t, "acme", config.RepositoryOwner)
	assert.Equal(t, "rocket", config.Repository)
	assert.Equal(t, MergeMethodRebase, config.Queue.MergeMethod)
	assert.False(t, config.Queue.AutoUpdateBranch)
	assert.Equal(t, 7, config.Queue.MaxUpdateRetries)
	assert.Equal(t, []string{"wip", "do-not-merge"}, config.Queue.BlockLabels)
}

func TestFromEnvRejectsMalformedRepository(t *testing.T) {
	t.Setenv("GITHUB_REPOSITORY", "acme")

	config := Default()
	require.Error(t, config.FromEnv())
}

func TestFromEnvRejectsMalformedBool(t *testing.T) {
	t.Setenv("INPUT_ALLOW_DRAFTS", "yep")

	config := Default()
	require.Error(t, config.FromEnv())
}

func TestValidateRejectsInvalidValues(t *testing.T) {
	valid := func() *Config {
		config := Default()
		config.GithubAPIToken = "token"
		config.RepositoryOwner = "acme"
		config.Repository = "rocket"
		return config
	}

	require.NoError(t, valid().Validate())

	testcases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing token", func(c *Config) { c.GithubAPIToken = "" }},
		{"missing repository", func(c *Config) { c.Repository = "" }},
		{"unknown merge method", func(c *Config) { c.Queue.MergeMethod = "fast-forward" }},
		{"empty trigger label", func(c *Config) { c.Queue.TriggerLabel = "" }},
		{"non-positive retries", func(c *Config) { c.Queue.MaxUpdateRetries = 0 }},
		{"non-positive approvals", func(c *Config) { c.Queue.RequiredApprovals = 0 }},
		{"non-positive poll interval", func(c *Config) { c.Queue.CheckPollIntervalSeconds = 0 }},
		{"non-positive check timeout", func(c *Config) { c.Queue.CheckTimeoutMinutes = -1 }},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			config := valid()
			tc.mutate(config)
			assert.Error(t, config.Validate())
		})
	}
}
