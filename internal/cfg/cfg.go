// Package cfg holds the application-level configuration fields.
package cfg

import (
	"errors"
	"flag"
	"fmt"
)

// Config adds jinkies-specific configuration fields to the common
// cfg.Registerable and cfg.Validatable interfaces.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int

	DatabaseURL string

	DiscordBotToken       string
	DiscordPublicKey      string
	DiscordAlertChannelID string
	DiscordDeployChannel  string

	GitHubOwner          string
	GitHubRepo           string
	GitHubToken          string
	GitHubAppID          int64
	GitHubInstallationID int64
	GitHubPrivateKeyPath string
	DefaultBaseBranch    string
	DeployWorkflowFile   string

	ClaudeAPIKey string
	ClaudeModel  string

	LokiEndpoint string
	LokiTenantID string

	DeployRepoPath       string
	DeployScript         string
	DeployTimeoutSeconds int
	SSHKeyPath           string
	SSHHost              string
	SSHUser              string
	RemoteAppPath        string
	RemoteProcess        string

	AlertRetentionDays  int
	TailIntervalSeconds int
	SessionGraceSeconds int
	IngestToken         string
	EnvironmentName     string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory stores)")

	fs.StringVar(&c.DiscordBotToken, "discord-bot-token", "", "Discord bot token for posting notifications")
	fs.StringVar(&c.DiscordPublicKey, "discord-public-key", "", "Discord application public key for interaction verification")
	fs.StringVar(&c.DiscordAlertChannelID, "discord-alert-channel-id", "", "Discord channel receiving alert notifications")
	fs.StringVar(&c.DiscordDeployChannel, "discord-deploy-channel-id", "", "Discord channel receiving deployment updates")

	fs.StringVar(&c.GitHubOwner, "github-repo-owner", "", "GitHub repository owner")
	fs.StringVar(&c.GitHubRepo, "github-repo-name", "", "GitHub repository name")
	fs.StringVar(&c.GitHubToken, "github-token", "", "GitHub personal access token (alternative to App auth)")
	fs.Int64Var(&c.GitHubAppID, "github-app-id", 0, "GitHub App ID for installation auth")
	fs.Int64Var(&c.GitHubInstallationID, "github-installation-id", 0, "GitHub App installation ID")
	fs.StringVar(&c.GitHubPrivateKeyPath, "github-private-key-path", "", "path to the GitHub App private key PEM")
	fs.StringVar(&c.DefaultBaseBranch, "default-base-branch", "develop", "default base branch for generated pull requests")
	fs.StringVar(&c.DeployWorkflowFile, "deploy-workflow-file", "deploy.yml", "workflow file dispatched for platform_ci deployments")

	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the Claude LLM provider (empty = assist disabled)")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model for fix guidance")

	fs.StringVar(&c.LokiEndpoint, "loki-endpoint", "", "Loki endpoint for log queries (empty = tailing disabled)")
	fs.StringVar(&c.LokiTenantID, "loki-tenant-id", "", "Loki tenant ID for multi-tenant setups")

	fs.StringVar(&c.DeployRepoPath, "deploy-repo-path", "", "local checkout the release script runs from (empty = deployments disabled)")
	fs.StringVar(&c.DeployScript, "deploy-script", "./deploy.sh", "release script executed for direct deployments")
	fs.IntVar(&c.DeployTimeoutSeconds, "deploy-timeout-seconds", 600, "wall-clock budget for one deployment run (1..3600)")
	fs.StringVar(&c.SSHKeyPath, "ssh-key-path", "", "ssh key used by the release script and status checks")
	fs.StringVar(&c.SSHHost, "ssh-host", "", "deployment target host")
	fs.StringVar(&c.SSHUser, "ssh-user", "", "deployment target user")
	fs.StringVar(&c.RemoteAppPath, "remote-app-path", "", "application directory on the target host")
	fs.StringVar(&c.RemoteProcess, "remote-process", "gunicorn", "process name checked for liveness on the target host")

	fs.IntVar(&c.AlertRetentionDays, "alert-retention-days", 30, "age threshold for the alert retention purge (1..365)")
	fs.IntVar(&c.TailIntervalSeconds, "tail-interval-seconds", 10, "polling cadence for log tail sessions (1..300)")
	fs.IntVar(&c.SessionGraceSeconds, "session-grace-seconds", 300, "delay before a successful deployment's log thread is deleted")
	fs.StringVar(&c.IngestToken, "ingest-token", "", "bearer token required on POST /alert (empty = unauthenticated)")
	fs.StringVar(&c.EnvironmentName, "environment-name", "production", "environment label applied to alerts without one")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.DiscordBotToken == "" {
		errs = append(errs, errors.New("DISCORD_BOT_TOKEN is required"))
	}
	if c.DiscordAlertChannelID == "" {
		errs = append(errs, errors.New("DISCORD_ALERT_CHANNEL_ID is required"))
	}

	if c.GitHubOwner == "" {
		errs = append(errs, errors.New("GITHUB_REPO_OWNER is required"))
	}
	if c.GitHubRepo == "" {
		errs = append(errs, errors.New("GITHUB_REPO_NAME is required"))
	}
	if c.GitHubToken == "" && (c.GitHubAppID == 0 || c.GitHubInstallationID == 0 || c.GitHubPrivateKeyPath == "") {
		errs = append(errs, errors.New("either GITHUB_TOKEN or GITHUB_APP_ID + GITHUB_INSTALLATION_ID + GITHUB_PRIVATE_KEY_PATH is required"))
	}

	if c.DeployTimeoutSeconds <= 0 || c.DeployTimeoutSeconds > 3600 {
		errs = append(errs, fmt.Errorf("invalid DEPLOY_TIMEOUT_SECONDS %d (must be 1..3600)", c.DeployTimeoutSeconds))
	}
	if c.AlertRetentionDays <= 0 || c.AlertRetentionDays > 365 {
		errs = append(errs, fmt.Errorf("invalid ALERT_RETENTION_DAYS %d (must be 1..365)", c.AlertRetentionDays))
	}
	if c.TailIntervalSeconds <= 0 || c.TailIntervalSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid TAIL_INTERVAL_SECONDS %d (must be 1..300)", c.TailIntervalSeconds))
	}
	if c.SessionGraceSeconds < 0 {
		errs = append(errs, fmt.Errorf("invalid SESSION_GRACE_SECONDS %d (must be >= 0)", c.SessionGraceSeconds))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
