package config

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "snowflow.db")

	// Automation defaults
	v.SetDefault("automation.timezone", "UTC")
	v.SetDefault("automation.jobs_catalog", "jobs.toml")
	v.SetDefault("automation.initiator_interval_seconds", 300)    // Look for due job types every 5 minutes
	v.SetDefault("automation.orchestrator_interval_seconds", 120) // Poll in-flight records every 2 minutes
	v.SetDefault("automation.lease_seconds", 60)
	v.SetDefault("automation.poll_batch_size", 50)

	// Remote compute service defaults
	v.SetDefault("remote.timeout_seconds", 30)
	v.SetDefault("remote.requests_per_minute", 30) // Stay under the service quota

	// Publication defaults
	v.SetDefault("publish.enabled", false)
	v.SetDefault("publish.branch", "main")
	v.SetDefault("publish.local_path", "site-repo")
	v.SetDefault("publish.data_dir", "data/snow")
	v.SetDefault("publish.author_name", "snowflow")
	v.SetDefault("publish.author_email", "snowflow@localhost")

	// Email defaults
	v.SetDefault("email.enabled", false)
	v.SetDefault("email.port", 587)
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("database.path", "SNOWFLOW_DATABASE_PATH")
	v.BindEnv("remote.api_token", "SNOWFLOW_REMOTE_API_TOKEN")
	v.BindEnv("publish.token", "SNOWFLOW_PUBLISH_TOKEN")
	v.BindEnv("email.password", "SNOWFLOW_EMAIL_PASSWORD")
}
