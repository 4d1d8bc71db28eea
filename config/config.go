// Package config loads the snowflow runtime configuration.
package config

// Config represents the snowflow runtime configuration
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Automation AutomationConfig `mapstructure:"automation"`
	Remote     RemoteConfig     `mapstructure:"remote"`
	Publish    PublishConfig    `mapstructure:"publish"`
	Email      EmailConfig      `mapstructure:"email"`
}

// DatabaseConfig configures the SQLite job store
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// AutomationConfig configures the initiator and orchestrator loops.
// Both loops run on independent fixed-interval timers; they share nothing
// in-process and communicate only through the job store.
type AutomationConfig struct {
	Timezone                    string `mapstructure:"timezone"`                      // Cadence evaluation timezone (default: UTC)
	JobsCatalog                 string `mapstructure:"jobs_catalog"`                  // Path to the TOML job type catalog
	InitiatorIntervalSeconds    int    `mapstructure:"initiator_interval_seconds"`    // How often to look for due job types
	OrchestratorIntervalSeconds int    `mapstructure:"orchestrator_interval_seconds"` // How often to poll in-flight records
	LeaseSeconds                int    `mapstructure:"lease_seconds"`                 // Record lease duration for multi-instance polling
	PollBatchSize               int    `mapstructure:"poll_batch_size"`               // Max records leased per orchestrator tick
}

// RemoteConfig configures the remote geospatial compute service client
type RemoteConfig struct {
	BaseURL           string `mapstructure:"base_url"`
	Project           string `mapstructure:"project"`   // Remote project the exports run under
	APIToken          string `mapstructure:"api_token"` // Bind via SNOWFLOW_REMOTE_API_TOKEN
	TimeoutSeconds    int    `mapstructure:"timeout_seconds"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute"` // Client-side quota guard
}

// PublishConfig configures publication of finished artifacts to the
// static website repository.
type PublishConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	RepoURL     string `mapstructure:"repo_url"`
	Branch      string `mapstructure:"branch"`
	LocalPath   string `mapstructure:"local_path"` // Working clone location
	Token       string `mapstructure:"token"`      // Bind via SNOWFLOW_PUBLISH_TOKEN
	DataDir     string `mapstructure:"data_dir"`   // Directory inside the repo that receives artifacts
	AuthorName  string `mapstructure:"author_name"`
	AuthorEmail string `mapstructure:"author_email"`
}

// EmailConfig configures the best-effort job report notifier
type EmailConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Host     string   `mapstructure:"host"`
	Port     int      `mapstructure:"port"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"` // Bind via SNOWFLOW_EMAIL_PASSWORD
	From     string   `mapstructure:"from"`
	To       []string `mapstructure:"to"`
}
