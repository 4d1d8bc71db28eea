package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/observatorio-andes/snowflow/dispatch"
	"github.com/observatorio-andes/snowflow/errors"
	"github.com/observatorio-andes/snowflow/job"
	"github.com/observatorio-andes/snowflow/logger"
	"github.com/observatorio-andes/snowflow/remote"
	"github.com/observatorio-andes/snowflow/scheduler"
)

// DaemonCmd runs the two scheduling loops in the foreground.
var DaemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the initiator and orchestrator loops",
	Long: `Run the snowflow daemon in foreground mode.

The daemon runs two independent timer loops:
- Initiator: decides which job types are due and submits export tasks
- Orchestrator: polls in-flight tasks, applies retry/timeout policy, and
  publishes finished artifacts

Both loops communicate only through the job store, so multiple daemon
instances may run against the same database.

Example:
  snowflow daemon                 # Run until interrupted (Ctrl+C)
  snowflow daemon --json-logs     # Run with JSON log output`,
	RunE: runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	loc := time.UTC
	if cfg.Automation.Timezone != "" {
		loc, err = time.LoadLocation(cfg.Automation.Timezone)
		if err != nil {
			return errors.Wrapf(err, "invalid timezone %q", cfg.Automation.Timezone)
		}
	}

	registry, err := job.LoadRegistry(cfg.Automation.JobsCatalog)
	if err != nil {
		return errors.Wrap(err, "failed to load job catalog")
	}

	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	store := job.NewStore(database)

	client := remote.NewHTTPClient(
		cfg.Remote.BaseURL,
		cfg.Remote.Project,
		cfg.Remote.APIToken,
		time.Duration(cfg.Remote.TimeoutSeconds)*time.Second,
		cfg.Remote.RequestsPerMinute,
		logger.Logger,
	)

	var publisher dispatch.Publisher = dispatch.NoopPublisher{}
	if cfg.Publish.Enabled {
		publisher = dispatch.NewSitePublisher(cfg.Publish, logger.Logger)
	}
	var notifier dispatch.Notifier = dispatch.NoopNotifier{}
	if cfg.Email.Enabled {
		notifier = dispatch.NewMailer(cfg.Email, logger.Logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	initiator := scheduler.NewInitiator(ctx, store, registry, client, notifier, scheduler.InitiatorConfig{
		Interval: time.Duration(cfg.Automation.InitiatorIntervalSeconds) * time.Second,
		Location: loc,
	}, logger.Logger)

	orchestrator := scheduler.NewOrchestrator(ctx, store, registry, client, publisher, notifier, scheduler.OrchestratorConfig{
		Interval:  time.Duration(cfg.Automation.OrchestratorIntervalSeconds) * time.Second,
		Lease:     time.Duration(cfg.Automation.LeaseSeconds) * time.Second,
		BatchSize: cfg.Automation.PollBatchSize,
	}, logger.Logger)

	initiator.Start()
	orchestrator.Start()

	pterm.Success.Println("snowflow daemon started")
	pterm.Info.Printf("  Job types:             %d\n", registry.Len())
	pterm.Info.Printf("  Timezone:              %s\n", loc)
	pterm.Info.Printf("  Initiator interval:    %ds\n", cfg.Automation.InitiatorIntervalSeconds)
	pterm.Info.Printf("  Orchestrator interval: %ds\n", cfg.Automation.OrchestratorIntervalSeconds)
	pterm.Info.Printf("  Publishing:            %v\n", cfg.Publish.Enabled)
	pterm.Info.Printf("  Email reports:         %v\n", cfg.Email.Enabled)
	pterm.Info.Println("Press Ctrl+C for graceful shutdown")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	pterm.Info.Println("Shutting down gracefully...")

	// Stop in reverse order of startup
	orchestrator.Stop()
	initiator.Stop()
	cancel()

	pterm.Success.Println("snowflow daemon stopped")
	return nil
}
