package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/observatorio-andes/snowflow/errors"
	"github.com/observatorio-andes/snowflow/job"
)

// JobsCmd groups job record management commands.
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage job records",
	Long: `Inspect and manage job records.

Job records are the per-attempt execution instances of the recurring job
types defined in the catalog. Records progress through:
  pending → submitted → running → succeeded | failed | timed_out | cancelled

Examples:
  snowflow jobs ls                     # List recent records
  snowflow jobs ls --type snow_monthly # Records of one job type
  snowflow jobs status <id>            # Full record detail
  snowflow jobs cancel <id>            # Cancel an in-flight record
  snowflow jobs retry <id>             # Queue a new attempt of a failed record`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List job records",
	RunE: func(cmd *cobra.Command, args []string) error {
		jobType, _ := cmd.Flags().GetString("type")
		limit, _ := cmd.Flags().GetInt("limit")
		return runJobsLs(cmd, jobType, limit)
	},
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <record-id>",
	Short: "Show full detail of a job record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobsStatus(cmd, args[0])
	},
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <record-id>",
	Short: "Cancel an in-flight job record",
	Long: `Cancel an in-flight job record.

The record transitions to cancelled immediately; the orchestrator cancels
the remote task best-effort on its next tick.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobsCancel(cmd, args[0])
	},
}

var jobsRetryCmd = &cobra.Command{
	Use:   "retry <record-id>",
	Short: "Queue a new attempt of a terminal record",
	Long: `Queue a new attempt of a terminal (failed, timed out, or cancelled)
record. A fresh pending record is created with the same parameters; the
initiator submits it on its next tick.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobsRetry(cmd, args[0])
	},
}

func init() {
	jobsLsCmd.Flags().String("type", "", "Filter by job type")
	jobsLsCmd.Flags().Int("limit", 20, "Maximum number of records to display")

	JobsCmd.AddCommand(jobsLsCmd)
	JobsCmd.AddCommand(jobsStatusCmd)
	JobsCmd.AddCommand(jobsCancelCmd)
	JobsCmd.AddCommand(jobsRetryCmd)
}

func runJobsLs(cmd *cobra.Command, jobType string, limit int) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	store := job.NewStore(database)
	records, err := store.List(jobType, limit)
	if err != nil {
		return errors.Wrap(err, "failed to list job records")
	}

	if len(records) == 0 {
		fmt.Println("No job records found")
		return nil
	}

	fmt.Printf("%-36s %-16s %-9s %-10s %-20s %s\n", "RECORD ID", "JOB TYPE", "ATTEMPT", "STATE", "CREATED", "DETAIL")
	fmt.Printf("%-36s %-16s %-9s %-10s %-20s %s\n", "---------", "--------", "-------", "-----", "-------", "------")
	for _, rec := range records {
		detail := rec.Artifact
		if detail == "" {
			detail = truncate(rec.Error, 40)
		}
		fmt.Printf("%-36s %-16s %-9d %-10s %-20s %s\n",
			rec.ID,
			truncate(rec.JobType, 16),
			rec.Attempt,
			rec.State,
			rec.CreatedAt.Format("2006-01-02 15:04:05"),
			detail,
		)
	}
	return nil
}

func runJobsStatus(cmd *cobra.Command, recordID string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	rec, err := job.NewStore(database).Get(recordID)
	if err != nil {
		return err
	}

	fmt.Printf("Record:       %s\n", rec.ID)
	fmt.Printf("Job type:     %s\n", rec.JobType)
	fmt.Printf("Attempt:      %d\n", rec.Attempt)
	fmt.Printf("State:        %s\n", rec.State)
	if rec.TaskHandle != "" {
		fmt.Printf("Task handle:  %s\n", rec.TaskHandle)
	}
	if len(rec.Params) > 0 {
		fmt.Printf("Params:       %s\n", rec.Params)
	}
	if rec.Artifact != "" {
		fmt.Printf("Artifact:     %s\n", rec.Artifact)
	}
	if rec.Error != "" {
		fmt.Printf("Error:        %s\n", rec.Error)
	}
	if rec.PublishError != "" {
		fmt.Printf("Publish err:  %s\n", rec.PublishError)
	}
	fmt.Printf("Created:      %s\n", rec.CreatedAt.Format(time.RFC3339))
	printTime := func(label string, t *time.Time) {
		if t != nil {
			fmt.Printf("%-13s %s\n", label+":", t.Format(time.RFC3339))
		}
	}
	printTime("Submitted", rec.SubmittedAt)
	printTime("Last polled", rec.LastPolledAt)
	printTime("Next check", rec.NextCheckAt)
	printTime("Completed", rec.CompletedAt)
	printTime("Published", rec.PublishedAt)
	printTime("Notified", rec.NotifiedAt)
	printTime("Cancel acked", rec.CancelAckedAt)
	return nil
}

func runJobsCancel(cmd *cobra.Command, recordID string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	store := job.NewStore(database)
	if err := store.MarkCancelled(recordID, time.Now()); err != nil {
		if errors.IsConflictError(err) {
			return errors.Newf("record %s is not in a cancellable state", recordID)
		}
		return err
	}

	fmt.Printf("Record %s cancelled; remote task will be cancelled on the next orchestrator tick\n", recordID)
	return nil
}

func runJobsRetry(cmd *cobra.Command, recordID string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	store := job.NewStore(database)
	rec, err := store.Get(recordID)
	if err != nil {
		return err
	}
	if !rec.State.IsTerminal() {
		return errors.Newf("record %s is still %s; cancel it first", recordID, rec.State)
	}
	if rec.State == job.StateSucceeded {
		return errors.Newf("record %s succeeded; nothing to retry", recordID)
	}

	retry := job.NewRecord(rec.JobType, rec.Params, rec.Attempt+1, time.Now())
	if err := store.CreateIfIdle(retry); err != nil {
		if errors.IsConflictError(err) {
			return errors.Newf("job type %s already has an open record", rec.JobType)
		}
		return err
	}

	fmt.Printf("Retry %s created (attempt %d); the initiator will submit it on the next tick\n", retry.ID, retry.Attempt)
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
