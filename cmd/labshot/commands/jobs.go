package commands

import (
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/labshot/labshot/errors"
	"github.com/labshot/labshot/pipeline"
)

// JobsCmd inspects pipeline jobs.
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect pipeline jobs",
	Long: `Inspect pipeline jobs in the local job database.

Examples:
  labshot jobs ls                      # Recent jobs
  labshot jobs ls --status failed      # Failed jobs only
  labshot jobs status <id>             # One job in detail`,
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List recent jobs",
	RunE:  runJobsLs,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Show one job in detail",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var (
	jobsStatusFilter string
	jobsLimit        int
)

func init() {
	jobsLsCmd.Flags().StringVar(&jobsStatusFilter, "status", "", "Filter by status: queued, running, completed, failed")
	jobsLsCmd.Flags().IntVar(&jobsLimit, "limit", 20, "Maximum jobs to list")

	JobsCmd.AddCommand(jobsLsCmd)
	JobsCmd.AddCommand(jobsStatusCmd)
}

func runJobsLs(cmd *cobra.Command, args []string) error {
	store, err := loadStore(cmd)
	if err != nil {
		return err
	}
	database, err := openDatabase(store, cliLogger("labshot"))
	if err != nil {
		return err
	}
	defer database.Close()

	queue := pipeline.NewQueue(database, nil)

	var statusFilter *pipeline.Status
	if jobsStatusFilter != "" {
		st := pipeline.Status(jobsStatusFilter)
		switch st {
		case pipeline.StatusQueued, pipeline.StatusRunning, pipeline.StatusCompleted, pipeline.StatusFailed:
			statusFilter = &st
		default:
			return errors.NewInvalidRequestError("unknown status %q", jobsStatusFilter)
		}
	}

	jobs, err := queue.ListJobs(statusFilter, jobsLimit)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		pterm.Info.Println("No jobs found")
		return nil
	}

	rows := pterm.TableData{{"ID", "Status", "Stage", "Record", "Updated"}}
	for _, job := range jobs {
		recordCol := "-"
		if job.RecordID != 0 {
			recordCol = fmt.Sprintf("#%d", job.RecordID)
		}
		rows = append(rows, []string{
			job.ID,
			string(job.Status),
			string(job.Stage),
			recordCol,
			job.UpdatedAt.Format(time.RFC3339),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	store, err := loadStore(cmd)
	if err != nil {
		return err
	}
	database, err := openDatabase(store, cliLogger("labshot"))
	if err != nil {
		return err
	}
	defer database.Close()

	queue := pipeline.NewQueue(database, nil)
	job, err := queue.GetJob(args[0])
	if err != nil {
		return err
	}

	pterm.Info.Printf("Job %s\n", job.ID)
	pterm.Printf("  Status:   %s\n", job.Status)
	pterm.Printf("  Stage:    %s\n", job.Stage)
	pterm.Printf("  Image:    %s\n", job.ImagePath)
	pterm.Printf("  SHA-256:  %s\n", job.ImageSHA256)
	if job.RecordID != 0 {
		pterm.Printf("  Record:   #%d\n", job.RecordID)
	}
	if job.LabelPath != "" {
		pterm.Printf("  Label:    %s\n", job.LabelPath)
	}
	if job.Attributes != nil && job.Attributes.Title != "" {
		pterm.Printf("  Title:    %s\n", job.Attributes.Title)
	}
	pterm.Printf("  Created:  %s\n", job.CreatedAt.Format(time.RFC3339))
	if job.CompletedAt != nil {
		pterm.Printf("  Finished: %s\n", job.CompletedAt.Format(time.RFC3339))
	}
	for stage, attempts := range job.Attempts {
		if attempts > 1 {
			pterm.Printf("  Attempts: %s ran %d times\n", stage, attempts)
		}
	}
	if job.LastError != nil {
		pterm.Warning.Printf("Last error (%s at %s): %s\n", job.LastError.Kind, job.LastError.Stage, job.LastError.Message)
	}
	return nil
}
