package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect durable job queue state",
}

var jobsShowCmd = &cobra.Command{
	Use:   "show JOB_ID",
	Short: "Show a job's current status, attempts, and last error",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID := args[0]

		db, _, err := openStore()
		if err != nil {
			return fail(err)
		}
		defer db.Close()

		job, err := db.GetJob(context.Background(), jobID)
		if err != nil {
			return fail(err)
		}

		msg := fmt.Sprintf("job %s: kind=%s status=%s attempts=%d/%d", job.JobID, job.Kind, job.Status, job.Attempts, job.MaxAttempts)
		if job.LastError != nil {
			msg += fmt.Sprintf(" last_error=%q", *job.LastError)
		}
		printResult(job, msg)
		return nil
	},
}

func init() {
	jobsCmd.AddCommand(jobsShowCmd)
}
