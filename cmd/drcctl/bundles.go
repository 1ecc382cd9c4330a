package main

import (
	"context"
	"fmt"

	"github.com/ransomeye/drc/internal/queue"
	"github.com/spf13/cobra"
)

var bundlesCmd = &cobra.Command{
	Use:   "bundles",
	Short: "Manage incident evidence bundles",
}

var bundlesEnqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Enqueue a build_bundle job for an incident",
	RunE: func(cmd *cobra.Command, args []string) error {
		incidentID, _ := cmd.Flags().GetString("incident-id")
		scope, _ := cmd.Flags().GetString("scope")
		idempotencyKey, _ := cmd.Flags().GetString("idempotency-key")
		if incidentID == "" {
			return fail(validationf("--incident-id is required"))
		}

		db, _, err := openStore()
		if err != nil {
			return fail(err)
		}
		defer db.Close()

		var key *string
		if idempotencyKey != "" {
			key = &idempotencyKey
		}

		jobID, err := queue.SubmitBuildBundle(context.Background(), db, incidentID, scope, key)
		if err != nil {
			return fail(err)
		}

		printResult(
			map[string]string{"job_id": jobID, "incident_id": incidentID},
			fmt.Sprintf("enqueued build_bundle job %s for incident %s", jobID, incidentID),
		)
		return nil
	},
}

func init() {
	bundlesCmd.AddCommand(bundlesEnqueueCmd)
	bundlesEnqueueCmd.Flags().String("incident-id", "", "incident to bundle (required)")
	bundlesEnqueueCmd.Flags().String("scope", "full", "bundle scope: full or delta")
	bundlesEnqueueCmd.Flags().String("idempotency-key", "", "client-supplied idempotency key")
}
