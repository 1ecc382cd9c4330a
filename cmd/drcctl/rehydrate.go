package main

import (
	"context"
	"fmt"

	"github.com/ransomeye/drc/internal/clock"
	"github.com/ransomeye/drc/internal/integrity"
	"github.com/ransomeye/drc/internal/logging"
	"github.com/ransomeye/drc/internal/queue"
	"github.com/ransomeye/drc/internal/rehydrate"
	"github.com/spf13/cobra"
)

var rehydrateCmd = &cobra.Command{
	Use:   "rehydrate BUNDLE_PATH",
	Short: "Verify and replay a bundle archive into storage directly, bypassing the job queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bundlePath := args[0]
		enqueueOnly, _ := cmd.Flags().GetBool("enqueue")

		db, cfg, err := openStore()
		if err != nil {
			return fail(err)
		}
		defer db.Close()

		ctx := context.Background()

		if enqueueOnly {
			jobID, err := queue.SubmitRehydrate(ctx, db, bundlePath, nil)
			if err != nil {
				return fail(err)
			}
			printResult(
				map[string]string{"job_id": jobID, "bundle_path": bundlePath},
				fmt.Sprintf("enqueued rehydrate_bundle job %s for %s", jobID, bundlePath),
			)
			return nil
		}

		ks := integrity.NewKeyStore(cfg.KeyDir, cfg.KeyPassphrase)
		pub, err := ks.PublicKey(integrity.PurposeBundle)
		if err != nil {
			return fail(fmt.Errorf("%w: load bundle verification key: %v", integrity.ErrSignature, err))
		}

		log := logging.New(jsonOutput)
		r, err := rehydrate.NewRehydrator(rehydrate.Config{
			Store:     db,
			PublicKey: pub,
			Clock:     clock.Real{},
			Log:       log,
		})
		if err != nil {
			return fail(err)
		}

		result, err := r.Rehydrate(ctx, bundlePath)
		if err != nil {
			return fail(err)
		}

		printResult(result, fmt.Sprintf(
			"rehydrated incident %s: %d entities, %d edges, %d alerts",
			result.IncidentID, result.EntityCount, result.EdgeCount, result.AlertCount,
		))
		return nil
	},
}

func init() {
	rehydrateCmd.Flags().Bool("enqueue", false, "enqueue a rehydrate_bundle job instead of replaying inline")
}
