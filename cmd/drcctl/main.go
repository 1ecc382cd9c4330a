// Command drcctl is the operator CLI for the detection-to-response core: a
// thin wrapper around the storage and integrity layers for enqueueing jobs,
// inspecting job state, and rehydrating or verifying bundles by hand.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ransomeye/drc/internal/config"
	"github.com/ransomeye/drc/internal/integrity"
	"github.com/ransomeye/drc/internal/storage"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

var jsonOutput bool

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "drcctl: %v\n", err)
		os.Exit(exitCodeFromErr(err))
	}
}

var rootCmd = &cobra.Command{
	Use:     "drcctl",
	Short:   "Operator CLI for the RansomEye detection-to-response core",
	Version: Version,
	// Subcommands report failures as one-line stderr messages via fail(),
	// not cobra's default usage dump.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("drcctl version %s (%s)\n", Version, Commit))
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "also print machine-readable JSON to stdout (human text still goes to stderr)")

	rootCmd.AddCommand(bundlesCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(rehydrateCmd)
	rootCmd.AddCommand(verifyManifestCmd)
}

// exitErr carries a taxonomy-mapped exit code alongside the error main()
// prints, so main() doesn't have to re-inspect the error chain.
type exitErr struct {
	err  error
	code int
}

func (e *exitErr) Error() string { return e.err.Error() }
func (e *exitErr) Unwrap() error { return e.err }

func fail(err error) error {
	return &exitErr{err: err, code: integrity.ExitCode(err)}
}

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", integrity.ErrValidation, fmt.Sprintf(format, args...))
}

func exitCodeFromErr(err error) int {
	if ee, ok := err.(*exitErr); ok {
		return ee.code
	}
	return 1
}

// openStore loads config and opens the relational store, the one dependency
// every subcommand needs. Subcommands that also need signing keys open a
// KeyStore separately, since not every command touches key material.
func openStore() (*storage.DB, *config.Config, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", integrity.ErrValidation, err)
	}
	db, err := storage.Open(cfg.DSN(), cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: open storage: %v", integrity.ErrUnavailable, err)
	}
	return db, cfg, nil
}

// printResult always prints msg as a one-line human message to stderr, and
// additionally emits v as JSON on stdout when --json was passed (§6.1's CLI
// output contract).
func printResult(v any, msg string) {
	fmt.Fprintln(os.Stderr, msg)
	if jsonOutput {
		if err := json.NewEncoder(os.Stdout).Encode(v); err != nil {
			fmt.Fprintf(os.Stderr, "encode json: %v\n", err)
		}
	}
}
