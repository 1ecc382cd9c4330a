package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ransomeye/drc/internal/config"
	"github.com/ransomeye/drc/internal/integrity"
	"github.com/spf13/cobra"
)

var verifyManifestCmd = &cobra.Command{
	Use:   "verify-manifest BUNDLE_PATH",
	Short: "Verify a bundle's manifest signature and merkle root without replaying it into storage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bundlePath := args[0]

		cfg := config.Load()
		if err := cfg.Validate(); err != nil {
			return fail(fmt.Errorf("%w: %v", integrity.ErrValidation, err))
		}

		manifest, err := readManifest(bundlePath)
		if err != nil {
			return fail(err)
		}

		ks := integrity.NewKeyStore(cfg.KeyDir, cfg.KeyPassphrase)
		pub, err := ks.PublicKey(integrity.PurposeBundle)
		if err != nil {
			return fail(fmt.Errorf("%w: load bundle verification key: %v", integrity.ErrSignature, err))
		}

		sig, err := os.ReadFile(bundlePath + ".manifest.sig")
		if err != nil {
			return fail(fmt.Errorf("%w: read manifest signature: %v", integrity.ErrFormat, err))
		}
		canon, err := integrity.Canonical(manifest.ToCanonicalValue())
		if err != nil {
			return fail(fmt.Errorf("%w: canonicalize manifest: %v", integrity.ErrFormat, err))
		}
		if err := integrity.Verify(pub, canon, sig); err != nil {
			return fail(fmt.Errorf("%w: manifest signature invalid: %v", integrity.ErrSignature, err))
		}

		if err := integrity.VerifyMerkleRoot(manifest); err != nil {
			return fail(err)
		}

		printResult(
			map[string]any{
				"incident_id": manifest.Scope.IncidentID,
				"merkle_root": manifest.MerkleRoot,
				"entries":     len(manifest.Entries),
				"valid":       true,
			},
			fmt.Sprintf("manifest valid: incident=%s entries=%d merkle_root=%s",
				manifest.Scope.IncidentID, len(manifest.Entries), manifest.MerkleRoot),
		)
		return nil
	},
}

func readManifest(bundlePath string) (integrity.Manifest, error) {
	body, err := os.ReadFile(bundlePath + ".manifest.json")
	if err != nil {
		return integrity.Manifest{}, fmt.Errorf("%w: read manifest: %v", integrity.ErrFormat, err)
	}
	var m integrity.Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return integrity.Manifest{}, fmt.Errorf("%w: parse manifest: %v", integrity.ErrFormat, err)
	}
	return m, nil
}
