package update

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ransomeye/drc/internal/clock"
	"github.com/ransomeye/drc/internal/integrity"
	"github.com/ransomeye/drc/internal/logging"
)

// ServiceController stops and starts the service an update replaces.
// Production wiring runs a systemd unit or a supervised process; tests
// substitute a fake that records calls.
type ServiceController interface {
	Stop(ctx context.Context) error
	Start(ctx context.Context) error
}

// SelfTestRunner executes a bundle's self-test and reports whether it
// passed.
type SelfTestRunner interface {
	Run(ctx context.Context, scriptPath string, timeout time.Duration) error
}

// ApplyConfig carries everything Apply needs to run one update bundle.
type ApplyConfig struct {
	BundleDir     string // manifest.json, manifest.sig, payload/
	InstallDir    string // live install directory being replaced
	RollbackRoot  string // parent directory holding timestamped snapshots
	ScratchDir    string // staging directory for the new payload
	KeepRollbacks int    // how many snapshots to retain; default 2
	PublicKey     *rsa.PublicKey
	Service       ServiceController
	SelfTest      SelfTestRunner
	Clock         clock.Clock
	Log           *logging.Logger
}

// breadcrumbName is left in RollbackRoot after every apply attempt so an
// operator can tell, without parsing logs, whether the last update
// succeeded, rolled back, or aborted before touching disk.
const breadcrumbName = "last_apply.json"

type breadcrumb struct {
	TargetVersion string    `json:"target_version"`
	Outcome       string    `json:"outcome"` // applied | rolled_back | rejected
	Detail        string    `json:"detail,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Apply runs the full signed-update protocol. Any failure before the
// atomic swap (steps 1-4) leaves InstallDir completely untouched. Any
// failure after the swap triggers an automatic rollback to the
// just-taken snapshot; a rollback failure is itself fatal and the caller
// should treat a non-nil ErrFatal-wrapped error as cause to exit non-zero.
func Apply(ctx context.Context, cfg ApplyConfig) error {
	if cfg.KeepRollbacks <= 0 {
		cfg.KeepRollbacks = 2
	}

	manifest, err := loadManifest(cfg.BundleDir)
	if err != nil {
		return cfg.reject("", fmt.Sprintf("load manifest: %v", err))
	}
	if err := VerifyMerkleRoot(manifest); err != nil {
		return cfg.reject(manifest.TargetVersion, err.Error())
	}
	if err := verifyManifestSignature(cfg.BundleDir, manifest, cfg.PublicKey); err != nil {
		return cfg.reject(manifest.TargetVersion, err.Error())
	}
	if err := verifyPayloadHashes(cfg.BundleDir, manifest); err != nil {
		return cfg.reject(manifest.TargetVersion, err.Error())
	}

	cfg.Log.Info("update verified, applying", "target_version", manifest.TargetVersion)

	if err := cfg.Service.Stop(ctx); err != nil {
		return cfg.reject(manifest.TargetVersion, fmt.Sprintf("stop service: %v", err))
	}

	snapshotDir := filepath.Join(cfg.RollbackRoot, cfg.Clock.Now().UTC().Format("20060102T150405.000Z"))
	if err := snapshotInstallDir(cfg.InstallDir, snapshotDir); err != nil {
		// Service is stopped but install dir is untouched; starting it
		// back up leaves the system exactly as it was.
		_ = cfg.Service.Start(ctx)
		return cfg.reject(manifest.TargetVersion, fmt.Sprintf("snapshot install dir: %v", err))
	}

	if err := stagePayload(filepath.Join(cfg.BundleDir, "payload"), cfg.ScratchDir); err != nil {
		_ = rollbackTo(snapshotDir, cfg.InstallDir)
		_ = cfg.Service.Start(ctx)
		return cfg.reject(manifest.TargetVersion, fmt.Sprintf("stage payload: %v", err))
	}

	if err := os.Rename(cfg.ScratchDir, cfg.InstallDir); err != nil {
		_ = rollbackTo(snapshotDir, cfg.InstallDir)
		_ = cfg.Service.Start(ctx)
		return cfg.reject(manifest.TargetVersion, fmt.Sprintf("swap install dir: %v", err))
	}

	if err := cfg.Service.Start(ctx); err != nil {
		if rbErr := cfg.rollback(ctx, snapshotDir); rbErr != nil {
			return fmt.Errorf("%w: start failed (%v) and rollback failed: %v", integrity.ErrFatal, err, rbErr)
		}
		return cfg.reject(manifest.TargetVersion, fmt.Sprintf("start service after swap: %v", err))
	}

	testCtx, cancel := context.WithTimeout(ctx, manifest.SelfTestTimeoutDuration())
	defer cancel()
	selfTestErr := cfg.SelfTest.Run(testCtx, filepath.Join(cfg.InstallDir, manifest.SelfTestPath), manifest.SelfTestTimeoutDuration())
	if selfTestErr != nil {
		cfg.Log.Warn("self-test failed, rolling back", "target_version", manifest.TargetVersion, "error", selfTestErr)
		if rbErr := cfg.rollback(ctx, snapshotDir); rbErr != nil {
			return fmt.Errorf("%w: self-test failed (%v) and rollback failed: %v", integrity.ErrFatal, selfTestErr, rbErr)
		}
		_ = cfg.writeBreadcrumb(breadcrumb{
			TargetVersion: manifest.TargetVersion,
			Outcome:       "rolled_back",
			Detail:        selfTestErr.Error(),
			Timestamp:     cfg.Clock.Now(),
		})
		return fmt.Errorf("%w: self-test failed, rolled back to previous version: %v", integrity.ErrIntegrity, selfTestErr)
	}

	if err := cfg.writeBreadcrumb(breadcrumb{
		TargetVersion: manifest.TargetVersion,
		Outcome:       "applied",
		Timestamp:     cfg.Clock.Now(),
	}); err != nil {
		cfg.Log.Warn("failed to write apply breadcrumb", "error", err)
	}
	pruneRollbacks(cfg.RollbackRoot, cfg.KeepRollbacks, cfg.Log)

	cfg.Log.Info("update applied", "target_version", manifest.TargetVersion)
	return nil
}

func (cfg ApplyConfig) reject(targetVersion, detail string) error {
	_ = cfg.writeBreadcrumb(breadcrumb{
		TargetVersion: targetVersion,
		Outcome:       "rejected",
		Detail:        detail,
		Timestamp:     cfg.Clock.Now(),
	})
	return fmt.Errorf("%w: update rejected: %s", integrity.ErrValidation, detail)
}

// rollback implements the stop/restore/start sequence spec names for a
// post-swap failure: the service must be stopped before the install
// directory is restored out from under it.
func (cfg ApplyConfig) rollback(ctx context.Context, snapshotDir string) error {
	if err := cfg.Service.Stop(ctx); err != nil {
		return fmt.Errorf("stop service for rollback: %w", err)
	}
	if err := rollbackTo(snapshotDir, cfg.InstallDir); err != nil {
		return err
	}
	return cfg.Service.Start(ctx)
}

func (cfg ApplyConfig) writeBreadcrumb(b breadcrumb) error {
	body, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.RollbackRoot, 0755); err != nil {
		return err
	}
	return integrity.WriteAtomic(filepath.Join(cfg.RollbackRoot, breadcrumbName), body, 0644)
}

func loadManifest(bundleDir string) (Manifest, error) {
	body, err := os.ReadFile(filepath.Join(bundleDir, "manifest.json"))
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest.json: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return Manifest{}, fmt.Errorf("%w: parse manifest.json: %v", integrity.ErrFormat, err)
	}
	return m, nil
}

func verifyManifestSignature(bundleDir string, m Manifest, pub *rsa.PublicKey) error {
	sigB64, err := os.ReadFile(filepath.Join(bundleDir, "manifest.sig"))
	if err != nil {
		return fmt.Errorf("%w: read manifest.sig: %v", integrity.ErrFormat, err)
	}
	sig, err := base64.StdEncoding.DecodeString(string(sigB64))
	if err != nil {
		return fmt.Errorf("%w: decode manifest.sig: %v", integrity.ErrFormat, err)
	}
	canon, err := integrity.Canonical(m.ToCanonicalValue())
	if err != nil {
		return fmt.Errorf("%w: canonicalize manifest: %v", integrity.ErrFormat, err)
	}
	if err := integrity.Verify(pub, canon, sig); err != nil {
		return fmt.Errorf("%w: manifest signature invalid: %v", integrity.ErrSignature, err)
	}
	return nil
}

// verifyPayloadHashes rehashes every payload file against the manifest
// before any install-directory mutation happens (§4.4 step 2).
func verifyPayloadHashes(bundleDir string, m Manifest) error {
	payloadDir := filepath.Join(bundleDir, "payload")
	for _, e := range m.Entries {
		body, err := os.ReadFile(filepath.Join(payloadDir, e.Path))
		if err != nil {
			return fmt.Errorf("%w: read payload entry %s: %v", integrity.ErrIntegrity, e.Path, err)
		}
		if int64(len(body)) != e.Size {
			return fmt.Errorf("%w: payload entry %s size mismatch: manifest says %d, got %d", integrity.ErrIntegrity, e.Path, e.Size, len(body))
		}
		if got := integrity.HashHex(body); got != e.SHA256 {
			return fmt.Errorf("%w: payload entry %s hash mismatch", integrity.ErrIntegrity, e.Path)
		}
	}
	return nil
}

func snapshotInstallDir(installDir, snapshotDir string) error {
	if err := os.MkdirAll(filepath.Dir(snapshotDir), 0755); err != nil {
		return err
	}
	if _, err := os.Stat(installDir); os.IsNotExist(err) {
		return os.MkdirAll(snapshotDir, 0755)
	}
	return os.Rename(installDir, snapshotDir)
}

func rollbackTo(snapshotDir, installDir string) error {
	_ = os.RemoveAll(installDir)
	return os.Rename(snapshotDir, installDir)
}

func stagePayload(payloadDir, scratchDir string) error {
	if err := os.RemoveAll(scratchDir); err != nil {
		return err
	}
	if err := os.MkdirAll(scratchDir, 0755); err != nil {
		return err
	}
	return filepath.Walk(payloadDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(payloadDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		dst := filepath.Join(scratchDir, rel)
		if info.IsDir() {
			return os.MkdirAll(dst, 0755)
		}
		body, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return integrity.WriteAtomic(dst, body, 0644)
	})
}

// pruneRollbacks keeps the keep most recent rollback snapshots (by name,
// which is a sortable timestamp) and removes the rest. Failures are
// logged, not returned, since a successfully-applied update should never
// fail because housekeeping couldn't run.
func pruneRollbacks(rollbackRoot string, keep int, log *logging.Logger) {
	entries, err := os.ReadDir(rollbackRoot)
	if err != nil {
		log.Warn("list rollback snapshots", "error", err)
		return
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if len(names) <= keep {
		return
	}
	for _, old := range names[:len(names)-keep] {
		if err := os.RemoveAll(filepath.Join(rollbackRoot, old)); err != nil {
			log.Warn("prune old rollback snapshot", "snapshot", old, "error", err)
		}
	}
}
