package update

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/ransomeye/drc/internal/integrity"
)

// ExecSelfTest runs a bundle's self-test script as a subprocess, bounded
// by the caller-supplied timeout (§4.4 step 7). A non-zero exit or a
// timeout both count as failure.
type ExecSelfTest struct{}

// Run executes scriptPath and waits up to timeout for it to exit zero.
func (ExecSelfTest) Run(ctx context.Context, scriptPath string, timeout time.Duration) error {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, scriptPath)
	out, err := cmd.CombinedOutput()
	if runCtx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%w: self-test timed out after %s", integrity.ErrIntegrity, timeout)
	}
	if err != nil {
		return fmt.Errorf("%w: self-test exited non-zero: %v: %s", integrity.ErrIntegrity, err, out)
	}
	return nil
}
