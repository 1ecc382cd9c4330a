package integrity

import "errors"

// Sentinel errors forming the DRC error taxonomy (kinds, not type names).
// Callers compare with errors.Is. ExitCode maps them to CLI exit codes;
// internal/httpapi maps them to HTTP status codes and writes a plain JSON
// {"error": message} body, not application/problem+json.
var (
	// ErrSignature means signature verification failed. Fail-closed, never
	// retried automatically.
	ErrSignature = errors.New("signature verification failed")

	// ErrIntegrity means a hash, merkle, or size mismatch was found.
	// Fail-closed.
	ErrIntegrity = errors.New("integrity check failed")

	// ErrFormat means the input was malformed before any cryptographic
	// check could even run.
	ErrFormat = errors.New("malformed input")

	// ErrValidation means the input failed schema or semantic validation.
	// Not retried; surfaced as 4xx.
	ErrValidation = errors.New("validation failed")

	// ErrConflict means a duplicate fingerprint or idempotent replay was
	// detected. Surfaced as 409 with the existing id.
	ErrConflict = errors.New("conflict")

	// ErrUnavailable means a transient storage or network failure.
	// Retried with backoff up to max_attempts, then the job goes dead.
	ErrUnavailable = errors.New("unavailable")

	// ErrCancelled means a deadline was exceeded or shutdown requested.
	// The caller decides whether to retry.
	ErrCancelled = errors.New("cancelled")

	// ErrFatal means an invariant was violated (e.g. rollback failure).
	// The process should exit non-zero so the supervisor restarts it.
	ErrFatal = errors.New("fatal invariant violation")
)

// ExitCode maps a taxonomy error to the CLI exit codes from spec §6.1:
// 0 success, 1 generic failure, 2 validation error, 3 signature failure,
// 4 storage unavailable.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrValidation), errors.Is(err, ErrFormat):
		return 2
	case errors.Is(err, ErrSignature), errors.Is(err, ErrIntegrity):
		return 3
	case errors.Is(err, ErrUnavailable):
		return 4
	default:
		return 1
	}
}

// ProblemCode returns a stable machine-readable code for err's kind. No
// HTTP handler in this module includes it in a response body.
func ProblemCode(err error) string {
	switch {
	case errors.Is(err, ErrSignature):
		return "signature_failed"
	case errors.Is(err, ErrIntegrity):
		return "integrity_failed"
	case errors.Is(err, ErrFormat):
		return "malformed_input"
	case errors.Is(err, ErrValidation):
		return "validation_failed"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrFatal):
		return "fatal"
	default:
		return "internal_error"
	}
}
