package bundler

import (
	"compress/gzip"
	"io"

	"github.com/klauspost/compress/zstd"
)

// encoderLevel maps a configured 1-4 compression level to zstd's speed
// presets, defaulting to SpeedDefault for anything out of range.
func encoderLevel(level int) zstd.EncoderLevel {
	switch level {
	case 1:
		return zstd.SpeedFastest
	case 3:
		return zstd.SpeedBetterCompression
	case 4:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedDefault
	}
}

// newEncoderFn is swappable in tests to exercise the gzip fallback path
// without needing to actually break zstd.
var newEncoderFn = func(w io.Writer, level int) (io.WriteCloser, error) {
	return zstd.NewWriter(w, zstd.WithEncoderLevel(encoderLevel(level)))
}

// compressWithFallback wraps w in a zstandard encoder at the given level;
// if the encoder can't be constructed, it falls back to gzip and reports
// that choice back to the caller so the manifest records which algorithm
// was actually used (§4.7 step 6).
func compressWithFallback(w io.Writer, level int) (io.WriteCloser, string) {
	enc, err := newEncoderFn(w, level)
	if err == nil {
		return enc, "zstd"
	}
	gz, gzErr := gzip.NewWriterLevel(w, gzip.DefaultCompression)
	if gzErr != nil {
		gz = gzip.NewWriter(w)
	}
	return gz, "gzip"
}
