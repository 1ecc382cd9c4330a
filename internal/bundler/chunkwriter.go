package bundler

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ransomeye/drc/internal/integrity"
)

// chunkedWriter streams one logical output file (alerts.ndjson,
// entities.ndjson, edges.ndjson, or an artifact) into a scratch directory,
// hashing as it writes and splitting into chunks/<n>-<hash>.chunk once the
// current chunk exceeds chunkSize (§4.7 steps 2-4). A file that never
// exceeds chunkSize is left whole under its logical name; no file is ever
// read a second time to compute its hash.
type chunkedWriter struct {
	dir       string
	name      string // logical name, e.g. "entities.ndjson"
	chunkSize int64

	cur        *os.File
	curPath    string
	curHasher  *integrity.StreamHasher
	curSize    int64
	chunkIndex int
	rotated    bool
	entries    []integrity.ManifestEntry
}

func newChunkedWriter(dir, name string, chunkSize int64) (*chunkedWriter, error) {
	w := &chunkedWriter{dir: dir, name: name, chunkSize: chunkSize}
	if err := w.openChunk(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *chunkedWriter) openChunk() error {
	path := filepath.Join(w.dir, fmt.Sprintf(".%s.chunk%d.tmp", w.name, w.chunkIndex))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: open chunk for %s: %v", integrity.ErrFatal, w.name, err)
	}
	w.cur = f
	w.curPath = path
	w.curHasher = integrity.NewStreamHasher()
	w.curSize = 0
	return nil
}

// Write feeds p into the current chunk, rotating to a new chunk file once
// chunkSize is exceeded.
func (w *chunkedWriter) Write(p []byte) (int, error) {
	n, err := w.cur.Write(p)
	if err != nil {
		return n, fmt.Errorf("%w: write chunk for %s: %v", integrity.ErrFatal, w.name, err)
	}
	w.curHasher.Write(p[:n])
	w.curSize += int64(n)
	if w.curSize >= w.chunkSize {
		if err := w.rotate(); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (w *chunkedWriter) rotate() error {
	if err := w.finalizeChunk(true); err != nil {
		return err
	}
	w.chunkIndex++
	w.rotated = true
	return w.openChunk()
}

// finalizeChunk closes and renames the current chunk. forcedChunk is true
// when called from rotate (the file is definitely one of possibly many
// chunks); when called from Close with forcedChunk=false and this is the
// only chunk ever written, the file keeps its logical name instead of a
// chunk name.
func (w *chunkedWriter) finalizeChunk(forcedChunk bool) error {
	if err := w.cur.Close(); err != nil {
		return fmt.Errorf("%w: close chunk for %s: %v", integrity.ErrFatal, w.name, err)
	}
	digest := w.curHasher.SumHex()

	asChunk := forcedChunk || w.rotated
	var finalPath, entryPath string
	idx := w.chunkIndex
	if asChunk {
		relPath := filepath.Join("chunks", fmt.Sprintf("%d-%s.chunk", idx, digest[:16]))
		finalPath = filepath.Join(w.dir, relPath)
		entryPath = relPath
	} else {
		finalPath = filepath.Join(w.dir, w.name)
		entryPath = w.name
	}
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return fmt.Errorf("%w: mkdir for %s: %v", integrity.ErrFatal, w.name, err)
	}
	if err := os.Rename(w.curPath, finalPath); err != nil {
		return fmt.Errorf("%w: rename chunk for %s: %v", integrity.ErrFatal, w.name, err)
	}

	entry := integrity.ManifestEntry{
		Path:   entryPath,
		Size:   w.curSize,
		SHA256: digest,
	}
	if asChunk {
		entry.ChunkOf = w.name
		i := idx
		entry.ChunkIndex = &i
	}
	w.entries = append(w.entries, entry)
	return nil
}

// Close finalizes the last chunk and returns the accumulated manifest
// entries for this logical file (one entry if it was never rotated, one
// per chunk otherwise).
func (w *chunkedWriter) Close() ([]integrity.ManifestEntry, error) {
	if err := w.finalizeChunk(false); err != nil {
		return nil, err
	}
	return w.entries, nil
}
