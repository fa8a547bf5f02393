// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package statefile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Store is a state-file backend: somewhere a full snapshot can be saved
// and the most recent one loaded back. LocalStore and S3Store are the two
// concrete backends (§4.5 persistence: "local + optional S3 mirror").
type Store interface {
	Save(ctx context.Context, records []Record) error
	Load(ctx context.Context) ([]Record, error)
}

// LocalStore persists generations to disk with the same atomic
// write-temp-then-rename discipline as the teacher's AtomicWriter
// (internal/server/storage.go), and prunes old generations the same way
// its Rotate function does, adapted from backup-archive retention to
// state-file generation retention.
type LocalStore struct {
	dir      string
	retain   int
	compress Algorithm
}

// NewLocalStore constructs a LocalStore rooted at dir, creating it if
// necessary. retain <= 0 disables pruning (every generation is kept).
func NewLocalStore(dir string, retain int, compress Algorithm) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("statefile: creating state directory: %w", err)
	}
	return &LocalStore{dir: dir, retain: retain, compress: compress}, nil
}

// Save writes a new generation: encode into a temp file, then rename to
// a timestamped final name, mirroring AtomicWriter.TempFile/Commit.
func (s *LocalStore) Save(ctx context.Context, records []Record) error {
	tmp, err := os.CreateTemp(s.dir, "state-*.tmp")
	if err != nil {
		return fmt.Errorf("statefile: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	cw, err := NewCompressWriter(tmp, s.compress)
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("statefile: opening compressor: %w", err)
	}
	if err := Encode(cw, records); err != nil {
		cw.Close()
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("statefile: encoding: %w", err)
	}
	if err := cw.Close(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("statefile: flushing compressor: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("statefile: closing temp file: %w", err)
	}

	finalPath := filepath.Join(s.dir, generationName(s.compress))
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("statefile: committing generation: %w", err)
	}

	return rotate(s.dir, s.retain)
}

// Load decodes the most recently written generation on disk.
func (s *LocalStore) Load(ctx context.Context) ([]Record, error) {
	generations, err := listGenerations(s.dir)
	if err != nil {
		return nil, err
	}
	if len(generations) == 0 {
		return nil, nil
	}
	latest := generations[len(generations)-1]
	f, err := os.Open(filepath.Join(s.dir, latest))
	if err != nil {
		return nil, fmt.Errorf("statefile: opening %s: %w", latest, err)
	}
	defer f.Close()

	r, err := NewDecompressReader(f, algorithmFromName(latest))
	if err != nil {
		return nil, fmt.Errorf("statefile: decompressing %s: %w", latest, err)
	}
	defer r.Close()

	return Decode(r)
}

func generationName(alg Algorithm) string {
	ts := time.Now().UTC().Format("2006-01-02T15-04-05.000")
	ts = strings.ReplaceAll(ts, ".", "-")
	return ts + alg.Extension()
}

func algorithmFromName(name string) Algorithm {
	switch {
	case strings.HasSuffix(name, ".state.gz"):
		return AlgGzip
	case strings.HasSuffix(name, ".state.zst"):
		return AlgZstd
	default:
		return AlgNone
	}
}

func listGenerations(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("statefile: reading state directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n := e.Name()
		if strings.HasSuffix(n, ".state") || strings.HasSuffix(n, ".state.gz") || strings.HasSuffix(n, ".state.zst") {
			names = append(names, n)
		}
	}
	sort.Strings(names) // timestamp-prefixed names sort chronologically
	return names, nil
}

// rotate removes generations beyond retain, oldest first, the same
// excess-trim loop as the teacher's Rotate(agentDir, maxBackups).
func rotate(dir string, retain int) error {
	if retain <= 0 {
		return nil
	}
	generations, err := listGenerations(dir)
	if err != nil {
		return err
	}
	if len(generations) <= retain {
		return nil
	}
	for _, name := range generations[:len(generations)-retain] {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("statefile: removing old generation %s: %w", name, err)
		}
	}
	return nil
}
