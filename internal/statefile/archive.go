// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package statefile

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
)

// Algorithm is the compression scheme a retained state-file generation is
// stored under, matching the two choices the teacher's backup archives
// already offer (§4.5 persistence).
type Algorithm int

const (
	AlgNone Algorithm = iota
	AlgGzip
	AlgZstd
)

// Extension returns the filename suffix a generation written with alg
// carries, so Rotate and Load can tell generations apart without opening
// them.
func (a Algorithm) Extension() string {
	switch a {
	case AlgGzip:
		return ".state.gz"
	case AlgZstd:
		return ".state.zst"
	default:
		return ".state"
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// NewCompressWriter wraps w so every byte written through it lands
// compressed under alg; AlgNone passes bytes through unchanged.
func NewCompressWriter(w io.Writer, alg Algorithm) (io.WriteCloser, error) {
	switch alg {
	case AlgGzip:
		return pgzip.NewWriter(w), nil
	case AlgZstd:
		return zstd.NewWriter(w)
	default:
		return nopWriteCloser{w}, nil
	}
}

type zstdReadCloser struct{ d *zstd.Decoder }

func (z zstdReadCloser) Read(p []byte) (int, error) { return z.d.Read(p) }
func (z zstdReadCloser) Close() error                { z.d.Close(); return nil }

// NewDecompressReader is NewCompressWriter's inverse.
func NewDecompressReader(r io.Reader, alg Algorithm) (io.ReadCloser, error) {
	switch alg {
	case AlgGzip:
		return pgzip.NewReader(r)
	case AlgZstd:
		d, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("statefile: opening zstd reader: %w", err)
		}
		return zstdReadCloser{d: d}, nil
	default:
		return io.NopCloser(r), nil
	}
}
