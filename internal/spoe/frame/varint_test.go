// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package frame

import "testing"

func TestVarint_RoundTrip(t *testing.T) {
	values := []uint64{
		0, 1, 100, 239, 240, 241, 255, 256, 1000,
		4095, 65535, 65536, 1 << 20, 1 << 32,
		1<<63 - 1, 1 << 63, ^uint64(0),
	}
	for _, v := range values {
		buf := AppendVarint(nil, v)
		got, n, err := DecodeVarint(buf)
		if err != nil {
			t.Fatalf("DecodeVarint(%d): %v", v, err)
		}
		if n != len(buf) {
			t.Errorf("value %d: consumed %d, want %d", v, n, len(buf))
		}
		if got != v {
			t.Errorf("round trip %d: got %d", v, got)
		}
		if len(buf) != VarintSize(v) {
			t.Errorf("VarintSize(%d) = %d, encoded length %d", v, VarintSize(v), len(buf))
		}
	}
}

func TestVarint_SingleByteBoundary(t *testing.T) {
	for v := uint64(0); v < 240; v++ {
		buf := AppendVarint(nil, v)
		if len(buf) != 1 {
			t.Fatalf("value %d: expected single byte, got %d bytes", v, len(buf))
		}
		if buf[0] != byte(v) {
			t.Fatalf("value %d: byte = %#x", v, buf[0])
		}
	}
	buf := AppendVarint(nil, 240)
	if len(buf) < 2 {
		t.Fatalf("value 240: expected multi-byte encoding, got %d bytes", len(buf))
	}
}

func TestVarint_Truncated(t *testing.T) {
	if _, _, err := DecodeVarint(nil); err != ErrTruncated {
		t.Fatalf("empty input: got %v, want ErrTruncated", err)
	}
	buf := AppendVarint(nil, 100000)
	if _, _, err := DecodeVarint(buf[:1]); err != ErrTruncated {
		t.Fatalf("truncated multi-byte input: got %v, want ErrTruncated", err)
	}
}
