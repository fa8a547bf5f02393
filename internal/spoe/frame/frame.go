// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package frame

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frame is one decoded SPOE wire frame.
//
// Wire layout: [length:u32 BE][type:u8][flags:u32 BE][stream_id:varint]
// [frame_id:varint][payload]. length covers everything after itself.
type Frame struct {
	Type     Type
	Flags    Flags
	StreamID uint64
	FrameID  uint64
	Payload  []byte
}

// IsFin reports whether this is the final (or only) fragment of its frame.
func (f Frame) IsFin() bool { return f.Flags&FlagFin != 0 }

// IsAbrt reports whether this continuation aborts a fragmented frame.
func (f Frame) IsAbrt() bool { return f.Flags&FlagAbrt != 0 }

// Encode appends the wire encoding of f to buf and returns the extended
// slice. maxFrameSize bounds the total encoded size (header + payload);
// Encode returns ErrTooBig without appending anything if it would be
// exceeded.
func Encode(buf []byte, f Frame, maxFrameSize uint32) ([]byte, error) {
	body := make([]byte, 0, 1+5+10+10+len(f.Payload))
	body = append(body, byte(f.Type))
	body = appendUint32(body, uint32(f.Flags))
	body = AppendVarint(body, f.StreamID)
	body = AppendVarint(body, f.FrameID)
	body = append(body, f.Payload...)

	if uint32(len(body)) > maxFrameSize {
		return buf, ErrTooBig
	}

	buf = appendUint32(buf, uint32(len(body)))
	buf = append(buf, body...)
	return buf, nil
}

// Decode parses one frame out of data, which must hold exactly the frame's
// body (the caller has already read and stripped the 4-byte length prefix
// using ReadLength). It does not enforce maxFrameSize; callers check the
// length prefix against the negotiated size before reading the body.
func Decode(data []byte) (Frame, error) {
	if len(data) < 1+4 {
		return Frame{}, ErrTruncated
	}
	f := Frame{Type: Type(data[0])}
	f.Flags = Flags(binary.BigEndian.Uint32(data[1:5]))
	rest := data[5:]

	sid, n, err := DecodeVarint(rest)
	if err != nil {
		return Frame{}, fmt.Errorf("decoding stream_id: %w", err)
	}
	f.StreamID = sid
	rest = rest[n:]

	fid, n, err := DecodeVarint(rest)
	if err != nil {
		return Frame{}, fmt.Errorf("decoding frame_id: %w", err)
	}
	f.FrameID = fid
	rest = rest[n:]

	f.Payload = rest
	return f, nil
}

// ReadLength reads the 4-byte big-endian length prefix that precedes every
// frame body on the wire.
func ReadLength(r io.Reader) (uint32, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, fmt.Errorf("reading frame length: %w", err)
	}
	return binary.BigEndian.Uint32(lenBuf[:]), nil
}

// ReadFrame reads one complete length-prefixed frame from r. maxFrameSize
// bounds the accepted body length; a longer declared length fails with
// ErrTooBig without reading the body (the caller must close the connection,
// since the stream position can no longer be trusted).
func ReadFrame(r io.Reader, maxFrameSize uint32) (Frame, error) {
	length, err := ReadLength(r)
	if err != nil {
		return Frame{}, err
	}
	if length > maxFrameSize {
		return Frame{}, ErrTooBig
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, fmt.Errorf("reading frame body: %w", err)
	}
	return Decode(body)
}

// WriteFrame encodes f and writes it to w in one call.
func WriteFrame(w io.Writer, f Frame, maxFrameSize uint32) error {
	buf, err := Encode(nil, f, maxFrameSize)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}
