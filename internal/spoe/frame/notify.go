// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package frame

import "fmt"

// EncodeNotifyPayload renders a NOTIFY frame's payload: the messages bound
// to the event/group that triggered processing. stream_id/frame_id live in
// the frame header, not here.
func EncodeNotifyPayload(msgs []Message) ([]byte, error) {
	var buf []byte
	for _, m := range msgs {
		var err error
		buf, err = AppendMessage(buf, m)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// DecodeNotifyPayload parses a NOTIFY frame's payload into its messages.
func DecodeNotifyPayload(payload []byte) ([]Message, error) {
	return DecodeMessages(payload)
}

// EncodeAckPayload renders an ACK frame's payload: the actions the agent
// wants applied to the stream.
func EncodeAckPayload(actions []Action) []byte {
	var buf []byte
	for _, a := range actions {
		buf = AppendAction(buf, a)
	}
	return buf
}

// DecodeAckPayload parses an ACK frame's payload into its actions.
func DecodeAckPayload(payload []byte) ([]Action, error) {
	return DecodeActions(payload)
}

// FrameHeaderOverhead is the worst-case byte cost of the length prefix,
// type, flags and two max-width varints a frame header contributes before
// any payload — used to size how much of a too-large NOTIFY payload fits
// in one fragment.
const FrameHeaderOverhead = 4 + 1 + 4 + 10 + 10

// Fragment splits an over-sized NOTIFY payload into a first frame (FIN
// clear) and zero or more UNSET continuation frames, the last carrying
// FIN. maxFrameSize is the negotiated per-frame ceiling; the header
// overhead is reserved out of it for every fragment. Continuation frames
// repeat the same stream_id/frame_id so the agent can reassemble them.
func Fragment(streamID, frameID uint64, notifyType Type, payload []byte, maxFrameSize uint32) []Frame {
	capacity := int(maxFrameSize) - FrameHeaderOverhead
	if capacity <= 0 {
		capacity = 1
	}
	if len(payload) <= capacity {
		return []Frame{{
			Type: notifyType, Flags: FlagFin,
			StreamID: streamID, FrameID: frameID, Payload: payload,
		}}
	}

	frames := []Frame{{
		Type: notifyType, Flags: 0,
		StreamID: streamID, FrameID: frameID, Payload: payload[:capacity],
	}}
	rest := payload[capacity:]
	for len(rest) > 0 {
		n := capacity
		fin := Flags(0)
		if n >= len(rest) {
			n = len(rest)
			fin = FlagFin
		}
		frames = append(frames, Frame{
			Type: TypeUnset, Flags: fin,
			StreamID: streamID, FrameID: frameID, Payload: rest[:n],
		})
		rest = rest[n:]
	}
	return frames
}

// AbortFragment builds the UNSET|FIN|ABRT continuation that aborts a
// fragmented frame in progress, with an empty payload per §4.1.
func AbortFragment(streamID, frameID uint64) Frame {
	return Frame{
		Type: TypeUnset, Flags: FlagFin | FlagAbrt,
		StreamID: streamID, FrameID: frameID, Payload: nil,
	}
}

// Reassembler accumulates UNSET continuation frames onto a first fragment
// until FIN, yielding the full payload. One Reassembler corresponds to one
// in-flight fragmented frame (§3 "pending-fragmentation descriptor").
type Reassembler struct {
	streamID, frameID uint64
	buf               []byte
	started           bool
	aborted           bool
}

// Start begins reassembly with the first (non-FIN) fragment.
func (r *Reassembler) Start(f Frame) {
	r.streamID, r.frameID = f.StreamID, f.FrameID
	r.buf = append([]byte(nil), f.Payload...)
	r.started = true
	r.aborted = false
}

// Append feeds one UNSET continuation frame in. It returns (payload, true,
// nil) once FIN completes the frame, (nil, false, nil) while more
// continuations are expected, or an error if f does not match the frame in
// progress (interlaced frames) or the frame was aborted.
func (r *Reassembler) Append(f Frame) ([]byte, bool, error) {
	if !r.started {
		return nil, false, fmt.Errorf("%w: continuation with no fragment in progress", ErrInvalid)
	}
	if f.StreamID != r.streamID || f.FrameID != r.frameID {
		return nil, false, ErrInterlaced
	}
	if f.IsAbrt() {
		r.started = false
		r.aborted = true
		return nil, false, ErrAborted
	}
	r.buf = append(r.buf, f.Payload...)
	if f.IsFin() {
		out := r.buf
		r.started = false
		return out, true, nil
	}
	return nil, false, nil
}

// InProgress reports whether a fragmentation sequence is currently open.
func (r *Reassembler) InProgress() bool { return r.started }

// ErrInterlaced signals SPOE_FRM_ERR_INTERLACED_FRAMES: a continuation
// frame's ids don't match the fragment currently being reassembled.
var ErrInterlaced = fmt.Errorf("frame: %w", simpleErr("interlaced fragmented frames"))

// ErrAborted signals a fragmented frame was abandoned via FIN|ABRT.
var ErrAborted = fmt.Errorf("frame: %w", simpleErr("fragmented frame aborted"))
