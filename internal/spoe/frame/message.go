// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package frame

import "fmt"

// Message is one SPOE message: <id-string><argc:u8>{<arg-name-string><data>}.
type Message struct {
	ID   string
	Args []Item
}

// AppendMessage appends the wire encoding of one message to buf.
func AppendMessage(buf []byte, m Message) ([]byte, error) {
	if len(m.Args) > 255 {
		return buf, fmt.Errorf("message %q: %d args exceeds byte-counted limit", m.ID, len(m.Args))
	}
	buf = appendLenPrefixed(buf, []byte(m.ID))
	buf = append(buf, byte(len(m.Args)))
	for _, a := range m.Args {
		buf = AppendItem(buf, a)
	}
	return buf, nil
}

// DecodeMessage decodes one message from the head of data.
func DecodeMessage(data []byte) (Message, int, error) {
	id, n, err := decodeLenPrefixed(data)
	if err != nil {
		return Message{}, 0, fmt.Errorf("decoding message id: %w", err)
	}
	if n >= len(data) {
		return Message{}, 0, ErrTruncated
	}
	argc := int(data[n])
	n++
	m := Message{ID: string(id)}
	for i := 0; i < argc; i++ {
		it, m2, err := DecodeItem(data[n:])
		if err != nil {
			return Message{}, 0, fmt.Errorf("decoding message %q arg %d: %w", id, i, err)
		}
		m.Args = append(m.Args, it)
		n += m2
	}
	return m, n, nil
}

// DecodeMessages decodes a flat run of messages until data is exhausted, as
// carried in a NOTIFY frame's payload (after stream_id/frame_id).
func DecodeMessages(data []byte) ([]Message, error) {
	var msgs []Message
	for len(data) > 0 {
		m, n, err := DecodeMessage(data)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
		data = data[n:]
	}
	return msgs, nil
}

// Get returns the value of the named argument.
func (m Message) Get(name string) (Value, bool) {
	return Lookup(m.Args, name)
}
