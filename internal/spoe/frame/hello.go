// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package frame

import (
	"fmt"
	"strconv"
	"strings"
)

// capNames is the canonical order capabilities are listed in on the wire.
var capNames = []struct {
	bit  Capabilities
	name string
}{
	{CapPipelining, "pipelining"},
	{CapAsync, "async"},
	{CapSndFragmentation, "fragmentation"},
}

// EncodeCapabilities renders caps as the comma-separated string HELLO's
// "capabilities" item carries.
func EncodeCapabilities(caps Capabilities) string {
	var names []string
	for _, c := range capNames {
		if caps.Has(c.bit) {
			names = append(names, c.name)
		}
	}
	return strings.Join(names, ",")
}

// DecodeCapabilities parses a comma-separated capability string as sent by
// an agent in AGENT_HELLO.
func DecodeCapabilities(s string) Capabilities {
	var caps Capabilities
	for _, tok := range strings.Split(s, ",") {
		switch strings.TrimSpace(tok) {
		case "pipelining":
			caps |= CapPipelining
		case "async":
			caps |= CapAsync
		case "fragmentation":
			// An agent may declare plain "fragmentation" for both
			// send and receive support; HAProxy only cares whether
			// the agent accepts fragmented NOTIFYs from it, so both
			// our send- and receive-side flags are set.
			caps |= CapSndFragmentation | CapRcvFragmentation
		}
	}
	return caps
}

// Hello is the HAPROXY_HELLO item set (§4.1).
type Hello struct {
	SupportedVersions []string
	MaxFrameSize      uint32
	Capabilities      Capabilities
	EngineID          string
	HealthCheck       bool
}

// EncodeHello builds the item-list payload of a HAPROXY_HELLO frame.
func EncodeHello(h Hello) []byte {
	vsn := h.SupportedVersions
	if len(vsn) == 0 {
		vsn = []string{SupportedVersion}
	}
	var buf []byte
	buf = AppendItem(buf, Item{Key: "supported-versions", Value: Str(strings.Join(vsn, ","))})
	buf = AppendItem(buf, Item{Key: "max-frame-size", Value: Uint32(h.MaxFrameSize)})
	buf = AppendItem(buf, Item{Key: "capabilities", Value: Str(EncodeCapabilities(h.Capabilities))})
	if h.EngineID != "" {
		buf = AppendItem(buf, Item{Key: "engine-id", Value: Str(h.EngineID)})
	}
	if h.HealthCheck {
		buf = AppendItem(buf, Item{Key: "healthcheck", Value: Bool(true)})
	}
	return buf
}

// DecodeHello parses a HAPROXY_HELLO payload.
func DecodeHello(payload []byte) (Hello, error) {
	items, err := DecodeItems(payload)
	if err != nil {
		return Hello{}, fmt.Errorf("decoding HELLO items: %w", err)
	}
	var h Hello
	if v, ok := Lookup(items, "supported-versions"); ok && v.Type == DataStr {
		h.SupportedVersions = strings.Split(v.Str, ",")
	} else {
		return Hello{}, fmt.Errorf("%w: HELLO missing supported-versions", ErrNoVersion)
	}
	if v, ok := Lookup(items, "max-frame-size"); ok {
		h.MaxFrameSize = valueAsUint32(v)
	} else {
		return Hello{}, ErrNoFrameSize
	}
	if v, ok := Lookup(items, "capabilities"); ok && v.Type == DataStr {
		h.Capabilities = DecodeCapabilities(v.Str)
	}
	if v, ok := Lookup(items, "engine-id"); ok && v.Type == DataStr {
		h.EngineID = v.Str
	}
	if v, ok := Lookup(items, "healthcheck"); ok && v.Type == DataBool {
		h.HealthCheck = v.Bool
	}
	return h, nil
}

// HasSupportedVersion reports whether SupportedVersions includes the
// codec's only negotiable version, "2.0".
func (h Hello) HasSupportedVersion() bool {
	for _, v := range h.SupportedVersions {
		if strings.TrimSpace(v) == SupportedVersion {
			return true
		}
	}
	return false
}

func valueAsUint32(v Value) uint32 {
	switch v.Type {
	case DataUint32:
		return v.U32
	case DataInt32:
		return uint32(v.I32)
	case DataUint64:
		return uint32(v.U64)
	default:
		return 0
	}
}

var (
	// ErrNoVersion mirrors SPOE_FRM_ERR_NO_VSN: HELLO without supported-versions.
	ErrNoVersion = fmt.Errorf("frame: %w", errNoVersion)
	errNoVersion = simpleErr("missing supported-versions")
	// ErrNoFrameSize mirrors SPOE_FRM_ERR_NO_FRAME_SIZE.
	ErrNoFrameSize = fmt.Errorf("frame: %w", errNoFrameSize)
	errNoFrameSize = simpleErr("missing max-frame-size")
)

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

// AgentHello is the AGENT_HELLO response item set.
type AgentHello struct {
	Version      string
	MaxFrameSize uint32
	Capabilities Capabilities
}

// EncodeAgentHello builds the item-list payload of an AGENT_HELLO frame.
func EncodeAgentHello(h AgentHello) []byte {
	var buf []byte
	buf = AppendItem(buf, Item{Key: "version", Value: Str(h.Version)})
	buf = AppendItem(buf, Item{Key: "max-frame-size", Value: Uint32(h.MaxFrameSize)})
	buf = AppendItem(buf, Item{Key: "capabilities", Value: Str(EncodeCapabilities(h.Capabilities))})
	return buf
}

// DecodeAgentHello parses an AGENT_HELLO payload.
func DecodeAgentHello(payload []byte) (AgentHello, error) {
	items, err := DecodeItems(payload)
	if err != nil {
		return AgentHello{}, fmt.Errorf("decoding AGENT_HELLO items: %w", err)
	}
	var h AgentHello
	if v, ok := Lookup(items, "version"); ok && v.Type == DataStr {
		h.Version = v.Str
	}
	if v, ok := Lookup(items, "max-frame-size"); ok {
		h.MaxFrameSize = valueAsUint32(v)
	}
	if v, ok := Lookup(items, "capabilities"); ok && v.Type == DataStr {
		h.Capabilities = DecodeCapabilities(v.Str)
	}
	return h, nil
}

// EncodeDisconnect builds the item-list payload of a DISCONNECT frame
// (carried by both HAPROXY_DISCONNECT and AGENT_DISCONNECT).
func EncodeDisconnect(status Status, message string) []byte {
	var buf []byte
	buf = AppendItem(buf, Item{Key: "status-code", Value: Uint32(uint32(status))})
	buf = AppendItem(buf, Item{Key: "message", Value: Str(message)})
	return buf
}

// DisconnectInfo is the decoded payload of a DISCONNECT frame.
type DisconnectInfo struct {
	Status  Status
	Message string
}

// DecodeDisconnect parses a DISCONNECT payload.
func DecodeDisconnect(payload []byte) (DisconnectInfo, error) {
	items, err := DecodeItems(payload)
	if err != nil {
		return DisconnectInfo{}, fmt.Errorf("decoding DISCONNECT items: %w", err)
	}
	var d DisconnectInfo
	if v, ok := Lookup(items, "status-code"); ok {
		d.Status = Status(valueAsUint32(v))
	}
	if v, ok := Lookup(items, "message"); ok && v.Type == DataStr {
		d.Message = v.Str
	}
	return d, nil
}

// ParseNegotiatedVersion turns "2.0" into the 2000 integer form HELLO
// negotiation uses internally for comparisons.
func ParseNegotiatedVersion(v string) (int, bool) {
	parts := strings.SplitN(v, ".", 2)
	if len(parts) != 2 {
		return 0, false
	}
	major, err1 := strconv.Atoi(parts[0])
	minor, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, false
	}
	return major*1000 + minor, true
}
