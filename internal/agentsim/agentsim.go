// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package agentsim implements the reference SPOE agent cmd/spoe-agent-sim
// runs: it plays the role the real external agent collaborator has in
// production, answering HAPROXY_HELLO and NOTIFY frames with AGENT_HELLO
// and ACK frames over the wire protocol defined in internal/spoe/frame, so the frame codec and
// Agent Runtime can be exercised end-to-end without a third-party SPOE
// backend.
package agentsim

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/corelb/corelb/internal/config"
	"github.com/corelb/corelb/internal/spoe/frame"
)

const defaultMaxFrameSize = 16384

// Server accepts HAProxy-side SPOE connections and answers them per its
// configured ResponseRules.
type Server struct {
	cfg    *config.AgentSimConfig
	logger *slog.Logger
	caps   frame.Capabilities
}

// New builds a Server from a validated AgentSimConfig.
func New(cfg *config.AgentSimConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	var caps frame.Capabilities
	if cfg.Capability.Pipelining {
		caps |= frame.CapPipelining
	}
	if cfg.Capability.Async {
		caps |= frame.CapAsync
	}
	if cfg.Capability.SndFragmentation {
		caps |= frame.CapSndFragmentation
	}
	if cfg.Capability.RcvFragmentation {
		caps |= frame.CapRcvFragmentation
	}
	return &Server{cfg: cfg, logger: logger, caps: caps}
}

// Run listens on cfg.Listen.Address and serves connections until ctx is
// canceled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen.Address)
	if err != nil {
		return err
	}
	defer ln.Close()
	s.logger.Info("spoe agent simulator listening", "address", s.cfg.Listen.Address, "engine_id", s.cfg.Engine.ID)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	consecutiveErrors := 0
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				consecutiveErrors++
				s.logger.Error("accepting connection", "error", err, "consecutive_errors", consecutiveErrors)
				if consecutiveErrors > 5 {
					delay := time.Duration(consecutiveErrors) * 100 * time.Millisecond
					if delay > 5*time.Second {
						delay = 5 * time.Second
					}
					time.Sleep(delay)
				}
				continue
			}
		}
		consecutiveErrors = 0
		go s.serve(conn)
	}
}

// serve runs one connection's whole HELLO/NOTIFY/DISCONNECT lifecycle.
func (s *Server) serve(conn net.Conn) {
	defer conn.Close()

	maxFrameSize := uint32(defaultMaxFrameSize)

	conn.SetReadDeadline(time.Now().Add(s.cfg.Timeouts.Hello))
	helloFrame, err := frame.ReadFrame(conn, maxFrameSize)
	if err != nil {
		s.logger.Warn("reading HELLO frame failed", "remote", conn.RemoteAddr(), "error", err)
		return
	}
	if helloFrame.Type != frame.TypeHaproxyHello {
		s.logger.Warn("expected HAPROXY_HELLO, got something else", "type", helloFrame.Type, "remote", conn.RemoteAddr())
		return
	}
	hello, err := frame.DecodeHello(helloFrame.Payload)
	if err != nil {
		s.logger.Warn("decoding HELLO payload failed", "error", err)
		return
	}
	if !hello.HasSupportedVersion() {
		s.sendDisconnect(conn, helloFrame, maxFrameSize, frame.StatusNoVersion, "unsupported version")
		return
	}
	if hello.MaxFrameSize > 0 && hello.MaxFrameSize < maxFrameSize {
		maxFrameSize = hello.MaxFrameSize
	}

	agentHello := frame.AgentHello{
		Version:      frame.SupportedVersion,
		MaxFrameSize: maxFrameSize,
		Capabilities: s.caps,
	}
	ack := frame.Frame{
		Type:     frame.TypeAgentHello,
		Flags:    frame.FlagFin,
		StreamID: helloFrame.StreamID,
		FrameID:  helloFrame.FrameID,
		Payload:  frame.EncodeAgentHello(agentHello),
	}
	if err := frame.WriteFrame(conn, ack, maxFrameSize); err != nil {
		s.logger.Warn("writing AGENT_HELLO failed", "error", err)
		return
	}

	s.logger.Debug("handshake complete", "remote", conn.RemoteAddr(), "engine_id", hello.EngineID)

	for {
		conn.SetReadDeadline(time.Now().Add(s.cfg.Timeouts.Idle))
		f, err := frame.ReadFrame(conn, maxFrameSize)
		if err != nil {
			s.logger.Debug("connection closed", "remote", conn.RemoteAddr(), "error", err)
			return
		}

		switch f.Type {
		case frame.TypeHaproxyDisconnect:
			info, _ := frame.DecodeDisconnect(f.Payload)
			s.logger.Debug("received HAPROXY_DISCONNECT", "status", info.Status, "message", info.Message)
			return
		case frame.TypeHaproxyNotify:
			s.handleNotify(conn, f, maxFrameSize)
		default:
			s.logger.Warn("unexpected frame type while idle", "type", f.Type)
		}
	}
}

func (s *Server) handleNotify(conn net.Conn, f frame.Frame, maxFrameSize uint32) {
	msgs, err := frame.DecodeNotifyPayload(f.Payload)
	if err != nil {
		s.logger.Warn("decoding NOTIFY payload failed", "error", err)
		return
	}

	var actions []frame.Action
	for _, m := range msgs {
		rule, ok := s.matchRule(m.ID)
		if !ok {
			continue
		}
		if rule.Delay > 0 {
			time.Sleep(rule.Delay)
		}
		for _, sv := range rule.SetVars {
			actions = append(actions, frame.Action{
				Type:  frame.ActionSetVar,
				Scope: scopeFromString(sv.Scope),
				Name:  sv.Name,
				Value: frame.Str(sv.Value),
			})
		}
	}

	reply := frame.Frame{
		Type:     frame.TypeAgentAck,
		Flags:    frame.FlagFin,
		StreamID: f.StreamID,
		FrameID:  f.FrameID,
		Payload:  frame.EncodeAckPayload(actions),
	}
	if err := frame.WriteFrame(conn, reply, maxFrameSize); err != nil {
		s.logger.Warn("writing ACK failed", "error", err)
	}
}

func (s *Server) matchRule(messageID string) (config.ResponseRule, bool) {
	for _, r := range s.cfg.Responses {
		if r.OnMessage == messageID {
			return r, true
		}
	}
	return config.ResponseRule{}, false
}

func (s *Server) sendDisconnect(conn net.Conn, f frame.Frame, maxFrameSize uint32, status frame.Status, message string) {
	reply := frame.Frame{
		Type:     frame.TypeAgentDisconnect,
		Flags:    frame.FlagFin,
		StreamID: f.StreamID,
		FrameID:  f.FrameID,
		Payload:  frame.EncodeDisconnect(status, message),
	}
	if err := frame.WriteFrame(conn, reply, maxFrameSize); err != nil {
		s.logger.Warn("writing AGENT_DISCONNECT failed", "error", err)
	}
}

func scopeFromString(scope string) frame.Scope {
	switch scope {
	case "proc":
		return frame.ScopeProc
	case "sess":
		return frame.ScopeSess
	case "txn":
		return frame.ScopeTxn
	case "req":
		return frame.ScopeReq
	case "res":
		return frame.ScopeRes
	default:
		return frame.ScopeSess
	}
}
