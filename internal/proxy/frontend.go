// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package proxy

import (
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/corelb/corelb/internal/lb"
	"github.com/corelb/corelb/internal/rules"
	"github.com/corelb/corelb/internal/stream"
)

// frontend is the minimal TCP acceptor SPEC_FULL.md calls for: enough to
// run the connection-accept rule list and hand the stream to a backend
// server, not a production HTTP-aware listener (§1: the real
// listener/acceptor is an external collaborator).
type frontend struct {
	backend   string
	pool      lb.Pool
	connList  *rules.List
	evaluator *rules.Evaluator
	logger    *slog.Logger

	streamIDs uint64
	rrCursor  uint64
}

func newFrontend(backend string, pool lb.Pool, evaluator *rules.Evaluator, logger *slog.Logger) (*frontend, error) {
	list, err := rules.NewList(rules.EvalConnAccept, false)
	if err != nil {
		return nil, err
	}
	return &frontend{backend: backend, pool: pool, connList: list, evaluator: evaluator, logger: logger}, nil
}

func (f *frontend) handle(conn net.Conn) {
	defer conn.Close()

	id := atomic.AddUint64(&f.streamIDs, 1)
	s := stream.New(id, nil)
	defer s.Close()

	result, err := f.evaluator.Evaluate(f.connList, s, stream.DirRequest, true)
	if err != nil || result == rules.ResultReject {
		f.logger.Debug("connection rejected by connection-accept rule list", "backend", f.backend, "error", err)
		return
	}

	srv := f.pickServer()
	if srv == nil {
		f.logger.Warn("no UP server available, dropping connection", "backend", f.backend)
		return
	}

	upstream, err := net.Dial("tcp", serverDialAddr(srv))
	if err != nil {
		f.logger.Warn("dialing backend server failed", "backend", f.backend, "server", srv.Name, "error", err)
		return
	}
	defer upstream.Close()

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(upstream, conn)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(conn, upstream)
		done <- struct{}{}
	}()
	<-done
}

// pickServer does simple (unweighted) round robin over the backend's
// currently UP, non-MAINT/DRAIN servers — the demonstration harness's
// selection policy; a real LB algorithm is out of this module's scope.
func (f *frontend) pickServer() *lb.Server {
	var candidates []*lb.Server
	for _, srv := range f.pool {
		snap := srv.Snapshot()
		if snap.Oper != lb.StateRunning {
			continue
		}
		if snap.Admin&(lb.FMAINT|lb.IMAINT|lb.FDRAIN|lb.IDRAIN|lb.RMAINT|lb.CMAINT|lb.HMAINT) != 0 {
			continue
		}
		candidates = append(candidates, srv)
	}
	if len(candidates) == 0 {
		return nil
	}
	idx := atomic.AddUint64(&f.rrCursor, 1) % uint64(len(candidates))
	return candidates[idx]
}

func serverDialAddr(srv *lb.Server) string {
	snap := srv.Snapshot()
	port := strconv.Itoa(snap.Port)
	if strings.Contains(snap.Addr, ":") && !strings.HasPrefix(snap.Addr, "[") {
		return "[" + snap.Addr + "]:" + port
	}
	return snap.Addr + ":" + port
}
