// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package proxy

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/corelb/corelb/internal/cli"
	"github.com/corelb/corelb/internal/config"
	"github.com/corelb/corelb/internal/pki"
)

// listenCLI opens the CLI socket named by a "unix://" or "tcp://" address,
// the two schemes cfg.CLI.Listen accepts (§6: "a control socket a local
// admin tool connects to"), wrapping it in mTLS when cfg.TLS names
// certificate material.
func listenCLI(cfg config.CLIConfig) (net.Listener, error) {
	ln, err := listenScheme(cfg.Listen, "cli.listen")
	if err != nil {
		return nil, err
	}
	if cfg.TLS.CACert == "" {
		return ln, nil
	}
	tlsCfg, err := pki.NewServerTLSConfig(cfg.TLS.CACert, cfg.TLS.Cert, cfg.TLS.Key)
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("proxy: building cli.tls server config: %w", err)
	}
	return tls.NewListener(ln, tlsCfg), nil
}

// listenFrontend opens a backend's demonstration TCP listener; only the
// tcp:// scheme makes sense for a frontend bind.
func listenFrontend(addr string) (net.Listener, error) {
	return listenScheme(addr, "backend.listen")
}

func listenScheme(addr, field string) (net.Listener, error) {
	switch {
	case strings.HasPrefix(addr, "unix://"):
		path := strings.TrimPrefix(addr, "unix://")
		os.Remove(path) // a stale socket from a previous run must not block bind
		return net.Listen("unix", path)
	case strings.HasPrefix(addr, "tcp://"):
		return net.Listen("tcp", strings.TrimPrefix(addr, "tcp://"))
	default:
		return nil, fmt.Errorf("proxy: %s %q must start with unix:// or tcp://", field, addr)
	}
}

// serveCLIConn reads newline-terminated commands off conn and writes back
// each Result's response followed by a blank line, until the client disconnects —
// the socket-level framing around cli.Dispatcher.Execute (§6).
func serveCLIConn(conn net.Conn, dispatch *cli.Dispatcher) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		result := dispatch.Execute(line)
		fmt.Fprintf(conn, "%s\n\n", result.Response)
	}
}
