// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package cli

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/corelb/corelb/internal/lb"
	"github.com/corelb/corelb/internal/tlskeys"
)

// Result is one command's outcome: the response text a socket listener
// would write back (blank-line terminated per §6), and the process-level
// exit code a one-shot CLI invocation would use.
type Result struct {
	Response string
	ExitCode int
}

func ok(response string) Result  { return Result{Response: response, ExitCode: 0} }
func parseErr(err error) Result  { return Result{Response: err.Error(), ExitCode: 1} }

// Dispatcher executes one line of the CLI grammar (§6) at a time. It owns
// no transport; Execute is a pure function of the registry/tlskeys state
// it's constructed with plus the line it's given.
type Dispatcher struct {
	servers *Registry
	queue   *lb.UpdateQueue
	tls     *tlskeys.Manager
}

// NewDispatcher constructs a Dispatcher. queue may be nil only in tests
// that never exercise a `health` command.
func NewDispatcher(servers *Registry, queue *lb.UpdateQueue, tls *tlskeys.Manager) *Dispatcher {
	return &Dispatcher{servers: servers, queue: queue, tls: tls}
}

// Execute parses and runs one CLI line, never panicking on malformed
// input: every failure mode returns ExitCode 1 with an explanatory
// Response instead.
func (d *Dispatcher) Execute(line string) Result {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return parseErr(fmt.Errorf("cli: empty command"))
	}

	switch fields[0] {
	case "set":
		return d.dispatchSet(fields[1:])
	case "enable":
		return d.dispatchEnableDisable(true, fields[1:])
	case "disable":
		return d.dispatchEnableDisable(false, fields[1:])
	case "get":
		return d.dispatchGet(fields[1:])
	case "show":
		return d.dispatchShow(fields[1:])
	default:
		return parseErr(fmt.Errorf("cli: unknown command %q", fields[0]))
	}
}

func (d *Dispatcher) dispatchSet(args []string) Result {
	if len(args) == 0 {
		return parseErr(fmt.Errorf("cli: 'set' requires a subcommand"))
	}
	switch args[0] {
	case "server":
		return d.setServer(args[1:])
	case "ssl":
		return d.setSSL(args[1:])
	default:
		return parseErr(fmt.Errorf("cli: unknown 'set' subcommand %q", args[0]))
	}
}

func (d *Dispatcher) setServer(args []string) Result {
	if len(args) < 2 {
		return parseErr(fmt.Errorf("cli: 'set server' requires <bk>/<srv> and an attribute"))
	}
	srv, err := d.resolve(args[0])
	if err != nil {
		return parseErr(err)
	}
	attr := args[1]
	rest := args[2:]

	switch attr {
	case "state":
		return d.setServerState(srv, rest)
	case "health":
		return d.setServerHealth(srv, rest)
	case "weight":
		return d.setServerWeight(srv, rest)
	case "addr":
		return d.setServerAddr(srv, rest)
	case "fqdn":
		return d.setServerFQDN(srv, rest)
	case "check-port":
		return d.setServerCheckPort(srv, rest)
	case "agent":
		return d.setServerAgent(srv, rest)
	default:
		return parseErr(fmt.Errorf("cli: unknown 'set server' attribute %q", attr))
	}
}

func (d *Dispatcher) setServerState(srv *lb.Server, rest []string) Result {
	if len(rest) != 1 {
		return parseErr(fmt.Errorf("cli: 'set server ... state' takes exactly one of ready|drain|maint"))
	}
	switch rest[0] {
	case "ready":
		srv.ClearMaint()
		srv.ClearDrain()
	case "drain":
		srv.SetDrain()
	case "maint":
		srv.SetMaint()
	default:
		return parseErr(fmt.Errorf("cli: unknown server state %q", rest[0]))
	}
	return ok("")
}

func (d *Dispatcher) setServerHealth(srv *lb.Server, rest []string) Result {
	if len(rest) != 1 {
		return parseErr(fmt.Errorf("cli: 'set server ... health' takes exactly one of up|stopping|down"))
	}
	var next lb.OperState
	switch rest[0] {
	case "up":
		next = lb.StateStarting // slowstart, if configured, resumes via RecalcEWeight
	case "stopping":
		next = lb.StateStopping
	case "down":
		next = lb.StateStopped
	default:
		return parseErr(fmt.Errorf("cli: unknown health state %q", rest[0]))
	}
	if d.queue == nil {
		return parseErr(fmt.Errorf("cli: no update queue configured"))
	}
	d.queue.Push(srv, next)
	return ok("")
}

func (d *Dispatcher) setServerWeight(srv *lb.Server, rest []string) Result {
	if len(rest) != 1 {
		return parseErr(fmt.Errorf("cli: 'set server ... weight' takes exactly one value"))
	}
	raw := rest[0]
	iweight := srv.Snapshot().IWeight
	var uweight int
	if strings.HasSuffix(raw, "%") {
		pct, err := strconv.Atoi(strings.TrimSuffix(raw, "%"))
		if err != nil {
			return parseErr(fmt.Errorf("cli: invalid weight percentage %q: %w", raw, err))
		}
		uweight = (iweight*pct + 50) / 100
	} else {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return parseErr(fmt.Errorf("cli: invalid weight %q: %w", raw, err))
		}
		uweight = n
	}
	srv.SetUWeight(uweight)
	return ok("")
}

func (d *Dispatcher) setServerAddr(srv *lb.Server, rest []string) Result {
	if len(rest) != 1 && len(rest) != 3 {
		return parseErr(fmt.Errorf("cli: 'set server ... addr' takes <ip> [port <p>]"))
	}
	ip := rest[0]
	if err := srv.SetAddress(ip, strings.Contains(ip, ":")); err != nil {
		return parseErr(err)
	}
	if len(rest) == 3 {
		if rest[1] != "port" {
			return parseErr(fmt.Errorf("cli: expected 'port' before the port number, got %q", rest[1]))
		}
		if err := srv.SetPort(rest[2], srv.Snapshot().HasDedicatedCheckPort); err != nil {
			return parseErr(err)
		}
	}
	return ok("")
}

func (d *Dispatcher) setServerFQDN(srv *lb.Server, rest []string) Result {
	if len(rest) != 1 {
		return parseErr(fmt.Errorf("cli: 'set server ... fqdn' takes exactly one name"))
	}
	srv.SetFQDN(rest[0])
	srv.SetHostnameMaint() // paused until the next resolution cycle resolves the new name
	return ok("")
}

func (d *Dispatcher) setServerCheckPort(srv *lb.Server, rest []string) Result {
	if len(rest) != 1 {
		return parseErr(fmt.Errorf("cli: 'set server ... check-port' takes exactly one port number"))
	}
	n, err := strconv.Atoi(rest[0])
	if err != nil {
		return parseErr(fmt.Errorf("cli: invalid check-port %q: %w", rest[0], err))
	}
	srv.SetCheckPort(n)
	return ok("")
}

func (d *Dispatcher) setServerAgent(srv *lb.Server, rest []string) Result {
	if len(rest) != 1 {
		return parseErr(fmt.Errorf("cli: 'set server ... agent' takes exactly one state"))
	}
	srv.SetAgentState(rest[0])
	return ok("")
}

func (d *Dispatcher) setSSL(args []string) Result {
	if len(args) == 0 {
		return parseErr(fmt.Errorf("cli: 'set ssl' requires a subcommand"))
	}
	switch args[0] {
	case "tls-key":
		if len(args) != 3 {
			return parseErr(fmt.Errorf("cli: 'set ssl tls-key' takes <ref> <base64>"))
		}
		if err := d.tls.Ring(args[1]).RotateBase64(args[2]); err != nil {
			return parseErr(err)
		}
		return ok("")
	case "ocsp-response":
		if len(args) != 2 {
			return parseErr(fmt.Errorf("cli: 'set ssl ocsp-response' takes <base64>"))
		}
		data, err := base64.StdEncoding.DecodeString(args[1])
		if err != nil {
			return parseErr(fmt.Errorf("cli: decoding ocsp-response: %w", err))
		}
		d.tls.OCSP().Set("-", data)
		return ok("")
	default:
		return parseErr(fmt.Errorf("cli: unknown 'set ssl' subcommand %q", args[0]))
	}
}

func (d *Dispatcher) dispatchEnableDisable(enable bool, args []string) Result {
	if len(args) != 2 {
		return parseErr(fmt.Errorf("cli: '%s' takes {agent|health|server} <bk>/<srv>", enableDisableVerb(enable)))
	}
	srv, err := d.resolve(args[1])
	if err != nil {
		return parseErr(err)
	}
	switch args[0] {
	case "agent":
		if enable {
			srv.EnableAgentCheck()
		} else {
			srv.DisableAgentCheck()
		}
	case "health":
		if enable {
			srv.EnableHealthCheck()
		} else {
			srv.DisableHealthCheck()
		}
	case "server":
		if enable {
			srv.ClearMaint()
		} else {
			srv.SetMaint()
		}
	default:
		return parseErr(fmt.Errorf("cli: unknown %s target %q", enableDisableVerb(enable), args[0]))
	}
	return ok("")
}

func enableDisableVerb(enable bool) string {
	if enable {
		return "enable"
	}
	return "disable"
}

func (d *Dispatcher) dispatchGet(args []string) Result {
	if len(args) != 2 || args[0] != "weight" {
		return parseErr(fmt.Errorf("cli: 'get' only supports 'weight <bk>/<srv>'"))
	}
	srv, err := d.resolve(args[1])
	if err != nil {
		return parseErr(err)
	}
	snap := srv.Snapshot()
	return ok(fmt.Sprintf("%d (initial %d)", snap.EWeight, snap.IWeight))
}

func (d *Dispatcher) dispatchShow(args []string) Result {
	if len(args) == 0 || args[0] != "tls-keys" {
		return parseErr(fmt.Errorf("cli: 'show' only supports 'tls-keys'"))
	}
	if len(args) == 1 || args[1] == "*" {
		names := d.tls.Names()
		sort.Strings(names)
		var sb strings.Builder
		for _, n := range names {
			fmt.Fprintf(&sb, "# %s\n", n)
			for _, line := range d.tls.Ring(n).Show() {
				sb.WriteString(line)
				sb.WriteByte('\n')
			}
		}
		return ok(sb.String())
	}
	return ok(strings.Join(d.tls.Ring(args[1]).Show(), "\n"))
}

func (d *Dispatcher) resolve(ref string) (*lb.Server, error) {
	backend, name, err := splitBackendServer(ref)
	if err != nil {
		return nil, err
	}
	srv, ok := d.servers.Lookup(backend, name)
	if !ok {
		return nil, fmt.Errorf("cli: no such server %q", ref)
	}
	return srv, nil
}
