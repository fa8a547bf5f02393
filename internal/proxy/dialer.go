// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package proxy

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/corelb/corelb/internal/lb"
)

// tcpDialer is the applet.Dialer that opens the real TCP session to one
// configured SPOE agent. TLS to the agent is an external collaborator
// per §1; this is the plain-TCP case.
type tcpDialer struct {
	address string
	timeout time.Duration
}

func newTCPDialer(address string) *tcpDialer {
	return &tcpDialer{address: address, timeout: 5 * time.Second}
}

func (d *tcpDialer) Dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: d.timeout}
	return dialer.DialContext(ctx, "tcp", d.address)
}

// poolBackendStatus adapts an lb.Pool into the spoeagent.BackendStatus the
// Agent Runtime consults for min_applets_act() and the "refuse to grow
// while the backend is fully down" rule.
type poolBackendStatus struct {
	pool lb.Pool
}

func (p poolBackendStatus) ActiveServers() int {
	return p.pool.ActiveServers()
}

// dnsResolver implements lb.Resolver against the standard library
// resolver, classifying lookup failures into the Resolution vocabulary
// the AddressPortUpdater's hold-time rules key off of (§4.5).
type dnsResolver struct {
	resolver *net.Resolver
}

func newDNSResolver() *dnsResolver {
	return &dnsResolver{resolver: net.DefaultResolver}
}

func (d *dnsResolver) Resolve(ctx context.Context, fqdn string) lb.Resolution {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	ips, err := d.resolver.LookupIP(ctx, "ip", fqdn)
	if err != nil {
		return lb.Resolution{Status: classifyDNSError(err)}
	}
	if len(ips) == 0 {
		return lb.Resolution{Status: lb.ResolutionNX}
	}

	ip := ips[0]
	if v4 := ip.To4(); v4 != nil {
		return lb.Resolution{Status: lb.ResolutionValid, Addr: v4.String(), IsIPv6: false}
	}
	return lb.Resolution{Status: lb.ResolutionValid, Addr: ip.String(), IsIPv6: true}
}

func classifyDNSError(err error) lb.ResolutionStatus {
	var dnsErr *net.DNSError
	if ok := errors.As(err, &dnsErr); ok {
		switch {
		case dnsErr.IsNotFound:
			return lb.ResolutionNX
		case dnsErr.IsTimeout:
			return lb.ResolutionTimeout
		case dnsErr.Err == "server misbehaving" || dnsErr.Err == "connection refused":
			return lb.ResolutionRefused
		}
	}
	return lb.ResolutionOther
}
