// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package proxy wires the Server Lifecycle Engine, SPOE Agent Runtimes,
// Rule Evaluator, state-file persistence, TLS key rings and the CLI
// surface into one running process — the cmd/corelb entrypoint's
// top-level Run, grounded on the teacher's internal/server.Run.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/corelb/corelb/internal/cli"
	"github.com/corelb/corelb/internal/config"
	"github.com/corelb/corelb/internal/lb"
	"github.com/corelb/corelb/internal/observability"
	"github.com/corelb/corelb/internal/rules"
	spoeagent "github.com/corelb/corelb/internal/spoe/agent"
	"github.com/corelb/corelb/internal/spoe/frame"
	"github.com/corelb/corelb/internal/statefile"
	"github.com/corelb/corelb/internal/tlskeys"
)

// frontendBinding pairs a demonstration frontend with the "scheme://addr"
// line its backend config named under Listen.
type frontendBinding struct {
	listen string
	fe     *frontend
}

// Proxy holds every live component a running corelb process needs.
type Proxy struct {
	cfg    *config.ProxyConfig
	logger *slog.Logger

	backends map[string]lb.Pool
	queue    *lb.UpdateQueue
	dnsUp    *lb.AddressPortUpdater

	registry *cli.Registry
	tls      *tlskeys.Manager
	dispatch *cli.Dispatcher

	agents  []runtimeEntry
	evalr   *rules.Evaluator
	denied  *deniedCounter

	frontends []frontendBinding

	store     statefile.Store
	scheduler *statefile.Scheduler

	monitor  *observability.SystemMonitor
	reporter *observability.Reporter
	events   *observability.EventRing
	stats    *statsSource
}

// New builds a Proxy from a validated ProxyConfig; nothing is started
// yet, only constructed and cross-wired — call Run to bring it up.
func New(cfg *config.ProxyConfig, logger *slog.Logger) (*Proxy, error) {
	if logger == nil {
		logger = slog.Default()
	}

	p := &Proxy{
		cfg:      cfg,
		logger:   logger,
		backends: make(map[string]lb.Pool),
		registry: cli.NewRegistry(),
		tls:      tlskeys.NewManager(),
		evalr:    rules.NewEvaluator(),
		denied:   &deniedCounter{},
		events:   observability.NewEventRing(200),
	}
	p.evalr.Denied = p.denied
	p.evalr.Logger = logger

	srvID := 0
	for _, b := range cfg.Backends {
		pool := make(lb.Pool, 0, len(b.Servers))
		for _, s := range b.Servers {
			srvID++
			algo := lb.Algorithm{WDiv: b.Algo.WDiv, WMult: b.Algo.WMult, Dynamic: b.Algo.Dynamic}
			srv := lb.NewServer("corelb", b.Name, srvID, s.Name, s.Weight, algo)
			srv.Addr = s.Addr
			srv.Port = s.Port
			srv.FQDN = s.FQDN
			srv.Slowstart = s.Slowstart
			srv.Check.Rise = s.Rise
			srv.OnMarkedDownShutdownSessions = s.OnMarkedDownShutdownSessions
			srv.OnMarkedUpShutdownBackupOnes = s.OnMarkedUpShutdownBackupOnes
			if s.CheckPort > 0 {
				srv.SetCheckPort(s.CheckPort)
			}
			if s.Disabled {
				srv.SetMaint()
			}
			pool = append(pool, srv)
			p.registry.Register(b.Name, s.Name, srv)
		}
		p.backends[b.Name] = pool
	}

	for _, b := range cfg.Backends {
		if b.Listen == "" {
			continue
		}
		fe, err := newFrontend(b.Name, p.backends[b.Name], p.evalr, logger)
		if err != nil {
			return nil, fmt.Errorf("proxy: building frontend for backend %q: %w", b.Name, err)
		}
		p.frontends = append(p.frontends, frontendBinding{listen: b.Listen, fe: fe})
	}

	for _, b := range cfg.Backends {
		for i, s := range b.Servers {
			if s.Tracks == "" {
				continue
			}
			target, ok := p.registry.Lookup(b.Name, s.Tracks)
			if !ok {
				return nil, fmt.Errorf("proxy: backend %q server %q tracks unknown server %q", b.Name, s.Name, s.Tracks)
			}
			target.Track(p.backends[b.Name][i])
		}
	}

	p.queue = lb.NewUpdateQueue(nil)
	p.dispatch = cli.NewDispatcher(p.registry, p.queue, p.tls)

	for _, bind := range cfg.TLSKeys.Binds {
		p.tls.Ring(bind)
	}

	for _, a := range cfg.Agents {
		pool, ok := p.backends[a.Backend]
		if !ok {
			return nil, fmt.Errorf("proxy: spoe agent %q references unknown backend %q", a.Name, a.Backend)
		}
		var caps frame.Capabilities
		if a.Pipelining {
			caps |= frame.CapPipelining
		}
		if a.Async {
			caps |= frame.CapAsync
		}
		if a.SndFragmentation {
			caps |= frame.CapSndFragmentation
		}
		if a.RcvFragmentation {
			caps |= frame.CapRcvFragmentation
		}
		if a.ContinueOnError {
			caps |= frame.CapContinueOnError
		}
		var limiter *rate.Limiter
		if a.MaxConnectionRate > 0 {
			limiter = rate.NewLimiter(rate.Limit(a.MaxConnectionRate), a.MaxConnectionRate)
		}
		var errLimiter *rate.Limiter
		if a.MaxErrorRate > 0 {
			errLimiter = rate.NewLimiter(rate.Limit(a.MaxErrorRate), a.MaxErrorRate)
		}
		rt := spoeagent.New(spoeagent.Config{
			MinApplets:       a.MinApplets,
			MaxFPA:           a.MaxFPA,
			WantCaps:         caps,
			MaxFrameSize:     uint32(a.MaxFrameSize),
			HelloTimeout:     a.HelloTimeout,
			IdleTimeout:      a.IdleTimeout,
			EngineID:         a.EngineID,
			Dialer:           newTCPDialer(a.Address),
			Backend:          poolBackendStatus{pool: pool},
			ConnectRateLimit: limiter,
			ErrorRateLimit:   errLimiter,
			Logger:           logger,
		})
		p.agents = append(p.agents, runtimeEntry{name: a.Name, runtime: rt})
	}

	store, err := newStateStore(cfg.StateFile)
	if err != nil {
		return nil, fmt.Errorf("proxy: building state-file store: %w", err)
	}
	p.store = store

	snapshotter := &poolSnapshotter{proxyUUID: "corelb", proxyName: "corelb", backends: p.backends}
	resync := func(ctx context.Context) {
		if p.dnsUp != nil {
			logger.Debug("resync tick: DNS re-resolution handled by the address/port updater's own ticker")
		}
	}
	sched, err := statefile.NewScheduler(store, snapshotter, logger, cfg.StateFile.SnapshotSchedule, cfg.StateFile.ResyncSchedule, resync)
	if err != nil {
		return nil, fmt.Errorf("proxy: building state-file scheduler: %w", err)
	}
	p.scheduler = sched

	if records, err := store.Load(context.Background()); err != nil {
		logger.Warn("loading state-file on startup failed, starting from configured defaults", "error", err)
	} else if len(records) > 0 {
		for _, pool := range p.backends {
			statefile.Apply(pool, records, logger)
		}
	}

	hasFQDN := false
	var flatPool lb.Pool
	for _, pool := range p.backends {
		flatPool = append(flatPool, pool...)
		for _, srv := range pool {
			if srv.FQDN != "" {
				hasFQDN = true
			}
		}
	}
	if hasFQDN {
		p.dnsUp = lb.NewAddressPortUpdater(flatPool, newDNSResolver(), lb.HoldTimes{
			NX:      30 * time.Second,
			Timeout: 10 * time.Second,
			Refused: 10 * time.Second,
			Other:   10 * time.Second,
		}, 5*time.Second, logger)
	}

	p.stats = &statsSource{backends: p.backends, agents: p.agents, denied: p.denied}
	p.monitor = observability.NewSystemMonitor(logger)
	p.reporter = observability.NewReporter(p.stats, logger, cfg.Stats.Interval)

	return p, nil
}

// Run starts every background component and the CLI/demonstration
// listeners, blocking until ctx is canceled.
func (p *Proxy) Run(ctx context.Context) error {
	p.monitor.Start()
	defer p.monitor.Stop()

	p.reporter.Start()
	defer p.reporter.Stop()

	if p.cfg.Stats.HTTPAddr != "" {
		httpSrv := &http.Server{Addr: p.cfg.Stats.HTTPAddr, Handler: observability.NewRouter(p.stats)}
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				p.logger.Error("stats http server error", "error", err)
			}
		}()
		p.logger.Info("stats http endpoint listening", "address", p.cfg.Stats.HTTPAddr)
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			httpSrv.Shutdown(stopCtx)
		}()
	}

	p.scheduler.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		p.scheduler.Stop(stopCtx)
	}()

	if p.dnsUp != nil {
		go p.dnsUp.Run(ctx)
	}

	cliLn, err := listenCLI(p.cfg.CLI)
	if err != nil {
		return fmt.Errorf("proxy: starting CLI listener: %w", err)
	}
	defer cliLn.Close()
	p.logger.Info("cli socket listening", "address", p.cfg.CLI.Listen)

	go func() {
		<-ctx.Done()
		p.logger.Info("shutting down proxy")
		cliLn.Close()
	}()

	go acceptLoop(ctx, cliLn, p.logger, func(conn net.Conn) {
		serveCLIConn(conn, p.dispatch)
	})

	for _, fb := range p.frontends {
		ln, err := listenFrontend(fb.listen)
		if err != nil {
			return fmt.Errorf("proxy: starting frontend listener for backend %q: %w", fb.fe.backend, err)
		}
		p.logger.Info("frontend listening", "backend", fb.fe.backend, "address", fb.listen)
		fe := fb.fe
		feLn := ln
		go func() {
			<-ctx.Done()
			feLn.Close()
		}()
		go acceptLoop(ctx, feLn, p.logger, fe.handle)
	}

	flushTicker := time.NewTicker(1 * time.Second)
	defer flushTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("proxy shutdown complete")
			return nil
		case <-flushTicker.C:
			if n := p.queue.Flush(); n > 0 {
				p.logger.Debug("update queue flushed", "transitions", n)
			}
		}
	}
}

func compressionAlgorithm(name string) statefile.Algorithm {
	switch name {
	case "gzip":
		return statefile.AlgGzip
	case "zstd":
		return statefile.AlgZstd
	default:
		return statefile.AlgNone
	}
}

func newStateStore(cfg config.StateFileConfig) (statefile.Store, error) {
	algo := compressionAlgorithm(cfg.Compression)
	switch cfg.Backend {
	case "s3":
		return statefile.NewS3Store(context.Background(), statefile.S3Config{
			Bucket:   cfg.Bucket,
			Prefix:   cfg.Prefix,
			Region:   cfg.Region,
			Endpoint: cfg.Endpoint,
		}, cfg.Retain, algo)
	default:
		return statefile.NewLocalStore(cfg.Dir, cfg.Retain, algo)
	}
}

// acceptLoop mirrors the teacher's backoff-on-error accept loop
// (internal/server/server.go's Run), generalized to any listener and
// per-connection handler.
func acceptLoop(ctx context.Context, ln net.Listener, logger *slog.Logger, handle func(net.Conn)) {
	consecutiveErrors := 0
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				consecutiveErrors++
				logger.Error("accepting connection", "error", err, "consecutive_errors", consecutiveErrors)
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
		go handle(conn)
	}
}
