// Package controller binds every other component together: it constructs
// persistence, the sandbox manager, the session manager, and the
// listener from a loaded Config, runs the request-consumer loop and
// periodic expiration sweep, and orchestrates graceful shutdown.
package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/b0cal/miel/internal/config"
	"github.com/b0cal/miel/internal/listener"
	"github.com/b0cal/miel/internal/logging"
	"github.com/b0cal/miel/internal/metrics"
	"github.com/b0cal/miel/internal/model"
	"github.com/b0cal/miel/internal/persistence"
	"github.com/b0cal/miel/internal/persistence/fsstore"
	sqlstore "github.com/b0cal/miel/internal/persistence/sql"
	"github.com/b0cal/miel/internal/sandbox"
	"github.com/b0cal/miel/internal/sandbox/docker"
	"github.com/b0cal/miel/internal/session"
)

// expirationSweepInterval is how often CleanupExpired runs.
const expirationSweepInterval = 1 * time.Minute

// shutdownDeadline bounds how long Shutdown waits for Run to return, and
// is the timeout of the context passed to ShutdownAll.
const shutdownDeadline = 10 * time.Second

// Controller owns the wired-together pipeline: Listener → Session
// Manager → Sandbox Manager → Persistence.
type Controller struct {
	cfg      *config.Config
	log      *logging.Logger
	metrics  *metrics.Metrics
	store    persistence.Store
	sandbox  *sandbox.Manager
	sessions *session.Manager
	listener *listener.Listener
	watcher  *config.Watcher

	mu       sync.Mutex
	services []model.ServiceConfig

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs every component from cfg but does not start accepting
// connections; call Run for that. Persistence is opened per
// cfg.Persistence.Backend; construction fails fast if the Docker runtime
// is unavailable.
func New(cfgPath string, cfg *config.Config, log *logging.Logger) (*Controller, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("controller: open persistence: %w", err)
	}

	m := metrics.New()

	dockerHost := docker.DetectDockerHost()
	provider, err := docker.NewProvider(dockerHost, log)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("controller: new docker provider: %w", err)
	}

	sandboxMgr, err := sandbox.New(context.Background(), provider)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("controller: sandbox manager: %w", err)
	}
	sandboxMgr.WithMetrics(m)

	sessionTimeout := time.Duration(cfg.SessionTimeoutSecs) * time.Second
	sessionMgr := session.New(store, sandboxMgr, cfg.MaxSessions, sessionTimeout, log)
	sessionMgr.WithMetrics(m)

	filter := listener.NewConnFilter(cfg.IPFilter, cfg.PortFilter)
	lst := listener.New(cfg.BindAddress, filter, log)
	lst.WithMetrics(m)
	if err := lst.Bind(cfg.Services); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("controller: bind listener: %w", err)
	}

	c := &Controller{
		cfg:      cfg,
		log:      log,
		metrics:  m,
		store:    store,
		sandbox:  sandboxMgr,
		sessions: sessionMgr,
		listener: lst,
		services: append([]model.ServiceConfig(nil), cfg.Services...),
	}

	if cfgPath != "" {
		watcher, err := config.NewWatcher(cfgPath, cfg, c.adoptServices)
		if err != nil {
			log.Sugar().Warnw("controller: config watcher failed to start", "err", err)
		} else {
			c.watcher = watcher
		}
	}

	return c, nil
}

func openStore(cfg *config.Config) (persistence.Store, error) {
	switch cfg.Persistence.Backend {
	case config.BackendSQL:
		return sqlstore.Open(cfg.Persistence.DSN)
	case config.BackendFilesystem:
		return fsstore.Open(cfg.Persistence.FilesystemRoot)
	default:
		return nil, fmt.Errorf("controller: unknown persistence backend %q", cfg.Persistence.Backend)
	}
}

// adoptServices binds listening sockets for newly enabled services
// discovered by the config watcher. Reloads are additive only; running
// services are never removed or reconfigured.
func (c *Controller) adoptServices(added []model.ServiceConfig) {
	if err := c.listener.BindAdditional(added); err != nil {
		c.log.Sugar().Warnw("controller: failed to bind hot-reloaded service", "err", err)
		return
	}
	c.mu.Lock()
	for _, svc := range added {
		if _, exists := serviceByName(c.services, svc.Name); !exists {
			c.services = append(c.services, svc)
		}
	}
	c.mu.Unlock()
	for _, svc := range added {
		c.log.Sugar().Infow("controller: adopted new service from config reload", "service", svc.Name)
	}
}

// Metrics exposes the Controller's metrics sink, e.g. for mounting
// /metrics on the (externally owned) web UI HTTP server.
func (c *Controller) Metrics() *metrics.Metrics { return c.metrics }

// Run starts the Listener's accept loops, the request-consumer loop, and
// the periodic expiration sweep. It blocks until ctx is cancelled or
// Shutdown is called.
func (c *Controller) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.listener.Run()
	go c.consumeRequests(runCtx)
	go c.sweepExpired(runCtx)

	<-runCtx.Done()
	close(c.done)
}

// consumeRequests drains the Listener's bounded request queue, handing
// each SessionRequest to the Session Manager. Each request is handled in
// its own goroutine so one slow or long-lived session never blocks
// admission of the next.
func (c *Controller) consumeRequests(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-c.listener.Requests():
			if !ok {
				return
			}
			svc, ok := c.serviceByName(req.ServiceName)
			if !ok {
				_ = req.Conn.Close()
				continue
			}
			go func() {
				sessReq := session.Request{
					Conn: req.Conn, ServiceName: req.ServiceName,
					ClientAddr: req.ClientAddr, Timestamp: req.Timestamp,
				}
				if err := c.sessions.HandleSession(ctx, sessReq, svc); err != nil {
					c.log.Sugar().Warnw("controller: handle_session failed", "service", req.ServiceName, "err", err)
				}
			}()
		}
	}
}

func (c *Controller) serviceByName(name string) (model.ServiceConfig, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return serviceByName(c.services, name)
}

func serviceByName(services []model.ServiceConfig, name string) (model.ServiceConfig, bool) {
	for _, svc := range services {
		if svc.Name == name {
			return svc, true
		}
	}
	return model.ServiceConfig{}, false
}

// sweepExpired runs CleanupExpired on expirationSweepInterval ticks.
func (c *Controller) sweepExpired(ctx context.Context) {
	ticker := time.NewTicker(expirationSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sessions.CleanupExpired(ctx)
		}
	}
}

// Shutdown stops accepting, stops the config watcher, cancels Run and
// waits up to shutdownDeadline for it to return, then ends every
// remaining active session and closes persistence. In-flight session
// handler goroutines are not tracked and are not waited for; ShutdownAll
// ends their sessions while they may still be running.
func (c *Controller) Shutdown() {
	c.listener.Shutdown()
	if c.watcher != nil {
		_ = c.watcher.Close()
	}
	if c.cancel != nil {
		c.cancel()
	}
	if c.done != nil {
		select {
		case <-c.done:
		case <-time.After(shutdownDeadline):
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
	defer cancel()
	c.sessions.ShutdownAll(ctx)

	if err := c.store.Close(); err != nil {
		c.log.Sugar().Warnw("controller: close persistence", "err", err)
	}
}
