package listener

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/b0cal/miel/internal/logging"
	"github.com/b0cal/miel/internal/metrics"
	"github.com/b0cal/miel/internal/model"
)

// QueueCapacity bounds the session-request queue between the accept
// loops and the session manager.
const QueueCapacity = 100

// SessionRequest is produced by the accept loop and consumed by the
// session manager.
type SessionRequest struct {
	Conn        net.Conn
	ServiceName string
	ClientAddr  string
	Timestamp   time.Time
}

// ErrBind is returned by Bind when any configured service fails to bind;
// all previously bound sockets are released before it returns.
type ErrBind struct {
	Service string
	Err     error
}

func (e *ErrBind) Error() string { return fmt.Sprintf("listener: bind %s: %v", e.Service, e.Err) }
func (e *ErrBind) Unwrap() error { return e.Err }

// Listener runs one accept loop per configured service. The closed flag
// distinguishes intentional shutdown from real accept errors.
type Listener struct {
	bindAddress string
	filter      *ConnFilter
	services    []model.ServiceConfig
	log         *logging.Logger
	metrics     *metrics.Metrics

	mu        sync.Mutex
	listeners map[string]net.Listener // service name -> bound socket
	closed    bool

	requests chan SessionRequest

	rejectCount int
	dropCount   int
}

// New constructs a Listener. Call Bind before Run.
func New(bindAddress string, filter *ConnFilter, log *logging.Logger) *Listener {
	if log == nil {
		log = logging.Nop()
	}
	return &Listener{
		bindAddress: bindAddress,
		filter:      filter,
		log:         log,
		listeners:   make(map[string]net.Listener),
		requests:    make(chan SessionRequest, QueueCapacity),
	}
}

// Requests returns the bounded channel the Session Manager consumes.
func (l *Listener) Requests() <-chan SessionRequest { return l.requests }

// WithMetrics attaches a Metrics sink the Listener updates as
// connections are rejected by the filter or dropped for backpressure.
// Optional; nil (the default) disables metrics emission.
func (l *Listener) WithMetrics(m *metrics.Metrics) *Listener {
	l.metrics = m
	return l
}

// Bind binds a listening socket for each enabled service. On any bind
// failure, all previously bound sockets for this call are released and
// ErrBind is returned.
func (l *Listener) Bind(services []model.ServiceConfig) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.services = services
	bound := make([]net.Listener, 0, len(services))
	names := make([]string, 0, len(services))

	for _, svc := range services {
		if !svc.Enabled {
			continue
		}
		addr := fmt.Sprintf("%s:%d", l.bindAddress, svc.Port)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			for _, b := range bound {
				_ = b.Close()
			}
			return &ErrBind{Service: svc.Name, Err: err}
		}
		bound = append(bound, ln)
		names = append(names, svc.Name)
	}

	for i, ln := range bound {
		l.listeners[names[i]] = ln
	}
	return nil
}

// BindAdditional binds listening sockets for services not already bound
// (by name) and immediately starts accept loops for them, without
// disturbing any existing listener. Used by the Controller's config
// watcher to adopt newly enabled services without a restart. A no-op
// once Shutdown has been called.
func (l *Listener) BindAdditional(services []model.ServiceConfig) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}

	type bound struct {
		name string
		svc  model.ServiceConfig
		ln   net.Listener
	}
	var newlyBound []bound
	for _, svc := range services {
		if !svc.Enabled {
			continue
		}
		if _, exists := l.listeners[svc.Name]; exists {
			continue
		}
		addr := fmt.Sprintf("%s:%d", l.bindAddress, svc.Port)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			for _, b := range newlyBound {
				_ = b.ln.Close()
			}
			l.mu.Unlock()
			return &ErrBind{Service: svc.Name, Err: err}
		}
		newlyBound = append(newlyBound, bound{name: svc.Name, svc: svc, ln: ln})
	}

	for _, b := range newlyBound {
		l.listeners[b.name] = b.ln
		l.services = append(l.services, b.svc)
	}
	l.mu.Unlock()

	for _, b := range newlyBound {
		go l.acceptLoop(b.name, b.ln)
	}
	return nil
}

// Run starts one accept loop per bound socket and blocks until Shutdown
// is called or every loop exits.
func (l *Listener) Run() {
	l.mu.Lock()
	loops := make(map[string]net.Listener, len(l.listeners))
	for k, v := range l.listeners {
		loops[k] = v
	}
	l.mu.Unlock()

	var wg sync.WaitGroup
	for name, ln := range loops {
		wg.Add(1)
		go func(serviceName string, ln net.Listener) {
			defer wg.Done()
			l.acceptLoop(serviceName, ln)
		}(name, ln)
	}
	wg.Wait()
}

func (l *Listener) acceptLoop(serviceName string, ln net.Listener) {
	acceptPort := ln.Addr().(*net.TCPAddr).Port

	for {
		conn, err := ln.Accept()
		if err != nil {
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()
			if closed {
				return
			}
			l.log.Sugar().Warnw("listener: accept error", "service", serviceName, "err", err)
			continue
		}

		l.handleAccept(conn, acceptPort)
	}
}

func (l *Listener) handleAccept(conn net.Conn, acceptPort int) {
	remote := conn.RemoteAddr().String()

	if l.filter != nil && !l.filter.Allow(remote, acceptPort) {
		_ = conn.Close()
		l.mu.Lock()
		l.rejectCount++
		l.mu.Unlock()
		if l.metrics != nil {
			l.metrics.ConnectionsRejected.Inc()
		}
		return
	}

	name, wrapped, err := sniff(conn, acceptPort, l.services)
	if err != nil || name == "" {
		// Sniff itself never hard-fails; an empty name means no service
		// is bound to this port, which cannot happen for a socket we
		// ourselves bound. Close and move on.
		_ = conn.Close()
		return
	}

	req := SessionRequest{Conn: wrapped, ServiceName: name, ClientAddr: remote, Timestamp: time.Now().UTC()}

	select {
	case l.requests <- req:
	default:
		// Queue full: never block the accept loop.
		_ = conn.Close()
		l.mu.Lock()
		l.dropCount++
		l.mu.Unlock()
		if l.metrics != nil {
			l.metrics.ConnectionsDropped.Inc()
		}
	}
}

// Shutdown stops accepting on every bound socket. In-flight requests are
// not drained.
func (l *Listener) Shutdown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	for _, ln := range l.listeners {
		_ = ln.Close()
	}
}

// RejectCount and DropCount expose the filter-reject and queue-full
// counters.
func (l *Listener) RejectCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rejectCount
}

func (l *Listener) DropCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropCount
}
