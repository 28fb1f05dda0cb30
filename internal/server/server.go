// Package server provides the mix aggregator.
//
// Nodes connect over TCP and send Exchange envelopes carrying their diff.
// The aggregator collects one diff per node into a round, mixes the round
// and answers every participant with the mixed diff.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xtxerr/coreset/internal/errors"
	"github.com/xtxerr/coreset/internal/logging"
	"github.com/xtxerr/coreset/internal/wire"
)

var log = logging.Component("server")

// =============================================================================
// Server
// =============================================================================

// Server is the mix aggregator server.
type Server struct {
	cfg      *Config
	agg      *Aggregator
	metrics  *Metrics
	registry *prometheus.Registry
	limiter  *RateLimiter

	listener      net.Listener
	metricsServer *http.Server

	ctx    context.Context
	cancel context.CancelFunc

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	shutdownOnce sync.Once
	shutdown     chan struct{}
	wg           sync.WaitGroup
}

// New creates a new server.
func New(cfg *Config) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := NewMetrics(registry)

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		cfg:      cfg,
		agg:      NewAggregator(cfg.Round, metrics),
		metrics:  metrics,
		registry: registry,
		limiter:  NewRateLimiter(cfg.ProtocolFailureLimit, time.Minute),
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[net.Conn]struct{}),
		shutdown: make(chan struct{}),
	}, nil
}

// Start opens the listeners and accepts connections in the background.
func (s *Server) Start() error {
	var ln net.Listener
	var err error

	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		if err != nil {
			return fmt.Errorf("load TLS cert: %w", err)
		}
		tlsCfg := &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		ln, err = tls.Listen("tcp", s.cfg.Listen, tlsCfg)
		if err != nil {
			return fmt.Errorf("TLS listen: %w", err)
		}
		log.Info("listening with TLS", "address", ln.Addr().String())
	} else {
		ln, err = net.Listen("tcp", s.cfg.Listen)
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		log.Info("listening without TLS", "address", ln.Addr().String())
	}
	s.listener = ln

	if s.cfg.MetricsListen != "" {
		if err := s.startMetrics(); err != nil {
			ln.Close()
			return err
		}
	}

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Run starts the server and blocks until Shutdown.
func (s *Server) Run() error {
	if err := s.Start(); err != nil {
		return err
	}
	<-s.shutdown
	return nil
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Registry returns the Prometheus registry the server reports to.
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

// Aggregator returns the round aggregator.
func (s *Server) Aggregator() *Aggregator {
	return s.agg
}

// Shutdown stops the server: pending submissions are canceled and open
// connections closed.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		log.Info("shutting down")
		close(s.shutdown)
		s.cancel()

		if s.listener != nil {
			s.listener.Close()
		}
		if s.metricsServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			s.metricsServer.Shutdown(ctx)
			cancel()
		}

		s.connsMu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.connsMu.Unlock()

		s.wg.Wait()
		s.limiter.Close()
		log.Info("shutdown complete")
	})
}

func (s *Server) startMetrics() error {
	ln, err := net.Listen("tcp", s.cfg.MetricsListen)
	if err != nil {
		return fmt.Errorf("metrics listen: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	s.metricsServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.metricsServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed", "error", err)
		}
	}()

	log.Info("serving metrics", "address", ln.Addr().String())
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				log.Error("accept error", "error", err)
				continue
			}
		}

		s.connsMu.Lock()
		s.conns[conn] = struct{}{}
		s.connsMu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)

			s.connsMu.Lock()
			delete(s.conns, conn)
			s.connsMu.Unlock()
		}()
	}
}

// =============================================================================
// Connection Handling
// =============================================================================

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	remoteIP := extractIP(remote)

	if s.limiter.IsBlocked(remoteIP) {
		log.Warn("blocked due to too many malformed requests", "remote", remote)
		return
	}

	s.metrics.connections.Inc()
	defer s.metrics.connections.Dec()
	log.Debug("connection from", "remote", remote)

	w := wire.NewConnSize(conn, s.cfg.MaxMessageSize)

	for {
		env, err := w.Read()
		if err != nil {
			if err != io.EOF && !isClosed(err) {
				s.protocolFailure(remoteIP, err)
				s.reply(conn, w, wire.NewErrorFromErr(0, err))
				log.Warn("read failed", "remote", remote, "error", err)
			}
			return
		}

		if env.Exchange == nil {
			s.protocolFailure(remoteIP, nil)
			s.reply(conn, w, wire.NewErrorf(env.ID, errors.CodeInvalidRequest, "expected an exchange"))
			if s.limiter.IsBlocked(remoteIP) {
				log.Warn("closing connection after repeated malformed requests", "remote", remote)
				return
			}
			continue
		}

		s.limiter.Reset(remoteIP)
		if !s.reply(conn, w, s.exchange(env)) {
			return
		}
	}
}

func (s *Server) exchange(env *wire.Envelope) *wire.Envelope {
	x := env.Exchange
	mixed, err := s.agg.Submit(s.ctx, x.Node, x.Diff)

	switch {
	case err == nil:
		s.metrics.exchanges.WithLabelValues(resultOK).Inc()
		return &wire.Envelope{ID: env.ID, Mixed: mixed}
	case errors.Is(err, errors.ErrStaleDiff):
		s.metrics.exchanges.WithLabelValues(resultStale).Inc()
		log.Debug("stale exchange", "node", x.Node, "error", err)
	case errors.Is(err, context.Canceled):
		s.metrics.exchanges.WithLabelValues(resultCanceled).Inc()
		err = fmt.Errorf("%w: server shutting down", errors.ErrRoundClosed)
	default:
		s.metrics.exchanges.WithLabelValues(resultError).Inc()
		log.Warn("exchange failed", "node", x.Node, "error", err)
	}
	return wire.NewErrorFromErr(env.ID, err)
}

// reply writes env within the I/O timeout and reports whether it succeeded.
func (s *Server) reply(conn net.Conn, w *wire.Conn, env *wire.Envelope) bool {
	conn.SetWriteDeadline(time.Now().Add(s.cfg.IOTimeout))
	defer conn.SetWriteDeadline(time.Time{})

	if err := w.Write(env); err != nil {
		log.Debug("write failed", "error", err)
		return false
	}
	return true
}

func (s *Server) protocolFailure(ip string, err error) {
	s.limiter.RecordFailure(ip)
	log.Debug("protocol failure", "remote_ip", ip, "failures", s.limiter.FailureCount(ip), "error", err)
}

// extractIP extracts the IP address from a remote address string.
func extractIP(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
