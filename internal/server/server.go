// Package server is the relay's transport layer: it accepts WebSocket
// upgrades, runs a read and a write pump per connection, and hands parsed
// frames to the router. It owns the shutdown drain.
package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"notify-relay/internal/config"
	"notify-relay/internal/conntable"
	"notify-relay/internal/metrics"
	"notify-relay/internal/protocol"
	"notify-relay/internal/router"
)

const (
	// Time allowed to write one message to a peer.
	writeWait = 5 * time.Second

	// Keepalive ping period. Dead sockets surface as ping write failures;
	// observers legitimately never send, so inbound silence alone is judged
	// by the idle timeout, not a short read deadline.
	pingPeriod = 25 * time.Second
)

type Server struct {
	cfg    *config.Config
	logger zerolog.Logger
	table  *conntable.Table
	router *router.Router

	listener net.Listener
	httpSrv  *http.Server

	// connSem bounds concurrent connections.
	connSem chan struct{}

	draining atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg *config.Config, logger zerolog.Logger, table *conntable.Table, rt *router.Router) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		logger:  logger.With().Str("component", "server").Logger(),
		table:   table,
		router:  rt,
		connSem: make(chan struct{}, cfg.MaxConnections),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Draining reports whether shutdown has begun. The readiness check flips on
// it.
func (s *Server) Draining() bool {
	return s.draining.Load()
}

// Addr reports the bound listen address. Valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// Start begins accepting connections. Non-blocking; errors from the accept
// loop after startup are logged, not returned.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)

	s.httpSrv = &http.Server{
		Handler:        mux,
		ReadTimeout:    10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Accept loop error")
		}
	}()

	s.wg.Add(1)
	go s.reapIdle()

	s.logger.Info().Str("addr", s.cfg.Addr).Msg("Connection endpoint listening")
	return nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	select {
	case s.connSem <- struct{}{}:
	default:
		metrics.ConnectionsFailed.Inc()
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		<-s.connSem
		metrics.ConnectionsFailed.Inc()
		s.logger.Error().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Upgrade failed")
		return
	}

	c := newClient(uuid.NewString(), conn, s.cfg.SendBuffer, s.cfg.FrameRate, s.cfg.FrameBurst)
	s.table.Register(c.id, c)

	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsActive.Inc()

	s.logger.Debug().
		Str("connection_id", c.id).
		Str("remote_addr", r.RemoteAddr).
		Msg("Connection accepted")

	s.wg.Add(2)
	go s.writePump(c)
	go s.readPump(c)
}

// readPump serializes inbound frame handling for one connection: one frame
// at a time, in arrival order, which is what gives per-sender publish
// ordering. Any transport error means closure.
func (s *Server) readPump(c *client) {
	defer s.wg.Done()
	defer s.teardown(c)

	c.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))

	for {
		msg, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		c.touch()

		switch op {
		case ws.OpText, ws.OpBinary:
			if !c.limiter.Allow() {
				metrics.RateLimitedFrames.Inc()
				perr := protocol.Errorf(protocol.CodeRateLimited,
					"too many frames, limit %d/sec", s.cfg.FrameRate)
				// Best effort; a client with a full buffer will not see the
				// error either way.
				_ = c.Send(protocol.EncodeError(perr))
				continue
			}
			s.router.HandleFrame(s.ctx, c, msg)
		case ws.OpClose:
			return
		default:
			// Pings and pongs are answered by the library; they only count
			// as activity.
		}
	}
}

// writePump owns all writes to the socket: queued frames and periodic
// pings. On exit it sends a close frame best-effort.
func (s *Server) writePump(c *client) {
	defer s.wg.Done()

	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		body := ws.NewCloseFrameBody(ws.StatusGoingAway, "")
		ws.WriteFrame(c.conn, ws.NewCloseFrame(body))
		c.Close()
	}()

	for {
		select {
		case <-c.closed:
			return
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpText, message); err != nil {
				s.logger.Debug().
					Err(err).
					Str("connection_id", c.id).
					Msg("Write failed")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}

// teardown runs once per connection when its read pump exits, for any cause
// of closure: client close, transport error, idle reap, or drain.
func (s *Server) teardown(c *client) {
	c.Close()
	s.router.HandleClose(c.id)
	metrics.ConnectionsActive.Dec()
	select {
	case <-s.connSem:
	default:
	}
	s.logger.Debug().
		Str("connection_id", c.id).
		Dur("connected_for", time.Since(c.connectedAt)).
		Msg("Connection torn down")
}

// reapIdle closes connections with no inbound activity for the configured
// idle timeout, bounding resource usage.
func (s *Server) reapIdle() {
	defer s.wg.Done()

	interval := s.cfg.IdleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.cfg.IdleTimeout)
			for _, h := range s.table.All() {
				c, ok := h.(*client)
				if !ok {
					continue
				}
				if c.lastActive().Before(cutoff) {
					s.logger.Info().
						Str("connection_id", c.id).
						Msg("Closing idle connection")
					c.Close()
				}
			}
		}
	}
}

// Shutdown drains the instance: readiness flips immediately, the listener
// closes, every local connection gets a best-effort close notification, and
// after the grace period whatever is still open is force-closed. Data loss
// on force-closed sockets is accepted.
func (s *Server) Shutdown() error {
	s.draining.Store(true)
	s.logger.Info().
		Int("active_connections", s.table.Len()).
		Dur("grace_period", s.cfg.ShutdownGrace).
		Msg("Initiating graceful shutdown")

	if s.listener != nil {
		s.listener.Close()
	}

	// Best-effort notification; clients that close themselves during the
	// grace period are cleaned up by their own pumps.
	notice := protocol.EncodeClosing("server shutting down")
	for _, h := range s.table.All() {
		// Full buffers and already-closed sockets are handled by the
		// force-close below.
		_ = h.Send(notice)
	}

	drainTimer := time.NewTimer(s.cfg.ShutdownGrace)
	checkTicker := time.NewTicker(100 * time.Millisecond)
	defer drainTimer.Stop()
	defer checkTicker.Stop()

drainLoop:
	for {
		select {
		case <-drainTimer.C:
			remaining := s.table.Len()
			if remaining > 0 {
				s.logger.Warn().
					Int("remaining_connections", remaining).
					Msg("Grace period expired, force closing")
			}
			break drainLoop
		case <-checkTicker.C:
			if s.table.Len() == 0 {
				s.logger.Info().Msg("All connections drained")
				break drainLoop
			}
		}
	}

	// Force close whatever is left. Closing the socket ends the read pump,
	// whose teardown removes the table entry and withdraws the record.
	for _, h := range s.table.All() {
		h.Close()
	}

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Warn().Msg("Timed out waiting for connection goroutines")
	}

	s.logger.Info().Msg("Shutdown complete")
	return nil
}
