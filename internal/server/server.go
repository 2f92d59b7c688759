// Package server implements the cache side of the rpki-router protocol:
// per-router serving sessions over any ordered byte stream, a TCP accept
// loop, and the kick endpoint by which the producer announces new serials.
package server

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/job/rtrd/internal/kickbus"
	"github.com/job/rtrd/internal/store"
)

type Server struct {
	// large fields first
	listener net.Listener
	logger   *zap.SugaredLogger
	st       *store.Store
	kick     *kickbus.Endpoint

	sessions map[string]*Session

	// sync types next
	mu sync.Mutex
	wg sync.WaitGroup

	// smaller fields last
	shuttingDown bool
}

// New creates a new Server instance over a data directory.
func New(st *store.Store, logger *zap.SugaredLogger) *Server {
	return &Server{
		logger:   logger,
		st:       st,
		sessions: make(map[string]*Session),
	}
}

// bindKick binds this server's kick endpoint and fans incoming kicks out to
// every live session.
func (s *Server) bindKick(kickDir string) error {
	ep, err := kickbus.Listen(kickDir, s.logger)
	if err != nil {
		return err
	}
	s.kick = ep
	go ep.Serve(s.kickAll)
	return nil
}

func (s *Server) kickAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		sess.Kick()
	}
}

// ServeStream serves exactly one session on an already-open byte stream.
// This is the binding used when sshd hands us the rpki-rtr subsystem
// channel on stdin/stdout.
func (s *Server) ServeStream(r io.Reader, w io.Writer, kickDir string) error {
	if err := s.bindKick(kickDir); err != nil {
		return err
	}
	defer s.kick.Close()

	sess := NewSession(r, w, s.st, s.logger)
	s.track(sess)
	defer s.untrack(sess)
	return sess.Run()
}

// ListenAndServe accepts raw TCP sessions until Stop is called.
func (s *Server) ListenAndServe(addr, kickDir string) error {
	if err := s.bindKick(kickDir); err != nil {
		return err
	}
	defer s.kick.Close()

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = l
	s.logger.Infof("Listening on %s", addr)

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.shuttingDown {
				return nil // graceful exit
			}
			s.logger.Errorf("accept error: %v", err)
			continue
		}
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	sess := NewSession(conn, conn, s.st, s.logger.With("peer", conn.RemoteAddr().String()))
	s.track(sess)
	defer s.untrack(sess)

	s.logger.Infof("Router connected: %s", conn.RemoteAddr())
	if err := sess.Run(); err != nil {
		s.logger.Warnf("Session %s error: %v", sess.ID(), err)
	}
	s.logger.Infof("Router disconnected: %s", conn.RemoteAddr())
}

func (s *Server) track(sess *Session) {
	s.mu.Lock()
	s.sessions[sess.ID()] = sess
	s.mu.Unlock()
}

func (s *Server) untrack(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess.ID())
	s.mu.Unlock()
}

// Stop shuts down the listener and waits for sessions to drain.
func (s *Server) Stop(timeout time.Duration) error {
	s.shuttingDown = true

	s.logger.Info("Shutting down listener...")
	if s.listener != nil {
		s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("All sessions closed cleanly")
		return nil
	case <-time.After(timeout):
		s.logger.Warn("Shutdown timed out; some sessions may still be active")
		return fmt.Errorf("timeout waiting for shutdown")
	}
}
