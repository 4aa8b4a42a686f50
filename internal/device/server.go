package device

import (
	"context"
	"errors"
	"log"
	"net"
	"sync"
	"time"

	"github.com/technohome/doorbell-hub/internal/events"
	"github.com/technohome/doorbell-hub/internal/metrics"
	"github.com/technohome/doorbell-hub/internal/recording"
)

type ServerConfig struct {
	Addr      string
	MediaRoot string
}

// Server owns the device-protocol listener, its registry and the event
// bus. One goroutine runs per connection; a session erroring never touches
// its neighbors.
type Server struct {
	cfg        ServerConfig
	bus        *events.Bus
	registry   *Registry
	openWriter recording.WriterFactory

	mu       sync.Mutex
	listener net.Listener
	sessions map[*Session]struct{}

	quit chan struct{}
	wg   sync.WaitGroup
}

func NewServer(cfg ServerConfig, bus *events.Bus, registry *Registry, openWriter recording.WriterFactory) *Server {
	return &Server{
		cfg:        cfg,
		bus:        bus,
		registry:   registry,
		openWriter: openWriter,
		sessions:   make(map[*Session]struct{}),
		quit:       make(chan struct{}),
	}
}

// Start binds the listener and launches the accept loop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	log.Printf("[INFO] Device server listening on %s", ln.Addr())

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("[ERROR] Accept: %v", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}

		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetKeepAlive(true)
		}

		sess := newSession(conn, s.bus, s.registry, s.cfg.MediaRoot, s.openWriter)
		s.track(sess)
		metrics.SessionsActive.Inc()
		log.Printf("[INFO] Accepted connection from %s", sess.RemoteAddr())

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(sess)
			// Ask the device to announce itself; everything else follows
			// from its Uuid answer.
			if err := sess.SendUuidRequest(); err != nil {
				sess.Close()
				return
			}
			sess.serve()
		}()
	}
}

func (s *Server) track(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess] = struct{}{}
}

func (s *Server) untrack(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess)
}

// Shutdown stops accepting, signals every session to close and waits for
// in-flight work to drain within the context's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.quit)

	s.mu.Lock()
	ln := s.listener
	sessions := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, sess := range sessions {
		sess.Close()
	}
	s.registry.CloseAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
