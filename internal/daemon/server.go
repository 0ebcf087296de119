package daemon

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"grimm.is/pftablesd/internal/clock"
	"grimm.is/pftablesd/internal/connection"
	"grimm.is/pftablesd/internal/logging"
	"grimm.is/pftablesd/internal/ruletables"
	"grimm.is/pftablesd/internal/worker"
)

// idleAcceptTimeout bounds how long Accept blocks while no client is
// connected; when it elapses with nobody connected, Serve exits. Once
// at least one client is connected the original daemon stopped timing
// accept out at all; Serve reproduces that. The deadline is recomputed
// only when Serve goes back to Accept, so a client disconnecting does
// not by itself restart the idle window.
const idleAcceptTimeout = 5 * time.Second

// SocketName returns the abstract-namespace socket name the daemon
// for family listens on. A leading '@' asks net.Listen to create an
// abstract socket (no filesystem path, no cleanup on exit required).
func SocketName(family ruletables.AddressFamily) string {
	return "@pftables-" + string(family) + ".server"
}

// AlreadyRunning is returned by Listen when another daemon instance
// already owns the family's socket.
type AlreadyRunning struct {
	Family ruletables.AddressFamily
}

func (e *AlreadyRunning) Error() string {
	return fmt.Sprintf("daemon: a pftablesd instance is already listening for %s", e.Family)
}

// Server accepts client connections for one address family, handing
// each its own connection.Connection and fanning invalidation out to
// every other connected client on commit.
type Server struct {
	Family ruletables.AddressFamily
	Cache  *ruletables.Cache
	Worker *worker.Worker

	log      *logging.Logger
	listener net.Listener
	clock    clock.Clock

	mu      sync.Mutex
	clients map[*connection.Connection]net.Conn
	closing bool
}

// New returns a Server for family, not yet listening.
func New(family ruletables.AddressFamily, cache *ruletables.Cache, w *worker.Worker, log *logging.Logger) *Server {
	return &Server{
		Family:  family,
		Cache:   cache,
		Worker:  w,
		log:     log.WithComponent("daemon." + string(family)),
		clients: make(map[*connection.Connection]net.Conn),
		clock:   &clock.RealClock{},
	}
}

// Listen binds the family's socket. It returns *AlreadyRunning if
// another daemon instance already owns it.
func (s *Server) Listen() error {
	l, err := net.Listen("unix", SocketName(s.Family))
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return &AlreadyRunning{Family: s.Family}
		}
		return &SocketError{Family: string(s.Family), Op: "listen", Err: err}
	}
	s.listener = l
	return nil
}

// acceptDeadline reports the deadline Serve should set on the
// listener given how many clients are currently connected. With
// nobody connected, Accept is bounded by idleAcceptTimeout so Serve
// can exit once the idle window elapses; with at least one client
// connected it reverts to no deadline at all, matching the original daemon's
// refusal to time out accept() while it has anyone to serve.
func acceptDeadline(clk clock.Clock, clientCount int) time.Time {
	if clientCount == 0 {
		return clk.Now().Add(idleAcceptTimeout)
	}
	return time.Time{}
}

// Serve runs the accept loop until Shutdown is called, the listener
// is closed out from under it, or the idle accept timeout elapses with
// no client connected. It blocks; callers run it in its own goroutine.
func (s *Server) Serve() error {
	ul, _ := s.listener.(*net.UnixListener)

	for {
		s.mu.Lock()
		n := len(s.clients)
		closing := s.closing
		s.mu.Unlock()
		if closing {
			return nil
		}

		if ul != nil {
			ul.SetDeadline(acceptDeadline(s.clock, n))
		}

		conn, err := s.listener.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				// The deadline can be armed just before a client
				// accepted in the previous iteration registers itself;
				// if anyone is connected now, go back and re-arm
				// without a deadline.
				if s.ClientCount() > 0 {
					continue
				}
				// The idle window elapsed with nobody around: exit
				// cleanly rather than keep polling, matching the
				// original daemon's mt.Timeout handling in run().
				s.log.Info("idle timeout, no clients connected", "family", s.Family)
				s.listener.Close()
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Error("accept failed", "error", &SocketError{Family: string(s.Family), Op: "accept", Err: err})
			continue
		}

		go s.handle(conn)
	}
}

// Shutdown closes every client connection and the listener, causing
// Serve to return.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	s.closing = true
	conns := make([]net.Conn, 0, len(s.clients))
	for _, conn := range s.clients {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}

	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	var creds Credentials
	if uc, ok := conn.(*net.UnixConn); ok {
		if c, err := peerCredentials(uc); err == nil {
			creds = c
		} else {
			s.log.Warn("peer credentials unavailable", "error", err)
		}
	}

	c := connection.New(s.Family, s.Cache, s.Worker, s, s.log)
	c.PID, c.UID, c.GID = creds.PID, creds.UID, creds.GID

	s.register(c, conn)
	defer s.unregister(c)

	s.log.Info("client connected", "conn", c.ID, "pid", c.PID, "uid", c.UID, "gid", c.GID)
	defer s.log.Info("client disconnected", "conn", c.ID, "pid", c.PID)

	w := bufio.NewWriter(conn)
	if _, err := fmt.Fprintf(w, "%s\n", c.Greeting()); err != nil || w.Flush() != nil {
		return
	}

	scan := bufio.NewScanner(conn)
	for scan.Scan() {
		for _, reply := range c.Handle(scan.Text()) {
			if _, err := fmt.Fprintf(w, "%s\n", reply); err != nil {
				s.log.Warn("write to client failed", "error", err)
				return
			}
		}
		if err := w.Flush(); err != nil {
			s.log.Warn("write to client failed", "error", err)
			return
		}
	}

	if err := scan.Err(); err != nil {
		s.log.Warn("client connection error", "error", err)
	}
}

func (s *Server) register(c *connection.Connection, conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c] = conn
}

func (s *Server) unregister(c *connection.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c)
}

// Reloaded implements connection.Notifier: every connection other
// than the one that just committed (or failed to, per Void's SAVE
// path) is pushed back to Void, since its cached view can no longer
// be trusted.
func (s *Server) Reloaded(self *connection.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		if c != self {
			c.Reset()
		}
	}
}

// ClientCount reports the number of currently connected clients,
// mainly for tests and diagnostics.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// debugDump renders the cache's current contents for diagnostics. No
// wire command exposes this; spec.md's message vocabulary is frozen,
// so this stays an internal admin hook rather than a new command.
func (s *Server) debugDump() []string {
	return s.Cache.DebugDump(s.Family)
}

// setClock overrides the clock used to compute accept deadlines.
// Test-only: production always uses the RealClock New installs.
func (s *Server) setClock(c clock.Clock) {
	s.clock = c
}
