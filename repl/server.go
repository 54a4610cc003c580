package repl

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/guseggert/evalsock/frame"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

// SocketMode is the permission mode of every socket the server binds. It restricts access to the owner,
// which is the only access control the server has.
const SocketMode fs.FileMode = 0700

// ErrServerClosed is returned by Serve and Run after Stop has been called.
var ErrServerClosed = errors.New("evalsock: server closed")

// DefaultSocketPath returns the socket path used when none is configured.
func DefaultSocketPath() string {
	return filepath.Join(os.TempDir(), "evalsock.socket")
}

// Server accepts connections on a unix socket and runs a session on each of them.
// All sessions share a single EvalContext.
type Server struct {
	logger   *zap.SugaredLogger
	logLevel *zapcore.Level

	socketPath        string
	gatewaySocketPath string
	maxBlobSize       uint32
	requestGlobal     string

	eval *EvalContext

	mut      sync.Mutex
	closed   bool
	listener net.Listener
	gateway  *http.Server
	sessions map[*session]struct{}
	wg       sync.WaitGroup

	heartbeatMut  sync.Mutex
	lastHeartbeat time.Time
}

type Option func(s *Server)

// WithSocketPath sets the path of the unix socket that Listen binds.
func WithSocketPath(p string) Option {
	return func(s *Server) {
		s.socketPath = p
	}
}

// WithGatewaySocketPath enables the WebSocket gateway, served over HTTP on a second unix socket at p.
func WithGatewaySocketPath(p string) Option {
	return func(s *Server) {
		s.gatewaySocketPath = p
	}
}

// WithMaxBlobSize sets the largest request accepted, in bytes. Connections announcing a larger request are closed.
func WithMaxBlobSize(n uint32) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBlobSize = n
		}
	}
}

// WithRequestGlobal sets the name of the global through which executed code sees the current request.
func WithRequestGlobal(name string) Option {
	return func(s *Server) {
		s.requestGlobal = name
	}
}

// WithLogger sets the logger the server and its sessions log to.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.logger = l.Named("evalsock").Sugar()
	}
}

// WithLogLevel raises the minimum level of the server's logger, whichever logger is in use.
func WithLogLevel(l zapcore.Level) Option {
	return func(s *Server) {
		s.logLevel = &l
	}
}

// NewServer constructs a server. Nothing is bound until Listen or Run is called.
func NewServer(opts ...Option) (*Server, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	s := &Server{
		logger:        logger.Named("evalsock").Sugar(),
		socketPath:    DefaultSocketPath(),
		maxBlobSize:   frame.DefaultMaxBlobSize,
		requestGlobal: DefaultRequestGlobal,
		sessions:      map[*session]struct{}{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.logLevel != nil {
		s.logger = s.logger.WithOptions(zap.IncreaseLevel(*s.logLevel))
	}

	s.eval, err = NewEvalContext(s.requestGlobal)
	if err != nil {
		return nil, fmt.Errorf("building evaluation context: %w", err)
	}
	return s, nil
}

// EvalContext returns the evaluation context shared by all of the server's sessions.
func (s *Server) EvalContext() *EvalContext {
	return s.eval
}

// SocketPath returns the path of the server's socket.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// Listen removes any stale socket left at the socket path, then binds a new one that only the owner can use.
func (s *Server) Listen() (net.Listener, error) {
	return listenUnix(s.socketPath)
}

func listenUnix(path string) (net.Listener, error) {
	if err := removeStaleSocket(path); err != nil {
		return nil, err
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listening on %q: %w", path, err)
	}
	if err := os.Chmod(path, SocketMode); err != nil {
		l.Close()
		return nil, fmt.Errorf("restricting permissions of %q: %w", path, err)
	}
	return l, nil
}

// removeStaleSocket removes a socket left behind by a previous run. Anything that isn't a socket is left alone.
func removeStaleSocket(path string) error {
	fi, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("checking for stale socket: %w", err)
	}
	if fi.Mode()&fs.ModeSocket == 0 {
		return fmt.Errorf("refusing to replace %q, which is not a socket", path)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing stale socket: %w", err)
	}
	return nil
}

// Run binds the socket (and the gateway socket, if configured), serves until Stop is called, and returns nil
// once the server has stopped cleanly.
func (s *Server) Run() error {
	l, err := s.Listen()
	if err != nil {
		return err
	}

	var gl net.Listener
	if s.gatewaySocketPath != "" {
		gl, err = listenUnix(s.gatewaySocketPath)
		if err != nil {
			l.Close()
			return fmt.Errorf("listening for gateway: %w", err)
		}
	}

	group, ctx := errgroup.WithContext(context.Background())
	// whichever side fails first takes the other one down with it
	group.Go(func() error {
		<-ctx.Done()
		return s.Stop()
	})
	if gl != nil {
		group.Go(func() error { return s.serveGateway(gl) })
	}
	group.Go(func() error { return s.Serve(l) })

	err = group.Wait()
	if errors.Is(err, ErrServerClosed) {
		return nil
	}
	return err
}

// Serve accepts connections on l until Stop is called, running a session for each in its own goroutine.
// It always returns a non-nil error; after Stop it is ErrServerClosed.
func (s *Server) Serve(l net.Listener) error {
	if !s.trackListener(l) {
		l.Close()
		return ErrServerClosed
	}
	defer l.Close()
	s.logger.Infow("listening", "Addr", l.Addr().String())

	var tempDelay time.Duration // how long to sleep on accept failure
	for {
		conn, err := l.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			var ne interface{ Temporary() bool }
			if errors.As(err, &ne) && ne.Temporary() {
				tempDelay = backoff(tempDelay)
				s.logger.Warnf("accept error: %s; retrying in %s", err, tempDelay)
				time.Sleep(tempDelay)
				continue
			}
			return fmt.Errorf("accepting connection: %w", err)
		}
		tempDelay = 0

		s.mut.Lock()
		if s.closed {
			s.mut.Unlock()
			conn.Close()
			return ErrServerClosed
		}
		s.wg.Add(1)
		s.mut.Unlock()
		go func() {
			defer s.wg.Done()
			err := s.ServeConn(context.Background(), conn)
			if err != nil {
				s.logger.Errorw("unexpected error from session", "Error", err)
			}
		}()
	}
}

func backoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if max := 1 * time.Second; d > max {
		d = max
	}
	return d
}

// ServeConn runs a session on an already-accepted connection and returns when the connection has ended,
// closing it in every case. It returns nil if the connection simply went away or sent an oversized request, and the
// transport failure otherwise.
// Canceling ctx closes the connection.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) error {
	sess := newSession(s.logger.Named("session"), conn, s.eval, s.maxBlobSize)
	if !s.trackSession(sess, true) {
		conn.Close()
		return nil
	}
	defer s.trackSession(sess, false)

	err := sess.run(ctx)
	if isRoutineClose(err) || ctx.Err() != nil {
		sess.log.Debugw("session closed", "Reason", err)
		return nil
	}
	if errors.Is(err, frame.ErrBlobTooLarge) {
		sess.log.Warnw("closing session after oversized request", "Error", err)
		return nil
	}
	return err
}

func (s *Server) trackListener(l net.Listener) bool {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.closed {
		return false
	}
	s.listener = l
	return true
}

func (s *Server) trackSession(sess *session, add bool) bool {
	s.mut.Lock()
	defer s.mut.Unlock()
	if add {
		if s.closed {
			return false
		}
		s.sessions[sess] = struct{}{}
		return true
	}
	delete(s.sessions, sess)
	return true
}

func (s *Server) isClosed() bool {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.closed
}

// Stop closes the listeners and every open connection, interrupts any code that is running, and waits for
// sessions started by Serve or the gateway to finish.
func (s *Server) Stop() error {
	s.mut.Lock()
	if s.closed {
		s.mut.Unlock()
		return nil
	}
	s.closed = true
	var errs []error
	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("closing listener: %w", err))
		}
	}
	if s.gateway != nil {
		if err := s.gateway.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing gateway: %w", err))
		}
	}
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mut.Unlock()

	// a WebSocket close waits for the peer's side of the handshake, so close them all at once
	var closers errgroup.Group
	for _, sess := range sessions {
		closers.Go(func() error {
			sess.close()
			return nil
		})
	}
	s.eval.Close("server stopped")
	closers.Wait()
	s.wg.Wait()
	return errors.Join(errs...)
}
