package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Handler answers prediction service requests. Shutdown requests are
// handled by the server itself.
type Handler interface {
	Handle(ctx context.Context, req *Request) *Response
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *Request) *Response

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, req *Request) *Response {
	return f(ctx, req)
}

// ServerConfig configures the service side of the channel.
type ServerConfig struct {
	Address        string
	IdleTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	MaxConnections int
}

// DefaultServerConfig returns the service defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:        DefaultAddress(),
		IdleTimeout:    10 * time.Minute,
		WriteTimeout:   5 * time.Second,
		MaxMessageSize: DefaultMaxMessageSize,
		MaxConnections: 8,
	}
}

// Server accepts client connections and answers one request at a time per
// connection.
type Server struct {
	cfg     ServerConfig
	handler Handler
	log     *slog.Logger

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	running  atomic.Bool

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	shutdownOnce sync.Once
	shutdown     chan struct{}
}

// NewServer creates a server. Start begins listening.
func NewServer(cfg ServerConfig, handler Handler, log *slog.Logger) *Server {
	if cfg.Address == "" {
		cfg.Address = DefaultAddress()
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultServerConfig().MaxConnections
	}
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		handler:  handler,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[net.Conn]struct{}),
		shutdown: make(chan struct{}),
	}
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("ipc: server already running")
	}
	l, err := Listen(s.cfg.Address)
	if err != nil {
		s.running.Store(false)
		return err
	}
	s.listener = l

	s.wg.Add(1)
	go s.acceptLoop()
	s.log.Info("listening", "address", s.cfg.Address)
	return nil
}

// ShutdownRequested is closed when a client sends a shutdown request.
func (s *Server) ShutdownRequested() <-chan struct{} {
	return s.shutdown
}

// Stop closes the listener and all connections and waits for handlers.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.cancel()
	s.listener.Close()

	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.log.Warn("timed out waiting for connections to close")
	}
	removeEndpoint(s.cfg.Address)
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", "err", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		s.mu.Lock()
		if len(s.conns) >= s.cfg.MaxConnections {
			s.mu.Unlock()
			s.log.Warn("connection limit reached, rejecting client")
			conn.Close()
			continue
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	codec := NewCodec(conn, s.cfg.MaxMessageSize)
	for {
		if s.cfg.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		req, err := codec.ReadRequest()
		if err != nil {
			if !errors.Is(err, ErrEmptyMessage) && s.ctx.Err() == nil {
				s.log.Debug("read request", "err", err)
			}
			return
		}

		resp := s.dispatch(req)

		if s.cfg.WriteTimeout > 0 {
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		}
		if err := codec.Write(resp); err != nil {
			s.log.Debug("write response", "err", err)
			return
		}
		if req.Type == TypeShutdown {
			s.shutdownOnce.Do(func() { close(s.shutdown) })
			return
		}
	}
}

func (s *Server) dispatch(req *Request) (resp *Response) {
	if req.Type == TypeShutdown {
		return &Response{Status: StatusOK, Message: "shutting down"}
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("handler panic", "type", req.Type, "panic", r)
			resp = &Response{Status: StatusError, Message: fmt.Sprint(r)}
		}
	}()
	resp = s.handler.Handle(s.ctx, req)
	if resp == nil {
		resp = &Response{Status: StatusError, Message: "unknown request type: " + req.Type}
	}
	return resp
}
