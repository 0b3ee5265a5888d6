package uds

import (
	"fmt"
	"log"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"
)

const defaultConnTimeout = 30 * time.Second

// HandlerFunc serves one command. Returning nil is treated as an internal
// error so the client always receives a well-formed response.
type HandlerFunc func(req *Request) *Response

// Server accepts connections on a unix socket and serves one
// request/response exchange per connection.
type Server struct {
	path string

	hmu      sync.RWMutex
	handlers map[string]HandlerFunc

	listener    net.Listener
	connTimeout time.Duration
	quit        chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

func NewServer(socketPath string) *Server {
	return &Server{
		path:        socketPath,
		handlers:    make(map[string]HandlerFunc),
		connTimeout: defaultConnTimeout,
		quit:        make(chan struct{}),
	}
}

// SetConnTimeout sets the per-connection deadline. The daemon raises it
// above the clarification timeout so a blocking ask can outlive the
// default.
func (s *Server) SetConnTimeout(d time.Duration) {
	s.connTimeout = d
}

// Handle registers the handler for a command. Registering again replaces
// the previous handler.
func (s *Server) Handle(command string, handler HandlerFunc) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.handlers[command] = handler
}

// Start binds the socket and begins accepting connections. A leftover
// socket file from a crashed daemon is removed first; anything else at the
// path is left alone and reported.
func (s *Server) Start() error {
	if info, err := os.Lstat(s.path); err == nil {
		if info.Mode()&os.ModeSocket == 0 {
			return fmt.Errorf("refusing to replace %s: not a socket", s.path)
		}
		if err := os.Remove(s.path); err != nil {
			return fmt.Errorf("remove stale socket: %w", err)
		}
	}

	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0600); err != nil {
		_ = listener.Close()
		_ = os.Remove(s.path)
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.listener = listener
	s.wg.Add(1)
	go s.accept()
	return nil
}

// Stop closes the listener, waits for in-flight connections to finish, and
// removes the socket file. Safe to call more than once.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		close(s.quit)
		if s.listener != nil {
			_ = s.listener.Close()
		}
	})
	s.wg.Wait()
	_ = os.Remove(s.path)
	return nil
}

func (s *Server) accept() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
				log.Printf("uds: accept error: %v", err)
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(conn)
		}()
	}
}

// serveConn handles exactly one request/response exchange, then closes.
func (s *Server) serveConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("uds: panic serving connection: %v\n%s", r, debug.Stack())
		}
	}()

	_ = conn.SetDeadline(time.Now().Add(s.connTimeout))

	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		log.Printf("uds: read request: %v", err)
		return
	}

	if err := WriteFrame(conn, s.dispatch(&req)); err != nil {
		log.Printf("uds: write response for %q: %v", req.Command, err)
	}
}

func (s *Server) dispatch(req *Request) *Response {
	if req.ProtocolVersion != ProtocolVersion {
		return ErrorResponse(ErrCodeProtocolMismatch,
			fmt.Sprintf("protocol version mismatch: got %d, expected %d", req.ProtocolVersion, ProtocolVersion))
	}

	s.hmu.RLock()
	handler, ok := s.handlers[req.Command]
	s.hmu.RUnlock()
	if !ok {
		return ErrorResponse(ErrCodeUnknownCommand,
			fmt.Sprintf("unknown command: %q", req.Command))
	}

	resp := handler(req)
	if resp == nil {
		return ErrorResponse(ErrCodeInternal,
			fmt.Sprintf("handler for %q returned no response", req.Command))
	}
	return resp
}
