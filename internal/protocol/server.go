package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
)

// Handler serves one decoded request.
type Handler func(ctx context.Context, method string, params json.RawMessage) (any, error)

// Server accepts connections on a unix socket and serves requests with the
// configured handler. Every open connection also receives broadcast events.
type Server struct {
	socketPath string
	handler    Handler
	logger     *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[*connWriter]struct{}
	shutdown bool
	wg       sync.WaitGroup
}

// connWriter serializes writes to one connection, since responses and
// broadcast events interleave on it.
type connWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (w *connWriter) write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(v)
}

// NewServer creates a server for the given socket path.
func NewServer(socketPath string, handler Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		socketPath: socketPath,
		handler:    handler,
		logger:     logger,
		conns:      make(map[*connWriter]struct{}),
	}
}

// ListenAndServe accepts connections until the context is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	// Remove a stale socket from a previous run.
	_ = os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	defer func() {
		_ = listener.Close()
		_ = os.Remove(s.socketPath)
	}()

	s.logger.Info("server_listening", slog.String("socket", s.socketPath))

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			shutdown := s.shutdown
			s.mu.Unlock()
			if shutdown {
				break
			}
			s.logger.Error("accept_failed", slog.String("error", err.Error()))
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.wg.Wait()
	return ctx.Err()
}

// handleConnection serves one client: requests are handled sequentially and
// answered in order, interleaved with any broadcast events.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	writer := &connWriter{enc: json.NewEncoder(conn)}
	s.mu.Lock()
	s.conns[writer] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, writer)
		s.mu.Unlock()
	}()

	decoder := json.NewDecoder(conn)
	for {
		var req Request
		if err := decoder.Decode(&req); err != nil {
			if err != io.EOF {
				s.logger.Warn("request_decode_failed", slog.String("error", err.Error()))
			}
			return
		}
		if err := writer.write(s.serve(ctx, req)); err != nil {
			return
		}
	}
}

// serve runs one request through the handler and shapes the response.
func (s *Server) serve(ctx context.Context, req Request) Response {
	result, err := s.handler(ctx, req.Method, req.Params)
	if err != nil {
		s.logger.Warn("request_failed",
			slog.String("method", req.Method),
			slog.String("error", err.Error()))
		return Response{ID: req.ID, OK: false, Error: wireError(err)}
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return Response{ID: req.ID, OK: false, Error: wireError(fmt.Errorf("encode result: %w", err))}
	}
	return Response{ID: req.ID, OK: true, Result: encoded}
}

// Broadcast sends an event to every open connection. Connections that fail
// to accept the write are dropped on their next read.
func (s *Server) Broadcast(event string, payload any) {
	s.mu.Lock()
	writers := make([]*connWriter, 0, len(s.conns))
	for w := range s.conns {
		writers = append(writers, w)
	}
	s.mu.Unlock()

	msg := Event{Type: "event", Event: event, Payload: payload}
	for _, w := range writers {
		_ = w.write(msg)
	}
}

// Close stops accepting connections.
func (s *Server) Close() error {
	s.mu.Lock()
	s.shutdown = true
	listener := s.listener
	s.mu.Unlock()
	if listener != nil {
		return listener.Close()
	}
	return nil
}
