package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
)

// HandlerFunc executes one operation. The returned value is JSON-encoded
// into the response data.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Server answers framed requests from a single connection and can push
// events at any time.
type Server struct {
	conn     io.ReadWriteCloser
	encoder  *json.Encoder
	handlers map[string]HandlerFunc
	logger   *zap.Logger

	writeMu sync.Mutex
}

// NewServer wraps conn. Handlers are registered before Serve.
func NewServer(conn io.ReadWriteCloser, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		conn:     conn,
		encoder:  json.NewEncoder(conn),
		handlers: make(map[string]HandlerFunc),
		logger:   logger,
	}
}

// Register binds an operation name to its handler.
func (s *Server) Register(op string, handler HandlerFunc) {
	s.handlers[op] = handler
}

// Serve processes requests until the connection fails or ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	decoder := json.NewDecoder(s.conn)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var frame envelope
		if err := decoder.Decode(&frame); err != nil {
			return fmt.Errorf("rpc: read failed: %w", err)
		}
		if frame.ID == nil || frame.Request == nil {
			s.logger.Warn("request frame without id discarded")
			continue
		}
		response := s.dispatch(ctx, *frame.Request)
		if err := s.write(envelope{ID: frame.ID, Response: &response}); err != nil {
			return err
		}
	}
}

// PushEvent sends an unsolicited event frame.
func (s *Server) PushEvent(event any) error {
	encoded, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return s.write(envelope{Type: messageTypeEvent, Event: encoded})
}

func (s *Server) dispatch(ctx context.Context, request Request) Response {
	handler, ok := s.handlers[request.Op]
	if !ok {
		return Response{Success: false, Error: fmt.Sprintf("unknown operation %q", request.Op)}
	}
	result, err := handler(ctx, request.Params)
	if err != nil {
		return Response{Success: false, Error: err.Error()}
	}
	data, err := json.Marshal(result)
	if err != nil {
		return Response{Success: false, Error: fmt.Sprintf("encode result: %v", err)}
	}
	return Response{Success: true, Data: data}
}

func (s *Server) write(frame envelope) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.encoder.Encode(frame); err != nil {
		return fmt.Errorf("rpc: write failed: %w", err)
	}
	return nil
}
