package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	engerrors "github.com/Aman-CERP/freshness/internal/errors"
	"github.com/Aman-CERP/freshness/internal/health"
	"github.com/Aman-CERP/freshness/internal/logging"
	"github.com/Aman-CERP/freshness/internal/telemetry"
)

// Handler serves the workspace operations behind the RPC methods.
type Handler interface {
	Workspaces() []string
	Status(ctx context.Context, root string) (health.Snapshot, error)
	ForceReconcile(ctx context.Context, params ForceReconcileParams) (ReconcileResult, error)
	Defeaters(ctx context.Context, params DefeatersParams) ([]DefeaterInfo, error)
	ResolveDefeater(ctx context.Context, params ResolveDefeaterParams) (DefeaterInfo, error)
	ReportContradiction(ctx context.Context, params ContradictionParams) (DefeaterInfo, error)
}

// Server listens on a Unix socket and handles RPC requests.
type Server struct {
	socketPath string
	listener   net.Listener
	handler    Handler
	onStop     func()
	logger     *slog.Logger
	timeout    time.Duration
	started    time.Time

	mu       sync.Mutex
	shutdown bool
	wg       sync.WaitGroup
}

// NewServer creates a new server that listens on the given socket path.
func NewServer(socketPath string) (*Server, error) {
	if socketPath == "" {
		return nil, fmt.Errorf("socket path cannot be empty")
	}
	return &Server{
		socketPath: socketPath,
		logger:     logging.Component(nil, "daemon"),
		timeout:    2 * time.Minute,
	}, nil
}

// SetHandler sets the workspace handler.
func (s *Server) SetHandler(h Handler) {
	s.handler = h
}

// SetLogger replaces the server logger.
func (s *Server) SetLogger(l *slog.Logger) {
	if l != nil {
		s.logger = l
	}
}

// SetTimeout sets the per-connection deadline.
func (s *Server) SetTimeout(d time.Duration) {
	if d > 0 {
		s.timeout = d
	}
}

// OnStop registers the callback run when a client sends the stop method.
func (s *Server) OnStop(fn func()) {
	s.onStop = fn
}

// ListenAndServe starts the server and blocks until context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	// Clean up any stale socket
	_ = os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.socketPath, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.started = time.Now()
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

	// Wait for active connections to finish
	s.wg.Wait()

	return ctx.Err()
}

// handleConnection processes a single client connection.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(s.timeout)); err != nil {
		s.logger.Warn("set_deadline_failed", slog.String("error", err.Error()))
	}

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)

	var req Request
	if err := decoder.Decode(&req); err != nil {
		_ = encoder.Encode(NewErrorResponse("", ErrCodeParseError, "failed to parse request"))
		return
	}

	ctx, span := telemetry.StartSpan(ctx, "daemon."+req.Method, attribute.String("rpc.id", req.ID))
	resp := s.handleRequest(ctx, req)
	var spanErr error
	if resp.Error != nil {
		spanErr = resp.Error
	}
	telemetry.EndSpan(span, spanErr)

	_ = encoder.Encode(resp)
}

// handleRequest dispatches a request to the appropriate handler.
func (s *Server) handleRequest(ctx context.Context, req Request) Response {
	switch req.Method {
	case MethodPing:
		return NewSuccessResponse(req.ID, PingResult{Pong: true})
	case MethodStop:
		return s.handleStop(req)
	}

	if s.handler == nil {
		return NewErrorResponse(req.ID, ErrCodeInternalError, "no workspace handler configured")
	}

	switch req.Method {
	case MethodStatus:
		var params WorkspaceParams
		if resp, ok := decodeParams(req, &params); !ok {
			return resp
		}
		return s.handleStatus(ctx, req.ID, params.Root)

	case MethodForceReconcile:
		var params ForceReconcileParams
		if resp, ok := decodeParams(req, &params); !ok {
			return resp
		}
		if err := params.Validate(); err != nil {
			return NewErrorResponse(req.ID, ErrCodeInvalidParams, err.Error())
		}
		return s.result(req.ID, outcomeOf(s.handler.ForceReconcile(ctx, params)))

	case MethodDefeaters:
		var params DefeatersParams
		if resp, ok := decodeParams(req, &params); !ok {
			return resp
		}
		if err := params.Validate(); err != nil {
			return NewErrorResponse(req.ID, ErrCodeInvalidParams, err.Error())
		}
		return s.result(req.ID, outcomeOf(s.handler.Defeaters(ctx, params)))

	case MethodResolveDefeater:
		var params ResolveDefeaterParams
		if resp, ok := decodeParams(req, &params); !ok {
			return resp
		}
		if err := params.Validate(); err != nil {
			return NewErrorResponse(req.ID, ErrCodeInvalidParams, err.Error())
		}
		return s.result(req.ID, outcomeOf(s.handler.ResolveDefeater(ctx, params)))

	case MethodReportContradiction:
		var params ContradictionParams
		if resp, ok := decodeParams(req, &params); !ok {
			return resp
		}
		if err := params.Validate(); err != nil {
			return NewErrorResponse(req.ID, ErrCodeInvalidParams, err.Error())
		}
		return s.result(req.ID, outcomeOf(s.handler.ReportContradiction(ctx, params)))

	default:
		return NewErrorResponse(req.ID, ErrCodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method))
	}
}

func (s *Server) handleStatus(ctx context.Context, id, root string) Response {
	status := s.getStatus()
	if root != "" {
		snap, err := s.handler.Status(ctx, root)
		if err != nil {
			return s.failure(id, err)
		}
		status.Workspace = &snap
	}
	return NewSuccessResponse(id, status)
}

func (s *Server) handleStop(req Request) Response {
	if s.onStop == nil {
		return NewErrorResponse(req.ID, ErrCodeInternalError, "stop is not supported")
	}
	s.logger.Info("stop_requested", slog.String("id", req.ID))
	// Respond before shutdown starts closing the listener.
	go s.onStop()
	return NewSuccessResponse(req.ID, StopResult{Stopping: true})
}

type outcome struct {
	value any
	err   error
}

func outcomeOf[T any](v T, err error) outcome {
	return outcome{value: v, err: err}
}

func (s *Server) result(id string, o outcome) Response {
	if o.err != nil {
		return s.failure(id, o.err)
	}
	return NewSuccessResponse(id, o.value)
}

// failure maps an engine error to a JSON-RPC error. Input errors become
// InvalidParams; everything else carries its engine code in Data.
func (s *Server) failure(id string, err error) Response {
	code := engerrors.GetCode(err)
	resp := NewErrorResponse(id, ErrCodeOperationFailed, err.Error())
	switch code {
	case engerrors.ErrCodeInvalidInput, engerrors.ErrCodeInvalidPath:
		resp.Error.Code = ErrCodeInvalidParams
	case engerrors.ErrCodeNotRunning:
		resp.Error.Code = ErrCodeWorkspaceNotOpen
	default:
		s.logger.Warn("request_failed", engerrors.LogAttrs(err)...)
	}
	resp.Error.Data = code
	return resp
}

func decodeParams(req Request, v any) (Response, bool) {
	data, err := json.Marshal(req.Params)
	if err != nil {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, "failed to encode params"), false
	}
	if err := json.Unmarshal(data, v); err != nil {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, "failed to decode params"), false
	}
	return Response{}, true
}

// getStatus returns the daemon-level status.
func (s *Server) getStatus() StatusResult {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()

	status := StatusResult{
		Running:    true,
		PID:        os.Getpid(),
		Uptime:     time.Since(started).Round(time.Second).String(),
		Workspaces: []string{},
	}
	if s.handler != nil {
		status.Workspaces = s.handler.Workspaces()
	}
	return status
}

// Close stops the server.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown = true
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}
