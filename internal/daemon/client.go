package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync/atomic"
	"time"
)

// Client talks to a running daemon.
type Client struct {
	socketPath string
	timeout    time.Duration
	requestID  atomic.Uint64
}

// NewClient creates a new daemon client.
func NewClient(cfg Config) *Client {
	return &Client{
		socketPath: cfg.SocketPath,
		timeout:    cfg.Timeout,
	}
}

// Connect establishes a connection to the daemon.
func (c *Client) Connect() (net.Conn, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to daemon: %w", err)
	}
	return conn, nil
}

// IsRunning checks if the daemon is accepting connections.
func (c *Client) IsRunning() bool {
	conn, err := c.Connect()
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Ping checks if the daemon is responsive.
func (c *Client) Ping(ctx context.Context) error {
	var out PingResult
	return c.call(ctx, MethodPing, nil, &out)
}

// Status retrieves daemon status, including the workspace snapshot when
// root is non-empty.
func (c *Client) Status(ctx context.Context, root string) (*StatusResult, error) {
	var out StatusResult
	if err := c.call(ctx, MethodStatus, WorkspaceParams{Root: root}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ForceReconcile asks the daemon to sweep root, or only scope within it.
func (c *Client) ForceReconcile(ctx context.Context, params ForceReconcileParams) (*ReconcileResult, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	var out ReconcileResult
	if err := c.call(ctx, MethodForceReconcile, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Defeaters lists defeaters of a workspace.
func (c *Client) Defeaters(ctx context.Context, params DefeatersParams) ([]DefeaterInfo, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	var out []DefeaterInfo
	if err := c.call(ctx, MethodDefeaters, params, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ResolveDefeater resolves an active defeater.
func (c *Client) ResolveDefeater(ctx context.Context, params ResolveDefeaterParams) (*DefeaterInfo, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	var out DefeaterInfo
	if err := c.call(ctx, MethodResolveDefeater, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReportContradiction reports that an artifact contradicts other evidence.
func (c *Client) ReportContradiction(ctx context.Context, params ContradictionParams) (*DefeaterInfo, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	var out DefeaterInfo
	if err := c.call(ctx, MethodReportContradiction, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stop asks the daemon to flush and exit.
func (c *Client) Stop(ctx context.Context) error {
	var out StopResult
	return c.call(ctx, MethodStop, nil, &out)
}

// call sends one request on a fresh connection and decodes the result into
// out. A JSON-RPC error is returned as *Error.
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	conn, err := c.Connect()
	if err != nil {
		return err
	}
	defer conn.Close()

	// Set deadline from context or timeout
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set deadline: %w", err)
	}

	req := Request{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID(),
	}
	if err := c.send(conn, req); err != nil {
		return err
	}

	resp, err := c.receive(conn)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out == nil || resp.Result == nil {
		return nil
	}

	resultData, err := json.Marshal(resp.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if err := json.Unmarshal(resultData, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}

// send encodes and writes a request to the connection.
func (c *Client) send(conn net.Conn, req Request) error {
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	return nil
}

// receive reads and decodes a response from the connection.
func (c *Client) receive(conn net.Conn) (*Response, error) {
	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to receive response: %w", err)
	}
	return &resp, nil
}

// nextID generates a unique request ID.
func (c *Client) nextID() string {
	return fmt.Sprintf("req-%d", c.requestID.Add(1))
}
