package repl

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/guseggert/evalsock/frame"
	"github.com/guseggert/evalsock/internal/nbio"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Client speaks the framed request/response protocol over one connection.
// Requests are sent one at a time; concurrent calls are serialized.
type Client struct {
	Logger *zap.SugaredLogger

	conn        net.Conn
	stream      nbio.Stream
	maxBlobSize uint32

	mut sync.Mutex
}

type ClientOption func(c *Client)

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("evalsock_client").Sugar()
	}
}

// WithClientMaxBlobSize sets the largest response the client accepts.
func WithClientMaxBlobSize(n uint32) ClientOption {
	return func(c *Client) {
		c.maxBlobSize = n
	}
}

// Dial connects to the server's unix socket.
func Dial(ctx context.Context, socketPath string, opts ...ClientOption) (*Client, error) {
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dialing %q: %w", socketPath, err)
	}
	return NewClient(conn, opts...), nil
}

// NewClient wraps an established connection. The client owns conn from then on.
func NewClient(conn net.Conn, opts ...ClientOption) *Client {
	c := &Client{
		Logger:      zap.NewNop().Sugar(),
		conn:        conn,
		stream:      nbio.Wrap(conn),
		maxBlobSize: frame.DefaultMaxBlobSize,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Eval runs code on the server.
// A non-nil error means the exchange itself failed; failures of the code are reported in the response.
func (c *Client) Eval(ctx context.Context, code string) (*Response, error) {
	return c.Do(ctx, Request{Code: code})
}

// Do sends req, which must marshal to a JSON object with a "code" string field, and waits for the response.
// Extra fields of req are visible to the executed code.
// If ctx is done before the response arrives the connection is closed, since the stream can't be resynchronised.
func (c *Client) Do(ctx context.Context, req any) (*Response, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	blob, err := c.RoundTrip(ctx, b)
	if err != nil {
		return nil, err
	}
	var resp Response
	if err := json.Unmarshal(blob, &resp); err != nil {
		return nil, fmt.Errorf("unmarshaling response: %w", err)
	}
	return &resp, nil
}

// RoundTrip writes one raw request blob and reads one raw response blob.
func (c *Client) RoundTrip(ctx context.Context, request []byte) ([]byte, error) {
	c.mut.Lock()
	defer c.mut.Unlock()

	stop := context.AfterFunc(ctx, func() {
		c.Logger.Debugf("context done, closing conn: %s", ctx.Err())
		c.conn.Close()
	})
	defer stop()

	c.Logger.Debugf("sending %d byte request", len(request))
	err := frame.WriteBlob(c.stream, request)
	if err == nil {
		err = frame.Flush(c.stream)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("sending request: %w", err)
	}

	resp, err := frame.ReadBlob(c.stream, c.maxBlobSize)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("receiving response: %w", err)
	}
	c.Logger.Debugf("received %d byte response", len(resp))
	return resp, nil
}

func (c *Client) Close() error {
	return c.stream.Close()
}

// GatewayClient talks to the server's WebSocket gateway over its unix socket.
type GatewayClient struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	host                     string
	customizeRetryableClient func(*retryablehttp.Client)
	maxBlobSize              uint32

	waitInterval time.Duration
}

// GatewayClientOption configures a GatewayClient.
type GatewayClientOption func(c *GatewayClient)

// WithGatewayWaitInterval sets how often WaitForServer sends a heartbeat.
func WithGatewayWaitInterval(d time.Duration) GatewayClientOption {
	return func(c *GatewayClient) {
		c.waitInterval = d
	}
}

// WithCustomizeRetryableClient lets callers adjust the retrying HTTP client, e.g. its retry count, before it is used.
func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) GatewayClientOption {
	return func(c *GatewayClient) {
		c.customizeRetryableClient = f
	}
}

// logAdapter sends retryablehttp's log lines to zap at debug level.
type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// NewGatewayClient builds a client for the gateway listening on socketPath.
func NewGatewayClient(log *zap.SugaredLogger, socketPath string, opts ...GatewayClientOption) *GatewayClient {
	dialer := &net.Dialer{Timeout: 5 * time.Second}

	// The URL host is only used for the Host header; every request goes to the socket.
	dialCtx := func(ctx context.Context, network, addr string) (net.Conn, error) {
		return dialer.DialContext(ctx, "unix", socketPath)
	}

	c := &GatewayClient{
		Logger:       log.Named("evalsock_gateway_client"),
		host:         "evalsock",
		maxBlobSize:  frame.DefaultMaxBlobSize,
		waitInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{
		Transport: &http.Transport{
			DialContext: dialCtx,
		},
	}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	return c
}

// SendHeartbeat checks that the gateway is up, retrying transient failures.
func (c *GatewayClient) SendHeartbeat(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+c.host+"/heartbeat", nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Close = true

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	if resp.Body != nil {
		defer resp.Body.Close()
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected heartbeat status code %d", resp.StatusCode)
	}
	return nil
}

// WaitForServer sends heartbeats until one succeeds or ctx is done.
func (c *GatewayClient) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := c.SendHeartbeat(ctx)
			if err == nil {
				c.Logger.Debug("heartbeat succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got heartbeat error: %s", err)
		}
	}
}

// Dial opens a WebSocket session with the gateway and returns a Client that runs requests over it.
func (c *GatewayClient) Dial(ctx context.Context, opts ...ClientOption) (*Client, error) {
	u := "ws://" + c.host + "/repl"
	c.Logger.Debugw("dialing WebSocket", "URL", u)
	wsConn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPClient:      c.HTTPClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing WebSocket conn: %w", err)
	}
	wsConn.SetReadLimit(wsReadLimit(c.maxBlobSize))

	// the conn outlives the dial context
	conn := websocket.NetConn(context.Background(), wsConn, websocket.MessageBinary)
	opts = append([]ClientOption{func(cl *Client) { cl.Logger = c.Logger }}, opts...)
	return NewClient(conn, opts...), nil
}
