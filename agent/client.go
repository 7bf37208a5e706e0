package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/guseggert/scriptagent/agent/auth"
	"github.com/guseggert/scriptagent/agent/execution"
	"github.com/guseggert/scriptagent/agent/session"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	user                     string
	password                 string
	operator                 string
	customizeRetryableClient func(*retryablehttp.Client)

	waitInterval      time.Duration
	heartbeatInterval time.Duration

	startHeartbeatOnce sync.Once
	stopHeartbeatOnce  sync.Once
	stopHeartbeat      chan struct{}
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

// WithClientHeartbeatInterval sets how often StartHeartbeat sends a heartbeat.
func WithClientHeartbeatInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.heartbeatInterval = d
	}
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("nodeagent_client").Sugar()
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

// WithBasicAuth sets the credentials sent when opening script channels.
func WithBasicAuth(user, password string) ClientOption {
	return func(c *Client) {
		c.user = user
		c.password = password
	}
}

// WithOperator sets the display name recorded as the last run user of the scripts this client runs.
func WithOperator(name string) ClientOption {
	return func(c *Client) {
		c.operator = name
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

func NewClient(log *zap.SugaredLogger, host string, port int, opts ...ClientOption) (*Client, error) {
	if host == "" {
		return nil, fmt.Errorf("host is required")
	}
	c := &Client{
		Logger:            log.Named("nodeagent_client"),
		baseURL:           "http://" + net.JoinHostPort(host, strconv.Itoa(port)),
		waitInterval:      100 * time.Millisecond,
		heartbeatInterval: 10 * time.Second,
		stopHeartbeat:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
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

	return c, nil
}

func (c *Client) prepReq(r *http.Request) {
	r.Header.Add("Content-Type", "application/json")
	if c.user != "" {
		r.SetBasicAuth(c.user, c.password)
	}
	r.Close = true
}

func (c *Client) SendHeartbeat(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/heartbeat", nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	c.prepReq(req)

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

func (c *Client) WaitForServer(ctx context.Context) error {
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

func (n *Client) StartHeartbeat() {
	go n.startHeartbeatOnce.Do(func() {
		ticker := time.NewTicker(n.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-n.stopHeartbeat:
				return
			case <-ticker.C:
			}
			err := n.SendHeartbeat(context.Background())
			if err != nil {
				n.Logger.Debugf("heartbeat error: %s", err)
			}
		}
	})
}

func (n *Client) StopHeartbeat() {
	n.stopHeartbeatOnce.Do(func() { close(n.stopHeartbeat) })
}

// DialScript opens a script channel bound to the given template.
// The first message the agent sends on a channel says whether the binding succeeded.
func (c *Client) DialScript(ctx context.Context, templateID, workspaceID string) (*ScriptConn, error) {
	params := url.Values{}
	params.Set("id", templateID)
	params.Set("workspaceId", workspaceID)
	u := c.baseURL + "/script_run?" + params.Encode()

	header := http.Header{}
	if c.user != "" {
		req := &http.Request{Header: header}
		req.SetBasicAuth(c.user, c.password)
	}
	if c.operator != "" {
		header.Set(auth.OperatorHeader, c.operator)
	}

	c.Logger.Debugw("dialing WebSocket", "URL", u)
	wsConn, resp, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("dialing WebSocket conn: %w", auth.ErrUnauthorized)
		}
		return nil, fmt.Errorf("dialing WebSocket conn: %w", err)
	}
	sessionID := resp.Header.Get(session.SessionHeader)
	if sessionID == "" {
		wsConn.Close(websocket.StatusProtocolError, "missing session id")
		return nil, fmt.Errorf("agent sent no %s header", session.SessionHeader)
	}
	return &ScriptConn{conn: wsConn, scriptID: templateID, sessionID: sessionID}, nil
}

// ScriptConn is an open script channel.
type ScriptConn struct {
	conn      *websocket.Conn
	scriptID  string
	sessionID string
}

// SessionID identifies the channel on the agent. Exit events sent on it carry it as their watcher ID.
func (s *ScriptConn) SessionID() string {
	return s.sessionID
}

type command struct {
	Op        string `json:"op"`
	ScriptID  string `json:"scriptId"`
	ExecuteID string `json:"executeId,omitempty"`
	Args      string `json:"args,omitempty"`
}

func (s *ScriptConn) write(ctx context.Context, cmd command) error {
	b, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshaling command: %w", err)
	}
	if err := s.conn.Write(ctx, websocket.MessageText, b); err != nil {
		return fmt.Errorf("sending %s command: %w", cmd.Op, err)
	}
	return nil
}

// Start runs the script as executeID, or attaches to it if it is already running.
func (s *ScriptConn) Start(ctx context.Context, executeID, args string) error {
	return s.write(ctx, command{Op: "start", ScriptID: s.scriptID, ExecuteID: executeID, Args: args})
}

func (s *ScriptConn) Stop(ctx context.Context, executeID string) error {
	return s.write(ctx, command{Op: "stop", ScriptID: s.scriptID, ExecuteID: executeID})
}

func (s *ScriptConn) Heart(ctx context.Context) error {
	return s.write(ctx, command{Op: "heart", ScriptID: s.scriptID})
}

// Read returns the next message: a line of output, a command acknowledgement, an ExitEvent or an error notice.
func (s *ScriptConn) Read(ctx context.Context) (string, error) {
	_, b, err := s.conn.Read(ctx)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Wait reads until the ExitEvent for executeID, passing every other message to onMessage.
func (s *ScriptConn) Wait(ctx context.Context, executeID string, onMessage func(string)) (execution.ExitEvent, error) {
	for {
		msg, err := s.Read(ctx)
		if err != nil {
			return execution.ExitEvent{}, err
		}
		if ev, ok := execution.ParseExitEvent(msg, s.sessionID); ok && ev.ExecuteID == executeID {
			return ev, nil
		}
		if onMessage != nil {
			onMessage(msg)
		}
	}
}

func (s *ScriptConn) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}
