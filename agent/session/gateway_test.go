package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/guseggert/scriptagent/agent/auth"
	"github.com/guseggert/scriptagent/agent/execution"
	"github.com/guseggert/scriptagent/agent/process"
	"github.com/guseggert/scriptagent/internal/sqlite"
	"github.com/guseggert/scriptagent/script"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"nhooyr.io/websocket"
)

const testTimeout = 10 * time.Second

type testEnv struct {
	server   *httptest.Server
	scripts  *script.SQLiteRepository
	registry *execution.Registry

	echo  *script.Template
	long  *script.Template
	other *script.Template
}

func newTestEnv(t *testing.T, configure ...func(g *Gateway)) *testEnv {
	ctx := context.Background()
	log := zap.NewNop().Sugar()

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "scripts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	scripts, err := script.NewSQLiteRepository(ctx, db)
	require.NoError(t, err)

	echo := &script.Template{WorkspaceID: "ws1", Name: "echo", Body: `echo "hello $1"; echo done`}
	require.NoError(t, scripts.Create(ctx, echo))
	long := &script.Template{WorkspaceID: "ws1", Name: "long", Body: "echo started; while true; do sleep 0.1; done"}
	require.NoError(t, scripts.Create(ctx, long))
	other := &script.Template{WorkspaceID: "ws2", Name: "other", Body: "echo other"}
	require.NoError(t, scripts.Create(ctx, other))

	registry := execution.NewRegistry(&process.Runner{
		Log:         log,
		ScriptDir:   t.TempDir(),
		GracePeriod: 500 * time.Millisecond,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		require.NoError(t, registry.Shutdown(ctx))
	})

	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)
	validator, err := auth.NewBasicValidator("agent", string(hash))
	require.NoError(t, err)

	g := &Gateway{
		Log:      log,
		Scripts:  scripts,
		Registry: registry,
		Auth:     validator,
	}
	for _, c := range configure {
		c(g)
	}
	server := httptest.NewServer(g)
	t.Cleanup(server.Close)

	return &testEnv{server: server, scripts: scripts, registry: registry, echo: echo, long: long, other: other}
}

func (e *testEnv) dialURL(params url.Values) string {
	return "ws" + strings.TrimPrefix(e.server.URL, "http") + "/script_run?" + params.Encode()
}

func (e *testEnv) dial(t *testing.T, tmpl *script.Template, operator string) *websocket.Conn {
	params := url.Values{}
	if tmpl != nil {
		params.Set("id", tmpl.ID)
		params.Set("workspaceId", tmpl.WorkspaceID)
	}
	return e.dialParams(t, params, operator)
}

func (e *testEnv) dialParams(t *testing.T, params url.Values, operator string) *websocket.Conn {
	conn, _ := e.dialSession(t, params, operator)
	return conn
}

// dialSession also returns the session ID the gateway assigned.
func (e *testEnv) dialSession(t *testing.T, params url.Values, operator string) (*websocket.Conn, string) {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	header := http.Header{}
	header.Set("Authorization", basicAuth("agent", "secret"))
	header.Set(auth.OperatorHeader, operator)
	conn, resp, err := websocket.Dial(ctx, e.dialURL(params), &websocket.DialOptions{HTTPHeader: header})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn, resp.Header.Get(SessionHeader)
}

func basicAuth(user, password string) string {
	r := &http.Request{Header: http.Header{}}
	r.SetBasicAuth(user, password)
	return r.Header.Get("Authorization")
}

func read(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	_, b, err := conn.Read(ctx)
	require.NoError(t, err)
	return string(b)
}

func send(t *testing.T, conn *websocket.Conn, msg any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	b, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, b))
}

// readUntil reads messages until every predicate has matched one of them.
func readUntil(t *testing.T, conn *websocket.Conn, preds ...func(string) bool) []string {
	t.Helper()
	var msgs []string
	matched := make([]bool, len(preds))
	remaining := len(preds)
	for remaining > 0 {
		msg := read(t, conn)
		msgs = append(msgs, msg)
		for i, p := range preds {
			if !matched[i] && p(msg) {
				matched[i] = true
				remaining--
			}
		}
	}
	return msgs
}

func isEqual(s string) func(string) bool {
	return func(msg string) bool { return msg == s }
}

func isAck(op Op, executeID string) func(string) bool {
	return func(msg string) bool {
		var m map[string]any
		if json.Unmarshal([]byte(msg), &m) != nil {
			return false
		}
		return m["op"] == string(op) && m["executeId"] == executeID && m["code"] == 200.0 && m["msg"] == msgSucceeded
	}
}

func isExit(executeID, state string) func(string) bool {
	return func(msg string) bool {
		var ev execution.ExitEvent
		if json.Unmarshal([]byte(msg), &ev) != nil {
			return false
		}
		return ev.ExecuteID == executeID && ev.State == state
	}
}

func readClose(t *testing.T, conn *websocket.Conn) websocket.StatusCode {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	_, _, err := conn.Read(ctx)
	require.Error(t, err)
	return websocket.CloseStatus(err)
}

type cmd struct {
	Op        string `json:"op"`
	ScriptID  string `json:"scriptId,omitempty"`
	ExecuteID string `json:"executeId,omitempty"`
	Args      string `json:"args,omitempty"`
}

func TestRunToCompletion(t *testing.T) {
	env := newTestEnv(t)
	a := env.dial(t, env.echo, "alice")
	assert.Equal(t, "connected: echo", read(t, a))

	send(t, a, cmd{Op: "start", ScriptID: env.echo.ID, ExecuteID: "e1", Args: "-v"})
	msgs := readUntil(t, a, isAck(OpStart, "e1"), isExit("e1", "completed"))

	var output []string
	for _, m := range msgs {
		if m == "hello -v" || m == "done" {
			output = append(output, m)
		}
	}
	assert.Equal(t, []string{"hello -v", "done"}, output)

	tmpl, err := env.scripts.Get(context.Background(), env.echo.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", tmpl.LastRunUser)

	require.Eventually(t, func() bool {
		_, ok := env.registry.Get("e1")
		return !ok
	}, testTimeout, 10*time.Millisecond)
}

func TestAttachAndStop(t *testing.T) {
	env := newTestEnv(t)
	a := env.dial(t, env.long, "alice")
	require.Equal(t, "connected: long", read(t, a))
	send(t, a, cmd{Op: "start", ScriptID: env.long.ID, ExecuteID: "e1"})
	readUntil(t, a, isAck(OpStart, "e1"), isEqual("started"))

	before, ok := env.registry.Get("e1")
	require.True(t, ok)

	b := env.dial(t, env.long, "bob")
	require.Equal(t, "connected: long", read(t, b))
	send(t, b, cmd{Op: "start", ScriptID: env.long.ID, ExecuteID: "e1"})
	readUntil(t, b, isAck(OpStart, "e1"), isEqual("attached to running execution e1"))

	after, ok := env.registry.Get("e1")
	require.True(t, ok)
	assert.Equal(t, before.PID, after.PID, "attaching must not spawn a second process")
	assert.Len(t, after.Watchers, 2)

	tmpl, err := env.scripts.Get(context.Background(), env.long.ID)
	require.NoError(t, err)
	assert.Equal(t, "bob", tmpl.LastRunUser)

	send(t, a, cmd{Op: "stop", ScriptID: env.long.ID, ExecuteID: "e1"})
	readUntil(t, a, isAck(OpStop, "e1"), isExit("e1", "stopped"))
	readUntil(t, b, isExit("e1", "stopped"))

	tmpl, err = env.scripts.Get(context.Background(), env.long.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", tmpl.LastRunUser)

	send(t, a, cmd{Op: "start", ScriptID: env.long.ID, ExecuteID: "e1"})
	readUntil(t, a, isAck(OpStart, "e1"), isEqual("started"))
	fresh, ok := env.registry.Get("e1")
	require.True(t, ok)
	assert.NotEqual(t, before.PID, fresh.PID)
}

func TestDisconnectDetachesWatcher(t *testing.T) {
	env := newTestEnv(t)
	a := env.dial(t, env.long, "alice")
	require.Equal(t, "connected: long", read(t, a))
	send(t, a, cmd{Op: "start", ScriptID: env.long.ID, ExecuteID: "e1"})
	readUntil(t, a, isAck(OpStart, "e1"), isEqual("started"))

	require.NoError(t, a.Close(websocket.StatusNormalClosure, "bye"))

	require.Eventually(t, func() bool {
		info, ok := env.registry.Get("e1")
		return ok && len(info.Watchers) == 0
	}, testTimeout, 10*time.Millisecond)

	// the process outlives its last watcher
	info, ok := env.registry.Get("e1")
	require.True(t, ok)
	assert.Equal(t, execution.StateRunning, info.State)
}

func TestOpenErrors(t *testing.T) {
	env := newTestEnv(t)

	t.Run("missing workspace", func(t *testing.T) {
		conn := env.dialParams(t, url.Values{"id": {env.echo.ID}}, "alice")
		assert.Equal(t, msgUnknownTemplateOrWorkspace, read(t, conn))

		// the connection stays open but refuses commands
		send(t, conn, cmd{Op: "start", ScriptID: env.echo.ID, ExecuteID: "e1"})
		assert.Equal(t, msgNotReady, read(t, conn))
		send(t, conn, cmd{Op: "start", ScriptID: env.echo.ID, ExecuteID: "e1"})
		assert.Equal(t, msgNotReady, read(t, conn))
		_, ok := env.registry.Get("e1")
		assert.False(t, ok)
	})

	t.Run("template from another workspace", func(t *testing.T) {
		conn := env.dialParams(t, url.Values{"id": {env.other.ID}, "workspaceId": {"ws1"}}, "alice")
		assert.Equal(t, msgUnknownTemplateOrWorkspace, read(t, conn))
		send(t, conn, cmd{Op: "start", ScriptID: env.other.ID, ExecuteID: "e1"})
		assert.Equal(t, msgNotReady, read(t, conn))
	})

	t.Run("unknown template", func(t *testing.T) {
		conn := env.dialParams(t, url.Values{"id": {"missing"}, "workspaceId": {"ws1"}}, "alice")
		assert.Equal(t, msgTemplateNotFound, read(t, conn))
	})

	t.Run("unauthorized", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		header := http.Header{}
		header.Set("Authorization", basicAuth("agent", "wrong"))
		params := url.Values{"id": {env.echo.ID}, "workspaceId": {"ws1"}}
		_, resp, err := websocket.Dial(ctx, env.dialURL(params), &websocket.DialOptions{HTTPHeader: header})
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func TestMessageErrors(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name      string
		msg       any
		expMsg    string
		expClosed bool
	}{
		{
			name:      "start without execute id",
			msg:       cmd{Op: "start", ScriptID: "%s"},
			expMsg:    msgMissingExecuteID,
			expClosed: true,
		},
		{
			name:      "stop without execute id",
			msg:       cmd{Op: "stop", ScriptID: "%s"},
			expMsg:    msgMissingExecuteID,
			expClosed: true,
		},
		{
			name:      "unknown template",
			msg:       cmd{Op: "start", ScriptID: "missing", ExecuteID: "e1"},
			expMsg:    msgTemplateNotFound + ": missing",
			expClosed: true,
		},
		{
			name:   "unknown op",
			msg:    cmd{Op: "restart", ScriptID: "%s", ExecuteID: "e1"},
			expMsg: `unsupported op "restart"`,
		},
		{
			name:   "not json",
			msg:    "not json",
			expMsg: "invalid message",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			conn := env.dial(t, env.echo, "alice")
			require.Equal(t, "connected: echo", read(t, conn))

			ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
			defer cancel()
			var raw []byte
			switch m := c.msg.(type) {
			case string:
				raw = []byte(m)
			case cmd:
				if m.ScriptID == "%s" {
					m.ScriptID = env.echo.ID
				}
				b, err := json.Marshal(m)
				require.NoError(t, err)
				raw = b
			}
			require.NoError(t, conn.Write(ctx, websocket.MessageText, raw))

			assert.Contains(t, read(t, conn), c.expMsg)
			if c.expClosed {
				assert.Equal(t, websocket.StatusPolicyViolation, readClose(t, conn))
				return
			}

			// still usable: a heartbeat gets no reply, stopping an unknown execution is acknowledged
			send(t, conn, cmd{Op: "heart", ScriptID: env.echo.ID})
			send(t, conn, cmd{Op: "stop", ScriptID: env.echo.ID, ExecuteID: "nothing-running"})
			assert.True(t, isAck(OpStop, "nothing-running")(read(t, conn)))
		})
	}

	tmpl, err := env.scripts.Get(context.Background(), env.echo.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", tmpl.LastRunUser)
}

func TestSpawnFailureIsReported(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, env.echo, "alice")
	require.Equal(t, "connected: echo", read(t, conn))

	send(t, conn, cmd{Op: "start", ScriptID: env.echo.ID, ExecuteID: "e1", Args: `"unterminated`})
	msg := read(t, conn)
	assert.True(t, isExit("e1", "failed")(msg), msg)

	// no ack and no last run user for a run that never started
	tmpl, err := env.scripts.Get(context.Background(), env.echo.ID)
	require.NoError(t, err)
	assert.Empty(t, tmpl.LastRunUser)

	send(t, conn, cmd{Op: "stop", ScriptID: env.echo.ID, ExecuteID: "e1"})
	assert.True(t, isAck(OpStop, "e1")(read(t, conn)))
}

type fakeConn struct {
	writes []string
	closes int
}

func (c *fakeConn) Write(ctx context.Context, typ websocket.MessageType, p []byte) error {
	c.writes = append(c.writes, string(p))
	return nil
}

func (c *fakeConn) Close(code websocket.StatusCode, reason string) error {
	c.closes++
	return fmt.Errorf("already closed")
}

func TestCloseIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	g := &Gateway{Log: zap.NewNop().Sugar(), Scripts: env.scripts, Registry: env.registry}

	conn := &fakeConn{}
	s := newSession("s1", auth.Principal{Name: "alice"}, conn, g.Log, time.Second)
	g.OnOpen(context.Background(), s, url.Values{"id": {env.long.ID}, "workspaceId": {"ws1"}})
	require.Equal(t, []string{"connected: long"}, conn.writes)

	require.NoError(t, env.registry.StartOrAttach(context.Background(), env.long, "e1", "", s))
	assert.Equal(t, []string{"e1"}, env.registry.Watching("s1"))

	g.OnError(s, fmt.Errorf("connection reset"))
	g.OnClose(s, websocket.StatusAbnormalClosure)
	g.OnClose(s, websocket.StatusAbnormalClosure)
	assert.Empty(t, env.registry.Watching("s1"))
	require.ErrorIs(t, s.Send(context.Background(), "late"), errSessionClosed)

	// a session that never watched anything
	idle := newSession("s2", auth.Principal{Name: "bob"}, &fakeConn{}, g.Log, time.Second)
	g.OnClose(idle, websocket.StatusNormalClosure)
	g.OnClose(idle, websocket.StatusNormalClosure)

	// evicting closes the transport once
	s3conn := &fakeConn{}
	s3 := newSession("s3", auth.Principal{Name: "carol"}, s3conn, g.Log, time.Second)
	s3.Evict("output buffer overflow")
	s3.Evict("output buffer overflow")
	assert.Equal(t, 1, s3conn.closes)
}

func TestCommandForTemplateInAnotherWorkspace(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, env.echo, "alice")
	require.Equal(t, "connected: echo", read(t, conn))

	send(t, conn, cmd{Op: "start", ScriptID: env.other.ID, ExecuteID: "e1"})
	assert.Equal(t, msgTemplateNotFound+": "+env.other.ID, read(t, conn))
	assert.Equal(t, websocket.StatusPolicyViolation, readClose(t, conn))
	_, ok := env.registry.Get("e1")
	assert.False(t, ok)
}

func TestExitEventIsAddressedToSession(t *testing.T) {
	env := newTestEnv(t)
	conn, sessionID := env.dialSession(t, url.Values{"id": {env.echo.ID}, "workspaceId": {"ws1"}}, "alice")
	require.NotEmpty(t, sessionID)
	require.Equal(t, "connected: echo", read(t, conn))

	send(t, conn, cmd{Op: "start", ScriptID: env.echo.ID, ExecuteID: "e1"})
	msgs := readUntil(t, conn, isExit("e1", "completed"))
	ev, ok := execution.ParseExitEvent(msgs[len(msgs)-1], sessionID)
	require.True(t, ok)
	assert.Equal(t, sessionID, ev.WatcherID)
}

// stuckRegistry never finishes stopping, or starting while a stop is in progress.
type stuckRegistry struct {
	*execution.Registry
	blockStart bool
}

func (r *stuckRegistry) Cancel(ctx context.Context, executeID string) error {
	<-ctx.Done()
	return ctx.Err()
}

func (r *stuckRegistry) StartOrAttach(ctx context.Context, tmpl *script.Template, executeID, args string, w execution.Watcher) error {
	if r.blockStart {
		<-ctx.Done()
		return ctx.Err()
	}
	return r.Registry.StartOrAttach(ctx, tmpl, executeID, args, w)
}

func TestStopWaitIsBounded(t *testing.T) {
	stuck := &stuckRegistry{}
	env := newTestEnv(t, func(g *Gateway) {
		stuck.Registry = g.Registry.(*execution.Registry)
		g.Registry = stuck
		g.StopTimeout = 300 * time.Millisecond
	})
	conn := env.dial(t, env.long, "alice")
	require.Equal(t, "connected: long", read(t, conn))
	send(t, conn, cmd{Op: "start", ScriptID: env.long.ID, ExecuteID: "e1"})
	readUntil(t, conn, isAck(OpStart, "e1"), isEqual("started"))

	send(t, conn, cmd{Op: "stop", ScriptID: env.long.ID, ExecuteID: "e1"})
	readUntil(t, conn, func(msg string) bool {
		var m map[string]any
		if json.Unmarshal([]byte(msg), &m) != nil {
			return false
		}
		return m["op"] == "stop" && m["code"] == float64(http.StatusAccepted) && m["msg"] == msgStopRequested
	})

	// the connection is read again after the bounded wait
	stuck.blockStart = true
	send(t, conn, cmd{Op: "start", ScriptID: env.long.ID, ExecuteID: "e1"})
	readUntil(t, conn, isEqual(msgStillStopping))

	// and a disconnect detaches it from the execution it watches
	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "bye"))
	require.Eventually(t, func() bool {
		info, ok := env.registry.Get("e1")
		return ok && len(info.Watchers) == 0
	}, testTimeout, 10*time.Millisecond)
}
