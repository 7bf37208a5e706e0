// Package session terminates script channel connections and dispatches operator commands to the execution registry.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/scriptagent/agent/auth"
	"github.com/guseggert/scriptagent/agent/execution"
	"github.com/guseggert/scriptagent/agent/process"
	"github.com/guseggert/scriptagent/script"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const (
	readLimit           = 32768
	defaultWriteTimeout = 10 * time.Second
	defaultStopTimeout  = 5 * time.Second

	// SessionHeader carries the session ID in the upgrade response. Exit events name the session they
	// are addressed to, which script output cannot know.
	SessionHeader = "X-Script-Session"

	msgUnknownTemplateOrWorkspace = "script template or workspace unknown"
	msgTemplateNotFound           = "script template not found"
	msgNotReady                   = "connection is not bound to a script template, reconnect with id and workspaceId"
	msgMissingExecuteID           = "missing execute id"
	msgShuttingDown               = "agent is shutting down"
	msgSucceeded                  = "execution succeeded"
	msgStopRequested              = "stop requested, execution still terminating"
	msgStillStopping              = "execution is still stopping, try again"
	msgSystemError                = `{"code":500,"msg":"system error"}`
)

// Registry is the part of *execution.Registry the gateway drives.
type Registry interface {
	StartOrAttach(ctx context.Context, tmpl *script.Template, executeID, args string, w execution.Watcher) error
	Cancel(ctx context.Context, executeID string) error
	StopWatcher(watcherID string)
}

// Gateway serves script channels. Events for one connection are handled serially on its HTTP handler goroutine.
type Gateway struct {
	Log      *zap.SugaredLogger
	Scripts  script.Repository
	Registry Registry
	Auth     auth.Validator
	// WriteTimeout bounds each message sent to an operator.
	WriteTimeout time.Duration
	// StopTimeout bounds how long a command waits for an execution to stop. The connection is not read
	// while it waits.
	StopTimeout time.Duration
}

func (g *Gateway) stopTimeout() time.Duration {
	if g.StopTimeout <= 0 {
		return defaultStopTimeout
	}
	return g.StopTimeout
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	principal, err := g.Auth.Check(r)
	if err != nil {
		g.Log.Debugw("rejecting unauthorized connection", "Remote", r.RemoteAddr, "Error", err)
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	id := uuid.NewString()
	w.Header().Set(SessionHeader, id)
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		g.Log.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	wsConn.SetReadLimit(readLimit)

	writeTimeout := g.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	s := newSession(id, principal, wsConn, g.Log, writeTimeout)
	ctx := r.Context()

	g.OnOpen(ctx, s, r.URL.Query())
	for {
		typ, data, err := wsConn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == -1 && !s.closed.Load() && ctx.Err() == nil {
				g.OnError(s, err)
			}
			g.OnClose(s, status)
			return
		}
		if typ != websocket.MessageText {
			s.send(ctx, "binary messages are not supported")
			continue
		}
		g.OnMessage(ctx, s, data)
	}
}

// OnOpen binds the session to the script template named by the id and workspaceId parameters.
// Sessions with missing parameters or an unknown template stay open but reject commands.
// A template is only reachable through the workspace it belongs to.
func (g *Gateway) OnOpen(ctx context.Context, s *Session, params url.Values) {
	defer g.recoverPanic(ctx, s)

	id := params.Get("id")
	workspaceID := params.Get("workspaceId")
	if id == "" || workspaceID == "" {
		s.send(ctx, msgUnknownTemplateOrWorkspace)
		return
	}

	tmpl, err := g.Scripts.Get(ctx, id)
	if errors.Is(err, script.ErrNotFound) {
		s.send(ctx, msgTemplateNotFound)
		return
	}
	if err != nil {
		g.internalError(ctx, s, fmt.Errorf("looking up script template %q: %w", id, err))
		return
	}
	if tmpl.WorkspaceID != workspaceID {
		s.log.Debugw("template requested from another workspace", "ScriptID", id, "WorkspaceID", workspaceID)
		s.send(ctx, msgUnknownTemplateOrWorkspace)
		return
	}

	s.scriptID = tmpl.ID
	s.workspaceID = workspaceID
	s.ready = true
	s.log.Debugw("session opened", "ScriptID", tmpl.ID, "WorkspaceID", workspaceID)
	s.send(ctx, "connected: "+tmpl.Name)
}

func (g *Gateway) OnMessage(ctx context.Context, s *Session, raw []byte) {
	defer g.recoverPanic(ctx, s)
	if err := g.handleMessage(ctx, s, raw); err != nil {
		g.handleError(ctx, s, err)
	}
}

func (g *Gateway) handleMessage(ctx context.Context, s *Session, raw []byte) error {
	env, err := ParseEnvelope(raw)
	if err != nil {
		return err
	}
	if !s.ready {
		return newClientError(ErrProtocol, msgNotReady)
	}

	scriptID := env.ScriptID
	if scriptID == "" {
		scriptID = s.scriptID
	}
	tmpl, err := g.Scripts.Get(ctx, scriptID)
	if err == nil && tmpl.WorkspaceID != s.workspaceID {
		err = script.ErrNotFound
	}
	if errors.Is(err, script.ErrNotFound) {
		return newClientError(script.ErrNotFound, fmt.Sprintf("%s: %s", msgTemplateNotFound, scriptID))
	}
	if err != nil {
		return fmt.Errorf("looking up script template %q: %w", scriptID, err)
	}

	code, msg := http.StatusOK, msgSucceeded
	switch env.Op {
	case OpStart:
		if env.ExecuteID == "" {
			return newClientError(ErrValidation, msgMissingExecuteID)
		}
		// a start racing a stop waits for it, bounded like a stop
		startCtx, cancel := context.WithTimeout(ctx, g.stopTimeout())
		err := g.Registry.StartOrAttach(startCtx, tmpl, env.ExecuteID, env.Args, s)
		cancel()
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return newClientError(ErrProtocol, msgStillStopping)
		}
		if err != nil {
			return err
		}
	case OpStop:
		if env.ExecuteID == "" {
			return newClientError(ErrValidation, msgMissingExecuteID)
		}
		stopCtx, cancel := context.WithTimeout(ctx, g.stopTimeout())
		err := g.Registry.Cancel(stopCtx, env.ExecuteID)
		cancel()
		switch {
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			// the exit event reports the outcome
			s.log.Warnw("execution did not stop in time", "ExecuteID", env.ExecuteID, "Timeout", g.stopTimeout())
			code, msg = http.StatusAccepted, msgStopRequested
		case err != nil:
			return err
		}
	case OpHeart:
		return nil
	default:
		return newClientError(ErrProtocol, fmt.Sprintf("unsupported op %q", env.Op))
	}

	tmpl.LastRunUser = s.principal.Name
	if err := g.Scripts.Update(ctx, tmpl); err != nil {
		s.log.Warnw("failed to record last run user", "ScriptID", tmpl.ID, "Error", err)
	}

	ack, err := env.Ack(code, msg)
	if err != nil {
		return err
	}
	s.log.Debugw("command accepted", "Op", env.Op, "ExecuteID", env.ExecuteID)
	s.send(ctx, ack)
	return nil
}

func (g *Gateway) handleError(ctx context.Context, s *Session, err error) {
	switch {
	case errors.Is(err, ErrProtocol):
		s.log.Debugw("rejected message", "Error", err)
		s.send(ctx, err.Error())
	case errors.Is(err, ErrValidation), errors.Is(err, script.ErrNotFound):
		s.log.Debugw("closing session", "Error", err)
		s.send(ctx, err.Error())
		s.close(websocket.StatusPolicyViolation, err.Error())
	case errors.Is(err, process.ErrSpawn):
		// already delivered to the session as the execution's exit event
		s.log.Infow("script failed to start", "Error", err)
	case errors.Is(err, execution.ErrClosed):
		s.send(ctx, msgShuttingDown)
		s.close(websocket.StatusGoingAway, msgShuttingDown)
	case ctx.Err() != nil:
		s.log.Debugw("connection context done while handling message", "Error", err)
	default:
		g.internalError(ctx, s, err)
	}
}

func (g *Gateway) internalError(ctx context.Context, s *Session, err error) {
	s.log.Errorw("error handling script channel", "Error", err)
	s.send(ctx, msgSystemError)
	s.close(websocket.StatusInternalError, "system error")
}

func (g *Gateway) recoverPanic(ctx context.Context, s *Session) {
	if r := recover(); r != nil {
		g.internalError(ctx, s, fmt.Errorf("panic: %v", r))
	}
}

// OnClose detaches the session from every execution it watches. It is safe to call more than once.
func (g *Gateway) OnClose(s *Session, status websocket.StatusCode) {
	s.markClosed()
	g.Registry.StopWatcher(s.ID())
	s.log.Debugw("session closed", "Status", status)
}

// OnError detaches the session like OnClose; the read loop still calls OnClose afterwards.
func (g *Gateway) OnError(s *Session, err error) {
	s.log.Debugw("session error", "Error", err)
	s.markClosed()
	g.Registry.StopWatcher(s.ID())
}
