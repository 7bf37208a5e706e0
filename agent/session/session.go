package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guseggert/scriptagent/agent/auth"
	"github.com/guseggert/scriptagent/agent/execution"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

var errSessionClosed = errors.New("session closed")

// Conn is the part of *websocket.Conn a session writes to.
type Conn interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

var _ execution.Watcher = &Session{}

// Session is one operator connection to a script channel.
type Session struct {
	id           string
	principal    auth.Principal
	conn         Conn
	log          *zap.SugaredLogger
	writeTimeout time.Duration

	// set by the open handler, read by the message handler on the same goroutine
	ready       bool
	scriptID    string
	workspaceID string

	closed    atomic.Bool
	closeOnce sync.Once
}

func newSession(id string, principal auth.Principal, conn Conn, log *zap.SugaredLogger, writeTimeout time.Duration) *Session {
	return &Session{
		id:           id,
		principal:    principal,
		conn:         conn,
		log:          log.With("Session", id, "Operator", principal.Name),
		writeTimeout: writeTimeout,
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) Send(ctx context.Context, msg string) error {
	if s.closed.Load() {
		return errSessionClosed
	}
	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, []byte(msg))
}

// Evict closes a session that could not keep up with output.
func (s *Session) Evict(reason string) {
	s.log.Infow("evicting session", "Reason", reason)
	s.close(websocket.StatusPolicyViolation, reason)
}

// send is a best-effort Send; failures are logged and dropped.
func (s *Session) send(ctx context.Context, msg string) {
	if err := s.Send(ctx, msg); err != nil {
		s.log.Debugw("error sending message", "Error", err)
	}
}

func (s *Session) close(code websocket.StatusCode, reason string) {
	// websocket reason can't be above 123 bytes
	if len(reason) > 100 {
		reason = reason[0:100]
	}
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if err := s.conn.Close(code, reason); err != nil {
			s.log.Debugw("error closing conn", "Error", err)
		}
	})
}

func (s *Session) markClosed() {
	s.closed.Store(true)
}
